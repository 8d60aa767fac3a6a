package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/parleylabs/parley/internal/admission"
	"github.com/parleylabs/parley/internal/auth"
	"github.com/parleylabs/parley/internal/ledger"
)

func subscribeFrame(listingID, offerID, callID string) []byte {
	return []byte(fmt.Sprintf(
		`{"subscribe":{"offer":{"listingID":%q,"offerID":%q,"callID":%q}}}`,
		listingID, offerID, callID))
}

func (f *fixture) registerEndpoint(session *Session, deviceToken string) {
	f.t.Helper()
	frame := fmt.Sprintf(`{"notification":{"deviceToken":%q,"deviceType":"APN"}}`, deviceToken)
	session.HandleMessage(context.Background(), []byte(frame))
	waitFor(f.t, "endpoint registered", func() bool {
		endpoints, err := f.service.notifications.ActiveEndpoints(context.Background(), session.Address())
		return err == nil && len(endpoints) > 0
	})
}

func TestCallInviteForwardedWithCredentials(t *testing.T) {
	f := newFixture(t, nil)
	f.seedOffer("1", "0")

	buyer := f.connect(f.buyerKey, "")
	seller := f.connect(f.sellerKey, "wallet-1")
	f.registerEndpoint(seller, "device-1")

	buyer.HandleMessage(context.Background(), subscribeFrame("1", "0", "call-1"))

	envelope := receiveEnvelope(t, seller)
	if !auth.EqualAddresses(envelope.From, f.buyer) {
		t.Fatalf("expected invite from %s, got %+v", f.buyer, envelope)
	}
	if envelope.Subscribe == nil || envelope.Subscribe.Offer == nil {
		t.Fatalf("expected an offer invite, got %+v", envelope)
	}
	invite := envelope.Subscribe.Offer
	if invite.Amount != 1.5 || invite.AmountType != "eth" {
		t.Fatalf("invite lost ledger decoration: %+v", invite)
	}
	if invite.Turn == nil || invite.Turn.Realm != "relay.test" || !auth.EqualAddresses(invite.Turn.Username, f.seller) {
		t.Fatalf("invite lost relay credentials: %+v", invite.Turn)
	}

	waitFor(t, "push notification", func() bool { return f.deliverer.count() == 1 })

	// The same call id rings through again but must not push twice.
	buyer.HandleMessage(context.Background(), subscribeFrame("1", "0", "call-1"))
	receiveEnvelope(t, seller)
	time.Sleep(50 * time.Millisecond)
	if f.deliverer.count() != 1 {
		t.Fatalf("duplicate ring produced %d notifications", f.deliverer.count())
	}
}

func TestBelowMinimumOfferNotForwarded(t *testing.T) {
	f := newFixture(t, func(cfg *ServiceConfig) {
		cfg.MinCallAmount = 1
	})
	f.chain.setContract(ledger.ContractOffer{
		Buyer:  f.buyer,
		Seller: f.seller,
		Status: ledger.StatusCreated,
		Value:  "500000000000000000",
		Refund: "0",
	})

	buyer := f.connect(f.buyerKey, "")
	seller := f.connect(f.sellerKey, "wallet-1")
	f.registerEndpoint(seller, "device-1")
	before := f.deliverer.count()

	buyer.HandleMessage(context.Background(), subscribeFrame("1", "0", "call-1"))

	expectSilence(t, seller)
	if f.deliverer.count() != before {
		t.Fatalf("below-minimum offer must not notify")
	}
}

func TestHardRejectNotifiesBuyer(t *testing.T) {
	f := newFixture(t, nil)
	f.chain.setContract(ledger.ContractOffer{
		Buyer:  f.buyer,
		Seller: f.seller,
		Status: ledger.StatusCreated,
		Value:  "2000000000000000000",
		Refund: "0",
	})
	f.seedOffer("1", "0")

	buyer := f.connect(f.buyerKey, "")
	seller := f.connect(f.sellerKey, "")

	seller.HandleMessage(context.Background(), []byte(`{"reject":{"offer":{"listingID":"1","offerID":"0"}}}`))

	envelope := receiveEnvelope(t, buyer)
	if envelope.Rejected == nil || envelope.Rejected.Offer.ListingID != "1" || envelope.Rejected.Offer.OfferID != "0" {
		t.Fatalf("expected a rejected envelope, got %+v", envelope)
	}
	if !auth.EqualAddresses(envelope.From, f.seller) {
		t.Fatalf("rejection must come from the callee, got %+v", envelope)
	}

	record, err := f.service.offers.Find(context.Background(), "1-0")
	if err != nil || record == nil || !record.Rejected {
		t.Fatalf("offer must be flagged rejected, got %+v (%v)", record, err)
	}
}

func TestSoftDeclineKeepsConversationAlive(t *testing.T) {
	f := newFixture(t, nil)
	f.seedOffer("1", "0")

	buyer := f.connect(f.buyerKey, "")
	seller := f.connect(f.sellerKey, "")

	// Accepted offer: the reject softens into a decline.
	seller.HandleMessage(context.Background(), []byte(`{"reject":{"offer":{"listingID":"1","offerID":"0"}}}`))
	expectSilence(t, buyer)

	record, err := f.service.offers.Find(context.Background(), "1-0")
	if err != nil || record == nil || record.Rejected {
		t.Fatalf("accepted offer must not be hard-rejected, got %+v (%v)", record, err)
	}

	buyer.HandleMessage(context.Background(), subscribeFrame("1", "0", "call-2"))
	envelope := receiveEnvelope(t, buyer)
	if envelope.Declined == nil || envelope.Declined.Reason != "declined" {
		t.Fatalf("expected a declined response, got %+v", envelope)
	}
	expectSilence(t, seller)
}

func TestSetPeerFocusSendsSingleLeave(t *testing.T) {
	f := newFixture(t, nil)
	session := f.connect(f.buyerKey, "")

	peerA := "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	peerB := "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
	streamA, cancelA := f.bus.Subscribe(context.Background(), addressChannel(peerA))
	defer cancelA()
	streamB, cancelB := f.bus.Subscribe(context.Background(), addressChannel(peerB))
	defer cancelB()

	session.HandleMessage(context.Background(), []byte(fmt.Sprintf(`{"address":%q,"exchange":{"sdp":"x"}}`, peerA)))
	session.HandleMessage(context.Background(), []byte(fmt.Sprintf(`{"address":%q,"exchange":{"sdp":"x"}}`, peerB)))
	<-streamA
	<-streamB

	session.HandleMessage(context.Background(), []byte(fmt.Sprintf(`{"address":%q,"setPeer":1}`, peerB)))

	var envelope Envelope
	select {
	case raw := <-streamA:
		if err := json.Unmarshal(raw, &envelope); err != nil || envelope.Leave != 1 {
			t.Fatalf("expected a leave for the dropped peer, got %s", raw)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("dropped peer never received a leave")
	}
	select {
	case raw := <-streamA:
		t.Fatalf("dropped peer received a second message: %s", raw)
	case raw := <-streamB:
		t.Fatalf("kept peer received a message: %s", raw)
	case <-time.After(100 * time.Millisecond):
	}

	peers := session.Peers()
	if len(peers) != 1 || !auth.EqualAddresses(peers[0], peerB) {
		t.Fatalf("expected a single focused peer, got %v", peers)
	}
}

func TestExchangeFilteredFromStrangers(t *testing.T) {
	f := newFixture(t, nil)
	session := f.connect(f.buyerKey, "")

	stranger := Envelope{From: f.seller, Exchange: json.RawMessage(`{"sdp":"x"}`)}
	raw, _ := stranger.Encode()
	f.bus.Publish(addressChannel(f.buyer), raw)
	expectSilence(t, session)

	// Exchanging toward the address lists it as a peer; its answers now pass.
	session.HandleMessage(context.Background(), []byte(fmt.Sprintf(`{"address":%q,"exchange":{"sdp":"y"}}`, f.seller)))
	f.bus.Publish(addressChannel(f.buyer), raw)
	envelope := receiveEnvelope(t, session)
	if len(envelope.Exchange) == 0 || !auth.EqualAddresses(envelope.From, f.seller) {
		t.Fatalf("expected the peer exchange, got %+v", envelope)
	}
}

func TestCloseReleasesPeersAndPresence(t *testing.T) {
	f := newFixture(t, nil)
	session := f.connect(f.buyerKey, "")

	peer := "0xcccccccccccccccccccccccccccccccccccccccc"
	peerStream, cancelPeer := f.bus.Subscribe(context.Background(), addressChannel(peer))
	defer cancelPeer()
	broadcast, cancelAll := f.bus.Subscribe(context.Background(), channelAll)
	defer cancelAll()

	session.HandleMessage(context.Background(), []byte(fmt.Sprintf(`{"address":%q,"exchange":{"sdp":"x"}}`, peer)))
	<-peerStream

	session.Close()
	session.Close()

	var leave Envelope
	if err := json.Unmarshal(<-peerStream, &leave); err != nil || leave.Leave != 1 || !auth.EqualAddresses(leave.From, f.buyer) {
		t.Fatalf("peer must receive exactly one leave, got %+v (%v)", leave, err)
	}
	waitFor(t, "left broadcast", func() bool {
		select {
		case raw := <-broadcast:
			var envelope Envelope
			return json.Unmarshal(raw, &envelope) == nil && envelope.Left == 1
		default:
			return false
		}
	})
	select {
	case raw := <-peerStream:
		t.Fatalf("duplicate close leaked a message: %s", raw)
	case <-time.After(100 * time.Millisecond):
	}
	if f.service.Present(f.buyer) {
		t.Fatalf("presence must be released on close")
	}
}

func TestReadClearsUnreadAndAnswersRing(t *testing.T) {
	f := newFixture(t, nil)
	record := f.seedOffer("1", "0")
	record.ToNewMsg = true
	if err := f.service.offers.Save(context.Background(), record); err != nil {
		t.Fatalf("failed to seed unread flag: %v", err)
	}
	f.service.guard.Ring(f.buyer, "1", "0", "call-1")

	seller := f.connect(f.sellerKey, "")
	seller.HandleMessage(context.Background(), []byte(`{"read":{"offer":{"listingID":"1","offerID":"0"}}}`))

	waitFor(t, "unread flag cleared", func() bool {
		stored, err := f.service.offers.Find(context.Background(), "1-0")
		return err == nil && stored != nil && !stored.ToNewMsg
	})
	if _, ringing := f.service.guard.Ringing(f.buyer, "1", "0"); ringing {
		t.Fatalf("opening the conversation must answer the ring")
	}
}

func TestVoucherForwardedToPayee(t *testing.T) {
	f := newFixture(t, nil)
	f.seedOffer("1", "0")

	buyer := f.connect(f.buyerKey, "")
	seller := f.connect(f.sellerKey, "")
	// The payee lists the buyer as a peer so the forwarded voucher passes
	// its delivery filter.
	seller.HandleMessage(context.Background(), []byte(fmt.Sprintf(`{"address":%q,"exchange":{"sdp":"x"}}`, f.buyer)))

	voucher := f.signVoucher(f.verifierKey, "1", "0", "750000000000000000", "0")
	frame, err := json.Marshal(struct {
		Voucher *ledger.Voucher `json:"voucher"`
	}{Voucher: voucher})
	if err != nil {
		t.Fatalf("failed to encode voucher frame: %v", err)
	}
	buyer.HandleMessage(context.Background(), frame)

	envelope := receiveEnvelope(t, seller)
	if envelope.Voucher == nil || envelope.Voucher.Payout != "750000000000000000" {
		t.Fatalf("expected the forwarded voucher, got %+v", envelope)
	}
	if !auth.EqualAddresses(envelope.From, f.buyer) {
		t.Fatalf("voucher must carry the submitter, got %+v", envelope)
	}

	// A non-increasing replay is swallowed, not forwarded.
	buyer.HandleMessage(context.Background(), frame)
	expectSilence(t, seller)
}

func TestStartSessionRequiresUnreadAcceptance(t *testing.T) {
	f := newFixture(t, nil)
	record := f.seedOffer("1", "0")

	buyer := f.connect(f.buyerKey, "")
	frame := []byte(`{"startSession":{"offer":{"listingID":"1","offerID":"0"}}}`)

	buyer.HandleMessage(context.Background(), frame)
	stored, err := f.service.offers.Find(context.Background(), "1-0")
	if err != nil || stored == nil || stored.ToNewMsg {
		t.Fatalf("an already-read acceptance must not start a session, got %+v (%v)", stored, err)
	}

	record.FromNewMsg = true
	if err := f.service.offers.Save(context.Background(), record); err != nil {
		t.Fatalf("failed to seed the unread acceptance: %v", err)
	}
	buyer.HandleMessage(context.Background(), frame)
	stored, err = f.service.offers.Find(context.Background(), "1-0")
	if err != nil || stored == nil || !stored.ToNewMsg {
		t.Fatalf("unread acceptance must start the session, got %+v (%v)", stored, err)
	}
}

func TestDismissOnlyHonoredFromBuyer(t *testing.T) {
	f := newFixture(t, nil)
	f.seedOffer("1", "0")
	frame := []byte(`{"dismiss":{"offer":{"listingID":"1","offerID":"0"}}}`)

	seller := f.connect(f.sellerKey, "")
	seller.HandleMessage(context.Background(), frame)
	stored, err := f.service.offers.Find(context.Background(), "1-0")
	if err != nil || stored == nil || stored.Dismissed {
		t.Fatalf("payee must not dismiss the offer, got %+v (%v)", stored, err)
	}

	buyer := f.connect(f.buyerKey, "")
	buyer.HandleMessage(context.Background(), frame)
	stored, err = f.service.offers.Find(context.Background(), "1-0")
	if err != nil || stored == nil || !stored.Dismissed {
		t.Fatalf("buyer dismiss must be persisted, got %+v (%v)", stored, err)
	}
}

func TestCollectedNotifiesBuyerWithCooldown(t *testing.T) {
	f := newFixture(t, nil)
	record := f.seedOffer("1", "0")
	record.Active = false
	if err := f.service.offers.Save(context.Background(), record); err != nil {
		t.Fatalf("failed to retire the offer: %v", err)
	}

	buyer := f.connect(f.buyerKey, "wallet-b")
	seller := f.connect(f.sellerKey, "")
	f.registerEndpoint(buyer, "device-b")

	frame := []byte(`{"collected":{"offer":{"listingID":"1","offerID":"0"}}}`)
	seller.HandleMessage(context.Background(), frame)

	envelope := receiveEnvelope(t, buyer)
	if envelope.Collected == nil || envelope.Collected.Offer.ListingID != "1" {
		t.Fatalf("expected a collected envelope, got %+v", envelope)
	}
	if !auth.EqualAddresses(envelope.From, f.seller) {
		t.Fatalf("collection must come from the payee, got %+v", envelope)
	}
	waitFor(t, "collected push", func() bool { return f.deliverer.count() == 1 })

	// Inside the cooldown the envelope still flows but no second push fires.
	seller.HandleMessage(context.Background(), frame)
	receiveEnvelope(t, buyer)
	time.Sleep(50 * time.Millisecond)
	if f.deliverer.count() != 1 {
		t.Fatalf("cooldown must suppress the repeat push, got %d", f.deliverer.count())
	}

	f.clock.Advance(time.Hour)
	seller.HandleMessage(context.Background(), frame)
	receiveEnvelope(t, buyer)
	waitFor(t, "push after cooldown", func() bool { return f.deliverer.count() == 2 })
}

func TestGetOffersReturnsPendingSet(t *testing.T) {
	f := newFixture(t, nil)
	f.seedOffer("1", "0")

	buyer := f.connect(f.buyerKey, "")
	buyer.HandleMessage(context.Background(), []byte(`{"getOffers":1}`))

	envelope := receiveEnvelope(t, buyer)
	if len(envelope.Offers) != 1 || envelope.Offers[0].FullID != "1-0" {
		t.Fatalf("expected the pending offer, got %+v", envelope.Offers)
	}
	if !envelope.Offers[0].Accepted || envelope.Offers[0].Amount != 1.5 {
		t.Fatalf("offer summary lost ledger state: %+v", envelope.Offers[0])
	}
}

func TestAPIVersionGate(t *testing.T) {
	f := newFixture(t, func(cfg *ServiceConfig) {
		cfg.MinAPIVersion = 2
	})
	session := f.connect(f.buyerKey, "")

	session.HandleMessage(context.Background(), []byte(`{"apiVersion":{"version":1}}`))
	envelope := receiveEnvelope(t, session)
	if envelope.UpdateRequired != 1 {
		t.Fatalf("stale client must be told to update, got %+v", envelope)
	}

	session.HandleMessage(context.Background(), []byte(`{"apiVersion":{"version":2}}`))
	expectSilence(t, session)
}

func TestMissedCallPushFires(t *testing.T) {
	f := newFixture(t, func(cfg *ServiceConfig) {
		cfg.Admission = admission.GuardConfig{MissedCallDelay: 20 * time.Millisecond}
	})
	f.seedOffer("1", "0")

	buyer := f.connect(f.buyerKey, "")
	seller := f.connect(f.sellerKey, "wallet-1")
	f.registerEndpoint(seller, "device-1")

	buyer.HandleMessage(context.Background(), subscribeFrame("1", "0", "call-1"))
	receiveEnvelope(t, seller)

	waitFor(t, "missed call push", func() bool { return f.deliverer.count() == 2 })
	if f.deliverer.last().Title != "Missed call" {
		t.Fatalf("expected a missed call push, got %+v", f.deliverer.last())
	}
}
