package signaling

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/parleylabs/parley/internal/admission"
	"github.com/parleylabs/parley/internal/auth"
	"github.com/parleylabs/parley/internal/bus"
	"github.com/parleylabs/parley/internal/ledger"
	"github.com/parleylabs/parley/internal/notify"
)

// State is a session's lifecycle stage.
type State int

const (
	// StateConnecting covers the window between the authenticated upgrade
	// and the asynchronous profile load; broadcast traffic is not yet
	// delivered.
	StateConnecting State = iota
	// StateActive means presence is registered and all traffic flows.
	StateActive
	// StateClosed is terminal.
	StateClosed
)

const outboundBuffer = 64

// Session is one authenticated relay connection. It consumes the address
// and broadcast channels of the bus, filters traffic against its peer
// list, and dispatches inbound client frames.
type Session struct {
	service     *Service
	address     string
	walletToken string

	out  chan []byte
	done chan struct{}

	cancelOwn func()
	cancelAll func()

	closeOnce sync.Once

	mu      sync.Mutex
	state   State
	peers   []string
	present bool
	profile json.RawMessage
}

func newSession(ctx context.Context, service *Service, address, walletToken string) *Session {
	session := &Session{
		service:     service,
		address:     address,
		walletToken: walletToken,
		out:         make(chan []byte, outboundBuffer),
		done:        make(chan struct{}),
	}
	own, cancelOwn := service.bus.Subscribe(ctx, addressChannel(address))
	all, cancelAll := service.bus.Subscribe(ctx, channelAll)
	session.cancelOwn = cancelOwn
	session.cancelAll = cancelAll
	go session.pump(own, all)
	go session.connect(ctx)
	return session
}

// Address returns the authenticated wallet address.
func (s *Session) Address() string { return s.address }

// Outbound is the stream of frames to write to the client. It is never
// closed; select against Done.
func (s *Session) Outbound() <-chan []byte { return s.out }

// Done is closed when the session is closed.
func (s *Session) Done() <-chan struct{} { return s.done }

// State reports the current lifecycle stage.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Profile returns the cached user profile loaded at connect time.
func (s *Session) Profile() json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.profile
}

// Peers returns a copy of the current peer list.
func (s *Session) Peers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	peers := make([]string, len(s.peers))
	copy(peers, s.peers)
	return peers
}

// connect finishes session setup off the hot path: the profile load may
// hit the content gateway, so presence registers once it completes.
func (s *Session) connect(ctx context.Context) {
	var profile json.RawMessage
	if s.service.users != nil {
		profile, _ = s.service.users.Lookup(ctx, s.address)
	}
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.profile = profile
	s.state = StateActive
	// The refcount increment and the present flag change in the same
	// critical section; Close reads the flag under s.mu.
	s.service.activatePresence(s.address)
	s.present = true
	s.mu.Unlock()

	if s.service.notifications != nil {
		if err := s.service.notifications.TouchOnline(ctx, s.address); err != nil {
			s.service.logger.Debug("touch online failed", zap.Error(err))
		}
	}
	s.publish(channelAll, Envelope{From: s.address, Join: 1})
}

// Close tears the session down exactly once: every listed peer gets a
// leave, the broadcast channel gets a left marker, and presence is
// released.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = StateClosed
		peers := s.peers
		s.peers = nil
		present := s.present
		s.present = false
		s.mu.Unlock()

		for _, peer := range peers {
			s.publish(addressChannel(peer), Envelope{From: s.address, Leave: 1})
		}
		s.publish(channelAll, Envelope{From: s.address, Left: 1})
		if present {
			s.service.deactivatePresence(s.address)
		}
		s.cancelOwn()
		s.cancelAll()
		close(s.done)
	})
}

// pump moves bus traffic toward the client, applying the delivery filter.
func (s *Session) pump(own, all <-chan bus.Message) {
	for {
		select {
		case message, ok := <-own:
			if !ok {
				return
			}
			s.forward([]byte(message), false)
		case message, ok := <-all:
			if !ok {
				return
			}
			s.forward([]byte(message), true)
		case <-s.done:
			return
		}
	}
}

// forward decides whether a bus message reaches this client. Broadcast
// frames are delivered to every active session; address-channel frames
// only from listed peers, except the ring-class tags which always pass.
func (s *Session) forward(raw []byte, broadcast bool) {
	var envelope Envelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return
	}
	if auth.EqualAddresses(envelope.From, s.address) {
		return
	}
	s.mu.Lock()
	state := s.state
	listed := s.hasPeerLocked(envelope.From)
	s.mu.Unlock()
	if state == StateClosed || (broadcast && state != StateActive) {
		return
	}
	if !broadcast && !listed && !envelope.ringClass() {
		return
	}
	s.emit(raw)
}

func (s *Session) emit(raw []byte) {
	select {
	case s.out <- raw:
	case <-s.done:
	default:
		s.service.logger.Warn("outbound buffer full, dropping frame",
			zap.String("address", s.address))
	}
}

func (s *Session) sendEnvelope(envelope Envelope) {
	raw, err := envelope.Encode()
	if err != nil {
		return
	}
	s.emit(raw)
}

func (s *Session) publish(channel string, envelope Envelope) {
	raw, err := envelope.Encode()
	if err != nil {
		return
	}
	s.service.bus.Publish(channel, raw)
}

func (s *Session) hasPeerLocked(address string) bool {
	for _, peer := range s.peers {
		if auth.EqualAddresses(peer, address) {
			return true
		}
	}
	return false
}

func (s *Session) addPeer(address string) {
	if address == "" || auth.EqualAddresses(address, s.address) {
		return
	}
	s.mu.Lock()
	if !s.hasPeerLocked(address) {
		s.peers = append(s.peers, address)
	}
	s.mu.Unlock()
}

func (s *Session) removePeer(address string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, peer := range s.peers {
		if auth.EqualAddresses(peer, address) {
			s.peers = append(s.peers[:i], s.peers[i+1:]...)
			return true
		}
	}
	return false
}

// HandleMessage dispatches one inbound client frame. Unrecognized or
// malformed frames are dropped without closing the session.
func (s *Session) HandleMessage(ctx context.Context, raw []byte) {
	if s.State() == StateClosed {
		return
	}
	var message ClientMessage
	if err := json.Unmarshal(raw, &message); err != nil {
		s.service.logger.Debug("undecodable frame",
			zap.String("address", s.address), zap.Error(err))
		return
	}
	switch message.Kind() {
	case KindSubscribe:
		s.handleSubscribe(ctx, &message)
	case KindExchange:
		s.handleExchange(&message)
	case KindLeave:
		s.handleLeave(&message)
	case KindSetPeer:
		s.handleSetPeer(&message)
	case KindDisableNotification:
		s.handleDisableNotification(ctx)
	case KindNotification:
		s.handleNotification(ctx, message.Notification)
	case KindVoucher:
		s.handleVoucher(ctx, message.Voucher)
	case KindGetOffers:
		s.handleGetOffers(ctx)
	case KindRead:
		s.handleRead(ctx, message.Read)
	case KindReject:
		s.handleReject(ctx, message.Reject)
	case KindDismiss:
		s.handleDismiss(ctx, message.Dismiss)
	case KindCollected:
		s.handleCollected(ctx, message.Collected)
	case KindStartSession:
		s.handleStartSession(ctx, message.StartSession)
	case KindAPIVersion:
		s.handleAPIVersion(message.APIVersion)
	}
}

// handleSubscribe validates a call invite against the ledger, rings the
// admission guard, and forwards the decorated invite to the recipient.
func (s *Session) handleSubscribe(ctx context.Context, message *ClientMessage) {
	payload := message.Subscribe
	detail := payload.Offer
	acceptLeg := false
	if detail == nil {
		detail = payload.Accept
		acceptLeg = true
	}
	if detail == nil || detail.ListingID == "" || detail.OfferID == "" {
		return
	}
	offer, err := s.service.LookupOffer(ctx, detail.ListingID, detail.OfferID, ledger.LookupOptions{
		TxHash:      detail.TxHash,
		BlockNumber: detail.BlockNumber,
	})
	if err != nil || offer == nil || !offer.Active || offer.Rejected {
		return
	}
	if !auth.EqualAddresses(offer.From, s.address) {
		return
	}
	recipient := offer.To
	if recipient == "" {
		recipient = message.Address
	} else if message.Address != "" && !auth.EqualAddresses(recipient, message.Address) {
		return
	}
	if recipient == "" || auth.EqualAddresses(recipient, s.address) {
		return
	}
	if acceptLeg && !offer.Accepted() {
		return
	}
	if !acceptLeg && !offer.Accepted() && offer.Amount < s.service.minCallAmount {
		return
	}

	notifyRecipient := true
	if detail.CallID != "" {
		outcome := s.service.guard.Ring(s.address, detail.ListingID, detail.OfferID, detail.CallID)
		if outcome.Declined() {
			s.sendEnvelope(Envelope{Declined: &DeclinedPayload{
				Offer:  OfferRef{ListingID: detail.ListingID, OfferID: detail.OfferID},
				Reason: outcome.Reason(),
			}})
			return
		}
		if outcome == admission.RingSuppressed {
			notifyRecipient = false
		}
	}

	s.addPeer(recipient)

	outbound := OutboundDetail{
		SubscribeDetail: *detail,
		Amount:          offer.Amount,
		AmountType:      offer.AmountType,
		InitInfo:        rawOrNil(offer.InitInfo),
		Turn:            s.service.mintTurn(recipient),
	}
	envelope := Envelope{From: s.address}
	if acceptLeg {
		envelope.Subscribe = &OutboundSubscribe{Accept: &outbound}
	} else {
		envelope.Subscribe = &OutboundSubscribe{Offer: &outbound}
	}
	s.publish(addressChannel(recipient), envelope)

	offer.ToNewMsg = true
	shouldNotify := notifyRecipient && s.service.cooldownElapsed(offer.LastNotify)
	if shouldNotify {
		now := s.service.clock()
		offer.LastNotify = &now
	}
	if err := s.service.offers.Save(ctx, offer); err != nil {
		s.service.logger.Warn("offer state persist failed",
			zap.String("fullID", offer.FullID), zap.Error(err))
	}
	if shouldNotify {
		s.service.notifyAddress(ctx, recipient, notify.Notification{
			Title:      "Incoming call",
			Body:       "Someone is calling you.",
			CollapseID: detail.CallID,
			Payload: map[string]any{
				"type":      "call",
				"caller":    s.address,
				"listingID": detail.ListingID,
				"offerID":   detail.OfferID,
			},
		})
	}
}

// handleExchange relays an SDP or ICE blob to the named peer. The target
// is added to the peer list so its answers pass the delivery filter.
func (s *Session) handleExchange(message *ClientMessage) {
	target := message.Address
	if target == "" || auth.EqualAddresses(target, s.address) {
		return
	}
	s.addPeer(target)
	s.publish(addressChannel(target), Envelope{From: s.address, Exchange: message.Exchange})
}

func (s *Session) handleLeave(message *ClientMessage) {
	if s.removePeer(message.Address) {
		s.publish(addressChannel(message.Address), Envelope{From: s.address, Leave: 1})
	}
}

// handleSetPeer focuses the session on a single peer: every other listed
// peer receives exactly one leave.
func (s *Session) handleSetPeer(message *ClientMessage) {
	target := message.Address
	s.mu.Lock()
	dropped := make([]string, 0, len(s.peers))
	kept := s.peers[:0]
	for _, peer := range s.peers {
		if target != "" && auth.EqualAddresses(peer, target) {
			kept = append(kept, peer)
		} else {
			dropped = append(dropped, peer)
		}
	}
	s.peers = kept
	s.mu.Unlock()

	for _, peer := range dropped {
		s.publish(addressChannel(peer), Envelope{From: s.address, Leave: 1})
	}
	s.addPeer(target)
}

func (s *Session) handleDisableNotification(ctx context.Context) {
	s.mu.Lock()
	wasPresent := s.present
	s.present = false
	s.mu.Unlock()
	if wasPresent {
		s.service.deactivatePresence(s.address)
	}
	if s.service.notifications != nil {
		if err := s.service.notifications.Deactivate(ctx, s.address, s.walletToken); err != nil {
			s.service.logger.Warn("endpoint deactivation failed",
				zap.String("address", s.address), zap.Error(err))
		}
	}
}

func (s *Session) handleNotification(ctx context.Context, payload *NotificationPayload) {
	s.mu.Lock()
	if s.state == StateActive && !s.present {
		s.service.activatePresence(s.address)
		s.present = true
	}
	s.mu.Unlock()
	if s.service.notifications != nil && payload.DeviceToken != "" {
		if err := s.service.notifications.Upsert(ctx, s.address, s.walletToken, payload.DeviceToken, payload.DeviceType); err != nil {
			s.service.logger.Warn("endpoint upsert failed",
				zap.String("address", s.address), zap.Error(err))
		}
	}
}

// handleVoucher applies the monotonic voucher policy and, on acceptance,
// forwards the voucher to the counterparty.
func (s *Session) handleVoucher(ctx context.Context, voucher *ledger.Voucher) {
	if !s.service.UpdateIncreasingVoucher(ctx, s.address, voucher) {
		return
	}
	record, err := s.service.offers.Find(ctx, ledger.FullOfferID(voucher.ListingID, voucher.OfferID))
	if err != nil || record == nil || record.To == "" {
		return
	}
	s.publish(addressChannel(record.To), Envelope{From: s.address, Voucher: voucher})
}

func (s *Session) handleGetOffers(ctx context.Context) {
	summaries, err := s.service.PendingOffers(ctx, s.address)
	if err != nil {
		s.service.logger.Warn("pending offer listing failed",
			zap.String("address", s.address), zap.Error(err))
		return
	}
	raw, err := json.Marshal(struct {
		Offers []OfferSummary `json:"offers"`
	}{Offers: summaries})
	if err != nil {
		return
	}
	s.emit(raw)
}

// handleRead clears the unread flag for the reader's side. A callee
// opening the conversation also answers any pending ring.
func (s *Session) handleRead(ctx context.Context, scope *OfferScope) {
	offer, err := s.service.offers.Find(ctx, ledger.FullOfferID(scope.Offer.ListingID, scope.Offer.OfferID))
	if err != nil || offer == nil || !offer.Active {
		return
	}
	switch {
	case auth.EqualAddresses(offer.From, s.address):
		offer.FromNewMsg = false
	case auth.EqualAddresses(offer.To, s.address):
		offer.ToNewMsg = false
		if callID, ringing := s.service.guard.Ringing(offer.From, scope.Offer.ListingID, scope.Offer.OfferID); ringing {
			s.service.guard.Answer(offer.From, scope.Offer.ListingID, scope.Offer.OfferID, callID)
		}
	default:
		return
	}
	if err := s.service.offers.Save(ctx, offer); err != nil {
		s.service.logger.Warn("read flag persist failed",
			zap.String("fullID", offer.FullID), zap.Error(err))
	}
}

// handleReject ends an unwanted conversation. Once a voucher exists or the
// offer is accepted there is value at stake, so the reject softens into a
// decline-cache entry instead of a hard flag.
func (s *Session) handleReject(ctx context.Context, scope *OfferScope) {
	offer, err := s.service.offers.Find(ctx, ledger.FullOfferID(scope.Offer.ListingID, scope.Offer.OfferID))
	if err != nil || offer == nil || !offer.Active {
		return
	}
	if !auth.EqualAddresses(offer.To, s.address) {
		return
	}
	s.service.guard.Decline(offer.From, scope.Offer.ListingID, scope.Offer.OfferID)
	voucher, _ := offer.Voucher()
	if voucher != nil || offer.Accepted() {
		return
	}
	offer.Rejected = true
	if err := s.service.offers.Save(ctx, offer); err != nil {
		s.service.logger.Warn("reject persist failed",
			zap.String("fullID", offer.FullID), zap.Error(err))
		return
	}
	s.publish(addressChannel(offer.From), Envelope{From: s.address, Rejected: &OfferScope{Offer: scope.Offer}})
}

func (s *Session) handleDismiss(ctx context.Context, scope *OfferScope) {
	offer, err := s.service.offers.Find(ctx, ledger.FullOfferID(scope.Offer.ListingID, scope.Offer.OfferID))
	if err != nil || offer == nil || !offer.Active {
		return
	}
	if !auth.EqualAddresses(offer.From, s.address) {
		return
	}
	offer.Dismissed = true
	if err := s.service.offers.Save(ctx, offer); err != nil {
		s.service.logger.Warn("dismiss persist failed",
			zap.String("fullID", offer.FullID), zap.Error(err))
	}
}

// handleCollected lets the payee confirm a finished payout toward the
// buyer once the offer has left the active set.
func (s *Session) handleCollected(ctx context.Context, scope *OfferScope) {
	offer, err := s.service.offers.Find(ctx, ledger.FullOfferID(scope.Offer.ListingID, scope.Offer.OfferID))
	if err != nil || offer == nil || offer.Active {
		return
	}
	if !auth.EqualAddresses(offer.To, s.address) {
		return
	}
	s.publish(addressChannel(offer.From), Envelope{From: s.address, Collected: &OfferScope{Offer: scope.Offer}})
	if s.service.cooldownElapsed(offer.LastFromNotify) {
		now := s.service.clock()
		offer.LastFromNotify = &now
		if err := s.service.offers.Save(ctx, offer); err == nil {
			s.service.notifyAddress(ctx, offer.From, notify.Notification{
				Title: "Payment collected",
				Body:  "Your payment was collected.",
				Payload: map[string]any{
					"type":      "collected",
					"listingID": scope.Offer.ListingID,
					"offerID":   scope.Offer.OfferID,
				},
			})
		}
	}
}

// handleStartSession marks the conversation as begun on the buyer side,
// surfacing it as unread for the counterparty. Only an acceptance the
// buyer has not yet read qualifies.
func (s *Session) handleStartSession(ctx context.Context, scope *OfferScope) {
	offer, err := s.service.offers.Find(ctx, ledger.FullOfferID(scope.Offer.ListingID, scope.Offer.OfferID))
	if err != nil || offer == nil || !offer.Active || !offer.Accepted() || !offer.FromNewMsg {
		return
	}
	if !auth.EqualAddresses(offer.From, s.address) {
		return
	}
	offer.ToNewMsg = true
	if err := s.service.offers.Save(ctx, offer); err != nil {
		s.service.logger.Warn("session start persist failed",
			zap.String("fullID", offer.FullID), zap.Error(err))
	}
}

func (s *Session) handleAPIVersion(payload *APIVersionPayload) {
	if payload.Version < s.service.minAPIVersion {
		s.sendEnvelope(Envelope{UpdateRequired: 1})
	}
}

// cooldownElapsed gates direction-scoped push notifications.
func (s *Service) cooldownElapsed(last *time.Time) bool {
	return last == nil || s.clock().Sub(*last) >= s.notifyCooldown
}
