package signaling

import (
	"encoding/json"

	"github.com/parleylabs/parley/internal/ledger"
	"github.com/parleylabs/parley/internal/turn"
)

// Channel naming on the bus: one channel per address plus a broadcast
// channel every session joins.
const (
	channelPrefix = "webrtc."
	channelAll    = "webrtcall"
)

func addressChannel(address string) string {
	return channelPrefix + address
}

// Kind enumerates the client message variants. Exactly one recognized
// top-level key tags each inbound frame; unrecognized frames are dropped.
type Kind int

const (
	KindUnknown Kind = iota
	KindSubscribe
	KindExchange
	KindLeave
	KindSetPeer
	KindDisableNotification
	KindNotification
	KindVoucher
	KindGetOffers
	KindRead
	KindReject
	KindDismiss
	KindCollected
	KindStartSession
	KindAPIVersion
)

// OfferRef identifies an offer inside a client message.
type OfferRef struct {
	ListingID string `json:"listingID"`
	OfferID   string `json:"offerID"`
}

// OfferScope wraps an OfferRef for the offer-scoped variants
// (read/reject/dismiss/collected/startSession).
type OfferScope struct {
	Offer OfferRef `json:"offer"`
}

// SubscribeDetail carries one leg of a call subscription. CallID marks a
// ring attempt; TxHash/BlockNumber request creation-terms enrichment.
type SubscribeDetail struct {
	ListingID   string `json:"listingID"`
	OfferID     string `json:"offerID"`
	CallID      string `json:"callID,omitempty"`
	TxHash      string `json:"txHash,omitempty"`
	BlockNumber uint64 `json:"blockNumber,omitempty"`
}

// SubscribePayload is the body of a subscribe frame; exactly one leg is set.
type SubscribePayload struct {
	Offer  *SubscribeDetail `json:"offer,omitempty"`
	Accept *SubscribeDetail `json:"accept,omitempty"`
}

// NotificationPayload registers a push endpoint for the session's address.
type NotificationPayload struct {
	DeviceToken string `json:"deviceToken"`
	DeviceType  string `json:"deviceType"`
}

// APIVersionPayload declares the client's protocol version.
type APIVersionPayload struct {
	Version int `json:"version"`
}

// ClientMessage is the tagged union of inbound frames. Address names the
// target peer for the peer-directed variants.
type ClientMessage struct {
	Address string `json:"address,omitempty"`

	Subscribe           *SubscribePayload    `json:"subscribe,omitempty"`
	Exchange            json.RawMessage      `json:"exchange,omitempty"`
	Leave               json.RawMessage      `json:"leave,omitempty"`
	SetPeer             json.RawMessage      `json:"setPeer,omitempty"`
	DisableNotification json.RawMessage      `json:"disableNotification,omitempty"`
	Notification        *NotificationPayload `json:"notification,omitempty"`
	Voucher             *ledger.Voucher      `json:"voucher,omitempty"`
	GetOffers           json.RawMessage      `json:"getOffers,omitempty"`
	Read                *OfferScope          `json:"read,omitempty"`
	Reject              *OfferScope          `json:"reject,omitempty"`
	Dismiss             *OfferScope          `json:"dismiss,omitempty"`
	Collected           *OfferScope          `json:"collected,omitempty"`
	StartSession        *OfferScope          `json:"startSession,omitempty"`
	APIVersion          *APIVersionPayload   `json:"apiVersion,omitempty"`
}

// Kind resolves the variant in fixed priority order; the first recognized
// tag wins.
func (m *ClientMessage) Kind() Kind {
	switch {
	case m.Subscribe != nil:
		return KindSubscribe
	case len(m.Exchange) > 0:
		return KindExchange
	case len(m.Leave) > 0:
		return KindLeave
	case len(m.SetPeer) > 0:
		return KindSetPeer
	case len(m.DisableNotification) > 0:
		return KindDisableNotification
	case m.Notification != nil:
		return KindNotification
	case m.Voucher != nil:
		return KindVoucher
	case len(m.GetOffers) > 0:
		return KindGetOffers
	case m.Read != nil:
		return KindRead
	case m.Reject != nil:
		return KindReject
	case m.Dismiss != nil:
		return KindDismiss
	case m.Collected != nil:
		return KindCollected
	case m.StartSession != nil:
		return KindStartSession
	case m.APIVersion != nil:
		return KindAPIVersion
	default:
		return KindUnknown
	}
}

// OutboundDetail is a SubscribeDetail decorated with ledger metadata and
// relay credentials before forwarding.
type OutboundDetail struct {
	SubscribeDetail
	Amount     float64           `json:"amount,omitempty"`
	AmountType string            `json:"amountType,omitempty"`
	InitInfo   json.RawMessage   `json:"initInfo,omitempty"`
	Turn       *turn.Credentials `json:"turn,omitempty"`
}

// OutboundSubscribe mirrors SubscribePayload on the server→client path.
type OutboundSubscribe struct {
	Offer  *OutboundDetail `json:"offer,omitempty"`
	Accept *OutboundDetail `json:"accept,omitempty"`
}

// DeclinedPayload tells a caller the ring was not admitted.
type DeclinedPayload struct {
	Offer  OfferRef `json:"offer"`
	Reason string   `json:"reason"`
}

// OfferSummary is one row of a getOffers response.
type OfferSummary struct {
	FullID       string          `json:"fullID"`
	From         string          `json:"from"`
	To           string          `json:"to,omitempty"`
	Amount       float64         `json:"amount"`
	AmountType   string          `json:"amountType"`
	Accepted     bool            `json:"accepted"`
	Dismissed    bool            `json:"dismissed"`
	UnreadFrom   bool            `json:"unreadFrom"`
	UnreadTo     bool            `json:"unreadTo"`
	InitInfo     json.RawMessage `json:"initInfo,omitempty"`
	LastVoucher  json.RawMessage `json:"lastVoucher,omitempty"`
	IncomingCall bool            `json:"incomingCall"`
}

// Envelope is the server→client frame, both for bus traffic and direct
// responses. Only the set fields are emitted.
type Envelope struct {
	From string `json:"from,omitempty"`

	Subscribe      *OutboundSubscribe `json:"subscribe,omitempty"`
	Exchange       json.RawMessage    `json:"exchange,omitempty"`
	Leave          int                `json:"leave,omitempty"`
	Join           int                `json:"join,omitempty"`
	Left           int                `json:"left,omitempty"`
	Voucher        *ledger.Voucher    `json:"voucher,omitempty"`
	Rejected       *OfferScope        `json:"rejected,omitempty"`
	Collected      *OfferScope        `json:"collected,omitempty"`
	Declined       *DeclinedPayload   `json:"declined,omitempty"`
	Offers         []OfferSummary     `json:"offers,omitempty"`
	UpdateRequired int                `json:"updateRequired,omitempty"`
}

// Encode marshals the envelope for the bus or the transport.
func (e Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// ringClass reports whether an envelope must bypass the peer-list filter:
// these are the "ring the phone" events.
func (e *Envelope) ringClass() bool {
	return e.Subscribe != nil || e.Rejected != nil || e.Collected != nil || e.Declined != nil
}
