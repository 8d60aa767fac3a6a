package signaling

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"go.uber.org/zap"

	"github.com/parleylabs/parley/internal/admission"
	"github.com/parleylabs/parley/internal/auth"
	"github.com/parleylabs/parley/internal/bus"
	"github.com/parleylabs/parley/internal/ledger"
	"github.com/parleylabs/parley/internal/notify"
	"github.com/parleylabs/parley/internal/turn"
	"github.com/parleylabs/parley/internal/users"
)

const defaultNotifyCooldown = 30 * time.Minute

// ServiceConfig wires the relay service together.
type ServiceConfig struct {
	Bus            *bus.Bus
	Offers         *ledger.Adapter
	Notifications  *notify.Dispatcher
	Users          *users.Service
	Verifier       *auth.Verifier
	Admission      admission.GuardConfig
	Turn           *turn.Minter
	SigningKey     *secp256k1.PrivateKey
	MinCallAmount  float64
	NotifyCooldown time.Duration
	MinAPIVersion  int
	Clock          func() time.Time
	Logger         *zap.Logger
}

// Service owns the presence registry, admits subscriptions, and enforces
// the voucher and call policies shared by every session.
type Service struct {
	bus            *bus.Bus
	offers         *ledger.Adapter
	notifications  *notify.Dispatcher
	users          *users.Service
	verifier       *auth.Verifier
	guard          *admission.Guard
	turn           *turn.Minter
	signerAddress  string
	minCallAmount  float64
	notifyCooldown time.Duration
	minAPIVersion  int
	clock          func() time.Time
	logger         *zap.Logger

	mu       sync.Mutex
	presence map[string]int
}

// NewService validates the configuration and builds the service. When the
// admission config carries no missed-call hook, the service installs its
// own push-based one.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Bus == nil {
		return nil, errors.New("signaling: bus is required")
	}
	if cfg.Offers == nil {
		return nil, errors.New("signaling: offer adapter is required")
	}
	if cfg.Verifier == nil {
		return nil, errors.New("signaling: verifier is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.NotifyCooldown <= 0 {
		cfg.NotifyCooldown = defaultNotifyCooldown
	}
	service := &Service{
		bus:            cfg.Bus,
		offers:         cfg.Offers,
		notifications:  cfg.Notifications,
		users:          cfg.Users,
		verifier:       cfg.Verifier,
		turn:           cfg.Turn,
		minCallAmount:  cfg.MinCallAmount,
		notifyCooldown: cfg.NotifyCooldown,
		minAPIVersion:  cfg.MinAPIVersion,
		clock:          cfg.Clock,
		logger:         cfg.Logger,
		presence:       make(map[string]int),
	}
	if cfg.SigningKey != nil {
		service.signerAddress = auth.PublicKeyAddress(cfg.SigningKey.PubKey())
	}
	guardCfg := cfg.Admission
	guardCfg.Logger = cfg.Logger
	if guardCfg.OnMissedCall == nil {
		guardCfg.OnMissedCall = service.missedCall
	}
	service.guard = admission.NewGuard(guardCfg)
	return service, nil
}

// Subscribe authenticates a wallet signature and opens a session bound to
// the recovered address. The returned session is in the Connecting state;
// presence registers asynchronously once the user profile loads.
func (s *Service) Subscribe(ctx context.Context, address, signature, message string, rules []string, timestamp int64, walletToken string) (*Session, error) {
	if err := s.verifier.VerifySubscription(address, signature, message, rules, timestamp, walletToken); err != nil {
		return nil, err
	}
	return newSession(ctx, s, address, walletToken), nil
}

// ActiveAddresses lists addresses with at least one present session,
// sorted for stable output.
func (s *Service) ActiveAddresses() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	addresses := make([]string, 0, len(s.presence))
	for address, count := range s.presence {
		if count > 0 {
			addresses = append(addresses, address)
		}
	}
	sort.Strings(addresses)
	return addresses
}

// Present reports whether an address has any present session.
func (s *Service) Present(address string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.presence[address] > 0
}

func (s *Service) activatePresence(address string) {
	s.mu.Lock()
	s.presence[address]++
	s.mu.Unlock()
}

func (s *Service) deactivatePresence(address string) {
	s.mu.Lock()
	if s.presence[address] > 1 {
		s.presence[address]--
	} else {
		delete(s.presence, address)
	}
	s.mu.Unlock()
}

// Guard exposes the call admission guard.
func (s *Service) Guard() *admission.Guard { return s.guard }

// LookupOffer resolves an offer against the ledger, refreshing the cached
// snapshot from the chain bridge.
func (s *Service) LookupOffer(ctx context.Context, listingID, offerID string, opts ledger.LookupOptions) (*ledger.Offer, error) {
	return s.offers.Lookup(ctx, listingID, offerID, opts)
}

// VoucherMessage is the canonical signing payload for a payment voucher.
func VoucherMessage(listingID, offerID, payout, fee string) string {
	return "voucher:" + ledger.FullOfferID(listingID, offerID) + ":" + payout + ":" + fee
}

// UpdateIncreasingVoucher applies the voucher acceptance policy for a
// voucher submitted by address. It returns false, without distinguishing
// why, on any policy violation or infrastructure failure; accepted
// vouchers are persisted on the offer record.
func (s *Service) UpdateIncreasingVoucher(ctx context.Context, address string, voucher *ledger.Voucher) bool {
	if voucher == nil {
		return false
	}
	offer, err := s.offers.Lookup(ctx, voucher.ListingID, voucher.OfferID, ledger.LookupOptions{})
	if err != nil || offer == nil || !offer.Active {
		return false
	}
	contract, err := offer.Contract()
	if err != nil || contract.Status != ledger.StatusAccepted {
		return false
	}
	// The submitter must be the paying side and the payee the counterparty.
	if !auth.EqualAddresses(address, offer.From) || offer.To == "" {
		return false
	}
	payout, ok := voucher.PayoutWei()
	if !ok {
		return false
	}
	fee, ok := voucher.FeeWei()
	if !ok || fee.Sign() != 0 {
		return false
	}
	escrow, err := contract.NetValue()
	if err != nil || payout.Cmp(escrow) > 0 {
		return false
	}
	if previous, err := offer.Voucher(); err == nil && previous != nil {
		last, ok := previous.PayoutWei()
		if !ok || payout.Cmp(last) <= 0 {
			return false
		}
	}
	recovered, err := auth.RecoverAddress(
		VoucherMessage(voucher.ListingID, voucher.OfferID, voucher.Payout, voucher.Fee),
		voucher.Signature,
	)
	if err != nil {
		return false
	}
	if !auth.EqualAddresses(recovered, contract.Verifier) &&
		(s.signerAddress == "" || !auth.EqualAddresses(recovered, s.signerAddress)) {
		return false
	}
	if err := offer.SetVoucher(*voucher); err != nil {
		return false
	}
	if err := s.offers.Save(ctx, offer); err != nil {
		s.logger.Warn("voucher persist failed",
			zap.String("fullID", offer.FullID), zap.Error(err))
		return false
	}
	return true
}

// PendingOffers lists an address's open conversations, annotated with
// whether a call is currently ringing on each.
func (s *Service) PendingOffers(ctx context.Context, address string) ([]OfferSummary, error) {
	records, err := s.offers.PendingOffers(ctx, address)
	if err != nil {
		return nil, err
	}
	summaries := make([]OfferSummary, 0, len(records))
	for i := range records {
		record := &records[i]
		summary := OfferSummary{
			FullID:      record.FullID,
			From:        record.From,
			To:          record.To,
			Amount:      record.Amount,
			AmountType:  record.AmountType,
			Accepted:    record.Accepted(),
			Dismissed:   record.Dismissed,
			UnreadFrom:  record.FromNewMsg,
			UnreadTo:    record.ToNewMsg,
			InitInfo:    rawOrNil(record.InitInfo),
			LastVoucher: rawOrNil(record.LastVoucher),
		}
		if auth.EqualAddresses(record.To, address) {
			if listingID, offerID, err := ledger.SplitFullID(record.FullID); err == nil {
				_, summary.IncomingCall = s.guard.Ringing(record.From, listingID, offerID)
			}
		}
		summaries = append(summaries, summary)
	}
	return summaries, nil
}

func rawOrNil(text string) []byte {
	if text == "" {
		return nil
	}
	return []byte(text)
}

// notifyAddress delivers a push to every registered endpoint of address.
func (s *Service) notifyAddress(ctx context.Context, address string, notification notify.Notification) {
	if s.notifications == nil {
		return
	}
	if err := s.notifications.SendToAddress(ctx, address, notification); err != nil {
		s.logger.Warn("push delivery failed", zap.String("address", address), zap.Error(err))
	}
}

// missedCall fires when a ring went unanswered: the callee gets a push so
// the attempt stays visible even though no socket rang through.
func (s *Service) missedCall(caller, listingID, offerID, callID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	offer, err := s.offers.Find(ctx, ledger.FullOfferID(listingID, offerID))
	if err != nil || offer == nil || offer.To == "" {
		return
	}
	s.notifyAddress(ctx, offer.To, notify.Notification{
		Title:      "Missed call",
		Body:       "You missed a call.",
		CollapseID: callID,
		Payload: map[string]interface{}{
			"type":      "missedCall",
			"caller":    caller,
			"listingID": listingID,
			"offerID":   offerID,
		},
	})
}

// mintTurn issues relay credentials for a callee, or nil when no TURN
// realm is configured.
func (s *Service) mintTurn(address string) *turn.Credentials {
	if s.turn == nil {
		return nil
	}
	credentials, err := s.turn.Mint(address)
	if err != nil {
		s.logger.Warn("turn mint failed", zap.String("address", address), zap.Error(err))
		return nil
	}
	return &credentials
}
