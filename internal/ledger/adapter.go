package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrLedgerUnavailable wraps transient chain-read failures; callers may
	// retry the lookup.
	ErrLedgerUnavailable = errors.New("ledger: chain read failed")
	// ErrOfferNotFound indicates the chain has no record of the offer and no
	// cached row exists.
	ErrOfferNotFound = errors.New("ledger: offer not found")

	errMissingDatabase = errors.New("database handle is required")
	errMissingChain    = errors.New("chain reader is required")
)

// ChainReader resolves on-chain offer state. Implementations must be safe
// for concurrent use.
type ChainReader interface {
	GetOfferStruct(ctx context.Context, listingID, offerID string) (ContractOffer, error)
	// GetCreationEvent returns nil without error when no matching event
	// exists in the given block.
	GetCreationEvent(ctx context.Context, listingID, offerID, txHash string, blockNumber uint64) (*CreationEvent, error)
}

// ContentStore fetches off-chain terms by content hash.
type ContentStore interface {
	FetchByHash(ctx context.Context, hash string) (json.RawMessage, error)
}

// AdapterConfig assembles the reconciliation adapter's dependencies.
type AdapterConfig struct {
	Database *gorm.DB
	Chain    ChainReader
	Content  ContentStore
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Adapter reconciles on-chain offers against the local cache, enriching
// them with display and terms metadata. The cache is advisory; the chain is
// authoritative.
type Adapter struct {
	db      *gorm.DB
	chain   ChainReader
	content ContentStore
	clock   func() time.Time
	logger  *zap.Logger
}

// NewAdapter constructs an Adapter after validating dependencies.
func NewAdapter(cfg AdapterConfig) (*Adapter, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	if cfg.Chain == nil {
		return nil, errMissingChain
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Adapter{
		db:      cfg.Database,
		chain:   cfg.Chain,
		content: cfg.Content,
		clock:   clock,
		logger:  logger,
	}, nil
}

// LookupOptions tune a single reconciliation pass.
type LookupOptions struct {
	// TxHash and BlockNumber, when set, request a creation-event lookup to
	// recover the offer's off-chain terms.
	TxHash      string
	BlockNumber uint64
	// Cached short-circuits the initial cache read when the caller already
	// holds the row.
	Cached *Offer
}

// Lookup reads the on-chain offer and reconciles it with the cached row.
//
// A zeroed chain record deactivates and returns the cache. An unchanged
// chain record short-circuits without a re-upsert unless an event lookup was
// requested. Otherwise the row is recomputed, upserted, and re-read.
func (a *Adapter) Lookup(ctx context.Context, listingID, offerID string, opts LookupOptions) (*Offer, error) {
	fullID := FullOfferID(listingID, offerID)

	cached := opts.Cached
	if cached == nil {
		var err error
		cached, err = a.Find(ctx, fullID)
		if err != nil {
			return nil, err
		}
	}

	contract, err := a.chain.GetOfferStruct(ctx, listingID, offerID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLedgerUnavailable, err)
	}

	if contract.Zeroed() {
		if cached == nil {
			return nil, ErrOfferNotFound
		}
		if cached.Active {
			cached.Active = false
			if err := a.Save(ctx, cached); err != nil {
				return nil, err
			}
		}
		return cached, nil
	}

	if cached != nil && opts.TxHash == "" {
		snapshot, snapErr := cached.Contract()
		if snapErr == nil && snapshot == contract {
			return cached, nil
		}
	}

	net, err := contract.NetValue()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLedgerUnavailable, err)
	}

	record := Offer{FullID: fullID}
	if cached != nil {
		record = *cached
	}
	record.From = contract.Buyer
	if contract.Open() {
		record.To = ""
	} else {
		record.To = contract.Seller
	}
	record.Amount = CoinAmount(net)
	record.AmountType = "eth"
	record.Active = offerActive(contract, net.Sign() > 0)
	if err := record.SetContract(contract); err != nil {
		return nil, err
	}

	if opts.TxHash != "" {
		a.attachInitInfo(ctx, &record, listingID, offerID, opts)
	}

	if err := a.upsert(ctx, &record); err != nil {
		return nil, err
	}
	return a.Find(ctx, fullID)
}

// attachInitInfo is best-effort enrichment: lookup failures and hash
// mismatches leave the record without terms rather than failing the call.
func (a *Adapter) attachInitInfo(ctx context.Context, record *Offer, listingID, offerID string, opts LookupOptions) {
	event, err := a.chain.GetCreationEvent(ctx, listingID, offerID, opts.TxHash, opts.BlockNumber)
	if err != nil {
		a.logger.Warn("creation event lookup failed",
			zap.String("full_id", record.FullID), zap.Error(err))
		return
	}
	if event == nil {
		return
	}
	if !equalHex(event.TxHash, opts.TxHash) {
		a.logger.Warn("creation event hash mismatch",
			zap.String("full_id", record.FullID),
			zap.String("event_tx", event.TxHash),
			zap.String("requested_tx", opts.TxHash))
		return
	}
	if a.content == nil || event.ContentHash == "" {
		return
	}
	terms, err := a.content.FetchByHash(ctx, event.ContentHash)
	if err != nil {
		a.logger.Warn("terms fetch failed",
			zap.String("full_id", record.FullID),
			zap.String("content_hash", event.ContentHash), zap.Error(err))
		return
	}
	record.InitInfo = string(terms)
}

// Find loads the cached row by composite id, returning nil when absent.
func (a *Adapter) Find(ctx context.Context, fullID string) (*Offer, error) {
	var record Offer
	err := a.db.WithContext(ctx).Where("full_id = ?", fullID).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// Save persists the full row.
func (a *Adapter) Save(ctx context.Context, record *Offer) error {
	return a.db.WithContext(ctx).Save(record).Error
}

// PendingOffers lists active, unrejected offers the address participates in.
func (a *Adapter) PendingOffers(ctx context.Context, address string) ([]Offer, error) {
	var records []Offer
	err := a.db.WithContext(ctx).
		Where("active = ? AND rejected = ?", true, false).
		Where("from_address = ? OR to_address = ?", address, address).
		Order("full_id").
		Find(&records).Error
	if err != nil {
		return nil, err
	}
	return records, nil
}

func (a *Adapter) upsert(ctx context.Context, record *Offer) error {
	return a.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "full_id"}},
			UpdateAll: true,
		}).
		Create(record).Error
}

// offerActive derives the activity flag from chain state: an offer rings
// while accepted, or while created and funded.
func offerActive(contract ContractOffer, funded bool) bool {
	switch contract.Status {
	case StatusAccepted:
		return true
	case StatusCreated:
		return funded
	default:
		return false
	}
}

func equalHex(a, b string) bool {
	return normalizeHex(a) == normalizeHex(b)
}

func normalizeHex(value string) string {
	v := value
	if len(v) >= 2 && (v[:2] == "0x" || v[:2] == "0X") {
		v = v[2:]
	}
	out := make([]byte, 0, len(v))
	for i := 0; i < len(v); i++ {
		c := v[i]
		if c >= 'A' && c <= 'F' {
			c += 'a' - 'A'
		}
		out = append(out, c)
	}
	return string(out)
}
