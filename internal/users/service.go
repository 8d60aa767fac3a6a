package users

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/parleylabs/parley/internal/auth"
	"github.com/parleylabs/parley/internal/ledger"
)

var (
	// ErrInvalidProfile indicates a submitted snapshot lacked a usable
	// address.
	ErrInvalidProfile = errors.New("users: invalid profile snapshot")
	// ErrFlagSignature indicates an abuse report was not signed by the
	// claimed flagger.
	ErrFlagSignature = errors.New("users: flag signature mismatch")
)

// ServiceConfig describes the dependencies for profile snapshots.
type ServiceConfig struct {
	Database *gorm.DB
	Content  ledger.ContentStore
	Clock    func() time.Time
}

// Service manages user-info snapshots and abuse flags.
type Service struct {
	db      *gorm.DB
	content ledger.ContentStore
	now     func() time.Time
	cache   sync.Map
}

// NewService constructs the profile service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		db:      cfg.Database,
		content: cfg.Content,
		now:     clock,
	}, nil
}

type profileEnvelope struct {
	Address string `json:"address"`
}

// Submit fetches a profile snapshot by content hash and upserts it under the
// address the snapshot names.
func (s *Service) Submit(ctx context.Context, contentHash string) (json.RawMessage, error) {
	if s.content == nil {
		return nil, fmt.Errorf("users: content store not configured")
	}
	raw, err := s.content.FetchByHash(ctx, contentHash)
	if err != nil {
		return nil, err
	}

	var envelope profileEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidProfile, err)
	}
	if normalize(envelope.Address) == "" {
		return nil, ErrInvalidProfile
	}

	record := Info{
		Address:     normalize(envelope.Address),
		ContentHash: contentHash,
		InfoJSON:    string(raw),
	}
	err = s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "eth_address"}},
			DoUpdates: clause.AssignmentColumns([]string{"content_hash", "info", "updated_at"}),
		}).
		Create(&record).Error
	if err != nil {
		return nil, err
	}

	s.cache.Store(record.Address, raw)
	return raw, nil
}

// Lookup returns the stored snapshot for the address, or nil when unknown.
func (s *Service) Lookup(ctx context.Context, address string) (json.RawMessage, error) {
	if cached, ok := s.cache.Load(address); ok {
		if raw, ok := cached.(json.RawMessage); ok {
			return raw, nil
		}
	}

	var record Info
	err := s.db.WithContext(ctx).Where("eth_address = ?", address).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	raw := json.RawMessage(record.InfoJSON)
	s.cache.Store(address, raw)
	return raw, nil
}

// Flag persists a signed abuse report. The report message binds the flagged
// address, reason and timestamp, and must be signed by the flagger.
func (s *Service) Flag(ctx context.Context, address, flagger, reason string, timestamp int64, signature string) error {
	message := FlagMessage(address, reason, timestamp)
	recovered, err := auth.RecoverAddress(message, signature)
	if err != nil {
		return ErrFlagSignature
	}
	if !auth.EqualAddresses(recovered, flagger) {
		return ErrFlagSignature
	}

	record := Flag{
		FlagID:    uuid.NewString(),
		Address:   address,
		Flagger:   flagger,
		Reason:    reason,
		FlaggedAt: s.now().UTC(),
	}
	return s.db.WithContext(ctx).Create(&record).Error
}

// FlagMessage is the canonical text a flagger signs.
func FlagMessage(address, reason string, timestamp int64) string {
	return "flag:" + address + ":" + reason + ":" + strconv.FormatInt(timestamp, 10)
}
