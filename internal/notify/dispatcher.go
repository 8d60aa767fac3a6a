// Package notify fans push-notification requests out to every registered
// mobile endpoint of an address. Delivery itself is a collaborator concern;
// the dispatcher guarantees isolation between endpoints and paces sends.
package notify

import (
	"context"
	"errors"
	"time"

	"go.uber.org/ratelimit"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const defaultDeliveriesPerSecond = 50

var (
	errMissingDatabase  = errors.New("database handle is required")
	errMissingDeliverer = errors.New("deliverer is required")
)

// Endpoint is a persisted push-notification registration. Rows are marked
// inactive on opt-out, never hard-deleted.
type Endpoint struct {
	ID          uint       `gorm:"column:id;primaryKey;autoIncrement"`
	Address     string     `gorm:"column:eth_address;size:255;not null;uniqueIndex:idx_endpoint_addr_device,priority:1"`
	WalletToken string     `gorm:"column:wallet_token;size:255;not null;default:''"`
	DeviceToken string     `gorm:"column:device_token;size:255;not null;uniqueIndex:idx_endpoint_addr_device,priority:2"`
	DeviceType  string     `gorm:"column:device_type;size:16;not null;default:''"`
	Active      bool       `gorm:"column:active;not null;default:true"`
	LastOnline  *time.Time `gorm:"column:last_online"`
}

// TableName provides the explicit table binding for GORM.
func (Endpoint) TableName() string {
	return "webrtc_notification_endpoints"
}

// Notification is one push request before fan-out.
type Notification struct {
	Title      string
	Body       string
	Payload    map[string]any
	CollapseID string
	Silent     bool
}

// Deliverer hands a notification to a concrete push provider.
type Deliverer interface {
	Deliver(ctx context.Context, endpoint Endpoint, notification Notification) error
}

// DispatcherConfig assembles the dispatcher's dependencies.
type DispatcherConfig struct {
	Database            *gorm.DB
	Deliverer           Deliverer
	DeliveriesPerSecond int
	Clock               func() time.Time
	Logger              *zap.Logger
}

// Dispatcher owns endpoint registrations and performs paced fan-out.
type Dispatcher struct {
	db        *gorm.DB
	deliverer Deliverer
	limiter   ratelimit.Limiter
	clock     func() time.Time
	logger    *zap.Logger
}

// NewDispatcher constructs a Dispatcher after validating dependencies.
func NewDispatcher(cfg DispatcherConfig) (*Dispatcher, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	if cfg.Deliverer == nil {
		return nil, errMissingDeliverer
	}
	perSecond := cfg.DeliveriesPerSecond
	if perSecond <= 0 {
		perSecond = defaultDeliveriesPerSecond
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		db:        cfg.Database,
		deliverer: cfg.Deliverer,
		limiter:   ratelimit.New(perSecond),
		clock:     clock,
		logger:    logger,
	}, nil
}

// SendToAddress delivers the notification to every active endpoint of the
// address. A failing endpoint is logged and skipped; it never blocks
// delivery to the others.
func (d *Dispatcher) SendToAddress(ctx context.Context, address string, notification Notification) error {
	var endpoints []Endpoint
	err := d.db.WithContext(ctx).
		Where("eth_address = ? AND active = ?", address, true).
		Find(&endpoints).Error
	if err != nil {
		return err
	}

	for _, endpoint := range endpoints {
		d.limiter.Take()
		if err := d.deliverer.Deliver(ctx, endpoint, notification); err != nil {
			d.logger.Warn("push delivery failed",
				zap.String("address", address),
				zap.String("device_type", endpoint.DeviceType),
				zap.Error(err))
		}
	}
	return nil
}

// Upsert registers or reactivates an endpoint for the address.
func (d *Dispatcher) Upsert(ctx context.Context, address, walletToken, deviceToken, deviceType string) error {
	now := d.clock().UTC()
	endpoint := Endpoint{
		Address:     address,
		WalletToken: walletToken,
		DeviceToken: deviceToken,
		DeviceType:  deviceType,
		Active:      true,
		LastOnline:  &now,
	}
	return d.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "eth_address"}, {Name: "device_token"}},
			DoUpdates: clause.AssignmentColumns([]string{"wallet_token", "device_type", "active", "last_online"}),
		}).
		Create(&endpoint).Error
}

// Deactivate marks the address's endpoints for the wallet token inactive.
func (d *Dispatcher) Deactivate(ctx context.Context, address, walletToken string) error {
	query := d.db.WithContext(ctx).Model(&Endpoint{}).Where("eth_address = ?", address)
	if walletToken != "" {
		query = query.Where("wallet_token = ?", walletToken)
	}
	return query.Update("active", false).Error
}

// TouchOnline records presence activation for the address's endpoints.
func (d *Dispatcher) TouchOnline(ctx context.Context, address string) error {
	return d.db.WithContext(ctx).Model(&Endpoint{}).
		Where("eth_address = ?", address).
		Update("last_online", d.clock().UTC()).Error
}

// ActiveEndpoints lists active registrations for an address.
func (d *Dispatcher) ActiveEndpoints(ctx context.Context, address string) ([]Endpoint, error) {
	var endpoints []Endpoint
	err := d.db.WithContext(ctx).
		Where("eth_address = ? AND active = ?", address, true).
		Find(&endpoints).Error
	if err != nil {
		return nil, err
	}
	return endpoints, nil
}
