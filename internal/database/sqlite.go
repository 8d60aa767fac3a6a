package database

import (
	"fmt"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/parleylabs/parley/internal/ledger"
	"github.com/parleylabs/parley/internal/notify"
	"github.com/parleylabs/parley/internal/users"
)

// OpenSQLite establishes a SQLite connection and performs schema migrations.
func OpenSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(
		&ledger.Offer{},
		&notify.Endpoint{},
		&users.Info{},
		&users.Flag{},
		&migrationRecord{},
	); err != nil {
		return nil, err
	}

	if err := normalizeAddressCase(db); err != nil && logger != nil {
		logger.Warn("address normalization failed", zap.Error(err))
	}

	if err := applyMigrations(db, logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("path", path))
	}

	return db, nil
}

// normalizeAddressCase lowercases offer party addresses written by clients
// that sent checksum-cased hex.
func normalizeAddressCase(db *gorm.DB) error {
	if err := db.Exec("UPDATE webrtc_offers SET from_address = lower(from_address) WHERE from_address <> lower(from_address);").Error; err != nil {
		return err
	}
	return db.Exec("UPDATE webrtc_offers SET to_address = lower(to_address) WHERE to_address <> lower(to_address);").Error
}
