package users

import (
	"strings"
	"time"
)

// Info is a cached profile snapshot submitted by content hash. The relay
// serves it to connected peers so calls can show counterparty details.
type Info struct {
	Address     string    `gorm:"column:eth_address;primaryKey;size:64;not null"`
	ContentHash string    `gorm:"column:content_hash;size:64;not null;default:''"`
	InfoJSON    string    `gorm:"column:info;type:text;not null;default:''"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName provides the explicit table binding for GORM.
func (Info) TableName() string {
	return "user_info"
}

// Flag records a signed abuse report against an address.
type Flag struct {
	FlagID    string    `gorm:"column:flag_id;primaryKey;size:64;not null"`
	Address   string    `gorm:"column:eth_address;size:64;not null;index"`
	Flagger   string    `gorm:"column:flagger;size:64;not null"`
	Reason    string    `gorm:"column:reason;size:512;not null;default:''"`
	FlaggedAt time.Time `gorm:"column:flagged_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Flag) TableName() string {
	return "user_flags"
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}
