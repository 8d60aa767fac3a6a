// Package turn mints short-lived TURN relay credentials for call peers. The
// relay writes the long-term credential digest into a key store the TURN
// server reads, and hands the cleartext password back to the client.
package turn

import (
	"crypto/md5" //nolint:gosec // TURN long-term credentials are md5 by protocol
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

const defaultCredentialTTL = 15 * time.Minute

var errMissingRealm = errors.New("turn: realm required")

// KeyStore is the expiring key-value store shared with the TURN server.
// *gocache.Cache satisfies it directly.
type KeyStore interface {
	Set(key string, value interface{}, ttl time.Duration)
}

// Credentials are returned to the client alongside a forwarded call invite.
type Credentials struct {
	Username string   `json:"username"`
	Password string   `json:"password"`
	Realm    string   `json:"realm"`
	TTL      int64    `json:"ttl"`
	URLs     []string `json:"urls,omitempty"`
}

// MinterConfig configures credential minting.
type MinterConfig struct {
	Realm string
	URLs  []string
	TTL   time.Duration
	Store KeyStore
}

// Minter issues per-user relay credentials with a bounded lifetime.
type Minter struct {
	config MinterConfig
}

// NewMinter constructs a Minter after validating configuration.
func NewMinter(cfg MinterConfig) (*Minter, error) {
	if cfg.Realm == "" {
		return nil, errMissingRealm
	}
	if cfg.TTL <= 0 {
		cfg.TTL = defaultCredentialTTL
	}
	return &Minter{config: cfg}, nil
}

// Mint issues credentials for the named user and registers the long-term
// credential digest under the realm key the TURN server expects.
func (m *Minter) Mint(user string) (Credentials, error) {
	secret := make([]byte, 16)
	if _, err := rand.Read(secret); err != nil {
		return Credentials{}, err
	}
	password := base64.RawURLEncoding.EncodeToString(secret)

	digest := md5.Sum([]byte(fmt.Sprintf("%s:%s:%s", user, m.config.Realm, password))) //nolint:gosec
	if m.config.Store != nil {
		key := fmt.Sprintf("turn/realm/%s/user/%s/key", m.config.Realm, user)
		m.config.Store.Set(key, hex.EncodeToString(digest[:]), m.config.TTL)
	}

	return Credentials{
		Username: user,
		Password: password,
		Realm:    m.config.Realm,
		TTL:      int64(m.config.TTL.Seconds()),
		URLs:     m.config.URLs,
	}, nil
}
