package auth

import (
	"errors"
	"strconv"
	"strings"
	"time"
)

// CapabilityVideoMessage is the rule token that authorizes a signaling
// connection.
const CapabilityVideoMessage = "VIDEO_MESSAGE"

const defaultFreshnessWindow = 15 * 24 * time.Hour

var (
	// ErrInvalidMessage indicates the signed challenge does not bind the
	// claimed rules, timestamp or wallet token.
	ErrInvalidMessage = errors.New("auth: invalid subscription message")
	// ErrAuthMismatch indicates the recovered signer differs from the
	// claimed address.
	ErrAuthMismatch = errors.New("auth: signature does not match address")
	// ErrAuthExpired indicates the signed timestamp fell outside the
	// freshness window.
	ErrAuthExpired = errors.New("auth: signature expired")
	// ErrUnauthorized indicates the rule set lacks the required capability.
	ErrUnauthorized = errors.New("auth: connection type not authorized")
)

// VerifierConfig configures the subscription challenge verifier.
type VerifierConfig struct {
	FreshnessWindow time.Duration
	Clock           func() time.Time
}

// Verifier checks signed subscription challenges before a session is built.
type Verifier struct {
	window time.Duration
	clock  func() time.Time
}

// NewVerifier constructs a Verifier with sane defaults.
func NewVerifier(cfg VerifierConfig) *Verifier {
	window := cfg.FreshnessWindow
	if window <= 0 {
		window = defaultFreshnessWindow
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Verifier{window: window, clock: clock}
}

// VerifySubscription validates a signed connection challenge. The challenge
// message must literally contain the comma-joined rules, the millisecond
// timestamp, and the wallet token when one is claimed; this binds the signed
// payload to its parameters and blocks substitution replays.
func (v *Verifier) VerifySubscription(address, signature, message string, rules []string, timestamp int64, walletToken string) error {
	if !strings.Contains(message, strings.Join(rules, ",")) {
		return ErrInvalidMessage
	}
	if !strings.Contains(message, strconv.FormatInt(timestamp, 10)) {
		return ErrInvalidMessage
	}
	if walletToken != "" && !strings.Contains(message, walletToken) {
		return ErrInvalidMessage
	}

	recovered, err := RecoverAddress(message, signature)
	if err != nil {
		return ErrAuthMismatch
	}
	if !EqualAddresses(recovered, address) {
		return ErrAuthMismatch
	}

	signedAt := time.UnixMilli(timestamp)
	if v.clock().Sub(signedAt) > v.window {
		return ErrAuthExpired
	}

	for _, rule := range rules {
		if rule == CapabilityVideoMessage {
			return nil
		}
	}
	return ErrUnauthorized
}
