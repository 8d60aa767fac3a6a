// Package admission implements call-ringing policy on top of short-TTL
// keyed state: decline caching, duplicate-ring suppression, attempt caps,
// and deferred missed-call detection. Everything here is advisory and
// time-bounded; a crash loses in-flight ring state safely.
package admission

import (
	"fmt"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"
)

const (
	defaultDeclineTTL      = 5 * time.Minute
	defaultRingTTL         = 5 * time.Second
	defaultExpiryTTL       = 24 * time.Hour
	defaultAttemptTTL      = 30 * time.Minute
	defaultMissedCallDelay = 5500 * time.Millisecond
	defaultMaxAttempts     = 4
	cleanupInterval        = time.Minute
)

// Outcome is the admission decision for one ring request.
type Outcome int

const (
	// RingAccepted means the ring proceeds and a notification may fire.
	RingAccepted Outcome = iota
	// RingSuppressed means the same call id is already ringing; no second
	// notification is produced but the call is not declined.
	RingSuppressed
	// DeclinedExisting means a different call id currently holds the ring.
	DeclinedExisting
	// DeclinedCallee means the callee recently declined this caller/offer.
	DeclinedCallee
	// DeclinedMaxCalls means the attempt cap was exceeded.
	DeclinedMaxCalls
)

// Declined reports whether the outcome should produce a declined response.
func (o Outcome) Declined() bool {
	return o == DeclinedExisting || o == DeclinedCallee || o == DeclinedMaxCalls
}

// Reason returns the advisory reason code sent back to the caller.
func (o Outcome) Reason() string {
	switch o {
	case DeclinedExisting:
		return "existingCall"
	case DeclinedCallee:
		return "declined"
	case DeclinedMaxCalls:
		return "maxCalls"
	default:
		return ""
	}
}

// MissedCallFunc is invoked when a placed ring is still unanswered after the
// missed-call delay.
type MissedCallFunc func(caller, listingID, offerID, callID string)

// GuardConfig tunes the admission guard. Zero values select the production
// TTLs.
type GuardConfig struct {
	DeclineTTL      time.Duration
	RingTTL         time.Duration
	ExpiryTTL       time.Duration
	AttemptTTL      time.Duration
	MissedCallDelay time.Duration
	MaxAttempts     int
	OnMissedCall    MissedCallFunc
	Logger          *zap.Logger
}

// Guard enforces call admission for (caller, listing, offer) tuples.
type Guard struct {
	keys   *gocache.Cache
	config GuardConfig
	logger *zap.Logger

	mu     sync.Mutex
	timers map[string]*time.Timer
}

// NewGuard constructs a Guard with production defaults filled in.
func NewGuard(cfg GuardConfig) *Guard {
	if cfg.DeclineTTL <= 0 {
		cfg.DeclineTTL = defaultDeclineTTL
	}
	if cfg.RingTTL <= 0 {
		cfg.RingTTL = defaultRingTTL
	}
	if cfg.ExpiryTTL <= 0 {
		cfg.ExpiryTTL = defaultExpiryTTL
	}
	if cfg.AttemptTTL <= 0 {
		cfg.AttemptTTL = defaultAttemptTTL
	}
	if cfg.MissedCallDelay <= 0 {
		cfg.MissedCallDelay = defaultMissedCallDelay
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Guard{
		keys:   gocache.New(gocache.NoExpiration, cleanupInterval),
		config: cfg,
		logger: logger,
		timers: make(map[string]*time.Timer),
	}
}

// Ring evaluates one ring request and, when accepted, arms the deferred
// missed-call check for the new call id.
func (g *Guard) Ring(caller, listingID, offerID, callID string) Outcome {
	tuple := tupleKey(caller, listingID, offerID)

	if _, declined := g.keys.Get(declineKey(tuple)); declined {
		return DeclinedCallee
	}

	if current, ringing := g.keys.Get(ringKey(tuple)); ringing {
		if current == callID {
			return RingSuppressed
		}
		return DeclinedExisting
	}

	// The ring window opens on the tuple's first accepted ring and admits
	// nothing once the deadline passes, regardless of the attempt counter
	// resetting in between.
	if value, held := g.keys.Get(expiryKey(tuple)); held {
		if deadline, ok := value.(time.Time); ok && time.Now().After(deadline) {
			return DeclinedMaxCalls
		}
	}

	attempts := g.bumpAttempts(tuple)
	if attempts > g.config.MaxAttempts {
		return DeclinedMaxCalls
	}

	g.keys.Set(ringKey(tuple), callID, g.config.RingTTL)
	g.keys.Add(expiryKey(tuple), time.Now().Add(g.config.ExpiryTTL), 2*g.config.ExpiryTTL) //nolint:errcheck

	g.armMissedCallCheck(tuple, caller, listingID, offerID, callID)

	g.logger.Debug("ring placed",
		zap.String("caller", caller),
		zap.String("listing_id", listingID),
		zap.String("offer_id", offerID),
		zap.String("call_id", callID),
		zap.Int("attempt", attempts))
	return RingAccepted
}

// Decline records a callee decline, suppressing rings from this caller for
// the decline TTL, and disarms any pending missed-call check.
func (g *Guard) Decline(caller, listingID, offerID string) {
	tuple := tupleKey(caller, listingID, offerID)
	g.keys.Set(declineKey(tuple), true, g.config.DeclineTTL)
	g.keys.Delete(ringKey(tuple))
	g.disarm(tuple)
}

// Answer clears the ring so the missed-call check for this call id becomes a
// no-op.
func (g *Guard) Answer(caller, listingID, offerID, callID string) {
	tuple := tupleKey(caller, listingID, offerID)
	if current, ringing := g.keys.Get(ringKey(tuple)); ringing && current == callID {
		g.keys.Delete(ringKey(tuple))
		g.disarm(tuple)
	}
}

// Ringing reports whether a ring is currently held for the tuple, and by
// which call id.
func (g *Guard) Ringing(caller, listingID, offerID string) (string, bool) {
	value, ok := g.keys.Get(ringKey(tupleKey(caller, listingID, offerID)))
	if !ok {
		return "", false
	}
	callID, _ := value.(string)
	return callID, true
}

// Close disarms all pending missed-call checks.
func (g *Guard) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for key, timer := range g.timers {
		timer.Stop()
		delete(g.timers, key)
	}
}

func (g *Guard) bumpAttempts(tuple string) int {
	key := attemptKey(tuple)
	if err := g.keys.Add(key, 1, g.config.AttemptTTL); err == nil {
		return 1
	}
	count, err := g.keys.IncrementInt(key, 1)
	if err != nil {
		// Counter expired between Add and Increment; start over.
		g.keys.Set(key, 1, g.config.AttemptTTL)
		return 1
	}
	return count
}

// armMissedCallCheck schedules the deferred unanswered-ring probe. A newer
// ring on the same tuple replaces the pending timer, which implements the
// "cancelled implicitly if the ring key changes" rule.
func (g *Guard) armMissedCallCheck(tuple, caller, listingID, offerID, callID string) {
	if g.config.OnMissedCall == nil {
		return
	}
	g.mu.Lock()
	if existing, ok := g.timers[tuple]; ok {
		existing.Stop()
	}
	g.timers[tuple] = time.AfterFunc(g.config.MissedCallDelay, func() {
		g.mu.Lock()
		delete(g.timers, tuple)
		g.mu.Unlock()
		if current, ringing := g.keys.Get(ringKey(tuple)); ringing && current == callID {
			g.config.OnMissedCall(caller, listingID, offerID, callID)
		}
	})
	g.mu.Unlock()
}

func (g *Guard) disarm(tuple string) {
	g.mu.Lock()
	if timer, ok := g.timers[tuple]; ok {
		timer.Stop()
		delete(g.timers, tuple)
	}
	g.mu.Unlock()
}

func tupleKey(caller, listingID, offerID string) string {
	return fmt.Sprintf("%s.%s-%s", caller, listingID, offerID)
}

func declineKey(tuple string) string { return "decline:" + tuple }
func ringKey(tuple string) string    { return "ring:" + tuple }
func expiryKey(tuple string) string  { return "expire:" + tuple }
func attemptKey(tuple string) string { return "attempts:" + tuple }
