// Package loginguard throttles authentication attempts with independent
// per-IP and per-credential rolling windows and lockouts.
package loginguard

import (
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/relaygate/relaygate/internal/metrics"
)

// Reason labels for refused checks.
const (
	// ReasonIPLocked marks an IP-scoped lockout.
	ReasonIPLocked = "ip_locked"
	// ReasonCredentialLocked marks a credential-scoped lockout.
	ReasonCredentialLocked = "credential_locked"
)

// Config tunes the abuse policy.
type Config struct {
	MaxAttemptsPerIP  int           // Failures per window before an IP locks.
	MaxAttemptsPerKey int           // Failures per window before a credential locks.
	Window            time.Duration // Rolling failure-counting window.
	Lockout           time.Duration // Lockout duration once a threshold trips.
}

// DefaultConfig returns production throttle defaults.
func DefaultConfig() Config {
	return Config{
		MaxAttemptsPerIP:  10,
		MaxAttemptsPerKey: 5,
		Window:            5 * time.Minute,
		Lockout:           15 * time.Minute,
	}
}

func (c Config) normalized() Config {
	if c.MaxAttemptsPerIP <= 0 {
		c.MaxAttemptsPerIP = 10
	}
	if c.MaxAttemptsPerKey <= 0 {
		c.MaxAttemptsPerKey = 5
	}
	if c.Window <= 0 {
		c.Window = 5 * time.Minute
	}
	if c.Lockout <= 0 {
		c.Lockout = 15 * time.Minute
	}
	return c
}

// Decision is the outcome of a Check call.
type Decision struct {
	Allowed           bool
	Reason            string
	RetryAfterSeconds int
}

// bucket holds one rolling failure counter plus its lockout state.
// Lockout outlives the counting window: lockedUntil stays authoritative
// even after windowStart falls out of range.
type bucket struct {
	failures    int
	windowStart time.Time
	lockedUntil time.Time
}

// Guard enforces the login abuse policy. Safe for concurrent use.
type Guard struct {
	cfg   Config
	nowFn func() time.Time

	mu          sync.Mutex
	ipBuckets   map[string]*bucket
	keyBuckets  map[string]*bucket
	sweepEvery  int
	checksSince int
}

// New constructs a Guard. A nil nowFn defaults to time.Now.
func New(cfg Config, nowFn func() time.Time) *Guard {
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Guard{
		cfg:        cfg.normalized(),
		nowFn:      nowFn,
		ipBuckets:  make(map[string]*bucket),
		keyBuckets: make(map[string]*bucket),
		sweepEvery: 256,
	}
}

// Check reports whether an attempt from ip (and optionally credentialID) is
// allowed. The more restrictive of the two scopes wins; a credential-scoped
// block carries a distinct reason so callers can alert on targeted attacks.
func (g *Guard) Check(ip, credentialID string) Decision {
	if g == nil {
		return Decision{Allowed: true}
	}
	ip = strings.TrimSpace(ip)
	credentialID = strings.TrimSpace(credentialID)
	now := g.nowFn()

	g.mu.Lock()
	defer g.mu.Unlock()

	g.maybeSweepLocked(now)

	if credentialID != "" {
		if retry, locked := lockoutRemaining(g.keyBuckets[credentialID], now); locked {
			return Decision{Allowed: false, Reason: ReasonCredentialLocked, RetryAfterSeconds: retry}
		}
	}
	if ip != "" {
		if retry, locked := lockoutRemaining(g.ipBuckets[ip], now); locked {
			return Decision{Allowed: false, Reason: ReasonIPLocked, RetryAfterSeconds: retry}
		}
	}
	return Decision{Allowed: true}
}

// RecordFailure counts one failed attempt against both scopes, locking any
// bucket whose window hits its threshold.
func (g *Guard) RecordFailure(ip, credentialID string) {
	if g == nil {
		return
	}
	ip = strings.TrimSpace(ip)
	credentialID = strings.TrimSpace(credentialID)
	now := g.nowFn()

	g.mu.Lock()
	defer g.mu.Unlock()

	if ip != "" {
		if g.recordFailureLocked(g.ipBuckets, ip, g.cfg.MaxAttemptsPerIP, now) {
			metrics.LoginLockouts.WithLabelValues("ip").Inc()
			log.WithField("ip", ip).Warn("loginguard: ip locked out")
		}
	}
	if credentialID != "" {
		if g.recordFailureLocked(g.keyBuckets, credentialID, g.cfg.MaxAttemptsPerKey, now) {
			metrics.LoginLockouts.WithLabelValues("credential").Inc()
			log.WithField("credential", credentialID).Warn("loginguard: credential locked out")
		}
	}
}

// RecordSuccess clears counters and lockouts for both scopes.
func (g *Guard) RecordSuccess(ip, credentialID string) {
	if g == nil {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.ipBuckets, strings.TrimSpace(ip))
	delete(g.keyBuckets, strings.TrimSpace(credentialID))
}

// Sweep removes buckets whose window and lockout have both fully elapsed and
// returns the removal count. Also invoked opportunistically from Check.
func (g *Guard) Sweep() int {
	if g == nil {
		return 0
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.sweepLocked(g.nowFn())
}

func (g *Guard) recordFailureLocked(buckets map[string]*bucket, key string, threshold int, now time.Time) bool {
	b := buckets[key]
	if b == nil {
		b = &bucket{windowStart: now}
		buckets[key] = b
	}
	// Stale windows restart counting rather than accumulate forever.
	if now.Sub(b.windowStart) > g.cfg.Window {
		b.failures = 0
		b.windowStart = now
	}
	b.failures++
	if b.failures >= threshold && now.After(b.lockedUntil) {
		b.lockedUntil = now.Add(g.cfg.Lockout)
		return true
	}
	return false
}

func (g *Guard) maybeSweepLocked(now time.Time) {
	g.checksSince++
	if g.checksSince < g.sweepEvery {
		return
	}
	g.checksSince = 0
	g.sweepLocked(now)
}

func (g *Guard) sweepLocked(now time.Time) int {
	removed := 0
	for _, buckets := range []map[string]*bucket{g.ipBuckets, g.keyBuckets} {
		for key, b := range buckets {
			windowDone := now.Sub(b.windowStart) > g.cfg.Window
			lockoutDone := !now.Before(b.lockedUntil)
			if windowDone && lockoutDone {
				delete(buckets, key)
				removed++
			}
		}
	}
	return removed
}

// lockoutRemaining returns the retry-after seconds when b is locked.
func lockoutRemaining(b *bucket, now time.Time) (int, bool) {
	if b == nil || !now.Before(b.lockedUntil) {
		return 0, false
	}
	remaining := b.lockedUntil.Sub(now)
	secs := int(remaining / time.Second)
	if remaining%time.Second > 0 {
		secs++
	}
	return secs, true
}
