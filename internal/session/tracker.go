package session

import (
	"context"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/relaygate/relaygate/internal/metrics"
)

// TTLs for termination markers and replacement ids.
const (
	// replacementTTL bounds how long a minted replacement id stays valid.
	replacementTTL = 24 * time.Hour
	// terminatedTTL bounds the termination marker; refreshed on every remap.
	terminatedTTL = 24 * time.Hour
)

// Tracker resolves session continuity and enforces concurrency quotas.
type Tracker struct {
	store Store
	newID func() string

	mu     sync.Mutex
	byKey  map[uint64]int
	byUser map[uint64]int
}

// NewTracker constructs a Tracker. A nil idFn defaults to uuid generation.
func NewTracker(store Store, idFn func() string) *Tracker {
	if idFn == nil {
		idFn = func() string { return uuid.NewString() }
	}
	return &Tracker{
		store:  store,
		newID:  idFn,
		byKey:  make(map[uint64]int),
		byUser: make(map[uint64]int),
	}
}

// ResolveSession maps a candidate session id onto the id the request should
// run under. Untouched sessions keep their id; terminated sessions redirect
// to their replacement, minting one on first use. Racing minters converge on
// whichever replacement the store accepts first.
func (t *Tracker) ResolveSession(ctx context.Context, candidateID string) (string, error) {
	candidateID = strings.TrimSpace(candidateID)
	if t == nil || t.store == nil || candidateID == "" {
		return candidateID, nil
	}

	terminated, errCheck := t.store.IsTerminated(ctx, candidateID)
	if errCheck != nil {
		return "", errCheck
	}
	if !terminated {
		return candidateID, nil
	}

	existing, errGet := t.store.Replacement(ctx, candidateID)
	if errGet != nil {
		return "", errGet
	}
	if existing != "" {
		return existing, nil
	}

	minted := t.newID()
	winner, errSet := t.store.SetReplacementNX(ctx, candidateID, minted, replacementTTL)
	if errSet != nil {
		return "", errSet
	}
	// Keep the terminated marker alive as long as the replacement is.
	if errMark := t.store.MarkTerminated(ctx, candidateID, terminatedTTL); errMark != nil {
		log.WithError(errMark).Warn("session: refresh terminated marker failed")
	}
	if winner != minted {
		log.WithField("session_id", candidateID).Debug("session: lost replacement mint race")
	}
	return winner, nil
}

// Terminate marks a session terminated without minting a replacement yet.
func (t *Tracker) Terminate(ctx context.Context, sessionID string) error {
	sessionID = strings.TrimSpace(sessionID)
	if t == nil || t.store == nil || sessionID == "" {
		return nil
	}
	return t.store.MarkTerminated(ctx, sessionID, terminatedTTL)
}

// QuotaDecision reports whether a new session may start.
type QuotaDecision struct {
	Allowed bool
	Limit   int
	Active  int
}

// Acquire reserves a concurrency slot for the key and user, refusing when
// the effective limit is reached. A zero effective limit never blocks.
func (t *Tracker) Acquire(keyID, userID uint64, keyLimit, userLimit float64) QuotaDecision {
	if t == nil {
		return QuotaDecision{Allowed: true}
	}
	limit := ResolveConcurrencyLimit(keyLimit, userLimit)

	t.mu.Lock()
	defer t.mu.Unlock()

	active := t.byKey[keyID]
	if userID != 0 && t.byUser[userID] > active {
		active = t.byUser[userID]
	}
	if limit > 0 && active >= limit {
		return QuotaDecision{Allowed: false, Limit: limit, Active: active}
	}
	if keyID != 0 {
		t.byKey[keyID]++
	}
	if userID != 0 {
		t.byUser[userID]++
	}
	metrics.ActiveSessions.Inc()
	return QuotaDecision{Allowed: true, Limit: limit, Active: active + 1}
}

// Release frees a concurrency slot reserved by Acquire.
func (t *Tracker) Release(keyID, userID uint64) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if keyID != 0 && t.byKey[keyID] > 0 {
		t.byKey[keyID]--
		if t.byKey[keyID] == 0 {
			delete(t.byKey, keyID)
		}
	}
	if userID != 0 && t.byUser[userID] > 0 {
		t.byUser[userID]--
		if t.byUser[userID] == 0 {
			delete(t.byUser, userID)
		}
	}
	metrics.ActiveSessions.Dec()
}

// ResolveConcurrencyLimit returns the effective concurrent-session limit:
// a positive finite key limit wins, else a positive finite user limit, else
// zero meaning unlimited. Decimal inputs floor; NaN, infinite, negative and
// zero inputs count as absent.
func ResolveConcurrencyLimit(keyLimit, userLimit float64) int {
	if normalized := normalizeLimit(keyLimit); normalized > 0 {
		return normalized
	}
	return normalizeLimit(userLimit)
}

func normalizeLimit(limit float64) int {
	if math.IsNaN(limit) || math.IsInf(limit, 0) || limit <= 0 {
		return 0
	}
	return int(math.Floor(limit))
}

// EscapeGlob backslash-escapes glob metacharacters in a session id so it can
// be used literally in a MATCH pattern. Crafted ids must neither match
// unrelated keys nor widen scan-based cleanups.
func EscapeGlob(id string) string {
	var b strings.Builder
	b.Grow(len(id))
	for _, r := range id {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
