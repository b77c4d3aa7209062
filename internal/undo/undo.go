// Package undo buffers short-lived pre-images of admin batch edits so they
// can be reversed within a bounded window.
package undo

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"gorm.io/datatypes"
)

// ErrExpired is the single terminal outcome for expired, already consumed,
// and unknown tokens alike; callers cannot probe snapshot existence.
var ErrExpired = errors.New("undo: snapshot expired")

// snapshotTTL is the fixed lifetime of a stored snapshot.
const snapshotTTL = 10 * time.Second

// OperationType classifies the admin edit a snapshot reverses.
type OperationType string

// OperationType values for Snapshot.
const (
	// OpBatchUpdate covers multi-row batch edits.
	OpBatchUpdate OperationType = "batch_update"
	// OpSingleUpdate covers single-row edits.
	OpSingleUpdate OperationType = "single_update"
	// OpSingleDelete covers single-row deletions.
	OpSingleDelete OperationType = "single_delete"
)

// Snapshot is the pre-image of rows about to be modified.
type Snapshot struct {
	OperationID   string
	OperationType OperationType
	PreImage      datatypes.JSON
	AffectedIDs   []uint64
	CreatedAt     time.Time
}

// Receipt is the response to a Store call.
type Receipt struct {
	UndoAvailable bool
	Token         string
	ExpiresAt     time.Time
}

// stored pairs a snapshot with its expiry timer.
type stored struct {
	snapshot Snapshot
	timer    *time.Timer
}

// Store holds snapshots under random tokens with a fixed TTL enforced by a
// per-entry scheduled purge. Safe for concurrent use.
type Store struct {
	mu       sync.Mutex
	entries  map[string]*stored
	tokenFn  func() string
	nowFn    func() time.Time
	ttl      time.Duration
	shutdown bool
}

// NewStore constructs a Store with production defaults.
func NewStore() *Store {
	return newStore(nil, nil, snapshotTTL)
}

func newStore(tokenFn func() string, nowFn func() time.Time, ttl time.Duration) *Store {
	if tokenFn == nil {
		tokenFn = func() string { return uuid.NewString() }
	}
	if nowFn == nil {
		nowFn = time.Now
	}
	if ttl <= 0 {
		ttl = snapshotTTL
	}
	return &Store{
		entries: make(map[string]*stored),
		tokenFn: tokenFn,
		nowFn:   nowFn,
		ttl:     ttl,
	}
}

// Put stores a snapshot under a fresh token and schedules its self-destruct.
func (s *Store) Put(snapshot Snapshot) Receipt {
	if s == nil {
		return Receipt{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown {
		return Receipt{}
	}

	token := s.tokenFn()
	if snapshot.CreatedAt.IsZero() {
		snapshot.CreatedAt = s.nowFn()
	}
	ent := &stored{snapshot: snapshot}
	ent.timer = time.AfterFunc(s.ttl, func() { s.expire(token) })
	s.entries[token] = ent

	return Receipt{
		UndoAvailable: true,
		Token:         token,
		ExpiresAt:     snapshot.CreatedAt.Add(s.ttl),
	}
}

// Consume removes and returns the snapshot for token. The first call wins;
// any later call, and any unknown or expired token, gets ErrExpired.
func (s *Store) Consume(token string) (Snapshot, error) {
	if s == nil {
		return Snapshot{}, ErrExpired
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	ent, ok := s.entries[token]
	if !ok {
		return Snapshot{}, ErrExpired
	}
	delete(s.entries, token)
	ent.timer.Stop()
	return ent.snapshot, nil
}

// Len returns the number of live snapshots.
func (s *Store) Len() int {
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Shutdown cancels every pending expiry timer. Idempotent.
func (s *Store) Shutdown() {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown {
		return
	}
	s.shutdown = true
	for token, ent := range s.entries {
		ent.timer.Stop()
		delete(s.entries, token)
	}
}

func (s *Store) expire(token string) {
	s.mu.Lock()
	delete(s.entries, token)
	s.mu.Unlock()
}
