// Package session tracks conversation continuity, termination remaps, and
// per-key/per-user concurrency quotas.
package session

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store persists termination markers and replacement session ids.
// Implementations must expire entries after their TTL.
type Store interface {
	IsTerminated(ctx context.Context, sessionID string) (bool, error)
	MarkTerminated(ctx context.Context, sessionID string, ttl time.Duration) error
	Replacement(ctx context.Context, sessionID string) (string, error)
	// SetReplacementNX stores a replacement only when none exists yet and
	// returns the replacement in effect afterwards, so racing minters
	// converge on a single id.
	SetReplacementNX(ctx context.Context, sessionID, replacement string, ttl time.Duration) (string, error)
}

const (
	terminatedKeyPrefix  = "sess:terminated:"
	replacementKeyPrefix = "sess:replacement:"
)

// memoryStoreEntry holds one value with its expiry.
type memoryStoreEntry struct {
	value     string
	expiresAt time.Time
}

// MemoryStore is the in-process Store used when redis is absent.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryStoreEntry
	nowFn   func() time.Time
}

// NewMemoryStore constructs a MemoryStore. A nil nowFn defaults to time.Now.
func NewMemoryStore(nowFn func() time.Time) *MemoryStore {
	if nowFn == nil {
		nowFn = time.Now
	}
	return &MemoryStore{entries: make(map[string]memoryStoreEntry), nowFn: nowFn}
}

func (s *MemoryStore) get(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ent, ok := s.entries[key]
	if !ok {
		return "", false
	}
	if !s.nowFn().Before(ent.expiresAt) {
		delete(s.entries, key)
		return "", false
	}
	return ent.value, true
}

func (s *MemoryStore) set(key, value string, ttl time.Duration) {
	s.mu.Lock()
	s.entries[key] = memoryStoreEntry{value: value, expiresAt: s.nowFn().Add(ttl)}
	s.mu.Unlock()
}

// IsTerminated reports whether a termination marker exists for the session.
func (s *MemoryStore) IsTerminated(_ context.Context, sessionID string) (bool, error) {
	_, ok := s.get(terminatedKeyPrefix + sessionID)
	return ok, nil
}

// MarkTerminated writes or refreshes the termination marker.
func (s *MemoryStore) MarkTerminated(_ context.Context, sessionID string, ttl time.Duration) error {
	s.set(terminatedKeyPrefix+sessionID, "1", ttl)
	return nil
}

// Replacement returns the recorded replacement id, empty when none.
func (s *MemoryStore) Replacement(_ context.Context, sessionID string) (string, error) {
	value, _ := s.get(replacementKeyPrefix + sessionID)
	return value, nil
}

// SetReplacementNX stores replacement unless one already exists, returning
// the winner.
func (s *MemoryStore) SetReplacementNX(_ context.Context, sessionID, replacement string, ttl time.Duration) (string, error) {
	key := replacementKeyPrefix + sessionID
	s.mu.Lock()
	defer s.mu.Unlock()
	if ent, ok := s.entries[key]; ok && s.nowFn().Before(ent.expiresAt) {
		return ent.value, nil
	}
	s.entries[key] = memoryStoreEntry{value: replacement, expiresAt: s.nowFn().Add(ttl)}
	return replacement, nil
}

// Sweep removes expired entries and returns the removal count.
func (s *MemoryStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.nowFn()
	removed := 0
	for key, ent := range s.entries {
		if !now.Before(ent.expiresAt) {
			delete(s.entries, key)
			removed++
		}
	}
	return removed
}

// RedisStore is the redis-backed Store shared across process instances.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore constructs a RedisStore.
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: strings.TrimSpace(prefix)}
}

func (s *RedisStore) key(parts ...string) string {
	joined := strings.Join(parts, "")
	if s.prefix == "" {
		return joined
	}
	return s.prefix + ":" + joined
}

// IsTerminated reports whether a termination marker exists for the session.
func (s *RedisStore) IsTerminated(ctx context.Context, sessionID string) (bool, error) {
	n, errExists := s.client.Exists(ctx, s.key(terminatedKeyPrefix, sessionID)).Result()
	if errExists != nil {
		return false, errExists
	}
	return n > 0, nil
}

// MarkTerminated writes or refreshes the termination marker.
func (s *RedisStore) MarkTerminated(ctx context.Context, sessionID string, ttl time.Duration) error {
	return s.client.Set(ctx, s.key(terminatedKeyPrefix, sessionID), "1", ttl).Err()
}

// Replacement returns the recorded replacement id, empty when none.
func (s *RedisStore) Replacement(ctx context.Context, sessionID string) (string, error) {
	value, errGet := s.client.Get(ctx, s.key(replacementKeyPrefix, sessionID)).Result()
	if errGet != nil {
		if errGet == redis.Nil {
			return "", nil
		}
		return "", errGet
	}
	return value, nil
}

// SetReplacementNX stores replacement via SET NX and re-reads on conflict so
// concurrent minters converge.
func (s *RedisStore) SetReplacementNX(ctx context.Context, sessionID, replacement string, ttl time.Duration) (string, error) {
	key := s.key(replacementKeyPrefix, sessionID)
	stored, errSet := s.client.SetNX(ctx, key, replacement, ttl).Result()
	if errSet != nil {
		return "", errSet
	}
	if stored {
		return replacement, nil
	}
	existing, errGet := s.client.Get(ctx, key).Result()
	if errGet != nil {
		if errGet == redis.Nil {
			// Winner expired between SETNX and GET; ours is as good as any.
			return replacement, nil
		}
		return "", errGet
	}
	return existing, nil
}

// HasSessionKeys reports whether any key under the session survives in
// redis, using a MATCH pattern with glob metacharacters escaped.
func (s *RedisStore) HasSessionKeys(ctx context.Context, sessionID string) (bool, error) {
	pattern := s.key("req:", EscapeGlob(sessionID), ":*")
	iter := s.client.Scan(ctx, 0, pattern, 1).Iterator()
	if iter.Next(ctx) {
		return true, nil
	}
	return false, iter.Err()
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*RedisStore)(nil)
)
