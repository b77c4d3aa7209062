package ratelimit

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

const redisBreakerDuration = 30 * time.Second

// Config carries the redis connection settings the manager needs. An empty
// Addr disables the redis backend.
type Config struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// ConfigProvider supplies the latest redis settings.
type ConfigProvider func() Config

// RedisClientFactory constructs a redis client for the given options.
type RedisClientFactory func(options *redis.Options) *redis.Client

// Manager selects a limiter backend per check: redis when configured and
// reachable, otherwise the in-memory fixed window. Redis failures trip a
// 30 s breaker so an outage does not stall the request path.
type Manager struct {
	provider       ConfigProvider
	nowFn          func() time.Time
	memoryLimiter  *MemoryLimiter
	newRedisClient RedisClientFactory

	mu           sync.Mutex
	redisLimiter *RedisLimiter
	redisCfg     Config
	breakerUntil time.Time
}

// NewManager constructs a Manager with default dependencies when nil.
func NewManager(provider ConfigProvider, nowFn func() time.Time, newRedisClient RedisClientFactory) *Manager {
	if provider == nil {
		provider = func() Config { return Config{} }
	}
	if nowFn == nil {
		nowFn = time.Now
	}
	if newRedisClient == nil {
		newRedisClient = redis.NewClient
	}
	return &Manager{
		provider:       provider,
		nowFn:          nowFn,
		memoryLimiter:  NewMemoryLimiter(),
		newRedisClient: newRedisClient,
	}
}

// Allow checks whether the request should be allowed using the best
// available backend.
func (m *Manager) Allow(ctx context.Context, key string, limit int) (Result, error) {
	if m == nil || limit <= 0 || key == "" {
		return Result{Allowed: true}, nil
	}
	now := m.nowFn()
	cfg := m.provider()

	if strings.TrimSpace(cfg.Addr) != "" {
		if result, ok := m.allowRedis(ctx, key, limit, now, cfg); ok {
			return result, nil
		}
	}
	return m.memoryLimiter.Allow(ctx, key, limit, now)
}

// Sweep drops stale in-memory counters, returning how many were removed.
func (m *Manager) Sweep() int {
	if m == nil {
		return 0
	}
	return m.memoryLimiter.Sweep(m.nowFn())
}

// Close releases the redis limiter if one was built.
func (m *Manager) Close() {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.redisLimiter != nil {
		if errClose := m.redisLimiter.client.Close(); errClose != nil {
			log.WithError(errClose).Warn("ratelimit: redis close")
		}
		m.redisLimiter = nil
	}
}

func (m *Manager) allowRedis(ctx context.Context, key string, limit int, now time.Time, cfg Config) (Result, bool) {
	if ctx == nil {
		ctx = context.Background()
	}
	if m.isBreakerActive(now) {
		return Result{}, false
	}
	limiter, errEnsure := m.ensureRedis(ctx, cfg)
	if errEnsure != nil {
		m.tripBreaker(errEnsure, now)
		return Result{}, false
	}
	result, errAllow := limiter.Allow(ctx, key, limit, now)
	if errAllow != nil {
		m.tripBreaker(errAllow, now)
		return Result{}, false
	}
	return result, true
}

func (m *Manager) isBreakerActive(now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.breakerUntil.IsZero() {
		return false
	}
	if now.Before(m.breakerUntil) {
		return true
	}
	m.breakerUntil = time.Time{}
	return false
}

func (m *Manager) tripBreaker(err error, now time.Time) {
	if err == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.breakerUntil.IsZero() && now.Before(m.breakerUntil) {
		return
	}
	m.breakerUntil = now.Add(redisBreakerDuration)
	log.WithError(err).Warn("ratelimit: redis unavailable, falling back to memory")
}

func (m *Manager) ensureRedis(ctx context.Context, cfg Config) (*RedisLimiter, error) {
	nextCfg := Config{
		Addr:     strings.TrimSpace(cfg.Addr),
		Password: strings.TrimSpace(cfg.Password),
		Prefix:   strings.TrimSpace(cfg.Prefix),
		DB:       cfg.DB,
	}
	if nextCfg.Addr == "" {
		return nil, errors.New("ratelimit: missing redis address")
	}
	if nextCfg.DB < 0 {
		nextCfg.DB = 0
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.redisLimiter != nil && m.redisCfg == nextCfg {
		return m.redisLimiter, nil
	}
	if m.redisLimiter != nil {
		_ = m.redisLimiter.client.Close()
		m.redisLimiter = nil
	}

	client := m.newRedisClient(&redis.Options{
		Addr:     nextCfg.Addr,
		Password: nextCfg.Password,
		DB:       nextCfg.DB,
	})
	ctxPing, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if errPing := client.Ping(ctxPing).Err(); errPing != nil {
		_ = client.Close()
		return nil, errPing
	}
	m.redisLimiter = NewRedisLimiter(client, nextCfg.Prefix)
	m.redisCfg = nextCfg
	return m.redisLimiter, nil
}
