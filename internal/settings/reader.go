package settings

import (
	"bytes"
	"context"
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/relaygate/relaygate/internal/models"
)

// Snapshot is one immutable view of the dynamic settings used by the core.
type Snapshot struct {
	CurrencyCode           string
	Timezone               string
	BreakerOnNetworkErrors bool

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string

	LoginMaxAttemptsPerIP  int
	LoginMaxAttemptsPerKey int
	LoginWindowSeconds     int
	LoginLockoutSeconds    int

	RateLimit int
}

// defaultSnapshot returns the snapshot used before the first load and for
// any missing keys.
func defaultSnapshot() Snapshot {
	return Snapshot{
		CurrencyCode:           DefaultCurrencyCode,
		Timezone:               DefaultTimezone,
		BreakerOnNetworkErrors: DefaultBreakerOnNetworkErrors,
		RedisPrefix:            DefaultRedisPrefix,
		LoginMaxAttemptsPerIP:  DefaultLoginMaxAttemptsPerIP,
		LoginMaxAttemptsPerKey: DefaultLoginMaxAttemptsPerKey,
		LoginWindowSeconds:     DefaultLoginWindowSeconds,
		LoginLockoutSeconds:    DefaultLoginLockoutSeconds,
		RateLimit:              DefaultRateLimit,
	}
}

// Reader serves cached settings snapshots from the settings table.
// Invalidate forces a reload on the next Snapshot call; otherwise snapshots
// refresh after refreshInterval.
type Reader struct {
	db *gorm.DB

	mu        sync.Mutex
	current   Snapshot
	loadedAt  time.Time
	refreshIn time.Duration
}

// refreshInterval bounds snapshot staleness without invalidation events.
const refreshInterval = 30 * time.Second

// NewReader constructs a Reader.
func NewReader(db *gorm.DB) *Reader {
	return &Reader{db: db, current: defaultSnapshot(), refreshIn: refreshInterval}
}

// Snapshot returns the current settings view, reloading when stale.
func (r *Reader) Snapshot(ctx context.Context) Snapshot {
	if r == nil {
		return defaultSnapshot()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.loadedAt.IsZero() && time.Since(r.loadedAt) < r.refreshIn {
		return r.current
	}
	loaded, errLoad := r.load(ctx)
	if errLoad != nil {
		log.WithError(errLoad).Warn("settings: reload failed, serving previous snapshot")
		return r.current
	}
	r.current = loaded
	r.loadedAt = time.Now()
	return r.current
}

// Invalidate drops the cached snapshot; the next Snapshot call reloads.
func (r *Reader) Invalidate() {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.loadedAt = time.Time{}
	r.mu.Unlock()
}

func (r *Reader) load(ctx context.Context) (Snapshot, error) {
	snapshot := defaultSnapshot()
	if r.db == nil {
		return snapshot, nil
	}
	var rows []models.Setting
	if errFind := r.db.WithContext(ctx).Find(&rows).Error; errFind != nil {
		return snapshot, errFind
	}
	values := make(map[string]json.RawMessage, len(rows))
	for _, row := range rows {
		values[row.Key] = json.RawMessage(row.Value)
	}

	if raw, ok := values[CurrencyCodeKey]; ok {
		if code, okParse := parseString(raw); okParse && code != "" {
			snapshot.CurrencyCode = code
		}
	}
	if raw, ok := values[TimezoneKey]; ok {
		if tz, okParse := parseString(raw); okParse && tz != "" {
			snapshot.Timezone = tz
		}
	}
	if raw, ok := values[BreakerOnNetworkErrorsKey]; ok {
		if enabled, okParse := parseBool(raw); okParse {
			snapshot.BreakerOnNetworkErrors = enabled
		}
	}
	if raw, ok := values[RedisAddrKey]; ok {
		if addr, okParse := parseString(raw); okParse {
			snapshot.RedisAddr = addr
		}
	}
	if raw, ok := values[RedisPasswordKey]; ok {
		if password, okParse := parseString(raw); okParse {
			snapshot.RedisPassword = password
		}
	}
	if raw, ok := values[RedisDBKey]; ok {
		if db, okParse := parseNonNegativeInt(raw); okParse {
			snapshot.RedisDB = db
		}
	}
	if raw, ok := values[RedisPrefixKey]; ok {
		if prefix, okParse := parseString(raw); okParse && prefix != "" {
			snapshot.RedisPrefix = prefix
		}
	}
	if raw, ok := values[LoginMaxAttemptsPerIPKey]; ok {
		if v, okParse := parseNonNegativeInt(raw); okParse && v > 0 {
			snapshot.LoginMaxAttemptsPerIP = v
		}
	}
	if raw, ok := values[LoginMaxAttemptsPerKeyKey]; ok {
		if v, okParse := parseNonNegativeInt(raw); okParse && v > 0 {
			snapshot.LoginMaxAttemptsPerKey = v
		}
	}
	if raw, ok := values[LoginWindowSecondsKey]; ok {
		if v, okParse := parseNonNegativeInt(raw); okParse && v > 0 {
			snapshot.LoginWindowSeconds = v
		}
	}
	if raw, ok := values[LoginLockoutSecondsKey]; ok {
		if v, okParse := parseNonNegativeInt(raw); okParse && v > 0 {
			snapshot.LoginLockoutSeconds = v
		}
	}
	if raw, ok := values[RateLimitKey]; ok {
		if v, okParse := parseNonNegativeInt(raw); okParse {
			snapshot.RateLimit = v
		}
	}
	return snapshot, nil
}

func parseBool(raw json.RawMessage) (bool, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return false, false
	}
	var parsedBool bool
	if errUnmarshalBool := json.Unmarshal(raw, &parsedBool); errUnmarshalBool == nil {
		return parsedBool, true
	}
	var parsedString string
	if errUnmarshalString := json.Unmarshal(raw, &parsedString); errUnmarshalString == nil {
		switch strings.ToLower(strings.TrimSpace(parsedString)) {
		case "1", "true", "yes", "y", "on":
			return true, true
		case "0", "false", "no", "n", "off":
			return false, true
		default:
			return false, false
		}
	}
	return false, false
}

func parseString(raw json.RawMessage) (string, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return "", false
	}
	var parsedString string
	if errUnmarshal := json.Unmarshal(raw, &parsedString); errUnmarshal == nil {
		return strings.TrimSpace(parsedString), true
	}
	return "", false
}

func parseNonNegativeInt(raw json.RawMessage) (int, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return 0, false
	}
	var parsedInt int
	if errUnmarshalInt := json.Unmarshal(raw, &parsedInt); errUnmarshalInt == nil {
		return parsedInt, parsedInt >= 0
	}
	var parsedString string
	if errUnmarshalString := json.Unmarshal(raw, &parsedString); errUnmarshalString == nil {
		parsed, errParse := strconv.Atoi(strings.TrimSpace(parsedString))
		if errParse != nil {
			return 0, false
		}
		return parsed, parsed >= 0
	}
	var parsedFloat float64
	if errUnmarshalFloat := json.Unmarshal(raw, &parsedFloat); errUnmarshalFloat == nil {
		if math.IsNaN(parsedFloat) || math.IsInf(parsedFloat, 0) {
			return 0, false
		}
		if parsedFloat < 0 || parsedFloat != math.Trunc(parsedFloat) {
			return 0, false
		}
		return int(parsedFloat), true
	}
	return 0, false
}
