package settings

import (
	"context"
	"testing"

	"github.com/glebarez/sqlite"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/relaygate/relaygate/internal/models"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, errOpen := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if errOpen != nil {
		t.Fatalf("open sqlite: %v", errOpen)
	}
	if errMigrate := db.AutoMigrate(&models.Setting{}); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}
	return db
}

func seed(t *testing.T, db *gorm.DB, key, value string) {
	t.Helper()
	row := models.Setting{Key: key, Value: datatypes.JSON([]byte(value))}
	if errCreate := db.Create(&row).Error; errCreate != nil {
		t.Fatalf("seed %s: %v", key, errCreate)
	}
}

func TestSnapshotDefaultsWithEmptyTable(t *testing.T) {
	reader := NewReader(openTestDB(t))
	snapshot := reader.Snapshot(context.Background())

	if snapshot.CurrencyCode != DefaultCurrencyCode {
		t.Fatalf("currency = %q, want %q", snapshot.CurrencyCode, DefaultCurrencyCode)
	}
	if snapshot.LoginMaxAttemptsPerIP != DefaultLoginMaxAttemptsPerIP {
		t.Fatalf("per-ip = %d, want %d", snapshot.LoginMaxAttemptsPerIP, DefaultLoginMaxAttemptsPerIP)
	}
	if snapshot.RateLimit != DefaultRateLimit {
		t.Fatalf("rate limit = %d, want %d", snapshot.RateLimit, DefaultRateLimit)
	}
}

func TestSnapshotReadsStoredValues(t *testing.T) {
	db := openTestDB(t)
	seed(t, db, CurrencyCodeKey, `"EUR"`)
	seed(t, db, RedisAddrKey, `"127.0.0.1:6379"`)
	seed(t, db, LoginMaxAttemptsPerKeyKey, `3`)
	seed(t, db, RateLimitKey, `"25"`)
	seed(t, db, BreakerOnNetworkErrorsKey, `"off"`)

	snapshot := NewReader(db).Snapshot(context.Background())

	if snapshot.CurrencyCode != "EUR" {
		t.Fatalf("currency = %q", snapshot.CurrencyCode)
	}
	if snapshot.RedisAddr != "127.0.0.1:6379" {
		t.Fatalf("redis addr = %q", snapshot.RedisAddr)
	}
	if snapshot.LoginMaxAttemptsPerKey != 3 {
		t.Fatalf("per-key = %d", snapshot.LoginMaxAttemptsPerKey)
	}
	if snapshot.RateLimit != 25 {
		t.Fatalf("rate limit = %d, string values should parse", snapshot.RateLimit)
	}
	if snapshot.BreakerOnNetworkErrors {
		t.Fatal("breaker toggle should parse \"off\" as false")
	}
}

func TestSnapshotIgnoresMalformedValues(t *testing.T) {
	db := openTestDB(t)
	seed(t, db, LoginWindowSecondsKey, `"not-a-number"`)
	seed(t, db, CurrencyCodeKey, `{"nested": true}`)

	snapshot := NewReader(db).Snapshot(context.Background())

	if snapshot.LoginWindowSeconds != DefaultLoginWindowSeconds {
		t.Fatalf("window = %d, want default %d", snapshot.LoginWindowSeconds, DefaultLoginWindowSeconds)
	}
	if snapshot.CurrencyCode != DefaultCurrencyCode {
		t.Fatalf("currency = %q, want default", snapshot.CurrencyCode)
	}
}

func TestInvalidateForcesReload(t *testing.T) {
	db := openTestDB(t)
	reader := NewReader(db)

	first := reader.Snapshot(context.Background())
	if first.CurrencyCode != DefaultCurrencyCode {
		t.Fatalf("currency = %q", first.CurrencyCode)
	}

	seed(t, db, CurrencyCodeKey, `"GBP"`)

	// Cached snapshot still served until invalidation.
	cached := reader.Snapshot(context.Background())
	if cached.CurrencyCode != DefaultCurrencyCode {
		t.Fatalf("cached currency = %q, expected stale value", cached.CurrencyCode)
	}

	reader.Invalidate()
	reloaded := reader.Snapshot(context.Background())
	if reloaded.CurrencyCode != "GBP" {
		t.Fatalf("reloaded currency = %q, want GBP", reloaded.CurrencyCode)
	}
}
