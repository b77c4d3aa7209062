package db

import (
	"fmt"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/relaygate/relaygate/internal/models"
	internalsettings "github.com/relaygate/relaygate/internal/settings"
)

// Migrate runs database migrations and seeds default settings.
func Migrate(conn *gorm.DB) error {
	if conn == nil {
		return fmt.Errorf("db: nil connection")
	}
	if errAutoMigrate := conn.AutoMigrate(
		&models.Admin{},
		&models.User{},
		&models.APIKey{},
		&models.Provider{},
		&models.ProviderEndpoint{},
		&models.Session{},
		&models.RequestRecord{},
		&models.LedgerEntry{},
		&models.Setting{},
	); errAutoMigrate != nil {
		return fmt.Errorf("db: migrate: %w", errAutoMigrate)
	}
	if errSeed := ensureDefaultSettings(conn); errSeed != nil {
		return errSeed
	}
	return nil
}

// ensureDefaultSettings inserts missing default settings rows.
func ensureDefaultSettings(conn *gorm.DB) error {
	defaults := map[string]string{
		internalsettings.CurrencyCodeKey:           fmt.Sprintf("%q", internalsettings.DefaultCurrencyCode),
		internalsettings.TimezoneKey:               fmt.Sprintf("%q", internalsettings.DefaultTimezone),
		internalsettings.BreakerOnNetworkErrorsKey: "true",
		internalsettings.LoginMaxAttemptsPerIPKey:  fmt.Sprintf("%d", internalsettings.DefaultLoginMaxAttemptsPerIP),
		internalsettings.LoginMaxAttemptsPerKeyKey: fmt.Sprintf("%d", internalsettings.DefaultLoginMaxAttemptsPerKey),
		internalsettings.LoginWindowSecondsKey:     fmt.Sprintf("%d", internalsettings.DefaultLoginWindowSeconds),
		internalsettings.LoginLockoutSecondsKey:    fmt.Sprintf("%d", internalsettings.DefaultLoginLockoutSeconds),
		internalsettings.RateLimitKey:              fmt.Sprintf("%d", internalsettings.DefaultRateLimit),
	}
	for key, value := range defaults {
		row := models.Setting{Key: key, Value: datatypes.JSON([]byte(value))}
		if errInsert := conn.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "key"}},
			DoNothing: true,
		}).Create(&row).Error; errInsert != nil {
			return fmt.Errorf("db: seed setting %s: %w", key, errInsert)
		}
	}
	return nil
}
