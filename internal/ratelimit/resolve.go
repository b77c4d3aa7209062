package ratelimit

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/relaygate/relaygate/internal/models"
)

// ResolveLimit resolves the effective per-second rate limit for a request.
// A positive API key limit wins over the user limit, which wins over the
// settings default. Zero everywhere means unlimited.
func ResolveLimit(ctx context.Context, db *gorm.DB, apiKeyID, userID uint64, defaultLimit int) (Decision, error) {
	if db == nil {
		return Decision{}, nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	if apiKeyID != 0 {
		keyLimit, errKey := loadKeyRateLimit(ctx, db, apiKeyID)
		if errKey != nil {
			return Decision{}, errKey
		}
		if keyLimit > 0 {
			return Decision{Limit: keyLimit, Scope: ScopeAPIKey}, nil
		}
	}

	if userID != 0 {
		userLimit, errUser := loadUserRateLimit(ctx, db, userID)
		if errUser != nil {
			return Decision{}, errUser
		}
		if userLimit > 0 {
			return Decision{Limit: userLimit, Scope: ScopeUser}, nil
		}
	}

	if defaultLimit > 0 {
		return Decision{Limit: defaultLimit, Scope: ScopeUser}, nil
	}
	return Decision{}, nil
}

func loadKeyRateLimit(ctx context.Context, db *gorm.DB, apiKeyID uint64) (int, error) {
	var row models.APIKey
	if errFind := db.WithContext(ctx).
		Model(&models.APIKey{}).
		Select("rate_limit").
		Where("id = ?", apiKeyID).
		Take(&row).Error; errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return 0, nil
		}
		return 0, errFind
	}
	return row.RateLimit, nil
}

func loadUserRateLimit(ctx context.Context, db *gorm.DB, userID uint64) (int, error) {
	var row models.User
	if errFind := db.WithContext(ctx).
		Model(&models.User{}).
		Select("rate_limit").
		Where("id = ?", userID).
		Take(&row).Error; errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return 0, nil
		}
		return 0, errFind
	}
	return row.RateLimit, nil
}

// KeyForDecision builds a limiter key for the resolved scope. An empty key
// means no limit applies.
func KeyForDecision(apiKeyID, userID uint64, decision Decision) string {
	if decision.Limit <= 0 {
		return ""
	}
	switch decision.Scope {
	case ScopeAPIKey:
		if apiKeyID == 0 {
			return ""
		}
		return fmt.Sprintf("k:%d", apiKeyID)
	case ScopeUser:
		if userID == 0 {
			return ""
		}
		return fmt.Sprintf("u:%d", userID)
	default:
		return ""
	}
}
