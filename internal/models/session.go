package models

import "time"

// Session tracks one logical multi-turn conversation through the gateway.
type Session struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	SessionID string `gorm:"size:128;uniqueIndex;not null"` // Opaque client-derived session ID.

	UserID   *uint64 `gorm:"index"` // Owning user ID.
	APIKeyID *uint64 `gorm:"index"` // API key used by the session.

	RequestCount int   `gorm:"not null;default:0"` // Requests served under this session.
	TotalTokens  int64 `gorm:"not null;default:0"` // Cumulative token count.
	CostMicros   int64 `gorm:"not null;default:0"` // Cumulative cost in micro-units.

	EndpointID *uint64 `gorm:"index"` // Last endpoint selected for this session.

	Terminated    bool   `gorm:"not null;default:false"`       // Whether an admin terminated the session.
	ReplacementID string `gorm:"size:128;not null;default:''"` // Replacement session ID after termination.

	StartedAt      time.Time `gorm:"not null"`       // First request timestamp.
	LastActivityAt time.Time `gorm:"not null;index"` // Most recent request timestamp.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}
