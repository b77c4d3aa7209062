package models

import "time"

// LedgerEntry is the derived accounting row, exactly one per billable request.
type LedgerEntry struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	RequestID string `gorm:"size:64;uniqueIndex;not null"` // Originating request ID, conflict key.

	UserID   *uint64 `gorm:"index"` // Billed user ID.
	APIKeyID *uint64 `gorm:"index"` // Billed API key ID.

	ProviderID *uint64 `gorm:"index"` // Serving provider ID.

	FinalProvider string `gorm:"size:255;not null;default:''"` // Last provider in the attempt chain.

	Model string `gorm:"size:255;not null;default:''"` // Billed model name.

	InputTokens  int   `gorm:"not null;default:0"` // Prompt tokens.
	OutputTokens int   `gorm:"not null;default:0"` // Completion tokens.
	TotalTokens  int64 `gorm:"not null;default:0"` // Total token count.

	CostMicros int64 `gorm:"not null;default:0"` // Cost in micro-units.

	// No column default: gorm drops zero-valued fields that carry one from
	// INSERT, which would persist failed requests as succeeded.
	Succeeded bool `gorm:"not null"` // Derived from absence of an error message.

	RequestedAt time.Time `gorm:"not null;index"` // Originating request timestamp.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}
