package models

import (
	"time"

	"gorm.io/datatypes"
)

// BlockedByWarmup marks synthetic health-check traffic that must never bill.
const BlockedByWarmup = "warmup"

// RequestRecord is the raw per-request log row written after each upstream call.
type RequestRecord struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	RequestID string `gorm:"size:64;uniqueIndex;not null"` // Gateway-assigned request ID.

	SessionID string `gorm:"size:128;index;not null;default:''"` // Owning session ID.

	UserID   *uint64 `gorm:"index"` // Requesting user ID.
	APIKeyID *uint64 `gorm:"index"` // API key used.

	ProviderID *uint64 `gorm:"index"` // Provider that served the request.
	EndpointID *uint64 `gorm:"index"` // Endpoint that served the request.

	Model string `gorm:"size:255;not null;default:''"` // Requested model name.

	InputTokens  int   `gorm:"not null;default:0"` // Prompt tokens.
	OutputTokens int   `gorm:"not null;default:0"` // Completion tokens.
	TotalTokens  int64 `gorm:"not null;default:0"` // Total token count.

	CostMicros int64 `gorm:"not null;default:0"` // Billed cost in micro-units.

	ErrorMessage string `gorm:"type:text;not null;default:''"` // Upstream error, empty on success.

	BlockedBy string `gorm:"size:32;not null;default:'';index"` // Non-billable marker, e.g. "warmup".

	ProviderChain datatypes.JSON `gorm:"type:jsonb"` // Ordered provider attempts, structured payload.

	RequestedAt time.Time `gorm:"not null;index"` // Request start timestamp.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
}

// Billable reports whether the record should produce a ledger entry.
func (r RequestRecord) Billable() bool {
	return r.BlockedBy != BlockedByWarmup
}
