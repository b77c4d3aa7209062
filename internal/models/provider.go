package models

import (
	"time"

	"gorm.io/datatypes"
)

// ProviderType identifies the upstream API family an account speaks.
type ProviderType int

// ProviderType constants define supported upstream API families.
const (
	// ProviderTypeOpenAI targets OpenAI-compatible chat APIs.
	ProviderTypeOpenAI ProviderType = 1
	// ProviderTypeAnthropic targets Anthropic messages APIs.
	ProviderTypeAnthropic ProviderType = 2
	// ProviderTypeGemini targets Gemini generateContent APIs.
	ProviderTypeGemini ProviderType = 3
	// ProviderTypeCodex targets Codex responses APIs.
	ProviderTypeCodex ProviderType = 4
)

// String returns the lowercase provider type name.
func (t ProviderType) String() string {
	switch t {
	case ProviderTypeOpenAI:
		return "openai"
	case ProviderTypeAnthropic:
		return "anthropic"
	case ProviderTypeGemini:
		return "gemini"
	case ProviderTypeCodex:
		return "codex"
	default:
		return "unknown"
	}
}

// Provider is a configured upstream vendor account.
type Provider struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	Name string `gorm:"size:255;not null"` // Display name.

	VendorID *uint64 `gorm:"index"` // Owning vendor ID, nil for single-URL providers.

	ProviderType ProviderType `gorm:"not null;index"` // Upstream API family.

	FallbackURL string `gorm:"size:1024;not null;default:''"` // Static base URL when no endpoint applies.

	Priority int     `gorm:"not null;default:0"` // Selection priority, lower first.
	Weight   int     `gorm:"not null;default:1"` // Random tie-break weight.
	CostRate float64 `gorm:"not null;default:1"` // Per-provider cost multiplier.

	IsEnabled bool `gorm:"not null"` // Whether the provider is active.

	ActiveFrom  *time.Time // Optional schedule window start.
	ActiveUntil *time.Time // Optional schedule window end.

	GroupPriorities datatypes.JSON `gorm:"type:jsonb"` // Optional per-group priority overrides, group name to priority.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}

// ProviderEndpoint is one concrete base URL for a (vendor, provider type) pair.
type ProviderEndpoint struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	VendorID     uint64       `gorm:"not null;index:idx_provider_endpoints_vendor_type"` // Owning vendor ID.
	ProviderType ProviderType `gorm:"not null;index:idx_provider_endpoints_vendor_type"` // Upstream API family.

	BaseURL string `gorm:"size:1024;not null"` // Endpoint base URL.

	Priority int `gorm:"not null;default:0"` // Selection priority, lower first.
	Weight   int `gorm:"not null;default:1"` // Random tie-break weight.

	IsEnabled bool `gorm:"not null"` // Whether the endpoint is selectable.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}
