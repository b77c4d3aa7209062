package models

import "time"

// User represents an end-user account stored in the database.
type User struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	Username string `gorm:"type:text;not null;uniqueIndex"` // Unique login name.
	Name     string `gorm:"type:text"`                      // Display name.
	Email    string `gorm:"type:text;uniqueIndex"`          // Email address.
	Password string `gorm:"type:text;not null"`             // Hashed password.

	MaxConcurrentSessions float64 `gorm:"not null;default:0"` // Concurrent session cap, 0 means unlimited.
	RateLimit             int     `gorm:"not null;default:0"` // Requests per second, 0 means unlimited.

	Active   bool `gorm:"not null"`               // Whether the user can sign in.
	Disabled bool `gorm:"not null;default:false"` // Explicit disable flag.

	APIKeys []APIKey `gorm:"foreignKey:UserID"` // Related API keys.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}

// APIKey is a client credential multiplexed through the gateway.
type APIKey struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	Key  string `gorm:"type:text;not null;uniqueIndex"` // API key value.
	Name string `gorm:"type:text"`                      // Display name.

	UserID *uint64 `gorm:"index"`             // Owning user ID.
	User   *User   `gorm:"foreignKey:UserID"` // Owning user record.

	MaxConcurrentSessions float64 `gorm:"not null;default:0"` // Concurrent session cap, 0 means unlimited.
	RateLimit             int     `gorm:"not null;default:0"` // Requests per second, 0 means unlimited.

	IsEnabled bool `gorm:"not null"` // Whether the key is accepted.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}
