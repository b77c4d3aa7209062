// Package ratelimit enforces per-second request rate limits for API keys
// and users, backed by redis when configured and an in-memory fixed window
// otherwise.
package ratelimit

import (
	"context"
	"time"
)

// Result describes the outcome of a rate limit check.
type Result struct {
	Allowed   bool
	Remaining int
	Reset     time.Time
}

// Limiter provides rate limit checks.
type Limiter interface {
	Allow(ctx context.Context, key string, limit int, now time.Time) (Result, error)
}

// Scope indicates which dimension the resolved rate limit applies to.
type Scope int

const (
	// ScopeNone means no limit applies.
	ScopeNone Scope = iota
	// ScopeAPIKey limits requests per API key.
	ScopeAPIKey
	// ScopeUser limits requests per user across their keys.
	ScopeUser
)

// Decision describes the resolved rate limit and scope.
type Decision struct {
	Limit int
	Scope Scope
}
