// Package metrics registers the Prometheus collectors exported by the
// gateway core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ResolverPicks counts endpoint resolutions by outcome.
	ResolverPicks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relaygate_resolver_picks_total",
		Help: "Endpoint resolutions by outcome.",
	}, []string{"outcome"})

	// FuseOpens counts vendor-type fuse openings by reason.
	FuseOpens = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relaygate_fuse_open_total",
		Help: "Vendor-type fuse openings by reason.",
	}, []string{"reason"})

	// LoginLockouts counts login lockouts by scope.
	LoginLockouts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relaygate_login_lockouts_total",
		Help: "Login lockouts by scope (ip or credential).",
	}, []string{"scope"})

	// LedgerDeriveFailures counts ledger derivation failures.
	LedgerDeriveFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relaygate_ledger_derive_failures_total",
		Help: "Ledger derivation failures caught at the write-through boundary.",
	})

	// ActiveSessions tracks in-flight sessions.
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relaygate_active_sessions",
		Help: "Sessions currently holding concurrency slots.",
	})
)

// Outcome labels for ResolverPicks.
const (
	OutcomeEndpoint  = "endpoint"
	OutcomeFallback  = "fallback"
	OutcomeNoEnabled = "no_enabled_endpoints"
	OutcomeUnhealthy = "all_endpoints_unhealthy"
)
