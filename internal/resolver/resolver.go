// Package resolver picks a healthy upstream endpoint for each request,
// consulting the circuit breaker registry and a short-lived endpoint cache.
package resolver

import (
	"context"
	"fmt"
	"math/rand"
	"net/url"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/relaygate/relaygate/internal/breaker"
	"github.com/relaygate/relaygate/internal/cache"
	"github.com/relaygate/relaygate/internal/metrics"
	"github.com/relaygate/relaygate/internal/models"
)

// Kind labels for RouteError.
const (
	// KindNoEnabledEndpoints marks a configuration defect: endpoints exist
	// but none is enabled with a valid URL.
	KindNoEnabledEndpoints = "no_enabled_endpoints"
	// KindAllEndpointsUnhealthy marks a transient outage: every enabled
	// endpoint has an open breaker.
	KindAllEndpointsUnhealthy = "all_endpoints_unhealthy"
)

// RouteError is a typed routing failure carrying vendor scope so callers can
// tell configuration problems from transient outages.
type RouteError struct {
	Kind         string
	VendorID     uint64
	ProviderType models.ProviderType
}

// Error implements the error interface.
func (e *RouteError) Error() string {
	return fmt.Sprintf("resolver: %s (vendor=%d type=%s)", e.Kind, e.VendorID, e.ProviderType)
}

// RouteContext receives the selected endpoint for downstream audit.
type RouteContext struct {
	SessionID  string
	EndpointID *uint64
	BaseURL    string
}

// EndpointRepository loads candidate endpoints for a vendor and provider type.
type EndpointRepository interface {
	ListEndpoints(ctx context.Context, vendorID uint64, providerType models.ProviderType) ([]models.ProviderEndpoint, error)
}

// endpointCacheTTL bounds how long a candidate set is served without a
// persistence round-trip.
const endpointCacheTTL = 30 * time.Second

// Resolver selects upstream endpoints under priority and weight.
type Resolver struct {
	repo     EndpointRepository
	breakers *breaker.Registry
	cache    *cache.Cache[string, []models.ProviderEndpoint]
	randFn   func() float64
	randIntn func(int) int
}

// Option customizes a Resolver.
type Option func(*Resolver)

// WithRandSource injects deterministic random draws for tests.
func WithRandSource(randFn func() float64, randIntn func(int) int) Option {
	return func(r *Resolver) {
		if randFn != nil {
			r.randFn = randFn
		}
		if randIntn != nil {
			r.randIntn = randIntn
		}
	}
}

// WithCache replaces the default endpoint cache.
func WithCache(c *cache.Cache[string, []models.ProviderEndpoint]) Option {
	return func(r *Resolver) {
		if c != nil {
			r.cache = c
		}
	}
}

// New constructs a Resolver.
func New(repo EndpointRepository, breakers *breaker.Registry, opts ...Option) *Resolver {
	r := &Resolver{
		repo:     repo,
		breakers: breakers,
		cache:    cache.New[string, []models.ProviderEndpoint](endpointCacheTTL, 256),
		randFn:   rand.Float64,
		randIntn: rand.Intn,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// InvalidateEndpoints drops the cached candidate set for a vendor and type.
// Called when endpoint configuration changes locally or via pub/sub.
func (r *Resolver) InvalidateEndpoints(vendorID uint64, providerType models.ProviderType) {
	if r == nil {
		return
	}
	r.cache.Delete(endpointCacheKey(vendorID, providerType))
}

// InvalidateAll drops every cached candidate set.
func (r *Resolver) InvalidateAll() {
	if r == nil {
		return
	}
	r.cache.Clear()
}

// Shutdown releases the resolver's cache janitor.
func (r *Resolver) Shutdown() {
	if r == nil {
		return
	}
	r.cache.Stop()
}

// Resolve picks a base URL for the provider and records the selection on rc.
//
// Vendor-less providers resolve to their static fallback URL. Otherwise the
// candidate set is filtered to enabled endpoints with valid URLs and closed
// breakers; the minimum-priority tier is then sampled by weighted random
// draw. Zero valid enabled endpoints or zero healthy endpoints open the
// vendor-type fuse and fail with a typed RouteError.
func (r *Resolver) Resolve(ctx context.Context, rc *RouteContext, provider models.Provider) (string, error) {
	if r == nil {
		return "", fmt.Errorf("resolver: not initialized")
	}
	if rc == nil {
		rc = &RouteContext{}
	}

	if provider.VendorID == nil || *provider.VendorID == 0 {
		rc.EndpointID = nil
		rc.BaseURL = provider.FallbackURL
		metrics.ResolverPicks.WithLabelValues(metrics.OutcomeFallback).Inc()
		return provider.FallbackURL, nil
	}
	vendorID := *provider.VendorID

	candidates, errList := r.loadEndpoints(ctx, vendorID, provider.ProviderType)
	if errList != nil {
		return "", fmt.Errorf("resolver: list endpoints: %w", errList)
	}
	if len(candidates) == 0 {
		// No endpoints configured is not an error for this provider.
		rc.EndpointID = nil
		rc.BaseURL = provider.FallbackURL
		metrics.ResolverPicks.WithLabelValues(metrics.OutcomeFallback).Inc()
		return provider.FallbackURL, nil
	}

	enabled := make([]models.ProviderEndpoint, 0, len(candidates))
	for _, ep := range candidates {
		if ep.IsEnabled {
			enabled = append(enabled, ep)
		}
	}

	valid := make([]models.ProviderEndpoint, 0, len(enabled))
	for _, ep := range enabled {
		if validBaseURL(ep.BaseURL) {
			valid = append(valid, ep)
		}
	}
	if len(enabled) > 0 && len(valid) == 0 {
		log.WithFields(log.Fields{
			"vendor_id":     vendorID,
			"provider_type": provider.ProviderType.String(),
		}).Warn("resolver: enabled endpoints exist but none has a valid base url")
	}

	if len(valid) == 0 {
		r.breakers.OpenFuse(vendorID, int(provider.ProviderType), KindNoEnabledEndpoints)
		rc.EndpointID = nil
		rc.BaseURL = ""
		metrics.ResolverPicks.WithLabelValues(metrics.OutcomeNoEnabled).Inc()
		return "", &RouteError{Kind: KindNoEnabledEndpoints, VendorID: vendorID, ProviderType: provider.ProviderType}
	}

	healthy := make([]models.ProviderEndpoint, 0, len(valid))
	for _, ep := range valid {
		if !r.breakers.IsOpen(ep.ID) {
			healthy = append(healthy, ep)
		}
	}
	if len(healthy) == 0 {
		r.breakers.OpenFuse(vendorID, int(provider.ProviderType), KindAllEndpointsUnhealthy)
		rc.EndpointID = nil
		rc.BaseURL = ""
		metrics.ResolverPicks.WithLabelValues(metrics.OutcomeUnhealthy).Inc()
		return "", &RouteError{Kind: KindAllEndpointsUnhealthy, VendorID: vendorID, ProviderType: provider.ProviderType}
	}

	tier := minPriorityTier(healthy)
	picked := pickWeighted(tier, r.randFn, r.randIntn)

	id := picked.ID
	rc.EndpointID = &id
	rc.BaseURL = picked.BaseURL
	metrics.ResolverPicks.WithLabelValues(metrics.OutcomeEndpoint).Inc()
	return picked.BaseURL, nil
}

func (r *Resolver) loadEndpoints(ctx context.Context, vendorID uint64, providerType models.ProviderType) ([]models.ProviderEndpoint, error) {
	key := endpointCacheKey(vendorID, providerType)
	if cached, ok := r.cache.Get(key); ok {
		return cached, nil
	}
	endpoints, errList := r.repo.ListEndpoints(ctx, vendorID, providerType)
	if errList != nil {
		return nil, errList
	}
	r.cache.Set(key, endpoints)
	return endpoints, nil
}

func endpointCacheKey(vendorID uint64, providerType models.ProviderType) string {
	return fmt.Sprintf("%d:%d", vendorID, providerType)
}

// validBaseURL reports whether raw parses as an absolute http(s) URL.
func validBaseURL(raw string) bool {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return false
	}
	parsed, errParse := url.Parse(raw)
	if errParse != nil {
		return false
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return false
	}
	return parsed.Host != ""
}

// minPriorityTier returns the endpoints sharing the minimum priority value.
func minPriorityTier(endpoints []models.ProviderEndpoint) []models.ProviderEndpoint {
	if len(endpoints) == 0 {
		return nil
	}
	min := endpoints[0].Priority
	for _, ep := range endpoints[1:] {
		if ep.Priority < min {
			min = ep.Priority
		}
	}
	tier := make([]models.ProviderEndpoint, 0, len(endpoints))
	for _, ep := range endpoints {
		if ep.Priority == min {
			tier = append(tier, ep)
		}
	}
	return tier
}

// pickWeighted selects one endpoint by weighted random draw. A non-positive
// total weight falls back to a uniform index; the last endpoint is the
// safety net if rounding exhausts the walk.
func pickWeighted(endpoints []models.ProviderEndpoint, randFn func() float64, randIntn func(int) int) models.ProviderEndpoint {
	if len(endpoints) == 1 {
		return endpoints[0]
	}
	total := 0
	for _, ep := range endpoints {
		if ep.Weight > 0 {
			total += ep.Weight
		}
	}
	if total <= 0 {
		return endpoints[randIntn(len(endpoints))]
	}
	draw := randFn() * float64(total)
	cumulative := 0.0
	for _, ep := range endpoints {
		if ep.Weight > 0 {
			cumulative += float64(ep.Weight)
		}
		if draw < cumulative {
			return ep
		}
	}
	return endpoints[len(endpoints)-1]
}
