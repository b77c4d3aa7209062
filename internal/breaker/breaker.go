// Package breaker tracks per-endpoint health and vendor-type fuses used to
// keep requests away from failing upstreams.
package breaker

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// State represents an endpoint breaker state.
type State int

// Breaker states follow the closed -> open -> half-open -> closed cycle.
const (
	// StateClosed allows traffic normally.
	StateClosed State = iota
	// StateOpen rejects traffic until the cool-down elapses.
	StateOpen
	// StateHalfOpen allows a single probe request.
	StateHalfOpen
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config tunes breaker thresholds and timing.
type Config struct {
	FailureThreshold int           // Consecutive-window failures that open the breaker.
	Window           time.Duration // Rolling window for failure counting.
	CoolDown         time.Duration // Open duration before a half-open probe.
}

// DefaultConfig returns production breaker defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		Window:           30 * time.Second,
		CoolDown:         60 * time.Second,
	}
}

func (c Config) normalized() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.Window <= 0 {
		c.Window = 30 * time.Second
	}
	if c.CoolDown <= 0 {
		c.CoolDown = 60 * time.Second
	}
	return c
}

// endpointState holds mutable breaker state for one endpoint.
type endpointState struct {
	state       State
	failures    int
	windowStart time.Time
	openedAt    time.Time
	reason      string
	probing     bool
}

// FuseState describes an open vendor-type fuse.
type FuseState struct {
	Reason   string
	OpenedAt time.Time
}

// fuseKey scopes a fuse to one vendor and provider type.
type fuseKey struct {
	vendorID     uint64
	providerType int
}

// Registry maintains endpoint breaker states and vendor-type fuses.
type Registry struct {
	cfg   Config
	nowFn func() time.Time

	mu        sync.Mutex
	endpoints map[uint64]*endpointState
	fuses     map[fuseKey]FuseState

	onFuseOpen func(reason string)
}

// NewRegistry constructs a Registry. A nil nowFn defaults to time.Now.
func NewRegistry(cfg Config, nowFn func() time.Time) *Registry {
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Registry{
		cfg:       cfg.normalized(),
		nowFn:     nowFn,
		endpoints: make(map[uint64]*endpointState),
		fuses:     make(map[fuseKey]FuseState),
	}
}

// OnFuseOpen registers a hook invoked whenever a fuse opens.
func (r *Registry) OnFuseOpen(fn func(reason string)) {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.onFuseOpen = fn
	r.mu.Unlock()
}

// Allow reports whether traffic may be routed to the endpoint, transitioning
// open breakers to half-open after the cool-down. In half-open state only
// one probe is admitted until its outcome is recorded.
func (r *Registry) Allow(endpointID uint64) bool {
	if r == nil {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.endpoints[endpointID]
	if !ok {
		return true
	}
	now := r.nowFn()
	switch st.state {
	case StateClosed:
		return true
	case StateOpen:
		if now.Sub(st.openedAt) >= r.cfg.CoolDown {
			st.state = StateHalfOpen
			st.probing = true
			return true
		}
		return false
	case StateHalfOpen:
		if st.probing {
			return false
		}
		st.probing = true
		return true
	}
	return true
}

// IsOpen reports whether the endpoint breaker currently rejects traffic.
func (r *Registry) IsOpen(endpointID uint64) bool {
	if r == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.endpoints[endpointID]
	if !ok {
		return false
	}
	if st.state == StateOpen && r.nowFn().Sub(st.openedAt) >= r.cfg.CoolDown {
		st.state = StateHalfOpen
		st.probing = false
		return false
	}
	return st.state == StateOpen
}

// RecordSuccess notes a successful upstream call and closes half-open breakers.
func (r *Registry) RecordSuccess(endpointID uint64) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.endpoints[endpointID]
	if !ok {
		return
	}
	switch st.state {
	case StateHalfOpen:
		log.WithField("endpoint_id", endpointID).Info("breaker: probe succeeded, closing")
		delete(r.endpoints, endpointID)
	case StateClosed:
		st.failures = 0
		st.windowStart = time.Time{}
	}
}

// RecordFailure notes a failed upstream call, opening the breaker once the
// rolling-window failure threshold is reached. Half-open probe failures
// reopen immediately.
func (r *Registry) RecordFailure(endpointID uint64, reason string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.nowFn()
	st, ok := r.endpoints[endpointID]
	if !ok {
		st = &endpointState{windowStart: now}
		r.endpoints[endpointID] = st
	}

	switch st.state {
	case StateHalfOpen:
		st.state = StateOpen
		st.openedAt = now
		st.reason = reason
		st.probing = false
		log.WithField("endpoint_id", endpointID).Warn("breaker: probe failed, reopening")
	case StateClosed:
		if now.Sub(st.windowStart) > r.cfg.Window {
			st.failures = 0
			st.windowStart = now
		}
		st.failures++
		if st.failures >= r.cfg.FailureThreshold {
			st.state = StateOpen
			st.openedAt = now
			st.reason = reason
			log.WithFields(log.Fields{
				"endpoint_id": endpointID,
				"failures":    st.failures,
				"reason":      reason,
			}).Warn("breaker: opening endpoint")
		}
	}
}

// EndpointState returns the current state and reason for an endpoint.
func (r *Registry) EndpointState(endpointID uint64) (State, string) {
	if r == nil {
		return StateClosed, ""
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.endpoints[endpointID]
	if !ok {
		return StateClosed, ""
	}
	if st.state == StateOpen && r.nowFn().Sub(st.openedAt) >= r.cfg.CoolDown {
		st.state = StateHalfOpen
		st.probing = false
	}
	return st.state, st.reason
}

// OpenFuse records a vendor-type scoped fuse with the given reason.
// The first open per (vendor, type, reason) is logged; refreshing an already
// open fuse only bumps its timestamp.
func (r *Registry) OpenFuse(vendorID uint64, providerType int, reason string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	key := fuseKey{vendorID: vendorID, providerType: providerType}
	prev, existed := r.fuses[key]
	r.fuses[key] = FuseState{Reason: reason, OpenedAt: r.nowFn()}
	hook := r.onFuseOpen
	r.mu.Unlock()

	if !existed || prev.Reason != reason {
		log.WithFields(log.Fields{
			"vendor_id":     vendorID,
			"provider_type": providerType,
			"reason":        reason,
		}).Warn("breaker: vendor-type fuse opened")
	}
	if hook != nil {
		hook(reason)
	}
}

// Fuse returns the fuse state for a (vendor, provider type) pair, expiring
// fuses older than the cool-down.
func (r *Registry) Fuse(vendorID uint64, providerType int) (FuseState, bool) {
	if r == nil {
		return FuseState{}, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	key := fuseKey{vendorID: vendorID, providerType: providerType}
	fuse, ok := r.fuses[key]
	if !ok {
		return FuseState{}, false
	}
	if r.nowFn().Sub(fuse.OpenedAt) >= r.cfg.CoolDown {
		delete(r.fuses, key)
		return FuseState{}, false
	}
	return fuse, true
}

// Snapshot returns a copy of every open endpoint breaker and fuse for
// status reporting.
func (r *Registry) Snapshot() ([]EndpointStatus, []FuseStatus) {
	if r == nil {
		return nil, nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	endpoints := make([]EndpointStatus, 0, len(r.endpoints))
	for id, st := range r.endpoints {
		endpoints = append(endpoints, EndpointStatus{
			EndpointID: id,
			State:      st.state.String(),
			Reason:     st.reason,
			OpenedAt:   st.openedAt,
		})
	}
	fuses := make([]FuseStatus, 0, len(r.fuses))
	for key, fuse := range r.fuses {
		fuses = append(fuses, FuseStatus{
			VendorID:     key.vendorID,
			ProviderType: key.providerType,
			Reason:       fuse.Reason,
			OpenedAt:     fuse.OpenedAt,
		})
	}
	return endpoints, fuses
}

// EndpointStatus reports one endpoint breaker for the status API.
type EndpointStatus struct {
	EndpointID uint64    `json:"endpoint_id"`
	State      string    `json:"state"`
	Reason     string    `json:"reason,omitempty"`
	OpenedAt   time.Time `json:"opened_at,omitempty"`
}

// FuseStatus reports one vendor-type fuse for the status API.
type FuseStatus struct {
	VendorID     uint64    `json:"vendor_id"`
	ProviderType int       `json:"provider_type"`
	Reason       string    `json:"reason"`
	OpenedAt     time.Time `json:"opened_at"`
}
