package imagegate

import (
	"sync"
	"time"
)

const (
	healthFailureThreshold = 3
	healthFailureWindow    = 5 * time.Minute
	healthUnhealthyPeriod  = 30 * time.Second
)

// batchHealthKey is the key the coordinator uses for the batch API.
const batchHealthKey = "batch"

// HealthState describes the health of an upstream endpoint.
type HealthState int

const (
	HealthHealthy HealthState = iota
	HealthUnhealthy
	HealthHalfOpen
)

func (h HealthState) String() string {
	switch h {
	case HealthHealthy:
		return "healthy"
	case HealthUnhealthy:
		return "unhealthy"
	case HealthHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// HealthTracker tracks per-endpoint health using a circuit breaker pattern.
type HealthTracker struct {
	mu        sync.Mutex
	endpoints map[string]*endpointHealth
	now       func() time.Time
}

type endpointHealth struct {
	state       HealthState
	failures    []time.Time // sliding window of failure timestamps
	unhealthyAt time.Time   // when state transitioned to unhealthy
}

// NewHealthTracker creates a new HealthTracker.
func NewHealthTracker() *HealthTracker {
	return newHealthTracker(time.Now)
}

func newHealthTracker(now func() time.Time) *HealthTracker {
	return &HealthTracker{
		endpoints: make(map[string]*endpointHealth),
		now:       now,
	}
}

// GetHealth returns the current health state for an endpoint.
func (h *HealthTracker) GetHealth(key string) HealthState {
	h.mu.Lock()
	defer h.mu.Unlock()

	eh, ok := h.endpoints[key]
	if !ok {
		return HealthHealthy
	}

	// Unhealthy period elapsed → half-open.
	if eh.state == HealthUnhealthy && h.now().Sub(eh.unhealthyAt) >= healthUnhealthyPeriod {
		eh.state = HealthHalfOpen
	}

	return eh.state
}

// Allow reports whether a call to the endpoint should be attempted.
func (h *HealthTracker) Allow(key string) bool {
	return h.GetHealth(key) != HealthUnhealthy
}

// RecordSuccess records a successful call.
func (h *HealthTracker) RecordSuccess(key string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	eh := h.getOrCreate(key)
	eh.state = HealthHealthy
	eh.failures = eh.failures[:0]
}

// RecordFailure records a failed call.
func (h *HealthTracker) RecordFailure(key string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	eh := h.getOrCreate(key)
	if eh.state == HealthUnhealthy {
		return
	}

	now := h.now()

	// A failed half-open trial reopens the breaker immediately.
	if eh.state == HealthHalfOpen {
		eh.state = HealthUnhealthy
		eh.unhealthyAt = now
		return
	}

	cutoff := now.Add(-healthFailureWindow)
	valid := eh.failures[:0]
	for _, t := range eh.failures {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}
	eh.failures = append(valid, now)

	if len(eh.failures) >= healthFailureThreshold {
		eh.state = HealthUnhealthy
		eh.unhealthyAt = now
	}
}

func (h *HealthTracker) getOrCreate(key string) *endpointHealth {
	eh, ok := h.endpoints[key]
	if !ok {
		eh = &endpointHealth{state: HealthHealthy}
		h.endpoints[key] = eh
	}
	return eh
}
