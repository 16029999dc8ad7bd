package breaker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/noncelogic/cortex-plane/internal/backend"
	"github.com/noncelogic/cortex-plane/internal/models"
)

// ErrNoProviderAvailable is returned by Route when every provider is inadmissible.
var ErrNoProviderAvailable = errors.New("no_provider_available")

// RouteEvent names are emitted to the observer callback registered on the
// Router, matching the route_skipped/route_exhausted/route_failover events
// named in spec.md §4.3.
type RouteEvent struct {
	Name       string // route_skipped | route_exhausted | route_failover
	ProviderID string
	Reason     string
}

// Provider is one entry in the router's provider table.
type Provider struct {
	ID       string
	Backend  backend.ExecutionBackend
	Priority int
	Breaker  Config
}

// Router selects an ExecutionBackend by priority while respecting each
// provider's circuit breaker and per-provider concurrency limit.
type Router struct {
	mu        sync.RWMutex
	providers []Provider
	breakers  map[string]*breaker
	sems      map[string]*semaphore.Weighted
	onEvent   func(RouteEvent)
}

// NewRouter builds a Router from an ordered provider table (lower Priority
// wins ties broken by table order). semWeight bounds concurrent in-flight
// tasks per provider (spec.md §4.4 "bounds per-provider concurrency via a
// weighted semaphore").
func NewRouter(providers []Provider, semWeight int64, onEvent func(RouteEvent)) *Router {
	sorted := make([]Provider, len(providers))
	copy(sorted, providers)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Priority < sorted[j].Priority })

	r := &Router{
		providers: sorted,
		breakers:  make(map[string]*breaker),
		sems:      make(map[string]*semaphore.Weighted),
		onEvent:   onEvent,
	}
	for _, p := range sorted {
		r.breakers[p.ID] = newBreaker(p.Breaker)
		r.sems[p.ID] = semaphore.NewWeighted(semWeight)
	}
	return r
}

func (r *Router) emit(ev RouteEvent) {
	if r.onEvent != nil {
		r.onEvent(ev)
	}
}

// Route implements spec.md §4.3 "Routing algorithm" step 1-2: iterate
// providers in priority order, returning the first admissible one.
func (r *Router) Route() (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := time.Now()
	for _, p := range r.providers {
		if r.breakers[p.ID].allow(now) {
			return p, nil
		}
		r.emit(RouteEvent{Name: "route_skipped", ProviderID: p.ID, Reason: "circuit_open"})
	}
	r.emit(RouteEvent{Name: "route_exhausted", Reason: "all_circuits_open"})
	return Provider{}, ErrNoProviderAvailable
}

// RouteWithFailover is Route, but also emits route_failover when the chosen
// provider is not the top-priority one.
func (r *Router) RouteWithFailover() (Provider, error) {
	p, err := r.Route()
	if err != nil {
		return p, err
	}
	r.mu.RLock()
	top := r.providers[0].ID
	r.mu.RUnlock()
	if p.ID != top {
		r.emit(RouteEvent{Name: "route_failover", ProviderID: p.ID, Reason: "preferred provider unavailable"})
	}
	return p, nil
}

// RecordOutcome updates exactly one breaker; unknown providers are ignored
// (spec.md §4.3 "recordOutcome").
func (r *Router) RecordOutcome(providerID string, success bool) {
	r.mu.RLock()
	b, ok := r.breakers[providerID]
	r.mu.RUnlock()
	if !ok {
		return
	}
	b.recordOutcome(success, time.Now())
}

// Acquire blocks until a concurrency slot for providerID is available or
// ctx is done, implementing the weighted-semaphore acquisition with the
// task's timeoutMs as deadline (spec.md §4.4 "Concurrency").
func (r *Router) Acquire(ctx context.Context, providerID string) (release func(), err error) {
	r.mu.RLock()
	sem, ok := r.sems[providerID]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown provider %q", providerID)
	}
	if err := sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return func() { sem.Release(1) }, nil
}

// Snapshot returns a diagnostic view of every provider's breaker state, for
// the /metrics endpoint.
func (r *Router) Snapshot() []models.CircuitBreakerSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.CircuitBreakerSnapshot, 0, len(r.providers))
	for _, p := range r.providers {
		out = append(out, r.breakers[p.ID].snapshot(p.ID))
	}
	return out
}
