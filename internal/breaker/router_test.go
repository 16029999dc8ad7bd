package breaker

import (
	"context"
	"testing"
	"time"

	"github.com/noncelogic/cortex-plane/internal/backend"
)

func testConfig() Config {
	return Config{
		FailureThreshold:    3,
		OpenDuration:        20 * time.Millisecond,
		HalfOpenMaxAttempts: 1,
		SuccessToClose:      1,
	}
}

func TestRoutePrefersLowestPriorityAdmissibleProvider(t *testing.T) {
	p1 := Provider{ID: "p1", Backend: backend.NewEchoBackend(), Priority: 2, Breaker: testConfig()}
	p2 := Provider{ID: "p2", Backend: backend.NewEchoBackend(), Priority: 1, Breaker: testConfig()}
	r := NewRouter([]Provider{p1, p2}, 8, nil)

	chosen, err := r.Route()
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if chosen.ID != "p2" {
		t.Fatalf("chosen.ID = %q, want p2 (lowest priority)", chosen.ID)
	}
}

func TestFailoverOnRepeatedFailuresThenRecovery(t *testing.T) {
	p1 := Provider{ID: "p1", Backend: backend.NewEchoBackend(), Priority: 1, Breaker: testConfig()}
	p2 := Provider{ID: "p2", Backend: backend.NewEchoBackend(), Priority: 2, Breaker: testConfig()}

	var events []RouteEvent
	r := NewRouter([]Provider{p1, p2}, 8, func(ev RouteEvent) { events = append(events, ev) })

	for i := 0; i < 3; i++ {
		r.RecordOutcome("p1", false)
	}

	chosen, err := r.RouteWithFailover()
	if err != nil {
		t.Fatalf("RouteWithFailover: %v", err)
	}
	if chosen.ID != "p2" {
		t.Fatalf("chosen.ID = %q, want p2 after p1 trips", chosen.ID)
	}
	foundFailover := false
	for _, ev := range events {
		if ev.Name == "route_failover" {
			foundFailover = true
		}
	}
	if !foundFailover {
		t.Fatal("expected a route_failover event")
	}

	time.Sleep(30 * time.Millisecond)
	probe, err := r.Route() // open duration elapsed: p1 goes HALF_OPEN and is admitted as the probe
	if err != nil {
		t.Fatalf("Route for half-open probe: %v", err)
	}
	if probe.ID != "p1" {
		t.Fatalf("probe.ID = %q, want p1 admitted as half-open probe", probe.ID)
	}
	r.RecordOutcome("p1", true) // half-open probe succeeds

	chosen, err = r.Route()
	if err != nil {
		t.Fatalf("Route after recovery: %v", err)
	}
	if chosen.ID != "p1" {
		t.Fatalf("chosen.ID = %q, want p1 restored", chosen.ID)
	}
}

func TestRouteExhaustedWhenAllProvidersOpen(t *testing.T) {
	p1 := Provider{ID: "p1", Backend: backend.NewEchoBackend(), Priority: 1, Breaker: testConfig()}
	r := NewRouter([]Provider{p1}, 8, nil)

	for i := 0; i < 3; i++ {
		r.RecordOutcome("p1", false)
	}

	_, err := r.Route()
	if err != ErrNoProviderAvailable {
		t.Fatalf("err = %v, want ErrNoProviderAvailable", err)
	}
}

func TestAcquireRespectsWeightedConcurrency(t *testing.T) {
	p1 := Provider{ID: "p1", Backend: backend.NewEchoBackend(), Priority: 1, Breaker: testConfig()}
	r := NewRouter([]Provider{p1}, 1, nil)

	release, err := r.Acquire(context.Background(), "p1")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := r.Acquire(ctx, "p1"); err == nil {
		t.Fatal("expected second Acquire to block until timeout with weight 1")
	}
}
