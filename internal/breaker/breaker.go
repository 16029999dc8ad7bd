// Package breaker implements the three-state circuit breaker and
// priority-ordered provider router of spec.md §4.3, generalized from the
// two-state (open/closed) breaker in the wider corpus's resilient LLM
// client into the CLOSED/OPEN/HALF_OPEN machine with half-open probe
// counting that spec.md requires.
package breaker

import (
	"sync"
	"time"

	"github.com/noncelogic/cortex-plane/internal/classify"
	"github.com/noncelogic/cortex-plane/internal/models"
)

// Config tunes one provider's breaker.
type Config struct {
	FailureThreshold    int
	OpenDuration        time.Duration
	HalfOpenMaxAttempts int
	SuccessToClose      int
}

// breaker is one provider's circuit-breaker state machine.
type breaker struct {
	mu               sync.Mutex
	cfg              Config
	state            models.BreakerState
	failures         int
	successesInHalf  int
	halfOpenInFlight int
	openedAt         time.Time
}

func newBreaker(cfg Config) *breaker {
	return &breaker{cfg: cfg, state: models.BreakerClosed}
}

// allow reports whether a call may proceed, transitioning OPEN→HALF_OPEN
// when the open duration has elapsed. It also reserves a half-open probe
// slot when applicable, since admission and probe-counting are the same
// atomic decision.
func (b *breaker) allow(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case models.BreakerClosed:
		return true
	case models.BreakerOpen:
		if now.Before(b.openedAt.Add(b.cfg.OpenDuration)) {
			return false
		}
		b.state = models.BreakerHalfOpen
		b.halfOpenInFlight = 0
		b.successesInHalf = 0
		fallthrough
	case models.BreakerHalfOpen:
		if b.halfOpenInFlight >= b.cfg.HalfOpenMaxAttempts {
			return false
		}
		b.halfOpenInFlight++
		return true
	}
	return false
}

// recordOutcome records a probe/call outcome against this provider's breaker.
func (b *breaker) recordOutcome(success bool, now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case models.BreakerClosed:
		if success {
			b.failures = 0
			return
		}
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.state = models.BreakerOpen
			b.openedAt = now
			b.failures = 0
		}
	case models.BreakerHalfOpen:
		b.halfOpenInFlight--
		if b.halfOpenInFlight < 0 {
			b.halfOpenInFlight = 0
		}
		if !success {
			b.state = models.BreakerOpen
			b.openedAt = now
			b.successesInHalf = 0
			return
		}
		b.successesInHalf++
		if b.successesInHalf >= b.cfg.SuccessToClose {
			b.state = models.BreakerClosed
			b.failures = 0
			b.successesInHalf = 0
		}
	case models.BreakerOpen:
		// A late outcome for a call admitted just before the breaker
		// tripped; nothing to do, the clock already reset on transition.
	}
}

func (b *breaker) snapshot(providerID string) models.CircuitBreakerSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	snap := models.CircuitBreakerSnapshot{
		ProviderID:       providerID,
		State:            b.state,
		Failures:         b.failures,
		HalfOpenInFlight: b.halfOpenInFlight,
	}
	if !b.openedAt.IsZero() {
		t := b.openedAt
		snap.OpenedAt = &t
	}
	return snap
}

// RecordOutcomeFromError classifies err (nil means success) and reports
// whether the classification counts toward the breaker, per spec.md §4.3
// "Outcome classification".
func RecordOutcomeFromError(err error) (category classify.Category, counts bool) {
	if err == nil {
		return "", true
	}
	cat := classify.FromError(err)
	return cat, cat.CountsTowardBreaker()
}
