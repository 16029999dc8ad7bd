package scheduler

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

var (
	rngMu sync.Mutex
	rng   = rand.New(rand.NewSource(time.Now().UnixNano()))
)

// jitteredDelay implements spec.md §4.4's retry schedule exactly:
// delay = min(maxDelay, base*multiplier^attempt) * jitter, jitter uniform
// in [0.75, 1.25]. The result is always strictly positive.
func jitteredDelay(cfg Config, attempt int) time.Duration {
	base := cfg.RetryBaseDelay
	if base <= 0 {
		base = time.Second
	}
	multiplier := cfg.RetryMultiplier
	if multiplier <= 0 {
		multiplier = 2.0
	}
	maxDelay := cfg.RetryMaxDelay
	if maxDelay <= 0 {
		maxDelay = 5 * time.Minute
	}

	raw := float64(base) * math.Pow(multiplier, float64(attempt))
	capped := math.Min(raw, float64(maxDelay))

	rngMu.Lock()
	jitter := 0.75 + rng.Float64()*0.5
	rngMu.Unlock()

	delay := time.Duration(capped * jitter)
	if delay <= 0 {
		delay = time.Millisecond
	}
	return delay
}
