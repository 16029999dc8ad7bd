package scheduler

import (
	"testing"
	"time"
)

func testCfg() Config {
	return Config{
		RetryBaseDelay:  time.Second,
		RetryMaxDelay:   5 * time.Minute,
		RetryMultiplier: 2.0,
	}
}

// TestJitteredDelayAlwaysPositive covers property #2: the delay is always a
// strictly positive duration, for both small and saturating attempt counts.
func TestJitteredDelayAlwaysPositive(t *testing.T) {
	cfg := testCfg()
	for attempt := 0; attempt < 20; attempt++ {
		d := jitteredDelay(cfg, attempt)
		if d <= 0 {
			t.Fatalf("attempt %d: delay = %v, want > 0", attempt, d)
		}
	}
}

// TestJitteredDelayRespectsCap checks that once multiplier^attempt exceeds
// maxDelay, the jittered result never exceeds maxDelay*1.25.
func TestJitteredDelayRespectsCap(t *testing.T) {
	cfg := testCfg()
	ceiling := time.Duration(float64(cfg.RetryMaxDelay) * 1.25)
	for attempt := 10; attempt < 30; attempt++ {
		d := jitteredDelay(cfg, attempt)
		if d > ceiling {
			t.Fatalf("attempt %d: delay = %v, want <= %v", attempt, d, ceiling)
		}
	}
}

// TestJitteredDelayMonotonicMean covers property #2's monotonic-mean
// requirement: for a<b below the cap, the average delay over many samples
// should not decrease.
func TestJitteredDelayMonotonicMean(t *testing.T) {
	cfg := testCfg()
	mean := func(attempt int) float64 {
		const samples = 500
		var total time.Duration
		for i := 0; i < samples; i++ {
			total += jitteredDelay(cfg, attempt)
		}
		return float64(total) / samples
	}

	prev := mean(0)
	for attempt := 1; attempt <= 5; attempt++ {
		cur := mean(attempt)
		if cur < prev*0.9 { // allow slack for jitter noise, not a hard cap breach
			t.Fatalf("attempt %d: mean delay %v fell below previous mean %v", attempt, cur, prev)
		}
		prev = cur
	}
}
