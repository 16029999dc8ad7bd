package lifecycle

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/noncelogic/cortex-plane/internal/models"
)

func testConfig() Config {
	return Config{
		CrashWindow:          10 * time.Minute,
		CrashCooldownBase:    10 * time.Millisecond,
		CrashCooldownMax:     80 * time.Millisecond,
		IdleScaleToZeroAfter: 40 * time.Millisecond,
		HeartbeatInterval:    10 * time.Millisecond,
		MissedHeartbeatLimit: 3,
	}
}

// noopHydrator hydrates instantly with no checkpoint/identity/memory.
type noopHydrator struct{}

func (noopHydrator) LoadCheckpointAndJob(ctx context.Context, agentID int64) (*models.Job, error) {
	return nil, nil
}
func (noopHydrator) LoadAgentIdentity(ctx context.Context, agentID int64) (*models.Agent, error) {
	return nil, nil
}
func (noopHydrator) RefreshSkillIndex(ctx context.Context, agentID int64) error { return nil }
func (noopHydrator) FetchMemoryContext(ctx context.Context, agentID int64, job *models.Job, agent *models.Agent) ([]byte, error) {
	return nil, nil
}

func TestEnterExecutingBootsHydratesAndExecutes(t *testing.T) {
	m := New(testConfig(), nil, noopHydrator{})
	ctx := context.Background()

	if err := m.EnterExecuting(ctx, 1); err != nil {
		t.Fatalf("EnterExecuting: %v", err)
	}
	if got := m.State(1); got != models.StateExecuting {
		t.Fatalf("state = %s, want EXECUTING", got)
	}
	m.ReleaseExecuting(1)
	if got := m.State(1); got != models.StateReady {
		t.Fatalf("state after release = %s, want READY", got)
	}
}

func TestSteerOnlyAllowedWhileExecuting(t *testing.T) {
	m := New(testConfig(), nil, noopHydrator{})
	ctx := context.Background()

	err := m.Steer(ctx, 2, SteerMessage{AgentID: 2, Message: "hi"})
	if !errors.Is(err, ErrNotExecuting) {
		t.Fatalf("Steer before executing: err = %v, want ErrNotExecuting", err)
	}

	if err := m.EnterExecuting(ctx, 2); err != nil {
		t.Fatalf("EnterExecuting: %v", err)
	}
	defer m.ReleaseExecuting(2)

	ch, _ := m.SubscribeSteer(2)
	if err := m.Steer(ctx, 2, SteerMessage{AgentID: 2, Message: "adjust course"}); err != nil {
		t.Fatalf("Steer while executing: %v", err)
	}
	select {
	case msg := <-ch:
		if msg.Message != "adjust course" {
			t.Fatalf("steer message = %q, want %q", msg.Message, "adjust course")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for steer message")
	}
}

// TestCrashCooldownRejectsBootUntilElapsed covers the first step of scenario
// S3: one crash starts the base cooldown, boot() during it fails
// in_cooldown, and boot() succeeds once the cooldown has elapsed.
func TestCrashCooldownRejectsBootUntilElapsed(t *testing.T) {
	m := New(testConfig(), nil, noopHydrator{})
	ctx := context.Background()

	if err := m.EnterExecuting(ctx, 3); err != nil {
		t.Fatalf("initial EnterExecuting: %v", err)
	}
	m.ReleaseExecuting(3)

	m.Crash(3, "panic")
	if got := m.State(3); got != models.StateTerminated {
		t.Fatalf("state after crash = %s, want TERMINATED", got)
	}

	// Immediately retrying boot should fail: cooldown (base=10ms) hasn't elapsed.
	err := m.EnterExecuting(ctx, 3)
	if !errors.Is(err, ErrInCooldown) {
		t.Fatalf("EnterExecuting during cooldown: err = %v, want ErrInCooldown", err)
	}

	time.Sleep(15 * time.Millisecond)
	if err := m.EnterExecuting(ctx, 3); err != nil {
		t.Fatalf("EnterExecuting after cooldown elapsed: %v", err)
	}
	m.ReleaseExecuting(3)
}

func TestInvalidTransitionRejected(t *testing.T) {
	m := New(testConfig(), nil, noopHydrator{})
	ctx := context.Background()

	// Draining is only valid from READY; a freshly-created (BOOTING) agent
	// has never reached READY, so Drain must fail invalid_state.
	err := m.Drain(ctx, 4)
	if !errors.Is(err, ErrInvalidState) {
		t.Fatalf("Drain from BOOTING: err = %v, want ErrInvalidState", err)
	}
}

func TestIdleAgentScalesToZero(t *testing.T) {
	cfg := testConfig()
	m := New(cfg, nil, noopHydrator{})
	ctx := context.Background()

	if err := m.EnterExecuting(ctx, 5); err != nil {
		t.Fatalf("EnterExecuting: %v", err)
	}
	m.ReleaseExecuting(5)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if m.State(5) == models.StateTerminated {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("agent did not scale to zero after idle timeout")
}
