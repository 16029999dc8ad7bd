// Package lifecycle owns the in-memory state of every active agent and
// sequences the boot/hydrate/execute/drain operations of spec.md §4.5. Each
// agent gets its own single goroutine processing a command channel — the
// same "one event loop owns the mutable state" idiom as the teacher's
// internal/websocket.Hub.Run, narrowed from one loop for the whole server to
// one loop per agent so that no two goroutines ever race on one agent's
// state machine.
package lifecycle

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/noncelogic/cortex-plane/internal/models"
	"github.com/noncelogic/cortex-plane/internal/streammanager"
)

// ErrInvalidState is returned when a transition is attempted from a state
// that does not permit it (spec.md §4.5 "Transitions are explicit method
// calls; illegal transitions fail with invalid_state").
var ErrInvalidState = errors.New("invalid_state")

// ErrInCooldown is returned by boot-triggering calls while an agent is
// serving its crash-loop cooldown (spec.md §4.5 "Crash-loop cooldown").
var ErrInCooldown = errors.New("in_cooldown")

// ErrNotExecuting is returned by Steer when the agent is not EXECUTING
// (spec.md §4.5 "Steering").
var ErrNotExecuting = errors.New("not_executing")

// Config mirrors the lifecycle-related fields of config.AppConfig.
type Config struct {
	CrashWindow          time.Duration
	CrashCooldownBase    time.Duration
	CrashCooldownMax     time.Duration
	IdleScaleToZeroAfter time.Duration
	HeartbeatInterval    time.Duration
	MissedHeartbeatLimit int
}

// SteerMessage is delivered to every backend listener subscribed to an
// agent's steer channel (spec.md §4.5 "Steering").
type SteerMessage struct {
	AgentID  int64
	Message  string
	Priority string
	At       time.Time
}

// Hydrator performs the three parallel loads plus one dependent step of
// spec.md §4.5 "Hydration". Implementations live outside this package
// (internal/hydrator's DBHydrator in production); the manager only
// sequences the calls.
type Hydrator interface {
	LoadCheckpointAndJob(ctx context.Context, agentID int64) (*models.Job, error)
	LoadAgentIdentity(ctx context.Context, agentID int64) (*models.Agent, error)
	RefreshSkillIndex(ctx context.Context, agentID int64) error
	// FetchMemoryContext is optional: a failure is logged and hydration
	// proceeds without it.
	FetchMemoryContext(ctx context.Context, agentID int64, job *models.Job, agent *models.Agent) ([]byte, error)
}

// Manager owns every active agent's lifecycle loop.
type Manager struct {
	mu       sync.Mutex
	agents   map[int64]*agentLoop
	cfg      Config
	streams  *streammanager.Manager
	hydrator Hydrator
}

// New constructs a Manager. hydrator may be nil, in which case hydration is
// a no-op that transitions straight to READY (useful for tests and for
// agents that carry no durable checkpoint/memory state).
func New(cfg Config, streams *streammanager.Manager, hydrator Hydrator) *Manager {
	return &Manager{
		agents:   make(map[int64]*agentLoop),
		cfg:      cfg,
		streams:  streams,
		hydrator: hydrator,
	}
}

func (m *Manager) getOrCreate(agentID int64) *agentLoop {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[agentID]
	if !ok {
		a = newAgentLoop(agentID, m.cfg, m.streams, m.hydrator)
		m.agents[agentID] = a
		go a.run()
	}
	return a
}

// EnterExecuting ensures agentID is booted, hydrated, and READY, then moves
// it to EXECUTING (spec.md §4.4 step 2). Concurrent callers for the same
// agent share one EXECUTING state via an in-flight counter; the state only
// returns to READY once every caller has released.
func (m *Manager) EnterExecuting(ctx context.Context, agentID int64) error {
	a := m.getOrCreate(agentID)
	if err := a.ensureReady(ctx); err != nil {
		return err
	}
	return a.enterExecuting(ctx)
}

// ReleaseExecuting releases one EXECUTING reference, returning the agent to
// READY once the last one is released.
func (m *Manager) ReleaseExecuting(agentID int64) {
	a := m.getOrCreate(agentID)
	a.releaseExecuting()
}

// Steer delivers a steer message to every backend listener for agentID. It
// fails with ErrNotExecuting unless the agent is currently EXECUTING
// (spec.md §4.5 "Steering").
func (m *Manager) Steer(ctx context.Context, agentID int64, msg SteerMessage) error {
	a := m.getOrCreate(agentID)
	return a.steer(ctx, msg)
}

// SubscribeSteer registers a listener for agentID's steer messages, for a
// backend to poll before injecting into its next LLM turn. Call the
// returned cancel func when done listening.
func (m *Manager) SubscribeSteer(agentID int64) (ch <-chan SteerMessage, cancel func()) {
	a := m.getOrCreate(agentID)
	return a.subscribeSteer()
}

// Heartbeat resets the missed-heartbeat counter and the idle-activity timer
// for agentID (spec.md §4.5 "Heartbeats").
func (m *Manager) Heartbeat(agentID int64) {
	a := m.getOrCreate(agentID)
	a.heartbeat()
}

// Crash records a crash for agentID, transitions it to TERMINATED, and
// arms the crash-loop cooldown (spec.md §4.5 "Crash-loop cooldown").
func (m *Manager) Crash(agentID int64, reason string) {
	a := m.getOrCreate(agentID)
	a.crash(reason)
}

// Drain transitions agentID from READY to DRAINING then TERMINATED.
func (m *Manager) Drain(ctx context.Context, agentID int64) error {
	a := m.getOrCreate(agentID)
	return a.drain(ctx)
}

// State reports agentID's current lifecycle state.
func (m *Manager) State(agentID int64) models.LifecycleState {
	a := m.getOrCreate(agentID)
	return a.getState()
}

// Shutdown stops every agent loop. Call on process shutdown.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	agents := make([]*agentLoop, 0, len(m.agents))
	for _, a := range m.agents {
		agents = append(agents, a)
	}
	m.mu.Unlock()
	for _, a := range agents {
		a.stop()
	}
}

