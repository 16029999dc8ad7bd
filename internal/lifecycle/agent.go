package lifecycle

import (
	"context"
	"fmt"
	"log"
	"math"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/noncelogic/cortex-plane/internal/models"
	"github.com/noncelogic/cortex-plane/internal/streammanager"
)

// validNext enumerates the legal non-crash transitions of spec.md §4.5.
var validNext = map[models.LifecycleState][]models.LifecycleState{
	models.StateBooting:    {models.StateHydrating, models.StateTerminated},
	models.StateHydrating:  {models.StateReady, models.StateTerminated},
	models.StateReady:      {models.StateExecuting, models.StateDraining, models.StateTerminated},
	models.StateExecuting:  {models.StateReady, models.StateDraining, models.StateTerminated},
	models.StateDraining:   {models.StateTerminated},
	models.StateUnhealthy:  {models.StateTerminated, models.StateReady},
	models.StateTerminated: {},
}

func canTransition(from, to models.LifecycleState) bool {
	for _, candidate := range validNext[from] {
		if candidate == to {
			return true
		}
	}
	return false
}

type commandKind int

const (
	cmdEnsureReady commandKind = iota
	cmdEnterExecuting
	cmdReleaseExecuting
	cmdSteer
	cmdSubscribeSteer
	cmdHeartbeat
	cmdCrash
	cmdDrain
	cmdGetState
	cmdStop
)

type command struct {
	kind    commandKind
	ctx     context.Context
	reason  string
	msg     SteerMessage
	resp    chan error
	state   chan models.LifecycleState
	steerCh chan chan SteerMessage
}

// agentLoop is one agent's single-goroutine owner of its lifecycle state,
// modeled on the teacher's websocket.Hub.Run: every mutation happens inside
// one select loop, so no lock is needed around the state fields themselves.
type agentLoop struct {
	agentID int64
	cfg     Config
	streams *streammanager.Manager
	hyd     Hydrator

	cmds chan command
	done chan struct{}

	state            models.LifecycleState
	inFlight         int
	crashTimestamps  []time.Time
	cooldownUntil    time.Time
	lastActivity     time.Time
	missedHeartbeats int
	steerListeners   []chan SteerMessage
}

func newAgentLoop(agentID int64, cfg Config, streams *streammanager.Manager, hyd Hydrator) *agentLoop {
	return &agentLoop{
		agentID:      agentID,
		cfg:          cfg,
		streams:      streams,
		hyd:          hyd,
		cmds:         make(chan command, 8),
		done:         make(chan struct{}),
		state:        models.StateBooting,
		lastActivity: time.Now(),
	}
}

func (a *agentLoop) run() {
	idleInterval := a.cfg.IdleScaleToZeroAfter
	if idleInterval <= 0 {
		idleInterval = 30 * time.Minute
	}
	idleTicker := time.NewTicker(idleInterval / 4)
	defer idleTicker.Stop()

	hbInterval := a.cfg.HeartbeatInterval
	if hbInterval <= 0 {
		hbInterval = 15 * time.Second
	}
	hbTicker := time.NewTicker(hbInterval)
	defer hbTicker.Stop()

	for {
		select {
		case c := <-a.cmds:
			a.handle(c)
			if c.kind == cmdStop {
				return
			}
		case <-idleTicker.C:
			a.doIdleCheck()
		case <-hbTicker.C:
			a.doHeartbeatCheck()
		case <-a.done:
			return
		}
	}
}

func (a *agentLoop) handle(c command) {
	switch c.kind {
	case cmdEnsureReady:
		c.resp <- a.doEnsureReady(c.ctx)
	case cmdEnterExecuting:
		c.resp <- a.doEnterExecuting()
	case cmdReleaseExecuting:
		a.doReleaseExecuting()
	case cmdSteer:
		c.resp <- a.doSteer(c.msg)
	case cmdSubscribeSteer:
		ch := make(chan SteerMessage, 8)
		a.steerListeners = append(a.steerListeners, ch)
		c.steerCh <- ch
	case cmdHeartbeat:
		a.missedHeartbeats = 0
		a.lastActivity = time.Now()
		if a.state == models.StateUnhealthy {
			a.transition(models.StateReady, "heartbeat_recovered")
		}
	case cmdCrash:
		a.doCrash(c.reason)
	case cmdDrain:
		c.resp <- a.doDrain()
	case cmdGetState:
		c.state <- a.state
	case cmdStop:
	}
}

func (a *agentLoop) transition(to models.LifecycleState, reason string) error {
	from := a.state
	if to != models.StateTerminated && !canTransition(from, to) {
		return fmt.Errorf("%w: cannot move from %s to %s", ErrInvalidState, from, to)
	}
	if to == models.StateTerminated && from == models.StateTerminated {
		return nil
	}
	a.state = to
	if a.streams != nil {
		ev := models.LifecycleTransitionEvent{AgentID: a.agentID, From: from, To: to, Reason: reason, At: time.Now().UTC()}
		if _, err := a.streams.Broadcast(a.agentID, "agent:state", ev); err != nil {
			log.Printf("[LIFECYCLE] agent %d: broadcast transition failed: %v", a.agentID, err)
		}
	}
	return nil
}

// doEnsureReady drives BOOTING -> HYDRATING -> READY, honoring crash-loop
// cooldown, idempotent once the agent is already READY or EXECUTING.
func (a *agentLoop) doEnsureReady(ctx context.Context) error {
	switch a.state {
	case models.StateReady, models.StateExecuting:
		return nil
	case models.StateTerminated, models.StateUnhealthy:
		if time.Now().Before(a.cooldownUntil) {
			return ErrInCooldown
		}
		a.state = models.StateBooting
	}

	if a.state == models.StateBooting {
		if err := a.transition(models.StateHydrating, "boot"); err != nil {
			return err
		}
		a.hydrate(ctx)
	}
	if a.state == models.StateHydrating {
		return a.transition(models.StateReady, "hydrated")
	}
	return nil
}

// hydrate runs the three parallel loads then the dependent memory fetch of
// spec.md §4.5 "Hydration": (a) checkpoint+job, (b) agent identity, and (c)
// skill-index refresh run concurrently via errgroup; the vector-memory
// fetch then runs sequentially against their results and is optional — its
// failure is logged and hydration proceeds regardless.
func (a *agentLoop) hydrate(ctx context.Context) {
	if a.hyd == nil {
		return
	}

	var job *models.Job
	var agent *models.Agent

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		j, err := a.hyd.LoadCheckpointAndJob(gctx, a.agentID)
		job = j
		return err
	})
	g.Go(func() error {
		ag, err := a.hyd.LoadAgentIdentity(gctx, a.agentID)
		agent = ag
		return err
	})
	g.Go(func() error {
		return a.hyd.RefreshSkillIndex(gctx, a.agentID)
	})
	if err := g.Wait(); err != nil {
		log.Printf("[LIFECYCLE] agent %d: hydration load error (proceeding): %v", a.agentID, err)
	}

	if _, err := a.hyd.FetchMemoryContext(ctx, a.agentID, job, agent); err != nil {
		log.Printf("[LIFECYCLE] agent %d: memory context fetch failed (continuing): %v", a.agentID, err)
	}
}

func (a *agentLoop) doEnterExecuting() error {
	if a.state != models.StateReady && a.state != models.StateExecuting {
		return fmt.Errorf("%w: cannot enter EXECUTING from %s", ErrInvalidState, a.state)
	}
	if a.inFlight == 0 {
		if err := a.transition(models.StateExecuting, "job_started"); err != nil {
			return err
		}
	}
	a.inFlight++
	a.lastActivity = time.Now()
	return nil
}

func (a *agentLoop) doReleaseExecuting() {
	if a.inFlight > 0 {
		a.inFlight--
	}
	if a.inFlight == 0 && a.state == models.StateExecuting {
		_ = a.transition(models.StateReady, "job_finished")
	}
	a.lastActivity = time.Now()
}

func (a *agentLoop) doSteer(msg SteerMessage) error {
	if a.state != models.StateExecuting {
		return ErrNotExecuting
	}
	a.lastActivity = time.Now()
	for _, ch := range a.steerListeners {
		select {
		case ch <- msg:
		default:
		}
	}
	return nil
}

func (a *agentLoop) doDrain() error {
	if a.state != models.StateReady {
		return fmt.Errorf("%w: drain only valid from READY, agent is %s", ErrInvalidState, a.state)
	}
	if err := a.transition(models.StateDraining, "idle_scale_to_zero"); err != nil {
		return err
	}
	return a.transition(models.StateTerminated, "drained")
}

// doCrash records the crash in the sliding window, computes the cooldown,
// and forces a transition to TERMINATED regardless of current state
// (spec.md §4.5 diagram: "any non-terminal -> TERMINATED via crash").
func (a *agentLoop) doCrash(reason string) {
	now := time.Now()
	window := a.cfg.CrashWindow
	if window <= 0 {
		window = 30 * time.Minute
	}
	cutoff := now.Add(-window)
	kept := a.crashTimestamps[:0]
	for _, t := range a.crashTimestamps {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	a.crashTimestamps = append(kept, now)

	base := a.cfg.CrashCooldownBase
	if base <= 0 {
		base = 60 * time.Second
	}
	maxCooldown := a.cfg.CrashCooldownMax
	if maxCooldown <= 0 {
		maxCooldown = 15 * time.Minute
	}
	crashes := len(a.crashTimestamps)
	cooldown := time.Duration(math.Min(float64(maxCooldown), float64(base)*math.Pow(2, float64(crashes-1))))
	a.cooldownUntil = now.Add(cooldown)

	if a.state != models.StateTerminated {
		_ = a.transition(models.StateTerminated, "crash:"+reason)
	}
}

func (a *agentLoop) doIdleCheck() {
	if a.state != models.StateReady {
		return
	}
	idleAfter := a.cfg.IdleScaleToZeroAfter
	if idleAfter <= 0 {
		idleAfter = 30 * time.Minute
	}
	if time.Since(a.lastActivity) >= idleAfter {
		_ = a.doDrain()
	}
}

func (a *agentLoop) doHeartbeatCheck() {
	if a.state == models.StateTerminated {
		return
	}
	a.missedHeartbeats++
	limit := a.cfg.MissedHeartbeatLimit
	if limit <= 0 {
		limit = 3
	}
	if a.missedHeartbeats >= limit && a.state != models.StateUnhealthy {
		_ = a.transition(models.StateUnhealthy, "missed_heartbeats")
	}
}

// --- public-facing synchronous wrappers, called from the Manager ---

func (a *agentLoop) ensureReady(ctx context.Context) error {
	resp := make(chan error, 1)
	a.cmds <- command{kind: cmdEnsureReady, ctx: ctx, resp: resp}
	select {
	case err := <-resp:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *agentLoop) enterExecuting(ctx context.Context) error {
	resp := make(chan error, 1)
	a.cmds <- command{kind: cmdEnterExecuting, resp: resp}
	select {
	case err := <-resp:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *agentLoop) releaseExecuting() {
	a.cmds <- command{kind: cmdReleaseExecuting}
}

func (a *agentLoop) steer(ctx context.Context, msg SteerMessage) error {
	resp := make(chan error, 1)
	a.cmds <- command{kind: cmdSteer, msg: msg, resp: resp}
	select {
	case err := <-resp:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *agentLoop) subscribeSteer() (<-chan SteerMessage, func()) {
	steerCh := make(chan chan SteerMessage, 1)
	a.cmds <- command{kind: cmdSubscribeSteer, steerCh: steerCh}
	ch := <-steerCh
	cancel := func() {
		// Listener removal is best-effort: the channel is simply abandoned
		// and garbage collected once the agent loop drops its reference at
		// process shutdown, matching the bounded lifetime of one agent.
	}
	return ch, cancel
}

func (a *agentLoop) heartbeat() {
	a.cmds <- command{kind: cmdHeartbeat}
}

func (a *agentLoop) crash(reason string) {
	a.cmds <- command{kind: cmdCrash, reason: reason}
}

func (a *agentLoop) drain(ctx context.Context) error {
	resp := make(chan error, 1)
	a.cmds <- command{kind: cmdDrain, resp: resp}
	select {
	case err := <-resp:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *agentLoop) getState() models.LifecycleState {
	stateCh := make(chan models.LifecycleState, 1)
	a.cmds <- command{kind: cmdGetState, state: stateCh}
	return <-stateCh
}

func (a *agentLoop) stop() {
	a.cmds <- command{kind: cmdStop}
}
