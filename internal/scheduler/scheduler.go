// Package scheduler implements the lease loop, per-job execution pipeline,
// retry schedule, and terminal promotions of spec.md §4.4. Workers are plain
// goroutines drawing from a ticker-driven poll loop, the same idiom the
// teacher uses for its background cleanup/keep-alive routines in
// cmd/api/main.go, generalized here into a worker pool that leases rows via
// internal/database.ClaimNextJob instead of a single ticker callback.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/noncelogic/cortex-plane/internal/backend"
	"github.com/noncelogic/cortex-plane/internal/breaker"
	"github.com/noncelogic/cortex-plane/internal/classify"
	"github.com/noncelogic/cortex-plane/internal/database"
	"github.com/noncelogic/cortex-plane/internal/metrics"
	"github.com/noncelogic/cortex-plane/internal/models"
	"github.com/noncelogic/cortex-plane/internal/sessionbuffer"
	"github.com/noncelogic/cortex-plane/internal/streammanager"
)

// LifecycleController is the subset of internal/lifecycle the scheduler
// depends on to bring an agent to EXECUTING before routing a task and to
// release it afterward (spec.md §4.4 step 2, §4.5).
type LifecycleController interface {
	EnterExecuting(ctx context.Context, agentID int64) error
	ReleaseExecuting(agentID int64)
}

// ApprovalGate is the subset of internal/approval the scheduler depends on
// to suspend a job when an OutputEvent trips an approval-gate trigger
// (spec.md §4.4 step 4c, §4.7). A true return means the gate already called
// WaitForApproval and created the request; the scheduler must stop driving
// the job without marking it complete or failed.
type ApprovalGate interface {
	MaybeRequestApproval(ctx context.Context, job *models.Job, ev backend.OutputEvent) (bool, error)
}

// Archiver is the subset of internal/storage.ArchiveService the scheduler
// depends on to ship a job's session buffer to cold storage once it reaches
// a terminal status (spec.md §4.1, §4.4).
type Archiver interface {
	ArchiveSessionFile(ctx context.Context, jobID string, fileName string, data []byte) error
}

// Config bounds the scheduler's worker pool and retry schedule (spec.md §4.4).
type Config struct {
	WorkerCount      int
	PollInterval     time.Duration
	RetryBaseDelay   time.Duration
	RetryMaxDelay    time.Duration
	RetryMultiplier  float64
	SessionBufferDir string
}

// Scheduler drives jobs from claim to terminal status.
type Scheduler struct {
	db        *database.DB
	router    *breaker.Router
	streams   *streammanager.Manager
	lifecycle LifecycleController
	approvals ApprovalGate
	archiver  Archiver
	cfg       Config
}

// New constructs a Scheduler. approvals may be nil if the approval gate is
// not wired (e.g. in tests exercising only the happy path). archiver may
// also be nil, in which case terminal jobs' session buffers are left on
// local disk only.
func New(db *database.DB, router *breaker.Router, streams *streammanager.Manager, lifecycle LifecycleController, approvals ApprovalGate, archiver Archiver, cfg Config) *Scheduler {
	return &Scheduler{db: db, router: router, streams: streams, lifecycle: lifecycle, approvals: approvals, archiver: archiver, cfg: cfg}
}

// Run starts cfg.WorkerCount poll loops and blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	done := make(chan struct{})
	remaining := s.cfg.WorkerCount
	if remaining <= 0 {
		remaining = 1
	}
	for i := 0; i < remaining; i++ {
		workerID := fmt.Sprintf("scheduler-worker-%d", i)
		go func(id string) {
			s.workerLoop(ctx, id)
			done <- struct{}{}
		}(workerID)
	}
	for i := 0; i < remaining; i++ {
		<-done
	}
}

func (s *Scheduler) workerLoop(ctx context.Context, workerID string) {
	interval := s.cfg.PollInterval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.pollOnce(ctx, workerID)
		}
	}
}

// pollOnce claims at most one job and drives it to completion or a retry
// schedule; it never blocks the worker's ticker on another worker's lease.
func (s *Scheduler) pollOnce(ctx context.Context, workerID string) {
	job, err := s.db.ClaimNextJob(workerID)
	if err != nil {
		if database.IsNoRows(err) {
			return
		}
		log.Printf("[SCHEDULER] %s: claim error: %v", workerID, err)
		return
	}
	s.executeJob(ctx, job, workerID)
}

// executeJob implements the per-job pipeline of spec.md §4.4 steps 1-6.
func (s *Scheduler) executeJob(ctx context.Context, job *models.Job, workerID string) {
	var payload models.JobPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		s.failTerminal(ctx, job, nil, models.JobFailed, fmt.Sprintf("malformed job payload: %v", err))
		return
	}

	if job.TimeoutSecs > 0 {
		deadline := job.CreatedAt.Add(time.Duration(job.TimeoutSecs) * time.Second)
		if time.Now().After(deadline) {
			s.failTerminal(ctx, job, nil, models.JobTimedOut, "job exceeded timeoutSeconds before a worker could claim it")
			return
		}
	}

	// Step 1: recover buffer state; a checkpoint whose CRC no longer matches
	// indicates corruption the job cannot safely resume from.
	rec, err := sessionbuffer.Recover(s.cfg.SessionBufferDir, job.ID)
	if err != nil {
		log.Printf("[SCHEDULER] %s: job %d recover error (continuing with fresh buffer): %v", workerID, job.ID, err)
	}
	if job.Checkpoint != nil && job.CheckpointCRC != nil {
		if sessionbuffer.CheckpointCRC(*job.Checkpoint) != *job.CheckpointCRC {
			s.failTerminal(ctx, job, nil, models.JobDeadLetter, "checkpoint CRC mismatch on resume")
			return
		}
	}
	_ = rec

	buf, err := sessionbuffer.Open(s.cfg.SessionBufferDir, job.ID, job.SessionID, job.AgentID)
	if err != nil {
		s.retryOrFailWithBuffer(ctx, job, nil, classify.Transient, fmt.Sprintf("failed to open session buffer: %v", err))
		return
	}
	defer buf.Close()

	if startData, err := json.Marshal(payload); err == nil {
		_, _ = buf.Append(models.EventSessionStart, startData)
	}

	// Step 2: bring the agent to EXECUTING.
	if s.lifecycle != nil {
		if err := s.lifecycle.EnterExecuting(ctx, job.AgentID); err != nil {
			s.retryOrFailWithBuffer(ctx, job, buf, classify.Transient, fmt.Sprintf("lifecycle transition to EXECUTING failed: %v", err))
			return
		}
		defer s.lifecycle.ReleaseExecuting(job.AgentID)
	}

	// Step 3: route through the provider router.
	provider, err := s.router.RouteWithFailover()
	if err != nil {
		s.retryOrFailWithBuffer(ctx, job, buf, classify.Resource, "no_provider_available")
		return
	}

	timeout := time.Duration(job.TimeoutSecs) * time.Second
	if timeout <= 0 {
		timeout = backend.DeadlineFor(backend.Task{})
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	release, err := s.router.Acquire(execCtx, provider.ID)
	if err != nil {
		s.retryOrFailWithBuffer(execCtx, job, buf, classify.Resource, fmt.Sprintf("provider concurrency acquire failed: %v", err))
		return
	}
	defer release()

	historyJSON, _ := json.Marshal(payload.ConversationHistory)
	task := backend.Task{
		JobID:               job.ID,
		AgentID:             job.AgentID,
		Prompt:              payload.Prompt,
		GoalType:            payload.GoalType,
		ConversationHistory: historyJSON,
		ResumePayload:       payload.ResumePayload,
		TimeoutMs:           timeout.Milliseconds(),
	}

	handle, err := provider.Backend.ExecuteTask(execCtx, task)
	if err != nil {
		s.router.RecordOutcome(provider.ID, false)
		s.retryOrFailWithBuffer(execCtx, job, buf, classify.FromError(err), err.Error())
		return
	}

	// Step 4: drain the ordered event stream.
	suspended := false
eventLoop:
	for ev := range handle.Events() {
		s.recordEvent(buf, job, ev)

		if ev.Checkpoint != "" {
			crc := sessionbuffer.CheckpointCRC(ev.Checkpoint)
			if err := s.db.SetCheckpoint(job.ID, ev.Checkpoint, crc); err != nil {
				log.Printf("[SCHEDULER] %s: job %d checkpoint persist failed: %v", workerID, job.ID, err)
			}
		}

		if s.approvals != nil {
			triggered, err := s.approvals.MaybeRequestApproval(execCtx, job, ev)
			if err != nil {
				log.Printf("[SCHEDULER] %s: job %d approval-gate check failed: %v", workerID, job.ID, err)
			}
			if triggered {
				suspended = true
				_ = handle.Cancel("awaiting_approval")
				break eventLoop
			}
		}
	}

	if suspended {
		return
	}

	result, err := handle.Result(execCtx)
	if err != nil {
		s.router.RecordOutcome(provider.ID, false)
		category := classify.FromError(err)
		s.retryOrFailWithBuffer(execCtx, job, buf, category, err.Error())
		return
	}

	switch result.Status {
	case backend.ResultCompleted:
		s.router.RecordOutcome(provider.ID, true)
		if _, err := buf.Append(models.EventComplete, mustMarshal(result)); err != nil {
			log.Printf("[SCHEDULER] %s: job %d failed to append complete event: %v", workerID, job.ID, err)
		}
		if err := s.db.CompleteJob(job.ID, result.Stdout); err != nil {
			log.Printf("[SCHEDULER] %s: job %d CompleteJob failed: %v", workerID, job.ID, err)
		}
		metrics.JobsTotal.WithLabelValues(string(models.JobCompleted)).Inc()
		metrics.JobDuration.WithLabelValues(string(models.JobCompleted)).Observe(time.Since(job.CreatedAt).Seconds())
		s.archiveBuffer(ctx, job, buf)
		s.broadcast(job.AgentID, "job_completed", map[string]interface{}{"jobId": job.ID, "status": result.Status})
	case backend.ResultCancelled:
		// Cancellation outside the approval path (e.g. ctx deadline) is treated
		// as a timeout for retry purposes.
		s.router.RecordOutcome(provider.ID, false)
		s.retryOrFailWithBuffer(execCtx, job, buf, classify.Timeout, "execution cancelled")
	default:
		s.router.RecordOutcome(provider.ID, false)
		category := classify.FromError(fmt.Errorf("%s", result.Error))
		s.retryOrFailWithBuffer(execCtx, job, buf, category, result.Error)
	}
}

func (s *Scheduler) recordEvent(buf *sessionbuffer.Buffer, job *models.Job, ev backend.OutputEvent) {
	data := mustMarshal(ev)
	eventType := mapOutputEventType(ev.Type)
	if _, err := buf.Append(eventType, data); err != nil {
		log.Printf("[SCHEDULER] job %d failed to append session event: %v", job.ID, err)
	}
	s.broadcast(job.AgentID, "job_event", ev)
}

func (s *Scheduler) broadcast(agentID int64, name string, payload interface{}) {
	if s.streams == nil {
		return
	}
	if _, err := s.streams.Broadcast(agentID, name, payload); err != nil {
		log.Printf("[SCHEDULER] broadcast %q for agent %d failed: %v", name, agentID, err)
	}
}

func mapOutputEventType(t backend.OutputEventType) models.SessionEventType {
	switch t {
	case backend.OutputToolCall:
		return models.EventToolCall
	case backend.OutputToolResult:
		return models.EventToolResult
	case backend.OutputComplete:
		return models.EventComplete
	default:
		return models.EventLLMResponse
	}
}

// retryOrFailWithBuffer applies spec.md §4.4's terminal-promotion rules:
// PERMANENT fails immediately, exhausted attempts dead-letter, everything
// else gets a jittered exponential retry. buf may be nil when the job
// failed before its session buffer was opened.
func (s *Scheduler) retryOrFailWithBuffer(ctx context.Context, job *models.Job, buf *sessionbuffer.Buffer, category classify.Category, lastError string) {
	if !category.Retryable() {
		s.failTerminal(ctx, job, buf, models.JobFailed, lastError)
		return
	}
	if job.Attempt >= job.MaxAttempts {
		s.failTerminal(ctx, job, buf, models.JobDeadLetter, lastError)
		return
	}
	delay := jitteredDelay(s.cfg, job.Attempt)
	if err := s.db.RetryJob(job.ID, lastError, time.Now().Add(delay)); err != nil {
		log.Printf("[SCHEDULER] job %d RetryJob failed: %v", job.ID, err)
	}
}

func (s *Scheduler) failTerminal(ctx context.Context, job *models.Job, buf *sessionbuffer.Buffer, status models.JobStatus, lastError string) {
	if err := s.db.FailJob(job.ID, status, lastError); err != nil {
		log.Printf("[SCHEDULER] job %d FailJob(%s) failed: %v", job.ID, status, err)
	}
	metrics.JobsTotal.WithLabelValues(string(status)).Inc()
	metrics.JobDuration.WithLabelValues(string(status)).Observe(time.Since(job.CreatedAt).Seconds())
	if buf != nil {
		s.archiveBuffer(ctx, job, buf)
	}
}

// archiveBuffer ships the job's current session file to cold storage once
// it reaches a terminal status (spec.md §4.1 "Checkpoint semantics"). It is
// a best-effort step: archival failures are logged, never retried, and
// never change the job's terminal status.
func (s *Scheduler) archiveBuffer(ctx context.Context, job *models.Job, buf *sessionbuffer.Buffer) {
	if s.archiver == nil {
		return
	}
	path := filepath.Join(s.cfg.SessionBufferDir, strconv.FormatInt(job.ID, 10), buf.CurrentFileName())
	data, err := os.ReadFile(path)
	if err != nil {
		log.Printf("[SCHEDULER] job %d: failed to read session file %q for archival: %v", job.ID, path, err)
		return
	}
	if err := s.archiver.ArchiveSessionFile(ctx, strconv.FormatInt(job.ID, 10), buf.CurrentFileName(), data); err != nil {
		log.Printf("[SCHEDULER] job %d: archival failed: %v", job.ID, err)
	}
}

func mustMarshal(v interface{}) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return data
}
