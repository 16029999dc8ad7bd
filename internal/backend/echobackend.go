package backend

import (
	"context"
	"encoding/json"
	"sync"
)

// EchoBackend is an in-process reference ExecutionBackend used for tests
// and local development: it immediately echoes the task's prompt back as a
// single text event followed by complete.
type EchoBackend struct {
	mu        sync.Mutex
	healthy   bool
	injected  map[int64]string // jobID -> forced error, for failure-path tests
}

// NewEchoBackend constructs a healthy EchoBackend.
func NewEchoBackend() *EchoBackend {
	return &EchoBackend{healthy: true, injected: make(map[int64]string)}
}

// InjectFailure makes the next ExecuteTask for jobID fail with msg instead
// of echoing, for exercising the scheduler's retry/dead-letter paths.
func (b *EchoBackend) InjectFailure(jobID int64, msg string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.injected[jobID] = msg
}

func (b *EchoBackend) Start(ctx context.Context, config json.RawMessage) error { return nil }
func (b *EchoBackend) Stop(ctx context.Context) error                         { return nil }

func (b *EchoBackend) HealthCheck(ctx context.Context) (HealthStatus, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return HealthStatus{Healthy: b.healthy, LatencyMs: 1}, nil
}

// SetHealthy lets tests simulate a provider going unhealthy.
func (b *EchoBackend) SetHealthy(healthy bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.healthy = healthy
}

func (b *EchoBackend) GetCapabilities() Capabilities {
	return Capabilities{
		Streaming:        true,
		Cancellation:     true,
		MaxContextTokens: 8192,
		SupportedGoals:   []string{"research", "chat"},
	}
}

type echoHandle struct {
	events chan OutputEvent
	result ExecutionResult
	done   chan struct{}
}

func (h *echoHandle) Events() <-chan OutputEvent { return h.events }

func (h *echoHandle) Result(ctx context.Context) (ExecutionResult, error) {
	select {
	case <-h.done:
		return h.result, nil
	case <-ctx.Done():
		return ExecutionResult{}, ctx.Err()
	}
}

func (h *echoHandle) Cancel(reason string) error {
	select {
	case <-h.done:
	default:
		close(h.done)
	}
	return nil
}

// ExecuteTask echoes task.Prompt back as a single text event plus complete,
// or, if InjectFailure was called for this job, fails immediately.
func (b *EchoBackend) ExecuteTask(ctx context.Context, task Task) (ExecutionHandle, error) {
	b.mu.Lock()
	failMsg, shouldFail := b.injected[task.JobID]
	delete(b.injected, task.JobID)
	b.mu.Unlock()

	h := &echoHandle{
		events: make(chan OutputEvent, 4),
		done:   make(chan struct{}),
	}

	go func() {
		defer close(h.events)
		if shouldFail {
			h.result = ExecutionResult{Status: ResultFailed, Error: failMsg}
			close(h.done)
			return
		}

		select {
		case h.events <- OutputEvent{Type: OutputText, Text: "echo: " + task.Prompt}:
		case <-ctx.Done():
			h.result = ExecutionResult{Status: ResultCancelled}
			close(h.done)
			return
		}
		select {
		case h.events <- OutputEvent{Type: OutputComplete}:
		case <-ctx.Done():
			h.result = ExecutionResult{Status: ResultCancelled}
			close(h.done)
			return
		}
		h.result = ExecutionResult{Status: ResultCompleted, Stdout: "echo: " + task.Prompt}
		close(h.done)
	}()

	return h, nil
}

var _ ExecutionBackend = (*EchoBackend)(nil)
