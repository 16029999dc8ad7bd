// Package backend defines the ExecutionBackend contract (spec.md §4.6) —
// the boundary every LLM provider, local process, or echo backend must
// satisfy — and ships two concrete implementations that exercise it without
// being real LLM providers, which are explicitly out of scope (spec.md §1).
package backend

import (
	"context"
	"encoding/json"
	"time"
)

// Task is the unit of work handed to a backend by the scheduler.
type Task struct {
	JobID               int64           `json:"jobId"`
	AgentID             int64           `json:"agentId"`
	Prompt              string          `json:"prompt"`
	GoalType            string          `json:"goalType"`
	ConversationHistory json.RawMessage `json:"conversationHistory"`
	ResumePayload       json.RawMessage `json:"resumePayload,omitempty"`
	TimeoutMs           int64           `json:"timeoutMs"`
}

// OutputEventType enumerates the kinds of events an ExecutionHandle's
// stream may yield, per spec.md §4.6.
type OutputEventType string

const (
	OutputText       OutputEventType = "text"
	OutputToolCall   OutputEventType = "tool_call"
	OutputToolResult OutputEventType = "tool_result"
	OutputUsage      OutputEventType = "usage"
	OutputComplete   OutputEventType = "complete"
)

// OutputEvent is one item in an ExecutionHandle's ordered event stream.
type OutputEvent struct {
	Type      OutputEventType `json:"type"`
	Text      string          `json:"text,omitempty"`
	ToolName  string          `json:"toolName,omitempty"`
	ToolArgs  json.RawMessage `json:"toolArgs,omitempty"`
	ToolData  json.RawMessage `json:"toolData,omitempty"`
	Usage     *TokenUsage     `json:"usage,omitempty"`
	Checkpoint string         `json:"checkpoint,omitempty"`
}

// TokenUsage reports provider-side token accounting, when available.
type TokenUsage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
	TotalTokens      int `json:"totalTokens"`
}

// ResultStatus is the terminal outcome of an ExecutionHandle.
type ResultStatus string

const (
	ResultCompleted ResultStatus = "completed"
	ResultCancelled ResultStatus = "cancelled"
	ResultFailed    ResultStatus = "failed"
)

// ExecutionResult resolves after the handle's events() stream yields `complete`.
type ExecutionResult struct {
	Status ResultStatus `json:"status"`
	Stdout string       `json:"stdout"`
	Error  string       `json:"error,omitempty"`
}

// Capabilities advertises what a backend supports (spec.md §4.6 "getCapabilities").
type Capabilities struct {
	Streaming       bool     `json:"streaming"`
	FileEdit        bool     `json:"fileEdit"`
	Shell           bool     `json:"shell"`
	Cancellation    bool     `json:"cancellation"`
	MaxContextTokens int     `json:"maxContextTokens"`
	SupportedGoals  []string `json:"supportedGoals"`
}

// HealthStatus is returned by healthCheck().
type HealthStatus struct {
	Healthy   bool          `json:"healthy"`
	LatencyMs int64         `json:"latencyMs"`
	Detail    string        `json:"detail,omitempty"`
}

// ExecutionHandle is returned by executeTask; it exposes an ordered event
// stream, a result future, and cancellation.
type ExecutionHandle interface {
	// Events returns a channel of OutputEvents, strictly ordered, always
	// terminated by an OutputComplete event (or the channel closing after
	// Cancel, whichever comes first).
	Events() <-chan OutputEvent
	// Result blocks until the handle has a terminal ExecutionResult.
	Result(ctx context.Context) (ExecutionResult, error)
	// Cancel causes Events() to terminate and Result()'s status to be "cancelled".
	Cancel(reason string) error
}

// ExecutionBackend is the contract every provider — direct LLM API client,
// local process, or echo — must satisfy (spec.md §4.6). Implementations
// must not retain cross-task state and must not block the events loop.
type ExecutionBackend interface {
	Start(ctx context.Context, config json.RawMessage) error
	Stop(ctx context.Context) error
	HealthCheck(ctx context.Context) (HealthStatus, error)
	ExecuteTask(ctx context.Context, task Task) (ExecutionHandle, error)
	GetCapabilities() Capabilities
}

// DeadlineFor returns the wall-clock deadline for a task given its TimeoutMs.
func DeadlineFor(task Task) time.Duration {
	if task.TimeoutMs <= 0 {
		return 120 * time.Second
	}
	return time.Duration(task.TimeoutMs) * time.Millisecond
}
