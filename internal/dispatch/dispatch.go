// Package dispatch implements spec.md §4.8 Message Dispatch: it connects an
// inbound chat message to an agent job and relays the reply back to the
// originating channel, grounded on the teacher's chat-handler shape
// (create job, poll for completion, respond) adapted from "one synchronous
// HTTP request" to "one asynchronous inbound channel message".
package dispatch

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/noncelogic/cortex-plane/internal/database"
	"github.com/noncelogic/cortex-plane/internal/models"
)

// noAgentAssignedReply is the fixed reply sent when no binding resolves a
// channel identity to an agent (spec.md §4.8 step 1).
const noAgentAssignedReply = "No agent is assigned to this chat yet. Ask an operator to connect one."

// jobFailedReply is the fixed reply sent when a dispatched job ends in any
// terminal status other than COMPLETED (spec.md §4.8 step 6); completionText
// also falls back to it when a COMPLETED job has no result.
const jobFailedReply = "Something went wrong processing that message. Please try again."

// RoutedMessage is one inbound message from a chat channel, already
// stripped of transport-specific envelope fields by the ChannelAdapter that
// received it.
type RoutedMessage struct {
	ChannelType string
	ChatID      string
	Text        string
}

// ChannelAdapter is the contract a concrete chat transport (Telegram,
// local WebSocket, …) implements so the dispatcher never depends on any one
// transport (spec.md §6).
type ChannelAdapter interface {
	// Send delivers text back to the chat identified by chatID on this
	// adapter's channel.
	Send(ctx context.Context, chatID string, text string) error
}

// Config mirrors the dispatch-related fields of config.AppConfig.
type Config struct {
	MaxHistoryMessages int
	DispatchPollEvery  time.Duration
	DispatchPollFor    time.Duration
}

// Dispatcher wires inbound channel messages to jobs and relays completions.
type Dispatcher struct {
	db       *database.DB
	adapters map[string]ChannelAdapter
	cfg      Config
}

// New constructs a Dispatcher. adapters maps a channelType (e.g. "telegram",
// "ws") to the ChannelAdapter responsible for sending replies on it.
func New(db *database.DB, adapters map[string]ChannelAdapter, cfg Config) *Dispatcher {
	return &Dispatcher{db: db, adapters: adapters, cfg: cfg}
}

// Handle implements the full spec.md §4.8 algorithm for one inbound
// message: resolve binding, find-or-create session, append the user
// message, load history, create the job, and spawn the background
// completion poll. It returns once the job is enqueued; the poll and reply
// happen asynchronously.
func (d *Dispatcher) Handle(ctx context.Context, msg RoutedMessage) error {
	binding, err := d.db.FindBinding(msg.ChannelType, msg.ChatID)
	if err != nil {
		if database.IsNoRows(err) {
			return d.reply(ctx, msg.ChannelType, msg.ChatID, noAgentAssignedReply)
		}
		return fmt.Errorf("failed to resolve channel binding: %w", err)
	}

	channelID := msg.ChannelType + ":" + msg.ChatID
	session, err := d.db.FindOrCreateActiveSession(binding.AgentID, binding.UserAccountID, channelID)
	if err != nil {
		return fmt.Errorf("failed to find or create session: %w", err)
	}

	userMsg, err := d.db.AppendSessionMessage(session.ID, models.RoleUser, msg.Text)
	if err != nil {
		return fmt.Errorf("failed to append user message: %w", err)
	}

	maxHistory := d.cfg.MaxHistoryMessages
	if maxHistory <= 0 {
		maxHistory = 50
	}
	history, err := d.db.RecentHistory(session.ID, maxHistory, userMsg.ID)
	if err != nil {
		return fmt.Errorf("failed to load conversation history: %w", err)
	}

	payload := models.JobPayload{
		Type:                "CHAT_RESPONSE",
		Prompt:              msg.Text,
		GoalType:            "research",
		ConversationHistory: history,
	}
	job, err := d.db.CreateJob(binding.AgentID, session.ID, payload, models.PriorityNormal, 3, 120)
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}

	go d.pollCompletion(msg.ChannelType, msg.ChatID, session.ID, job.ID)
	return nil
}

// pollCompletion implements spec.md §4.8 step 6: poll the job at a fixed
// interval up to a fixed cap, then relay the outcome back to the channel.
func (d *Dispatcher) pollCompletion(channelType, chatID string, sessionID, jobID int64) {
	every := d.cfg.DispatchPollEvery
	if every <= 0 {
		every = 2 * time.Second
	}
	deadline := time.Now().Add(d.cfg.DispatchPollFor)
	if d.cfg.DispatchPollFor <= 0 {
		deadline = time.Now().Add(120 * time.Second)
	}

	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		job, err := d.db.GetJob(jobID)
		if err != nil {
			log.Printf("[DISPATCH] failed to poll job %d: %v", jobID, err)
			return
		}
		if job.Status.IsTerminal() {
			d.relayCompletion(channelType, chatID, sessionID, job)
			return
		}
		if time.Now().After(deadline) {
			log.Printf("[DISPATCH] job %d did not complete within the poll window", jobID)
			return
		}
		<-ticker.C
	}
}

func (d *Dispatcher) relayCompletion(channelType, chatID string, sessionID int64, job *models.Job) {
	ctx := context.Background()

	if job.Status != models.JobCompleted {
		if _, err := d.db.AppendSessionMessage(sessionID, models.RoleAssistant, jobFailedReply); err != nil {
			log.Printf("[DISPATCH] failed to append failure message for job %d: %v", job.ID, err)
		}
		if err := d.reply(ctx, channelType, chatID, jobFailedReply); err != nil {
			log.Printf("[DISPATCH] failed to relay failure reply for job %d: %v", job.ID, err)
		}
		return
	}

	text := completionText(job)
	if _, err := d.db.AppendSessionMessage(sessionID, models.RoleAssistant, text); err != nil {
		log.Printf("[DISPATCH] failed to append completion message for job %d: %v", job.ID, err)
	}
	if err := d.reply(ctx, channelType, chatID, text); err != nil {
		log.Printf("[DISPATCH] failed to relay completion reply for job %d: %v", job.ID, err)
	}
}

// completionText picks the text relayed back to the channel for a
// COMPLETED job: the job's result, falling back to the fixed failure
// string if the backend completed without producing one.
func completionText(job *models.Job) string {
	if job.Result != nil && *job.Result != "" {
		return *job.Result
	}
	return jobFailedReply
}

func (d *Dispatcher) reply(ctx context.Context, channelType, chatID, text string) error {
	adapter, ok := d.adapters[channelType]
	if !ok {
		return fmt.Errorf("no channel adapter registered for channel type %q", channelType)
	}
	return adapter.Send(ctx, chatID, text)
}
