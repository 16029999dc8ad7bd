package dispatch

import (
	"context"
	"testing"

	"github.com/noncelogic/cortex-plane/internal/models"
)

type recordingAdapter struct {
	lastChatID string
	lastText   string
	err        error
}

func (a *recordingAdapter) Send(ctx context.Context, chatID, text string) error {
	a.lastChatID = chatID
	a.lastText = text
	return a.err
}

func TestCompletionTextPrefersResult(t *testing.T) {
	result := "the answer is 42"
	job := &models.Job{Status: models.JobCompleted, Result: &result}
	if got := completionText(job); got != result {
		t.Fatalf("completionText = %q, want %q", got, result)
	}
}

func TestCompletionTextFallsBackWhenResultEmpty(t *testing.T) {
	empty := ""
	job := &models.Job{Status: models.JobCompleted, Result: &empty}
	if got := completionText(job); got != jobFailedReply {
		t.Fatalf("completionText = %q, want fallback %q", got, jobFailedReply)
	}

	job = &models.Job{Status: models.JobCompleted, Result: nil}
	if got := completionText(job); got != jobFailedReply {
		t.Fatalf("completionText(nil result) = %q, want fallback %q", got, jobFailedReply)
	}
}

func TestReplyUsesRegisteredAdapter(t *testing.T) {
	tg := &recordingAdapter{}
	d := New(nil, map[string]ChannelAdapter{"telegram": tg}, Config{})

	if err := d.reply(context.Background(), "telegram", "chat-1", "hello"); err != nil {
		t.Fatalf("reply: %v", err)
	}
	if tg.lastChatID != "chat-1" || tg.lastText != "hello" {
		t.Fatalf("adapter received (%q, %q), want (%q, %q)", tg.lastChatID, tg.lastText, "chat-1", "hello")
	}
}

func TestReplyFailsForUnknownChannel(t *testing.T) {
	d := New(nil, map[string]ChannelAdapter{}, Config{})
	if err := d.reply(context.Background(), "discord", "chat-1", "hello"); err == nil {
		t.Fatal("expected an error for an unregistered channel type")
	}
}
