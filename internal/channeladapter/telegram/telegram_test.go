package telegram

import (
	"context"
	"testing"
)

func TestNewBotWiresInboundHandler(t *testing.T) {
	var gotChatID, gotText string
	handler := func(ctx context.Context, chatID, text string) {
		gotChatID, gotText = chatID, text
	}

	b := New("test-token", handler)
	if b.onInput == nil {
		t.Fatal("onInput handler was not wired")
	}
	b.onInput(context.Background(), "12345", "hello agent")
	if gotChatID != "12345" || gotText != "hello agent" {
		t.Fatalf("handler received (%q, %q), want (%q, %q)", gotChatID, gotText, "12345", "hello agent")
	}
}
