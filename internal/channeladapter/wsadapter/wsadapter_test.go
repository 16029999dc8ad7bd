package wsadapter

import (
	"context"
	"testing"
	"time"
)

func TestSendToUnknownChatIsANoop(t *testing.T) {
	h := NewHub(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	if err := h.Send(context.Background(), "nobody-here", "hi"); err != nil {
		t.Fatalf("Send to unregistered chat returned error: %v", err)
	}
}

func TestRegisterThenSendDeliversToConnection(t *testing.T) {
	h := NewHub(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	c := &conn{chatID: "chat-1", send: make(chan []byte, 4)}
	h.register <- c

	// Give the hub loop a moment to process the registration.
	time.Sleep(10 * time.Millisecond)

	if err := h.Send(context.Background(), "chat-1", "hello"); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case msg := <-c.send:
		if len(msg) == 0 {
			t.Fatal("received empty payload")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message on registered connection")
	}
}

func TestReRegisterSameChatClosesPriorConnection(t *testing.T) {
	h := NewHub(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	first := &conn{chatID: "chat-2", send: make(chan []byte, 4)}
	h.register <- first
	time.Sleep(10 * time.Millisecond)

	second := &conn{chatID: "chat-2", send: make(chan []byte, 4)}
	h.register <- second
	time.Sleep(10 * time.Millisecond)

	select {
	case _, ok := <-first.send:
		if ok {
			t.Fatal("expected first connection's send channel to be closed, got a value instead")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for first connection's channel to close")
	}
}
