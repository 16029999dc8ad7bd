package streammanager

import (
	"testing"
	"time"
)

func TestReplaySinceReturnsEventsAfterLastID(t *testing.T) {
	m := New(256, 256, 30*time.Second)

	for i := 0; i < 5; i++ {
		if _, err := m.Broadcast(1, "text", map[string]int{"n": i}); err != nil {
			t.Fatalf("Broadcast: %v", err)
		}
	}

	sub, backlog := m.Subscribe(1, "1:2", 16)
	defer sub.Close()

	if len(backlog) != 3 {
		t.Fatalf("len(backlog) = %d, want 3", len(backlog))
	}
	want := []string{"1:3", "1:4", "1:5"}
	for i, ev := range backlog {
		if ev.ID != want[i] {
			t.Fatalf("backlog[%d].ID = %q, want %q", i, ev.ID, want[i])
		}
	}
}

func TestSubscribeWithNoLastEventIDReplaysEverything(t *testing.T) {
	m := New(256, 256, 30*time.Second)
	for i := 0; i < 3; i++ {
		if _, err := m.Broadcast(7, "text", i); err != nil {
			t.Fatalf("Broadcast: %v", err)
		}
	}
	sub, backlog := m.Subscribe(7, "", 16)
	defer sub.Close()
	if len(backlog) != 3 {
		t.Fatalf("len(backlog) = %d, want 3", len(backlog))
	}
}

func TestBroadcastDeliversInOrderToLiveSubscriber(t *testing.T) {
	m := New(256, 256, 30*time.Second)
	sub, backlog := m.Subscribe(3, "", 16)
	defer sub.Close()
	if len(backlog) != 0 {
		t.Fatalf("expected empty backlog, got %d", len(backlog))
	}

	for i := 0; i < 3; i++ {
		if _, err := m.Broadcast(3, "text", i); err != nil {
			t.Fatalf("Broadcast: %v", err)
		}
	}

	for i := 0; i < 3; i++ {
		select {
		case ev := <-sub.Events():
			want := "3:" + string(rune('1'+i))
			if ev.ID != want {
				t.Fatalf("ev.ID = %q, want %q", ev.ID, want)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event")
		}
	}
}

func TestDisconnectAllClosesSubscribersAndClearsReplay(t *testing.T) {
	m := New(256, 256, 30*time.Second)
	sub, _ := m.Subscribe(9, "", 16)
	if _, err := m.Broadcast(9, "text", 1); err != nil {
		t.Fatalf("Broadcast: %v", err)
	}

	m.DisconnectAll(9)

	// The event broadcast before the disconnect is still buffered in the
	// channel, so it is received before the close is observed.
	select {
	case ev, ok := <-sub.Events():
		if !ok || ev.ID != "9:1" {
			t.Fatalf("first receive = %+v (ok=%v), want buffered event 9:1", ev, ok)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for buffered event")
	}

	select {
	case _, ok := <-sub.Events():
		if ok {
			t.Fatal("expected channel to be closed")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for channel close")
	}

	_, backlog := m.Subscribe(9, "", 16)
	if len(backlog) != 0 {
		t.Fatalf("expected cleared replay buffer, got %d events", len(backlog))
	}
}
