package streammanager

import (
	"fmt"
	"net/http"
	"strings"
	"time"
)

// ServeSSE writes SSE headers, replays backlog per Last-Event-ID, and then
// streams live events until the client disconnects. It implements the wire
// format and per-connection contract of spec.md §4.2 and §6.
func (m *Manager) ServeSSE(w http.ResponseWriter, r *http.Request, agentID int64) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return fmt.Errorf("streaming unsupported by response writer")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	lastEventID := r.Header.Get("Last-Event-ID")
	if lastEventID == "" {
		lastEventID = r.URL.Query().Get("lastEventId")
	}

	sub, backlog := m.Subscribe(agentID, lastEventID, m.pendingLimit)
	defer sub.Close()

	for _, ev := range backlog {
		if err := writeSSE(w, ev); err != nil {
			return err
		}
	}
	flusher.Flush()

	heartbeat := time.NewTicker(m.HeartbeatInterval())
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return nil
		case ev, ok := <-sub.Events():
			if !ok {
				return nil
			}
			if err := writeSSE(w, ev); err != nil {
				return err
			}
			flusher.Flush()
			sub.Drain()
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ":heartbeat\n\n"); err != nil {
				return err
			}
			flusher.Flush()
		}
	}
}

// writeSSE writes one event in standard SSE framing: id:, event:, one
// data: line per line of payload, terminated by a blank line.
func writeSSE(w http.ResponseWriter, ev Event) error {
	if _, err := fmt.Fprintf(w, "id:%s\n", ev.ID); err != nil {
		return err
	}
	if ev.Event != "" {
		if _, err := fmt.Fprintf(w, "event:%s\n", ev.Event); err != nil {
			return err
		}
	}
	for _, line := range strings.Split(string(ev.Data), "\n") {
		if _, err := fmt.Fprintf(w, "data:%s\n", line); err != nil {
			return err
		}
	}
	_, err := fmt.Fprint(w, "\n")
	return err
}
