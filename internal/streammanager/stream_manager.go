// Package streammanager implements the per-agent SSE fan-out with replay,
// heartbeats, and backpressure draining described in spec.md §4.2. The
// shape — a manager owning per-agent state, subscribers registered by
// channel — is the same one the teacher uses for per-job job/subscriber
// broadcast in handlers/stream_manager.go, generalized to support
// replay-by-last-event-id, periodic heartbeats, and bounded pending queues,
// none of which the teacher's version needed.
package streammanager

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Event is one broadcastable SSE event.
type Event struct {
	ID      string          `json:"id"`
	AgentID int64           `json:"-"`
	Seq     int64           `json:"-"`
	Event   string          `json:"event"`
	Data    json.RawMessage `json:"data"`
}

// connState is the backpressure state of one subscriber connection.
type connState int

const (
	connOpen connState = iota
	connDraining
	connClosed
)

// subscriber is one long-lived SSE connection for an agent.
type subscriber struct {
	mu      sync.Mutex
	ch      chan Event
	pending []Event
	state   connState
	maxPend int
}

// agentStream holds the replay buffer and subscriber set for one agent.
type agentStream struct {
	mu          sync.Mutex
	monotonic   int64
	replay      []Event
	replayLimit int
	subs        map[*subscriber]struct{}
}

// Manager is the process-wide stream manager: one agentStream per agent.
type Manager struct {
	mu               sync.Mutex
	agents           map[int64]*agentStream
	replayLimit      int
	pendingLimit     int
	heartbeatEvery   time.Duration
}

// New constructs a Manager. replayLimit and pendingLimit come from
// config.AppConfig (spec.md §9's resolved Open Question on replay sizing).
func New(replayLimit, pendingLimit int, heartbeatEvery time.Duration) *Manager {
	return &Manager{
		agents:         make(map[int64]*agentStream),
		replayLimit:    replayLimit,
		pendingLimit:   pendingLimit,
		heartbeatEvery: heartbeatEvery,
	}
}

func (m *Manager) stream(agentID int64) *agentStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.agents[agentID]
	if !ok {
		s = &agentStream{
			replayLimit: m.replayLimit,
			subs:        make(map[*subscriber]struct{}),
		}
		m.agents[agentID] = s
	}
	return s
}

// Broadcast assigns the next monotonic id, appends to the replay buffer,
// and writes synchronously to every open subscriber for agentID (spec.md
// §4.2 "Fan-out contract"). It returns the published event so callers (the
// scheduler, the lifecycle manager) may log or re-emit it elsewhere.
func (m *Manager) Broadcast(agentID int64, eventName string, payload interface{}) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("failed to marshal event payload: %w", err)
	}

	s := m.stream(agentID)
	s.mu.Lock()
	s.monotonic++
	seq := s.monotonic
	ev := Event{
		ID:      fmt.Sprintf("%d:%d", agentID, seq),
		AgentID: agentID,
		Seq:     seq,
		Event:   eventName,
		Data:    data,
	}
	s.replay = append(s.replay, ev)
	if len(s.replay) > s.replayLimit {
		s.replay = s.replay[len(s.replay)-s.replayLimit:]
	}
	subs := make([]*subscriber, 0, len(s.subs))
	for sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	for _, sub := range subs {
		m.deliver(s, sub, ev)
	}
	return ev, nil
}

// deliver writes one event to one subscriber, implementing the
// draining/backpressure state machine of spec.md §4.2.
func (m *Manager) deliver(s *agentStream, sub *subscriber, ev Event) {
	sub.mu.Lock()
	defer sub.mu.Unlock()

	switch sub.state {
	case connClosed:
		return
	case connDraining:
		if len(sub.pending) >= sub.maxPend {
			sub.state = connClosed
			close(sub.ch)
			m.prune(s, sub)
			return
		}
		sub.pending = append(sub.pending, ev)
		return
	}

	select {
	case sub.ch <- ev:
	default:
		// The transport's buffer is full: enter draining and queue this
		// event as the first pending entry.
		sub.state = connDraining
		sub.pending = append(sub.pending, ev)
	}
}

func (m *Manager) prune(s *agentStream, sub *subscriber) {
	s.mu.Lock()
	delete(s.subs, sub)
	s.mu.Unlock()
}

// Subscription is the handle a connection holds for the duration of its
// lifetime; Drain must be called whenever the transport accepts a write
// again, and Close must be called when the connection ends.
type Subscription struct {
	m      *Manager
	s      *agentStream
	sub    *subscriber
}

// Events returns the channel the caller should range over to receive events.
func (sn *Subscription) Events() <-chan Event {
	return sn.sub.ch
}

// Drain flushes any pending backpressure queue in order, returning the
// connection to the open state (spec.md §4.2 "Backpressure").
func (sn *Subscription) Drain() {
	sn.sub.mu.Lock()
	defer sn.sub.mu.Unlock()
	if sn.sub.state != connDraining {
		return
	}
	for _, ev := range sn.sub.pending {
		select {
		case sn.sub.ch <- ev:
		default:
			// Still backed up; leave remaining events queued and drain again later.
			return
		}
	}
	sn.sub.pending = nil
	sn.sub.state = connOpen
}

// Close removes this subscriber from its agent's fan-out set.
func (sn *Subscription) Close() {
	sn.sub.mu.Lock()
	if sn.sub.state != connClosed {
		sn.sub.state = connClosed
		close(sn.sub.ch)
	}
	sn.sub.mu.Unlock()
	sn.m.prune(sn.s, sn.sub)
}

// Subscribe registers a new subscriber for agentID. If lastEventID is
// non-empty and present in the replay buffer, every event after it is
// handed back immediately in `replay`; otherwise the entire current buffer
// is handed back (spec.md §4.2 "Per-connection contract").
func (m *Manager) Subscribe(agentID int64, lastEventID string, bufferSize int) (*Subscription, []Event) {
	s := m.stream(agentID)

	sub := &subscriber{
		ch:      make(chan Event, bufferSize),
		state:   connOpen,
		maxPend: m.pendingLimit,
	}

	s.mu.Lock()
	replay := replaySince(s.replay, lastEventID)
	s.subs[sub] = struct{}{}
	s.mu.Unlock()

	return &Subscription{m: m, s: s, sub: sub}, replay
}

// replaySince returns every event in buf with an id strictly after
// lastEventID, in ascending order. If lastEventID is empty or not found,
// the entire buffer is returned (spec.md §4.2).
func replaySince(buf []Event, lastEventID string) []Event {
	if lastEventID == "" {
		out := make([]Event, len(buf))
		copy(out, buf)
		return out
	}
	idx := -1
	for i, e := range buf {
		if e.ID == lastEventID {
			idx = i
			break
		}
	}
	if idx == -1 {
		out := make([]Event, len(buf))
		copy(out, buf)
		return out
	}
	out := make([]Event, len(buf)-idx-1)
	copy(out, buf[idx+1:])
	return out
}

// HeartbeatInterval returns the configured per-connection heartbeat cadence.
func (m *Manager) HeartbeatInterval() time.Duration {
	return m.heartbeatEvery
}

// DisconnectAll closes every connection for agentID and clears its replay
// buffer, used at agent termination (spec.md §4.2 "Cancellation").
func (m *Manager) DisconnectAll(agentID int64) {
	m.mu.Lock()
	s, ok := m.agents[agentID]
	if ok {
		delete(m.agents, agentID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	s.mu.Lock()
	subs := make([]*subscriber, 0, len(s.subs))
	for sub := range s.subs {
		subs = append(subs, sub)
	}
	s.subs = make(map[*subscriber]struct{})
	s.replay = nil
	s.mu.Unlock()

	for _, sub := range subs {
		sub.mu.Lock()
		if sub.state != connClosed {
			sub.state = connClosed
			close(sub.ch)
		}
		sub.mu.Unlock()
	}
}

// Shutdown closes every connection in every agent stream.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	agentIDs := make([]int64, 0, len(m.agents))
	for id := range m.agents {
		agentIDs = append(agentIDs, id)
	}
	m.mu.Unlock()

	for _, id := range agentIDs {
		m.DisconnectAll(id)
	}
}
