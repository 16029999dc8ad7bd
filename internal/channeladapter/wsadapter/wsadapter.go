// Package wsadapter implements a dispatch.ChannelAdapter over local
// WebSocket connections, adapted from the teacher's internal/websocket
// hub.go/client.go pair: one hub goroutine owns the connection-registry
// maps, and each connection runs its own read/write pump pair. Here a
// connection is keyed by chatID rather than user ID, since one chat
// identity may open at most one local dev session.
package wsadapter

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 30 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
	sendTimeout    = 2 * time.Second
)

// InboundHandler is called for every inbound text frame on a connection.
type InboundHandler func(ctx context.Context, chatID, text string)

// Hub owns the registry of active chat connections. Registration and
// unregistration flow through channels into a single Run loop (grounded on
// the teacher's Hub.Run); the connection map is still guarded by mu, since
// Send reads it from other goroutines.
type Hub struct {
	mu      sync.RWMutex
	conns   map[string]*conn
	onInput InboundHandler

	register   chan *conn
	unregister chan *conn
}

type conn struct {
	chatID string
	ws     *websocket.Conn
	send   chan []byte
}

// NewHub constructs a Hub. onInput is invoked for each inbound message.
func NewHub(onInput InboundHandler) *Hub {
	return &Hub{
		conns:      make(map[string]*conn),
		onInput:    onInput,
		register:   make(chan *conn),
		unregister: make(chan *conn),
	}
}

// Run is the hub's single event loop; call it as a goroutine. It blocks
// until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for _, c := range h.conns {
				close(c.send)
			}
			h.conns = make(map[string]*conn)
			h.mu.Unlock()
			return

		case c := <-h.register:
			h.mu.Lock()
			if old, ok := h.conns[c.chatID]; ok {
				close(old.send)
			}
			h.conns[c.chatID] = c
			h.mu.Unlock()

		case c := <-h.unregister:
			h.mu.Lock()
			if existing, ok := h.conns[c.chatID]; ok && existing == c {
				delete(h.conns, c.chatID)
			}
			h.mu.Unlock()
		}
	}
}

// Accept wraps an already-upgraded *websocket.Conn for chatID and starts
// its read/write pumps. The caller owns the HTTP upgrade itself (this
// package, like the teacher's, is transport-agnostic about the handshake).
func (h *Hub) Accept(ctx context.Context, chatID string, ws *websocket.Conn) {
	c := &conn{chatID: chatID, ws: ws, send: make(chan []byte, 256)}
	h.register <- c
	go h.writePump(c)
	go h.readPump(ctx, c)
}

// Send implements dispatch.ChannelAdapter: it delivers text to the
// connection currently registered for chatID, dropping the message if the
// chat has no open connection (the local dev adapter has no offline queue).
func (h *Hub) Send(ctx context.Context, chatID string, text string) error {
	h.mu.RLock()
	c, ok := h.conns[chatID]
	h.mu.RUnlock()
	if !ok {
		log.Printf("[wsadapter] no connection registered for chat %q, dropping message", chatID)
		return nil
	}

	payload, err := json.Marshal(map[string]string{"type": "message", "text": text})
	if err != nil {
		return err
	}

	select {
	case c.send <- payload:
		return nil
	case <-time.After(sendTimeout):
		log.Printf("[wsadapter] send channel full for chat %q, dropping message", chatID)
		return nil
	}
}

func (h *Hub) readPump(ctx context.Context, c *conn) {
	defer func() {
		h.unregister <- c
		c.ws.Close()
	}()
	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		if h.onInput != nil {
			h.onInput(ctx, c.chatID, string(message))
		}
	}
}

func (h *Hub) writePump(c *conn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
