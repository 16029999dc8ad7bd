package handlers

import (
	"log"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/noncelogic/cortex-plane/internal/auth"
	"github.com/noncelogic/cortex-plane/internal/channeladapter/wsadapter"
)

// WebSocketHandler upgrades an HTTP request to a WebSocket connection and
// hands it to wsadapter.Hub, adapted from the teacher's handlers.WSHandler.
type WebSocketHandler struct {
	Hub         *wsadapter.Hub
	AuthService *auth.AuthService
	upgrader    websocket.Upgrader
}

// Accept handles GET /ws/{chatId}. Auth runs via the 'token' query parameter
// since browser WebSocket clients can't set an Authorization header.
func (h *WebSocketHandler) Accept(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatId")
	if chatID == "" {
		http.Error(w, "missing chat id", http.StatusBadRequest)
		return
	}

	token := r.URL.Query().Get("token")
	if token == "" || h.AuthService == nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if _, err := h.AuthService.ValidateJWT(token); err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	if h.upgrader.CheckOrigin == nil {
		h.upgrader = websocket.Upgrader{
			ReadBufferSize:  2048,
			WriteBufferSize: 2048,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if origin == "" {
					return true
				}
				_, err := url.Parse(origin)
				return err == nil
			},
		}
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("websocket upgrade failed for chat %q: %v", chatID, err)
		return
	}

	h.Hub.Accept(r.Context(), chatID, conn)
}
