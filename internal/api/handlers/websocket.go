package handlers

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	ws "github.com/bifrosthq/bifrost/internal/api/websocket"
)

// WebSocketHandler upgrades update-stream connections. Knowing an execution
// id is the capability to watch it; ids are unguessable and the stream only
// replays what the log endpoints already serve.
type WebSocketHandler struct {
	hub            *ws.Hub
	allowedOrigins []string
	upgrader       websocket.Upgrader
}

func NewWebSocketHandler(hub *ws.Hub, allowedOrigins []string) *WebSocketHandler {
	// "*" anywhere in the list means the origin gate is off.
	for _, origin := range allowedOrigins {
		if origin == "*" {
			allowedOrigins = nil
			break
		}
	}

	h := &WebSocketHandler{
		hub:            hub,
		allowedOrigins: allowedOrigins,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *WebSocketHandler) checkOrigin(r *http.Request) bool {
	if len(h.allowedOrigins) == 0 {
		return true
	}

	origin := r.Header.Get("Origin")
	if origin == "" {
		// Same-origin clients omit the header.
		return true
	}

	parsedOrigin, err := url.Parse(origin)
	if err != nil {
		log.Warn().Str("origin", origin).Msg("Invalid origin URL")
		return false
	}

	originHost := parsedOrigin.Host
	for _, allowed := range h.allowedOrigins {
		if allowed == origin || allowed == originHost {
			return true
		}
		if strings.HasPrefix(allowed, "*.") {
			domain := allowed[2:]
			if strings.HasSuffix(originHost, "."+domain) || originHost == domain {
				return true
			}
		}
	}

	log.Warn().Str("origin", origin).Strs("allowed", h.allowedOrigins).Msg("WebSocket origin not allowed")
	return false
}

func (h *WebSocketHandler) HandleConnection(w http.ResponseWriter, r *http.Request) {
	var initial *uuid.UUID
	if raw := r.URL.Query().Get("execution_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			http.Error(w, "invalid execution_id", http.StatusBadRequest)
			return
		}
		initial = &id
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	client := ws.NewClient(h.hub, conn)
	h.hub.Register(client)
	if initial != nil {
		h.hub.Subscribe(client, *initial)
	}

	go client.WritePump()
	go client.ReadPump()
}
