package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Radot1/POSPal-sub001/internal/license"
)

// Message types pushed to the POS UI.
const (
	TypeConnection    = "connection"
	TypeLicenseState  = "license:state"
	TypeLicenseChange = "license:change"
)

// Message is the envelope for every hub broadcast.
type Message struct {
	Type      string      `json:"type"`
	Payload   interface{} `json:"payload,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// Hub maintains the set of connected UI clients and pushes license state
// transitions to them, so the grace-period warning banner updates without
// polling.
type Hub struct {
	clients   map[*websocket.Conn]bool
	mu        sync.RWMutex
	logger    *slog.Logger
	upgrader  websocket.Upgrader
	lastState license.Resolution
	hasState  bool
}

// NewHub creates a hub.
func NewHub(logger *slog.Logger, allowedOrigins []string) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	origins := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		origins[o] = true
	}
	return &Hub{
		clients: make(map[*websocket.Conn]bool),
		logger:  logger.With(slog.String("component", "status_hub")),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				// Same-origin local UI sends no Origin header.
				return origin == "" || origins[origin]
			},
		},
	}
}

// ServeHTTP upgrades GET /ws connections and replays the latest known state
// to the new client.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	h.mu.Lock()
	h.clients[conn] = true
	replay, hasReplay := h.lastState, h.hasState
	h.mu.Unlock()

	h.send(conn, Message{Type: TypeConnection, Timestamp: time.Now().UTC()})
	if hasReplay {
		h.send(conn, Message{Type: TypeLicenseState, Payload: replay, Timestamp: time.Now().UTC()})
	}

	// Reader loop exists only to notice the close.
	go func() {
		defer h.drop(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// BroadcastResolution pushes a license state transition to every client.
// Wired as the manager's OnChange callback.
func (h *Hub) BroadcastResolution(res license.Resolution) {
	h.mu.Lock()
	h.lastState = res
	h.hasState = true
	conns := make([]*websocket.Conn, 0, len(h.clients))
	for c := range h.clients {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	msg := Message{Type: TypeLicenseChange, Payload: res, Timestamp: time.Now().UTC()}
	for _, conn := range conns {
		h.send(conn, msg)
	}

	h.logger.Info("license state broadcast",
		slog.String("state", res.State.String()),
		slog.Int("clients", len(conns)))
}

// Shutdown closes all client connections.
func (h *Hub) Shutdown(ctx context.Context) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		conn.Close()
		delete(h.clients, conn)
	}
}

func (h *Hub) send(conn *websocket.Conn, msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("failed to marshal hub message", slog.String("error", err.Error()))
		return
	}
	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		h.drop(conn)
	}
}

func (h *Hub) drop(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[conn] {
		conn.Close()
		delete(h.clients, conn)
	}
}
