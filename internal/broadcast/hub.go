// Package broadcast — WebSocket hub implementing the Pusher interface.
package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/btx/trading-engine/internal/metrics"
	"github.com/btx/trading-engine/internal/model"
	"github.com/btx/trading-engine/internal/store"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true // event frontends connect cross-origin
	},
}

// subscribeMessage is the only client-to-server frame the hub accepts.
type subscribeMessage struct {
	Type    string `json:"type"` // "subscribe"
	EventID string `json:"eventId"`
	UserID  string `json:"userId"`
}

// client is one connected socket with its own write lock, so concurrent
// fan-out pushes never interleave frames.
type client struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *client) write(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(messageType, data)
}

// Hub owns the live WebSocket connections, keyed by connection ID. The
// store holds the connection→event subscription records the broadcaster
// fans out over.
type Hub struct {
	store store.Store

	mu      sync.RWMutex
	clients map[string]*client
}

// NewHub creates a WebSocket hub backed by the given store.
func NewHub(st store.Store) *Hub {
	return &Hub{
		store:   st,
		clients: make(map[string]*client),
	}
}

// Push implements Pusher. Returns ErrConnectionGone when the connection
// is not registered here or the write reveals it is dead.
func (h *Hub) Push(_ context.Context, connectionID string, payload []byte) error {
	h.mu.RLock()
	c, ok := h.clients[connectionID]
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrConnectionGone, connectionID)
	}
	if err := c.write(websocket.TextMessage, payload); err != nil {
		h.drop(connectionID)
		return fmt.Errorf("%w: %s: %v", ErrConnectionGone, connectionID, err)
	}
	return nil
}

// HandleWS handles WebSocket upgrade requests at GET /btx/ws.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "err", err)
		return
	}

	connectionID := uuid.New().String()
	c := &client{conn: conn}

	h.mu.Lock()
	h.clients[connectionID] = c
	total := len(h.clients)
	h.mu.Unlock()
	metrics.WebSocketClients.Set(float64(total))
	slog.Info("ws client connected", "connection", connectionID, "total", total)

	go h.readPump(connectionID, c)
	go h.pingPump(connectionID, c)
}

// readPump consumes subscribe frames and detects disconnects.
func (h *Hub) readPump(connectionID string, c *client) {
	defer h.disconnect(connectionID)

	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg subscribeMessage
		if err := json.Unmarshal(data, &msg); err != nil || msg.Type != "subscribe" {
			continue
		}
		sub := &model.Subscription{
			ConnectionID: connectionID,
			EventID:      msg.EventID,
			UserID:       msg.UserID,
			ConnectedAt:  time.Now().UTC(),
		}
		if err := h.store.PutSubscription(context.Background(), sub); err != nil {
			slog.Warn("subscription persist failed", "connection", connectionID, "err", err)
			continue
		}
		slog.Info("ws subscribed", "connection", connectionID, "event", msg.EventID, "user", msg.UserID)
	}
}

// pingPump keeps the connection alive through proxies.
func (h *Hub) pingPump(connectionID string, c *client) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		h.mu.RLock()
		_, ok := h.clients[connectionID]
		h.mu.RUnlock()
		if !ok {
			return
		}
		if err := c.write(websocket.PingMessage, nil); err != nil {
			return
		}
	}
}

// disconnect tears a connection down and removes its subscription record.
func (h *Hub) disconnect(connectionID string) {
	h.drop(connectionID)
	if err := h.store.DeleteSubscription(context.Background(), connectionID); err != nil {
		slog.Warn("subscription delete failed", "connection", connectionID, "err", err)
	}
}

func (h *Hub) drop(connectionID string) {
	h.mu.Lock()
	c, ok := h.clients[connectionID]
	if ok {
		delete(h.clients, connectionID)
		c.conn.Close()
	}
	total := len(h.clients)
	h.mu.Unlock()
	if ok {
		metrics.WebSocketClients.Set(float64(total))
	}
}
