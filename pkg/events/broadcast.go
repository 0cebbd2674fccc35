package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// Broadcaster fans ingested events out to connected WebSocket dashboard
// clients. Each process has one Broadcaster instance. Clients receive every
// event; filtering happens client-side.
type Broadcaster struct {
	connections map[string]*connection
	mu          sync.RWMutex

	writeTimeout time.Duration
}

type connection struct {
	id     string
	conn   *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc
}

// NewBroadcaster creates a Broadcaster with the given per-send write timeout.
func NewBroadcaster(writeTimeout time.Duration) *Broadcaster {
	return &Broadcaster{
		connections:  make(map[string]*connection),
		writeTimeout: writeTimeout,
	}
}

// HandleConnection manages the lifecycle of a single WebSocket connection.
// Called by the WebSocket HTTP handler after upgrade. Blocks until the
// connection closes.
func (b *Broadcaster) HandleConnection(parentCtx context.Context, conn *websocket.Conn) {
	connID := uuid.New().String()
	ctx, cancel := context.WithCancel(parentCtx)

	c := &connection{id: connID, conn: conn, ctx: ctx, cancel: cancel}

	b.mu.Lock()
	b.connections[connID] = c
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.connections, connID)
		b.mu.Unlock()
		c.cancel()
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}()

	b.sendJSON(c, map[string]string{
		"type":          "connection.established",
		"connection_id": connID,
	})

	// Read loop — drains client frames (ping etc.) until the connection closes.
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var msg struct {
			Action string `json:"action"`
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Warn("Invalid WebSocket message", "connection_id", connID, "error", err)
			continue
		}
		if msg.Action == "ping" {
			b.sendJSON(c, map[string]string{"type": "pong"})
		}
	}
}

// Publish sends an event to all connected clients. Slow or dead clients are
// skipped after the write timeout; Publish never blocks event ingestion
// beyond that bound.
func (b *Broadcaster) Publish(event *Event) {
	payload, err := json.Marshal(map[string]any{
		"type":  "event",
		"event": event,
	})
	if err != nil {
		slog.Warn("Failed to marshal event for broadcast", "error", err)
		return
	}

	// Snapshot connections under the lock, then release before sending so a
	// slow client cannot stall connection register/unregister.
	b.mu.RLock()
	conns := make([]*connection, 0, len(b.connections))
	for _, c := range b.connections {
		conns = append(conns, c)
	}
	b.mu.RUnlock()

	for _, c := range conns {
		if err := b.sendRaw(c, payload); err != nil {
			slog.Warn("Failed to send to WebSocket client",
				"connection_id", c.id, "error", err)
		}
	}
}

// ActiveConnections returns the count of connected clients.
func (b *Broadcaster) ActiveConnections() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.connections)
}

func (b *Broadcaster) sendJSON(c *connection, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Warn("Failed to marshal WebSocket message",
			"connection_id", c.id, "error", err)
		return
	}
	if err := b.sendRaw(c, data); err != nil {
		slog.Warn("Failed to send WebSocket message",
			"connection_id", c.id, "error", err)
	}
}

func (b *Broadcaster) sendRaw(c *connection, data []byte) error {
	writeCtx, cancel := context.WithTimeout(c.ctx, b.writeTimeout)
	defer cancel()
	return c.conn.Write(writeCtx, websocket.MessageText, data)
}
