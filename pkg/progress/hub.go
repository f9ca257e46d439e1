// Package progress implements a read-only WebSocket broadcast of rendezvous
// state, grounded on the teacher's events.ConnectionManager but simplified
// for a single-session server: there is exactly one channel (this process's
// rendezvous.State), so there is no per-channel subscription bookkeeping, no
// LISTEN/UNLISTEN, and no catchup query — a newly connected client simply
// receives a snapshot immediately and another after every subsequent change.
package progress

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/sfmsession/sessiond/pkg/rendezvous"
)

// writeTimeout bounds how long a single client write may block, so one slow
// reader can't stall Broadcast for every other connection.
const writeTimeout = 5 * time.Second

// Hub tracks connected progress-stream clients and broadcasts rendezvous
// snapshots to all of them.
type Hub struct {
	mu    sync.RWMutex
	conns map[string]*connection
}

type connection struct {
	id   string
	conn *websocket.Conn
	ctx  context.Context
}

// NewHub returns an empty Hub.
func NewHub() *Hub {
	return &Hub{conns: make(map[string]*connection)}
}

// HandleConnection registers conn, sends it an initial snapshot, and blocks
// reading (and discarding) client frames until the connection closes. There
// is nothing for the client to send — reads exist only to detect
// disconnects and answer control frames (ping/close), matching the
// ConnectionManager's read-loop-as-liveness-detector pattern.
func (h *Hub) HandleConnection(ctx context.Context, conn *websocket.Conn, initial rendezvous.Snapshot) {
	id := uuid.NewString()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c := &connection{id: id, conn: conn, ctx: ctx}

	h.mu.Lock()
	h.conns[id] = c
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.conns, id)
		h.mu.Unlock()
	}()

	h.send(c, initial)

	for {
		if _, _, err := conn.Read(ctx); err != nil {
			return
		}
	}
}

// Broadcast sends snapshot to every connected client.
func (h *Hub) Broadcast(snapshot rendezvous.Snapshot) {
	h.mu.RLock()
	conns := make([]*connection, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		h.send(c, snapshot)
	}
}

func (h *Hub) send(c *connection, snapshot rendezvous.Snapshot) {
	data, err := json.Marshal(snapshot)
	if err != nil {
		slog.Warn("marshal progress snapshot failed", "error", err)
		return
	}
	writeCtx, cancel := context.WithTimeout(c.ctx, writeTimeout)
	defer cancel()
	if err := c.conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		slog.Warn("progress broadcast write failed", "connection_id", c.id, "error", err)
	}
}
