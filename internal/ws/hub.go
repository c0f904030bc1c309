// Copyright (c) 2025-2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package ws is the WebSocket hub: it subscribes once to the event bus and
// fans every event out to every connected browser client, per spec §4.7.
package ws

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	gws "github.com/gorilla/websocket"

	"github.com/SergioLoboAlonso/modbus-sensor-gateway/internal/eventbus"
)

const (
	pingInterval = 30 * time.Second
	pongTimeout  = 60 * time.Second
	writeTimeout = 10 * time.Second
	readLimit    = 512
)

var upgrader = gws.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// outboundEvent is what's actually written to a client: the bus's Kind
// plus a JSON-friendly payload, never the raw eventbus.Event (whose
// Payload field is an untyped any).
type outboundEvent struct {
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`
	Data      any    `json:"data"`
}

// client holds one connection's write-side state.
type client struct {
	conn *gws.Conn
	send chan eventbus.Event

	overflowed atomic.Bool
}

// Overflowed reports whether this client has ever had an event dropped due
// to a full send queue.
func (c *client) Overflowed() bool { return c.overflowed.Load() }

// Hub accepts WebSocket upgrades at /socket and relays every bus event to
// every connected client, per spec §4.7's delivery contract: at-most-once
// per client, ordering preserved per event kind, slow clients drop events
// rather than block the publisher.
type Hub struct {
	bus *eventbus.Bus

	mu      sync.Mutex
	clients map[*client]struct{}
}

// NewHub constructs a Hub bound to bus. Call Run in a goroutine before
// serving HTTP traffic so the subscription is live before any client
// connects.
func NewHub(bus *eventbus.Bus) *Hub {
	return &Hub{bus: bus, clients: make(map[*client]struct{})}
}

// Run subscribes to the event bus and relays events to every connected
// client until ctx is cancelled, at which point every client connection is
// closed with a normal-closure frame.
func (h *Hub) Run(ctx context.Context) {
	sub := h.bus.Subscribe()
	defer h.bus.Unsubscribe(sub.ID)

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case evt, ok := <-sub.C:
			if !ok {
				return
			}
			h.broadcast(evt)
		}
	}
}

// broadcast fans evt out to every connected client. A client whose send
// queue is full has its oldest queued event dropped to make room, matching
// eventbus.Bus.Publish's drop-oldest discipline, and is flagged as having
// overflowed rather than silently losing the newest event.
func (h *Hub) broadcast(evt eventbus.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- evt:
		default:
			select {
			case <-c.send:
			default:
			}
			select {
			case c.send <- evt:
			default:
			}
			c.overflowed.Store(true)
			slog.Warn("ws: client send buffer full, dropped oldest event", "kind", evt.Kind)
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		close(c.send)
	}
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
}

// ServeHTTP upgrades the request to a WebSocket connection and registers
// it with the hub. Handles the /socket route named in spec §6.2.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("ws: upgrade failed", "err", err)
		return
	}

	c := &client{conn: conn, send: make(chan eventbus.Event, eventbus.DefaultBufferSize)}
	h.register(c)

	go c.writePump()
	c.readPump(h)
}

// writePump is the per-client goroutine that drains send and writes it to
// the socket, plus periodic pings to detect dead connections.
func (c *client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case evt, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)) //nolint:errcheck
			if !ok {
				c.conn.WriteMessage(gws.CloseMessage, gws.FormatCloseMessage(gws.CloseNormalClosure, "")) //nolint:errcheck
				return
			}
			if err := c.conn.WriteJSON(outboundEvent{
				Type:      string(evt.Kind),
				Timestamp: evt.Timestamp.Format(time.RFC3339Nano),
				Data:      evt.Payload,
			}); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)) //nolint:errcheck
			if err := c.conn.WriteMessage(gws.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump discards inbound client traffic — this hub is push-only — and
// exists solely to detect disconnects (read error, pong timeout) and
// unregister the client. Runs in the handler's own goroutine.
func (c *client) readPump(h *Hub) {
	defer h.unregister(c)

	c.conn.SetReadLimit(readLimit)
	c.conn.SetReadDeadline(time.Now().Add(pongTimeout)) //nolint:errcheck
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
