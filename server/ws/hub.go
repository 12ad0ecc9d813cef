// Package ws fans bus events out to live clients over WebSocket, with a
// Server-Sent Events stream for clients that cannot upgrade.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tannus-ai/tannus/comms"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	sendBuffer = 64
)

// client is one live connection. An empty room set receives every event.
type client struct {
	ch    chan []byte
	rooms map[string]bool
}

func (c *client) wants(rooms []string) bool {
	if len(c.rooms) == 0 {
		return true
	}
	for _, r := range rooms {
		if c.rooms[r] {
			return true
		}
	}
	return false
}

// Hub manages live client connections and broadcasts events to them.
type Hub struct {
	mu       sync.RWMutex
	clients  map[*client]struct{}
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// NewHub creates a Hub ready to accept connections.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients: make(map[*client]struct{}),
		logger:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Attach broadcasts every event published on bus. It returns the
// unsubscribe function.
func (h *Hub) Attach(bus comms.Bus) func() {
	return bus.Subscribe(comms.AllEvents, func(_ context.Context, evt *comms.Event) error {
		h.Broadcast(evt)
		return nil
	})
}

// Broadcast sends evt to every client subscribed to one of its rooms.
func (h *Hub) Broadcast(evt *comms.Event) {
	data, err := json.Marshal(evt)
	if err != nil {
		h.logger.Error("hub broadcast marshal", slog.Any("err", err))
		return
	}
	rooms := evt.Rooms()

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if !c.wants(rooms) {
			continue
		}
		select {
		case c.ch <- data:
		default:
			// Drop event if client is slow
		}
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) register(r *http.Request) *client {
	c := &client{ch: make(chan []byte, sendBuffer), rooms: make(map[string]bool)}
	for _, room := range r.URL.Query()["room"] {
		for _, name := range strings.Split(room, ",") {
			if name = strings.TrimSpace(name); name != "" {
				c.rooms[name] = true
			}
		}
	}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	return c
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.ch)
	}
	h.mu.Unlock()
}

// ServeWS upgrades the request to a WebSocket. Repeated or comma-separated
// room query parameters (plan:<id>, session:<id>) narrow the stream.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade", slog.Any("err", err))
		return
	}
	c := h.register(r)
	go h.writePump(conn, c)

	// The read loop only services control frames and notices disconnects.
	conn.SetReadLimit(4096)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	h.unregister(c)
}

func (h *Hub) writePump(conn *websocket.Conn, c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"connected"}`)); err != nil {
		return
	}
	for {
		select {
		case data, ok := <-c.ch:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// ServeSSE handles an SSE connection request. Rooms are selected as for
// ServeWS.
func (h *Hub) ServeSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)

	c := h.register(r)
	defer h.unregister(c)

	// Send connected event
	fmt.Fprintf(w, "data: {\"type\":\"connected\"}\n\n") //nolint:errcheck
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case data, ok := <-c.ch:
			if !ok {
				return
			}
			// Each SSE "data:" line must not contain newlines
			for _, line := range strings.Split(string(data), "\n") {
				fmt.Fprintf(w, "data: %s\n", line) //nolint:errcheck
			}
			fmt.Fprintln(w) //nolint:errcheck
			flusher.Flush()
		}
	}
}
