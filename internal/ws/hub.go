// Package ws carries the WebSocket transport: one global hub that fans
// every event out to every connected client, and the per-connection read and
// write pumps. Events are scoped logically, not at the transport level;
// clients filter by id.
package ws

import (
	"sync"

	"go.uber.org/zap"

	"github.com/termtab/backend/internal/protocol"
)

// Client is one WebSocket connection known to the hub. Frames queue on the
// send channel; the write pump drains it.
type Client struct {
	send chan []byte
	log  *zap.Logger

	mu     sync.Mutex
	closed bool
}

func newClient(log *zap.Logger) *Client {
	return &Client{
		send: make(chan []byte, 256),
		log:  log,
	}
}

// Send queues a frame. A client that cannot keep up is dropped rather than
// allowed to stall the hub.
func (c *Client) Send(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}

	select {
	case c.send <- data:
	default:
		c.log.Warn("client send buffer full, dropping connection")
		c.closeLocked()
	}
}

// SendEvent encodes and queues one event frame.
func (c *Client) SendEvent(typ protocol.Type, payload any) {
	data, err := protocol.Encode(typ, payload)
	if err != nil {
		c.log.Error("failed to encode event", zap.String("type", string(typ)), zap.Error(err))
		return
	}
	c.Send(data)
}

// Close marks the client dead and closes the send channel, which stops the
// write pump.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
}

func (c *Client) closeLocked() {
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// IsClosed reports whether the client has been closed.
func (c *Client) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Hub tracks every connected client and broadcasts events to all of them.
// It implements the registry's Broadcaster.
type Hub struct {
	log *zap.Logger

	mu      sync.RWMutex
	clients map[*Client]bool
}

// NewHub creates an empty hub.
func NewHub(log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{
		log:     log,
		clients: make(map[*Client]bool),
	}
}

// Register adds a client and queues the initial snapshot frames before any
// broadcast can reach it, so every client starts from a full-state push and
// then sees only deltas.
func (h *Hub) Register(client *Client, snapshot ...[]byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, frame := range snapshot {
		client.Send(frame)
	}
	h.clients[client] = true
}

// Unregister removes a client and closes it.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	delete(h.clients, client)
	h.mu.Unlock()
	client.Close()
}

// Broadcast encodes an event once and queues it on every client.
func (h *Hub) Broadcast(typ protocol.Type, payload any) {
	data, err := protocol.Encode(typ, payload)
	if err != nil {
		h.log.Error("failed to encode broadcast", zap.String("type", string(typ)), zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		client.Send(data)
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.clients = make(map[*Client]bool)
	h.mu.Unlock()

	for _, client := range clients {
		client.Close()
	}
}
