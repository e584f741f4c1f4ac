package devserver

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"sentinel/cmd/internal/ids"
	v1 "sentinel/shared/contracts/realtime/v1"
)

// Client is one connected push socket.
//
// Send is never closed by the server so concurrent broadcasters cannot panic;
// done signals the socket goroutines to stop.
type Client struct {
	ID        string
	UserID    string
	SessionID string
	Send      chan v1.Envelope

	done      chan struct{}
	closeOnce sync.Once
}

// NewClient constructs a Client with a bounded send queue.
func NewClient(id, userID, sessionID string, sendQueueSize int) *Client {
	if sendQueueSize <= 0 {
		sendQueueSize = 64
	}
	return &Client{
		ID:        id,
		UserID:    userID,
		SessionID: sessionID,
		Send:      make(chan v1.Envelope, sendQueueSize),
		done:      make(chan struct{}),
	}
}

// Done is closed when the client is shutting down.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close signals shutdown (idempotent).
func (c *Client) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// Hub is the membership and non-blocking fanout for every push socket.
type Hub struct {
	log *slog.Logger

	mu      sync.RWMutex
	clients map[string]*Client
}

// NewHub constructs an empty hub.
func NewHub(log *slog.Logger) *Hub {
	return &Hub{log: log, clients: make(map[string]*Client)}
}

// Join adds a client.
func (h *Hub) Join(c *Client) {
	h.mu.Lock()
	h.clients[c.ID] = c
	n := len(h.clients)
	h.mu.Unlock()

	h.log.Info("hub.join", "conn_id", c.ID, "user_id", c.UserID, "clients", n)
}

// Leave removes a client and signals its shutdown, in that order.
func (h *Hub) Leave(id string) {
	h.mu.Lock()
	c := h.clients[id]
	delete(h.clients, id)
	h.mu.Unlock()

	if c != nil {
		c.Close()
		h.log.Info("hub.leave", "conn_id", id, "user_id", c.UserID)
	}
}

// DisconnectSession closes every socket opened under sessionID.
func (h *Hub) DisconnectSession(sessionID string) int {
	h.mu.RLock()
	var targets []string
	for id, c := range h.clients {
		if c.SessionID == sessionID {
			targets = append(targets, id)
		}
	}
	h.mu.RUnlock()

	for _, id := range targets {
		h.Leave(id)
	}
	return len(targets)
}

// Len returns the number of connected clients.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast queues env on every member and returns how many accepted it.
// Full queues and closing clients are skipped.
func (h *Hub) Broadcast(env v1.Envelope) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	n := 0
	for _, c := range h.clients {
		select {
		case <-c.Done():
			continue
		default:
		}

		select {
		case c.Send <- env:
			n++
		default:
			h.log.Warn("hub.drop", "conn_id", c.ID, "type", env.Type)
		}
	}
	return n
}

// Publish wraps ev into an envelope of type typ and broadcasts it.
func (h *Hub) Publish(typ string, ev v1.AlertEvent, now time.Time) (int, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return 0, fmt.Errorf("marshal alert: %w", err)
	}
	return h.Broadcast(newEnvelope(typ, payload, now)), nil
}

func newEnvelope(typ string, payload json.RawMessage, ts time.Time) v1.Envelope {
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      ids.ULID(ts),
		TS:      ts,
		Payload: payload,
	}
}
