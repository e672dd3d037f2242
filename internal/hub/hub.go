package hub

import (
	"log/slog"
	"sync"
)

// Event names delivered to clients on both transports.
const (
	EventNewData     = "newData"
	EventInitialData = "initialData"
)

// Conn is one live client connection on either transport. Send must be safe
// for concurrent use; the transport adapter translates the event and payload
// into its own wire format.
type Conn interface {
	ID() string
	Send(event string, payload []byte) error
}

// Hub owns the open-connection registry shared by both transports. It holds
// no persistent state beyond the registry itself. Registration and removal
// are safe while a broadcast iterates: the fan-out works on a snapshot, so a
// connection closing mid-broadcast is skipped rather than failing the rest.
type Hub struct {
	logger *slog.Logger

	mu    sync.RWMutex
	conns map[string]Conn
}

// New constructs an empty hub.
func New(logger *slog.Logger) *Hub {
	return &Hub{logger: logger, conns: make(map[string]Conn)}
}

// Register adds a connection to the broadcast set. A connection re-using an
// existing id replaces the previous entry.
func (h *Hub) Register(c Conn) {
	h.mu.Lock()
	h.conns[c.ID()] = c
	h.mu.Unlock()
	h.logger.Debug("connection registered", "conn", c.ID())
}

// Unregister removes a connection; unknown ids are ignored.
func (h *Hub) Unregister(id string) {
	h.mu.Lock()
	_, known := h.conns[id]
	delete(h.conns, id)
	h.mu.Unlock()
	if known {
		h.logger.Debug("connection unregistered", "conn", id)
	}
}

// Count returns the number of registered connections.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Broadcast delivers payload to every registered connection on both
// transports, the original sender included. A send failure is logged per
// recipient and never aborts the remaining fan-out.
func (h *Hub) Broadcast(event string, payload []byte) {
	h.mu.RLock()
	targets := make([]Conn, 0, len(h.conns))
	for _, c := range h.conns {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		if err := c.Send(event, payload); err != nil {
			h.logger.Warn("broadcast delivery failed", "conn", c.ID(), "event", event, "error", err)
		}
	}
}
