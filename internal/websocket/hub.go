// Package websocket streams billing-run progress to connected operators.
package websocket

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

const historySize = 64

// Event is one billing-run progress notification.
type Event struct {
	Type       string         `json:"type"`
	RunID      string         `json:"run_id"`
	Phase      string         `json:"phase,omitempty"`
	ContractID int64          `json:"contract_id,omitempty"`
	Outcome    string         `json:"outcome,omitempty"`
	Error      string         `json:"error,omitempty"`
	At         time.Time      `json:"at"`
	Extra      map[string]any `json:"extra,omitempty"`
}

// Hub fans run events out to feed subscribers. Recent events are replayed
// to new subscribers so a late operator sees the current run.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]struct{}
	history [][]byte
	logger  *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients: make(map[*Client]struct{}),
		logger:  logger.With("component", "run_feed"),
	}
}

// Register adds a client and queues the recent history on it.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
	for _, data := range h.history {
		select {
		case c.send <- data:
		default:
		}
	}
}

// Unregister removes a client from the hub and closes its send channel.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

// Publish sends an event to every client. Slow clients miss events rather
// than block the run. A run_started event resets the replay history.
func (h *Hub) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("marshal run event", "error", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if ev.Type == "run_started" {
		h.history = h.history[:0]
	}
	h.history = append(h.history, data)
	if len(h.history) > historySize {
		h.history = h.history[len(h.history)-historySize:]
	}

	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			h.logger.Debug("feed client buffer full, event dropped", "run_id", ev.RunID)
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
