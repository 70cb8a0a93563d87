package websocket

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/dukerupert/perks/internal/cache"
)

// Message tells clients that an entity changed so they can refetch it.
type Message struct {
	Type   string         `json:"type"`
	Entity string         `json:"entity"`
	Action string         `json:"action"`
	ID     int64          `json:"id,omitempty"`
	Extra  map[string]any `json:"extra,omitempty"`
	// Audience restricts delivery to one user and administrators. Zero
	// means everyone.
	Audience int64 `json:"-"`
}

// NewMessage creates a Message with the Type field derived from entity and action.
func NewMessage(entity, action string, id int64, extra map[string]any) Message {
	return Message{
		Type:   fmt.Sprintf("%s_%s", entity, action),
		Entity: entity,
		Action: action,
		ID:     id,
		Extra:  extra,
	}
}

// ForUser returns a copy of m delivered only to userID and administrators.
func (m Message) ForUser(userID int64) Message {
	m.Audience = userID
	return m
}

// ChangeMessage converts a Domain Store change into a broadcast.
func ChangeMessage(ch cache.Change) Message {
	return NewMessage(ch.Collection, ch.Action, ch.ID, nil)
}

// Hub maintains the set of active WebSocket clients and broadcasts messages.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]struct{}
	logger  *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients: make(map[*Client]struct{}),
		logger:  logger,
	}
}

func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
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

// Broadcast sends msg to every client in its audience. Slow clients drop
// messages rather than block the sender.
func (h *Hub) Broadcast(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("marshal broadcast", "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.clients {
		if msg.Audience != 0 && !c.admin && c.userID != msg.Audience {
			continue
		}
		select {
		case c.send <- data:
		default:
			h.logger.Debug("dropped message for slow client", "user_id", c.userID, "type", msg.Type)
		}
	}
}

// OnChange forwards a Domain Store change. Register it with Store.OnChange.
func (h *Hub) OnChange(ch cache.Change) {
	h.Broadcast(ChangeMessage(ch))
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
