package chat

import (
	"context"
	"log/slog"

	"github.com/eleven-am/companion-backend/internal/transport"
	"github.com/puzpuzpuz/xsync/v3"
)

// Hub tracks the live client of every session.
type Hub struct {
	clients *xsync.MapOf[string, Client]
	logger  *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients: xsync.NewMapOf[string, Client](),
		logger:  logger.With("component", "chat_hub"),
	}
}

// Register makes c the live client for its session and returns the client
// it replaced, if any.
func (h *Hub) Register(c Client) (Client, bool) {
	return h.clients.LoadAndStore(c.SessionID(), c)
}

// Unregister removes c only if it is still the live client of its session.
func (h *Hub) Unregister(c Client) bool {
	removed := false
	h.clients.Compute(c.SessionID(), func(current Client, loaded bool) (Client, bool) {
		if loaded && current == c {
			removed = true
			return current, true
		}
		return current, !loaded
	})
	return removed
}

func (h *Hub) Get(sessionID string) (Client, bool) {
	return h.clients.Load(sessionID)
}

// Notify delivers msg to the session's client if it is connected.
func (h *Hub) Notify(sessionID string, msg transport.Message) {
	c, ok := h.clients.Load(sessionID)
	if !ok {
		h.logger.Debug("no client for notification", "session_id", sessionID, "type", msg.Type)
		return
	}
	if err := c.Send(context.Background(), msg); err != nil {
		h.logger.Debug("notification not delivered", "session_id", sessionID, "error", err)
	}
}

func (h *Hub) Count() int {
	return h.clients.Size()
}
