package chat

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/eleven-am/companion-backend/internal/observability"
	"github.com/eleven-am/companion-backend/internal/shared"
	"github.com/eleven-am/companion-backend/internal/transport"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4 << 20
	sendBufferSize = 256
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Client is one connected chat session as seen by the service.
type Client interface {
	transport.Sink
	SessionID() string
	UserID() string
	Close() error
}

type Conn struct {
	ws        *websocket.Conn
	sessionID string
	userID    string
	metrics   *observability.Metrics
	logger    *slog.Logger
	send      chan transport.Message

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

func NewConn(ws *websocket.Conn, sessionID, userID string, metrics *observability.Metrics, logger *slog.Logger) *Conn {
	if logger == nil {
		logger = slog.Default()
	}
	return &Conn{
		ws:        ws,
		sessionID: sessionID,
		userID:    userID,
		metrics:   metrics,
		logger:    logger.With("session_id", sessionID),
		send:      make(chan transport.Message, sendBufferSize),
		done:      make(chan struct{}),
	}
}

func (c *Conn) SessionID() string {
	return c.sessionID
}

func (c *Conn) UserID() string {
	return c.userID
}

// Send queues msg for the write pump. A full buffer drops the message.
func (c *Conn) Send(_ context.Context, msg transport.Message) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return shared.ErrSessionEnded
	}
	if msg.SessionID == "" {
		msg.SessionID = c.sessionID
	}

	select {
	case c.send <- msg:
		return nil
	default:
		c.logger.Warn("send buffer full, dropping message", "type", msg.Type)
		return nil
	}
}

func (c *Conn) Done() <-chan struct{} {
	return c.done
}

func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.done)
	c.mu.Unlock()

	return c.ws.Close()
}

func (c *Conn) readPump(ctx context.Context, handle func(context.Context, Client, transport.Message)) {
	defer c.Close()

	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		default:
		}

		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Error("websocket read error", "error", err)
			}
			return
		}

		msg, err := transport.Decode(data)
		if err != nil {
			c.logger.Warn("invalid inbound message", "error", err)
			_ = c.Send(ctx, transport.ErrorMessage(c.sessionID, "invalid_message", "Message could not be parsed."))
			continue
		}
		c.metrics.ObserveMessage("inbound", string(msg.Type))
		handle(ctx, c, msg)
	}
}

func (c *Conn) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case msg := <-c.send:
			data, err := transport.Encode(msg)
			if err != nil {
				c.logger.Error("failed to encode message", "error", err)
				continue
			}
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Error("websocket write error", "error", err)
				return
			}
			c.metrics.ObserveMessage("outbound", string(msg.Type))
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
