package asr

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/eleven-am/companion-backend/internal/observability"
	"github.com/eleven-am/companion-backend/internal/transport"
	"github.com/gorilla/websocket"
)

// Gateway multiplexes every chat session onto one upstream recognition
// connection. Only one session owns the stream at a time.
type Gateway struct {
	cfg     Config
	dialer  Dialer
	hooks   Hooks
	metrics *observability.Metrics
	log     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	connectMu sync.Mutex
	writeMu   sync.Mutex

	mu           sync.Mutex
	conn         Conn
	connected    bool
	reconnecting bool
	disabled     bool
	closed       bool
	attempts     int
	active       string
}

func NewGateway(cfg Config, dialer Dialer, hooks Hooks, metrics *observability.Metrics, log *slog.Logger) *Gateway {
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Gateway{
		cfg:     cfg.withDefaults(),
		dialer:  dialer,
		hooks:   hooks,
		metrics: metrics,
		log:     log.With("component", "asr_gateway"),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// SetHooks replaces the session hooks. It exists because the chat hub and
// the gateway each need the other at construction time.
func (g *Gateway) SetHooks(h Hooks) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.hooks = h
}

func (g *Gateway) stateErrLocked() error {
	switch {
	case g.closed:
		return ErrClosed
	case g.disabled:
		return ErrDisabled
	case g.reconnecting:
		return ErrReconnecting
	default:
		return nil
	}
}

// EnsureConnected dials the upstream service if no connection is open.
func (g *Gateway) EnsureConnected(ctx context.Context) error {
	g.mu.Lock()
	if g.connected {
		g.mu.Unlock()
		return nil
	}
	if err := g.stateErrLocked(); err != nil {
		g.mu.Unlock()
		return err
	}
	g.mu.Unlock()

	g.connectMu.Lock()
	defer g.connectMu.Unlock()

	g.mu.Lock()
	if g.connected {
		g.mu.Unlock()
		return nil
	}
	if err := g.stateErrLocked(); err != nil {
		g.mu.Unlock()
		return err
	}
	g.mu.Unlock()

	conn, err := g.dial(ctx)
	if err != nil {
		g.metrics.ObserveASR("connect_failed")
		return fmt.Errorf("connect recognition service: %w", err)
	}
	g.attach(conn)
	return nil
}

func (g *Gateway) dial(ctx context.Context) (Conn, error) {
	dctx, cancel := context.WithTimeout(ctx, g.cfg.ConnectTimeout)
	defer cancel()
	return g.dialer.Dial(dctx)
}

func (g *Gateway) attach(conn Conn) {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		_ = conn.Close()
		return
	}
	g.conn = conn
	g.connected = true
	g.reconnecting = false
	g.attempts = 0
	active := g.active
	g.mu.Unlock()

	g.metrics.ObserveASR("connected")
	g.log.Info("recognition service connected")

	g.wg.Add(1)
	go g.readLoop(conn)

	if active != "" {
		if err := g.send(outboundEvent{Type: eventStartSession, SessionID: active}); err != nil {
			g.log.Warn("failed to resume active session", "session_id", active, "error", err)
		}
	}
}

func (g *Gateway) readLoop(conn Conn) {
	defer g.wg.Done()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			g.handleDisconnect(conn, err)
			return
		}
		g.handleEvent(data)
	}
}

func isNormalClose(err error) bool {
	var ce *websocket.CloseError
	return errors.As(err, &ce) && ce.Code == websocket.CloseNormalClosure
}

func (g *Gateway) handleDisconnect(conn Conn, err error) {
	g.mu.Lock()
	if g.conn != conn {
		g.mu.Unlock()
		return
	}
	g.conn = nil
	g.connected = false
	if g.closed {
		g.mu.Unlock()
		return
	}
	if isNormalClose(err) {
		g.mu.Unlock()
		g.log.Info("recognition service closed the connection")
		return
	}
	g.reconnecting = true
	g.mu.Unlock()

	_ = conn.Close()
	g.metrics.ObserveASR("disconnected")
	g.log.Warn("recognition connection lost", "error", err)

	g.wg.Add(1)
	go g.reconnectLoop()
}

// reconnectLoop retries with a fixed delay. Exhausting the attempts
// disables the gateway and tells the owning session.
func (g *Gateway) reconnectLoop() {
	defer g.wg.Done()
	for {
		g.mu.Lock()
		if g.closed {
			g.mu.Unlock()
			return
		}
		if g.attempts >= g.cfg.MaxReconnectAttempts {
			g.disabled = true
			g.reconnecting = false
			owner := g.active
			g.active = ""
			notify := g.hooks.Notify
			g.mu.Unlock()

			g.metrics.ObserveASR("disabled")
			g.log.Error("recognition service disabled", "attempts", g.cfg.MaxReconnectAttempts)
			if owner != "" && notify != nil {
				msg := transport.NewMessage(transport.MessageTypeASRError, owner, "Speech recognition is unavailable.")
				msg.Code = CodeDisabled
				msg.Error = ErrDisabled.Error()
				notify(owner, msg)
			}
			return
		}
		g.attempts++
		attempt := g.attempts
		g.mu.Unlock()

		select {
		case <-g.ctx.Done():
			return
		case <-time.After(g.cfg.ReconnectDelay):
		}

		g.connectMu.Lock()
		conn, err := g.dial(g.ctx)
		if err == nil {
			g.attach(conn)
			g.connectMu.Unlock()
			g.log.Info("recognition service reconnected", "attempt", attempt)
			return
		}
		g.connectMu.Unlock()
		g.metrics.ObserveASR("reconnect_failed")
		g.log.Warn("reconnect attempt failed", "attempt", attempt, "max", g.cfg.MaxReconnectAttempts, "error", err)
	}
}

func (g *Gateway) handleEvent(data []byte) {
	var ev inboundEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		g.log.Warn("invalid recognition event", "error", err)
		return
	}

	g.mu.Lock()
	owner := g.active
	hooks := g.hooks
	g.mu.Unlock()

	if owner == "" || (ev.SessionID != "" && ev.SessionID != owner) {
		g.log.Debug("dropping recognition event for inactive session", "type", ev.Type, "event_session", ev.SessionID, "owner", owner)
		return
	}
	notify := func(msg transport.Message) {
		if hooks.Notify != nil {
			hooks.Notify(owner, msg)
		}
	}

	switch ev.Type {
	case eventPartialResult:
		notify(transport.NewMessage(transport.MessageTypeASRResult, owner, ev.Text).WithMeta("is_final", false))
	case eventFinalResult:
		confidence := 1.0
		if ev.Confidence != nil {
			confidence = *ev.Confidence
		}
		msg := transport.NewMessage(transport.MessageTypeASRResult, owner, ev.Text).
			WithMeta("is_final", true).
			WithMeta("confidence", confidence)
		notify(msg)

		text := strings.TrimSpace(ev.Text)
		if text == "" {
			return
		}
		if confidence < g.cfg.CommitConfidence {
			g.metrics.ObserveASR("low_confidence")
			g.log.Debug("final result below commit threshold", "session_id", owner, "confidence", confidence)
			return
		}
		g.metrics.ObserveASR("committed")
		if hooks.Inject != nil {
			hooks.Inject(owner, text)
		}
	case eventSpeechStatus:
		notify(transport.NewMessage(transport.MessageTypeASRStatus, owner, ev.Status).WithMeta("status", ev.Status))
	case eventError:
		msg := transport.NewMessage(transport.MessageTypeASRError, owner, ev.Message)
		msg.Code = ev.Code
		if msg.Code == "" {
			msg.Code = "asr_error"
		}
		msg.Error = ev.Message
		notify(msg)
	default:
		g.log.Debug("ignoring recognition event", "type", ev.Type)
	}
}

func (g *Gateway) send(ev outboundEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	g.mu.Lock()
	conn := g.conn
	stateErr := g.stateErrLocked()
	g.mu.Unlock()
	if conn == nil {
		if stateErr != nil {
			return stateErr
		}
		return ErrReconnecting
	}

	g.writeMu.Lock()
	defer g.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, data)
}

// Activate makes sessionID the sole owner of the recognition stream. The
// previous owner is told once that it was taken over, and only after the
// new session has started upstream. A failed start leaves ownership as it
// was.
func (g *Gateway) Activate(ctx context.Context, sessionID string) error {
	if err := g.EnsureConnected(ctx); err != nil {
		return err
	}

	g.mu.Lock()
	previous := g.active
	g.mu.Unlock()

	handover := previous != "" && previous != sessionID
	if handover {
		if err := g.send(outboundEvent{Type: eventEndSession, SessionID: previous}); err != nil {
			g.log.Debug("failed to end previous session upstream", "error", err)
		}
	}

	if err := g.send(outboundEvent{Type: eventStartSession, SessionID: sessionID}); err != nil {
		if handover {
			if rerr := g.send(outboundEvent{Type: eventStartSession, SessionID: previous}); rerr != nil {
				g.log.Debug("failed to restore previous session upstream", "session_id", previous, "error", rerr)
			}
		}
		return fmt.Errorf("start recognition session: %w", err)
	}

	g.mu.Lock()
	replaced := g.active
	g.active = sessionID
	notify := g.hooks.Notify
	g.mu.Unlock()

	if replaced != "" && replaced != sessionID {
		g.log.Info("recognition stream taken over", "previous", replaced, "session_id", sessionID)
		g.metrics.ObserveASR("taken_over")
		if notify != nil {
			notify(replaced, transport.NewMessage(transport.MessageTypeASRStatus, replaced, StatusTakenOver).WithMeta("status", StatusTakenOver))
		}
	}
	g.metrics.ObserveASR("activated")
	return nil
}

// Deactivate releases ownership if sessionID still holds it. The upstream
// connection stays open for the next owner.
func (g *Gateway) Deactivate(sessionID string) bool {
	g.mu.Lock()
	if g.active != sessionID || sessionID == "" {
		g.mu.Unlock()
		return false
	}
	g.active = ""
	g.mu.Unlock()

	if err := g.send(outboundEvent{Type: eventEndSession, SessionID: sessionID}); err != nil {
		g.log.Debug("failed to end session upstream", "session_id", sessionID, "error", err)
	}
	return true
}

func (g *Gateway) IsActive(sessionID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return sessionID != "" && g.active == sessionID
}

// PushAudio forwards one audio chunk from the owning session. Audio from
// any other session is dropped.
func (g *Gateway) PushAudio(sessionID string, payload []byte) error {
	if !g.IsActive(sessionID) {
		g.metrics.ObserveASR("audio_dropped")
		g.log.Debug("dropping audio from non-owner", "session_id", sessionID)
		return ErrNotOwner
	}
	return g.send(outboundEvent{
		Type:      eventAudioChunk,
		SessionID: sessionID,
		Data:      base64.StdEncoding.EncodeToString(payload),
	})
}

func (g *Gateway) Status() Status {
	g.mu.Lock()
	defer g.mu.Unlock()
	return Status{
		Connected:     g.connected,
		Reconnecting:  g.reconnecting,
		Disabled:      g.disabled,
		ActiveSession: g.active,
		Attempts:      g.attempts,
	}
}

func (g *Gateway) Close() error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	conn := g.conn
	g.conn = nil
	g.connected = false
	g.active = ""
	g.mu.Unlock()

	g.cancel()
	var err error
	if conn != nil {
		g.writeMu.Lock()
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		g.writeMu.Unlock()
		err = conn.Close()
	}
	g.wg.Wait()
	return err
}
