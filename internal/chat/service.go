package chat

import (
	"context"
	"encoding/base64"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/eleven-am/companion-backend/internal/asr"
	"github.com/eleven-am/companion-backend/internal/observability"
	"github.com/eleven-am/companion-backend/internal/session"
	"github.com/eleven-am/companion-backend/internal/transport"
)

type Dispatcher interface {
	Dispatch(ctx context.Context, msg transport.Message, sink transport.Sink) (string, error)
	PlaybackCompleted(sessionID, sentenceID string) bool
	Interrupt(sessionID string) int
	EndSession(sessionID string)
}

type Recognizer interface {
	Activate(ctx context.Context, sessionID string) error
	Deactivate(sessionID string) bool
	PushAudio(sessionID string, payload []byte) error
	IsActive(sessionID string) bool
	Status() asr.Status
}

type SessionStore interface {
	Open(ctx context.Context, id, userID string) (*session.Session, error)
	Get(ctx context.Context, id string) (*session.Session, error)
	Toggle(ctx context.Context, id string, flag session.Flag) (bool, error)
	SetFlag(ctx context.Context, id string, flag session.Flag, value bool) error
	IncrementMetric(ctx context.Context, field string, value int64) error
	End(ctx context.Context, id string, status session.Status) error
}

// StatusReporter answers check_service with a status per backing service.
type StatusReporter interface {
	Report(ctx context.Context) map[string]string
}

type ServiceConfig struct {
	Dispatcher Dispatcher
	Recognizer Recognizer
	Sessions   SessionStore
	Status     StatusReporter
	Hub        *Hub
	Metrics    *observability.Metrics
	Logger     *slog.Logger
}

const commitBacklog = 64

type commit struct {
	sessionID string
	text      string
}

// Service routes inbound chat messages to the dispatcher, the recognition
// gateway and the session store.
type Service struct {
	dispatcher Dispatcher
	recognizer Recognizer
	sessions   SessionStore
	status     StatusReporter
	hub        *Hub
	metrics    *observability.Metrics
	logger     *slog.Logger

	commits   chan commit
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func NewService(cfg ServiceConfig) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	hub := cfg.Hub
	if hub == nil {
		hub = NewHub(logger)
	}
	s := &Service{
		dispatcher: cfg.Dispatcher,
		recognizer: cfg.Recognizer,
		sessions:   cfg.Sessions,
		status:     cfg.Status,
		hub:        hub,
		metrics:    cfg.Metrics,
		logger:     logger.With("component", "chat"),
		commits:    make(chan commit, commitBacklog),
		done:       make(chan struct{}),
	}
	s.wg.Add(1)
	go s.runCommits()
	return s
}

// Close stops the committed-speech worker. Pending commits are dropped.
func (s *Service) Close() {
	s.closeOnce.Do(func() { close(s.done) })
	s.wg.Wait()
}

func (s *Service) Hub() *Hub {
	return s.hub
}

// RecognitionHooks wires recognition results back into chat sessions.
func (s *Service) RecognitionHooks() asr.Hooks {
	return asr.Hooks{
		Notify: s.hub.Notify,
		Inject: s.Inject,
	}
}

// Connect opens or resumes the stored session and makes c its live client.
// An older client for the same session is closed and whatever it was still
// receiving is interrupted.
func (s *Service) Connect(ctx context.Context, c Client) error {
	sess, err := s.sessions.Open(ctx, c.SessionID(), c.UserID())
	if err != nil {
		return err
	}
	if old, replaced := s.hub.Register(c); replaced && old != c {
		s.logger.Info("replacing existing connection", "session_id", c.SessionID())
		// In-flight output is bound to the old client and its playback acks.
		if n := s.dispatcher.Interrupt(c.SessionID()); n > 0 {
			s.logger.Info("interrupted generation of replaced connection", "session_id", c.SessionID(), "cancelled", n)
		}
		_ = old.Close()
	}
	s.metrics.ConnectionOpened()

	msg := transport.NewMessage(transport.MessageTypeSystem, c.SessionID(), "connected").
		WithRole(transport.RoleSystem).
		WithMeta("thinking", sess.ThinkingEnabled).
		WithMeta("web_search", sess.WebSearchEnabled)
	s.reply(ctx, c, msg)
	return nil
}

// Disconnect tears down everything the session owns, unless a newer client
// has already taken the session over.
func (s *Service) Disconnect(c Client) {
	s.metrics.ConnectionClosed()
	if !s.hub.Unregister(c) {
		return
	}
	sid := c.SessionID()
	s.dispatcher.EndSession(sid)
	if s.recognizer != nil {
		s.recognizer.Deactivate(sid)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.sessions.End(ctx, sid, session.StatusEnded); err != nil {
		s.logger.Warn("failed to end session", "session_id", sid, "error", err)
	}
	s.logger.Info("session disconnected", "session_id", sid)
}

// Handle routes one inbound message from c.
func (s *Service) Handle(ctx context.Context, c Client, msg transport.Message) {
	msg.SessionID = c.SessionID()
	msg.UserID = c.UserID()

	switch msg.Type {
	case transport.MessageTypeText:
		s.handleText(ctx, c, msg)
	case transport.MessageTypeSystem:
		s.handleCommand(ctx, c, strings.TrimSpace(msg.Content))
	case transport.MessageTypePlaybackCompleted:
		s.handlePlayback(c, msg)
	case transport.MessageTypeASRAudioChunk:
		s.handleAudio(ctx, c, msg)
	case transport.MessageTypeASRToggle:
		enable := !s.recognizerActive(c.SessionID())
		if v, ok := msg.MetaBool("enabled"); ok {
			enable = v
		}
		s.setRecognition(ctx, c, enable)
	case transport.MessageTypeASRStartSession:
		s.setRecognition(ctx, c, true)
	case transport.MessageTypeASREndSession:
		s.setRecognition(ctx, c, false)
	default:
		s.logger.Debug("ignoring message", "session_id", c.SessionID(), "type", msg.Type)
		s.reply(ctx, c, transport.ErrorMessage(c.SessionID(), "unsupported_type", "Unsupported message type."))
	}
}

func (s *Service) handleText(ctx context.Context, c Client, msg transport.Message) {
	if strings.TrimSpace(msg.Content) == "" {
		return
	}
	sid := c.SessionID()
	logger := s.logger.With("session_id", sid)

	thinking, webSearch := false, false
	if sess, err := s.sessions.Get(ctx, sid); err == nil {
		thinking, webSearch = sess.ThinkingEnabled, sess.WebSearchEnabled
	} else {
		logger.Warn("session lookup failed, using default flags", "error", err)
	}
	msg = msg.WithRole(transport.RoleUser).
		WithMeta("thinking", thinking).
		WithMeta("web_search", webSearch)

	s.count(ctx, session.CounterMessages)
	taskID, err := s.dispatcher.Dispatch(ctx, msg, c)
	if err != nil {
		logger.Error("dispatch failed", "error", err)
		s.count(ctx, session.CounterErrors)
		s.reply(ctx, c, transport.ErrorMessage(sid, "dispatch_failed", "The message could not be processed."))
		return
	}
	logger.Debug("message dispatched", "task_id", taskID)
}

func (s *Service) handleCommand(ctx context.Context, c Client, command string) {
	sid := c.SessionID()
	switch command {
	case transport.CommandCheckService:
		var services map[string]string
		if s.status != nil {
			services = s.status.Report(ctx)
		}
		if services == nil {
			services = map[string]string{}
		}
		if s.recognizer != nil {
			services["asr"] = recognitionState(s.recognizer.Status())
		}
		s.reply(ctx, c, s.system(sid, command).WithMeta("services", services))
	case transport.CommandToggleThinking:
		s.toggle(ctx, c, command, session.FlagThinking)
	case transport.CommandToggleWebSearch:
		s.toggle(ctx, c, command, session.FlagWebSearch)
	case transport.CommandInterrupt:
		n := s.dispatcher.Interrupt(sid)
		s.count(ctx, session.CounterInterrupts)
		s.logger.Info("generation interrupted", "session_id", sid, "cancelled", n)
		s.reply(ctx, c, s.system(sid, command).WithMeta("cancelled", n))
	default:
		s.reply(ctx, c, transport.ErrorMessage(sid, "unknown_command", "Unknown command."))
	}
}

func (s *Service) toggle(ctx context.Context, c Client, command string, flag session.Flag) {
	value, err := s.sessions.Toggle(ctx, c.SessionID(), flag)
	if err != nil {
		s.logger.Error("toggle failed", "session_id", c.SessionID(), "flag", flag, "error", err)
		s.reply(ctx, c, transport.ErrorMessage(c.SessionID(), "toggle_failed", "Setting could not be changed."))
		return
	}
	s.reply(ctx, c, s.system(c.SessionID(), command).WithMeta("enabled", value))
}

func (s *Service) handlePlayback(c Client, msg transport.Message) {
	id := msg.MetaString("sentenceId")
	if id == "" {
		id = msg.SentenceID
	}
	if id == "" {
		return
	}
	if !s.dispatcher.PlaybackCompleted(c.SessionID(), id) {
		s.logger.Debug("stale playback acknowledgement", "session_id", c.SessionID(), "sentence_id", id)
	}
}

func (s *Service) handleAudio(ctx context.Context, c Client, msg transport.Message) {
	if s.recognizer == nil {
		return
	}
	payload, err := base64.StdEncoding.DecodeString(msg.MetaString("audio_data"))
	if err != nil || len(payload) == 0 {
		s.reply(ctx, c, s.recognitionError(c.SessionID(), "invalid_audio", "Audio chunk could not be decoded."))
		return
	}

	err = s.recognizer.PushAudio(c.SessionID(), payload)
	switch {
	case err == nil:
	case errors.Is(err, asr.ErrNotOwner), errors.Is(err, asr.ErrReconnecting):
		s.logger.Debug("audio chunk dropped", "session_id", c.SessionID(), "reason", err)
	default:
		s.logger.Warn("failed to forward audio", "session_id", c.SessionID(), "error", err)
	}
}

func (s *Service) setRecognition(ctx context.Context, c Client, enable bool) {
	sid := c.SessionID()
	if s.recognizer == nil {
		s.reply(ctx, c, s.recognitionError(sid, asr.CodeDisabled, "Speech recognition is not configured."))
		return
	}

	if enable {
		if err := s.recognizer.Activate(ctx, sid); err != nil {
			code := "asr_unavailable"
			if errors.Is(err, asr.ErrDisabled) {
				code = asr.CodeDisabled
			}
			s.logger.Warn("recognition activation failed", "session_id", sid, "error", err)
			s.reply(ctx, c, s.recognitionError(sid, code, "Speech recognition is unavailable."))
			return
		}
	} else {
		s.recognizer.Deactivate(sid)
	}

	if err := s.sessions.SetFlag(ctx, sid, session.FlagASR, enable); err != nil {
		s.logger.Warn("failed to store recognition flag", "session_id", sid, "error", err)
	}
	status := asr.StatusInactive
	if enable {
		status = asr.StatusActive
	}
	s.reply(ctx, c, transport.NewMessage(transport.MessageTypeASRStatus, sid, status).WithMeta("status", status))
}

// Inject queues committed speech to be handled as if the user had typed
// it. It never blocks the caller; a full backlog drops the commit.
func (s *Service) Inject(sessionID, text string) {
	select {
	case <-s.done:
		return
	default:
	}
	select {
	case s.commits <- commit{sessionID: sessionID, text: text}:
	default:
		s.logger.Warn("dropping committed speech, backlog full", "session_id", sessionID)
	}
}

func (s *Service) runCommits() {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case cm := <-s.commits:
			s.handleCommit(cm)
		}
	}
}

func (s *Service) handleCommit(cm commit) {
	c, ok := s.hub.Get(cm.sessionID)
	if !ok {
		s.logger.Debug("no client for committed speech", "session_id", cm.sessionID)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.count(ctx, session.CounterASRCommits)
	msg := transport.NewMessage(transport.MessageTypeText, cm.sessionID, cm.text).WithMeta("source", "asr")
	msg.UserID = c.UserID()
	s.handleText(ctx, c, msg)
}

func (s *Service) recognizerActive(sessionID string) bool {
	return s.recognizer != nil && s.recognizer.IsActive(sessionID)
}

func (s *Service) system(sessionID, content string) transport.Message {
	return transport.NewMessage(transport.MessageTypeSystem, sessionID, content).WithRole(transport.RoleSystem)
}

func (s *Service) recognitionError(sessionID, code, message string) transport.Message {
	msg := transport.NewMessage(transport.MessageTypeASRError, sessionID, message)
	msg.Code = code
	msg.Error = message
	return msg
}

func (s *Service) reply(ctx context.Context, c Client, msg transport.Message) {
	if err := c.Send(ctx, msg); err != nil {
		s.logger.Debug("reply not delivered", "session_id", c.SessionID(), "type", msg.Type, "error", err)
	}
}

func (s *Service) count(ctx context.Context, field string) {
	if err := s.sessions.IncrementMetric(ctx, field, 1); err != nil {
		s.logger.Debug("failed to increment counter", "field", field, "error", err)
	}
}

func recognitionState(st asr.Status) string {
	switch {
	case st.Disabled:
		return "disabled"
	case st.Reconnecting:
		return "reconnecting"
	case st.Connected:
		return "connected"
	default:
		return "idle"
	}
}
