package asr

import (
	"context"
	"errors"
	"time"

	"github.com/eleven-am/companion-backend/internal/transport"
)

var (
	ErrNotOwner     = errors.New("session does not own the recognition stream")
	ErrReconnecting = errors.New("recognition service is reconnecting")
	ErrDisabled     = errors.New("recognition service disabled after repeated failures")
	ErrClosed       = errors.New("recognition gateway closed")
)

// Conn is the subset of a websocket connection the gateway needs.
// *websocket.Conn satisfies it.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// Hooks connect the gateway back to chat sessions.
type Hooks struct {
	// Notify delivers a message to one chat session.
	Notify func(sessionID string, msg transport.Message)
	// Inject feeds committed speech back in as if the user typed it.
	Inject func(sessionID, text string)
}

type Config struct {
	URL                  string
	Token                string
	ConnectTimeout       time.Duration
	ReconnectDelay       time.Duration
	MaxReconnectAttempts int
	CommitConfidence     float64
}

const (
	defaultConnectTimeout   = 10 * time.Second
	defaultReconnectDelay   = 2 * time.Second
	defaultMaxReconnects    = 5
	defaultCommitConfidence = 0.6
)

func (c Config) withDefaults() Config {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = defaultConnectTimeout
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = defaultReconnectDelay
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = defaultMaxReconnects
	}
	if c.CommitConfidence <= 0 {
		c.CommitConfidence = defaultCommitConfidence
	}
	return c
}

type Status struct {
	Connected     bool   `json:"connected"`
	Reconnecting  bool   `json:"reconnecting"`
	Disabled      bool   `json:"disabled"`
	ActiveSession string `json:"active_session,omitempty"`
	Attempts      int    `json:"reconnect_attempts"`
}

// Upstream wire format.
const (
	eventStartSession  = "start_session"
	eventEndSession    = "end_session"
	eventAudioChunk    = "audio_chunk"
	eventFinalResult   = "final_result"
	eventPartialResult = "partial_result"
	eventSpeechStatus  = "speech_status"
	eventError         = "error"
)

type outboundEvent struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Data      string `json:"data,omitempty"`
}

type inboundEvent struct {
	Type       string   `json:"type"`
	SessionID  string   `json:"session_id,omitempty"`
	Text       string   `json:"text,omitempty"`
	Confidence *float64 `json:"confidence,omitempty"`
	Status     string   `json:"status,omitempty"`
	Message    string   `json:"message,omitempty"`
	Code       string   `json:"code,omitempty"`
}

// Client-facing status values.
const (
	StatusActive    = "active"
	StatusInactive  = "inactive"
	StatusTakenOver = "taken_over"
	CodeDisabled    = "asr_disabled"
)
