package session

import (
	"strconv"
	"time"
)

type Status string

const (
	StatusActive Status = "active"
	StatusEnded  Status = "ended"
	StatusError  Status = "error"
)

// Session holds the per-connection chat flags that outlive a single message.
type Session struct {
	ID               string    `json:"id"`
	UserID           string    `json:"user_id"`
	Status           Status    `json:"status"`
	ThinkingEnabled  bool      `json:"thinking_enabled"`
	WebSearchEnabled bool      `json:"web_search_enabled"`
	ASREnabled       bool      `json:"asr_enabled"`
	StartedAt        time.Time `json:"started_at"`
	LastActiveAt     time.Time `json:"last_active_at"`
}

func (s *Session) RedisKey() string {
	return sessionKey(s.ID)
}

func sessionKey(id string) string {
	return "chat:session:" + id
}

type Flag string

const (
	FlagThinking  Flag = "thinking_enabled"
	FlagWebSearch Flag = "web_search_enabled"
	FlagASR       Flag = "asr_enabled"
)

// Counter fields tracked per hour.
const (
	CounterSessions   = "sessions"
	CounterMessages   = "messages"
	CounterInterrupts = "interrupts"
	CounterASRCommits = "asr_commits"
	CounterErrors     = "error_count"
)

type Metrics struct {
	Date       string `json:"date"`
	Hour       int    `json:"hour"`
	Sessions   int64  `json:"sessions"`
	Messages   int64  `json:"messages"`
	Interrupts int64  `json:"interrupts"`
	ASRCommits int64  `json:"asr_commits"`
	ErrorCount int64  `json:"error_count"`
}

func MetricsRedisKey(date string, hour int) string {
	return "chat:metrics:" + date + ":" + strconv.Itoa(hour)
}
