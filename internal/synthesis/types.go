package synthesis

import (
	"fmt"
	"time"

	"github.com/eleven-am/companion-backend/internal/shared"
)

type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration
	Backoff shared.BackoffConfig
}

type Request struct {
	Text      string  `json:"text"`
	SpeakerID string  `json:"speaker_id,omitempty"`
	Speed     float64 `json:"speed,omitempty"`
	Format    string  `json:"format,omitempty"`
}

type Result struct {
	Audio      []byte
	Format     string
	SampleRate int
}

// Error is a failure reported by the synthesis service itself.
type Error struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

func (e *Error) Error() string {
	if e.Code == "" {
		return "synthesis: " + e.Message
	}
	return fmt.Sprintf("synthesis: %s (%s)", e.Message, e.Code)
}

// Outcome is the settled value of an asynchronous synthesis call.
type Outcome struct {
	Result *Result
	Err    error
}
