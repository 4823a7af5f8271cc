package llm

import (
	"context"
	"time"
)

type ChunkKind int

const (
	ChunkText ChunkKind = iota
	ChunkReasoning
	ChunkDone
	ChunkError
)

func (k ChunkKind) String() string {
	switch k {
	case ChunkText:
		return "text"
	case ChunkReasoning:
		return "reasoning"
	case ChunkDone:
		return "done"
	case ChunkError:
		return "error"
	default:
		return "unknown"
	}
}

type Chunk struct {
	Kind ChunkKind
	Text string
	Err  error
}

type Request struct {
	SessionID string
	UserID    string
	Text      string
	Thinking  bool
	WebSearch bool
}

type Generator interface {
	Generate(ctx context.Context, req Request) (*Stream, error)
}

type Config struct {
	BaseURL      string
	APIKey       string
	Model        string
	SystemPrompt string
	Temperature  float64
	MaxTokens    int
	Timeout      time.Duration
}
