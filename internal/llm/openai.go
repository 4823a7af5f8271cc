package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const (
	maxLineSize  = 1 << 20
	maxErrorBody = 4 << 10
)

// OpenAIClient streams completions from any OpenAI-compatible
// /chat/completions endpoint.
type OpenAIClient struct {
	cfg  Config
	http *http.Client
	log  *slog.Logger
}

func NewOpenAIClient(cfg Config, log *slog.Logger) (*OpenAIClient, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("llm: base url is required")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("llm: model is required")
	}
	if log == nil {
		log = slog.Default()
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	// Streams can legitimately run long; the timeout only bounds connection setup.
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = timeout
	return &OpenAIClient{
		cfg:  cfg,
		http: &http.Client{Transport: transport},
		log:  log.With("component", "llm"),
	}, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model           string        `json:"model"`
	Messages        []chatMessage `json:"messages"`
	Stream          bool          `json:"stream"`
	Temperature     float64       `json:"temperature,omitempty"`
	MaxTokens       int           `json:"max_tokens,omitempty"`
	ReasoningEffort string        `json:"reasoning_effort,omitempty"`
}

type chatChunk struct {
	Choices []struct {
		Delta struct {
			Content          string `json:"content"`
			ReasoningContent string `json:"reasoning_content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (c *OpenAIClient) buildRequest(req Request) chatRequest {
	msgs := make([]chatMessage, 0, 2)
	if c.cfg.SystemPrompt != "" {
		msgs = append(msgs, chatMessage{Role: "system", Content: c.cfg.SystemPrompt})
	}
	msgs = append(msgs, chatMessage{Role: "user", Content: req.Text})
	body := chatRequest{
		Model:       c.cfg.Model,
		Messages:    msgs,
		Stream:      true,
		Temperature: c.cfg.Temperature,
		MaxTokens:   c.cfg.MaxTokens,
	}
	if req.Thinking {
		body.ReasoningEffort = "medium"
	}
	return body
}

// Generate opens the stream. A failure to reach the endpoint is returned
// directly; anything after the response headers arrives as an error chunk.
func (c *OpenAIClient) Generate(ctx context.Context, req Request) (*Stream, error) {
	payload, err := json.Marshal(c.buildRequest(req))
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if c.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("post completion: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer cancel()
		defer resp.Body.Close()
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, fmt.Errorf("completion status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	log := c.log.With("session_id", req.SessionID)
	return NewStream(ctx, func(ctx context.Context, emit func(Chunk) bool) error {
		defer cancel()
		defer resp.Body.Close()
		return readEvents(ctx, resp.Body, req.Thinking, emit, log)
	}), nil
}

func readEvents(ctx context.Context, body io.Reader, thinking bool, emit func(Chunk) bool, log *slog.Logger) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64<<10), maxLineSize)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			return nil
		}

		var chunk chatChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			log.Debug("skipping unparseable event", "error", err)
			continue
		}
		if chunk.Error != nil {
			return fmt.Errorf("upstream: %s", chunk.Error.Message)
		}
		if len(chunk.Choices) == 0 {
			continue
		}

		delta := chunk.Choices[0].Delta
		if thinking && delta.ReasoningContent != "" {
			if !emit(Chunk{Kind: ChunkReasoning, Text: delta.ReasoningContent}) {
				return ctx.Err()
			}
		}
		if delta.Content != "" {
			if !emit(Chunk{Kind: ChunkText, Text: delta.Content}) {
				return ctx.Err()
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read stream: %w", err)
	}
	return nil
}
