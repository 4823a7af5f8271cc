package synthesis

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/eleven-am/companion-backend/internal/shared"
)

const maxErrorBody = 4 << 10

type Client struct {
	baseURL string
	token   string
	http    *http.Client
	backoff shared.BackoffConfig
	log     *slog.Logger
}

func New(cfg Config, log *slog.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("synthesis: base url is required")
	}
	if log == nil {
		log = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		http:    &http.Client{Timeout: timeout},
		backoff: normalizeBackoff(cfg.Backoff),
		log:     log.With("component", "synthesis"),
	}, nil
}

type synthesizeResponse struct {
	Audio      string `json:"audio"`
	Format     string `json:"format"`
	SampleRate int    `json:"sample_rate"`
}

type errorResponse struct {
	Error   *Error `json:"error"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

// Synthesize retries transport failures and 5xx responses with backoff.
// Service-reported errors and cancellation are returned immediately.
func (c *Client) Synthesize(ctx context.Context, req Request) (*Result, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, &Error{Message: "empty text", Code: "empty_text"}
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	delay := c.backoff.Initial
	var lastErr error
	for attempt := 0; attempt < c.backoff.MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
			delay = c.backoff.Next(delay)
		}

		res, retry, err := c.do(ctx, body)
		if err == nil {
			return res, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err
		if !retry {
			return nil, err
		}
		c.log.Warn("synthesis attempt failed", "attempt", attempt+1, "error", err)
	}
	return nil, fmt.Errorf("synthesize: %w", lastErr)
}

func (c *Client) do(ctx context.Context, body []byte) (*Result, bool, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/synthesize", bytes.NewReader(body))
	if err != nil {
		return nil, false, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, true, fmt.Errorf("post synthesize: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, resp.StatusCode >= 500, decodeError(resp)
	}

	var out synthesizeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, false, fmt.Errorf("decode response: %w", err)
	}
	audio, err := base64.StdEncoding.DecodeString(out.Audio)
	if err != nil {
		return nil, false, fmt.Errorf("decode audio: %w", err)
	}
	if len(audio) == 0 {
		return nil, false, &Error{Message: "service returned no audio", Code: "empty_audio"}
	}
	return &Result{Audio: audio, Format: out.Format, SampleRate: out.SampleRate}, false, nil
}

func decodeError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	var er errorResponse
	if err := json.Unmarshal(data, &er); err == nil {
		if er.Error != nil && er.Error.Message != "" {
			return er.Error
		}
		if er.Message != "" {
			return &Error{Message: er.Message, Code: er.Code}
		}
	}
	msg := strings.TrimSpace(string(data))
	if msg == "" {
		msg = resp.Status
	}
	return &Error{Message: msg, Code: fmt.Sprintf("http_%d", resp.StatusCode)}
}

// Ping reports whether the service answers its health endpoint.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("synthesis health: %s", resp.Status)
	}
	return nil
}

// IsServiceError reports whether err was produced by the service rather than
// the transport.
func IsServiceError(err error) bool {
	var se *Error
	return errors.As(err, &se)
}

func normalizeBackoff(cfg shared.BackoffConfig) shared.BackoffConfig {
	if cfg.Initial <= 0 {
		cfg.Initial = 100 * time.Millisecond
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 2 * time.Second
	}
	return cfg
}
