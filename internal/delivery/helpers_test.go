package delivery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/eleven-am/companion-backend/internal/llm"
	"github.com/eleven-am/companion-backend/internal/preferences"
	"github.com/eleven-am/companion-backend/internal/synthesis"
	"github.com/eleven-am/companion-backend/internal/transport"
)

type recordingSink struct {
	mu   sync.Mutex
	msgs []transport.Message
}

func (r *recordingSink) Send(_ context.Context, msg transport.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	return nil
}

func (r *recordingSink) messages() []transport.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]transport.Message, len(r.msgs))
	copy(out, r.msgs)
	return out
}

func (r *recordingSink) ofType(t transport.MessageType) []transport.Message {
	var out []transport.Message
	for _, m := range r.messages() {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return out
}

func (r *recordingSink) waitForType(t *testing.T, mt transport.MessageType, n int) []transport.Message {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got := r.ofType(mt); len(got) >= n {
			return got
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d %s messages, have %d", n, mt, len(r.ofType(mt)))
	return nil
}

type fakeSynth struct {
	mu     sync.Mutex
	fail   map[string]bool
	broken bool
	delay  time.Duration
	calls  []string
}

func (f *fakeSynth) Synthesize(ctx context.Context, req synthesis.Request) (*synthesis.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req.Text)
	fail := f.fail[req.Text]
	broken := f.broken
	delay := f.delay
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if fail {
		return nil, &synthesis.Error{Message: "voice unavailable", Code: "no_voice"}
	}
	if broken {
		return nil, errSynthDown
	}
	return &synthesis.Result{Audio: []byte("audio:" + req.Text), Format: "wav"}, nil
}

func (f *fakeSynth) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// scriptedGenerator replays chunks; a nil script blocks until cancelled.
type scriptedGenerator struct {
	script   []llm.Chunk
	err      error
	block    bool
	mu       sync.Mutex
	requests []llm.Request
}

func (g *scriptedGenerator) Generate(ctx context.Context, req llm.Request) (*llm.Stream, error) {
	g.mu.Lock()
	g.requests = append(g.requests, req)
	g.mu.Unlock()
	if g.err != nil {
		return nil, g.err
	}
	return llm.NewStream(ctx, func(ctx context.Context, emit func(llm.Chunk) bool) error {
		for _, c := range g.script {
			if c.Kind == llm.ChunkError {
				return c.Err
			}
			if !emit(c) {
				return ctx.Err()
			}
		}
		if g.block {
			<-ctx.Done()
			return ctx.Err()
		}
		return nil
	}), nil
}

func (g *scriptedGenerator) lastRequest() llm.Request {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.requests[len(g.requests)-1]
}

type staticPrefs struct {
	pref *preferences.ChannelPreference
	err  error
}

func (s staticPrefs) Lookup(_ context.Context, userID string) (*preferences.ChannelPreference, error) {
	if s.err != nil {
		return nil, s.err
	}
	p := *s.pref
	p.UserID = userID
	return &p, nil
}

var (
	errUpstream  = errors.New("upstream unavailable")
	errSynthDown = errors.New("dial tcp: connection refused")
)

func text(s string) llm.Chunk { return llm.Chunk{Kind: llm.ChunkText, Text: s} }
