package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func sseServer(t *testing.T, events []string, check func(*http.Request, chatRequest)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body chatRequest
		_ = json.NewDecoder(r.Body).Decode(&body)
		if check != nil {
			check(r, body)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, e := range events {
			fmt.Fprintf(w, "data: %s\n\n", e)
			w.(http.Flusher).Flush()
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestNewOpenAIClient_Validation(t *testing.T) {
	if _, err := NewOpenAIClient(Config{Model: "m"}, nil); err == nil {
		t.Error("expected error without base url")
	}
	if _, err := NewOpenAIClient(Config{BaseURL: "http://x"}, nil); err == nil {
		t.Error("expected error without model")
	}
}

func TestOpenAIClient_Generate(t *testing.T) {
	srv := sseServer(t, []string{
		`{"choices":[{"delta":{"reasoning_content":"hmm"}}]}`,
		`{"choices":[{"delta":{"content":"你好，"}}]}`,
		`not json`,
		`{"choices":[{"delta":{"content":"世界。"}}]}`,
		`[DONE]`,
	}, func(r *http.Request, body chatRequest) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer key" {
			t.Errorf("missing bearer token")
		}
		if !body.Stream || body.Model != "test-model" {
			t.Errorf("unexpected body %+v", body)
		}
		if len(body.Messages) != 2 || body.Messages[0].Role != "system" {
			t.Errorf("expected system + user messages, got %+v", body.Messages)
		}
	})

	c, err := NewOpenAIClient(Config{BaseURL: srv.URL, APIKey: "key", Model: "test-model", SystemPrompt: "be kind"}, nil)
	if err != nil {
		t.Fatalf("NewOpenAIClient: %v", err)
	}
	s, err := c.Generate(context.Background(), Request{SessionID: "s1", Text: "hi", Thinking: true})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	var text strings.Builder
	var reasoning, done int
	for chunk := range s.Chunks() {
		switch chunk.Kind {
		case ChunkText:
			text.WriteString(chunk.Text)
		case ChunkReasoning:
			reasoning++
		case ChunkDone:
			done++
		case ChunkError:
			t.Errorf("unexpected error chunk: %v", chunk.Err)
		}
	}
	if text.String() != "你好，世界。" {
		t.Errorf("text = %q", text.String())
	}
	if reasoning != 1 || done != 1 {
		t.Errorf("reasoning=%d done=%d", reasoning, done)
	}
}

func TestOpenAIClient_ReasoningDroppedWhenThinkingOff(t *testing.T) {
	srv := sseServer(t, []string{
		`{"choices":[{"delta":{"reasoning_content":"hmm","content":"ok"}}]}`,
		`[DONE]`,
	}, nil)
	c, _ := NewOpenAIClient(Config{BaseURL: srv.URL, Model: "m"}, nil)
	s, err := c.Generate(context.Background(), Request{Text: "hi"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	for chunk := range s.Chunks() {
		if chunk.Kind == ChunkReasoning {
			t.Error("reasoning should be dropped when thinking is off")
		}
	}
}

func TestOpenAIClient_UpstreamError(t *testing.T) {
	srv := sseServer(t, []string{
		`{"error":{"message":"rate limited"}}`,
	}, nil)
	c, _ := NewOpenAIClient(Config{BaseURL: srv.URL, Model: "m"}, nil)
	s, err := c.Generate(context.Background(), Request{Text: "hi"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	var last Chunk
	for chunk := range s.Chunks() {
		last = chunk
	}
	if last.Kind != ChunkError || !strings.Contains(last.Err.Error(), "rate limited") {
		t.Errorf("expected error chunk, got %+v", last)
	}
}

func TestOpenAIClient_BadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusUnauthorized)
	}))
	defer srv.Close()

	c, _ := NewOpenAIClient(Config{BaseURL: srv.URL, Model: "m"}, nil)
	if _, err := c.Generate(context.Background(), Request{Text: "hi"}); err == nil {
		t.Error("expected error for non-200 status")
	}
}
