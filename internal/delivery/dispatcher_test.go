package delivery

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/eleven-am/companion-backend/internal/llm"
	"github.com/eleven-am/companion-backend/internal/preferences"
	"github.com/eleven-am/companion-backend/internal/shared"
	"github.com/eleven-am/companion-backend/internal/tasks"
	"github.com/eleven-am/companion-backend/internal/transport"
)

type dispatcherFixture struct {
	d        *Dispatcher
	registry *tasks.Registry
	gen      *scriptedGenerator
	synth    *fakeSynth
	sink     *recordingSink
}

func newFixture(gen *scriptedGenerator, prefs PreferenceSource, regs ...Registration) *dispatcherFixture {
	registry := tasks.NewRegistry(tasks.Config{}, nil)
	synth := &fakeSynth{}
	return &dispatcherFixture{
		d: NewDispatcher(DispatcherConfig{
			Registry:         registry,
			Generator:        gen,
			Synthesizer:      synth,
			Preferences:      prefs,
			Registrations:    regs,
			DefaultVoice:     Voice{SpeakerID: "default", Format: "wav"},
			SynthesisTimeout: time.Second,
		}),
		registry: registry,
		gen:      gen,
		synth:    synth,
		sink:     &recordingSink{},
	}
}

func (f *dispatcherFixture) dispatch(t *testing.T, sessionID, content string) string {
	t.Helper()
	msg := transport.NewMessage(transport.MessageTypeText, sessionID, content)
	msg.UserID = "user_1"
	id, err := f.d.Dispatch(context.Background(), msg, f.sink)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	return id
}

func (f *dispatcherFixture) waitIdle(t *testing.T) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if f.registry.ActiveCount() == 0 {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("tasks did not finish")
}

func prefsWith(textOn, live2dOn bool) PreferenceSource {
	return staticPrefs{pref: &preferences.ChannelPreference{TextEnabled: textOn, Live2DEnabled: live2dOn}}
}

func joinText(msgs []transport.Message) string {
	var b strings.Builder
	for _, m := range msgs {
		b.WriteString(m.Content)
	}
	return b.String()
}

func TestDispatch_TextChannel(t *testing.T) {
	gen := &scriptedGenerator{script: []llm.Chunk{
		{Kind: llm.ChunkReasoning, Text: "thinking..."},
		text("Hello "),
		text("there."),
	}}
	f := newFixture(gen, prefsWith(true, false))
	id := f.dispatch(t, "s1", "hi")
	if !strings.HasPrefix(id, "s1_task_1_") {
		t.Errorf("unexpected task id %q", id)
	}
	f.waitIdle(t)

	texts := f.sink.ofType(transport.MessageTypeText)
	if len(texts) != 3 {
		t.Fatalf("expected 2 chunks and a completion, got %d", len(texts))
	}
	if joinText(texts) != "Hello there." {
		t.Errorf("text = %q", joinText(texts))
	}
	last := texts[len(texts)-1]
	if !last.StreamComplete || last.Content != "" {
		t.Errorf("last text message should be the empty completion, got %+v", last)
	}
	if thinking := f.sink.ofType(transport.MessageTypeThinking); len(thinking) != 1 {
		t.Errorf("expected reasoning forwarded once, got %d", len(thinking))
	}
	if len(f.sink.ofType(transport.MessageTypeSentenceDisplay)) != 0 {
		t.Error("live2d channel is disabled")
	}
}

func TestDispatch_Live2DChannel(t *testing.T) {
	gen := &scriptedGenerator{script: []llm.Chunk{text("你好，"), text("世界。今天")}}
	f := newFixture(gen, prefsWith(false, true))
	f.dispatch(t, "s1", "hi")
	f.waitIdle(t)

	if n := len(f.sink.ofType(transport.MessageTypeText)); n != 0 {
		t.Errorf("text channel is disabled, got %d text messages", n)
	}

	display := f.sink.waitForType(t, transport.MessageTypeSentenceDisplay, 1)
	if display[0].Content != "你好，" || *display[0].SentenceOrder != 0 {
		t.Errorf("unexpected first display %+v", display[0])
	}

	for i, want := range []string{"你好，", "世界。", "今天"} {
		audio := f.sink.waitForType(t, transport.MessageTypeSentenceAudio, i+1)
		if audio[i].Content != want {
			t.Errorf("sentence %d = %q, want %q", i, audio[i].Content, want)
		}
		if !f.d.PlaybackCompleted("s1", audio[i].SentenceID) {
			t.Errorf("playback completion for %s should advance", audio[i].SentenceID)
		}
	}
	f.sink.waitForType(t, transport.MessageTypeAllComplete, 1)
}

func TestDispatch_BothChannels(t *testing.T) {
	gen := &scriptedGenerator{script: []llm.Chunk{text("One. "), text("Two.")}}
	f := newFixture(gen, prefsWith(true, true))
	f.dispatch(t, "s1", "hi")
	f.waitIdle(t)

	if joinText(f.sink.ofType(transport.MessageTypeText)) != "One. Two." {
		t.Error("text channel should receive every chunk")
	}
	f.sink.waitForType(t, transport.MessageTypeSentenceDisplay, 1)
}

func TestDispatch_NoChannelFallsBackToText(t *testing.T) {
	gen := &scriptedGenerator{script: []llm.Chunk{text("plain")}}
	f := newFixture(gen, prefsWith(false, false))
	f.dispatch(t, "s1", "hi")
	f.waitIdle(t)

	if joinText(f.sink.ofType(transport.MessageTypeText)) != "plain" {
		t.Error("disabled channels should fall back to plain text")
	}
}

func TestDispatch_PreferenceErrorUsesDefaults(t *testing.T) {
	gen := &scriptedGenerator{script: []llm.Chunk{text("x")}}
	f := newFixture(gen, staticPrefs{err: errors.New("db down")})
	f.dispatch(t, "s1", "hi")
	f.waitIdle(t)
	if len(f.sink.ofType(transport.MessageTypeText)) == 0 {
		t.Error("defaults enable the text channel")
	}
}

func TestDispatch_ErrorBeforeContent(t *testing.T) {
	gen := &scriptedGenerator{script: []llm.Chunk{{Kind: llm.ChunkError, Err: errUpstream}}}
	f := newFixture(gen, prefsWith(true, false))
	f.dispatch(t, "s1", "hi")
	f.waitIdle(t)

	if errs := f.sink.ofType(transport.MessageTypeError); len(errs) != 1 {
		t.Fatalf("expected exactly one error message, got %d", len(errs))
	}
	if n := len(f.sink.ofType(transport.MessageTypeText)); n != 0 {
		t.Errorf("no text should be delivered, got %d", n)
	}
}

func TestDispatch_ErrorAfterContent(t *testing.T) {
	gen := &scriptedGenerator{script: []llm.Chunk{text("partial"), {Kind: llm.ChunkError, Err: errUpstream}}}
	f := newFixture(gen, prefsWith(true, false))
	f.dispatch(t, "s1", "hi")
	f.waitIdle(t)

	if n := len(f.sink.ofType(transport.MessageTypeError)); n != 0 {
		t.Errorf("partial output should end cleanly, got %d error messages", n)
	}
	texts := f.sink.ofType(transport.MessageTypeText)
	if len(texts) != 2 || !texts[1].StreamComplete {
		t.Errorf("expected chunk plus completion, got %+v", texts)
	}
}

func TestDispatch_GenerateFails(t *testing.T) {
	gen := &scriptedGenerator{err: errUpstream}
	f := newFixture(gen, prefsWith(true, false))
	f.dispatch(t, "s1", "hi")
	f.waitIdle(t)
	if len(f.sink.ofType(transport.MessageTypeError)) != 1 {
		t.Error("connection failure should surface one error message")
	}
}

func TestDispatch_PassesFlags(t *testing.T) {
	gen := &scriptedGenerator{}
	f := newFixture(gen, prefsWith(true, false))
	msg := transport.NewMessage(transport.MessageTypeText, "s1", "hi").WithMeta("thinking", true)
	if _, err := f.d.Dispatch(context.Background(), msg, f.sink); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	f.waitIdle(t)
	req := gen.lastRequest()
	if !req.Thinking || req.WebSearch || req.Text != "hi" {
		t.Errorf("unexpected request %+v", req)
	}
}

func TestDispatch_MissingSession(t *testing.T) {
	f := newFixture(&scriptedGenerator{}, nil)
	_, err := f.d.Dispatch(context.Background(), transport.NewMessage(transport.MessageTypeText, "", "hi"), f.sink)
	if !errors.Is(err, shared.ErrBadRequest) {
		t.Errorf("expected ErrBadRequest, got %v", err)
	}
}

func TestDispatch_CancelStopsDelivery(t *testing.T) {
	gen := &scriptedGenerator{script: []llm.Chunk{text("first")}, block: true}
	f := newFixture(gen, prefsWith(true, false))
	id := f.dispatch(t, "s1", "hi")
	f.sink.waitForType(t, transport.MessageTypeText, 1)

	if !f.registry.Cancel(id) {
		t.Fatal("cancel should report true for a running task")
	}
	if f.registry.Cancel(id) {
		t.Error("second cancel should report false")
	}
	f.waitIdle(t)

	texts := f.sink.ofType(transport.MessageTypeText)
	for _, m := range texts {
		if m.StreamComplete {
			t.Error("a cancelled generation must not report completion")
		}
	}
	if len(f.sink.ofType(transport.MessageTypeError)) != 0 {
		t.Error("cancellation is not an error")
	}
}

func TestDispatch_NewMessageInterruptsPrevious(t *testing.T) {
	gen := &scriptedGenerator{script: []llm.Chunk{text("First sentence. ")}, block: true}
	f := newFixture(gen, prefsWith(true, true))
	first := f.dispatch(t, "s1", "one")
	f.sink.waitForType(t, transport.MessageTypeText, 1)

	second := f.dispatch(t, "s1", "two")
	if first == second {
		t.Fatal("task ids must differ")
	}
	if !f.registry.IsCancelled(first) && f.registry.IsActive(first) {
		t.Error("previous task should be cancelled by the new dispatch")
	}
	if !f.registry.IsActive(second) {
		t.Error("new task should be running")
	}
	f.d.EndSession("s1")
	f.waitIdle(t)
}

func TestDispatch_OtherSessionUnaffected(t *testing.T) {
	gen := &scriptedGenerator{block: true}
	f := newFixture(gen, prefsWith(true, false))
	a := f.dispatch(t, "s1", "hi")
	b := f.dispatch(t, "s10", "hi")

	f.d.Interrupt("s1")
	if f.registry.IsActive(a) {
		t.Error("s1 task should be cancelled")
	}
	if !f.registry.IsActive(b) {
		t.Error("s10 task should be unaffected")
	}
	f.d.EndSession("s10")
	f.waitIdle(t)
}

func TestDispatch_SentenceIDsUniqueAcrossTurns(t *testing.T) {
	gen := &scriptedGenerator{script: []llm.Chunk{text("Hi.")}}
	f := newFixture(gen, prefsWith(false, true))

	f.dispatch(t, "s1", "one")
	f.waitIdle(t)
	first := f.sink.waitForType(t, transport.MessageTypeSentenceDisplay, 1)[0]

	f.dispatch(t, "s1", "two")
	f.waitIdle(t)
	second := f.sink.waitForType(t, transport.MessageTypeSentenceDisplay, 2)[1]

	if first.SentenceID == second.SentenceID {
		t.Errorf("sentence id %q reused across turns", first.SentenceID)
	}
	if f.d.PlaybackCompleted("s1", first.SentenceID) {
		t.Error("completion for a superseded sentence should be ignored")
	}
}

func TestDispatch_EndSession(t *testing.T) {
	gen := &scriptedGenerator{script: []llm.Chunk{text("One. Two.")}}
	f := newFixture(gen, prefsWith(false, true))
	f.dispatch(t, "s1", "hi")
	f.waitIdle(t)
	f.sink.waitForType(t, transport.MessageTypeSentenceDisplay, 1)

	f.d.EndSession("s1")
	if _, ok := f.d.QueueState("s1"); ok {
		t.Error("queue should be released")
	}
	if f.d.PlaybackCompleted("s1", "s1_sentence_0") {
		t.Error("completions after EndSession should be ignored")
	}
	if f.d.ActiveSessions() != 0 {
		t.Errorf("expected no active sessions, got %d", f.d.ActiveSessions())
	}
}

func TestDispatch_FailingChannelDoesNotAffectSiblings(t *testing.T) {
	gen := &scriptedGenerator{script: []llm.Chunk{text("still here")}}
	always := func(*preferences.ChannelPreference) bool { return true }
	f := newFixture(gen, prefsWith(true, false),
		Registration{ChannelType: "broken", Strategy: StrategyKind(42), Enabled: always},
		Registration{ChannelType: "text", Strategy: StrategyImmediate, Enabled: always},
	)
	f.dispatch(t, "s1", "hi")
	f.waitIdle(t)
	if joinText(f.sink.ofType(transport.MessageTypeText)) != "still here" {
		t.Error("text channel should be delivered despite the broken sibling")
	}
}

func TestStrategyKind_String(t *testing.T) {
	if StrategyImmediate.String() != "immediate" || StrategySynchronized.String() != "synchronized" {
		t.Error("unexpected strategy names")
	}
	if StrategyKind(7).String() != "unknown" {
		t.Error("unknown strategy should say so")
	}
}
