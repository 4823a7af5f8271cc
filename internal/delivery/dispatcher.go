package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eleven-am/companion-backend/internal/llm"
	"github.com/eleven-am/companion-backend/internal/observability"
	"github.com/eleven-am/companion-backend/internal/preferences"
	"github.com/eleven-am/companion-backend/internal/segment"
	"github.com/eleven-am/companion-backend/internal/shared"
	"github.com/eleven-am/companion-backend/internal/synthesis"
	"github.com/eleven-am/companion-backend/internal/tasks"
	"github.com/eleven-am/companion-backend/internal/transport"
	"github.com/puzpuzpuz/xsync/v3"
)

func errUnknownStrategy(k StrategyKind) error {
	return fmt.Errorf("unknown delivery strategy %d", int(k))
}

type PreferenceSource interface {
	Lookup(ctx context.Context, userID string) (*preferences.ChannelPreference, error)
}

type DispatcherConfig struct {
	Registry         *tasks.Registry
	Generator        llm.Generator
	Synthesizer      synthesis.Synthesizer
	Preferences      PreferenceSource
	Registrations    []Registration
	SegmentOptions   []segment.Option
	DefaultVoice     Voice
	SynthesisTimeout time.Duration
	Metrics          *observability.Metrics
	Log              *slog.Logger
}

// arena holds the synchronized state a session keeps across turns. The
// segmenter outlives turns so sentence ids stay unique within a session.
type arena struct {
	mu      sync.Mutex
	seg     *segment.Segmenter
	current *turn
}

type Dispatcher struct {
	registry      *tasks.Registry
	generator     llm.Generator
	synth         synthesis.Synthesizer
	prefs         PreferenceSource
	registrations []Registration
	segOpts       []segment.Option
	voice         Voice
	synthTimeout  time.Duration
	metrics       *observability.Metrics
	log           *slog.Logger

	arenas *xsync.MapOf[string, *arena]
	seqs   *xsync.MapOf[string, *atomic.Int64]
}

func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	regs := cfg.Registrations
	if len(regs) == 0 {
		regs = DefaultRegistrations()
	}
	timeout := cfg.SynthesisTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Dispatcher{
		registry:      cfg.Registry,
		generator:     cfg.Generator,
		synth:         cfg.Synthesizer,
		prefs:         cfg.Preferences,
		registrations: regs,
		segOpts:       cfg.SegmentOptions,
		voice:         cfg.DefaultVoice,
		synthTimeout:  timeout,
		metrics:       cfg.Metrics,
		log:           log.With("component", "dispatcher"),
		arenas:        xsync.NewMapOf[string, *arena](),
		seqs:          xsync.NewMapOf[string, *atomic.Int64](),
	}
}

// Dispatch starts one generation for msg and fans its output out to every
// channel the caller has enabled. Whatever the session was still producing
// is cancelled first. The returned task id cancels delivery on all channels.
func (d *Dispatcher) Dispatch(ctx context.Context, msg transport.Message, sink transport.Sink) (string, error) {
	sessionID := msg.SessionID
	if sessionID == "" {
		return "", fmt.Errorf("dispatch: missing session id: %w", shared.ErrBadRequest)
	}
	log := d.log.With("session_id", sessionID)

	if n := d.Interrupt(sessionID); n > 0 {
		log.Info("interrupted previous generation", "cancelled", n)
	}

	prefs := d.lookupPreferences(ctx, msg.UserID, log)
	outlets := d.activeOutlets(sessionID, prefs, sink)

	thinking, _ := msg.MetaBool("thinking")
	webSearch, _ := msg.MetaBool("web_search")
	req := llm.Request{
		SessionID: sessionID,
		UserID:    msg.UserID,
		Text:      msg.Content,
		Thinking:  thinking,
		WebSearch: webSearch,
	}

	taskID := tasks.NewTaskID(sessionID, d.nextSeq(sessionID))
	work := func(ctx context.Context) error {
		return d.route(ctx, taskID, req, sink, outlets, log.With("task_id", taskID))
	}
	if err := d.registry.Submit(taskID, work); err != nil {
		return "", fmt.Errorf("dispatch: %w", err)
	}
	return taskID, nil
}

func (d *Dispatcher) lookupPreferences(ctx context.Context, userID string, log *slog.Logger) *preferences.ChannelPreference {
	if d.prefs == nil {
		return preferences.Default(userID)
	}
	p, err := d.prefs.Lookup(ctx, userID)
	if err != nil {
		log.Warn("preference lookup failed, using defaults", "user_id", userID, "error", err)
		return preferences.Default(userID)
	}
	return p
}

func (d *Dispatcher) activeOutlets(sessionID string, prefs *preferences.ChannelPreference, sink transport.Sink) []*outlet {
	var outlets []*outlet
	var syncTurn *turn
	for _, reg := range d.registrations {
		if reg.Enabled == nil || !reg.Enabled(prefs) {
			continue
		}
		o := &outlet{channel: reg.ChannelType, kind: reg.Strategy, sink: sink}
		if reg.Strategy == StrategySynchronized {
			if syncTurn == nil {
				syncTurn = d.startTurn(sessionID, sink, d.voiceFor(prefs))
			}
			o.turn = syncTurn
		}
		outlets = append(outlets, o)
	}
	if len(outlets) == 0 {
		outlets = append(outlets, &outlet{channel: preferences.ChannelText, kind: StrategyImmediate, sink: sink})
	}
	return outlets
}

func (d *Dispatcher) voiceFor(p *preferences.ChannelPreference) Voice {
	v := d.voice
	if p.SpeakerID != "" {
		v.SpeakerID = p.SpeakerID
	}
	if p.SpeechSpeed > 0 {
		v.Speed = p.SpeechSpeed
	}
	if p.AudioFormat != "" {
		v.Format = p.AudioFormat
	}
	return v
}

// startTurn replaces the session's current turn, discarding whatever the
// previous one still had queued.
func (d *Dispatcher) startTurn(sessionID string, sink transport.Sink, voice Voice) *turn {
	a, _ := d.arenas.LoadOrCompute(sessionID, func() *arena {
		return &arena{seg: segment.New(d.segOpts...)}
	})

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.current != nil {
		a.current.close()
	}
	t := &turn{
		sessionID: sessionID,
		seg:       a.seg,
		queue: NewSyncQueue(QueueConfig{
			SessionID: sessionID,
			Sink:      sink,
			Synth:     d.synth,
			Voice:     voice,
			Timeout:   d.synthTimeout,
			Metrics:   d.metrics,
			Log:       d.log,
		}),
	}
	a.current = t
	return t
}

func (d *Dispatcher) route(ctx context.Context, taskID string, req llm.Request, sink transport.Sink, outlets []*outlet, log *slog.Logger) error {
	stream, err := d.generator.Generate(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		d.sendError(ctx, sink, req.SessionID, err, log)
		return fmt.Errorf("generate: %w", err)
	}
	d.registry.RegisterOutboundCall(taskID, stream)
	defer stream.Cancel()

	produced := false
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case chunk, ok := <-stream.Chunks():
			if !ok {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				d.complete(ctx, outlets, req.SessionID, log)
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}

			switch chunk.Kind {
			case llm.ChunkReasoning:
				if err := sink.Send(ctx, transport.Thinking(req.SessionID, chunk.Text)); err != nil {
					log.Debug("failed to forward reasoning", "error", err)
				}
			case llm.ChunkText:
				produced = true
				d.fanOut(ctx, outlets, req.SessionID, chunk.Text, log)
			case llm.ChunkDone:
				d.complete(ctx, outlets, req.SessionID, log)
				return nil
			case llm.ChunkError:
				if produced {
					log.Warn("generation failed after partial output, ending stream", "error", chunk.Err)
					d.complete(ctx, outlets, req.SessionID, log)
					return nil
				}
				d.sendError(ctx, sink, req.SessionID, chunk.Err, log)
				return fmt.Errorf("generation: %w", chunk.Err)
			}
		}
	}
}

func (d *Dispatcher) fanOut(ctx context.Context, outlets []*outlet, sessionID, text string, log *slog.Logger) {
	fed := false
	for _, o := range outlets {
		if o.kind == StrategySynchronized {
			if fed {
				continue
			}
			fed = true
		}
		d.guard(o, log, func() error { return o.processChunk(ctx, sessionID, text) })
	}
}

func (d *Dispatcher) complete(ctx context.Context, outlets []*outlet, sessionID string, log *slog.Logger) {
	finished := false
	for _, o := range outlets {
		if o.kind == StrategySynchronized {
			if finished {
				continue
			}
			finished = true
		}
		d.guard(o, log, func() error { return o.onStreamComplete(ctx, sessionID) })
		if o.turn != nil {
			log.Debug("synchronized stream ended", "sentences_emitted", o.turn.seg.Emitted(), "pending", o.turn.queue.Pending())
		}
	}
}

// guard runs one channel's hook so a failure there leaves the other
// channels untouched.
func (d *Dispatcher) guard(o *outlet, log *slog.Logger, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("delivery channel panicked", "channel", o.channel, "strategy", o.kind.String(), "panic", r)
		}
	}()
	if err := fn(); err != nil && !errors.Is(err, context.Canceled) {
		log.Warn("delivery channel failed", "channel", o.channel, "strategy", o.kind.String(), "error", err)
	}
}

func (d *Dispatcher) sendError(ctx context.Context, sink transport.Sink, sessionID string, err error, log *slog.Logger) {
	log.Error("generation failed before any output", "error", err)
	if sendErr := sink.Send(ctx, transport.ErrorMessage(sessionID, "generation_failed", "The assistant could not respond. Please try again.")); sendErr != nil {
		log.Debug("failed to deliver error message", "error", sendErr)
	}
}

func (d *Dispatcher) nextSeq(sessionID string) int64 {
	c, _ := d.seqs.LoadOrCompute(sessionID, func() *atomic.Int64 { return new(atomic.Int64) })
	return c.Add(1)
}

// PlaybackCompleted forwards a client playback acknowledgement to the
// session's queue.
func (d *Dispatcher) PlaybackCompleted(sessionID, sentenceID string) bool {
	a, ok := d.arenas.Load(sessionID)
	if !ok {
		return false
	}
	a.mu.Lock()
	t := a.current
	a.mu.Unlock()
	if t == nil {
		return false
	}
	return t.queue.PlaybackCompleted(sentenceID)
}

// Interrupt cancels the session's running generation and abandons any
// sentences still waiting for playback.
func (d *Dispatcher) Interrupt(sessionID string) int {
	n := d.registry.CancelAll(sessionID)
	if a, ok := d.arenas.Load(sessionID); ok {
		a.mu.Lock()
		if a.current != nil {
			a.current.close()
			a.current = nil
		}
		a.mu.Unlock()
	}
	return n
}

// EndSession releases everything the dispatcher holds for sessionID.
func (d *Dispatcher) EndSession(sessionID string) {
	d.registry.CancelAll(sessionID)
	if a, ok := d.arenas.LoadAndDelete(sessionID); ok {
		a.mu.Lock()
		if a.current != nil {
			a.current.close()
			a.current = nil
		}
		a.mu.Unlock()
	}
	d.seqs.Delete(sessionID)
}

// QueueState reports the state of the session's current queue, if any.
func (d *Dispatcher) QueueState(sessionID string) (QueueState, bool) {
	a, ok := d.arenas.Load(sessionID)
	if !ok {
		return QueueIdle, false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.current == nil {
		return QueueIdle, false
	}
	return a.current.queue.State(), true
}

func (d *Dispatcher) ActiveSessions() int {
	return d.arenas.Size()
}
