package delivery

import (
	"context"
	"encoding/base64"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/eleven-am/companion-backend/internal/observability"
	"github.com/eleven-am/companion-backend/internal/segment"
	"github.com/eleven-am/companion-backend/internal/synthesis"
	"github.com/eleven-am/companion-backend/internal/transport"
)

type QueueState int

const (
	QueueIdle QueueState = iota
	QueueSynthesizing
	QueueWaitingForPlayback
	QueueAllComplete
	QueueDiscarded
)

func (s QueueState) String() string {
	switch s {
	case QueueIdle:
		return "idle"
	case QueueSynthesizing:
		return "synthesizing"
	case QueueWaitingForPlayback:
		return "waiting_for_playback"
	case QueueAllComplete:
		return "all_complete"
	case QueueDiscarded:
		return "discarded"
	default:
		return "unknown"
	}
}

// Voice is the per-session synthesis template applied to every sentence.
type Voice struct {
	SpeakerID string
	Speed     float64
	Format    string
}

type QueueConfig struct {
	SessionID string
	Sink      transport.Sink
	Synth     synthesis.Synthesizer
	Voice     Voice
	Timeout   time.Duration
	Metrics   *observability.Metrics
	Log       *slog.Logger
}

type flight struct {
	sentence segment.Sentence
	cancel   context.CancelFunc
}

// SyncQueue releases sentences one at a time, pairing each with its audio
// and holding the next one back until the client reports playback finished.
// Sink calls are made with the queue lock held so no message can follow a
// Discard; the sink must not block.
type SyncQueue struct {
	sessionID string
	sink      transport.Sink
	synth     synthesis.Synthesizer
	voice     Voice
	timeout   time.Duration
	metrics   *observability.Metrics
	log       *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	pending     []segment.Sentence
	streamEnded bool
	inflight    *flight
	state       QueueState
}

func NewSyncQueue(cfg QueueConfig) *SyncQueue {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &SyncQueue{
		sessionID: cfg.SessionID,
		sink:      cfg.Sink,
		synth:     cfg.Synth,
		voice:     cfg.Voice,
		timeout:   cfg.Timeout,
		metrics:   cfg.Metrics,
		log:       log.With("component", "sync_queue", "session_id", cfg.SessionID),
		ctx:       ctx,
		cancel:    cancel,
	}
}

func (q *SyncQueue) Enqueue(s segment.Sentence) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.state == QueueDiscarded || q.state == QueueAllComplete {
		q.log.Debug("dropping sentence for finished queue", "sentence_id", s.ID, "state", q.state.String())
		return
	}
	q.pending = append(q.pending, s)
	q.metrics.ObserveSentence("queued")
	if q.streamEnded && q.inflight == nil {
		q.advanceLocked()
	}
}

// MarkStreamEnded starts draining. Before this nothing is displayed, so an
// early fragment is never shown ahead of text that would have replaced it.
func (q *SyncQueue) MarkStreamEnded() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.streamEnded || q.state == QueueDiscarded {
		return
	}
	q.streamEnded = true
	if q.inflight == nil {
		q.advanceLocked()
	}
}

// PlaybackCompleted advances past the in-flight sentence. Any other id is a
// leftover from an interrupted turn and leaves the queue unchanged.
func (q *SyncQueue) PlaybackCompleted(sentenceID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.inflight == nil || q.inflight.sentence.ID != sentenceID {
		current := ""
		if q.inflight != nil {
			current = q.inflight.sentence.ID
		}
		q.log.Debug("ignoring playback completion", "sentence_id", sentenceID, "current", current)
		return false
	}
	q.metrics.ObserveSentence("played")
	q.inflight.cancel()
	q.inflight = nil
	q.advanceLocked()
	return true
}

// Discard abandons the queue: synthesis is cancelled and no further
// messages are sent.
func (q *SyncQueue) Discard() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.state == QueueDiscarded {
		return
	}
	if len(q.pending) > 0 || q.inflight != nil {
		q.log.Debug("discarding queue", "pending", len(q.pending), "in_flight", q.inflight != nil)
	}
	q.state = QueueDiscarded
	q.pending = nil
	q.inflight = nil
	q.cancel()
}

func (q *SyncQueue) State() QueueState {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state
}

func (q *SyncQueue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

func (q *SyncQueue) CurrentSentenceID() string {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.inflight == nil {
		return ""
	}
	return q.inflight.sentence.ID
}

func (q *SyncQueue) advanceLocked() {
	if q.state == QueueDiscarded {
		return
	}
	if len(q.pending) == 0 {
		if q.streamEnded {
			q.state = QueueAllComplete
			q.sendLocked(transport.NewMessage(transport.MessageTypeAllComplete, q.sessionID, ""))
		} else {
			q.state = QueueIdle
		}
		return
	}

	s := q.pending[0]
	q.pending = q.pending[1:]
	ctx, cancel := context.WithCancel(q.ctx)
	f := &flight{sentence: s, cancel: cancel}
	q.inflight = f
	q.state = QueueSynthesizing

	q.sendLocked(transport.NewMessage(transport.MessageTypeSentenceDisplay, q.sessionID, s.Text).
		WithRole(transport.RoleAssistant).
		WithSentence(s.ID, s.Order))
	q.metrics.ObserveSentence("displayed")

	go q.synthesize(ctx, f)
}

func (q *SyncQueue) synthesize(ctx context.Context, f *flight) {
	req := synthesis.Request{
		Text:      f.sentence.Text,
		SpeakerID: q.voice.SpeakerID,
		Speed:     q.voice.Speed,
		Format:    q.voice.Format,
	}
	start := time.Now()
	res, err := synthesis.SynthesizeWithTimeout(ctx, q.synth, req, q.timeout)
	q.metrics.ObserveSynthesis(time.Since(start))

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.inflight != f || q.state == QueueDiscarded {
		return
	}

	if err != nil {
		q.log.Warn("synthesis failed, releasing sentence", "sentence_id", f.sentence.ID, "error", err)
		q.metrics.ObserveSentence("audio_failed")
		msg := transport.NewMessage(transport.MessageTypeAudioFailed, q.sessionID, f.sentence.Text).
			WithSentence(f.sentence.ID, f.sentence.Order)
		msg.Code = audioFailureCode(err)
		msg.Error = err.Error()
		q.sendLocked(msg)

		f.cancel()
		q.inflight = nil
		q.advanceLocked()
		return
	}

	msg := transport.NewMessage(transport.MessageTypeSentenceAudio, q.sessionID, f.sentence.Text).
		WithSentence(f.sentence.ID, f.sentence.Order)
	msg.Audio = base64.StdEncoding.EncodeToString(res.Audio)
	msg.Format = res.Format
	if msg.Format == "" {
		msg.Format = q.voice.Format
	}
	q.state = QueueWaitingForPlayback
	q.metrics.ObserveSentence("audio_ready")
	q.sendLocked(msg)
}

func audioFailureCode(err error) string {
	switch {
	case errors.Is(err, synthesis.ErrTimeout):
		return "synthesis_timeout"
	case synthesis.IsServiceError(err):
		return "synthesis_rejected"
	default:
		return "synthesis_unavailable"
	}
}

func (q *SyncQueue) sendLocked(msg transport.Message) {
	if err := q.sink.Send(q.ctx, msg); err != nil {
		q.log.Warn("failed to deliver queue message", "type", string(msg.Type), "error", err)
	}
}
