package delivery

import (
	"context"
	"sync"

	"github.com/eleven-am/companion-backend/internal/preferences"
	"github.com/eleven-am/companion-backend/internal/segment"
	"github.com/eleven-am/companion-backend/internal/transport"
)

type StrategyKind int

const (
	StrategyImmediate StrategyKind = iota
	StrategySynchronized
)

func (k StrategyKind) String() string {
	switch k {
	case StrategyImmediate:
		return "immediate"
	case StrategySynchronized:
		return "synchronized"
	default:
		return "unknown"
	}
}

// Registration declares a delivery channel and when it applies.
type Registration struct {
	ChannelType string
	Strategy    StrategyKind
	Enabled     func(p *preferences.ChannelPreference) bool
}

func DefaultRegistrations() []Registration {
	return []Registration{
		{
			ChannelType: preferences.ChannelText,
			Strategy:    StrategyImmediate,
			Enabled:     func(p *preferences.ChannelPreference) bool { return p.Enabled(preferences.ChannelText) },
		},
		{
			ChannelType: preferences.ChannelLive2D,
			Strategy:    StrategySynchronized,
			Enabled:     func(p *preferences.ChannelPreference) bool { return p.Enabled(preferences.ChannelLive2D) },
		},
	}
}

// turn is one generation's view of a session's synchronized state. Closing
// it makes any late chunk from a cancelled generation a no-op.
type turn struct {
	sessionID string
	seg       *segment.Segmenter
	queue     *SyncQueue

	mu     sync.Mutex
	closed bool
}

func (t *turn) feed(text string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.seg.AddChunk(text)
	for {
		s, ok := t.seg.Next(t.sessionID)
		if !ok {
			return
		}
		t.queue.Enqueue(s)
	}
}

func (t *turn) finish() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	if s, ok := t.seg.Remainder(t.sessionID); ok {
		t.queue.Enqueue(s)
	}
	t.queue.MarkStreamEnded()
}

func (t *turn) close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	t.seg.Reset()
	t.queue.Discard()
}

// outlet is one active channel for the duration of a dispatch.
type outlet struct {
	channel string
	kind    StrategyKind
	sink    transport.Sink
	turn    *turn
}

func (o *outlet) processChunk(ctx context.Context, sessionID, text string) error {
	switch o.kind {
	case StrategyImmediate:
		return o.sink.Send(ctx, transport.TextChunk(sessionID, text))
	case StrategySynchronized:
		o.turn.feed(text)
		return nil
	default:
		return errUnknownStrategy(o.kind)
	}
}

func (o *outlet) onStreamComplete(ctx context.Context, sessionID string) error {
	switch o.kind {
	case StrategyImmediate:
		return o.sink.Send(ctx, transport.TextComplete(sessionID))
	case StrategySynchronized:
		o.turn.finish()
		return nil
	default:
		return errUnknownStrategy(o.kind)
	}
}
