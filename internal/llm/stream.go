package llm

import (
	"context"
	"sync"
)

// Stream is a single in-flight generation. Chunks are delivered in order on
// one channel which is closed once the producer returns.
type Stream struct {
	chunks chan Chunk
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	finished  bool
	cancelled bool
}

// NewStream builds a stream fed by produce. produce must stop when ctx is
// done; the stream appends the terminal done or error chunk itself, unless
// the stream was cancelled.
func NewStream(ctx context.Context, produce func(ctx context.Context, emit func(Chunk) bool) error) *Stream {
	ctx, cancel := context.WithCancel(ctx)
	s := &Stream{
		chunks: make(chan Chunk, 16),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go func() {
		defer s.finish()
		emit := func(c Chunk) bool { return s.emit(ctx, c) }
		err := produce(ctx, emit)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			emit(Chunk{Kind: ChunkError, Err: err})
			return
		}
		emit(Chunk{Kind: ChunkDone})
	}()
	return s
}

func (s *Stream) emit(ctx context.Context, c Chunk) bool {
	select {
	case s.chunks <- c:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *Stream) finish() {
	s.mu.Lock()
	s.finished = true
	s.mu.Unlock()
	s.cancel()
	close(s.chunks)
	close(s.done)
}

func (s *Stream) Chunks() <-chan Chunk {
	return s.chunks
}

func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// Cancel aborts the generation. It reports false when the stream had
// already finished or been cancelled.
func (s *Stream) Cancel() bool {
	s.mu.Lock()
	if s.finished || s.cancelled {
		s.mu.Unlock()
		return false
	}
	s.cancelled = true
	s.mu.Unlock()
	s.cancel()
	return true
}
