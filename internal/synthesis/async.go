package synthesis

import (
	"context"
	"errors"
	"time"
)

var ErrTimeout = &Error{Message: "synthesis timed out", Code: "timeout"}

// SynthesizeAsync starts synthesis on its own goroutine. The returned channel
// receives exactly one outcome and is then closed.
func SynthesizeAsync(ctx context.Context, s Synthesizer, req Request) <-chan Outcome {
	out := make(chan Outcome, 1)
	go func() {
		defer close(out)
		res, err := s.Synthesize(ctx, req)
		out <- Outcome{Result: res, Err: err}
	}()
	return out
}

// SynthesizeWithTimeout bounds a single synthesis call. A deadline hit is
// reported as ErrTimeout; cancellation of the parent ctx is returned as is.
func SynthesizeWithTimeout(ctx context.Context, s Synthesizer, req Request, timeout time.Duration) (*Result, error) {
	if timeout <= 0 {
		return s.Synthesize(ctx, req)
	}
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	select {
	case o := <-SynthesizeAsync(tctx, s, req):
		if o.Err != nil && errors.Is(o.Err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, ErrTimeout
		}
		return o.Result, o.Err
	case <-tctx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, ErrTimeout
	}
}
