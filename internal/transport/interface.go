package transport

import "context"

// Sink receives outbound messages for one chat session. Implementations must
// be safe for concurrent use: synthesis results arrive on their own
// goroutines while text chunks arrive on the generation goroutine.
type Sink interface {
	Send(ctx context.Context, msg Message) error
}

type SinkFunc func(ctx context.Context, msg Message) error

func (f SinkFunc) Send(ctx context.Context, msg Message) error {
	return f(ctx, msg)
}
