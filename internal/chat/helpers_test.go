package chat

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/eleven-am/companion-backend/internal/asr"
	"github.com/eleven-am/companion-backend/internal/session"
	"github.com/eleven-am/companion-backend/internal/shared"
	"github.com/eleven-am/companion-backend/internal/transport"
	"github.com/redis/go-redis/v9"
)

type fakeClient struct {
	sessionID string
	userID    string

	mu     sync.Mutex
	sent   []transport.Message
	closed bool
}

func newFakeClient(sessionID string) *fakeClient {
	return &fakeClient{sessionID: sessionID, userID: "user_1"}
}

func (c *fakeClient) Send(_ context.Context, msg transport.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return shared.ErrSessionEnded
	}
	c.sent = append(c.sent, msg)
	return nil
}

func (c *fakeClient) SessionID() string { return c.sessionID }
func (c *fakeClient) UserID() string    { return c.userID }

func (c *fakeClient) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *fakeClient) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeClient) messages(t transport.MessageType) []transport.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []transport.Message
	for _, m := range c.sent {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return out
}

func (c *fakeClient) last(t *testing.T) transport.Message {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.sent) == 0 {
		t.Fatal("no messages sent")
	}
	return c.sent[len(c.sent)-1]
}

type fakeDispatcher struct {
	mu          sync.Mutex
	dispatched  []transport.Message
	playbacks   []string
	interrupted []string
	ended       []string
	err         error
}

func (d *fakeDispatcher) Dispatch(_ context.Context, msg transport.Message, _ transport.Sink) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return "", d.err
	}
	d.dispatched = append(d.dispatched, msg)
	return msg.SessionID + "_task_1_1", nil
}

func (d *fakeDispatcher) PlaybackCompleted(_, sentenceID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.playbacks = append(d.playbacks, sentenceID)
	return true
}

func (d *fakeDispatcher) Interrupt(sessionID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.interrupted = append(d.interrupted, sessionID)
	return 1
}

func (d *fakeDispatcher) EndSession(sessionID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ended = append(d.ended, sessionID)
}

type dispatchRecord struct {
	dispatched  []transport.Message
	playbacks   []string
	interrupted []string
	ended       []string
}

func (d *fakeDispatcher) snapshot() dispatchRecord {
	d.mu.Lock()
	defer d.mu.Unlock()
	return dispatchRecord{
		dispatched:  append([]transport.Message(nil), d.dispatched...),
		playbacks:   append([]string(nil), d.playbacks...),
		interrupted: append([]string(nil), d.interrupted...),
		ended:       append([]string(nil), d.ended...),
	}
}

type fakeRecognizer struct {
	mu          sync.Mutex
	active      string
	activateErr error
	audio       [][]byte
	deactivated []string
}

func (r *fakeRecognizer) Activate(_ context.Context, sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.activateErr != nil {
		return r.activateErr
	}
	r.active = sessionID
	return nil
}

func (r *fakeRecognizer) Deactivate(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deactivated = append(r.deactivated, sessionID)
	if r.active != sessionID {
		return false
	}
	r.active = ""
	return true
}

func (r *fakeRecognizer) PushAudio(sessionID string, payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active != sessionID {
		return asr.ErrNotOwner
	}
	r.audio = append(r.audio, payload)
	return nil
}

func (r *fakeRecognizer) IsActive(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active == sessionID
}

func (r *fakeRecognizer) Status() asr.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return asr.Status{Connected: true, ActiveSession: r.active}
}

type staticStatus map[string]string

func (s staticStatus) Report(context.Context) map[string]string {
	out := make(map[string]string, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

var errDispatch = errors.New("registry shutting down")

type fixture struct {
	svc        *Service
	dispatcher *fakeDispatcher
	recognizer *fakeRecognizer
	sessions   *session.Store
	redis      *miniredis.Miniredis
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	f := &fixture{
		dispatcher: &fakeDispatcher{},
		recognizer: &fakeRecognizer{},
		sessions:   session.NewStore(client),
		redis:      mr,
	}
	f.svc = NewService(ServiceConfig{
		Dispatcher: f.dispatcher,
		Recognizer: f.recognizer,
		Sessions:   f.sessions,
		Status:     staticStatus{"llm": "healthy", "tts": "healthy"},
	})
	t.Cleanup(f.svc.Close)
	return f
}

func (f *fixture) connect(t *testing.T, sessionID string) *fakeClient {
	t.Helper()
	c := newFakeClient(sessionID)
	if err := f.svc.Connect(context.Background(), c); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	return c
}
