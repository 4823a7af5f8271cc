package tasks

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/eleven-am/companion-backend/internal/observability"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

type fakeCall struct {
	cancels atomic.Int32
}

func (c *fakeCall) Cancel() bool {
	return c.cancels.Add(1) == 1
}

// blockingWork returns once release is closed, regardless of cancellation,
// so tests can observe the cancelled state before the task removes itself.
func blockingWork(started chan<- struct{}, release <-chan struct{}) Work {
	return func(ctx context.Context) error {
		if started != nil {
			started <- struct{}{}
		}
		<-release
		return ctx.Err()
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestNewRegistry_Defaults(t *testing.T) {
	r := NewRegistry(Config{}, nil)
	if r.Workers() < minWorkers {
		t.Errorf("expected at least %d workers, got %d", minWorkers, r.Workers())
	}
	if r.grace != defaultShutdownGrace {
		t.Errorf("expected default grace %v, got %v", defaultShutdownGrace, r.grace)
	}

	r = NewRegistry(Config{Workers: 2, ShutdownGrace: time.Second}, nil)
	if r.Workers() != 2 {
		t.Errorf("expected 2 workers, got %d", r.Workers())
	}
}

func TestNewTaskID(t *testing.T) {
	id := NewTaskID("s1", 3)
	if !strings.HasPrefix(id, "s1_task_3_") {
		t.Errorf("unexpected task id %q", id)
	}
	if got := SessionOf(id); got != "s1" {
		t.Errorf("SessionOf(%q) = %q, want s1", id, got)
	}
}

func TestSessionOf(t *testing.T) {
	tests := []struct {
		id   string
		want string
	}{
		{"s1_task_1_1000", "s1"},
		{"user_a_task_2_1001", "user_a"},
		{"a_task_b_task_3_1", "a_task_b"},
		{"no-separator", ""},
	}
	for _, tt := range tests {
		if got := SessionOf(tt.id); got != tt.want {
			t.Errorf("SessionOf(%q) = %q, want %q", tt.id, got, tt.want)
		}
	}
}

func TestSubmit_CompletesAndRemoves(t *testing.T) {
	r := NewRegistry(Config{Workers: 2}, nil)
	ran := make(chan struct{})
	if err := r.Submit("s1_task_1_1000", func(ctx context.Context) error {
		close(ran)
		return nil
	}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	<-ran
	waitFor(t, func() bool { return r.ActiveCount() == 0 })
	if r.IsActive("s1_task_1_1000") {
		t.Error("completed task should not be active")
	}
	if r.Cancel("s1_task_1_1000") {
		t.Error("cancelling a finished task should report false")
	}
}

func TestSubmit_Duplicate(t *testing.T) {
	r := NewRegistry(Config{}, nil)
	release := make(chan struct{})
	defer close(release)

	if err := r.Submit("s1_task_1_1000", blockingWork(nil, release)); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	err := r.Submit("s1_task_1_1000", blockingWork(nil, release))
	if !errors.Is(err, ErrDuplicateTask) {
		t.Errorf("expected ErrDuplicateTask, got %v", err)
	}
}

func TestCancel_Idempotent(t *testing.T) {
	r := NewRegistry(Config{}, nil)
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	defer close(release)

	if err := r.Submit("s1_task_1_1000", blockingWork(started, release)); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	<-started

	if !r.IsActive("s1_task_1_1000") {
		t.Fatal("task should be active before cancel")
	}
	if !r.Cancel("s1_task_1_1000") {
		t.Error("first cancel should report true")
	}
	if r.Cancel("s1_task_1_1000") {
		t.Error("second cancel should report false")
	}
	if !r.IsCancelled("s1_task_1_1000") {
		t.Error("task should report cancelled")
	}
	if r.IsActive("s1_task_1_1000") {
		t.Error("cancelled task should not be active")
	}
}

func TestCancel_Unknown(t *testing.T) {
	r := NewRegistry(Config{}, nil)
	if r.Cancel("missing") {
		t.Error("cancelling an unknown task should report false")
	}
	if r.IsCancelled("missing") {
		t.Error("unknown task should not report cancelled")
	}
}

func TestCancel_StopsContext(t *testing.T) {
	r := NewRegistry(Config{}, nil)
	started := make(chan struct{})
	exited := make(chan error, 1)

	err := r.Submit("s1_task_1_1000", func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		exited <- ctx.Err()
		return ctx.Err()
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	<-started
	r.Cancel("s1_task_1_1000")

	select {
	case err := <-exited:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("work did not observe cancellation")
	}
	waitFor(t, func() bool { return r.ActiveCount() == 0 })
}

func TestCancelAll_SessionScoped(t *testing.T) {
	r := NewRegistry(Config{}, nil)
	started := make(chan struct{}, 3)
	release := make(chan struct{})
	defer close(release)

	for _, id := range []string{"s1_task_1_1000", "s1_task_2_1001", "s2_task_1_1002"} {
		if err := r.Submit(id, blockingWork(started, release)); err != nil {
			t.Fatalf("Submit(%s): %v", id, err)
		}
	}
	for i := 0; i < 3; i++ {
		<-started
	}

	if n := r.CancelAll("s1"); n != 2 {
		t.Errorf("expected 2 cancelled, got %d", n)
	}
	if !r.IsCancelled("s1_task_1_1000") || !r.IsCancelled("s1_task_2_1001") {
		t.Error("both s1 tasks should report cancelled")
	}
	if r.IsCancelled("s2_task_1_1002") {
		t.Error("s2 task should be unaffected")
	}
	if !r.IsActive("s2_task_1_1002") {
		t.Error("s2 task should still be active")
	}
	if n := r.CancelAll("s1"); n != 0 {
		t.Errorf("second CancelAll should cancel nothing, got %d", n)
	}
}

func TestCancelAll_CountsEveryTask(t *testing.T) {
	metrics := observability.NewMetrics("test")
	r := NewRegistry(Config{Workers: 8, Metrics: metrics}, nil)
	started := make(chan struct{}, 4)

	untilCancelled := func(ctx context.Context) error {
		started <- struct{}{}
		<-ctx.Done()
		return ctx.Err()
	}
	for _, id := range []string{"s1_task_1_1000", "s1_task_2_1001", "s1_task_3_1002", "s2_task_1_1003"} {
		if err := r.Submit(id, untilCancelled); err != nil {
			t.Fatalf("Submit(%s): %v", id, err)
		}
	}
	for i := 0; i < 4; i++ {
		<-started
	}

	if n := r.CancelAll("s1"); n != 3 {
		t.Fatalf("expected 3 cancelled, got %d", n)
	}
	cancelled := metrics.TaskEvents.WithLabelValues("cancelled")
	if got := testutil.ToFloat64(cancelled); got != 3 {
		t.Errorf("cancelled events after CancelAll = %v, want 3", got)
	}

	if err := r.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if got := testutil.ToFloat64(cancelled); got != 4 {
		t.Errorf("cancelled events after Shutdown = %v, want 4", got)
	}
}

func TestCancelAll_PrefixBoundary(t *testing.T) {
	r := NewRegistry(Config{}, nil)
	release := make(chan struct{})
	defer close(release)

	if err := r.Submit("s10_task_1_1000", blockingWork(nil, release)); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if n := r.CancelAll("s1"); n != 0 {
		t.Errorf("s1 must not match s10, cancelled %d", n)
	}
	if r.IsCancelled("s10_task_1_1000") {
		t.Error("s10 task should not be cancelled")
	}
}

func TestCancelAll_ConcurrentSubmit(t *testing.T) {
	r := NewRegistry(Config{Workers: 64}, nil)
	release := make(chan struct{})
	defer close(release)

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = r.Submit(NewTaskID("s1", int64(i)), blockingWork(nil, release))
		}(i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.CancelAll("s1")
		}()
	}
	wg.Wait()

	r.CancelAll("s1")
	r.tasks.Range(func(id string, _ *task) bool {
		if !r.IsCancelled(id) {
			t.Errorf("task %s survived CancelAll", id)
		}
		return true
	})
}

func TestRegisterOutboundCall(t *testing.T) {
	r := NewRegistry(Config{}, nil)
	release := make(chan struct{})
	defer close(release)

	if err := r.Submit("s1_task_1_1000", blockingWork(nil, release)); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	call := &fakeCall{}
	if !r.RegisterOutboundCall("s1_task_1_1000", call) {
		t.Fatal("RegisterOutboundCall should accept a live task")
	}
	r.Cancel("s1_task_1_1000")
	if got := call.cancels.Load(); got != 1 {
		t.Errorf("expected outbound call cancelled once, got %d", got)
	}
	r.Cancel("s1_task_1_1000")
	if got := call.cancels.Load(); got != 1 {
		t.Errorf("second Cancel must not touch the call again, got %d", got)
	}
}

func TestRegisterOutboundCall_AfterCancel(t *testing.T) {
	r := NewRegistry(Config{}, nil)
	release := make(chan struct{})
	defer close(release)

	if err := r.Submit("s1_task_1_1000", blockingWork(nil, release)); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	r.Cancel("s1_task_1_1000")

	call := &fakeCall{}
	if r.RegisterOutboundCall("s1_task_1_1000", call) {
		t.Error("registering on a cancelled task should report false")
	}
	if call.cancels.Load() != 1 {
		t.Error("call registered after cancellation should be cancelled immediately")
	}
	if r.RegisterOutboundCall("missing", &fakeCall{}) {
		t.Error("registering on an unknown task should report false")
	}
}

func TestWork_PanicIsContained(t *testing.T) {
	r := NewRegistry(Config{}, nil)
	if err := r.Submit("s1_task_1_1000", func(ctx context.Context) error {
		panic("boom")
	}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitFor(t, func() bool { return r.ActiveCount() == 0 })
}

func TestShutdown(t *testing.T) {
	r := NewRegistry(Config{ShutdownGrace: time.Second}, nil)
	started := make(chan struct{})
	if err := r.Submit("s1_task_1_1000", func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	<-started

	if err := r.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if r.ActiveCount() != 0 {
		t.Errorf("expected no tasks after shutdown, got %d", r.ActiveCount())
	}
	if err := r.Submit("s1_task_2_1001", func(context.Context) error { return nil }); !errors.Is(err, ErrShuttingDown) {
		t.Errorf("expected ErrShuttingDown, got %v", err)
	}
	if err := r.Shutdown(context.Background()); err != nil {
		t.Errorf("second Shutdown should be a no-op, got %v", err)
	}
}

func TestShutdown_GraceExpires(t *testing.T) {
	r := NewRegistry(Config{ShutdownGrace: 20 * time.Millisecond}, nil)
	release := make(chan struct{})
	defer close(release)

	if err := r.Submit("s1_task_1_1000", blockingWork(nil, release)); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := r.Shutdown(context.Background()); !errors.Is(err, ErrShutdownTimeout) {
		t.Errorf("expected ErrShutdownTimeout, got %v", err)
	}
}
