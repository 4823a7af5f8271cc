// Package tasks tracks cancellable generation work so a new user message can
// interrupt whatever the session is still producing.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/eleven-am/companion-backend/internal/observability"
	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/sync/semaphore"
)

var (
	ErrDuplicateTask   = errors.New("task already active")
	ErrShuttingDown    = errors.New("task registry is shutting down")
	ErrShutdownTimeout = errors.New("task registry shutdown grace period expired")
)

const (
	taskSeparator        = "_task_"
	minWorkers           = 4
	defaultShutdownGrace = 5 * time.Second
)

type Work func(ctx context.Context) error

// OutboundCall is an in-flight network call owned by a task.
type OutboundCall interface {
	// Cancel aborts the call and reports whether it was still running.
	Cancel() bool
}

type Config struct {
	Workers       int
	ShutdownGrace time.Duration
	Metrics       *observability.Metrics
}

type task struct {
	id     string
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	call      OutboundCall
	cancelled bool
	done      bool
}

// cancelWork reports false when the task already finished or was already
// cancelled.
func (t *task) cancelWork() bool {
	t.mu.Lock()
	if t.done || t.cancelled {
		t.mu.Unlock()
		return false
	}
	t.cancelled = true
	call := t.call
	t.mu.Unlock()

	if call != nil {
		call.Cancel()
	}
	t.cancel()
	return true
}

type Registry struct {
	tasks   *xsync.MapOf[string, *task]
	sem     *semaphore.Weighted
	workers int
	grace   time.Duration
	metrics *observability.Metrics
	log     *slog.Logger

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

func NewRegistry(cfg Config, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = max(runtime.NumCPU(), minWorkers)
	}
	grace := cfg.ShutdownGrace
	if grace <= 0 {
		grace = defaultShutdownGrace
	}
	return &Registry{
		tasks:   xsync.NewMapOf[string, *task](),
		sem:     semaphore.NewWeighted(int64(workers)),
		workers: workers,
		grace:   grace,
		metrics: cfg.Metrics,
		log:     log.With("component", "task_registry"),
	}
}

// NewTaskID namespaces a task under its session so CancelAll can find every
// task of a session by prefix.
func NewTaskID(sessionID string, seq int64) string {
	return fmt.Sprintf("%s%s%d_%d", sessionID, taskSeparator, seq, time.Now().UnixMilli())
}

// SessionOf recovers the session id a task id was created for.
func SessionOf(taskID string) string {
	i := strings.LastIndex(taskID, taskSeparator)
	if i < 0 {
		return ""
	}
	return taskID[:i]
}

func (r *Registry) Workers() int {
	return r.workers
}

func (r *Registry) Submit(taskID string, work Work) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return ErrShuttingDown
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &task{id: taskID, ctx: ctx, cancel: cancel}
	if _, loaded := r.tasks.LoadOrStore(taskID, t); loaded {
		cancel()
		return ErrDuplicateTask
	}

	r.wg.Add(1)
	r.metrics.ObserveTask("submitted")
	go r.run(t, work)
	return nil
}

func (r *Registry) run(t *task, work Work) {
	defer r.wg.Done()
	defer r.complete(t)
	log := r.log.With("task_id", t.id, "session_id", SessionOf(t.id))

	if err := r.sem.Acquire(t.ctx, 1); err != nil {
		log.Debug("task cancelled before start")
		return
	}
	defer r.sem.Release(1)

	err := r.execute(t, work)
	switch {
	case t.ctx.Err() != nil || errors.Is(err, context.Canceled):
		log.Debug("task cancelled")
	case err != nil:
		r.metrics.ObserveTask("failed")
		log.Error("task failed", "error", err)
	default:
		r.metrics.ObserveTask("completed")
		log.Debug("task completed")
	}
}

func (r *Registry) execute(t *task, work Work) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("task panic: %v", rec)
		}
	}()
	return work(t.ctx)
}

func (r *Registry) complete(t *task) {
	t.mu.Lock()
	t.done = true
	t.mu.Unlock()
	t.cancel()

	r.tasks.Compute(t.id, func(current *task, loaded bool) (*task, bool) {
		return current, !loaded || current == t
	})
}

// RegisterOutboundCall attaches a network call to a live task. If the task
// was already cancelled the call is cancelled on the spot.
func (r *Registry) RegisterOutboundCall(taskID string, call OutboundCall) bool {
	t, ok := r.tasks.Load(taskID)
	if !ok {
		return false
	}

	t.mu.Lock()
	if t.done {
		t.mu.Unlock()
		return false
	}
	if t.cancelled {
		t.mu.Unlock()
		call.Cancel()
		return false
	}
	t.call = call
	t.mu.Unlock()
	return true
}

// Cancel stops the task's outbound call and its computation. It reports
// whether anything was actually cancelled; a task that already finished or
// was cancelled before reports false.
func (r *Registry) Cancel(taskID string) bool {
	t, ok := r.tasks.Load(taskID)
	if !ok {
		return false
	}
	if !t.cancelWork() {
		return false
	}
	r.metrics.ObserveTask("cancelled")
	r.log.Debug("task cancel requested", "task_id", taskID)
	return true
}

// CancelAll cancels every live task namespaced under sessionID.
func (r *Registry) CancelAll(sessionID string) int {
	prefix := sessionID + taskSeparator
	cancelled := 0
	r.tasks.Range(func(id string, t *task) bool {
		if strings.HasPrefix(id, prefix) && t.cancelWork() {
			r.metrics.ObserveTask("cancelled")
			cancelled++
		}
		return true
	})
	if cancelled > 0 {
		r.log.Info("cancelled session tasks", "session_id", sessionID, "count", cancelled)
	}
	return cancelled
}

func (r *Registry) IsActive(taskID string) bool {
	t, ok := r.tasks.Load(taskID)
	if !ok {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.done && !t.cancelled
}

func (r *Registry) IsCancelled(taskID string) bool {
	t, ok := r.tasks.Load(taskID)
	if !ok {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelled
}

func (r *Registry) ActiveCount() int {
	return r.tasks.Size()
}

// Shutdown cancels every outstanding task and waits for workers to return,
// bounded by the configured grace period and ctx.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	cancelled := 0
	r.tasks.Range(func(_ string, t *task) bool {
		if t.cancelWork() {
			r.metrics.ObserveTask("cancelled")
			cancelled++
		}
		return true
	})
	r.log.Info("task registry shutting down", "cancelled", cancelled)

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(r.grace)
	defer timer.Stop()

	select {
	case <-done:
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}

	r.log.Warn("abandoning tasks still running after grace period", "remaining", r.tasks.Size())
	return ErrShutdownTimeout
}
