package task

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/fleet-core/internal/lock"
	"github.com/nerrad567/fleet-core/internal/queue"
)

// Logger defines the logging interface used by the task package.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Observer is told about task lifecycle events. Implementations must not
// block; they run on worker goroutines.
type Observer interface {
	TaskSubmitted(rec Record)
	TaskFinished(rec Record)
}

// PoolStats is a snapshot of pool activity.
type PoolStats struct {
	Workers      int `json:"workers"`
	Queued       int `json:"queued"`
	Capacity     int `json:"capacity"`
	Running      int `json:"running"`
	RetryPending int `json:"retry_pending"`
}

// Pool runs tasks from a queue on a fixed set of worker goroutines.
//
// Thread Safety: all methods are safe for concurrent use.
type Pool struct {
	name  string
	queue *queue.Queue[*Task]

	logger   Logger
	observer Observer
	rand     func() float64

	// ctx is handed to every task; it is cancelled when Shutdown gives up
	// waiting.
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	started bool
	stopped bool
	workers int
	timers  map[*Task]*time.Timer

	running atomic.Int32
	group   errgroup.Group
}

// NewPool creates a pool named name that consumes q. Call Start to launch
// workers.
func NewPool(name string, q *queue.Queue[*Task]) *Pool {
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		name:   name,
		queue:  q,
		logger: noopLogger{},
		rand:   rand.Float64,
		ctx:    ctx,
		cancel: cancel,
		timers: make(map[*Task]*time.Timer),
	}
}

// SetLogger sets the logger for the pool.
func (p *Pool) SetLogger(logger Logger) {
	if logger == nil {
		logger = noopLogger{}
	}
	p.logger = logger
}

// SetObserver sets the lifecycle observer. It must be called before Start.
func (p *Pool) SetObserver(o Observer) {
	p.observer = o
}

// Name returns the pool name.
func (p *Pool) Name() string {
	return p.name
}

// Start launches n worker goroutines. Calling Start more than once, or
// after Shutdown, does nothing.
func (p *Pool) Start(n int) {
	if n < 1 {
		n = 1
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.stopped {
		return
	}
	p.started = true
	p.workers = n

	for i := 0; i < n; i++ {
		worker := i
		p.group.Go(func() error {
			p.work(worker)
			return nil
		})
	}
	p.logger.Debug("worker pool started", "pool", p.name, "workers", n)
}

// Submit queues t for execution.
//
// Returns queue.ErrFull (wrapped) if the queue is at capacity,
// ErrPoolStopped after Shutdown, or ErrAlreadySubmitted if t was queued
// before.
func (p *Pool) Submit(t *Task) error {
	p.mu.Lock()
	stopped := p.stopped
	p.mu.Unlock()
	if stopped {
		return ErrPoolStopped
	}

	if !t.markSubmitted(p.name, time.Now().UTC()) {
		return ErrAlreadySubmitted
	}
	if err := p.queue.Add(t); err != nil {
		t.unmarkSubmitted()
		if errors.Is(err, queue.ErrClosed) {
			return ErrPoolStopped
		}
		return fmt.Errorf("submitting %s to %s: %w", t.name, p.name, err)
	}
	if p.observer != nil {
		p.observer.TaskSubmitted(t.Record())
	}
	return nil
}

// Stats returns a snapshot of the pool.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	workers := p.workers
	retry := len(p.timers)
	p.mu.Unlock()

	return PoolStats{
		Workers:      workers,
		Queued:       p.queue.Len(),
		Capacity:     p.queue.Capacity(),
		Running:      int(p.running.Load()),
		RetryPending: retry,
	}
}

// Shutdown stops the pool.
//
// Running tasks, and tasks a worker already dequeued, finish; queued tasks
// and tasks waiting on a busy retry are failed with ErrPoolStopped.
// Shutdown blocks until every worker has exited. If ctx ends first, the
// context handed to running tasks is cancelled, Shutdown still waits for
// the workers to return, and ctx.Err() is returned.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true

	var retrying []*Task
	for t, timer := range p.timers {
		// A timer that already fired sees stopped and fails its own task.
		if timer.Stop() {
			retrying = append(retrying, t)
		}
		delete(p.timers, t)
	}
	p.mu.Unlock()

	p.queue.Close()
	queued := p.queue.Drain()
	for _, t := range append(queued, retrying...) {
		p.finish(t, nil, ErrPoolStopped)
	}

	p.logger.Info("worker pool stopping",
		"pool", p.name,
		"failed_queued", len(queued),
		"failed_retrying", len(retrying),
	)

	done := make(chan error, 1)
	go func() {
		done <- p.group.Wait()
	}()

	select {
	case err := <-done:
		p.cancel()
		return err
	case <-ctx.Done():
		p.cancel()
		<-done
		return fmt.Errorf("stopping pool %s: %w", p.name, ctx.Err())
	}
}

func (p *Pool) work(worker int) {
	for {
		t, err := p.queue.Remove(p.ctx)
		if err != nil {
			p.logger.Debug("worker exiting", "pool", p.name, "worker", worker, "reason", err)
			return
		}
		p.run(t)
	}
}

// run executes one attempt of t.
func (p *Pool) run(t *Task) {
	p.running.Add(1)
	defer p.running.Add(-1)

	attempt := t.markStarted(time.Now().UTC())
	t.handle.SetRunning(t.name)

	ctx := lock.WithOwner(p.ctx, t.owner)
	if t.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}

	result, err := p.execute(ctx, t)

	if err != nil && errors.Is(err, lock.ErrBusy) && t.retry != nil && attempt < t.retry.MaxAttempts {
		if p.scheduleRetry(t, attempt, err) {
			return
		}
	}
	p.finish(t, result, err)
}

// execute calls the task function, converting a panic into an error.
func (p *Pool) execute(ctx context.Context, t *Task) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("task panicked",
				"pool", p.name,
				"task_id", t.id,
				"task", t.name,
				"panic", r,
				"stack", string(debug.Stack()),
			)
			result = nil
			err = fmt.Errorf("%w: %v", ErrTaskPanicked, r)
		}
	}()
	return t.fn(ctx, t.handle)
}

// scheduleRetry re-queues t after its backoff. It returns false if the pool
// is stopping, in which case the caller records the busy error.
func (p *Pool) scheduleRetry(t *Task, attempt int, cause error) bool {
	delay := t.retry.Delay(attempt, p.rand)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return false
	}

	t.handle.IncrementStep(0, fmt.Sprintf("waiting for lock (attempt %d of %d)", attempt, t.retry.MaxAttempts))
	p.timers[t] = time.AfterFunc(delay, func() {
		p.mu.Lock()
		delete(p.timers, t)
		stopped := p.stopped
		p.mu.Unlock()

		if stopped {
			p.finish(t, nil, ErrPoolStopped)
			return
		}
		if err := p.queue.Add(t); err != nil {
			if errors.Is(err, queue.ErrClosed) {
				err = ErrPoolStopped
			}
			p.finish(t, nil, fmt.Errorf("re-queueing after busy lock: %w", err))
		}
	})

	p.logger.Debug("task busy, retrying",
		"pool", p.name,
		"task_id", t.id,
		"task", t.name,
		"attempt", attempt,
		"delay", delay,
		"error", cause,
	)
	return true
}

// finish records the terminal outcome on the handle and notifies the
// observer. A staged outcome is committed when the task itself succeeded.
func (p *Pool) finish(t *Task, result any, err error) {
	h := t.handle
	var herr error
	switch {
	case err == nil && h.HasStaged():
		herr = h.Commit()
	case err == nil:
		herr = h.SetComplete(result)
	default:
		herr = h.SetError(err)
	}
	if herr != nil {
		// The task already published its own outcome.
		p.logger.Debug("task outcome already recorded", "task_id", t.id, "error", herr)
	}

	final := h.Err()
	t.markFinished(time.Now().UTC(), final)
	rec := t.Record()

	if final != nil {
		p.logger.Warn("task failed",
			"pool", p.name,
			"task_id", t.id,
			"task", t.name,
			"outcome", rec.Outcome,
			"attempts", rec.Attempts,
			"error", final,
		)
	} else {
		p.logger.Info("task completed",
			"pool", p.name,
			"task_id", t.id,
			"task", t.name,
			"attempts", rec.Attempts,
			"duration", rec.Duration(),
		)
	}

	if p.observer != nil {
		p.observer.TaskFinished(rec)
	}
}
