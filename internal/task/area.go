package task

import (
	"context"
	"fmt"
	"time"

	"github.com/nerrad567/fleet-core/internal/queue"
	"github.com/nerrad567/fleet-core/internal/reorder"
)

// Notification is a device notification released by an area's reorder
// collection.
type Notification struct {
	Area   string
	Source string
	Seq    uint64
	// InSequence is false when earlier notifications from Source were
	// presumed lost; the handler should resynchronise that source.
	InSequence bool
	Payload    any
}

// NotificationHandler processes released notifications. It runs on the
// area's drain goroutine, one notification at a time.
type NotificationHandler func(ctx context.Context, n Notification)

// AreaConfig sizes a work area.
type AreaConfig struct {
	Workers       int
	QueueCapacity int
	Reorder       reorder.Config
}

// AreaStats is a snapshot of a work area.
type AreaStats struct {
	Name    string        `json:"name"`
	Pool    PoolStats     `json:"pool"`
	Reorder reorder.Stats `json:"reorder"`
	Hiding  bool          `json:"hiding"`
}

// WorkArea bundles the task queue, worker pool and notification reorder
// collection serving one group of devices.
type WorkArea struct {
	name          string
	pool          *Pool
	notifications *reorder.Collection[any]
	handler       NotificationHandler
	logger        Logger

	cancel context.CancelFunc
	done   chan struct{}
}

func newWorkArea(name string, cfg AreaConfig, handler NotificationHandler, observer Observer, logger Logger) *WorkArea {
	q := queue.New[*Task](cfg.QueueCapacity)
	pool := NewPool(name, q)
	pool.SetLogger(logger)
	pool.SetObserver(observer)

	coll := reorder.NewCollection[any](cfg.Reorder)
	coll.SetLogger(&areaLogger{area: name, Logger: logger})

	return &WorkArea{
		name:          name,
		pool:          pool,
		notifications: coll,
		handler:       handler,
		logger:        logger,
		done:          make(chan struct{}),
	}
}

// areaLogger tags collection log lines with the area name.
type areaLogger struct {
	area string
	Logger
}

func (l *areaLogger) Warn(msg string, args ...any) {
	l.Logger.Warn(msg, append([]any{"area", l.area}, args...)...)
}

func (l *areaLogger) Debug(msg string, args ...any) {
	l.Logger.Debug(msg, append([]any{"area", l.area}, args...)...)
}

func (a *WorkArea) start(workers int) {
	a.pool.Start(workers)

	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	go a.drain(ctx)
}

// Name returns the area name.
func (a *WorkArea) Name() string {
	return a.name
}

// Submit queues t on the area's pool.
func (a *WorkArea) Submit(t *Task) error {
	return a.pool.Submit(t)
}

// Ingest buffers a notification from source for ordered delivery.
func (a *WorkArea) Ingest(seq uint64, payload any, source string) error {
	if err := a.notifications.Add(seq, payload, source); err != nil {
		return fmt.Errorf("area %s: %w", a.name, err)
	}
	return nil
}

// Prune drops reorder state for sources no longer in the area.
func (a *WorkArea) Prune(live []string) int {
	return a.notifications.Prune(live)
}

// Stats returns a snapshot of the area.
func (a *WorkArea) Stats() AreaStats {
	return AreaStats{
		Name:    a.name,
		Pool:    a.pool.Stats(),
		Reorder: a.notifications.Stats(),
		Hiding:  a.notifications.IsHidingItems(),
	}
}

// shutdown stops notification delivery, then the pool.
func (a *WorkArea) shutdown(ctx context.Context) error {
	if a.cancel != nil {
		a.cancel()
		select {
		case <-a.done:
		case <-ctx.Done():
			return fmt.Errorf("stopping area %s: %w", a.name, ctx.Err())
		}
	}
	return a.pool.Shutdown(ctx)
}

// drain delivers released notifications until ctx ends. It wakes on new
// arrivals and, while any buffer holds unreleasable items, at the
// earliest window expiry.
func (a *WorkArea) drain(ctx context.Context) {
	defer close(a.done)

	for {
		for {
			item, source, err := a.notifications.RemoveReadyItem()
			if err != nil {
				break
			}
			a.deliver(ctx, Notification{
				Area:       a.name,
				Source:     source,
				Seq:        item.Seq,
				InSequence: item.InSequence,
				Payload:    item.Payload,
			})
		}

		var timer *time.Timer
		var expiry <-chan time.Time
		if deadline, ok := a.notifications.NextDeadline(); ok {
			wait := time.Until(deadline) + time.Millisecond
			if wait < time.Millisecond {
				wait = time.Millisecond
			}
			timer = time.NewTimer(wait)
			expiry = timer.C
		}

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case <-a.notifications.Notify():
		case <-expiry:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

func (a *WorkArea) deliver(ctx context.Context, n Notification) {
	if a.handler == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("notification handler panicked",
				"area", a.name,
				"source", n.Source,
				"seq", n.Seq,
				"panic", r,
			)
		}
	}()
	a.handler(ctx, n)
}
