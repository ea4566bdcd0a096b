package history

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/fleet-core/internal/task"
)

const (
	// DefaultBuffer is the number of finished records the Recorder holds
	// while the writer catches up.
	DefaultBuffer = 1024

	// saveTimeout bounds a single history write.
	saveTimeout = 5 * time.Second
)

// Logger is the logging interface used by this package.
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

// Recorder persists finished tasks. It implements task.Observer.
//
// TaskFinished never blocks: records go into a bounded buffer drained by a
// single writer goroutine. When the buffer is full the record is dropped
// and counted.
type Recorder struct {
	repo    Repository
	records chan task.Record
	logger  Logger

	mu     sync.RWMutex
	closed bool

	dropped atomic.Uint64
	done    chan struct{}
}

// NewRecorder creates a Recorder writing to repo. A buffer below 1 uses
// DefaultBuffer. Call Start to begin writing.
func NewRecorder(repo Repository, buffer int) *Recorder {
	if buffer < 1 {
		buffer = DefaultBuffer
	}
	return &Recorder{
		repo:    repo,
		records: make(chan task.Record, buffer),
		logger:  noopLogger{},
		done:    make(chan struct{}),
	}
}

// SetLogger sets the logger. Call before Start.
func (r *Recorder) SetLogger(logger Logger) {
	if logger == nil {
		logger = noopLogger{}
	}
	r.logger = logger
}

// Start launches the writer goroutine.
func (r *Recorder) Start() {
	go r.run()
}

func (r *Recorder) run() {
	defer close(r.done)
	for rec := range r.records {
		ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
		if err := r.repo.Save(ctx, rec); err != nil {
			r.logger.Error("saving task history failed",
				"task_id", rec.ID,
				"task", rec.Name,
				"error", err,
			)
		}
		cancel()
	}
}

// TaskSubmitted is a no-op; only finished tasks are stored.
func (r *Recorder) TaskSubmitted(task.Record) {}

// TaskFinished queues rec for writing.
func (r *Recorder) TaskFinished(rec task.Record) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	select {
	case r.records <- rec:
	default:
		r.dropped.Add(1)
		r.logger.Warn("task history buffer full, record dropped",
			"task_id", rec.ID,
			"task", rec.Name,
		)
	}
}

// Dropped returns the number of records lost to a full buffer.
func (r *Recorder) Dropped() uint64 {
	return r.dropped.Load()
}

// Close stops accepting records and waits for queued ones to be written,
// or for ctx to end. Start must have been called.
func (r *Recorder) Close(ctx context.Context) error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.records)
	}
	r.mu.Unlock()

	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

var _ task.Observer = (*Recorder)(nil)
