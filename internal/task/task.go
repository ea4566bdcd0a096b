package task

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/fleet-core/internal/lock"
	"github.com/nerrad567/fleet-core/internal/progress"
)

// Func is the body of a task. It reports progress on h and returns the
// result that becomes visible on the handle.
//
// A Func that must release resources before its result is observable calls
// h.SetUncommittedComplete (or SetUncommittedError) and returns; the worker
// commits the staged outcome after the Func returns.
type Func func(ctx context.Context, h *progress.Handle) (any, error)

// Option configures a Task.
type Option func(*Task)

// WithRetry makes the task re-queue itself when it fails with lock.ErrBusy.
func WithRetry(p RetryPolicy) Option {
	return func(t *Task) {
		t.retry = &p
	}
}

// WithCorrelator sets the caller tag on the task's handle.
func WithCorrelator(tag string) Option {
	return func(t *Task) {
		t.handle.SetCorrelator(tag)
	}
}

// WithOwner overrides the lock owner token the task runs under. Tasks
// spawned on behalf of another task pass the parent's owner to share its
// locks.
func WithOwner(owner lock.Owner) Option {
	return func(t *Task) {
		if owner != "" {
			t.owner = owner
		}
	}
}

// WithTimeout bounds a single run of the task.
func WithTimeout(d time.Duration) Option {
	return func(t *Task) {
		t.timeout = d
	}
}

// WithSubject records the resource the task acts on, for history and logs.
func WithSubject(subject string) Option {
	return func(t *Task) {
		t.subject = subject
	}
}

// Task is a unit of work bound to one progress handle.
//
// Construction parameters are immutable; the run bookkeeping is guarded by
// a mutex because retries hop between worker goroutines and timers.
type Task struct {
	id      string
	name    string
	subject string
	fn      Func
	handle  *progress.Handle
	owner   lock.Owner
	retry   *RetryPolicy
	timeout time.Duration

	mu          sync.Mutex
	area        string
	attempts    int
	submittedAt time.Time
	startedAt   time.Time
	finishedAt  time.Time
	outcome     Outcome
	lastErr     error
}

// New creates a task with a fresh ID and pending handle.
func New(name string, fn Func, opts ...Option) *Task {
	id := uuid.NewString()
	t := &Task{
		id:     id,
		name:   name,
		fn:     fn,
		handle: progress.New(),
		owner:  lock.Owner("task-" + id),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// ID returns the task identifier.
func (t *Task) ID() string { return t.id }

// Name returns the operation name.
func (t *Task) Name() string { return t.name }

// Subject returns the resource the task acts on, if set.
func (t *Task) Subject() string { return t.subject }

// Handle returns the task's progress handle.
func (t *Task) Handle() *progress.Handle { return t.handle }

// Owner returns the lock owner token the task runs under.
func (t *Task) Owner() lock.Owner { return t.owner }

// Area returns the work area the task was submitted to.
func (t *Task) Area() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.area
}

// Attempts returns how many times the task has started running.
func (t *Task) Attempts() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.attempts
}

// Record is the history view of a task.
type Record struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Subject     string    `json:"subject,omitempty"`
	Area        string    `json:"area"`
	Outcome     Outcome   `json:"outcome,omitempty"`
	Attempts    int       `json:"attempts"`
	SubmittedAt time.Time `json:"submitted_at"`
	StartedAt   time.Time `json:"started_at,omitzero"`
	FinishedAt  time.Time `json:"finished_at,omitzero"`
	Error       string    `json:"error,omitempty"`
}

// Duration returns the time from first start to finish, or zero if the task
// never ran to an end.
func (r Record) Duration() time.Duration {
	if r.StartedAt.IsZero() || r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// Record returns a snapshot of the task's bookkeeping.
func (t *Task) Record() Record {
	t.mu.Lock()
	defer t.mu.Unlock()

	r := Record{
		ID:          t.id,
		Name:        t.name,
		Subject:     t.subject,
		Area:        t.area,
		Outcome:     t.outcome,
		Attempts:    t.attempts,
		SubmittedAt: t.submittedAt,
		StartedAt:   t.startedAt,
		FinishedAt:  t.finishedAt,
	}
	if t.lastErr != nil {
		r.Error = t.lastErr.Error()
	}
	return r
}

// markSubmitted records the area; it fails if the task was already
// submitted.
func (t *Task) markSubmitted(area string, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.submittedAt.IsZero() {
		return false
	}
	t.area = area
	t.submittedAt = now
	return true
}

// unmarkSubmitted undoes markSubmitted after the queue refused the task,
// so the caller may submit it again.
func (t *Task) unmarkSubmitted() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.area = ""
	t.submittedAt = time.Time{}
}

func (t *Task) markStarted(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.attempts++
	if t.startedAt.IsZero() {
		t.startedAt = now
	}
	return t.attempts
}

func (t *Task) markFinished(now time.Time, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.finishedAt = now
	t.outcome = Classify(err)
	t.lastErr = err
}
