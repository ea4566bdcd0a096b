package progress

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// State is the lifecycle position of a handle.
type State int

const (
	StatePending State = iota
	StateRunning
	StateComplete
	StateError
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateRunning:
		return "running"
	case StateComplete:
		return "complete"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// IsTerminal reports whether the state is complete or error.
func (s State) IsTerminal() bool {
	return s == StateComplete || s == StateError
}

// Status is a point-in-time copy of a handle.
type Status struct {
	State       State     `json:"state"`
	CurrentStep int       `json:"current_step"`
	TotalSteps  int       `json:"total_steps"`
	Description string    `json:"description,omitempty"`
	Result      any       `json:"result,omitempty"`
	Err         error     `json:"-"`
	Correlator  string    `json:"correlator,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// MarshalJSON adds the error message, which error values cannot carry
// through encoding/json on their own.
func (s Status) MarshalJSON() ([]byte, error) {
	type plain Status
	out := struct {
		plain
		Error string `json:"error,omitempty"`
	}{plain: plain(s)}
	if s.Err != nil {
		out.Error = s.Err.Error()
	}
	return json.Marshal(out)
}

type staged struct {
	result any
	err    error
}

// Handle is the synchronised status object shared by a task and its
// callers.
//
// Thread Safety: all methods are safe for concurrent use.
type Handle struct {
	mu sync.Mutex

	state       State
	current     int
	total       int
	description string
	result      any
	err         error
	pending     *staged
	correlator  string
	updatedAt   time.Time

	// version counts visible changes; seen is the version of the last
	// Snapshot.
	version uint64
	seen    uint64

	// changed is closed (and replaced) on every visible change.
	changed chan struct{}
	// done is closed once, on the terminal transition.
	done chan struct{}
}

// New creates a pending handle.
func New() *Handle {
	return &Handle{
		changed:   make(chan struct{}),
		done:      make(chan struct{}),
		updatedAt: time.Now(),
	}
}

// SetRunning moves a pending handle to running. It is a no-op in any other
// state.
func (h *Handle) SetRunning(description string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state != StatePending {
		return
	}
	h.state = StateRunning
	if description != "" {
		h.description = description
	}
	h.touchLocked()
}

// SetTotalSteps sets the expected number of steps.
func (h *Handle) SetTotalSteps(n int) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state.IsTerminal() {
		return
	}
	h.total = n
	h.touchLocked()
}

// IncrementStep advances the current step by n and records what is being
// done. A pending handle becomes running.
func (h *Handle) IncrementStep(n int, description string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state.IsTerminal() {
		return
	}
	if h.state == StatePending {
		h.state = StateRunning
	}
	h.current += n
	if description != "" {
		h.description = description
	}
	h.touchLocked()
}

// SetComplete publishes result immediately.
func (h *Handle) SetComplete(result any) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.finishLocked(result, nil)
}

// SetError publishes err immediately.
func (h *Handle) SetError(err error) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err == nil {
		err = fmt.Errorf("progress: nil error recorded")
	}
	return h.finishLocked(nil, err)
}

// SetUncommittedComplete stages result without publishing it. Pollers keep
// seeing the previous state until Commit.
func (h *Handle) SetUncommittedComplete(result any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state.IsTerminal() {
		return
	}
	h.pending = &staged{result: result}
}

// SetUncommittedError stages err without publishing it.
func (h *Handle) SetUncommittedError(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state.IsTerminal() {
		return
	}
	if err == nil {
		err = fmt.Errorf("progress: nil error recorded")
	}
	h.pending = &staged{err: err}
}

// HasStaged reports whether an uncommitted outcome is waiting for Commit.
func (h *Handle) HasStaged() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pending != nil
}

// Commit publishes the staged outcome atomically.
func (h *Handle) Commit() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.pending == nil {
		return ErrNothingStaged
	}
	p := h.pending
	h.pending = nil
	return h.finishLocked(p.result, p.err)
}

// HasUpdate reports whether the handle changed since the last Snapshot.
func (h *Handle) HasUpdate() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.version != h.seen
}

// IsComplete reports whether the handle completed successfully.
func (h *Handle) IsComplete() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state == StateComplete
}

// HasError reports whether the handle ended in error.
func (h *Handle) HasError() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state == StateError
}

// IsTerminal reports whether the handle reached complete or error.
func (h *Handle) IsTerminal() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state.IsTerminal()
}

// Err returns the terminal error, if any.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Result returns the committed result, if any.
func (h *Handle) Result() any {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.result
}

// Snapshot returns the visible status and clears HasUpdate.
func (h *Handle) Snapshot() Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.seen = h.version
	return h.statusLocked()
}

// Peek returns the visible status without clearing HasUpdate.
func (h *Handle) Peek() Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.statusLocked()
}

// Correlator returns the caller-supplied tag.
func (h *Handle) Correlator() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.correlator
}

// SetCorrelator stores an opaque caller tag. The handle never interprets it.
func (h *Handle) SetCorrelator(tag string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.correlator = tag
}

// Changed returns a channel that is closed at the next visible change.
// Callers must fetch a fresh channel after each wake-up.
func (h *Handle) Changed() <-chan struct{} {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.changed
}

// Done returns a channel that is closed when the handle becomes terminal.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// WaitForUpdate blocks until HasUpdate would return true or ctx ends.
func (h *Handle) WaitForUpdate(ctx context.Context) error {
	for {
		h.mu.Lock()
		if h.version != h.seen {
			h.mu.Unlock()
			return nil
		}
		ch := h.changed
		h.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// WaitForEnd blocks until the handle is terminal and returns its final
// status, or returns ctx.Err().
func (h *Handle) WaitForEnd(ctx context.Context) (Status, error) {
	select {
	case <-h.done:
		return h.Snapshot(), nil
	case <-ctx.Done():
		return h.Peek(), ctx.Err()
	}
}

func (h *Handle) finishLocked(result any, err error) error {
	if h.state.IsTerminal() {
		return fmt.Errorf("%w: %s", ErrAlreadyTerminal, h.state)
	}
	h.pending = nil
	if err != nil {
		h.state = StateError
		h.err = err
	} else {
		h.state = StateComplete
		h.result = result
		if h.total > 0 && h.current < h.total {
			h.current = h.total
		}
	}
	h.touchLocked()
	close(h.done)
	return nil
}

func (h *Handle) touchLocked() {
	h.version++
	h.updatedAt = time.Now()
	close(h.changed)
	h.changed = make(chan struct{})
}

func (h *Handle) statusLocked() Status {
	return Status{
		State:       h.state,
		CurrentStep: h.current,
		TotalSteps:  h.total,
		Description: h.description,
		Result:      h.result,
		Err:         h.err,
		Correlator:  h.correlator,
		UpdatedAt:   h.updatedAt,
	}
}
