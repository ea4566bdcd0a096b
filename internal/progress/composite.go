package progress

import (
	"context"
	"reflect"
	"sync"
)

// Composite aggregates child handles with a handle of its own.
//
// It is complete when every child and its own handle are complete, and in
// error when any of them is. Steps are summed across children and its own
// handle.
type Composite struct {
	self *Handle

	mu       sync.Mutex
	children []*Handle
}

// NewComposite creates a composite over children.
func NewComposite(children ...*Handle) *Composite {
	c := &Composite{self: New()}
	for _, ch := range children {
		if ch != nil {
			c.children = append(c.children, ch)
		}
	}
	return c
}

// Self returns the composite's own handle, used to mark the aggregate
// complete once all child work has been issued.
func (c *Composite) Self() *Handle {
	return c.self
}

// Add appends a child handle.
func (c *Composite) Add(child *Handle) {
	if child == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.children = append(c.children, child)
}

// Children returns the child handles.
func (c *Composite) Children() []*Handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Handle, len(c.children))
	copy(out, c.children)
	return out
}

func (c *Composite) all() []*Handle {
	return append(c.Children(), c.self)
}

// IsComplete reports whether every handle completed.
func (c *Composite) IsComplete() bool {
	for _, h := range c.all() {
		if !h.IsComplete() {
			return false
		}
	}
	return true
}

// HasError reports whether any handle ended in error.
func (c *Composite) HasError() bool {
	for _, h := range c.all() {
		if h.HasError() {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the aggregate is complete or in error.
func (c *Composite) IsTerminal() bool {
	return c.HasError() || c.IsComplete()
}

// HasUpdate reports whether any handle changed since its last Snapshot.
func (c *Composite) HasUpdate() bool {
	for _, h := range c.all() {
		if h.HasUpdate() {
			return true
		}
	}
	return false
}

// Snapshot returns the aggregate status and clears HasUpdate on every
// handle. The first error found is reported.
func (c *Composite) Snapshot() Status {
	var out Status
	allComplete := true
	anyStarted := false

	for _, h := range c.all() {
		s := h.Snapshot()
		out.CurrentStep += s.CurrentStep
		out.TotalSteps += s.TotalSteps
		if s.UpdatedAt.After(out.UpdatedAt) {
			out.UpdatedAt = s.UpdatedAt
			if s.Description != "" {
				out.Description = s.Description
			}
		}
		if s.State != StateComplete {
			allComplete = false
		}
		if s.State != StatePending {
			anyStarted = true
		}
		if s.State == StateError && out.Err == nil {
			out.Err = s.Err
		}
	}

	self := c.self.Peek()
	out.Result = self.Result
	out.Correlator = self.Correlator

	switch {
	case out.Err != nil:
		out.State = StateError
	case allComplete:
		out.State = StateComplete
	case anyStarted:
		out.State = StateRunning
	default:
		out.State = StatePending
	}
	return out
}

// WaitForUpdate blocks until any handle has an unseen change or ctx ends.
func (c *Composite) WaitForUpdate(ctx context.Context) error {
	for {
		if c.HasUpdate() {
			return nil
		}
		handles := c.all()
		chans := make([]<-chan struct{}, len(handles))
		for i, h := range handles {
			chans[i] = h.Changed()
		}
		if c.HasUpdate() {
			return nil
		}
		if err := waitAny(ctx, chans); err != nil {
			return err
		}
	}
}

// WaitForEnd blocks until the aggregate is terminal and returns its status,
// or returns ctx.Err().
func (c *Composite) WaitForEnd(ctx context.Context) (Status, error) {
	for {
		if c.IsTerminal() {
			return c.Snapshot(), nil
		}
		var chans []<-chan struct{}
		for _, h := range c.all() {
			if !h.IsTerminal() {
				chans = append(chans, h.Done())
			}
		}
		if err := waitAny(ctx, chans); err != nil {
			return c.Snapshot(), err
		}
	}
}

// waitAny blocks until one of chans is closed or ctx ends.
func waitAny(ctx context.Context, chans []<-chan struct{}) error {
	cases := make([]reflect.SelectCase, 0, len(chans)+1)
	cases = append(cases, reflect.SelectCase{
		Dir:  reflect.SelectRecv,
		Chan: reflect.ValueOf(ctx.Done()),
	})
	for _, ch := range chans {
		cases = append(cases, reflect.SelectCase{
			Dir:  reflect.SelectRecv,
			Chan: reflect.ValueOf(ch),
		})
	}
	chosen, _, _ := reflect.Select(cases)
	if chosen == 0 {
		return ctx.Err()
	}
	return nil
}
