package progress

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestComposite_CompleteRequiresSelf(t *testing.T) {
	a, b := New(), New()
	c := NewComposite(a, b)

	_ = a.SetComplete(nil)
	_ = b.SetComplete(nil)
	if c.IsComplete() {
		t.Fatal("IsComplete() = true before the composite itself completed")
	}

	_ = c.Self().SetComplete("all devices updated")
	if !c.IsComplete() {
		t.Fatal("IsComplete() = false with every handle complete")
	}
	s := c.Snapshot()
	if s.State != StateComplete || s.Result != "all devices updated" {
		t.Errorf("Snapshot() = %+v", s)
	}
}

func TestComposite_AnyErrorFails(t *testing.T) {
	a, b := New(), New()
	c := NewComposite(a, b)

	_ = a.SetComplete(nil)
	_ = b.SetError(errors.New("dp02 rejected image"))

	if !c.HasError() || !c.IsTerminal() {
		t.Fatal("composite did not report child error")
	}
	if s := c.Snapshot(); s.State != StateError || s.Err == nil {
		t.Errorf("Snapshot() = %+v", s)
	}
}

func TestComposite_StepsAreSummed(t *testing.T) {
	a, b := New(), New()
	a.SetTotalSteps(2)
	b.SetTotalSteps(3)
	a.IncrementStep(1, "")
	b.IncrementStep(2, "")

	c := NewComposite(a)
	c.Add(b)
	s := c.Snapshot()
	if s.CurrentStep != 3 || s.TotalSteps != 5 {
		t.Errorf("steps = %d/%d, want 3/5", s.CurrentStep, s.TotalSteps)
	}
	if s.State != StateRunning {
		t.Errorf("State = %s, want running", s.State)
	}
}

func TestComposite_WaitForEnd(t *testing.T) {
	children := []*Handle{New(), New(), New()}
	c := NewComposite(children...)

	go func() {
		for _, h := range children {
			time.Sleep(5 * time.Millisecond)
			_ = h.SetComplete(nil)
		}
		_ = c.Self().SetComplete(nil)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s, err := c.WaitForEnd(ctx)
	if err != nil {
		t.Fatalf("WaitForEnd: %v", err)
	}
	if s.State != StateComplete {
		t.Errorf("State = %s, want complete", s.State)
	}
}

func TestComposite_WaitForUpdate(t *testing.T) {
	a := New()
	c := NewComposite(a)
	c.Snapshot()

	go func() {
		time.Sleep(10 * time.Millisecond)
		a.IncrementStep(1, "child moved")
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.WaitForUpdate(ctx); err != nil {
		t.Fatalf("WaitForUpdate: %v", err)
	}
}

func TestComposite_WaitCancelled(t *testing.T) {
	c := NewComposite(New())
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := c.WaitForEnd(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want DeadlineExceeded", err)
	}
}
