package task

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nerrad567/fleet-core/internal/lock"
	"github.com/nerrad567/fleet-core/internal/progress"
	"github.com/nerrad567/fleet-core/internal/queue"
)

// recordingObserver captures lifecycle events.
type recordingObserver struct {
	mu        sync.Mutex
	submitted []Record
	finished  []Record
}

func (r *recordingObserver) TaskSubmitted(rec Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.submitted = append(r.submitted, rec)
}

func (r *recordingObserver) TaskFinished(rec Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finished = append(r.finished, rec)
}

func (r *recordingObserver) finishedRecords() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Record, len(r.finished))
	copy(out, r.finished)
	return out
}

func newTestPool(capacity int) (*Pool, *recordingObserver) {
	obs := &recordingObserver{}
	p := NewPool("test", queue.New[*Task](capacity))
	p.SetObserver(obs)
	return p, obs
}

func waitEnd(t *testing.T, h *progress.Handle) progress.Status {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s, err := h.WaitForEnd(ctx)
	if err != nil {
		t.Fatalf("WaitForEnd: %v", err)
	}
	return s
}

func shutdown(t *testing.T, p *Pool) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestPool_RunsTasks(t *testing.T) {
	p, obs := newTestPool(0)
	p.Start(2)
	defer shutdown(t, p)

	tk := New("resync", func(_ context.Context, h *progress.Handle) (any, error) {
		h.SetTotalSteps(2)
		h.IncrementStep(1, "fetching config")
		h.IncrementStep(1, "applying")
		return "synced", nil
	}, WithSubject("dp01"))

	if err := p.Submit(tk); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	s := waitEnd(t, tk.Handle())
	if s.State != progress.StateComplete || s.Result != "synced" {
		t.Fatalf("status = %+v", s)
	}

	// The observer runs after the handle completes.
	deadline := time.Now().Add(time.Second)
	for len(obs.finishedRecords()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	recs := obs.finishedRecords()
	if len(recs) != 1 {
		t.Fatalf("finished records = %d, want 1", len(recs))
	}
	if recs[0].Outcome != OutcomeOK || recs[0].Subject != "dp01" || recs[0].Area != "test" {
		t.Errorf("record = %+v", recs[0])
	}
}

func TestPool_TaskRunsUnderOwner(t *testing.T) {
	p, _ := newTestPool(0)
	p.Start(1)
	defer shutdown(t, p)

	var got lock.Owner
	tk := New("probe", func(ctx context.Context, _ *progress.Handle) (any, error) {
		got = lock.OwnerFromContext(ctx)
		return nil, nil
	})
	_ = p.Submit(tk)
	waitEnd(t, tk.Handle())

	if got != tk.Owner() {
		t.Errorf("owner in context = %q, want %q", got, tk.Owner())
	}
}

func TestPool_SubmitFull(t *testing.T) {
	p, _ := newTestPool(1)
	// Not started: the queue fills up.
	noop := func(context.Context, *progress.Handle) (any, error) { return nil, nil }

	if err := p.Submit(New("a", noop)); err != nil {
		t.Fatalf("first Submit: %v", err)
	}
	err := p.Submit(New("b", noop))
	if !errors.Is(err, queue.ErrFull) {
		t.Fatalf("second Submit err = %v, want ErrFull", err)
	}
	if Classify(err) != OutcomeFull {
		t.Errorf("Classify = %s, want full", Classify(err))
	}
	shutdown(t, p)
}

func TestPool_ResubmitAfterFull(t *testing.T) {
	p, _ := newTestPool(1)
	noop := func(context.Context, *progress.Handle) (any, error) { return nil, nil }

	a := New("a", noop)
	b := New("b", noop)
	if err := p.Submit(a); err != nil {
		t.Fatalf("Submit(a): %v", err)
	}
	if err := p.Submit(b); !errors.Is(err, queue.ErrFull) {
		t.Fatalf("Submit(b) err = %v, want ErrFull", err)
	}
	if b.Area() != "" {
		t.Errorf("Area() = %q after refused submit, want empty", b.Area())
	}

	p.Start(1)
	waitEnd(t, a.Handle())

	if err := p.Submit(b); err != nil {
		t.Fatalf("resubmit after ErrFull: %v", err)
	}
	if s := waitEnd(t, b.Handle()); s.State != progress.StateComplete {
		t.Errorf("state = %s, want complete", s.State)
	}
	shutdown(t, p)
}

func TestPool_SubmitTwice(t *testing.T) {
	p, _ := newTestPool(0)
	tk := New("a", func(context.Context, *progress.Handle) (any, error) { return nil, nil })
	_ = p.Submit(tk)
	if err := p.Submit(tk); !errors.Is(err, ErrAlreadySubmitted) {
		t.Errorf("err = %v, want ErrAlreadySubmitted", err)
	}
	shutdown(t, p)
}

func TestPool_PanicIsRecorded(t *testing.T) {
	p, _ := newTestPool(0)
	p.Start(1)
	defer shutdown(t, p)

	bad := New("bad", func(context.Context, *progress.Handle) (any, error) {
		panic("nil firmware image")
	})
	good := New("good", func(context.Context, *progress.Handle) (any, error) {
		return 1, nil
	})
	_ = p.Submit(bad)
	_ = p.Submit(good)

	if s := waitEnd(t, bad.Handle()); !errors.Is(s.Err, ErrTaskPanicked) {
		t.Errorf("panic task err = %v, want ErrTaskPanicked", s.Err)
	}
	// The worker survived the panic.
	if s := waitEnd(t, good.Handle()); s.State != progress.StateComplete {
		t.Errorf("next task state = %s, want complete", s.State)
	}
}

func TestPool_StagedResultCommittedAfterReturn(t *testing.T) {
	p, _ := newTestPool(0)
	p.Start(1)
	defer shutdown(t, p)

	l := lock.New("device:dp01", lock.RankDevice)
	var visibleWhileLocked atomic.Bool

	tk := New("deploy", func(ctx context.Context, h *progress.Handle) (any, error) {
		owner := lock.OwnerFromContext(ctx)
		if err := l.TryAcquire(owner); err != nil {
			return nil, err
		}
		h.SetUncommittedComplete("deployed")
		visibleWhileLocked.Store(h.IsComplete())
		l.Release(owner)
		return nil, nil
	})
	_ = p.Submit(tk)

	s := waitEnd(t, tk.Handle())
	if s.State != progress.StateComplete || s.Result != "deployed" {
		t.Fatalf("status = %+v, want staged result committed", s)
	}
	if visibleWhileLocked.Load() {
		t.Error("staged result visible before commit")
	}
	if !l.IsAvailable("") {
		t.Error("lock still held after task")
	}
}

func TestPool_ErrorOverridesStaged(t *testing.T) {
	p, _ := newTestPool(0)
	p.Start(1)
	defer shutdown(t, p)

	tk := New("x", func(_ context.Context, h *progress.Handle) (any, error) {
		h.SetUncommittedComplete("never")
		return nil, errors.New("device went away")
	})
	_ = p.Submit(tk)
	if s := waitEnd(t, tk.Handle()); s.State != progress.StateError {
		t.Errorf("state = %s, want error", s.State)
	}
}

func TestPool_BusyRetry(t *testing.T) {
	p, _ := newTestPool(0)
	p.Start(1)
	defer shutdown(t, p)

	l := lock.New("device:dp01", lock.RankDevice)
	holder := lock.Owner("other")
	if err := l.TryAcquire(holder); err != nil {
		t.Fatalf("TryAcquire: %v", err)
	}

	tk := New("sync-domain", func(ctx context.Context, _ *progress.Handle) (any, error) {
		owner := lock.OwnerFromContext(ctx)
		if err := l.TryAcquire(owner); err != nil {
			return nil, err
		}
		defer l.Release(owner)
		return "synced", nil
	}, WithRetry(RetryPolicy{MaxAttempts: 5, BaseDelay: 20 * time.Millisecond, Multiplier: 1}))
	_ = p.Submit(tk)

	time.AfterFunc(30*time.Millisecond, func() { l.Release(holder) })

	s := waitEnd(t, tk.Handle())
	if s.State != progress.StateComplete {
		t.Fatalf("status = %+v, want complete after retries", s)
	}
	if tk.Attempts() < 2 {
		t.Errorf("Attempts() = %d, want at least 2", tk.Attempts())
	}
}

func TestPool_BusyRetryExhausted(t *testing.T) {
	p, _ := newTestPool(0)
	p.Start(1)
	defer shutdown(t, p)

	tk := New("sync-domain", func(context.Context, *progress.Handle) (any, error) {
		return nil, fmt.Errorf("acquiring device lock: %w", lock.ErrBusy)
	}, WithRetry(RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, Multiplier: 1}))
	_ = p.Submit(tk)

	s := waitEnd(t, tk.Handle())
	if !errors.Is(s.Err, lock.ErrBusy) {
		t.Fatalf("err = %v, want ErrBusy", s.Err)
	}
	if tk.Attempts() != 3 {
		t.Errorf("Attempts() = %d, want 3", tk.Attempts())
	}
	if tk.Record().Outcome != OutcomeBusy {
		t.Errorf("Outcome = %s, want busy", tk.Record().Outcome)
	}
}

func TestPool_BusyWithoutRetryFailsFast(t *testing.T) {
	p, _ := newTestPool(0)
	p.Start(1)
	defer shutdown(t, p)

	tk := New("resync", func(context.Context, *progress.Handle) (any, error) {
		return nil, lock.ErrBusy
	})
	_ = p.Submit(tk)
	if s := waitEnd(t, tk.Handle()); !errors.Is(s.Err, lock.ErrBusy) || tk.Attempts() != 1 {
		t.Errorf("err = %v attempts = %d, want ErrBusy after 1", s.Err, tk.Attempts())
	}
}

func TestPool_Shutdown(t *testing.T) {
	p, _ := newTestPool(0)
	p.Start(1)

	started := make(chan struct{})
	release := make(chan struct{})
	running := New("long", func(context.Context, *progress.Handle) (any, error) {
		close(started)
		<-release
		return "finished", nil
	})
	queued := New("queued", func(context.Context, *progress.Handle) (any, error) {
		return "should not run", nil
	})

	_ = p.Submit(running)
	<-started
	_ = p.Submit(queued)

	shutdownDone := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		shutdownDone <- p.Shutdown(ctx)
	}()

	// Queued work is failed straight away.
	if s := waitEnd(t, queued.Handle()); !errors.Is(s.Err, ErrPoolStopped) {
		t.Fatalf("queued task err = %v, want ErrPoolStopped", s.Err)
	}

	select {
	case <-shutdownDone:
		t.Fatal("Shutdown returned while a task was still running")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)
	if err := <-shutdownDone; err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	// The dequeued task ran to completion.
	if s := running.Handle().Snapshot(); s.State != progress.StateComplete || s.Result != "finished" {
		t.Errorf("running task = %+v, want complete", s)
	}
	if st := p.Stats(); st.Running != 0 {
		t.Errorf("Running = %d after Shutdown", st.Running)
	}
	if err := p.Submit(New("late", nil)); !errors.Is(err, ErrPoolStopped) {
		t.Errorf("Submit after Shutdown err = %v, want ErrPoolStopped", err)
	}
}

func TestPool_ShutdownFailsPendingRetries(t *testing.T) {
	p, _ := newTestPool(0)
	p.Start(1)

	tk := New("sync-domain", func(context.Context, *progress.Handle) (any, error) {
		return nil, lock.ErrBusy
	}, WithRetry(RetryPolicy{MaxAttempts: 5, BaseDelay: time.Hour, Multiplier: 1}))
	_ = p.Submit(tk)

	deadline := time.Now().Add(2 * time.Second)
	for p.Stats().RetryPending == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if p.Stats().RetryPending != 1 {
		t.Fatal("task never entered retry wait")
	}

	shutdown(t, p)
	if s := waitEnd(t, tk.Handle()); !errors.Is(s.Err, ErrPoolStopped) {
		t.Errorf("err = %v, want ErrPoolStopped", s.Err)
	}
}

func TestPool_ShutdownTimeoutCancelsTasks(t *testing.T) {
	p, _ := newTestPool(0)
	p.Start(1)

	started := make(chan struct{})
	tk := New("stuck", func(ctx context.Context, _ *progress.Handle) (any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	_ = p.Submit(tk)
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := p.Shutdown(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Shutdown err = %v, want DeadlineExceeded", err)
	}
	if s := waitEnd(t, tk.Handle()); !errors.Is(s.Err, context.Canceled) {
		t.Errorf("task err = %v, want Canceled", s.Err)
	}
}

func TestPool_DequeuedTaskRunsAfterStop(t *testing.T) {
	p, _ := newTestPool(0)
	tk := New("resync", func(context.Context, *progress.Handle) (any, error) {
		return "ran", nil
	})
	if err := p.Submit(tk); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	// The stop flag is raised after the item is already in a worker's
	// hands; the closed queue still yields it once.
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()
	p.queue.Close()
	p.work(0)

	if s := tk.Handle().Snapshot(); s.State != progress.StateComplete || s.Result != "ran" {
		t.Errorf("status = %+v, want complete", s)
	}
}

func TestPool_ShutdownTimeoutJoinsWorkers(t *testing.T) {
	p, _ := newTestPool(0)
	p.Start(2)

	started := make(chan struct{})
	tk := New("slow", func(ctx context.Context, _ *progress.Handle) (any, error) {
		close(started)
		<-ctx.Done()
		time.Sleep(30 * time.Millisecond)
		return nil, ctx.Err()
	})
	_ = p.Submit(tk)
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := p.Shutdown(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Shutdown err = %v, want DeadlineExceeded", err)
	}
	if st := p.Stats(); st.Running != 0 {
		t.Errorf("Running = %d after Shutdown returned", st.Running)
	}
	if !tk.Handle().HasError() {
		t.Errorf("task state = %s after Shutdown returned, want error", tk.Handle().Snapshot().State)
	}
}

func TestPool_FIFOWithSingleWorker(t *testing.T) {
	p, _ := newTestPool(0)

	var mu sync.Mutex
	var order []int
	var tasks []*Task
	for i := 0; i < 10; i++ {
		i := i
		tk := New("step", func(context.Context, *progress.Handle) (any, error) {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return nil, nil
		})
		tasks = append(tasks, tk)
		_ = p.Submit(tk)
	}
	p.Start(1)
	for _, tk := range tasks {
		waitEnd(t, tk.Handle())
	}
	shutdown(t, p)

	for i, got := range order {
		if got != i {
			t.Fatalf("order = %v, want ascending", order)
		}
	}
}
