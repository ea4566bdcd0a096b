package task

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/fleet-core/internal/progress"
	"github.com/nerrad567/fleet-core/internal/reorder"
)

// DefaultRetention is the number of finished tasks kept for polling.
const DefaultRetention = 1000

// Config holds scheduler-wide settings applied to every work area.
type Config struct {
	Workers       int
	QueueCapacity int
	Reorder       reorder.Config
	// Retention bounds how many finished tasks remain pollable.
	Retention int
}

// DefaultConfig returns the standard scheduler settings.
func DefaultConfig() Config {
	return Config{
		Workers:       4,
		QueueCapacity: 256,
		Reorder:       reorder.DefaultConfig(),
		Retention:     DefaultRetention,
	}
}

// Scheduler owns the work areas and the index of submitted tasks.
//
// Thread Safety: all methods are safe for concurrent use.
type Scheduler struct {
	cfg     Config
	logger  Logger
	handler NotificationHandler

	mu        sync.RWMutex
	areas     map[string]*WorkArea
	tasks     map[string]*Task
	finished  []string
	observers []Observer
	stopped   bool
}

// NewScheduler creates a scheduler with no work areas.
func NewScheduler(cfg Config) *Scheduler {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	return &Scheduler{
		cfg:    cfg,
		logger: noopLogger{},
		areas:  make(map[string]*WorkArea),
		tasks:  make(map[string]*Task),
	}
}

// SetLogger sets the logger used by the scheduler and areas created after
// the call.
func (s *Scheduler) SetLogger(logger Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if logger == nil {
		logger = noopLogger{}
	}
	s.logger = logger
}

// SetNotificationHandler sets the handler for released notifications in
// areas created after the call.
func (s *Scheduler) SetNotificationHandler(h NotificationHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = h
}

// AddObserver registers a task lifecycle observer.
func (s *Scheduler) AddObserver(o Observer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, o)
}

// CreateArea creates and starts a work area.
//
// Returns ErrAreaExists if name is taken, or ErrPoolStopped after Shutdown.
func (s *Scheduler) CreateArea(name string) (*WorkArea, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return nil, ErrPoolStopped
	}
	if _, ok := s.areas[name]; ok {
		return nil, fmt.Errorf("%w: %s", ErrAreaExists, name)
	}

	area := newWorkArea(name, AreaConfig{
		Workers:       s.cfg.Workers,
		QueueCapacity: s.cfg.QueueCapacity,
		Reorder:       s.cfg.Reorder,
	}, s.handler, (*schedulerObserver)(s), s.logger)
	area.start(s.cfg.Workers)
	s.areas[name] = area

	s.logger.Info("work area created", "area", name, "workers", s.cfg.Workers)
	return area, nil
}

// DestroyArea shuts an area down and removes it. Tasks still queued in it
// fail with ErrPoolStopped.
func (s *Scheduler) DestroyArea(ctx context.Context, name string) error {
	s.mu.Lock()
	area, ok := s.areas[name]
	if ok {
		delete(s.areas, name)
	}
	s.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrAreaNotFound, name)
	}
	if err := area.shutdown(ctx); err != nil {
		return err
	}
	s.logger.Info("work area destroyed", "area", name)
	return nil
}

// Area returns the named work area.
func (s *Scheduler) Area(name string) (*WorkArea, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	area, ok := s.areas[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAreaNotFound, name)
	}
	return area, nil
}

// Areas returns the area names, sorted.
func (s *Scheduler) Areas() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.areas))
	for name := range s.areas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Stats returns a snapshot of every area, sorted by name.
func (s *Scheduler) Stats() []AreaStats {
	s.mu.RLock()
	areas := make([]*WorkArea, 0, len(s.areas))
	for _, a := range s.areas {
		areas = append(areas, a)
	}
	s.mu.RUnlock()

	out := make([]AreaStats, 0, len(areas))
	for _, a := range areas {
		out = append(out, a.Stats())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Submit queues t on the named area and returns its progress handle.
//
// Parameters:
//   - ctx: checked before queueing; the task itself runs under the pool's
//     context
//   - area: target work area
//   - t: the task to run
//
// Returns:
//   - *progress.Handle: the task's handle
//   - error: ErrAreaNotFound, queue.ErrFull (wrapped), ErrPoolStopped, or
//     ctx.Err()
func (s *Scheduler) Submit(ctx context.Context, area string, t *Task) (*progress.Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	a, err := s.Area(area)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if _, dup := s.tasks[t.id]; dup {
		s.mu.Unlock()
		return nil, ErrAlreadySubmitted
	}
	s.tasks[t.id] = t
	s.mu.Unlock()

	if err := a.Submit(t); err != nil {
		s.mu.Lock()
		delete(s.tasks, t.id)
		s.mu.Unlock()
		return nil, err
	}
	return t.handle, nil
}

// Ingest buffers a notification for the named area.
func (s *Scheduler) Ingest(area string, seq uint64, payload any, source string) error {
	a, err := s.Area(area)
	if err != nil {
		return err
	}
	return a.Ingest(seq, payload, source)
}

// Task returns a submitted task by ID.
func (s *Scheduler) Task(id string) (*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return t, nil
}

// Poll returns the current status of a task.
func (s *Scheduler) Poll(id string) (progress.Status, error) {
	t, err := s.Task(id)
	if err != nil {
		return progress.Status{}, err
	}
	return t.handle.Peek(), nil
}

// Shutdown stops every area concurrently and waits for them.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.stopped = true
	areas := make([]*WorkArea, 0, len(s.areas))
	for name, a := range s.areas {
		areas = append(areas, a)
		delete(s.areas, name)
	}
	s.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, a := range areas {
		g.Go(func() error {
			return a.shutdown(gctx)
		})
	}
	return g.Wait()
}

// schedulerObserver fans lifecycle events out to the registered observers
// and trims the finished-task index.
type schedulerObserver Scheduler

func (o *schedulerObserver) TaskSubmitted(rec Record) {
	s := (*Scheduler)(o)
	for _, obs := range s.snapshotObservers() {
		obs.TaskSubmitted(rec)
	}
}

func (o *schedulerObserver) TaskFinished(rec Record) {
	s := (*Scheduler)(o)
	s.retire(rec.ID)
	for _, obs := range s.snapshotObservers() {
		obs.TaskFinished(rec)
	}
}

func (s *Scheduler) snapshotObservers() []Observer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Observer, len(s.observers))
	copy(out, s.observers)
	return out
}

// retire records id as finished and evicts the oldest finished tasks beyond
// the retention limit.
func (s *Scheduler) retire(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasks[id]; !ok {
		return
	}
	s.finished = append(s.finished, id)
	for len(s.finished) > s.cfg.Retention {
		delete(s.tasks, s.finished[0])
		s.finished = s.finished[1:]
	}
}
