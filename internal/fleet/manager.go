package fleet

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/fleet-core/internal/lock"
	"github.com/nerrad567/fleet-core/internal/progress"
	"github.com/nerrad567/fleet-core/internal/task"
)

// Scheduler is the subset of *task.Scheduler the Manager drives.
type Scheduler interface {
	CreateArea(name string) (*task.WorkArea, error)
	DestroyArea(ctx context.Context, name string) error
	Area(name string) (*task.WorkArea, error)
	Submit(ctx context.Context, area string, t *task.Task) (*progress.Handle, error)
	Ingest(area string, seq uint64, payload any, source string) error
}

// Publisher carries commands to devices and task progress to subscribers.
type Publisher interface {
	PublishCommand(ctx context.Context, serial string, cmd Command) error
	PublishProgress(taskID string, st progress.Status) error
}

// Broadcaster pushes events to connected UI clients.
type Broadcaster interface {
	Broadcast(channel string, payload any)
}

// Broadcast channels.
const (
	ChannelTaskProgress       = "task.progress"
	ChannelDeviceNotification = "device.notification"
)

// ManagerConfig tunes the tasks built by the Manager.
type ManagerConfig struct {
	// Retry is applied to tasks that re-queue while a device is busy.
	Retry task.RetryPolicy
	// TaskTimeout bounds a single run of any task. Zero means no limit.
	TaskTimeout time.Duration
	// ResyncOnGap submits a Resync when a notification is released after a
	// lost sequence gap.
	ResyncOnGap bool
}

// DefaultManagerConfig returns the standard Manager settings.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		Retry:       task.DefaultRetryPolicy(),
		TaskTimeout: 10 * time.Minute,
		ResyncOnGap: true,
	}
}

// firmwarePool names the single firmware lock.
const firmwarePool = "firmware"

// TaskRef identifies a submitted task.
type TaskRef struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Area    string `json:"area"`
	Subject string `json:"subject,omitempty"`

	handle *progress.Handle
}

// Handle returns the task's progress handle.
func (r TaskRef) Handle() *progress.Handle {
	return r.handle
}

// Manager keeps scheduler areas and locks in step with the inventory and
// submits device operations.
//
// Thread Safety: all methods are safe for concurrent use.
type Manager struct {
	registry  *Registry
	sched     Scheduler
	publisher Publisher
	locks     *lock.Table
	cfg       ManagerConfig
	now       func() time.Time
	logger    Logger
	started   atomic.Bool

	// mu serialises inventory changes that create or destroy areas. Task
	// bodies and the notification path never take it.
	mu sync.Mutex

	sinkMu      sync.RWMutex
	broadcaster Broadcaster
}

// NewManager creates a Manager. Call Start before use.
func NewManager(registry *Registry, sched Scheduler, publisher Publisher, cfg ManagerConfig) *Manager {
	return &Manager{
		registry:  registry,
		sched:     sched,
		publisher: publisher,
		locks:     lock.NewTable(),
		cfg:       cfg,
		now:       time.Now,
		logger:    noopLogger{},
	}
}

// SetLogger sets the logger for the Manager and its lock table. Call it
// before Start.
func (m *Manager) SetLogger(logger Logger) {
	m.logger = logger
	m.locks.SetLogger(logger)
}

// SetBroadcaster sets the UI event sink.
func (m *Manager) SetBroadcaster(b Broadcaster) {
	m.sinkMu.Lock()
	defer m.sinkMu.Unlock()
	m.broadcaster = b
}

// Registry returns the inventory the Manager operates on.
func (m *Manager) Registry() *Registry {
	return m.registry
}

// Locks returns the state of every live resource lock.
func (m *Manager) Locks() []lock.Info {
	return m.locks.Snapshot()
}

// Start loads the inventory and creates the ungrouped area plus one area
// per group.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started.Load() {
		return nil
	}
	if err := m.registry.RefreshCache(ctx); err != nil {
		return err
	}

	areas := []string{UngroupedArea}
	for _, g := range m.registry.ListGroups() {
		areas = append(areas, g.ID)
	}
	for _, name := range areas {
		if err := m.ensureArea(name); err != nil {
			return err
		}
	}

	m.started.Store(true)
	m.logger.Info("fleet manager started", "areas", len(areas), "devices", len(m.registry.ListDevices()))
	return nil
}

func (m *Manager) ensureArea(name string) error {
	if _, err := m.sched.CreateArea(name); err != nil && !errors.Is(err, task.ErrAreaExists) {
		return fmt.Errorf("creating area %s: %w", name, err)
	}
	return nil
}

func (m *Manager) checkStarted() error {
	if !m.started.Load() {
		return ErrNotStarted
	}
	return nil
}

// RegisterDevice adds a device to the inventory.
func (m *Manager) RegisterDevice(ctx context.Context, d *Device) error {
	if err := m.checkStarted(); err != nil {
		return err
	}
	return m.registry.CreateDevice(ctx, d)
}

// RemoveDevice deletes a device, retires its lock so waiting tasks fail
// with lock.ErrDeleted, and drops its reorder state.
func (m *Manager) RemoveDevice(ctx context.Context, serial string) error {
	if err := m.checkStarted(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	area, err := m.registry.DeleteDevice(ctx, serial)
	if err != nil {
		return err
	}
	m.locks.Remove(lock.RankDevice, serial)
	m.prune(area)
	return nil
}

// MoveDevice assigns a device to a group, or ungroups it when groupID is
// empty. Its reorder state in the old area is dropped.
func (m *Manager) MoveDevice(ctx context.Context, serial, groupID string) error {
	if err := m.checkStarted(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var gid *string
	if groupID != "" && groupID != UngroupedArea {
		gid = &groupID
	}
	from, err := m.registry.MoveDevice(ctx, serial, gid)
	if err != nil {
		return err
	}
	m.prune(from)
	return nil
}

// CreateGroup persists a group and starts its work area.
func (m *Manager) CreateGroup(ctx context.Context, name, description string) (*Group, error) {
	if err := m.checkStarted(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	g := &Group{Name: name}
	if description != "" {
		g.Description = &description
	}
	if err := m.registry.CreateGroup(ctx, g); err != nil {
		return nil, err
	}
	if err := m.ensureArea(g.ID); err != nil {
		return nil, err
	}
	return g, nil
}

// DeleteGroup removes a group and destroys its work area. Tasks still
// queued there fail with task.ErrPoolStopped; member devices move to the
// ungrouped area.
func (m *Manager) DeleteGroup(ctx context.Context, id string) error {
	if err := m.checkStarted(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	moved, err := m.registry.DeleteGroup(ctx, id)
	if err != nil {
		return err
	}
	m.locks.Remove(lock.RankGroup, id)
	if err := m.sched.DestroyArea(ctx, id); err != nil && !errors.Is(err, task.ErrAreaNotFound) {
		return fmt.Errorf("destroying area %s: %w", id, err)
	}
	m.logger.Info("group removed", "group_id", id, "moved_devices", len(moved))
	return nil
}

// prune drops reorder state for sources no longer served by area.
func (m *Manager) prune(area string) {
	a, err := m.sched.Area(area)
	if err != nil {
		return
	}
	if n := a.Prune(m.registry.SerialsInArea(area)); n > 0 {
		m.logger.Debug("reorder buffers pruned", "area", area, "count", n)
	}
}

// Ingest routes a device notification to the reorder collection of the
// device's area.
func (m *Manager) Ingest(serial string, ev Event) error {
	area, err := m.registry.AreaOf(serial)
	if err != nil {
		return err
	}
	return m.sched.Ingest(area, ev.Seq, ev, serial)
}

// HandleNotification applies a released notification. It is registered as
// the scheduler's notification handler.
func (m *Manager) HandleNotification(ctx context.Context, n task.Notification) {
	ev, ok := n.Payload.(Event)
	if !ok {
		m.logger.Warn("unexpected notification payload",
			"area", n.Area,
			"serial", n.Source,
			"type", fmt.Sprintf("%T", n.Payload),
		)
		return
	}

	if err := m.registry.RecordEvent(ctx, n.Source, n.Seq, ev.Event, m.now()); err != nil {
		m.logger.Warn("recording device event failed",
			"serial", n.Source,
			"seq", n.Seq,
			"error", err,
		)
	}

	m.broadcast(ChannelDeviceNotification, map[string]any{
		"serial":      n.Source,
		"area":        n.Area,
		"seq":         n.Seq,
		"event":       ev.Event,
		"data":        ev.Data,
		"in_sequence": n.InSequence,
	})

	if n.InSequence || !m.cfg.ResyncOnGap {
		return
	}
	ref, err := m.Resync(ctx, n.Source)
	if err != nil {
		m.logger.Warn("resync after notification gap not submitted",
			"serial", n.Source,
			"seq", n.Seq,
			"error", err,
		)
		return
	}
	m.logger.Info("resync submitted after notification gap",
		"serial", n.Source,
		"seq", n.Seq,
		"task_id", ref.ID,
	)
}

func (m *Manager) broadcast(channel string, payload any) {
	m.sinkMu.RLock()
	b := m.broadcaster
	m.sinkMu.RUnlock()
	if b != nil {
		b.Broadcast(channel, payload)
	}
}

// submit queues t on area and starts relaying its progress.
func (m *Manager) submit(ctx context.Context, area string, t *task.Task) (TaskRef, error) {
	if err := m.checkStarted(); err != nil {
		return TaskRef{}, err
	}
	h, err := m.sched.Submit(ctx, area, t)
	if err != nil {
		return TaskRef{}, err
	}
	go m.relayProgress(t)

	return TaskRef{
		ID:      t.ID(),
		Name:    t.Name(),
		Area:    area,
		Subject: t.Subject(),
		handle:  h,
	}, nil
}

// relayProgress forwards every visible change of t's handle until it is
// terminal.
func (m *Manager) relayProgress(t *task.Task) {
	h := t.Handle()
	for {
		changed := h.Changed()
		st := h.Peek()

		if m.publisher != nil {
			if err := m.publisher.PublishProgress(t.ID(), st); err != nil {
				m.logger.Debug("publishing task progress failed", "task_id", t.ID(), "error", err)
			}
		}
		m.broadcast(ChannelTaskProgress, map[string]any{
			"task_id": t.ID(),
			"task":    t.Name(),
			"subject": t.Subject(),
			"status":  st,
		})

		if st.State.IsTerminal() {
			return
		}
		<-changed
	}
}

// send publishes cmd to a device.
func (m *Manager) send(ctx context.Context, serial, taskID, action string, args map[string]any) error {
	if m.publisher == nil {
		return nil
	}
	cmd := Command{
		Action: action,
		TaskID: taskID,
		Args:   args,
		SentAt: m.now().UTC(),
	}
	if err := m.publisher.PublishCommand(ctx, serial, cmd); err != nil {
		return fmt.Errorf("sending %s to %s: %w", action, serial, err)
	}
	return nil
}

func (m *Manager) taskOptions(subject string, extra ...task.Option) []task.Option {
	opts := []task.Option{task.WithSubject(subject)}
	if m.cfg.TaskTimeout > 0 {
		opts = append(opts, task.WithTimeout(m.cfg.TaskTimeout))
	}
	return append(opts, extra...)
}
