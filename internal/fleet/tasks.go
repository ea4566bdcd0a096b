package fleet

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/nerrad567/fleet-core/internal/lock"
	"github.com/nerrad567/fleet-core/internal/progress"
	"github.com/nerrad567/fleet-core/internal/task"
)

// Task names.
const (
	TaskResync         = "resync"
	TaskSyncDomain     = "sync_domain"
	TaskDeployFirmware = "deploy_firmware"
	TaskReboot         = "reboot"
)

// DeployResult is the outcome of a firmware deployment.
type DeployResult struct {
	Version  string            `json:"version"`
	Deployed []string          `json:"deployed"`
	Failed   map[string]string `json:"failed,omitempty"`
}

// Resync asks a device to resend its configuration. The task fails with
// lock.ErrBusy, without retrying, if another task holds the device.
func (m *Manager) Resync(ctx context.Context, serial string) (TaskRef, error) {
	d, err := m.registry.GetDevice(ctx, serial)
	if err != nil {
		return TaskRef{}, err
	}

	var t *task.Task
	t = task.New(TaskResync, func(ctx context.Context, h *progress.Handle) (any, error) {
		owner := lock.OwnerFromContext(ctx)
		l := m.locks.Get(lock.RankDevice, serial)
		if err := l.TryAcquire(owner); err != nil {
			return nil, fmt.Errorf("resync %s: %w", serial, err)
		}
		defer l.Release(owner)

		h.SetTotalSteps(2)
		h.SetRunning("resyncing " + serial)
		if err := m.registry.SetStatus(ctx, serial, StatusSyncing); err != nil {
			return nil, err
		}
		h.IncrementStep(1, "status updated")

		if err := m.send(ctx, serial, t.ID(), ActionResync, nil); err != nil {
			return nil, err
		}
		h.IncrementStep(1, "resync requested")
		return map[string]any{"serial": serial}, nil
	}, m.taskOptions(serial)...)

	return m.submit(ctx, d.Area(), t)
}

// SyncDomain pushes one application domain to a device. While another
// task holds the device the task is re-queued with backoff.
func (m *Manager) SyncDomain(ctx context.Context, serial, domain string) (TaskRef, error) {
	if err := ValidateDomainName(domain); err != nil {
		return TaskRef{}, err
	}
	d, err := m.registry.GetDevice(ctx, serial)
	if err != nil {
		return TaskRef{}, err
	}
	if !d.HasDomain(domain) {
		return TaskRef{}, fmt.Errorf("%w: %s on %s", ErrUnknownDomain, domain, serial)
	}

	var t *task.Task
	t = task.New(TaskSyncDomain, func(ctx context.Context, h *progress.Handle) (any, error) {
		owner := lock.OwnerFromContext(ctx)
		l := m.locks.Get(lock.RankDevice, serial)
		if err := l.TryAcquire(owner); err != nil {
			return nil, fmt.Errorf("sync domain %s on %s: %w", domain, serial, err)
		}
		defer l.Release(owner)

		h.SetTotalSteps(1)
		h.SetRunning(fmt.Sprintf("syncing domain %s on %s", domain, serial))
		if err := m.send(ctx, serial, t.ID(), ActionSyncDomain, map[string]any{"domain": domain}); err != nil {
			return nil, err
		}
		h.IncrementStep(1, "domain sync requested")
		return map[string]any{"serial": serial, "domain": domain}, nil
	}, m.taskOptions(serial+"/"+domain, task.WithRetry(m.cfg.Retry))...)

	return m.submit(ctx, d.Area(), t)
}

// DeployFirmware installs version on every listed device.
//
// The task needs the firmware lock, the lock of every affected group and
// every device lock, taken in rank order without blocking. If any is held
// elsewhere it releases what it took and is re-queued with backoff. Each
// device is tracked by its own progress handle; the task's steps follow
// their aggregate, and its result is staged so it becomes visible only
// after all locks are released.
//
// The task runs in the devices' area when they share one, otherwise in the
// ungrouped area.
func (m *Manager) DeployFirmware(ctx context.Context, version string, serials []string) (TaskRef, error) {
	if version == "" || len(version) > maxFirmwareLen {
		return TaskRef{}, ErrInvalidFirmware
	}
	serials = dedupe(serials)
	if len(serials) == 0 {
		return TaskRef{}, ErrNoDevices
	}

	areas := make(map[string]struct{})
	for _, serial := range serials {
		d, err := m.registry.GetDevice(ctx, serial)
		if err != nil {
			return TaskRef{}, fmt.Errorf("%s: %w", serial, err)
		}
		areas[d.Area()] = struct{}{}
	}
	target := UngroupedArea
	if len(areas) == 1 {
		for a := range areas {
			target = a
		}
	}

	var t *task.Task
	t = task.New(TaskDeployFirmware, func(ctx context.Context, h *progress.Handle) (any, error) {
		owner := lock.OwnerFromContext(ctx)
		set, err := m.deploymentLocks(ctx, serials)
		if err != nil {
			return nil, err
		}

		h.SetTotalSteps(len(serials))
		h.SetRunning(fmt.Sprintf("acquiring %d locks", set.Len()))
		if err := set.TryAcquireAll(owner); err != nil {
			return nil, fmt.Errorf("deploy firmware %s: %w", version, err)
		}
		defer set.ReleaseAll(owner)

		devices := make(map[string]*progress.Handle, len(serials))
		agg := progress.NewComposite()
		for _, serial := range serials {
			child := progress.New()
			child.SetTotalSteps(1)
			devices[serial] = child
			agg.Add(child)
		}

		for _, serial := range serials {
			child := devices[serial]
			err := m.deployOne(ctx, t.ID(), serial, version)
			child.IncrementStep(1, "firmware "+version+" on "+serial)
			if err != nil {
				child.SetError(err) //nolint:errcheck // first outcome for this handle
			} else {
				child.SetComplete(serial) //nolint:errcheck // first outcome for this handle
			}
			done := agg.Snapshot().CurrentStep
			h.IncrementStep(done-h.Peek().CurrentStep, fmt.Sprintf("%d of %d devices done", countTerminal(agg), len(serials)))
		}
		agg.Self().SetComplete(nil) //nolint:errcheck // first outcome for this handle

		result, err := deployOutcome(version, serials, devices)
		if err != nil {
			h.SetUncommittedError(fmt.Errorf("deploy firmware %s: %w", version, err))
		} else {
			h.SetUncommittedComplete(result)
		}
		return nil, nil
	}, m.taskOptions(version, task.WithRetry(m.cfg.Retry))...)

	return m.submit(ctx, target, t)
}

// deployOutcome folds the per-device handles into a result, joining the
// errors of every failed device.
func deployOutcome(version string, serials []string, devices map[string]*progress.Handle) (DeployResult, error) {
	result := DeployResult{Version: version, Deployed: []string{}}
	var errs []error
	for _, serial := range serials {
		if err := devices[serial].Err(); err != nil {
			if result.Failed == nil {
				result.Failed = make(map[string]string)
			}
			result.Failed[serial] = err.Error()
			errs = append(errs, fmt.Errorf("%s: %w", serial, err))
			continue
		}
		result.Deployed = append(result.Deployed, serial)
	}
	return result, errors.Join(errs...)
}

func countTerminal(c *progress.Composite) int {
	n := 0
	for _, h := range c.Children() {
		if h.IsTerminal() {
			n++
		}
	}
	return n
}

// deploymentLocks builds the lock set for a deployment from the devices'
// current groups.
func (m *Manager) deploymentLocks(ctx context.Context, serials []string) (*lock.Set, error) {
	locks := []*lock.Lock{m.locks.Get(lock.RankFirmware, firmwarePool)}
	for _, serial := range serials {
		d, err := m.registry.GetDevice(ctx, serial)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", serial, err)
		}
		if d.Area() == UngroupedArea {
			locks = append(locks, m.locks.Get(lock.RankUngrouped, UngroupedArea))
		} else {
			locks = append(locks, m.locks.Get(lock.RankGroup, d.Area()))
		}
		locks = append(locks, m.locks.Get(lock.RankDevice, serial))
	}
	return lock.NewSet(locks...), nil
}

func (m *Manager) deployOne(ctx context.Context, taskID, serial, version string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := m.registry.SetStatus(ctx, serial, StatusUpgrading); err != nil {
		return err
	}
	if err := m.send(ctx, serial, taskID, ActionDeployFirmware, map[string]any{"version": version}); err != nil {
		return err
	}
	return m.registry.SetFirmware(ctx, serial, version)
}

// Reboot restarts a device. The task waits for the device lock instead of
// failing fast.
func (m *Manager) Reboot(ctx context.Context, serial string) (TaskRef, error) {
	d, err := m.registry.GetDevice(ctx, serial)
	if err != nil {
		return TaskRef{}, err
	}

	var t *task.Task
	t = task.New(TaskReboot, func(ctx context.Context, h *progress.Handle) (any, error) {
		owner := lock.OwnerFromContext(ctx)
		l := m.locks.Get(lock.RankDevice, serial)

		h.SetTotalSteps(1)
		h.SetRunning("waiting for " + serial)
		if err := l.Acquire(ctx, owner); err != nil {
			return nil, fmt.Errorf("reboot %s: %w", serial, err)
		}
		defer l.Release(owner)

		if err := m.registry.SetStatus(ctx, serial, StatusRebooting); err != nil {
			return nil, err
		}
		if err := m.send(ctx, serial, t.ID(), ActionReboot, nil); err != nil {
			return nil, err
		}
		h.IncrementStep(1, "reboot requested")
		return map[string]any{"serial": serial}, nil
	}, m.taskOptions(serial)...)

	return m.submit(ctx, d.Area(), t)
}

// dedupe removes empty and repeated serials, keeping first occurrences.
func dedupe(serials []string) []string {
	out := make([]string, 0, len(serials))
	for _, s := range serials {
		if s == "" || slices.Contains(out, s) {
			continue
		}
		out = append(out, s)
	}
	return out
}
