package fleet

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Logger defines the logging interface used by the fleet package.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Registry provides device and group management with an in-memory cache
// over the repositories.
//
// The cache is populated by RefreshCache and kept in sync by the write
// methods, which persist first and update the cache on success.
//
// All public methods are thread-safe.
type Registry struct {
	repo   Repository
	groups GroupRepository

	mu          sync.RWMutex
	devices     map[string]*Device
	groupsCache map[string]*Group
	logger      Logger
}

// NewRegistry creates a registry over the given repositories.
func NewRegistry(repo Repository, groups GroupRepository) *Registry {
	return &Registry{
		repo:        repo,
		groups:      groups,
		devices:     make(map[string]*Device),
		groupsCache: make(map[string]*Group),
		logger:      noopLogger{},
	}
}

// SetLogger sets the logger for the registry.
func (r *Registry) SetLogger(logger Logger) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logger = logger
}

// RefreshCache reloads every device and group from the repositories.
// This should be called on application startup.
func (r *Registry) RefreshCache(ctx context.Context) error {
	devices, err := r.repo.List(ctx)
	if err != nil {
		return fmt.Errorf("loading devices: %w", err)
	}
	groups, err := r.groups.List(ctx)
	if err != nil {
		return fmt.Errorf("loading groups: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.devices = make(map[string]*Device, len(devices))
	for i := range devices {
		r.devices[devices[i].Serial] = devices[i].DeepCopy()
	}
	r.groupsCache = make(map[string]*Group, len(groups))
	for i := range groups {
		g := groups[i]
		r.groupsCache[g.ID] = &g
	}

	r.logger.Info("fleet cache refreshed", "devices", len(devices), "groups", len(groups))
	return nil
}

// GetDevice retrieves a device by serial.
// The returned device is a deep copy; callers can safely modify it.
func (r *Registry) GetDevice(ctx context.Context, serial string) (*Device, error) {
	r.mu.RLock()
	cached, ok := r.devices[serial]
	r.mu.RUnlock()
	if ok {
		return cached.DeepCopy(), nil
	}

	// Fall back to the repository for devices registered by another writer.
	d, err := r.repo.GetBySerial(ctx, serial)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.devices[serial] = d.DeepCopy()
	r.mu.Unlock()
	return d, nil
}

// ListDevices returns every cached device sorted by serial.
func (r *Registry) ListDevices() []Device {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Device, 0, len(r.devices))
	for _, d := range r.devices {
		out = append(out, *d.DeepCopy())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Serial < out[j].Serial })
	return out
}

// SerialsInArea returns the serials of the devices served by area, sorted.
func (r *Registry) SerialsInArea(area string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []string
	for serial, d := range r.devices {
		if d.Area() == area {
			out = append(out, serial)
		}
	}
	sort.Strings(out)
	return out
}

// AreaOf returns the work area of a cached device.
func (r *Registry) AreaOf(serial string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.devices[serial]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrDeviceNotFound, serial)
	}
	return d.Area(), nil
}

// CreateDevice validates and registers a device.
func (r *Registry) CreateDevice(ctx context.Context, d *Device) error {
	if err := ValidateDevice(d); err != nil {
		return err
	}
	if d.GroupID != nil && *d.GroupID != "" {
		if _, err := r.GetGroup(*d.GroupID); err != nil {
			return err
		}
	}
	if err := r.repo.Create(ctx, d); err != nil {
		return err
	}

	r.mu.Lock()
	r.devices[d.Serial] = d.DeepCopy()
	r.mu.Unlock()

	r.logger.Info("device registered", "serial", d.Serial, "area", d.Area())
	return nil
}

// UpdateDevice persists the descriptive fields of d.
func (r *Registry) UpdateDevice(ctx context.Context, d *Device) error {
	if err := ValidateDevice(d); err != nil {
		return err
	}
	if err := r.repo.Update(ctx, d); err != nil {
		return err
	}
	r.mutate(d.Serial, func(cached *Device) {
		cached.Name = d.Name
		cached.Host = d.Host
		cached.Port = d.Port
		cached.Firmware = d.Firmware
		cached.Domains = append([]string(nil), d.Domains...)
		cached.UpdatedAt = d.UpdatedAt
	})
	return nil
}

// DeleteDevice removes a device and returns the area it belonged to.
func (r *Registry) DeleteDevice(ctx context.Context, serial string) (string, error) {
	area, err := r.AreaOf(serial)
	if err != nil {
		return "", err
	}
	if err := r.repo.Delete(ctx, serial); err != nil {
		return "", err
	}

	r.mu.Lock()
	delete(r.devices, serial)
	r.mu.Unlock()

	r.logger.Info("device removed", "serial", serial, "area", area)
	return area, nil
}

// MoveDevice assigns a device to groupID (nil for ungrouped) and returns
// the area it left.
func (r *Registry) MoveDevice(ctx context.Context, serial string, groupID *string) (string, error) {
	if groupID != nil && *groupID == "" {
		groupID = nil
	}
	if groupID != nil {
		if _, err := r.GetGroup(*groupID); err != nil {
			return "", err
		}
	}
	from, err := r.AreaOf(serial)
	if err != nil {
		return "", err
	}
	if err := r.repo.SetGroup(ctx, serial, groupID); err != nil {
		return "", err
	}

	r.mutate(serial, func(d *Device) {
		if groupID == nil {
			d.GroupID = nil
			return
		}
		gid := *groupID
		d.GroupID = &gid
	})
	return from, nil
}

// RecordEvent stores the last applied notification of a device.
func (r *Registry) RecordEvent(ctx context.Context, serial string, seq uint64, event string, at time.Time) error {
	if err := r.repo.RecordEvent(ctx, serial, seq, event, at); err != nil {
		return err
	}
	r.mutate(serial, func(d *Device) {
		seen := at.UTC()
		d.LastSeq = seq
		d.LastEvent = event
		d.LastSeen = &seen
		d.Status = StatusOnline
	})
	return nil
}

// SetStatus updates the operational status of a device.
func (r *Registry) SetStatus(ctx context.Context, serial string, status Status) error {
	if err := r.repo.UpdateStatus(ctx, serial, status); err != nil {
		return err
	}
	r.mutate(serial, func(d *Device) { d.Status = status })
	return nil
}

// SetFirmware records the installed firmware version of a device.
func (r *Registry) SetFirmware(ctx context.Context, serial, version string) error {
	if err := r.repo.UpdateFirmware(ctx, serial, version); err != nil {
		return err
	}
	r.mutate(serial, func(d *Device) { d.Firmware = version })
	return nil
}

// GetGroup returns a cached group.
func (r *Registry) GetGroup(id string) (*Group, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.groupsCache[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrGroupNotFound, id)
	}
	cp := *g
	return &cp, nil
}

// ListGroups returns every group sorted by name.
func (r *Registry) ListGroups() []Group {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Group, 0, len(r.groupsCache))
	for _, g := range r.groupsCache {
		out = append(out, *g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// CreateGroup validates and persists a group.
func (r *Registry) CreateGroup(ctx context.Context, g *Group) error {
	if err := ValidateGroup(g); err != nil {
		return err
	}
	if err := r.groups.Create(ctx, g); err != nil {
		return err
	}
	cp := *g
	r.mu.Lock()
	r.groupsCache[g.ID] = &cp
	r.mu.Unlock()

	r.logger.Info("group created", "group_id", g.ID, "name", g.Name)
	return nil
}

// DeleteGroup removes a group and returns the serials of its former
// members, which are now ungrouped.
func (r *Registry) DeleteGroup(ctx context.Context, id string) ([]string, error) {
	if err := r.groups.Delete(ctx, id); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.groupsCache, id)

	var moved []string
	for serial, d := range r.devices {
		if d.GroupID != nil && *d.GroupID == id {
			d.GroupID = nil
			moved = append(moved, serial)
		}
	}
	sort.Strings(moved)

	r.logger.Info("group deleted", "group_id", id, "ungrouped_devices", len(moved))
	return moved, nil
}

// mutate applies fn to the cached device, if present.
func (r *Registry) mutate(serial string, fn func(*Device)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.devices[serial]; ok {
		fn(d)
	}
}
