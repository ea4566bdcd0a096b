package fleet

import (
	"encoding/json"
	"slices"
	"time"
)

// UngroupedArea is the work area serving devices without a group.
const UngroupedArea = "ungrouped"

// DefaultPort is the appliance management port used when none is given.
const DefaultPort = 5550

// Status is the last known operational state of a device.
type Status string

// Device statuses.
const (
	StatusUnknown   Status = "unknown"
	StatusOnline    Status = "online"
	StatusSyncing   Status = "syncing"
	StatusUpgrading Status = "upgrading"
	StatusRebooting Status = "rebooting"
	StatusOffline   Status = "offline"
)

// AllStatuses returns every valid Status.
func AllStatuses() []Status {
	return []Status{
		StatusUnknown,
		StatusOnline,
		StatusSyncing,
		StatusUpgrading,
		StatusRebooting,
		StatusOffline,
	}
}

// Device is a managed appliance.
type Device struct {
	Serial string `json:"serial"`
	Name   string `json:"name"`
	Host   string `json:"host"`
	Port   int    `json:"port"`

	// GroupID is nil for ungrouped devices.
	GroupID *string `json:"group_id,omitempty"`

	Firmware string   `json:"firmware,omitempty"`
	Domains  []string `json:"domains"`
	Status   Status   `json:"status"`

	// LastSeq is the sequence number of the last notification applied.
	LastSeq   uint64     `json:"last_seq"`
	LastEvent string     `json:"last_event,omitempty"`
	LastSeen  *time.Time `json:"last_seen,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Area returns the work area the device belongs to.
func (d *Device) Area() string {
	if d.GroupID == nil || *d.GroupID == "" {
		return UngroupedArea
	}
	return *d.GroupID
}

// HasDomain reports whether the device hosts the named application domain.
func (d *Device) HasDomain(name string) bool {
	return slices.Contains(d.Domains, name)
}

// DeepCopy returns a copy that shares no memory with d.
func (d *Device) DeepCopy() *Device {
	if d == nil {
		return nil
	}
	cp := *d
	if d.GroupID != nil {
		gid := *d.GroupID
		cp.GroupID = &gid
	}
	if d.LastSeen != nil {
		seen := *d.LastSeen
		cp.LastSeen = &seen
	}
	cp.Domains = slices.Clone(d.Domains)
	return &cp
}

// Group is a named set of devices served by one work area.
type Group struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description *string   `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Event is a device notification as published on fleet/notify/{serial}.
type Event struct {
	Seq   uint64          `json:"seq"`
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Command is an instruction published to a device on fleet/command/{serial}.
type Command struct {
	Action string         `json:"action"`
	TaskID string         `json:"task_id,omitempty"`
	Args   map[string]any `json:"args,omitempty"`
	SentAt time.Time      `json:"sent_at"`
}

// Command actions.
const (
	ActionResync         = "resync"
	ActionSyncDomain     = "sync_domain"
	ActionDeployFirmware = "deploy_firmware"
	ActionReboot         = "reboot"
)
