package fleet

import (
	"errors"
	"strings"
	"testing"
)

func TestValidateDevice(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(d *Device)
		wantErr error
	}{
		{"valid", func(*Device) {}, nil},
		{"nil domains allowed", func(d *Device) { d.Domains = nil }, nil},
		{"empty serial", func(d *Device) { d.Serial = "" }, ErrInvalidSerial},
		{"wildcard serial", func(d *Device) { d.Serial = "DP+1" }, ErrInvalidSerial},
		{"topic separator", func(d *Device) { d.Serial = "DP/1" }, ErrInvalidSerial},
		{"empty name", func(d *Device) { d.Name = "  " }, ErrInvalidName},
		{"long name", func(d *Device) { d.Name = strings.Repeat("n", maxNameLength+1) }, ErrInvalidName},
		{"no host", func(d *Device) { d.Host = "" }, ErrInvalidDevice},
		{"bad port", func(d *Device) { d.Port = 70000 }, ErrInvalidDevice},
		{"bad status", func(d *Device) { d.Status = "melted" }, ErrInvalidDevice},
		{"bad domain", func(d *Device) { d.Domains = []string{"ok", "no spaces"} }, ErrInvalidDomain},
		{"duplicate domain", func(d *Device) { d.Domains = []string{"a", "a"} }, ErrInvalidDevice},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := testDevice("DP0001", "default")
			tt.mutate(d)
			err := ValidateDevice(d)
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("ValidateDevice() error = %v", err)
				}
				if d.Port != DefaultPort || d.Status != StatusUnknown || d.Domains == nil {
					t.Errorf("defaults not applied: port=%d status=%q domains=%v", d.Port, d.Status, d.Domains)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("ValidateDevice() error = %v, want %v", err, tt.wantErr)
			}
		})
	}

	if err := ValidateDevice(nil); !errors.Is(err, ErrInvalidDevice) {
		t.Errorf("ValidateDevice(nil) = %v", err)
	}
}

func TestValidateGroup(t *testing.T) {
	if err := ValidateGroup(&Group{Name: "Core"}); err != nil {
		t.Errorf("ValidateGroup(valid) = %v", err)
	}
	if err := ValidateGroup(&Group{ID: UngroupedArea, Name: "x"}); !errors.Is(err, ErrGroupExists) {
		t.Errorf("ValidateGroup(reserved) = %v, want ErrGroupExists", err)
	}
	if err := ValidateGroup(&Group{}); !errors.Is(err, ErrInvalidName) {
		t.Errorf("ValidateGroup(empty) = %v, want ErrInvalidName", err)
	}
}

func TestDevice_AreaAndCopy(t *testing.T) {
	d := testDevice("DP0001", "default")
	if got := d.Area(); got != UngroupedArea {
		t.Errorf("Area() = %q, want %q", got, UngroupedArea)
	}
	gid := "grp-1"
	d.GroupID = &gid
	if got := d.Area(); got != "grp-1" {
		t.Errorf("Area() = %q, want grp-1", got)
	}

	cp := d.DeepCopy()
	*cp.GroupID = "grp-2"
	cp.Domains[0] = "changed"
	if *d.GroupID != "grp-1" || d.Domains[0] != "default" {
		t.Error("DeepCopy shares memory with the original")
	}
	if !d.HasDomain("default") || d.HasDomain("changed") {
		t.Error("HasDomain mismatch")
	}
}
