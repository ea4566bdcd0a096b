package fleet

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	db := setupTestDB(t)
	r := NewRegistry(NewSQLiteRepository(db), NewSQLiteGroupRepository(db))
	if err := r.RefreshCache(context.Background()); err != nil {
		t.Fatalf("RefreshCache() error = %v", err)
	}
	return r
}

func TestRegistry_DeviceLifecycle(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	if err := r.CreateDevice(ctx, testDevice("DP0002")); err != nil {
		t.Fatalf("CreateDevice() error = %v", err)
	}
	if err := r.CreateDevice(ctx, testDevice("DP0001", "default")); err != nil {
		t.Fatalf("CreateDevice() error = %v", err)
	}

	list := r.ListDevices()
	if len(list) != 2 || list[0].Serial != "DP0001" {
		t.Fatalf("ListDevices() = %v, want sorted DP0001, DP0002", serialsOf(list))
	}

	got, err := r.GetDevice(ctx, "DP0001")
	if err != nil {
		t.Fatal(err)
	}
	got.Name = "mutated"
	again, _ := r.GetDevice(ctx, "DP0001") //nolint:errcheck // existence checked above
	if again.Name == "mutated" {
		t.Error("GetDevice returned a reference into the cache")
	}

	got.Name = "Renamed"
	got.Domains = append(got.Domains, "payments")
	if err := r.UpdateDevice(ctx, got); err != nil {
		t.Fatalf("UpdateDevice() error = %v", err)
	}
	again, _ = r.GetDevice(ctx, "DP0001") //nolint:errcheck // existence checked above
	if again.Name != "Renamed" || !again.HasDomain("payments") {
		t.Errorf("update not cached: %+v", again)
	}

	if err := r.RecordEvent(ctx, "DP0001", 7, "heartbeat", time.Now()); err != nil {
		t.Fatalf("RecordEvent() error = %v", err)
	}
	again, _ = r.GetDevice(ctx, "DP0001") //nolint:errcheck // existence checked above
	if again.LastSeq != 7 || again.Status != StatusOnline {
		t.Errorf("event not cached: seq=%d status=%q", again.LastSeq, again.Status)
	}

	area, err := r.DeleteDevice(ctx, "DP0001")
	if err != nil {
		t.Fatalf("DeleteDevice() error = %v", err)
	}
	if area != UngroupedArea {
		t.Errorf("DeleteDevice area = %q, want %q", area, UngroupedArea)
	}
	if _, err := r.GetDevice(ctx, "DP0001"); !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("GetDevice after delete = %v, want ErrDeviceNotFound", err)
	}
}

func TestRegistry_GroupMembership(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	g := &Group{Name: "Payments"}
	if err := r.CreateGroup(ctx, g); err != nil {
		t.Fatalf("CreateGroup() error = %v", err)
	}
	for _, serial := range []string{"DP0001", "DP0002"} {
		if err := r.CreateDevice(ctx, testDevice(serial)); err != nil {
			t.Fatal(err)
		}
	}

	from, err := r.MoveDevice(ctx, "DP0001", &g.ID)
	if err != nil {
		t.Fatalf("MoveDevice() error = %v", err)
	}
	if from != UngroupedArea {
		t.Errorf("MoveDevice from = %q, want ungrouped", from)
	}
	if got := r.SerialsInArea(g.ID); len(got) != 1 || got[0] != "DP0001" {
		t.Errorf("SerialsInArea(group) = %v", got)
	}
	if got := r.SerialsInArea(UngroupedArea); len(got) != 1 || got[0] != "DP0002" {
		t.Errorf("SerialsInArea(ungrouped) = %v", got)
	}

	missing := "grp-missing"
	if _, err := r.MoveDevice(ctx, "DP0002", &missing); !errors.Is(err, ErrGroupNotFound) {
		t.Errorf("MoveDevice(unknown group) = %v, want ErrGroupNotFound", err)
	}

	moved, err := r.DeleteGroup(ctx, g.ID)
	if err != nil {
		t.Fatalf("DeleteGroup() error = %v", err)
	}
	if len(moved) != 1 || moved[0] != "DP0001" {
		t.Errorf("DeleteGroup moved = %v", moved)
	}
	if area, _ := r.AreaOf("DP0001"); area != UngroupedArea { //nolint:errcheck // device exists
		t.Errorf("AreaOf after group delete = %q", area)
	}
	if len(r.ListGroups()) != 0 {
		t.Error("group still cached")
	}

	// Reloading from the store agrees with the cache.
	if err := r.RefreshCache(ctx); err != nil {
		t.Fatal(err)
	}
	if got := r.SerialsInArea(UngroupedArea); len(got) != 2 {
		t.Errorf("after refresh SerialsInArea(ungrouped) = %v", got)
	}
}
