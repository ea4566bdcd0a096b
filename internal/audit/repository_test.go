package audit

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/nerrad567/fleet-core/internal/infrastructure/database"
	"github.com/nerrad567/fleet-core/migrations"
)

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	ctx := context.Background()
	db, err := database.Open(ctx, database.Config{Path: database.MemoryPath, BusyTimeout: 1})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(ctx, migrations.FS); err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}
	return db.DB
}

func TestCreate_Defaults(t *testing.T) {
	repo := NewSQLiteRepository(setupTestDB(t))

	e := &Entry{Action: ActionCreate, EntityType: EntityDevice, EntityID: "DP0001", UserID: "alice"}
	if err := repo.Create(context.Background(), e); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if e.ID == "" || e.Source != SourceAPI || e.CreatedAt.IsZero() {
		t.Errorf("defaults not applied: %+v", e)
	}

	if err := repo.Create(context.Background(), &Entry{EntityType: EntityDevice}); !errors.Is(err, ErrInvalidEntry) {
		t.Errorf("Create(no action) = %v, want ErrInvalidEntry", err)
	}
}

func TestList_FilterAndOrder(t *testing.T) {
	repo := NewSQLiteRepository(setupTestDB(t))
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	entries := []Entry{
		{Action: ActionCreate, EntityType: EntityGroup, EntityID: "g1", UserID: "alice", CreatedAt: base},
		{Action: ActionCreate, EntityType: EntityDevice, EntityID: "DP0001", UserID: "alice", CreatedAt: base.Add(time.Second)},
		{Action: ActionMove, EntityType: EntityDevice, EntityID: "DP0001", UserID: "bob", CreatedAt: base.Add(1500 * time.Millisecond),
			Details: map[string]any{"group_id": "g1"}},
		{Action: ActionSubmit, EntityType: EntityTask, EntityID: "t1", UserID: "bob", CreatedAt: base.Add(2 * time.Second)},
	}
	for i := range entries {
		if err := repo.Create(ctx, &entries[i]); err != nil {
			t.Fatalf("Create(%d): %v", i, err)
		}
	}

	tests := []struct {
		name   string
		filter Filter
		want   []string // entity IDs, newest first
		total  int
	}{
		{"all", Filter{}, []string{"t1", "DP0001", "DP0001", "g1"}, 4},
		{"by entity", Filter{EntityType: EntityDevice, EntityID: "DP0001"}, []string{"DP0001", "DP0001"}, 2},
		{"by user", Filter{UserID: "bob"}, []string{"t1", "DP0001"}, 2},
		{"by action", Filter{Action: ActionCreate}, []string{"DP0001", "g1"}, 2},
		{"paged", Filter{Limit: 1, Offset: 1}, []string{"DP0001"}, 4},
		{"none", Filter{Action: ActionDelete}, []string{}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := repo.List(ctx, tt.filter)
			if err != nil {
				t.Fatalf("List() error = %v", err)
			}
			if res.Total != tt.total {
				t.Errorf("Total = %d, want %d", res.Total, tt.total)
			}
			if len(res.Entries) != len(tt.want) {
				t.Fatalf("got %d entries, want %d", len(res.Entries), len(tt.want))
			}
			for i, e := range res.Entries {
				if e.EntityID != tt.want[i] {
					t.Errorf("entry %d = %s, want %s", i, e.EntityID, tt.want[i])
				}
			}
		})
	}

	res, err := repo.List(ctx, Filter{Action: ActionMove})
	if err != nil {
		t.Fatal(err)
	}
	if got := res.Entries[0].Details["group_id"]; got != "g1" {
		t.Errorf("details group_id = %v, want g1", got)
	}
	if !res.Entries[0].CreatedAt.Equal(base.Add(1500 * time.Millisecond)) {
		t.Errorf("CreatedAt = %v", res.Entries[0].CreatedAt)
	}
}

func TestList_LimitClamped(t *testing.T) {
	repo := NewSQLiteRepository(setupTestDB(t))
	res, err := repo.List(context.Background(), Filter{Limit: 10000, Offset: -5})
	if err != nil {
		t.Fatal(err)
	}
	if res.Limit != maxLimit || res.Offset != 0 {
		t.Errorf("Limit/Offset = %d/%d, want %d/0", res.Limit, res.Offset, maxLimit)
	}
}
