package fleet

import (
	"context"
	"database/sql"
	"sync"
	"testing"

	"github.com/nerrad567/fleet-core/internal/infrastructure/database"
	"github.com/nerrad567/fleet-core/internal/progress"
	"github.com/nerrad567/fleet-core/migrations"
)

// setupTestDB opens a migrated in-memory database.
func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()

	ctx := context.Background()
	db, err := database.Open(ctx, database.Config{Path: database.MemoryPath, BusyTimeout: 1})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() {
		db.Close()
	})

	if err := db.Migrate(ctx, migrations.FS); err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}
	return db.DB
}

// testDevice creates a device for testing.
func testDevice(serial string, domains ...string) *Device {
	return &Device{
		Serial:  serial,
		Name:    "Appliance " + serial,
		Host:    serial + ".dc1.example.net",
		Domains: domains,
	}
}

// recordingPublisher captures outbound commands and progress.
type recordingPublisher struct {
	mu       sync.Mutex
	commands []sentCommand
	progress map[string][]progress.Status
	fail     error
}

type sentCommand struct {
	Serial string
	Cmd    Command
}

func newRecordingPublisher() *recordingPublisher {
	return &recordingPublisher{progress: make(map[string][]progress.Status)}
}

func (p *recordingPublisher) PublishCommand(_ context.Context, serial string, cmd Command) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail != nil {
		return p.fail
	}
	p.commands = append(p.commands, sentCommand{Serial: serial, Cmd: cmd})
	return nil
}

func (p *recordingPublisher) PublishProgress(taskID string, st progress.Status) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.progress[taskID] = append(p.progress[taskID], st)
	return nil
}

func (p *recordingPublisher) sent(action string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var serials []string
	for _, c := range p.commands {
		if c.Cmd.Action == action {
			serials = append(serials, c.Serial)
		}
	}
	return serials
}

func (p *recordingPublisher) progressFor(taskID string) []progress.Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]progress.Status, len(p.progress[taskID]))
	copy(out, p.progress[taskID])
	return out
}

// recordingBroadcaster captures UI events.
type recordingBroadcaster struct {
	mu     sync.Mutex
	events map[string]int
}

func (b *recordingBroadcaster) Broadcast(channel string, _ any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.events == nil {
		b.events = make(map[string]int)
	}
	b.events[channel]++
}

func (b *recordingBroadcaster) count(channel string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.events[channel]
}
