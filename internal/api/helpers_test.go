package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/fleet-core/internal/audit"
	"github.com/nerrad567/fleet-core/internal/auth"
	"github.com/nerrad567/fleet-core/internal/fleet"
	"github.com/nerrad567/fleet-core/internal/history"
	"github.com/nerrad567/fleet-core/internal/infrastructure/config"
	"github.com/nerrad567/fleet-core/internal/infrastructure/database"
	"github.com/nerrad567/fleet-core/internal/infrastructure/logging"
	"github.com/nerrad567/fleet-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/fleet-core/internal/notify"
	"github.com/nerrad567/fleet-core/internal/progress"
	"github.com/nerrad567/fleet-core/internal/reorder"
	"github.com/nerrad567/fleet-core/internal/task"
	"github.com/nerrad567/fleet-core/migrations"
)

const (
	testSecret = "test-secret-with-enough-length-000"
	testIssuer = "fleet-core-test"
	testWait   = 3 * time.Second
)

// nopPublisher accepts every command.
type nopPublisher struct {
	mu       sync.Mutex
	commands []fleet.Command
}

func (p *nopPublisher) PublishCommand(_ context.Context, _ string, cmd fleet.Command) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.commands = append(p.commands, cmd)
	return nil
}

func (p *nopPublisher) PublishProgress(string, progress.Status) error { return nil }

// fakeChecker returns a fixed health result.
type fakeChecker struct{ err error }

func (f fakeChecker) HealthCheck(context.Context) error { return f.err }

// fakeIngest reports fixed ingestion counters.
type fakeIngest struct{}

func (fakeIngest) Stats() notify.Stats { return notify.Stats{Received: 3, Accepted: 2, Dropped: 1} }

// fakeTransport reports fixed broker counters.
type fakeTransport struct{}

func (fakeTransport) Stats() mqtt.Stats { return mqtt.Stats{Received: 3, Published: 5, Subscriptions: 1} }

type testServer struct {
	srv      *Server
	http     *httptest.Server
	mgr      *fleet.Manager
	sched    *task.Scheduler
	history  *history.SQLiteRepository
	recorder *history.Recorder
	pub      *nopPublisher
}

type serverOption func(*Deps)

func withChecks(checks map[string]HealthChecker) serverOption {
	return func(d *Deps) { d.Checks = checks }
}

func withoutHistory() serverOption {
	return func(d *Deps) { d.History = nil }
}

// newTestServer wires a Server to a real Manager, scheduler and in-memory
// database, and serves its router over httptest.
func newTestServer(t *testing.T, opts ...serverOption) *testServer {
	t.Helper()
	ctx := context.Background()

	db, err := database.Open(ctx, database.Config{Path: database.MemoryPath, BusyTimeout: 1})
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(ctx, migrations.FS); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	sched := task.NewScheduler(task.Config{
		Workers:       2,
		QueueCapacity: 16,
		Reorder:       reorder.Config{Window: time.Second, StartSeq: 1},
	})
	repo := history.NewSQLiteRepository(db.DB)
	recorder := history.NewRecorder(repo, history.DefaultBuffer)
	recorder.Start()
	sched.AddObserver(recorder)

	pub := &nopPublisher{}
	registry := fleet.NewRegistry(fleet.NewSQLiteRepository(db.DB), fleet.NewSQLiteGroupRepository(db.DB))
	mgr := fleet.NewManager(registry, sched, pub, fleet.DefaultManagerConfig())
	sched.SetNotificationHandler(mgr.HandleNotification)
	if err := mgr.Start(ctx); err != nil {
		t.Fatalf("manager start: %v", err)
	}

	logger := logging.NewWithWriter(io.Discard, config.LoggingConfig{Level: "error", Format: "json"}, "test")
	hub := NewHub(config.WebSocketConfig{MaxMessageSize: 8192, PingInterval: 30, PongTimeout: 10}, logger)
	mgr.SetBroadcaster(hub)

	deps := Deps{
		Logger:      logger,
		Manager:     mgr,
		Tasks:       sched,
		History:     repo,
		Ingest:      fakeIngest{},
		Transport:   fakeTransport{},
		Audit:       audit.NewSQLiteRepository(db.DB),
		WS:          config.WebSocketConfig{MaxMessageSize: 8192, PingInterval: 30, PongTimeout: 10},
		Security:    config.SecurityConfig{JWT: config.JWTConfig{Secret: testSecret, Issuer: testIssuer, AccessTokenTTL: 15}},
		ExternalHub: hub,
		Version:     "test",
	}
	for _, opt := range opts {
		opt(&deps)
	}

	srv, err := New(deps)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	ts := httptest.NewServer(srv.buildRouter())

	hubCtx, cancelHub := context.WithCancel(ctx)
	go hub.Run(hubCtx)

	t.Cleanup(func() {
		ts.Close()
		cancelHub()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), testWait)
		defer cancel()
		sched.Shutdown(shutdownCtx) //nolint:errcheck // best effort in cleanup
		recorder.Close(shutdownCtx) //nolint:errcheck // best effort in cleanup
	})

	return &testServer{srv: srv, http: ts, mgr: mgr, sched: sched, history: repo, recorder: recorder, pub: pub}
}

// token mints an access token for role.
func token(t *testing.T, role auth.Role) string {
	t.Helper()
	tok, err := auth.GenerateAccessToken(auth.TokenConfig{
		Secret: testSecret,
		Issuer: testIssuer,
		TTL:    15 * time.Minute,
	}, "user-"+string(role), role)
	if err != nil {
		t.Fatalf("GenerateAccessToken: %v", err)
	}
	return tok
}

// do sends a request with an optional bearer token and JSON body, and
// decodes a JSON response into out when out is non-nil.
func (ts *testServer) do(t *testing.T, method, path, bearer string, body, out any) int {
	t.Helper()

	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, ts.http.URL+path, r)
	if err != nil {
		t.Fatal(err)
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := ts.http.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
			t.Fatalf("%s %s: decode: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

// registerDevice creates a device through the manager.
func (ts *testServer) registerDevice(t *testing.T, serial string, domains ...string) {
	t.Helper()
	d := &fleet.Device{Serial: serial, Name: "Appliance " + serial, Host: serial + ".dc1.example.net", Domains: domains}
	if err := ts.mgr.RegisterDevice(context.Background(), d); err != nil {
		t.Fatalf("RegisterDevice(%s): %v", serial, err)
	}
}
