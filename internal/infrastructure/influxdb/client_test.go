package influxdb_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nerrad567/fleet-core/internal/infrastructure/config"
	"github.com/nerrad567/fleet-core/internal/infrastructure/influxdb"
)

// devConfig points at the InfluxDB used for local development.
func devConfig() config.InfluxDBConfig {
	return config.InfluxDBConfig{
		Enabled:       true,
		URL:           "http://127.0.0.1:8086",
		Token:         "fleetcore-dev-token",
		Org:           "fleetcore",
		Bucket:        "metrics",
		BatchSize:     10,
		FlushInterval: 1,
	}
}

// connectOrSkip connects to the development server, skipping the test when
// it is not running.
func connectOrSkip(t *testing.T) *influxdb.Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	client, err := influxdb.Connect(ctx, devConfig(), "test-site")
	if err != nil {
		t.Skipf("InfluxDB not available: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func TestConnect_Disabled(t *testing.T) {
	cfg := devConfig()
	cfg.Enabled = false

	if _, err := influxdb.Connect(context.Background(), cfg, ""); !errors.Is(err, influxdb.ErrDisabled) {
		t.Errorf("Connect() = %v, want ErrDisabled", err)
	}
}

func TestConnect_Unreachable(t *testing.T) {
	cfg := devConfig()
	cfg.URL = "http://127.0.0.1:1"

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := influxdb.Connect(ctx, cfg, ""); !errors.Is(err, influxdb.ErrConnectionFailed) {
		t.Errorf("Connect() = %v, want ErrConnectionFailed", err)
	}
}

func TestClient_WriteAndClose(t *testing.T) {
	client := connectOrSkip(t)

	if err := client.HealthCheck(context.Background()); err != nil {
		t.Fatalf("HealthCheck() = %v", err)
	}

	now := time.Now()
	client.WriteTaskOutcome(influxdb.TaskOutcome{
		Name: "resync", Area: "ungrouped", Outcome: "ok", Attempts: 1,
		Duration: 250 * time.Millisecond, At: now,
	})
	client.WriteQueueDepth(influxdb.QueueDepth{Area: "ungrouped", Queued: 2, Capacity: 256, Running: 1, At: now})
	client.WriteReorder(influxdb.ReorderStats{Area: "ungrouped", Pending: 1, OutOfSequence: 3, At: now})
	client.Flush()

	if n := client.WriteErrors(); n != 0 {
		t.Errorf("WriteErrors() = %d, want 0", n)
	}

	if err := client.Close(); err != nil {
		t.Fatalf("Close() = %v", err)
	}
	if client.IsConnected() {
		t.Error("IsConnected() = true after Close")
	}
	if err := client.Close(); err != nil {
		t.Errorf("second Close() = %v", err)
	}

	// Dropped silently once closed.
	client.WriteTaskOutcome(influxdb.TaskOutcome{Name: "reboot"})
	client.Flush()

	if err := client.HealthCheck(context.Background()); !errors.Is(err, influxdb.ErrNotConnected) {
		t.Errorf("HealthCheck() after Close = %v, want ErrNotConnected", err)
	}
}

func TestClient_HealthCheckCancelled(t *testing.T) {
	client := connectOrSkip(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := client.HealthCheck(ctx); err == nil {
		t.Error("HealthCheck() with cancelled context = nil, want error")
	}
}
