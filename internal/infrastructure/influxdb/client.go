package influxdb

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"

	"github.com/nerrad567/fleet-core/internal/infrastructure/config"
)

const (
	pingTimeout = 5 * time.Second

	defaultBatchSize     = 100
	defaultFlushInterval = 10 * time.Second

	// siteTag is attached to every point so one bucket can serve several sites.
	siteTag = "site"
)

// Logger is the logging interface used by the client.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Client writes fleet metrics to InfluxDB v2.
//
// Writes are non-blocking: points are batched by the underlying WriteAPI
// and failures surface asynchronously, where they are logged and counted.
// All methods are safe for concurrent use. A closed client drops writes.
type Client struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
	bucket   string

	connected   atomic.Bool
	writeErrors atomic.Uint64
	logger      atomic.Pointer[Logger]

	errorsDone chan struct{}
}

// Connect creates a client for cfg and verifies the server answers a ping.
// Every point carries a site tag when site is non-empty.
//
// Parameters:
//   - ctx: bounds the initial ping
//   - cfg: influxdb section of config.yaml
//   - site: site identifier used as the default tag
//
// Returns:
//   - *Client: connected client
//   - error: ErrDisabled, or ErrConnectionFailed wrapping the cause
func Connect(ctx context.Context, cfg config.InfluxDBConfig, site string) (*Client, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}

	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token, clientOptions(cfg, site))

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	healthy, err := client.Ping(pingCtx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: ping: %w", ErrConnectionFailed, err)
	}
	if !healthy {
		client.Close()
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, ErrUnhealthy)
	}

	c := &Client{
		client:     client,
		writeAPI:   client.WriteAPI(cfg.Org, cfg.Bucket),
		bucket:     cfg.Bucket,
		errorsDone: make(chan struct{}),
	}
	c.connected.Store(true)
	go c.watchErrors(c.writeAPI.Errors())
	return c, nil
}

// clientOptions maps config onto influxdb2 options, falling back to the
// defaults for non-positive batch settings.
func clientOptions(cfg config.InfluxDBConfig, site string) *influxdb2.Options {
	batch := uint(defaultBatchSize)
	if cfg.BatchSize > 0 {
		batch = uint(cfg.BatchSize)
	}
	flush := defaultFlushInterval
	if cfg.FlushInterval > 0 {
		flush = time.Duration(cfg.FlushInterval) * time.Second
	}

	opts := influxdb2.DefaultOptions().
		SetBatchSize(batch).
		SetFlushInterval(uint(flush.Milliseconds())) //nolint:gosec // positive by construction
	if site != "" {
		opts.AddDefaultTag(siteTag, site)
	}
	return opts
}

// SetLogger sets the logger used for asynchronous write failures.
func (c *Client) SetLogger(logger Logger) {
	if logger == nil {
		logger = noopLogger{}
	}
	c.logger.Store(&logger)
}

func (c *Client) log() Logger {
	if l := c.logger.Load(); l != nil {
		return *l
	}
	return noopLogger{}
}

// watchErrors drains the WriteAPI error channel until the client closes.
func (c *Client) watchErrors(errs <-chan error) {
	defer close(c.errorsDone)
	for err := range errs {
		n := c.writeErrors.Add(1)
		c.log().Error("influxdb write failed",
			"bucket", c.bucket,
			"error", err,
			"total_failures", n,
		)
	}
}

// WriteErrors returns how many batches failed to write since Connect.
func (c *Client) WriteErrors() uint64 {
	return c.writeErrors.Load()
}

// IsConnected reports whether the client is open. It does not ping; use
// HealthCheck for that.
func (c *Client) IsConnected() bool {
	return c.connected.Load()
}

// HealthCheck pings the server.
func (c *Client) HealthCheck(ctx context.Context) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}
	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	healthy, err := c.client.Ping(pingCtx)
	if err != nil {
		return fmt.Errorf("influxdb health check: %w", err)
	}
	if !healthy {
		return fmt.Errorf("influxdb health check: %w", ErrUnhealthy)
	}
	return nil
}

// Flush blocks until buffered points are sent. No-op once closed.
func (c *Client) Flush() {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.Flush()
}

// Close flushes pending points and releases the client. Calling it more
// than once is safe.
func (c *Client) Close() error {
	if c.client == nil || !c.connected.CompareAndSwap(true, false) {
		return nil
	}
	c.writeAPI.Flush()
	// Closing the client closes the WriteAPI and its error channel.
	c.client.Close()
	<-c.errorsDone
	return nil
}
