package mqtt

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/fleet-core/internal/infrastructure/config"
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

// MessageHandler receives one message. paho calls it from its own
// goroutine; a returned error is logged and counted, never acknowledged
// differently.
type MessageHandler func(topic string, payload []byte) error

type subscription struct {
	qos     byte
	handler MessageHandler
}

// Stats counts traffic since Connect.
type Stats struct {
	Received        uint64 `json:"received"`
	HandlerErrors   uint64 `json:"handler_errors"`
	HandlerPanics   uint64 `json:"handler_panics"`
	Published       uint64 `json:"published"`
	PublishFailures uint64 `json:"publish_failures"`
	Reconnects      uint64 `json:"reconnects"`
	Subscriptions   int    `json:"subscriptions"`
}

type counters struct {
	received        atomic.Uint64
	handlerErrors   atomic.Uint64
	handlerPanics   atomic.Uint64
	published       atomic.Uint64
	publishFailures atomic.Uint64
	connects        atomic.Uint64
}

// Client wraps a paho client for Fleet Core.
//
// It carries device notifications in, commands and task progress out, and
// announces the core's own status on fleet/system/status with a retained
// message and a Last Will. Subscriptions are restored after every
// reconnect. Safe for concurrent use.
type Client struct {
	client pahomqtt.Client
	cfg    config.MQTTConfig
	logger Logger

	connected atomic.Bool
	stats     counters
	// retries counts reconnect attempts since the last successful connect.
	retries atomic.Int64

	subMu         sync.RWMutex
	subscriptions map[string]subscription
}

func newClient(cfg config.MQTTConfig, logger Logger) *Client {
	if logger == nil {
		logger = noopLogger{}
	}
	return &Client{
		cfg:           cfg,
		logger:        logger,
		subscriptions: make(map[string]subscription),
	}
}

// Connect dials the broker and waits for the first connection.
//
// Parameters:
//   - ctx: bounds the initial connection, together with the connect timeout
//   - cfg: mqtt section of config.yaml
//   - logger: receives connection events and handler failures; may be nil
//
// Returns:
//   - *Client: connected client, reconnecting automatically from here on
//   - error: ErrConnectionFailed wrapping the cause
func Connect(ctx context.Context, cfg config.MQTTConfig, logger Logger) (*Client, error) {
	c := newClient(cfg, logger)

	opts := buildClientOptions(cfg)
	configureLWT(opts, cfg.Broker.ClientID)
	opts.SetOnConnectHandler(func(pahomqtt.Client) { c.handleConnect() })
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) { c.handleConnectionLost(err) })
	opts.SetReconnectingHandler(func(pc pahomqtt.Client, _ *pahomqtt.ClientOptions) {
		if c.reconnectExhausted() {
			// Disconnect blocks on the reconnect loop that is calling us.
			go pc.Disconnect(0)
		}
	})

	c.client = pahomqtt.NewClient(opts)
	if err := waitToken(ctx, c.client.Connect(), defaultConnectTimeout); err != nil {
		// Stop the background connect retry.
		c.client.Disconnect(0)
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	// The connect handler runs asynchronously; don't wait for it to report
	// the session as up.
	c.connected.Store(true)
	return c, nil
}

func (c *Client) handleConnect() {
	c.connected.Store(true)
	c.retries.Store(0)
	if c.stats.connects.Add(1) > 1 {
		c.logger.Info("mqtt reconnected", "client_id", c.cfg.Broker.ClientID)
	}
	c.restoreSubscriptions()
	c.client.Publish(Topics{}.SystemStatus(), byte(c.cfg.QoS), true,
		buildStatusPayload(statusOnline, c.cfg.Broker.ClientID, ""))
}

func (c *Client) handleConnectionLost(err error) {
	c.connected.Store(false)
	c.logger.Warn("mqtt connection lost", "client_id", c.cfg.Broker.ClientID, "error", err)
}

// reconnectExhausted records one reconnect attempt and reports whether
// reconnect.max_attempts has been used up. Zero attempts means no limit.
func (c *Client) reconnectExhausted() bool {
	n := c.retries.Add(1)
	limit := int64(c.cfg.Reconnect.MaxAttempts)
	if limit > 0 && n > limit {
		c.logger.Error("mqtt reconnect abandoned", "client_id", c.cfg.Broker.ClientID, "attempts", limit)
		return true
	}
	c.logger.Warn("mqtt reconnecting", "client_id", c.cfg.Broker.ClientID, "attempt", n)
	return false
}

func (c *Client) restoreSubscriptions() {
	c.subMu.RLock()
	defer c.subMu.RUnlock()

	for topic, sub := range c.subscriptions {
		tok := c.client.Subscribe(topic, sub.qos, c.wrapHandler(sub.handler))
		if err := waitToken(context.Background(), tok, defaultOperationTimeout); err != nil {
			c.logger.Warn("mqtt resubscribe failed", "topic", topic, "error", err)
		}
	}
}

// Close announces a graceful shutdown on the status topic and disconnects.
func (c *Client) Close() error {
	if c.client == nil {
		return nil
	}
	if c.IsConnected() {
		tok := c.client.Publish(Topics{}.SystemStatus(), byte(c.cfg.QoS), true,
			buildStatusPayload(statusOffline, c.cfg.Broker.ClientID, reasonGraceful))
		_ = waitToken(context.Background(), tok, defaultOperationTimeout) //nolint:errcheck // the LWT covers a lost goodbye
	}
	c.client.Disconnect(defaultDisconnectQuiesce)
	c.connected.Store(false)
	return nil
}

// HealthCheck reports ErrNotConnected while the session is down.
func (c *Client) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("mqtt health check: %w", err)
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}
	return nil
}

// IsConnected reports the last known session state.
func (c *Client) IsConnected() bool {
	return c.client != nil && c.connected.Load() && c.client.IsConnected()
}

// Stats returns the traffic counters.
func (c *Client) Stats() Stats {
	c.subMu.RLock()
	subs := len(c.subscriptions)
	c.subMu.RUnlock()

	var reconnects uint64
	if n := c.stats.connects.Load(); n > 1 {
		reconnects = n - 1
	}
	return Stats{
		Received:        c.stats.received.Load(),
		HandlerErrors:   c.stats.handlerErrors.Load(),
		HandlerPanics:   c.stats.handlerPanics.Load(),
		Published:       c.stats.published.Load(),
		PublishFailures: c.stats.publishFailures.Load(),
		Reconnects:      reconnects,
		Subscriptions:   subs,
	}
}

// wrapHandler adapts handler to paho, counting messages and turning
// errors and panics into log lines.
func (c *Client) wrapHandler(handler MessageHandler) pahomqtt.MessageHandler {
	return func(_ pahomqtt.Client, msg pahomqtt.Message) {
		c.stats.received.Add(1)
		defer func() {
			if r := recover(); r != nil {
				c.stats.handlerPanics.Add(1)
				c.logger.Error("mqtt handler panic", "topic", msg.Topic(), "panic", r)
			}
		}()
		if err := handler(msg.Topic(), msg.Payload()); err != nil {
			c.stats.handlerErrors.Add(1)
			c.logger.Warn("mqtt handler failed", "topic", msg.Topic(), "error", err)
		}
	}
}

// waitToken waits for tok, ctx or the timeout, whichever comes first.
func waitToken(ctx context.Context, tok pahomqtt.Token, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("%w after %v", ErrTimeout, timeout)
	}
}
