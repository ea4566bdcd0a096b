package notify

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/nerrad567/fleet-core/internal/fleet"
	"github.com/nerrad567/fleet-core/internal/infrastructure/config"
	"github.com/nerrad567/fleet-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/fleet-core/internal/reorder"
)

// notifyQoS is the subscription QoS for device notifications.
const notifyQoS = 1

// Logger is the logging interface used by this package.
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

// Target receives parsed notifications. *fleet.Manager implements it.
type Target interface {
	Ingest(serial string, ev fleet.Event) error
}

// Subscriber is the subset of *mqtt.Client the Ingestor needs.
type Subscriber interface {
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(topic string) error
}

// Stats counts notifications seen by the Ingestor.
type Stats struct {
	Received uint64 `json:"received"`
	Accepted uint64 `json:"accepted"`
	Dropped  uint64 `json:"dropped"`
}

// Ingestor turns MQTT notification messages into fleet events.
//
// Thread Safety: Handle may be called concurrently by the MQTT client.
type Ingestor struct {
	target     Target
	maxPayload int
	logger     Logger

	received atomic.Uint64
	accepted atomic.Uint64
	dropped  atomic.Uint64
}

// NewIngestor creates an Ingestor feeding target.
func NewIngestor(target Target, cfg config.NotificationsConfig) *Ingestor {
	return &Ingestor{
		target:     target,
		maxPayload: cfg.MaxPayloadSize,
		logger:     noopLogger{},
	}
}

// SetLogger sets the logger. Call before Start.
func (i *Ingestor) SetLogger(logger Logger) {
	if logger == nil {
		logger = noopLogger{}
	}
	i.logger = logger
}

// Start subscribes to every device's notification topic.
func (i *Ingestor) Start(sub Subscriber) error {
	topic := mqtt.Topics{}.AllDeviceNotifications()
	if err := sub.Subscribe(topic, notifyQoS, i.Handle); err != nil {
		return fmt.Errorf("subscribing to %s: %w", topic, err)
	}
	i.logger.Info("notification ingestion started", "topic", topic)
	return nil
}

// Stop removes the notification subscription.
func (i *Ingestor) Stop(sub Subscriber) error {
	topic := mqtt.Topics{}.AllDeviceNotifications()
	if err := sub.Unsubscribe(topic); err != nil {
		return fmt.Errorf("unsubscribing from %s: %w", topic, err)
	}
	return nil
}

// Handle is the MQTT message handler. Rejected messages are logged and
// dropped, so it always returns nil.
func (i *Ingestor) Handle(topic string, payload []byte) error {
	i.received.Add(1)

	serial, err := i.ingest(topic, payload)
	if err == nil {
		i.accepted.Add(1)
		return nil
	}
	i.dropped.Add(1)

	switch {
	case errors.Is(err, reorder.ErrDuplicate), errors.Is(err, reorder.ErrStale):
		// Redelivery after a reconnect lands here routinely.
		i.logger.Debug("notification dropped", "serial", serial, "reason", err)
	default:
		i.logger.Warn("notification dropped",
			"topic", topic,
			"serial", serial,
			"size", len(payload),
			"error", err,
		)
	}
	return nil
}

// Stats returns a snapshot of the ingestion counters.
func (i *Ingestor) Stats() Stats {
	return Stats{
		Received: i.received.Load(),
		Accepted: i.accepted.Load(),
		Dropped:  i.dropped.Load(),
	}
}

func (i *Ingestor) ingest(topic string, payload []byte) (string, error) {
	serial, ok := mqtt.Topics{}.SerialFromNotifyTopic(topic)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownTopic, topic)
	}
	if i.maxPayload > 0 && len(payload) > i.maxPayload {
		return serial, fmt.Errorf("%w: %d bytes exceeds %d", ErrPayloadTooLarge, len(payload), i.maxPayload)
	}
	ev, err := ParseEvent(payload)
	if err != nil {
		return serial, err
	}
	if err := i.target.Ingest(serial, ev); err != nil {
		return serial, fmt.Errorf("ingesting seq %d: %w", ev.Seq, err)
	}
	return serial, nil
}

// wireEvent distinguishes a missing seq from zero.
type wireEvent struct {
	Seq   *uint64         `json:"seq"`
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// ParseEvent decodes a notification payload of the form
// {"seq":N,"event":"...","data":{...}}. Sequence numbers start at 1.
func ParseEvent(payload []byte) (fleet.Event, error) {
	var w wireEvent
	if err := json.Unmarshal(payload, &w); err != nil {
		return fleet.Event{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	switch {
	case w.Seq == nil:
		return fleet.Event{}, fmt.Errorf("%w: missing seq", ErrMalformed)
	case *w.Seq == 0:
		return fleet.Event{}, fmt.Errorf("%w: seq must be positive", ErrMalformed)
	case w.Event == "":
		return fleet.Event{}, fmt.Errorf("%w: missing event", ErrMalformed)
	}
	return fleet.Event{Seq: *w.Seq, Event: w.Event, Data: w.Data}, nil
}
