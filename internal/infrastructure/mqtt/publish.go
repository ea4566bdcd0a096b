package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
)

// Publish sends payload to topic and waits for the broker's acknowledgement
// (QoS 1 and 2), ctx or the operation timeout.
//
// Retain state topics such as task progress and system status; never
// retain commands, or a device that reconnects would replay them.
//
// Parameters:
//   - ctx: cancels the wait for the acknowledgement
//   - topic: destination, e.g. Topics{}.DeviceCommand("DP0001")
//   - payload: message body, at most 1 MiB
//   - qos: 0, 1 or 2
//   - retained: whether the broker keeps the message for new subscribers
func (c *Client) Publish(ctx context.Context, topic string, payload []byte, qos byte, retained bool) error {
	switch {
	case topic == "":
		return ErrInvalidTopic
	case qos > maxQoS:
		return fmt.Errorf("%w: %d", ErrInvalidQoS, qos)
	case len(payload) > maxPayloadSize:
		return fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(payload))
	case !c.IsConnected():
		return ErrNotConnected
	}

	if err := waitToken(ctx, c.client.Publish(topic, qos, retained, payload), defaultOperationTimeout); err != nil {
		c.stats.publishFailures.Add(1)
		return fmt.Errorf("%w: %s: %w", ErrPublishFailed, topic, err)
	}
	c.stats.published.Add(1)
	return nil
}

// PublishJSON marshals v and publishes it at the configured QoS.
func (c *Client) PublishJSON(ctx context.Context, topic string, v any, retained bool) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("%w: encoding %s: %w", ErrPublishFailed, topic, err)
	}
	return c.Publish(ctx, topic, payload, byte(c.cfg.QoS), retained) //nolint:gosec // QoS validated by config
}
