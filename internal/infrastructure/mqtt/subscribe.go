package mqtt

import (
	"context"
	"fmt"
)

// Subscribe registers handler for topic, which may contain the + and #
// wildcards (for example Topics{}.AllDeviceNotifications()). The
// subscription is remembered and restored after a reconnect; a failed
// subscribe is forgotten again.
func (c *Client) Subscribe(topic string, qos byte, handler MessageHandler) error {
	switch {
	case topic == "":
		return ErrInvalidTopic
	case qos > maxQoS:
		return fmt.Errorf("%w: %d", ErrInvalidQoS, qos)
	case handler == nil:
		return fmt.Errorf("%w: nil handler", ErrSubscribeFailed)
	case !c.IsConnected():
		return ErrNotConnected
	}

	c.subMu.Lock()
	c.subscriptions[topic] = subscription{qos: qos, handler: handler}
	c.subMu.Unlock()

	tok := c.client.Subscribe(topic, qos, c.wrapHandler(handler))
	if err := waitToken(context.Background(), tok, defaultOperationTimeout); err != nil {
		c.forget(topic)
		return fmt.Errorf("%w: %s: %w", ErrSubscribeFailed, topic, err)
	}
	c.logger.Debug("mqtt subscribed", "topic", topic, "qos", qos)
	return nil
}

// Unsubscribe drops the subscription for topic. Messages already in flight
// may still reach the handler.
func (c *Client) Unsubscribe(topic string) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}
	c.forget(topic)

	if err := waitToken(context.Background(), c.client.Unsubscribe(topic), defaultOperationTimeout); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrUnsubscribeFailed, topic, err)
	}
	return nil
}

// HasSubscription reports whether topic (exact string, not a match) is
// subscribed.
func (c *Client) HasSubscription(topic string) bool {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	_, ok := c.subscriptions[topic]
	return ok
}

func (c *Client) forget(topic string) {
	c.subMu.Lock()
	delete(c.subscriptions, topic)
	c.subMu.Unlock()
}
