package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/nerrad567/fleet-core/internal/fleet"
	"github.com/nerrad567/fleet-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/fleet-core/internal/progress"
)

const progressTimeout = 2 * time.Second

// JSONPublisher is the subset of *mqtt.Client the CommandPublisher needs.
type JSONPublisher interface {
	PublishJSON(ctx context.Context, topic string, v any, retained bool) error
}

// CommandPublisher implements fleet.Publisher over MQTT.
type CommandPublisher struct {
	client JSONPublisher
	now    func() time.Time
}

// NewCommandPublisher creates a publisher on client.
func NewCommandPublisher(client JSONPublisher) *CommandPublisher {
	return &CommandPublisher{client: client, now: time.Now}
}

// PublishCommand sends cmd to the device. Commands are not retained: a
// device that is offline when the command is sent never sees it.
func (p *CommandPublisher) PublishCommand(ctx context.Context, serial string, cmd fleet.Command) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if cmd.SentAt.IsZero() {
		cmd.SentAt = p.now().UTC()
	}
	if err := p.client.PublishJSON(ctx, mqtt.Topics{}.DeviceCommand(serial), cmd, false); err != nil {
		return fmt.Errorf("publishing %s to %s: %w", cmd.Action, serial, err)
	}
	return nil
}

// PublishProgress retains the latest progress snapshot of a task. It is
// called from progress relays that have no request context, so the wait is
// bounded by progressTimeout.
func (p *CommandPublisher) PublishProgress(taskID string, st progress.Status) error {
	ctx, cancel := context.WithTimeout(context.Background(), progressTimeout)
	defer cancel()
	if err := p.client.PublishJSON(ctx, mqtt.Topics{}.TaskProgress(taskID), st, true); err != nil {
		return fmt.Errorf("publishing progress of %s: %w", taskID, err)
	}
	return nil
}

var _ fleet.Publisher = (*CommandPublisher)(nil)
