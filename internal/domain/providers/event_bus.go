package providers

import (
	"context"

	"github.com/zatekoja/sessionreview/backend/internal/domain/entities"
)

// EventBus defines the interface for publishing and subscribing to run events
type EventBus interface {
	// Publish publishes an event to all subscribers
	Publish(ctx context.Context, channel string, event *entities.RunEvent) error

	// Subscribe subscribes to events on a channel
	Subscribe(ctx context.Context, channel string) (<-chan *entities.RunEvent, error)

	// Unsubscribe unsubscribes from a channel
	Unsubscribe(ctx context.Context, channel string) error

	// Close closes the event bus and all subscriptions
	Close() error
}

// EventChannelSessionPrefix is the prefix for per-session analysis channels
const EventChannelSessionPrefix = "analysis:session:"

// GetSessionChannel returns the channel name for a session's analysis runs
func GetSessionChannel(sessionID string) string {
	return EventChannelSessionPrefix + sessionID
}
