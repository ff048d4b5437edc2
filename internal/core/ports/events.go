package ports

import (
	"context"

	"simulcastctl/internal/core/domain"
)

// EventPublisher receives session events. Implementations must not block the caller for long.
type EventPublisher interface {
	Publish(ctx context.Context, event *domain.Event) error
}
