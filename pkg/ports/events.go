package ports

import (
	"context"

	"github.com/aescanero/dago-collab/pkg/domain"
)

// EventPublisher publishes change feed events
type EventPublisher interface {
	Publish(ctx context.Context, topic string, event domain.Event) error
	Close() error
}
