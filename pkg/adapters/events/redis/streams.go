package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aescanero/dago-collab/pkg/domain"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DefaultMaxLen caps each stream so an unconsumed feed cannot grow forever
const DefaultMaxLen = 10000

// StreamsPublisher implements ports.EventPublisher using Redis Streams
type StreamsPublisher struct {
	client *redis.Client
	logger *zap.Logger
	maxLen int64
}

// NewStreamsPublisher creates a new Redis Streams publisher. A non-positive
// maxLen uses DefaultMaxLen.
func NewStreamsPublisher(client *redis.Client, maxLen int64, logger *zap.Logger) *StreamsPublisher {
	if maxLen <= 0 {
		maxLen = DefaultMaxLen
	}
	return &StreamsPublisher{
		client: client,
		logger: logger,
		maxLen: maxLen,
	}
}

// Publish appends an event to the stream of topic
func (e *StreamsPublisher) Publish(ctx context.Context, topic string, event domain.Event) error {
	streamKey := getStreamKey(topic)

	// Serialize event
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	args := &redis.XAddArgs{
		Stream: streamKey,
		MaxLen: e.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"type":        string(event.Type),
			"workflow_id": event.WorkflowID,
			"data":        string(data),
		},
	}

	if _, err := e.client.XAdd(ctx, args).Result(); err != nil {
		return fmt.Errorf("failed to add to stream: %w", err)
	}

	e.logger.Debug("event published",
		zap.String("event_id", event.ID),
		zap.String("type", string(event.Type)),
		zap.String("topic", topic),
		zap.String("stream", streamKey))

	return nil
}

// Close is a no-op; the Redis client is closed by its owner
func (e *StreamsPublisher) Close() error {
	return nil
}

// getStreamKey returns the Redis stream key for a topic
func getStreamKey(topic string) string {
	return fmt.Sprintf("collab:events:%s", topic)
}
