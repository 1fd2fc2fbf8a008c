package cache

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/lumora/lumora-core/internal/messaging"
)

// InvalidationPublisher is the write-side counterpart of the listener:
// services that change an entity publish an invalidation here so every cache
// holder evicts its copy.
type InvalidationPublisher struct {
	producer messaging.Producer
	topic    messaging.Topic
	logger   *zap.Logger
}

// NewInvalidationPublisher creates a publisher for the invalidation topic.
func NewInvalidationPublisher(producer messaging.Producer, topic messaging.Topic, logger *zap.Logger) *InvalidationPublisher {
	return &InvalidationPublisher{
		producer: producer,
		topic:    topic,
		logger:   logger,
	}
}

// InvalidateEntity announces that one entity changed. An empty entity kind
// means "user".
func (p *InvalidationPublisher) InvalidateEntity(ctx context.Context, entity, id string) error {
	return p.producer.Publish(ctx, p.topic, id, messaging.InvalidationMessage{
		Entity:     entity,
		EntityID:   id,
		OccurredAt: time.Now().UTC(),
	})
}

// InvalidateUsers announces a multi-user change as one batch write, keyed
// per user so each invalidation lands on that user's partition.
func (p *InvalidationPublisher) InvalidateUsers(ctx context.Context, userIDs []string) error {
	if len(userIDs) == 0 {
		return nil
	}

	now := time.Now().UTC()
	batch := make([]messaging.BatchMessage, len(userIDs))
	for i, id := range userIDs {
		batch[i] = messaging.BatchMessage{
			Key:     id,
			Message: messaging.InvalidationMessage{EntityID: id, OccurredAt: now},
		}
	}

	if err := p.producer.PublishBatch(ctx, p.topic, batch); err != nil {
		p.logger.Error("Invalidation batch publish failed",
			zap.Error(err), zap.Int("count", len(userIDs)))
		return err
	}
	return nil
}

// InvalidatePattern announces a bulk change covering every key matching the
// glob pattern, e.g. a school rename touching school:{id}:*.
func (p *InvalidationPublisher) InvalidatePattern(ctx context.Context, pattern string) error {
	return p.producer.Publish(ctx, p.topic, pattern, messaging.InvalidationMessage{
		Pattern:    pattern,
		OccurredAt: time.Now().UTC(),
	})
}
