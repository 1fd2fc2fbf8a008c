package cache

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/lumora/lumora-core/internal/messaging"
	"github.com/lumora/lumora-core/pkg/metrics"
)

// ListenerConfig configures the invalidation listener.
type ListenerConfig struct {
	Topic   messaging.Topic
	GroupID string

	// Enabled allows running without the invalidation consumer when the
	// broker is unavailable; entries then age out on TTL alone.
	Enabled bool
}

// InvalidationListener keeps the cache consistent with the remote source of
// truth without polling: writes on the remote side publish invalidation
// messages, and the listener evicts the referenced entries.
//
// Duplicate messages are harmless (removing an absent key is a no-op) and
// out-of-order delivery is accepted: an in-flight fetch may repopulate an
// invalidated key, which TTL expiry or the next invalidation corrects.
type InvalidationListener struct {
	cache    *Cache
	consumer messaging.Consumer
	config   *ListenerConfig
	logger   *zap.Logger
}

// NewInvalidationListener creates a listener bound to the given cache.
func NewInvalidationListener(cache *Cache, consumer messaging.Consumer, config *ListenerConfig, logger *zap.Logger) *InvalidationListener {
	return &InvalidationListener{
		cache:    cache,
		consumer: consumer,
		config:   config,
		logger:   logger,
	}
}

// Start subscribes to the invalidation topic until the context is cancelled.
func (l *InvalidationListener) Start(ctx context.Context) error {
	if !l.config.Enabled {
		l.logger.Warn("Invalidation listener disabled, cache entries age out on TTL only")
		return nil
	}

	l.logger.Info("Starting invalidation listener",
		zap.String("topic", string(l.config.Topic)),
		zap.String("group_id", l.config.GroupID))

	return l.consumer.Subscribe(ctx, l.config.Topic, l.config.GroupID, l.handle)
}

// handle evicts the key or pattern named by one invalidation message.
func (l *InvalidationListener) handle(ctx context.Context, msg *messaging.ReceivedMessage) error {
	var inv messaging.InvalidationMessage
	if err := json.Unmarshal(msg.Value, &inv); err != nil {
		l.logger.Error("Discarding malformed invalidation message",
			zap.Error(err), zap.String("topic", msg.Topic))
		return nil
	}

	switch {
	case inv.Pattern != "":
		if err := l.cache.RemoveByPattern(ctx, inv.Pattern); err != nil {
			l.logger.Error("Pattern invalidation failed",
				zap.Error(err), zap.String("pattern", inv.Pattern))
			return err
		}
		metrics.Invalidations.WithLabelValues("pattern").Inc()
		l.logger.Debug("Invalidated by pattern", zap.String("pattern", inv.Pattern))

	case inv.EntityID != "":
		if err := l.invalidateEntity(ctx, inv.Entity, inv.EntityID); err != nil {
			l.logger.Error("Entity invalidation failed",
				zap.Error(err),
				zap.String("entity", inv.Entity),
				zap.String("entity_id", inv.EntityID))
			return err
		}
		metrics.Invalidations.WithLabelValues("entity").Inc()
		l.logger.Debug("Invalidated entity",
			zap.String("entity", inv.Entity),
			zap.String("entity_id", inv.EntityID))

	default:
		l.logger.Warn("Invalidation message names neither entity nor pattern")
	}

	return nil
}

// invalidateEntity evicts one entity's keys. User invalidations drop the
// profile and the validation verdict together; any other entity kind evicts
// its conventional {entity}:{id} key.
func (l *InvalidationListener) invalidateEntity(ctx context.Context, entity, id string) error {
	if entity == "" || entity == "user" {
		return l.cache.InvalidateUser(ctx, id)
	}
	return l.cache.Remove(ctx, EntityKey(entity, id))
}
