// Package bridge turns one publish plus one subscribe into a call-like
// request/reply operation with a bounded wait.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lumora/lumora-core/internal/correlation"
	"github.com/lumora/lumora-core/internal/messaging"
	"github.com/lumora/lumora-core/pkg/metrics"
)

// Config holds the bridge's topic layout and timing.
type Config struct {
	// GroupID names the consumer group for the shared response subscribers.
	GroupID string

	// DefaultTimeout bounds SendAndWait when the call does not override it.
	DefaultTimeout time.Duration

	// DeadLetterTopic receives timed-out requests for offline inspection.
	DeadLetterTopic messaging.Topic

	Topics Topics
}

// Topics pairs each request topic with the response topic the remote service
// answers on.
type Topics struct {
	UserQueryRequest        messaging.Topic
	UserQueryResponse       messaging.Topic
	UserValidationRequest   messaging.Topic
	UserValidationResponse  messaging.Topic
	StudentCreationRequest  messaging.Topic
	StudentCreationResponse messaging.Topic
	SmartCrawlRequest       messaging.Topic
	SmartCrawlResponse      messaging.Topic
}

// Bridge issues correlated requests over the transport and suspends callers
// until the matching response arrives or their deadline passes.
type Bridge struct {
	producer messaging.Producer
	consumer messaging.Consumer
	registry *correlation.Registry
	config   *Config
	logger   *zap.Logger
}

// New creates a bridge. Call Start before issuing requests so the shared
// response subscribers are in place.
func New(producer messaging.Producer, consumer messaging.Consumer, registry *correlation.Registry, config *Config, logger *zap.Logger) *Bridge {
	if config.DefaultTimeout <= 0 {
		config.DefaultTimeout = 30 * time.Second
	}

	return &Bridge{
		producer: producer,
		consumer: consumer,
		registry: registry,
		config:   config,
		logger:   logger,
	}
}

// Start subscribes one long-lived consumer per response topic. Every
// incoming response is dispatched to the correlation registry; the
// subscribers are shared across all concurrent callers.
func (b *Bridge) Start(ctx context.Context) error {
	responseTopics := []messaging.Topic{
		b.config.Topics.UserQueryResponse,
		b.config.Topics.UserValidationResponse,
		b.config.Topics.StudentCreationResponse,
		b.config.Topics.SmartCrawlResponse,
	}

	for _, topic := range responseTopics {
		if topic == "" {
			continue
		}
		if err := b.consumer.Subscribe(ctx, topic, b.config.GroupID, b.dispatchResponse); err != nil {
			return fmt.Errorf("failed to subscribe to response topic %s: %w", topic, err)
		}
		b.logger.Info("Subscribed to response topic", zap.String("topic", string(topic)))
	}

	return nil
}

// dispatchResponse routes a raw response message to its waiter.
func (b *Bridge) dispatchResponse(_ context.Context, msg *messaging.ReceivedMessage) error {
	correlationID, err := messaging.PeekCorrelationID(msg.Value)
	if err != nil {
		b.logger.Error("Discarding malformed response",
			zap.Error(err),
			zap.String("topic", msg.Topic))
		return nil
	}
	if correlationID == "" {
		b.logger.Warn("Discarding response without correlation id",
			zap.String("topic", msg.Topic))
		return nil
	}

	b.registry.Resolve(correlationID, msg.Value)
	return nil
}

// SendAndWait publishes request on requestTopic, keyed by key for per-entity
// ordering, and suspends until the correlated response arrives or timeout
// elapses. On timeout the original request is redirected to the dead-letter
// topic before ErrRequestTimeout is returned. A publish failure fails fast
// with ErrTransportUnavailable and leaves no waiter behind.
//
// The returned bytes are the raw response message; typed helpers unmarshal it.
func (b *Bridge) SendAndWait(ctx context.Context, requestTopic messaging.Topic, key string, request messaging.Correlated, timeout time.Duration) ([]byte, error) {
	if timeout <= 0 {
		timeout = b.config.DefaultTimeout
	}

	env := messaging.NewRequestEnvelope()
	request.Stamp(env)
	deadline := time.Now().Add(timeout)

	waiter, err := b.registry.Register(env.CorrelationID, deadline)
	if err != nil {
		return nil, fmt.Errorf("failed to register waiter: %w", err)
	}

	start := time.Now()
	if err := b.producer.Publish(ctx, requestTopic, key, request); err != nil {
		// Remove the waiter so a broker hiccup leaves no orphaned state.
		b.registry.Forget(env.CorrelationID)
		b.logger.Error("Request publish failed",
			zap.Error(err),
			zap.String("topic", string(requestTopic)),
			zap.String("correlation_id", env.CorrelationID))
		return nil, fmt.Errorf("%w: %v", ErrTransportUnavailable, err)
	}
	metrics.RequestsSent.WithLabelValues(string(requestTopic)).Inc()

	raw, err := b.registry.Await(ctx, waiter)
	if err != nil {
		if errors.Is(err, correlation.ErrAwaitTimeout) {
			metrics.RequestTimeouts.WithLabelValues(string(requestTopic)).Inc()
			b.deadLetter(requestTopic, key, request, env.CorrelationID)
			return nil, fmt.Errorf("%w: no response on %s for %s within %s",
				ErrRequestTimeout, requestTopic, env.CorrelationID, timeout)
		}
		return nil, err
	}

	metrics.RequestLatency.WithLabelValues(string(requestTopic)).Observe(time.Since(start).Seconds())
	return raw, nil
}

// deadLetter redirects a timed-out request, correlation ID preserved, for
// offline inspection or replay. Best effort: a dead-letter failure is logged
// and the original timeout still propagates.
func (b *Bridge) deadLetter(requestTopic messaging.Topic, key string, request messaging.Correlated, correlationID string) {
	if b.config.DeadLetterTopic == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := b.producer.Publish(ctx, b.config.DeadLetterTopic, key, request); err != nil {
		b.logger.Error("Dead-letter publish failed",
			zap.Error(err),
			zap.String("original_topic", string(requestTopic)),
			zap.String("correlation_id", correlationID))
		return
	}

	metrics.DeadLettered.Inc()
	b.logger.Warn("Request dead-lettered after timeout",
		zap.String("original_topic", string(requestTopic)),
		zap.String("correlation_id", correlationID))
}

// decodeResponse unmarshals a raw response into dest and converts an
// unsuccessful response into a RemoteError.
func decodeResponse(raw []byte, dest messaging.Replied) error {
	if err := json.Unmarshal(raw, dest); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if env := dest.Result(); !env.Success {
		return &RemoteError{Message: env.ErrorMessage}
	}
	return nil
}
