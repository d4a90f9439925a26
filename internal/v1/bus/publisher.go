// Package bus is the Redis pub/sub fabric carrying realtime events between
// core instances. Delivery is at-most-once: a disconnected subscriber misses
// events, and clients resynchronize through the REST surface on reconnect.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/concord-im/concord/internal/v1/errs"
	"github.com/concord-im/concord/internal/v1/logging"
	"github.com/concord-im/concord/internal/v1/metrics"
	"github.com/concord-im/concord/internal/v1/types"
)

// Event is the wire envelope for every message on the fabric. EventID is a
// ULID assigned at publish time so consumers can deduplicate and order within
// a topic.
type Event struct {
	Topic    types.Topic     `json:"topic"`
	Type     string          `json:"type"`
	Data     json.RawMessage `json:"data"`
	SenderID string          `json:"sender_id,omitempty"`
	EventID  string          `json:"event_id"`
}

// Publisher pushes events onto the fabric through a circuit breaker. When the
// breaker is open, events are dropped rather than blocking the caller; the
// fabric is a best-effort plane.
type Publisher struct {
	client *redis.Client
	cb     *gobreaker.CircuitBreaker
}

// NewPublisher connects to the bus backend and verifies the connection.
func NewPublisher(addr, password string) (*Publisher, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           0,
		DialTimeout:  10 * time.Second,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to bus backend: %w", err)
	}

	logging.Info(ctx, "Connected to pub/sub fabric", zap.String("addr", addr))
	return NewPublisherFromClient(rdb), nil
}

// NewPublisherFromClient wraps an existing client. Tests use this with miniredis.
func NewPublisherFromClient(client *redis.Client) *Publisher {
	st := gobreaker.Settings{
		Name:        "redis_bus",
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     15 * time.Second,
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			var stateVal float64
			switch to {
			case gobreaker.StateClosed:
				stateVal = 0
			case gobreaker.StateOpen:
				stateVal = 1
			case gobreaker.StateHalfOpen:
				stateVal = 2
			}
			metrics.CircuitBreakerState.WithLabelValues("redis_bus").Set(stateVal)
		},
	}
	return &Publisher{client: client, cb: gobreaker.NewCircuitBreaker(st)}
}

// Publish marshals data and sends it to every subscriber of the topic.
// SenderID lets session-owning instances suppress echo back to the origin.
func (p *Publisher) Publish(ctx context.Context, topic types.Topic, eventType string, data any, senderID string) error {
	if p == nil || p.client == nil {
		return nil // single-instance mode, no fabric available
	}

	_, err := p.cb.Execute(func() (interface{}, error) {
		inner, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal event data: %w", err)
		}

		ev := Event{
			Topic:    topic,
			Type:     eventType,
			Data:     inner,
			SenderID: senderID,
			EventID:  ulid.Make().String(),
		}

		payload, err := json.Marshal(ev)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal event envelope: %w", err)
		}

		return nil, p.client.Publish(ctx, string(topic), payload).Err()
	})

	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			metrics.CircuitBreakerFailures.WithLabelValues("redis_bus").Inc()
			logging.Warn(ctx, "Bus circuit breaker open: dropping publish", zap.String("topic", string(topic)))
			return nil // graceful degradation: drop, don't crash the caller
		}
		logging.Error(ctx, "Bus publish failed", zap.String("topic", string(topic)), zap.Error(err))
		return errs.Transient("bus_publish_failed", err)
	}
	return nil
}

// Ping checks bus connectivity for the readiness probe.
func (p *Publisher) Ping(ctx context.Context) error {
	if p == nil || p.client == nil {
		return nil
	}
	_, err := p.cb.Execute(func() (interface{}, error) {
		return nil, p.client.Ping(ctx).Err()
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) {
			metrics.CircuitBreakerFailures.WithLabelValues("redis_bus").Inc()
		}
		return err
	}
	return nil
}

// Close shuts down the publisher's connection pool.
func (p *Publisher) Close() error {
	if p == nil || p.client == nil {
		return nil
	}
	return p.client.Close()
}

// TopicClass buckets a topic for metrics cardinality control.
func TopicClass(topic types.Topic) string {
	s := string(topic)
	switch {
	case len(s) > 6 && s[:6] == "guild:":
		return "guild"
	case len(s) > 8 && s[:8] == "channel:":
		return "channel"
	case len(s) > 5 && s[:5] == "user:":
		return "user"
	case len(s) > 11 && s[:11] == "voice:room:":
		return "voice_room"
	default:
		return "other"
	}
}
