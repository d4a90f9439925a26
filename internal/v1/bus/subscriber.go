package bus

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/concord-im/concord/internal/v1/backoff"
	"github.com/concord-im/concord/internal/v1/logging"
	"github.com/concord-im/concord/internal/v1/metrics"
	"github.com/concord-im/concord/internal/v1/types"
)

// flushInterval batches subscription changes so a client joining many
// channels at once produces a single SUBSCRIBE round trip.
const flushInterval = 50 * time.Millisecond

// Handler receives every event delivered on a subscribed topic.
type Handler func(ev Event)

// Subscriber multiplexes all topic subscriptions of this instance over a
// single pub/sub connection. Topics are added and removed dynamically as
// local sessions come and go; on connection loss it reconnects with
// exponential backoff and resubscribes the full desired set.
type Subscriber struct {
	client  *redis.Client
	handler Handler

	mu      sync.Mutex
	desired map[types.Topic]struct{}
	active  map[types.Topic]struct{}

	cancel context.CancelFunc
	done   chan struct{}
}

// NewSubscriber creates a Subscriber delivering events to handler. The
// handler runs on the receive goroutine and must not block.
func NewSubscriber(client *redis.Client, handler Handler) *Subscriber {
	return &Subscriber{
		client:  client,
		handler: handler,
		desired: make(map[types.Topic]struct{}),
		active:  make(map[types.Topic]struct{}),
	}
}

// Start launches the receive loop. It returns immediately.
func (s *Subscriber) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.run(ctx)
}

// Subscribe adds topics to the desired set. The change is applied on the
// next flush tick.
func (s *Subscriber) Subscribe(topics ...types.Topic) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range topics {
		s.desired[t] = struct{}{}
	}
}

// Unsubscribe removes topics from the desired set.
func (s *Subscriber) Unsubscribe(topics ...types.Topic) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range topics {
		delete(s.desired, t)
	}
}

// Topics returns a snapshot of the desired topic set.
func (s *Subscriber) Topics() []types.Topic {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.Topic, 0, len(s.desired))
	for t := range s.desired {
		out = append(out, t)
	}
	return out
}

// Close stops the receive loop and waits for it to exit.
func (s *Subscriber) Close() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.done != nil {
		<-s.done
	}
}

func (s *Subscriber) run(ctx context.Context) {
	defer close(s.done)

	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}
		if attempt > 0 {
			metrics.BusReconnects.Inc()
			delay := backoff.Reconnect.Delay(attempt)
			logging.Warn(ctx, "Bus subscriber reconnecting",
				zap.Int("attempt", attempt), zap.Duration("delay", delay))
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
		}
		attempt++

		if s.receive(ctx) {
			// Clean session: the connection served traffic, so start the
			// backoff schedule over on the next failure.
			attempt = 1
		}
	}
}

// receive owns one pub/sub connection until it dies or ctx is cancelled.
// Returns true when at least one flush succeeded on this connection.
func (s *Subscriber) receive(ctx context.Context) bool {
	pubsub := s.client.Subscribe(ctx)
	defer pubsub.Close()

	s.mu.Lock()
	s.active = make(map[types.Topic]struct{})
	s.mu.Unlock()

	if err := s.flush(ctx, pubsub); err != nil {
		logging.Warn(ctx, "Bus initial subscribe failed", zap.Error(err))
		return false
	}

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	ch := pubsub.Channel()
	healthy := true

	for {
		select {
		case <-ctx.Done():
			return healthy
		case <-ticker.C:
			if err := s.flush(ctx, pubsub); err != nil {
				logging.Warn(ctx, "Bus subscription flush failed", zap.Error(err))
				return healthy
			}
		case msg, ok := <-ch:
			if !ok {
				logging.Warn(ctx, "Bus subscription channel closed")
				return healthy
			}
			s.deliver(ctx, msg)
		}
	}
}

// flush reconciles the active subscription set with the desired set.
func (s *Subscriber) flush(ctx context.Context, pubsub *redis.PubSub) error {
	s.mu.Lock()
	var add, remove []string
	for t := range s.desired {
		if _, ok := s.active[t]; !ok {
			add = append(add, string(t))
		}
	}
	for t := range s.active {
		if _, ok := s.desired[t]; !ok {
			remove = append(remove, string(t))
		}
	}
	s.mu.Unlock()

	if len(add) > 0 {
		if err := pubsub.Subscribe(ctx, add...); err != nil {
			return err
		}
	}
	if len(remove) > 0 {
		if err := pubsub.Unsubscribe(ctx, remove...); err != nil {
			return err
		}
	}

	if len(add) > 0 || len(remove) > 0 {
		s.mu.Lock()
		for _, t := range add {
			s.active[types.Topic(t)] = struct{}{}
		}
		for _, t := range remove {
			delete(s.active, types.Topic(t))
		}
		s.mu.Unlock()
	}
	return nil
}

func (s *Subscriber) deliver(ctx context.Context, msg *redis.Message) {
	var ev Event
	if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
		logging.Error(ctx, "Failed to unmarshal bus event",
			zap.String("channel", msg.Channel), zap.Error(err))
		return
	}
	metrics.BusDeliveries.WithLabelValues(TopicClass(ev.Topic)).Inc()
	s.handler(ev)
}
