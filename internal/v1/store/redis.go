// Package store is the Redis-backed coordination store shared by the presence
// and voice coordinators. It owns the key layout, JSON document handling, and
// the optimistic compare-and-set loop used for concurrent writers.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/concord-im/concord/internal/v1/errs"
	"github.com/concord-im/concord/internal/v1/logging"
	"github.com/concord-im/concord/internal/v1/metrics"
)

// casRetries bounds the optimistic WATCH/MULTI loop before giving up.
const casRetries = 5

// ErrCASConflict is returned when every CAS attempt lost the race.
var ErrCASConflict = errs.New(errs.KindConflict, "cas_conflict", "concurrent modification, retries exhausted")

// Store wraps a Redis client with a circuit breaker and typed helpers.
type Store struct {
	client *redis.Client
	cb     *gobreaker.CircuitBreaker
}

// Client returns the underlying Redis client, used by the rate limiter store.
func (s *Store) Client() *redis.Client {
	if s == nil {
		return nil
	}
	return s.client
}

// New connects to Redis and verifies the connection before returning.
func New(addr, password string) (*Store, error) {
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
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	st := gobreaker.Settings{
		Name:        "redis_store",
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
			metrics.CircuitBreakerState.WithLabelValues("redis_store").Set(stateVal)
		},
	}

	logging.Info(ctx, "Connected to coordination store", zap.String("addr", addr))
	return &Store{
		client: rdb,
		cb:     gobreaker.NewCircuitBreaker(st),
	}, nil
}

// NewFromClient wraps an existing client. Tests use this with miniredis.
func NewFromClient(client *redis.Client) *Store {
	return &Store{
		client: client,
		cb:     gobreaker.NewCircuitBreaker(gobreaker.Settings{Name: "redis_store"}),
	}
}

// execute runs fn through the breaker and maps failures into the taxonomy.
func (s *Store) execute(fn func() (interface{}, error)) (interface{}, error) {
	res, err := s.cb.Execute(fn)
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			metrics.CircuitBreakerFailures.WithLabelValues("redis_store").Inc()
			return nil, errs.Transient("store_breaker_open", err)
		}
		var taxonomy *errs.Error
		if errors.As(err, &taxonomy) {
			return nil, err
		}
		return nil, errs.Transient("store_unavailable", err)
	}
	return res, nil
}

// GetJSON loads a JSON document into dest. The second return is false when the
// key does not exist.
func (s *Store) GetJSON(ctx context.Context, key string, dest any) (bool, error) {
	res, err := s.execute(func() (interface{}, error) {
		data, err := s.client.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return data, nil
	})
	if err != nil {
		return false, err
	}
	if res == nil {
		return false, nil
	}
	if err := json.Unmarshal(res.([]byte), dest); err != nil {
		return false, errs.Wrap(errs.KindInternal, "store_decode", fmt.Sprintf("decoding %s", key), err)
	}
	return true, nil
}

// SetJSON stores a JSON document. A zero ttl means no expiry.
func (s *Store) SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return errs.Wrap(errs.KindInternal, "store_encode", fmt.Sprintf("encoding %s", key), err)
	}
	_, err = s.execute(func() (interface{}, error) {
		return nil, s.client.Set(ctx, key, data, ttl).Err()
	})
	return err
}

// UpdateJSON applies an optimistic compare-and-set on a JSON document. The
// update function receives the current raw document (nil when absent) and
// returns the replacement; returning (nil, nil) deletes the key. Concurrent
// writers are detected via WATCH and the attempt is retried up to casRetries
// times before ErrCASConflict.
func (s *Store) UpdateJSON(ctx context.Context, key string, ttl time.Duration, update func(current []byte) ([]byte, error)) error {
	txn := func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, key).Bytes()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if errors.Is(err, redis.Nil) {
			current = nil
		}

		next, err := update(current)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if next == nil {
				pipe.Del(ctx, key)
				return nil
			}
			pipe.Set(ctx, key, next, ttl)
			return nil
		})
		return err
	}

	_, err := s.execute(func() (interface{}, error) {
		for i := 0; i < casRetries; i++ {
			err := s.client.Watch(ctx, txn, key)
			if err == nil {
				return nil, nil
			}
			if errors.Is(err, redis.TxFailedErr) {
				continue
			}
			return nil, err
		}
		return nil, ErrCASConflict
	})
	return err
}

// Delete removes keys. Missing keys are not an error.
func (s *Store) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	_, err := s.execute(func() (interface{}, error) {
		return nil, s.client.Del(ctx, keys...).Err()
	})
	return err
}

// SetAdd adds members to a set.
func (s *Store) SetAdd(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	_, err := s.execute(func() (interface{}, error) {
		return nil, s.client.SAdd(ctx, key, args...).Err()
	})
	return err
}

// SetRem removes members from a set.
func (s *Store) SetRem(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	_, err := s.execute(func() (interface{}, error) {
		return nil, s.client.SRem(ctx, key, args...).Err()
	})
	return err
}

// SetMembers returns all members of a set.
func (s *Store) SetMembers(ctx context.Context, key string) ([]string, error) {
	res, err := s.execute(func() (interface{}, error) {
		return s.client.SMembers(ctx, key).Result()
	})
	if err != nil {
		return nil, err
	}
	return res.([]string), nil
}

// SetCard returns the cardinality of a set.
func (s *Store) SetCard(ctx context.Context, key string) (int64, error) {
	res, err := s.execute(func() (interface{}, error) {
		return s.client.SCard(ctx, key).Result()
	})
	if err != nil {
		return 0, err
	}
	return res.(int64), nil
}

// IncrWithTTL increments a counter, setting the TTL on first increment.
// Used for per-action rate counters under rate:{user}:{action}.
func (s *Store) IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	res, err := s.execute(func() (interface{}, error) {
		n, err := s.client.Incr(ctx, key).Result()
		if err != nil {
			return nil, err
		}
		if n == 1 {
			if err := s.client.Expire(ctx, key, ttl).Err(); err != nil {
				return nil, err
			}
		}
		return n, nil
	})
	if err != nil {
		return 0, err
	}
	return res.(int64), nil
}

// Expire sets a TTL on an existing key.
func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) error {
	_, err := s.execute(func() (interface{}, error) {
		return nil, s.client.Expire(ctx, key, ttl).Err()
	})
	return err
}

// ScanKeys returns keys matching a pattern. Only used by the sweepers, never
// on a request path.
func (s *Store) ScanKeys(ctx context.Context, pattern string) ([]string, error) {
	res, err := s.execute(func() (interface{}, error) {
		var keys []string
		iter := s.client.Scan(ctx, 0, pattern, 100).Iterator()
		for iter.Next(ctx) {
			keys = append(keys, iter.Val())
		}
		return keys, iter.Err()
	})
	if err != nil {
		return nil, err
	}
	return res.([]string), nil
}

// Ping verifies connectivity, used by the readiness probe.
func (s *Store) Ping(ctx context.Context) error {
	_, err := s.execute(func() (interface{}, error) {
		return nil, s.client.Ping(ctx).Err()
	})
	return err
}

// Close shuts down the connection pool.
func (s *Store) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}
