// Package backoff implements the retry policies used for coordination-store,
// bus and collaborator calls.
package backoff

import (
	"context"
	"math/rand"
	"time"

	"github.com/concord-im/concord/internal/v1/errs"
)

// Policy describes an exponential backoff schedule.
type Policy struct {
	Base        time.Duration
	Factor      float64
	Cap         time.Duration
	MaxAttempts int
	FullJitter  bool
}

// Store is the default policy for coordination-store and bus calls.
var Store = Policy{Base: 200 * time.Millisecond, Factor: 1.5, Cap: 10 * time.Second, MaxAttempts: 5}

// Collaborator is the default policy for collaborator HTTP calls.
var Collaborator = Policy{Base: 500 * time.Millisecond, Factor: 2, Cap: 30 * time.Second, MaxAttempts: 4}

// SFU is the policy for SFU control-plane calls.
var SFU = Policy{Base: time.Second, Factor: 2, Cap: 10 * time.Second, MaxAttempts: 3}

// SFUDelete is the fixed-delay policy for idempotent SFU room deletion.
var SFUDelete = Policy{Base: time.Second, Factor: 1, Cap: time.Second, MaxAttempts: 2}

// Reconnect is the subscriber reconnect policy: 100ms base, 30s cap, full jitter.
// MaxAttempts of 0 means retry forever.
var Reconnect = Policy{Base: 100 * time.Millisecond, Factor: 2, Cap: 30 * time.Second, FullJitter: true}

// Delay returns the wait before the given attempt (0-based).
func (p Policy) Delay(attempt int) time.Duration {
	d := float64(p.Base)
	for i := 0; i < attempt; i++ {
		d *= p.Factor
		if time.Duration(d) >= p.Cap {
			d = float64(p.Cap)
			break
		}
	}
	if time.Duration(d) > p.Cap {
		d = float64(p.Cap)
	}
	if p.FullJitter {
		d = rand.Float64() * d
	}
	return time.Duration(d)
}

// Retry runs fn until it succeeds, returns a non-retryable error, the policy is
// exhausted, or ctx is cancelled. Only transient and upstream kinds are retried.
func Retry(ctx context.Context, p Policy, fn func() error) error {
	var err error
	for attempt := 0; p.MaxAttempts == 0 || attempt < p.MaxAttempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if !errs.Retryable(err) {
			return err
		}
		if p.MaxAttempts != 0 && attempt == p.MaxAttempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.Delay(attempt)):
		}
	}
	return err
}
