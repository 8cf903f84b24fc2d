package provider

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// BackoffType selects the delay curve between storage retries.
type BackoffType string

const (
	BackoffExp       BackoffType = "exp"
	BackoffExpJitter BackoffType = "exp-jitter"
	BackoffFixed     BackoffType = "fixed"
	BackoffNone      BackoffType = "none"
)

// Backoff is the retry policy providers apply to transient storage errors
// before surfacing CodeProvider to the engine.
type Backoff struct {
	Type        BackoffType
	Base        time.Duration
	Cap         time.Duration
	Factor      float64
	MaxAttempts uint32
}

// DefaultBackoff returns the policy used when a provider is constructed
// without one.
func DefaultBackoff() Backoff {
	return Backoff{Type: BackoffExpJitter, Base: 50 * time.Millisecond, Cap: 2 * time.Second, Factor: 2.0, MaxAttempts: 4}
}

// Delay computes the wait before the given 1-based attempt.
func (b Backoff) Delay(attempt uint32) time.Duration {
	switch b.Type {
	case BackoffNone:
		return 0
	case BackoffFixed:
		if b.Base <= 0 {
			return 0
		}
		if b.Cap > 0 && b.Base > b.Cap {
			return b.Cap
		}
		return b.Base
	case BackoffExp, BackoffExpJitter:
		base := b.Base
		if base <= 0 {
			base = 50 * time.Millisecond
		}
		factor := b.Factor
		if factor <= 0 {
			factor = 2.0
		}
		d := time.Duration(float64(base) * math.Pow(factor, float64(attempt-1)))
		if b.Cap > 0 && d > b.Cap {
			d = b.Cap
		}
		if b.Type == BackoffExpJitter {
			if d <= 0 {
				return 0
			}
			return time.Duration(rand.Int63n(int64(d)))
		}
		return d
	default:
		return 0
	}
}

// Retry runs op until it succeeds, the policy is exhausted, or ctx is done.
// The last error is returned on exhaustion.
func (b Backoff) Retry(ctx context.Context, op func() error) error {
	attempts := b.MaxAttempts
	if attempts == 0 {
		attempts = 1
	}
	var err error
	for attempt := uint32(1); attempt <= attempts; attempt++ {
		if err = op(); err == nil {
			return nil
		}
		if attempt == attempts {
			break
		}
		delay := b.Delay(attempt)
		if delay <= 0 {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			continue
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}
