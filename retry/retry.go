// Package retry provides bounded retry with exponential backoff and
// recoverability classification for orchestration failures.
package retry

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// JitterStrategy defines the jitter strategy for retry delays
type JitterStrategy string

const (
	JitterNone JitterStrategy = "NONE"
	JitterFull JitterStrategy = "FULL"
)

// Policy configures bounded retry with exponential backoff.
type Policy struct {
	MaxRetries  int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	BackoffRate float64
	Jitter      JitterStrategy
}

// DefaultPolicy returns the retry policy used when none is configured:
// three attempts starting at one second, doubling, capped at 30 seconds,
// with full jitter.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:  3,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
		BackoffRate: 2.0,
		Jitter:      JitterFull,
	}
}

// Delay returns the backoff delay before the given attempt (0-based).
func (p Policy) Delay(attempt int) time.Duration {
	base := p.BaseDelay
	if base <= 0 {
		base = time.Second
	}
	rate := p.BackoffRate
	if rate <= 1 {
		rate = 2.0
	}
	d := time.Duration(float64(base) * math.Pow(rate, float64(attempt)))
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	if p.Jitter == JitterFull && d > 0 {
		d = time.Duration(rand.Int63n(int64(d)))
	}
	return d
}

// Do runs fn up to MaxRetries+1 times, sleeping the policy delay between
// attempts. Unrecoverable errors and context cancellation stop the loop
// immediately. Returns the last error.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	max := p.MaxRetries
	if max < 0 {
		max = 0
	}
	var err error
	for attempt := 0; attempt <= max; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(p.Delay(attempt - 1)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err = fn(ctx); err == nil {
			return nil
		}
		if !IsRecoverable(err) {
			return err
		}
	}
	return err
}
