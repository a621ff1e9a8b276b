// Package retry is the single retry utility used by balance queries, sweeps
// and RPC calls, parameterized by max attempts, base delay and backoff shape.
package retry

import (
	"context"
	"time"
)

type Shape int

const (
	Linear Shape = iota
	Exponential
)

type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Shape       Shape
}

// Delay returns the sleep before retry number attempt (1-based: the delay
// after the attempt-th failure).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	switch p.Shape {
	case Exponential:
		d := p.BaseDelay
		for i := 1; i < attempt; i++ {
			d *= 2
		}
		return d
	default:
		return time.Duration(attempt) * p.BaseDelay
	}
}

// Do runs fn up to MaxAttempts times, sleeping between failures. It returns
// nil on the first success, the last error once attempts are exhausted, or
// ctx.Err() if the context is cancelled while waiting.
func (p Policy) Do(ctx context.Context, fn func() error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for i := 1; i <= attempts; i++ {
		if err := fn(); err == nil {
			return nil
		} else {
			lastErr = err
		}

		if i == attempts {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.Delay(i)):
		}
	}
	return lastErr
}
