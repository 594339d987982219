// Package retry runs transient I/O with bounded exponential backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
)

const (
	DefaultMaxAttempts     = 5
	DefaultInitialInterval = 500 * time.Millisecond
	DefaultMaxInterval     = 30 * time.Second
)

// Policy bounds a retry loop.
type Policy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
}

// DefaultPolicy returns the policy used when none is configured.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:     DefaultMaxAttempts,
		InitialInterval: DefaultInitialInterval,
		MaxInterval:     DefaultMaxInterval,
		Multiplier:      2,
	}
}

func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.InitialInterval <= 0 {
		p.InitialInterval = d.InitialInterval
	}
	if p.MaxInterval <= 0 {
		p.MaxInterval = d.MaxInterval
	}
	if p.Multiplier < 1 {
		p.Multiplier = d.Multiplier
	}
	return p
}

// ExhaustedError is returned once every attempt has failed.
type ExhaustedError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s failed after %d attempts: %v", e.Op, e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// Permanent marks an error as not worth retrying.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Do runs fn until it succeeds, returns a permanent error, the context ends,
// or MaxAttempts is reached.
func Do(ctx context.Context, p Policy, op string, logger zerolog.Logger, fn func(ctx context.Context) error) error {
	p = p.withDefaults()

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.InitialInterval
	eb.MaxInterval = p.MaxInterval
	eb.Multiplier = p.Multiplier
	eb.MaxElapsedTime = 0

	b := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(p.MaxAttempts-1)), ctx)

	attempts := 0
	permanent := false
	var lastErr error
	err := backoff.RetryNotify(func() error {
		attempts++
		lastErr = fn(ctx)
		var perm *backoff.PermanentError
		if errors.As(lastErr, &perm) {
			permanent = true
		}
		return lastErr
	}, b, func(err error, wait time.Duration) {
		logger.Warn().
			Err(err).
			Str("op", op).
			Int("attempt", attempts).
			Int("max_attempts", p.MaxAttempts).
			Dur("wait", wait).
			Msg("Retrying after transient failure")
	})
	if err == nil {
		return nil
	}

	if permanent {
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			return perm.Err
		}
		return err
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if lastErr == nil {
		lastErr = err
	}
	return &ExhaustedError{Op: op, Attempts: attempts, Err: lastErr}
}
