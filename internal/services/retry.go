package services

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/prudhvinik1/medsync/internal/models"
	"github.com/prudhvinik1/medsync/internal/repositories"
)

type RetryPolicy struct {
	MaxAttempts       int
	InitialDelay      time.Duration
	BackoffMultiplier float64
}

var (
	// DeliveryPolicy is used for remote writes from the outbox and the sync queues.
	DeliveryPolicy = RetryPolicy{MaxAttempts: 3, InitialDelay: time.Second, BackoffMultiplier: 2}
	// PersistPolicy is used for local storage writes.
	PersistPolicy = RetryPolicy{MaxAttempts: 2, InitialDelay: 500 * time.Millisecond, BackoffMultiplier: 1}
)

func (p RetryPolicy) attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

func (p RetryPolicy) multiplier() float64 {
	if p.BackoffMultiplier < 1 {
		return 1
	}
	return p.BackoffMultiplier
}

// Delay returns the wait after the n-th failed attempt (1-based):
// InitialDelay * BackoffMultiplier^(n-1).
func (p RetryPolicy) Delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	return time.Duration(float64(p.InitialDelay) * math.Pow(p.multiplier(), float64(n-1)))
}

func (p RetryPolicy) backOff() backoff.BackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     p.InitialDelay,
		RandomizationFactor: 0,
		Multiplier:          p.multiplier(),
		MaxInterval:         p.Delay(p.attempts()),
	}
	b.Reset()
	return b
}

// RetryContext names the operation for diagnostics.
type RetryContext struct {
	Operation string
	Key       string
}

// RetryError is returned once every attempt has failed. It unwraps to the last error.
type RetryError struct {
	RetryContext
	Attempts int
	Err      error
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("%s [%s] failed after %d attempt(s): %v", e.Operation, e.Key, e.Attempts, e.Err)
}

func (e *RetryError) Unwrap() error {
	return e.Err
}

// Attempt runs op until it succeeds, returns a non-retryable error, or the
// policy runs out of attempts.
func Attempt[T any](ctx context.Context, policy RetryPolicy, rc RetryContext, op func(ctx context.Context) (T, error)) (T, error) {
	var (
		attempts int
		lastErr  error
	)

	result, err := backoff.Retry(ctx, func() (T, error) {
		attempts++
		v, err := op(ctx)
		if err != nil {
			lastErr = err
			if !IsRetryable(err) {
				return v, backoff.Permanent(err)
			}
		}
		return v, err
	},
		backoff.WithBackOff(policy.backOff()),
		backoff.WithMaxTries(uint(policy.attempts())),
	)
	if err == nil {
		return result, nil
	}

	cause := lastErr
	if cause == nil {
		cause = err
	} else if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(cause, ctxErr) {
		cause = errors.Join(cause, ctxErr)
	}

	var zero T
	return zero, &RetryError{RetryContext: rc, Attempts: attempts, Err: cause}
}

// Do is Attempt for operations without a result.
func Do(ctx context.Context, policy RetryPolicy, rc RetryContext, op func(ctx context.Context) error) error {
	_, err := Attempt(ctx, policy, rc, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// IsRetryable reports whether another attempt in the same pass may succeed.
// Unavailable backends are left for the next pass rather than hammered.
func IsRetryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	case errors.Is(err, repositories.ErrUnavailable):
		return false
	}
	return !IsPermanent(err)
}

// IsPermanent reports whether retrying can never succeed, so the work should
// be abandoned instead of kept queued.
func IsPermanent(err error) bool {
	return errors.Is(err, repositories.ErrNotFound) ||
		errors.Is(err, repositories.ErrPermissionDenied) ||
		errors.Is(err, models.ErrInvalidEvent) ||
		errors.Is(err, models.ErrInvalidOperation)
}
