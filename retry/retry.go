// Package retry retries transient broker and mailbox failures with
// exponential backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"
)

const (
	defaultMaxRetries     = 3
	defaultInitialBackoff = 100 * time.Millisecond
	defaultMaxBackoff     = 5 * time.Second
	defaultMultiplier     = 2.0
)

var (
	// ErrNotRetryable is reported when a call failed with an error the
	// classifier rejected.
	ErrNotRetryable = errors.New("retry: error is not retryable")

	// ErrMaxRetries is reported when every attempt failed.
	ErrMaxRetries = errors.New("retry: max retries exceeded")

	// ErrContextCanceled is reported when ctx ended between attempts.
	ErrContextCanceled = errors.New("retry: context canceled")
)

// Config controls how often and how patiently a call is retried.
// Zero fields take the defaults of DefaultConfig.
type Config struct {
	// MaxRetries is the number of retries after the first attempt.
	// Zero runs the call once and returns its error untouched.
	MaxRetries int

	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64

	// Jitter spreads each delay by up to +/- Jitter of its value, 0..1.
	Jitter float64

	// IsRetryable classifies errors. Nil means DefaultIsRetryable.
	IsRetryable func(error) bool

	// OnRetry runs before each sleep with the 1-based retry number.
	OnRetry func(attempt int, err error, backoff time.Duration)
}

// DefaultConfig returns a few quick retries that fit inside an HTTP
// request deadline.
func DefaultConfig() Config {
	return Config{
		MaxRetries:     defaultMaxRetries,
		InitialBackoff: defaultInitialBackoff,
		MaxBackoff:     defaultMaxBackoff,
		Multiplier:     defaultMultiplier,
		Jitter:         0.1,
		IsRetryable:    DefaultIsRetryable,
	}
}

// NoRetry runs the call exactly once.
func NoRetry() Config {
	cfg := DefaultConfig()
	cfg.MaxRetries = 0
	return cfg
}

// Func is a retryable call.
type Func func(ctx context.Context) error

// Do runs fn until it succeeds, fails permanently, runs out of retries or
// ctx ends.
func Do(ctx context.Context, cfg Config, fn Func) error {
	_, err := DoWithResult(ctx, cfg, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// DoWithResult is Do for calls that produce a value.
func DoWithResult[T any](ctx context.Context, cfg Config, fn func(ctx context.Context) (T, error)) (T, error) {
	cfg = cfg.normalized()
	var zero T

	if err := ctx.Err(); err != nil {
		return zero, err
	}

	for attempt := 1; ; attempt++ {
		v, err := fn(ctx)
		switch {
		case err == nil:
			return v, nil
		case cfg.MaxRetries == 0:
			return zero, err
		case !cfg.IsRetryable(err):
			return zero, &RetryError{Cause: err, Attempts: attempt, Err: ErrNotRetryable}
		case attempt > cfg.MaxRetries:
			return zero, &RetryError{Cause: err, Attempts: attempt, Err: ErrMaxRetries}
		}

		delay := cfg.delay(attempt)
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, err, delay)
		}
		if !sleep(ctx, delay) {
			return zero, &RetryError{Cause: err, Attempts: attempt, Err: ErrContextCanceled}
		}
	}
}

// sleep waits for d and reports false if ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// delay is the backoff before retry n (1-based).
func (c Config) delay(n int) time.Duration {
	d := float64(c.InitialBackoff)
	for i := 1; i < n && d < float64(c.MaxBackoff); i++ {
		d *= c.Multiplier
	}
	d = min(d, float64(c.MaxBackoff))
	if c.Jitter > 0 {
		d += d * c.Jitter * (2*rand.Float64() - 1)
	}
	return time.Duration(d)
}

func (c Config) normalized() Config {
	c.MaxRetries = max(c.MaxRetries, 0)
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = defaultInitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = defaultMaxBackoff
	}
	if c.Multiplier <= 0 {
		c.Multiplier = defaultMultiplier
	}
	c.Jitter = min(max(c.Jitter, 0), 1)
	if c.IsRetryable == nil {
		c.IsRetryable = DefaultIsRetryable
	}
	return c
}

// RetryError describes a call that did not succeed.
type RetryError struct {
	// Cause is the error of the last attempt.
	Cause error

	// Attempts counts every call made, including the first.
	Attempts int

	// Err is ErrMaxRetries, ErrNotRetryable or ErrContextCanceled.
	Err error
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("%s after %d attempts: %v", e.Err, e.Attempts, e.Cause)
}

func (e *RetryError) Unwrap() error { return e.Cause }

// Is matches both the reason sentinel and anything in the cause chain.
func (e *RetryError) Is(target error) bool {
	return errors.Is(e.Err, target) || errors.Is(e.Cause, target)
}

// DefaultIsRetryable treats unknown errors as transient. Context errors and
// errors marked with MarkNotRetryable are not retried; any error exposing
// Retryable() bool decides for itself.
func DefaultIsRetryable(err error) bool {
	if err == nil || errors.Is(err, ErrNotRetryable) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var r interface{ Retryable() bool }
	if errors.As(err, &r) {
		return r.Retryable()
	}
	return true
}

// MarkNotRetryable tags err so DefaultIsRetryable rejects it.
func MarkNotRetryable(err error) error {
	if err == nil {
		return nil
	}
	return marked{err: err, retryable: false}
}

// MarkRetryable tags err as transient.
func MarkRetryable(err error) error {
	if err == nil {
		return nil
	}
	return marked{err: err, retryable: true}
}

type marked struct {
	err       error
	retryable bool
}

func (m marked) Error() string   { return m.err.Error() }
func (m marked) Unwrap() error   { return m.err }
func (m marked) Retryable() bool { return m.retryable }
