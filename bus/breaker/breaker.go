// Package breaker wraps a bus.Bus with a circuit breaker so that a dead broker
// fails requests fast instead of stalling each one until its timeout.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/rbaliyan/mailbridge/bus"
	"github.com/sony/gobreaker"
)

// Compile-time check
var _ bus.Bus = (*Bus)(nil)

// Bus decorates another bus.Bus. Publish, Subscribe and every Feed.Next go
// through one shared breaker.
type Bus struct {
	next   bus.Bus
	cb     *gobreaker.CircuitBreaker
	logger *slog.Logger
}

// New wraps next with a circuit breaker.
func New(next bus.Bus, opts ...Option) *Bus {
	o := newOptions(opts...)
	b := &Bus{next: next, logger: o.logger}
	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        o.name,
		MaxRequests: o.maxRequests,
		Interval:    o.interval,
		Timeout:     o.timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= o.consecutiveFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			b.logger.Warn("bus circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
		IsSuccessful: isSuccessful,
	})
	return b
}

// State returns the current breaker state.
func (b *Bus) State() gobreaker.State {
	return b.cb.State()
}

// Publish forwards to the wrapped bus through the breaker.
func (b *Bus) Publish(ctx context.Context, topic string, payload []byte, headers map[string]string) (bus.Offset, error) {
	res, err := b.cb.Execute(func() (interface{}, error) {
		return b.next.Publish(ctx, topic, payload, headers)
	})
	if err != nil {
		return "", mapError(err)
	}
	return res.(bus.Offset), nil
}

// Subscribe forwards to the wrapped bus through the breaker.
func (b *Bus) Subscribe(ctx context.Context, topic string, from bus.Offset) (bus.Feed, error) {
	res, err := b.cb.Execute(func() (interface{}, error) {
		return b.next.Subscribe(ctx, topic, from)
	})
	if err != nil {
		return nil, mapError(err)
	}
	return &feed{next: res.(bus.Feed), cb: b.cb}, nil
}

type feed struct {
	next bus.Feed
	cb   *gobreaker.CircuitBreaker
}

func (f *feed) Next(ctx context.Context) (bus.Message, error) {
	var msg bus.Message
	_, err := f.cb.Execute(func() (interface{}, error) {
		var nextErr error
		msg, nextErr = f.next.Next(ctx)
		return nil, nextErr
	})
	if err != nil {
		return bus.Message{}, mapError(err)
	}
	return msg, nil
}

func (f *feed) Close() error {
	return f.next.Close()
}

// isSuccessful keeps caller-side conditions from counting as broker failures.
func isSuccessful(err error) bool {
	return err == nil ||
		errors.Is(err, bus.ErrEndOfTopic) ||
		errors.Is(err, bus.ErrInvalidTopic) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

func mapError(err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %w", bus.ErrUnavailable, err)
	}
	return err
}
