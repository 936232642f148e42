package breaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rbaliyan/mailbridge/bus"
	"github.com/rbaliyan/mailbridge/bus/memory"
	"github.com/sony/gobreaker"
)

// flakyBus fails every publish while down is set.
type flakyBus struct {
	*memory.Bus
	down  bool
	calls int
}

func (f *flakyBus) Publish(ctx context.Context, topic string, payload []byte, headers map[string]string) (bus.Offset, error) {
	f.calls++
	if f.down {
		return "", bus.ErrUnavailable
	}
	return f.Bus.Publish(ctx, topic, payload, headers)
}

func TestBreakerTrips(t *testing.T) {
	ctx := context.Background()
	inner := &flakyBus{Bus: memory.New(), down: true}
	b := New(inner, WithConsecutiveFailures(2), WithOpenTimeout(time.Hour))

	for i := 0; i < 2; i++ {
		if _, err := b.Publish(ctx, "t", []byte("x"), nil); !errors.Is(err, bus.ErrUnavailable) {
			t.Fatalf("attempt %d: expected ErrUnavailable, got %v", i, err)
		}
	}
	if b.State() != gobreaker.StateOpen {
		t.Fatalf("state = %v, want open", b.State())
	}

	callsBefore := inner.calls
	_, err := b.Publish(ctx, "t", []byte("x"), nil)
	if !errors.Is(err, bus.ErrUnavailable) || !errors.Is(err, gobreaker.ErrOpenState) {
		t.Errorf("expected open-state ErrUnavailable, got %v", err)
	}
	if inner.calls != callsBefore {
		t.Error("open breaker should not call the wrapped bus")
	}
}

func TestEndOfTopicIsNotFailure(t *testing.T) {
	ctx := context.Background()
	b := New(memory.New(), WithConsecutiveFailures(1))

	feed, err := b.Subscribe(ctx, "empty", bus.Earliest)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := feed.Next(ctx); !errors.Is(err, bus.ErrEndOfTopic) {
			t.Fatalf("expected ErrEndOfTopic, got %v", err)
		}
	}
	if b.State() != gobreaker.StateClosed {
		t.Errorf("state = %v, want closed", b.State())
	}
}

func TestPassThrough(t *testing.T) {
	ctx := context.Background()
	inner := memory.New()
	b := New(inner)

	off, err := b.Publish(ctx, "t", []byte("hello"), map[string]string{"content_type": "text/plain"})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	feed, err := b.Subscribe(ctx, "t", bus.Earliest)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer feed.Close()
	msg, err := feed.Next(ctx)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if msg.Offset != off || string(msg.Payload) != "hello" {
		t.Errorf("got %+v", msg)
	}
}
