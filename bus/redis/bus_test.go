package redis

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/rbaliyan/mailbridge/bus"
	"github.com/redis/go-redis/v9"
)

func setupTestBus(t *testing.T, opts ...Option) (*Bus, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	b, err := New(client, opts...)
	if err != nil {
		t.Fatalf("new bus: %v", err)
	}
	return b, mr
}

func drain(t *testing.T, f bus.Feed) []bus.Message {
	t.Helper()
	ctx := context.Background()
	var out []bus.Message
	for {
		msg, err := f.Next(ctx)
		if errors.Is(err, bus.ErrEndOfTopic) {
			return out
		}
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		out = append(out, msg)
	}
}

func TestPublishAndReplay(t *testing.T) {
	ctx := context.Background()
	b, mr := setupTestBus(t, WithBatchSize(3))

	var offsets []bus.Offset
	for i := 0; i < 7; i++ {
		off, err := b.Publish(ctx, "email_alice_example_com", []byte(fmt.Sprintf(`{"uniqueId":%d}`, i)),
			map[string]string{"content_type": "application/json"})
		if err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
		offsets = append(offsets, off)
	}

	if !mr.Exists("mailbridge:email_alice_example_com") {
		t.Fatal("expected prefixed stream key")
	}

	t.Run("earliest reads everything across batches", func(t *testing.T) {
		feed, err := b.Subscribe(ctx, "email_alice_example_com", bus.Earliest)
		if err != nil {
			t.Fatalf("subscribe: %v", err)
		}
		msgs := drain(t, feed)
		if len(msgs) != 7 {
			t.Fatalf("got %d messages, want 7", len(msgs))
		}
		for i, m := range msgs {
			if want := fmt.Sprintf(`{"uniqueId":%d}`, i); string(m.Payload) != want {
				t.Errorf("msg %d payload = %q, want %q", i, m.Payload, want)
			}
			if m.Offset != offsets[i] {
				t.Errorf("msg %d offset = %q, want %q", i, m.Offset, offsets[i])
			}
			if m.Headers["content_type"] != "application/json" {
				t.Errorf("msg %d headers = %v", i, m.Headers)
			}
		}
	})

	t.Run("resumes strictly after offset", func(t *testing.T) {
		feed, err := b.Subscribe(ctx, "email_alice_example_com", offsets[4])
		if err != nil {
			t.Fatalf("subscribe: %v", err)
		}
		msgs := drain(t, feed)
		if len(msgs) != 2 {
			t.Fatalf("got %d messages, want 2", len(msgs))
		}
		if msgs[0].Offset != offsets[5] {
			t.Errorf("first offset = %q, want %q", msgs[0].Offset, offsets[5])
		}
	})

	t.Run("missing stream is empty", func(t *testing.T) {
		feed, err := b.Subscribe(ctx, "nobody", bus.Earliest)
		if err != nil {
			t.Fatalf("subscribe: %v", err)
		}
		if msgs := drain(t, feed); len(msgs) != 0 {
			t.Errorf("got %d messages, want 0", len(msgs))
		}
	})
}

func TestUnavailable(t *testing.T) {
	ctx := context.Background()
	b, mr := setupTestBus(t)
	mr.Close()

	if _, err := b.Publish(ctx, "t", []byte("x"), nil); !errors.Is(err, bus.ErrUnavailable) {
		t.Errorf("expected ErrUnavailable, got %v", err)
	}
	if err := b.Ping(ctx); !errors.Is(err, bus.ErrUnavailable) {
		t.Errorf("expected ErrUnavailable from ping, got %v", err)
	}
}

func TestNextID(t *testing.T) {
	tests := []struct {
		in, want string
		wantErr  bool
	}{
		{"1700000000000-0", "1700000000000-1", false},
		{"5-41", "5-42", false},
		{"5-18446744073709551615", "6-0", false},
		{"bogus", "", true},
		{"x-1", "", true},
	}
	for _, tt := range tests {
		got, err := nextID(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("nextID(%q) err = %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("nextID(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNewRequiresClient(t *testing.T) {
	if _, err := New(nil); err == nil {
		t.Error("expected error for nil client")
	}
}
