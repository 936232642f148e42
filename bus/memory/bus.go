// Package memory provides an in-process implementation of bus.Bus.
// It is intended for tests and single-process deployments; nothing is
// persisted.
package memory

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/rbaliyan/mailbridge/bus"
)

// Compile-time check
var _ bus.Bus = (*Bus)(nil)

// Bus is an in-memory append-only log per topic.
// Offsets are the 1-based decimal sequence number of the message.
type Bus struct {
	mu     sync.RWMutex
	topics map[string][]bus.Message
	closed bool
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{topics: make(map[string][]bus.Message)}
}

// Publish appends a copy of payload to topic.
func (b *Bus) Publish(ctx context.Context, topic string, payload []byte, headers map[string]string) (bus.Offset, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := bus.ValidateTopic(topic); err != nil {
		return "", err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return "", bus.ErrClosed
	}

	log := b.topics[topic]
	offset := bus.Offset(strconv.Itoa(len(log) + 1))
	b.topics[topic] = append(log, bus.Message{
		Topic:   topic,
		Offset:  offset,
		Headers: copyHeaders(headers),
		Payload: append([]byte(nil), payload...),
	})
	return offset, nil
}

// Subscribe returns a feed positioned after from.
func (b *Bus) Subscribe(ctx context.Context, topic string, from bus.Offset) (bus.Feed, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := bus.ValidateTopic(topic); err != nil {
		return nil, err
	}

	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return nil, bus.ErrClosed
	}

	pos := 0
	if from != bus.Earliest {
		n, err := strconv.Atoi(string(from))
		if err != nil || n < 0 {
			return nil, fmt.Errorf("memory bus: invalid offset %q", from)
		}
		pos = n
	}
	return &feed{bus: b, topic: topic, pos: pos}, nil
}

// Len returns the number of messages retained for topic.
func (b *Bus) Len(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[topic])
}

// Close rejects further publishes and subscriptions.
func (b *Bus) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	return nil
}

type feed struct {
	bus    *Bus
	topic  string
	pos    int
	closed bool
}

func (f *feed) Next(ctx context.Context) (bus.Message, error) {
	if err := ctx.Err(); err != nil {
		return bus.Message{}, err
	}
	if f.closed {
		return bus.Message{}, bus.ErrClosed
	}

	f.bus.mu.RLock()
	defer f.bus.mu.RUnlock()
	log := f.bus.topics[f.topic]
	if f.pos >= len(log) {
		return bus.Message{}, bus.ErrEndOfTopic
	}
	msg := log[f.pos]
	f.pos++
	return bus.Message{
		Topic:   msg.Topic,
		Offset:  msg.Offset,
		Headers: copyHeaders(msg.Headers),
		Payload: append([]byte(nil), msg.Payload...),
	}, nil
}

func (f *feed) Close() error {
	f.closed = true
	return nil
}

func copyHeaders(h map[string]string) map[string]string {
	if h == nil {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}
