// Package bus defines the topic-based message bus used as a replay log.
//
// A topic is an append-only sequence of messages. Publishers append; each
// subscription reads the sequence in append order starting after a given
// offset. Feeds never block waiting for new messages: once the retained
// entries are exhausted, Next returns ErrEndOfTopic.
package bus

import (
	"context"
	"errors"
)

// Offset is a backend-specific position of a message within its topic.
// Offsets compare only by identity; callers must not interpret them.
type Offset string

// Earliest subscribes from the first retained message.
const Earliest Offset = ""

// Sentinel errors.
var (
	// ErrEndOfTopic is returned by Feed.Next when no further messages are retained.
	ErrEndOfTopic = errors.New("bus: end of topic")

	// ErrClosed is returned when the bus or feed has been closed.
	ErrClosed = errors.New("bus: closed")

	// ErrInvalidTopic is returned for empty topic names.
	ErrInvalidTopic = errors.New("bus: invalid topic")

	// ErrUnavailable is returned when the broker cannot be reached or is
	// being shed by a circuit breaker.
	ErrUnavailable = errors.New("bus: unavailable")
)

// Message is one entry read from a topic.
type Message struct {
	Topic   string
	Offset  Offset
	Headers map[string]string
	Payload []byte
}

// Publisher appends messages to topics.
type Publisher interface {
	// Publish appends payload and headers to topic as one indivisible entry
	// and returns its offset.
	Publish(ctx context.Context, topic string, payload []byte, headers map[string]string) (Offset, error)
}

// Subscriber opens sequential feeds over topics.
type Subscriber interface {
	// Subscribe returns a feed over topic positioned after from.
	// Use Earliest to read from the first retained message.
	Subscribe(ctx context.Context, topic string, from Offset) (Feed, error)
}

// Feed reads a topic sequentially.
type Feed interface {
	// Next returns the next message, or ErrEndOfTopic when drained.
	Next(ctx context.Context) (Message, error)
	// Close releases the feed.
	Close() error
}

// Bus combines publishing and subscribing.
type Bus interface {
	Publisher
	Subscriber
}

// ValidateTopic returns ErrInvalidTopic for an empty topic.
func ValidateTopic(topic string) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	return nil
}

// IsEndOfTopic reports whether err marks a drained feed.
func IsEndOfTopic(err error) bool {
	return errors.Is(err, ErrEndOfTopic)
}
