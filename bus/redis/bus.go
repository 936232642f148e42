// Package redis provides a Redis Streams implementation of bus.Bus.
//
// Each topic maps to one stream key. Publish is a single XADD, so an entry
// is appended atomically; feeds page through the stream with XRANGE.
//
// Entry layout:
//
//	payload         the encoded record
//	h:<name>        one field per header (e.g. h:content_type)
package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/rbaliyan/mailbridge/bus"
	"github.com/redis/go-redis/v9"
)

const (
	fieldPayload = "payload"
	headerPrefix = "h:"
)

// Compile-time check
var _ bus.Bus = (*Bus)(nil)

// Bus implements bus.Bus on Redis Streams.
type Bus struct {
	client redis.UniversalClient
	opts   *options
	logger *slog.Logger
}

// New creates a Redis Streams bus. The caller owns the client.
func New(client redis.UniversalClient, opts ...Option) (*Bus, error) {
	if client == nil {
		return nil, errors.New("redis bus: client is required")
	}
	o := newOptions(opts...)
	return &Bus{client: client, opts: o, logger: o.logger}, nil
}

// Ping checks broker reachability.
func (b *Bus) Ping(ctx context.Context) error {
	if err := b.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %w", bus.ErrUnavailable, err)
	}
	return nil
}

// Publish appends one entry with XADD.
func (b *Bus) Publish(ctx context.Context, topic string, payload []byte, headers map[string]string) (bus.Offset, error) {
	if err := bus.ValidateTopic(topic); err != nil {
		return "", err
	}

	values := make(map[string]any, len(headers)+1)
	values[fieldPayload] = string(payload)
	for k, v := range headers {
		values[headerPrefix+k] = v
	}

	args := &redis.XAddArgs{
		Stream: b.key(topic),
		Values: values,
	}
	if b.opts.maxLen > 0 {
		args.MaxLen = b.opts.maxLen
		args.Approx = true
	}

	id, err := b.client.XAdd(ctx, args).Result()
	if err != nil {
		return "", b.wrap(ctx, "xadd", err)
	}
	b.logger.Debug("published bus entry", "topic", topic, "offset", id, "bytes", len(payload))
	return bus.Offset(id), nil
}

// Subscribe returns a feed positioned after from.
func (b *Bus) Subscribe(ctx context.Context, topic string, from bus.Offset) (bus.Feed, error) {
	if err := bus.ValidateTopic(topic); err != nil {
		return nil, err
	}
	start := "-"
	if from != bus.Earliest {
		next, err := nextID(string(from))
		if err != nil {
			return nil, err
		}
		start = next
	}
	return &feed{bus: b, topic: topic, key: b.key(topic), start: start}, nil
}

func (b *Bus) key(topic string) string {
	return b.opts.prefix + topic
}

// wrap maps transport failures to bus.ErrUnavailable, leaving context errors intact.
func (b *Bus) wrap(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return fmt.Errorf("redis bus %s: %w: %w", op, bus.ErrUnavailable, err)
}

// feed pages through a stream in batches of opts.batchSize.
type feed struct {
	bus    *Bus
	topic  string
	key    string
	start  string
	buf    []redis.XMessage
	closed bool
}

func (f *feed) Next(ctx context.Context) (bus.Message, error) {
	if f.closed {
		return bus.Message{}, bus.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return bus.Message{}, err
	}

	if len(f.buf) == 0 {
		msgs, err := f.bus.client.XRangeN(ctx, f.key, f.start, "+", f.bus.opts.batchSize).Result()
		if err != nil {
			return bus.Message{}, f.bus.wrap(ctx, "xrange", err)
		}
		if len(msgs) == 0 {
			return bus.Message{}, bus.ErrEndOfTopic
		}
		next, err := nextID(msgs[len(msgs)-1].ID)
		if err != nil {
			return bus.Message{}, err
		}
		f.buf = msgs
		f.start = next
	}

	x := f.buf[0]
	f.buf = f.buf[1:]
	return toMessage(f.topic, x), nil
}

func (f *feed) Close() error {
	f.closed = true
	f.buf = nil
	return nil
}

func toMessage(topic string, x redis.XMessage) bus.Message {
	msg := bus.Message{
		Topic:  topic,
		Offset: bus.Offset(x.ID),
	}
	for k, v := range x.Values {
		s := fmt.Sprint(v)
		switch {
		case k == fieldPayload:
			msg.Payload = []byte(s)
		case strings.HasPrefix(k, headerPrefix):
			if msg.Headers == nil {
				msg.Headers = make(map[string]string)
			}
			msg.Headers[strings.TrimPrefix(k, headerPrefix)] = s
		}
	}
	return msg
}

// nextID returns the smallest stream ID strictly greater than id.
// Stream IDs are "<ms>-<seq>"; incrementing seq keeps XRANGE inclusive
// bounds working on servers without exclusive range support.
func nextID(id string) (string, error) {
	ms, seq, ok := strings.Cut(id, "-")
	if !ok {
		return "", fmt.Errorf("redis bus: invalid stream id %q", id)
	}
	msN, err := strconv.ParseUint(ms, 10, 64)
	if err != nil {
		return "", fmt.Errorf("redis bus: invalid stream id %q", id)
	}
	seqN, err := strconv.ParseUint(seq, 10, 64)
	if err != nil {
		return "", fmt.Errorf("redis bus: invalid stream id %q", id)
	}
	if seqN == ^uint64(0) {
		return strconv.FormatUint(msN+1, 10) + "-0", nil
	}
	return ms + "-" + strconv.FormatUint(seqN+1, 10), nil
}
