// Package redis provides a Redis implementation of store.CursorStore.
//
// Each cursor is a hash at <prefix><topic> with fields position, offset and
// updated_at (unix milliseconds).
package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/rbaliyan/mailbridge/store"
	"github.com/redis/go-redis/v9"
)

var _ store.CursorStore = (*Store)(nil)

// Store implements store.CursorStore on Redis hashes.
type Store struct {
	client    redis.UniversalClient
	opts      *options
	connected int32
	logger    *slog.Logger
}

// New creates a Redis cursor store. The caller owns the client.
func New(client redis.UniversalClient, opts ...Option) *Store {
	o := newOptions(opts...)
	return &Store{client: client, opts: o, logger: o.logger}
}

// Connect pings the server.
func (s *Store) Connect(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.connected, 0, 1) {
		return store.ErrAlreadyConnected
	}
	if s.client == nil {
		atomic.StoreInt32(&s.connected, 0)
		return errors.New("redis: client is required")
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	if err := s.client.Ping(ctx).Err(); err != nil {
		atomic.StoreInt32(&s.connected, 0)
		return fmt.Errorf("redis ping: %w", err)
	}
	s.logger.Info("connected to Redis cursor store", "prefix", s.opts.prefix)
	return nil
}

// Close marks the store as disconnected. The client is not closed.
func (s *Store) Close(_ context.Context) error {
	atomic.StoreInt32(&s.connected, 0)
	return nil
}

func (s *Store) key(topic string) string {
	return s.opts.prefix + topic
}

// Load returns the cursor for topic.
func (s *Store) Load(ctx context.Context, topic string) (store.Cursor, error) {
	if atomic.LoadInt32(&s.connected) == 0 {
		return store.Cursor{}, store.ErrNotConnected
	}
	if topic == "" {
		return store.Cursor{}, store.ErrInvalidKey
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	fields, err := s.client.HGetAll(ctx, s.key(topic)).Result()
	if err != nil {
		return store.Cursor{}, fmt.Errorf("hgetall cursor: %w", err)
	}
	if len(fields) == 0 {
		return store.Cursor{}, store.ErrNotFound
	}

	pos, err := strconv.ParseInt(fields["position"], 10, 64)
	if err != nil {
		return store.Cursor{}, fmt.Errorf("corrupt cursor %q: position: %w", topic, err)
	}
	c := store.Cursor{Topic: topic, Position: pos, Offset: fields["offset"], Head: fields["head"]}
	if ms, err := strconv.ParseInt(fields["updated_at"], 10, 64); err == nil {
		c.UpdatedAt = time.UnixMilli(ms).UTC()
	}
	return c, nil
}

// Save overwrites the cursor hash in one pipeline, refreshing the TTL when
// one is configured.
func (s *Store) Save(ctx context.Context, c store.Cursor) error {
	if atomic.LoadInt32(&s.connected) == 0 {
		return store.ErrNotConnected
	}
	if c.Topic == "" {
		return store.ErrInvalidKey
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = time.Now().UTC()
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	key := s.key(c.Topic)
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, key,
			"position", c.Position,
			"offset", c.Offset,
			"head", c.Head,
			"updated_at", c.UpdatedAt.UnixMilli(),
		)
		if s.opts.ttl > 0 {
			p.Expire(ctx, key, s.opts.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("save cursor: %w", err)
	}
	return nil
}
