// Package memory provides an in-memory CursorStore for tests and single
// process deployments. Cursors are lost on restart.
package memory

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rbaliyan/mailbridge/store"
)

var _ store.CursorStore = (*Store)(nil)

// Store implements store.CursorStore with a map.
// Safe for concurrent use.
type Store struct {
	mu        sync.RWMutex
	cursors   map[string]store.Cursor
	connected int32
	saves     atomic.Int64
}

// New creates an empty in-memory cursor store.
func New() *Store {
	return &Store{cursors: make(map[string]store.Cursor)}
}

// Connect marks the store as connected.
func (s *Store) Connect(_ context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.connected, 0, 1) {
		return store.ErrAlreadyConnected
	}
	return nil
}

// Close marks the store as disconnected. Stored cursors are kept.
func (s *Store) Close(_ context.Context) error {
	atomic.StoreInt32(&s.connected, 0)
	return nil
}

// Load returns the cursor for topic.
func (s *Store) Load(_ context.Context, topic string) (store.Cursor, error) {
	if atomic.LoadInt32(&s.connected) == 0 {
		return store.Cursor{}, store.ErrNotConnected
	}
	if topic == "" {
		return store.Cursor{}, store.ErrInvalidKey
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.cursors[topic]
	if !ok {
		return store.Cursor{}, store.ErrNotFound
	}
	return c, nil
}

// Save upserts the cursor. UpdatedAt is set when zero.
func (s *Store) Save(_ context.Context, c store.Cursor) error {
	if atomic.LoadInt32(&s.connected) == 0 {
		return store.ErrNotConnected
	}
	if c.Topic == "" {
		return store.ErrInvalidKey
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	s.cursors[c.Topic] = c
	s.mu.Unlock()
	s.saves.Add(1)
	return nil
}

// Saves reports how many times Save succeeded.
func (s *Store) Saves() int64 {
	return s.saves.Load()
}
