// Package store defines the persistence contracts used by mailbridge:
// attachment file storage and durable replay cursors.
//
// Implementations live in sub-packages:
//
//   - store/attachment/local, store/attachment/s3, store/attachment/gcs
//     store attachment bytes; store/attachment/cached and
//     store/attachment/otel decorate any of them.
//   - store/memory, store/redis, store/postgres and store/mongo persist
//     replay cursors.
//
// Cursor writes are last-writer-wins upserts keyed by topic. No backend takes
// locks; concurrent replays of the same topic may race to save a cursor and
// the later save wins, which is safe because a cursor is only a seek hint.
package store

import (
	"context"
	"time"
)

// Cursor records how far a topic has been served by replay.
type Cursor struct {
	// Topic is the sanitized topic name.
	Topic string
	// Position is the zero-based position of the last entry of a fully
	// served window.
	Position int64
	// Offset is the bus offset of the entry at Position.
	Offset string
	// Head is the bus offset of the entry counted as position zero. A topic
	// whose first retained entry no longer matches Head has been trimmed,
	// and the cursor's positions no longer apply.
	Head string
	// UpdatedAt is when the cursor was last saved.
	UpdatedAt time.Time
}

// CursorStore persists replay cursors.
type CursorStore interface {
	// Connect prepares the backend (schema, indexes, ping).
	Connect(ctx context.Context) error
	// Close releases backend state. The caller owns the underlying client.
	Close(ctx context.Context) error
	// Load returns the cursor for topic, or ErrNotFound.
	Load(ctx context.Context, topic string) (Cursor, error)
	// Save upserts the cursor for c.Topic.
	Save(ctx context.Context, c Cursor) error
}
