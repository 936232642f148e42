package mailbridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/rbaliyan/mailbridge/bus"
	"github.com/rbaliyan/mailbridge/content"
	"github.com/rbaliyan/mailbridge/store"
)

// ReplayResult is what one Consume call read.
type ReplayResult struct {
	Records []EmailRecord
	// Scanned is the position after the last entry read.
	Scanned int
	// Skipped counts in-window entries that failed to decode.
	Skipped int
}

// ReplayConsumer reads windows of previously published records back from a
// topic. Every call opens and closes its own subscription.
type ReplayConsumer struct {
	bus      bus.Subscriber
	registry *content.Registry
	cursors  store.CursorStore
	logger   *slog.Logger
}

// NewReplayConsumer creates a consumer. cursors may be nil, in which case
// every call rescans the topic from its first retained entry. A saved cursor
// is ignored once the topic's first retained entry changes, as happens when
// the broker trims old entries.
func NewReplayConsumer(sub bus.Subscriber, registry *content.Registry, cursors store.CursorStore, logger *slog.Logger) *ReplayConsumer {
	if registry == nil {
		registry = content.DefaultRegistry()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ReplayConsumer{bus: sub, registry: registry, cursors: cursors, logger: logger}
}

// Consume returns the decodable records at zero-based positions in w, in
// publish order. It stops after w.End positions or at end of topic.
//
// On cancellation the records collected so far are returned with the
// context error.
func (c *ReplayConsumer) Consume(ctx context.Context, topic string, w Window) (*ReplayResult, error) {
	topic = SanitizeTopic(topic)
	res := &ReplayResult{Records: []EmailRecord{}}
	if w.Empty() {
		return res, nil
	}

	feed, err := c.bus.Subscribe(ctx, topic, bus.Earliest)
	if err != nil {
		return res, fmt.Errorf("mailbridge: subscribe %s: %w", topic, err)
	}
	defer func() { _ = feed.Close() }()

	// Positions count from the first retained entry, so a cursor is only
	// usable while that entry is still the one it was counted from.
	head, err := feed.Next(ctx)
	if errors.Is(err, bus.ErrEndOfTopic) {
		return res, nil
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return res, ctxErr
		}
		return res, fmt.Errorf("mailbridge: read %s: %w", topic, err)
	}
	pending := &head

	pos := 0
	cur, haveCursor := c.loadCursor(ctx, topic)
	if haveCursor && cur.Head != string(head.Offset) {
		c.logger.Debug("topic trimmed since cursor was saved, rescanning", "topic", topic, "cursor_head", cur.Head, "head", head.Offset)
		haveCursor = false
	}
	if haveCursor && cur.Offset != "" && cur.Position < int64(w.Start) {
		_ = feed.Close()
		feed, err = c.bus.Subscribe(ctx, topic, bus.Offset(cur.Offset))
		if err != nil {
			return res, fmt.Errorf("mailbridge: subscribe %s: %w", topic, err)
		}
		pos = int(cur.Position) + 1
		pending = nil
	}

	var last bus.Offset
	for pos < w.End {
		if err := ctx.Err(); err != nil {
			res.Scanned = pos
			return res, err
		}
		var msg bus.Message
		if pending != nil {
			msg, pending, err = *pending, nil, nil
		} else {
			msg, err = feed.Next(ctx)
		}
		if errors.Is(err, bus.ErrEndOfTopic) {
			break
		}
		if err != nil {
			res.Scanned = pos
			if ctxErr := ctx.Err(); ctxErr != nil {
				return res, ctxErr
			}
			return res, fmt.Errorf("mailbridge: read %s: %w", topic, err)
		}
		last = msg.Offset
		if pos >= w.Start {
			rec, err := decodeRecord(msg, c.registry)
			if err != nil {
				res.Skipped++
				c.logger.Warn("skipping undecodable entry", "topic", topic, "offset", msg.Offset, "position", pos, "error", err)
			} else {
				res.Records = append(res.Records, rec)
			}
		}
		pos++
	}
	res.Scanned = pos

	if pos == w.End && last != "" && (!haveCursor || int64(pos-1) > cur.Position) {
		c.saveCursor(ctx, store.Cursor{
			Topic:     topic,
			Position:  int64(pos - 1),
			Offset:    string(last),
			Head:      string(head.Offset),
			UpdatedAt: time.Now().UTC(),
		})
	}
	return res, nil
}

func (c *ReplayConsumer) loadCursor(ctx context.Context, topic string) (store.Cursor, bool) {
	if c.cursors == nil {
		return store.Cursor{}, false
	}
	cur, err := c.cursors.Load(ctx, topic)
	if err != nil {
		if !store.IsNotFound(err) {
			c.logger.Warn("cursor load failed, rescanning", "topic", topic, "error", err)
		}
		return store.Cursor{}, false
	}
	return cur, true
}

func (c *ReplayConsumer) saveCursor(ctx context.Context, cur store.Cursor) {
	if c.cursors == nil {
		return
	}
	if err := c.cursors.Save(ctx, cur); err != nil {
		c.logger.Warn("cursor save failed", "topic", cur.Topic, "error", err)
	}
}
