// Package mongo provides a MongoDB implementation of store.CursorStore.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/rbaliyan/mailbridge/store"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	mongoopts "go.mongodb.org/mongo-driver/v2/mongo/options"
)

var _ store.CursorStore = (*Store)(nil)

// Store implements store.CursorStore using MongoDB. One document per topic,
// keyed by _id.
type Store struct {
	client     *mongo.Client
	collection *mongo.Collection
	opts       *options
	connected  int32
	logger     *slog.Logger
}

type cursorDoc struct {
	Topic     string    `bson:"_id"`
	Position  int64     `bson:"position"`
	Offset    string    `bson:"offset"`
	Head      string    `bson:"head,omitempty"`
	UpdatedAt time.Time `bson:"updated_at"`
}

// New creates a new MongoDB cursor store with the provided client.
// Call Connect() to select the collection.
func New(client *mongo.Client, opts ...Option) *Store {
	o := newOptions(opts...)
	return &Store{
		client: client,
		opts:   o,
		logger: o.logger,
	}
}

// Dial creates a client for uri and a store using it.
// The caller owns the returned client and must Disconnect it.
func Dial(uri string, opts ...Option) (*Store, *mongo.Client, error) {
	client, err := mongo.Connect(mongoopts.Client().ApplyURI(uri))
	if err != nil {
		return nil, nil, fmt.Errorf("mongo connect: %w", err)
	}
	return New(client, opts...), client, nil
}

// Connect pings the server and prepares the collection.
func (s *Store) Connect(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.connected, 0, 1) {
		return store.ErrAlreadyConnected
	}

	if s.client == nil {
		atomic.StoreInt32(&s.connected, 0)
		return fmt.Errorf("mongo: client is required")
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	if err := s.client.Ping(ctx, nil); err != nil {
		atomic.StoreInt32(&s.connected, 0)
		return fmt.Errorf("mongo ping: %w", err)
	}

	s.collection = s.client.Database(s.opts.database).Collection(s.opts.collection)
	s.logger.Info("connected to MongoDB", "database", s.opts.database, "collection", s.opts.collection)
	return nil
}

// Close marks the store as disconnected.
// The caller is responsible for disconnecting the MongoDB client.
func (s *Store) Close(_ context.Context) error {
	atomic.StoreInt32(&s.connected, 0)
	return nil
}

func (s *Store) checkConnected() error {
	if atomic.LoadInt32(&s.connected) == 0 {
		return store.ErrNotConnected
	}
	return nil
}

// Load returns the cursor for topic.
func (s *Store) Load(ctx context.Context, topic string) (store.Cursor, error) {
	if err := s.checkConnected(); err != nil {
		return store.Cursor{}, err
	}
	if topic == "" {
		return store.Cursor{}, store.ErrInvalidKey
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	var doc cursorDoc
	err := s.collection.FindOne(ctx, bson.D{{Key: "_id", Value: topic}}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return store.Cursor{}, store.ErrNotFound
	}
	if err != nil {
		return store.Cursor{}, fmt.Errorf("find cursor: %w", err)
	}
	return store.Cursor{
		Topic:     doc.Topic,
		Position:  doc.Position,
		Offset:    doc.Offset,
		Head:      doc.Head,
		UpdatedAt: doc.UpdatedAt.UTC(),
	}, nil
}

// Save upserts the cursor for c.Topic.
func (s *Store) Save(ctx context.Context, c store.Cursor) error {
	if err := s.checkConnected(); err != nil {
		return err
	}
	if c.Topic == "" {
		return store.ErrInvalidKey
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = time.Now().UTC()
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	update := bson.D{{Key: "$set", Value: bson.D{
		{Key: "position", Value: c.Position},
		{Key: "offset", Value: c.Offset},
		{Key: "head", Value: c.Head},
		{Key: "updated_at", Value: c.UpdatedAt},
	}}}
	_, err := s.collection.UpdateOne(ctx,
		bson.D{{Key: "_id", Value: c.Topic}},
		update,
		mongoopts.UpdateOne().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("upsert cursor: %w", err)
	}
	return nil
}
