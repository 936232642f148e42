// Package postgres provides a PostgreSQL implementation of store.CursorStore.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/rbaliyan/mailbridge/store"
)

// Compile-time check
var _ store.CursorStore = (*Store)(nil)

// Store implements store.CursorStore using PostgreSQL.
type Store struct {
	db        *sqlx.DB
	opts      *options
	table     string // quoted identifier
	connected int32
	logger    *slog.Logger
}

// queryTimeout bounds each statement.
const queryTimeout = 10 * time.Second

// cursorRow maps one row of the cursor table.
type cursorRow struct {
	Topic     string    `db:"topic"`
	Position  int64     `db:"position"`
	Offset    string    `db:"bus_offset"`
	Head      string    `db:"head_offset"`
	UpdatedAt time.Time `db:"updated_at"`
}

// New creates a new PostgreSQL cursor store with the provided database
// connection. Call Connect() to create the table.
func New(db *sqlx.DB, opts ...Option) *Store {
	o := newOptions(opts...)
	return &Store{
		db:     db,
		opts:   o,
		table:  pq.QuoteIdentifier(o.table),
		logger: o.logger,
	}
}

// NewFromDB creates a store from a standard sql.DB connection.
func NewFromDB(db *sql.DB, opts ...Option) *Store {
	return New(sqlx.NewDb(db, "postgres"), opts...)
}

// Open connects to dsn with the lib/pq driver and returns a store using it.
// The caller owns the returned *sqlx.DB.
func Open(dsn string, opts ...Option) (*Store, *sqlx.DB, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("postgres open: %w", err)
	}
	s := New(db, opts...)
	db.SetMaxOpenConns(s.opts.maxOpenConns)
	return s, db, nil
}

// Connect pings the database and creates the cursor table.
func (s *Store) Connect(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.connected, 0, 1) {
		return store.ErrAlreadyConnected
	}

	if s.db == nil {
		atomic.StoreInt32(&s.connected, 0)
		return fmt.Errorf("postgres: db is required")
	}

	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	if err := s.db.PingContext(ctx); err != nil {
		atomic.StoreInt32(&s.connected, 0)
		return fmt.Errorf("postgres ping: %w", err)
	}

	if err := s.ensureSchema(ctx); err != nil {
		atomic.StoreInt32(&s.connected, 0)
		return fmt.Errorf("ensure schema: %w", err)
	}

	s.logger.Info("connected to PostgreSQL", "table", s.opts.table)
	return nil
}

// Close marks the store as disconnected.
// The caller is responsible for closing the database connection.
func (s *Store) Close(_ context.Context) error {
	atomic.StoreInt32(&s.connected, 0)
	return nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	createTable := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			topic TEXT PRIMARY KEY,
			position BIGINT NOT NULL,
			bus_offset TEXT NOT NULL,
			head_offset TEXT NOT NULL DEFAULT '',
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`, s.table)

	if _, err := s.db.ExecContext(ctx, createTable); err != nil {
		return fmt.Errorf("create table: %w", err)
	}
	// Tables created before head tracking lack the column.
	addHead := fmt.Sprintf(`ALTER TABLE %s ADD COLUMN IF NOT EXISTS head_offset TEXT NOT NULL DEFAULT ''`, s.table)
	if _, err := s.db.ExecContext(ctx, addHead); err != nil {
		return fmt.Errorf("add head column: %w", err)
	}
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

	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var row cursorRow
	query := fmt.Sprintf(`SELECT topic, position, bus_offset, head_offset, updated_at FROM %s WHERE topic = $1`, s.table)
	if err := s.db.GetContext(ctx, &row, query, topic); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Cursor{}, store.ErrNotFound
		}
		return store.Cursor{}, fmt.Errorf("select cursor: %w", err)
	}

	return store.Cursor{
		Topic:     row.Topic,
		Position:  row.Position,
		Offset:    row.Offset,
		Head:      row.Head,
		UpdatedAt: row.UpdatedAt.UTC(),
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

	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (topic, position, bus_offset, head_offset, updated_at)
		VALUES (:topic, :position, :bus_offset, :head_offset, :updated_at)
		ON CONFLICT (topic) DO UPDATE
		SET position = EXCLUDED.position,
		    bus_offset = EXCLUDED.bus_offset,
		    head_offset = EXCLUDED.head_offset,
		    updated_at = EXCLUDED.updated_at
	`, s.table)

	row := cursorRow{Topic: c.Topic, Position: c.Position, Offset: c.Offset, Head: c.Head, UpdatedAt: c.UpdatedAt}
	if _, err := s.db.NamedExecContext(ctx, query, row); err != nil {
		return fmt.Errorf("upsert cursor: %w", err)
	}
	return nil
}
