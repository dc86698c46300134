// Package postgres provides a storage.Storage backed by a PostgreSQL table.
// Expired rows are hidden from reads and removed by DeleteExpired.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ggoodman/session-go/storage"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Config for a Postgres-backed Storage.
type Config struct {
	Pool *pgxpool.Pool

	// Table holds every namespace. Default: "session_store".
	Table string
}

// Storage implements storage.Storage using one PostgreSQL table.
type Storage struct {
	pool  *pgxpool.Pool
	table string
	now   func() time.Time
}

// Option configures a Storage.
type Option func(*Storage)

// WithClock overrides the clock used for TTLs.
func WithClock(now func() time.Time) Option {
	return func(s *Storage) { s.now = now }
}

// New creates the table if needed. The Storage owns the pool and closes it
// on Close.
func New(ctx context.Context, cfg Config, opts ...Option) (*Storage, error) {
	if cfg.Pool == nil {
		return nil, errors.New("postgres: pool is required")
	}
	if cfg.Table == "" {
		cfg.Table = "session_store"
	}
	s := &Storage{
		pool:  cfg.Pool,
		table: pgx.Identifier{cfg.Table}.Sanitize(),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS `+s.table+` (
			key        TEXT PRIMARY KEY,
			data       BYTEA NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			expires_at TIMESTAMPTZ
		)
	`)
	if err != nil {
		return nil, fmt.Errorf("postgres: creating table: %w", err)
	}
	return s, nil
}

// Connect opens a pool for url and wraps it.
func Connect(ctx context.Context, url string, opts ...Option) (*Storage, error) {
	pcfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("postgres: parsing url: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: connecting: %w", err)
	}
	s, err := New(ctx, Config{Pool: pool}, opts...)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *Storage) Get(ctx context.Context, key string, opts ...storage.Option) (*storage.Item, error) {
	o := storage.Apply(opts...)
	k := storage.Key(o.Namespace, key)

	var item storage.Item
	err := s.pool.QueryRow(ctx, `
		SELECT data, created_at, expires_at
		FROM `+s.table+`
		WHERE key = $1 AND (expires_at IS NULL OR expires_at > $2)
	`, k, s.now()).Scan(&item.Data, &item.CreatedAt, &item.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get %s: %w", k, err)
	}
	return &item, nil
}

func (s *Storage) Set(ctx context.Context, key string, data []byte, opts ...storage.Option) error {
	o := storage.Apply(opts...)
	k := storage.Key(o.Namespace, key)
	item := storage.NewItem(data, s.now(), o.TTL)
	if item.Data == nil {
		item.Data = []byte{}
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO `+s.table+` (key, data, created_at, expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (key) DO UPDATE
		SET data = EXCLUDED.data,
		    created_at = EXCLUDED.created_at,
		    expires_at = EXCLUDED.expires_at
	`, k, item.Data, item.CreatedAt, item.ExpiresAt)
	if err != nil {
		return fmt.Errorf("postgres: set %s: %w", k, err)
	}
	return nil
}

func (s *Storage) Delete(ctx context.Context, opts ...storage.Option) error {
	o := storage.Apply(opts...)
	if err := storage.CheckDelete(o); err != nil {
		return err
	}
	var err error
	if o.Key != nil {
		_, err = s.pool.Exec(ctx, `DELETE FROM `+s.table+` WHERE key = $1`, storage.Key(o.Namespace, *o.Key))
	} else {
		_, err = s.pool.Exec(ctx, `DELETE FROM `+s.table+` WHERE starts_with(key, $1)`, storage.Prefix(o.Namespace))
	}
	if err != nil {
		return fmt.Errorf("postgres: delete: %w", err)
	}
	return nil
}

func (s *Storage) List(ctx context.Context, opts ...storage.Option) ([]string, error) {
	o := storage.Apply(opts...)
	rows, err := s.pool.Query(ctx, `
		SELECT key
		FROM `+s.table+`
		WHERE starts_with(key, $1) AND (expires_at IS NULL OR expires_at > $2)
		ORDER BY key COLLATE "C"
	`, storage.Prefix(o.Namespace), s.now())
	if err != nil {
		return nil, fmt.Errorf("postgres: list: %w", err)
	}
	full, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("postgres: list: %w", err)
	}

	keys := make([]string, 0, len(full))
	for _, k := range full {
		if key, ok := storage.TrimKey(o.Namespace, k); ok {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

// DeleteExpired removes rows whose TTL has passed and reports how many.
func (s *Storage) DeleteExpired(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM `+s.table+` WHERE expires_at <= $1`, s.now())
	if err != nil {
		return 0, fmt.Errorf("postgres: deleting expired rows: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *Storage) Close() error {
	s.pool.Close()
	return nil
}

var _ storage.Storage = (*Storage)(nil)
