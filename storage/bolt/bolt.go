// Package bolt provides a file-backed storage.Storage on go.etcd.io/bbolt.
// Every namespace shares one bucket; expired items are removed lazily.
package bolt

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/ggoodman/session-go/storage"
	"go.etcd.io/bbolt"
)

var bucket = []byte("session-store")

// Storage implements storage.Storage backed by a bbolt database.
type Storage struct {
	db  *bbolt.DB
	now func() time.Time
}

// Option configures a Storage.
type Option func(*Storage)

// WithClock overrides the clock used for TTLs.
func WithClock(now func() time.Time) Option {
	return func(s *Storage) { s.now = now }
}

// New wraps an open database.
func New(db *bbolt.DB, opts ...Option) (*Storage, error) {
	err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucket)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("bolt: creating bucket: %w", err)
	}
	s := &Storage{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Open opens or creates the database at path.
func Open(path string, options *bbolt.Options, opts ...Option) (*Storage, error) {
	db, err := bbolt.Open(path, 0o600, options)
	if err != nil {
		return nil, fmt.Errorf("bolt: opening %s: %w", path, err)
	}
	s, err := New(db, opts...)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Storage) Get(ctx context.Context, key string, opts ...storage.Option) (*storage.Item, error) {
	o := storage.Apply(opts...)
	k := []byte(storage.Key(o.Namespace, key))

	var raw []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		if v := tx.Bucket(bucket).Get(k); v != nil {
			raw = bytes.Clone(v)
		}
		return nil
	})
	if err != nil || raw == nil {
		return nil, err
	}
	item, err := storage.UnmarshalItem(raw)
	if err != nil {
		return nil, err
	}
	if item.IsExpired(s.now()) {
		return nil, s.db.Update(func(tx *bbolt.Tx) error {
			return tx.Bucket(bucket).Delete(k)
		})
	}
	return item, nil
}

func (s *Storage) Set(ctx context.Context, key string, data []byte, opts ...storage.Option) error {
	o := storage.Apply(opts...)
	raw, err := storage.NewItem(data, s.now(), o.TTL).Marshal()
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucket).Put([]byte(storage.Key(o.Namespace, key)), raw)
	})
}

func (s *Storage) Delete(ctx context.Context, opts ...storage.Option) error {
	o := storage.Apply(opts...)
	if err := storage.CheckDelete(o); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucket)
		if o.Key != nil {
			return b.Delete([]byte(storage.Key(o.Namespace, *o.Key)))
		}
		prefix := []byte(storage.Prefix(o.Namespace))
		var doomed [][]byte
		c := b.Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			doomed = append(doomed, bytes.Clone(k))
		}
		for _, k := range doomed {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Storage) List(ctx context.Context, opts ...storage.Option) ([]string, error) {
	o := storage.Apply(opts...)
	prefix := []byte(storage.Prefix(o.Namespace))
	now := s.now()

	var keys []string
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucket).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			item, err := storage.UnmarshalItem(v)
			if err != nil {
				return err
			}
			if !item.IsExpired(now) {
				keys = append(keys, string(k[len(prefix):]))
			}
		}
		return nil
	})
	return keys, err
}

func (s *Storage) Close() error {
	return s.db.Close()
}

var _ storage.Storage = (*Storage)(nil)
