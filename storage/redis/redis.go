// Package redis provides a storage.Storage backed by Redis. Items are stored
// as JSON strings and expire through native Redis TTLs.
package redis

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/ggoodman/session-go/storage"
	"github.com/redis/go-redis/v9"
)

// Config for a Redis-backed Storage.
type Config struct {
	Client *redis.Client

	// KeyPrefix is prepended to every key. Default: "session:store:".
	KeyPrefix string
}

// Storage implements storage.Storage using Redis.
type Storage struct {
	client    *redis.Client
	keyPrefix string
	now       func() time.Time
}

func New(cfg Config) (*Storage, error) {
	if cfg.Client == nil {
		return nil, errors.New("redis: client is required")
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "session:store:"
	}
	return &Storage{client: cfg.Client, keyPrefix: cfg.KeyPrefix, now: time.Now}, nil
}

func (s *Storage) key(ns storage.Namespace, key string) string {
	return s.keyPrefix + storage.Key(ns, key)
}

func (s *Storage) Get(ctx context.Context, key string, opts ...storage.Option) (*storage.Item, error) {
	o := storage.Apply(opts...)
	k := s.key(o.Namespace, key)

	raw, err := s.client.Get(ctx, k).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis: get %s: %w", k, err)
	}
	item, err := storage.UnmarshalItem(raw)
	if err != nil {
		return nil, err
	}
	if item.IsExpired(s.now()) {
		s.client.Del(ctx, k)
		return nil, nil
	}
	return item, nil
}

func (s *Storage) Set(ctx context.Context, key string, data []byte, opts ...storage.Option) error {
	o := storage.Apply(opts...)
	k := s.key(o.Namespace, key)

	item := storage.NewItem(data, s.now(), o.TTL)
	raw, err := item.Marshal()
	if err != nil {
		return fmt.Errorf("redis: encoding %s: %w", k, err)
	}
	var ttl time.Duration
	if o.TTL != nil {
		ttl = *o.TTL
	}
	if err := s.client.Set(ctx, k, raw, ttl).Err(); err != nil {
		return fmt.Errorf("redis: set %s: %w", k, err)
	}
	return nil
}

func (s *Storage) Delete(ctx context.Context, opts ...storage.Option) error {
	o := storage.Apply(opts...)
	if err := storage.CheckDelete(o); err != nil {
		return err
	}
	if o.Key != nil {
		k := s.key(o.Namespace, *o.Key)
		if err := s.client.Del(ctx, k).Err(); err != nil {
			return fmt.Errorf("redis: del %s: %w", k, err)
		}
		return nil
	}

	keys, err := s.scan(ctx, s.keyPrefix+storage.Prefix(o.Namespace)+"*")
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("redis: deleting namespace: %w", err)
	}
	return nil
}

func (s *Storage) List(ctx context.Context, opts ...storage.Option) ([]string, error) {
	o := storage.Apply(opts...)
	full, err := s.scan(ctx, s.keyPrefix+storage.Prefix(o.Namespace)+"*")
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(full))
	for _, k := range full {
		if short, ok := storage.TrimKey(o.Namespace, k[len(s.keyPrefix):]); ok {
			keys = append(keys, short)
		}
	}
	slices.Sort(keys)
	return keys, nil
}

func (s *Storage) Close() error {
	return s.client.Close()
}

// scan collects every key matching pattern with SCAN in batches of 100.
func (s *Storage) scan(ctx context.Context, pattern string) ([]string, error) {
	var (
		keys   []string
		cursor uint64
	)
	for {
		batch, next, err := s.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, fmt.Errorf("redis: scan %s: %w", pattern, err)
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			return keys, nil
		}
	}
}

var _ storage.Storage = (*Storage)(nil)
