// Package memory provides an in-process storage.Storage backed by
// github.com/hashicorp/golang-lru/v2. When full, the least recently used
// entry is evicted.
package memory

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/ggoodman/session-go/storage"
	lru "github.com/hashicorp/golang-lru/v2"
)

// Storage implements storage.Storage in memory.
type Storage struct {
	mu    sync.Mutex
	cache *lru.Cache[string, *storage.Item]
	now   func() time.Time

	done      chan struct{}
	closeOnce sync.Once
}

// Option configures a Storage.
type Option func(*Storage)

// WithClock overrides the clock used for TTLs.
func WithClock(now func() time.Time) Option {
	return func(s *Storage) { s.now = now }
}

// New creates a store holding at most maxItems entries.
func New(maxItems int, opts ...Option) (*Storage, error) {
	cache, err := lru.New[string, *storage.Item](maxItems)
	if err != nil {
		return nil, fmt.Errorf("memory: creating LRU cache: %w", err)
	}
	s := &Storage{cache: cache, now: time.Now, done: make(chan struct{})}
	for _, opt := range opts {
		opt(s)
	}
	go s.sweep(5 * time.Minute)
	return s, nil
}

func (s *Storage) Get(ctx context.Context, key string, opts ...storage.Option) (*storage.Item, error) {
	o := storage.Apply(opts...)
	k := storage.Key(o.Namespace, key)

	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.cache.Get(k)
	if !ok {
		return nil, nil
	}
	if item.IsExpired(s.now()) {
		s.cache.Remove(k)
		return nil, nil
	}
	return item, nil
}

func (s *Storage) Set(ctx context.Context, key string, data []byte, opts ...storage.Option) error {
	o := storage.Apply(opts...)
	item := storage.NewItem(data, s.now(), o.TTL)

	s.mu.Lock()
	s.cache.Add(storage.Key(o.Namespace, key), item)
	s.mu.Unlock()
	return nil
}

func (s *Storage) Delete(ctx context.Context, opts ...storage.Option) error {
	o := storage.Apply(opts...)
	if err := storage.CheckDelete(o); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if o.Key != nil {
		s.cache.Remove(storage.Key(o.Namespace, *o.Key))
		return nil
	}
	prefix := storage.Prefix(o.Namespace)
	for _, k := range s.cache.Keys() {
		if strings.HasPrefix(k, prefix) {
			s.cache.Remove(k)
		}
	}
	return nil
}

func (s *Storage) List(ctx context.Context, opts ...storage.Option) ([]string, error) {
	o := storage.Apply(opts...)
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	var keys []string
	for _, k := range s.cache.Keys() {
		short, ok := storage.TrimKey(o.Namespace, k)
		if !ok {
			continue
		}
		// Peek keeps listing from refreshing recency.
		if item, ok := s.cache.Peek(k); ok && !item.IsExpired(now) {
			keys = append(keys, short)
		}
	}
	slices.Sort(keys)
	return keys, nil
}

// Close drops every entry and stops the background sweep.
func (s *Storage) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	s.mu.Lock()
	s.cache.Purge()
	s.mu.Unlock()
	return nil
}

// sweep periodically removes expired entries until Close.
func (s *Storage) sweep(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.removeExpired()
		}
	}
}

func (s *Storage) removeExpired() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for _, k := range s.cache.Keys() {
		if item, ok := s.cache.Peek(k); ok && item.IsExpired(now) {
			s.cache.Remove(k)
		}
	}
}

var _ storage.Storage = (*Storage)(nil)
