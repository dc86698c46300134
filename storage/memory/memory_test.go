package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/session-go/storage"
	"github.com/ggoodman/session-go/storage/storagetest"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestConformance(t *testing.T) {
	c := &clock{now: time.Unix(1_700_000_000, 0)}
	s, err := New(100, WithClock(c.Now))
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer s.Close()

	storagetest.Run(t, s, c.Advance)
}

func TestNewRejectsZeroSize(t *testing.T) {
	if _, err := New(0); err == nil {
		t.Fatal("expected error for zero-sized cache")
	}
}

func TestEviction(t *testing.T) {
	s, err := New(2)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer s.Close()
	ctx := context.Background()

	_ = s.Set(ctx, "a", []byte("1"), storage.WithSessions())
	_ = s.Set(ctx, "b", []byte("2"), storage.WithSessions())
	// Touch a so that b is the least recently used.
	_, _ = s.Get(ctx, "a", storage.WithSessions())
	_ = s.Set(ctx, "c", []byte("3"), storage.WithSessions())

	if item, _ := s.Get(ctx, "b", storage.WithSessions()); item != nil {
		t.Fatal("expected b to be evicted")
	}
	if item, _ := s.Get(ctx, "a", storage.WithSessions()); item == nil {
		t.Fatal("expected a to survive")
	}
}

func TestRemoveExpired(t *testing.T) {
	c := &clock{now: time.Unix(1_700_000_000, 0)}
	s, err := New(10, WithClock(c.Now))
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer s.Close()

	_ = s.Set(context.Background(), "k", []byte("v"), storage.WithTTL(time.Second))
	c.Advance(time.Minute)
	s.removeExpired()
	if s.cache.Len() != 0 {
		t.Fatalf("expected empty cache, got %d entries", s.cache.Len())
	}
}

func TestDataIsCopied(t *testing.T) {
	s, err := New(10)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer s.Close()

	buf := []byte("original")
	_ = s.Set(context.Background(), "k", buf)
	copy(buf, "mutated!")
	item, _ := s.Get(context.Background(), "k")
	if string(item.Data) != "original" {
		t.Fatalf("stored data aliased caller buffer: %q", item.Data)
	}
}
