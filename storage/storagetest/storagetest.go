// Package storagetest is a conformance suite for storage.Storage backends.
package storagetest

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/ggoodman/session-go/storage"
)

// Run exercises s. advance moves the backend's notion of time forward.
func Run(t *testing.T, s storage.Storage, advance func(time.Duration)) {
	t.Run("SetAndGet", func(t *testing.T) { testSetAndGet(t, s) })
	t.Run("GetMissing", func(t *testing.T) { testGetMissing(t, s) })
	t.Run("Namespaces", func(t *testing.T) { testNamespaces(t, s) })
	t.Run("List", func(t *testing.T) { testList(t, s) })
	t.Run("DeleteKey", func(t *testing.T) { testDeleteKey(t, s) })
	t.Run("DeleteNamespace", func(t *testing.T) { testDeleteNamespace(t, s) })
	t.Run("TTL", func(t *testing.T) { testTTL(t, s, advance) })
}

func testSetAndGet(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	if err := s.Set(ctx, "h1", []byte(`{"userId":"u1"}`), storage.WithSessions()); err != nil {
		t.Fatalf("Set() failed: %v", err)
	}
	item, err := s.Get(ctx, "h1", storage.WithSessions())
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if item == nil {
		t.Fatal("Get() returned nil item")
	}
	if string(item.Data) != `{"userId":"u1"}` {
		t.Fatalf("Get() returned %q", item.Data)
	}
	if item.ExpiresAt != nil {
		t.Fatal("item without TTL has an expiry")
	}

	if err := s.Set(ctx, "h1", []byte("v2"), storage.WithSessions()); err != nil {
		t.Fatalf("Set() overwrite failed: %v", err)
	}
	item, _ = s.Get(ctx, "h1", storage.WithSessions())
	if item == nil || string(item.Data) != "v2" {
		t.Fatalf("overwrite not visible: %+v", item)
	}
}

func testGetMissing(t *testing.T, s storage.Storage) {
	item, err := s.Get(context.Background(), "nope", storage.WithSessions())
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if item != nil {
		t.Fatalf("expected nil item, got %+v", item)
	}
}

func testNamespaces(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	for _, tc := range []struct {
		opt  storage.Option
		data string
	}{
		{storage.WithUser("alice"), "alice"},
		{storage.WithUser("bob"), "bob"},
		{storage.WithRefreshIndex(), "refresh"},
		{storage.WithSessions(), "sessions"},
	} {
		if err := s.Set(ctx, "shared", []byte(tc.data), tc.opt); err != nil {
			t.Fatalf("Set(%s) failed: %v", tc.data, err)
		}
	}
	for _, tc := range []struct {
		opt  storage.Option
		want string
	}{
		{storage.WithUser("alice"), "alice"},
		{storage.WithUser("bob"), "bob"},
		{storage.WithRefreshIndex(), "refresh"},
		{storage.WithSessions(), "sessions"},
	} {
		item, err := s.Get(ctx, "shared", tc.opt)
		if err != nil || item == nil {
			t.Fatalf("Get(%s) = %v, %v", tc.want, item, err)
		}
		if string(item.Data) != tc.want {
			t.Fatalf("namespace leak: got %q, want %q", item.Data, tc.want)
		}
	}
}

func testList(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	for _, h := range []string{"h3", "h1", "h2"} {
		if err := s.Set(ctx, h, nil, storage.WithUser("lister")); err != nil {
			t.Fatalf("Set() failed: %v", err)
		}
	}
	if err := s.Set(ctx, "other", nil, storage.WithUser("lister2")); err != nil {
		t.Fatalf("Set() failed: %v", err)
	}
	keys, err := s.List(ctx, storage.WithUser("lister"))
	if err != nil {
		t.Fatalf("List() failed: %v", err)
	}
	if want := []string{"h1", "h2", "h3"}; !slices.Equal(keys, want) {
		t.Fatalf("List() = %v, want %v", keys, want)
	}
	keys, err = s.List(ctx, storage.WithUser("nobody"))
	if err != nil {
		t.Fatalf("List() failed: %v", err)
	}
	if len(keys) != 0 {
		t.Fatalf("List() of empty namespace = %v", keys)
	}
}

func testDeleteKey(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	_ = s.Set(ctx, "a", []byte("1"), storage.WithUser("del"))
	_ = s.Set(ctx, "b", []byte("2"), storage.WithUser("del"))

	if err := s.Delete(ctx, storage.WithUser("del"), storage.WithKey("a")); err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}
	if item, _ := s.Get(ctx, "a", storage.WithUser("del")); item != nil {
		t.Fatal("deleted key still present")
	}
	if item, _ := s.Get(ctx, "b", storage.WithUser("del")); item == nil {
		t.Fatal("sibling key was deleted")
	}
	if err := s.Delete(ctx, storage.WithUser("del"), storage.WithKey("missing")); err != nil {
		t.Fatalf("Delete() of missing key failed: %v", err)
	}
}

func testDeleteNamespace(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	_ = s.Set(ctx, "a", []byte("1"), storage.WithUser("wipe"))
	_ = s.Set(ctx, "b", []byte("2"), storage.WithUser("wipe"))
	_ = s.Set(ctx, "a", []byte("3"), storage.WithUser("keep"))

	if err := s.Delete(ctx, storage.WithUser("wipe")); err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}
	if keys, _ := s.List(ctx, storage.WithUser("wipe")); len(keys) != 0 {
		t.Fatalf("namespace not wiped: %v", keys)
	}
	if item, _ := s.Get(ctx, "a", storage.WithUser("keep")); item == nil {
		t.Fatal("other namespace was wiped")
	}

	err := s.Delete(ctx)
	if !errors.Is(err, storage.ErrInvalidOptions) {
		t.Fatalf("deleting the global namespace: got %v", err)
	}
}

func testTTL(t *testing.T, s storage.Storage, advance func(time.Duration)) {
	ctx := context.Background()
	if err := s.Set(ctx, "short", []byte("x"), storage.WithRefreshIndex(), storage.WithTTL(time.Minute)); err != nil {
		t.Fatalf("Set() failed: %v", err)
	}
	item, err := s.Get(ctx, "short", storage.WithRefreshIndex())
	if err != nil || item == nil {
		t.Fatalf("Get() before expiry = %v, %v", item, err)
	}
	if item.ExpiresAt == nil {
		t.Fatal("TTL item has no expiry")
	}

	advance(2 * time.Minute)

	if item, _ := s.Get(ctx, "short", storage.WithRefreshIndex()); item != nil {
		t.Fatal("expired item still returned")
	}
	keys, _ := s.List(ctx, storage.WithRefreshIndex())
	if slices.Contains(keys, "short") {
		t.Fatal("expired item still listed")
	}
}
