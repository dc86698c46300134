// Package storage is the namespaced key/value layer behind the reference
// session store. Backends live in the memory, redis, bolt and postgres
// subpackages.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Storage is a namespaced key/value store with optional per-item TTL.
type Storage interface {
	// Get returns the item stored under key, or nil when it is absent or
	// expired. Errors are reserved for backend failures.
	Get(ctx context.Context, key string, opts ...Option) (*Item, error)

	// Set stores data under key, replacing any previous item.
	Set(ctx context.Context, key string, data []byte, opts ...Option) error

	// Delete removes the key given by WithKey, or the whole namespace when
	// no key is given.
	Delete(ctx context.Context, opts ...Option) error

	// List returns the live keys of a namespace in lexical order.
	List(ctx context.Context, opts ...Option) ([]string, error)

	Close() error
}

// Item is a stored value with its metadata.
type Item struct {
	Data      []byte     `json:"data"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// IsExpired reports whether the item has expired at now.
func (it *Item) IsExpired(now time.Time) bool {
	return it.ExpiresAt != nil && !now.Before(*it.ExpiresAt)
}

// NewItem builds an item created at now, expiring after ttl when ttl is set.
func NewItem(data []byte, now time.Time, ttl *time.Duration) *Item {
	it := &Item{Data: append([]byte(nil), data...), CreatedAt: now}
	if ttl != nil {
		exp := now.Add(*ttl)
		it.ExpiresAt = &exp
	}
	return it
}

// Marshal encodes an item for backends that store opaque bytes.
func (it *Item) Marshal() ([]byte, error) {
	return json.Marshal(it)
}

// UnmarshalItem decodes bytes produced by Item.Marshal.
func UnmarshalItem(b []byte) (*Item, error) {
	var it Item
	if err := json.Unmarshal(b, &it); err != nil {
		return nil, fmt.Errorf("storage: decoding item: %w", err)
	}
	return &it, nil
}

// Option configures a storage operation.
type Option func(*Options)

type Options struct {
	Namespace Namespace
	Key       *string
	TTL       *time.Duration
}

// Apply folds opts into an Options value.
func Apply(opts ...Option) Options {
	var o Options
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Namespace partitions the key space. A nil namespace is the global one.
type Namespace interface {
	prefix() string
}

// SessionsNamespace holds session records keyed by session handle.
type SessionsNamespace struct{}

func (SessionsNamespace) prefix() string { return "sessions:" }

// UserNamespace indexes the session handles owned by one user.
type UserNamespace struct {
	UserID string
}

func (ns UserNamespace) prefix() string { return "user:" + ns.UserID + ":" }

// RefreshNamespace maps refresh token hashes to session handles.
type RefreshNamespace struct{}

func (RefreshNamespace) prefix() string { return "refresh:" }

// Prefix returns the key prefix shared by every key of ns.
func Prefix(ns Namespace) string {
	if ns == nil {
		return "global:"
	}
	return ns.prefix()
}

// Key returns the backend key for key within ns.
func Key(ns Namespace, key string) string {
	return Prefix(ns) + key
}

// TrimKey strips ns's prefix from a backend key.
func TrimKey(ns Namespace, full string) (string, bool) {
	return strings.CutPrefix(full, Prefix(ns))
}

func WithSessions() Option {
	return func(o *Options) { o.Namespace = SessionsNamespace{} }
}

func WithUser(userID string) Option {
	return func(o *Options) { o.Namespace = UserNamespace{UserID: userID} }
}

func WithRefreshIndex() Option {
	return func(o *Options) { o.Namespace = RefreshNamespace{} }
}

// WithKey selects a single key for Delete.
func WithKey(key string) Option {
	return func(o *Options) { o.Key = &key }
}

// WithTTL sets a time-to-live for Set.
func WithTTL(ttl time.Duration) Option {
	return func(o *Options) { o.TTL = &ttl }
}

// ErrInvalidOptions is returned for option combinations a backend refuses,
// such as deleting the global namespace wholesale.
var ErrInvalidOptions = errors.New("storage: invalid option combination")

// CheckDelete validates Delete options.
func CheckDelete(o Options) error {
	if o.Key == nil && o.Namespace == nil {
		return fmt.Errorf("%w: refusing to delete the global namespace", ErrInvalidOptions)
	}
	return nil
}
