// Package handshake caches the session configuration negotiated with the
// session store: anti-CSRF mode, token lifetimes and the signing key list.
package handshake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

// Path of the store endpoint that returns handshake information.
const Path = "/recipe/handshake"

// AntiCSRFMode selects how state-changing requests are protected.
type AntiCSRFMode string

const (
	AntiCSRFNone            AntiCSRFMode = "NONE"
	AntiCSRFViaToken        AntiCSRFMode = "VIA_TOKEN"
	AntiCSRFViaCustomHeader AntiCSRFMode = "VIA_CUSTOM_HEADER"
)

// Valid reports whether m is one of the known modes.
func (m AntiCSRFMode) Valid() bool {
	switch m {
	case AntiCSRFNone, AntiCSRFViaToken, AntiCSRFViaCustomHeader:
		return true
	}
	return false
}

var ErrBadResponse = errors.New("handshake: unexpected response from session store")

// KeyInfo is one access token signing key. Times are epoch milliseconds.
type KeyInfo struct {
	PublicKey  string `json:"publicKey"`
	ExpiryTime int64  `json:"expiryTime"`
	CreatedAt  int64  `json:"createdAt"`
}

// Info is an immutable handshake snapshot.
type Info struct {
	AntiCSRF                       AntiCSRFMode
	AccessTokenBlacklistingEnabled bool
	AccessTokenValidity            time.Duration
	RefreshTokenValidity           time.Duration

	keys []KeyInfo
	now  func() time.Time
}

// SigningKeys returns the keys that have not yet expired, in store order.
func (i *Info) SigningKeys() []KeyInfo {
	now := i.now().UnixMilli()
	out := make([]KeyInfo, 0, len(i.keys))
	for _, k := range i.keys {
		if k.ExpiryTime > now {
			out = append(out, k)
		}
	}
	return out
}

func (i *Info) withKeys(keys []KeyInfo) *Info {
	cp := *i
	cp.keys = dedupe(keys)
	return &cp
}

func dedupe(keys []KeyInfo) []KeyInfo {
	seen := make(map[string]struct{}, len(keys))
	out := make([]KeyInfo, 0, len(keys))
	for _, k := range keys {
		if _, ok := seen[k.PublicKey]; ok {
			continue
		}
		seen[k.PublicKey] = struct{}{}
		out = append(out, k)
	}
	return out
}

// SigningKeyFields is the key material carried by handshake, create, verify
// and refresh responses. Older stores only send the single-key fields.
type SigningKeyFields struct {
	JWTSigningPublicKey           string    `json:"jwtSigningPublicKey,omitempty"`
	JWTSigningPublicKeyExpiryTime int64     `json:"jwtSigningPublicKeyExpiryTime,omitempty"`
	JWTSigningPublicKeyList       []KeyInfo `json:"jwtSigningPublicKeyList,omitempty"`
}

// Present reports whether the response carried any key material.
func (f SigningKeyFields) Present() bool {
	return f.JWTSigningPublicKeyList != nil || f.JWTSigningPublicKey != ""
}

type response struct {
	Status                         string `json:"status"`
	AccessTokenBlacklistingEnabled bool   `json:"accessTokenBlacklistingEnabled"`
	AccessTokenValidity            int64  `json:"accessTokenValidity"`
	RefreshTokenValidity           int64  `json:"refreshTokenValidity"`
	SigningKeyFields
}

// Poster sends a POST to the session store and returns the raw JSON reply.
type Poster interface {
	SendPostRequest(ctx context.Context, path string, body any) (json.RawMessage, error)
}

// Cache holds the current snapshot for one store configuration.
type Cache struct {
	poster   Poster
	antiCSRF AntiCSRFMode
	now      func() time.Time
	log      *slog.Logger

	cur   atomic.Pointer[Info]
	group singleflight.Group
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock overrides the clock used to decide key expiry.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithLogger sets the logger used for refresh events.
func WithLogger(l *slog.Logger) Option {
	return func(c *Cache) { c.log = l }
}

// NewCache returns an empty cache. The anti-CSRF mode is local configuration
// and is stamped onto every snapshot.
func NewCache(p Poster, mode AntiCSRFMode, opts ...Option) *Cache {
	c := &Cache{
		poster:   p,
		antiCSRF: mode,
		now:      time.Now,
		log:      slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// AntiCSRF returns the configured mode without touching the network.
func (c *Cache) AntiCSRF() AntiCSRFMode { return c.antiCSRF }

// Get returns the cached snapshot, fetching a new one when the cache is
// empty, every signing key has expired, or force is set. Concurrent fetches
// are collapsed into one request.
func (c *Cache) Get(ctx context.Context, force bool) (*Info, error) {
	if !force {
		if info := c.cur.Load(); info != nil && len(info.SigningKeys()) > 0 {
			return info, nil
		}
	}

	ch := c.group.DoChan("handshake", func() (any, error) {
		return c.fetch(context.WithoutCancel(ctx))
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Info), nil
	}
}

func (c *Cache) fetch(ctx context.Context) (*Info, error) {
	c.log.DebugContext(ctx, "handshake.fetch.start")
	raw, err := c.poster.SendPostRequest(ctx, Path, struct{}{})
	if err != nil {
		return nil, fmt.Errorf("handshake: %w", err)
	}
	var resp response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadResponse, err)
	}
	if resp.Status != "" && resp.Status != "OK" {
		return nil, fmt.Errorf("%w: status %q", ErrBadResponse, resp.Status)
	}

	info := &Info{
		AntiCSRF:                       c.antiCSRF,
		AccessTokenBlacklistingEnabled: resp.AccessTokenBlacklistingEnabled,
		AccessTokenValidity:            time.Duration(resp.AccessTokenValidity) * time.Millisecond,
		RefreshTokenValidity:           time.Duration(resp.RefreshTokenValidity) * time.Millisecond,
		now:                            c.now,
	}
	info = info.withKeys(c.keyList(resp.SigningKeyFields))
	c.cur.Store(info)
	c.log.DebugContext(ctx, "handshake.fetch.ok", slog.Int("keys", len(info.keys)))
	return info, nil
}

func (c *Cache) keyList(f SigningKeyFields) []KeyInfo {
	if f.JWTSigningPublicKeyList != nil {
		return f.JWTSigningPublicKeyList
	}
	if f.JWTSigningPublicKey == "" {
		return nil
	}
	return []KeyInfo{{
		PublicKey:  f.JWTSigningPublicKey,
		ExpiryTime: f.JWTSigningPublicKeyExpiryTime,
		CreatedAt:  c.now().UnixMilli(),
	}}
}

// UpdateSigningKeys replaces the key list of the current snapshot. When list
// is nil the single legacy key is used instead. It is a no-op before the
// first successful fetch.
func (c *Cache) UpdateSigningKeys(list []KeyInfo, publicKey string, expiryTime int64) {
	keys := c.keyList(SigningKeyFields{
		JWTSigningPublicKey:           publicKey,
		JWTSigningPublicKeyExpiryTime: expiryTime,
		JWTSigningPublicKeyList:       list,
	})
	for {
		old := c.cur.Load()
		if old == nil {
			return
		}
		if c.cur.CompareAndSwap(old, old.withKeys(keys)) {
			return
		}
	}
}

// Apply updates the key list from a store response when it carried keys.
func (c *Cache) Apply(f SigningKeyFields) {
	if f.Present() {
		c.UpdateSigningKeys(f.JWTSigningPublicKeyList, f.JWTSigningPublicKey, f.JWTSigningPublicKeyExpiryTime)
	}
}
