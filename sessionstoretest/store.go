// Package sessionstoretest is an in-process session store speaking the wire
// protocol consumed by package session. It backs end-to-end tests and the
// sessionctl dev server; it is not a production store.
//
// Refresh tokens rotate on every use. The previous refresh token stays
// usable until the client proves it received the new pair by presenting an
// access token that names it as parent; any older refresh token revokes the
// session and reports TOKEN_THEFT_DETECTED.
package sessionstoretest

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/ggoodman/session-go/claims"
	"github.com/ggoodman/session-go/internal/accesstoken"
	"github.com/ggoodman/session-go/internal/handshake"
	"github.com/ggoodman/session-go/internal/logctx"
	"github.com/ggoodman/session-go/storage"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/crypto/blake2b"
)

// Config tunes the store. Zero values take the defaults noted per field.
type Config struct {
	// AccessTokenValidity defaults to one hour.
	AccessTokenValidity time.Duration
	// RefreshTokenValidity defaults to 100 days.
	RefreshTokenValidity time.Duration
	// KeyLifetime is how long a signing key verifies after creation.
	// Defaults to seven days.
	KeyLifetime time.Duration
	// KeyBits is the RSA modulus size. Defaults to 2048.
	KeyBits int
	// Blacklisting forces clients to verify every access token remotely.
	Blacklisting bool
	// APIKey, when set, must accompany every request in the api-key header.
	APIKey string
	// LogHandler receives request and session lifecycle records.
	LogHandler slog.Handler
}

func (c *Config) applyDefaults() {
	if c.AccessTokenValidity <= 0 {
		c.AccessTokenValidity = time.Hour
	}
	if c.RefreshTokenValidity <= 0 {
		c.RefreshTokenValidity = 100 * 24 * time.Hour
	}
	if c.KeyLifetime <= 0 {
		c.KeyLifetime = 7 * 24 * time.Hour
	}
	if c.KeyBits == 0 {
		c.KeyBits = 2048
	}
}

// Option configures a Server.
type Option func(*Server)

// WithClock overrides the store's clock.
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// Server is the reference store. It is an http.Handler.
type Server struct {
	cfg    Config
	st     storage.Storage
	keys   *signer
	now    func() time.Time
	log    *slog.Logger
	router chi.Router

	// mu serialises read-modify-write cycles on session records.
	mu sync.Mutex
}

// New builds a store persisting sessions in st and creates its first
// signing key.
func New(st storage.Storage, cfg Config, opts ...Option) (*Server, error) {
	if st == nil {
		return nil, errors.New("sessionstoretest: storage is required")
	}
	cfg.applyDefaults()
	s := &Server{
		cfg:  cfg,
		st:   st,
		keys: newSigner(cfg.KeyLifetime, cfg.KeyBits),
		now:  time.Now,
		log:  slog.New(logctx.New(cfg.LogHandler)),
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.keys.rotate(s.now()); err != nil {
		return nil, err
	}
	s.router = s.routes()
	return s, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// RotateKey makes a freshly generated key the active signing key.
func (s *Server) RotateKey() error {
	return s.keys.rotate(s.now())
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLog)
	r.Use(s.requireAPIKey)

	r.Post(handshake.Path, s.handleHandshake)
	r.Post("/recipe/session", s.handleCreate)
	r.Get("/recipe/session", s.handleInfo)
	r.Post("/recipe/session/verify", s.handleVerify)
	r.Post("/recipe/session/refresh", s.handleRefresh)
	r.Post("/recipe/session/regenerate", s.handleRegenerate)
	r.Post("/recipe/session/remove", s.handleRemove)
	r.Get("/recipe/session/user", s.handleUserSessions)
	r.Put("/recipe/session/data", s.handleSessionData)
	r.Put("/recipe/jwt/data", s.handleJWTData)
	r.Put("/recipe/session/claims", s.handleClaims)
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "no such store path: "+r.URL.Path)
	})
	return r
}

func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := logctx.WithRequestData(r.Context(), &logctx.RequestData{
			RequestID: middleware.GetReqID(r.Context()),
			Method:    r.Method,
			Path:      r.URL.Path,
		})
		s.log.DebugContext(ctx, "store.request")
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.APIKey != "" && r.Header.Get("api-key") != s.cfg.APIKey {
			writeError(w, http.StatusUnauthorized, "invalid API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// record is the persisted form of a session.
type record struct {
	Handle             string         `json:"handle"`
	UserID             string         `json:"userId"`
	UserDataInJWT      map[string]any `json:"userDataInJWT"`
	UserDataInDatabase map[string]any `json:"userDataInDatabase"`
	Claims             claims.Payload `json:"claims"`
	RefreshHash        string         `json:"refreshHash"`
	ParentHash         string         `json:"parentHash,omitempty"`
	AntiCSRFToken      string         `json:"antiCsrfToken,omitempty"`
	TimeCreated        int64          `json:"timeCreated"`
	Expiry             int64          `json:"expiry"`
}

func (rec *record) session() map[string]any {
	return map[string]any{
		"handle":        rec.Handle,
		"userId":        rec.UserID,
		"userDataInJWT": nonNil(rec.UserDataInJWT),
		"claims":        rec.Claims.Clone(),
	}
}

type tokenInfo struct {
	Token       string `json:"token"`
	Expiry      int64  `json:"expiry"`
	CreatedTime int64  `json:"createdTime"`
}

func hashToken(t string) string {
	sum := blake2b.Sum256([]byte(t))
	return hex.EncodeToString(sum[:])
}

func nonNil(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func (s *Server) load(ctx context.Context, handle string) (*record, error) {
	item, err := s.st.Get(ctx, handle, storage.WithSessions())
	if err != nil || item == nil {
		return nil, err
	}
	var rec record
	if err := json.Unmarshal(item.Data, &rec); err != nil {
		return nil, fmt.Errorf("decoding session %s: %w", handle, err)
	}
	return &rec, nil
}

func (s *Server) save(ctx context.Context, rec *record) error {
	ttl := time.UnixMilli(rec.Expiry).Sub(s.now())
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if err := s.st.Set(ctx, rec.Handle, b, storage.WithSessions(), storage.WithTTL(ttl)); err != nil {
		return err
	}
	return s.st.Set(ctx, rec.Handle, nil, storage.WithUser(rec.UserID), storage.WithTTL(ttl))
}

func (s *Server) remove(ctx context.Context, rec *record) error {
	if err := s.st.Delete(ctx, storage.WithSessions(), storage.WithKey(rec.Handle)); err != nil {
		return err
	}
	return s.st.Delete(ctx, storage.WithUser(rec.UserID), storage.WithKey(rec.Handle))
}

// rotateRefreshToken issues a new refresh token for rec and indexes it.
func (s *Server) rotateRefreshToken(ctx context.Context, rec *record, now time.Time) (tokenInfo, error) {
	rt := rand.Text()
	rec.RefreshHash = hashToken(rt)
	rec.Expiry = now.Add(s.cfg.RefreshTokenValidity).UnixMilli()
	err := s.st.Set(ctx, rec.RefreshHash, []byte(rec.Handle), storage.WithRefreshIndex(), storage.WithTTL(s.cfg.RefreshTokenValidity))
	return tokenInfo{Token: rt, Expiry: rec.Expiry, CreatedTime: now.UnixMilli()}, err
}

func (s *Server) issueAccessToken(rec *record, now time.Time) (tokenInfo, error) {
	p := accesstoken.Payload{
		SessionHandle:     rec.Handle,
		UserID:            rec.UserID,
		RefreshTokenHash1: rec.RefreshHash,
		UserData:          nonNil(rec.UserDataInJWT),
		Claims:            rec.Claims.Clone(),
		ExpiryTime:        now.Add(s.cfg.AccessTokenValidity).UnixMilli(),
		TimeCreated:       now.UnixMilli(),
	}
	if rec.ParentHash != "" {
		parent := rec.ParentHash
		p.ParentRefreshTokenHash1 = &parent
	}
	if rec.AntiCSRFToken != "" {
		csrf := rec.AntiCSRFToken
		p.AntiCSRFToken = &csrf
	}
	b, err := json.Marshal(&p)
	if err != nil {
		return tokenInfo{}, err
	}
	tok, err := s.keys.sign(b, now)
	if err != nil {
		return tokenInfo{}, err
	}
	return tokenInfo{Token: tok, Expiry: p.ExpiryTime, CreatedTime: p.TimeCreated}, nil
}

var errTokenExpired = errors.New("access token expired")

// parse verifies token's signature and decodes its payload. Expiry is
// reported separately so callers can decide whether it matters.
func (s *Server) parse(token string, now time.Time) (*accesstoken.Payload, error) {
	b, err := s.keys.verify(token, now)
	if err != nil {
		return nil, err
	}
	var p accesstoken.Payload
	if err := json.Unmarshal(b, &p); err != nil {
		return nil, fmt.Errorf("decoding access token: %w", err)
	}
	if p.ExpiryTime <= now.UnixMilli() {
		return &p, errTokenExpired
	}
	return &p, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"message": msg})
}

func writeStatus(w http.ResponseWriter, status string, fields map[string]any) {
	out := map[string]any{"status": status}
	for k, v := range fields {
		out[k] = v
	}
	writeJSON(w, http.StatusOK, out)
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	s.log.ErrorContext(r.Context(), "store.error", slog.String("err", err.Error()))
	writeError(w, http.StatusInternalServerError, err.Error())
}

func (s *Server) keyFields(now time.Time) map[string]any {
	return map[string]any{"jwtSigningPublicKeyList": s.keys.published(now)}
}

func (s *Server) withSession(ctx context.Context, rec *record) context.Context {
	return logctx.WithSessionData(ctx, &logctx.SessionData{Handle: rec.Handle, UserID: rec.UserID})
}

func (s *Server) handleHandshake(w http.ResponseWriter, r *http.Request) {
	fields := s.keyFields(s.now())
	fields["accessTokenBlacklistingEnabled"] = s.cfg.Blacklisting
	fields["accessTokenValidity"] = s.cfg.AccessTokenValidity.Milliseconds()
	fields["refreshTokenValidity"] = s.cfg.RefreshTokenValidity.Milliseconds()
	writeStatus(w, "OK", fields)
}
