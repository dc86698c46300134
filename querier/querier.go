// Package querier is the HTTP client for the remote session store. It sends
// JSON requests, authenticates with an API key and returns the raw JSON reply
// for the caller to interpret. It never retries.
package querier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/joeshaw/envdecode"
)

const (
	headerAPIKey = "api-key"
	headerRID    = "rid"

	maxResponseBytes = 4 << 20
)

var jsonMediaType = contenttype.NewMediaType("application/json")

var (
	// ErrNotJSON is returned when the store answers 2xx with a non-JSON body.
	ErrNotJSON = errors.New("querier: response is not application/json")
	// ErrNoConnectionURI is returned by New when no store URI is configured.
	ErrNoConnectionURI = errors.New("querier: connection URI is required")
)

// HTTPError is returned for any non-2xx response from the store.
type HTTPError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("querier: %s %s: status %d: %s", e.Method, e.Path, e.StatusCode, e.Body)
}

// Config for a Querier. Defaults can be loaded via envdecode.
type Config struct {
	// ConnectionURI is the base URL of the session store. ENV: SESSION_STORE_URI
	ConnectionURI string `env:"SESSION_STORE_URI,default=http://localhost:3567"`
	// APIKey is sent in the api-key header when set. ENV: SESSION_STORE_API_KEY
	APIKey string `env:"SESSION_STORE_API_KEY"`
	// RID identifies the recipe making the call. ENV: SESSION_STORE_RID
	RID string `env:"SESSION_STORE_RID,default=session"`
	// Timeout bounds each request. ENV: SESSION_STORE_TIMEOUT
	Timeout time.Duration `env:"SESSION_STORE_TIMEOUT,default=10s"`
}

// ConfigFromEnv loads a Config from the environment.
func ConfigFromEnv() (Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("querier: decoding env: %w", err)
	}
	return cfg, nil
}

// Querier sends requests to one session store.
type Querier struct {
	base   *url.URL
	apiKey string
	rid    string
	client *http.Client
	log    *slog.Logger
}

// Option configures a Querier.
type Option func(*Querier)

// WithHTTPClient replaces the HTTP client. The client's own timeout is kept.
func WithHTTPClient(c *http.Client) Option {
	return func(q *Querier) { q.client = c }
}

// WithLogHandler sets the slog handler used for request logging.
func WithLogHandler(h slog.Handler) Option {
	return func(q *Querier) {
		if h != nil {
			q.log = slog.New(h)
		}
	}
}

// New builds a Querier from cfg.
func New(cfg Config, opts ...Option) (*Querier, error) {
	if cfg.ConnectionURI == "" {
		return nil, ErrNoConnectionURI
	}
	base, err := url.Parse(strings.TrimRight(cfg.ConnectionURI, "/"))
	if err != nil {
		return nil, fmt.Errorf("querier: parsing connection URI: %w", err)
	}
	rid := cfg.RID
	if rid == "" {
		rid = "session"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	q := &Querier{
		base:   base,
		apiKey: cfg.APIKey,
		rid:    rid,
		client: &http.Client{Timeout: timeout},
		log:    slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q, nil
}

// SendPostRequest posts body as JSON to path.
func (q *Querier) SendPostRequest(ctx context.Context, path string, body any) (json.RawMessage, error) {
	return q.send(ctx, http.MethodPost, path, nil, body)
}

// SendPutRequest puts body as JSON to path.
func (q *Querier) SendPutRequest(ctx context.Context, path string, body any) (json.RawMessage, error) {
	return q.send(ctx, http.MethodPut, path, nil, body)
}

// SendGetRequest gets path with params as the query string.
func (q *Querier) SendGetRequest(ctx context.Context, path string, params url.Values) (json.RawMessage, error) {
	return q.send(ctx, http.MethodGet, path, params, nil)
}

func (q *Querier) send(ctx context.Context, method, path string, params url.Values, body any) (json.RawMessage, error) {
	u := q.base.JoinPath(path)
	if len(params) > 0 {
		u.RawQuery = params.Encode()
	}

	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("querier: encoding %s %s: %w", method, path, err)
		}
		rdr = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), rdr)
	if err != nil {
		return nil, fmt.Errorf("querier: building %s %s: %w", method, path, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set(headerRID, q.rid)
	if q.apiKey != "" {
		req.Header.Set(headerAPIKey, q.apiKey)
	}

	start := time.Now()
	res, err := q.client.Do(req)
	if err != nil {
		q.log.DebugContext(ctx, "querier.request.failed", slog.String("method", method), slog.String("path", path), slog.String("err", err.Error()))
		return nil, fmt.Errorf("querier: %s %s: %w", method, path, err)
	}
	defer res.Body.Close()

	data, err := io.ReadAll(io.LimitReader(res.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("querier: reading %s %s: %w", method, path, err)
	}
	q.log.DebugContext(ctx, "querier.request.done",
		slog.String("method", method),
		slog.String("path", path),
		slog.Int("status", res.StatusCode),
		slog.Duration("dur", time.Since(start)),
	)

	if res.StatusCode < 200 || res.StatusCode > 299 {
		return nil, &HTTPError{Method: method, Path: path, StatusCode: res.StatusCode, Body: string(data)}
	}
	if !contenttype.NewMediaType(res.Header.Get("Content-Type")).Matches(jsonMediaType) {
		return nil, fmt.Errorf("%w: %s %s", ErrNotJSON, method, path)
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("%w: %s %s: malformed body", ErrNotJSON, method, path)
	}
	return json.RawMessage(data), nil
}
