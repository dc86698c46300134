package session

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ggoodman/session-go/claims"
	"github.com/ggoodman/session-go/internal/handshake"
	"github.com/joeshaw/envdecode"
)

// AntiCSRFMode selects how state-changing requests are protected.
type AntiCSRFMode = handshake.AntiCSRFMode

const (
	AntiCSRFNone            = handshake.AntiCSRFNone
	AntiCSRFViaToken        = handshake.AntiCSRFViaToken
	AntiCSRFViaCustomHeader = handshake.AntiCSRFViaCustomHeader
)

var ErrInvalidConfig = errors.New("session: invalid config")

// Config for a Manager. Scalar fields can be loaded via envdecode.
type Config struct {
	// AntiCSRF defaults to VIA_CUSTOM_HEADER when CookieSameSite is "none"
	// and NONE otherwise. ENV: SESSION_ANTI_CSRF
	AntiCSRF AntiCSRFMode `env:"SESSION_ANTI_CSRF"`
	// CookieDomain scopes session cookies. ENV: SESSION_COOKIE_DOMAIN
	CookieDomain string `env:"SESSION_COOKIE_DOMAIN"`
	// CookieSecure marks session cookies Secure. ENV: SESSION_COOKIE_SECURE
	CookieSecure bool `env:"SESSION_COOKIE_SECURE,default=false"`
	// CookieSameSite is one of lax, strict or none. ENV: SESSION_COOKIE_SAME_SITE
	CookieSameSite string `env:"SESSION_COOKIE_SAME_SITE,default=lax"`
	// RefreshTokenPath is the only path the refresh cookie is sent to.
	// ENV: SESSION_REFRESH_TOKEN_PATH
	RefreshTokenPath string `env:"SESSION_REFRESH_TOKEN_PATH,default=/auth/session/refresh"`
	// SessionExpiredStatus is used for UNAUTHORISED, TRY_REFRESH_TOKEN and
	// theft failures. ENV: SESSION_EXPIRED_STATUS_CODE
	SessionExpiredStatus int `env:"SESSION_EXPIRED_STATUS_CODE,default=401"`
	// InvalidClaimStatus is used for claim validation failures.
	// ENV: SESSION_INVALID_CLAIM_STATUS_CODE
	InvalidClaimStatus int `env:"SESSION_INVALID_CLAIM_STATUS_CODE,default=403"`

	// DefaultClaims are fetched and added to every new session unless the
	// caller passes its own list.
	DefaultClaims []claims.Claim
	// LogHandler receives debug records at state machine decisions.
	LogHandler slog.Handler
}

// ConfigFromEnv loads the scalar fields of Config from the environment.
func ConfigFromEnv() (Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("session: decoding env: %w", err)
	}
	return cfg, nil
}

// normalise fills defaults and validates cfg.
func (cfg Config) normalise() (Config, error) {
	cfg.CookieSameSite = strings.ToLower(strings.TrimSpace(cfg.CookieSameSite))
	if cfg.CookieSameSite == "" {
		cfg.CookieSameSite = "lax"
	}
	switch cfg.CookieSameSite {
	case "lax", "strict", "none":
	default:
		return cfg, fmt.Errorf("%w: cookie same-site %q", ErrInvalidConfig, cfg.CookieSameSite)
	}

	if cfg.AntiCSRF == "" {
		if cfg.CookieSameSite == "none" {
			cfg.AntiCSRF = AntiCSRFViaCustomHeader
		} else {
			cfg.AntiCSRF = AntiCSRFNone
		}
	}
	if !cfg.AntiCSRF.Valid() {
		return cfg, fmt.Errorf("%w: anti-csrf mode %q", ErrInvalidConfig, cfg.AntiCSRF)
	}

	if cfg.RefreshTokenPath == "" {
		cfg.RefreshTokenPath = "/auth/session/refresh"
	}
	if !strings.HasPrefix(cfg.RefreshTokenPath, "/") {
		cfg.RefreshTokenPath = "/" + cfg.RefreshTokenPath
	}
	if cfg.SessionExpiredStatus == 0 {
		cfg.SessionExpiredStatus = DefaultSessionExpiredStatus
	}
	if cfg.InvalidClaimStatus == 0 {
		cfg.InvalidClaimStatus = DefaultInvalidClaimStatus
	}
	if cfg.SessionExpiredStatus == cfg.InvalidClaimStatus {
		return cfg, fmt.Errorf("%w: session expired and invalid claim status codes must differ", ErrInvalidConfig)
	}
	return cfg, nil
}

func (cfg Config) sameSite() http.SameSite {
	switch cfg.CookieSameSite {
	case "strict":
		return http.SameSiteStrictMode
	case "none":
		return http.SameSiteNoneMode
	default:
		return http.SameSiteLaxMode
	}
}

// Option configures a Manager.
type Option func(*options)

type options struct {
	overrides []func(Recipe) Recipe
	now       func() time.Time
}

// WithOverride wraps the recipe. Overrides apply in the order given; each
// receives the recipe produced by the previous one and returns a new value.
func WithOverride(fn func(orig Recipe) Recipe) Option {
	return func(o *options) {
		if fn != nil {
			o.overrides = append(o.overrides, fn)
		}
	}
}

// WithClock overrides the clock used for local token checks.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}
