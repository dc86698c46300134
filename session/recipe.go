package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ggoodman/session-go/claims"
	"github.com/ggoodman/session-go/internal/handshake"
	"github.com/ggoodman/session-go/internal/logctx"
	"github.com/ggoodman/session-go/transport"
)

// CreateInput describes a new session.
type CreateInput struct {
	UserID             string
	AccessTokenPayload map[string]any
	SessionData        map[string]any
	// Claims to fetch and embed. Nil means Config.DefaultClaims; an empty
	// non-nil slice adds none.
	Claims []claims.Claim
}

// VerifyOptions tune GetSession. A nil *VerifyOptions uses the defaults.
type VerifyOptions struct {
	// AntiCSRFCheck forces the check on or off. Nil checks every method
	// except GET.
	AntiCSRFCheck *bool
	// SessionRequired defaults to true. When false, requests without a
	// session yield a nil container instead of an error.
	SessionRequired *bool
}

func (o *VerifyOptions) sessionRequired() bool {
	return o == nil || o.SessionRequired == nil || *o.SessionRequired
}

// Recipe is the replaceable surface of the session recipe. Every field is an
// independent function; extensions copy the struct and wrap the fields they
// care about. Containers always call through the final recipe.
type Recipe struct {
	CreateNewSession func(ctx context.Context, res transport.Response, in CreateInput) (*Container, error)
	GetSession       func(ctx context.Context, req transport.Request, res transport.Response, opts *VerifyOptions) (*Container, error)
	RefreshSession   func(ctx context.Context, req transport.Request, res transport.Response) (*Container, error)

	// RegenerateAccessToken reissues token with a new payload and claim
	// delta. A nil payload is treated as empty.
	RegenerateAccessToken func(ctx context.Context, token string, newPayload map[string]any, newClaims claims.Payload) (*RegenerateResult, error)

	GetSessionInformation       func(ctx context.Context, handle string) (*Information, error)
	RevokeSession               func(ctx context.Context, handle string) (bool, error)
	RevokeAllSessionsForUser    func(ctx context.Context, userID string) ([]string, error)
	GetAllSessionHandlesForUser func(ctx context.Context, userID string) ([]string, error)
	RevokeMultipleSessions      func(ctx context.Context, handles []string) ([]string, error)
	UpdateSessionData           func(ctx context.Context, handle string, data map[string]any) error
	UpdateAccessTokenPayload    func(ctx context.Context, handle string, payload map[string]any) error
	UpdateSessionClaims         func(ctx context.Context, handle string, p claims.Payload) error

	GetAccessTokenLifetime  func(ctx context.Context) (time.Duration, error)
	GetRefreshTokenLifetime func(ctx context.Context) (time.Duration, error)
}

// Manager owns one store configuration: its handshake cache, its config and
// the final recipe.
type Manager struct {
	h      *helpers
	recipe Recipe
}

// New builds a Manager talking to the store through q.
func New(q Querier, cfg Config, opts ...Option) (*Manager, error) {
	if q == nil {
		return nil, fmt.Errorf("%w: querier is required", ErrInvalidConfig)
	}
	cfg, err := cfg.normalise()
	if err != nil {
		return nil, err
	}
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	log := slog.New(logctx.New(cfg.LogHandler))
	m := &Manager{}
	m.h = &helpers{
		q:      q,
		hs:     handshake.NewCache(q, cfg.AntiCSRF, handshake.WithClock(o.now), handshake.WithLogger(log)),
		cfg:    cfg,
		recipe: &m.recipe,
		log:    log,
		now:    o.now,
	}

	r := defaultRecipe(m.h)
	for _, fn := range o.overrides {
		r = fn(r)
	}
	m.recipe = r
	return m, nil
}

// Recipe returns the final recipe after overrides.
func (m *Manager) Recipe() Recipe { return m.recipe }

// Config returns the normalised configuration.
func (m *Manager) Config() Config { return m.h.cfg }

// HTTPStatus maps err using the configured status codes.
func (m *Manager) HTTPStatus(err error) int {
	return httpStatus(err, m.h.cfg.SessionExpiredStatus, m.h.cfg.InvalidClaimStatus)
}

func (m *Manager) CreateNewSession(ctx context.Context, res transport.Response, in CreateInput) (*Container, error) {
	return m.recipe.CreateNewSession(ctx, res, in)
}

func (m *Manager) GetSession(ctx context.Context, req transport.Request, res transport.Response, opts *VerifyOptions) (*Container, error) {
	return m.recipe.GetSession(ctx, req, res, opts)
}

func (m *Manager) RefreshSession(ctx context.Context, req transport.Request, res transport.Response) (*Container, error) {
	return m.recipe.RefreshSession(ctx, req, res)
}

func (m *Manager) GetSessionInformation(ctx context.Context, handle string) (*Information, error) {
	return m.recipe.GetSessionInformation(ctx, handle)
}

func (m *Manager) RevokeSession(ctx context.Context, handle string) (bool, error) {
	return m.recipe.RevokeSession(ctx, handle)
}

func (m *Manager) RevokeAllSessionsForUser(ctx context.Context, userID string) ([]string, error) {
	return m.recipe.RevokeAllSessionsForUser(ctx, userID)
}

func (m *Manager) GetAllSessionHandlesForUser(ctx context.Context, userID string) ([]string, error) {
	return m.recipe.GetAllSessionHandlesForUser(ctx, userID)
}

func (m *Manager) RevokeMultipleSessions(ctx context.Context, handles []string) ([]string, error) {
	return m.recipe.RevokeMultipleSessions(ctx, handles)
}

func (m *Manager) UpdateSessionData(ctx context.Context, handle string, data map[string]any) error {
	return m.recipe.UpdateSessionData(ctx, handle, data)
}

func (m *Manager) UpdateAccessTokenPayload(ctx context.Context, handle string, payload map[string]any) error {
	return m.recipe.UpdateAccessTokenPayload(ctx, handle, payload)
}

func (m *Manager) UpdateSessionClaims(ctx context.Context, handle string, p claims.Payload) error {
	return m.recipe.UpdateSessionClaims(ctx, handle, p)
}

func (m *Manager) GetAccessTokenLifetime(ctx context.Context) (time.Duration, error) {
	return m.recipe.GetAccessTokenLifetime(ctx)
}

func (m *Manager) GetRefreshTokenLifetime(ctx context.Context) (time.Duration, error) {
	return m.recipe.GetRefreshTokenLifetime(ctx)
}

func defaultRecipe(h *helpers) Recipe {
	return Recipe{
		CreateNewSession: func(ctx context.Context, res transport.Response, in CreateInput) (*Container, error) {
			return createNewSessionWithClaims(ctx, h, res, in)
		},
		GetSession: func(ctx context.Context, req transport.Request, res transport.Response, opts *VerifyOptions) (*Container, error) {
			return getSessionFromRequest(ctx, h, req, res, opts)
		},
		RefreshSession: func(ctx context.Context, req transport.Request, res transport.Response) (*Container, error) {
			return refreshSessionFromRequest(ctx, h, req, res)
		},
		RegenerateAccessToken: func(ctx context.Context, token string, newPayload map[string]any, newClaims claims.Payload) (*RegenerateResult, error) {
			return regenerateAccessToken(ctx, h, token, newPayload, newClaims)
		},
		GetSessionInformation: func(ctx context.Context, handle string) (*Information, error) {
			return getSessionInformation(ctx, h, handle)
		},
		RevokeSession: func(ctx context.Context, handle string) (bool, error) {
			return revokeSession(ctx, h, handle)
		},
		RevokeAllSessionsForUser: func(ctx context.Context, userID string) ([]string, error) {
			return revokeAllSessionsForUser(ctx, h, userID)
		},
		GetAllSessionHandlesForUser: func(ctx context.Context, userID string) ([]string, error) {
			return getAllSessionHandlesForUser(ctx, h, userID)
		},
		RevokeMultipleSessions: func(ctx context.Context, handles []string) ([]string, error) {
			return revokeMultipleSessions(ctx, h, handles)
		},
		UpdateSessionData: func(ctx context.Context, handle string, data map[string]any) error {
			return updateSessionData(ctx, h, handle, data)
		},
		UpdateAccessTokenPayload: func(ctx context.Context, handle string, payload map[string]any) error {
			return updateAccessTokenPayload(ctx, h, handle, payload)
		},
		UpdateSessionClaims: func(ctx context.Context, handle string, p claims.Payload) error {
			return updateSessionClaims(ctx, h, handle, p)
		},
		GetAccessTokenLifetime: func(ctx context.Context) (time.Duration, error) {
			info, err := h.hs.Get(ctx, false)
			if err != nil {
				return 0, err
			}
			return info.AccessTokenValidity, nil
		},
		GetRefreshTokenLifetime: func(ctx context.Context) (time.Duration, error) {
			info, err := h.hs.Get(ctx, false)
			if err != nil {
				return 0, err
			}
			return info.RefreshTokenValidity, nil
		},
	}
}

func createNewSessionWithClaims(ctx context.Context, h *helpers, res transport.Response, in CreateInput) (*Container, error) {
	toAdd := in.Claims
	if toAdd == nil {
		toAdd = h.cfg.DefaultClaims
	}
	claimPayload := claims.Payload{}
	for _, c := range toAdd {
		delta, err := c.FetchAndGetAccessTokenPayloadUpdate(ctx, in.UserID)
		if err != nil {
			return nil, err
		}
		claimPayload = claimPayload.Merge(delta)
	}

	r, err := createNewSession(ctx, h, in.UserID, in.AccessTokenPayload, in.SessionData, claimPayload)
	if err != nil {
		return nil, err
	}
	attachTokens(h.cfg, res, r)
	h.log.DebugContext(withSession(ctx, r.Session), "session.create.ok")
	return newContainer(h, res, r.AccessToken.Token, r.Session), nil
}

func getSessionFromRequest(ctx context.Context, h *helpers, req transport.Request, res transport.Response, opts *VerifyOptions) (*Container, error) {
	if idRefreshTokenFrom(req) == "" {
		// Cookies are never cleared on this path: a concurrent refresh may
		// be replacing them.
		if !opts.sessionRequired() {
			h.log.DebugContext(ctx, "session.get.anonymous", slog.String("reason", "no_id_refresh_token"))
			return nil, nil
		}
		h.log.DebugContext(ctx, "session.get.unauthorised", slog.String("reason", "no_id_refresh_token"))
		return nil, unauthorised("Session does not exist. Are you sending the session tokens in the request as cookies?", false)
	}

	token := accessTokenFrom(req)
	if token == "" {
		if opts.sessionRequired() || hasRID(req) || isGET(req) {
			h.log.DebugContext(ctx, "session.get.try_refresh", slog.String("reason", "no_access_token"))
			return nil, tryRefresh("Access token has expired. Please call the refresh API", nil)
		}
		return nil, nil
	}

	doAntiCSRF := !isGET(req)
	if opts != nil && opts.AntiCSRFCheck != nil {
		doAntiCSRF = *opts.AntiCSRFCheck
	}

	r, err := getSession(ctx, h, token, antiCSRFTokenFrom(req), doAntiCSRF, hasRID(req))
	if err != nil {
		if errors.Is(err, ErrUnauthorised) {
			clearSession(h.cfg, res)
		}
		h.log.DebugContext(ctx, "session.get.failed", slog.String("err", err.Error()))
		return nil, err
	}
	if r.AccessToken != nil {
		setFrontToken(res, r.Session.UserID, r.AccessToken.Expiry, r.Session.UserDataInJWT)
		attachAccessToken(h.cfg, res, r.AccessToken.Token, r.AccessToken.Expiry)
		token = r.AccessToken.Token
	}
	h.log.DebugContext(withSession(ctx, r.Session), "session.get.ok")
	return newContainer(h, res, token, r.Session), nil
}

func refreshSessionFromRequest(ctx context.Context, h *helpers, req transport.Request, res transport.Response) (*Container, error) {
	if idRefreshTokenFrom(req) == "" {
		return nil, unauthorised("Session does not exist. Are you sending the session tokens in the request as cookies?", false)
	}

	rt := refreshTokenFrom(req)
	if rt == "" {
		return nil, unauthorised("Refresh token not found. Are you sending the refresh token in the request as a cookie?", false)
	}

	r, err := refreshSession(ctx, h, rt, antiCSRFTokenFrom(req), hasRID(req))
	if err != nil {
		var se *Error
		if errors.As(err, &se) && (se.Kind == KindTokenTheftDetected || (se.Kind == KindUnauthorised && se.ClearCookies)) {
			clearSession(h.cfg, res)
		}
		h.log.DebugContext(ctx, "session.refresh.failed", slog.String("err", err.Error()))
		return nil, err
	}
	attachTokens(h.cfg, res, r)
	h.log.DebugContext(withSession(ctx, r.Session), "session.refresh.ok")
	return newContainer(h, res, r.AccessToken.Token, r.Session), nil
}

func withSession(ctx context.Context, s SessionInfo) context.Context {
	return logctx.WithSessionData(ctx, &logctx.SessionData{Handle: s.Handle, UserID: s.UserID})
}
