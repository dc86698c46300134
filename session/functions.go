package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/ggoodman/session-go/claims"
	"github.com/ggoodman/session-go/internal/accesstoken"
	"github.com/ggoodman/session-go/internal/handshake"
)

// Store paths.
const (
	pathSession       = "/recipe/session"
	pathVerify        = "/recipe/session/verify"
	pathRefresh       = "/recipe/session/refresh"
	pathRegenerate    = "/recipe/session/regenerate"
	pathRemove        = "/recipe/session/remove"
	pathUser          = "/recipe/session/user"
	pathSessionData   = "/recipe/session/data"
	pathJWTData       = "/recipe/jwt/data"
	pathSessionClaims = "/recipe/session/claims"
)

// Store statuses.
const (
	statusOK                 = "OK"
	statusUnauthorised       = "UNAUTHORISED"
	statusTryRefreshToken    = "TRY_REFRESH_TOKEN"
	statusTokenTheftDetected = "TOKEN_THEFT_DETECTED"
)

// Querier is the session store client. *querier.Querier implements it.
type Querier interface {
	SendPostRequest(ctx context.Context, path string, body any) (json.RawMessage, error)
	SendGetRequest(ctx context.Context, path string, params url.Values) (json.RawMessage, error)
	SendPutRequest(ctx context.Context, path string, body any) (json.RawMessage, error)
}

// TokenInfo is a token issued by the store. Times are epoch milliseconds.
type TokenInfo struct {
	Token       string `json:"token"`
	Expiry      int64  `json:"expiry"`
	CreatedTime int64  `json:"createdTime"`
}

// SessionInfo is the session part of a token-bearing store response.
type SessionInfo struct {
	Handle        string         `json:"handle"`
	UserID        string         `json:"userId"`
	UserDataInJWT map[string]any `json:"userDataInJWT"`
	Claims        claims.Payload `json:"claims"`
}

// RegenerateResult is the store's answer to an access token regeneration.
// AccessToken is nil when the store kept the current token.
type RegenerateResult struct {
	Session     SessionInfo
	AccessToken *TokenInfo
}

// Information describes a session as recorded by the store.
type Information struct {
	SessionHandle      string
	UserID             string
	SessionData        map[string]any
	AccessTokenPayload map[string]any
	Claims             claims.Payload
	Expiry             time.Time
	TimeCreated        time.Time
}

type storeResponse struct {
	Status       string `json:"status"`
	Message      string `json:"message,omitempty"`
	ClearCookies *bool  `json:"clearCookies,omitempty"`

	Session        SessionInfo `json:"session"`
	AccessToken    *TokenInfo  `json:"accessToken,omitempty"`
	RefreshToken   *TokenInfo  `json:"refreshToken,omitempty"`
	IDRefreshToken *TokenInfo  `json:"idRefreshToken,omitempty"`
	AntiCSRFToken  string      `json:"antiCsrfToken,omitempty"`

	handshake.SigningKeyFields

	// getSessionInformation
	UserID             string         `json:"userId,omitempty"`
	SessionHandle      string         `json:"sessionHandle,omitempty"`
	UserDataInDatabase map[string]any `json:"userDataInDatabase,omitempty"`
	UserDataInJWT      map[string]any `json:"userDataInJWT,omitempty"`
	Claims             claims.Payload `json:"claims,omitempty"`
	Expiry             int64          `json:"expiry,omitempty"`
	TimeCreated        int64          `json:"timeCreated,omitempty"`

	// remove and user listing
	SessionHandles        []string `json:"sessionHandles,omitempty"`
	SessionHandlesRevoked []string `json:"sessionHandlesRevoked,omitempty"`

	raw json.RawMessage
}

// tokenResponse is a create or refresh response: every token is present.
type tokenResponse struct {
	Session        SessionInfo
	AccessToken    TokenInfo
	RefreshToken   TokenInfo
	IDRefreshToken TokenInfo
	AntiCSRFToken  string
}

// verifyResult is a getSession result; AccessToken is set only when the
// token was rotated in-band.
type verifyResult struct {
	Session     SessionInfo
	AccessToken *TokenInfo
}

type helpers struct {
	q      Querier
	hs     *handshake.Cache
	cfg    Config
	recipe *Recipe
	log    *slog.Logger
	now    func() time.Time
}

func decodeResponse(path string, raw json.RawMessage) (*storeResponse, error) {
	var r storeResponse
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("session: decoding %s response: %w", path, err)
	}
	r.raw = raw
	return &r, nil
}

func (r *storeResponse) unexpected(path string) error {
	return &StatusError{Path: path, Status: r.Status, Body: r.raw}
}

// unauthorisedErr converts an UNAUTHORISED response. Cookies are cleared
// unless the store explicitly says not to.
func (r *storeResponse) unauthorisedErr() *Error {
	wipe := r.ClearCookies == nil || *r.ClearCookies
	return unauthorised(r.Message, wipe)
}

func (r *storeResponse) tokens(path string) (*tokenResponse, error) {
	if r.AccessToken == nil || r.RefreshToken == nil || r.IDRefreshToken == nil {
		return nil, fmt.Errorf("session: %s response is missing tokens", path)
	}
	return &tokenResponse{
		Session:        r.Session,
		AccessToken:    *r.AccessToken,
		RefreshToken:   *r.RefreshToken,
		IDRefreshToken: *r.IDRefreshToken,
		AntiCSRFToken:  r.AntiCSRFToken,
	}, nil
}

func (h *helpers) post(ctx context.Context, path string, body any) (*storeResponse, error) {
	raw, err := h.q.SendPostRequest(ctx, path, body)
	if err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}
	return decodeResponse(path, raw)
}

func (h *helpers) put(ctx context.Context, path string, body any) (*storeResponse, error) {
	raw, err := h.q.SendPutRequest(ctx, path, body)
	if err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}
	return decodeResponse(path, raw)
}

func (h *helpers) get(ctx context.Context, path string, params url.Values) (*storeResponse, error) {
	raw, err := h.q.SendGetRequest(ctx, path, params)
	if err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}
	return decodeResponse(path, raw)
}

func emptyIfNil(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func createNewSession(ctx context.Context, h *helpers, userID string, accessTokenPayload, sessionData map[string]any, claimPayload claims.Payload) (*tokenResponse, error) {
	if _, err := h.hs.Get(ctx, false); err != nil {
		return nil, err
	}
	if claimPayload == nil {
		claimPayload = claims.Payload{}
	}
	r, err := h.post(ctx, pathSession, map[string]any{
		"userId":             userID,
		"userDataInJWT":      emptyIfNil(accessTokenPayload),
		"userDataInDatabase": emptyIfNil(sessionData),
		"claims":             claimPayload,
		"enableAntiCsrf":     h.cfg.AntiCSRF == AntiCSRFViaToken,
	})
	if err != nil {
		return nil, err
	}
	if r.Status != statusOK {
		return nil, r.unexpected(pathSession)
	}
	h.hs.Apply(r.SigningKeyFields)
	return r.tokens(pathSession)
}

func getSession(ctx context.Context, h *helpers, token, antiCSRFToken string, doAntiCSRFCheck, containsRID bool) (*verifyResult, error) {
	mode := h.cfg.AntiCSRF
	if doAntiCSRFCheck {
		switch {
		case mode == AntiCSRFViaToken && antiCSRFToken == "":
			return nil, unauthorised("Provided anti-csrf token is missing. If you are using the frontend SDK, the header is added automatically.", false)
		case mode == AntiCSRFViaCustomHeader && !containsRID:
			return nil, unauthorised("anti-csrf check failed. Please pass the 'rid: \"session\"' header in the request, or set doAntiCsrfCheck to false for this API", false)
		}
	}

	info, err := h.hs.Get(ctx, false)
	if err != nil {
		return nil, err
	}

	p, err := verifyLocally(ctx, h, info, token)
	if err != nil {
		return nil, err
	}

	if mode == AntiCSRFViaToken && doAntiCSRFCheck {
		if p.AntiCSRFToken == nil || *p.AntiCSRFToken != antiCSRFToken {
			return nil, tryRefresh("anti-csrf check failed", nil)
		}
	}

	if !info.AccessTokenBlacklistingEnabled && p.ParentRefreshTokenHash1 == nil {
		h.log.DebugContext(ctx, "session.verify.local", slog.String("handle", p.SessionHandle))
		return &verifyResult{Session: SessionInfo{
			Handle:        p.SessionHandle,
			UserID:        p.UserID,
			UserDataInJWT: emptyIfNil(p.UserData),
			Claims:        p.Claims.Clone(),
		}}, nil
	}

	h.log.DebugContext(ctx, "session.verify.remote", slog.String("handle", p.SessionHandle))
	body := map[string]any{
		"accessToken":     token,
		"doAntiCsrfCheck": doAntiCSRFCheck,
		"enableAntiCsrf":  mode == AntiCSRFViaToken,
	}
	if antiCSRFToken != "" {
		body["antiCsrfToken"] = antiCSRFToken
	}
	r, err := h.post(ctx, pathVerify, body)
	if err != nil {
		return nil, err
	}
	switch r.Status {
	case statusOK:
		h.hs.Apply(r.SigningKeyFields)
		return &verifyResult{Session: r.Session, AccessToken: r.AccessToken}, nil
	case statusUnauthorised:
		return nil, r.unauthorisedErr()
	case statusTryRefreshToken:
		h.hs.Apply(r.SigningKeyFields)
		return nil, tryRefresh(r.Message, nil)
	default:
		return nil, r.unexpected(pathVerify)
	}
}

// verifyLocally checks token against the known signing keys. When no key
// verifies it and the token was created after the newest key we know about,
// the store may have rotated keys since our last handshake, so the key list
// is refetched once and verification retried.
func verifyLocally(ctx context.Context, h *helpers, info *handshake.Info, token string) (*accesstoken.Payload, error) {
	p, verr := verifyWithKeys(info.SigningKeys(), token, h.now())
	if verr == nil {
		return p, nil
	}
	if errors.Is(verr, accesstoken.ErrExpired) {
		return nil, tryRefresh("access token expired", verr)
	}

	unverified, err := accesstoken.ParseUnverified(token)
	if err != nil {
		return nil, tryRefresh("access token is malformed", err)
	}
	if unverified.ExpiryTime < h.now().UnixMilli() {
		return nil, tryRefresh("access token expired", verr)
	}
	var newest int64
	for _, k := range info.SigningKeys() {
		newest = max(newest, k.CreatedAt)
	}
	if unverified.TimeCreated <= newest {
		return nil, tryRefresh("access token signature is invalid", verr)
	}

	h.log.DebugContext(ctx, "session.verify.refetch_keys")
	info, err = h.hs.Get(ctx, true)
	if err != nil {
		return nil, err
	}
	p, verr = verifyWithKeys(info.SigningKeys(), token, h.now())
	if verr != nil {
		return nil, tryRefresh("access token signature is invalid", verr)
	}
	return p, nil
}

func verifyWithKeys(keys []handshake.KeyInfo, token string, now time.Time) (*accesstoken.Payload, error) {
	err := accesstoken.ErrInvalid
	for _, k := range keys {
		p, verr := accesstoken.Verify(token, k.PublicKey, now)
		if verr == nil {
			return p, nil
		}
		err = verr
		if errors.Is(verr, accesstoken.ErrExpired) {
			return nil, verr
		}
	}
	return nil, err
}

func refreshSession(ctx context.Context, h *helpers, refreshToken, antiCSRFToken string, containsRID bool) (*tokenResponse, error) {
	if h.cfg.AntiCSRF == AntiCSRFViaCustomHeader && !containsRID {
		return nil, unauthorised("anti-csrf check failed. Please pass the 'rid: \"session\"' header in the request.", false)
	}
	body := map[string]any{
		"refreshToken":   refreshToken,
		"enableAntiCsrf": h.cfg.AntiCSRF == AntiCSRFViaToken,
	}
	if antiCSRFToken != "" {
		body["antiCsrfToken"] = antiCSRFToken
	}
	r, err := h.post(ctx, pathRefresh, body)
	if err != nil {
		return nil, err
	}
	switch r.Status {
	case statusOK:
		h.hs.Apply(r.SigningKeyFields)
		return r.tokens(pathRefresh)
	case statusUnauthorised:
		return nil, r.unauthorisedErr()
	case statusTokenTheftDetected:
		return nil, &Error{
			Kind:          KindTokenTheftDetected,
			Message:       "token theft detected",
			SessionHandle: r.Session.Handle,
			UserID:        r.Session.UserID,
		}
	default:
		return nil, r.unexpected(pathRefresh)
	}
}

func regenerateAccessToken(ctx context.Context, h *helpers, token string, newPayload map[string]any, newClaims claims.Payload) (*RegenerateResult, error) {
	if newClaims == nil {
		newClaims = claims.Payload{}
	}
	r, err := h.post(ctx, pathRegenerate, map[string]any{
		"accessToken":   token,
		"userDataInJWT": emptyIfNil(newPayload),
		"claims":        newClaims,
	})
	if err != nil {
		return nil, err
	}
	switch r.Status {
	case statusOK:
		return &RegenerateResult{Session: r.Session, AccessToken: r.AccessToken}, nil
	case statusUnauthorised:
		return nil, r.unauthorisedErr()
	default:
		return nil, r.unexpected(pathRegenerate)
	}
}

func getSessionInformation(ctx context.Context, h *helpers, handle string) (*Information, error) {
	r, err := h.get(ctx, pathSession, url.Values{"sessionHandle": {handle}})
	if err != nil {
		return nil, err
	}
	switch r.Status {
	case statusOK:
		return &Information{
			SessionHandle:      r.SessionHandle,
			UserID:             r.UserID,
			SessionData:        emptyIfNil(r.UserDataInDatabase),
			AccessTokenPayload: emptyIfNil(r.UserDataInJWT),
			Claims:             r.Claims,
			Expiry:             time.UnixMilli(r.Expiry),
			TimeCreated:        time.UnixMilli(r.TimeCreated),
		}, nil
	case statusUnauthorised:
		return nil, unauthorised("Session does not exist anymore", true)
	default:
		return nil, r.unexpected(pathSession)
	}
}

func revokeAllSessionsForUser(ctx context.Context, h *helpers, userID string) ([]string, error) {
	r, err := h.post(ctx, pathRemove, map[string]any{"userId": userID})
	if err != nil {
		return nil, err
	}
	if r.Status != statusOK {
		return nil, r.unexpected(pathRemove)
	}
	return nonNil(r.SessionHandlesRevoked), nil
}

func getAllSessionHandlesForUser(ctx context.Context, h *helpers, userID string) ([]string, error) {
	r, err := h.get(ctx, pathUser, url.Values{"userId": {userID}})
	if err != nil {
		return nil, err
	}
	if r.Status != statusOK {
		return nil, r.unexpected(pathUser)
	}
	return nonNil(r.SessionHandles), nil
}

func revokeSession(ctx context.Context, h *helpers, handle string) (bool, error) {
	revoked, err := revokeMultipleSessions(ctx, h, []string{handle})
	if err != nil {
		return false, err
	}
	return len(revoked) == 1, nil
}

func revokeMultipleSessions(ctx context.Context, h *helpers, handles []string) ([]string, error) {
	r, err := h.post(ctx, pathRemove, map[string]any{"sessionHandles": nonNil(handles)})
	if err != nil {
		return nil, err
	}
	if r.Status != statusOK {
		return nil, r.unexpected(pathRemove)
	}
	return nonNil(r.SessionHandlesRevoked), nil
}

func updateSessionData(ctx context.Context, h *helpers, handle string, data map[string]any) error {
	return h.putHandle(ctx, pathSessionData, map[string]any{
		"sessionHandle":      handle,
		"userDataInDatabase": emptyIfNil(data),
	})
}

func updateAccessTokenPayload(ctx context.Context, h *helpers, handle string, payload map[string]any) error {
	return h.putHandle(ctx, pathJWTData, map[string]any{
		"sessionHandle": handle,
		"userDataInJWT": emptyIfNil(payload),
	})
}

func updateSessionClaims(ctx context.Context, h *helpers, handle string, p claims.Payload) error {
	if p == nil {
		p = claims.Payload{}
	}
	return h.putHandle(ctx, pathSessionClaims, map[string]any{
		"sessionHandle": handle,
		"claims":        p,
	})
}

func (h *helpers) putHandle(ctx context.Context, path string, body map[string]any) error {
	r, err := h.put(ctx, path, body)
	if err != nil {
		return err
	}
	switch r.Status {
	case statusOK:
		return nil
	case statusUnauthorised:
		return unauthorised("Session does not exist anymore", true)
	default:
		return r.unexpected(path)
	}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
