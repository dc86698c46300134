package session

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ggoodman/session-go/transport"
)

// Names of the cookies and headers carrying session state.
const (
	AccessTokenCookie    = "sAccessToken"
	RefreshTokenCookie   = "sRefreshToken"
	IDRefreshTokenCookie = "sIdRefreshToken"

	IDRefreshTokenHeader = "id-refresh-token"
	AntiCSRFHeader       = "anti-csrf"
	FrontTokenHeader     = "front-token"
	RIDHeader            = "rid"

	exposeHeaders = "Access-Control-Expose-Headers"
	removed       = "remove"
)

// frontToken mirrors non-sensitive session data for client-side code.
type frontToken struct {
	UID string         `json:"uid"`
	ATE int64          `json:"ate"`
	UP  map[string]any `json:"up"`
}

func accessTokenFrom(req transport.Request) string    { return req.Cookie(AccessTokenCookie) }
func refreshTokenFrom(req transport.Request) string   { return req.Cookie(RefreshTokenCookie) }
func idRefreshTokenFrom(req transport.Request) string { return req.Cookie(IDRefreshTokenCookie) }
func antiCSRFTokenFrom(req transport.Request) string  { return req.Header(AntiCSRFHeader) }
func hasRID(req transport.Request) bool               { return req.Header(RIDHeader) != "" }

func isGET(req transport.Request) bool {
	return strings.EqualFold(req.Method(), http.MethodGet)
}

func (cfg Config) cookie(name, value, path string, expiry time.Time) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     path,
		Domain:   cfg.CookieDomain,
		Expires:  expiry,
		Secure:   cfg.CookieSecure,
		HttpOnly: true,
		SameSite: cfg.sameSite(),
	}
}

func attachAccessToken(cfg Config, res transport.Response, token string, expiry int64) {
	res.SetCookie(cfg.cookie(AccessTokenCookie, token, "/", time.UnixMilli(expiry)))
}

func attachRefreshToken(cfg Config, res transport.Response, token string, expiry int64) {
	res.SetCookie(cfg.cookie(RefreshTokenCookie, token, cfg.RefreshTokenPath, time.UnixMilli(expiry)))
}

func attachIDRefreshToken(cfg Config, res transport.Response, token string, expiry int64) {
	res.SetHeader(IDRefreshTokenHeader, token+";"+strconv.FormatInt(expiry, 10), false)
	res.SetHeader(exposeHeaders, IDRefreshTokenHeader, true)
	res.SetCookie(cfg.cookie(IDRefreshTokenCookie, token, "/", time.UnixMilli(expiry)))
}

func setAntiCSRFToken(res transport.Response, token string) {
	res.SetHeader(AntiCSRFHeader, token, false)
	res.SetHeader(exposeHeaders, AntiCSRFHeader, true)
}

func setFrontToken(res transport.Response, userID string, accessTokenExpiry int64, payload map[string]any) {
	if payload == nil {
		payload = map[string]any{}
	}
	b, err := json.Marshal(frontToken{UID: userID, ATE: accessTokenExpiry, UP: payload})
	if err != nil {
		return
	}
	res.SetHeader(FrontTokenHeader, base64.StdEncoding.EncodeToString(b), false)
	res.SetHeader(exposeHeaders, FrontTokenHeader, true)
}

// clearSession wipes the access, refresh and id-refresh cookies and tells
// the client to drop its anti-CSRF and front tokens.
func clearSession(cfg Config, res transport.Response) {
	epoch := time.Unix(0, 0)
	res.SetCookie(cfg.cookie(AccessTokenCookie, "", "/", epoch))
	res.SetCookie(cfg.cookie(IDRefreshTokenCookie, "", "/", epoch))
	res.SetCookie(cfg.cookie(RefreshTokenCookie, "", cfg.RefreshTokenPath, epoch))
	res.SetHeader(IDRefreshTokenHeader, removed, false)
	res.SetHeader(AntiCSRFHeader, removed, false)
	res.SetHeader(FrontTokenHeader, removed, false)
	res.SetHeader(exposeHeaders, IDRefreshTokenHeader, true)
	res.SetHeader(exposeHeaders, AntiCSRFHeader, true)
	res.SetHeader(exposeHeaders, FrontTokenHeader, true)
}

// attachTokens writes a create or refresh response to the client.
func attachTokens(cfg Config, res transport.Response, r *tokenResponse) {
	setFrontToken(res, r.Session.UserID, r.AccessToken.Expiry, r.Session.UserDataInJWT)
	attachAccessToken(cfg, res, r.AccessToken.Token, r.AccessToken.Expiry)
	attachRefreshToken(cfg, res, r.RefreshToken.Token, r.RefreshToken.Expiry)
	attachIDRefreshToken(cfg, res, r.IDRefreshToken.Token, r.IDRefreshToken.Expiry)
	if r.AntiCSRFToken != "" {
		setAntiCSRFToken(res, r.AntiCSRFToken)
	}
}

// DecodeFrontToken parses a front-token header value.
func DecodeFrontToken(v string) (userID string, accessTokenExpiry time.Time, payload map[string]any, err error) {
	b, err := base64.StdEncoding.DecodeString(v)
	if err != nil {
		return "", time.Time{}, nil, err
	}
	var ft frontToken
	if err := json.Unmarshal(b, &ft); err != nil {
		return "", time.Time{}, nil, err
	}
	return ft.UID, time.UnixMilli(ft.ATE), ft.UP, nil
}
