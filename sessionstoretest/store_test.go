package sessionstoretest_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/session-go/claims"
	"github.com/ggoodman/session-go/querier"
	"github.com/ggoodman/session-go/session"
	"github.com/ggoodman/session-go/sessionstoretest"
	"github.com/ggoodman/session-go/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
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

type harness struct {
	clk   *clock
	store *sessionstoretest.Server
	url   string
}

func newHarness(t *testing.T, cfg sessionstoretest.Config) *harness {
	t.Helper()
	clk := &clock{now: time.UnixMilli(1_700_000_000_000)}
	cfg.KeyBits = 1024
	cfg.APIKey = "secret"
	store, srv := sessionstoretest.Start(t, cfg, sessionstoretest.WithClock(clk.Now))
	return &harness{clk: clk, store: store, url: srv.URL}
}

func (h *harness) manager(t *testing.T, cfg session.Config) *session.Manager {
	t.Helper()
	q, err := querier.New(querier.Config{ConnectionURI: h.url, APIKey: "secret"})
	require.NoError(t, err)
	m, err := session.New(q, cfg, session.WithClock(h.clk.Now))
	require.NoError(t, err)
	return m
}

// browser keeps the cookies a client would send back.
type browser struct {
	jar     map[string]string
	headers map[string]string
}

func newBrowser() *browser {
	return &browser{jar: map[string]string{}, headers: map[string]string{}}
}

func (b *browser) request(method string) (*http.Request, *httptest.ResponseRecorder) {
	r := httptest.NewRequest(method, "/", nil)
	for k, v := range b.jar {
		r.AddCookie(&http.Cookie{Name: k, Value: v})
	}
	for k, v := range b.headers {
		r.Header.Set(k, v)
	}
	return r, httptest.NewRecorder()
}

func (b *browser) absorb(rec *httptest.ResponseRecorder) {
	for _, c := range rec.Result().Cookies() {
		if c.Value == "" {
			delete(b.jar, c.Name)
			continue
		}
		b.jar[c.Name] = c.Value
	}
	if v := rec.Header().Get(session.AntiCSRFHeader); v != "" && v != "remove" {
		b.headers[session.AntiCSRFHeader] = v
	}
}

func (b *browser) create(t *testing.T, m *session.Manager, in session.CreateInput) *session.Container {
	t.Helper()
	_, rec := b.request(http.MethodPost)
	c, err := m.CreateNewSession(context.Background(), transport.WrapResponse(rec), in)
	require.NoError(t, err)
	b.absorb(rec)
	return c
}

func (b *browser) get(m *session.Manager, method string, opts *session.VerifyOptions) (*session.Container, error) {
	r, rec := b.request(method)
	c, err := m.GetSession(context.Background(), transport.WrapRequest(r), transport.WrapResponse(rec), opts)
	b.absorb(rec)
	return c, err
}

func (b *browser) refresh(m *session.Manager) (*session.Container, *httptest.ResponseRecorder, error) {
	r, rec := b.request(http.MethodPost)
	c, err := m.RefreshSession(context.Background(), transport.WrapRequest(r), transport.WrapResponse(rec))
	b.absorb(rec)
	return c, rec, err
}

func TestSessionLifecycle(t *testing.T) {
	h := newHarness(t, sessionstoretest.Config{})
	m := h.manager(t, session.Config{})
	b := newBrowser()

	created := b.create(t, m, session.CreateInput{UserID: "u1", AccessTokenPayload: map[string]any{"role": "admin"}})
	require.Contains(t, b.jar, session.AccessTokenCookie)
	require.Contains(t, b.jar, session.RefreshTokenCookie)
	require.Contains(t, b.jar, session.IDRefreshTokenCookie)

	c, err := b.get(m, http.MethodGet, nil)
	require.NoError(t, err)
	assert.Equal(t, created.Handle(), c.Handle())
	assert.Equal(t, "admin", c.AccessTokenPayload()["role"])

	h.clk.Advance(2 * time.Hour)
	_, err = b.get(m, http.MethodGet, nil)
	require.ErrorIs(t, err, session.ErrTryRefreshToken, "access token expired")

	firstRefresh := b.jar[session.RefreshTokenCookie]
	c, _, err = b.refresh(m)
	require.NoError(t, err)
	assert.Equal(t, created.Handle(), c.Handle())
	assert.NotEqual(t, firstRefresh, b.jar[session.RefreshTokenCookie])

	// The new access token names its parent, so it is verified remotely and
	// swapped for one without a parent.
	beforePromotion := b.jar[session.AccessTokenCookie]
	c, err = b.get(m, http.MethodGet, nil)
	require.NoError(t, err)
	assert.NotEqual(t, beforePromotion, c.AccessToken())
	assert.Equal(t, c.AccessToken(), b.jar[session.AccessTokenCookie])

	// Replaying the retired refresh token is theft.
	b.jar[session.RefreshTokenCookie] = firstRefresh
	_, rec, err := b.refresh(m)
	require.ErrorIs(t, err, session.ErrTokenTheftDetected)
	var se *session.Error
	require.ErrorAs(t, err, &se)
	assert.Equal(t, created.Handle(), se.SessionHandle)
	assert.Equal(t, "u1", se.UserID)
	assert.Equal(t, "remove", rec.Header().Get(session.FrontTokenHeader))
	assert.NotContains(t, b.jar, session.AccessTokenCookie)

	_, err = m.GetSessionInformation(context.Background(), created.Handle())
	require.ErrorIs(t, err, session.ErrUnauthorised)
}

func TestRefreshWithLostChild(t *testing.T) {
	h := newHarness(t, sessionstoretest.Config{})
	m := h.manager(t, session.Config{})
	b := newBrowser()
	b.create(t, m, session.CreateInput{UserID: "u1"})

	parent := b.jar[session.RefreshTokenCookie]
	_, _, err := b.refresh(m)
	require.NoError(t, err)

	// The response carrying the child never reached the client.
	b.jar[session.RefreshTokenCookie] = parent
	_, _, err = b.refresh(m)
	require.NoError(t, err)

	_, err = b.get(m, http.MethodGet, nil)
	require.NoError(t, err)
}

func TestLazyKeyRotation(t *testing.T) {
	h := newHarness(t, sessionstoretest.Config{})
	issuer := h.manager(t, session.Config{})
	verifier := h.manager(t, session.Config{})
	ctx := context.Background()

	// Prime the verifier's handshake with the first key only.
	_, err := verifier.GetAccessTokenLifetime(ctx)
	require.NoError(t, err)

	h.clk.Advance(time.Second)
	require.NoError(t, h.store.RotateKey())
	h.clk.Advance(time.Second)

	b := newBrowser()
	created := b.create(t, issuer, session.CreateInput{UserID: "u1"})

	c, err := b.get(verifier, http.MethodGet, nil)
	require.NoError(t, err)
	assert.Equal(t, created.Handle(), c.Handle())
}

func TestClaimsRoundTrip(t *testing.T) {
	h := newHarness(t, sessionstoretest.Config{})
	ev := claims.NewBooleanClaim("st-ev", func(ctx context.Context, userID string) (bool, bool, error) {
		return true, true, nil
	}, claims.WithClock(h.clk.Now))
	role := claims.NewPrimitiveClaim("role", func(ctx context.Context, userID string) (string, bool, error) {
		return "viewer", true, nil
	}, claims.WithClock(h.clk.Now))
	m := h.manager(t, session.Config{DefaultClaims: []claims.Claim{ev}})
	b := newBrowser()
	ctx := context.Background()

	c := b.create(t, m, session.CreateInput{UserID: "u1"})
	v, ok := session.GetClaimValue[bool](c, ev)
	require.True(t, ok)
	assert.True(t, v)

	require.NoError(t, c.FetchAndSetClaim(ctx, role))
	require.NoError(t, c.AssertClaims(ctx, ev.IsTrue(time.Hour), role.HasValue("viewer")))

	info, err := m.GetSessionInformation(ctx, c.Handle())
	require.NoError(t, err)
	assert.Contains(t, info.Claims, "st-ev")
	assert.Contains(t, info.Claims, "role")

	require.NoError(t, c.RemoveClaim(ctx, role))
	info, err = m.GetSessionInformation(ctx, c.Handle())
	require.NoError(t, err)
	assert.NotContains(t, info.Claims, "role")

	// The browser still holds the token minted at creation.
	got, err := b.get(m, http.MethodGet, nil)
	require.NoError(t, err)
	_, ok = session.GetClaimValue[bool](got, ev)
	assert.True(t, ok)

	h.clk.Advance(2 * time.Hour)
	err = c.AssertClaims(ctx, ev.IsTrue(time.Hour))
	require.NoError(t, err, "stale claim is refetched before validation")
}

func TestHandleOperations(t *testing.T) {
	h := newHarness(t, sessionstoretest.Config{})
	m := h.manager(t, session.Config{})
	ctx := context.Background()

	c1 := newBrowser().create(t, m, session.CreateInput{UserID: "u1", SessionData: map[string]any{"cart": 1}})
	c2 := newBrowser().create(t, m, session.CreateInput{UserID: "u1"})
	newBrowser().create(t, m, session.CreateInput{UserID: "u2"})

	handles, err := m.GetAllSessionHandlesForUser(ctx, "u1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{c1.Handle(), c2.Handle()}, handles)

	data, err := c1.GetSessionData(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, data["cart"])
	require.NoError(t, m.UpdateSessionData(ctx, c1.Handle(), map[string]any{"cart": 2}))
	data, err = c1.GetSessionData(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, data["cart"])

	require.NoError(t, m.UpdateAccessTokenPayload(ctx, c1.Handle(), map[string]any{"tier": "gold"}))
	info, err := m.GetSessionInformation(ctx, c1.Handle())
	require.NoError(t, err)
	assert.Equal(t, "gold", info.AccessTokenPayload["tier"])

	ok, err := m.RevokeSession(ctx, c2.Handle())
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = m.RevokeSession(ctx, c2.Handle())
	require.NoError(t, err)
	assert.False(t, ok)

	revoked, err := m.RevokeAllSessionsForUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, []string{c1.Handle()}, revoked)

	require.ErrorIs(t, m.UpdateSessionData(ctx, c1.Handle(), nil), session.ErrUnauthorised)
	handles, err = m.GetAllSessionHandlesForUser(ctx, "u2")
	require.NoError(t, err)
	assert.Len(t, handles, 1)
}

func TestBlacklistingSeesRevocation(t *testing.T) {
	h := newHarness(t, sessionstoretest.Config{Blacklisting: true})
	m := h.manager(t, session.Config{})
	b := newBrowser()
	c := b.create(t, m, session.CreateInput{UserID: "u1"})

	_, err := b.get(m, http.MethodGet, nil)
	require.NoError(t, err)

	_, err = m.RevokeSession(context.Background(), c.Handle())
	require.NoError(t, err)

	_, err = b.get(m, http.MethodGet, nil)
	require.ErrorIs(t, err, session.ErrUnauthorised)
	assert.NotContains(t, b.jar, session.IDRefreshTokenCookie)
}

func TestAntiCSRFViaToken(t *testing.T) {
	h := newHarness(t, sessionstoretest.Config{})
	m := h.manager(t, session.Config{AntiCSRF: session.AntiCSRFViaToken})
	b := newBrowser()
	b.create(t, m, session.CreateInput{UserID: "u1"})
	require.NotEmpty(t, b.headers[session.AntiCSRFHeader])

	_, err := b.get(m, http.MethodPost, nil)
	require.NoError(t, err)

	_, _, err = b.refresh(m)
	require.NoError(t, err)

	_, err = b.get(m, http.MethodPost, nil)
	require.NoError(t, err, "refresh issues a new anti-csrf token")

	delete(b.headers, session.AntiCSRFHeader)
	_, err = b.get(m, http.MethodPost, nil)
	require.ErrorIs(t, err, session.ErrUnauthorised)
}

func TestAPIKeyRequired(t *testing.T) {
	h := newHarness(t, sessionstoretest.Config{})
	q, err := querier.New(querier.Config{ConnectionURI: h.url})
	require.NoError(t, err)

	_, err = q.SendPostRequest(context.Background(), "/recipe/handshake", struct{}{})
	var he *querier.HTTPError
	require.ErrorAs(t, err, &he)
	assert.Equal(t, http.StatusUnauthorized, he.StatusCode)
}
