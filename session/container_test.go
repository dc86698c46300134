package session

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/ggoodman/session-go/claims"
	"github.com/ggoodman/session-go/internal/handshake"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// claimStore answers regenerate calls by merging the claim delta into its
// own copy, the way the store does.
type claimStore struct {
	*fakeStore
	claims  claims.Payload
	payload map[string]any
	rotate  bool
}

func newClaimStore(t *testing.T) *claimStore {
	t.Helper()
	s := &claimStore{fakeStore: newFakeStore(), claims: claims.Payload{}, payload: map[string]any{"role": "admin"}}
	s.reply(http.MethodPost, handshake.Path, handshakeReply(false, testKeys()[0]))
	s.on(http.MethodPost, pathSession, func(c storeCall) any {
		s.claims = claims.Payload(c.Body["claims"].(map[string]any))
		return tokenBody("h1", "u1", s.claims)
	})
	s.on(http.MethodPost, pathRegenerate, func(c storeCall) any {
		s.claims = s.claims.Merge(claims.Payload(c.Body["claims"].(map[string]any)))
		s.payload = c.Body["userDataInJWT"].(map[string]any)
		out := map[string]any{
			"status":  "OK",
			"session": map[string]any{"handle": "h1", "userId": "u1", "userDataInJWT": s.payload, "claims": s.claims},
		}
		if s.rotate {
			out["accessToken"] = map[string]any{"token": "regenerated", "expiry": testNow.Add(time.Hour).UnixMilli()}
		}
		return out
	})
	return s
}

func newSessionContainer(t *testing.T, s *claimStore, cfg Config) (*Manager, *Container, *exchange) {
	t.Helper()
	m := newTestManager(t, s.fakeStore, cfg)
	ex := newExchange(http.MethodPost, nil, nil)
	c, err := m.CreateNewSession(context.Background(), ex.res(), CreateInput{UserID: "u1"})
	require.NoError(t, err)
	return m, c, ex
}

type staticClaim struct {
	*claims.PrimitiveClaim[string]
	value string
	ok    bool
	err   error
	calls int
}

func newStaticClaim(key, value string) *staticClaim {
	s := &staticClaim{value: value, ok: true}
	s.PrimitiveClaim = claims.NewPrimitiveClaim(key, func(ctx context.Context, userID string) (string, bool, error) {
		s.calls++
		return s.value, s.ok, s.err
	}, claims.WithClock(fixedNow))
	return s
}

func TestContainerAddAndRemoveClaim(t *testing.T) {
	s := newClaimStore(t)
	_, c, _ := newSessionContainer(t, s, Config{})
	ctx := context.Background()
	role := newStaticClaim("role", "")

	require.NoError(t, c.AddClaim(ctx, role, "editor"))
	v, ok := GetClaimValue[string](c, role)
	require.True(t, ok)
	assert.Equal(t, "editor", v)
	assert.Contains(t, s.claims, "role")

	require.ErrorIs(t, c.AddClaim(ctx, role, 42), claims.ErrValueType)

	require.NoError(t, c.RemoveClaim(ctx, role))
	body := s.last(t, http.MethodPost, pathRegenerate).Body["claims"].(map[string]any)
	assert.Contains(t, body, "role")
	assert.Nil(t, body["role"], "removal is sent as a tombstone")
	_, ok = GetClaimValue[string](c, role)
	assert.False(t, ok)
	assert.NotContains(t, s.claims, "role")
	assert.Equal(t, "admin", c.AccessTokenPayload()["role"], "payload survives claim updates")
}

func TestContainerUpdateClaimWithoutValue(t *testing.T) {
	s := newClaimStore(t)
	_, c, _ := newSessionContainer(t, s, Config{})
	role := newStaticClaim("role", "viewer")
	role.ok = false

	require.NoError(t, c.UpdateClaim(context.Background(), role))
	assert.Zero(t, s.count(http.MethodPost, pathRegenerate))

	role.ok = true
	require.NoError(t, c.UpdateClaim(context.Background(), role))
	v, _ := GetClaimValue[string](c, role)
	assert.Equal(t, "viewer", v)
}

func TestContainerFetchAndSetClaim(t *testing.T) {
	s := newClaimStore(t)
	_, c, _ := newSessionContainer(t, s, Config{})
	ctx := context.Background()
	role := newStaticClaim("role", "viewer")

	require.NoError(t, c.FetchAndSetClaim(ctx, role))
	v, ok := GetClaimValue[string](c, role)
	require.True(t, ok)
	assert.Equal(t, "viewer", v)
	assert.False(t, c.ShouldRefetchClaim(ctx, role))

	role.ok = false
	require.NoError(t, c.FetchAndSetClaim(ctx, role))
	_, ok = GetClaimValue[string](c, role)
	assert.False(t, ok, "no value removes the claim")
	assert.True(t, c.ShouldRefetchClaim(ctx, role))

	role.err = errors.New("directory down")
	require.ErrorIs(t, c.FetchAndSetClaim(ctx, role), role.err)
}

func TestContainerRegenerateRotatesToken(t *testing.T) {
	s := newClaimStore(t)
	s.rotate = true
	_, c, ex := newSessionContainer(t, s, Config{})

	require.NoError(t, c.UpdateAccessTokenPayload(context.Background(), map[string]any{"tier": "gold"}))
	assert.Equal(t, "regenerated", c.AccessToken())
	assert.Equal(t, map[string]any{"tier": "gold"}, c.AccessTokenPayload())
	assert.Equal(t, "regenerated", ex.cookies()[AccessTokenCookie].Value)

	call := s.last(t, http.MethodPost, pathRegenerate)
	assert.Equal(t, "at-h1", call.Body["accessToken"])
	assert.Equal(t, map[string]any{}, call.Body["claims"])
}

func TestContainerUnauthorisedClearsCookies(t *testing.T) {
	s := newClaimStore(t)
	_, c, _ := newSessionContainer(t, s, Config{})
	s.reply(http.MethodPost, pathRegenerate, map[string]any{"status": "UNAUTHORISED"})

	ex := newExchange(http.MethodPost, nil, nil)
	c.res = ex.res()
	err := c.UpdateAccessTokenPayload(context.Background(), nil)
	require.ErrorIs(t, err, ErrUnauthorised)
	ex.requireCleared(t)

	s.reply(http.MethodPut, pathSessionData, map[string]any{"status": "UNAUTHORISED"})
	ex = newExchange(http.MethodPost, nil, nil)
	c.res = ex.res()
	require.ErrorIs(t, c.UpdateSessionData(context.Background(), map[string]any{"a": 1}), ErrUnauthorised)
	ex.requireCleared(t)
}

func TestContainerSessionData(t *testing.T) {
	s := newClaimStore(t)
	_, c, _ := newSessionContainer(t, s, Config{})
	ctx := context.Background()
	s.reply(http.MethodGet, pathSession, map[string]any{
		"status":             "OK",
		"sessionHandle":      "h1",
		"userId":             "u1",
		"userDataInDatabase": map[string]any{"cart": "3 items"},
		"userDataInJWT":      map[string]any{},
		"expiry":             testNow.Add(time.Hour).UnixMilli(),
		"timeCreated":        testNow.Add(-time.Hour).UnixMilli(),
	})
	s.reply(http.MethodPut, pathSessionData, map[string]any{"status": "OK"})

	data, err := c.GetSessionData(ctx)
	require.NoError(t, err)
	assert.Equal(t, "3 items", data["cart"])
	assert.Equal(t, "h1", s.last(t, http.MethodGet, pathSession).Params.Get("sessionHandle"))

	created, err := c.GetTimeCreated(ctx)
	require.NoError(t, err)
	assert.Equal(t, testNow.Add(-time.Hour).UnixMilli(), created.UnixMilli())
	expiry, err := c.GetExpiry(ctx)
	require.NoError(t, err)
	assert.Equal(t, testNow.Add(time.Hour).UnixMilli(), expiry.UnixMilli())

	require.NoError(t, c.UpdateSessionData(ctx, map[string]any{"cart": "empty"}))
	call := s.last(t, http.MethodPut, pathSessionData)
	assert.Equal(t, "h1", call.Body["sessionHandle"])
	assert.Equal(t, map[string]any{"cart": "empty"}, call.Body["userDataInDatabase"])
}

func TestContainerRevokeSession(t *testing.T) {
	s := newClaimStore(t)
	_, c, _ := newSessionContainer(t, s, Config{})

	s.reply(http.MethodPost, pathRemove, map[string]any{"status": "OK", "sessionHandlesRevoked": []string{}})
	ex := newExchange(http.MethodPost, nil, nil)
	c.res = ex.res()
	require.NoError(t, c.RevokeSession(context.Background()))
	assert.Empty(t, ex.rec.Result().Cookies(), "nothing revoked, nothing cleared")

	s.reply(http.MethodPost, pathRemove, map[string]any{"status": "OK", "sessionHandlesRevoked": []string{"h1"}})
	require.NoError(t, c.RevokeSession(context.Background()))
	ex.requireCleared(t)
	assert.Equal(t, []any{"h1"}, s.last(t, http.MethodPost, pathRemove).Body["sessionHandles"])
}

func TestContainerAssertClaims(t *testing.T) {
	s := newClaimStore(t)
	_, c, _ := newSessionContainer(t, s, Config{})
	ctx := context.Background()

	verified := true
	ev := claims.NewBooleanClaim("st-ev", func(ctx context.Context, userID string) (bool, bool, error) {
		return verified, true, nil
	}, claims.WithClock(fixedNow))
	role := newStaticClaim("role", "admin")

	require.NoError(t, c.AssertClaims(ctx, ev.IsTrue(0), role.HasValue("admin")))
	assert.Equal(t, 1, s.count(http.MethodPost, pathRegenerate), "missing claims are refetched in one regeneration")
	assert.Equal(t, 1, role.calls)

	require.NoError(t, c.AssertClaims(ctx, ev.IsTrue(0), role.HasValue("admin")))
	assert.Equal(t, 1, s.count(http.MethodPost, pathRegenerate), "present claims are not refetched")

	err := c.AssertClaims(ctx, role.HasValue("owner"))
	require.ErrorIs(t, err, ErrInvalidClaims)
	var se *Error
	require.ErrorAs(t, err, &se)
	require.Len(t, se.InvalidClaims, 1)
	assert.Equal(t, "role", se.InvalidClaims[0].ID)
	assert.Equal(t, claims.ReasonWrongValue, se.InvalidClaims[0].Reason.Message)
	assert.Equal(t, http.StatusForbidden, HTTPStatus(err))

	verified = false
	require.NoError(t, c.FetchAndSetClaim(ctx, ev))
	err = c.AssertClaims(ctx, ev.IsTrue(0))
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "st-ev", se.InvalidClaims[0].ID)
	assert.Equal(t, true, se.InvalidClaims[0].Reason.ExpectedValue)
	assert.Equal(t, false, se.InvalidClaims[0].Reason.ActualValue)
}
