package sessionstoretest

import (
	"testing"
	"time"

	"github.com/ggoodman/session-go/internal/accesstoken"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignerRotation(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000)
	s := newSigner(time.Hour, 1024)
	require.NoError(t, s.rotate(now))

	old, err := s.sign([]byte(`{"n":1}`), now)
	require.NoError(t, err)

	now = now.Add(30 * time.Minute)
	require.NoError(t, s.rotate(now))
	keys := s.published(now)
	require.Len(t, keys, 2)
	assert.Greater(t, keys[0].CreatedAt, keys[1].CreatedAt, "newest key first")

	payload, err := s.verify(old, now)
	require.NoError(t, err)
	assert.JSONEq(t, `{"n":1}`, string(payload))

	now = now.Add(45 * time.Minute)
	assert.Len(t, s.published(now), 1)
	_, err = s.verify(old, now)
	assert.Error(t, err, "tokens signed by an expired key no longer verify")
}

func TestTokensVerifyWithPublishedKey(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000)
	srv := &Server{cfg: Config{AccessTokenValidity: time.Hour}, keys: newSigner(time.Hour, 1024)}
	require.NoError(t, srv.keys.rotate(now))

	rec := &record{Handle: "h1", UserID: "u1", RefreshHash: hashToken("rt"), ParentHash: "p", AntiCSRFToken: "csrf"}
	tok, err := srv.issueAccessToken(rec, now)
	require.NoError(t, err)

	p, err := accesstoken.Verify(tok.Token, srv.keys.published(now)[0].PublicKey, now)
	require.NoError(t, err)
	assert.Equal(t, "h1", p.SessionHandle)
	assert.Equal(t, hashToken("rt"), p.RefreshTokenHash1)
	require.NotNil(t, p.ParentRefreshTokenHash1)
	assert.Equal(t, "p", *p.ParentRefreshTokenHash1)
	require.NotNil(t, p.AntiCSRFToken)
	assert.Equal(t, "csrf", *p.AntiCSRFToken)
	assert.Equal(t, now.Add(time.Hour).UnixMilli(), p.ExpiryTime)

	_, err = srv.parse(tok.Token, now.Add(2*time.Hour))
	assert.ErrorIs(t, err, errTokenExpired)
}
