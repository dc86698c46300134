package session

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/session-go/internal/accesstoken"
	"github.com/ggoodman/session-go/internal/handshake"
	"github.com/ggoodman/session-go/transport"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

var testNow = time.UnixMilli(1_700_000_000_000)

func fixedNow() time.Time { return testNow }

type storeCall struct {
	Method string
	Path   string
	Body   map[string]any
	Params url.Values
}

// fakeStore is a scripted session store.
type fakeStore struct {
	mu     sync.Mutex
	calls  []storeCall
	routes map[string]func(storeCall) any
}

func newFakeStore() *fakeStore {
	return &fakeStore{routes: map[string]func(storeCall) any{}}
}

func (f *fakeStore) on(method, path string, fn func(storeCall) any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.routes[method+" "+path] = fn
}

func (f *fakeStore) reply(method, path string, v any) {
	f.on(method, path, func(storeCall) any { return v })
}

func (f *fakeStore) do(method, path string, body any, params url.Values) (json.RawMessage, error) {
	c := storeCall{Method: method, Path: path, Params: params}
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(b, &c.Body); err != nil {
			return nil, err
		}
	}
	f.mu.Lock()
	f.calls = append(f.calls, c)
	fn := f.routes[method+" "+path]
	f.mu.Unlock()
	if fn == nil {
		return nil, fmt.Errorf("fake store: no route for %s %s", method, path)
	}
	return json.Marshal(fn(c))
}

func (f *fakeStore) SendPostRequest(ctx context.Context, path string, body any) (json.RawMessage, error) {
	return f.do(http.MethodPost, path, body, nil)
}

func (f *fakeStore) SendPutRequest(ctx context.Context, path string, body any) (json.RawMessage, error) {
	return f.do(http.MethodPut, path, body, nil)
}

func (f *fakeStore) SendGetRequest(ctx context.Context, path string, params url.Values) (json.RawMessage, error) {
	return f.do(http.MethodGet, path, nil, params)
}

func (f *fakeStore) count(method, path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.Method == method && c.Path == path {
			n++
		}
	}
	return n
}

func (f *fakeStore) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeStore) last(t *testing.T, method, path string) storeCall {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.calls) - 1; i >= 0; i-- {
		if c := f.calls[i]; c.Method == method && c.Path == path {
			return c
		}
	}
	t.Fatalf("no call to %s %s", method, path)
	return storeCall{}
}

type testKey struct {
	priv      *rsa.PrivateKey
	pub       string
	createdAt int64
}

func (k *testKey) info() handshake.KeyInfo {
	return handshake.KeyInfo{PublicKey: k.pub, CreatedAt: k.createdAt, ExpiryTime: testNow.Add(24 * time.Hour).UnixMilli()}
}

var testKeys = sync.OnceValue(func() []*testKey {
	keys := make([]*testKey, 2)
	for i := range keys {
		priv, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			panic(err)
		}
		pub, err := accesstoken.EncodePublicKey(&priv.PublicKey)
		if err != nil {
			panic(err)
		}
		keys[i] = &testKey{priv: priv, pub: pub, createdAt: testNow.Add(time.Duration(i-2) * time.Hour).UnixMilli()}
	}
	return keys
})

func handshakeReply(blacklisting bool, keys ...*testKey) map[string]any {
	list := make([]handshake.KeyInfo, 0, len(keys))
	for _, k := range keys {
		list = append(list, k.info())
	}
	return map[string]any{
		"status":                         "OK",
		"accessTokenBlacklistingEnabled": blacklisting,
		"accessTokenValidity":            3_600_000,
		"refreshTokenValidity":           8_640_000_000,
		"jwtSigningPublicKeyList":        list,
	}
}

func basePayload() accesstoken.Payload {
	return accesstoken.Payload{
		SessionHandle:     "h1",
		UserID:            "u1",
		RefreshTokenHash1: "rh1",
		UserData:          map[string]any{"role": "admin"},
		TimeCreated:       testNow.Add(-time.Minute).UnixMilli(),
		ExpiryTime:        testNow.Add(time.Hour).UnixMilli(),
	}
}

func mint(t *testing.T, k *testKey, p accesstoken.Payload) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodRS256, &p).SignedString(k.priv)
	require.NoError(t, err)
	return tok
}

func newTestManager(t *testing.T, f *fakeStore, cfg Config, opts ...Option) *Manager {
	t.Helper()
	m, err := New(f, cfg, append([]Option{WithClock(fixedNow)}, opts...)...)
	require.NoError(t, err)
	return m
}

type exchange struct {
	r   *http.Request
	rec *httptest.ResponseRecorder
}

func newExchange(method string, cookies map[string]string, headers map[string]string) *exchange {
	r := httptest.NewRequest(method, "/", nil)
	for k, v := range cookies {
		r.AddCookie(&http.Cookie{Name: k, Value: v})
	}
	for k, v := range headers {
		r.Header.Set(k, v)
	}
	return &exchange{r: r, rec: httptest.NewRecorder()}
}

func (e *exchange) req() transport.Request  { return transport.WrapRequest(e.r) }
func (e *exchange) res() transport.Response { return transport.WrapResponse(e.rec) }

func (e *exchange) cookies() map[string]*http.Cookie {
	out := map[string]*http.Cookie{}
	for _, c := range e.rec.Result().Cookies() {
		out[c.Name] = c
	}
	return out
}

func (e *exchange) requireCleared(t *testing.T) {
	t.Helper()
	c := e.cookies()
	for _, name := range []string{AccessTokenCookie, RefreshTokenCookie, IDRefreshTokenCookie} {
		require.Contains(t, c, name)
		require.Empty(t, c[name].Value, name)
		require.True(t, c[name].Expires.Equal(time.Unix(0, 0)), name)
	}
	require.Equal(t, "remove", e.rec.Header().Get(IDRefreshTokenHeader))
	require.Equal(t, "remove", e.rec.Header().Get(AntiCSRFHeader))
}

func tokenBody(handle, userID string, claimPayload map[string]any) map[string]any {
	return map[string]any{
		"status": "OK",
		"session": map[string]any{
			"handle":        handle,
			"userId":        userID,
			"userDataInJWT": map[string]any{"role": "admin"},
			"claims":        claimPayload,
		},
		"accessToken":    map[string]any{"token": "at-" + handle, "expiry": testNow.Add(time.Hour).UnixMilli(), "createdTime": testNow.UnixMilli()},
		"refreshToken":   map[string]any{"token": "rt-" + handle, "expiry": testNow.Add(100 * time.Hour).UnixMilli(), "createdTime": testNow.UnixMilli()},
		"idRefreshToken": map[string]any{"token": "id-" + handle, "expiry": testNow.Add(100 * time.Hour).UnixMilli(), "createdTime": testNow.UnixMilli()},
	}
}
