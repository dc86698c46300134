package accesstoken

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func newKey(t *testing.T) (*rsa.PrivateKey, string) {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	pub, err := EncodePublicKey(&priv.PublicKey)
	if err != nil {
		t.Fatalf("encode key: %v", err)
	}
	return priv, pub
}

func sign(t *testing.T, priv *rsa.PrivateKey, p Payload) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodRS256, &p).SignedString(priv)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return tok
}

func validPayload(now time.Time) Payload {
	csrf := "csrf"
	return Payload{
		SessionHandle:     "h1",
		UserID:            "u1",
		RefreshTokenHash1: "r1",
		UserData:          map[string]any{"role": "admin"},
		AntiCSRFToken:     &csrf,
		TimeCreated:       now.UnixMilli(),
		ExpiryTime:        now.Add(time.Hour).UnixMilli(),
	}
}

func TestVerify(t *testing.T) {
	now := time.Now()
	priv, pub := newKey(t)
	tok := sign(t, priv, validPayload(now))

	p, err := Verify(tok, pub, now)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if p.SessionHandle != "h1" || p.UserID != "u1" || p.UserData["role"] != "admin" {
		t.Fatalf("unexpected payload: %+v", p)
	}
	if p.AntiCSRFToken == nil || *p.AntiCSRFToken != "csrf" {
		t.Fatalf("anti-csrf token not decoded: %+v", p.AntiCSRFToken)
	}
	if p.ParentRefreshTokenHash1 != nil {
		t.Fatalf("unexpected parent hash")
	}
}

func TestVerifyPEMKey(t *testing.T) {
	now := time.Now()
	priv, _ := newKey(t)
	der, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		t.Fatal(err)
	}
	pemKey := string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))
	if _, err := Verify(sign(t, priv, validPayload(now)), pemKey, now); err != nil {
		t.Fatalf("verify: %v", err)
	}
}

func TestVerifyFailures(t *testing.T) {
	now := time.Now()
	priv, pub := newKey(t)
	_, otherPub := newKey(t)

	if _, err := Verify(sign(t, priv, validPayload(now)), otherPub, now); !errors.Is(err, ErrInvalid) {
		t.Fatalf("wrong key: expected ErrInvalid, got %v", err)
	}
	if _, err := Verify(sign(t, priv, validPayload(now)), pub, now.Add(2*time.Hour)); !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
	if _, err := Verify(sign(t, priv, Payload{UserID: "u"}), pub, now); !errors.Is(err, ErrInvalid) {
		t.Fatalf("missing fields: expected ErrInvalid, got %v", err)
	}
	if _, err := Verify("not.a.token", pub, now); !errors.Is(err, ErrInvalid) {
		t.Fatalf("garbage: expected ErrInvalid, got %v", err)
	}
	if _, err := Verify(sign(t, priv, validPayload(now)), "%%%", now); !errors.Is(err, ErrBadKey) {
		t.Fatalf("expected ErrBadKey, got %v", err)
	}

	hs, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"userId": "u"}).SignedString([]byte("secret"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Verify(hs, pub, now); !errors.Is(err, ErrInvalid) {
		t.Fatalf("HS256: expected ErrInvalid, got %v", err)
	}
}

func TestParseUnverified(t *testing.T) {
	now := time.Now()
	priv, _ := newKey(t)
	p, err := ParseUnverified(sign(t, priv, validPayload(now)))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if p.TimeCreated != now.UnixMilli() {
		t.Fatalf("timeCreated = %d", p.TimeCreated)
	}
	if _, err := ParseUnverified("x.y.z"); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
}
