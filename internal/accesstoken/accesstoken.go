// Package accesstoken verifies session access tokens locally against the
// signing keys published by the session store.
package accesstoken

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ggoodman/session-go/claims"
	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrInvalid means the token is malformed or its signature does not
	// verify with the given key.
	ErrInvalid = errors.New("accesstoken: invalid")
	// ErrExpired means the token verified but its expiry time has passed.
	ErrExpired = errors.New("accesstoken: expired")
	// ErrBadKey means the published key could not be decoded.
	ErrBadKey = errors.New("accesstoken: bad public key")
)

// Algorithm is the only signing algorithm accepted for access tokens.
const Algorithm = "RS256"

// Payload is the body of an access token. Times are epoch milliseconds.
type Payload struct {
	SessionHandle           string         `json:"sessionHandle"`
	UserID                  string         `json:"userId"`
	RefreshTokenHash1       string         `json:"refreshTokenHash1"`
	ParentRefreshTokenHash1 *string        `json:"parentRefreshTokenHash1,omitempty"`
	UserData                map[string]any `json:"userData"`
	Claims                  claims.Payload `json:"claims,omitempty"`
	AntiCSRFToken           *string        `json:"antiCsrfToken,omitempty"`
	ExpiryTime              int64          `json:"expiryTime"`
	TimeCreated             int64          `json:"timeCreated"`

	// Registered claims are never populated; embedding satisfies jwt.Claims.
	jwt.RegisteredClaims `json:"-"`
}

func (p *Payload) wellFormed() bool {
	return p.SessionHandle != "" && p.UserID != "" && p.RefreshTokenHash1 != "" &&
		p.ExpiryTime > 0 && p.TimeCreated > 0
}

var keys sync.Map // string -> *rsa.PublicKey

// ParsePublicKey decodes a published signing key. Both PEM blocks and bare
// base64 DER (PKIX) are accepted.
func ParsePublicKey(s string) (*rsa.PublicKey, error) {
	if k, ok := keys.Load(s); ok {
		return k.(*rsa.PublicKey), nil
	}

	var der []byte
	if block, _ := pem.Decode([]byte(s)); block != nil {
		der = block.Bytes
	} else {
		b, err := base64.StdEncoding.DecodeString(strings.TrimSpace(s))
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrBadKey, err)
		}
		der = b
	}
	pub, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadKey, err)
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: want RSA key, got %T", ErrBadKey, pub)
	}
	keys.Store(s, rsaPub)
	return rsaPub, nil
}

// EncodePublicKey renders pub in the bare base64 DER form the store publishes.
func EncodePublicKey(pub *rsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(der), nil
}

// Verify checks token against publicKey and returns its payload. A token
// whose signature verifies but whose expiry has passed yields ErrExpired.
func Verify(token, publicKey string, now time.Time) (*Payload, error) {
	pub, err := ParsePublicKey(publicKey)
	if err != nil {
		return nil, err
	}

	var p Payload
	_, err = jwt.ParseWithClaims(token, &p, func(*jwt.Token) (any, error) {
		return pub, nil
	}, jwt.WithValidMethods([]string{Algorithm}), jwt.WithoutClaimsValidation())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	if !p.wellFormed() {
		return nil, fmt.Errorf("%w: missing required fields", ErrInvalid)
	}
	if p.ExpiryTime < now.UnixMilli() {
		return nil, ErrExpired
	}
	return &p, nil
}

// ParseUnverified decodes the payload without checking the signature. It is
// only used to decide whether an unverifiable token may have been signed by
// a key that is not known yet.
func ParseUnverified(token string) (*Payload, error) {
	var p Payload
	if _, _, err := jwt.NewParser().ParseUnverified(token, &p); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	if !p.wellFormed() {
		return nil, fmt.Errorf("%w: missing required fields", ErrInvalid)
	}
	return &p, nil
}
