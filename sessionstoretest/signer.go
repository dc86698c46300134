package sessionstoretest

import (
	"crypto/rand"
	"crypto/rsa"
	"fmt"
	"sync"
	"time"

	"github.com/ggoodman/session-go/internal/accesstoken"
	"github.com/ggoodman/session-go/internal/handshake"
	jose "github.com/go-jose/go-jose/v4"
	"github.com/google/uuid"
)

type signingKey struct {
	kid       string
	priv      *rsa.PrivateKey
	published string
	createdAt int64
	expiresAt int64
}

// signer issues RS256 compact JWS tokens with the newest key and verifies
// them against every unexpired key.
type signer struct {
	mu       sync.RWMutex
	keys     []*signingKey
	lifetime time.Duration
	bits     int
}

func newSigner(lifetime time.Duration, bits int) *signer {
	return &signer{lifetime: lifetime, bits: bits}
}

// rotate generates a key that becomes the active signing key. Earlier keys
// keep verifying until they expire.
func (s *signer) rotate(now time.Time) error {
	priv, err := rsa.GenerateKey(rand.Reader, s.bits)
	if err != nil {
		return fmt.Errorf("generating signing key: %w", err)
	}
	pub, err := accesstoken.EncodePublicKey(&priv.PublicKey)
	if err != nil {
		return err
	}
	k := &signingKey{
		kid:       uuid.NewString(),
		priv:      priv,
		published: pub,
		createdAt: now.UnixMilli(),
		expiresAt: now.Add(s.lifetime).UnixMilli(),
	}
	s.mu.Lock()
	s.keys = append(s.keys, k)
	s.mu.Unlock()
	return nil
}

func (s *signer) live(now time.Time) []*signingKey {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*signingKey
	for _, k := range s.keys {
		if k.expiresAt > now.UnixMilli() {
			out = append(out, k)
		}
	}
	return out
}

// published lists the unexpired keys, newest first.
func (s *signer) published(now time.Time) []handshake.KeyInfo {
	live := s.live(now)
	out := make([]handshake.KeyInfo, 0, len(live))
	for i := len(live) - 1; i >= 0; i-- {
		k := live[i]
		out = append(out, handshake.KeyInfo{PublicKey: k.published, CreatedAt: k.createdAt, ExpiryTime: k.expiresAt})
	}
	return out
}

func (s *signer) sign(payload []byte, now time.Time) (string, error) {
	live := s.live(now)
	if len(live) == 0 {
		return "", fmt.Errorf("no live signing key")
	}
	k := live[len(live)-1]
	opts := (&jose.SignerOptions{}).WithType("JWT").WithHeader("kid", k.kid)
	sig, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.RS256, Key: k.priv}, opts)
	if err != nil {
		return "", fmt.Errorf("creating signer: %w", err)
	}
	jws, err := sig.Sign(payload)
	if err != nil {
		return "", fmt.Errorf("signing payload: %w", err)
	}
	return jws.CompactSerialize()
}

func (s *signer) verify(token string, now time.Time) ([]byte, error) {
	jws, err := jose.ParseSigned(token, []jose.SignatureAlgorithm{jose.RS256})
	if err != nil {
		return nil, fmt.Errorf("parsing jws: %w", err)
	}
	if len(jws.Signatures) != 1 {
		return nil, fmt.Errorf("unexpected signatures: %d", len(jws.Signatures))
	}
	kid := jws.Signatures[0].Protected.KeyID
	for _, k := range s.live(now) {
		if k.kid == kid {
			return jws.Verify(&k.priv.PublicKey)
		}
	}
	return nil, fmt.Errorf("unknown kid: %s", kid)
}
