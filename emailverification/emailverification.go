// Package emailverification keeps a user's email verification status in
// their session as a boolean claim.
package emailverification

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/ggoodman/session-go/claims"
	"github.com/ggoodman/session-go/session"
)

// Key is the claim key the verification status is stored under.
const Key = "st-ev"

// StatusFunc reports whether userID has verified their email address.
type StatusFunc func(ctx context.Context, userID string) (bool, error)

// NewClaim defines the email verification claim backed by fn. The claim
// always has a value: users that are not verified carry false.
func NewClaim(fn StatusFunc, opts ...claims.Option) *claims.BooleanClaim {
	return claims.NewBooleanClaim(Key, func(ctx context.Context, userID string) (bool, bool, error) {
		ok, err := fn(ctx, userID)
		if err != nil {
			return false, false, err
		}
		return ok, true, nil
	}, opts...)
}

// IsEmailVerified refetches the claim into c and returns the fresh value.
func IsEmailVerified(ctx context.Context, c *session.Container, claim *claims.BooleanClaim) (bool, error) {
	if err := c.FetchAndSetClaim(ctx, claim); err != nil {
		return false, err
	}
	v, _ := session.GetClaimValue(c, claim)
	return v, nil
}

// OnEmailVerified updates c after the user completed verification so the
// next request sees the new status without waiting for a refetch.
func OnEmailVerified(ctx context.Context, c *session.Container, claim *claims.BooleanClaim) error {
	return c.FetchAndSetClaim(ctx, claim)
}

type statusBody struct {
	Status     string `json:"status"`
	IsVerified bool   `json:"isVerified"`
}

// Handler answers GET requests with the caller's verification status. It
// must be mounted behind m.VerifySession.
func Handler(m *session.Manager, claim *claims.BooleanClaim) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		c, ok := session.FromContext(r.Context())
		if !ok {
			m.WriteError(w, &session.Error{Kind: session.KindUnauthorised, Message: "session required"})
			return
		}
		verified, err := IsEmailVerified(r.Context(), c, claim)
		if err != nil {
			m.WriteError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(statusBody{Status: "OK", IsVerified: verified})
	})
}
