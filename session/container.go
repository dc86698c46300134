package session

import (
	"context"
	"errors"
	"maps"
	"time"

	"github.com/ggoodman/session-go/claims"
	"github.com/ggoodman/session-go/transport"
)

// Container is one validated session for the duration of a request. It is
// not safe for concurrent use.
//
// Payload and claim mutations go through a single RegenerateAccessToken call
// and local state is replaced from its response only. Any UNAUTHORISED
// failure clears the session from the response before it is returned.
type Container struct {
	h   *helpers
	res transport.Response

	handle string
	userID string

	accessToken string
	payload     map[string]any
	claims      claims.Payload
}

func newContainer(h *helpers, res transport.Response, token string, s SessionInfo) *Container {
	return &Container{
		h:           h,
		res:         res,
		handle:      s.Handle,
		userID:      s.UserID,
		accessToken: token,
		payload:     emptyIfNil(s.UserDataInJWT),
		claims:      s.Claims.Clone(),
	}
}

func (c *Container) UserID() string      { return c.userID }
func (c *Container) Handle() string      { return c.handle }
func (c *Container) AccessToken() string { return c.accessToken }

// AccessTokenPayload returns a copy of the application payload.
func (c *Container) AccessTokenPayload() map[string]any { return maps.Clone(c.payload) }

// SessionClaims returns a copy of the claim payload.
func (c *Container) SessionClaims() claims.Payload { return c.claims.Clone() }

// guard clears the session from the response when err is UNAUTHORISED.
func (c *Container) guard(err error) error {
	if errors.Is(err, ErrUnauthorised) {
		clearSession(c.h.cfg, c.res)
	}
	return err
}

// RevokeSession revokes this session in the store and clears it from the
// response when the store confirms the revocation.
func (c *Container) RevokeSession(ctx context.Context) error {
	revoked, err := c.h.recipe.RevokeSession(ctx, c.handle)
	if err != nil {
		return err
	}
	if revoked {
		clearSession(c.h.cfg, c.res)
	}
	return nil
}

func (c *Container) info(ctx context.Context) (*Information, error) {
	info, err := c.h.recipe.GetSessionInformation(ctx, c.handle)
	if err != nil {
		return nil, c.guard(err)
	}
	return info, nil
}

// GetSessionData returns the server-side session data.
func (c *Container) GetSessionData(ctx context.Context) (map[string]any, error) {
	info, err := c.info(ctx)
	if err != nil {
		return nil, err
	}
	return info.SessionData, nil
}

// UpdateSessionData replaces the server-side session data.
func (c *Container) UpdateSessionData(ctx context.Context, data map[string]any) error {
	return c.guard(c.h.recipe.UpdateSessionData(ctx, c.handle, data))
}

func (c *Container) GetTimeCreated(ctx context.Context) (time.Time, error) {
	info, err := c.info(ctx)
	if err != nil {
		return time.Time{}, err
	}
	return info.TimeCreated, nil
}

func (c *Container) GetExpiry(ctx context.Context) (time.Time, error) {
	info, err := c.info(ctx)
	if err != nil {
		return time.Time{}, err
	}
	return info.Expiry, nil
}

// UpdateAccessTokenPayload replaces the application payload of the access
// token. The claim payload is left unchanged.
func (c *Container) UpdateAccessTokenPayload(ctx context.Context, payload map[string]any) error {
	return c.regenerate(ctx, payload, nil)
}

// UpdateSessionClaims merges p into the claim payload of the access token.
// Keys mapped to nil are removed.
func (c *Container) UpdateSessionClaims(ctx context.Context, p claims.Payload) error {
	return c.regenerate(ctx, c.payload, p)
}

func (c *Container) regenerate(ctx context.Context, payload map[string]any, p claims.Payload) error {
	r, err := c.h.recipe.RegenerateAccessToken(ctx, c.accessToken, payload, p)
	if err != nil {
		return c.guard(err)
	}
	c.payload = emptyIfNil(r.Session.UserDataInJWT)
	c.claims = r.Session.Claims.Clone()
	if r.AccessToken != nil {
		c.accessToken = r.AccessToken.Token
		setFrontToken(c.res, r.Session.UserID, r.AccessToken.Expiry, r.Session.UserDataInJWT)
		attachAccessToken(c.h.cfg, c.res, r.AccessToken.Token, r.AccessToken.Expiry)
	}
	return nil
}

// AddClaim stores value under claim and regenerates the access token.
func (c *Container) AddClaim(ctx context.Context, claim claims.Claim, value any) error {
	p, err := claim.AddToPayload(c.claims, value)
	if err != nil {
		return err
	}
	return c.UpdateSessionClaims(ctx, p)
}

// RemoveClaim removes claim from the session.
func (c *Container) RemoveClaim(ctx context.Context, claim claims.Claim) error {
	return c.UpdateSessionClaims(ctx, claim.RemoveFromPayloadByMerge(c.claims))
}

// UpdateClaim refetches claim and stores the new value. When the fetch
// reports no value the session is left untouched.
func (c *Container) UpdateClaim(ctx context.Context, claim claims.Claim) error {
	v, ok, err := claim.Fetch(ctx, c.userID)
	if err != nil || !ok {
		return err
	}
	return c.AddClaim(ctx, claim, v)
}

// FetchAndSetClaim refetches claim and stores the result, removing the claim
// when the fetch reports no value.
func (c *Container) FetchAndSetClaim(ctx context.Context, claim claims.Claim) error {
	delta, err := claim.FetchAndGetAccessTokenPayloadUpdate(ctx, c.userID)
	if err != nil {
		return err
	}
	return c.UpdateSessionClaims(ctx, delta)
}

func (c *Container) FetchClaim(ctx context.Context, claim claims.Claim) (any, bool, error) {
	return claim.Fetch(ctx, c.userID)
}

func (c *Container) ShouldRefetchClaim(ctx context.Context, claim claims.Claim) bool {
	return claim.ShouldRefetch(ctx, c.claims)
}

// CheckClaimInToken validates claim against the in-memory claim payload.
func (c *Container) CheckClaimInToken(ctx context.Context, claim claims.Claim) claims.ValidationResult {
	return claim.IsValid(ctx, c.claims)
}

// AssertClaims refetches the claims whose validators ask for it, in one
// regeneration, and then runs every validator. Failures are reported as a
// single INVALID_CLAIMS error.
func (c *Container) AssertClaims(ctx context.Context, validators ...claims.Validator) error {
	delta := claims.Payload{}
	for _, v := range validators {
		src, ok := v.(claims.ClaimSource)
		if !ok || !v.ShouldRefetch(ctx, c.claims) {
			continue
		}
		d, err := src.Claim().FetchAndGetAccessTokenPayloadUpdate(ctx, c.userID)
		if err != nil {
			return err
		}
		maps.Copy(delta, d)
	}
	if len(delta) > 0 {
		if err := c.UpdateSessionClaims(ctx, delta); err != nil {
			return err
		}
	}

	var failures []ClaimFailure
	for _, v := range validators {
		if res := v.Validate(ctx, c.claims); !res.IsValid {
			failures = append(failures, ClaimFailure{ID: v.ID(), Reason: res.Reason})
		}
	}
	if len(failures) > 0 {
		return &Error{Kind: KindInvalidClaims, Message: "invalid claims", InvalidClaims: failures}
	}
	return nil
}

// GetClaimValue reads claim's value from the container's claim payload.
func GetClaimValue[T any](c *Container, claim claims.ValueGetter[T]) (T, bool) {
	return claim.GetValueFromPayload(c.claims)
}
