package claims

import (
	"context"
	"time"
)

// BooleanClaim is a PrimitiveClaim[bool] whose default validation requires
// the value to be true.
type BooleanClaim struct {
	*PrimitiveClaim[bool]
}

var _ Claim = (*BooleanClaim)(nil)

// NewBooleanClaim defines a boolean claim stored under key.
func NewBooleanClaim(key string, fetch FetchFunc[bool], opts ...Option) *BooleanClaim {
	return &BooleanClaim{PrimitiveClaim: NewPrimitiveClaim(key, fetch, opts...)}
}

// IsTrue requires the claim to be true. A zero maxAge ignores the claim's age.
func (c *BooleanClaim) IsTrue(maxAge time.Duration) Validator {
	if maxAge <= 0 {
		return c.HasValue(true)
	}
	return c.HasFreshValue(true, maxAge)
}

// IsFalse requires the claim to be false. A zero maxAge ignores the claim's age.
func (c *BooleanClaim) IsFalse(maxAge time.Duration) Validator {
	if maxAge <= 0 {
		return c.HasValue(false)
	}
	return c.HasFreshValue(false, maxAge)
}

func (c *BooleanClaim) ShouldRefetch(ctx context.Context, p Payload) bool {
	return c.IsTrue(0).ShouldRefetch(ctx, p)
}

func (c *BooleanClaim) IsValid(ctx context.Context, p Payload) ValidationResult {
	return c.IsTrue(0).Validate(ctx, p)
}
