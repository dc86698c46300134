package claims

import (
	"context"
	"errors"
	"time"
)

// ErrValueType is returned by AddToPayload when the supplied value does not
// match the claim's value type.
var ErrValueType = errors.New("claims: value has the wrong type for claim")

// Reason messages reported by the built-in validators.
const (
	ReasonWrongValue = "wrong value"
	ReasonExpired    = "expired"
	ReasonMissing    = "value does not exist"
)

// Claim is the type-erased view of a claim definition. Definitions hold no
// per-session state; everything mutable lives in the Payload.
type Claim interface {
	// Key is the payload key the claim is stored under.
	Key() string

	// Fetch retrieves the current value for userID. ok is false when the
	// user has no value for this claim.
	Fetch(ctx context.Context, userID string) (value any, ok bool, err error)

	// AddToPayload returns a copy of p with value stored under Key.
	AddToPayload(p Payload, value any) (Payload, error)

	// RemoveFromPayload returns a copy of p without Key.
	RemoveFromPayload(p Payload) Payload

	// RemoveFromPayloadByMerge returns a copy of p with a tombstone under Key,
	// suitable for sending as a merge delta.
	RemoveFromPayloadByMerge(p Payload) Payload

	// FetchAndGetAccessTokenPayloadUpdate fetches the value and returns the
	// payload delta to merge: an entry on success, a tombstone when the
	// fetch reported no value.
	FetchAndGetAccessTokenPayloadUpdate(ctx context.Context, userID string) (Payload, error)

	// ShouldRefetch reports whether the claim's default validator wants a
	// fresh value.
	ShouldRefetch(ctx context.Context, p Payload) bool

	// IsValid checks p with the claim's default validator.
	IsValid(ctx context.Context, p Payload) ValidationResult
}

// Validator checks a claim payload.
type Validator interface {
	// ID identifies the validator; built-in validators use the claim key.
	ID() string
	ShouldRefetch(ctx context.Context, p Payload) bool
	Validate(ctx context.Context, p Payload) ValidationResult
}

// ClaimSource is implemented by validators that know which claim they check,
// so callers can refetch it when ShouldRefetch fires.
type ClaimSource interface {
	Claim() Claim
}

// ValueGetter reads a typed claim value from a payload.
type ValueGetter[T any] interface {
	GetValueFromPayload(p Payload) (T, bool)
}

// ValidationResult is the outcome of a validator. Reason is nil when IsValid.
type ValidationResult struct {
	IsValid bool    `json:"isValid"`
	Reason  *Reason `json:"reason,omitempty"`
}

// Reason explains a failed validation in a machine-inspectable form.
type Reason struct {
	Message         string `json:"message"`
	ExpectedValue   any    `json:"expectedValue,omitempty"`
	ActualValue     any    `json:"actualValue,omitempty"`
	AgeInSeconds    int64  `json:"ageInSeconds,omitempty"`
	MaxAgeInSeconds int64  `json:"maxAgeInSeconds,omitempty"`
}

func valid() ValidationResult { return ValidationResult{IsValid: true} }

func invalid(r Reason) ValidationResult { return ValidationResult{Reason: &r} }

// Option configures a claim definition.
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock overrides the clock used to stamp and age claim entries.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// validatorFuncs adapts a pair of functions to Validator.
type validatorFuncs struct {
	id            string
	claim         Claim
	shouldRefetch func(ctx context.Context, p Payload) bool
	validate      func(ctx context.Context, p Payload) ValidationResult
}

func (v validatorFuncs) ID() string { return v.id }

func (v validatorFuncs) Claim() Claim { return v.claim }

func (v validatorFuncs) ShouldRefetch(ctx context.Context, p Payload) bool {
	return v.shouldRefetch(ctx, p)
}

func (v validatorFuncs) Validate(ctx context.Context, p Payload) ValidationResult {
	return v.validate(ctx, p)
}
