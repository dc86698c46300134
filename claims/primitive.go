package claims

import (
	"context"
	"fmt"
	"reflect"
	"time"
)

// FetchFunc loads a claim value for a user. Returning ok=false means the user
// has no value and any previous one must be dropped.
type FetchFunc[T any] func(ctx context.Context, userID string) (value T, ok bool, err error)

// PrimitiveClaim stores a single value of type T.
type PrimitiveClaim[T any] struct {
	key   string
	fetch FetchFunc[T]
	now   func() time.Time
}

var (
	_ Claim               = (*PrimitiveClaim[string])(nil)
	_ ValueGetter[string] = (*PrimitiveClaim[string])(nil)
)

// NewPrimitiveClaim defines a claim stored under key.
func NewPrimitiveClaim[T any](key string, fetch FetchFunc[T], opts ...Option) *PrimitiveClaim[T] {
	o := buildOptions(opts)
	return &PrimitiveClaim[T]{key: key, fetch: fetch, now: o.now}
}

func (c *PrimitiveClaim[T]) Key() string { return c.key }

func (c *PrimitiveClaim[T]) Fetch(ctx context.Context, userID string) (any, bool, error) {
	if c.fetch == nil {
		return nil, false, fmt.Errorf("claims: claim %q has no fetch function", c.key)
	}
	v, ok, err := c.fetch(ctx, userID)
	if err != nil || !ok {
		return nil, false, err
	}
	return v, true, nil
}

// Add returns a copy of p with value stored under the claim key, stamped
// with the current time.
func (c *PrimitiveClaim[T]) Add(p Payload, value T) Payload {
	out := p.Clone()
	out[c.key] = newEntry(c.now(), value)
	return out
}

func (c *PrimitiveClaim[T]) AddToPayload(p Payload, value any) (Payload, error) {
	v, ok := value.(T)
	if !ok {
		return nil, fmt.Errorf("%w: %q expects %T, got %T", ErrValueType, c.key, *new(T), value)
	}
	return c.Add(p, v), nil
}

func (c *PrimitiveClaim[T]) RemoveFromPayload(p Payload) Payload {
	out := p.Clone()
	delete(out, c.key)
	return out
}

func (c *PrimitiveClaim[T]) RemoveFromPayloadByMerge(p Payload) Payload {
	out := p.Clone()
	out[c.key] = nil
	return out
}

func (c *PrimitiveClaim[T]) FetchAndGetAccessTokenPayloadUpdate(ctx context.Context, userID string) (Payload, error) {
	v, ok, err := c.Fetch(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("claims: fetching %q: %w", c.key, err)
	}
	if !ok {
		return Payload{c.key: nil}, nil
	}
	return c.Add(Payload{}, v.(T)), nil
}

// GetValueFromPayload returns the stored value, if any.
func (c *PrimitiveClaim[T]) GetValueFromPayload(p Payload) (T, bool) {
	e, ok := p.entry(c.key)
	if !ok {
		var zero T
		return zero, false
	}
	return decodeValue[T](e[entryValueKey])
}

// GetLastRefetchTime returns when the stored value was fetched.
func (c *PrimitiveClaim[T]) GetLastRefetchTime(p Payload) (time.Time, bool) {
	e, ok := p.entry(c.key)
	if !ok {
		return time.Time{}, false
	}
	ms, ok := epochMillis(e[entryTimeKey])
	if !ok {
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}

// ShouldRefetch is true when the claim is absent from p.
func (c *PrimitiveClaim[T]) ShouldRefetch(ctx context.Context, p Payload) bool {
	_, ok := c.GetValueFromPayload(p)
	return !ok
}

// IsValid accepts any stored value.
func (c *PrimitiveClaim[T]) IsValid(ctx context.Context, p Payload) ValidationResult {
	if _, ok := c.GetValueFromPayload(p); !ok {
		return invalid(Reason{Message: ReasonMissing})
	}
	return valid()
}

// HasValue accepts the payload when the stored value equals expected,
// regardless of when it was fetched.
func (c *PrimitiveClaim[T]) HasValue(expected T) Validator {
	return validatorFuncs{
		id:    c.key,
		claim: c,
		shouldRefetch: func(ctx context.Context, p Payload) bool {
			_, ok := c.GetValueFromPayload(p)
			return !ok
		},
		validate: func(ctx context.Context, p Payload) ValidationResult {
			return c.checkValue(p, expected)
		},
	}
}

// HasFreshValue accepts the payload when the stored value equals expected and
// was fetched no longer than maxAge ago.
func (c *PrimitiveClaim[T]) HasFreshValue(expected T, maxAge time.Duration) Validator {
	return validatorFuncs{
		id:    c.key,
		claim: c,
		shouldRefetch: func(ctx context.Context, p Payload) bool {
			if _, ok := c.GetValueFromPayload(p); !ok {
				return true
			}
			fetched, ok := c.GetLastRefetchTime(p)
			if !ok {
				return true
			}
			return fetched.UnixMilli() < c.now().UnixMilli()-maxAge.Milliseconds()
		},
		validate: func(ctx context.Context, p Payload) ValidationResult {
			if res := c.checkValue(p, expected); !res.IsValid {
				return res
			}
			fetched, ok := c.GetLastRefetchTime(p)
			if !ok {
				return invalid(Reason{Message: ReasonExpired, MaxAgeInSeconds: int64(maxAge / time.Second)})
			}
			ageMs := c.now().UnixMilli() - fetched.UnixMilli()
			if ageMs > maxAge.Milliseconds() {
				return invalid(Reason{
					Message:         ReasonExpired,
					AgeInSeconds:    ageMs / 1000,
					MaxAgeInSeconds: int64(maxAge / time.Second),
				})
			}
			return valid()
		},
	}
}

func (c *PrimitiveClaim[T]) checkValue(p Payload, expected T) ValidationResult {
	actual, ok := c.GetValueFromPayload(p)
	if !ok {
		return invalid(Reason{Message: ReasonWrongValue, ExpectedValue: expected})
	}
	if !reflect.DeepEqual(actual, expected) {
		return invalid(Reason{Message: ReasonWrongValue, ExpectedValue: expected, ActualValue: actual})
	}
	return valid()
}
