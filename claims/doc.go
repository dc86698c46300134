// Package claims implements typed session claims: named assertions that are
// fetched for a user, embedded in the access token's claim payload together
// with the time they were fetched, and validated later without a round trip.
//
// A claim entry in the payload has the shape
//
//	{"t": <epoch milliseconds of last fetch>, "v": <value>}
//
// and a nil entry is a tombstone: merging a payload delta that maps a key to
// nil removes the key instead of storing nil. FetchAndGetAccessTokenPayloadUpdate
// produces such a tombstone when the fetch function reports no value, so a
// stale value is never carried forward.
//
// # Validators
//
// Every PrimitiveClaim exposes two validator factories:
//
//   - HasValue(expected) accepts the payload whenever the stored value equals
//     expected, no matter how old it is. Its ShouldRefetch only fires when the
//     claim is absent.
//   - HasFreshValue(expected, maxAge) additionally rejects values fetched more
//     than maxAge ago, and its ShouldRefetch also fires once the value is stale.
//
// Validation failures carry a structured Reason so callers can branch on the
// expected/actual values or the age of the claim rather than on a message.
//
// Example:
//
//	verified := claims.NewBooleanClaim("st-ev", func(ctx context.Context, userID string) (bool, bool, error) {
//	    ok, err := users.IsEmailVerified(ctx, userID)
//	    return ok, true, err
//	})
//	res := verified.HasFreshValue(true, 5*time.Minute).Validate(ctx, sess.SessionClaims())
//	if !res.IsValid && res.Reason.Message == claims.ReasonExpired { /* refetch */ }
package claims
