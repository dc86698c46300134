// Package session issues, validates, refreshes and revokes user sessions
// backed by a remote session store.
//
// A Manager is built once per store configuration. Its Recipe is a struct of
// function fields that extensions may wrap with WithOverride:
//
//	m, err := session.New(q, session.Config{AntiCSRF: session.AntiCSRFViaToken},
//	    session.WithOverride(func(orig session.Recipe) session.Recipe {
//	        create := orig.CreateNewSession
//	        orig.CreateNewSession = func(ctx context.Context, res transport.Response, in session.CreateInput) (*session.Container, error) {
//	            in.AccessTokenPayload = map[string]any{"tenant": tenantFrom(ctx)}
//	            return create(ctx, res, in)
//	        }
//	        return orig
//	    }))
//
// # Request flow
//
// GetSession requires the id-refresh marker cookie. Without it the request
// has no session at all and UNAUTHORISED is returned without touching the
// client's cookies. With the marker but no access token, TRY_REFRESH_TOKEN is
// returned when the session is required, the client sent the rid header, or
// the method is GET; otherwise the request is treated as anonymous. The
// access token is then verified locally against the store's signing keys,
// refetching the keys once when the token is newer than any known key, and
// checked with the store only when blacklisting is enabled or the token is
// the first one issued after a refresh.
//
// RefreshSession rotates the refresh token. Reuse of an already rotated
// token is reported as TOKEN_THEFT_DETECTED and always clears the client's
// session state.
//
// Failures are *Error values matched with errors.Is against ErrUnauthorised,
// ErrTryRefreshToken, ErrTokenTheftDetected and ErrInvalidClaims. Store
// statuses this package does not know are returned as *StatusError.
package session
