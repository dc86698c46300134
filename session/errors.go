package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/ggoodman/session-go/claims"
)

// Kind classifies session failures.
type Kind string

const (
	// KindUnauthorised: the session is missing, invalid, expired or revoked.
	KindUnauthorised Kind = "UNAUTHORISED"
	// KindTryRefreshToken: the access token is missing or stale and the
	// client should call the refresh endpoint.
	KindTryRefreshToken Kind = "TRY_REFRESH_TOKEN"
	// KindTokenTheftDetected: an already rotated refresh token was reused.
	KindTokenTheftDetected Kind = "TOKEN_THEFT_DETECTED"
	// KindInvalidClaims: the session is valid but fails claim validation.
	KindInvalidClaims Kind = "INVALID_CLAIMS"
)

// Sentinels matched by errors.Is against any *Error of the same Kind.
var (
	ErrUnauthorised       = errors.New("session: unauthorised")
	ErrTryRefreshToken    = errors.New("session: try refresh token")
	ErrTokenTheftDetected = errors.New("session: token theft detected")
	ErrInvalidClaims      = errors.New("session: invalid claims")
)

func (k Kind) sentinel() error {
	switch k {
	case KindUnauthorised:
		return ErrUnauthorised
	case KindTryRefreshToken:
		return ErrTryRefreshToken
	case KindTokenTheftDetected:
		return ErrTokenTheftDetected
	case KindInvalidClaims:
		return ErrInvalidClaims
	}
	return nil
}

// Error is a typed session failure.
type Error struct {
	Kind    Kind
	Message string

	// ClearCookies is set on UNAUTHORISED failures when the store asked for
	// the client's session state to be wiped.
	ClearCookies bool

	// SessionHandle and UserID identify the affected session on
	// TOKEN_THEFT_DETECTED.
	SessionHandle string
	UserID        string

	// InvalidClaims lists the failed validators on INVALID_CLAIMS.
	InvalidClaims []ClaimFailure

	// Err is the underlying cause, if any.
	Err error
}

// ClaimFailure is one failed claim validator.
type ClaimFailure struct {
	ID     string         `json:"id"`
	Reason *claims.Reason `json:"reason,omitempty"`
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("session: %s", e.Kind)
	}
	return fmt.Sprintf("session: %s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() []error {
	var errs []error
	if s := e.Kind.sentinel(); s != nil {
		errs = append(errs, s)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

func unauthorised(msg string, clear bool) *Error {
	return &Error{Kind: KindUnauthorised, Message: msg, ClearCookies: clear}
}

func tryRefresh(msg string, cause error) *Error {
	return &Error{Kind: KindTryRefreshToken, Message: msg, Err: cause}
}

// StatusError is returned when the store answers with a status this package
// does not interpret. Body holds the full response for the caller.
type StatusError struct {
	Path   string
	Status string
	Body   json.RawMessage
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("session: %s: unexpected store status %q", e.Path, e.Status)
}

// Default status codes used by HTTPStatus.
const (
	DefaultSessionExpiredStatus = http.StatusUnauthorized
	DefaultInvalidClaimStatus   = http.StatusForbidden
)

// HTTPStatus maps err to the status code a handler should respond with,
// using the default codes. Errors that are not session failures map to 500.
func HTTPStatus(err error) int {
	return httpStatus(err, DefaultSessionExpiredStatus, DefaultInvalidClaimStatus)
}

func httpStatus(err error, expired, invalidClaim int) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrUnauthorised), errors.Is(err, ErrTryRefreshToken), errors.Is(err, ErrTokenTheftDetected):
		return expired
	case errors.Is(err, ErrInvalidClaims):
		return invalidClaim
	default:
		return http.StatusInternalServerError
	}
}
