package session

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/ggoodman/session-go/claims"
	"github.com/ggoodman/session-go/internal/logctx"
	"github.com/ggoodman/session-go/transport"
	"github.com/google/uuid"
)

type containerKey struct{}

// NewContext returns a context carrying c.
func NewContext(ctx context.Context, c *Container) context.Context {
	return context.WithValue(ctx, containerKey{}, c)
}

// FromContext returns the container stored by VerifySession, if any.
func FromContext(ctx context.Context) (*Container, bool) {
	c, ok := ctx.Value(containerKey{}).(*Container)
	return c, ok && c != nil
}

func requestContext(r *http.Request) context.Context {
	id := r.Header.Get("X-Request-Id")
	if id == "" {
		id = uuid.NewString()
	}
	return logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID: id,
		Method:    r.Method,
		Path:      r.URL.Path,
	})
}

// VerifySession is net/http middleware that resolves the request's session
// and, when validators are given, asserts them. The container is available
// to the next handler through FromContext. With an optional session the next
// handler runs without a container.
func (m *Manager) VerifySession(opts *VerifyOptions, validators ...claims.Validator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := requestContext(r)
			res := transport.WrapResponse(w)

			c, err := m.GetSession(ctx, transport.WrapRequest(r), res, opts)
			if err == nil && c != nil && len(validators) > 0 {
				err = c.AssertClaims(ctx, validators...)
			}
			if err != nil {
				m.WriteError(res, err)
				return
			}
			if c != nil {
				ctx = NewContext(ctx, c)
			}
			next.ServeHTTP(res, r.WithContext(ctx))
		})
	}
}

// RefreshHandler serves the refresh endpoint. Mount it at
// Config.RefreshTokenPath.
func (m *Manager) RefreshHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		res := transport.WrapResponse(w)
		if _, err := m.RefreshSession(requestContext(r), transport.WrapRequest(r), res); err != nil {
			m.WriteError(res, err)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
}

type errorBody struct {
	Message               string         `json:"message"`
	ClaimValidationErrors []ClaimFailure `json:"claimValidationErrors,omitempty"`
}

// WriteError writes err as a JSON body with the configured status code.
func (m *Manager) WriteError(w http.ResponseWriter, err error) {
	status := m.HTTPStatus(err)
	body := errorBody{Message: http.StatusText(status)}

	var se *Error
	if errors.As(err, &se) {
		switch se.Kind {
		case KindTryRefreshToken:
			body.Message = "try refresh token"
		case KindTokenTheftDetected:
			body.Message = "token theft detected"
		case KindUnauthorised:
			body.Message = "unauthorised"
		case KindInvalidClaims:
			body.Message = "invalid claim"
			body.ClaimValidationErrors = se.InvalidClaims
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
