package sessionstoretest

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/ggoodman/session-go/claims"
	"github.com/ggoodman/session-go/storage"
	"github.com/google/uuid"
)

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var in struct {
		UserID             string         `json:"userId"`
		UserDataInJWT      map[string]any `json:"userDataInJWT"`
		UserDataInDatabase map[string]any `json:"userDataInDatabase"`
		Claims             claims.Payload `json:"claims"`
		EnableAntiCSRF     bool           `json:"enableAntiCsrf"`
	}
	if !decode(w, r, &in) {
		return
	}
	if in.UserID == "" {
		writeError(w, http.StatusBadRequest, "userId is required")
		return
	}

	ctx, now := r.Context(), s.now()
	rec := &record{
		Handle:             uuid.NewString(),
		UserID:             in.UserID,
		UserDataInJWT:      nonNil(in.UserDataInJWT),
		UserDataInDatabase: nonNil(in.UserDataInDatabase),
		Claims:             claims.Payload{}.Merge(in.Claims),
		TimeCreated:        now.UnixMilli(),
	}
	if in.EnableAntiCSRF {
		rec.AntiCSRFToken = uuid.NewString()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	fields, err := s.issuePair(ctx, rec, now)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.log.DebugContext(s.withSession(ctx, rec), "store.session.created")
	writeStatus(w, "OK", fields)
}

// issuePair rotates rec's refresh token, persists rec and returns the
// token-bearing response fields.
func (s *Server) issuePair(ctx context.Context, rec *record, now time.Time) (map[string]any, error) {
	rt, err := s.rotateRefreshToken(ctx, rec, now)
	if err != nil {
		return nil, err
	}
	at, err := s.issueAccessToken(rec, now)
	if err != nil {
		return nil, err
	}
	if err := s.save(ctx, rec); err != nil {
		return nil, err
	}
	fields := s.keyFields(now)
	fields["session"] = rec.session()
	fields["accessToken"] = at
	fields["refreshToken"] = rt
	fields["idRefreshToken"] = tokenInfo{Token: uuid.NewString(), Expiry: rec.Expiry, CreatedTime: now.UnixMilli()}
	if rec.AntiCSRFToken != "" {
		fields["antiCsrfToken"] = rec.AntiCSRFToken
	}
	return fields, nil
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	var in struct {
		AccessToken     string  `json:"accessToken"`
		AntiCSRFToken   *string `json:"antiCsrfToken"`
		DoAntiCSRFCheck bool    `json:"doAntiCsrfCheck"`
		EnableAntiCSRF  bool    `json:"enableAntiCsrf"`
	}
	if !decode(w, r, &in) {
		return
	}
	ctx, now := r.Context(), s.now()

	p, err := s.parse(in.AccessToken, now)
	if err != nil {
		writeStatus(w, "TRY_REFRESH_TOKEN", map[string]any{"message": err.Error()})
		return
	}
	if in.EnableAntiCSRF && in.DoAntiCSRFCheck {
		if p.AntiCSRFToken == nil || in.AntiCSRFToken == nil || *p.AntiCSRFToken != *in.AntiCSRFToken {
			writeStatus(w, "TRY_REFRESH_TOKEN", map[string]any{"message": "anti-csrf check failed"})
			return
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.load(ctx, p.SessionHandle)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if rec == nil {
		writeStatus(w, "UNAUTHORISED", map[string]any{"message": "session does not exist or has been revoked"})
		return
	}

	if p.ParentRefreshTokenHash1 == nil {
		writeStatus(w, "OK", map[string]any{"session": map[string]any{
			"handle":        p.SessionHandle,
			"userId":        p.UserID,
			"userDataInJWT": nonNil(p.UserData),
			"claims":        p.Claims.Clone(),
		}})
		return
	}

	// The client holds the newest pair: retire the parent and reissue the
	// access token without it.
	if p.RefreshTokenHash1 != rec.RefreshHash {
		writeStatus(w, "TRY_REFRESH_TOKEN", map[string]any{"message": "access token was superseded"})
		return
	}
	if rec.ParentHash == *p.ParentRefreshTokenHash1 {
		rec.ParentHash = ""
	}
	at, err := s.issueAccessToken(rec, now)
	if err == nil {
		err = s.save(ctx, rec)
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.log.DebugContext(s.withSession(ctx, rec), "store.session.promoted")
	fields := s.keyFields(now)
	fields["session"] = rec.session()
	fields["accessToken"] = at
	writeStatus(w, "OK", fields)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var in struct {
		RefreshToken   string  `json:"refreshToken"`
		AntiCSRFToken  *string `json:"antiCsrfToken"`
		EnableAntiCSRF bool    `json:"enableAntiCsrf"`
	}
	if !decode(w, r, &in) {
		return
	}
	ctx, now := r.Context(), s.now()
	h := hashToken(in.RefreshToken)

	s.mu.Lock()
	defer s.mu.Unlock()
	idx, err := s.st.Get(ctx, h, storage.WithRefreshIndex())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if idx == nil {
		writeStatus(w, "UNAUTHORISED", map[string]any{"message": "refresh token not found"})
		return
	}
	rec, err := s.load(ctx, string(idx.Data))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if rec == nil {
		writeStatus(w, "UNAUTHORISED", map[string]any{"message": "session does not exist or has been revoked"})
		return
	}
	if in.EnableAntiCSRF && rec.AntiCSRFToken != "" && (in.AntiCSRFToken == nil || *in.AntiCSRFToken != rec.AntiCSRFToken) {
		writeStatus(w, "UNAUTHORISED", map[string]any{"message": "anti-csrf token missing or not matching", "clearCookies": false})
		return
	}

	switch h {
	case rec.RefreshHash:
		rec.ParentHash = h
	case rec.ParentHash:
		// The client never received the previous child; issue another.
	default:
		if err := s.remove(ctx, rec); err != nil {
			s.fail(w, r, err)
			return
		}
		s.log.WarnContext(s.withSession(ctx, rec), "store.session.theft")
		writeStatus(w, "TOKEN_THEFT_DETECTED", map[string]any{"session": map[string]any{
			"handle": rec.Handle,
			"userId": rec.UserID,
		}})
		return
	}
	if in.EnableAntiCSRF {
		rec.AntiCSRFToken = uuid.NewString()
	}

	fields, err := s.issuePair(ctx, rec, now)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.log.DebugContext(s.withSession(ctx, rec), "store.session.refreshed")
	writeStatus(w, "OK", fields)
}

func (s *Server) handleRegenerate(w http.ResponseWriter, r *http.Request) {
	var in struct {
		AccessToken   string         `json:"accessToken"`
		UserDataInJWT map[string]any `json:"userDataInJWT"`
		Claims        claims.Payload `json:"claims"`
	}
	if !decode(w, r, &in) {
		return
	}
	ctx, now := r.Context(), s.now()

	p, err := s.parse(in.AccessToken, now)
	if err != nil && !errors.Is(err, errTokenExpired) {
		writeStatus(w, "UNAUTHORISED", map[string]any{"message": err.Error()})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.load(ctx, p.SessionHandle)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if rec == nil {
		writeStatus(w, "UNAUTHORISED", map[string]any{"message": "session does not exist or has been revoked"})
		return
	}
	rec.UserDataInJWT = nonNil(in.UserDataInJWT)
	rec.Claims = rec.Claims.Merge(in.Claims)

	at, err := s.issueAccessToken(rec, now)
	if err == nil {
		err = s.save(ctx, rec)
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeStatus(w, "OK", map[string]any{"session": rec.session(), "accessToken": at})
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	rec, err := s.load(r.Context(), r.URL.Query().Get("sessionHandle"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if rec == nil {
		writeStatus(w, "UNAUTHORISED", map[string]any{"message": "session does not exist or has been revoked"})
		return
	}
	writeStatus(w, "OK", map[string]any{
		"sessionHandle":      rec.Handle,
		"userId":             rec.UserID,
		"userDataInDatabase": nonNil(rec.UserDataInDatabase),
		"userDataInJWT":      nonNil(rec.UserDataInJWT),
		"claims":             rec.Claims.Clone(),
		"expiry":             rec.Expiry,
		"timeCreated":        rec.TimeCreated,
	})
}

func (s *Server) handleRemove(w http.ResponseWriter, r *http.Request) {
	var in struct {
		UserID         string   `json:"userId"`
		SessionHandles []string `json:"sessionHandles"`
	}
	if !decode(w, r, &in) {
		return
	}
	ctx := r.Context()

	s.mu.Lock()
	defer s.mu.Unlock()
	handles := in.SessionHandles
	if in.UserID != "" {
		var err error
		if handles, err = s.st.List(ctx, storage.WithUser(in.UserID)); err != nil {
			s.fail(w, r, err)
			return
		}
	}
	revoked := []string{}
	for _, h := range handles {
		rec, err := s.load(ctx, h)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		if rec == nil {
			continue
		}
		if err := s.remove(ctx, rec); err != nil {
			s.fail(w, r, err)
			return
		}
		s.log.DebugContext(s.withSession(ctx, rec), "store.session.revoked")
		revoked = append(revoked, h)
	}
	writeStatus(w, "OK", map[string]any{"sessionHandlesRevoked": revoked})
}

func (s *Server) handleUserSessions(w http.ResponseWriter, r *http.Request) {
	handles, err := s.st.List(r.Context(), storage.WithUser(r.URL.Query().Get("userId")))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if handles == nil {
		handles = []string{}
	}
	writeStatus(w, "OK", map[string]any{"sessionHandles": handles})
}

// mutate applies fn to the session named in the request and persists it.
func (s *Server) mutate(w http.ResponseWriter, r *http.Request, handle string, fn func(*record)) {
	ctx := r.Context()
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.load(ctx, handle)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if rec == nil {
		writeStatus(w, "UNAUTHORISED", map[string]any{"message": "session does not exist or has been revoked"})
		return
	}
	fn(rec)
	if err := s.save(ctx, rec); err != nil {
		s.fail(w, r, err)
		return
	}
	s.log.DebugContext(s.withSession(ctx, rec), "store.session.updated", slog.String("path", r.URL.Path))
	writeStatus(w, "OK", nil)
}

func (s *Server) handleSessionData(w http.ResponseWriter, r *http.Request) {
	var in struct {
		SessionHandle      string         `json:"sessionHandle"`
		UserDataInDatabase map[string]any `json:"userDataInDatabase"`
	}
	if !decode(w, r, &in) {
		return
	}
	s.mutate(w, r, in.SessionHandle, func(rec *record) { rec.UserDataInDatabase = nonNil(in.UserDataInDatabase) })
}

func (s *Server) handleJWTData(w http.ResponseWriter, r *http.Request) {
	var in struct {
		SessionHandle string         `json:"sessionHandle"`
		UserDataInJWT map[string]any `json:"userDataInJWT"`
	}
	if !decode(w, r, &in) {
		return
	}
	s.mutate(w, r, in.SessionHandle, func(rec *record) { rec.UserDataInJWT = nonNil(in.UserDataInJWT) })
}

func (s *Server) handleClaims(w http.ResponseWriter, r *http.Request) {
	var in struct {
		SessionHandle string         `json:"sessionHandle"`
		Claims        claims.Payload `json:"claims"`
	}
	if !decode(w, r, &in) {
		return
	}
	s.mutate(w, r, in.SessionHandle, func(rec *record) { rec.Claims = rec.Claims.Merge(in.Claims) })
}
