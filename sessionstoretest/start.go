package sessionstoretest

import (
	"net/http/httptest"
	"testing"

	"github.com/ggoodman/session-go/storage/memory"
)

// Start runs a store backed by in-memory storage on an httptest server.
// Both are torn down with tb.Cleanup.
func Start(tb testing.TB, cfg Config, opts ...Option) (*Server, *httptest.Server) {
	tb.Helper()
	st, err := memory.New(10_000)
	if err != nil {
		tb.Fatalf("sessionstoretest: %v", err)
	}
	s, err := New(st, cfg, opts...)
	if err != nil {
		st.Close()
		tb.Fatalf("sessionstoretest: %v", err)
	}
	srv := httptest.NewServer(s)
	tb.Cleanup(func() {
		srv.Close()
		st.Close()
	})
	return s, srv
}
