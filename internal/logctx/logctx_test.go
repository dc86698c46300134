package logctx

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestHandlerAddsGroups(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(New(slog.NewJSONHandler(&buf, nil))).With("component", "test")

	ctx := WithRequestData(context.Background(), &RequestData{RequestID: "r1", Method: "GET", Path: "/me"})
	ctx = WithSessionData(ctx, &SessionData{Handle: "h1", UserID: "u1"})
	log.InfoContext(ctx, "session.get.ok")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("decode: %v", err)
	}
	req, _ := rec["req"].(map[string]any)
	sess, _ := rec["sess"].(map[string]any)
	if req["method"] != "GET" || req["path"] != "/me" || req["id"] != "r1" {
		t.Fatalf("req group = %v", req)
	}
	if sess["handle"] != "h1" || sess["user_id"] != "u1" {
		t.Fatalf("sess group = %v", sess)
	}
	if rec["component"] != "test" {
		t.Fatalf("attrs from With lost: %v", rec)
	}
}

func TestNewNil(t *testing.T) {
	h := New(nil)
	if h.Enabled(context.Background(), slog.LevelError) {
		t.Fatal("nil handler should discard")
	}
	if New(h) != h {
		t.Fatal("wrapping twice should be a no-op")
	}
}
