package server

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestSessionLifecycle(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.CookieDomain = "auth.example.com"
	sm := NewSessionManager(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))

	rec := httptest.NewRecorder()
	sess, err := sm.Create(rec, "u-1", "local")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	cookies := rec.Result().Cookies()
	if len(cookies) != 1 || cookies[0].Name != sessionCookieName || !cookies[0].HttpOnly {
		t.Fatalf("unexpected cookies %+v", cookies)
	}
	if cookies[0].Secure {
		t.Fatalf("dev mode cookie should not be Secure")
	}
	if cookies[0].SameSite != http.SameSiteLaxMode || cookies[0].Domain != "auth.example.com" {
		t.Fatalf("unexpected cookie attributes %+v", cookies[0])
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(cookies[0])
	got := sm.Fetch(req)
	if got == nil || got.UserID != "u-1" || got.ID != sess.ID {
		t.Fatalf("Fetch = %+v", got)
	}
	if !got.ValidCSRF(sess.CSRFToken) || got.ValidCSRF("forged") || got.ValidCSRF("") {
		t.Fatalf("csrf check misbehaved")
	}

	out := httptest.NewRecorder()
	sm.Destroy(out, req)
	if c := out.Result().Cookies(); len(c) != 1 || c[0].MaxAge >= 0 {
		t.Fatalf("expected a clearing cookie, got %+v", c)
	}
	if sm.Fetch(req) != nil {
		t.Fatalf("session should be gone after Destroy")
	}
}

func TestSessionFetchUnknownCookie(t *testing.T) {
	sm := NewSessionManager(DefaultConfig(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if sm.Fetch(req) != nil {
		t.Fatalf("no cookie should mean no session")
	}
	req.AddCookie(&http.Cookie{Name: sessionCookieName, Value: "made-up"})
	if sm.Fetch(req) != nil {
		t.Fatalf("unknown session id should not resolve")
	}
	var nilSession *Session
	if nilSession.ValidCSRF("x") {
		t.Fatalf("nil session must not accept csrf")
	}
}

func TestLoginStateSingleUse(t *testing.T) {
	sm := NewSessionManager(DefaultConfig(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	sm.saveLoginState("st", loginState{Provider: "corp", ReturnTo: "/authorize", Nonce: "n", Verifier: "v"})

	ls, ok := sm.takeLoginState("st")
	if !ok || ls.Provider != "corp" || ls.Verifier != "v" {
		t.Fatalf("takeLoginState = %+v, %v", ls, ok)
	}
	if _, ok := sm.takeLoginState("st"); ok {
		t.Fatalf("login state must be single use")
	}
	if got := buildUserID("corp", " sub-1 "); got != "corp:sub-1" {
		t.Fatalf("buildUserID = %q", got)
	}
}
