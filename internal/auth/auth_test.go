package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"monitorhub/internal/models"
	"monitorhub/internal/storage"

	"golang.org/x/crypto/bcrypt"
)

func newTestStore(t *testing.T) *storage.JSONStore {
	t.Helper()
	store, err := storage.NewJSONStore(filepath.Join(t.TempDir(), "store.json"))
	if err != nil {
		t.Fatalf("NewJSONStore: %v", err)
	}
	ctx := context.Background()
	if err := store.UpsertUser(ctx, models.User{ID: "1", Username: "admin", Active: true}); err != nil {
		t.Fatalf("UpsertUser: %v", err)
	}
	if err := store.UpsertUser(ctx, models.User{ID: "2", Username: "disabled", Active: false}); err != nil {
		t.Fatalf("UpsertUser: %v", err)
	}
	return store
}

func putSession(t *testing.T, store *storage.JSONStore, token, userID string, expires time.Time) {
	t.Helper()
	hashed, err := HashSessionToken(token)
	if err != nil {
		t.Fatalf("HashSessionToken: %v", err)
	}
	if err := store.PutSession(context.Background(), models.Session{TokenHash: hashed, UserID: userID, ExpiresAt: expires}); err != nil {
		t.Fatalf("PutSession: %v", err)
	}
}

func putAPIKey(t *testing.T, store *storage.JSONStore, key models.APIKey, secret string) {
	t.Helper()
	hashed, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	key.Hash = string(hashed)
	if err := store.PutAPIKey(context.Background(), key); err != nil {
		t.Fatalf("PutAPIKey: %v", err)
	}
}

func TestAuthenticateSessionToken(t *testing.T) {
	store := newTestStore(t)
	putSession(t, store, "session-token", "1", time.Now().Add(time.Hour))
	putSession(t, store, "disabled-token", "2", time.Time{})

	authenticator := NewAuthenticator(store)

	user, err := authenticator.Authenticate(context.Background(), "session-token")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if user.ID != "1" {
		t.Fatalf("expected user 1, got %+v", user)
	}

	for _, token := range []string{"", "unknown", "disabled-token"} {
		if _, err := authenticator.Authenticate(context.Background(), token); !errors.Is(err, ErrUnauthorized) {
			t.Fatalf("expected ErrUnauthorized for %q, got %v", token, err)
		}
	}
}

func TestAuthenticateAPIKey(t *testing.T) {
	store := newTestStore(t)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	putAPIKey(t, store, models.APIKey{ID: "7", UserID: "1", Active: true}, "s3cret")
	putAPIKey(t, store, models.APIKey{ID: "8", UserID: "1", Active: false}, "s3cret")
	putAPIKey(t, store, models.APIKey{ID: "9", UserID: "1", Active: true, ExpiresAt: now.Add(-time.Hour)}, "s3cret")

	authenticator := NewAuthenticator(store, WithClock(func() time.Time { return now }))

	user, err := authenticator.Authenticate(context.Background(), "mh7_s3cret")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if user.ID != "1" {
		t.Fatalf("expected user 1, got %+v", user)
	}

	for _, token := range []string{"mh7_wrong", "mh8_s3cret", "mh9_s3cret", "mh404_s3cret"} {
		if _, err := authenticator.Authenticate(context.Background(), token); !errors.Is(err, ErrUnauthorized) {
			t.Fatalf("expected ErrUnauthorized for %q, got %v", token, err)
		}
	}
}

func TestParseAPIKey(t *testing.T) {
	testCases := []struct {
		token  string
		id     string
		secret string
		ok     bool
	}{
		{token: "mh12_abc", id: "12", secret: "abc", ok: true},
		{token: "mh12_abc_def", id: "12", secret: "abc_def", ok: true},
		{token: "mh_abc"},
		{token: "mh12_"},
		{token: "mhx_abc"},
		{token: "plain-session"},
	}
	for _, tc := range testCases {
		id, secret, ok := ParseAPIKey(tc.token)
		if ok != tc.ok || id != tc.id || secret != tc.secret {
			t.Fatalf("ParseAPIKey(%q) = (%q, %q, %v)", tc.token, id, secret, ok)
		}
	}
}

func TestHashSessionToken(t *testing.T) {
	if _, err := HashSessionToken(""); err == nil {
		t.Fatalf("expected error for empty token")
	}
	hashed, err := HashSessionToken("abc")
	if err != nil {
		t.Fatalf("HashSessionToken: %v", err)
	}
	if hashed != "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad" {
		t.Fatalf("unexpected digest %s", hashed)
	}
}

func TestExtractToken(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/socket?token=query-token", nil)
	req.Header.Set("Authorization", "Bearer header-token")
	req.AddCookie(&http.Cookie{Name: SessionCookieName, Value: "cookie-token"})
	if got := ExtractToken(req); got != "header-token" {
		t.Fatalf("expected header token first, got %q", got)
	}

	req.Header.Del("Authorization")
	if got := ExtractToken(req); got != "query-token" {
		t.Fatalf("expected query token second, got %q", got)
	}

	req = httptest.NewRequest(http.MethodGet, "/socket", nil)
	req.AddCookie(&http.Cookie{Name: SessionCookieName, Value: "cookie-token"})
	if got := ExtractToken(req); got != "cookie-token" {
		t.Fatalf("expected cookie token, got %q", got)
	}

	if got := ExtractToken(httptest.NewRequest(http.MethodGet, "/socket", nil)); got != "" {
		t.Fatalf("expected empty token, got %q", got)
	}
}

func TestUserContextRoundTrip(t *testing.T) {
	ctx := ContextWithUser(context.Background(), models.User{ID: "1"})
	user, ok := UserFromContext(ctx)
	if !ok || user.ID != "1" {
		t.Fatalf("expected user from context, got %+v ok=%v", user, ok)
	}
	if _, ok := UserFromContext(context.Background()); ok {
		t.Fatalf("expected no user on empty context")
	}
}

func TestRequirePutsUserOnRequestContext(t *testing.T) {
	store := newTestStore(t)
	putSession(t, store, "good", "1", time.Time{})
	authenticator := NewAuthenticator(store)

	var seen models.User
	handler := authenticator.Require(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, ok := UserFromContext(r.Context())
		if !ok {
			t.Fatalf("expected user on request context")
		}
		seen = user
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/socket?token=good", nil))
	if rec.Code != http.StatusNoContent || seen.ID != "1" {
		t.Fatalf("expected user 1 to reach handler, got status %d user %+v", rec.Code, seen)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/socket?token=bad", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for unknown token, got %d", rec.Code)
	}
}
