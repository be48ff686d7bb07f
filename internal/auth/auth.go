// Package auth verifies credentials presented by realtime clients. Sessions
// and API keys are issued elsewhere; this package only checks them.
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"monitorhub/internal/models"
	"monitorhub/internal/storage"

	"golang.org/x/crypto/bcrypt"
)

const (
	SessionCookieName = "monitorhub_session"
	TokenQueryParam   = "token"
	apiKeyPrefix      = "mh"
)

var (
	// ErrUnauthorized covers every credential failure so callers cannot
	// distinguish unknown tokens from expired ones.
	ErrUnauthorized  = errors.New("unauthorized")
	errTokenRequired = errors.New("session token required")
)

// Repository is the read surface needed for verification.
type Repository interface {
	GetUser(ctx context.Context, id string) (models.User, error)
	SessionByTokenHash(ctx context.Context, hash string) (models.Session, error)
	GetAPIKey(ctx context.Context, id string) (models.APIKey, error)
}

type Option func(*Authenticator)

// WithClock overrides the time source used for API key expiry.
func WithClock(now func() time.Time) Option {
	return func(a *Authenticator) {
		if now != nil {
			a.now = now
		}
	}
}

type Authenticator struct {
	repo Repository
	now  func() time.Time
}

func NewAuthenticator(repo Repository, opts ...Option) *Authenticator {
	a := &Authenticator{repo: repo, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a
}

// Authenticate resolves token to an active user. Tokens of the form
// mh<id>_<secret> are treated as API keys; anything else as a session token.
func (a *Authenticator) Authenticate(ctx context.Context, token string) (models.User, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return models.User{}, ErrUnauthorized
	}

	var userID string
	if id, secret, ok := ParseAPIKey(token); ok {
		owner, err := a.verifyAPIKey(ctx, id, secret)
		if err != nil {
			return models.User{}, err
		}
		userID = owner
	} else {
		owner, err := a.verifySession(ctx, token)
		if err != nil {
			return models.User{}, err
		}
		userID = owner
	}

	user, err := a.repo.GetUser(ctx, userID)
	if errors.Is(err, storage.ErrNotFound) {
		return models.User{}, ErrUnauthorized
	}
	if err != nil {
		return models.User{}, fmt.Errorf("load user: %w", err)
	}
	if !user.Active {
		return models.User{}, ErrUnauthorized
	}
	return user, nil
}

func (a *Authenticator) verifySession(ctx context.Context, token string) (string, error) {
	hashed, err := HashSessionToken(token)
	if err != nil {
		return "", ErrUnauthorized
	}
	session, err := a.repo.SessionByTokenHash(ctx, hashed)
	if errors.Is(err, storage.ErrNotFound) {
		return "", ErrUnauthorized
	}
	if err != nil {
		return "", fmt.Errorf("load session: %w", err)
	}
	if session.Expired(a.now()) {
		return "", ErrUnauthorized
	}
	return session.UserID, nil
}

func (a *Authenticator) verifyAPIKey(ctx context.Context, id, secret string) (string, error) {
	key, err := a.repo.GetAPIKey(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return "", ErrUnauthorized
	}
	if err != nil {
		return "", fmt.Errorf("load api key: %w", err)
	}
	if !key.Active || key.Expired(a.now()) {
		return "", ErrUnauthorized
	}
	if err := bcrypt.CompareHashAndPassword([]byte(key.Hash), []byte(secret)); err != nil {
		return "", ErrUnauthorized
	}
	return key.UserID, nil
}

// HashSessionToken returns the hex SHA-256 digest under which a session token
// is stored.
func HashSessionToken(token string) (string, error) {
	if token == "" {
		return "", errTokenRequired
	}
	digest := sha256.Sum256([]byte(token))
	return hex.EncodeToString(digest[:]), nil
}

// ParseAPIKey splits "mh<id>_<secret>".
func ParseAPIKey(token string) (id, secret string, ok bool) {
	if !strings.HasPrefix(token, apiKeyPrefix) {
		return "", "", false
	}
	id, secret, found := strings.Cut(strings.TrimPrefix(token, apiKeyPrefix), "_")
	if !found || id == "" || secret == "" {
		return "", "", false
	}
	for _, r := range id {
		if r < '0' || r > '9' {
			return "", "", false
		}
	}
	return id, secret, true
}

// ExtractToken reads a credential from the Authorization header, the token
// query parameter or the session cookie, in that order. Browsers cannot set
// headers on websocket handshakes, hence the query parameter.
func ExtractToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
	}
	if token := strings.TrimSpace(r.URL.Query().Get(TokenQueryParam)); token != "" {
		return token
	}
	if cookie, err := r.Cookie(SessionCookieName); err == nil {
		return cookie.Value
	}
	return ""
}

type contextKey struct{}

func ContextWithUser(ctx context.Context, user models.User) context.Context {
	return context.WithValue(ctx, contextKey{}, user)
}

func UserFromContext(ctx context.Context) (models.User, bool) {
	user, ok := ctx.Value(contextKey{}).(models.User)
	return user, ok
}

// Require authenticates the request credential and passes the user to next
// through the request context.
func (a *Authenticator) Require(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, err := a.Authenticate(r.Context(), ExtractToken(r))
		if errors.Is(err, ErrUnauthorized) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if err != nil {
			http.Error(w, "authentication unavailable", http.StatusInternalServerError)
			return
		}
		next.ServeHTTP(w, r.WithContext(ContextWithUser(r.Context(), user)))
	})
}
