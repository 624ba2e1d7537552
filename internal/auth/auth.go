// Package auth establishes the caller's user id.
//
// The middleware never rejects a request itself: when no valid credential is
// present the request continues without a user id, and the entry operation
// answers "unauthenticated" before touching any state.
package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/rs/zerolog/hlog"
)

var (
	ErrNoCredentials      = errors.New("auth: no credentials")
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
)

type ctxKey int

const keyUserID ctxKey = 0

// Authenticator maps a request to a stable user id.
type Authenticator interface {
	Authenticate(r *http.Request) (string, error)
}

// WithUserID injects the user ID into context.
func WithUserID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, keyUserID, id)
}

// UserIDFrom extracts the user ID from context (if present).
func UserIDFrom(ctx context.Context) (string, bool) {
	v := ctx.Value(keyUserID)
	if v == nil {
		return "", false
	}
	id, ok := v.(string)
	return id, ok && id != ""
}

// Middleware resolves the user id with a and stores it in the request context.
// It skips authentication for any path in skipPaths.
func Middleware(a Authenticator, skipPaths map[string]struct{}) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := skipPaths[r.URL.Path]; ok {
				next.ServeHTTP(w, r)
				return
			}

			id, err := a.Authenticate(r)
			if err != nil {
				if !errors.Is(err, ErrNoCredentials) {
					hlog.FromRequest(r).Debug().Err(err).Msg("authentication failed")
				}
				next.ServeHTTP(w, r)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), id)))
		})
	}
}

// Static is an in-memory API key store: secret -> user id.
type Static struct {
	header   string
	bySecret map[string]string
}

// NewStatic creates a new static key store.
// header: HTTP header to read the key from (e.g., "X-API-Key")
// pairs: map of secret -> user id
func NewStatic(header string, pairs map[string]string) *Static {
	h := header
	if h == "" {
		h = "X-API-Key"
	}
	return &Static{header: h, bySecret: pairs}
}

func (s *Static) Authenticate(r *http.Request) (string, error) {
	secret := strings.TrimSpace(r.Header.Get(s.header))
	if secret == "" {
		return "", ErrNoCredentials
	}
	id, ok := s.bySecret[secret]
	if !ok || id == "" {
		return "", ErrInvalidCredentials
	}
	return id, nil
}
