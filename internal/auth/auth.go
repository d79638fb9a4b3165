// Package auth checks the bearer tokens issued to shoppers elsewhere. Token
// issuance is not part of this service.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrInvalidToken = errors.New("invalid bearer token")
)

type Verifier interface {
	// Verify returns the user id the token was issued to.
	Verify(ctx context.Context, token string) (string, error)
}

// StaticVerifier accepts a fixed set of tokens.
type StaticVerifier struct {
	users map[string]string
}

// ParseStatic reads "token:userID" pairs separated by commas.
func ParseStatic(pairs string) (*StaticVerifier, error) {
	v := &StaticVerifier{users: make(map[string]string)}
	for _, pair := range strings.Split(pairs, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		token, user, ok := strings.Cut(pair, ":")
		if !ok || token == "" || user == "" {
			return nil, fmt.Errorf("invalid token entry %q, want token:user", pair)
		}
		v.users[token] = user
	}
	return v, nil
}

func (v *StaticVerifier) Verify(_ context.Context, token string) (string, error) {
	if token == "" {
		return "", ErrMissingToken
	}
	user, ok := v.users[token]
	if !ok {
		return "", ErrInvalidToken
	}
	return user, nil
}

// TokenFromRequest reads the Authorization header, falling back to the
// access_token query parameter used by browser socket clients.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return r.URL.Query().Get("access_token")
}

type ctxKey struct{}

func WithUser(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, ctxKey{}, userID)
}

func UserFromContext(ctx context.Context) (string, bool) {
	user, ok := ctx.Value(ctxKey{}).(string)
	return user, ok && user != ""
}

// Middleware rejects requests without a valid token and stores the user id
// in the request context.
func Middleware(v Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, err := v.Verify(r.Context(), TokenFromRequest(r))
			if err != nil {
				w.Header().Set("WWW-Authenticate", `Bearer realm="cartsync"`)
				http.Error(w, `{"error":"`+err.Error()+`"}`, http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), user)))
		})
	}
}
