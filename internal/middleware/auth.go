// Package middleware provides HTTP middleware for authentication and
// request logging.
package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/vibecode-dev/vibecode/internal/config"
	"github.com/vibecode-dev/vibecode/internal/model"
	"github.com/vibecode-dev/vibecode/internal/store"
)

type contextKey string

const (
	UserKey   contextKey = "user"
	UserIDKey contextKey = "userID"
)

// Auth middleware resolves the requesting user.
// If auth is disabled (cfg.AuthEnabled == false), every request runs as the
// anonymous user. Otherwise a bearer token signed with the session secret is
// required and its subject must be a known user.
func Auth(s *store.Store, cfg *config.Config) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !cfg.AuthEnabled {
				ctx := context.WithValue(r.Context(), UserIDKey, model.AnonymousUserID)
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}

			userID, err := userIDFromBearer(r, cfg.SessionSecret)
			if err != nil {
				http.Error(w, `{"error":"Authentication required"}`, http.StatusUnauthorized)
				return
			}

			user, err := s.GetUserByID(r.Context(), userID)
			if err != nil {
				http.Error(w, `{"error":"Unknown user"}`, http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), UserKey, user)
			ctx = context.WithValue(ctx, UserIDKey, user.ID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// userIDFromBearer validates the Authorization header and returns the token
// subject.
func userIDFromBearer(r *http.Request, secret []byte) (string, error) {
	header := r.Header.Get("Authorization")
	tokenStr, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || tokenStr == "" {
		return "", fmt.Errorf("missing bearer token")
	}

	token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return secret, nil
	})
	if err != nil || !token.Valid {
		return "", fmt.Errorf("invalid token")
	}

	sub, err := token.Claims.GetSubject()
	if err != nil || sub == "" {
		return "", fmt.Errorf("token has no subject")
	}
	return sub, nil
}

// GetUser extracts the user from context. Nil in anonymous mode.
func GetUser(ctx context.Context) *model.User {
	if user, ok := ctx.Value(UserKey).(*model.User); ok {
		return user
	}
	return nil
}

// GetUserID extracts the user ID from context.
func GetUserID(ctx context.Context) string {
	if id, ok := ctx.Value(UserIDKey).(string); ok {
		return id
	}
	return ""
}
