package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/bifrosthq/bifrost/internal/api/dto"
	"github.com/bifrosthq/bifrost/internal/pkg/crypto"
	"github.com/bifrosthq/bifrost/internal/queue"
)

type contextKey string

const (
	callerContextKey contextKey = "caller"
	apiKeyContextKey contextKey = "api_key"
)

// Identity resolves who is calling. A Bearer token becomes a caller right
// here; a raw X-API-Key is only stashed, because the key can be checked
// only against the workflow it claims to unlock, which the handler resolves
// later. Requests with neither stay anonymous and the authorization rules
// reject them downstream.
type Identity struct {
	jwtManager *crypto.JWTManager
}

func NewIdentity(jwtManager *crypto.JWTManager) *Identity {
	return &Identity{jwtManager: jwtManager}
}

// Resolve is the identity middleware. It rejects credentials that are
// present but bad; absent credentials pass through as anonymous.
func (m *Identity) Resolve(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		if raw := r.Header.Get("X-API-Key"); raw != "" {
			ctx = context.WithValue(ctx, apiKeyContextKey, raw)
		}

		authHeader := r.Header.Get("Authorization")
		if authHeader != "" {
			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				dto.Unauthorized(w, r, "Invalid authorization header format")
				return
			}

			claims, err := m.jwtManager.ValidateToken(parts[1])
			if err != nil {
				if err == crypto.ErrExpiredToken {
					dto.Unauthorized(w, r, "Token has expired")
					return
				}
				dto.Unauthorized(w, r, "Invalid token")
				return
			}

			userID := claims.UserID
			ctx = context.WithValue(ctx, callerContextKey, queue.CallerContext{
				UserID:      &userID,
				OrgID:       claims.OrganizationID,
				IsSuperuser: claims.IsSuperuser,
			})
		}

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireSuperuser guards admin routes.
func RequireSuperuser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller, ok := CallerFrom(r.Context())
		if !ok {
			dto.Unauthorized(w, r, "Authentication required")
			return
		}
		if !caller.IsSuperuser {
			dto.Forbidden(w, r, "Superuser access required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// CallerFrom returns the resolved caller, if any.
func CallerFrom(ctx context.Context) (queue.CallerContext, bool) {
	caller, ok := ctx.Value(callerContextKey).(queue.CallerContext)
	return caller, ok
}

// RawAPIKeyFrom returns the unverified X-API-Key header value, if any.
func RawAPIKeyFrom(ctx context.Context) (string, bool) {
	key, ok := ctx.Value(apiKeyContextKey).(string)
	return key, ok
}
