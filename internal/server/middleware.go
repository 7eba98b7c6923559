package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/vyx/signal-engine/pkg/types"
)

type contextKey int

const (
	ctxKeyUserID contextKey = iota
	ctxKeyUser
)

// UserIDFrom returns the authenticated user id, if any.
func UserIDFrom(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(ctxKeyUserID).(string)
	return id, ok
}

// UserFrom returns the loaded user row, if the tier middleware ran.
func UserFrom(ctx context.Context) (*types.User, bool) {
	user, ok := ctx.Value(ctxKeyUser).(*types.User)
	return user, ok
}

// ServiceRoleUserID is the identity assigned to service-key callers.
const ServiceRoleUserID = "service"

// AuthMiddleware verifies the bearer token shape and extracts the user id
// from the JWT payload's sub claim. Signature verification belongs to the
// identity provider; the engine only needs the caller's identity. A caller
// presenting the service key itself is admitted as the service identity.
func AuthMiddleware(serviceKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				respondError(w, http.StatusUnauthorized, "Missing Authorization header", nil)
				return
			}

			var token string
			if len(authHeader) > 7 && strings.EqualFold(authHeader[:7], "Bearer ") {
				token = authHeader[7:]
			} else {
				respondError(w, http.StatusUnauthorized, "Invalid Authorization header format", nil)
				return
			}

			if serviceKey != "" && token == serviceKey {
				ctx := context.WithValue(r.Context(), ctxKeyUserID, ServiceRoleUserID)
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}

			parts := strings.Split(token, ".")
			if len(parts) != 3 {
				respondError(w, http.StatusUnauthorized, "Invalid token format", nil)
				return
			}

			payload, err := base64.RawURLEncoding.DecodeString(parts[1])
			if err != nil {
				respondError(w, http.StatusUnauthorized, "Failed to decode token payload", err)
				return
			}

			var claims struct {
				Sub string `json:"sub"`
				Exp int64  `json:"exp"`
			}
			if err := json.Unmarshal(payload, &claims); err != nil {
				respondError(w, http.StatusUnauthorized, "Failed to parse token claims", err)
				return
			}

			if claims.Sub == "" {
				respondError(w, http.StatusUnauthorized, "Token missing user ID (sub claim)", nil)
				return
			}

			ctx := context.WithValue(r.Context(), ctxKeyUserID, claims.Sub)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// UserStore loads user rows for tier enforcement.
type UserStore interface {
	GetUser(ctx context.Context, userID string) (*types.User, error)
}

// TierMiddleware loads the caller's user row and blocks tiers that may not
// start traders. Applied only to start/execute paths.
func TierMiddleware(users UserStore) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, ok := UserIDFrom(r.Context())
			if !ok {
				respondError(w, http.StatusUnauthorized, "Unauthorized", nil)
				return
			}

			user, err := users.GetUser(r.Context(), userID)
			if err != nil {
				respondError(w, http.StatusInternalServerError, "Failed to get user information", err)
				return
			}

			if user.SubscriptionTier == types.TierFree || user.SubscriptionTier == types.TierAnonymous {
				respondError(w, http.StatusForbidden,
					"Upgrade required: free tier users cannot start traders", nil)
				return
			}

			ctx := context.WithValue(r.Context(), ctxKeyUser, user)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ServiceRoleMiddleware admits only callers presenting the service key
// itself as the bearer token (internal/admin surfaces).
func ServiceRoleMiddleware(serviceKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader != "Bearer "+serviceKey || serviceKey == "" {
				respondError(w, http.StatusForbidden, "Service role required", nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
