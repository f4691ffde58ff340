package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/skytide-ai/skytide-nexus-crm-sub001/internal/access"
	"github.com/skytide-ai/skytide-nexus-crm-sub001/internal/auth"
	"github.com/skytide-ai/skytide-nexus-crm-sub001/internal/database/models"
)

type contextKey string

const (
	viewerKey    contextKey = "viewer"
	userEmailKey contextKey = "user_email"
)

// TokenValidator is satisfied by *auth.JWTService.
type TokenValidator interface {
	ValidateToken(tokenString string) (*auth.Claims, error)
}

// UserResolver loads the account a token was issued to. It is satisfied by
// *auth.Service.
type UserResolver interface {
	GetUserByID(ctx context.Context, id uuid.UUID) (*models.User, error)
}

// tokenFrom reads the bearer token. Browsers cannot set headers on a
// websocket upgrade, so the access_token query parameter is accepted there.
func tokenFrom(r *http.Request) string {
	// 1. Authorization header
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}

	// 2. X-Auth-Token header
	if t := r.Header.Get("X-Auth-Token"); t != "" {
		return t
	}

	// 3. Query parameter, upgrade requests only
	if strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		return r.URL.Query().Get("access_token")
	}
	return ""
}

// Auth admits requests carrying a valid token for a user that still exists
// and is active. The viewer is built from the stored user, so role changes
// and deactivation apply to tokens issued before them.
func Auth(tokens TokenValidator, users UserResolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := tokenFrom(r)
			if token == "" {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			claims, err := tokens.ValidateToken(token)
			if err != nil {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			user, err := users.GetUserByID(r.Context(), claims.UserID)
			switch {
			case errors.Is(err, auth.ErrUserNotFound):
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			case err != nil:
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				return
			case !user.IsActive:
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}

			ctx := WithViewer(r.Context(), access.ViewerOf(user))
			ctx = context.WithValue(ctx, userEmailKey, user.Email)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// WithViewer stores the acting user in ctx.
func WithViewer(ctx context.Context, v access.Viewer) context.Context {
	return context.WithValue(ctx, viewerKey, v)
}

// GetViewer returns the authenticated viewer, or the zero Viewer outside
// the Auth middleware.
func GetViewer(ctx context.Context) access.Viewer {
	v, _ := ctx.Value(viewerKey).(access.Viewer)
	return v
}

func GetUserID(ctx context.Context) uuid.UUID {
	return GetViewer(ctx).UserID
}

func GetOrganizationID(ctx context.Context) uuid.UUID {
	return GetViewer(ctx).OrganizationID
}

func GetUserRole(ctx context.Context) models.Role {
	return GetViewer(ctx).Role
}

func GetUserEmail(ctx context.Context) string {
	if email, ok := ctx.Value(userEmailKey).(string); ok {
		return email
	}
	return ""
}

// RequireRole middleware ensures user has specific role
func RequireRole(roles ...models.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userRole := GetUserRole(r.Context())

			for _, role := range roles {
				if userRole == role {
					next.ServeHTTP(w, r)
					return
				}
			}

			http.Error(w, "Forbidden", http.StatusForbidden)
		})
	}
}

// RequireAdmin admits admins and the superadmin.
func RequireAdmin() func(http.Handler) http.Handler {
	return RequireRole(models.RoleAdmin, models.RoleSuperadmin)
}
