package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skytide-ai/skytide-nexus-crm-sub001/internal/access"
	"github.com/skytide-ai/skytide-nexus-crm-sub001/internal/auth"
	"github.com/skytide-ai/skytide-nexus-crm-sub001/internal/database/models"
	"github.com/skytide-ai/skytide-nexus-crm-sub001/pkg/util"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
}

// directory resolves users from a fixed set.
type directory map[uuid.UUID]*models.User

func (d directory) GetUserByID(_ context.Context, id uuid.UUID) (*models.User, error) {
	if u, ok := d[id]; ok {
		return u, nil
	}
	return nil, auth.ErrUserNotFound
}

func (d directory) add(role models.Role) *models.User {
	u := &models.User{OrganizationID: uuid.New(), Email: "test@example.com", Role: role, IsActive: true}
	u.ID = uuid.New()
	d[u.ID] = u
	return u
}

type brokenDirectory struct{}

func (brokenDirectory) GetUserByID(context.Context, uuid.UUID) (*models.User, error) {
	return nil, errors.New("connection refused")
}

func tokenFor(t *testing.T, jwtService *auth.JWTService, u *models.User) string {
	t.Helper()
	token, err := jwtService.GenerateToken(u.ID, u.OrganizationID, u.Email, u.Role)
	require.NoError(t, err)
	return token
}

func TestAuth_ValidToken_AuthorizationHeader(t *testing.T) {
	jwtService := auth.NewJWTService("test-secret", 24*time.Hour)
	users := directory{}
	u := users.add(models.RoleAdmin)

	userID := u.ID
	orgID := u.OrganizationID
	email := u.Email
	role := models.RoleAdmin
	token := tokenFor(t, jwtService, u)

	handler := Auth(jwtService, users)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Verify context values are set
		assert.Equal(t, userID, GetUserID(r.Context()))
		assert.Equal(t, orgID, GetOrganizationID(r.Context()))
		assert.Equal(t, email, GetUserEmail(r.Context()))
		assert.Equal(t, role, GetUserRole(r.Context()))
		assert.True(t, GetViewer(r.Context()).Valid())

		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}))

	req := httptest.NewRequest("GET", "/api/test", nil)
	req.Header.Set("Authorization", "Bearer "+token)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
}

func TestAuth_ValidToken_XAuthTokenHeader(t *testing.T) {
	jwtService := auth.NewJWTService("test-secret", 24*time.Hour)
	users := directory{}
	u := users.add(models.RoleMember)
	userID := u.ID
	token := tokenFor(t, jwtService, u)

	handler := Auth(jwtService, users)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, userID, GetUserID(r.Context()))
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("GET", "/api/test", nil)
	req.Header.Set("X-Auth-Token", token)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAuth_QueryToken(t *testing.T) {
	jwtService := auth.NewJWTService("test-secret", 24*time.Hour)
	users := directory{}
	token := tokenFor(t, jwtService, users.add(models.RoleMember))

	t.Run("accepted on websocket upgrade", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/api/v1/realtime?access_token="+token, nil)
		req.Header.Set("Connection", "Upgrade")
		req.Header.Set("Upgrade", "websocket")

		rec := httptest.NewRecorder()
		Auth(jwtService, users)(okHandler()).ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("ignored on plain requests", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/api/v1/contacts?access_token="+token, nil)

		rec := httptest.NewRecorder()
		Auth(jwtService, users)(okHandler()).ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}

func TestAuth_Rejections(t *testing.T) {
	jwtService := auth.NewJWTService("test-secret", 24*time.Hour)
	expired := auth.NewJWTService("test-secret", time.Millisecond)
	other := auth.NewJWTService("other-secret", 24*time.Hour)

	expiredToken, err := expired.GenerateToken(uuid.New(), uuid.New(), "a@example.com", models.RoleMember)
	require.NoError(t, err)
	foreignToken, err := other.GenerateToken(uuid.New(), uuid.New(), "a@example.com", models.RoleMember)
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)

	tests := []struct {
		name   string
		header string
	}{
		{"no token", ""},
		{"invalid token", "Bearer invalid-token"},
		{"expired token", "Bearer " + expiredToken},
		{"different secret", "Bearer " + foreignToken},
		{"basic scheme", "Basic dXNlcjpwYXNz"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := Auth(jwtService, directory{})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				t.Error("Handler should not be called")
			}))

			req := httptest.NewRequest("GET", "/api/test", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			assert.Contains(t, rec.Body.String(), "Unauthorized")
		})
	}
}

func TestAuth_StoredUserWins(t *testing.T) {
	jwtService := auth.NewJWTService("test-secret", 24*time.Hour)

	serveWith := func(users UserResolver, token string) (*httptest.ResponseRecorder, access.Viewer) {
		var seen access.Viewer
		handler := Auth(jwtService, users)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			seen = GetViewer(r.Context())
			w.WriteHeader(http.StatusOK)
		}))
		req := httptest.NewRequest("GET", "/api/test", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec, seen
	}

	t.Run("demoted after the token was issued", func(t *testing.T) {
		users := directory{}
		u := users.add(models.RoleAdmin)
		token := tokenFor(t, jwtService, u)
		u.Role = models.RoleMember

		rec, v := serveWith(users, token)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, models.RoleMember, v.Role)
		assert.False(t, v.IsAdmin())
	})

	t.Run("deactivated after the token was issued", func(t *testing.T) {
		users := directory{}
		u := users.add(models.RoleAdmin)
		token := tokenFor(t, jwtService, u)
		u.IsActive = false

		rec, _ := serveWith(users, token)
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("deleted after the token was issued", func(t *testing.T) {
		users := directory{}
		u := users.add(models.RoleMember)
		token := tokenFor(t, jwtService, u)
		delete(users, u.ID)

		rec, _ := serveWith(users, token)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("claims cannot move the viewer to another organization", func(t *testing.T) {
		users := directory{}
		u := users.add(models.RoleMember)
		token, err := jwtService.GenerateToken(u.ID, uuid.New(), u.Email, models.RoleSuperadmin)
		require.NoError(t, err)

		rec, v := serveWith(users, token)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, u.OrganizationID, v.OrganizationID)
		assert.Equal(t, models.RoleMember, v.Role)
	})

	t.Run("lookup failure", func(t *testing.T) {
		users := directory{}
		token := tokenFor(t, jwtService, users.add(models.RoleMember))

		rec, _ := serveWith(brokenDirectory{}, token)
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
	})
}

func TestContextAccessors_Empty(t *testing.T) {
	ctx := context.Background()

	assert.Equal(t, uuid.Nil, GetUserID(ctx))
	assert.Equal(t, uuid.Nil, GetOrganizationID(ctx))
	assert.Equal(t, "", GetUserEmail(ctx))
	assert.Equal(t, models.Role(""), GetUserRole(ctx))
	assert.False(t, GetViewer(ctx).Valid())
}

func TestWithViewer(t *testing.T) {
	v := access.Viewer{UserID: uuid.New(), OrganizationID: uuid.New(), Role: models.RoleSuperadmin}
	ctx := WithViewer(context.Background(), v)

	assert.Equal(t, v, GetViewer(ctx))
	assert.Equal(t, models.RoleSuperadmin, GetUserRole(ctx))
}

func TestRequireRole(t *testing.T) {
	tests := []struct {
		name           string
		userRole       models.Role
		middleware     func(http.Handler) http.Handler
		expectedStatus int
	}{
		{"superadmin_is_admin", models.RoleSuperadmin, RequireAdmin(), http.StatusOK},
		{"admin_is_admin", models.RoleAdmin, RequireAdmin(), http.StatusOK},
		{"member_denied", models.RoleMember, RequireAdmin(), http.StatusForbidden},
		{"superadmin_only", models.RoleAdmin, RequireRole(models.RoleSuperadmin), http.StatusForbidden},
		{"explicit_member", models.RoleMember, RequireRole(models.RoleMember), http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := WithViewer(context.Background(), access.Viewer{UserID: uuid.New(), OrganizationID: uuid.New(), Role: tt.userRole})
			req := httptest.NewRequest("GET", "/api/admin", nil).WithContext(ctx)

			rec := httptest.NewRecorder()
			tt.middleware(okHandler()).ServeHTTP(rec, req)

			assert.Equal(t, tt.expectedStatus, rec.Code)
		})
	}
}

func discardLogger() *slog.Logger {
	return util.DiscardLogger()
}
