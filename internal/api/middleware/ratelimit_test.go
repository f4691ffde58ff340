package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/skytide-ai/skytide-nexus-crm-sub001/internal/access"
	"github.com/skytide-ai/skytide-nexus-crm-sub001/internal/database/models"
)

func TestRateLimiter_Allow(t *testing.T) {
	rl := NewRateLimiter(2, 60)
	defer rl.Stop()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	ok, remaining, _ := rl.Allow("a")
	assert.True(t, ok)
	assert.Equal(t, 1, remaining)

	ok, remaining, _ = rl.Allow("a")
	assert.True(t, ok)
	assert.Equal(t, 0, remaining)

	ok, _, reset := rl.Allow("a")
	assert.False(t, ok)
	assert.Equal(t, now.Add(time.Minute), reset)

	ok, _, _ = rl.Allow("b")
	assert.True(t, ok, "keys are independent")

	now = now.Add(61 * time.Second)
	ok, _, _ = rl.Allow("a")
	assert.True(t, ok, "window slid past the old requests")
}

func TestRateLimiter_Cleanup(t *testing.T) {
	rl := NewRateLimiter(5, 1)
	defer rl.Stop()
	now := time.Now()
	rl.now = func() time.Time { return now }

	rl.Allow("idle")
	now = now.Add(5 * time.Second)
	rl.cleanup()

	rl.mu.RLock()
	defer rl.mu.RUnlock()
	assert.Empty(t, rl.clients)
}

func TestLimit_Headers(t *testing.T) {
	rl := NewRateLimiter(1, 60)
	defer rl.Stop()
	handler := Limit(rl, ByIP)(okHandler())

	req := httptest.NewRequest("GET", "/api/v1/contacts", nil)
	req.RemoteAddr = "203.0.113.9:5555"

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}

func TestKeyFuncs(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "198.51.100.7:1234"
	assert.Equal(t, "198.51.100.7", ByIP(req))

	req.Header.Set("X-Forwarded-For", "192.0.2.1, 10.0.0.1")
	assert.Equal(t, "192.0.2.1", ByIP(req))

	assert.Equal(t, "192.0.2.1", ByUser(req))

	userID := uuid.New()
	ctx := WithViewer(context.Background(), access.Viewer{UserID: userID, OrganizationID: uuid.New(), Role: models.RoleMember})
	assert.Equal(t, "user:"+userID.String(), ByUser(req.WithContext(ctx)))
}

func TestRecovery(t *testing.T) {
	handler := Recovery(discardLogger())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"error":"Internal server error"}`, rec.Body.String())
}
