package handlers_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skytide-ai/skytide-nexus-crm-sub001/internal/api/dto"
	"github.com/skytide-ai/skytide-nexus-crm-sub001/internal/api/handlers"
	"github.com/skytide-ai/skytide-nexus-crm-sub001/internal/api/middleware"
	"github.com/skytide-ai/skytide-nexus-crm-sub001/internal/database/models"
	"github.com/skytide-ai/skytide-nexus-crm-sub001/internal/testutil"
)

type recordingObserver struct {
	mu      sync.Mutex
	changed []uuid.UUID
}

func (o *recordingObserver) ContactChanged(_ context.Context, _, contactID uuid.UUID) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.changed = append(o.changed, contactID)
}

func (o *recordingObserver) calls() []uuid.UUID {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]uuid.UUID(nil), o.changed...)
}

type contactPage struct {
	Data  []models.Contact `json:"data"`
	Total int64            `json:"total"`
}

func setupContactTestRouter(t *testing.T) (*chi.Mux, *testutil.TestSetup, *recordingObserver) {
	tc := testutil.NewTestContext(t)
	observer := &recordingObserver{}
	handler := handlers.NewContactHandler(tc.DB, observer)

	r := chi.NewRouter()
	r.Route("/api/v1/contacts", func(r chi.Router) {
		r.Use(middleware.Auth(tc.JWTService, tc.Users))
		r.Get("/", handler.List)
		r.Post("/", handler.Create)
		r.Get("/{id}", handler.Get)
		r.Patch("/{id}", handler.Update)
		r.Delete("/{id}", handler.Delete)
	})
	return r, tc, observer
}

func TestContactHandler_Create(t *testing.T) {
	router, tc, _ := setupContactTestRouter(t)

	t.Run("normalizes phone and email", func(t *testing.T) {
		body := map[string]string{
			"first_name": "  Maria ",
			"last_name":  "Silva",
			"phone":      "+55 (11) 98765-4321",
			"email":      "Maria@Example.COM",
			"birth_date": "1990-04-12",
		}
		req := testutil.AuthenticatedRequest(t, "POST", "/api/v1/contacts", body, tc.Token)
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)

		testutil.AssertStatus(t, rr, http.StatusCreated)
		var c models.Contact
		testutil.ParseJSONResponse(t, rr, &c)
		assert.Equal(t, "Maria", c.FirstName)
		assert.Equal(t, "+5511987654321", c.Phone)
		assert.Equal(t, "maria@example.com", c.Email)
		assert.Equal(t, tc.Org.ID, c.OrganizationID)
		require.NotNil(t, c.BirthDate)
		assert.Equal(t, "1990-04-12", c.BirthDate.Format("2006-01-02"))
	})

	tests := []struct {
		name  string
		body  map[string]string
		field string
	}{
		{"missing first name", map[string]string{"last_name": "Silva"}, "first_name"},
		{"blank first name", map[string]string{"first_name": "   "}, "first_name"},
		{"bad phone", map[string]string{"first_name": "A", "phone": "12"}, "phone"},
		{"bad email", map[string]string{"first_name": "A", "email": "nope"}, "email"},
		{"bad birth date", map[string]string{"first_name": "A", "birth_date": "12/04/1990"}, "birth_date"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := testutil.AuthenticatedRequest(t, "POST", "/api/v1/contacts", tt.body, tc.Token)
			rr := httptest.NewRecorder()
			router.ServeHTTP(rr, req)

			testutil.AssertStatus(t, rr, http.StatusBadRequest)
			var resp dto.ErrorResponse
			testutil.ParseJSONResponse(t, rr, &resp)
			assert.Contains(t, resp.Details, tt.field)
		})
	}

	t.Run("requires authentication", func(t *testing.T) {
		req := testutil.UnauthenticatedRequest(t, "POST", "/api/v1/contacts", map[string]string{"first_name": "A"})
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)
		testutil.AssertStatus(t, rr, http.StatusUnauthorized)
	})
}

func TestContactHandler_List(t *testing.T) {
	router, tc, _ := setupContactTestRouter(t)
	testutil.CreateTestContact(t, tc.DB, tc.Org.ID, "Zelia")
	testutil.CreateTestContact(t, tc.DB, tc.Org.ID, "Alice")
	testutil.CreateTestContact(t, tc.DB, tc.Org.ID, "Bruna")

	other := testutil.CreateTestOrg(t, tc.DB)
	testutil.CreateTestContact(t, tc.DB, other.ID, "Alice")

	t.Run("scoped and ordered by name", func(t *testing.T) {
		req := testutil.AuthenticatedRequest(t, "GET", "/api/v1/contacts", nil, tc.Token)
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)

		testutil.AssertStatus(t, rr, http.StatusOK)
		var page contactPage
		testutil.ParseJSONResponse(t, rr, &page)
		assert.EqualValues(t, 3, page.Total)
		require.Len(t, page.Data, 3)
		assert.Equal(t, "Alice", page.Data[0].FirstName)
		assert.Equal(t, "Zelia", page.Data[2].FirstName)
	})

	t.Run("search", func(t *testing.T) {
		req := testutil.AuthenticatedRequest(t, "GET", "/api/v1/contacts?q=BRU", nil, tc.Token)
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)

		testutil.AssertStatus(t, rr, http.StatusOK)
		var page contactPage
		testutil.ParseJSONResponse(t, rr, &page)
		require.Len(t, page.Data, 1)
		assert.Equal(t, "Bruna", page.Data[0].FirstName)
	})

	t.Run("pagination", func(t *testing.T) {
		req := testutil.AuthenticatedRequest(t, "GET", "/api/v1/contacts?page=2&per_page=2", nil, tc.Token)
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)

		testutil.AssertStatus(t, rr, http.StatusOK)
		var page contactPage
		testutil.ParseJSONResponse(t, rr, &page)
		assert.EqualValues(t, 3, page.Total)
		assert.Len(t, page.Data, 1)
	})
}

func TestContactHandler_GetUpdateDelete(t *testing.T) {
	router, tc, observer := setupContactTestRouter(t)
	contact := testutil.CreateTestContact(t, tc.DB, tc.Org.ID, "Carlos")
	foreign := testutil.CreateTestContact(t, tc.DB, testutil.CreateTestOrg(t, tc.DB).ID, "Other")

	t.Run("get", func(t *testing.T) {
		req := testutil.AuthenticatedRequest(t, "GET", "/api/v1/contacts/"+contact.ID.String(), nil, tc.Token)
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)
		testutil.AssertStatus(t, rr, http.StatusOK)
	})

	t.Run("other organization is not found", func(t *testing.T) {
		req := testutil.AuthenticatedRequest(t, "GET", "/api/v1/contacts/"+foreign.ID.String(), nil, tc.Token)
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)
		testutil.AssertStatus(t, rr, http.StatusNotFound)
	})

	t.Run("invalid id", func(t *testing.T) {
		req := testutil.AuthenticatedRequest(t, "GET", "/api/v1/contacts/123", nil, tc.Token)
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)
		testutil.AssertStatus(t, rr, http.StatusBadRequest)
	})

	t.Run("update notifies the observer", func(t *testing.T) {
		body := map[string]string{"last_name": "Pereira", "notes": "prefers mornings"}
		req := testutil.AuthenticatedRequest(t, "PATCH", "/api/v1/contacts/"+contact.ID.String(), body, tc.Token)
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)

		testutil.AssertStatus(t, rr, http.StatusOK)
		var c models.Contact
		testutil.ParseJSONResponse(t, rr, &c)
		assert.Equal(t, "Carlos", c.FirstName)
		assert.Equal(t, "Pereira", c.LastName)
		assert.Equal(t, "prefers mornings", c.Notes)
		assert.Equal(t, []uuid.UUID{contact.ID}, observer.calls())
	})

	t.Run("update cannot blank the first name", func(t *testing.T) {
		body := map[string]string{"first_name": ""}
		req := testutil.AuthenticatedRequest(t, "PATCH", "/api/v1/contacts/"+contact.ID.String(), body, tc.Token)
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)
		testutil.AssertStatus(t, rr, http.StatusBadRequest)
	})

	t.Run("delete removes funnel placements", func(t *testing.T) {
		funnel := testutil.CreateTestFunnel(t, tc.DB, tc.Org.ID, "Sales", "Lead", "Won")
		testutil.PlaceTestContact(t, tc.DB, funnel, funnel.Stages[0], contact, 0)

		req := testutil.AuthenticatedRequest(t, "DELETE", "/api/v1/contacts/"+contact.ID.String(), nil, tc.Token)
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)
		testutil.AssertStatus(t, rr, http.StatusOK)

		var placements int64
		require.NoError(t, tc.DB.Unscoped().Model(&models.FunnelContact{}).Where("contact_id = ?", contact.ID).Count(&placements).Error)
		assert.Zero(t, placements)

		var remaining int64
		require.NoError(t, tc.DB.Model(&models.Contact{}).Where("id = ?", contact.ID).Count(&remaining).Error)
		assert.Zero(t, remaining)
		assert.Len(t, observer.calls(), 2)

		req = testutil.AuthenticatedRequest(t, "DELETE", "/api/v1/contacts/"+contact.ID.String(), nil, tc.Token)
		rr = httptest.NewRecorder()
		router.ServeHTTP(rr, req)
		testutil.AssertStatus(t, rr, http.StatusNotFound)
	})
}
