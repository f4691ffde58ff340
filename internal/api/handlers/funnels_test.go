package handlers_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skytide-ai/skytide-nexus-crm-sub001/internal/api/handlers"
	"github.com/skytide-ai/skytide-nexus-crm-sub001/internal/api/middleware"
	"github.com/skytide-ai/skytide-nexus-crm-sub001/internal/database/models"
	"github.com/skytide-ai/skytide-nexus-crm-sub001/internal/mirror"
	"github.com/skytide-ai/skytide-nexus-crm-sub001/internal/pipeline"
	"github.com/skytide-ai/skytide-nexus-crm-sub001/internal/testutil"
	"github.com/skytide-ai/skytide-nexus-crm-sub001/pkg/util"
)

type boardResponse struct {
	Funnel models.Funnel `json:"funnel"`
	Stages []struct {
		ID       uuid.UUID              `json:"id"`
		Name     string                 `json:"name"`
		Position int                    `json:"position"`
		Contacts []models.FunnelContact `json:"contacts"`
	} `json:"stages"`
}

func setupFunnelTestRouter(t *testing.T) (*chi.Mux, *testutil.TestSetup) {
	tc := testutil.NewTestContext(t)
	svc := pipeline.NewService(pipeline.NewGormStore(tc.DB), mirror.New(mirror.NewMemoryBackend(), time.Minute), nil, util.DiscardLogger())
	handler := handlers.NewFunnelHandler(svc)

	r := chi.NewRouter()
	r.Group(func(r chi.Router) {
		r.Use(middleware.Auth(tc.JWTService, tc.Users))
		r.Route("/api/v1/funnels", func(r chi.Router) {
			r.Get("/", handler.List)
			r.Post("/", handler.Create)
			r.Put("/reorder", handler.Reorder)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", handler.Get)
				r.Patch("/", handler.Update)
				r.Delete("/", handler.Delete)
				r.Get("/board", handler.Board)
				r.Post("/contacts", handler.AddContact)
				r.Post("/stages", handler.CreateStage)
				r.Put("/stages/reorder", handler.ReorderStages)
				r.Patch("/stages/{stageID}", handler.UpdateStage)
				r.Delete("/stages/{stageID}", handler.DeleteStage)
			})
		})
		r.Delete("/api/v1/funnel-contacts/{id}", handler.RemoveContact)
		r.Put("/api/v1/funnel-contacts/{id}/move", handler.MoveContact)
	})
	return r, tc
}

func serve(router http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func TestFunnelHandler_CreateAndList(t *testing.T) {
	router, tc := setupFunnelTestRouter(t)

	body := map[string]interface{}{
		"name": "Sales",
		"stages": []map[string]string{
			{"name": "Lead"},
			{"name": "Proposal", "color": "#1e90ff"},
			{"name": "Won"},
		},
	}
	rr := serve(router, testutil.AuthenticatedRequest(t, "POST", "/api/v1/funnels", body, tc.Token))
	testutil.AssertStatus(t, rr, http.StatusCreated)
	var first models.Funnel
	testutil.ParseJSONResponse(t, rr, &first)
	assert.Equal(t, 0, first.Position)

	rr = serve(router, testutil.AuthenticatedRequest(t, "POST", "/api/v1/funnels", map[string]string{"name": "Onboarding"}, tc.Token))
	testutil.AssertStatus(t, rr, http.StatusCreated)
	var second models.Funnel
	testutil.ParseJSONResponse(t, rr, &second)
	assert.Equal(t, 1, second.Position, "new funnels go after the last one")

	rr = serve(router, testutil.AuthenticatedRequest(t, "GET", "/api/v1/funnels/"+first.ID.String(), nil, tc.Token))
	testutil.AssertStatus(t, rr, http.StatusOK)
	var got models.Funnel
	testutil.ParseJSONResponse(t, rr, &got)
	require.Len(t, got.Stages, 3)
	for i, name := range []string{"Lead", "Proposal", "Won"} {
		assert.Equal(t, name, got.Stages[i].Name)
		assert.Equal(t, i, got.Stages[i].Position)
	}

	t.Run("validation", func(t *testing.T) {
		body := map[string]interface{}{"name": "X", "stages": []map[string]string{{"name": ""}, {"name": "B", "color": "blue"}}}
		rr := serve(router, testutil.AuthenticatedRequest(t, "POST", "/api/v1/funnels", body, tc.Token))
		testutil.AssertStatus(t, rr, http.StatusBadRequest)
	})

	t.Run("members cannot create", func(t *testing.T) {
		_, memberToken := tc.AddUser(t, models.RoleMember)
		rr := serve(router, testutil.AuthenticatedRequest(t, "POST", "/api/v1/funnels", map[string]string{"name": "Mine"}, memberToken))
		testutil.AssertStatus(t, rr, http.StatusForbidden)
	})

	t.Run("reorder funnels", func(t *testing.T) {
		body := map[string]interface{}{"positions": []map[string]interface{}{
			{"id": first.ID, "position": 1},
			{"id": second.ID, "position": 0},
		}}
		rr := serve(router, testutil.AuthenticatedRequest(t, "PUT", "/api/v1/funnels/reorder", body, tc.Token))
		testutil.AssertStatus(t, rr, http.StatusOK)

		rr = serve(router, testutil.AuthenticatedRequest(t, "GET", "/api/v1/funnels", nil, tc.Token))
		testutil.AssertStatus(t, rr, http.StatusOK)
		var funnels []models.Funnel
		testutil.ParseJSONResponse(t, rr, &funnels)
		require.Len(t, funnels, 2)
		assert.Equal(t, second.ID, funnels[0].ID)
	})

	t.Run("reorder rejects duplicates", func(t *testing.T) {
		body := map[string]interface{}{"positions": []map[string]interface{}{
			{"id": first.ID, "position": 0},
			{"id": first.ID, "position": 1},
		}}
		rr := serve(router, testutil.AuthenticatedRequest(t, "PUT", "/api/v1/funnels/reorder", body, tc.Token))
		testutil.AssertStatus(t, rr, http.StatusBadRequest)
	})

	t.Run("other organization is not found", func(t *testing.T) {
		foreign := testutil.CreateTestFunnel(t, tc.DB, testutil.CreateTestOrg(t, tc.DB).ID, "Theirs", "A")
		rr := serve(router, testutil.AuthenticatedRequest(t, "GET", "/api/v1/funnels/"+foreign.ID.String(), nil, tc.Token))
		testutil.AssertStatus(t, rr, http.StatusNotFound)
	})
}

func TestFunnelHandler_BoardAndMove(t *testing.T) {
	router, tc := setupFunnelTestRouter(t)
	funnel := testutil.CreateTestFunnel(t, tc.DB, tc.Org.ID, "Sales", "Lead", "Won")
	lead, won := funnel.Stages[0], funnel.Stages[1]
	base := "/api/v1/funnels/" + funnel.ID.String()

	add := func(contact *models.Contact, stageID *uuid.UUID) models.FunnelContact {
		body := map[string]interface{}{"contact_id": contact.ID}
		if stageID != nil {
			body["stage_id"] = stageID
		}
		rr := serve(router, testutil.AuthenticatedRequest(t, "POST", base+"/contacts", body, tc.Token))
		testutil.AssertStatus(t, rr, http.StatusCreated)
		var fc models.FunnelContact
		testutil.ParseJSONResponse(t, rr, &fc)
		return fc
	}

	ana := add(testutil.CreateTestContact(t, tc.DB, tc.Org.ID, "Ana"), nil)
	bia := add(testutil.CreateTestContact(t, tc.DB, tc.Org.ID, "Bia"), nil)
	caio := add(testutil.CreateTestContact(t, tc.DB, tc.Org.ID, "Caio"), &won.ID)

	assert.Equal(t, lead.ID, ana.StageID, "default stage is the first one")
	assert.Equal(t, 0, ana.Position)
	assert.Equal(t, 1, bia.Position)
	assert.Equal(t, 0, caio.Position)

	board := func() boardResponse {
		rr := serve(router, testutil.AuthenticatedRequest(t, "GET", base+"/board", nil, tc.Token))
		testutil.AssertStatus(t, rr, http.StatusOK)
		var b boardResponse
		testutil.ParseJSONResponse(t, rr, &b)
		return b
	}

	b := board()
	require.Len(t, b.Stages, 2)
	assert.Equal(t, "Lead", b.Stages[0].Name)
	assert.Len(t, b.Stages[0].Contacts, 2)
	assert.Len(t, b.Stages[1].Contacts, 1)

	t.Run("move to another stage", func(t *testing.T) {
		body := map[string]interface{}{"stage_id": won.ID, "position": 1}
		rr := serve(router, testutil.AuthenticatedRequest(t, "PUT", "/api/v1/funnel-contacts/"+ana.ID.String()+"/move", body, tc.Token))
		testutil.AssertStatus(t, rr, http.StatusOK)

		var moved models.FunnelContact
		testutil.ParseJSONResponse(t, rr, &moved)
		assert.Equal(t, won.ID, moved.StageID)
		assert.Equal(t, 1, moved.Position)

		b := board()
		require.Len(t, b.Stages[1].Contacts, 2)
		assert.Equal(t, caio.ID, b.Stages[1].Contacts[0].ID)
		assert.Equal(t, ana.ID, b.Stages[1].Contacts[1].ID)
		assert.Len(t, b.Stages[0].Contacts, 1)
	})

	t.Run("move rejects a stage of another funnel", func(t *testing.T) {
		other := testutil.CreateTestFunnel(t, tc.DB, tc.Org.ID, "Other", "X")
		body := map[string]interface{}{"stage_id": other.Stages[0].ID, "position": 0}
		rr := serve(router, testutil.AuthenticatedRequest(t, "PUT", "/api/v1/funnel-contacts/"+bia.ID.String()+"/move", body, tc.Token))
		testutil.AssertStatus(t, rr, http.StatusBadRequest)
	})

	t.Run("move rejects negative and sentinel positions", func(t *testing.T) {
		for _, pos := range []int{-1, pipeline.SentinelPosition} {
			body := map[string]interface{}{"stage_id": lead.ID, "position": pos}
			rr := serve(router, testutil.AuthenticatedRequest(t, "PUT", "/api/v1/funnel-contacts/"+bia.ID.String()+"/move", body, tc.Token))
			testutil.AssertStatus(t, rr, http.StatusBadRequest)
		}
	})

	t.Run("move requires a position", func(t *testing.T) {
		body := map[string]interface{}{"stage_id": lead.ID}
		rr := serve(router, testutil.AuthenticatedRequest(t, "PUT", "/api/v1/funnel-contacts/"+bia.ID.String()+"/move", body, tc.Token))
		testutil.AssertStatus(t, rr, http.StatusBadRequest)
	})

	t.Run("contact cannot join twice", func(t *testing.T) {
		body := map[string]interface{}{"contact_id": ana.ContactID}
		rr := serve(router, testutil.AuthenticatedRequest(t, "POST", base+"/contacts", body, tc.Token))
		testutil.AssertStatus(t, rr, http.StatusConflict)
	})

	t.Run("non-empty stage cannot be deleted", func(t *testing.T) {
		rr := serve(router, testutil.AuthenticatedRequest(t, "DELETE", base+"/stages/"+won.ID.String(), nil, tc.Token))
		testutil.AssertStatus(t, rr, http.StatusConflict)
	})

	t.Run("remove contact", func(t *testing.T) {
		rr := serve(router, testutil.AuthenticatedRequest(t, "DELETE", "/api/v1/funnel-contacts/"+caio.ID.String(), nil, tc.Token))
		testutil.AssertStatus(t, rr, http.StatusOK)

		b := board()
		require.Len(t, b.Stages[1].Contacts, 1)
		assert.Equal(t, ana.ID, b.Stages[1].Contacts[0].ID)

		rr = serve(router, testutil.AuthenticatedRequest(t, "DELETE", "/api/v1/funnel-contacts/"+caio.ID.String(), nil, tc.Token))
		testutil.AssertStatus(t, rr, http.StatusNotFound)
	})
}

func TestFunnelHandler_Stages(t *testing.T) {
	router, tc := setupFunnelTestRouter(t)
	funnel := testutil.CreateTestFunnel(t, tc.DB, tc.Org.ID, "Sales", "Lead", "Won")
	base := "/api/v1/funnels/" + funnel.ID.String()

	rr := serve(router, testutil.AuthenticatedRequest(t, "POST", base+"/stages", map[string]string{"name": "Lost", "color": "#ff0000"}, tc.Token))
	testutil.AssertStatus(t, rr, http.StatusCreated)
	var lost models.FunnelStage
	testutil.ParseJSONResponse(t, rr, &lost)
	assert.Equal(t, 2, lost.Position, "new stages go last")

	rr = serve(router, testutil.AuthenticatedRequest(t, "PATCH", base+"/stages/"+lost.ID.String(), map[string]string{"name": "Lost deals"}, tc.Token))
	testutil.AssertStatus(t, rr, http.StatusOK)

	body := map[string]interface{}{"positions": []map[string]interface{}{
		{"id": lost.ID, "position": 0},
		{"id": funnel.Stages[0].ID, "position": 1},
		{"id": funnel.Stages[1].ID, "position": 2},
	}}
	rr = serve(router, testutil.AuthenticatedRequest(t, "PUT", base+"/stages/reorder", body, tc.Token))
	testutil.AssertStatus(t, rr, http.StatusOK)

	rr = serve(router, testutil.AuthenticatedRequest(t, "GET", base, nil, tc.Token))
	testutil.AssertStatus(t, rr, http.StatusOK)
	var got models.Funnel
	testutil.ParseJSONResponse(t, rr, &got)
	require.Len(t, got.Stages, 3)
	assert.Equal(t, "Lost deals", got.Stages[0].Name)
	assert.Equal(t, "Lead", got.Stages[1].Name)

	t.Run("reorder with a foreign stage", func(t *testing.T) {
		other := testutil.CreateTestFunnel(t, tc.DB, tc.Org.ID, "Other", "X")
		body := map[string]interface{}{"positions": []map[string]interface{}{
			{"id": other.Stages[0].ID, "position": 0},
		}}
		rr := serve(router, testutil.AuthenticatedRequest(t, "PUT", base+"/stages/reorder", body, tc.Token))
		testutil.AssertStatus(t, rr, http.StatusNotFound)
	})

	t.Run("delete empty stage", func(t *testing.T) {
		rr := serve(router, testutil.AuthenticatedRequest(t, "DELETE", base+"/stages/"+lost.ID.String(), nil, tc.Token))
		testutil.AssertStatus(t, rr, http.StatusOK)
	})

	t.Run("invalid stage id", func(t *testing.T) {
		rr := serve(router, testutil.AuthenticatedRequest(t, "DELETE", base+"/stages/nope", nil, tc.Token))
		testutil.AssertStatus(t, rr, http.StatusBadRequest)
	})
}
