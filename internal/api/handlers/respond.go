package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/skytide-ai/skytide-nexus-crm-sub001/internal/access"
	"github.com/skytide-ai/skytide-nexus-crm-sub001/internal/api/dto"
	"github.com/skytide-ai/skytide-nexus-crm-sub001/internal/api/middleware"
)

const maxBodyBytes = 1 << 20

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, dto.ErrorResponse{Error: msg})
}

// decodeJSON reads a bounded request body into v and writes the 400 itself.
func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	return true
}

type validator interface {
	Validate() map[string]string
}

// decodeValid decodes then validates, answering 400 on either failure.
func decodeValid(w http.ResponseWriter, r *http.Request, v validator) bool {
	if !decodeJSON(w, r, v) {
		return false
	}
	if errors := v.Validate(); len(errors) > 0 {
		writeJSON(w, http.StatusBadRequest, dto.ErrorResponse{Error: "Validation failed", Details: errors})
		return false
	}
	return true
}

// urlID parses a uuid path parameter; label names it in the error message.
func urlID(w http.ResponseWriter, r *http.Request, param, label string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, param))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid "+label+" ID")
		return uuid.Nil, false
	}
	return id, true
}

// viewerOf writes a 401 when the auth middleware did not run.
func viewerOf(w http.ResponseWriter, r *http.Request) (access.Viewer, bool) {
	v := middleware.GetViewer(r.Context())
	if !v.Valid() {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return access.Viewer{}, false
	}
	return v, true
}

func pagination(r *http.Request) dto.PaginationParams {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	perPage, _ := strconv.Atoi(r.URL.Query().Get("per_page"))
	p := dto.PaginationParams{Page: page, PerPage: perPage}
	p.Normalize()
	return p
}

// queryID parses an optional uuid query parameter.
func queryID(r *http.Request, name string) (*uuid.UUID, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil, nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil, errors.New("invalid " + name)
	}
	return &id, nil
}

func itoa(i int) string {
	return strconv.Itoa(i)
}
