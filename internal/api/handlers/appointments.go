package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/skytide-ai/skytide-nexus-crm-sub001/internal/api/dto"
	"github.com/skytide-ai/skytide-nexus-crm-sub001/internal/appointments"
	"github.com/skytide-ai/skytide-nexus-crm-sub001/internal/database/models"
)

type AppointmentHandler struct {
	service *appointments.Service
}

func NewAppointmentHandler(service *appointments.Service) *AppointmentHandler {
	return &AppointmentHandler{service: service}
}

type CreateAppointmentRequest struct {
	ContactID    uuid.UUID                `json:"contact_id"`
	ServiceID    *uuid.UUID               `json:"service_id,omitempty"`
	AssignedToID *uuid.UUID               `json:"assigned_to_id,omitempty"`
	StartsAt     time.Time                `json:"starts_at"`
	EndsAt       *time.Time               `json:"ends_at,omitempty"`
	Status       models.AppointmentStatus `json:"status,omitempty"`
	Notes        string                   `json:"notes,omitempty"`
}

func (r CreateAppointmentRequest) Validate() map[string]string {
	errors := make(map[string]string)
	if r.ContactID == uuid.Nil {
		errors["contact_id"] = "Contact is required"
	}
	if r.StartsAt.IsZero() {
		errors["starts_at"] = "Start time is required"
	}
	if r.Status != "" && !r.Status.Valid() {
		errors["status"] = "Invalid status"
	}
	return errors
}

type UpdateAppointmentRequest struct {
	ContactID     *uuid.UUID                `json:"contact_id,omitempty"`
	ServiceID     *uuid.UUID                `json:"service_id,omitempty"`
	ClearService  bool                      `json:"clear_service,omitempty"`
	AssignedToID  *uuid.UUID                `json:"assigned_to_id,omitempty"`
	ClearAssignee bool                      `json:"clear_assignee,omitempty"`
	StartsAt      *time.Time                `json:"starts_at,omitempty"`
	EndsAt        *time.Time                `json:"ends_at,omitempty"`
	Status        *models.AppointmentStatus `json:"status,omitempty"`
	Notes         *string                   `json:"notes,omitempty"`
}

func (r UpdateAppointmentRequest) Validate() map[string]string {
	errors := make(map[string]string)
	if r.Status != nil && !r.Status.Valid() {
		errors["status"] = "Invalid status"
	}
	if r.ClearService && r.ServiceID != nil {
		errors["service_id"] = "Cannot set and clear the service at once"
	}
	if r.ClearAssignee && r.AssignedToID != nil {
		errors["assigned_to_id"] = "Cannot set and clear the assignee at once"
	}
	return errors
}

func writeAppointmentError(w http.ResponseWriter, err error, fallback string) {
	switch {
	case errors.Is(err, appointments.ErrNotFound):
		writeError(w, http.StatusNotFound, "Appointment not found")
	case errors.Is(err, appointments.ErrContactNotFound):
		writeError(w, http.StatusBadRequest, "Contact not found")
	case errors.Is(err, appointments.ErrServiceNotFound):
		writeError(w, http.StatusBadRequest, "Service not found")
	case errors.Is(err, appointments.ErrAssigneeNotFound):
		writeError(w, http.StatusBadRequest, "Assigned member not found")
	case errors.Is(err, appointments.ErrInvalidTimeRange):
		writeJSON(w, http.StatusBadRequest, dto.ErrorResponse{
			Error:   "Validation failed",
			Details: map[string]string{"ends_at": "End time must be after start time"},
		})
	case errors.Is(err, appointments.ErrInvalidStatus):
		writeJSON(w, http.StatusBadRequest, dto.ErrorResponse{
			Error:   "Validation failed",
			Details: map[string]string{"status": "Invalid status"},
		})
	default:
		writeError(w, http.StatusInternalServerError, fallback)
	}
}

func parseTimeParam(r *http.Request, name string) (*time.Time, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, errors.New("invalid " + name)
	}
	return &t, nil
}

// List handles GET /api/v1/appointments with optional from, to (RFC 3339),
// status, contact_id and assigned_to_id filters.
func (h *AppointmentHandler) List(w http.ResponseWriter, r *http.Request) {
	v, ok := viewerOf(w, r)
	if !ok {
		return
	}
	p := pagination(r)
	f := appointments.Filter{
		Status: models.AppointmentStatus(r.URL.Query().Get("status")),
		Offset: p.Offset(),
		Limit:  p.PerPage,
	}
	var err error
	details := make(map[string]string)
	if f.From, err = parseTimeParam(r, "from"); err != nil {
		details["from"] = err.Error()
	}
	if f.To, err = parseTimeParam(r, "to"); err != nil {
		details["to"] = err.Error()
	}
	if f.ContactID, err = queryID(r, "contact_id"); err != nil {
		details["contact_id"] = err.Error()
	}
	if f.AssignedToID, err = queryID(r, "assigned_to_id"); err != nil {
		details["assigned_to_id"] = err.Error()
	}
	if f.Status != "" && !f.Status.Valid() {
		details["status"] = "invalid status"
	}
	if len(details) > 0 {
		writeJSON(w, http.StatusBadRequest, dto.ErrorResponse{Error: "Invalid filter", Details: details})
		return
	}

	list, total, err := h.service.List(r.Context(), v, f)
	if err != nil {
		writeAppointmentError(w, err, "Failed to list appointments")
		return
	}
	if list == nil {
		list = []models.Appointment{}
	}
	writeJSON(w, http.StatusOK, dto.Paginate(list, total, p))
}

// Create handles POST /api/v1/appointments
func (h *AppointmentHandler) Create(w http.ResponseWriter, r *http.Request) {
	v, ok := viewerOf(w, r)
	if !ok {
		return
	}
	var req CreateAppointmentRequest
	if !decodeValid(w, r, &req) {
		return
	}

	in := appointments.Input{
		ContactID:    req.ContactID,
		ServiceID:    req.ServiceID,
		AssignedToID: req.AssignedToID,
		StartsAt:     req.StartsAt,
		Status:       req.Status,
		Notes:        req.Notes,
	}
	if req.EndsAt != nil {
		in.EndsAt = *req.EndsAt
	}
	a, err := h.service.Create(r.Context(), v, in)
	if err != nil {
		writeAppointmentError(w, err, "Failed to create appointment")
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

// Get handles GET /api/v1/appointments/{id}
func (h *AppointmentHandler) Get(w http.ResponseWriter, r *http.Request) {
	v, ok := viewerOf(w, r)
	if !ok {
		return
	}
	id, ok := urlID(w, r, "id", "appointment")
	if !ok {
		return
	}
	a, err := h.service.Get(r.Context(), v, id)
	if err != nil {
		writeAppointmentError(w, err, "Failed to get appointment")
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// Update handles PATCH /api/v1/appointments/{id}
func (h *AppointmentHandler) Update(w http.ResponseWriter, r *http.Request) {
	v, ok := viewerOf(w, r)
	if !ok {
		return
	}
	id, ok := urlID(w, r, "id", "appointment")
	if !ok {
		return
	}
	var req UpdateAppointmentRequest
	if !decodeValid(w, r, &req) {
		return
	}

	a, err := h.service.Update(r.Context(), v, id, appointments.UpdateInput{
		ContactID:     req.ContactID,
		ServiceID:     req.ServiceID,
		ClearService:  req.ClearService,
		AssignedToID:  req.AssignedToID,
		ClearAssignee: req.ClearAssignee,
		StartsAt:      req.StartsAt,
		EndsAt:        req.EndsAt,
		Status:        req.Status,
		Notes:         req.Notes,
	})
	if err != nil {
		writeAppointmentError(w, err, "Failed to update appointment")
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// Delete handles DELETE /api/v1/appointments/{id}
func (h *AppointmentHandler) Delete(w http.ResponseWriter, r *http.Request) {
	v, ok := viewerOf(w, r)
	if !ok {
		return
	}
	id, ok := urlID(w, r, "id", "appointment")
	if !ok {
		return
	}
	if err := h.service.Delete(r.Context(), v, id); err != nil {
		writeAppointmentError(w, err, "Failed to delete appointment")
		return
	}
	writeJSON(w, http.StatusOK, dto.SuccessResponse{Message: "Appointment deleted"})
}
