package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/skytide-ai/skytide-nexus-crm-sub001/internal/api/dto"
	"github.com/skytide-ai/skytide-nexus-crm-sub001/internal/database/models"
)

// ServiceHandler manages the organization's service catalog. Writes are
// admin only; the router enforces it.
type ServiceHandler struct {
	db *gorm.DB
}

func NewServiceHandler(db *gorm.DB) *ServiceHandler {
	return &ServiceHandler{db: db}
}

type ServiceRequest struct {
	Name            *string `json:"name"`
	Description     *string `json:"description"`
	DurationMinutes *int    `json:"duration_minutes"`
	PriceCents      *int64  `json:"price_cents"`
	IsActive        *bool   `json:"is_active"`
}

func (r ServiceRequest) validate(create bool) map[string]string {
	errors := make(map[string]string)
	if (create && r.Name == nil) || (r.Name != nil && strings.TrimSpace(*r.Name) == "") {
		errors["name"] = "Name is required"
	}
	if r.DurationMinutes != nil && (*r.DurationMinutes <= 0 || *r.DurationMinutes > 24*60) {
		errors["duration_minutes"] = "Duration must be between 1 and 1440 minutes"
	}
	if r.PriceCents != nil && *r.PriceCents < 0 {
		errors["price_cents"] = "Price cannot be negative"
	}
	return errors
}

// Map updates carry false and zero values that struct updates would skip.
func (r ServiceRequest) updates() map[string]interface{} {
	out := make(map[string]interface{})
	if r.Name != nil {
		out["name"] = strings.TrimSpace(*r.Name)
	}
	if r.Description != nil {
		out["description"] = *r.Description
	}
	if r.DurationMinutes != nil {
		out["duration_minutes"] = *r.DurationMinutes
	}
	if r.PriceCents != nil {
		out["price_cents"] = *r.PriceCents
	}
	if r.IsActive != nil {
		out["is_active"] = *r.IsActive
	}
	return out
}

func (h *ServiceHandler) find(r *http.Request, orgID, id uuid.UUID) (*models.Service, error) {
	var s models.Service
	err := h.db.WithContext(r.Context()).Where("id = ? AND organization_id = ?", id, orgID).First(&s).Error
	return &s, err
}

// List handles GET /api/v1/services. active=true limits to bookable
// services.
func (h *ServiceHandler) List(w http.ResponseWriter, r *http.Request) {
	v, ok := viewerOf(w, r)
	if !ok {
		return
	}
	query := h.db.WithContext(r.Context()).Where("organization_id = ?", v.OrganizationID)
	if r.URL.Query().Get("active") == "true" {
		query = query.Where("is_active = ?", true)
	}
	services := []models.Service{}
	if err := query.Order("name").Find(&services).Error; err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list services")
		return
	}
	writeJSON(w, http.StatusOK, services)
}

// Create handles POST /api/v1/services
func (h *ServiceHandler) Create(w http.ResponseWriter, r *http.Request) {
	v, ok := viewerOf(w, r)
	if !ok {
		return
	}
	var req ServiceRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if errors := req.validate(true); len(errors) > 0 {
		writeJSON(w, http.StatusBadRequest, dto.ErrorResponse{Error: "Validation failed", Details: errors})
		return
	}

	s := models.Service{
		OrganizationID:  v.OrganizationID,
		Name:            strings.TrimSpace(*req.Name),
		DurationMinutes: 30,
		IsActive:        true,
	}
	if req.Description != nil {
		s.Description = *req.Description
	}
	if req.DurationMinutes != nil {
		s.DurationMinutes = *req.DurationMinutes
	}
	if req.PriceCents != nil {
		s.PriceCents = *req.PriceCents
	}

	err := h.db.WithContext(r.Context()).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&s).Error; err != nil {
			return err
		}
		// is_active defaults to true in the schema, so false needs its own write.
		if req.IsActive != nil && !*req.IsActive {
			s.IsActive = false
			return tx.Model(&s).Update("is_active", false).Error
		}
		return nil
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to create service")
		return
	}
	writeJSON(w, http.StatusCreated, s)
}

// Update handles PATCH /api/v1/services/{id}
func (h *ServiceHandler) Update(w http.ResponseWriter, r *http.Request) {
	v, ok := viewerOf(w, r)
	if !ok {
		return
	}
	id, ok := urlID(w, r, "id", "service")
	if !ok {
		return
	}
	var req ServiceRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if errors := req.validate(false); len(errors) > 0 {
		writeJSON(w, http.StatusBadRequest, dto.ErrorResponse{Error: "Validation failed", Details: errors})
		return
	}

	s, err := h.find(r, v.OrganizationID, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			writeError(w, http.StatusNotFound, "Service not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to get service")
		return
	}
	if u := req.updates(); len(u) > 0 {
		if err := h.db.WithContext(r.Context()).Model(s).Updates(u).Error; err != nil {
			writeError(w, http.StatusInternalServerError, "Failed to update service")
			return
		}
		if s, err = h.find(r, v.OrganizationID, id); err != nil {
			writeError(w, http.StatusInternalServerError, "Failed to get service")
			return
		}
	}
	writeJSON(w, http.StatusOK, s)
}

// Delete handles DELETE /api/v1/services/{id}. Appointments keep their
// reference to the soft-deleted row.
func (h *ServiceHandler) Delete(w http.ResponseWriter, r *http.Request) {
	v, ok := viewerOf(w, r)
	if !ok {
		return
	}
	id, ok := urlID(w, r, "id", "service")
	if !ok {
		return
	}
	result := h.db.WithContext(r.Context()).
		Where("id = ? AND organization_id = ?", id, v.OrganizationID).
		Delete(&models.Service{})
	if result.Error != nil {
		writeError(w, http.StatusInternalServerError, "Failed to delete service")
		return
	}
	if result.RowsAffected == 0 {
		writeError(w, http.StatusNotFound, "Service not found")
		return
	}
	writeJSON(w, http.StatusOK, dto.SuccessResponse{Message: "Service deleted"})
}
