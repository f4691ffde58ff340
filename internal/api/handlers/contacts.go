package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/skytide-ai/skytide-nexus-crm-sub001/internal/api/dto"
	"github.com/skytide-ai/skytide-nexus-crm-sub001/internal/api/validation"
	"github.com/skytide-ai/skytide-nexus-crm-sub001/internal/database/models"
)

// ContactObserver is told when a contact's card data changes so cached
// funnel boards can be dropped. *pipeline.Service implements it.
type ContactObserver interface {
	ContactChanged(ctx context.Context, orgID, contactID uuid.UUID)
}

type ContactHandler struct {
	db       *gorm.DB
	observer ContactObserver
}

func NewContactHandler(db *gorm.DB, observer ContactObserver) *ContactHandler {
	return &ContactHandler{db: db, observer: observer}
}

const dateLayout = "2006-01-02"

// ContactRequest creates a contact, or updates one when fields are nil.
type ContactRequest struct {
	FirstName *string `json:"first_name"`
	LastName  *string `json:"last_name"`
	Phone     *string `json:"phone"`
	Email     *string `json:"email"`
	Gender    *string `json:"gender"`
	BirthDate *string `json:"birth_date"` // YYYY-MM-DD, empty clears
	Notes     *string `json:"notes"`
}

func (r ContactRequest) validate(create bool) map[string]string {
	errors := make(map[string]string)
	if create && (r.FirstName == nil || strings.TrimSpace(*r.FirstName) == "") {
		errors["first_name"] = "First name is required"
	}
	if !create && r.FirstName != nil && strings.TrimSpace(*r.FirstName) == "" {
		errors["first_name"] = "First name cannot be empty"
	}
	if r.Phone != nil && *r.Phone != "" && !validation.IsValidPhone(*r.Phone) {
		errors["phone"] = "Phone must be in international format, e.g. +5511987654321"
	}
	if r.Email != nil && *r.Email != "" && !validation.IsValidEmail(*r.Email) {
		errors["email"] = "Invalid email address"
	}
	if r.BirthDate != nil && *r.BirthDate != "" {
		if _, err := time.Parse(dateLayout, *r.BirthDate); err != nil {
			errors["birth_date"] = "Birth date must be YYYY-MM-DD"
		}
	}
	return errors
}

// updates maps the set fields to columns, normalized.
func (r ContactRequest) updates() map[string]interface{} {
	out := make(map[string]interface{})
	text := func(col string, v *string, limit int) {
		if v != nil {
			out[col] = validation.TruncateString(validation.SanitizeString(strings.TrimSpace(*v)), limit)
		}
	}
	text("first_name", r.FirstName, 100)
	text("last_name", r.LastName, 100)
	text("gender", r.Gender, 30)
	text("notes", r.Notes, 5000)
	if r.Phone != nil {
		out["phone"] = validation.NormalizePhone(*r.Phone)
	}
	if r.Email != nil {
		out["email"] = strings.ToLower(strings.TrimSpace(*r.Email))
	}
	if r.BirthDate != nil {
		if *r.BirthDate == "" {
			out["birth_date"] = nil
		} else {
			d, _ := time.Parse(dateLayout, *r.BirthDate)
			out["birth_date"] = d
		}
	}
	return out
}

func (h *ContactHandler) find(r *http.Request, orgID, id uuid.UUID) (*models.Contact, error) {
	var c models.Contact
	err := h.db.WithContext(r.Context()).Where("id = ? AND organization_id = ?", id, orgID).First(&c).Error
	return &c, err
}

// List handles GET /api/v1/contacts. q matches name, phone or email.
func (h *ContactHandler) List(w http.ResponseWriter, r *http.Request) {
	v, ok := viewerOf(w, r)
	if !ok {
		return
	}
	p := pagination(r)

	query := h.db.WithContext(r.Context()).Model(&models.Contact{}).Where("organization_id = ?", v.OrganizationID)
	if q := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("q"))); q != "" {
		like := "%" + q + "%"
		query = query.Where(
			"LOWER(first_name) LIKE ? OR LOWER(last_name) LIKE ? OR LOWER(email) LIKE ? OR phone LIKE ?",
			like, like, like, like,
		)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to count contacts")
		return
	}

	contacts := []models.Contact{}
	if err := query.
		Order("first_name, last_name").
		Offset(p.Offset()).
		Limit(p.PerPage).
		Find(&contacts).Error; err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list contacts")
		return
	}

	writeJSON(w, http.StatusOK, dto.Paginate(contacts, total, p))
}

// Create handles POST /api/v1/contacts
func (h *ContactHandler) Create(w http.ResponseWriter, r *http.Request) {
	v, ok := viewerOf(w, r)
	if !ok {
		return
	}
	var req ContactRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if errors := req.validate(true); len(errors) > 0 {
		writeJSON(w, http.StatusBadRequest, dto.ErrorResponse{Error: "Validation failed", Details: errors})
		return
	}

	c := models.Contact{OrganizationID: v.OrganizationID}
	u := req.updates()
	c.FirstName, _ = u["first_name"].(string)
	c.LastName, _ = u["last_name"].(string)
	c.Phone, _ = u["phone"].(string)
	c.Email, _ = u["email"].(string)
	c.Gender, _ = u["gender"].(string)
	c.Notes, _ = u["notes"].(string)
	if d, ok := u["birth_date"].(time.Time); ok {
		c.BirthDate = &d
	}

	if err := h.db.WithContext(r.Context()).Create(&c).Error; err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to create contact")
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

// Get handles GET /api/v1/contacts/{id}
func (h *ContactHandler) Get(w http.ResponseWriter, r *http.Request) {
	v, ok := viewerOf(w, r)
	if !ok {
		return
	}
	id, ok := urlID(w, r, "id", "contact")
	if !ok {
		return
	}
	c, err := h.find(r, v.OrganizationID, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			writeError(w, http.StatusNotFound, "Contact not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to get contact")
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// Update handles PATCH /api/v1/contacts/{id}
func (h *ContactHandler) Update(w http.ResponseWriter, r *http.Request) {
	v, ok := viewerOf(w, r)
	if !ok {
		return
	}
	id, ok := urlID(w, r, "id", "contact")
	if !ok {
		return
	}
	var req ContactRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if errors := req.validate(false); len(errors) > 0 {
		writeJSON(w, http.StatusBadRequest, dto.ErrorResponse{Error: "Validation failed", Details: errors})
		return
	}

	c, err := h.find(r, v.OrganizationID, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			writeError(w, http.StatusNotFound, "Contact not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to get contact")
		return
	}

	if u := req.updates(); len(u) > 0 {
		if err := h.db.WithContext(r.Context()).Model(c).Updates(u).Error; err != nil {
			writeError(w, http.StatusInternalServerError, "Failed to update contact")
			return
		}
		if c, err = h.find(r, v.OrganizationID, id); err != nil {
			writeError(w, http.StatusInternalServerError, "Failed to get contact")
			return
		}
		h.observer.ContactChanged(r.Context(), v.OrganizationID, id)
	}
	writeJSON(w, http.StatusOK, c)
}

// Delete handles DELETE /api/v1/contacts/{id}. The contact leaves every
// funnel it was placed in.
func (h *ContactHandler) Delete(w http.ResponseWriter, r *http.Request) {
	v, ok := viewerOf(w, r)
	if !ok {
		return
	}
	id, ok := urlID(w, r, "id", "contact")
	if !ok {
		return
	}
	if _, err := h.find(r, v.OrganizationID, id); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			writeError(w, http.StatusNotFound, "Contact not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to get contact")
		return
	}

	// Boards are dropped while the placements still name their funnels.
	h.observer.ContactChanged(r.Context(), v.OrganizationID, id)

	err := h.db.WithContext(r.Context()).Transaction(func(tx *gorm.DB) error {
		if err := tx.Unscoped().
			Where("contact_id = ? AND organization_id = ?", id, v.OrganizationID).
			Delete(&models.FunnelContact{}).Error; err != nil {
			return err
		}
		return tx.Where("id = ? AND organization_id = ?", id, v.OrganizationID).Delete(&models.Contact{}).Error
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to delete contact")
		return
	}
	writeJSON(w, http.StatusOK, dto.SuccessResponse{Message: "Contact deleted"})
}
