package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/skytide-ai/skytide-nexus-crm-sub001/internal/api/dto"
	"github.com/skytide-ai/skytide-nexus-crm-sub001/internal/api/validation"
	"github.com/skytide-ai/skytide-nexus-crm-sub001/internal/pipeline"
)

type FunnelHandler struct {
	pipeline *pipeline.Service
}

func NewFunnelHandler(p *pipeline.Service) *FunnelHandler {
	return &FunnelHandler{pipeline: p}
}

type StageRequest struct {
	Name  string `json:"name"`
	Color string `json:"color,omitempty"`
}

func (r StageRequest) validate(errors map[string]string, field string) {
	if strings.TrimSpace(r.Name) == "" {
		errors[field+"name"] = "Name is required"
	}
	if r.Color != "" && !validation.IsValidHexColor(r.Color) {
		errors[field+"color"] = "Color must be a hex value like #1e90ff"
	}
}

func (r StageRequest) Validate() map[string]string {
	errors := make(map[string]string)
	r.validate(errors, "")
	return errors
}

type CreateFunnelRequest struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Stages      []StageRequest `json:"stages,omitempty"`
}

func (r CreateFunnelRequest) Validate() map[string]string {
	errors := make(map[string]string)
	if strings.TrimSpace(r.Name) == "" {
		errors["name"] = "Name is required"
	}
	for i, st := range r.Stages {
		st.validate(errors, "stages["+itoa(i)+"].")
	}
	return errors
}

type UpdateFunnelRequest struct {
	Name        *string `json:"name,omitempty"`
	Description *string `json:"description,omitempty"`
}

func (r UpdateFunnelRequest) Validate() map[string]string {
	errors := make(map[string]string)
	if r.Name != nil && strings.TrimSpace(*r.Name) == "" {
		errors["name"] = "Name cannot be empty"
	}
	return errors
}

type UpdateStageRequest struct {
	Name  *string `json:"name,omitempty"`
	Color *string `json:"color,omitempty"`
}

func (r UpdateStageRequest) Validate() map[string]string {
	errors := make(map[string]string)
	if r.Name != nil && strings.TrimSpace(*r.Name) == "" {
		errors["name"] = "Name cannot be empty"
	}
	if r.Color != nil && !validation.IsValidHexColor(*r.Color) {
		errors["color"] = "Color must be a hex value like #1e90ff"
	}
	return errors
}

// ReorderRequest carries the new positions of some or all siblings.
type ReorderRequest struct {
	Positions []pipeline.PositionUpdate `json:"positions"`
}

func (r ReorderRequest) Validate() map[string]string {
	errors := make(map[string]string)
	for i, p := range r.Positions {
		if p.ID == uuid.Nil {
			errors["positions["+itoa(i)+"].id"] = "ID is required"
		}
	}
	return errors
}

type AddFunnelContactRequest struct {
	ContactID uuid.UUID  `json:"contact_id"`
	StageID   *uuid.UUID `json:"stage_id,omitempty"`
}

func (r AddFunnelContactRequest) Validate() map[string]string {
	errors := make(map[string]string)
	if r.ContactID == uuid.Nil {
		errors["contact_id"] = "Contact is required"
	}
	return errors
}

type MoveContactRequest struct {
	StageID  uuid.UUID `json:"stage_id"`
	Position *int      `json:"position"`
}

func (r MoveContactRequest) Validate() map[string]string {
	errors := make(map[string]string)
	if r.StageID == uuid.Nil {
		errors["stage_id"] = "Stage is required"
	}
	if r.Position == nil {
		errors["position"] = "Position is required"
	}
	return errors
}

func writePipelineError(w http.ResponseWriter, err error, fallback string) {
	var phaseErr *pipeline.PhaseError
	switch {
	case errors.As(err, &phaseErr):
		// The row may be parked; a repeated move resolves it.
		writeJSON(w, http.StatusInternalServerError, dto.ErrorResponse{
			Error:   "Move did not complete",
			Details: map[string]string{"phase": string(phaseErr.Phase)},
		})
	case errors.Is(err, pipeline.ErrNotFound):
		writeError(w, http.StatusNotFound, "Not found")
	case errors.Is(err, pipeline.ErrForbidden):
		writeError(w, http.StatusForbidden, "Insufficient permissions")
	case errors.Is(err, pipeline.ErrStageMismatch),
		errors.Is(err, pipeline.ErrInvalidPosition),
		errors.Is(err, pipeline.ErrDuplicateID):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, pipeline.ErrAlreadyInFunnel),
		errors.Is(err, pipeline.ErrNoStages),
		errors.Is(err, pipeline.ErrStageNotEmpty):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, fallback)
	}
}

// List handles GET /api/v1/funnels
func (h *FunnelHandler) List(w http.ResponseWriter, r *http.Request) {
	v, ok := viewerOf(w, r)
	if !ok {
		return
	}
	funnels, err := h.pipeline.ListFunnels(r.Context(), v)
	if err != nil {
		writePipelineError(w, err, "Failed to list funnels")
		return
	}
	writeJSON(w, http.StatusOK, funnels)
}

// Create handles POST /api/v1/funnels
func (h *FunnelHandler) Create(w http.ResponseWriter, r *http.Request) {
	v, ok := viewerOf(w, r)
	if !ok {
		return
	}
	var req CreateFunnelRequest
	if !decodeValid(w, r, &req) {
		return
	}
	in := pipeline.FunnelInput{
		Name:        strings.TrimSpace(req.Name),
		Description: req.Description,
		Stages:      make([]pipeline.StageInput, len(req.Stages)),
	}
	for i, st := range req.Stages {
		in.Stages[i] = pipeline.StageInput{Name: strings.TrimSpace(st.Name), Color: st.Color}
	}
	f, err := h.pipeline.CreateFunnel(r.Context(), v, in)
	if err != nil {
		writePipelineError(w, err, "Failed to create funnel")
		return
	}
	writeJSON(w, http.StatusCreated, f)
}

// Get handles GET /api/v1/funnels/{id}
func (h *FunnelHandler) Get(w http.ResponseWriter, r *http.Request) {
	v, ok := viewerOf(w, r)
	if !ok {
		return
	}
	id, ok := urlID(w, r, "id", "funnel")
	if !ok {
		return
	}
	f, err := h.pipeline.GetFunnel(r.Context(), v, id)
	if err != nil {
		writePipelineError(w, err, "Failed to get funnel")
		return
	}
	writeJSON(w, http.StatusOK, f)
}

// Update handles PATCH /api/v1/funnels/{id}
func (h *FunnelHandler) Update(w http.ResponseWriter, r *http.Request) {
	v, ok := viewerOf(w, r)
	if !ok {
		return
	}
	id, ok := urlID(w, r, "id", "funnel")
	if !ok {
		return
	}
	var req UpdateFunnelRequest
	if !decodeValid(w, r, &req) {
		return
	}
	f, err := h.pipeline.UpdateFunnel(r.Context(), v, id, req.Name, req.Description)
	if err != nil {
		writePipelineError(w, err, "Failed to update funnel")
		return
	}
	writeJSON(w, http.StatusOK, f)
}

// Delete handles DELETE /api/v1/funnels/{id}
func (h *FunnelHandler) Delete(w http.ResponseWriter, r *http.Request) {
	v, ok := viewerOf(w, r)
	if !ok {
		return
	}
	id, ok := urlID(w, r, "id", "funnel")
	if !ok {
		return
	}
	if err := h.pipeline.DeleteFunnel(r.Context(), v, id); err != nil {
		writePipelineError(w, err, "Failed to delete funnel")
		return
	}
	writeJSON(w, http.StatusOK, dto.SuccessResponse{Message: "Funnel deleted"})
}

// Reorder handles PUT /api/v1/funnels/reorder
func (h *FunnelHandler) Reorder(w http.ResponseWriter, r *http.Request) {
	v, ok := viewerOf(w, r)
	if !ok {
		return
	}
	var req ReorderRequest
	if !decodeValid(w, r, &req) {
		return
	}
	if err := h.pipeline.ReorderFunnels(r.Context(), v, req.Positions); err != nil {
		writePipelineError(w, err, "Failed to reorder funnels")
		return
	}
	writeJSON(w, http.StatusOK, dto.SuccessResponse{Message: "Funnels reordered"})
}

// Board handles GET /api/v1/funnels/{id}/board
func (h *FunnelHandler) Board(w http.ResponseWriter, r *http.Request) {
	v, ok := viewerOf(w, r)
	if !ok {
		return
	}
	id, ok := urlID(w, r, "id", "funnel")
	if !ok {
		return
	}
	b, err := h.pipeline.Board(r.Context(), v, id)
	if err != nil {
		writePipelineError(w, err, "Failed to load board")
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// CreateStage handles POST /api/v1/funnels/{id}/stages
func (h *FunnelHandler) CreateStage(w http.ResponseWriter, r *http.Request) {
	v, ok := viewerOf(w, r)
	if !ok {
		return
	}
	funnelID, ok := urlID(w, r, "id", "funnel")
	if !ok {
		return
	}
	var req StageRequest
	if !decodeValid(w, r, &req) {
		return
	}
	st, err := h.pipeline.CreateStage(r.Context(), v, funnelID, pipeline.StageInput{
		Name:  strings.TrimSpace(req.Name),
		Color: req.Color,
	})
	if err != nil {
		writePipelineError(w, err, "Failed to create stage")
		return
	}
	writeJSON(w, http.StatusCreated, st)
}

// UpdateStage handles PATCH /api/v1/funnels/{id}/stages/{stageID}
func (h *FunnelHandler) UpdateStage(w http.ResponseWriter, r *http.Request) {
	v, ok := viewerOf(w, r)
	if !ok {
		return
	}
	funnelID, ok := urlID(w, r, "id", "funnel")
	if !ok {
		return
	}
	stageID, ok := urlID(w, r, "stageID", "stage")
	if !ok {
		return
	}
	var req UpdateStageRequest
	if !decodeValid(w, r, &req) {
		return
	}
	st, err := h.pipeline.UpdateStage(r.Context(), v, funnelID, stageID, req.Name, req.Color)
	if err != nil {
		writePipelineError(w, err, "Failed to update stage")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// DeleteStage handles DELETE /api/v1/funnels/{id}/stages/{stageID}
func (h *FunnelHandler) DeleteStage(w http.ResponseWriter, r *http.Request) {
	v, ok := viewerOf(w, r)
	if !ok {
		return
	}
	funnelID, ok := urlID(w, r, "id", "funnel")
	if !ok {
		return
	}
	stageID, ok := urlID(w, r, "stageID", "stage")
	if !ok {
		return
	}
	if err := h.pipeline.DeleteStage(r.Context(), v, funnelID, stageID); err != nil {
		writePipelineError(w, err, "Failed to delete stage")
		return
	}
	writeJSON(w, http.StatusOK, dto.SuccessResponse{Message: "Stage deleted"})
}

// ReorderStages handles PUT /api/v1/funnels/{id}/stages/reorder
func (h *FunnelHandler) ReorderStages(w http.ResponseWriter, r *http.Request) {
	v, ok := viewerOf(w, r)
	if !ok {
		return
	}
	funnelID, ok := urlID(w, r, "id", "funnel")
	if !ok {
		return
	}
	var req ReorderRequest
	if !decodeValid(w, r, &req) {
		return
	}
	if err := h.pipeline.ReorderStages(r.Context(), v, funnelID, req.Positions); err != nil {
		writePipelineError(w, err, "Failed to reorder stages")
		return
	}
	writeJSON(w, http.StatusOK, dto.SuccessResponse{Message: "Stages reordered"})
}

// AddContact handles POST /api/v1/funnels/{id}/contacts
func (h *FunnelHandler) AddContact(w http.ResponseWriter, r *http.Request) {
	v, ok := viewerOf(w, r)
	if !ok {
		return
	}
	funnelID, ok := urlID(w, r, "id", "funnel")
	if !ok {
		return
	}
	var req AddFunnelContactRequest
	if !decodeValid(w, r, &req) {
		return
	}
	fc, err := h.pipeline.AddContact(r.Context(), v, funnelID, req.ContactID, req.StageID)
	if err != nil {
		writePipelineError(w, err, "Failed to add contact")
		return
	}
	writeJSON(w, http.StatusCreated, fc)
}

// RemoveContact handles DELETE /api/v1/funnel-contacts/{id}
func (h *FunnelHandler) RemoveContact(w http.ResponseWriter, r *http.Request) {
	v, ok := viewerOf(w, r)
	if !ok {
		return
	}
	id, ok := urlID(w, r, "id", "funnel contact")
	if !ok {
		return
	}
	if err := h.pipeline.RemoveContact(r.Context(), v, id); err != nil {
		writePipelineError(w, err, "Failed to remove contact")
		return
	}
	writeJSON(w, http.StatusOK, dto.SuccessResponse{Message: "Contact removed from funnel"})
}

// MoveContact handles PUT /api/v1/funnel-contacts/{id}/move
func (h *FunnelHandler) MoveContact(w http.ResponseWriter, r *http.Request) {
	v, ok := viewerOf(w, r)
	if !ok {
		return
	}
	id, ok := urlID(w, r, "id", "funnel contact")
	if !ok {
		return
	}
	var req MoveContactRequest
	if !decodeValid(w, r, &req) {
		return
	}
	fc, err := h.pipeline.MoveContact(r.Context(), v, pipeline.MoveInput{
		FunnelContactID: id,
		StageID:         req.StageID,
		Position:        *req.Position,
	})
	if err != nil {
		writePipelineError(w, err, "Failed to move contact")
		return
	}
	writeJSON(w, http.StatusOK, fc)
}
