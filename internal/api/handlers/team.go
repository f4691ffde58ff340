package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/skytide-ai/skytide-nexus-crm-sub001/internal/api/dto"
	"github.com/skytide-ai/skytide-nexus-crm-sub001/internal/api/middleware"
	"github.com/skytide-ai/skytide-nexus-crm-sub001/internal/auth"
	"github.com/skytide-ai/skytide-nexus-crm-sub001/internal/database/models"
)

// TeamHandler serves invitations and membership of the viewer's
// organization.
type TeamHandler struct {
	invitations *auth.InvitationService
	members     *auth.MemberService
	logger      *slog.Logger
}

func NewTeamHandler(invitations *auth.InvitationService, members *auth.MemberService, logger *slog.Logger) *TeamHandler {
	return &TeamHandler{invitations: invitations, members: members, logger: logger}
}

func writeTeamError(w http.ResponseWriter, err error, fallback string) {
	switch {
	case errors.Is(err, auth.ErrForbidden):
		writeError(w, http.StatusForbidden, "Insufficient permissions")
	case errors.Is(err, auth.ErrInvalidRole):
		writeJSON(w, http.StatusBadRequest, dto.ErrorResponse{
			Error:   "Validation failed",
			Details: map[string]string{"role": err.Error()},
		})
	case errors.Is(err, auth.ErrSelfModification):
		writeError(w, http.StatusBadRequest, "You cannot change your own membership")
	case errors.Is(err, auth.ErrUserNotFound):
		writeError(w, http.StatusNotFound, "Member not found")
	case errors.Is(err, auth.ErrInvitationNotFound):
		writeError(w, http.StatusNotFound, "Invitation not found")
	case errors.Is(err, auth.ErrUserExists):
		writeError(w, http.StatusConflict, "A user with this email already exists")
	case errors.Is(err, auth.ErrInvitationExists):
		writeError(w, http.StatusConflict, "A pending invitation already exists for this email")
	case errors.Is(err, auth.ErrInvitationExpired):
		writeError(w, http.StatusGone, "Invitation has expired")
	case errors.Is(err, auth.ErrInvitationUsed):
		writeError(w, http.StatusConflict, "Invitation is no longer valid")
	default:
		writeError(w, http.StatusInternalServerError, fallback)
	}
}

// ListInvitations handles GET /api/v1/invitations
func (h *TeamHandler) ListInvitations(w http.ResponseWriter, r *http.Request) {
	v, ok := viewerOf(w, r)
	if !ok {
		return
	}
	invs, err := h.invitations.List(r.Context(), v)
	if err != nil {
		writeTeamError(w, err, "Failed to list invitations")
		return
	}
	writeJSON(w, http.StatusOK, invs)
}

// Invite handles POST /api/v1/invitations
func (h *TeamHandler) Invite(w http.ResponseWriter, r *http.Request) {
	v, ok := viewerOf(w, r)
	if !ok {
		return
	}
	var req dto.InviteRequest
	if !decodeValid(w, r, &req) {
		return
	}

	inv, err := h.invitations.Invite(r.Context(), v, auth.InviteInput{
		Email:     req.Email,
		FirstName: req.FirstName,
		LastName:  req.LastName,
		Role:      req.Role,
	})
	if err != nil {
		if inv == nil {
			writeTeamError(w, err, "Failed to create invitation")
			return
		}
		// The invitation exists; only the email failed to queue.
		h.logger.Error("queueing invitation email", "invitation_id", inv.ID, "error", err)
	}
	h.logger.Info("invitation created",
		"invitation_id", inv.ID,
		"organization_id", middleware.GetOrganizationID(r.Context()),
		"invited_by", middleware.GetUserEmail(r.Context()))
	writeJSON(w, http.StatusCreated, inv)
}

// RevokeInvitation handles DELETE /api/v1/invitations/{id}
func (h *TeamHandler) RevokeInvitation(w http.ResponseWriter, r *http.Request) {
	v, ok := viewerOf(w, r)
	if !ok {
		return
	}
	id, ok := urlID(w, r, "id", "invitation")
	if !ok {
		return
	}
	if err := h.invitations.Revoke(r.Context(), v, id); err != nil {
		writeTeamError(w, err, "Failed to revoke invitation")
		return
	}
	writeJSON(w, http.StatusOK, dto.SuccessResponse{Message: "Invitation revoked"})
}

// AcceptInvitation handles POST /api/v1/auth/invitations/accept. It is
// public: the token is the credential.
func (h *TeamHandler) AcceptInvitation(w http.ResponseWriter, r *http.Request) {
	var req dto.AcceptInvitationRequest
	if !decodeValid(w, r, &req) {
		return
	}
	resp, err := h.invitations.Accept(r.Context(), auth.AcceptInput{Token: req.Token, Password: req.Password})
	if err != nil {
		writeTeamError(w, err, "Failed to accept invitation")
		return
	}
	writeJSON(w, http.StatusCreated, authResponse(resp))
}

// ListMembers handles GET /api/v1/members
func (h *TeamHandler) ListMembers(w http.ResponseWriter, r *http.Request) {
	v, ok := viewerOf(w, r)
	if !ok {
		return
	}
	users, err := h.members.List(r.Context(), v)
	if err != nil {
		writeTeamError(w, err, "Failed to list members")
		return
	}
	out := make([]dto.UserDTO, len(users))
	for i := range users {
		out[i] = dto.NewUserDTO(&users[i])
	}
	writeJSON(w, http.StatusOK, out)
}

// UpdateMember handles PATCH /api/v1/members/{id}. Role and activation can
// change in one request; the role is applied first.
func (h *TeamHandler) UpdateMember(w http.ResponseWriter, r *http.Request) {
	v, ok := viewerOf(w, r)
	if !ok {
		return
	}
	id, ok := urlID(w, r, "id", "member")
	if !ok {
		return
	}
	var req dto.UpdateMemberRequest
	if !decodeValid(w, r, &req) {
		return
	}

	var (
		user *models.User
		err  error
	)
	if req.Role != nil {
		if user, err = h.members.UpdateRole(r.Context(), v, id, *req.Role); err != nil {
			writeTeamError(w, err, "Failed to update member")
			return
		}
	}
	if req.IsActive != nil {
		if user, err = h.members.SetActive(r.Context(), v, id, *req.IsActive); err != nil {
			writeTeamError(w, err, "Failed to update member")
			return
		}
	}
	writeJSON(w, http.StatusOK, dto.NewUserDTO(user))
}
