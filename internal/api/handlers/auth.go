package handlers

import (
	"errors"
	"net/http"

	"github.com/skytide-ai/skytide-nexus-crm-sub001/internal/api/dto"
	"github.com/skytide-ai/skytide-nexus-crm-sub001/internal/auth"
)

type AuthHandler struct {
	authService auth.Authenticator
}

func NewAuthHandler(authService auth.Authenticator) *AuthHandler {
	return &AuthHandler{authService: authService}
}

func authResponse(resp *auth.AuthResponse) dto.AuthResponse {
	return dto.AuthResponse{Token: resp.Token, User: dto.NewUserDTO(resp.User)}
}

// Register handles POST /api/v1/auth/register
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req dto.RegisterRequest
	if !decodeValid(w, r, &req) {
		return
	}

	resp, err := h.authService.Register(r.Context(), auth.RegisterInput{
		Email:     req.Email,
		Password:  req.Password,
		FirstName: req.FirstName,
		LastName:  req.LastName,
		OrgName:   req.OrgName,
	})
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrUserExists):
			writeError(w, http.StatusConflict, "User already exists")
		default:
			writeError(w, http.StatusInternalServerError, "Registration failed")
		}
		return
	}

	writeJSON(w, http.StatusCreated, authResponse(resp))
}

// Login handles POST /api/v1/auth/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req dto.LoginRequest
	if !decodeValid(w, r, &req) {
		return
	}

	resp, err := h.authService.Login(r.Context(), auth.LoginInput{
		Email:    req.Email,
		Password: req.Password,
	})
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrInvalidCredentials):
			writeError(w, http.StatusUnauthorized, "Invalid credentials")
		case errors.Is(err, auth.ErrInactiveUser):
			writeError(w, http.StatusForbidden, "Account is inactive")
		default:
			writeError(w, http.StatusInternalServerError, "Login failed")
		}
		return
	}

	writeJSON(w, http.StatusOK, authResponse(resp))
}

// Logout is stateless; the client drops its token.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, dto.SuccessResponse{Message: "Logged out"})
}

// Me handles GET /api/v1/me
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	v, ok := viewerOf(w, r)
	if !ok {
		return
	}
	user, err := h.authService.GetUserByID(r.Context(), v.UserID)
	if err != nil {
		if errors.Is(err, auth.ErrUserNotFound) {
			writeError(w, http.StatusNotFound, "User not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to get user")
		return
	}
	writeJSON(w, http.StatusOK, dto.NewUserDTO(user))
}
