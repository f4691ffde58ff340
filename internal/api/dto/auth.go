package dto

import (
	"strings"

	"github.com/skytide-ai/skytide-nexus-crm-sub001/internal/api/validation"
	"github.com/skytide-ai/skytide-nexus-crm-sub001/internal/database/models"
)

type RegisterRequest struct {
	Email     string `json:"email"`
	Password  string `json:"password"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	OrgName   string `json:"org_name,omitempty"`
}

func (r RegisterRequest) Validate() map[string]string {
	errors := make(map[string]string)

	validation.Required(errors, map[string]string{
		"email":      r.Email,
		"password":   r.Password,
		"first_name": r.FirstName,
	})
	if r.Email != "" && !validation.IsValidEmail(r.Email) {
		errors["email"] = "Invalid email address"
	}
	if r.Password != "" {
		if ok, msg := validation.IsValidPassword(r.Password); !ok {
			errors["password"] = msg
		}
	}

	return errors
}

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (r LoginRequest) Validate() map[string]string {
	errors := make(map[string]string)

	if r.Email == "" {
		errors["email"] = "Email is required"
	}
	if r.Password == "" {
		errors["password"] = "Password is required"
	}

	return errors
}

type InviteRequest struct {
	Email     string      `json:"email"`
	FirstName string      `json:"first_name"`
	LastName  string      `json:"last_name"`
	Role      models.Role `json:"role"`
}

func (r InviteRequest) Validate() map[string]string {
	errors := make(map[string]string)

	validation.Required(errors, map[string]string{
		"email":      r.Email,
		"first_name": r.FirstName,
	})
	if r.Email != "" && !validation.IsValidEmail(r.Email) {
		errors["email"] = "Invalid email address"
	}
	if r.Role != "" && !r.Role.Valid() {
		errors["role"] = "Role must be member, admin or superadmin"
	}

	return errors
}

type AcceptInvitationRequest struct {
	Token    string `json:"token"`
	Password string `json:"password"`
}

func (r AcceptInvitationRequest) Validate() map[string]string {
	errors := make(map[string]string)

	validation.Required(errors, map[string]string{
		"token":    strings.TrimSpace(r.Token),
		"password": r.Password,
	})
	if r.Password != "" {
		if ok, msg := validation.IsValidPassword(r.Password); !ok {
			errors["password"] = msg
		}
	}

	return errors
}

type UpdateMemberRequest struct {
	Role     *models.Role `json:"role,omitempty"`
	IsActive *bool        `json:"is_active,omitempty"`
}

func (r UpdateMemberRequest) Validate() map[string]string {
	errors := make(map[string]string)

	if r.Role == nil && r.IsActive == nil {
		errors["role"] = "Role or is_active is required"
	}
	if r.Role != nil && !r.Role.Valid() {
		errors["role"] = "Role must be member, admin or superadmin"
	}

	return errors
}

type AuthResponse struct {
	Token string  `json:"token"`
	User  UserDTO `json:"user"`
}

type UserDTO struct {
	ID             string      `json:"id"`
	Email          string      `json:"email"`
	FirstName      string      `json:"first_name"`
	LastName       string      `json:"last_name"`
	Role           models.Role `json:"role"`
	IsActive       bool        `json:"is_active"`
	OrganizationID string      `json:"organization_id"`
	OrgName        string      `json:"org_name,omitempty"`
}

func NewUserDTO(u *models.User) UserDTO {
	out := UserDTO{
		ID:             u.ID.String(),
		Email:          u.Email,
		FirstName:      u.FirstName,
		LastName:       u.LastName,
		Role:           u.Role,
		IsActive:       u.IsActive,
		OrganizationID: u.OrganizationID.String(),
	}
	if u.Organization != nil {
		out.OrgName = u.Organization.Name
	}
	return out
}
