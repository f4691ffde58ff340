package models

import (
	"strings"

	"github.com/google/uuid"
)

type Role string

const (
	RoleMember     Role = "member"
	RoleAdmin      Role = "admin"
	RoleSuperadmin Role = "superadmin"
)

func (r Role) Valid() bool {
	switch r {
	case RoleMember, RoleAdmin, RoleSuperadmin:
		return true
	}
	return false
}

// IsAdmin is true for admin and superadmin. Admins see every record of their
// organization.
func (r Role) IsAdmin() bool {
	return r == RoleAdmin || r == RoleSuperadmin
}

type User struct {
	Base
	Email          string    `gorm:"uniqueIndex;not null" json:"email"`
	PasswordHash   string    `gorm:"not null" json:"-"`
	FirstName      string    `json:"first_name"`
	LastName       string    `json:"last_name"`
	Phone          string    `json:"phone,omitempty"`
	OrganizationID uuid.UUID `gorm:"type:uuid;index" json:"organization_id"`
	Role           Role      `gorm:"default:'member'" json:"role"`
	IsActive       bool      `gorm:"default:true" json:"is_active"`

	// Relationships
	Organization *Organization `gorm:"foreignKey:OrganizationID" json:"organization,omitempty"`
}

func (User) TableName() string {
	return "users"
}

func (u User) FullName() string {
	return strings.TrimSpace(u.FirstName + " " + u.LastName)
}
