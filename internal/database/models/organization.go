package models

import (
	"time"

	"github.com/google/uuid"
)

type Organization struct {
	Base
	Name     string `gorm:"not null" json:"name"`
	Slug     string `gorm:"uniqueIndex;not null" json:"slug"`
	Timezone string `gorm:"default:'UTC'" json:"timezone"`

	// Relationships
	Users   []User   `gorm:"foreignKey:OrganizationID" json:"-"`
	Funnels []Funnel `gorm:"foreignKey:OrganizationID" json:"-"`
}

func (Organization) TableName() string {
	return "organizations"
}

type InvitationStatus string

const (
	InvitationPending  InvitationStatus = "pending"
	InvitationAccepted InvitationStatus = "accepted"
	InvitationRevoked  InvitationStatus = "revoked"
	InvitationExpired  InvitationStatus = "expired"
)

// Invitation is a pending seat in an organization. Only the SHA-256 of the
// token is stored; the raw value travels in the invitation email.
type Invitation struct {
	Base
	OrganizationID uuid.UUID        `gorm:"type:uuid;index;not null" json:"organization_id"`
	InvitedByID    uuid.UUID        `gorm:"type:uuid" json:"invited_by_id"`
	Email          string           `gorm:"index;not null" json:"email"`
	FirstName      string           `json:"first_name"`
	LastName       string           `json:"last_name"`
	Role           Role             `gorm:"not null;default:'member'" json:"role"`
	TokenHash      string           `gorm:"uniqueIndex;not null" json:"-"`
	Status         InvitationStatus `gorm:"index;not null;default:'pending'" json:"status"`
	ExpiresAt      time.Time        `json:"expires_at"`
	AcceptedAt     *time.Time       `json:"accepted_at,omitempty"`

	Organization *Organization `gorm:"foreignKey:OrganizationID" json:"organization,omitempty"`
}

func (Invitation) TableName() string {
	return "invitations"
}

// IsExpired reports whether a pending invitation is past its deadline.
func (i *Invitation) IsExpired(now time.Time) bool {
	return i.Status == InvitationPending && now.After(i.ExpiresAt)
}
