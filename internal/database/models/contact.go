package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

type Contact struct {
	Base
	OrganizationID uuid.UUID  `gorm:"type:uuid;index;not null" json:"organization_id"`
	FirstName      string     `gorm:"not null" json:"first_name"`
	LastName       string     `json:"last_name"`
	Phone          string     `gorm:"index" json:"phone"`
	Email          string     `gorm:"index" json:"email"`
	Gender         string     `json:"gender,omitempty"`
	BirthDate      *time.Time `json:"birth_date,omitempty"`
	Notes          string     `gorm:"type:text" json:"notes,omitempty"`
}

func (Contact) TableName() string {
	return "contacts"
}

func (c Contact) FullName() string {
	return strings.TrimSpace(c.FirstName + " " + c.LastName)
}

// Service is an entry of the organization's service catalog.
type Service struct {
	Base
	OrganizationID  uuid.UUID `gorm:"type:uuid;index;not null" json:"organization_id"`
	Name            string    `gorm:"not null" json:"name"`
	Description     string    `gorm:"type:text" json:"description,omitempty"`
	DurationMinutes int       `gorm:"default:30" json:"duration_minutes"`
	PriceCents      int64     `gorm:"default:0" json:"price_cents"`
	IsActive        bool      `gorm:"default:true" json:"is_active"`
}

func (Service) TableName() string {
	return "services"
}
