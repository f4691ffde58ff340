package models

import (
	"time"

	"github.com/google/uuid"
)

type AppointmentStatus string

const (
	AppointmentScheduled AppointmentStatus = "scheduled"
	AppointmentConfirmed AppointmentStatus = "confirmed"
	AppointmentCompleted AppointmentStatus = "completed"
	AppointmentCancelled AppointmentStatus = "cancelled"
)

func (s AppointmentStatus) Valid() bool {
	switch s {
	case AppointmentScheduled, AppointmentConfirmed, AppointmentCompleted, AppointmentCancelled:
		return true
	}
	return false
}

type Appointment struct {
	Base
	OrganizationID uuid.UUID         `gorm:"type:uuid;index;not null" json:"organization_id"`
	ContactID      uuid.UUID         `gorm:"type:uuid;index;not null" json:"contact_id"`
	ServiceID      *uuid.UUID        `gorm:"type:uuid" json:"service_id,omitempty"`
	AssignedToID   *uuid.UUID        `gorm:"type:uuid;index" json:"assigned_to_id,omitempty"`
	CreatedByID    uuid.UUID         `gorm:"type:uuid" json:"created_by_id"`
	StartsAt       time.Time         `gorm:"index;not null" json:"starts_at"`
	EndsAt         time.Time         `gorm:"not null" json:"ends_at"`
	Status         AppointmentStatus `gorm:"index;not null;default:'scheduled'" json:"status"`
	Notes          string            `gorm:"type:text" json:"notes,omitempty"`
	RemindedAt     *time.Time        `json:"reminded_at,omitempty"`

	// Relationships
	Contact    *Contact `gorm:"foreignKey:ContactID" json:"contact,omitempty"`
	Service    *Service `gorm:"foreignKey:ServiceID" json:"service,omitempty"`
	AssignedTo *User    `gorm:"foreignKey:AssignedToID" json:"assigned_to,omitempty"`
}

func (Appointment) TableName() string {
	return "appointments"
}
