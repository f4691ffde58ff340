package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

const (
	NotificationAppointmentCreated  = "appointment_created"
	NotificationAppointmentUpdated  = "appointment_updated"
	NotificationAppointmentDeleted  = "appointment_deleted"
	NotificationAppointmentReminder = "appointment_reminder"
)

// Notification targets a single user when UserID is set, otherwise the whole
// organization. IsRead only ever goes from false to true.
type Notification struct {
	Base
	OrganizationID uuid.UUID      `gorm:"type:uuid;index;not null" json:"organization_id"`
	UserID         *uuid.UUID     `gorm:"type:uuid;index" json:"user_id,omitempty"`
	Type           string         `gorm:"index;not null" json:"type"`
	Title          string         `gorm:"not null" json:"title"`
	Message        string         `gorm:"type:text" json:"message"`
	Data           datatypes.JSON `gorm:"type:jsonb" json:"data,omitempty"`
	IsRead         bool           `gorm:"index;not null;default:false" json:"is_read"`
	ReadAt         *time.Time     `json:"read_at,omitempty"`
}

func (Notification) TableName() string {
	return "notifications"
}
