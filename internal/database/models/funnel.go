package models

import "github.com/google/uuid"

type Funnel struct {
	Base
	OrganizationID uuid.UUID `gorm:"type:uuid;index;not null" json:"organization_id"`
	Name           string    `gorm:"not null" json:"name"`
	Description    string    `json:"description,omitempty"`
	Position       int       `gorm:"not null;default:0" json:"position"`

	Stages []FunnelStage `gorm:"foreignKey:FunnelID" json:"stages,omitempty"`
}

func (Funnel) TableName() string {
	return "funnels"
}

type FunnelStage struct {
	Base
	FunnelID uuid.UUID `gorm:"type:uuid;index;not null" json:"funnel_id"`
	Name     string    `gorm:"not null" json:"name"`
	Color    string    `gorm:"default:'#64748b'" json:"color"`
	Position int       `gorm:"not null;default:0" json:"position"`
}

func (FunnelStage) TableName() string {
	return "funnel_stages"
}

// FunnelContact places a contact in one stage of a funnel. FunnelID and
// ContactID never change after insert; StageID and Position do.
type FunnelContact struct {
	Base
	OrganizationID uuid.UUID `gorm:"type:uuid;index;not null" json:"organization_id"`
	FunnelID       uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_funnel_contacts_funnel_contact" json:"funnel_id"`
	ContactID      uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_funnel_contacts_funnel_contact" json:"contact_id"`
	StageID        uuid.UUID `gorm:"type:uuid;index;not null" json:"stage_id"`
	Position       int       `gorm:"not null;default:0" json:"position"`

	Contact *Contact `gorm:"foreignKey:ContactID" json:"contact,omitempty"`
}

func (FunnelContact) TableName() string {
	return "funnel_contacts"
}
