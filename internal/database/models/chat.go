package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

type ChannelType string

const (
	ChannelWhatsApp  ChannelType = "whatsapp"
	ChannelMessenger ChannelType = "messenger"
	ChannelInstagram ChannelType = "instagram"
)

func (c ChannelType) Valid() bool {
	switch c {
	case ChannelWhatsApp, ChannelMessenger, ChannelInstagram:
		return true
	}
	return false
}

// ChannelConnection binds a provider account (WhatsApp phone number id, page
// id, Instagram account id) to an organization.
type ChannelConnection struct {
	Base
	OrganizationID    uuid.UUID   `gorm:"type:uuid;index;not null" json:"organization_id"`
	Channel           ChannelType `gorm:"not null;uniqueIndex:idx_channel_account" json:"channel"`
	ExternalAccountID string      `gorm:"not null;uniqueIndex:idx_channel_account" json:"external_account_id"`
	Name              string      `json:"name"`
	EncryptedToken    string      `gorm:"type:text" json:"-"` // age, base64
	IsActive          bool        `gorm:"default:true" json:"is_active"`
}

func (ChannelConnection) TableName() string {
	return "channel_connections"
}

type ChatIdentity struct {
	Base
	OrganizationID uuid.UUID   `gorm:"type:uuid;index;not null" json:"organization_id"`
	ConnectionID   uuid.UUID   `gorm:"type:uuid;not null;uniqueIndex:idx_chat_identity_external" json:"connection_id"`
	ContactID      uuid.UUID   `gorm:"type:uuid;index;not null" json:"contact_id"`
	Channel        ChannelType `gorm:"not null" json:"channel"`
	ExternalID     string      `gorm:"not null;uniqueIndex:idx_chat_identity_external" json:"external_id"`
	DisplayName    string      `json:"display_name"`
	LastMessageAt  *time.Time  `gorm:"index" json:"last_message_at,omitempty"`

	Contact    *Contact           `gorm:"foreignKey:ContactID" json:"contact,omitempty"`
	Connection *ChannelConnection `gorm:"foreignKey:ConnectionID" json:"-"`
}

func (ChatIdentity) TableName() string {
	return "chat_identities"
}

type MessageDirection string

const (
	DirectionInbound  MessageDirection = "inbound"
	DirectionOutbound MessageDirection = "outbound"
)

type MessageStatus string

const (
	MessagePending   MessageStatus = "pending"
	MessageSent      MessageStatus = "sent"
	MessageDelivered MessageStatus = "delivered"
	MessageRead      MessageStatus = "read"
	MessageFailed    MessageStatus = "failed"
	MessageReceived  MessageStatus = "received"
)

type ChatMessage struct {
	Base
	OrganizationID    uuid.UUID        `gorm:"type:uuid;index;not null" json:"organization_id"`
	IdentityID        uuid.UUID        `gorm:"type:uuid;index;not null" json:"identity_id"`
	Direction         MessageDirection `gorm:"not null" json:"direction"`
	Body              string           `gorm:"type:text" json:"body"`
	MediaKey          string           `json:"media_key,omitempty"`
	MediaType         string           `json:"media_type,omitempty"`
	ExternalMessageID string           `gorm:"index" json:"external_message_id,omitempty"`
	Status            MessageStatus    `gorm:"index;not null" json:"status"`
	Error             string           `json:"error,omitempty"`
	IsRead            bool             `gorm:"default:false" json:"is_read"`
	SentByID          *uuid.UUID       `gorm:"type:uuid" json:"sent_by_id,omitempty"`
	SentAt            time.Time        `gorm:"index" json:"sent_at"`
	Raw               datatypes.JSON   `gorm:"type:jsonb" json:"-"`
}

func (ChatMessage) TableName() string {
	return "chat_messages"
}
