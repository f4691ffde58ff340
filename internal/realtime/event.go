// Package realtime fans organization events out to websocket subscribers.
package realtime

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/skytide-ai/skytide-nexus-crm-sub001/internal/access"
)

type EventType string

const (
	EventFunnelUpdated       EventType = "funnel.updated"
	EventNotificationCreated EventType = "notification.created"
	EventChatMessage         EventType = "chat.message"
)

// Event is what a subscriber receives. Delivery follows the same rule as
// notification visibility: admins get every event of their organization,
// members get events addressed to them or to everyone (AdminsOnly false,
// UserID nil).
type Event struct {
	Type           EventType       `json:"type"`
	OrganizationID uuid.UUID       `json:"organization_id"`
	UserID         *uuid.UUID      `json:"user_id,omitempty"`
	AdminsOnly     bool            `json:"admins_only,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Timestamp      time.Time       `json:"timestamp"`
}

// NewEvent encodes payload. Encoding failures yield an event without payload;
// subscribers treat events as refresh hints.
func NewEvent(typ EventType, orgID uuid.UUID, payload any) Event {
	e := Event{Type: typ, OrganizationID: orgID, Timestamp: time.Now().UTC()}
	if payload != nil {
		if raw, err := json.Marshal(payload); err == nil {
			e.Payload = raw
		}
	}
	return e
}

// For addresses an event like a notification with the given target.
func (e Event) For(userID *uuid.UUID) Event {
	e.UserID = userID
	e.AdminsOnly = userID == nil
	return e
}

func (e Event) DeliverableTo(v access.Viewer) bool {
	if e.OrganizationID != v.OrganizationID {
		return false
	}
	if v.IsAdmin() {
		return true
	}
	if e.AdminsOnly {
		return false
	}
	return e.UserID == nil || *e.UserID == v.UserID
}

type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

type discard struct{}

func (discard) Publish(context.Context, Event) error { return nil }

// Discard drops every event. Used where no subscriber can exist.
var Discard Publisher = discard{}
