package tasks

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

// Task type names
const (
	TypeSendEmail            = "email:send"
	TypeSendWhatsApp         = "chat:send_whatsapp"
	TypeAppointmentReminders = "appointments:reminders"
)

// EmailPayload is a fully rendered message.
type EmailPayload struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Text    string `json:"text"`
	HTML    string `json:"html,omitempty"`
}

func NewSendEmailTask(payload EmailPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeSendEmail, data, asynq.Queue("default"), asynq.MaxRetry(5)), nil
}

// SendWhatsAppPayload points at a pending outbound chat message.
type SendWhatsAppPayload struct {
	MessageID      uuid.UUID `json:"message_id"`
	OrganizationID uuid.UUID `json:"organization_id"`
}

func NewSendWhatsAppTask(payload SendWhatsAppPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeSendWhatsApp, data,
		asynq.Queue("critical"),
		asynq.MaxRetry(8),
		asynq.Timeout(time.Minute),
	), nil
}

// NewAppointmentRemindersTask is registered with the scheduler; each run
// scans the whole reminder window, so overlapping runs are dropped.
func NewAppointmentRemindersTask() *asynq.Task {
	return asynq.NewTask(TypeAppointmentReminders, nil,
		asynq.Queue("low"),
		asynq.MaxRetry(1),
		asynq.Unique(time.Minute),
	)
}
