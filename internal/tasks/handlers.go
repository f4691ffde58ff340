package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/skytide-ai/skytide-nexus-crm-sub001/internal/mailer"
)

// WhatsAppDeliverer sends a stored pending outbound message.
type WhatsAppDeliverer interface {
	DeliverWhatsApp(ctx context.Context, payload SendWhatsAppPayload) error
}

// ReminderSender emits reminders for appointments starting within lead of now.
type ReminderSender interface {
	SendReminders(ctx context.Context, now time.Time, lead time.Duration) (int, error)
}

type Handler struct {
	logger       *slog.Logger
	mailer       mailer.Sender
	chat         WhatsAppDeliverer
	appointments ReminderSender
	reminderLead time.Duration
	now          func() time.Time
}

func NewHandler(logger *slog.Logger, m mailer.Sender, chat WhatsAppDeliverer, appointments ReminderSender, reminderLead time.Duration) *Handler {
	return &Handler{
		logger:       logger,
		mailer:       m,
		chat:         chat,
		appointments: appointments,
		reminderLead: reminderLead,
		now:          time.Now,
	}
}

func (h *Handler) RegisterHandlers(mux *asynq.ServeMux) {
	mux.HandleFunc(TypeSendEmail, h.HandleSendEmail)
	mux.HandleFunc(TypeSendWhatsApp, h.HandleSendWhatsApp)
	mux.HandleFunc(TypeAppointmentReminders, h.HandleAppointmentReminders)
}

func (h *Handler) HandleSendEmail(ctx context.Context, t *asynq.Task) error {
	var payload EmailPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("unmarshal payload: %w: %w", err, asynq.SkipRetry)
	}
	if payload.To == "" {
		return fmt.Errorf("email without recipient: %w", asynq.SkipRetry)
	}

	id, err := h.mailer.Send(ctx, mailer.Message{
		To:      payload.To,
		Subject: payload.Subject,
		Text:    payload.Text,
		HTML:    payload.HTML,
	})
	if err != nil {
		var apiErr *mailer.APIError
		if errors.As(err, &apiErr) && apiErr.Permanent() {
			h.logger.Error("email rejected", "to", payload.To, "status", apiErr.StatusCode, "error", apiErr.Message)
			return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
		}
		return err
	}

	h.logger.Info("email sent", "to", payload.To, "provider_id", id)
	return nil
}

func (h *Handler) HandleSendWhatsApp(ctx context.Context, t *asynq.Task) error {
	var payload SendWhatsAppPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("unmarshal payload: %w: %w", err, asynq.SkipRetry)
	}

	h.logger.Info("delivering whatsapp message", "message_id", payload.MessageID, "org_id", payload.OrganizationID)

	if err := h.chat.DeliverWhatsApp(ctx, payload); err != nil {
		h.logger.Error("whatsapp delivery failed", "message_id", payload.MessageID, "error", err)
		return err
	}
	return nil
}

func (h *Handler) HandleAppointmentReminders(ctx context.Context, _ *asynq.Task) error {
	start := h.now()
	sent, err := h.appointments.SendReminders(ctx, start, h.reminderLead)
	if err != nil {
		h.logger.Error("appointment reminders failed", "sent", sent, "error", err)
		return err
	}

	h.logger.Info("appointment reminders sent",
		"sent", sent,
		"lead", h.reminderLead.String(),
		"duration", time.Since(start).String(),
	)
	return nil
}
