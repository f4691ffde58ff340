package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/skytide-ai/skytide-nexus-crm-sub001/internal/access"
	"github.com/skytide-ai/skytide-nexus-crm-sub001/internal/database/models"
	"github.com/skytide-ai/skytide-nexus-crm-sub001/internal/tasks"
	"github.com/skytide-ai/skytide-nexus-crm-sub001/internal/whatsapp"
)

type SendInput struct {
	Body      string
	MediaKey  string
	MediaType string
}

// SendMessage records an outbound message as pending and hands delivery to
// the worker.
func (s *Service) SendMessage(ctx context.Context, v access.Viewer, identityID uuid.UUID, in SendInput) (*models.ChatMessage, error) {
	in.Body = strings.TrimSpace(in.Body)
	if in.Body == "" && in.MediaKey == "" {
		return nil, ErrEmptyMessage
	}
	if in.MediaKey != "" {
		if s.blobs == nil {
			return nil, ErrAttachmentsDisabled
		}
		// keys are issued per organization by UploadAttachment
		if !strings.HasPrefix(in.MediaKey, attachmentPrefix(v.OrganizationID)) {
			return nil, ErrNotFound
		}
	}

	ident, err := s.identity(ctx, v, identityID)
	if err != nil {
		return nil, err
	}
	if ident.Channel != models.ChannelWhatsApp {
		return nil, ErrUnsupportedChannel
	}
	if ident.Connection == nil || !ident.Connection.IsActive {
		return nil, ErrConnectionInactive
	}

	sender := v.UserID
	msg := &models.ChatMessage{
		OrganizationID: v.OrganizationID,
		IdentityID:     ident.ID,
		Direction:      models.DirectionOutbound,
		Body:           in.Body,
		MediaKey:       in.MediaKey,
		MediaType:      in.MediaType,
		Status:         models.MessagePending,
		IsRead:         true,
		SentByID:       &sender,
		SentAt:         s.now(),
	}
	if err := s.db.WithContext(ctx).Create(msg).Error; err != nil {
		return nil, err
	}

	if err := s.enqueueDelivery(ctx, msg); err != nil {
		s.markFailed(ctx, msg, err)
		return nil, fmt.Errorf("queueing message: %w", err)
	}

	s.touch(ctx, ident.ID, msg.SentAt)
	s.publish(ctx, msg)
	return msg, nil
}

var errNoQueue = errors.New("no delivery queue configured")

func (s *Service) enqueueDelivery(ctx context.Context, msg *models.ChatMessage) error {
	if s.queue == nil {
		return errNoQueue
	}
	task, err := tasks.NewSendWhatsAppTask(tasks.SendWhatsAppPayload{
		MessageID:      msg.ID,
		OrganizationID: msg.OrganizationID,
	})
	if err != nil {
		return err
	}
	_, err = s.queue.EnqueueContext(ctx, task)
	return err
}

func (s *Service) markFailed(ctx context.Context, msg *models.ChatMessage, cause error) {
	msg.Status = models.MessageFailed
	msg.Error = cause.Error()
	if err := s.db.WithContext(ctx).Model(&models.ChatMessage{}).
		Where("id = ?", msg.ID).
		Updates(map[string]any{"status": msg.Status, "error": msg.Error}).Error; err != nil {
		s.logger.Error("recording failed message", "message_id", msg.ID, "error", err)
	}
}

func (s *Service) touch(ctx context.Context, identityID uuid.UUID, at time.Time) {
	if err := s.db.WithContext(ctx).Model(&models.ChatIdentity{}).
		Where("id = ?", identityID).
		Update("last_message_at", at).Error; err != nil {
		s.logger.Warn("updating conversation activity", "identity_id", identityID, "error", err)
	}
}

// DeliverWhatsApp sends a pending message through the Cloud API. Messages
// that already left the pending state are skipped, so redelivered tasks are
// harmless. Rejections the provider will repeat stop the retries.
func (s *Service) DeliverWhatsApp(ctx context.Context, p tasks.SendWhatsAppPayload) error {
	var msg models.ChatMessage
	if err := s.db.WithContext(ctx).
		Where("id = ? AND organization_id = ?", p.MessageID, p.OrganizationID).
		First(&msg).Error; err != nil {
		if errors.Is(notFound(err), ErrNotFound) {
			return fmt.Errorf("message %s: %w: %w", p.MessageID, ErrNotFound, asynq.SkipRetry)
		}
		return err
	}
	if msg.Status != models.MessagePending {
		return nil
	}

	v := access.Viewer{OrganizationID: msg.OrganizationID}
	ident, err := s.identity(ctx, v, msg.IdentityID)
	if err != nil {
		return s.fail(ctx, &msg, err)
	}
	if ident.Connection == nil || !ident.Connection.IsActive {
		return s.fail(ctx, &msg, ErrConnectionInactive)
	}
	token, err := s.accessToken(ident.Connection)
	if err != nil {
		return s.fail(ctx, &msg, err)
	}

	out := whatsapp.Message{
		PhoneNumberID: ident.Connection.ExternalAccountID,
		AccessToken:   token,
		To:            ident.ExternalID,
		Body:          msg.Body,
		MediaType:     msg.MediaType,
	}
	if msg.MediaKey != "" {
		if s.blobs == nil {
			return s.fail(ctx, &msg, ErrAttachmentsDisabled)
		}
		if out.MediaURL, err = s.blobs.SignedURL(ctx, msg.MediaKey, s.urlTTL); err != nil {
			return fmt.Errorf("signing attachment: %w", err)
		}
	}

	wamid, err := s.sender.Send(ctx, out)
	if err != nil {
		var apiErr *whatsapp.APIError
		if (errors.As(err, &apiErr) && apiErr.Permanent()) || errors.Is(err, whatsapp.ErrEmptyMessage) {
			return s.fail(ctx, &msg, err)
		}
		if lastAttempt(ctx) {
			s.markFailed(ctx, &msg, err)
			s.publish(ctx, &msg)
		}
		return err
	}

	msg.Status = models.MessageSent
	msg.ExternalMessageID = wamid
	msg.Error = ""
	if err := s.db.WithContext(ctx).Model(&models.ChatMessage{}).
		Where("id = ?", msg.ID).
		Updates(map[string]any{"status": msg.Status, "external_message_id": wamid, "error": ""}).Error; err != nil {
		// the provider accepted it; a retry would send a duplicate
		s.logger.Error("recording sent message", "message_id", msg.ID, "wamid", wamid, "error", err)
		return fmt.Errorf("recording sent message: %w: %w", err, asynq.SkipRetry)
	}

	s.logger.Info("whatsapp message sent", "message_id", msg.ID, "wamid", wamid)
	s.publish(ctx, &msg)
	return nil
}

// fail marks the message failed and stops retrying.
func (s *Service) fail(ctx context.Context, msg *models.ChatMessage, cause error) error {
	s.markFailed(ctx, msg, cause)
	s.publish(ctx, msg)
	return fmt.Errorf("%w: %w", cause, asynq.SkipRetry)
}

// lastAttempt reports whether the running task has no retries left. Outside
// a worker there is no retry budget.
func lastAttempt(ctx context.Context) bool {
	retried, ok := asynq.GetRetryCount(ctx)
	if !ok {
		return true
	}
	limit, _ := asynq.GetMaxRetry(ctx)
	return retried >= limit
}

type Attachment struct {
	Key       string `json:"key"`
	MediaType string `json:"media_type"`
	URL       string `json:"url"`
}

func attachmentPrefix(orgID uuid.UUID) string {
	return "orgs/" + orgID.String() + "/chat/"
}

// mediaKind maps a MIME type onto the WhatsApp media types.
func mediaKind(contentType string) string {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return "document"
	}
	switch {
	case strings.HasPrefix(mt, "image/"):
		return "image"
	case strings.HasPrefix(mt, "audio/"):
		return "audio"
	case strings.HasPrefix(mt, "video/"):
		return "video"
	}
	return "document"
}

// UploadAttachment stores a file under the organization's prefix and returns
// the key to reference from SendMessage along with a short-lived link.
func (s *Service) UploadAttachment(ctx context.Context, v access.Viewer, filename, contentType string, r io.Reader) (*Attachment, error) {
	if s.blobs == nil {
		return nil, ErrAttachmentsDisabled
	}
	if contentType == "" {
		contentType = mime.TypeByExtension(path.Ext(filename))
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	key := attachmentPrefix(v.OrganizationID) + uuid.NewString() + strings.ToLower(path.Ext(filename))
	if err := s.blobs.Put(ctx, key, r, contentType); err != nil {
		return nil, fmt.Errorf("storing attachment: %w", err)
	}
	url, err := s.blobs.SignedURL(ctx, key, s.urlTTL)
	if err != nil {
		return nil, fmt.Errorf("signing attachment: %w", err)
	}
	return &Attachment{Key: key, MediaType: mediaKind(contentType), URL: url}, nil
}
