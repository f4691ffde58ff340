// Package chat is the omnichannel inbox: provider connections, the identities
// contacts use on each channel, and the messages exchanged with them.
package chat

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/skytide-ai/skytide-nexus-crm-sub001/internal/access"
	"github.com/skytide-ai/skytide-nexus-crm-sub001/internal/database/models"
	"github.com/skytide-ai/skytide-nexus-crm-sub001/internal/realtime"
	"github.com/skytide-ai/skytide-nexus-crm-sub001/internal/storage"
	"github.com/skytide-ai/skytide-nexus-crm-sub001/internal/whatsapp"
	"github.com/skytide-ai/skytide-nexus-crm-sub001/pkg/crypto"
	"github.com/skytide-ai/skytide-nexus-crm-sub001/pkg/queue"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrForbidden           = errors.New("forbidden")
	ErrInvalidChannel      = errors.New("invalid channel")
	ErrConnectionExists    = errors.New("channel account is already connected")
	ErrConnectionInactive  = errors.New("channel connection is inactive")
	ErrUnsupportedChannel  = errors.New("sending is only supported on whatsapp")
	ErrEmptyMessage        = errors.New("message needs a body or an attachment")
	ErrAttachmentsDisabled = errors.New("attachment storage is not configured")
)

// WhatsAppSender is satisfied by *whatsapp.Client.
type WhatsAppSender interface {
	Send(ctx context.Context, m whatsapp.Message) (string, error)
}

var _ WhatsAppSender = (*whatsapp.Client)(nil)

// Deps wires a Service. The API process sets Queue; the worker sets Sender.
// A nil Blobs disables attachments.
type Deps struct {
	DB        *gorm.DB
	Encryptor *crypto.Encryptor
	Queue     queue.Enqueuer
	Sender    WhatsAppSender
	Blobs     storage.Blob
	Events    realtime.Publisher
	Logger    *slog.Logger
	URLTTL    time.Duration
}

type Service struct {
	db        *gorm.DB
	encryptor *crypto.Encryptor
	queue     queue.Enqueuer
	sender    WhatsAppSender
	blobs     storage.Blob
	events    realtime.Publisher
	logger    *slog.Logger
	urlTTL    time.Duration
	now       func() time.Time
}

func NewService(d Deps) *Service {
	if d.Events == nil {
		d.Events = realtime.Discard
	}
	if d.URLTTL <= 0 {
		d.URLTTL = 15 * time.Minute
	}
	return &Service{
		db:        d.DB,
		encryptor: d.Encryptor,
		queue:     d.Queue,
		sender:    d.Sender,
		blobs:     d.Blobs,
		events:    d.Events,
		logger:    d.Logger,
		urlTTL:    d.URLTTL,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

// publish announces a message to the whole organization.
func (s *Service) publish(ctx context.Context, msg *models.ChatMessage) {
	e := realtime.NewEvent(realtime.EventChatMessage, msg.OrganizationID, msg)
	if err := s.events.Publish(ctx, e); err != nil {
		s.logger.Warn("publishing chat message", "message_id", msg.ID, "error", err)
	}
}

func (s *Service) identity(ctx context.Context, v access.Viewer, id uuid.UUID) (*models.ChatIdentity, error) {
	var ident models.ChatIdentity
	err := s.db.WithContext(ctx).
		Preload("Contact").Preload("Connection").
		Where("organization_id = ? AND id = ?", v.OrganizationID, id).
		First(&ident).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &ident, nil
}
