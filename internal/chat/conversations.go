package chat

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/skytide-ai/skytide-nexus-crm-sub001/internal/access"
	"github.com/skytide-ai/skytide-nexus-crm-sub001/internal/database/models"
)

const DefaultMessageLimit = 50

// Conversation is an identity with its count of unread inbound messages.
type Conversation struct {
	models.ChatIdentity
	Unread int64 `json:"unread"`
}

// ListConversations returns identities most recently active first.
func (s *Service) ListConversations(ctx context.Context, v access.Viewer) ([]Conversation, error) {
	var idents []models.ChatIdentity
	if err := s.db.WithContext(ctx).
		Preload("Contact").
		Where("organization_id = ?", v.OrganizationID).
		Order("last_message_at DESC NULLS LAST, created_at DESC").
		Find(&idents).Error; err != nil {
		return nil, err
	}

	var counts []struct {
		IdentityID uuid.UUID
		Unread     int64
	}
	if err := s.db.WithContext(ctx).Model(&models.ChatMessage{}).
		Select("identity_id, COUNT(*) AS unread").
		Where("organization_id = ? AND direction = ? AND is_read = ?", v.OrganizationID, models.DirectionInbound, false).
		Group("identity_id").
		Scan(&counts).Error; err != nil {
		return nil, err
	}
	unread := make(map[uuid.UUID]int64, len(counts))
	for _, c := range counts {
		unread[c.IdentityID] = c.Unread
	}

	out := make([]Conversation, len(idents))
	for i, ident := range idents {
		out[i] = Conversation{ChatIdentity: ident, Unread: unread[ident.ID]}
	}
	return out, nil
}

// Messages returns up to limit messages sent before the cursor (or the
// latest ones), oldest first.
func (s *Service) Messages(ctx context.Context, v access.Viewer, identityID uuid.UUID, before *time.Time, limit int) ([]models.ChatMessage, error) {
	if _, err := s.identity(ctx, v, identityID); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 200 {
		limit = DefaultMessageLimit
	}

	q := s.db.WithContext(ctx).
		Where("organization_id = ? AND identity_id = ?", v.OrganizationID, identityID)
	if before != nil {
		q = q.Where("sent_at < ?", before.UTC())
	}
	var msgs []models.ChatMessage
	if err := q.Order("sent_at DESC, id DESC").Limit(limit).Find(&msgs).Error; err != nil {
		return nil, err
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// MarkConversationRead flags every unread inbound message of the identity.
func (s *Service) MarkConversationRead(ctx context.Context, v access.Viewer, identityID uuid.UUID) (int64, error) {
	if _, err := s.identity(ctx, v, identityID); err != nil {
		return 0, err
	}
	result := s.db.WithContext(ctx).Model(&models.ChatMessage{}).
		Where("organization_id = ? AND identity_id = ? AND direction = ? AND is_read = ?",
			v.OrganizationID, identityID, models.DirectionInbound, false).
		Update("is_read", true)
	return result.RowsAffected, result.Error
}
