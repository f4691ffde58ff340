package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/skytide-ai/skytide-nexus-crm-sub001/internal/access"
	"github.com/skytide-ai/skytide-nexus-crm-sub001/internal/database/models"
)

type ConnectionInput struct {
	Channel           models.ChannelType
	ExternalAccountID string
	Name              string
	AccessToken       string
}

func (s *Service) ListConnections(ctx context.Context, v access.Viewer) ([]models.ChannelConnection, error) {
	var conns []models.ChannelConnection
	err := s.db.WithContext(ctx).
		Where("organization_id = ?", v.OrganizationID).
		Order("created_at ASC").
		Find(&conns).Error
	return conns, err
}

// CreateConnection stores a provider account with its access token sealed.
// An account id can be connected to one organization only.
func (s *Service) CreateConnection(ctx context.Context, v access.Viewer, in ConnectionInput) (*models.ChannelConnection, error) {
	if !v.IsAdmin() {
		return nil, ErrForbidden
	}
	if !in.Channel.Valid() {
		return nil, ErrInvalidChannel
	}
	accountID := strings.TrimSpace(in.ExternalAccountID)

	sealed, err := s.encryptor.EncryptString(in.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("sealing access token: %w", err)
	}

	var existing models.ChannelConnection
	err = s.db.WithContext(ctx).Unscoped().
		Where("channel = ? AND external_account_id = ?", in.Channel, accountID).
		First(&existing).Error
	switch {
	case err == nil:
		// a connection the organization removed earlier is brought back
		if !existing.DeletedAt.Valid || existing.OrganizationID != v.OrganizationID {
			return nil, ErrConnectionExists
		}
		return s.revive(ctx, &existing, in.Name, sealed)
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return nil, err
	}

	conn := &models.ChannelConnection{
		OrganizationID:    v.OrganizationID,
		Channel:           in.Channel,
		ExternalAccountID: accountID,
		Name:              in.Name,
		EncryptedToken:    sealed,
		IsActive:          true,
	}
	if err := s.db.WithContext(ctx).Create(conn).Error; err != nil {
		return nil, err
	}

	s.logger.Info("channel connected", "connection_id", conn.ID, "channel", conn.Channel, "org_id", conn.OrganizationID)
	return conn, nil
}

func (s *Service) revive(ctx context.Context, conn *models.ChannelConnection, name, sealed string) (*models.ChannelConnection, error) {
	err := s.db.WithContext(ctx).Unscoped().Model(&models.ChannelConnection{}).
		Where("id = ?", conn.ID).
		Updates(map[string]any{"deleted_at": nil, "name": name, "encrypted_token": sealed, "is_active": true}).Error
	if err != nil {
		return nil, err
	}
	conn.DeletedAt = gorm.DeletedAt{}
	conn.Name, conn.EncryptedToken, conn.IsActive = name, sealed, true
	s.logger.Info("channel reconnected", "connection_id", conn.ID, "channel", conn.Channel)
	return conn, nil
}

// SetConnectionActive pauses or resumes a connection. Inbound traffic for an
// inactive connection is dropped.
func (s *Service) SetConnectionActive(ctx context.Context, v access.Viewer, id uuid.UUID, active bool) error {
	if !v.IsAdmin() {
		return ErrForbidden
	}
	result := s.db.WithContext(ctx).Model(&models.ChannelConnection{}).
		Where("organization_id = ? AND id = ?", v.OrganizationID, id).
		Update("is_active", active)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Service) DeleteConnection(ctx context.Context, v access.Viewer, id uuid.UUID) error {
	if !v.IsAdmin() {
		return ErrForbidden
	}
	result := s.db.WithContext(ctx).
		Where("organization_id = ? AND id = ?", v.OrganizationID, id).
		Delete(&models.ChannelConnection{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// accessToken opens a connection's sealed token.
func (s *Service) accessToken(conn *models.ChannelConnection) (string, error) {
	token, err := s.encryptor.DecryptString(conn.EncryptedToken)
	if err != nil {
		return "", fmt.Errorf("opening access token of %s: %w", conn.ID, err)
	}
	return token, nil
}
