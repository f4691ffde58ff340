package notifications

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/skytide-ai/skytide-nexus-crm-sub001/internal/access"
	"github.com/skytide-ai/skytide-nexus-crm-sub001/internal/database/models"
)

type Store interface {
	ListVisible(ctx context.Context, v access.Viewer, limit int) ([]models.Notification, error)
	FindVisible(ctx context.Context, v access.Viewer, id uuid.UUID) (*models.Notification, error)
	// MarkRead sets is_read on exactly ids, within the viewer's visibility,
	// and returns the number of rows changed.
	MarkRead(ctx context.Context, v access.Viewer, ids []uuid.UUID, at time.Time) (int64, error)
	Create(ctx context.Context, n *models.Notification) error
	CountUnread(ctx context.Context, v access.Viewer) (int64, error)
}

type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

var _ Store = (*GormStore)(nil)

func (s *GormStore) ListVisible(ctx context.Context, v access.Viewer, limit int) ([]models.Notification, error) {
	var out []models.Notification
	err := s.db.WithContext(ctx).
		Scopes(VisibleTo(v)).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&out).Error
	return out, err
}

func (s *GormStore) FindVisible(ctx context.Context, v access.Viewer, id uuid.UUID) (*models.Notification, error) {
	var n models.Notification
	err := s.db.WithContext(ctx).Scopes(VisibleTo(v)).Where("id = ?", id).First(&n).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &n, nil
}

func (s *GormStore) MarkRead(ctx context.Context, v access.Viewer, ids []uuid.UUID, at time.Time) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res := s.db.WithContext(ctx).Model(&models.Notification{}).
		Scopes(VisibleTo(v)).
		Where("id IN ? AND is_read = ?", ids, false).
		Updates(map[string]any{"is_read": true, "read_at": at})
	return res.RowsAffected, res.Error
}

func (s *GormStore) Create(ctx context.Context, n *models.Notification) error {
	return s.db.WithContext(ctx).Create(n).Error
}

func (s *GormStore) CountUnread(ctx context.Context, v access.Viewer) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&models.Notification{}).
		Scopes(VisibleTo(v)).
		Where("is_read = ?", false).
		Count(&n).Error
	return n, err
}
