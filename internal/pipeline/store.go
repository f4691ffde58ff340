package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/skytide-ai/skytide-nexus-crm-sub001/internal/database/models"
)

// PositionUpdate assigns a new ordering key to a stage or funnel.
type PositionUpdate struct {
	ID       uuid.UUID `json:"id"`
	Position int       `json:"position"`
}

// Placement is the second write of a move. FunnelID and ContactID are part
// of the predicate so a stale or foreign id matches nothing.
type Placement struct {
	ID        uuid.UUID
	FunnelID  uuid.UUID
	ContactID uuid.UUID
	StageID   uuid.UUID
	Position  int
}

// Store is the persistence the pipeline needs.
type Store interface {
	ListFunnels(ctx context.Context, orgID uuid.UUID) ([]models.Funnel, error)
	GetFunnel(ctx context.Context, orgID, id uuid.UUID) (*models.Funnel, error)
	CreateFunnel(ctx context.Context, f *models.Funnel, stages []models.FunnelStage) error
	UpdateFunnel(ctx context.Context, f *models.Funnel, updates map[string]any) error
	DeleteFunnel(ctx context.Context, orgID, id uuid.UUID) error
	MaxFunnelPosition(ctx context.Context, orgID uuid.UUID) (*int, error)
	UpsertFunnelPositions(ctx context.Context, orgID uuid.UUID, updates []PositionUpdate) error

	ListStages(ctx context.Context, funnelID uuid.UUID) ([]models.FunnelStage, error)
	GetStage(ctx context.Context, funnelID, id uuid.UUID) (*models.FunnelStage, error)
	CreateStage(ctx context.Context, s *models.FunnelStage) error
	UpdateStage(ctx context.Context, s *models.FunnelStage, updates map[string]any) error
	DeleteStage(ctx context.Context, funnelID, id uuid.UUID) error
	CountStageContacts(ctx context.Context, stageID uuid.UUID) (int64, error)
	MaxStagePosition(ctx context.Context, funnelID uuid.UUID) (*int, error)
	UpsertStagePositions(ctx context.Context, funnelID uuid.UUID, updates []PositionUpdate) error

	ContactExists(ctx context.Context, orgID, contactID uuid.UUID) (bool, error)
	ContactInFunnel(ctx context.Context, funnelID, contactID uuid.UUID) (bool, error)
	FunnelsOfContact(ctx context.Context, orgID, contactID uuid.UUID) ([]uuid.UUID, error)
	ListFunnelContacts(ctx context.Context, funnelID uuid.UUID) ([]models.FunnelContact, error)
	GetFunnelContact(ctx context.Context, orgID, id uuid.UUID) (*models.FunnelContact, error)
	CreateFunnelContact(ctx context.Context, fc *models.FunnelContact) error
	DeleteFunnelContact(ctx context.Context, orgID, id uuid.UUID) (*models.FunnelContact, error)
	MaxContactPosition(ctx context.Context, stageID uuid.UUID) (*int, error)
	SetContactPosition(ctx context.Context, id uuid.UUID, position int) error
	PlaceContact(ctx context.Context, p Placement) error
}

type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

var _ Store = (*GormStore)(nil)

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

func (s *GormStore) ListFunnels(ctx context.Context, orgID uuid.UUID) ([]models.Funnel, error) {
	var funnels []models.Funnel
	err := s.db.WithContext(ctx).
		Where("organization_id = ?", orgID).
		Order("position ASC, created_at ASC, id ASC").
		Find(&funnels).Error
	return funnels, err
}

func (s *GormStore) GetFunnel(ctx context.Context, orgID, id uuid.UUID) (*models.Funnel, error) {
	var f models.Funnel
	if err := s.db.WithContext(ctx).Where("id = ? AND organization_id = ?", id, orgID).First(&f).Error; err != nil {
		return nil, notFound(err)
	}
	return &f, nil
}

func (s *GormStore) CreateFunnel(ctx context.Context, f *models.Funnel, stages []models.FunnelStage) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Omit("Stages").Create(f).Error; err != nil {
			return err
		}
		for i := range stages {
			stages[i].FunnelID = f.ID
		}
		if len(stages) > 0 {
			if err := tx.Create(&stages).Error; err != nil {
				return err
			}
		}
		f.Stages = stages
		return nil
	})
}

func (s *GormStore) UpdateFunnel(ctx context.Context, f *models.Funnel, updates map[string]any) error {
	return s.db.WithContext(ctx).Model(f).Updates(updates).Error
}

// DeleteFunnel removes the funnel together with its stages and placements.
func (s *GormStore) DeleteFunnel(ctx context.Context, orgID, id uuid.UUID) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("id = ? AND organization_id = ?", id, orgID).Delete(&models.Funnel{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		if err := tx.Unscoped().Where("funnel_id = ?", id).Delete(&models.FunnelContact{}).Error; err != nil {
			return err
		}
		return tx.Where("funnel_id = ?", id).Delete(&models.FunnelStage{}).Error
	})
}

// maxPosition reads the highest position of a scope, ignoring rows parked at
// the sentinel by an unfinished move.
func maxPosition(db *gorm.DB) (*int, error) {
	var positions []int
	err := db.Where("position < ?", SentinelPosition).
		Order("position DESC").
		Limit(1).
		Pluck("position", &positions).Error
	if err != nil {
		return nil, err
	}
	if len(positions) == 0 {
		return nil, nil
	}
	return &positions[0], nil
}

func (s *GormStore) MaxFunnelPosition(ctx context.Context, orgID uuid.UUID) (*int, error) {
	return maxPosition(s.db.WithContext(ctx).Model(&models.Funnel{}).Where("organization_id = ?", orgID))
}

func (s *GormStore) MaxStagePosition(ctx context.Context, funnelID uuid.UUID) (*int, error) {
	return maxPosition(s.db.WithContext(ctx).Model(&models.FunnelStage{}).Where("funnel_id = ?", funnelID))
}

func (s *GormStore) MaxContactPosition(ctx context.Context, stageID uuid.UUID) (*int, error) {
	return maxPosition(s.db.WithContext(ctx).Model(&models.FunnelContact{}).Where("stage_id = ?", stageID))
}

func (s *GormStore) UpsertFunnelPositions(ctx context.Context, orgID uuid.UUID, updates []PositionUpdate) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rows []models.Funnel
		if err := tx.Where("organization_id = ? AND id IN ?", orgID, ids(updates)).Find(&rows).Error; err != nil {
			return err
		}
		if len(rows) != len(updates) {
			return ErrNotFound
		}
		byID, now := positions(updates), time.Now().UTC()
		for i := range rows {
			rows[i].Position = byID[rows[i].ID]
			rows[i].UpdatedAt = now
		}
		return upsertPositions(tx, &rows)
	})
}

func (s *GormStore) UpsertStagePositions(ctx context.Context, funnelID uuid.UUID, updates []PositionUpdate) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rows []models.FunnelStage
		if err := tx.Where("funnel_id = ? AND id IN ?", funnelID, ids(updates)).Find(&rows).Error; err != nil {
			return err
		}
		if len(rows) != len(updates) {
			return ErrNotFound
		}
		byID, now := positions(updates), time.Now().UTC()
		for i := range rows {
			rows[i].Position = byID[rows[i].ID]
			rows[i].UpdatedAt = now
		}
		return upsertPositions(tx, &rows)
	})
}

// upsertPositions writes every row in a single INSERT .. ON CONFLICT (id)
// statement that only touches position and updated_at.
func upsertPositions(tx *gorm.DB, rows any) error {
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"position", "updated_at"}),
	}).Create(rows).Error
}

func ids(updates []PositionUpdate) []uuid.UUID {
	out := make([]uuid.UUID, len(updates))
	for i, u := range updates {
		out[i] = u.ID
	}
	return out
}

func positions(updates []PositionUpdate) map[uuid.UUID]int {
	out := make(map[uuid.UUID]int, len(updates))
	for _, u := range updates {
		out[u.ID] = u.Position
	}
	return out
}

func (s *GormStore) ListStages(ctx context.Context, funnelID uuid.UUID) ([]models.FunnelStage, error) {
	var stages []models.FunnelStage
	err := s.db.WithContext(ctx).
		Where("funnel_id = ?", funnelID).
		Order("position ASC, created_at ASC, id ASC").
		Find(&stages).Error
	return stages, err
}

func (s *GormStore) GetStage(ctx context.Context, funnelID, id uuid.UUID) (*models.FunnelStage, error) {
	var st models.FunnelStage
	if err := s.db.WithContext(ctx).Where("id = ? AND funnel_id = ?", id, funnelID).First(&st).Error; err != nil {
		return nil, notFound(err)
	}
	return &st, nil
}

func (s *GormStore) CreateStage(ctx context.Context, st *models.FunnelStage) error {
	return s.db.WithContext(ctx).Create(st).Error
}

func (s *GormStore) UpdateStage(ctx context.Context, st *models.FunnelStage, updates map[string]any) error {
	return s.db.WithContext(ctx).Model(st).Updates(updates).Error
}

func (s *GormStore) DeleteStage(ctx context.Context, funnelID, id uuid.UUID) error {
	res := s.db.WithContext(ctx).Where("id = ? AND funnel_id = ?", id, funnelID).Delete(&models.FunnelStage{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormStore) CountStageContacts(ctx context.Context, stageID uuid.UUID) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&models.FunnelContact{}).Where("stage_id = ?", stageID).Count(&n).Error
	return n, err
}

func (s *GormStore) ContactExists(ctx context.Context, orgID, contactID uuid.UUID) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&models.Contact{}).
		Where("id = ? AND organization_id = ?", contactID, orgID).
		Count(&n).Error
	return n > 0, err
}

func (s *GormStore) ContactInFunnel(ctx context.Context, funnelID, contactID uuid.UUID) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&models.FunnelContact{}).
		Where("funnel_id = ? AND contact_id = ?", funnelID, contactID).
		Count(&n).Error
	return n > 0, err
}

func (s *GormStore) FunnelsOfContact(ctx context.Context, orgID, contactID uuid.UUID) ([]uuid.UUID, error) {
	var out []uuid.UUID
	err := s.db.WithContext(ctx).Model(&models.FunnelContact{}).
		Where("organization_id = ? AND contact_id = ?", orgID, contactID).
		Pluck("funnel_id", &out).Error
	return out, err
}

func (s *GormStore) ListFunnelContacts(ctx context.Context, funnelID uuid.UUID) ([]models.FunnelContact, error) {
	var rows []models.FunnelContact
	err := s.db.WithContext(ctx).
		Preload("Contact").
		Where("funnel_id = ?", funnelID).
		Order("position ASC, created_at ASC, id ASC").
		Find(&rows).Error
	return rows, err
}

func (s *GormStore) GetFunnelContact(ctx context.Context, orgID, id uuid.UUID) (*models.FunnelContact, error) {
	var fc models.FunnelContact
	if err := s.db.WithContext(ctx).Where("id = ? AND organization_id = ?", id, orgID).First(&fc).Error; err != nil {
		return nil, notFound(err)
	}
	return &fc, nil
}

func (s *GormStore) CreateFunnelContact(ctx context.Context, fc *models.FunnelContact) error {
	return s.db.WithContext(ctx).Omit("Contact").Create(fc).Error
}

// DeleteFunnelContact hard-deletes so the contact can be added again later
// without tripping the (funnel_id, contact_id) unique index.
func (s *GormStore) DeleteFunnelContact(ctx context.Context, orgID, id uuid.UUID) (*models.FunnelContact, error) {
	fc, err := s.GetFunnelContact(ctx, orgID, id)
	if err != nil {
		return nil, err
	}
	if err := s.db.WithContext(ctx).Unscoped().Delete(&models.FunnelContact{}, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return fc, nil
}

func (s *GormStore) SetContactPosition(ctx context.Context, id uuid.UUID, position int) error {
	res := s.db.WithContext(ctx).Model(&models.FunnelContact{}).
		Where("id = ?", id).
		Update("position", position)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormStore) PlaceContact(ctx context.Context, p Placement) error {
	res := s.db.WithContext(ctx).Model(&models.FunnelContact{}).
		Where("id = ? AND funnel_id = ? AND contact_id = ?", p.ID, p.FunnelID, p.ContactID).
		Updates(map[string]any{"stage_id": p.StageID, "position": p.Position})
	if res.Error != nil {
		return fmt.Errorf("placing contact: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("placing contact: %w", ErrNotFound)
	}
	return nil
}
