package auth

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/skytide-ai/skytide-nexus-crm-sub001/internal/access"
	"github.com/skytide-ai/skytide-nexus-crm-sub001/internal/database/models"
)

var ErrSelfModification = errors.New("cannot change your own membership")

type MemberService struct {
	db *gorm.DB
}

func NewMemberService(db *gorm.DB) *MemberService {
	return &MemberService{db: db}
}

func (s *MemberService) List(ctx context.Context, v access.Viewer) ([]models.User, error) {
	var users []models.User
	err := s.db.WithContext(ctx).
		Where("organization_id = ?", v.OrganizationID).
		Order("first_name, last_name").
		Find(&users).Error
	return users, err
}

func (s *MemberService) get(ctx context.Context, v access.Viewer, id uuid.UUID) (*models.User, error) {
	var user models.User
	if err := s.db.WithContext(ctx).
		Where("id = ? AND organization_id = ?", id, v.OrganizationID).
		First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &user, nil
}

// canManage reports whether the viewer may modify the target. Admins manage
// members only; the superadmin manages everyone else.
func canManage(v access.Viewer, target *models.User) bool {
	if v.IsSuperadmin() {
		return true
	}
	return v.IsAdmin() && target.Role == models.RoleMember
}

func (s *MemberService) UpdateRole(ctx context.Context, v access.Viewer, id uuid.UUID, role models.Role) (*models.User, error) {
	if !role.Valid() {
		return nil, ErrInvalidRole
	}
	if id == v.UserID {
		return nil, ErrSelfModification
	}
	target, err := s.get(ctx, v, id)
	if err != nil {
		return nil, err
	}
	if !canManage(v, target) || !canGrant(v, role) {
		return nil, ErrForbidden
	}
	if err := s.db.WithContext(ctx).Model(target).Update("role", role).Error; err != nil {
		return nil, err
	}
	target.Role = role
	return target, nil
}

// SetActive toggles access for a member. Deactivated users are refused at
// login and on every request; they keep their data and assignments.
func (s *MemberService) SetActive(ctx context.Context, v access.Viewer, id uuid.UUID, active bool) (*models.User, error) {
	if id == v.UserID {
		return nil, ErrSelfModification
	}
	target, err := s.get(ctx, v, id)
	if err != nil {
		return nil, err
	}
	if !canManage(v, target) {
		return nil, ErrForbidden
	}
	if err := s.db.WithContext(ctx).Model(target).Update("is_active", active).Error; err != nil {
		return nil, err
	}
	target.IsActive = active
	return target, nil
}
