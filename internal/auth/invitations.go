package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/skytide-ai/skytide-nexus-crm-sub001/internal/access"
	"github.com/skytide-ai/skytide-nexus-crm-sub001/internal/database/models"
	"github.com/skytide-ai/skytide-nexus-crm-sub001/internal/tasks"
	"github.com/skytide-ai/skytide-nexus-crm-sub001/pkg/crypto"
	"github.com/skytide-ai/skytide-nexus-crm-sub001/pkg/queue"
)

const InvitationTTL = 7 * 24 * time.Hour

var (
	ErrForbidden          = errors.New("forbidden")
	ErrInvitationNotFound = errors.New("invitation not found")
	ErrInvitationExists   = errors.New("a pending invitation already exists for this email")
	ErrInvitationExpired  = errors.New("invitation has expired")
	ErrInvitationUsed     = errors.New("invitation is no longer valid")
	ErrInvalidRole        = errors.New("invalid role")
)

type InviteInput struct {
	Email     string
	FirstName string
	LastName  string
	Role      models.Role
}

type AcceptInput struct {
	Token    string
	Password string
}

// InvitationService manages team invitations. The email goes out through
// the worker; only the token hash is persisted.
type InvitationService struct {
	db        *gorm.DB
	jwt       *JWTService
	queue     queue.Enqueuer
	acceptURL string
	logger    *slog.Logger
	now       func() time.Time
}

func NewInvitationService(db *gorm.DB, jwt *JWTService, q queue.Enqueuer, publicURL string, logger *slog.Logger) *InvitationService {
	return &InvitationService{
		db:        db,
		jwt:       jwt,
		queue:     q,
		acceptURL: strings.TrimRight(publicURL, "/") + "/accept-invite?token=",
		logger:    logger,
		now:       time.Now,
	}
}

// canGrant reports whether the viewer may hand out the given role.
func canGrant(v access.Viewer, role models.Role) bool {
	switch role {
	case models.RoleMember:
		return v.IsAdmin()
	case models.RoleAdmin, models.RoleSuperadmin:
		return v.IsSuperadmin()
	}
	return false
}

func (s *InvitationService) Invite(ctx context.Context, v access.Viewer, input InviteInput) (*models.Invitation, error) {
	if input.Role == "" {
		input.Role = models.RoleMember
	}
	if !input.Role.Valid() {
		return nil, ErrInvalidRole
	}
	if !canGrant(v, input.Role) {
		return nil, ErrForbidden
	}
	email := normalizeEmail(input.Email)

	var taken int64
	if err := s.db.WithContext(ctx).Model(&models.User{}).Where("email = ?", email).Count(&taken).Error; err != nil {
		return nil, err
	}
	if taken > 0 {
		return nil, ErrUserExists
	}

	now := s.now().UTC()
	var pending int64
	if err := s.db.WithContext(ctx).Model(&models.Invitation{}).
		Where("organization_id = ? AND email = ? AND status = ? AND expires_at > ?",
			v.OrganizationID, email, models.InvitationPending, now).
		Count(&pending).Error; err != nil {
		return nil, err
	}
	if pending > 0 {
		return nil, ErrInvitationExists
	}

	token, err := crypto.RandomToken(32)
	if err != nil {
		return nil, err
	}

	inv := &models.Invitation{
		OrganizationID: v.OrganizationID,
		InvitedByID:    v.UserID,
		Email:          email,
		FirstName:      strings.TrimSpace(input.FirstName),
		LastName:       strings.TrimSpace(input.LastName),
		Role:           input.Role,
		TokenHash:      crypto.HashToken(token),
		Status:         models.InvitationPending,
		ExpiresAt:      now.Add(InvitationTTL),
	}
	if err := s.db.WithContext(ctx).Create(inv).Error; err != nil {
		return nil, err
	}

	if err := s.sendEmail(ctx, inv, token); err != nil {
		// The row stays pending; the admin can revoke and re-invite.
		s.logger.Error("failed to enqueue invitation email", "invitation_id", inv.ID, "error", err)
		return inv, fmt.Errorf("enqueue invitation email: %w", err)
	}

	s.logger.Info("invitation created", "invitation_id", inv.ID, "organization_id", inv.OrganizationID, "role", inv.Role)
	return inv, nil
}

func (s *InvitationService) sendEmail(ctx context.Context, inv *models.Invitation, token string) error {
	if s.queue == nil {
		return nil
	}
	var org models.Organization
	if err := s.db.WithContext(ctx).First(&org, "id = ?", inv.OrganizationID).Error; err != nil {
		return err
	}

	link := s.acceptURL + token
	task, err := tasks.NewSendEmailTask(tasks.EmailPayload{
		To:      inv.Email,
		Subject: fmt.Sprintf("You have been invited to %s", org.Name),
		Text: fmt.Sprintf("Hi %s,\n\nYou have been invited to join %s as %s.\nAccept the invitation: %s\n\nThe link expires on %s.\n",
			inv.FirstName, org.Name, inv.Role, link, inv.ExpiresAt.Format("2006-01-02")),
	})
	if err != nil {
		return err
	}
	_, err = s.queue.EnqueueContext(ctx, task)
	return err
}

// List returns the organization's invitations, newest first. Pending rows
// past their deadline are reported as expired.
func (s *InvitationService) List(ctx context.Context, v access.Viewer) ([]models.Invitation, error) {
	if !v.IsAdmin() {
		return nil, ErrForbidden
	}
	var invs []models.Invitation
	if err := s.db.WithContext(ctx).
		Where("organization_id = ?", v.OrganizationID).
		Order("created_at DESC").
		Find(&invs).Error; err != nil {
		return nil, err
	}
	now := s.now()
	for i := range invs {
		if invs[i].IsExpired(now) {
			invs[i].Status = models.InvitationExpired
		}
	}
	return invs, nil
}

func (s *InvitationService) Revoke(ctx context.Context, v access.Viewer, id uuid.UUID) error {
	if !v.IsAdmin() {
		return ErrForbidden
	}
	result := s.db.WithContext(ctx).Model(&models.Invitation{}).
		Where("id = ? AND organization_id = ? AND status = ?", id, v.OrganizationID, models.InvitationPending).
		Update("status", models.InvitationRevoked)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrInvitationNotFound
	}
	return nil
}

// Accept redeems a token and creates the invited user in the inviting
// organization.
func (s *InvitationService) Accept(ctx context.Context, input AcceptInput) (*AuthResponse, error) {
	var inv models.Invitation
	err := s.db.WithContext(ctx).
		Preload("Organization").
		Where("token_hash = ?", crypto.HashToken(input.Token)).
		First(&inv).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrInvitationNotFound
		}
		return nil, err
	}

	now := s.now().UTC()
	if inv.Status != models.InvitationPending {
		return nil, ErrInvitationUsed
	}
	if inv.IsExpired(now) {
		s.db.WithContext(ctx).Model(&inv).Update("status", models.InvitationExpired)
		return nil, ErrInvitationExpired
	}

	hash, err := HashPassword(input.Password)
	if err != nil {
		return nil, err
	}

	user := models.User{
		Email:          inv.Email,
		PasswordHash:   hash,
		FirstName:      inv.FirstName,
		LastName:       inv.LastName,
		OrganizationID: inv.OrganizationID,
		Role:           inv.Role,
		IsActive:       true,
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var taken int64
		if err := tx.Model(&models.User{}).Where("email = ?", user.Email).Count(&taken).Error; err != nil {
			return err
		}
		if taken > 0 {
			return ErrUserExists
		}
		result := tx.Model(&models.Invitation{}).
			Where("id = ? AND status = ?", inv.ID, models.InvitationPending).
			Updates(map[string]any{"status": models.InvitationAccepted, "accepted_at": now})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrInvitationUsed
		}
		return tx.Create(&user).Error
	})
	if err != nil {
		return nil, err
	}

	token, err := s.jwt.GenerateToken(user.ID, user.OrganizationID, user.Email, user.Role)
	if err != nil {
		return nil, err
	}
	user.Organization = inv.Organization

	s.logger.Info("invitation accepted", "invitation_id", inv.ID, "user_id", user.ID)
	return &AuthResponse{Token: token, User: &user}, nil
}
