// Package pipeline keeps contacts ordered inside the stages of a sales
// funnel, and stages and funnels ordered among themselves.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/skytide-ai/skytide-nexus-crm-sub001/internal/access"
	"github.com/skytide-ai/skytide-nexus-crm-sub001/internal/database/models"
	"github.com/skytide-ai/skytide-nexus-crm-sub001/internal/mirror"
	"github.com/skytide-ai/skytide-nexus-crm-sub001/internal/realtime"
)

type Service struct {
	store  Store
	mirror *mirror.Mirror
	events realtime.Publisher
	logger *slog.Logger
}

func NewService(store Store, m *mirror.Mirror, events realtime.Publisher, logger *slog.Logger) *Service {
	if events == nil {
		events = realtime.Discard
	}
	return &Service{store: store, mirror: m, events: events, logger: logger}
}

// BoardKey is the mirror key of a funnel board.
func BoardKey(funnelID uuid.UUID) string {
	return "funnel-board:" + funnelID.String()
}

type StageInput struct {
	Name  string
	Color string
}

type FunnelInput struct {
	Name        string
	Description string
	Stages      []StageInput
}

func (s *Service) ListFunnels(ctx context.Context, v access.Viewer) ([]models.Funnel, error) {
	return s.store.ListFunnels(ctx, v.OrganizationID)
}

func (s *Service) GetFunnel(ctx context.Context, v access.Viewer, id uuid.UUID) (*models.Funnel, error) {
	f, err := s.store.GetFunnel(ctx, v.OrganizationID, id)
	if err != nil {
		return nil, err
	}
	stages, err := s.store.ListStages(ctx, f.ID)
	if err != nil {
		return nil, fmt.Errorf("listing stages: %w", err)
	}
	f.Stages = stages
	return f, nil
}

// CreateFunnel appends the funnel after the organization's last one. Initial
// stages get consecutive positions starting at 0.
func (s *Service) CreateFunnel(ctx context.Context, v access.Viewer, in FunnelInput) (*models.Funnel, error) {
	if !v.IsAdmin() {
		return nil, ErrForbidden
	}
	max, err := s.store.MaxFunnelPosition(ctx, v.OrganizationID)
	if err != nil {
		return nil, fmt.Errorf("allocating funnel position: %w", err)
	}

	f := &models.Funnel{
		OrganizationID: v.OrganizationID,
		Name:           in.Name,
		Description:    in.Description,
		Position:       NextPosition(max),
	}
	stages := make([]models.FunnelStage, len(in.Stages))
	for i, st := range in.Stages {
		stages[i] = models.FunnelStage{Name: st.Name, Color: st.Color, Position: i}
	}
	if err := s.store.CreateFunnel(ctx, f, stages); err != nil {
		return nil, fmt.Errorf("creating funnel: %w", err)
	}
	return f, nil
}

func (s *Service) UpdateFunnel(ctx context.Context, v access.Viewer, id uuid.UUID, name, description *string) (*models.Funnel, error) {
	if !v.IsAdmin() {
		return nil, ErrForbidden
	}
	f, err := s.store.GetFunnel(ctx, v.OrganizationID, id)
	if err != nil {
		return nil, err
	}
	updates := map[string]any{}
	if name != nil {
		updates["name"] = *name
	}
	if description != nil {
		updates["description"] = *description
	}
	if len(updates) > 0 {
		if err := s.store.UpdateFunnel(ctx, f, updates); err != nil {
			return nil, fmt.Errorf("updating funnel: %w", err)
		}
		s.boardChanged(ctx, v.OrganizationID, f.ID)
	}
	return f, nil
}

func (s *Service) DeleteFunnel(ctx context.Context, v access.Viewer, id uuid.UUID) error {
	if !v.IsAdmin() {
		return ErrForbidden
	}
	if err := s.store.DeleteFunnel(ctx, v.OrganizationID, id); err != nil {
		return err
	}
	s.boardChanged(ctx, v.OrganizationID, id)
	return nil
}

// CreateStage appends a stage at the end of the funnel.
func (s *Service) CreateStage(ctx context.Context, v access.Viewer, funnelID uuid.UUID, in StageInput) (*models.FunnelStage, error) {
	if !v.IsAdmin() {
		return nil, ErrForbidden
	}
	if _, err := s.store.GetFunnel(ctx, v.OrganizationID, funnelID); err != nil {
		return nil, err
	}
	max, err := s.store.MaxStagePosition(ctx, funnelID)
	if err != nil {
		return nil, fmt.Errorf("allocating stage position: %w", err)
	}

	st := &models.FunnelStage{
		FunnelID: funnelID,
		Name:     in.Name,
		Color:    in.Color,
		Position: NextPosition(max),
	}
	if err := s.store.CreateStage(ctx, st); err != nil {
		return nil, fmt.Errorf("creating stage: %w", err)
	}
	s.boardChanged(ctx, v.OrganizationID, funnelID)
	return st, nil
}

func (s *Service) UpdateStage(ctx context.Context, v access.Viewer, funnelID, stageID uuid.UUID, name, color *string) (*models.FunnelStage, error) {
	if !v.IsAdmin() {
		return nil, ErrForbidden
	}
	if _, err := s.store.GetFunnel(ctx, v.OrganizationID, funnelID); err != nil {
		return nil, err
	}
	st, err := s.store.GetStage(ctx, funnelID, stageID)
	if err != nil {
		return nil, err
	}
	updates := map[string]any{}
	if name != nil {
		updates["name"] = *name
	}
	if color != nil {
		updates["color"] = *color
	}
	if len(updates) > 0 {
		if err := s.store.UpdateStage(ctx, st, updates); err != nil {
			return nil, fmt.Errorf("updating stage: %w", err)
		}
		s.boardChanged(ctx, v.OrganizationID, funnelID)
	}
	return st, nil
}

// DeleteStage refuses to orphan placements; contacts must be moved first.
func (s *Service) DeleteStage(ctx context.Context, v access.Viewer, funnelID, stageID uuid.UUID) error {
	if !v.IsAdmin() {
		return ErrForbidden
	}
	if _, err := s.store.GetFunnel(ctx, v.OrganizationID, funnelID); err != nil {
		return err
	}
	if _, err := s.store.GetStage(ctx, funnelID, stageID); err != nil {
		return err
	}
	n, err := s.store.CountStageContacts(ctx, stageID)
	if err != nil {
		return fmt.Errorf("counting stage contacts: %w", err)
	}
	if n > 0 {
		return ErrStageNotEmpty
	}
	if err := s.store.DeleteStage(ctx, funnelID, stageID); err != nil {
		return err
	}
	s.boardChanged(ctx, v.OrganizationID, funnelID)
	return nil
}

// AddContact appends a contact to a stage, the funnel's first stage when
// stageID is nil.
func (s *Service) AddContact(ctx context.Context, v access.Viewer, funnelID, contactID uuid.UUID, stageID *uuid.UUID) (*models.FunnelContact, error) {
	if _, err := s.store.GetFunnel(ctx, v.OrganizationID, funnelID); err != nil {
		return nil, err
	}
	ok, err := s.store.ContactExists(ctx, v.OrganizationID, contactID)
	if err != nil {
		return nil, fmt.Errorf("looking up contact: %w", err)
	}
	if !ok {
		return nil, ErrNotFound
	}

	var stage *models.FunnelStage
	if stageID != nil {
		stage, err = s.store.GetStage(ctx, funnelID, *stageID)
		if errors.Is(err, ErrNotFound) {
			return nil, ErrStageMismatch
		}
		if err != nil {
			return nil, err
		}
	} else {
		stages, err := s.store.ListStages(ctx, funnelID)
		if err != nil {
			return nil, fmt.Errorf("listing stages: %w", err)
		}
		if len(stages) == 0 {
			return nil, ErrNoStages
		}
		stage = &stages[0]
	}

	dup, err := s.store.ContactInFunnel(ctx, funnelID, contactID)
	if err != nil {
		return nil, fmt.Errorf("checking funnel membership: %w", err)
	}
	if dup {
		return nil, ErrAlreadyInFunnel
	}

	max, err := s.store.MaxContactPosition(ctx, stage.ID)
	if err != nil {
		return nil, fmt.Errorf("allocating contact position: %w", err)
	}
	fc := &models.FunnelContact{
		OrganizationID: v.OrganizationID,
		FunnelID:       funnelID,
		ContactID:      contactID,
		StageID:        stage.ID,
		Position:       NextPosition(max),
	}
	if err := s.store.CreateFunnelContact(ctx, fc); err != nil {
		return nil, fmt.Errorf("adding contact to funnel: %w", err)
	}
	s.boardChanged(ctx, v.OrganizationID, funnelID)
	return fc, nil
}

func (s *Service) RemoveContact(ctx context.Context, v access.Viewer, funnelContactID uuid.UUID) error {
	fc, err := s.store.DeleteFunnelContact(ctx, v.OrganizationID, funnelContactID)
	if err != nil {
		return err
	}
	s.boardChanged(ctx, v.OrganizationID, fc.FunnelID)
	return nil
}

// ContactChanged drops the boards that display a contact after its card data
// changed.
func (s *Service) ContactChanged(ctx context.Context, orgID, contactID uuid.UUID) {
	funnels, err := s.store.FunnelsOfContact(ctx, orgID, contactID)
	if err != nil {
		s.logger.Warn("looking up funnels of contact", "contact_id", contactID, "error", err)
		return
	}
	for _, id := range funnels {
		s.boardChanged(ctx, orgID, id)
	}
}

func (s *Service) boardChanged(ctx context.Context, orgID, funnelID uuid.UUID) {
	if err := s.mirror.Invalidate(ctx, BoardKey(funnelID)); err != nil {
		s.logger.Warn("invalidating funnel board", "funnel_id", funnelID, "error", err)
	}
	e := realtime.NewEvent(realtime.EventFunnelUpdated, orgID, map[string]uuid.UUID{"funnel_id": funnelID})
	if err := s.events.Publish(ctx, e); err != nil {
		s.logger.Warn("publishing funnel update", "funnel_id", funnelID, "error", err)
	}
}
