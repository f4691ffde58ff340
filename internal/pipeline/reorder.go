package pipeline

import (
	"context"

	"github.com/google/uuid"

	"github.com/skytide-ai/skytide-nexus-crm-sub001/internal/access"
)

func validateUpdates(updates []PositionUpdate) error {
	seen := make(map[uuid.UUID]bool, len(updates))
	for _, u := range updates {
		if u.Position < 0 || u.Position >= SentinelPosition {
			return ErrInvalidPosition
		}
		if seen[u.ID] {
			return ErrDuplicateID
		}
		seen[u.ID] = true
	}
	return nil
}

// ReorderStages applies every new position at once or none of them. An empty
// list succeeds without touching the store.
func (s *Service) ReorderStages(ctx context.Context, v access.Viewer, funnelID uuid.UUID, updates []PositionUpdate) error {
	if !v.IsAdmin() {
		return ErrForbidden
	}
	if len(updates) == 0 {
		return nil
	}
	if err := validateUpdates(updates); err != nil {
		return err
	}
	if _, err := s.store.GetFunnel(ctx, v.OrganizationID, funnelID); err != nil {
		return err
	}
	if err := s.store.UpsertStagePositions(ctx, funnelID, updates); err != nil {
		return err
	}
	s.boardChanged(ctx, v.OrganizationID, funnelID)
	return nil
}

func (s *Service) ReorderFunnels(ctx context.Context, v access.Viewer, updates []PositionUpdate) error {
	if !v.IsAdmin() {
		return ErrForbidden
	}
	if len(updates) == 0 {
		return nil
	}
	if err := validateUpdates(updates); err != nil {
		return err
	}
	return s.store.UpsertFunnelPositions(ctx, v.OrganizationID, updates)
}
