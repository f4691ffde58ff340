package pipeline

import (
	"context"
	"errors"
	"math"

	"github.com/google/uuid"

	"github.com/skytide-ai/skytide-nexus-crm-sub001/internal/access"
	"github.com/skytide-ai/skytide-nexus-crm-sub001/internal/database/models"
)

// SentinelPosition parks a row between the two writes of a move. Real
// positions are always lower.
const SentinelPosition = math.MaxInt32

type MoveState string

const (
	MoveStable   MoveState = "stable"
	MoveVacating MoveState = "vacating"
	MovePlacing  MoveState = "placing"
)

// StateOf reports a row parked at the sentinel as vacating: its first write
// landed and its placement is still owed.
func StateOf(fc models.FunnelContact) MoveState {
	if fc.Position == SentinelPosition {
		return MoveVacating
	}
	return MoveStable
}

type MoveInput struct {
	FunnelContactID uuid.UUID
	StageID         uuid.UUID
	Position        int
}

// MoveContact relocates a placement in two ordered writes: it first parks the
// row at SentinelPosition, then sets the target stage and position. The
// writes are not wrapped in a transaction; if the second one fails the row
// stays parked in its original stage and the next move resolves it. Siblings
// are not renumbered, and concurrent moves of one row resolve last write wins.
func (s *Service) MoveContact(ctx context.Context, v access.Viewer, in MoveInput) (*models.FunnelContact, error) {
	if in.Position < 0 || in.Position >= SentinelPosition {
		return nil, ErrInvalidPosition
	}

	fc, err := s.store.GetFunnelContact(ctx, v.OrganizationID, in.FunnelContactID)
	if err != nil {
		return nil, err
	}
	if _, err := s.store.GetStage(ctx, fc.FunnelID, in.StageID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrStageMismatch
		}
		return nil, err
	}

	log := s.logger.With("funnel_contact_id", fc.ID, "funnel_id", fc.FunnelID)

	log.Debug("move transition", "state", MoveVacating, "from_stage", fc.StageID, "from_position", fc.Position)
	if err := s.store.SetContactPosition(ctx, fc.ID, SentinelPosition); err != nil {
		return nil, &PhaseError{Phase: MoveVacating, Err: err}
	}

	log.Debug("move transition", "state", MovePlacing, "to_stage", in.StageID, "to_position", in.Position)
	err = s.store.PlaceContact(ctx, Placement{
		ID:        fc.ID,
		FunnelID:  fc.FunnelID,
		ContactID: fc.ContactID,
		StageID:   in.StageID,
		Position:  in.Position,
	})
	if err != nil {
		log.Error("move placement failed, row left at sentinel", "error", err)
		// The vacate landed; the board must show it.
		s.boardChanged(ctx, v.OrganizationID, fc.FunnelID)
		return nil, &PhaseError{Phase: MovePlacing, Err: err}
	}

	fc.StageID = in.StageID
	fc.Position = in.Position
	log.Debug("move transition", "state", MoveStable)

	s.boardChanged(ctx, v.OrganizationID, fc.FunnelID)
	return fc, nil
}
