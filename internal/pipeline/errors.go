package pipeline

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrForbidden       = errors.New("forbidden")
	ErrStageMismatch   = errors.New("stage does not belong to the funnel")
	ErrInvalidPosition = errors.New("invalid position")
	ErrDuplicateID     = errors.New("duplicate id in reorder list")
	ErrAlreadyInFunnel = errors.New("contact already in funnel")
	ErrNoStages        = errors.New("funnel has no stages")
	ErrStageNotEmpty   = errors.New("stage still holds contacts")
)

// PhaseError reports which write of a move failed. A failure in MovePlacing
// leaves the row parked at SentinelPosition in its original stage.
type PhaseError struct {
	Phase MoveState
	Err   error
}

func (e *PhaseError) Error() string {
	return fmt.Sprintf("move %s: %v", e.Phase, e.Err)
}

func (e *PhaseError) Unwrap() error {
	return e.Err
}
