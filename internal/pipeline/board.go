package pipeline

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/skytide-ai/skytide-nexus-crm-sub001/internal/access"
	"github.com/skytide-ai/skytide-nexus-crm-sub001/internal/database/models"
	"github.com/skytide-ai/skytide-nexus-crm-sub001/internal/mirror"
)

type Board struct {
	Funnel models.Funnel `json:"funnel"`
	Stages []BoardStage  `json:"stages"`
}

type BoardStage struct {
	models.FunnelStage
	Contacts []models.FunnelContact `json:"contacts"`
}

// Card of a placement, nil when it is not on the board.
func (b *Board) Card(funnelContactID uuid.UUID) *models.FunnelContact {
	for i := range b.Stages {
		for j := range b.Stages[i].Contacts {
			if b.Stages[i].Contacts[j].ID == funnelContactID {
				return &b.Stages[i].Contacts[j]
			}
		}
	}
	return nil
}

// Board returns the stages of a funnel in position order, each with its
// contacts in position order. The tenancy check always hits the store; the
// board itself is served from the mirror.
func (s *Service) Board(ctx context.Context, v access.Viewer, funnelID uuid.UUID) (*Board, error) {
	f, err := s.store.GetFunnel(ctx, v.OrganizationID, funnelID)
	if err != nil {
		return nil, err
	}
	b, err := mirror.Fetch(ctx, s.mirror, BoardKey(funnelID), func(ctx context.Context) (Board, error) {
		return s.buildBoard(ctx, *f)
	})
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func (s *Service) buildBoard(ctx context.Context, f models.Funnel) (Board, error) {
	stages, err := s.store.ListStages(ctx, f.ID)
	if err != nil {
		return Board{}, fmt.Errorf("listing stages: %w", err)
	}
	placements, err := s.store.ListFunnelContacts(ctx, f.ID)
	if err != nil {
		return Board{}, fmt.Errorf("listing funnel contacts: %w", err)
	}

	b := Board{Funnel: f, Stages: make([]BoardStage, len(stages))}
	index := make(map[uuid.UUID]int, len(stages))
	for i, st := range stages {
		b.Stages[i] = BoardStage{FunnelStage: st, Contacts: []models.FunnelContact{}}
		index[st.ID] = i
	}
	// placements arrive ordered by position, created_at, id
	for _, fc := range placements {
		i, ok := index[fc.StageID]
		if !ok {
			continue
		}
		b.Stages[i].Contacts = append(b.Stages[i].Contacts, fc)
	}
	return b, nil
}
