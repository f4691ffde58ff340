package realtime

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/skytide-ai/skytide-nexus-crm-sub001/internal/access"
)

const subscriberBuffer = 32

type subscriber struct {
	viewer access.Viewer
	ch     chan Event
}

// Hub delivers events to the subscribers connected to this process. Slow
// subscribers lose events instead of blocking publishers.
type Hub struct {
	mu     sync.RWMutex
	subs   map[uuid.UUID]map[*subscriber]struct{}
	logger *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		subs:   make(map[uuid.UUID]map[*subscriber]struct{}),
		logger: logger,
	}
}

// Subscribe returns the event stream for v and a function that ends it.
func (h *Hub) Subscribe(v access.Viewer) (<-chan Event, func()) {
	s := &subscriber{viewer: v, ch: make(chan Event, subscriberBuffer)}

	h.mu.Lock()
	if h.subs[v.OrganizationID] == nil {
		h.subs[v.OrganizationID] = make(map[*subscriber]struct{})
	}
	h.subs[v.OrganizationID][s] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs[v.OrganizationID], s)
			if len(h.subs[v.OrganizationID]) == 0 {
				delete(h.subs, v.OrganizationID)
			}
			h.mu.Unlock()
			close(s.ch)
		})
	}
}

func (h *Hub) Publish(_ context.Context, e Event) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for s := range h.subs[e.OrganizationID] {
		if !e.DeliverableTo(s.viewer) {
			continue
		}
		select {
		case s.ch <- e:
		default:
			h.logger.Warn("dropping realtime event for slow subscriber",
				"type", e.Type, "user_id", s.viewer.UserID)
		}
	}
	return nil
}

// Subscribers counts live subscriptions of an organization.
func (h *Hub) Subscribers(orgID uuid.UUID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[orgID])
}
