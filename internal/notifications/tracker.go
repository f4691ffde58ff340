// Package notifications tracks which in-app notifications a user has read.
package notifications

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/skytide-ai/skytide-nexus-crm-sub001/internal/access"
	"github.com/skytide-ai/skytide-nexus-crm-sub001/internal/database/models"
	"github.com/skytide-ai/skytide-nexus-crm-sub001/internal/mirror"
	"github.com/skytide-ai/skytide-nexus-crm-sub001/internal/realtime"
)

var ErrNotFound = errors.New("notification not found")

const (
	DefaultLimit     = 50
	reconcileTimeout = 10 * time.Second
)

// Snapshot is the loaded notification set of one viewer, newest first.
type Snapshot struct {
	Items []models.Notification `json:"items"`
}

// UnreadCount is derived from the items every time; it is never stored.
func (s Snapshot) UnreadCount() int {
	n := 0
	for _, item := range s.Items {
		if !item.IsRead {
			n++
		}
	}
	return n
}

func (s Snapshot) find(id uuid.UUID) (int, bool) {
	for i := range s.Items {
		if s.Items[i].ID == id {
			return i, true
		}
	}
	return -1, false
}

func (s Snapshot) markRead(ids map[uuid.UUID]bool, at time.Time) Snapshot {
	items := make([]models.Notification, len(s.Items))
	copy(items, s.Items)
	for i := range items {
		if ids[items[i].ID] && !items[i].IsRead {
			items[i].IsRead = true
			readAt := at
			items[i].ReadAt = &readAt
		}
	}
	return Snapshot{Items: items}
}

// Tracker serves a viewer's notifications from the mirror and applies read
// marks optimistically: the mirror is patched first, the store written second
// and the mirror reconciled with the store afterwards.
type Tracker struct {
	store  Store
	mirror *mirror.Mirror
	events realtime.Publisher
	logger *slog.Logger
	limit  int

	now func() time.Time
	// runs reconciliation; tests swap in a synchronous runner
	async func(func())
}

func NewTracker(store Store, m *mirror.Mirror, events realtime.Publisher, logger *slog.Logger) *Tracker {
	if events == nil {
		events = realtime.Discard
	}
	return &Tracker{
		store:  store,
		mirror: m,
		events: events,
		logger: logger,
		limit:  DefaultLimit,
		now:    func() time.Time { return time.Now().UTC() },
		async:  func(f func()) { go f() },
	}
}

// Key is the mirror key of a viewer's notification set. The role is part of
// the key because it decides which notifications are visible.
func Key(v access.Viewer) string {
	return "notifications:" + v.OrganizationID.String() + ":" + v.UserID.String() + ":" + string(v.Role)
}

// List loads the visible set from the store and makes it the loaded set.
// A load that raced with a patch or invalidation of the same set is returned
// but not kept, so it never overwrites newer optimistic state.
func (t *Tracker) List(ctx context.Context, v access.Viewer) (Snapshot, error) {
	snap, stored, err := mirror.Refresh(ctx, t.mirror, Key(v), func(ctx context.Context) (Snapshot, error) {
		items, err := t.store.ListVisible(ctx, v, t.limit)
		if err != nil {
			return Snapshot{}, fmt.Errorf("listing notifications: %w", err)
		}
		if items == nil {
			items = []models.Notification{}
		}
		return Snapshot{Items: items}, nil
	})
	if err != nil {
		return Snapshot{}, err
	}
	if !stored {
		t.logger.Debug("notification set changed while loading", "user_id", v.UserID)
	}
	return snap, nil
}

// Loaded returns the set the viewer currently holds, loading it on a miss.
func (t *Tracker) Loaded(ctx context.Context, v access.Viewer) (Snapshot, error) {
	snap, ok, err := mirror.Peek[Snapshot](ctx, t.mirror, Key(v))
	if err == nil && ok {
		return snap, nil
	}
	return t.List(ctx, v)
}

// MarkAsRead marks one notification. A notification the loaded set already
// shows as read triggers no write.
func (t *Tracker) MarkAsRead(ctx context.Context, v access.Viewer, id uuid.UUID) (Snapshot, error) {
	snap, err := t.Loaded(ctx, v)
	if err != nil {
		return Snapshot{}, err
	}

	if i, ok := snap.find(id); ok {
		if snap.Items[i].IsRead {
			return snap, nil
		}
	} else {
		// Not in the loaded window; the store decides whether it exists.
		n, err := t.store.FindVisible(ctx, v, id)
		if err != nil {
			return Snapshot{}, err
		}
		if n.IsRead {
			return snap, nil
		}
	}

	now := t.now()
	next, _, err := mirror.Patch(ctx, t.mirror, Key(v), func(s Snapshot) Snapshot {
		return s.markRead(map[uuid.UUID]bool{id: true}, now)
	})
	if err != nil {
		t.logger.Warn("patching notification mirror", "user_id", v.UserID, "error", err)
		next = snap.markRead(map[uuid.UUID]bool{id: true}, now)
	}

	if _, err := t.store.MarkRead(ctx, v, []uuid.UUID{id}, now); err != nil {
		t.rollback(ctx, v)
		return Snapshot{}, fmt.Errorf("marking notification read: %w", err)
	}
	t.reconcile(v)
	return next, nil
}

// MarkAllAsRead marks the unread notifications of the loaded set, and only
// those, with a single write. Notifications that arrived after the set was
// loaded stay unread. Returns the updated set and how many ids were sent.
func (t *Tracker) MarkAllAsRead(ctx context.Context, v access.Viewer) (Snapshot, int, error) {
	snap, err := t.Loaded(ctx, v)
	if err != nil {
		return Snapshot{}, 0, err
	}

	ids := make([]uuid.UUID, 0, len(snap.Items))
	set := make(map[uuid.UUID]bool, len(snap.Items))
	for _, n := range snap.Items {
		if !n.IsRead {
			ids = append(ids, n.ID)
			set[n.ID] = true
		}
	}
	if len(ids) == 0 {
		return snap, 0, nil
	}

	now := t.now()
	next, _, err := mirror.Patch(ctx, t.mirror, Key(v), func(s Snapshot) Snapshot {
		return s.markRead(set, now)
	})
	if err != nil {
		t.logger.Warn("patching notification mirror", "user_id", v.UserID, "error", err)
		next = snap.markRead(set, now)
	}

	if _, err := t.store.MarkRead(ctx, v, ids, now); err != nil {
		t.rollback(ctx, v)
		return Snapshot{}, 0, fmt.Errorf("marking notifications read: %w", err)
	}
	t.reconcile(v)
	return next, len(ids), nil
}

// UnreadCount of the loaded set.
func (t *Tracker) UnreadCount(ctx context.Context, v access.Viewer) (int, error) {
	snap, err := t.Loaded(ctx, v)
	if err != nil {
		return 0, err
	}
	return snap.UnreadCount(), nil
}

// Notify stores a notification and announces it to whoever can see it. The
// loaded sets are left alone; clients refetch on the event.
func (t *Tracker) Notify(ctx context.Context, n *models.Notification) error {
	if err := t.store.Create(ctx, n); err != nil {
		return fmt.Errorf("creating notification: %w", err)
	}
	e := realtime.NewEvent(realtime.EventNotificationCreated, n.OrganizationID, n).For(n.UserID)
	if err := t.events.Publish(ctx, e); err != nil {
		t.logger.Warn("publishing notification", "notification_id", n.ID, "error", err)
	}
	return nil
}

// rollback drops the optimistic state after a failed write.
func (t *Tracker) rollback(ctx context.Context, v access.Viewer) {
	if err := t.mirror.Invalidate(ctx, Key(v)); err != nil {
		t.logger.Warn("invalidating notification mirror", "user_id", v.UserID, "error", err)
	}
}

func (t *Tracker) reconcile(v access.Viewer) {
	t.async(func() {
		ctx, cancel := context.WithTimeout(context.Background(), reconcileTimeout)
		defer cancel()
		if _, err := t.List(ctx, v); err != nil {
			t.logger.Warn("reconciling notifications", "user_id", v.UserID, "error", err)
		}
	})
}
