package notifications

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skytide-ai/skytide-nexus-crm-sub001/internal/access"
	"github.com/skytide-ai/skytide-nexus-crm-sub001/internal/database/models"
	"github.com/skytide-ai/skytide-nexus-crm-sub001/internal/mirror"
	"github.com/skytide-ai/skytide-nexus-crm-sub001/internal/realtime"
	"github.com/skytide-ai/skytide-nexus-crm-sub001/internal/testutil"
	"github.com/skytide-ai/skytide-nexus-crm-sub001/pkg/util"
)

// countingStore records every MarkRead call and can be told to fail them.
type countingStore struct {
	*GormStore
	calls [][]uuid.UUID
	fail  error
}

func (s *countingStore) MarkRead(ctx context.Context, v access.Viewer, ids []uuid.UUID, at time.Time) (int64, error) {
	s.calls = append(s.calls, append([]uuid.UUID(nil), ids...))
	if s.fail != nil {
		return 0, s.fail
	}
	return s.GormStore.MarkRead(ctx, v, ids, at)
}

type recorder struct {
	events []realtime.Event
}

func (r *recorder) Publish(_ context.Context, e realtime.Event) error {
	r.events = append(r.events, e)
	return nil
}

type fixture struct {
	ts      *testutil.TestSetup
	store   *countingStore
	mirror  *mirror.Mirror
	events  *recorder
	tracker *Tracker
	member  access.Viewer
	admin   access.Viewer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ts := testutil.NewTestContext(t)
	member, _ := ts.AddUser(t, models.RoleMember)

	fx := &fixture{
		ts:     ts,
		store:  &countingStore{GormStore: NewGormStore(ts.DB)},
		mirror: mirror.New(mirror.NewMemoryBackend(), time.Minute),
		events: &recorder{},
		member: access.ViewerOf(member),
		admin:  ts.Viewer(),
	}
	fx.tracker = NewTracker(fx.store, fx.mirror, fx.events, util.DiscardLogger())
	fx.tracker.async = func(f func()) { f() }
	return fx
}

func (fx *fixture) isRead(t *testing.T, id uuid.UUID) bool {
	t.Helper()
	var n models.Notification
	require.NoError(t, fx.ts.DB.First(&n, "id = ?", id).Error)
	return n.IsRead
}

func TestCanSee(t *testing.T) {
	org := uuid.New()
	member := access.Viewer{UserID: uuid.New(), OrganizationID: org, Role: models.RoleMember}
	admin := access.Viewer{UserID: uuid.New(), OrganizationID: org, Role: models.RoleAdmin}
	other := uuid.New()

	mine := models.Notification{OrganizationID: org, UserID: &member.UserID}
	theirs := models.Notification{OrganizationID: org, UserID: &other}
	orgWide := models.Notification{OrganizationID: org}
	foreign := models.Notification{OrganizationID: uuid.New(), UserID: &member.UserID}

	assert.True(t, CanSee(member, mine))
	assert.False(t, CanSee(member, theirs))
	assert.False(t, CanSee(member, orgWide))
	assert.False(t, CanSee(member, foreign))

	assert.True(t, CanSee(admin, mine))
	assert.True(t, CanSee(admin, theirs))
	assert.True(t, CanSee(admin, orgWide))
	assert.False(t, CanSee(admin, foreign))
}

func TestList_AppliesVisibility(t *testing.T) {
	fx := newFixture(t)
	ctx := testutil.TestContext(t)
	db, org := fx.ts.DB, fx.ts.Org.ID

	testutil.CreateTestNotification(t, db, org, &fx.member.UserID, "for member", false)
	testutil.CreateTestNotification(t, db, org, &fx.admin.UserID, "for admin", false)
	testutil.CreateTestNotification(t, db, org, nil, "org wide", false)
	testutil.CreateTestNotification(t, db, uuid.New(), &fx.member.UserID, "elsewhere", false)

	mine, err := fx.tracker.List(ctx, fx.member)
	require.NoError(t, err)
	require.Len(t, mine.Items, 1)
	assert.Equal(t, "for member", mine.Items[0].Title)

	all, err := fx.tracker.List(ctx, fx.admin)
	require.NoError(t, err)
	assert.Len(t, all.Items, 3)
	assert.Equal(t, "org wide", all.Items[0].Title, "newest first")
	for _, n := range all.Items {
		assert.True(t, CanSee(fx.admin, n))
	}

	cached, ok, err := mirror.Peek[Snapshot](ctx, fx.mirror, Key(fx.admin))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Len(t, cached.Items, 3)
}

func TestMarkAsRead(t *testing.T) {
	fx := newFixture(t)
	ctx := testutil.TestContext(t)
	db, org := fx.ts.DB, fx.ts.Org.ID

	unread := testutil.CreateTestNotification(t, db, org, &fx.member.UserID, "unread", false)
	read := testutil.CreateTestNotification(t, db, org, &fx.member.UserID, "read", true)
	hidden := testutil.CreateTestNotification(t, db, org, &fx.admin.UserID, "hidden", false)

	_, err := fx.tracker.List(ctx, fx.member)
	require.NoError(t, err)

	t.Run("marks one and keeps the count consistent", func(t *testing.T) {
		snap, err := fx.tracker.MarkAsRead(ctx, fx.member, unread.ID)
		require.NoError(t, err)
		assert.Equal(t, 0, snap.UnreadCount())
		assert.True(t, fx.isRead(t, unread.ID))
		require.Len(t, fx.store.calls, 1)
		assert.Equal(t, []uuid.UUID{unread.ID}, fx.store.calls[0])
	})

	t.Run("already read issues no write", func(t *testing.T) {
		before := len(fx.store.calls)
		snap, err := fx.tracker.MarkAsRead(ctx, fx.member, read.ID)
		require.NoError(t, err)
		assert.Len(t, fx.store.calls, before)
		assert.True(t, fx.isRead(t, read.ID))
		i, ok := snap.find(read.ID)
		require.True(t, ok)
		assert.True(t, snap.Items[i].IsRead)

		// repeating the first mark is a no-op as well
		_, err = fx.tracker.MarkAsRead(ctx, fx.member, unread.ID)
		require.NoError(t, err)
		assert.Len(t, fx.store.calls, before)
	})

	t.Run("invisible notification is not found", func(t *testing.T) {
		before := len(fx.store.calls)
		_, err := fx.tracker.MarkAsRead(ctx, fx.member, hidden.ID)
		assert.ErrorIs(t, err, ErrNotFound)
		assert.Len(t, fx.store.calls, before)
		assert.False(t, fx.isRead(t, hidden.ID))
	})

	t.Run("outside the loaded window goes to the store", func(t *testing.T) {
		late := testutil.CreateTestNotification(t, db, org, &fx.member.UserID, "late", false)
		_, err := fx.tracker.MarkAsRead(ctx, fx.member, late.ID)
		require.NoError(t, err)
		assert.True(t, fx.isRead(t, late.ID))
	})
}

func TestMarkAsRead_WriteFailureDropsOptimisticState(t *testing.T) {
	fx := newFixture(t)
	ctx := testutil.TestContext(t)
	n := testutil.CreateTestNotification(t, fx.ts.DB, fx.ts.Org.ID, &fx.member.UserID, "n", false)

	_, err := fx.tracker.List(ctx, fx.member)
	require.NoError(t, err)

	fx.store.fail = errors.New("write rejected")
	_, err = fx.tracker.MarkAsRead(ctx, fx.member, n.ID)
	require.Error(t, err)

	_, loaded, err := mirror.Peek[Snapshot](ctx, fx.mirror, Key(fx.member))
	require.NoError(t, err)
	assert.False(t, loaded, "optimistic patch must not survive a failed write")

	fx.store.fail = nil
	count, err := fx.tracker.UnreadCount(ctx, fx.member)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestMarkAllAsRead_OnlyLoadedSet(t *testing.T) {
	fx := newFixture(t)
	ctx := testutil.TestContext(t)
	db, org := fx.ts.DB, fx.ts.Org.ID

	a := testutil.CreateTestNotification(t, db, org, &fx.member.UserID, "A", false)
	b := testutil.CreateTestNotification(t, db, org, &fx.member.UserID, "B", true)
	c := testutil.CreateTestNotification(t, db, org, &fx.member.UserID, "C", false)

	loaded, err := fx.tracker.List(ctx, fx.member)
	require.NoError(t, err)
	require.Len(t, loaded.Items, 3)
	var bBefore models.Notification
	require.NoError(t, db.First(&bBefore, "id = ?", b.ID).Error)

	// D arrives after the set was loaded
	d := testutil.CreateTestNotification(t, db, org, &fx.member.UserID, "D", false)

	snap, sent, err := fx.tracker.MarkAllAsRead(ctx, fx.member)
	require.NoError(t, err)
	assert.Equal(t, 2, sent)
	require.Len(t, fx.store.calls, 1)
	assert.ElementsMatch(t, []uuid.UUID{a.ID, c.ID}, fx.store.calls[0])
	assert.Equal(t, 0, snap.UnreadCount())

	assert.True(t, fx.isRead(t, a.ID))
	assert.True(t, fx.isRead(t, c.ID))
	assert.False(t, fx.isRead(t, d.ID))

	var bAfter models.Notification
	require.NoError(t, db.First(&bAfter, "id = ?", b.ID).Error)
	require.NotNil(t, bAfter.ReadAt)
	assert.True(t, bBefore.ReadAt.Equal(*bAfter.ReadAt), "B must not be rewritten")

	// reconciliation reloads the set, which now holds D, still unread
	count, err := fx.tracker.UnreadCount(ctx, fx.member)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestMarkAllAsRead_SingleRequestScenario(t *testing.T) {
	fx := newFixture(t)
	ctx := testutil.TestContext(t)
	first := testutil.CreateTestNotification(t, fx.ts.DB, fx.ts.Org.ID, &fx.member.UserID, "1", false)
	second := testutil.CreateTestNotification(t, fx.ts.DB, fx.ts.Org.ID, &fx.member.UserID, "2", true)

	_, err := fx.tracker.List(ctx, fx.member)
	require.NoError(t, err)

	// keep the mirror as patched, without the reconcile refetch
	fx.tracker.async = func(func()) {}

	snap, _, err := fx.tracker.MarkAllAsRead(ctx, fx.member)
	require.NoError(t, err)

	require.Len(t, fx.store.calls, 1)
	assert.Equal(t, []uuid.UUID{first.ID}, fx.store.calls[0])

	cached, ok, err := mirror.Peek[Snapshot](ctx, fx.mirror, Key(fx.member))
	require.NoError(t, err)
	require.True(t, ok)
	for _, s := range []Snapshot{snap, cached} {
		require.Len(t, s.Items, 2)
		for _, n := range s.Items {
			assert.True(t, n.IsRead, n.ID)
		}
		assert.Equal(t, 0, s.UnreadCount())
	}
	_, ok = cached.find(second.ID)
	assert.True(t, ok)
}

func TestMarkAllAsRead_NothingUnread(t *testing.T) {
	fx := newFixture(t)
	ctx := testutil.TestContext(t)
	testutil.CreateTestNotification(t, fx.ts.DB, fx.ts.Org.ID, &fx.member.UserID, "done", true)

	_, sent, err := fx.tracker.MarkAllAsRead(ctx, fx.member)
	require.NoError(t, err)
	assert.Zero(t, sent)
	assert.Empty(t, fx.store.calls)
}

func TestMarkAllAsRead_MemberCannotTouchOthers(t *testing.T) {
	fx := newFixture(t)
	ctx := testutil.TestContext(t)
	mine := testutil.CreateTestNotification(t, fx.ts.DB, fx.ts.Org.ID, &fx.member.UserID, "mine", false)
	orgWide := testutil.CreateTestNotification(t, fx.ts.DB, fx.ts.Org.ID, nil, "org", false)

	_, _, err := fx.tracker.MarkAllAsRead(ctx, fx.member)
	require.NoError(t, err)
	assert.True(t, fx.isRead(t, mine.ID))
	assert.False(t, fx.isRead(t, orgWide.ID))

	// an id outside the viewer's visibility is filtered by the write itself
	n, err := fx.store.GormStore.MarkRead(ctx, fx.member, []uuid.UUID{orgWide.ID}, time.Now())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestNotify_PublishesToAudience(t *testing.T) {
	fx := newFixture(t)
	ctx := testutil.TestContext(t)

	n := &models.Notification{
		OrganizationID: fx.ts.Org.ID,
		UserID:         &fx.member.UserID,
		Type:           models.NotificationAppointmentReminder,
		Title:          "Reminder",
	}
	require.NoError(t, fx.tracker.Notify(ctx, n))
	assert.NotEqual(t, uuid.Nil, n.ID)

	require.Len(t, fx.events.events, 1)
	e := fx.events.events[0]
	assert.Equal(t, realtime.EventNotificationCreated, e.Type)
	assert.True(t, e.DeliverableTo(fx.member))
	assert.True(t, e.DeliverableTo(fx.admin))

	unread, err := fx.store.CountUnread(ctx, fx.member)
	require.NoError(t, err)
	assert.Equal(t, int64(1), unread)
}

// patchDuringLoad reads the visible set, then lets another writer touch the
// loaded set before the read is kept.
type patchDuringLoad struct {
	*GormStore
	during func()
}

func (s *patchDuringLoad) ListVisible(ctx context.Context, v access.Viewer, limit int) ([]models.Notification, error) {
	items, err := s.GormStore.ListVisible(ctx, v, limit)
	if s.during != nil {
		during := s.during
		s.during = nil
		during()
	}
	return items, err
}

func TestList_DoesNotOverwriteANewerPatch(t *testing.T) {
	fx := newFixture(t)
	ctx := testutil.TestContext(t)
	n := testutil.CreateTestNotification(t, fx.ts.DB, fx.ts.Org.ID, &fx.member.UserID, "hello", false)

	_, err := fx.tracker.List(ctx, fx.member)
	require.NoError(t, err)

	racing := &patchDuringLoad{GormStore: NewGormStore(fx.ts.DB)}
	racing.during = func() {
		_, patched, err := mirror.Patch(ctx, fx.mirror, Key(fx.member), func(s Snapshot) Snapshot {
			return s.markRead(map[uuid.UUID]bool{n.ID: true}, time.Now())
		})
		require.NoError(t, err)
		require.True(t, patched)
	}
	tracker := NewTracker(racing, fx.mirror, nil, util.DiscardLogger())

	stale, err := tracker.List(ctx, fx.member)
	require.NoError(t, err)
	require.Len(t, stale.Items, 1)
	assert.False(t, stale.Items[0].IsRead)

	cached, ok, err := mirror.Peek[Snapshot](ctx, fx.mirror, Key(fx.member))
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, cached.Items[0].IsRead, "the optimistic mark survives the older load")
	assert.Equal(t, 0, cached.UnreadCount())
}
