package window

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"smallbiznis-licensing/pkg/db/pagination"
	"smallbiznis-licensing/services/testutil"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

var base = time.Date(2025, 10, 16, 12, 0, 0, 0, time.UTC)

func newWindow(t *testing.T) (*SlidingWindow, *quartz.Mock) {
	t.Helper()
	db := testutil.NewTestDB(t, &Execution{})
	clock := quartz.NewMock(t)
	clock.Set(base)
	return New(Params{DB: db, Clock: clock}), clock
}

func insertAt(t *testing.T, w *SlidingWindow, clock *quartz.Mock, at time.Time, userID, appID string) *Execution {
	t.Helper()
	prev := clock.Now()
	clock.Set(at)
	e := &Execution{
		ID:             fmt.Sprintf("%s-%s-%d", userID, appID, at.UnixNano()),
		UserID:         userID,
		ApplicationID:  appID,
		JobReferenceID: "job",
	}
	require.NoError(t, w.Insert(context.Background(), e))
	clock.Set(prev)
	return e
}

func TestCountActiveIncludesRecordAtCutoff(t *testing.T) {
	w, clock := newWindow(t)
	ctx := context.Background()

	insertAt(t, w, clock, base.Add(-Size), "u1", "a1")

	n, err := w.CleanExpired(ctx, "u1", "a1")
	require.NoError(t, err)
	require.Zero(t, n)

	count, err := w.CountActive(ctx, "u1", "a1")
	require.NoError(t, err)
	require.EqualValues(t, 1, count)

	clock.Advance(time.Nanosecond)

	n, err = w.CleanExpired(ctx, "u1", "a1")
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	count, err = w.CountActive(ctx, "u1", "a1")
	require.NoError(t, err)
	require.Zero(t, count)
}

func TestCleanExpiredIsIdempotent(t *testing.T) {
	w, clock := newWindow(t)
	ctx := context.Background()

	insertAt(t, w, clock, base.Add(-30*time.Hour), "u1", "a1")
	insertAt(t, w, clock, base.Add(-25*time.Hour), "u1", "a1")
	insertAt(t, w, clock, base.Add(-time.Hour), "u1", "a1")

	n, err := w.CleanExpired(ctx, "u1", "a1")
	require.NoError(t, err)
	require.EqualValues(t, 2, n)

	n, err = w.CleanExpired(ctx, "u1", "a1")
	require.NoError(t, err)
	require.Zero(t, n)

	var rows int64
	require.NoError(t, w.db.Model(&Execution{}).Count(&rows).Error)
	require.EqualValues(t, 3, rows, "cleanup never deletes")
}

func TestCleanExpiredOnlyTouchesPair(t *testing.T) {
	w, clock := newWindow(t)
	ctx := context.Background()

	insertAt(t, w, clock, base.Add(-30*time.Hour), "u1", "a1")
	insertAt(t, w, clock, base.Add(-30*time.Hour), "u1", "a2")
	insertAt(t, w, clock, base.Add(-30*time.Hour), "u2", "a1")

	n, err := w.CleanExpired(ctx, "u1", "a1")
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	var active int64
	require.NoError(t, w.db.Model(&Execution{}).Where("is_active = ?", true).Count(&active).Error)
	require.EqualValues(t, 2, active)
}

func TestCanAdmit(t *testing.T) {
	w, clock := newWindow(t)
	ctx := context.Background()

	ok, err := w.CanAdmit(ctx, "u1", "a1", 0)
	require.NoError(t, err)
	require.False(t, ok, "zero quota never admits")

	insertAt(t, w, clock, base.Add(-23*time.Hour), "u1", "a1")
	insertAt(t, w, clock, base.Add(-time.Hour), "u1", "a1")

	ok, err = w.CanAdmit(ctx, "u1", "a1", 2)
	require.NoError(t, err)
	require.False(t, ok)

	clock.Advance(time.Hour + time.Second)

	ok, err = w.CanAdmit(ctx, "u1", "a1", 2)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestSnapshot(t *testing.T) {
	w, clock := newWindow(t)
	ctx := context.Background()

	insertAt(t, w, clock, base.Add(-48*time.Hour), "u1", "a1")
	insertAt(t, w, clock, base.Add(-2*time.Hour), "u1", "a1")
	insertAt(t, w, clock, base.Add(-time.Hour), "u1", "a1")

	snap, err := w.Snapshot(ctx, "u1", "a1", 2)
	require.NoError(t, err)
	require.EqualValues(t, 2, snap.Active)
	require.EqualValues(t, 0, snap.Remaining)
	require.EqualValues(t, 1, snap.Deactivated)
	require.False(t, snap.CanAdmit)
	require.Equal(t, base.Add(-Size), snap.WindowStart)
	require.Equal(t, base, snap.WindowEnd)

	snap, err = w.Snapshot(ctx, "u1", "a1", 1)
	require.NoError(t, err)
	require.EqualValues(t, 0, snap.Remaining, "remaining never goes negative")
}

func TestUserWideCountsAndDeactivateAll(t *testing.T) {
	w, clock := newWindow(t)
	ctx := context.Background()

	insertAt(t, w, clock, base.Add(-3*time.Hour), "u1", "a1")
	insertAt(t, w, clock, base.Add(-13*time.Hour), "u1", "a2")
	insertAt(t, w, clock, base.Add(-time.Hour), "u2", "a1")

	count, err := w.CountActiveForUser(ctx, "u1")
	require.NoError(t, err)
	require.EqualValues(t, 2, count)

	midnight := base.Truncate(24 * time.Hour)
	today, err := w.CountActiveSince(ctx, "u1", midnight)
	require.NoError(t, err)
	require.EqualValues(t, 1, today)

	n, err := w.DeactivateAllForUser(ctx, "u1")
	require.NoError(t, err)
	require.EqualValues(t, 2, n)

	count, err = w.CountActiveForUser(ctx, "u1")
	require.NoError(t, err)
	require.Zero(t, count)

	count, err = w.CountActiveForUser(ctx, "u2")
	require.NoError(t, err)
	require.EqualValues(t, 1, count)
}

func TestCleanExpiredForApplications(t *testing.T) {
	w, clock := newWindow(t)
	ctx := context.Background()

	insertAt(t, w, clock, base.Add(-30*time.Hour), "u1", "a1")
	insertAt(t, w, clock, base.Add(-30*time.Hour), "u1", "a2")
	insertAt(t, w, clock, base.Add(-30*time.Hour), "u1", "a3")

	n, err := w.CleanExpiredForApplications(ctx, "u1", []string{"a1", "a2"})
	require.NoError(t, err)
	require.EqualValues(t, 2, n)

	n, err = w.CleanExpiredForApplications(ctx, "u1", nil)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestSchedulerRunOnceSweepsEveryUser(t *testing.T) {
	w, clock := newWindow(t)

	insertAt(t, w, clock, base.Add(-30*time.Hour), "u1", "a1")
	insertAt(t, w, clock, base.Add(-26*time.Hour), "u2", "a9")
	insertAt(t, w, clock, base.Add(-time.Hour), "u2", "a9")

	s := &Scheduler{window: w, clock: clock, hour: 1}
	n, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 2, n)
}

func TestNextRunTime(t *testing.T) {
	now := time.Date(2025, 10, 16, 0, 30, 0, 0, time.UTC)
	require.Equal(t, time.Date(2025, 10, 16, 1, 0, 0, 0, time.UTC), nextRunTime(now, 1, 0))

	now = time.Date(2025, 10, 16, 1, 0, 0, 0, time.UTC)
	require.Equal(t, time.Date(2025, 10, 17, 1, 0, 0, 0, time.UTC), nextRunTime(now, 1, 0))
}

func TestHistoryPagesNewestFirst(t *testing.T) {
	w, clock := newWindow(t)
	ctx := context.Background()

	var ids []string
	for i := 5; i >= 1; i-- {
		e := insertAt(t, w, clock, base.Add(-time.Duration(i)*10*time.Hour), "u1", "a1")
		ids = append(ids, e.ID)
	}
	insertAt(t, w, clock, base, "u1", "other")

	page, info, err := w.History(ctx, "u1", "a1", pagination.Pagination{Limit: 3})
	require.NoError(t, err)
	require.Len(t, page, 3)
	require.True(t, info.HasMore)
	require.Equal(t, ids[4], page[0].ID)

	rest, info, err := w.History(ctx, "u1", "a1", pagination.Pagination{Limit: 3, Cursor: info.NextCursor})
	require.NoError(t, err)
	require.Len(t, rest, 2)
	require.False(t, info.HasMore)
	require.Equal(t, ids[0], rest[1].ID)

	_, _, err = w.History(ctx, "u1", "a1", pagination.Pagination{Cursor: "!!"})
	require.Error(t, err)
}
