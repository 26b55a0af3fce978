package window

import (
	"context"
	"time"

	"smallbiznis-licensing/pkg/db/pagination"
	"smallbiznis-licensing/pkg/errutil"
	"smallbiznis-licensing/pkg/logger"

	"github.com/coder/quartz"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Size is the length of the trailing window.
const Size = 24 * time.Hour

// SlidingWindow counts executions over the trailing 24 hours. Expiry is lazy:
// records older than the window are flipped inactive the next time the window
// is read for that (user, application) pair.
type SlidingWindow struct {
	db    *gorm.DB
	clock quartz.Clock
}

type Params struct {
	fx.In
	DB    *gorm.DB
	Clock quartz.Clock
}

func New(p Params) *SlidingWindow {
	return &SlidingWindow{
		db:    p.DB,
		clock: p.Clock,
	}
}

// WithTx returns a window bound to tx.
func (w *SlidingWindow) WithTx(tx *gorm.DB) *SlidingWindow {
	if tx == nil {
		return w
	}
	return &SlidingWindow{db: tx, clock: w.clock}
}

func (w *SlidingWindow) Now() time.Time {
	return w.clock.Now().UTC()
}

// Cutoff is the oldest instant still inside the window. A record created
// exactly at the cutoff is counted.
func (w *SlidingWindow) Cutoff() time.Time {
	return w.Now().Add(-Size)
}

func (w *SlidingWindow) model(ctx context.Context) *gorm.DB {
	return w.db.WithContext(ctx).Model(&Execution{})
}

func (w *SlidingWindow) deactivate(ctx context.Context, scope func(*gorm.DB) *gorm.DB, cutoff time.Time) (int64, error) {
	q := w.model(ctx).Where("is_active = ?", true)
	if !cutoff.IsZero() {
		q = q.Where("created_at < ?", cutoff)
	}
	res := scope(q).UpdateColumns(map[string]any{
		"is_active":  false,
		"updated_at": w.Now(),
	})
	return res.RowsAffected, res.Error
}

// CleanExpired flips active records of the pair older than the cutoff and
// returns how many were flipped. Running it twice flips nothing the second time.
func (w *SlidingWindow) CleanExpired(ctx context.Context, userID, applicationID string) (int64, error) {
	n, err := w.deactivate(ctx, func(q *gorm.DB) *gorm.DB {
		return q.Where("user_id = ? AND application_id = ?", userID, applicationID)
	}, w.Cutoff())
	if err != nil {
		logger.FromContext(ctx).Error("failed to clean expired executions",
			zap.String("user_id", userID),
			zap.String("application_id", applicationID),
			zap.Error(err),
		)
		return 0, err
	}
	return n, nil
}

// CleanExpiredForApplications cleans the windows of every listed application
// of the user in one statement.
func (w *SlidingWindow) CleanExpiredForApplications(ctx context.Context, userID string, applicationIDs []string) (int64, error) {
	if len(applicationIDs) == 0 {
		return 0, nil
	}
	return w.deactivate(ctx, func(q *gorm.DB) *gorm.DB {
		return q.Where("user_id = ? AND application_id IN ?", userID, applicationIDs)
	}, w.Cutoff())
}

// SweepExpired deactivates every expired record regardless of owner.
func (w *SlidingWindow) SweepExpired(ctx context.Context) (int64, error) {
	return w.deactivate(ctx, func(q *gorm.DB) *gorm.DB { return q }, w.Cutoff())
}

// DeactivateAllForUser flips every active record of the user, emptying all of
// their windows at once.
func (w *SlidingWindow) DeactivateAllForUser(ctx context.Context, userID string) (int64, error) {
	return w.deactivate(ctx, func(q *gorm.DB) *gorm.DB {
		return q.Where("user_id = ?", userID)
	}, time.Time{})
}

func (w *SlidingWindow) CountActive(ctx context.Context, userID, applicationID string) (int64, error) {
	var count int64
	err := w.model(ctx).
		Where("user_id = ? AND application_id = ?", userID, applicationID).
		Where("is_active = ? AND created_at >= ?", true, w.Cutoff()).
		Count(&count).Error
	return count, err
}

// CountActiveForUser counts the user's in-window records across all applications.
func (w *SlidingWindow) CountActiveForUser(ctx context.Context, userID string) (int64, error) {
	return w.CountActiveSince(ctx, userID, w.Cutoff())
}

// CountActiveSince counts the user's active records created at or after since.
func (w *SlidingWindow) CountActiveSince(ctx context.Context, userID string, since time.Time) (int64, error) {
	var count int64
	err := w.model(ctx).
		Where("user_id = ?", userID).
		Where("is_active = ? AND created_at >= ?", true, since.UTC()).
		Count(&count).Error
	return count, err
}

// CanAdmit cleans the pair's window then reports whether one more record fits.
func (w *SlidingWindow) CanAdmit(ctx context.Context, userID, applicationID string, quotaMax int) (bool, error) {
	if _, err := w.CleanExpired(ctx, userID, applicationID); err != nil {
		return false, err
	}
	if quotaMax <= 0 {
		return false, nil
	}

	count, err := w.CountActive(ctx, userID, applicationID)
	if err != nil {
		return false, err
	}
	return count < int64(quotaMax), nil
}

func (w *SlidingWindow) Snapshot(ctx context.Context, userID, applicationID string, quotaMax int) (*Snapshot, error) {
	deactivated, err := w.CleanExpired(ctx, userID, applicationID)
	if err != nil {
		return nil, err
	}

	count, err := w.CountActive(ctx, userID, applicationID)
	if err != nil {
		return nil, err
	}

	remaining := int64(quotaMax) - count
	if remaining < 0 {
		remaining = 0
	}

	now := w.Now()
	return &Snapshot{
		Active:      count,
		Max:         quotaMax,
		Remaining:   remaining,
		Deactivated: deactivated,
		CanAdmit:    quotaMax > 0 && count < int64(quotaMax),
		WindowStart: now.Add(-Size),
		WindowEnd:   now,
	}, nil
}

// Insert stores an active record stamped with the current time.
func (w *SlidingWindow) Insert(ctx context.Context, e *Execution) error {
	now := w.Now()
	e.IsActive = true
	e.CreatedAt = now
	e.UpdatedAt = now
	return w.db.WithContext(ctx).Create(e).Error
}

// History pages through every execution of the pair, newest first, whether
// or not it is still inside the window.
func (w *SlidingWindow) History(ctx context.Context, userID, applicationID string, p pagination.Pagination) ([]*Execution, *pagination.PageInfo, error) {
	p = p.Normalize()

	q := w.model(ctx).Where("user_id = ? AND application_id = ?", userID, applicationID)
	if p.Cursor != "" {
		c, err := pagination.DecodeCursor(p.Cursor)
		if err != nil {
			return nil, nil, errutil.BadRequest("invalid cursor", err)
		}
		at := c.CreatedAt.UTC()
		q = q.Where("(created_at < ? OR (created_at = ? AND id < ?))", at, at, c.ID)
	}

	var rows []*Execution
	if err := q.Order("created_at desc, id desc").Limit(p.Limit + 1).Find(&rows).Error; err != nil {
		return nil, nil, err
	}

	return pagination.BuildPage(rows, p.Limit, func(e *Execution) pagination.Cursor {
		return pagination.Cursor{CreatedAt: e.CreatedAt, ID: e.ID}
	})
}
