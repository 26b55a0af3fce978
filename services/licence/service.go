package licence

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"smallbiznis-licensing/pkg/config"
	"smallbiznis-licensing/pkg/db/option"
	"smallbiznis-licensing/pkg/errutil"
	"smallbiznis-licensing/pkg/logger"
	"smallbiznis-licensing/pkg/repository"
	"smallbiznis-licensing/pkg/task"
	"smallbiznis-licensing/services/account"

	"github.com/bwmarrin/snowflake"
	"github.com/coder/quartz"
	"github.com/gosimple/slug"
	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"
)

const regenPageSize = 250

type Service struct {
	db       *gorm.DB
	node     *snowflake.Node
	clock    quartz.Clock
	codec    *TokenCodec
	cfg      config.Licensing
	enqueuer task.Enqueuer

	licences repository.Repository[Licence]
	users    repository.Repository[account.User]

	regen singleflight.Group
}

type ServiceParams struct {
	fx.In
	DB       *gorm.DB
	Node     *snowflake.Node
	Clock    quartz.Clock
	Codec    *TokenCodec
	Config   *config.Config
	Enqueuer task.Enqueuer `optional:"true"`
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:       p.DB,
		node:     p.Node,
		clock:    p.Clock,
		codec:    p.Codec,
		cfg:      p.Config.Licensing,
		enqueuer: p.Enqueuer,

		licences: repository.ProvideStore[Licence](p.DB),
		users:    repository.ProvideStore[account.User](p.DB),
	}
}

func (s *Service) now() time.Time {
	return s.clock.Now().UTC()
}

// IsAdminLicence matches the configured admin names, ignoring case and
// surrounding spaces.
func (s *Service) IsAdminLicence(l *Licence) bool {
	name := strings.TrimSpace(l.Wording)
	for _, admin := range s.cfg.AdminLicenceNames {
		if strings.EqualFold(name, strings.TrimSpace(admin)) {
			return true
		}
	}
	return false
}

func (s *Service) CreateLicence(ctx context.Context, p CreateLicenceParams) (*Licence, error) {
	now := s.now()
	status := p.Status
	if status == "" {
		status = StatusActive
	}

	l := &Licence{
		ID:                  s.node.Generate().String(),
		Wording:             strings.TrimSpace(p.Wording),
		Description:         p.Description,
		MaxApps:             p.MaxApps,
		MaxExecutionsPer24h: p.MaxExecutionsPer24h,
		ValidFrom:           p.ValidFrom.UTC(),
		ValidTo:             p.ValidTo.UTC(),
		Status:              status,
		IsActive:            true,
		IsCustom:            p.IsCustom,
		CreatedByUserID:     p.CreatedByUserID,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	l.Slug = slug.Make(l.Wording)
	if l.IsCustom && p.CreatedByUserID != nil {
		l.Slug = slug.Make(fmt.Sprintf("custom %s", *p.CreatedByUserID))
	}

	if err := l.Validate(); err != nil {
		return nil, errutil.ValidationFailed(err.Error(), err)
	}

	if err := s.licences.Create(ctx, l); err != nil {
		logger.FromContext(ctx).Error("failed create licence", zap.String("slug", l.Slug), zap.Error(err))
		return nil, err
	}
	return l, nil
}

func (s *Service) GetLicence(ctx context.Context, licenceID string) (*Licence, error) {
	l, err := s.licences.FindOne(ctx, &Licence{ID: licenceID})
	if err != nil {
		return nil, err
	}
	if l == nil {
		return nil, errutil.NotFound("licence not found", nil)
	}
	return l, nil
}

func (s *Service) FindByWording(ctx context.Context, wording string) (*Licence, error) {
	return s.licences.FindOne(ctx, &Licence{Wording: wording},
		option.ApplyOperator(option.Condition{Field: "is_custom", Operator: option.EQ, Value: false}))
}

// AvailableForUpgrade lists the predefined licences a user may pick.
func (s *Service) AvailableForUpgrade(ctx context.Context) ([]*Licence, error) {
	now := s.now()
	candidates, err := s.licences.Find(ctx, &Licence{},
		option.ApplyOperator(option.Condition{Field: "is_custom", Operator: option.EQ, Value: false}),
		option.ApplyOperator(option.Condition{Field: "is_active", Operator: option.EQ, Value: true}),
		option.ApplyOperator(option.Condition{Field: "status", Operator: option.EQ, Value: StatusActive}),
		option.ApplyOperator(option.Condition{Field: "valid_to", Operator: option.GTE, Value: now}),
		option.WithSortBy(option.QuerySortBy{SortBy: "max_executions_per_24h", OrderBy: "asc"}),
	)
	if err != nil {
		return nil, err
	}

	out := make([]*Licence, 0, len(candidates))
	for _, l := range candidates {
		if !s.IsAdminLicence(l) {
			out = append(out, l)
		}
	}
	return out, nil
}

func reject(reason error, msg string) *UpgradeResult {
	return &UpgradeResult{Success: false, Message: msg, Reason: reason}
}

// assign mints a token for (user, l) and stores licence and token together.
// The user row is untouched when minting fails.
func (s *Service) assign(ctx context.Context, tx *gorm.DB, user *account.User, l *Licence) error {
	token, err := s.codec.Encode(user, l)
	if err != nil {
		return fmt.Errorf("mint licence token: %w", err)
	}

	licenceID := l.ID
	if err := s.users.WithTrx(tx).Update(ctx, user.ID, map[string]any{
		"licence_id":    licenceID,
		"licence_token": token,
		"updated_at":    s.now(),
	}); err != nil {
		return err
	}

	user.LicenceID = &licenceID
	user.LicenceToken = token
	return nil
}

func (s *Service) lockUser(ctx context.Context, tx *gorm.DB, userID string) (*account.User, error) {
	user, err := s.users.WithTrx(tx).FindOne(ctx, &account.User{ID: userID}, option.WithLockingUpdate())
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, errutil.NotFound("user not found", nil)
	}
	return user, nil
}

// UpgradeToPredefined moves the user onto an existing, usable, non-admin
// licence. Rejections come back as an unsuccessful result, not an error.
func (s *Service) UpgradeToPredefined(ctx context.Context, userID, licenceID string) (*UpgradeResult, error) {
	zapLog := logger.FromContext(ctx).With(zap.String("user_id", userID), zap.String("licence_id", licenceID))

	l, err := s.licences.FindOne(ctx, &Licence{ID: licenceID})
	if err != nil {
		zapLog.Error("failed query licence", zap.Error(err))
		return nil, err
	}
	if l == nil {
		return reject(ErrLicenceUnavailable, "This licence does not exist."), nil
	}
	if s.IsAdminLicence(l) {
		zapLog.Warn("refused admin licence upgrade")
		return reject(ErrAdminLicenceForbidden, "The administrator licence cannot be selected."), nil
	}
	if !l.IsUsable(s.now()) {
		return reject(ErrLicenceUnavailable, fmt.Sprintf("The licence %s is not available.", l.Wording)), nil
	}

	if err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		user, err := s.lockUser(ctx, tx, userID)
		if err != nil {
			return err
		}
		return s.assign(ctx, tx, user, l)
	}); err != nil {
		zapLog.Error("failed assign licence", zap.Error(err))
		return nil, err
	}

	zapLog.Info("licence upgraded")
	return &UpgradeResult{
		Success: true,
		Message: fmt.Sprintf("Your licence is now %s.", l.Wording),
		Licence: l,
	}, nil
}

// UpgradeToCustom creates the user's one custom licence and assigns it.
func (s *Service) UpgradeToCustom(ctx context.Context, userID string, limits CustomLimits) (*UpgradeResult, error) {
	zapLog := logger.FromContext(ctx).With(zap.String("user_id", userID))

	if limits.MaxApps < 1 || limits.MaxExecutionsPer24h < 1 {
		return nil, errutil.ValidationFailed("custom limits must be at least 1", nil,
			errutil.WithDetails(
				errutil.Detail{Field: "max_apps", Message: "must be >= 1"},
				errutil.Detail{Field: "max_executions_per_24h", Message: "must be >= 1"},
			))
	}

	validity := s.cfg.CustomValidity
	if validity <= 0 {
		validity = 365 * 24 * time.Hour
	}

	var created *Licence
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		user, err := s.lockUser(ctx, tx, userID)
		if err != nil {
			return err
		}

		exist, err := s.licences.WithTrx(tx).FindOne(ctx, &Licence{CreatedByUserID: &userID},
			option.ApplyOperator(option.Condition{Field: "is_custom", Operator: option.EQ, Value: true}))
		if err != nil {
			return err
		}
		if exist != nil {
			return ErrCustomLicenceAlreadyExists
		}

		wording := strings.TrimSpace(limits.Wording)
		if wording == "" {
			wording = fmt.Sprintf("Custom %s", user.Name)
		}

		now := s.now()
		l := &Licence{
			ID:                  s.node.Generate().String(),
			Slug:                slug.Make(fmt.Sprintf("custom %s", user.ID)),
			Wording:             wording,
			Description:         limits.Description,
			MaxApps:             limits.MaxApps,
			MaxExecutionsPer24h: limits.MaxExecutionsPer24h,
			ValidFrom:           now,
			ValidTo:             now.Add(validity),
			Status:              StatusActive,
			IsActive:            true,
			IsCustom:            true,
			CreatedByUserID:     &user.ID,
			CreatedAt:           now,
			UpdatedAt:           now,
		}
		if err := s.licences.WithTrx(tx).Create(ctx, l); err != nil {
			return err
		}
		if err := s.assign(ctx, tx, user, l); err != nil {
			return err
		}

		created = l
		return nil
	})
	if errors.Is(err, ErrCustomLicenceAlreadyExists) {
		return reject(ErrCustomLicenceAlreadyExists, "You already have a custom licence."), nil
	}
	if err != nil {
		zapLog.Error("failed create custom licence", zap.Error(err))
		return nil, err
	}

	zapLog.Info("custom licence created", zap.String("licence_id", created.ID))
	return &UpgradeResult{
		Success: true,
		Message: fmt.Sprintf("Your custom licence allows %d applications and %d executions per 24 hours.",
			created.MaxApps, created.MaxExecutionsPer24h),
		Licence: created,
	}, nil
}

func (s *Service) HasCustomLicence(ctx context.Context, userID string) (bool, error) {
	count, err := s.licences.Count(ctx, &Licence{CreatedByUserID: &userID},
		option.ApplyOperator(option.Condition{Field: "is_custom", Operator: option.EQ, Value: true}))
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// AssignInitial gives a freshly registered user the default licence. Users
// that already hold a licence are left alone.
func (s *Service) AssignInitial(ctx context.Context, userID string) (*UpgradeResult, error) {
	l, err := s.FindByWording(ctx, s.cfg.DefaultLicence)
	if err != nil {
		return nil, err
	}
	if l == nil || !l.IsUsable(s.now()) {
		return reject(ErrLicenceUnavailable, fmt.Sprintf("The default licence %s is not available.", s.cfg.DefaultLicence)), nil
	}

	var assigned bool
	if err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		user, err := s.lockUser(ctx, tx, userID)
		if err != nil {
			return err
		}
		if user.HasLicence() {
			return nil
		}
		assigned = true
		return s.assign(ctx, tx, user, l)
	}); err != nil {
		return nil, err
	}

	if !assigned {
		return &UpgradeResult{Success: true, Message: "Licence already assigned."}, nil
	}
	return &UpgradeResult{Success: true, Message: fmt.Sprintf("Your licence is now %s.", l.Wording), Licence: l}, nil
}

// RegenerateUserToken re-mints the token of a user from their current licence.
func (s *Service) RegenerateUserToken(ctx context.Context, userID string) (string, error) {
	var token string
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		user, err := s.lockUser(ctx, tx, userID)
		if err != nil {
			return err
		}
		if !user.HasLicence() {
			return errutil.UnprocessableEntity("user has no licence", ErrLicenceUnavailable)
		}

		l, err := s.licences.WithTrx(tx).FindOne(ctx, &Licence{ID: *user.LicenceID})
		if err != nil {
			return err
		}
		if l == nil {
			return errutil.NotFound("licence not found", nil)
		}

		if err := s.assign(ctx, tx, user, l); err != nil {
			return err
		}
		token = user.LicenceToken
		return nil
	})
	return token, err
}

// regenerate walks users matching scope page by page and re-mints their
// tokens. A failing user is counted and logged, never fatal to the batch.
func (s *Service) regenerate(ctx context.Context, scope func(*gorm.DB) *gorm.DB) (*BatchReport, error) {
	var generated, skipped, failed atomic.Int64

	limit := s.cfg.RegenConcurrency
	if limit <= 0 {
		limit = 8
	}

	cursor := ""
	for {
		var page []*account.User
		q := s.db.WithContext(ctx).Model(&account.User{}).Where("id > ?", cursor)
		if err := scope(q).Order("id asc").Limit(regenPageSize).Find(&page).Error; err != nil {
			return nil, err
		}
		if len(page) == 0 {
			break
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(limit)
		for _, u := range page {
			if !u.HasLicence() {
				skipped.Add(1)
				continue
			}
			userID := u.ID
			g.Go(func() error {
				if _, err := s.RegenerateUserToken(gctx, userID); err != nil {
					failed.Add(1)
					zap.L().Error("failed regenerate licence token", zap.String("user_id", userID), zap.Error(err))
					return nil
				}
				generated.Add(1)
				return nil
			})
		}
		_ = g.Wait()

		if err := ctx.Err(); err != nil {
			return nil, err
		}

		cursor = page[len(page)-1].ID
		if len(page) < regenPageSize {
			break
		}
	}

	report := &BatchReport{Generated: generated.Load(), Skipped: skipped.Load(), Errors: failed.Load()}
	zap.L().Info("licence tokens regenerated",
		zap.Int64("generated", report.Generated),
		zap.Int64("skipped", report.Skipped),
		zap.Int64("errors", report.Errors),
	)
	return report, nil
}

func (s *Service) RegenerateAllTokens(ctx context.Context) (*BatchReport, error) {
	return s.regenerate(ctx, func(q *gorm.DB) *gorm.DB { return q })
}

// RegenerateTokensForLicence refreshes every holder of the licence. Concurrent
// calls share one run only while the licence is at the same version; a call
// made after an update starts its own walk.
func (s *Service) RegenerateTokensForLicence(ctx context.Context, licenceID string) (*BatchReport, error) {
	l, err := s.licences.FindOne(ctx, &Licence{ID: licenceID})
	if err != nil {
		return nil, err
	}
	key := licenceID
	if l != nil {
		key = regenKey(l)
	}

	v, err, _ := s.regen.Do(key, func() (any, error) {
		return s.regenerate(ctx, func(q *gorm.DB) *gorm.DB {
			return q.Where("licence_id = ?", licenceID)
		})
	})
	if err != nil {
		return nil, err
	}
	return v.(*BatchReport), nil
}

func regenKey(l *Licence) string {
	return l.ID + ":" + l.Version()
}

// UpdateLimits changes a licence and schedules token regeneration for its
// holders. Until that runs, holders keep their previous limits.
func (s *Service) UpdateLimits(ctx context.Context, licenceID string, upd LimitsUpdate) (*Licence, error) {
	zapLog := logger.FromContext(ctx).With(zap.String("licence_id", licenceID))

	l, err := s.GetLicence(ctx, licenceID)
	if err != nil {
		return nil, err
	}

	if upd.MaxApps != nil {
		l.MaxApps = *upd.MaxApps
	}
	if upd.MaxExecutionsPer24h != nil {
		l.MaxExecutionsPer24h = *upd.MaxExecutionsPer24h
	}
	if upd.ValidTo != nil {
		l.ValidTo = upd.ValidTo.UTC()
	}
	if upd.Status != nil {
		l.Status = *upd.Status
	}
	if upd.IsActive != nil {
		l.IsActive = *upd.IsActive
	}
	if err := l.Validate(); err != nil {
		return nil, errutil.ValidationFailed(err.Error(), err)
	}
	l.UpdatedAt = s.now()

	if err := s.licences.Update(ctx, l.ID, map[string]any{
		"max_apps":               l.MaxApps,
		"max_executions_per_24h": l.MaxExecutionsPer24h,
		"valid_to":               l.ValidTo,
		"status":                 l.Status,
		"is_active":              l.IsActive,
		"updated_at":             l.UpdatedAt,
	}); err != nil {
		zapLog.Error("failed update licence", zap.Error(err))
		return nil, err
	}

	if s.enqueuer != nil {
		t, err := NewRegenerateTokensTask(l)
		if err != nil {
			return nil, err
		}
		_, err = s.enqueuer.Enqueue(ctx, t)
		if err == nil || errors.Is(err, asynq.ErrTaskIDConflict) {
			zapLog.Info("token regeneration enqueued")
			return l, nil
		}
		zapLog.Warn("enqueue failed, regenerating inline", zap.Error(err))
	}

	if _, err := s.RegenerateTokensForLicence(ctx, l.ID); err != nil {
		return nil, err
	}
	return l, nil
}

func (s *Service) Statistics(ctx context.Context) (*Statistics, error) {
	var st Statistics
	var err error

	if st.Total, err = s.licences.Count(ctx, &Licence{}); err != nil {
		return nil, err
	}
	if st.Usable, err = s.licences.Count(ctx, &Licence{},
		option.ApplyOperator(option.Condition{Field: "is_active", Operator: option.EQ, Value: true}),
		option.ApplyOperator(option.Condition{Field: "status", Operator: option.EQ, Value: StatusActive}),
		option.ApplyOperator(option.Condition{Field: "valid_to", Operator: option.GTE, Value: s.now()}),
	); err != nil {
		return nil, err
	}
	if st.Custom, err = s.licences.Count(ctx, &Licence{},
		option.ApplyOperator(option.Condition{Field: "is_custom", Operator: option.EQ, Value: true})); err != nil {
		return nil, err
	}
	if st.AssignedUsers, err = s.users.Count(ctx, &account.User{},
		option.ApplyOperator(option.Condition{Field: "licence_id", Operator: option.NEQ, Value: ""})); err != nil {
		return nil, err
	}
	return &st, nil
}
