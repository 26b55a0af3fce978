package account

import (
	"context"
	"fmt"
	"strings"

	"smallbiznis-licensing/pkg/db/option"
	"smallbiznis-licensing/pkg/errutil"
	"smallbiznis-licensing/pkg/logger"
	"smallbiznis-licensing/pkg/repository"
	"smallbiznis-licensing/services/window"

	"github.com/bwmarrin/snowflake"
	"github.com/coder/quartz"
	"github.com/gosimple/slug"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var activeOnly = option.ApplyOperator(option.Condition{Field: "is_active", Operator: option.EQ, Value: true})

type Service struct {
	db    *gorm.DB
	node  *snowflake.Node
	clock quartz.Clock

	users        repository.Repository[User]
	applications repository.Repository[Application]
}

type ServiceParams struct {
	fx.In
	DB    *gorm.DB
	Node  *snowflake.Node
	Clock quartz.Clock
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:    p.DB,
		node:  p.Node,
		clock: p.Clock,

		users:        repository.ProvideStore[User](p.DB),
		applications: repository.ProvideStore[Application](p.DB),
	}
}

func (s *Service) CreateUser(ctx context.Context, p CreateUserParams) (*User, error) {
	zapLog := logger.FromContext(ctx)

	email := strings.ToLower(strings.TrimSpace(p.Email))
	if email == "" {
		return nil, errutil.BadRequest("email is required", nil)
	}

	exist, err := s.users.FindOne(ctx, &User{Email: email})
	if err != nil {
		zapLog.Error("failed query user by email", zap.Error(err))
		return nil, err
	}
	if exist != nil {
		return nil, errutil.Conflict("email already registered", nil)
	}

	now := s.clock.Now().UTC()
	user := &User{
		ID:        s.node.Generate().String(),
		Name:      strings.TrimSpace(p.Name),
		Email:     email,
		IsActive:  true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.users.Create(ctx, user); err != nil {
		zapLog.Error("failed create user", zap.Error(err))
		return nil, err
	}

	zapLog.Info("user created", zap.String("user_id", user.ID))
	return user, nil
}

func (s *Service) GetUser(ctx context.Context, userID string) (*User, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, errutil.BadRequest("user id is required", nil)
	}

	user, err := s.users.FindOne(ctx, &User{ID: userID})
	if err != nil {
		logger.FromContext(ctx).Error("failed query user", zap.String("user_id", userID), zap.Error(err))
		return nil, err
	}
	if user == nil {
		return nil, errutil.NotFound("user not found", nil)
	}
	return user, nil
}

// CreateApplication registers an application owned by userID. Quota checks
// belong to the caller.
func (s *Service) CreateApplication(ctx context.Context, userID string, p CreateApplicationParams) (*Application, error) {
	zapLog := logger.FromContext(ctx).With(zap.String("user_id", userID))

	wording := strings.TrimSpace(p.Wording)
	if wording == "" {
		return nil, errutil.BadRequest("wording is required", nil)
	}

	slugName := slug.Make(wording)
	exist, err := s.applications.FindOne(ctx, &Application{UserID: userID, Slug: slugName}, activeOnly)
	if err != nil {
		zapLog.Error("failed query application by slug", zap.Error(err))
		return nil, err
	}
	if exist != nil {
		return nil, errutil.Conflict(fmt.Sprintf("application %q already exists", slugName), nil)
	}

	now := s.clock.Now().UTC()
	app := &Application{
		ID:          s.node.Generate().String(),
		UserID:      userID,
		Slug:        slugName,
		Wording:     wording,
		Description: strings.TrimSpace(p.Description),
		IsActive:    true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.applications.Create(ctx, app); err != nil {
		zapLog.Error("failed create application", zap.Error(err))
		return nil, err
	}

	zapLog.Info("application created", zap.String("application_id", app.ID), zap.String("slug", app.Slug))
	return app, nil
}

// GetApplication returns an active application.
func (s *Service) GetApplication(ctx context.Context, applicationID string) (*Application, error) {
	app, err := s.applications.FindOne(ctx, &Application{ID: applicationID}, activeOnly)
	if err != nil {
		return nil, err
	}
	if app == nil {
		return nil, errutil.NotFound("application not found", nil)
	}
	return app, nil
}

// RetireApplication soft deletes an application. Only the owner may retire it.
func (s *Service) RetireApplication(ctx context.Context, userID, applicationID string) error {
	app, err := s.GetApplication(ctx, applicationID)
	if err != nil {
		return err
	}
	if app.UserID != userID {
		return errutil.Forbidden("only the owner can delete an application", nil)
	}

	if err := s.applications.Update(ctx, app.ID, map[string]any{
		"is_active":  false,
		"updated_at": s.clock.Now().UTC(),
	}); err != nil {
		logger.FromContext(ctx).Error("failed retire application", zap.String("application_id", app.ID), zap.Error(err))
		return err
	}
	return nil
}

// CountEnabledApplications counts the active applications owned by the user.
func (s *Service) CountEnabledApplications(ctx context.Context, userID string) (int64, error) {
	return s.applications.Count(ctx, &Application{UserID: userID}, activeOnly)
}

// ListApplications returns the active applications the user owns or has
// executed jobs against.
func (s *Service) ListApplications(ctx context.Context, userID string) ([]*Application, error) {
	pivot := s.db.Model(&window.Execution{}).
		Select("application_id").
		Where("user_id = ?", userID)

	var apps []*Application
	err := s.db.WithContext(ctx).
		Where("is_active = ?", true).
		Where(s.db.Where("user_id = ?", userID).Or("id IN (?)", pivot)).
		Order("created_at asc").
		Find(&apps).Error
	if err != nil {
		logger.FromContext(ctx).Error("failed list accessible applications", zap.String("user_id", userID), zap.Error(err))
		return nil, err
	}
	return apps, nil
}

func (s *Service) AccessibleApplicationIDs(ctx context.Context, userID string) ([]string, error) {
	apps, err := s.ListApplications(ctx, userID)
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(apps))
	for _, a := range apps {
		ids = append(ids, a.ID)
	}
	return ids, nil
}

// CanAccess reports whether the user may run jobs on the application.
func (s *Service) CanAccess(ctx context.Context, userID string, app *Application) (bool, error) {
	if app.UserID == userID {
		return true, nil
	}

	var count int64
	err := s.db.WithContext(ctx).Model(&window.Execution{}).
		Where("user_id = ? AND application_id = ?", userID, app.ID).
		Count(&count).Error
	return count > 0, err
}
