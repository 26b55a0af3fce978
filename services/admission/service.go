package admission

import (
	"context"
	"encoding/json"
	"time"

	"smallbiznis-licensing/pkg/config"
	"smallbiznis-licensing/pkg/db/option"
	"smallbiznis-licensing/pkg/logger"
	"smallbiznis-licensing/pkg/sequence"
	"smallbiznis-licensing/services/account"
	"smallbiznis-licensing/services/licence"
	"smallbiznis-licensing/services/window"

	"github.com/bwmarrin/snowflake"
	"github.com/coder/quartz"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var decisions = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "licensing_admission_decisions_total",
	Help: "Admission decisions by operation and outcome.",
}, []string{"operation", "outcome"})

func init() {
	prometheus.MustRegister(decisions)
}

func observe(operation string, d *Decision) {
	outcome := "denied"
	if d.Allowed {
		outcome = "allowed"
	}
	decisions.WithLabelValues(operation, outcome).Inc()
}

type Service struct {
	db       *gorm.DB
	node     *snowflake.Node
	clock    quartz.Clock
	codec    *licence.TokenCodec
	window   *window.SlidingWindow
	accounts *account.Service
	sequence sequence.Generator
	mode     string

	locks *userLocks
}

type ServiceParams struct {
	fx.In
	DB       *gorm.DB
	Node     *snowflake.Node
	Clock    quartz.Clock
	Codec    *licence.TokenCodec
	Window   *window.SlidingWindow
	Accounts *account.Service
	Config   *config.Config
	Sequence sequence.Generator `optional:"true"`
}

func NewService(p ServiceParams) *Service {
	mode := p.Config.Licensing.AdmissionMode
	if mode != config.AdmissionStrict {
		mode = config.AdmissionLenient
	}

	return &Service{
		db:       p.DB,
		node:     p.Node,
		clock:    p.Clock,
		codec:    p.Codec,
		window:   p.Window,
		accounts: p.Accounts,
		sequence: p.Sequence,
		mode:     mode,
		locks:    newUserLocks(),
	}
}

func (s *Service) Mode() string {
	return s.mode
}

// MayRegisterApplication decides whether the user may own one more
// application. Token errors are returned unchanged.
func (s *Service) MayRegisterApplication(ctx context.Context, user *account.User) (*Decision, error) {
	claims, err := s.codec.LicenceData(user.LicenceToken)
	if err != nil {
		return nil, err
	}

	count, err := s.accounts.CountEnabledApplications(ctx, user.ID)
	if err != nil {
		logger.FromContext(ctx).Error("failed count applications", zap.String("user_id", user.ID), zap.Error(err))
		return nil, err
	}

	d := applicationDecision(count, claims.MaxApps)
	observe("register_application", d)
	return d, nil
}

// MayExecute cleans the window of every application the user can reach and
// compares the user-wide in-window count with the licence limit.
func (s *Service) MayExecute(ctx context.Context, user *account.User) (*Decision, error) {
	claims, err := s.codec.LicenceData(user.LicenceToken)
	if err != nil {
		return nil, err
	}

	d, err := s.mayExecute(ctx, s.window, user.ID, claims)
	if err != nil {
		return nil, err
	}
	observe("execute", d)
	return d, nil
}

func (s *Service) mayExecute(ctx context.Context, w *window.SlidingWindow, userID string, claims licence.Claims) (*Decision, error) {
	appIDs, err := s.accounts.AccessibleApplicationIDs(ctx, userID)
	if err != nil {
		return nil, err
	}

	return s.decideExecution(ctx, w, userID, appIDs, claims)
}

func (s *Service) decideExecution(ctx context.Context, w *window.SlidingWindow, userID string, appIDs []string, claims licence.Claims) (*Decision, error) {
	if _, err := w.CleanExpiredForApplications(ctx, userID, appIDs); err != nil {
		return nil, err
	}

	count, err := w.CountActiveForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	return executionDecision(count, claims.MaxExecutionsPer24h), nil
}

// RecordExecution stores an execution for (user, application). It does not
// check the limit; callers decide first.
func (s *Service) RecordExecution(ctx context.Context, user *account.User, app *account.Application, jobReferenceID string) error {
	unlock := s.locks.lock(user.ID)
	defer unlock()

	_, err := s.record(ctx, user, app, ExecuteParams{JobReferenceID: jobReferenceID})
	return err
}

// record expects the caller to hold the user's lock.
func (s *Service) record(ctx context.Context, user *account.User, app *account.Application, p ExecuteParams) (*window.Execution, error) {
	e, err := s.newExecution(ctx, user, app, p)
	if err != nil {
		return nil, err
	}

	if _, err := s.window.CleanExpired(ctx, user.ID, app.ID); err != nil {
		return nil, err
	}
	if err := s.window.Insert(ctx, e); err != nil {
		logger.FromContext(ctx).Error("failed record execution",
			zap.String("user_id", user.ID),
			zap.String("application_id", app.ID),
			zap.Error(err),
		)
		return nil, err
	}
	return e, nil
}

func (s *Service) newExecution(ctx context.Context, user *account.User, app *account.Application, p ExecuteParams) (*window.Execution, error) {
	ref := p.JobReferenceID
	if ref == "" && s.sequence != nil {
		var err error
		if ref, err = s.sequence.NextJobReference(ctx, user.ID); err != nil {
			logger.FromContext(ctx).Warn("job reference unavailable, using execution id", zap.Error(err))
		}
	}

	e := &window.Execution{
		ID:             s.node.Generate().String(),
		UserID:         user.ID,
		ApplicationID:  app.ID,
		JobReferenceID: ref,
	}
	if e.JobReferenceID == "" {
		e.JobReferenceID = e.ID
	}

	if len(p.Metadata) > 0 {
		raw, err := json.Marshal(p.Metadata)
		if err != nil {
			return nil, err
		}
		e.Metadata = datatypes.JSON(raw)
	}
	return e, nil
}

// Execute admits and records one execution. Both modes serialize a user's
// executions within this process. In lenient mode the check and the insert are
// separate statements, so instances sharing the database can each admit the
// last slot and the overrun is bounded by the number of instances. Strict mode
// also holds a row lock on the user across both.
func (s *Service) Execute(ctx context.Context, user *account.User, app *account.Application, p ExecuteParams) (*Decision, *window.Execution, error) {
	claims, err := s.codec.LicenceData(user.LicenceToken)
	if err != nil {
		return nil, nil, err
	}

	var (
		d *Decision
		e *window.Execution
	)
	if s.mode == config.AdmissionStrict {
		d, e, err = s.executeStrict(ctx, user, app, claims, p)
	} else {
		d, e, err = s.executeLenient(ctx, user, app, claims, p)
	}
	if err != nil {
		return nil, nil, err
	}

	observe("execute", d)
	if d.Allowed {
		d.Used++
		logger.FromContext(ctx).Info("execution admitted",
			zap.String("user_id", user.ID),
			zap.String("application_id", app.ID),
			zap.String("job_reference_id", e.JobReferenceID),
			zap.String("mode", s.mode),
		)
	}
	return d, e, nil
}

func (s *Service) executeLenient(ctx context.Context, user *account.User, app *account.Application, claims licence.Claims, p ExecuteParams) (*Decision, *window.Execution, error) {
	unlock := s.locks.lock(user.ID)
	defer unlock()

	d, err := s.mayExecute(ctx, s.window, user.ID, claims)
	if err != nil || !d.Allowed {
		return d, nil, err
	}

	e, err := s.record(ctx, user, app, p)
	if err != nil {
		return nil, nil, err
	}
	return d, e, nil
}

func (s *Service) executeStrict(ctx context.Context, user *account.User, app *account.Application, claims licence.Claims, p ExecuteParams) (*Decision, *window.Execution, error) {
	unlock := s.locks.lock(user.ID)
	defer unlock()

	appIDs, err := s.accounts.AccessibleApplicationIDs(ctx, user.ID)
	if err != nil {
		return nil, nil, err
	}

	e, err := s.newExecution(ctx, user, app, p)
	if err != nil {
		return nil, nil, err
	}

	var d *Decision
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var locked account.User
		if err := option.LockingUpdate(tx.Model(&account.User{})).
			Where("id = ?", user.ID).Take(&locked).Error; err != nil {
			return err
		}

		w := s.window.WithTx(tx)
		var err error
		if d, err = s.decideExecution(ctx, w, user.ID, appIDs, claims); err != nil {
			return err
		}
		if !d.Allowed {
			return nil
		}

		if _, err := w.CleanExpired(ctx, user.ID, app.ID); err != nil {
			return err
		}
		return w.Insert(ctx, e)
	})
	if err != nil {
		return nil, nil, err
	}
	if !d.Allowed {
		return d, nil, nil
	}
	return d, e, nil
}

// ExecutionStats reports today's and the trailing 24 hours' usage. Today
// starts at 00:00 UTC and only active records are counted.
func (s *Service) ExecutionStats(ctx context.Context, user *account.User) (*Stats, error) {
	claims, err := s.codec.LicenceData(user.LicenceToken)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now().UTC()
	startOfDay := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	today, err := s.window.CountActiveSince(ctx, user.ID, startOfDay)
	if err != nil {
		return nil, err
	}

	last24h, err := s.window.CountActiveForUser(ctx, user.ID)
	if err != nil {
		return nil, err
	}

	remaining := int64(claims.MaxExecutionsPer24h) - last24h
	if remaining < 0 {
		remaining = 0
	}

	return &Stats{
		TodayCount:   today,
		MaxPerDay:    claims.MaxExecutionsPer24h,
		Last24hCount: last24h,
		Remaining:    remaining,
	}, nil
}

// ApplicationExecutionsLast24h counts the user's in-window executions of one
// application.
func (s *Service) ApplicationExecutionsLast24h(ctx context.Context, user *account.User, applicationID string) (int64, error) {
	if _, err := s.window.CleanExpired(ctx, user.ID, applicationID); err != nil {
		return 0, err
	}
	return s.window.CountActive(ctx, user.ID, applicationID)
}

// Snapshot describes the window of one application against the user's limit.
func (s *Service) Snapshot(ctx context.Context, user *account.User, applicationID string) (*window.Snapshot, error) {
	claims, err := s.codec.LicenceData(user.LicenceToken)
	if err != nil {
		return nil, err
	}
	return s.window.Snapshot(ctx, user.ID, applicationID, claims.MaxExecutionsPer24h)
}

// CleanAllWindows cleans the window of every application the user can reach.
func (s *Service) CleanAllWindows(ctx context.Context, user *account.User) (int64, error) {
	appIDs, err := s.accounts.AccessibleApplicationIDs(ctx, user.ID)
	if err != nil {
		return 0, err
	}
	return s.window.CleanExpiredForApplications(ctx, user.ID, appIDs)
}

// AdvanceTime is a debug affordance: it deactivates every active execution
// of the user as if 24 hours had passed. It is serialised with executions of
// the same user.
func (s *Service) AdvanceTime(ctx context.Context, user *account.User) (int64, error) {
	unlock := s.locks.lock(user.ID)
	defer unlock()

	n, err := s.window.DeactivateAllForUser(ctx, user.ID)
	if err != nil {
		return 0, err
	}

	logger.FromContext(ctx).Warn("execution window reset", zap.String("user_id", user.ID), zap.Int64("deactivated", n))
	return n, nil
}
