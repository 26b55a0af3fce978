package account

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/coder/quartz"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"smallbiznis-licensing/pkg/errutil"
	"smallbiznis-licensing/services/testutil"
	"smallbiznis-licensing/services/window"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func newService(t *testing.T) *Service {
	t.Helper()

	db := testutil.NewTestDB(t, &User{}, &Application{}, &window.Execution{})
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	clock := quartz.NewMock(t)
	clock.Set(time.Date(2025, 10, 16, 12, 0, 0, 0, time.UTC))

	return NewService(ServiceParams{DB: db, Node: node, Clock: clock})
}

func TestCreateUser(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()

	u, err := svc.CreateUser(ctx, CreateUserParams{Name: " Ada ", Email: " Ada@Example.com "})
	require.NoError(t, err)
	require.Equal(t, "Ada", u.Name)
	require.Equal(t, "ada@example.com", u.Email)
	require.False(t, u.HasLicence())

	_, err = svc.CreateUser(ctx, CreateUserParams{Name: "Other", Email: "ADA@example.com"})
	require.Equal(t, errutil.StatusConflict, errutil.ToBaseError(err).Code)

	_, err = svc.CreateUser(ctx, CreateUserParams{Name: "Nobody"})
	require.Equal(t, errutil.StatusBadRequest, errutil.ToBaseError(err).Code)

	got, err := svc.GetUser(ctx, u.ID)
	require.NoError(t, err)
	require.Equal(t, u.Email, got.Email)

	_, err = svc.GetUser(ctx, "missing")
	require.Equal(t, errutil.StatusNotFound, errutil.ToBaseError(err).Code)
}

func TestApplicationLifecycle(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()

	owner, err := svc.CreateUser(ctx, CreateUserParams{Name: "Owner", Email: "owner@example.com"})
	require.NoError(t, err)
	other, err := svc.CreateUser(ctx, CreateUserParams{Name: "Other", Email: "other@example.com"})
	require.NoError(t, err)

	app, err := svc.CreateApplication(ctx, owner.ID, CreateApplicationParams{Wording: "Invoice Export"})
	require.NoError(t, err)
	require.Equal(t, "invoice-export", app.Slug)
	require.Equal(t, ApplicationActive, app.Status())

	_, err = svc.CreateApplication(ctx, owner.ID, CreateApplicationParams{Wording: "invoice export"})
	require.Equal(t, errutil.StatusConflict, errutil.ToBaseError(err).Code)

	_, err = svc.CreateApplication(ctx, owner.ID, CreateApplicationParams{Wording: "  "})
	require.Equal(t, errutil.StatusBadRequest, errutil.ToBaseError(err).Code)

	count, err := svc.CountEnabledApplications(ctx, owner.ID)
	require.NoError(t, err)
	require.EqualValues(t, 1, count)

	err = svc.RetireApplication(ctx, other.ID, app.ID)
	require.Equal(t, errutil.StatusForbidden, errutil.ToBaseError(err).Code)

	require.NoError(t, svc.RetireApplication(ctx, owner.ID, app.ID))

	count, err = svc.CountEnabledApplications(ctx, owner.ID)
	require.NoError(t, err)
	require.Zero(t, count)

	_, err = svc.GetApplication(ctx, app.ID)
	require.Equal(t, errutil.StatusNotFound, errutil.ToBaseError(err).Code)

	again, err := svc.CreateApplication(ctx, owner.ID, CreateApplicationParams{Wording: "Invoice Export"})
	require.NoError(t, err, "a retired slug can be reused")
	require.NotEqual(t, app.ID, again.ID)
}

func TestAccessibleApplications(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()

	owner, err := svc.CreateUser(ctx, CreateUserParams{Name: "Owner", Email: "owner@example.com"})
	require.NoError(t, err)
	guest, err := svc.CreateUser(ctx, CreateUserParams{Name: "Guest", Email: "guest@example.com"})
	require.NoError(t, err)

	mine, err := svc.CreateApplication(ctx, owner.ID, CreateApplicationParams{Wording: "Mine"})
	require.NoError(t, err)
	shared, err := svc.CreateApplication(ctx, owner.ID, CreateApplicationParams{Wording: "Shared"})
	require.NoError(t, err)

	ok, err := svc.CanAccess(ctx, guest.ID, shared)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, svc.db.Create(&window.Execution{
		ID:            "e1",
		UserID:        guest.ID,
		ApplicationID: shared.ID,
		IsActive:      true,
	}).Error)

	ok, err = svc.CanAccess(ctx, guest.ID, shared)
	require.NoError(t, err)
	require.True(t, ok)

	ids, err := svc.AccessibleApplicationIDs(ctx, guest.ID)
	require.NoError(t, err)
	require.Equal(t, []string{shared.ID}, ids)

	ids, err = svc.AccessibleApplicationIDs(ctx, owner.ID)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{mine.ID, shared.ID}, ids)

	require.NoError(t, svc.RetireApplication(ctx, owner.ID, shared.ID))
	ids, err = svc.AccessibleApplicationIDs(ctx, guest.ID)
	require.NoError(t, err)
	require.Empty(t, ids)
}
