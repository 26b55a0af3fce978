package admission

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/bwmarrin/snowflake"
	"github.com/coder/quartz"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"smallbiznis-licensing/pkg/config"
	"smallbiznis-licensing/pkg/sequence"
	"smallbiznis-licensing/services/account"
	"smallbiznis-licensing/services/licence"
	"smallbiznis-licensing/services/testutil"
	"smallbiznis-licensing/services/window"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

var base = time.Date(2025, 10, 16, 12, 0, 0, 0, time.UTC)

type fixture struct {
	svc      *Service
	accounts *account.Service
	licences *licence.Service
	codec    *licence.TokenCodec
	clock    *quartz.Mock
	redis    *miniredis.Miniredis
	quota    *licence.Licence
}

func newFixture(t *testing.T, mode string) *fixture {
	t.Helper()

	db := testutil.NewTestDB(t, &account.User{}, &account.Application{}, &licence.Licence{}, &window.Execution{})
	rdb, mr := testutil.NewTestRedis(t)

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	clock := quartz.NewMock(t)
	clock.Set(base)

	keys, err := licence.NewKeyProvider("secret")
	require.NoError(t, err)
	codec := licence.NewTokenCodec(keys, clock)

	cfg := &config.Config{Licensing: config.Licensing{
		AdmissionMode:     mode,
		AdminLicenceNames: []string{"Admin"},
		DefaultLicence:    "Free",
	}}

	accounts := account.NewService(account.ServiceParams{DB: db, Node: node, Clock: clock})
	licences := licence.NewService(licence.ServiceParams{DB: db, Node: node, Clock: clock, Codec: codec, Config: cfg})
	w := window.New(window.Params{DB: db, Clock: clock})

	svc := NewService(ServiceParams{
		DB:       db,
		Node:     node,
		Clock:    clock,
		Codec:    codec,
		Window:   w,
		Accounts: accounts,
		Config:   cfg,
		Sequence: sequence.NewRedisGenerator(sequence.Params{Redis: rdb, Clock: clock}),
	})

	quota, err := licences.CreateLicence(context.Background(), licence.CreateLicenceParams{
		Wording:             "Free",
		MaxApps:             2,
		MaxExecutionsPer24h: 3,
		ValidFrom:           base.Add(-time.Hour),
		ValidTo:             base.AddDate(0, 1, 0),
	})
	require.NoError(t, err)

	return &fixture{
		svc:      svc,
		accounts: accounts,
		licences: licences,
		codec:    codec,
		clock:    clock,
		redis:    mr,
		quota:    quota,
	}
}

// user registers a user holding the default licence.
func (f *fixture) user(t *testing.T, email string) *account.User {
	t.Helper()
	ctx := context.Background()

	u, err := f.accounts.CreateUser(ctx, account.CreateUserParams{Name: email, Email: email})
	require.NoError(t, err)
	res, err := f.licences.AssignInitial(ctx, u.ID)
	require.NoError(t, err)
	require.True(t, res.Success)

	u, err = f.accounts.GetUser(ctx, u.ID)
	require.NoError(t, err)
	return u
}

func (f *fixture) app(t *testing.T, owner *account.User, wording string) *account.Application {
	t.Helper()
	a, err := f.accounts.CreateApplication(context.Background(), owner.ID, account.CreateApplicationParams{Wording: wording})
	require.NoError(t, err)
	return a
}

func TestExecuteEnforcesQuota(t *testing.T) {
	for _, mode := range []string{config.AdmissionLenient, config.AdmissionStrict} {
		t.Run(mode, func(t *testing.T) {
			f := newFixture(t, mode)
			ctx := context.Background()
			u := f.user(t, "quota@example.com")
			a := f.app(t, u, "Reports")

			for i := 1; i <= 3; i++ {
				d, e, err := f.svc.Execute(ctx, u, a, ExecuteParams{})
				require.NoError(t, err)
				require.True(t, d.Allowed, "execution %d", i)
				require.EqualValues(t, i, d.Used)
				require.Equal(t, 3, d.Limit)
				require.NotNil(t, e)
				f.clock.Advance(time.Minute)
			}

			d, e, err := f.svc.Execute(ctx, u, a, ExecuteParams{})
			require.NoError(t, err)
			require.False(t, d.Allowed)
			require.EqualValues(t, 3, d.Used)
			require.Nil(t, e)

			count, err := f.svc.ApplicationExecutionsLast24h(ctx, u, a.ID)
			require.NoError(t, err)
			require.EqualValues(t, 3, count)
		})
	}
}

func TestOldestExecutionAgesOut(t *testing.T) {
	f := newFixture(t, config.AdmissionLenient)
	ctx := context.Background()
	u := f.user(t, "aging@example.com")
	a := f.app(t, u, "Reports")

	for i := 0; i < 3; i++ {
		_, _, err := f.svc.Execute(ctx, u, a, ExecuteParams{})
		require.NoError(t, err)
		f.clock.Advance(time.Hour)
	}

	d, err := f.svc.MayExecute(ctx, u)
	require.NoError(t, err)
	require.False(t, d.Allowed)

	// the first execution happened at base
	f.clock.Set(base.Add(window.Size))
	d, err = f.svc.MayExecute(ctx, u)
	require.NoError(t, err)
	require.False(t, d.Allowed, "a record exactly at the cutoff still counts")

	f.clock.Set(base.Add(window.Size + time.Second))
	d, err = f.svc.MayExecute(ctx, u)
	require.NoError(t, err)
	require.True(t, d.Allowed)
	require.EqualValues(t, 2, d.Used)
}

func TestQuotaIsSharedAcrossApplications(t *testing.T) {
	f := newFixture(t, config.AdmissionLenient)
	ctx := context.Background()
	u := f.user(t, "shared@example.com")
	a1 := f.app(t, u, "First")
	a2 := f.app(t, u, "Second")

	for _, a := range []*account.Application{a1, a1, a2} {
		d, _, err := f.svc.Execute(ctx, u, a, ExecuteParams{})
		require.NoError(t, err)
		require.True(t, d.Allowed)
	}

	d, _, err := f.svc.Execute(ctx, u, a2, ExecuteParams{})
	require.NoError(t, err)
	require.False(t, d.Allowed)
}

func TestStrictModeNeverOverruns(t *testing.T) {
	f := newFixture(t, config.AdmissionStrict)
	ctx := context.Background()
	u := f.user(t, "strict@example.com")
	a := f.app(t, u, "Reports")

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, _, err := f.svc.Execute(ctx, u, a, ExecuteParams{})
			if err != nil || !d.Allowed {
				return
			}
			mu.Lock()
			allowed++
			mu.Unlock()
		}()
	}
	wg.Wait()

	require.Equal(t, 3, allowed)
}

func TestLenientModeSerializesWithinProcess(t *testing.T) {
	f := newFixture(t, config.AdmissionLenient)
	ctx := context.Background()
	u := f.user(t, "burst@example.com")
	a := f.app(t, u, "Reports")

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, _, err := f.svc.Execute(ctx, u, a, ExecuteParams{})
			if err != nil || !d.Allowed {
				return
			}
			mu.Lock()
			allowed++
			mu.Unlock()
		}()
	}
	wg.Wait()

	require.Equal(t, 3, allowed)
	stats, err := f.svc.ExecutionStats(ctx, u)
	require.NoError(t, err)
	require.EqualValues(t, 3, stats.Last24hCount)
}

func TestMayRegisterApplication(t *testing.T) {
	f := newFixture(t, config.AdmissionLenient)
	ctx := context.Background()
	u := f.user(t, "apps@example.com")

	d, err := f.svc.MayRegisterApplication(ctx, u)
	require.NoError(t, err)
	require.True(t, d.Allowed)
	require.EqualValues(t, 0, d.Used)

	f.app(t, u, "One")
	second := f.app(t, u, "Two")

	d, err = f.svc.MayRegisterApplication(ctx, u)
	require.NoError(t, err)
	require.False(t, d.Allowed)
	require.Equal(t, 2, d.Limit)

	require.NoError(t, f.accounts.RetireApplication(ctx, u.ID, second.ID))

	d, err = f.svc.MayRegisterApplication(ctx, u)
	require.NoError(t, err)
	require.True(t, d.Allowed, "retired applications do not count")
}

func TestExecutionStats(t *testing.T) {
	f := newFixture(t, config.AdmissionLenient)
	ctx := context.Background()
	u := f.user(t, "stats@example.com")
	a := f.app(t, u, "Reports")

	// yesterday evening, then this morning
	f.clock.Set(base.Add(-14 * time.Hour))
	_, _, err := f.svc.Execute(ctx, u, a, ExecuteParams{})
	require.NoError(t, err)
	f.clock.Set(base.Add(-2 * time.Hour))
	_, _, err = f.svc.Execute(ctx, u, a, ExecuteParams{})
	require.NoError(t, err)

	f.clock.Set(base)
	stats, err := f.svc.ExecutionStats(ctx, u)
	require.NoError(t, err)
	require.EqualValues(t, 1, stats.TodayCount)
	require.EqualValues(t, 2, stats.Last24hCount)
	require.Equal(t, 3, stats.MaxPerDay)
	require.EqualValues(t, 1, stats.Remaining)
}

func TestAdvanceTimeEmptiesWindows(t *testing.T) {
	f := newFixture(t, config.AdmissionLenient)
	ctx := context.Background()
	u := f.user(t, "debug@example.com")
	a := f.app(t, u, "Reports")

	for i := 0; i < 3; i++ {
		_, _, err := f.svc.Execute(ctx, u, a, ExecuteParams{})
		require.NoError(t, err)
	}

	n, err := f.svc.AdvanceTime(ctx, u)
	require.NoError(t, err)
	require.EqualValues(t, 3, n)

	d, err := f.svc.MayExecute(ctx, u)
	require.NoError(t, err)
	require.True(t, d.Allowed)
	require.EqualValues(t, 0, d.Used)

	snap, err := f.svc.Snapshot(ctx, u, a.ID)
	require.NoError(t, err)
	require.EqualValues(t, 0, snap.Active)
	require.EqualValues(t, 3, snap.Remaining)
}

func TestJobReferences(t *testing.T) {
	f := newFixture(t, config.AdmissionLenient)
	ctx := context.Background()
	u := f.user(t, "jobs@example.com")
	a := f.app(t, u, "Reports")

	_, e, err := f.svc.Execute(ctx, u, a, ExecuteParams{Metadata: map[string]any{"source": "cron"}})
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(e.JobReferenceID, "JOB-251016-001"), e.JobReferenceID)
	require.JSONEq(t, `{"source":"cron"}`, string(e.Metadata))

	_, e, err = f.svc.Execute(ctx, u, a, ExecuteParams{JobReferenceID: "external-42"})
	require.NoError(t, err)
	require.Equal(t, "external-42", e.JobReferenceID)

	f.redis.SetError("ERR unavailable")
	_, e, err = f.svc.Execute(ctx, u, a, ExecuteParams{})
	require.NoError(t, err)
	require.Equal(t, e.ID, e.JobReferenceID)
}

func TestRecordExecutionSkipsQuota(t *testing.T) {
	f := newFixture(t, config.AdmissionLenient)
	ctx := context.Background()
	u := f.user(t, "record@example.com")
	a := f.app(t, u, "Reports")

	for i := 0; i < 4; i++ {
		require.NoError(t, f.svc.RecordExecution(ctx, u, a, ""))
	}

	d, err := f.svc.MayExecute(ctx, u)
	require.NoError(t, err)
	require.False(t, d.Allowed)
	require.EqualValues(t, 4, d.Used)
}

func TestTokenErrorsPropagate(t *testing.T) {
	f := newFixture(t, config.AdmissionLenient)
	ctx := context.Background()

	bare, err := f.accounts.CreateUser(ctx, account.CreateUserParams{Name: "Bare", Email: "bare@example.com"})
	require.NoError(t, err)

	_, err = f.svc.MayExecute(ctx, bare)
	require.ErrorIs(t, err, licence.ErrEmptyToken)

	_, err = f.svc.MayRegisterApplication(ctx, bare)
	require.ErrorIs(t, err, licence.ErrEmptyToken)

	bare.LicenceToken = "v1.00ff"
	_, err = f.svc.ExecutionStats(ctx, bare)
	require.ErrorIs(t, err, licence.ErrInvalidToken)

	a := f.app(t, bare, "Reports")
	_, _, err = f.svc.Execute(ctx, bare, a, ExecuteParams{})
	require.ErrorIs(t, err, licence.ErrInvalidToken)
}

func TestUpgradeTakesEffectImmediately(t *testing.T) {
	f := newFixture(t, config.AdmissionLenient)
	ctx := context.Background()
	u := f.user(t, "upgrade@example.com")
	a := f.app(t, u, "Reports")

	for i := 0; i < 3; i++ {
		_, _, err := f.svc.Execute(ctx, u, a, ExecuteParams{})
		require.NoError(t, err)
	}

	res, err := f.licences.UpgradeToCustom(ctx, u.ID, licence.CustomLimits{MaxApps: 5, MaxExecutionsPer24h: 10})
	require.NoError(t, err)
	require.True(t, res.Success)

	u, err = f.accounts.GetUser(ctx, u.ID)
	require.NoError(t, err)

	d, err := f.svc.MayExecute(ctx, u)
	require.NoError(t, err)
	require.True(t, d.Allowed)
	require.Equal(t, 10, d.Limit)
}
