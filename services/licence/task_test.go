package licence

import (
	"context"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"

	"smallbiznis-licensing/pkg/task"
	"smallbiznis-licensing/pkg/taskname"
	"smallbiznis-licensing/services/account"
	"smallbiznis-licensing/services/testutil"
)

func TestRegenerateTaskFollowsLicenceVersion(t *testing.T) {
	l := sampleLicence()

	first, err := NewRegenerateTokensTask(l)
	require.NoError(t, err)
	again, err := NewRegenerateTokensTask(l)
	require.NoError(t, err)
	require.Equal(t, first.Payload(), again.Payload())

	l.MaxApps = 9
	changed, err := NewRegenerateTokensTask(l)
	require.NoError(t, err)
	require.NotEqual(t, first.Payload(), changed.Payload())
}

func TestLicenceVersion(t *testing.T) {
	a, b := sampleLicence(), sampleLicence()
	require.Equal(t, a.Version(), b.Version())

	b.MaxExecutionsPer24h++
	require.NotEqual(t, a.Version(), b.Version())

	b = sampleLicence()
	b.UpdatedAt = base.Add(time.Minute)
	require.NotEqual(t, a.Version(), b.Version())
}

func TestUpdateLimitsTwiceThroughQueue(t *testing.T) {
	rdb, mr := testutil.NewTestRedis(t)
	f := newFixture(t, task.NewEnqueuer(asynq.NewClientFromRedisClient(rdb)))
	ctx := context.Background()

	srv := asynq.NewServer(asynq.RedisClientOpt{Addr: mr.Addr()}, asynq.Config{
		Concurrency: 1,
		Queues:      map[string]int{"default": 1},
		LogLevel:    asynq.FatalLevel,
	})
	mux := asynq.NewServeMux()
	mux.HandleFunc(taskname.LicenceTokensRegenerate, f.svc.HandleRegenerateTokensTask)
	require.NoError(t, srv.Start(mux))
	t.Cleanup(srv.Shutdown)

	f.user(t, "u1")
	_, err := f.svc.AssignInitial(ctx, "u1")
	require.NoError(t, err)

	tokenMaxApps := func() int {
		var u account.User
		if err := f.db.Where("id = ?", "u1").Take(&u).Error; err != nil {
			return -1
		}
		claims, err := f.svc.codec.LicenceData(u.LicenceToken)
		if err != nil {
			return -1
		}
		return claims.MaxApps
	}

	for _, apps := range []int{7, 9} {
		_, err := f.svc.UpdateLimits(ctx, f.free.ID, LimitsUpdate{MaxApps: &apps})
		require.NoError(t, err)
		require.Eventually(t, func() bool { return tokenMaxApps() == apps },
			10*time.Second, 50*time.Millisecond, "token should carry max_apps=%d", apps)
	}
}

func TestRegenerationAfterUpdateStartsItsOwnRun(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.user(t, "u1")
	_, err := f.svc.AssignInitial(ctx, "u1")
	require.NoError(t, err)

	before, err := f.svc.GetLicence(ctx, f.free.ID)
	require.NoError(t, err)

	// a run for the previous version stays in flight for the whole test
	started := make(chan struct{})
	release := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		_, _, _ = f.svc.regen.Do(regenKey(before), func() (any, error) {
			close(started)
			<-release
			return &BatchReport{}, nil
		})
	}()
	<-started
	t.Cleanup(func() {
		close(release)
		<-finished
	})

	updated := make(chan error, 1)
	go func() {
		apps := 6
		_, err := f.svc.UpdateLimits(ctx, f.free.ID, LimitsUpdate{MaxApps: &apps})
		updated <- err
	}()

	select {
	case err := <-updated:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("update joined the run of the previous licence version")
	}

	claims, err := f.svc.codec.LicenceData(f.reload(t, "u1").LicenceToken)
	require.NoError(t, err)
	require.Equal(t, 6, claims.MaxApps)
}
