package sequence

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/stretchr/testify/require"

	"smallbiznis-licensing/services/testutil"
)

var jobRef = regexp.MustCompile(`^JOB-251016-[0-9A-Z]{3}[A-Z2-9]{2}$`)

func TestNextJobReferenceIncrementsPerUserAndDay(t *testing.T) {
	rdb, mr := testutil.NewTestRedis(t)
	clock := quartz.NewMock(t)
	clock.Set(time.Date(2025, 10, 16, 9, 0, 0, 0, time.UTC))

	gen := NewRedisGenerator(Params{Redis: rdb, Clock: clock})
	ctx := context.Background()

	first, err := gen.NextJobReference(ctx, "u1")
	require.NoError(t, err)
	require.Regexp(t, jobRef, first)
	require.Equal(t, "JOB-251016-001", first[:14])

	second, err := gen.NextJobReference(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, "JOB-251016-002", second[:14])

	other, err := gen.NextJobReference(ctx, "u2")
	require.NoError(t, err)
	require.Equal(t, "JOB-251016-001", other[:14])

	ttl := mr.TTL("seq:job:u1:251016")
	require.Greater(t, ttl, time.Duration(0))
	require.LessOrEqual(t, ttl, 15*time.Hour+time.Minute)
}

func TestNextJobReferenceRedisDown(t *testing.T) {
	rdb, mr := testutil.NewTestRedis(t)
	mr.SetError("ERR unavailable")

	gen := NewRedisGenerator(Params{Redis: rdb, Clock: quartz.NewMock(t)})
	_, err := gen.NextJobReference(context.Background(), "u1")
	require.Error(t, err)
}
