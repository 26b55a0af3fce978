package redis

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/fx/fxtest"
	"go.uber.org/zap"

	"smallbiznis-licensing/pkg/config"
)

func TestNewConnectsOnStart(t *testing.T) {
	mr := miniredis.RunT(t)

	cfg := &config.Config{}
	cfg.Redis.Addr = mr.Addr()

	lc := fxtest.NewLifecycle(t)
	rdb := New(lc, cfg)
	lc.RequireStart()

	require.NoError(t, rdb.Set(context.Background(), "k", "v", 0).Err())
	mr.CheckGet(t, "k", "v")

	lc.RequireStop()
}

func TestWaitReadyHonoursContext(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"})
	t.Cleanup(func() { _ = rdb.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.Error(t, waitReady(ctx, rdb, zap.NewNop()))
}
