package profiling

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/fx/fxtest"

	"smallbiznis-licensing/pkg/config"
)

func TestNewConfig(t *testing.T) {
	cfg := &config.Config{AppName: "licensing", AppEnv: "staging", AppVersion: "1.2.0"}
	cfg.Pyroscope.Addr = "http://pyroscope:4040"

	pc := NewConfig(cfg)
	require.Equal(t, "licensing", pc.ApplicationName)
	require.Equal(t, "http://pyroscope:4040", pc.ServerAddress)
	require.Equal(t, "staging", pc.Tags["env"])
	require.NotEmpty(t, pc.ProfileTypes)
}

func TestStartProfilerDisabled(t *testing.T) {
	lc := fxtest.NewLifecycle(t)
	StartProfiler(lc, &config.Config{})
	lc.RequireStart().RequireStop()
}
