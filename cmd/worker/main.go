package main

import (
	"log"
	"os"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"smallbiznis-licensing/pkg/clock"
	"smallbiznis-licensing/pkg/config"
	"smallbiznis-licensing/pkg/db"
	"smallbiznis-licensing/pkg/gen"
	"smallbiznis-licensing/pkg/hashistack/secretmanager"
	"smallbiznis-licensing/pkg/logger"
	"smallbiznis-licensing/pkg/otelcol"
	"smallbiznis-licensing/pkg/profiling"
	"smallbiznis-licensing/pkg/task"
	"smallbiznis-licensing/services/licence"
	"smallbiznis-licensing/services/window"
)

// The worker consumes token regeneration tasks and runs the nightly window
// sweep.
func main() {
	configModule := config.Module
	if os.Getenv("REMOTE_CONFIG_PROVIDER") != "" {
		configModule = config.RemoteModule
	}

	opts := []fx.Option{
		configModule,
		logger.Module,
		clock.Module,
		db.Module,
		otelcol.Module,
		profiling.Module,
		gen.NodeModule(2),
		task.Server,
		licence.Module,
		licence.Worker,
		window.Module,
		window.SchedulerModule,
		fxLogger,
	}

	if os.Getenv("VAULT_ADDR") != "" {
		opts = append(opts, secretmanager.Module)
	}

	if err := fx.ValidateApp(opts...); err != nil {
		log.Fatalf("fx validation failed: %v", err)
	}

	app := fx.New(opts...)

	app.Run()
}

var fxLogger = fx.WithLogger(func(cfg *config.Config, logger *zap.Logger) fxevent.Logger {
	return fxevent.NopLogger
})
