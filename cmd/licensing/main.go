package main

import (
	"log"
	"os"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"smallbiznis-licensing/pkg/clock"
	"smallbiznis-licensing/pkg/config"
	"smallbiznis-licensing/pkg/db"
	"smallbiznis-licensing/pkg/gen"
	"smallbiznis-licensing/pkg/featureflags"
	"smallbiznis-licensing/pkg/hashistack/secretmanager"
	"smallbiznis-licensing/pkg/hashistack/servicediscover"
	"smallbiznis-licensing/pkg/health"
	"smallbiznis-licensing/pkg/logger"
	"smallbiznis-licensing/pkg/otelcol"
	"smallbiznis-licensing/pkg/profiling"
	"smallbiznis-licensing/pkg/redis"
	"smallbiznis-licensing/pkg/sequence"
	"smallbiznis-licensing/pkg/server"
	"smallbiznis-licensing/pkg/task"
	"smallbiznis-licensing/services/account"
	"smallbiznis-licensing/services/admission"
	"smallbiznis-licensing/services/httpapi"
	"smallbiznis-licensing/services/licence"
	"smallbiznis-licensing/services/window"
)

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
		redis.Module,
		task.Client,
		sequence.Module,
		otelcol.Module,
		profiling.Module,
		featureflags.Module,
		health.Module,
		gen.NodeModule(1),
		fx.Invoke(migrate),
		account.Module,
		licence.Module,
		window.Module,
		admission.Module,
		httpapi.Module,
		server.ProvideHTTPServer,
		servicediscover.Module,
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

func migrate(cfg *config.Config, gdb *gorm.DB) error {
	if !cfg.Database.AutoMigrate {
		return nil
	}

	if err := db.Migrate(gdb,
		&account.User{},
		&account.Application{},
		&licence.Licence{},
		&window.Execution{},
	); err != nil {
		zap.L().Error("failed auto migrate", zap.Error(err))
		return err
	}

	zap.L().Info("schema migrated")
	return nil
}
