package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"smallbiznis-licensing/pkg/clock"
	"smallbiznis-licensing/pkg/config"
	"smallbiznis-licensing/pkg/db"
	"smallbiznis-licensing/pkg/gen"
	"smallbiznis-licensing/pkg/hashistack/secretmanager"
	"smallbiznis-licensing/pkg/logger"
	"smallbiznis-licensing/services/licence"
)

// tokens re-mints the licence token of every user, for example after the
// token key has been rotated.
func main() {
	var svc *licence.Service

	opts := []fx.Option{
		config.Module,
		logger.Module,
		clock.Module,
		db.Module,
		gen.NodeModule(3),
		licence.Module,
		fx.Populate(&svc),
		fxLogger,
	}

	if os.Getenv("VAULT_ADDR") != "" {
		opts = append(opts, secretmanager.Module)
	}

	if err := fx.ValidateApp(opts...); err != nil {
		log.Fatalf("fx validation failed: %v", err)
	}

	app := fx.New(opts...)

	startCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := app.Start(startCtx); err != nil {
		log.Fatalf("start: %v", err)
	}

	report, err := svc.RegenerateAllTokens(context.Background())

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer stopCancel()
	_ = app.Stop(stopCtx)

	if err != nil {
		zap.L().Error("token regeneration aborted", zap.Error(err))
		os.Exit(1)
	}

	fmt.Printf("generated=%d skipped=%d errors=%d\n", report.Generated, report.Skipped, report.Errors)
	if report.Errors > 0 {
		os.Exit(2)
	}
}

var fxLogger = fx.WithLogger(func(cfg *config.Config, logger *zap.Logger) fxevent.Logger {
	return fxevent.NopLogger
})
