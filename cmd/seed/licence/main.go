package main

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/coder/quartz"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"smallbiznis-licensing/pkg/clock"
	"smallbiznis-licensing/pkg/config"
	"smallbiznis-licensing/pkg/db"
	"smallbiznis-licensing/pkg/gen"
	"smallbiznis-licensing/pkg/hashistack/secretmanager"
	"smallbiznis-licensing/pkg/logger"
	"smallbiznis-licensing/services/account"
	"smallbiznis-licensing/services/licence"
	"smallbiznis-licensing/services/window"
)

type deps struct {
	Config  *config.Config
	DB      *gorm.DB
	Clock   quartz.Clock
	Licence *licence.Service
}

// seed creates the schema and the predefined licences when they are missing.
func main() {
	var d deps

	opts := []fx.Option{
		config.Module,
		logger.Module,
		clock.Module,
		db.Module,
		gen.NodeModule(4),
		licence.Module,
		fx.Populate(&d.Config, &d.DB, &d.Clock, &d.Licence),
		fxLogger,
	}

	if os.Getenv("VAULT_ADDR") != "" {
		opts = append(opts, secretmanager.Module)
	}

	if err := fx.ValidateApp(opts...); err != nil {
		log.Fatalf("fx validation failed: %v", err)
	}

	app := fx.New(opts...)

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := app.Start(ctx); err != nil {
		log.Fatalf("start: %v", err)
	}
	defer func() { _ = app.Stop(context.Background()) }()

	if err := seed(ctx, d); err != nil {
		zap.L().Error("seed failed", zap.Error(err))
		os.Exit(1)
	}
}

var fxLogger = fx.WithLogger(func(cfg *config.Config, logger *zap.Logger) fxevent.Logger {
	return fxevent.NopLogger
})

type predefined struct {
	wording       string
	description   string
	maxApps       int
	maxExecutions int
}

func catalogue(cfg *config.Config) []predefined {
	admin := "Admin"
	if len(cfg.Licensing.AdminLicenceNames) > 0 {
		admin = cfg.Licensing.AdminLicenceNames[0]
	}
	return []predefined{
		{wording: cfg.Licensing.DefaultLicence, description: "Default licence for new users", maxApps: 3, maxExecutions: 10},
		{wording: admin, description: "Administrator licence", maxApps: 10, maxExecutions: 300},
	}
}

func seed(ctx context.Context, d deps) error {
	if err := db.Migrate(d.DB,
		&account.User{},
		&account.Application{},
		&licence.Licence{},
		&window.Execution{},
	); err != nil {
		return err
	}

	now := d.Clock.Now().UTC()
	for _, p := range catalogue(d.Config) {
		exist, err := d.Licence.FindByWording(ctx, p.wording)
		if err != nil {
			return err
		}
		if exist != nil {
			zap.L().Info("licence already present", zap.String("wording", p.wording))
			continue
		}

		l, err := d.Licence.CreateLicence(ctx, licence.CreateLicenceParams{
			Wording:             p.wording,
			Description:         p.description,
			MaxApps:             p.maxApps,
			MaxExecutionsPer24h: p.maxExecutions,
			ValidFrom:           now,
			ValidTo:             now.AddDate(0, 0, 30),
		})
		if err != nil {
			return err
		}
		zap.L().Info("licence created", zap.String("id", l.ID), zap.String("wording", l.Wording))
	}
	return nil
}
