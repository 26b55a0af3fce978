package db

import (
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Migrate creates or updates the tables backing models.
func Migrate(db *gorm.DB, models ...any) error {
	if err := db.AutoMigrate(models...); err != nil {
		zap.L().Error("[DB] auto migrate failed", zap.Error(err))
		return err
	}
	zap.L().Info("[DB] schema up to date", zap.Int("models", len(models)))
	return nil
}
