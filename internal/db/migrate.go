package db

import (
	"fmt"

	"porter/internal/model"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Migrate runs database migrations for all models
func Migrate(db *gorm.DB) error {
	log := logrus.WithField("component", "db")
	log.Info("Starting database migration...")

	models := []interface{}{
		&model.ExecutionRecord{},
	}

	if err := db.AutoMigrate(models...); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}

	log.WithField("tables", len(models)).Info("Database migration completed")
	return nil
}
