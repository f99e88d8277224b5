package db

import (
	"fmt"

	"github.com/shutterpost/shutterpost/internal/models"
	"gorm.io/gorm"
)

// AllModels returns every GORM model for migration.
func AllModels() []interface{} {
	return []interface{}{
		&models.TransferRecord{},
		&models.MonthlyThread{},
	}
}

// AutoMigrate creates any missing tables and indexes. It never drops or
// rewrites existing data.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("db: auto-migrate: %w", err)
	}
	return nil
}
