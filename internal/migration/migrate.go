package migration

import (
	"gorm.io/gorm"

	"github.com/errwatch/errwatch-backend/internal/domain"
	"github.com/errwatch/errwatch-backend/pkg/logger"
)

// Run applies the schema for all persisted models
func Run(db *gorm.DB) error {
	logger.WithComponent("migration").Info().Msg("running schema migration")
	return db.AutoMigrate(
		&domain.Tenant{},
		&domain.APIKey{},
		&domain.ErrorGroup{},
		&domain.AlertRule{},
		&domain.AlertState{},
		&domain.DeadLetter{},
	)
}
