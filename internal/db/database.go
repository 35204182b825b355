package db

import (
	"fmt"
	"os"

	"flowgate/pkg/models"

	"github.com/rs/zerolog/log"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// NewDatabase creates a new database connection
func NewDatabase() (*gorm.DB, error) {
	dsn := fmt.Sprintf(
		"host=%s user=%s password=%s dbname=%s port=%s sslmode=%s TimeZone=%s",
		os.Getenv("DB_HOST"),
		os.Getenv("DB_USER"),
		os.Getenv("DB_PASSWORD"),
		os.Getenv("DB_NAME"),
		os.Getenv("DB_PORT"),
		os.Getenv("DB_SSLMODE"),
		os.Getenv("DB_TIMEZONE"),
	)

	config := &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Error),
		TranslateError: true,
	}

	gdb, err := gorm.Open(postgres.Open(dsn), config)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	return gdb, nil
}

// RunMigrations runs database migrations using GORM
func RunMigrations(gdb *gorm.DB) error {
	log.Info().Msg("Running GORM AutoMigrate")

	if err := gdb.Exec(`CREATE EXTENSION IF NOT EXISTS "uuid-ossp"`).Error; err != nil {
		log.Warn().Err(err).Msg("Could not create uuid-ossp extension")
	}

	if err := gdb.AutoMigrate(models.GetAllModels()...); err != nil {
		return fmt.Errorf("failed to run GORM AutoMigrate: %w", err)
	}

	if err := createCustomIndexes(gdb); err != nil {
		log.Warn().Err(err).Msg("Failed to create some custom indexes")
	}

	log.Info().Msg("GORM AutoMigrate completed")
	return nil
}

// createCustomIndexes creates indexes GORM cannot express with tags
func createCustomIndexes(gdb *gorm.DB) error {
	indexes := []string{
		// At most one active flow session per (tenant, conversation)
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_flow_sessions_one_active
			ON flow_sessions(tenant_id, conversation_id) WHERE status = 'active'`,

		// Due scheduled campaigns lookup for the sweeper
		`CREATE INDEX IF NOT EXISTS idx_campaigns_due
			ON campaigns(scheduled_at) WHERE status = 'scheduled'`,

		// Window expiry sweep
		`CREATE INDEX IF NOT EXISTS idx_conversations_window
			ON conversations(window_expires_at) WHERE status = 'open'`,
	}

	for _, idx := range indexes {
		if err := gdb.Exec(idx).Error; err != nil {
			log.Warn().Err(err).Str("index", idx).Msg("Failed to create index")
		}
	}

	return nil
}
