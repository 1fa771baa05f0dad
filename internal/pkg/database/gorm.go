package database

import (
	"fmt"

	"github.com/bifrosthq/bifrost/internal/domain/models"
	"github.com/bifrosthq/bifrost/internal/pkg/config"
	"github.com/rs/zerolog/log"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func NewGormDB(cfg *config.DatabaseConfig) (*gorm.DB, error) {
	dsn := cfg.DSN()

	gormConfig := &gorm.Config{
		Logger:                                   logger.Default.LogMode(logger.Warn),
		DisableForeignKeyConstraintWhenMigrating: true,
		PrepareStmt:                              true,
	}

	db, err := gorm.Open(postgres.Open(dsn), gormConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}

	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	log.Info().Msg("Database connected successfully")

	return db, nil
}

func AutoMigrate(db *gorm.DB) error {
	log.Info().Msg("Running database migrations...")

	err := db.AutoMigrate(
		// Identity
		&models.User{},
		&models.Organization{},
		&models.Role{},
		&models.UserRole{},
		&models.CLISession{},

		// Workflow catalog
		&models.Workflow{},
		&models.WorkflowAccess{},
		&models.RoleAssignment{},

		// Executions
		&models.Execution{},
		&models.ExecutionLog{},

		// Event sources & deliveries
		&models.EventSource{},
		&models.EventSubscription{},
		&models.Event{},
		&models.EventDelivery{},
	)

	if err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	log.Info().Msg("Database migrations completed")
	return nil
}

// EnsureSystemUser creates the identity the scheduler submits executions
// under. Idempotent.
func EnsureSystemUser(db *gorm.DB, name string) (*models.User, error) {
	var user models.User
	err := db.First(&user, "email = ?", name+"@system.local").Error
	if err == nil {
		return &user, nil
	}
	if err != gorm.ErrRecordNotFound {
		return nil, fmt.Errorf("failed to look up system user: %w", err)
	}

	user = models.User{
		Email:       name + "@system.local",
		Name:        name,
		IsSuperuser: true,
		IsActive:    true,
	}
	if err := db.Create(&user).Error; err != nil {
		return nil, fmt.Errorf("failed to seed system user: %w", err)
	}

	log.Info().Str("user", name).Msg("Created system user")
	return &user, nil
}
