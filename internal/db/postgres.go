package db

import (
	"fmt"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/veridoc/prospectus-backend/internal/platform/logger"
	"github.com/veridoc/prospectus-backend/internal/types"
	"github.com/veridoc/prospectus-backend/internal/utils"
)

type PostgresService struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewPostgresService(log *logger.Logger) (*PostgresService, error) {
	serviceLog := log.With("service", "PostgresService")

	postgresHost := utils.GetEnv("POSTGRES_HOST", "localhost", log)
	postgresPort := utils.GetEnv("POSTGRES_PORT", "5432", log)
	postgresUser := utils.GetEnv("POSTGRES_USER", "postgres", log)
	postgresPassword := utils.GetEnv("POSTGRES_PASSWORD", "", log)
	postgresName := utils.GetEnv("POSTGRES_NAME", "prospectus", log)

	dsn := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", postgresUser, postgresPassword, postgresHost, postgresPort, postgresName)

	log.Info("Connecting to Postgres...")
	gormDB, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		log.Error("Failed to connect to Postgres", "error", err)
		return nil, fmt.Errorf("failed to connect to Postgres: %w", err)
	}

	if err := gormDB.Exec(`CREATE EXTENSION IF NOT EXISTS "uuid-ossp";`).Error; err != nil {
		log.Error("Failed to enable uuid-ossp extension", "error", err)
		return nil, fmt.Errorf("failed to enable uuid-ossp extension: %w", err)
	}

	return &PostgresService{db: gormDB, log: serviceLog}, nil
}

func (s *PostgresService) AutoMigrateAll() error {
	s.log.Info("Auto migrating postgres tables...")
	err := s.db.AutoMigrate(
		&types.Company{},
		&types.Page{},
		&types.ChecklistItem{},
		&types.ModelCallLog{},
	)
	if err != nil {
		s.log.Error("Auto migration failed for postgres tables", "error", err)
		return err
	}

	// Deleting a company must cascade to its pages and checklist items so no
	// orphaned row can reference a missing owner.
	constraints := []struct {
		name string
		stmt string
	}{
		{
			name: "fk_page_company_id",
			stmt: `ALTER TABLE "page" ADD CONSTRAINT "fk_page_company_id" FOREIGN KEY ("company_id") REFERENCES "company"("id") ON DELETE CASCADE`,
		},
		{
			name: "fk_checklist_item_company_id",
			stmt: `ALTER TABLE "checklist_item" ADD CONSTRAINT "fk_checklist_item_company_id" FOREIGN KEY ("company_id") REFERENCES "company"("id") ON DELETE CASCADE`,
		},
		{
			name: "fk_model_call_log_company_id",
			stmt: `ALTER TABLE "model_call_log" ADD CONSTRAINT "fk_model_call_log_company_id" FOREIGN KEY ("company_id") REFERENCES "company"("id") ON DELETE CASCADE`,
		},
	}
	for _, c := range constraints {
		var exists bool
		if err := s.db.Raw(`SELECT EXISTS (SELECT 1 FROM pg_constraint WHERE conname = ?)`, c.name).Scan(&exists).Error; err != nil {
			return fmt.Errorf("failed to check constraint %s: %w", c.name, err)
		}
		if exists {
			continue
		}
		if err := s.db.Exec(c.stmt).Error; err != nil {
			return fmt.Errorf("failed to add %s: %w", c.name, err)
		}
	}
	return nil
}

func (s *PostgresService) DB() *gorm.DB {
	return s.db
}
