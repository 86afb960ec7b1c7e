package db

import (
	"fmt"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var migrationStatements = []string{
	`CREATE EXTENSION IF NOT EXISTS "uuid-ossp";`,
	`CREATE TABLE IF NOT EXISTS vehicle_records (
		id              BIGSERIAL PRIMARY KEY,
		vehicle_id      TEXT NOT NULL,
		vehicle_type    TEXT NOT NULL,
		vehicle_number  TEXT NOT NULL,
		color_name      TEXT,
		color_hex       TEXT,
		model           TEXT,
		violation_type  INT NOT NULL DEFAULT 0,
		location        TEXT,
		event_time      TEXT,
		uploaded        BOOLEAN NOT NULL DEFAULT false,
		raw_results     JSONB,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
	);`,
	`CREATE INDEX IF NOT EXISTS ix_vehicle_records_vehicle_id ON vehicle_records(vehicle_id);`,
	`CREATE INDEX IF NOT EXISTS ix_vehicle_records_created_at ON vehicle_records(created_at);`,
	`CREATE INDEX IF NOT EXISTS ix_vehicle_records_violation ON vehicle_records(violation_type) WHERE violation_type > 0;`,
}

// Connect opens the journal database and applies migrations.
func Connect(dsn string) (*gorm.DB, error) {
	gdb, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := runMigrations(gdb); err != nil {
		return nil, err
	}
	return gdb, nil
}

func runMigrations(db *gorm.DB) error {
	for i, stmt := range migrationStatements {
		if err := db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}
	return nil
}
