package migration

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/PipeLaneLabs/ordo-ai/config"
)

// NewMigratorFromDatabaseConfig 根据 database 配置段创建迁移器
func NewMigratorFromDatabaseConfig(db config.DatabaseConfig, logger *zap.Logger) (*DefaultMigrator, error) {
	dbType, err := ParseDatabaseType(db.Driver)
	if err != nil {
		return nil, fmt.Errorf("invalid database type: %w", err)
	}
	return NewMigrator(Config{
		DatabaseType: dbType,
		DSN:          db.MigrationDSN(),
		Logger:       logger,
	})
}

// NewMigratorFromDSN creates a migrator for an explicit driver and DSN.
func NewMigratorFromDSN(dbType, dsn string, logger *zap.Logger) (*DefaultMigrator, error) {
	dt, err := ParseDatabaseType(dbType)
	if err != nil {
		return nil, err
	}
	return NewMigrator(Config{DatabaseType: dt, DSN: dsn, Logger: logger})
}
