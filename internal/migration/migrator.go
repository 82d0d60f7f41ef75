package migration

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	_ "github.com/glebarez/go-sqlite" // "sqlite" database/sql driver
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/mysql"
	pgxmigrate "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib" // "pgx" database/sql driver
	"go.uber.org/zap"
)

//go:embed migrations
var migrationsFS embed.FS

// =============================================================================
// 类型与接口
// =============================================================================

// DatabaseType 数据库方言
type DatabaseType string

const (
	DatabaseTypePostgres DatabaseType = "postgres"
	DatabaseTypeMySQL    DatabaseType = "mysql"
	DatabaseTypeSQLite   DatabaseType = "sqlite"
)

// sqlDriver is the database/sql driver name opened for each dialect.
func (t DatabaseType) sqlDriver() string {
	switch t {
	case DatabaseTypePostgres:
		return "pgx"
	case DatabaseTypeMySQL:
		return "mysql"
	case DatabaseTypeSQLite:
		return "sqlite"
	}
	return ""
}

// ParseDatabaseType 解析方言名
func ParseDatabaseType(s string) (DatabaseType, error) {
	switch strings.ToLower(s) {
	case "postgres", "postgresql", "pg":
		return DatabaseTypePostgres, nil
	case "mysql", "mariadb":
		return DatabaseTypeMySQL, nil
	case "sqlite", "sqlite3":
		return DatabaseTypeSQLite, nil
	default:
		return "", fmt.Errorf("unsupported database type: %s", s)
	}
}

// MigrationStatus 单个迁移的状态
type MigrationStatus struct {
	Version uint
	Name    string
	Applied bool
	Dirty   bool
}

// MigrationInfo 当前迁移状态摘要
type MigrationInfo struct {
	CurrentVersion    uint
	Dirty             bool
	TotalMigrations   int
	AppliedMigrations int
	PendingMigrations int
}

// Config 迁移器配置
type Config struct {
	DatabaseType DatabaseType
	// DSN is passed to database/sql unchanged. MySQL needs multiStatements=true.
	DSN         string
	TableName   string
	LockTimeout time.Duration
	Logger      *zap.Logger
}

// Migrator 迁移操作集合
type Migrator interface {
	Up(ctx context.Context) error
	Down(ctx context.Context) error
	DownAll(ctx context.Context) error
	Steps(ctx context.Context, n int) error
	Goto(ctx context.Context, version uint) error
	Force(ctx context.Context, version int) error
	Version(ctx context.Context) (uint, bool, error)
	Status(ctx context.Context) ([]MigrationStatus, error)
	Info(ctx context.Context) (*MigrationInfo, error)
	Close() error
}

// =============================================================================
// 默认实现
// =============================================================================

// DefaultMigrator runs the embedded SQL through golang-migrate.
type DefaultMigrator struct {
	config  Config
	db      *sql.DB
	source  source.Driver
	migrate *migrate.Migrate
}

// NewMigrator opens the database and prepares the embedded migrations.
func NewMigrator(cfg Config) (*DefaultMigrator, error) {
	if cfg.DSN == "" {
		return nil, errors.New("database DSN is required")
	}
	if cfg.DatabaseType.sqlDriver() == "" {
		return nil, fmt.Errorf("unsupported database type: %s", cfg.DatabaseType)
	}
	if cfg.TableName == "" {
		cfg.TableName = "schema_migrations"
	}
	if cfg.LockTimeout == 0 {
		cfg.LockTimeout = 15 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	db, err := sql.Open(cfg.DatabaseType.sqlDriver(), cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	m, err := newWithDB(cfg, db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return m, nil
}

func newWithDB(cfg Config, db *sql.DB) (*DefaultMigrator, error) {
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	dbDriver, err := databaseDriver(cfg, db)
	if err != nil {
		return nil, fmt.Errorf("create database driver: %w", err)
	}
	src, err := sourceDriver(cfg.DatabaseType)
	if err != nil {
		return nil, fmt.Errorf("create source driver: %w", err)
	}
	mig, err := migrate.NewWithInstance("iofs", src, string(cfg.DatabaseType), dbDriver)
	if err != nil {
		return nil, fmt.Errorf("create migrate instance: %w", err)
	}
	mig.LockTimeout = cfg.LockTimeout
	mig.Log = migrateLogger{logger: cfg.Logger.Named("migrate")}

	// Status 单独读取文件列表，避免与 migrate 共用游标
	listing, err := sourceDriver(cfg.DatabaseType)
	if err != nil {
		return nil, fmt.Errorf("create source driver: %w", err)
	}
	return &DefaultMigrator{config: cfg, db: db, source: listing, migrate: mig}, nil
}

func databaseDriver(cfg Config, db *sql.DB) (database.Driver, error) {
	switch cfg.DatabaseType {
	case DatabaseTypePostgres:
		return pgxmigrate.WithInstance(db, &pgxmigrate.Config{MigrationsTable: cfg.TableName})
	case DatabaseTypeMySQL:
		return mysql.WithInstance(db, &mysql.Config{MigrationsTable: cfg.TableName})
	case DatabaseTypeSQLite:
		return sqlite3.WithInstance(db, &sqlite3.Config{MigrationsTable: cfg.TableName})
	default:
		return nil, fmt.Errorf("unsupported database type: %s", cfg.DatabaseType)
	}
}

func sourceDriver(t DatabaseType) (source.Driver, error) {
	sub, err := fs.Sub(migrationsFS, "migrations/"+string(t))
	if err != nil {
		return nil, err
	}
	return iofs.New(sub, ".")
}

// run executes op and asks golang-migrate to stop after the current
// migration once ctx is cancelled.
func (m *DefaultMigrator) run(ctx context.Context, op func() error) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			select {
			case m.migrate.GracefulStop <- true:
			default:
			}
		case <-done:
		}
	}()
	err := op()
	if errors.Is(err, migrate.ErrNoChange) {
		return nil
	}
	return err
}

// Up 应用所有待执行迁移
func (m *DefaultMigrator) Up(ctx context.Context) error {
	if err := m.run(ctx, m.migrate.Up); err != nil {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

// Down 回滚最近一个迁移
func (m *DefaultMigrator) Down(ctx context.Context) error {
	return m.Steps(ctx, -1)
}

// DownAll 回滚全部迁移
func (m *DefaultMigrator) DownAll(ctx context.Context) error {
	if err := m.run(ctx, m.migrate.Down); err != nil {
		return fmt.Errorf("migration down all failed: %w", err)
	}
	return nil
}

// Steps applies n migrations, or rolls back -n when n is negative.
func (m *DefaultMigrator) Steps(ctx context.Context, n int) error {
	err := m.run(ctx, func() error { return m.migrate.Steps(n) })
	// 没有可回滚的迁移时 golang-migrate 返回 ErrNotExist
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("migration steps %d failed: %w", n, err)
	}
	return nil
}

// Goto 迁移到指定版本
func (m *DefaultMigrator) Goto(ctx context.Context, version uint) error {
	if err := m.run(ctx, func() error { return m.migrate.Migrate(version) }); err != nil {
		return fmt.Errorf("migration goto %d failed: %w", version, err)
	}
	return nil
}

// Force records version without running SQL; -1 clears the version.
func (m *DefaultMigrator) Force(_ context.Context, version int) error {
	if err := m.migrate.Force(version); err != nil {
		return fmt.Errorf("migration force failed: %w", err)
	}
	return nil
}

// Version returns the applied version; 0 means nothing is applied.
func (m *DefaultMigrator) Version(_ context.Context) (uint, bool, error) {
	version, dirty, err := m.migrate.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("read migration version: %w", err)
	}
	return version, dirty, nil
}

// Status 返回所有内嵌迁移的状态
func (m *DefaultMigrator) Status(ctx context.Context) ([]MigrationStatus, error) {
	current, dirty, err := m.Version(ctx)
	if err != nil {
		return nil, err
	}
	files, err := m.available()
	if err != nil {
		return nil, err
	}
	statuses := make([]MigrationStatus, 0, len(files))
	for _, f := range files {
		statuses = append(statuses, MigrationStatus{
			Version: f.version,
			Name:    f.name,
			Applied: f.version <= current,
			Dirty:   dirty && f.version == current,
		})
	}
	return statuses, nil
}

// Info 返回迁移摘要
func (m *DefaultMigrator) Info(ctx context.Context) (*MigrationInfo, error) {
	statuses, err := m.Status(ctx)
	if err != nil {
		return nil, err
	}
	info := &MigrationInfo{TotalMigrations: len(statuses)}
	info.CurrentVersion, info.Dirty, err = m.Version(ctx)
	if err != nil {
		return nil, err
	}
	for _, s := range statuses {
		if s.Applied {
			info.AppliedMigrations++
		}
	}
	info.PendingMigrations = info.TotalMigrations - info.AppliedMigrations
	return info, nil
}

// Close releases the migrate instance and the database handle.
func (m *DefaultMigrator) Close() error {
	srcErr, dbErr := m.migrate.Close()
	return errors.Join(srcErr, dbErr, m.source.Close(), m.db.Close())
}

type migrationFile struct {
	version uint
	name    string
}

// available walks the embedded source in version order.
func (m *DefaultMigrator) available() ([]migrationFile, error) {
	var files []migrationFile
	v, err := m.source.First()
	for err == nil {
		r, identifier, readErr := m.source.ReadUp(v)
		if readErr != nil {
			return nil, fmt.Errorf("read migration %d: %w", v, readErr)
		}
		_ = r.Close()
		files = append(files, migrationFile{version: v, name: identifier})
		v, err = m.source.Next(v)
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("list migrations: %w", err)
	}
	return files, nil
}

// migrateLogger 将 golang-migrate 日志写入 zap
type migrateLogger struct {
	logger *zap.Logger
}

func (l migrateLogger) Printf(format string, v ...any) {
	l.logger.Info(strings.TrimSpace(fmt.Sprintf(format, v...)))
}

func (l migrateLogger) Verbose() bool {
	return l.logger.Core().Enabled(zap.DebugLevel)
}
