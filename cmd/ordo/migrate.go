package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"

	"go.uber.org/zap"

	"github.com/PipeLaneLabs/ordo-ai/internal/migration"
)

// =============================================================================
// Database Migration Commands
// =============================================================================

// migrateCommand runs one subcommand with its nargs positional arguments.
type migrateCommand struct {
	usage string
	nargs int
	run   func(ctx context.Context, cli *migration.CLI, positional []string) error
}

var migrateCommands = map[string]migrateCommand{
	"up": {run: func(ctx context.Context, cli *migration.CLI, _ []string) error {
		return cli.RunUp(ctx)
	}},
	"down": {run: func(ctx context.Context, cli *migration.CLI, _ []string) error {
		return cli.RunDown(ctx)
	}},
	"status": {run: func(ctx context.Context, cli *migration.CLI, _ []string) error {
		return cli.RunStatus(ctx)
	}},
	"version": {run: func(ctx context.Context, cli *migration.CLI, _ []string) error {
		return cli.RunVersion(ctx)
	}},
	"reset": {run: func(ctx context.Context, cli *migration.CLI, _ []string) error {
		return cli.RunReset(ctx)
	}},
	"goto": {usage: "<version>", nargs: 1, run: func(ctx context.Context, cli *migration.CLI, positional []string) error {
		version, err := strconv.ParseUint(positional[0], 10, 32)
		if err != nil {
			return fmt.Errorf("invalid version number: %s", positional[0])
		}
		return cli.RunGoto(ctx, uint(version))
	}},
	"force": {usage: "<version>", nargs: 1, run: func(ctx context.Context, cli *migration.CLI, positional []string) error {
		version, err := strconv.ParseInt(positional[0], 10, 32)
		if err != nil {
			return fmt.Errorf("invalid version number: %s", positional[0])
		}
		return cli.RunForce(ctx, int(version))
	}},
}

// runMigrate handles the migrate command and its subcommands
func runMigrate(args []string) {
	if len(args) < 1 {
		printMigrateUsage()
		os.Exit(1)
	}
	name := args[0]
	if name == "help" || name == "-h" || name == "--help" {
		printMigrateUsage()
		return
	}
	cmd, ok := migrateCommands[name]
	if !ok {
		fmt.Fprintf(os.Stderr, "Unknown migrate subcommand: %s\n", name)
		printMigrateUsage()
		os.Exit(1)
	}

	fs := flag.NewFlagSet("migrate "+name, flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	dbType := fs.String("db-type", "", "Database type (postgres, mysql, sqlite)")
	dbDSN := fs.String("db-dsn", "", "Database DSN for the migration driver")

	// 位置参数在选项之前：ordo migrate goto 3 --config x.yaml
	rest := args[1:]
	if len(rest) < cmd.nargs {
		fatal("Usage: ordo migrate %s %s", name, cmd.usage)
	}
	positional := rest[:cmd.nargs]
	_ = fs.Parse(rest[cmd.nargs:])

	migrator, err := createMigrator(*configPath, *dbType, *dbDSN)
	if err != nil {
		fatal("Failed to create migrator: %v", err)
	}
	defer migrator.Close()

	if err := cmd.run(context.Background(), migration.NewCLI(migrator), positional); err != nil {
		migrator.Close()
		fatal("migrate %s failed: %v", name, err)
	}
}

// createMigrator uses --db-type/--db-dsn when both are given, otherwise the
// database section of the configuration.
func createMigrator(configPath, dbType, dsn string) (*migration.DefaultMigrator, error) {
	if dbType != "" && dsn != "" {
		return migration.NewMigratorFromDSN(dbType, dsn, zap.NewNop())
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if dbType != "" {
		cfg.Database.Driver = dbType
	}
	logger := initLogger(cfg.Log)
	return migration.NewMigratorFromDatabaseConfig(cfg.Database, logger)
}

// printMigrateUsage prints the usage information for migrate command
func printMigrateUsage() {
	fmt.Println(`Database Migration Commands

Usage:
  ordo migrate <subcommand> [version] [options]

Subcommands:
  up        Apply all pending migrations
  down      Rollback the last migration
  status    Show migration status
  version   Show current migration version
  goto      Migrate to a specific version
  force     Force set migration version (use with caution)
  reset     Rollback all migrations
  help      Show this help message

Options:
  --config <path>     Path to configuration file (YAML)
  --db-type <type>    Database type: postgres, mysql, sqlite (default: from config)
  --db-dsn <dsn>      Migration DSN, requires --db-type (default: from config)

Examples:
  ordo migrate up
  ordo migrate up --config /etc/ordo/config.yaml
  ordo migrate status
  ordo migrate goto 1
  ordo migrate force 0
  ordo migrate up --db-type sqlite --db-dsn ./ordo.db`)
}
