// =============================================================================
// ordo 主入口
// =============================================================================
// 工作流编排服务入口点，包含 HTTP API、后台 Runner、健康检查、Prometheus 指标
//
// 使用方法:
//
//	ordo serve                        # 启动服务
//	ordo serve --config config.yaml   # 指定配置文件
//	ordo serve --migrate              # 启动前执行数据库迁移
//	ordo migrate up                   # 运行数据库迁移
//	ordo migrate status               # 查看迁移状态
//	ordo prune --before 72h           # 清理非活跃工作流的旧检查点
//	ordo health                       # 健康检查
//	ordo version                      # 显示版本信息
// =============================================================================

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/PipeLaneLabs/ordo-ai/checkpoint"
	"github.com/PipeLaneLabs/ordo-ai/config"
	"github.com/PipeLaneLabs/ordo-ai/internal/database"
	"github.com/PipeLaneLabs/ordo-ai/internal/migration"
	"github.com/PipeLaneLabs/ordo-ai/internal/tlsutil"
	"github.com/PipeLaneLabs/ordo-ai/persistence"
	"github.com/PipeLaneLabs/ordo-ai/types"
)

// =============================================================================
// 📦 版本信息（构建时注入）
// =============================================================================

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// =============================================================================
// 🎯 主函数
// =============================================================================

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		runServe(os.Args[2:])
	case "migrate":
		runMigrate(os.Args[2:])
	case "prune":
		runPrune(os.Args[2:])
	case "version":
		printVersion()
	case "health":
		runHealthCheck(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

// loadConfig 加载并验证配置
func loadConfig(path string) (*config.Config, error) {
	loader := config.NewLoader().WithValidator(func(c *config.Config) error { return c.Validate() })
	if path != "" {
		loader = loader.WithConfigPath(path)
	}
	return loader.Load()
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

// =============================================================================
// 🖥️ serve 命令
// =============================================================================

func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	migrate := fs.Bool("migrate", false, "Apply pending migrations before serving")
	_ = fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fatal("Failed to load config: %v", err)
	}

	logger := initLogger(cfg.Log)
	defer func() { _ = logger.Sync() }()

	logger.Info("starting ordo",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *migrate {
		if err := migrateUp(ctx, cfg.Database, logger); err != nil {
			logger.Fatal("migration failed", zap.Error(err))
		}
	}

	srv, err := NewServer(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to start server", zap.Error(err))
	}
	defer srv.Close(context.Background())

	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server stopped with error", zap.Error(err))
		return
	}
	logger.Info("ordo stopped")
}

func migrateUp(ctx context.Context, db config.DatabaseConfig, logger *zap.Logger) error {
	m, err := migration.NewMigratorFromDatabaseConfig(db, logger)
	if err != nil {
		return err
	}
	defer m.Close()
	return m.Up(ctx)
}

// =============================================================================
// 🧹 prune 命令
// =============================================================================

func runPrune(args []string) {
	fs := flag.NewFlagSet("prune", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	before := fs.String("before", "", "Cutoff as RFC3339 time or duration ago (default: checkpoint.retention)")
	_ = fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fatal("Failed to load config: %v", err)
	}
	logger := initLogger(cfg.Log)
	defer func() { _ = logger.Sync() }()

	cutoff, err := parseCutoff(*before, time.Now(), cfg.Checkpoint.Retention)
	if err != nil {
		fatal("Invalid --before: %v", err)
	}

	pool, err := database.Open(cfg.Database.Driver, cfg.Database.DSN(), database.DefaultPoolConfig(), logger)
	if err != nil {
		fatal("Failed to connect database: %v", err)
	}
	store := persistence.NewGormStore(pool, logger)
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	n, err := checkpoint.NewManager(store, cfg.Checkpoint, logger).Prune(ctx, cutoff, types.ActiveStatuses)
	if err != nil {
		fatal("Prune failed: %v", err)
	}
	fmt.Printf("Pruned %d checkpoints older than %s\n", n, cutoff.UTC().Format(time.RFC3339))
}

// parseCutoff accepts an RFC3339 timestamp or a duration counted back from
// now. An empty value applies the retention.
func parseCutoff(value string, now time.Time, retention time.Duration) (time.Time, error) {
	if value == "" {
		if retention <= 0 {
			return time.Time{}, errors.New("checkpoint.retention is not set")
		}
		return now.Add(-retention), nil
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return time.Time{}, fmt.Errorf("%q is neither RFC3339 nor a duration", value)
	}
	if d <= 0 {
		return time.Time{}, fmt.Errorf("duration %s must be positive", d)
	}
	return now.Add(-d), nil
}

// =============================================================================
// 🏥 健康检查命令
// =============================================================================

func runHealthCheck(args []string) {
	fs := flag.NewFlagSet("health", flag.ExitOnError)
	addr := fs.String("addr", "http://localhost:8080", "Server address")
	_ = fs.Parse(args)

	client := tlsutil.SecureHTTPClient(5 * time.Second)
	resp, err := client.Get(*addr + "/ready")
	if err != nil {
		fatal("Health check failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fatal("Health check failed: status %d", resp.StatusCode)
	}

	fmt.Println("OK")
}

// =============================================================================
// 📋 版本和帮助
// =============================================================================

func printVersion() {
	fmt.Printf("ordo %s\n", Version)
	fmt.Printf("  Build Time: %s\n", BuildTime)
	fmt.Printf("  Git Commit: %s\n", GitCommit)
}

func printUsage() {
	fmt.Println(`ordo - tiered workflow orchestration engine

Usage:
  ordo <command> [options]

Commands:
  serve     Start the API server and background runner
  migrate   Database migration commands
  prune     Delete old checkpoints of inactive workflows
  version   Show version information
  health    Check server readiness
  help      Show this help message

Options for 'serve':
  --config <path>   Path to configuration file (YAML)
  --migrate         Apply pending migrations before serving

Options for 'prune':
  --config <path>   Path to configuration file (YAML)
  --before <when>   RFC3339 time or duration ago, e.g. 72h

Migration subcommands:
  migrate up        Apply all pending migrations
  migrate down      Rollback the last migration
  migrate status    Show migration status
  migrate version   Show current migration version
  migrate goto <v>  Migrate to a specific version
  migrate force <v> Force set migration version
  migrate reset     Rollback all migrations

Examples:
  ordo serve --config /etc/ordo/config.yaml
  ordo migrate up
  ordo prune --before 2026-01-01T00:00:00Z
  ordo health --addr http://localhost:8080
  ordo version`)
}

// =============================================================================
// 🔧 日志初始化
// =============================================================================

func initLogger(cfg config.LogConfig) *zap.Logger {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	// 配置编码器
	var encoderConfig zapcore.EncoderConfig
	encoding := "json"
	if cfg.Format == "console" {
		encoding = "console"
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.TimeKey = "timestamp"
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	outputs := cfg.OutputPaths
	if len(outputs) == 0 {
		outputs = []string{"stdout"}
	}

	zapConfig := zap.Config{
		Level:             zap.NewAtomicLevelAt(level),
		Development:       encoding == "console",
		Encoding:          encoding,
		EncoderConfig:     encoderConfig,
		OutputPaths:       outputs,
		ErrorOutputPaths:  []string{"stderr"},
		DisableCaller:     !cfg.EnableCaller,
		DisableStacktrace: !cfg.EnableStacktrace,
	}

	logger, err := zapConfig.Build()
	if err != nil {
		// 回退到基本 logger
		logger, _ = zap.NewProduction()
	}
	return logger
}
