package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/PipeLaneLabs/ordo-ai/api/handlers"
	"github.com/PipeLaneLabs/ordo-ai/artifact"
	"github.com/PipeLaneLabs/ordo-ai/audit"
	"github.com/PipeLaneLabs/ordo-ai/budget"
	"github.com/PipeLaneLabs/ordo-ai/checkpoint"
	"github.com/PipeLaneLabs/ordo-ai/config"
	"github.com/PipeLaneLabs/ordo-ai/gate"
	"github.com/PipeLaneLabs/ordo-ai/internal/cache"
	"github.com/PipeLaneLabs/ordo-ai/internal/database"
	"github.com/PipeLaneLabs/ordo-ai/internal/metrics"
	"github.com/PipeLaneLabs/ordo-ai/internal/server"
	"github.com/PipeLaneLabs/ordo-ai/internal/telemetry"
	"github.com/PipeLaneLabs/ordo-ai/lease"
	"github.com/PipeLaneLabs/ordo-ai/orchestrator"
	"github.com/PipeLaneLabs/ordo-ai/persistence"
)

// skipAuthPaths 免认证路径
var skipAuthPaths = []string{"/health", "/healthz", "/ready", "/readyz", "/version", "/metrics"}

// probePaths are logged at debug level to keep probe noise out of the logs.
var probePaths = map[string]struct{}{
	"/health": {}, "/healthz": {}, "/ready": {}, "/readyz": {}, "/metrics": {},
}

// actionRoles may cancel, approve and reject when authentication is on.
var actionRoles = []string{"admin", "developer"}

// =============================================================================
// 🖥️ Server
// =============================================================================

// Server 是 ordo 的主服务器
type Server struct {
	cfg    *config.Config
	logger *zap.Logger

	pool      *database.PoolManager
	store     *persistence.GormStore
	cache     *cache.Manager
	pgPool    *pgxpool.Pool
	telemetry *telemetry.Providers
	collector *metrics.Collector

	orch        *orchestrator.Orchestrator
	runner      *orchestrator.Runner
	checkpoints *checkpoint.Manager
	health      *handlers.HealthHandler

	httpManager    *server.Manager
	metricsManager *server.Manager
}

// NewServer connects every backing service and assembles the orchestrator.
// Partially opened resources are released when construction fails.
func NewServer(ctx context.Context, cfg *config.Config, logger *zap.Logger) (_ *Server, err error) {
	s := &Server{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			s.Close(context.WithoutCancel(ctx))
		}
	}()

	// 1. 遥测
	providers, err := telemetry.Init(ctx, cfg.Telemetry, Version, logger)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}
	s.telemetry = providers

	// 2. 指标
	s.collector = metrics.NewCollector("ordo", logger)

	// 3. 数据库
	if err = s.openStore(); err != nil {
		return nil, err
	}

	// 4. Redis（可选）
	if cfg.Redis.Enabled() {
		if s.cache, err = cache.NewManager(cfg.Redis, logger); err != nil {
			return nil, fmt.Errorf("connect redis: %w", err)
		}
	}

	// 5. 编排器
	if err = s.initOrchestrator(ctx); err != nil {
		return nil, err
	}

	// 6. HTTP
	if err = s.initHTTP(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Server) openStore() error {
	db := s.cfg.Database
	poolCfg := database.DefaultPoolConfig()
	poolCfg.MaxOpenConns = db.MaxOpenConns
	poolCfg.MaxIdleConns = db.MaxIdleConns
	poolCfg.ConnMaxLifetime = db.ConnMaxLifetime

	pool, err := database.Open(db.Driver, db.DSN(), poolCfg, s.logger)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	s.pool = pool
	s.store = persistence.NewGormStore(pool, s.logger)
	s.logger.Info("database connected", zap.String("driver", db.Driver))
	return nil
}

func (s *Server) newLeaser(ctx context.Context) (lease.Leaser, error) {
	switch s.cfg.Orchestrator.LeaseBackend {
	case lease.BackendRedis:
		if s.cache == nil {
			return nil, errors.New("lease backend redis requires redis.addr")
		}
		return lease.NewRedis(s.cache, s.logger), nil
	case lease.BackendPostgres:
		if s.cfg.Database.Driver != "postgres" {
			return nil, fmt.Errorf("lease backend postgres requires the postgres driver, got %q", s.cfg.Database.Driver)
		}
		pgPool, err := pgxpool.New(ctx, s.cfg.Database.DSN())
		if err != nil {
			return nil, fmt.Errorf("open lease pool: %w", err)
		}
		s.pgPool = pgPool
		return lease.NewPostgres(pgPool), nil
	default:
		return lease.NewLocal(), nil
	}
}

func (s *Server) newAgents() (*orchestrator.Agents, error) {
	configured, err := s.cfg.AgentBindings()
	if err != nil {
		return nil, err
	}
	bindings := make([]orchestrator.Binding, 0, len(configured))
	for tier, a := range configured {
		agent := orchestrator.NewHTTPAgent(a.Name, a.Endpoint, a.Timeout)
		agent.Token = a.Token
		bindings = append(bindings, orchestrator.Binding{
			Tier:            tier,
			Name:            a.Name,
			Model:           a.Model,
			ProjectedTokens: a.ProjectedTokens,
			Timeout:         a.Timeout,
			Agent:           agent,
		})
	}
	return orchestrator.NewAgents(bindings...)
}

func (s *Server) initOrchestrator(ctx context.Context) error {
	cfg := s.cfg

	agents, err := s.newAgents()
	if err != nil {
		return fmt.Errorf("agent bindings: %w", err)
	}
	sets, err := cfg.GateSets()
	if err != nil {
		return fmt.Errorf("gate criteria: %w", err)
	}
	leaser, err := s.newLeaser(ctx)
	if err != nil {
		return err
	}
	objects, err := artifact.NewFileStore(cfg.Artifacts.BasePath)
	if err != nil {
		return fmt.Errorf("artifact store: %w", err)
	}

	guard := budget.NewGuard(s.store, cfg.Budget, s.logger).
		WithEstimator(budget.NewTiktokenEstimator(cfg.Budget.TokenizerEncoding, s.logger))
	if s.cache != nil {
		guard = guard.WithLedger(budget.NewRedisLedger(s.cache, "ordo:budget").
			WithReservationTTL(cfg.Orchestrator.LeaseTTL))
	}
	s.checkpoints = checkpoint.NewManager(s.store, cfg.Checkpoint, s.logger)

	s.orch, err = orchestrator.New(cfg.Orchestrator, orchestrator.Deps{
		Store:       s.store,
		Agents:      agents,
		Checkpoints: s.checkpoints,
		Budget:      guard,
		Gates:       gate.NewEvaluator(s.store, sets, s.logger),
		Audit:       audit.NewLogger(s.store, s.logger),
		Leaser:      leaser,
		Objects:     objects,
		Cache:       s.cache,
		Metrics:     s.collector,
		Logger:      s.logger,
	})
	if err != nil {
		return err
	}
	s.runner = orchestrator.NewRunner(s.orch, s.logger)
	return nil
}

// =============================================================================
// 🌐 HTTP
// =============================================================================

func (s *Server) initHTTP(ctx context.Context) error {
	cfg := s.cfg.Server

	s.health = handlers.NewHealthHandler(s.logger)
	s.health.RegisterCheck(handlers.NewDatabaseHealthCheck(s.store.Ping))
	if s.cache != nil {
		s.health.RegisterCheck(handlers.NewRedisHealthCheck(s.cache.Ping))
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.health.HandleHealth)
	mux.HandleFunc("GET /healthz", s.health.HandleHealthz)
	mux.HandleFunc("GET /ready", s.health.HandleReady)
	mux.HandleFunc("GET /readyz", s.health.HandleReady)
	mux.HandleFunc("GET /version", s.health.HandleVersion(Version, BuildTime, GitCommit))
	if cfg.MetricsPort == 0 {
		mux.Handle("GET /metrics", promhttp.Handler())
	}

	var opts []handlers.WorkflowOption
	authOn := s.cfg.JWT.Enabled() || len(cfg.APIKeys) > 0
	if authOn {
		opts = append(opts, handlers.WithActionRoles(actionRoles...))
	}
	handlers.NewWorkflowHandler(s.orch, s.logger, opts...).Register(mux)
	handlers.NewStreamHandler(s.orch, s.orch.Audit().Feed(), s.logger, originHosts(cfg.CORSAllowedOrigins)...).Register(mux)

	auth, err := Authenticate(s.cfg.JWT, cfg, skipAuthPaths, s.logger)
	if err != nil {
		return err
	}

	// 认证在限流之前，限流按用户计数
	handler := Chain(mux,
		Recovery(s.logger),
		RequestID(),
		SecurityHeaders(),
		RequestLogger(s.logger),
		MetricsMiddleware(s.collector),
		OTelTracing(),
		CORS(cfg.CORSAllowedOrigins),
		auth,
		RateLimiter(ctx, cfg.RateLimitRPS, cfg.RateLimitBurst, s.logger),
	)

	s.httpManager = server.NewManager(handler, server.Config{
		Name:            "api",
		Addr:            fmt.Sprintf(":%d", cfg.HTTPPort),
		ReadTimeout:     cfg.ReadTimeout,
		WriteTimeout:    cfg.WriteTimeout,
		IdleTimeout:     2 * cfg.ReadTimeout,
		MaxHeaderBytes:  1 << 20,
		ShutdownTimeout: cfg.ShutdownTimeout,
	}, s.logger)

	if cfg.MetricsPort != 0 {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.Handler())
		s.metricsManager = server.NewManager(metricsMux, server.Config{
			Name:            "metrics",
			Addr:            fmt.Sprintf(":%d", cfg.MetricsPort),
			ReadTimeout:     cfg.ReadTimeout,
			WriteTimeout:    cfg.WriteTimeout,
			ShutdownTimeout: cfg.ShutdownTimeout,
		}, s.logger)
	}

	s.logger.Info("routes registered",
		zap.Bool("auth", authOn),
		zap.Bool("jwt", s.cfg.JWT.Enabled()),
		zap.Int("http_port", cfg.HTTPPort),
		zap.Int("metrics_port", cfg.MetricsPort),
	)
	return nil
}

// originHosts turns CORS origins into the host patterns the websocket
// handshake matches against.
func originHosts(origins []string) []string {
	hosts := make([]string, 0, len(origins))
	for _, o := range origins {
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			hosts = append(hosts, u.Host)
			continue
		}
		hosts = append(hosts, o)
	}
	return hosts
}

// =============================================================================
// 🚀 运行与关闭
// =============================================================================

// Run serves until ctx is cancelled. The runner stops taking new steps and
// the servers drain in-flight requests before Run returns.
func (s *Server) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return s.httpManager.Run(ctx) })
	if s.metricsManager != nil {
		g.Go(func() error { return s.metricsManager.Run(ctx) })
	}
	g.Go(func() error { return s.runner.Run(ctx) })
	g.Go(func() error {
		s.checkpoints.Run(ctx)
		return nil
	})
	g.Go(func() error {
		s.recordPoolStats(ctx, 15*time.Second)
		return nil
	})

	s.logger.Info("ordo started", zap.String("version", Version))
	return g.Wait()
}

func (s *Server) recordPoolStats(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := s.pool.GetStats()
			s.collector.RecordDBConnections(s.cfg.Database.Driver, stats.OpenConnections, stats.Idle)
		}
	}
}

// Close releases backing services in reverse order of construction.
func (s *Server) Close(ctx context.Context) {
	if s.pgPool != nil {
		s.pgPool.Close()
	}
	if s.cache != nil {
		if err := s.cache.Close(); err != nil {
			s.logger.Warn("redis close failed", zap.Error(err))
		}
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			s.logger.Warn("database close failed", zap.Error(err))
		}
	}
	if s.telemetry != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := s.telemetry.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("telemetry shutdown failed", zap.Error(err))
		}
	}
}
