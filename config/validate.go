package config

import (
	"errors"
	"fmt"
	"net/url"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/PipeLaneLabs/ordo-ai/gate"
	"github.com/PipeLaneLabs/ordo-ai/lease"
	"github.com/PipeLaneLabs/ordo-ai/types"
)

// Validate 验证配置，一次返回全部问题
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	// server
	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		add("server.http_port: invalid port %d", c.Server.HTTPPort)
	}
	if c.Server.MetricsPort < 0 || c.Server.MetricsPort > 65535 {
		add("server.metrics_port: invalid port %d", c.Server.MetricsPort)
	}
	if c.Server.RateLimitRPS < 0 || c.Server.RateLimitBurst < 0 {
		add("server: rate limits must be >= 0")
	}

	// database
	switch c.Database.Driver {
	case "postgres", "mysql":
		if c.Database.Host == "" {
			add("database.host is required for %s", c.Database.Driver)
		}
	case "sqlite":
	default:
		add("database.driver: unsupported driver %q", c.Database.Driver)
	}
	if c.Database.Name == "" {
		add("database.name is required")
	}

	// log
	if _, err := zap.ParseAtomicLevel(c.Log.Level); err != nil {
		add("log.level: %v", err)
	}
	if c.Log.Format != "json" && c.Log.Format != "console" {
		add("log.format: must be json or console, got %q", c.Log.Format)
	}

	// telemetry
	if c.Telemetry.Enabled && c.Telemetry.OTLPEndpoint == "" {
		add("telemetry.otlp_endpoint is required when telemetry is enabled")
	}
	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		add("telemetry.sample_rate must be within [0, 1]")
	}

	// jwt
	if c.JWT.PublicKey != "" {
		if _, err := jwt.ParseRSAPublicKeyFromPEM([]byte(c.JWT.PublicKey)); err != nil {
			add("jwt.public_key: %v", err)
		}
	}

	// components
	if err := c.Orchestrator.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("orchestrator: %w", err))
	}
	switch c.Orchestrator.LeaseBackend {
	case lease.BackendRedis:
		if !c.Redis.Enabled() {
			add("orchestrator.lease_backend redis requires redis.addr")
		}
	case lease.BackendPostgres:
		if c.Database.Driver != "postgres" {
			add("orchestrator.lease_backend postgres requires database.driver postgres")
		}
	}
	if err := c.Budget.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("budget: %w", err))
	}
	if c.Checkpoint.Retention < 0 || c.Checkpoint.MaxPerWorkflow < 0 || c.Checkpoint.PruneInterval < 0 {
		add("checkpoint: retention, max_per_workflow and prune_interval must be >= 0")
	}
	if c.Artifacts.BasePath == "" {
		add("artifacts.base_path is required")
	}

	if _, err := c.AgentBindings(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.GateSets(); err != nil {
		errs = append(errs, fmt.Errorf("gates: %w", err))
	}
	return errors.Join(errs...)
}

// AgentBindings resolves the agents section to tiers.
func (c *Config) AgentBindings() (map[types.Tier]AgentConfig, error) {
	out := make(map[types.Tier]AgentConfig, len(c.Agents))
	var errs []error
	for key, a := range c.Agents {
		tier, err := types.ParseTier(key)
		if err != nil {
			errs = append(errs, fmt.Errorf("agents.%s: %w", key, err))
			continue
		}
		if _, dup := out[tier]; dup {
			errs = append(errs, fmt.Errorf("agents.%s: tier %s configured twice", key, tier))
			continue
		}
		u, err := url.Parse(a.Endpoint)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, fmt.Errorf("agents.%s.endpoint: %q is not an http(s) URL", key, a.Endpoint))
			continue
		}
		if a.Timeout < 0 || a.ProjectedTokens < 0 {
			errs = append(errs, fmt.Errorf("agents.%s: timeout and projected_tokens must be >= 0", key))
			continue
		}
		if a.Name == "" {
			a.Name = tier.Stage()
		}
		out[tier] = a
	}
	return out, errors.Join(errs...)
}

// GateSets builds the gate criteria sets.
func (c *Config) GateSets() (gate.Sets, error) {
	return gate.FromConfig(c.Gates)
}
