// =============================================================================
// 📦 ordo 默认配置
// =============================================================================
// 提供所有配置项的合理默认值；组件配置的默认值来自各组件包
// =============================================================================
package config

import (
	"time"

	"github.com/PipeLaneLabs/ordo-ai/budget"
	"github.com/PipeLaneLabs/ordo-ai/checkpoint"
	"github.com/PipeLaneLabs/ordo-ai/internal/cache"
	"github.com/PipeLaneLabs/ordo-ai/orchestrator"
)

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Server:       DefaultServerConfig(),
		Database:     DefaultDatabaseConfig(),
		Redis:        cache.DefaultConfig(),
		Log:          DefaultLogConfig(),
		Telemetry:    DefaultTelemetryConfig(),
		Orchestrator: orchestrator.DefaultConfig(),
		Budget:       budget.DefaultConfig(),
		Checkpoint:   checkpoint.DefaultConfig(),
		Artifacts:    ArtifactsConfig{BasePath: "./data/artifacts"},
		Agents:       map[string]AgentConfig{},
		Gates:        nil,
	}
}

// DefaultServerConfig 返回默认服务器配置
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:        8080,
		MetricsPort:     9091,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		RateLimitRPS:    100,
		RateLimitBurst:  200,
	}
}

// DefaultDatabaseConfig 返回默认数据库配置
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver:          "postgres",
		Host:            "localhost",
		Port:            5432,
		User:            "ordo",
		Password:        "",
		Name:            "ordo",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultTelemetryConfig 返回默认遥测配置
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		Insecure:     true,
		ServiceName:  "ordo",
		SampleRate:   0.1,
	}
}
