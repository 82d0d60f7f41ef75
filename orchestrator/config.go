package orchestrator

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/PipeLaneLabs/ordo-ai/lease"
	"github.com/PipeLaneLabs/ordo-ai/types"
)

// Config holds the state machine policy.
type Config struct {
	// RetryCeiling is the number of gate failures at one tier that routes
	// the workflow to tier_0.
	RetryCeiling int `json:"retry_ceiling" yaml:"retry_ceiling" env:"RETRY_CEILING"`

	// AgentMaxAttempts bounds agent invocations per step, first call included.
	AgentMaxAttempts int `json:"agent_max_attempts" yaml:"agent_max_attempts" env:"AGENT_MAX_ATTEMPTS"`

	AgentRetryInitialDelay time.Duration `json:"agent_retry_initial_delay" yaml:"agent_retry_initial_delay" env:"AGENT_RETRY_INITIAL_DELAY"`
	AgentRetryMaxDelay     time.Duration `json:"agent_retry_max_delay" yaml:"agent_retry_max_delay" env:"AGENT_RETRY_MAX_DELAY"`

	// ApprovalTiers pause after their step commits.
	ApprovalTiers   []types.Tier  `json:"approval_tiers" yaml:"approval_tiers"`
	ApprovalTimeout time.Duration `json:"approval_timeout" yaml:"approval_timeout" env:"APPROVAL_TIMEOUT"`

	// MaxEscalations is how many times a workflow may enter tier_0.
	MaxEscalations int `json:"max_escalations" yaml:"max_escalations" env:"MAX_ESCALATIONS"`

	LeaseTTL     time.Duration `json:"lease_ttl" yaml:"lease_ttl" env:"LEASE_TTL"`
	LeaseBackend lease.Backend `json:"lease_backend" yaml:"lease_backend" env:"LEASE_BACKEND"`

	// Runner
	Workers      int           `json:"workers" yaml:"workers" env:"WORKERS"`
	PollInterval time.Duration `json:"poll_interval" yaml:"poll_interval" env:"POLL_INTERVAL"`

	// SummaryCacheTTL applies when a Redis cache is configured.
	SummaryCacheTTL time.Duration `json:"summary_cache_ttl" yaml:"summary_cache_ttl" env:"SUMMARY_CACHE_TTL"`
}

// DefaultConfig returns the default policy.
func DefaultConfig() Config {
	return Config{
		RetryCeiling:           2,
		AgentMaxAttempts:       3,
		AgentRetryInitialDelay: time.Second,
		AgentRetryMaxDelay:     30 * time.Second,
		ApprovalTiers:          []types.Tier{types.Tier0, types.Tier4, types.Tier5},
		ApprovalTimeout:        time.Hour,
		MaxEscalations:         3,
		LeaseTTL:               5 * time.Minute,
		LeaseBackend:           lease.BackendLocal,
		Workers:                4,
		PollInterval:           2 * time.Second,
		SummaryCacheTTL:        30 * time.Second,
	}
}

// Validate reports every invalid field at once.
func (c Config) Validate() error {
	var errs []error
	if c.RetryCeiling < 1 {
		errs = append(errs, errors.New("retry_ceiling must be >= 1"))
	}
	if c.AgentMaxAttempts < 1 {
		errs = append(errs, errors.New("agent_max_attempts must be >= 1"))
	}
	if c.AgentRetryInitialDelay < 0 || c.AgentRetryMaxDelay < 0 {
		errs = append(errs, errors.New("agent retry delays must be >= 0"))
	}
	if c.AgentRetryMaxDelay > 0 && c.AgentRetryInitialDelay > c.AgentRetryMaxDelay {
		errs = append(errs, errors.New("agent_retry_initial_delay must not exceed agent_retry_max_delay"))
	}
	for _, t := range c.ApprovalTiers {
		if !t.Valid() {
			errs = append(errs, fmt.Errorf("approval_tiers: unknown tier %q", t))
		}
	}
	if c.ApprovalTimeout < 0 {
		errs = append(errs, errors.New("approval_timeout must be >= 0"))
	}
	if c.MaxEscalations < 0 {
		errs = append(errs, errors.New("max_escalations must be >= 0"))
	}
	if c.LeaseTTL <= 0 {
		errs = append(errs, errors.New("lease_ttl must be > 0"))
	}
	if c.LeaseBackend != "" && !c.LeaseBackend.Valid() {
		errs = append(errs, fmt.Errorf("lease_backend: unknown backend %q", c.LeaseBackend))
	}
	if c.Workers < 1 {
		errs = append(errs, errors.New("workers must be >= 1"))
	}
	if c.PollInterval <= 0 {
		errs = append(errs, errors.New("poll_interval must be > 0"))
	}
	return errors.Join(errs...)
}

// RequiresApproval reports whether a tier pauses for a human decision.
func (c Config) RequiresApproval(t types.Tier) bool {
	return slices.Contains(c.ApprovalTiers, t)
}
