package orchestrator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PipeLaneLabs/ordo-ai/types"
)

func TestDefaultConfig_IsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.True(t, cfg.RequiresApproval(types.Tier0))
	assert.True(t, cfg.RequiresApproval(types.Tier4))
	assert.False(t, cfg.RequiresApproval(types.Tier1))
}

func TestConfig_ValidateReportsEveryField(t *testing.T) {
	cfg := Config{
		RetryCeiling:           0,
		AgentMaxAttempts:       0,
		AgentRetryInitialDelay: 2 * time.Second,
		AgentRetryMaxDelay:     time.Second,
		ApprovalTiers:          []types.Tier{"tier_7"},
		ApprovalTimeout:        -time.Second,
		MaxEscalations:         -1,
		LeaseBackend:           "zookeeper",
	}
	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{
		"retry_ceiling", "agent_max_attempts", "agent_retry_initial_delay",
		"approval_tiers", "approval_timeout", "max_escalations",
		"lease_ttl", "lease_backend", "workers", "poll_interval",
	} {
		assert.Contains(t, err.Error(), want)
	}
}
