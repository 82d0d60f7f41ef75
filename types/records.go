package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// =============================================================================
// Checkpoint
// =============================================================================

// WorkflowState is the full serialized state captured by a checkpoint.
type WorkflowState struct {
	Workflow   Workflow     `json:"workflow"`
	Phase      StepPhase    `json:"phase,omitempty"`
	LastOutput *AgentOutput `json:"last_output,omitempty"`
}

// Validate rejects empty state objects.
func (s *WorkflowState) Validate() error {
	if s == nil {
		return fmt.Errorf("state is nil")
	}
	if s.Workflow.ID == "" {
		return fmt.Errorf("state has no workflow")
	}
	return s.Workflow.Validate()
}

// CheckpointMetadata is the snapshot metadata stored next to the state.
type CheckpointMetadata struct {
	Tier       Tier      `json:"tier"`
	Agent      string    `json:"agent,omitempty"`
	Phase      StepPhase `json:"phase,omitempty"`
	TokensUsed int64     `json:"tokens_used"`
	CostUsed   MicroUSD  `json:"cost_used_usd"`
	Reason     string    `json:"reason,omitempty"`
}

// Checkpoint is an immutable, versioned snapshot of one workflow.
type Checkpoint struct {
	ID         string             `json:"id"`
	WorkflowID string             `json:"workflow_id"`
	Version    int                `json:"version"`
	ParentID   string             `json:"parent_id,omitempty"`
	State      WorkflowState      `json:"state"`
	Metadata   CheckpointMetadata `json:"metadata"`
	CreatedAt  time.Time          `json:"created_at"`
}

// =============================================================================
// Audit
// =============================================================================

// EventType names an audit event, e.g. "agent.started".
type EventType string

// AuditEvent is an append-only record of a transition or decision.
// WorkflowID is empty for system events that precede any workflow.
type AuditEvent struct {
	ID         string          `json:"id"`
	WorkflowID string          `json:"workflow_id,omitempty"`
	Sequence   int64           `json:"sequence"`
	EventType  EventType       `json:"event_type"`
	Agent      string          `json:"agent,omitempty"`
	Data       json.RawMessage `json:"data"`
	CreatedAt  time.Time       `json:"created_at"`
}

// =============================================================================
// Budget
// =============================================================================

// BudgetEntry is the committed spend of one agent invocation.
type BudgetEntry struct {
	ID           string    `json:"id"`
	WorkflowID   string    `json:"workflow_id"`
	Agent        string    `json:"agent"`
	Model        string    `json:"model"`
	Tier         Tier      `json:"tier"`
	TokensInput  int64     `json:"tokens_input"`
	TokensOutput int64     `json:"tokens_output"`
	Cost         MicroUSD  `json:"cost_usd"`
	CreatedAt    time.Time `json:"created_at"`
}

// Validate checks the non-negativity constraints.
func (e *BudgetEntry) Validate() error {
	if e.WorkflowID == "" {
		return fmt.Errorf("budget entry has no workflow")
	}
	if e.TokensInput < 0 || e.TokensOutput < 0 {
		return fmt.Errorf("token counts must be non-negative")
	}
	if e.Cost < 0 {
		return fmt.Errorf("cost must be non-negative")
	}
	return nil
}

// Usage returns the entry as a Usage.
func (e *BudgetEntry) Usage() Usage {
	return Usage{TokensInput: e.TokensInput, TokensOutput: e.TokensOutput, Cost: e.Cost}
}

// =============================================================================
// Quality gate
// =============================================================================

// GateStatus is the aggregate outcome of a gate evaluation.
type GateStatus string

const (
	GatePassed  GateStatus = "passed"
	GateFailed  GateStatus = "failed"
	GateSkipped GateStatus = "skipped"
)

// CriterionResult is the outcome of one criterion.
type CriterionResult struct {
	Name     string   `json:"name"`
	Required bool     `json:"required"`
	Passed   bool     `json:"passed"`
	Score    *float64 `json:"score,omitempty"`
	Message  string   `json:"message,omitempty"`
}

// GateResult is one evaluation attempt. Re-evaluation creates a new result.
type GateResult struct {
	ID          string            `json:"id"`
	WorkflowID  string            `json:"workflow_id"`
	Gate        string            `json:"gate"`
	Attempt     int               `json:"attempt"`
	Status      GateStatus        `json:"status"`
	Criteria    []string          `json:"criteria"`
	Results     []CriterionResult `json:"results"`
	EvaluatedAt time.Time         `json:"evaluated_at"`
}

// =============================================================================
// Artifact
// =============================================================================

// ArtifactType classifies agent output files.
type ArtifactType string

const (
	ArtifactCode          ArtifactType = "code"
	ArtifactTest          ArtifactType = "test"
	ArtifactReport        ArtifactType = "report"
	ArtifactConfig        ArtifactType = "config"
	ArtifactDocumentation ArtifactType = "documentation"
	ArtifactLog           ArtifactType = "log"
)

// Valid reports whether t is a known artifact type.
func (t ArtifactType) Valid() bool {
	switch t {
	case ArtifactCode, ArtifactTest, ArtifactReport, ArtifactConfig, ArtifactDocumentation, ArtifactLog:
		return true
	}
	return false
}

// Artifact is the metadata of a stored output file.
type Artifact struct {
	ID         string            `json:"id"`
	WorkflowID string            `json:"workflow_id"`
	Type       ArtifactType      `json:"type"`
	Path       string            `json:"path"`
	StorageKey string            `json:"storage_key"`
	SizeBytes  int64             `json:"size_bytes"`
	Checksum   string            `json:"checksum,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}

// =============================================================================
// Agent exchange
// =============================================================================

// Severity of an issue reported by an agent.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityBlocking Severity = "blocking"
)

// Issue is a finding reported in agent output.
type Issue struct {
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
}

// OutputFile is a file produced by an agent, stored as an Artifact.
type OutputFile struct {
	Type    ArtifactType `json:"type"`
	Path    string       `json:"path"`
	Content []byte       `json:"content"`
}

// AgentOutput is the tier output that gate criteria inspect.
type AgentOutput struct {
	Summary string          `json:"summary"`
	Score   *float64        `json:"score,omitempty"`
	Issues  []Issue         `json:"issues,omitempty"`
	Files   []OutputFile    `json:"files,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// AgentResult is what an agent invocation returns.
type AgentResult struct {
	Output       AgentOutput `json:"output"`
	Model        string      `json:"model,omitempty"`
	TokensInput  int64       `json:"tokens_input"`
	TokensOutput int64       `json:"tokens_output"`
	Cost         MicroUSD    `json:"cost_usd"`
}
