package types

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// =============================================================================
// Tier
// =============================================================================

// Tier identifies one of the six orchestration stages.
type Tier string

const (
	// TierNone marks a workflow that has not entered any tier yet.
	TierNone Tier = ""
	Tier0    Tier = "tier_0"
	Tier1    Tier = "tier_1"
	Tier2    Tier = "tier_2"
	Tier3    Tier = "tier_3"
	Tier4    Tier = "tier_4"
	Tier5    Tier = "tier_5"
)

// ForwardTiers is the forward pipeline in execution order.
var ForwardTiers = []Tier{Tier1, Tier2, Tier3, Tier4, Tier5}

// AllTiers lists every tier, deviation handler first.
var AllTiers = []Tier{Tier0, Tier1, Tier2, Tier3, Tier4, Tier5}

var tierStages = map[Tier]string{
	Tier0: "deviation",
	Tier1: "planning",
	Tier2: "architecture",
	Tier3: "preparation",
	Tier4: "development",
	Tier5: "validation_delivery",
}

// ParseTier accepts either a tier identifier ("tier_3") or its stage name ("preparation").
func ParseTier(s string) (Tier, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if t := Tier(s); t.Valid() {
		return t, nil
	}
	for t, stage := range tierStages {
		if stage == s {
			return t, nil
		}
	}
	return TierNone, fmt.Errorf("unknown tier %q", s)
}

// Valid reports whether t is one of the six enumerated tiers.
func (t Tier) Valid() bool {
	_, ok := tierStages[t]
	return ok
}

// Stage returns the human-readable stage name.
func (t Tier) Stage() string {
	return tierStages[t]
}

// IsDeviation reports whether t is the deviation handler.
func (t Tier) IsDeviation() bool {
	return t == Tier0
}

// Next returns the following forward tier and false when t is the last one.
// Tier0 has no successor of its own; callers route back to the escalation origin.
func (t Tier) Next() (Tier, bool) {
	for i, ft := range ForwardTiers {
		if ft == t && i+1 < len(ForwardTiers) {
			return ForwardTiers[i+1], true
		}
	}
	return TierNone, false
}

// MarshalJSON encodes TierNone as null.
func (t Tier) MarshalJSON() ([]byte, error) {
	if t == TierNone {
		return []byte("null"), nil
	}
	return json.Marshal(string(t))
}

// UnmarshalJSON rejects anything that is neither null nor an enumerated tier.
func (t *Tier) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		*t = TierNone
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" {
		*t = TierNone
		return nil
	}
	parsed, err := ParseTier(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// =============================================================================
// Status
// =============================================================================

// WorkflowStatus is the coarse lifecycle state.
type WorkflowStatus string

const (
	StatusPending   WorkflowStatus = "pending"
	StatusRunning   WorkflowStatus = "running"
	StatusPaused    WorkflowStatus = "paused"
	StatusCompleted WorkflowStatus = "completed"
	StatusFailed    WorkflowStatus = "failed"
	StatusCancelled WorkflowStatus = "cancelled"
)

// ActiveStatuses are excluded from checkpoint pruning.
var ActiveStatuses = []WorkflowStatus{StatusRunning, StatusPaused}

// NonTerminalStatuses may still transition.
var NonTerminalStatuses = []WorkflowStatus{StatusPending, StatusRunning, StatusPaused}

// Valid reports whether s is a known status.
func (s WorkflowStatus) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusPaused, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// IsTerminal reports whether s is completed, failed or cancelled.
func (s WorkflowStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// FailureReason is drawn from the error taxonomy.
type FailureReason string

const (
	FailureBudgetExceeded   FailureReason = "budget_exceeded"
	FailureAgentInvocation  FailureReason = "agent_invocation_failure"
	FailureGate             FailureReason = "gate_failure"
	FailureEscalationLimit  FailureReason = "escalation_limit"
	FailureApprovalRejected FailureReason = "approval_rejected"
	FailureApprovalTimeout  FailureReason = "approval_timeout"
)

// Valid reports whether r is one of the taxonomy reasons.
func (r FailureReason) Valid() bool {
	switch r {
	case FailureBudgetExceeded, FailureAgentInvocation, FailureGate,
		FailureEscalationLimit, FailureApprovalRejected, FailureApprovalTimeout:
		return true
	}
	return false
}

// StepPhase records how far the current tier step has progressed.
type StepPhase string

const (
	// PhaseEntered means the tier was entered and its agent has not run.
	PhaseEntered StepPhase = "entered"
	// PhaseExecuted means the agent output is stored and awaits gate evaluation.
	PhaseExecuted StepPhase = "executed"
)

// =============================================================================
// Workflow
// =============================================================================

// DefaultWorkflowType is used when a submission names no type.
const DefaultWorkflowType = "feature"

// Workflow is the durable record of one orchestration run.
type Workflow struct {
	ID           string           `json:"id"`
	Request      string           `json:"request"`
	Type         string           `json:"type"`
	Status       WorkflowStatus   `json:"status"`
	CurrentTier  Tier             `json:"current_tier"`
	CurrentAgent string           `json:"current_agent,omitempty"`
	StartedAt    time.Time        `json:"started_at"`
	CompletedAt  *time.Time       `json:"completed_at,omitempty"`
	UpdatedAt    time.Time        `json:"updated_at"`
	Metadata     WorkflowMetadata `json:"metadata"`
}

// WorkflowMetadata is the typed replacement for the free-form metadata blob.
type WorkflowMetadata struct {
	TokensUsed       int64           `json:"tokens_used"`
	CostUsed         MicroUSD        `json:"cost_used_usd"`
	Rejections       map[Tier]int    `json:"rejections,omitempty"`
	TotalRejections  int             `json:"total_rejections"`
	GatesPassed      int             `json:"gates_passed"`
	GatesFailed      int             `json:"gates_failed"`
	AgentFailures    int             `json:"agent_failures"`
	Phase            StepPhase       `json:"phase,omitempty"`
	EscalatedFrom    Tier            `json:"escalated_from"`
	Escalations      int             `json:"escalations"`
	EscalationReason string          `json:"escalation_reason,omitempty"`
	FailureReason    FailureReason   `json:"failure_reason,omitempty"`
	FailureDetail    string          `json:"failure_detail,omitempty"`
	PausedAt         *time.Time      `json:"paused_at,omitempty"`
	LastApproval     *ApprovalRecord `json:"last_approval,omitempty"`
	ThresholdAlerted bool            `json:"threshold_alerted,omitempty"`
}

// ApprovalRecord captures the latest human decision.
type ApprovalRecord struct {
	Tier      Tier      `json:"tier"`
	Approved  bool      `json:"approved"`
	Actor     string    `json:"actor,omitempty"`
	Comment   string    `json:"comment,omitempty"`
	DecidedAt time.Time `json:"decided_at"`
}

// Clone returns a deep copy.
func (w *Workflow) Clone() *Workflow {
	if w == nil {
		return nil
	}
	c := *w
	if w.CompletedAt != nil {
		t := *w.CompletedAt
		c.CompletedAt = &t
	}
	c.Metadata = w.Metadata.clone()
	return &c
}

func (m WorkflowMetadata) clone() WorkflowMetadata {
	c := m
	if m.Rejections != nil {
		c.Rejections = make(map[Tier]int, len(m.Rejections))
		for k, v := range m.Rejections {
			c.Rejections[k] = v
		}
	}
	if m.PausedAt != nil {
		t := *m.PausedAt
		c.PausedAt = &t
	}
	if m.LastApproval != nil {
		a := *m.LastApproval
		c.LastApproval = &a
	}
	return c
}

// RejectionsAt returns the gate rejection count for a tier.
func (m *WorkflowMetadata) RejectionsAt(t Tier) int {
	return m.Rejections[t]
}

// AddRejection increments the per-tier and total rejection counters.
func (m *WorkflowMetadata) AddRejection(t Tier) int {
	if m.Rejections == nil {
		m.Rejections = make(map[Tier]int)
	}
	m.Rejections[t]++
	m.TotalRejections++
	return m.Rejections[t]
}

// ResetRejections clears the counter for one tier.
func (m *WorkflowMetadata) ResetRejections(t Tier) {
	delete(m.Rejections, t)
}

// Validate checks the record invariants.
func (w *Workflow) Validate() error {
	if w.ID == "" {
		return fmt.Errorf("workflow id is required")
	}
	if !w.Status.Valid() {
		return fmt.Errorf("invalid status %q", w.Status)
	}
	if w.CurrentTier != TierNone && !w.CurrentTier.Valid() {
		return fmt.Errorf("invalid tier %q", w.CurrentTier)
	}
	if w.Status == StatusRunning && w.CurrentTier == TierNone {
		return fmt.Errorf("running workflow must have a tier")
	}
	if w.CompletedAt != nil {
		if !w.Status.IsTerminal() {
			return fmt.Errorf("completed_at set on non-terminal status %s", w.Status)
		}
		if w.CompletedAt.Before(w.StartedAt) {
			return fmt.Errorf("completed_at precedes started_at")
		}
	}
	for t := range w.Metadata.Rejections {
		if !t.Valid() {
			return fmt.Errorf("invalid tier %q in rejections", t)
		}
	}
	return nil
}

// MarkTerminal sets a terminal status and stamps completed_at no earlier than started_at.
func (w *Workflow) MarkTerminal(status WorkflowStatus, at time.Time) {
	w.Status = status
	if at.Before(w.StartedAt) {
		at = w.StartedAt
	}
	w.CompletedAt = &at
	w.Metadata.PausedAt = nil
}

// Fail marks the workflow failed with a reason from the taxonomy.
func (w *Workflow) Fail(reason FailureReason, detail string, at time.Time) {
	w.Metadata.FailureReason = reason
	w.Metadata.FailureDetail = detail
	w.MarkTerminal(StatusFailed, at)
}
