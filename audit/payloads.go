package audit

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/PipeLaneLabs/ordo-ai/types"
)

// Event types.
const (
	EventWorkflowSubmitted types.EventType = "workflow.submitted"
	EventWorkflowStarted   types.EventType = "workflow.started"
	EventWorkflowCompleted types.EventType = "workflow.completed"
	EventWorkflowFailed    types.EventType = "workflow.failed"
	EventWorkflowCancelled types.EventType = "workflow.cancelled"
	EventWorkflowResumed   types.EventType = "workflow.resumed"

	EventAgentStarted   types.EventType = "agent.started"
	EventAgentCompleted types.EventType = "agent.completed"
	EventAgentFailed    types.EventType = "agent.failed"

	EventStepCommitted types.EventType = "step.committed"
	EventStepAbandoned types.EventType = "step.abandoned"

	EventGateEvaluated       types.EventType = "gate.evaluated"
	EventValidationRejected  types.EventType = "validation.rejected"
	EventTierAdvanced        types.EventType = "tier.advanced"
	EventEscalationTriggered types.EventType = "escalation.triggered"

	EventApprovalRequested types.EventType = "approval.requested"
	EventApprovalGranted   types.EventType = "approval.granted"
	EventApprovalRejected  types.EventType = "approval.rejected"
	EventApprovalExpired   types.EventType = "approval.expired"

	EventBudgetDenied    types.EventType = "budget.denied"
	EventBudgetThreshold types.EventType = "budget.threshold_reached"

	EventCheckpointPruned types.EventType = "checkpoint.pruned"
)

// Payload is the typed data of one event type.
type Payload interface {
	EventType() types.EventType
	Validate() error
}

var registry = map[types.EventType]func() Payload{
	EventWorkflowSubmitted:   func() Payload { return &WorkflowSubmitted{} },
	EventWorkflowStarted:     func() Payload { return &WorkflowStarted{} },
	EventWorkflowCompleted:   func() Payload { return &WorkflowCompleted{} },
	EventWorkflowFailed:      func() Payload { return &WorkflowFailed{} },
	EventWorkflowCancelled:   func() Payload { return &WorkflowCancelled{} },
	EventWorkflowResumed:     func() Payload { return &WorkflowResumed{} },
	EventAgentStarted:        func() Payload { return &AgentStarted{} },
	EventAgentCompleted:      func() Payload { return &AgentCompleted{} },
	EventAgentFailed:         func() Payload { return &AgentFailed{} },
	EventStepCommitted:       func() Payload { return &StepCommitted{} },
	EventStepAbandoned:       func() Payload { return &StepAbandoned{} },
	EventGateEvaluated:       func() Payload { return &GateEvaluated{} },
	EventValidationRejected:  func() Payload { return &ValidationRejected{} },
	EventTierAdvanced:        func() Payload { return &TierAdvanced{} },
	EventEscalationTriggered: func() Payload { return &EscalationTriggered{} },
	EventApprovalRequested:   func() Payload { return &ApprovalRequested{} },
	EventApprovalGranted:     func() Payload { return &ApprovalGranted{} },
	EventApprovalRejected:    func() Payload { return &ApprovalRejected{} },
	EventApprovalExpired:     func() Payload { return &ApprovalExpired{} },
	EventBudgetDenied:        func() Payload { return &BudgetDenied{} },
	EventBudgetThreshold:     func() Payload { return &BudgetThreshold{} },
	EventCheckpointPruned:    func() Payload { return &CheckpointPruned{} },
}

// EventTypes lists every registered event type, sorted.
func EventTypes() []types.EventType {
	out := make([]types.EventType, 0, len(registry))
	for t := range registry {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Known reports whether t is registered.
func Known(t types.EventType) bool {
	_, ok := registry[t]
	return ok
}

// Decode parses raw event data into the registered payload type, rejecting
// unknown keys and invalid shapes.
func Decode(t types.EventType, data json.RawMessage) (Payload, error) {
	factory, ok := registry[t]
	if !ok {
		return nil, fmt.Errorf("unknown event type %q", t)
	}
	p := factory()
	if err := strictUnmarshal(data, p); err != nil {
		return nil, fmt.Errorf("decode %s: %w", t, err)
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("validate %s: %w", t, err)
	}
	return p, nil
}

// =============================================================================
// 工作流事件
// =============================================================================

type WorkflowSubmitted struct {
	Request string `json:"request"`
	Type    string `json:"type"`
}

func (WorkflowSubmitted) EventType() types.EventType { return EventWorkflowSubmitted }
func (p WorkflowSubmitted) Validate() error {
	return errors.Join(required("request", p.Request), required("type", p.Type))
}

type WorkflowStarted struct {
	Tier types.Tier `json:"tier"`
}

func (WorkflowStarted) EventType() types.EventType { return EventWorkflowStarted }
func (p WorkflowStarted) Validate() error         { return validTier("tier", p.Tier) }

type WorkflowCompleted struct {
	TokensUsed int64          `json:"tokens_used"`
	CostUsed   types.MicroUSD `json:"cost_usd"`
	DurationMs int64          `json:"duration_ms"`
}

func (WorkflowCompleted) EventType() types.EventType { return EventWorkflowCompleted }
func (p WorkflowCompleted) Validate() error {
	if p.TokensUsed < 0 || p.CostUsed < 0 || p.DurationMs < 0 {
		return errors.New("usage and duration must be non-negative")
	}
	return nil
}

type WorkflowFailed struct {
	Reason types.FailureReason `json:"reason"`
	Detail string              `json:"detail,omitempty"`
	Tier   types.Tier          `json:"tier,omitempty"`
}

func (WorkflowFailed) EventType() types.EventType { return EventWorkflowFailed }
func (p WorkflowFailed) Validate() error {
	if !p.Reason.Valid() {
		return fmt.Errorf("unknown failure reason %q", p.Reason)
	}
	return optionalTier("tier", p.Tier)
}

type WorkflowCancelled struct {
	FromStatus types.WorkflowStatus `json:"from_status"`
	Tier       types.Tier           `json:"tier,omitempty"`
	Actor      string               `json:"actor,omitempty"`
}

func (WorkflowCancelled) EventType() types.EventType { return EventWorkflowCancelled }
func (p WorkflowCancelled) Validate() error {
	if !p.FromStatus.Valid() || p.FromStatus.IsTerminal() {
		return fmt.Errorf("from_status %q is not a cancellable status", p.FromStatus)
	}
	return optionalTier("tier", p.Tier)
}

type WorkflowResumed struct {
	CheckpointID string               `json:"checkpoint_id"`
	Version      int                  `json:"version"`
	Status       types.WorkflowStatus `json:"status"`
	Tier         types.Tier           `json:"tier,omitempty"`
}

func (WorkflowResumed) EventType() types.EventType { return EventWorkflowResumed }
func (p WorkflowResumed) Validate() error {
	return errors.Join(required("checkpoint_id", p.CheckpointID), positive("version", p.Version), validStatus(p.Status))
}

// =============================================================================
// Agent 事件
// =============================================================================

type AgentStarted struct {
	Tier            types.Tier `json:"tier"`
	Model           string     `json:"model,omitempty"`
	Attempt         int        `json:"attempt"`
	ProjectedTokens int64      `json:"projected_tokens"`
}

func (AgentStarted) EventType() types.EventType { return EventAgentStarted }
func (p AgentStarted) Validate() error {
	return errors.Join(validTier("tier", p.Tier), positive("attempt", p.Attempt))
}

type AgentCompleted struct {
	Tier         types.Tier     `json:"tier"`
	Model        string         `json:"model,omitempty"`
	Attempt      int            `json:"attempt"`
	TokensInput  int64          `json:"tokens_input"`
	TokensOutput int64          `json:"tokens_output"`
	Cost         types.MicroUSD `json:"cost_usd"`
	DurationMs   int64          `json:"duration_ms"`
}

func (AgentCompleted) EventType() types.EventType { return EventAgentCompleted }
func (p AgentCompleted) Validate() error {
	var err error
	if p.TokensInput < 0 || p.TokensOutput < 0 || p.Cost < 0 {
		err = errors.New("usage must be non-negative")
	}
	return errors.Join(validTier("tier", p.Tier), positive("attempt", p.Attempt), err)
}

type AgentFailed struct {
	Tier      types.Tier `json:"tier"`
	Attempt   int        `json:"attempt"`
	Error     string     `json:"error"`
	Retryable bool       `json:"retryable"`
	Exhausted bool       `json:"exhausted"`
}

func (AgentFailed) EventType() types.EventType { return EventAgentFailed }
func (p AgentFailed) Validate() error {
	return errors.Join(validTier("tier", p.Tier), positive("attempt", p.Attempt), required("error", p.Error))
}

// =============================================================================
// 步骤与层级事件
// =============================================================================

type StepCommitted struct {
	Tier              types.Tier      `json:"tier"`
	Phase             types.StepPhase `json:"phase"`
	CheckpointID      string          `json:"checkpoint_id"`
	CheckpointVersion int             `json:"checkpoint_version"`
	Artifacts         int             `json:"artifacts"`
}

func (StepCommitted) EventType() types.EventType { return EventStepCommitted }
func (p StepCommitted) Validate() error {
	return errors.Join(validTier("tier", p.Tier), required("checkpoint_id", p.CheckpointID), positive("checkpoint_version", p.CheckpointVersion))
}

type StepAbandoned struct {
	Tier   types.Tier `json:"tier"`
	Reason string     `json:"reason"`
}

func (StepAbandoned) EventType() types.EventType { return EventStepAbandoned }
func (p StepAbandoned) Validate() error {
	return errors.Join(validTier("tier", p.Tier), required("reason", p.Reason))
}

type GateEvaluated struct {
	Gate     string           `json:"gate"`
	ResultID string           `json:"result_id"`
	Attempt  int              `json:"attempt"`
	Status   types.GateStatus `json:"status"`
	Failed   []string         `json:"failed_criteria,omitempty"`
}

func (GateEvaluated) EventType() types.EventType { return EventGateEvaluated }
func (p GateEvaluated) Validate() error {
	var err error
	switch p.Status {
	case types.GatePassed, types.GateFailed, types.GateSkipped:
	default:
		err = fmt.Errorf("unknown gate status %q", p.Status)
	}
	return errors.Join(required("gate", p.Gate), required("result_id", p.ResultID), positive("attempt", p.Attempt), err)
}

type ValidationRejected struct {
	Tier         types.Tier `json:"tier"`
	Rejections   int        `json:"rejections"`
	RetryCeiling int        `json:"retry_ceiling"`
}

func (ValidationRejected) EventType() types.EventType { return EventValidationRejected }
func (p ValidationRejected) Validate() error {
	return errors.Join(validTier("tier", p.Tier), positive("rejections", p.Rejections))
}

type TierAdvanced struct {
	From types.Tier `json:"from"`
	To   types.Tier `json:"to"`
}

func (TierAdvanced) EventType() types.EventType { return EventTierAdvanced }
func (p TierAdvanced) Validate() error {
	return errors.Join(validTier("from", p.From), validTier("to", p.To))
}

type EscalationTriggered struct {
	FromTier    types.Tier `json:"from_tier"`
	Reason      string     `json:"reason"`
	Escalations int        `json:"escalations"`
}

func (EscalationTriggered) EventType() types.EventType { return EventEscalationTriggered }
func (p EscalationTriggered) Validate() error {
	return errors.Join(validTier("from_tier", p.FromTier), required("reason", p.Reason), positive("escalations", p.Escalations))
}

// =============================================================================
// 审批事件
// =============================================================================

type ApprovalRequested struct {
	Tier types.Tier `json:"tier"`
}

func (ApprovalRequested) EventType() types.EventType { return EventApprovalRequested }
func (p ApprovalRequested) Validate() error         { return validTier("tier", p.Tier) }

type ApprovalGranted struct {
	Tier    types.Tier `json:"tier"`
	Actor   string     `json:"actor"`
	Comment string     `json:"comment,omitempty"`
}

func (ApprovalGranted) EventType() types.EventType { return EventApprovalGranted }
func (p ApprovalGranted) Validate() error {
	return errors.Join(validTier("tier", p.Tier), required("actor", p.Actor))
}

type ApprovalRejected struct {
	Tier   types.Tier `json:"tier"`
	Actor  string     `json:"actor"`
	Reason string     `json:"reason"`
}

func (ApprovalRejected) EventType() types.EventType { return EventApprovalRejected }
func (p ApprovalRejected) Validate() error {
	return errors.Join(validTier("tier", p.Tier), required("actor", p.Actor), required("reason", p.Reason))
}

type ApprovalExpired struct {
	Tier     types.Tier `json:"tier"`
	PausedAt string     `json:"paused_at"`
	Timeout  string     `json:"timeout"`
}

func (ApprovalExpired) EventType() types.EventType { return EventApprovalExpired }
func (p ApprovalExpired) Validate() error {
	return errors.Join(validTier("tier", p.Tier), required("paused_at", p.PausedAt))
}

// =============================================================================
// 预算与维护事件
// =============================================================================

type BudgetDenied struct {
	Tier          types.Tier     `json:"tier"`
	Detail        string         `json:"detail"`
	ProjectedCost types.MicroUSD `json:"projected_cost_usd"`
	CommittedCost types.MicroUSD `json:"committed_cost_usd"`
	// AfterCall marks a ceiling crossed by the usage an agent reported.
	AfterCall bool `json:"after_call,omitempty"`
}

func (BudgetDenied) EventType() types.EventType { return EventBudgetDenied }
func (p BudgetDenied) Validate() error {
	return errors.Join(validTier("tier", p.Tier), required("detail", p.Detail))
}

type BudgetThreshold struct {
	Type         string  `json:"type"`
	ThresholdPct float64 `json:"threshold_pct"`
	CurrentPct   float64 `json:"current_pct"`
}

func (BudgetThreshold) EventType() types.EventType { return EventBudgetThreshold }
func (p BudgetThreshold) Validate() error {
	if p.CurrentPct < p.ThresholdPct {
		return errors.New("current_pct is below threshold_pct")
	}
	return required("type", p.Type)
}

type CheckpointPruned struct {
	Deleted int64  `json:"deleted"`
	Before  string `json:"before"`
}

func (CheckpointPruned) EventType() types.EventType { return EventCheckpointPruned }
func (p CheckpointPruned) Validate() error {
	if p.Deleted < 0 {
		return errors.New("deleted must be non-negative")
	}
	return required("before", p.Before)
}

// =============================================================================
// 校验辅助
// =============================================================================

func required(field, v string) error {
	if v == "" {
		return fmt.Errorf("%s is required", field)
	}
	return nil
}

func positive(field string, v int) error {
	if v <= 0 {
		return fmt.Errorf("%s must be > 0", field)
	}
	return nil
}

func validTier(field string, t types.Tier) error {
	if !t.Valid() {
		return fmt.Errorf("%s: invalid tier %q", field, t)
	}
	return nil
}

func optionalTier(field string, t types.Tier) error {
	if t == types.TierNone {
		return nil
	}
	return validTier(field, t)
}

func validStatus(s types.WorkflowStatus) error {
	if !s.Valid() {
		return fmt.Errorf("invalid status %q", s)
	}
	return nil
}
