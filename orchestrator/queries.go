package orchestrator

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/PipeLaneLabs/ordo-ai/budget"
	"github.com/PipeLaneLabs/ordo-ai/internal/cache"
	"github.com/PipeLaneLabs/ordo-ai/persistence"
	"github.com/PipeLaneLabs/ordo-ai/types"
)

// =============================================================================
// 只读查询（不获取租约）
// =============================================================================

// GetWorkflow returns one workflow.
func (o *Orchestrator) GetWorkflow(ctx context.Context, workflowID string) (*types.Workflow, error) {
	return o.load(ctx, workflowID)
}

// ListWorkflows returns workflows matching filter.
func (o *Orchestrator) ListWorkflows(ctx context.Context, filter persistence.WorkflowFilter) ([]*types.Workflow, error) {
	list, err := o.store.ListWorkflows(ctx, filter)
	if err != nil {
		return nil, types.NewPersistenceError("list workflows", err)
	}
	return list, nil
}

// GetCheckpoints returns a workflow's checkpoints in version order.
func (o *Orchestrator) GetCheckpoints(ctx context.Context, workflowID string) ([]*types.Checkpoint, error) {
	if _, err := o.load(ctx, workflowID); err != nil {
		return nil, err
	}
	return o.checkpoints.List(ctx, workflowID)
}

// GetAuditTrail returns a workflow's events in sequence order.
func (o *Orchestrator) GetAuditTrail(ctx context.Context, workflowID string) ([]*types.AuditEvent, error) {
	if _, err := o.load(ctx, workflowID); err != nil {
		return nil, err
	}
	return o.audit.Trail(ctx, workflowID)
}

// GetBudgetSummary returns committed and reserved spend against the limits.
func (o *Orchestrator) GetBudgetSummary(ctx context.Context, workflowID string) (*budget.Summary, error) {
	if _, err := o.load(ctx, workflowID); err != nil {
		return nil, err
	}
	return o.budget.Summary(ctx, workflowID)
}

// GetGateResults returns every gate evaluation of a workflow.
func (o *Orchestrator) GetGateResults(ctx context.Context, workflowID string) ([]*types.GateResult, error) {
	if _, err := o.load(ctx, workflowID); err != nil {
		return nil, err
	}
	return o.gates.History(ctx, workflowID, "")
}

// GetArtifacts returns the metadata of a workflow's stored files.
func (o *Orchestrator) GetArtifacts(ctx context.Context, workflowID string) ([]*types.Artifact, error) {
	if _, err := o.load(ctx, workflowID); err != nil {
		return nil, err
	}
	list, err := o.store.ListArtifacts(ctx, workflowID)
	if err != nil {
		return nil, types.NewPersistenceError("list artifacts", err)
	}
	return list, nil
}

// =============================================================================
// 汇总投影
// =============================================================================

// Summary is a derived view over one workflow's collections. It is never
// read by the state machine.
type Summary struct {
	WorkflowID      string               `json:"workflow_id"`
	Type            string               `json:"type"`
	Status          types.WorkflowStatus `json:"status"`
	CurrentTier     types.Tier           `json:"current_tier"`
	Checkpoints     int                  `json:"checkpoints"`
	LatestVersion   int                  `json:"latest_version"`
	AuditEvents     int                  `json:"audit_events"`
	GateEvaluations int                  `json:"gate_evaluations"`
	GatesPassed     int                  `json:"gates_passed"`
	GatesFailed     int                  `json:"gates_failed"`
	Artifacts       int                  `json:"artifacts"`
	ArtifactBytes   int64                `json:"artifact_bytes"`
	BudgetEntries   int                  `json:"budget_entries"`
	TokensUsed      int64                `json:"tokens_used"`
	CostUsed        types.MicroUSD       `json:"cost_used_usd"`
	Escalations     int                  `json:"escalations"`
	Rejections      int                  `json:"total_rejections"`
	ComputedAt      time.Time            `json:"computed_at"`
}

const summaryCacheType = "summary"

func summaryKey(workflowID string) string {
	return "ordo:summary:" + workflowID
}

// GetSummary computes the projection, serving it from Redis when cached.
func (o *Orchestrator) GetSummary(ctx context.Context, workflowID string) (*Summary, error) {
	if o.cache != nil {
		var s Summary
		err := o.cache.GetJSON(ctx, summaryKey(workflowID), &s)
		switch {
		case err == nil:
			o.metrics.RecordCacheHit(summaryCacheType)
			return &s, nil
		case cache.IsCacheMiss(err):
			o.metrics.RecordCacheMiss(summaryCacheType)
		default:
			o.logger.Warn("summary cache read failed", zap.String("workflow_id", workflowID), zap.Error(err))
		}
	}

	s, err := o.computeSummary(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if o.cache != nil {
		if err := o.cache.SetJSON(ctx, summaryKey(workflowID), s, o.config.SummaryCacheTTL); err != nil {
			o.logger.Warn("summary cache write failed", zap.String("workflow_id", workflowID), zap.Error(err))
		}
	}
	return s, nil
}

func (o *Orchestrator) computeSummary(ctx context.Context, workflowID string) (*Summary, error) {
	w, err := o.load(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	s := &Summary{
		WorkflowID:  w.ID,
		Type:        w.Type,
		Status:      w.Status,
		CurrentTier: w.CurrentTier,
		Escalations: w.Metadata.Escalations,
		Rejections:  w.Metadata.TotalRejections,
		ComputedAt:  o.now().UTC(),
	}

	cps, err := o.store.ListCheckpoints(ctx, workflowID)
	if err != nil {
		return nil, types.NewPersistenceError("list checkpoints", err)
	}
	s.Checkpoints = len(cps)
	for _, cp := range cps {
		s.LatestVersion = max(s.LatestVersion, cp.Version)
	}

	events, err := o.store.ListAuditEvents(ctx, persistence.AuditFilter{WorkflowID: workflowID})
	if err != nil {
		return nil, types.NewPersistenceError("list audit events", err)
	}
	s.AuditEvents = len(events)

	results, err := o.store.ListGateResults(ctx, workflowID)
	if err != nil {
		return nil, types.NewPersistenceError("list gate results", err)
	}
	s.GateEvaluations = len(results)
	for _, r := range results {
		switch r.Status {
		case types.GatePassed:
			s.GatesPassed++
		case types.GateFailed:
			s.GatesFailed++
		}
	}

	arts, err := o.store.ListArtifacts(ctx, workflowID)
	if err != nil {
		return nil, types.NewPersistenceError("list artifacts", err)
	}
	s.Artifacts = len(arts)
	for _, a := range arts {
		s.ArtifactBytes += a.SizeBytes
	}

	entries, err := o.store.ListBudgetEntries(ctx, workflowID)
	if err != nil {
		return nil, types.NewPersistenceError("list budget entries", err)
	}
	s.BudgetEntries = len(entries)
	for _, e := range entries {
		s.TokensUsed += e.TokensInput + e.TokensOutput
		s.CostUsed += e.Cost
	}
	return s, nil
}

func (o *Orchestrator) invalidateSummary(ctx context.Context, workflowID string) {
	if o.cache == nil {
		return
	}
	if err := o.cache.Delete(context.WithoutCancel(ctx), summaryKey(workflowID)); err != nil {
		o.logger.Debug("summary cache invalidation failed", zap.String("workflow_id", workflowID), zap.Error(err))
	}
}
