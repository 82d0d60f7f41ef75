package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/PipeLaneLabs/ordo-ai/artifact"
	"github.com/PipeLaneLabs/ordo-ai/audit"
	"github.com/PipeLaneLabs/ordo-ai/budget"
	"github.com/PipeLaneLabs/ordo-ai/checkpoint"
	"github.com/PipeLaneLabs/ordo-ai/gate"
	"github.com/PipeLaneLabs/ordo-ai/internal/cache"
	"github.com/PipeLaneLabs/ordo-ai/lease"
	"github.com/PipeLaneLabs/ordo-ai/persistence"
	"github.com/PipeLaneLabs/ordo-ai/types"
)

const tracerName = "github.com/PipeLaneLabs/ordo-ai/orchestrator"

// Outcome describes what one Advance call did.
type Outcome string

const (
	OutcomeAdvanced  Outcome = "advanced"
	OutcomeRetrying  Outcome = "retrying"
	OutcomeEscalated Outcome = "escalated"
	OutcomePaused    Outcome = "paused"
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
	// OutcomeAbandoned means the workflow changed (e.g. was cancelled)
	// while the agent ran, so the step's effects were discarded.
	OutcomeAbandoned Outcome = "abandoned"
	// OutcomeNoop is returned for paused workflows.
	OutcomeNoop Outcome = "noop"
)

// AdvanceResult is the state after one Advance call.
type AdvanceResult struct {
	Workflow *types.Workflow `json:"workflow"`
	Outcome  Outcome         `json:"outcome"`
	// Tier is the tier the step ran at.
	Tier types.Tier `json:"tier"`
	// Started is set when this call moved the workflow out of pending.
	Started      bool   `json:"started,omitempty"`
	CheckpointID string `json:"checkpoint_id,omitempty"`
}

// SubmitRequest creates a workflow.
type SubmitRequest struct {
	Request string `json:"request"`
	Type    string `json:"type,omitempty"`
}

// Deps are the collaborators of an Orchestrator. Store and Agents are
// required; nil components get in-process defaults.
type Deps struct {
	Store       persistence.Store
	Agents      *Agents
	Checkpoints *checkpoint.Manager
	Budget      *budget.Guard
	Gates       *gate.Evaluator
	Audit       *audit.Logger
	Leaser      lease.Leaser
	Objects     artifact.ObjectStore
	// Cache holds summary projections; nil disables caching.
	Cache   *cache.Manager
	Metrics Metrics
	Logger  *zap.Logger
}

// Orchestrator drives workflows through the tiers.
type Orchestrator struct {
	config      Config
	store       persistence.Store
	agents      *Agents
	checkpoints *checkpoint.Manager
	budget      *budget.Guard
	gates       *gate.Evaluator
	audit       *audit.Logger
	leaser      lease.Leaser
	objects     artifact.ObjectStore
	cache       *cache.Manager
	metrics     Metrics
	tracer      trace.Tracer
	logger      *zap.Logger
	now         func() time.Time
}

// New creates an orchestrator.
func New(config Config, deps Deps) (*Orchestrator, error) {
	if err := config.Validate(); err != nil {
		return nil, types.NewInvalidRequestError("invalid orchestrator config").WithCause(err)
	}
	if deps.Store == nil {
		return nil, types.NewInvalidRequestError("orchestrator requires a store")
	}
	if deps.Agents == nil {
		return nil, types.NewInvalidRequestError("orchestrator requires agent bindings")
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	o := &Orchestrator{
		config:      config,
		store:       deps.Store,
		agents:      deps.Agents,
		checkpoints: deps.Checkpoints,
		budget:      deps.Budget,
		gates:       deps.Gates,
		audit:       deps.Audit,
		leaser:      deps.Leaser,
		objects:     deps.Objects,
		cache:       deps.Cache,
		metrics:     deps.Metrics,
		tracer:      otel.Tracer(tracerName),
		logger:      logger.With(zap.String("component", "orchestrator")),
		now:         time.Now,
	}
	if o.checkpoints == nil {
		o.checkpoints = checkpoint.NewManager(deps.Store, checkpoint.DefaultConfig(), logger)
	}
	if o.budget == nil {
		o.budget = budget.NewGuard(deps.Store, budget.DefaultConfig(), logger)
	}
	if o.gates == nil {
		o.gates = gate.NewEvaluator(deps.Store, nil, logger)
	}
	if o.audit == nil {
		o.audit = audit.NewLogger(deps.Store, logger)
	}
	if o.leaser == nil {
		o.leaser = lease.NewLocal()
	}
	if o.objects == nil {
		o.objects = artifact.NewMemoryStore()
	}
	if o.metrics == nil {
		o.metrics = nopMetrics{}
	}
	return o, nil
}

// WithClock overrides the time source used for transitions.
func (o *Orchestrator) WithClock(now func() time.Time) *Orchestrator {
	o.now = now
	return o
}

// Config returns the policy in effect.
func (o *Orchestrator) Config() Config { return o.config }

// Audit returns the audit logger, whose feed streams committed events.
func (o *Orchestrator) Audit() *audit.Logger { return o.audit }

// Checkpoints returns the checkpoint manager.
func (o *Orchestrator) Checkpoints() *checkpoint.Manager { return o.checkpoints }

// =============================================================================
// 事务视图
// =============================================================================

// txView binds every component to one store transaction.
type txView struct {
	store       persistence.Store
	checkpoints *checkpoint.Manager
	budget      *budget.Guard
	gates       *gate.Evaluator
	audit       *audit.Logger
}

func (o *Orchestrator) bind(tx persistence.Store) *txView {
	return &txView{
		store:       tx,
		checkpoints: o.checkpoints.WithStore(tx),
		budget:      o.budget.WithStore(tx),
		gates:       o.gates.WithStore(tx),
		audit:       o.audit.WithStore(tx),
	}
}

// commit runs fn in one transaction. Audit events reach the live feed only
// after the transaction commits.
func (o *Orchestrator) commit(ctx context.Context, workflowID string, fn func(v *txView) error) error {
	var view *txView
	err := o.store.WithTx(ctx, func(tx persistence.Store) error {
		view = o.bind(tx)
		return fn(view)
	})
	if err != nil {
		return engineError("commit", workflowID, err)
	}
	o.audit.Publish(view.audit.Pending()...)
	o.invalidateSummary(ctx, workflowID)
	return nil
}

func (v *txView) record(ctx context.Context, workflowID, agent string, payloads ...audit.Payload) error {
	for _, p := range payloads {
		if _, err := v.audit.Record(ctx, workflowID, agent, p); err != nil {
			return err
		}
	}
	return nil
}

func (v *txView) checkpoint(ctx context.Context, w *types.Workflow, out *types.AgentOutput, reason string) (*types.Checkpoint, error) {
	state := &types.WorkflowState{
		Workflow:   *w,
		Phase:      w.Metadata.Phase,
		LastOutput: stripContent(out),
	}
	return v.checkpoints.Save(ctx, w.ID, state, types.CheckpointMetadata{
		Tier:       w.CurrentTier,
		Agent:      w.CurrentAgent,
		Phase:      w.Metadata.Phase,
		TokensUsed: w.Metadata.TokensUsed,
		CostUsed:   w.Metadata.CostUsed,
		Reason:     reason,
	})
}

// lockWorkflow re-reads the workflow row under a row lock.
func (v *txView) lockWorkflow(ctx context.Context, id string) (*types.Workflow, error) {
	w, err := v.store.GetWorkflowForUpdate(ctx, id)
	if err != nil {
		return nil, engineError("load workflow", id, err)
	}
	return w, nil
}

// engineError maps store sentinels onto the error taxonomy.
func engineError(op, workflowID string, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := types.AsError(err); ok {
		return err
	}
	switch {
	case errors.Is(err, persistence.ErrNotFound):
		return types.NewNotFoundError("workflow", workflowID).WithCause(err)
	case errors.Is(err, persistence.ErrConflict):
		return types.Errorf(types.ErrInvalidTransition, "workflow %s changed concurrently", workflowID).WithCause(err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return types.NewError(types.ErrTimeout, op+" interrupted").WithCause(err)
	}
	return types.NewPersistenceError(op, err)
}

// stripContent drops file bodies, which live in the object store.
func stripContent(out *types.AgentOutput) *types.AgentOutput {
	if out == nil {
		return nil
	}
	c := *out
	if len(out.Files) > 0 {
		c.Files = make([]types.OutputFile, len(out.Files))
		for i, f := range out.Files {
			c.Files[i] = types.OutputFile{Type: f.Type, Path: f.Path}
		}
	}
	return &c
}

func spanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// enter moves the cursor to tier and resets the step phase.
func (o *Orchestrator) enter(w *types.Workflow, tier types.Tier) {
	w.CurrentTier = tier
	w.CurrentAgent = o.agents.Name(tier)
	w.Metadata.Phase = types.PhaseEntered
}

func (o *Orchestrator) load(ctx context.Context, id string) (*types.Workflow, error) {
	w, err := o.store.GetWorkflow(ctx, id)
	if err != nil {
		return nil, engineError("load workflow", id, err)
	}
	return w, nil
}

// =============================================================================
// Submit
// =============================================================================

// Submit creates a pending workflow and returns without running any agent.
func (o *Orchestrator) Submit(ctx context.Context, req SubmitRequest) (*types.Workflow, error) {
	req.Request = strings.TrimSpace(req.Request)
	if req.Request == "" {
		return nil, types.NewInvalidRequestError("request is required")
	}
	if req.Type = strings.TrimSpace(req.Type); req.Type == "" {
		req.Type = types.DefaultWorkflowType
	}

	now := o.now().UTC()
	w := &types.Workflow{
		ID:        uuid.NewString(),
		Request:   req.Request,
		Type:      req.Type,
		Status:    types.StatusPending,
		StartedAt: now,
		UpdatedAt: now,
	}
	err := o.commit(ctx, w.ID, func(v *txView) error {
		if err := v.store.CreateWorkflow(ctx, w); err != nil {
			return err
		}
		if err := v.record(ctx, w.ID, "", audit.WorkflowSubmitted{Request: w.Request, Type: w.Type}); err != nil {
			return err
		}
		_, err := v.checkpoint(ctx, w, nil, "submitted")
		return err
	})
	if err != nil {
		return nil, err
	}

	o.metrics.RecordSubmitted(w.Type)
	o.logger.Info("workflow submitted",
		zap.String("workflow_id", w.ID),
		zap.String("type", w.Type),
	)
	return w, nil
}

// =============================================================================
// Advance
// =============================================================================

// Advance runs one step of a workflow under its lease. A second concurrent
// caller fails with WORKFLOW_LEASED.
func (o *Orchestrator) Advance(ctx context.Context, workflowID string) (*AdvanceResult, error) {
	ctx = types.WithWorkflowID(ctx, workflowID)
	ctx, span := o.tracer.Start(ctx, "orchestrator.Advance",
		trace.WithAttributes(attribute.String("workflow.id", workflowID)))
	defer span.End()
	start := time.Now()

	l, err := o.acquire(ctx, workflowID)
	if err != nil {
		spanError(span, err)
		return nil, err
	}
	defer o.releaseLease(ctx, l)

	res, err := o.advance(ctx, l, workflowID)
	if err != nil {
		spanError(span, err)
		o.logger.Warn("advance failed",
			zap.String("workflow_id", workflowID),
			zap.Error(err),
		)
		return nil, err
	}

	span.SetAttributes(
		attribute.String("workflow.tier", string(res.Tier)),
		attribute.String("workflow.status", string(res.Workflow.Status)),
		attribute.String("advance.outcome", string(res.Outcome)),
	)
	o.metrics.RecordAdvance(string(res.Tier), string(res.Outcome), time.Since(start))
	o.logger.Info("workflow advanced",
		zap.String("workflow_id", workflowID),
		zap.String("tier", string(res.Tier)),
		zap.String("outcome", string(res.Outcome)),
		zap.String("status", string(res.Workflow.Status)),
		zap.String("current_tier", string(res.Workflow.CurrentTier)),
	)
	return res, nil
}

func (o *Orchestrator) acquire(ctx context.Context, workflowID string) (lease.Lease, error) {
	l, err := o.leaser.Acquire(ctx, workflowID, o.config.LeaseTTL)
	if err != nil {
		if errors.Is(err, lease.ErrHeld) {
			o.metrics.RecordLeaseContention()
			return nil, types.Errorf(types.ErrWorkflowLeased, "workflow %s is leased by another caller", workflowID).WithCause(err)
		}
		return nil, types.NewPersistenceError("acquire lease", err)
	}
	return l, nil
}

func (o *Orchestrator) releaseLease(ctx context.Context, l lease.Lease) {
	if err := l.Release(context.WithoutCancel(ctx)); err != nil {
		o.logger.Warn("lease release failed",
			zap.String("workflow_id", l.WorkflowID()),
			zap.Error(err),
		)
	}
}

// holdsLease reports whether l still fences writes for its workflow.
func holdsLease(ctx context.Context, l lease.Lease) (bool, error) {
	err := l.Check(ctx)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, lease.ErrLost):
		return false, nil
	}
	return false, types.NewPersistenceError("check lease", err)
}

func leaseLostError(workflowID string) error {
	return types.Errorf(types.ErrWorkflowLeased, "lease on workflow %s was lost", workflowID).WithCause(lease.ErrLost)
}

func (o *Orchestrator) advance(ctx context.Context, l lease.Lease, workflowID string) (*AdvanceResult, error) {
	w, err := o.load(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	started := false
	if w.Status == types.StatusPending {
		if w, err = o.start(ctx, l, w.ID); err != nil {
			return nil, err
		}
		started = w.Status == types.StatusRunning
	}

	switch {
	case w.Status.IsTerminal():
		return nil, types.NewInvalidTransitionError(w.ID, w.Status, "advance")
	case w.Status == types.StatusPaused:
		return &AdvanceResult{Workflow: w, Outcome: OutcomeNoop, Tier: w.CurrentTier}, nil
	}

	var res *AdvanceResult
	if w.Metadata.Phase == types.PhaseExecuted {
		res, err = o.evaluateStored(ctx, l, w)
	} else {
		res, err = o.executeStep(ctx, l, w)
	}
	if err != nil {
		return nil, err
	}
	res.Started = started
	return res, nil
}

// start moves a pending workflow into tier_1. A row that is no longer
// pending is returned unchanged.
func (o *Orchestrator) start(ctx context.Context, l lease.Lease, workflowID string) (*types.Workflow, error) {
	var out *types.Workflow
	err := o.commit(ctx, workflowID, func(v *txView) error {
		cur, err := v.lockWorkflow(ctx, workflowID)
		if err != nil {
			return err
		}
		held, err := holdsLease(ctx, l)
		if err != nil {
			return err
		}
		if !held {
			return leaseLostError(workflowID)
		}
		if cur.Status != types.StatusPending {
			out = cur
			return nil
		}
		next := cur.Clone()
		next.Status = types.StatusRunning
		next.UpdatedAt = o.now().UTC()
		o.enter(next, types.Tier1)
		if err := v.store.UpdateWorkflow(ctx, next, types.StatusPending); err != nil {
			return err
		}
		if err := v.record(ctx, next.ID, next.CurrentAgent, audit.WorkflowStarted{Tier: types.Tier1}); err != nil {
			return err
		}
		if _, err := v.checkpoint(ctx, next, nil, "started"); err != nil {
			return err
		}
		out = next
		return nil
	})
	return out, err
}

// =============================================================================
// 步骤执行
// =============================================================================

func (o *Orchestrator) executeStep(ctx context.Context, l lease.Lease, w *types.Workflow) (*AdvanceResult, error) {
	b, err := o.agents.For(w.CurrentTier)
	if err != nil {
		return nil, err
	}

	prev, err := o.lastOutput(ctx, w.ID)
	if err != nil {
		return nil, err
	}
	state := &types.WorkflowState{Workflow: *w.Clone(), Phase: w.Metadata.Phase, LastOutput: prev}

	inv, err := o.invoke(ctx, b, state)
	if err != nil {
		return nil, err
	}
	return o.commitStep(ctx, l, w, b, inv)
}

// lastOutput returns the output stored by the latest checkpoint, if any.
func (o *Orchestrator) lastOutput(ctx context.Context, workflowID string) (*types.AgentOutput, error) {
	cp, err := o.checkpoints.LoadLatest(ctx, workflowID)
	if err != nil {
		if types.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return cp.State.LastOutput, nil
}

type storedFile struct {
	file types.OutputFile
	key  string
	obj  artifact.Object
}

// storeFiles writes output files to the object store before the step's
// transaction. They are removed again if the step does not commit.
func (o *Orchestrator) storeFiles(ctx context.Context, workflowID string, files []types.OutputFile) ([]storedFile, error) {
	out := make([]storedFile, 0, len(files))
	for _, f := range files {
		key, err := artifact.Key(workflowID, f.Path)
		if err != nil {
			o.removeFiles(ctx, out)
			return nil, types.NewInvalidRequestError("invalid artifact path").WithCause(err)
		}
		obj, err := o.objects.Put(ctx, key, bytes.NewReader(f.Content))
		if err != nil {
			o.removeFiles(ctx, out)
			return nil, types.NewPersistenceError("store artifact", err)
		}
		out = append(out, storedFile{file: f, key: key, obj: obj})
	}
	return out, nil
}

func (o *Orchestrator) removeFiles(ctx context.Context, files []storedFile) {
	ctx = context.WithoutCancel(ctx)
	for _, f := range files {
		if err := o.objects.Delete(ctx, f.key); err != nil {
			o.logger.Warn("artifact cleanup failed", zap.String("key", f.key), zap.Error(err))
		}
	}
}

func (o *Orchestrator) commitStep(ctx context.Context, l lease.Lease, w *types.Workflow, b Binding, inv *invocation) (*AdvanceResult, error) {
	tier := w.CurrentTier
	defer inv.release(ctx, o.logger)

	var files []storedFile
	if inv.result != nil {
		var err error
		if files, err = o.storeFiles(ctx, w.ID, inv.result.Output.Files); err != nil {
			return nil, err
		}
	}

	res := &AdvanceResult{Tier: tier}
	var escalatedFrom types.Tier
	err := o.commit(ctx, w.ID, func(v *txView) error {
		cur, err := v.lockWorkflow(ctx, w.ID)
		if err != nil {
			return err
		}
		reason, err := staleStep(ctx, l, cur, tier, cur.Metadata.Phase == types.PhaseExecuted)
		if err != nil {
			return err
		}
		if reason != "" {
			res.Outcome = OutcomeAbandoned
			res.Workflow = cur
			return v.record(ctx, cur.ID, b.Name, audit.StepAbandoned{Tier: tier, Reason: reason})
		}

		now := o.now().UTC()
		next := cur.Clone()
		next.UpdatedAt = now
		payloads := append([]audit.Payload(nil), inv.events...)
		var output *types.AgentOutput

		switch {
		case inv.denied != nil:
			d := inv.denied
			next.Fail(types.FailureBudgetExceeded, d.Detail, now)
			payloads = append(payloads,
				audit.BudgetDenied{Tier: tier, Detail: d.Detail, ProjectedCost: d.Projected.Cost, CommittedCost: d.Committed.Cost},
				audit.WorkflowFailed{Reason: types.FailureBudgetExceeded, Detail: d.Detail, Tier: tier},
			)
			res.Outcome = OutcomeFailed

		case inv.result == nil:
			next.Metadata.AgentFailures++
			detail := "agent invocation failed"
			if inv.lastErr != nil {
				detail = inv.lastErr.Error()
			}
			if tier.IsDeviation() {
				next.Fail(types.FailureAgentInvocation, detail, now)
				payloads = append(payloads, audit.WorkflowFailed{Reason: types.FailureAgentInvocation, Detail: detail, Tier: tier})
				res.Outcome = OutcomeFailed
			} else {
				more, outcome := o.escalate(next, tier, string(types.FailureAgentInvocation), now)
				payloads = append(payloads, more...)
				res.Outcome = outcome
			}

		default:
			r := inv.result
			entry := &types.BudgetEntry{
				WorkflowID:   next.ID,
				Agent:        b.Name,
				Model:        modelOf(r, b),
				Tier:         tier,
				TokensInput:  r.TokensInput,
				TokensOutput: r.TokensOutput,
				Cost:         r.Cost,
				CreatedAt:    now,
			}
			if err := v.budget.Record(ctx, entry); err != nil {
				return err
			}
			next.Metadata.TokensUsed += r.TokensInput + r.TokensOutput
			next.Metadata.CostUsed += r.Cost
			over, err := v.budget.Exceeded(ctx, next.ID)
			if err != nil {
				return err
			}

			for _, f := range files {
				if err := v.store.SaveArtifact(ctx, &types.Artifact{
					ID:         uuid.NewString(),
					WorkflowID: next.ID,
					Type:       f.file.Type,
					Path:       f.file.Path,
					StorageKey: f.key,
					SizeBytes:  f.obj.Size,
					Checksum:   f.obj.Checksum,
					Metadata:   map[string]string{"tier": string(tier), "agent": b.Name},
					CreatedAt:  now,
				}); err != nil {
					return err
				}
			}

			output = &r.Output
			if over != nil {
				next.Fail(types.FailureBudgetExceeded, over.Detail, now)
				payloads = append(payloads,
					audit.BudgetDenied{Tier: tier, Detail: over.Detail, CommittedCost: over.Committed.Cost, AfterCall: true},
					audit.WorkflowFailed{Reason: types.FailureBudgetExceeded, Detail: over.Detail, Tier: tier},
				)
				res.Outcome = OutcomeFailed
			} else if o.config.RequiresApproval(tier) {
				next.Status = types.StatusPaused
				next.Metadata.Phase = types.PhaseExecuted
				next.Metadata.PausedAt = &now
				payloads = append(payloads, audit.ApprovalRequested{Tier: tier})
				res.Outcome = OutcomePaused
			} else {
				more, outcome, err := o.gateAndRoute(ctx, v, next, tier, output, now)
				if err != nil {
					return err
				}
				payloads = append(payloads, more...)
				res.Outcome = outcome
			}

			usage := types.Usage{TokensInput: next.Metadata.TokensUsed, Cost: next.Metadata.CostUsed}
			if alert := o.budget.CheckAlerts(next.ID, usage, next.Metadata.ThresholdAlerted); alert != nil {
				next.Metadata.ThresholdAlerted = true
				payloads = append(payloads, audit.BudgetThreshold{
					Type:         string(alert.Type),
					ThresholdPct: alert.Threshold,
					CurrentPct:   alert.Current,
				})
			}
		}

		if res.Outcome == OutcomeEscalated {
			escalatedFrom = tier
		}
		cp, err := o.finishStep(ctx, v, next, tier, output, len(files), b.Name, payloads)
		if err != nil {
			return err
		}
		res.Workflow = next
		res.CheckpointID = cp.ID
		return nil
	})
	if err != nil || res.Outcome == OutcomeAbandoned {
		o.removeFiles(ctx, files)
	}
	if err != nil {
		return nil, err
	}

	if inv.result != nil && res.Outcome != OutcomeAbandoned {
		o.metrics.RecordUsage(string(tier), modelOf(inv.result, b), inv.result.TokensInput, inv.result.TokensOutput, inv.result.Cost.Float())
	}
	if escalatedFrom != types.TierNone {
		o.metrics.RecordEscalation(string(escalatedFrom))
	}
	if res.Outcome == OutcomeAbandoned {
		o.logger.Info("step abandoned",
			zap.String("workflow_id", w.ID),
			zap.String("tier", string(tier)),
			zap.String("status", string(res.Workflow.Status)),
		)
	}
	return res, nil
}

// finishStep writes the workflow row, its checkpoint and the step's events.
func (o *Orchestrator) finishStep(ctx context.Context, v *txView, next *types.Workflow, tier types.Tier, output *types.AgentOutput, artifacts int, agent string, payloads []audit.Payload) (*types.Checkpoint, error) {
	if err := v.store.UpdateWorkflow(ctx, next, types.StatusRunning); err != nil {
		return nil, err
	}
	cp, err := v.checkpoint(ctx, next, output, "step "+string(tier))
	if err != nil {
		return nil, err
	}
	payloads = append(payloads, audit.StepCommitted{
		Tier:              tier,
		Phase:             next.Metadata.Phase,
		CheckpointID:      cp.ID,
		CheckpointVersion: cp.Version,
		Artifacts:         artifacts,
	})
	if err := v.record(ctx, next.ID, agent, payloads...); err != nil {
		return nil, err
	}
	return cp, nil
}

// evaluateStored runs the gate on output produced before an approval pause,
// without invoking the agent again.
func (o *Orchestrator) evaluateStored(ctx context.Context, l lease.Lease, w *types.Workflow) (*AdvanceResult, error) {
	tier := w.CurrentTier
	output, err := o.lastOutput(ctx, w.ID)
	if err != nil {
		return nil, err
	}
	if output == nil {
		output = &types.AgentOutput{}
	}
	agent := o.agents.Name(tier)

	res := &AdvanceResult{Tier: tier}
	err = o.commit(ctx, w.ID, func(v *txView) error {
		cur, err := v.lockWorkflow(ctx, w.ID)
		if err != nil {
			return err
		}
		reason, err := staleStep(ctx, l, cur, tier, cur.Metadata.Phase != types.PhaseExecuted)
		if err != nil {
			return err
		}
		if reason != "" {
			res.Outcome = OutcomeAbandoned
			res.Workflow = cur
			return v.record(ctx, cur.ID, agent, audit.StepAbandoned{Tier: tier, Reason: reason})
		}

		now := o.now().UTC()
		next := cur.Clone()
		next.UpdatedAt = now
		payloads, outcome, err := o.gateAndRoute(ctx, v, next, tier, output, now)
		if err != nil {
			return err
		}
		res.Outcome = outcome
		cp, err := o.finishStep(ctx, v, next, tier, output, 0, agent, payloads)
		if err != nil {
			return err
		}
		res.Workflow = next
		res.CheckpointID = cp.ID
		return nil
	})
	if err != nil {
		return nil, err
	}
	if res.Outcome == OutcomeEscalated {
		o.metrics.RecordEscalation(string(tier))
	}
	return res, nil
}

// staleStep returns why a step computed against tier may no longer commit,
// or "" when it may. wrongPhase is the caller's phase check.
func staleStep(ctx context.Context, l lease.Lease, cur *types.Workflow, tier types.Tier, wrongPhase bool) (string, error) {
	held, err := holdsLease(ctx, l)
	if err != nil {
		return "", err
	}
	if !held {
		return "lease lost", nil
	}
	if cur.Status != types.StatusRunning || cur.CurrentTier != tier || wrongPhase {
		return fmt.Sprintf("workflow is %s at %s", cur.Status, displayTier(cur.CurrentTier)), nil
	}
	return "", nil
}

func modelOf(r *types.AgentResult, b Binding) string {
	if r.Model != "" {
		return r.Model
	}
	return b.Model
}

func displayTier(t types.Tier) string {
	if t == types.TierNone {
		return "no tier"
	}
	return string(t)
}

// sameWorkflow compares two records by their serialized form.
func sameWorkflow(a, b *types.Workflow) bool {
	x, err1 := json.Marshal(a)
	y, err2 := json.Marshal(b)
	return err1 == nil && err2 == nil && string(x) == string(y)
}
