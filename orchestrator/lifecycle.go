package orchestrator

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/PipeLaneLabs/ordo-ai/audit"
	"github.com/PipeLaneLabs/ordo-ai/persistence"
	"github.com/PipeLaneLabs/ordo-ai/types"
)

// systemActor signs decisions the engine makes on its own.
const systemActor = "system"

// =============================================================================
// Cancel
// =============================================================================

// Cancel moves any non-terminal workflow to cancelled. It does not take the
// lease, so it proceeds while an agent call is in flight; that step is then
// abandoned at commit time.
func (o *Orchestrator) Cancel(ctx context.Context, workflowID, actor string) (*types.Workflow, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.Cancel",
		trace.WithAttributes(attribute.String("workflow.id", workflowID)))
	defer span.End()

	var out *types.Workflow
	err := o.commit(ctx, workflowID, func(v *txView) error {
		cur, err := v.lockWorkflow(ctx, workflowID)
		if err != nil {
			return err
		}
		if cur.Status.IsTerminal() {
			return types.NewInvalidTransitionError(workflowID, cur.Status, "cancel")
		}
		from := cur.Status
		now := o.now().UTC()
		next := cur.Clone()
		next.UpdatedAt = now
		next.MarkTerminal(types.StatusCancelled, now)

		if err := v.store.UpdateWorkflow(ctx, next, types.NonTerminalStatuses...); err != nil {
			return err
		}
		if _, err := v.checkpoint(ctx, next, nil, "cancelled"); err != nil {
			return err
		}
		if err := v.record(ctx, next.ID, "", audit.WorkflowCancelled{FromStatus: from, Tier: next.CurrentTier, Actor: actor}); err != nil {
			return err
		}
		out = next
		return nil
	})
	if err != nil {
		spanError(span, err)
		return nil, err
	}
	o.logger.Info("workflow cancelled",
		zap.String("workflow_id", workflowID),
		zap.String("actor", actor),
	)
	return out, nil
}

// =============================================================================
// Approve / Reject
// =============================================================================

// Approve resumes a paused workflow. The next Advance evaluates the tier's
// gate on the stored output.
func (o *Orchestrator) Approve(ctx context.Context, workflowID, actor, comment string) (*types.Workflow, error) {
	if actor == "" {
		actor = systemActor
	}
	var out *types.Workflow
	err := o.commit(ctx, workflowID, func(v *txView) error {
		cur, err := v.lockWorkflow(ctx, workflowID)
		if err != nil {
			return err
		}
		if cur.Status != types.StatusPaused {
			return types.NewInvalidTransitionError(workflowID, cur.Status, "approve")
		}
		output, err := latestOutput(ctx, v, workflowID)
		if err != nil {
			return err
		}

		now := o.now().UTC()
		next := cur.Clone()
		next.Status = types.StatusRunning
		next.UpdatedAt = now
		next.Metadata.PausedAt = nil
		next.Metadata.LastApproval = &types.ApprovalRecord{
			Tier:      cur.CurrentTier,
			Approved:  true,
			Actor:     actor,
			Comment:   comment,
			DecidedAt: now,
		}

		if err := v.store.UpdateWorkflow(ctx, next, types.StatusPaused); err != nil {
			return err
		}
		if _, err := v.checkpoint(ctx, next, output, "approved"); err != nil {
			return err
		}
		if err := v.record(ctx, next.ID, next.CurrentAgent, audit.ApprovalGranted{Tier: next.CurrentTier, Actor: actor, Comment: comment}); err != nil {
			return err
		}
		out = next
		return nil
	})
	if err != nil {
		return nil, err
	}
	o.logger.Info("workflow approved",
		zap.String("workflow_id", workflowID),
		zap.String("tier", string(out.CurrentTier)),
		zap.String("actor", actor),
	)
	return out, nil
}

// Reject routes a paused workflow to tier_0. Rejecting tier_0 itself fails
// the workflow with approval_rejected.
func (o *Orchestrator) Reject(ctx context.Context, workflowID, actor, reason string) (*types.Workflow, error) {
	if actor == "" {
		actor = systemActor
	}
	if reason == "" {
		reason = "rejected"
	}
	out, err := o.decline(ctx, workflowID, "reject", actor, nil, func(cur *types.Workflow) (audit.Payload, types.FailureReason) {
		return audit.ApprovalRejected{Tier: cur.CurrentTier, Actor: actor, Reason: reason}, types.FailureApprovalRejected
	})
	if err != nil {
		return nil, err
	}
	o.logger.Info("workflow rejected",
		zap.String("workflow_id", workflowID),
		zap.String("actor", actor),
		zap.String("reason", reason),
		zap.String("status", string(out.Status)),
	)
	return out, nil
}

// ExpireApprovals rejects every workflow paused for longer than the approval
// timeout, as of now. It returns how many were expired.
func (o *Orchestrator) ExpireApprovals(ctx context.Context, now time.Time) (int, error) {
	timeout := o.config.ApprovalTimeout
	if timeout <= 0 {
		return 0, nil
	}
	paused, err := o.store.ListWorkflows(ctx, persistence.WorkflowFilter{Statuses: []types.WorkflowStatus{types.StatusPaused}})
	if err != nil {
		return 0, types.NewPersistenceError("list paused workflows", err)
	}

	expired := 0
	for _, w := range paused {
		if w.Metadata.PausedAt == nil || now.Sub(*w.Metadata.PausedAt) < timeout {
			continue
		}
		stillDue := func(cur *types.Workflow) bool {
			return cur.Metadata.PausedAt != nil && now.Sub(*cur.Metadata.PausedAt) >= timeout
		}
		_, err := o.decline(ctx, w.ID, "expire approval", systemActor, stillDue, func(cur *types.Workflow) (audit.Payload, types.FailureReason) {
			return audit.ApprovalExpired{
				Tier:     cur.CurrentTier,
				PausedAt: cur.Metadata.PausedAt.UTC().Format(time.RFC3339Nano),
				Timeout:  timeout.String(),
			}, types.FailureApprovalTimeout
		})
		if err != nil {
			if types.IsErrorCode(err, types.ErrInvalidTransition) {
				continue
			}
			return expired, err
		}
		expired++
		o.logger.Warn("approval expired",
			zap.String("workflow_id", w.ID),
			zap.String("tier", string(w.CurrentTier)),
			zap.Duration("timeout", timeout),
		)
	}
	return expired, nil
}

// decline applies a negative approval outcome: tier_0 fails with the given
// reason, any other tier escalates to tier_0.
func (o *Orchestrator) decline(
	ctx context.Context,
	workflowID, action, actor string,
	due func(*types.Workflow) bool,
	decide func(*types.Workflow) (audit.Payload, types.FailureReason),
) (*types.Workflow, error) {
	var out *types.Workflow
	var escalatedFrom types.Tier
	err := o.commit(ctx, workflowID, func(v *txView) error {
		cur, err := v.lockWorkflow(ctx, workflowID)
		if err != nil {
			return err
		}
		if cur.Status != types.StatusPaused || (due != nil && !due(cur)) {
			return types.NewInvalidTransitionError(workflowID, cur.Status, action)
		}

		now := o.now().UTC()
		tier := cur.CurrentTier
		event, failure := decide(cur)
		next := cur.Clone()
		next.UpdatedAt = now
		next.Status = types.StatusRunning
		next.Metadata.PausedAt = nil
		next.Metadata.LastApproval = &types.ApprovalRecord{
			Tier:      tier,
			Approved:  false,
			Actor:     actor,
			DecidedAt: now,
		}
		if r, ok := event.(audit.ApprovalRejected); ok {
			next.Metadata.LastApproval.Comment = r.Reason
		}

		payloads := []audit.Payload{event}
		if tier.IsDeviation() {
			next.Fail(failure, action+" at "+string(tier), now)
			payloads = append(payloads, audit.WorkflowFailed{Reason: failure, Detail: next.Metadata.FailureDetail, Tier: tier})
		} else {
			more, outcome := o.escalate(next, tier, string(failure), now)
			payloads = append(payloads, more...)
			if outcome == OutcomeEscalated {
				escalatedFrom = tier
			}
		}

		if err := v.store.UpdateWorkflow(ctx, next, types.StatusPaused); err != nil {
			return err
		}
		if _, err := v.checkpoint(ctx, next, nil, action); err != nil {
			return err
		}
		if err := v.record(ctx, next.ID, cur.CurrentAgent, payloads...); err != nil {
			return err
		}
		out = next
		return nil
	})
	if err != nil {
		return nil, err
	}
	if escalatedFrom != types.TierNone {
		o.metrics.RecordEscalation(string(escalatedFrom))
	}
	return out, nil
}

func latestOutput(ctx context.Context, v *txView, workflowID string) (*types.AgentOutput, error) {
	cp, err := v.checkpoints.LoadLatest(ctx, workflowID)
	if err != nil {
		if types.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return cp.State.LastOutput, nil
}

// =============================================================================
// Resume
// =============================================================================

// Resume restores the workflow record from its latest checkpoint. A row that
// was cancelled after that checkpoint stays cancelled. Resume never writes a
// checkpoint, so calling it again yields the same state.
func (o *Orchestrator) Resume(ctx context.Context, workflowID string) (*types.Workflow, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.Resume",
		trace.WithAttributes(attribute.String("workflow.id", workflowID)))
	defer span.End()

	l, err := o.acquire(ctx, workflowID)
	if err != nil {
		spanError(span, err)
		return nil, err
	}
	defer o.releaseLease(ctx, l)

	cp, err := o.checkpoints.LoadLatest(ctx, workflowID)
	if err != nil {
		spanError(span, err)
		return nil, err
	}

	var out *types.Workflow
	restored := false
	err = o.commit(ctx, workflowID, func(v *txView) error {
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
		if cur.Status == types.StatusCancelled {
			out = cur
			return nil
		}
		state := cp.State.Workflow.Clone()
		if sameWorkflow(cur, state) {
			out = cur
			return nil
		}
		if err := v.store.UpdateWorkflow(ctx, state); err != nil {
			return err
		}
		if err := v.record(ctx, workflowID, state.CurrentAgent, audit.WorkflowResumed{
			CheckpointID: cp.ID,
			Version:      cp.Version,
			Status:       state.Status,
			Tier:         state.CurrentTier,
		}); err != nil {
			return err
		}
		out = state
		restored = true
		return nil
	})
	if err != nil {
		spanError(span, err)
		return nil, err
	}
	o.logger.Info("workflow resumed",
		zap.String("workflow_id", workflowID),
		zap.String("checkpoint_id", cp.ID),
		zap.Int("version", cp.Version),
		zap.Bool("restored", restored),
		zap.String("status", string(out.Status)),
	)
	return out, nil
}
