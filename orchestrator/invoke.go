package orchestrator

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/PipeLaneLabs/ordo-ai/artifact"
	"github.com/PipeLaneLabs/ordo-ai/audit"
	"github.com/PipeLaneLabs/ordo-ai/budget"
	"github.com/PipeLaneLabs/ordo-ai/types"
)

// invocation is the uncommitted outcome of calling a tier's agent.
// Exactly one of result, denied or lastErr describes how it ended.
type invocation struct {
	result      *types.AgentResult
	reservation *budget.Reservation
	denied      *budget.Decision
	lastErr     error
	// events are agent.* payloads written with the step's commit.
	events []audit.Payload
}

func (inv *invocation) release(ctx context.Context, logger *zap.Logger) {
	if inv.reservation == nil {
		return
	}
	if err := inv.reservation.Release(context.WithoutCancel(ctx)); err != nil {
		logger.Warn("budget reservation release failed",
			zap.String("workflow_id", inv.reservation.WorkflowID),
			zap.String("reservation_id", inv.reservation.ID),
			zap.Error(err),
		)
	}
}

// invoke calls the agent with bounded retries. Every attempt is authorized
// first; a failed attempt gives its reservation back before the next one.
func (o *Orchestrator) invoke(ctx context.Context, b Binding, state *types.WorkflowState) (*invocation, error) {
	inv := &invocation{}
	maxAttempts := o.config.AgentMaxAttempts

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		d, err := o.budget.Authorize(ctx, budget.Request{
			WorkflowID:      state.Workflow.ID,
			Agent:           b.Name,
			Model:           b.Model,
			Tier:            b.Tier,
			ProjectedTokens: b.ProjectedTokens,
		})
		if err != nil {
			return nil, err
		}
		if !d.Allowed {
			inv.denied = d
			o.metrics.RecordBudgetDenied(d.Detail)
			return inv, nil
		}

		inv.events = append(inv.events, audit.AgentStarted{
			Tier:            b.Tier,
			Model:           b.Model,
			Attempt:         attempt,
			ProjectedTokens: d.Projected.Tokens(),
		})

		result, dur, err := o.call(ctx, b, state)
		if err == nil {
			err = validateResult(state.Workflow.ID, b, result)
		}
		if err == nil {
			inv.result = result
			inv.reservation = d.Reservation
			inv.events = append(inv.events, audit.AgentCompleted{
				Tier:         b.Tier,
				Model:        modelOf(result, b),
				Attempt:      attempt,
				TokensInput:  result.TokensInput,
				TokensOutput: result.TokensOutput,
				Cost:         result.Cost,
				DurationMs:   dur.Milliseconds(),
			})
			o.metrics.RecordAgentInvocation(string(b.Tier), b.Name, "success", dur)
			return inv, nil
		}

		if rerr := d.Reservation.Release(context.WithoutCancel(ctx)); rerr != nil {
			o.logger.Warn("budget reservation release failed", zap.String("workflow_id", state.Workflow.ID), zap.Error(rerr))
		}
		if ctx.Err() != nil {
			return nil, engineError("invoke agent", state.Workflow.ID, ctx.Err())
		}
		o.metrics.RecordAgentInvocation(string(b.Tier), b.Name, "error", dur)

		again := retryable(err) && attempt < maxAttempts
		inv.lastErr = err
		inv.events = append(inv.events, audit.AgentFailed{
			Tier:      b.Tier,
			Attempt:   attempt,
			Error:     err.Error(),
			Retryable: retryable(err),
			Exhausted: !again,
		})
		o.logger.Warn("agent invocation failed",
			zap.String("workflow_id", state.Workflow.ID),
			zap.String("tier", string(b.Tier)),
			zap.String("agent", b.Name),
			zap.Int("attempt", attempt),
			zap.Bool("retrying", again),
			zap.Error(err),
		)
		if !again {
			break
		}
		if err := sleep(ctx, backoff(attempt, o.config.AgentRetryInitialDelay, o.config.AgentRetryMaxDelay)); err != nil {
			return nil, engineError("invoke agent", state.Workflow.ID, err)
		}
	}
	return inv, nil
}

// call runs one invocation with the binding's timeout. A panicking agent is
// reported as a failed attempt.
func (o *Orchestrator) call(ctx context.Context, b Binding, state *types.WorkflowState) (res *types.AgentResult, dur time.Duration, err error) {
	if b.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.Timeout)
		defer cancel()
	}
	ctx, span := o.tracer.Start(ctx, "agent.Invoke", trace.WithAttributes(
		attribute.String("workflow.id", state.Workflow.ID),
		attribute.String("agent.tier", string(b.Tier)),
		attribute.String("agent.name", b.Name),
	))
	defer span.End()

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = &AgentError{Agent: b.Name, Message: fmt.Sprintf("panic: %v", r)}
		}
		dur = time.Since(start)
		if err != nil {
			spanError(span, err)
		}
	}()

	res, err = b.Agent.Invoke(ctx, b.Tier, state)
	return res, 0, err
}

// validateResult rejects output that could not be committed.
func validateResult(workflowID string, b Binding, r *types.AgentResult) error {
	if r == nil {
		return &AgentError{Agent: b.Name, Message: "agent returned no result"}
	}
	if r.TokensInput < 0 || r.TokensOutput < 0 || r.Cost < 0 {
		return &AgentError{Agent: b.Name, Message: "agent reported negative usage"}
	}
	for _, f := range r.Output.Files {
		if !f.Type.Valid() {
			return &AgentError{Agent: b.Name, Message: fmt.Sprintf("file %q has unknown artifact type %q", f.Path, f.Type)}
		}
		if _, err := artifact.Key(workflowID, f.Path); err != nil {
			return &AgentError{Agent: b.Name, Message: fmt.Sprintf("file %q has an invalid path", f.Path), Cause: err}
		}
	}
	return nil
}
