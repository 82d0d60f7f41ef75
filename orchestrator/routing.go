package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/PipeLaneLabs/ordo-ai/audit"
	"github.com/PipeLaneLabs/ordo-ai/types"
)

// gateAndRoute evaluates the tier's gate on output and moves the cursor.
func (o *Orchestrator) gateAndRoute(ctx context.Context, v *txView, w *types.Workflow, tier types.Tier, output *types.AgentOutput, now time.Time) ([]audit.Payload, Outcome, error) {
	result, err := v.gates.EvaluateTier(ctx, w, tier, output)
	if err != nil {
		return nil, "", err
	}
	o.metrics.RecordGate(result.Gate, string(result.Status))

	payloads := []audit.Payload{audit.GateEvaluated{
		Gate:     result.Gate,
		ResultID: result.ID,
		Attempt:  result.Attempt,
		Status:   result.Status,
		Failed:   failedCriteria(result),
	}}
	more, outcome := o.route(w, tier, result.Status, now)
	return append(payloads, more...), outcome, nil
}

func failedCriteria(r *types.GateResult) []string {
	var out []string
	for _, c := range r.Results {
		if c.Required && !c.Passed {
			out = append(out, c.Name)
		}
	}
	return out
}

// route applies a gate status to w.
//
//   - failed at tier_0: the workflow fails with gate_failure
//   - failed elsewhere: the tier's rejection count grows; at retry_ceiling the
//     workflow escalates to tier_0, otherwise the tier runs again
//   - passed or skipped: the cursor moves forward
func (o *Orchestrator) route(w *types.Workflow, tier types.Tier, status types.GateStatus, now time.Time) ([]audit.Payload, Outcome) {
	if status == types.GateFailed {
		w.Metadata.GatesFailed++
		if tier.IsDeviation() {
			detail := "deviation handler gate failed"
			w.Fail(types.FailureGate, detail, now)
			return []audit.Payload{audit.WorkflowFailed{Reason: types.FailureGate, Detail: detail, Tier: tier}}, OutcomeFailed
		}

		n := w.Metadata.AddRejection(tier)
		payloads := []audit.Payload{audit.ValidationRejected{Tier: tier, Rejections: n, RetryCeiling: o.config.RetryCeiling}}
		if n >= o.config.RetryCeiling {
			more, outcome := o.escalate(w, tier, string(types.FailureGate), now)
			return append(payloads, more...), outcome
		}
		w.Metadata.Phase = types.PhaseEntered
		return payloads, OutcomeRetrying
	}

	if status == types.GatePassed {
		w.Metadata.GatesPassed++
	}
	return o.forward(w, tier, now)
}

// escalate routes w to tier_0, or fails it once escalations exceed the limit.
func (o *Orchestrator) escalate(w *types.Workflow, from types.Tier, reason string, now time.Time) ([]audit.Payload, Outcome) {
	w.Metadata.Escalations++
	if w.Metadata.Escalations > o.config.MaxEscalations {
		detail := fmt.Sprintf("escalation %d exceeds limit %d", w.Metadata.Escalations, o.config.MaxEscalations)
		w.Fail(types.FailureEscalationLimit, detail, now)
		return []audit.Payload{audit.WorkflowFailed{Reason: types.FailureEscalationLimit, Detail: detail, Tier: from}}, OutcomeFailed
	}

	w.Metadata.EscalatedFrom = from
	w.Metadata.EscalationReason = reason
	o.enter(w, types.Tier0)
	return []audit.Payload{audit.EscalationTriggered{
		FromTier:    from,
		Reason:      reason,
		Escalations: w.Metadata.Escalations,
	}}, OutcomeEscalated
}

// forward moves past a passed tier. tier_0 hands control back to the tier
// it was escalated from, with that tier's rejection count cleared.
func (o *Orchestrator) forward(w *types.Workflow, tier types.Tier, now time.Time) ([]audit.Payload, Outcome) {
	if tier.IsDeviation() {
		back := w.Metadata.EscalatedFrom
		if !back.Valid() || back.IsDeviation() {
			back = types.Tier1
		}
		w.Metadata.ResetRejections(back)
		w.Metadata.EscalatedFrom = types.TierNone
		w.Metadata.EscalationReason = ""
		o.enter(w, back)
		return []audit.Payload{audit.TierAdvanced{From: tier, To: back}}, OutcomeAdvanced
	}

	next, ok := tier.Next()
	if !ok {
		w.MarkTerminal(types.StatusCompleted, now)
		return []audit.Payload{audit.WorkflowCompleted{
			TokensUsed: w.Metadata.TokensUsed,
			CostUsed:   w.Metadata.CostUsed,
			DurationMs: max(now.Sub(w.StartedAt).Milliseconds(), 0),
		}}, OutcomeCompleted
	}
	o.enter(w, next)
	return []audit.Payload{audit.TierAdvanced{From: tier, To: next}}, OutcomeAdvanced
}
