package gate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/PipeLaneLabs/ordo-ai/persistence"
	"github.com/PipeLaneLabs/ordo-ai/types"
)

// maxParallel bounds concurrent criterion checks per evaluation.
const maxParallel = 8

// Evaluator scores tier output against criteria and keeps every attempt.
type Evaluator struct {
	store  persistence.Store
	sets   Sets
	logger *zap.Logger
	now    func() time.Time
}

// NewEvaluator creates an evaluator over configured criteria sets.
func NewEvaluator(store persistence.Store, sets Sets, logger *zap.Logger) *Evaluator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if sets == nil {
		sets = Sets{}
	}
	return &Evaluator{
		store:  store,
		sets:   sets,
		logger: logger.With(zap.String("component", "gate_evaluator")),
		now:    time.Now,
	}
}

// WithStore returns an evaluator bound to another store view.
func (e *Evaluator) WithStore(store persistence.Store) *Evaluator {
	c := *e
	c.store = store
	return &c
}

// WithClock overrides the time source.
func (e *Evaluator) WithClock(now func() time.Time) *Evaluator {
	e.now = now
	return e
}

// Criteria returns the configured criteria for a workflow at a tier.
func (e *Evaluator) Criteria(workflowType string, tier types.Tier) []Criterion {
	return e.sets.For(workflowType, tier)
}

// EvaluateTier evaluates the gate named after the workflow's tier using the
// configured criteria set.
func (e *Evaluator) EvaluateTier(ctx context.Context, w *types.Workflow, tier types.Tier, output *types.AgentOutput) (*types.GateResult, error) {
	return e.evaluate(ctx, w, string(tier), tier, e.Criteria(w.Type, tier), output)
}

// Evaluate runs criteria over output and persists a new result. No criteria
// yields a skipped result.
func (e *Evaluator) Evaluate(ctx context.Context, workflowID, gateName string, criteria []Criterion, output *types.AgentOutput) (*types.GateResult, error) {
	w, err := e.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return nil, types.NewNotFoundError("workflow", workflowID)
		}
		return nil, types.NewPersistenceError("load workflow", err)
	}
	tier, _ := types.ParseTier(gateName)
	return e.evaluate(ctx, w, gateName, tier, criteria, output)
}

func (e *Evaluator) evaluate(ctx context.Context, w *types.Workflow, gateName string, tier types.Tier, criteria []Criterion, output *types.AgentOutput) (*types.GateResult, error) {
	in := Input{Workflow: w, Tier: tier, Output: output}
	results := make([]types.CriterionResult, len(criteria))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallel)
	for i, c := range criteria {
		g.Go(func() error {
			passed, score, msg, err := c.Check(gctx, in)
			if err != nil {
				passed = false
				msg = fmt.Sprintf("criterion error: %v", err)
			}
			results[i] = types.CriterionResult{
				Name:     c.Name(),
				Required: c.Required(),
				Passed:   passed,
				Score:    score,
				Message:  msg,
			}
			return nil // 收集全部结果，不提前终止
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	names := make([]string, len(criteria))
	for i, c := range criteria {
		names[i] = c.Name()
	}

	result := &types.GateResult{
		ID:          uuid.NewString(),
		WorkflowID:  w.ID,
		Gate:        gateName,
		Status:      aggregate(results),
		Criteria:    names,
		Results:     results,
		EvaluatedAt: e.now().UTC(),
	}

	history, err := e.History(ctx, w.ID, gateName)
	if err != nil {
		return nil, err
	}
	result.Attempt = len(history) + 1

	if err := e.store.SaveGateResult(ctx, result); err != nil {
		return nil, types.NewPersistenceError("save gate result", err)
	}

	e.logger.Info("gate evaluated",
		zap.String("workflow_id", w.ID),
		zap.String("gate", gateName),
		zap.Int("attempt", result.Attempt),
		zap.String("status", string(result.Status)),
	)
	return result, nil
}

func aggregate(results []types.CriterionResult) types.GateStatus {
	if len(results) == 0 {
		return types.GateSkipped
	}
	for _, r := range results {
		if r.Required && !r.Passed {
			return types.GateFailed
		}
	}
	return types.GatePassed
}

// History returns every result of one gate in attempt order. An empty gate
// name returns all gates.
func (e *Evaluator) History(ctx context.Context, workflowID, gateName string) ([]*types.GateResult, error) {
	all, err := e.store.ListGateResults(ctx, workflowID)
	if err != nil {
		return nil, types.NewPersistenceError("list gate results", err)
	}
	if gateName == "" {
		return all, nil
	}
	out := make([]*types.GateResult, 0, len(all))
	for _, r := range all {
		if r.Gate == gateName {
			out = append(out, r)
		}
	}
	return out, nil
}

// Latest returns the most recent result of a gate.
func (e *Evaluator) Latest(ctx context.Context, workflowID, gateName string) (*types.GateResult, error) {
	history, err := e.History(ctx, workflowID, gateName)
	if err != nil {
		return nil, err
	}
	if len(history) == 0 {
		return nil, types.NewNotFoundError("gate result", workflowID+"/"+gateName)
	}
	latest := history[0]
	for _, r := range history[1:] {
		if r.Attempt > latest.Attempt {
			latest = r
		}
	}
	return latest, nil
}
