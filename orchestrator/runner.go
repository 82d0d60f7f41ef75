package orchestrator

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/PipeLaneLabs/ordo-ai/internal/pool"
	"github.com/PipeLaneLabs/ordo-ai/persistence"
	"github.com/PipeLaneLabs/ordo-ai/types"
)

// Runner drives workflows in the background on a bounded worker pool.
type Runner struct {
	orch     *Orchestrator
	pool     *pool.GoroutinePool
	interval time.Duration
	logger   *zap.Logger
}

// NewRunner creates a runner that uses the orchestrator's workers and poll
// interval.
func NewRunner(o *Orchestrator, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "runner"))
	cfg := pool.DefaultGoroutinePoolConfig()
	cfg.MaxWorkers = o.config.Workers
	cfg.QueueSize = o.config.Workers * 64
	cfg.PanicHandler = func(r any) {
		logger.Error("advance task panicked", zap.Any("panic", r))
	}
	return &Runner{
		orch:     o,
		pool:     pool.NewGoroutinePool(cfg),
		interval: o.config.PollInterval,
		logger:   logger,
	}
}

// Recover resumes every non-terminal workflow from its latest checkpoint.
// It is meant to run once at process start.
func (r *Runner) Recover(ctx context.Context) (int, error) {
	list, err := r.orch.ListWorkflows(ctx, persistence.WorkflowFilter{Statuses: types.NonTerminalStatuses})
	if err != nil {
		return 0, err
	}
	resumed := 0
	for _, w := range list {
		if _, err := r.orch.Resume(ctx, w.ID); err != nil {
			if types.IsErrorCode(err, types.ErrWorkflowLeased) || types.IsNotFound(err) {
				continue
			}
			r.logger.Warn("resume failed", zap.String("workflow_id", w.ID), zap.Error(err))
			continue
		}
		resumed++
	}
	r.logger.Info("workflows recovered", zap.Int("resumed", resumed), zap.Int("candidates", len(list)))
	return resumed, nil
}

// Tick expires overdue approvals and schedules every runnable workflow that
// is not already in flight. It returns how many tasks were scheduled.
func (r *Runner) Tick(ctx context.Context) (int, error) {
	if n, err := r.orch.ExpireApprovals(ctx, r.orch.now()); err != nil {
		r.logger.Warn("approval expiry failed", zap.Error(err))
	} else if n > 0 {
		r.logger.Info("approvals expired", zap.Int("count", n))
	}

	list, err := r.orch.ListWorkflows(ctx, persistence.WorkflowFilter{
		Statuses: []types.WorkflowStatus{types.StatusPending, types.StatusRunning},
	})
	if err != nil {
		return 0, err
	}

	scheduled := 0
	for _, w := range list {
		id := w.ID
		ok, err := r.pool.SubmitKeyed(ctx, id, func(ctx context.Context) error {
			return r.drive(ctx, id)
		})
		if err != nil {
			if errors.Is(err, pool.ErrPoolFull) {
				r.logger.Debug("worker pool full, deferring", zap.String("workflow_id", id))
				break
			}
			return scheduled, err
		}
		if ok {
			scheduled++
		}
	}
	return scheduled, nil
}

// drive advances one workflow until it pauses, finishes or errors.
func (r *Runner) drive(ctx context.Context, workflowID string) error {
	for ctx.Err() == nil {
		res, err := r.orch.Advance(ctx, workflowID)
		if err != nil {
			switch {
			case types.IsErrorCode(err, types.ErrWorkflowLeased):
				return nil
			case types.IsErrorCode(err, types.ErrInvalidTransition):
				return nil
			default:
				r.logger.Warn("advance error", zap.String("workflow_id", workflowID), zap.Error(err))
				return err
			}
		}
		if res.Workflow.Status != types.StatusRunning || res.Outcome == OutcomeAbandoned {
			return nil
		}
	}
	return ctx.Err()
}

// Run recovers, then ticks every poll interval until ctx is done. In-flight
// steps finish before Run returns.
func (r *Runner) Run(ctx context.Context) error {
	if _, err := r.Recover(ctx); err != nil {
		r.logger.Error("recovery failed", zap.Error(err))
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	defer r.pool.Close()

	for {
		if _, err := r.Tick(ctx); err != nil && ctx.Err() == nil {
			r.logger.Warn("tick failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			r.logger.Info("runner stopping", zap.Any("pool", r.pool.Stats()))
			return nil
		case <-ticker.C:
		}
	}
}

// Stats reports the worker pool counters.
func (r *Runner) Stats() pool.GoroutinePoolStats {
	return r.pool.Stats()
}
