package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/PipeLaneLabs/ordo-ai/persistence"
	"github.com/PipeLaneLabs/ordo-ai/types"
)

// Config controls retention.
type Config struct {
	// Retention is how long checkpoints of inactive workflows are kept (default: 48h)
	Retention time.Duration `json:"retention" yaml:"retention"`

	// MaxPerWorkflow caps stored versions per workflow; 0 disables trimming (default: 10)
	MaxPerWorkflow int `json:"max_per_workflow" yaml:"max_per_workflow"`

	// PruneInterval is how often Run prunes (default: 1h)
	PruneInterval time.Duration `json:"prune_interval" yaml:"prune_interval"`
}

// DefaultConfig returns the default retention configuration
func DefaultConfig() Config {
	return Config{
		Retention:      48 * time.Hour,
		MaxPerWorkflow: 10,
		PruneInterval:  time.Hour,
	}
}

// Manager snapshots and restores workflow state.
type Manager struct {
	store  persistence.Store
	config Config
	logger *zap.Logger
	now    func() time.Time
}

// NewManager creates a new checkpoint manager.
func NewManager(store persistence.Store, config Config, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		store:  store,
		config: config,
		logger: logger.With(zap.String("component", "checkpoint_manager")),
		now:    time.Now,
	}
}

// WithStore returns a manager bound to another store view, typically a transaction.
func (m *Manager) WithStore(store persistence.Store) *Manager {
	c := *m
	c.store = store
	return &c
}

// WithClock overrides the time source.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// Save persists a new checkpoint as the latest for its workflow. The version
// lookup, insert and trim share one transaction, so a failed save leaves the
// previous checkpoint as the latest.
func (m *Manager) Save(ctx context.Context, workflowID string, state *types.WorkflowState, meta types.CheckpointMetadata) (*types.Checkpoint, error) {
	if err := state.Validate(); err != nil {
		return nil, types.NewInvalidRequestError("invalid checkpoint state").WithCause(err)
	}
	if state.Workflow.ID != workflowID {
		return nil, types.NewInvalidRequestError(fmt.Sprintf("state belongs to workflow %q, not %q", state.Workflow.ID, workflowID))
	}

	var saved *types.Checkpoint
	err := m.store.WithTx(ctx, func(tx persistence.Store) error {
		cp := &types.Checkpoint{
			ID:         uuid.NewString(),
			WorkflowID: workflowID,
			Version:    1,
			State:      *state,
			Metadata:   meta,
			CreatedAt:  m.now().UTC(),
		}
		cp.State.Workflow = *state.Workflow.Clone()

		latest, err := tx.LatestCheckpoint(ctx, workflowID)
		switch {
		case err == nil:
			cp.Version = latest.Version + 1
			cp.ParentID = latest.ID
			// creation order must agree with version order
			if !cp.CreatedAt.After(latest.CreatedAt) {
				cp.CreatedAt = latest.CreatedAt.Add(time.Microsecond)
			}
		case errors.Is(err, persistence.ErrNotFound):
		default:
			return err
		}

		if err := tx.SaveCheckpoint(ctx, cp); err != nil {
			return err
		}
		if m.config.MaxPerWorkflow > 0 {
			if _, err := tx.TrimCheckpoints(ctx, workflowID, m.config.MaxPerWorkflow); err != nil {
				return err
			}
		}
		saved = cp
		return nil
	})
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return nil, types.NewNotFoundError("workflow", workflowID).WithCause(err)
		}
		return nil, types.NewPersistenceError("save checkpoint", err)
	}

	m.logger.Debug("checkpoint saved",
		zap.String("workflow_id", workflowID),
		zap.String("checkpoint_id", saved.ID),
		zap.Int("version", saved.Version),
		zap.String("tier", string(meta.Tier)),
	)
	return saved, nil
}

// LoadLatest returns the checkpoint with the greatest version.
func (m *Manager) LoadLatest(ctx context.Context, workflowID string) (*types.Checkpoint, error) {
	cp, err := m.store.LatestCheckpoint(ctx, workflowID)
	if err != nil {
		return nil, m.mapErr("load latest checkpoint", "checkpoint for workflow", workflowID, err)
	}
	return cp, nil
}

// Load returns one checkpoint by id.
func (m *Manager) Load(ctx context.Context, checkpointID string) (*types.Checkpoint, error) {
	cp, err := m.store.GetCheckpoint(ctx, checkpointID)
	if err != nil {
		return nil, m.mapErr("load checkpoint", "checkpoint", checkpointID, err)
	}
	return cp, nil
}

// List returns all retained checkpoints of a workflow, oldest first.
func (m *Manager) List(ctx context.Context, workflowID string) ([]*types.Checkpoint, error) {
	list, err := m.store.ListCheckpoints(ctx, workflowID)
	if err != nil {
		return nil, types.NewPersistenceError("list checkpoints", err)
	}
	return list, nil
}

// Rollback re-publishes an older version as a new latest checkpoint.
func (m *Manager) Rollback(ctx context.Context, workflowID string, version int) (*types.Checkpoint, error) {
	list, err := m.List(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	for _, cp := range list {
		if cp.Version == version {
			meta := cp.Metadata
			meta.Reason = fmt.Sprintf("rollback_from_v%d", version)
			return m.Save(ctx, workflowID, &cp.State, meta)
		}
	}
	return nil, types.NewNotFoundError("checkpoint version", fmt.Sprintf("%s@%d", workflowID, version))
}

// Prune deletes checkpoints created before the horizon for workflows whose
// status is not in excluding. It returns the number deleted.
func (m *Manager) Prune(ctx context.Context, before time.Time, excluding []types.WorkflowStatus) (int64, error) {
	n, err := m.store.DeleteCheckpointsBefore(ctx, before, excluding)
	if err != nil {
		return 0, types.NewPersistenceError("prune checkpoints", err)
	}
	if n > 0 {
		m.logger.Info("checkpoints pruned", zap.Int64("deleted", n), zap.Time("before", before))
	}
	return n, nil
}

// PruneExpired applies the configured retention to inactive workflows.
func (m *Manager) PruneExpired(ctx context.Context) (int64, error) {
	return m.Prune(ctx, m.now().Add(-m.config.Retention), types.ActiveStatuses)
}

// Run prunes on every PruneInterval until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	if m.config.PruneInterval <= 0 || m.config.Retention <= 0 {
		return
	}
	ticker := time.NewTicker(m.config.PruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.PruneExpired(ctx); err != nil {
				m.logger.Error("checkpoint retention failed", zap.Error(err))
			}
		}
	}
}

func (m *Manager) mapErr(op, entity, id string, err error) error {
	if errors.Is(err, persistence.ErrNotFound) {
		return types.NewNotFoundError(entity, id)
	}
	return types.NewPersistenceError(op, err)
}
