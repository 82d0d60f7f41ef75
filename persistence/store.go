package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/PipeLaneLabs/ordo-ai/types"
)

// Common errors
var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrConflict      = errors.New("concurrent modification")
	ErrStoreClosed   = errors.New("store is closed")
	ErrInvalidInput  = errors.New("invalid input")
)

// StoreType represents the type of storage backend
type StoreType string

const (
	StoreTypeMemory StoreType = "memory"
	StoreTypeGorm   StoreType = "gorm"
)

// WorkflowFilter narrows ListWorkflows.
type WorkflowFilter struct {
	Statuses      []types.WorkflowStatus
	Type          string
	UpdatedBefore time.Time
	Limit         int
	Offset        int
}

// AuditFilter narrows ListAuditEvents. An empty WorkflowID with SystemOnly
// selects events that belong to no workflow.
type AuditFilter struct {
	WorkflowID    string
	SystemOnly    bool
	EventTypes    []types.EventType
	AfterSequence int64
	Limit         int
}

// Store is the single source of truth for all engine state.
type Store interface {
	// Workflows
	CreateWorkflow(ctx context.Context, w *types.Workflow) error
	GetWorkflow(ctx context.Context, id string) (*types.Workflow, error)
	// GetWorkflowForUpdate re-reads a workflow and locks its row until the
	// enclosing transaction ends, where the backend supports row locks.
	GetWorkflowForUpdate(ctx context.Context, id string) (*types.Workflow, error)
	// UpdateWorkflow replaces the record. With expect set, the update only
	// applies while the stored status is one of expect, else ErrConflict.
	UpdateWorkflow(ctx context.Context, w *types.Workflow, expect ...types.WorkflowStatus) error
	ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*types.Workflow, error)
	// DeleteWorkflow removes the workflow and everything it owns.
	DeleteWorkflow(ctx context.Context, id string) error

	// Checkpoints
	SaveCheckpoint(ctx context.Context, cp *types.Checkpoint) error
	GetCheckpoint(ctx context.Context, id string) (*types.Checkpoint, error)
	LatestCheckpoint(ctx context.Context, workflowID string) (*types.Checkpoint, error)
	ListCheckpoints(ctx context.Context, workflowID string) ([]*types.Checkpoint, error)
	DeleteCheckpointsBefore(ctx context.Context, before time.Time, excluding []types.WorkflowStatus) (int64, error)
	TrimCheckpoints(ctx context.Context, workflowID string, keep int) (int64, error)

	// Audit events. A zero Sequence is assigned one past the workflow's
	// latest event and written back to ev; system events number separately.
	// A taken (workflow, sequence) pair returns ErrAlreadyExists.
	AppendAuditEvent(ctx context.Context, ev *types.AuditEvent) error
	ListAuditEvents(ctx context.Context, filter AuditFilter) ([]*types.AuditEvent, error)

	// Budget
	AppendBudgetEntry(ctx context.Context, e *types.BudgetEntry) error
	ListBudgetEntries(ctx context.Context, workflowID string) ([]*types.BudgetEntry, error)
	SumBudget(ctx context.Context, workflowID string) (types.Usage, error)
	SumBudgetSince(ctx context.Context, since time.Time) (types.Usage, error)

	// Quality gates
	SaveGateResult(ctx context.Context, r *types.GateResult) error
	ListGateResults(ctx context.Context, workflowID string) ([]*types.GateResult, error)

	// Artifacts
	SaveArtifact(ctx context.Context, a *types.Artifact) error
	ListArtifacts(ctx context.Context, workflowID string) ([]*types.Artifact, error)

	// WithTx runs fn against a transactional view. Either every write made
	// through tx commits or none does. Nested calls reuse the outer transaction.
	WithTx(ctx context.Context, fn func(tx Store) error) error

	Ping(ctx context.Context) error
	Close() error
}

func containsStatus(list []types.WorkflowStatus, s types.WorkflowStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func containsEventType(list []types.EventType, t types.EventType) bool {
	for _, v := range list {
		if v == t {
			return true
		}
	}
	return false
}
