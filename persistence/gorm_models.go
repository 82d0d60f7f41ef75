package persistence

import (
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/PipeLaneLabs/ordo-ai/types"
)

// =============================================================================
// 🗄️ 行模型（与 internal/migration 中的 SQL 保持一致）
// =============================================================================

type workflowRow struct {
	ID           string     `gorm:"primaryKey;size:36"`
	Request      string     `gorm:"type:text;not null"`
	Type         string     `gorm:"size:64;not null"`
	Status       string     `gorm:"size:16;not null;index:idx_workflows_status"`
	CurrentTier  *string    `gorm:"size:16"`
	CurrentAgent *string    `gorm:"size:128"`
	StartedAt    time.Time  `gorm:"not null"`
	CompletedAt  *time.Time `gorm:"column:completed_at"`
	Metadata     string     `gorm:"type:text;not null"`
	CreatedAt    time.Time  `gorm:"autoCreateTime:false"`
	UpdatedAt    time.Time  `gorm:"autoUpdateTime:false;index:idx_workflows_updated_at"`
}

func (workflowRow) TableName() string { return "workflows" }

type checkpointRow struct {
	ID         string       `gorm:"primaryKey;size:36"`
	WorkflowID string       `gorm:"size:36;not null;uniqueIndex:idx_checkpoints_workflow_version,priority:1"`
	Workflow   *workflowRow `gorm:"foreignKey:WorkflowID;constraint:OnDelete:CASCADE"`
	Version    int          `gorm:"not null;uniqueIndex:idx_checkpoints_workflow_version,priority:2"`
	ParentID   *string      `gorm:"size:36"`
	State      string       `gorm:"type:text;not null"`
	Metadata   string       `gorm:"type:text;not null"`
	CreatedAt  time.Time    `gorm:"autoCreateTime:false;not null;index:idx_checkpoints_created_at"`
}

func (checkpointRow) TableName() string { return "checkpoints" }

type auditRow struct {
	ID         string       `gorm:"primaryKey;size:36"`
	WorkflowID *string      `gorm:"size:36;index:idx_audit_events_workflow;uniqueIndex:idx_audit_events_workflow_seq,priority:1"`
	Workflow   *workflowRow `gorm:"foreignKey:WorkflowID;constraint:OnDelete:CASCADE"`
	Seq        int64        `gorm:"not null;uniqueIndex:idx_audit_events_workflow_seq,priority:2"`
	EventType  string       `gorm:"size:64;not null;index:idx_audit_events_type"`
	Agent      *string      `gorm:"size:128"`
	Data       string       `gorm:"type:text;not null"`
	CreatedAt  time.Time    `gorm:"autoCreateTime:false;not null"`
}

func (auditRow) TableName() string { return "audit_events" }

type budgetRow struct {
	ID           string       `gorm:"primaryKey;size:36"`
	WorkflowID   string       `gorm:"size:36;not null;index:idx_budget_tracking_workflow"`
	Workflow     *workflowRow `gorm:"foreignKey:WorkflowID;constraint:OnDelete:CASCADE"`
	Agent        string       `gorm:"size:128;not null"`
	Model        string       `gorm:"size:128;not null"`
	Tier         string       `gorm:"size:16"`
	TokensInput  int64        `gorm:"not null"`
	TokensOutput int64        `gorm:"not null"`
	CostMicros   int64        `gorm:"not null"`
	CreatedAt    time.Time    `gorm:"autoCreateTime:false;not null;index:idx_budget_tracking_created_at"`
}

func (budgetRow) TableName() string { return "budget_tracking" }

type gateRow struct {
	ID          string       `gorm:"primaryKey;size:36"`
	WorkflowID  string       `gorm:"size:36;not null;uniqueIndex:idx_quality_gates_attempt,priority:1"`
	Workflow    *workflowRow `gorm:"foreignKey:WorkflowID;constraint:OnDelete:CASCADE"`
	Gate        string       `gorm:"size:32;not null;uniqueIndex:idx_quality_gates_attempt,priority:2"`
	Attempt     int          `gorm:"not null;uniqueIndex:idx_quality_gates_attempt,priority:3"`
	Status      string       `gorm:"size:16;not null"`
	Criteria    string       `gorm:"type:text;not null"`
	Results     string       `gorm:"type:text;not null"`
	EvaluatedAt time.Time    `gorm:"not null"`
}

func (gateRow) TableName() string { return "quality_gates" }

type artifactRow struct {
	ID         string       `gorm:"primaryKey;size:36"`
	WorkflowID string       `gorm:"size:36;not null;index:idx_artifacts_workflow"`
	Workflow   *workflowRow `gorm:"foreignKey:WorkflowID;constraint:OnDelete:CASCADE"`
	Type       string       `gorm:"size:32;not null"`
	Path       string       `gorm:"size:512;not null"`
	StorageKey string       `gorm:"size:1024;not null"`
	SizeBytes  int64        `gorm:"not null"`
	Checksum   string       `gorm:"size:64"`
	Metadata   string       `gorm:"type:text;not null"`
	CreatedAt  time.Time    `gorm:"autoCreateTime:false;not null"`
}

func (artifactRow) TableName() string { return "artifacts" }

// AutoMigrate creates the six tables from the row models. Production
// deployments use the versioned SQL in internal/migration instead.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&workflowRow{},
		&checkpointRow{},
		&auditRow{},
		&budgetRow{},
		&gateRow{},
		&artifactRow{},
	)
}

// =============================================================================
// 转换
// =============================================================================

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func derefStr(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

func toWorkflowRow(w *types.Workflow) (*workflowRow, error) {
	meta, err := json.Marshal(w.Metadata)
	if err != nil {
		return nil, fmt.Errorf("marshal workflow metadata: %w", err)
	}
	return &workflowRow{
		ID:           w.ID,
		Request:      w.Request,
		Type:         w.Type,
		Status:       string(w.Status),
		CurrentTier:  strPtr(string(w.CurrentTier)),
		CurrentAgent: strPtr(w.CurrentAgent),
		StartedAt:    w.StartedAt.UTC(),
		CompletedAt:  utcPtr(w.CompletedAt),
		Metadata:     string(meta),
		CreatedAt:    w.StartedAt.UTC(),
		UpdatedAt:    w.UpdatedAt.UTC(),
	}, nil
}

func (r *workflowRow) toDomain() (*types.Workflow, error) {
	w := &types.Workflow{
		ID:           r.ID,
		Request:      r.Request,
		Type:         r.Type,
		Status:       types.WorkflowStatus(r.Status),
		CurrentAgent: derefStr(r.CurrentAgent),
		StartedAt:    r.StartedAt.UTC(),
		CompletedAt:  utcPtr(r.CompletedAt),
		UpdatedAt:    r.UpdatedAt.UTC(),
	}
	if r.CurrentTier != nil {
		t, err := types.ParseTier(*r.CurrentTier)
		if err != nil {
			return nil, err
		}
		w.CurrentTier = t
	}
	if err := json.Unmarshal([]byte(r.Metadata), &w.Metadata); err != nil {
		return nil, fmt.Errorf("decode workflow metadata: %w", err)
	}
	return w, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func toCheckpointRow(cp *types.Checkpoint) (*checkpointRow, error) {
	state, err := json.Marshal(cp.State)
	if err != nil {
		return nil, fmt.Errorf("marshal checkpoint state: %w", err)
	}
	meta, err := json.Marshal(cp.Metadata)
	if err != nil {
		return nil, fmt.Errorf("marshal checkpoint metadata: %w", err)
	}
	return &checkpointRow{
		ID:         cp.ID,
		WorkflowID: cp.WorkflowID,
		Version:    cp.Version,
		ParentID:   strPtr(cp.ParentID),
		State:      string(state),
		Metadata:   string(meta),
		CreatedAt:  cp.CreatedAt.UTC(),
	}, nil
}

func (r *checkpointRow) toDomain() (*types.Checkpoint, error) {
	cp := &types.Checkpoint{
		ID:         r.ID,
		WorkflowID: r.WorkflowID,
		Version:    r.Version,
		ParentID:   derefStr(r.ParentID),
		CreatedAt:  r.CreatedAt.UTC(),
	}
	if err := json.Unmarshal([]byte(r.State), &cp.State); err != nil {
		return nil, fmt.Errorf("decode checkpoint %s state: %w", r.ID, err)
	}
	if err := json.Unmarshal([]byte(r.Metadata), &cp.Metadata); err != nil {
		return nil, fmt.Errorf("decode checkpoint %s metadata: %w", r.ID, err)
	}
	return cp, nil
}

func toAuditRow(ev *types.AuditEvent) *auditRow {
	data := string(ev.Data)
	if data == "" {
		data = "{}"
	}
	return &auditRow{
		ID:         ev.ID,
		WorkflowID: strPtr(ev.WorkflowID),
		Seq:        ev.Sequence,
		EventType:  string(ev.EventType),
		Agent:      strPtr(ev.Agent),
		Data:       data,
		CreatedAt:  ev.CreatedAt.UTC(),
	}
}

func (r *auditRow) toDomain() *types.AuditEvent {
	return &types.AuditEvent{
		ID:         r.ID,
		WorkflowID: derefStr(r.WorkflowID),
		Sequence:   r.Seq,
		EventType:  types.EventType(r.EventType),
		Agent:      derefStr(r.Agent),
		Data:       json.RawMessage(r.Data),
		CreatedAt:  r.CreatedAt.UTC(),
	}
}

func toBudgetRow(e *types.BudgetEntry) *budgetRow {
	return &budgetRow{
		ID:           e.ID,
		WorkflowID:   e.WorkflowID,
		Agent:        e.Agent,
		Model:        e.Model,
		Tier:         string(e.Tier),
		TokensInput:  e.TokensInput,
		TokensOutput: e.TokensOutput,
		CostMicros:   int64(e.Cost),
		CreatedAt:    e.CreatedAt.UTC(),
	}
}

func (r *budgetRow) toDomain() *types.BudgetEntry {
	return &types.BudgetEntry{
		ID:           r.ID,
		WorkflowID:   r.WorkflowID,
		Agent:        r.Agent,
		Model:        r.Model,
		Tier:         types.Tier(r.Tier),
		TokensInput:  r.TokensInput,
		TokensOutput: r.TokensOutput,
		Cost:         types.MicroUSD(r.CostMicros),
		CreatedAt:    r.CreatedAt.UTC(),
	}
}

func toGateRow(g *types.GateResult) (*gateRow, error) {
	criteria, err := json.Marshal(g.Criteria)
	if err != nil {
		return nil, err
	}
	results, err := json.Marshal(g.Results)
	if err != nil {
		return nil, err
	}
	return &gateRow{
		ID:          g.ID,
		WorkflowID:  g.WorkflowID,
		Gate:        g.Gate,
		Attempt:     g.Attempt,
		Status:      string(g.Status),
		Criteria:    string(criteria),
		Results:     string(results),
		EvaluatedAt: g.EvaluatedAt.UTC(),
	}, nil
}

func (r *gateRow) toDomain() (*types.GateResult, error) {
	g := &types.GateResult{
		ID:          r.ID,
		WorkflowID:  r.WorkflowID,
		Gate:        r.Gate,
		Attempt:     r.Attempt,
		Status:      types.GateStatus(r.Status),
		EvaluatedAt: r.EvaluatedAt.UTC(),
	}
	if err := json.Unmarshal([]byte(r.Criteria), &g.Criteria); err != nil {
		return nil, fmt.Errorf("decode gate %s criteria: %w", r.ID, err)
	}
	if err := json.Unmarshal([]byte(r.Results), &g.Results); err != nil {
		return nil, fmt.Errorf("decode gate %s results: %w", r.ID, err)
	}
	return g, nil
}

func toArtifactRow(a *types.Artifact) (*artifactRow, error) {
	meta := []byte("{}")
	if len(a.Metadata) > 0 {
		var err error
		if meta, err = json.Marshal(a.Metadata); err != nil {
			return nil, err
		}
	}
	return &artifactRow{
		ID:         a.ID,
		WorkflowID: a.WorkflowID,
		Type:       string(a.Type),
		Path:       a.Path,
		StorageKey: a.StorageKey,
		SizeBytes:  a.SizeBytes,
		Checksum:   a.Checksum,
		Metadata:   string(meta),
		CreatedAt:  a.CreatedAt.UTC(),
	}, nil
}

func (r *artifactRow) toDomain() (*types.Artifact, error) {
	a := &types.Artifact{
		ID:         r.ID,
		WorkflowID: r.WorkflowID,
		Type:       types.ArtifactType(r.Type),
		Path:       r.Path,
		StorageKey: r.StorageKey,
		SizeBytes:  r.SizeBytes,
		Checksum:   r.Checksum,
		CreatedAt:  r.CreatedAt.UTC(),
	}
	if r.Metadata != "" && r.Metadata != "{}" {
		if err := json.Unmarshal([]byte(r.Metadata), &a.Metadata); err != nil {
			return nil, fmt.Errorf("decode artifact %s metadata: %w", r.ID, err)
		}
	}
	return a, nil
}
