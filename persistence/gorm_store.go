package persistence

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/PipeLaneLabs/ordo-ai/internal/database"
	"github.com/PipeLaneLabs/ordo-ai/types"
)

// DefaultTxRetries bounds retries of transactions that hit deadlocks or
// serialization failures.
const DefaultTxRetries = 3

// GormStore is a relational Store over GORM (PostgreSQL, MySQL or SQLite).
type GormStore struct {
	db        *gorm.DB
	pool      *database.PoolManager
	logger    *zap.Logger
	txRetries int
	inTx      bool
}

// NewGormStore creates a store that runs its transactions through pool.
func NewGormStore(pool *database.PoolManager, logger *zap.Logger) *GormStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GormStore{
		db:        pool.DB(),
		pool:      pool,
		logger:    logger.With(zap.String("component", "gorm_store")),
		txRetries: DefaultTxRetries,
	}
}

// WithTxRetries overrides the transaction retry bound.
func (s *GormStore) WithTxRetries(n int) *GormStore {
	if n > 0 {
		s.txRetries = n
	}
	return s
}

// WithTx runs fn inside one database transaction. Retryable driver errors
// (deadlock, serialization failure, busy database) re-run fn from the start.
func (s *GormStore) WithTx(ctx context.Context, fn func(tx Store) error) error {
	if s.inTx {
		return fn(s)
	}
	run := func(tx *gorm.DB) error {
		return fn(&GormStore{db: tx, logger: s.logger, txRetries: s.txRetries, inTx: true})
	}
	if s.pool != nil {
		return s.pool.WithTransactionRetry(ctx, s.txRetries, run)
	}
	return s.db.WithContext(ctx).Transaction(run)
}

// Ping checks if the database is reachable
func (s *GormStore) Ping(ctx context.Context) error {
	if s.pool != nil {
		return s.pool.Ping(ctx)
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close closes the underlying pool
func (s *GormStore) Close() error {
	if s.pool != nil {
		return s.pool.Close()
	}
	return nil
}

func (s *GormStore) conn(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx)
}

func (s *GormStore) supportsRowLocks() bool {
	return s.db.Dialector.Name() != "sqlite"
}

// translate maps driver errors onto the package sentinels.
func translate(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return fmt.Errorf("%w: %v", ErrAlreadyExists, err)
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "unique constraint"),
		strings.Contains(msg, "duplicate key"),
		strings.Contains(msg, "duplicate entry"):
		return fmt.Errorf("%w: %v", ErrAlreadyExists, err)
	case strings.Contains(msg, "foreign key"):
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	return err
}

func statusStrings(list []types.WorkflowStatus) []string {
	out := make([]string, len(list))
	for i, s := range list {
		out[i] = string(s)
	}
	return out
}

// =============================================================================
// Workflows
// =============================================================================

func (s *GormStore) CreateWorkflow(ctx context.Context, w *types.Workflow) error {
	if w == nil || w.ID == "" {
		return ErrInvalidInput
	}
	if err := w.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	row, err := toWorkflowRow(w)
	if err != nil {
		return err
	}
	return translate(s.conn(ctx).Create(row).Error)
}

func (s *GormStore) GetWorkflow(ctx context.Context, id string) (*types.Workflow, error) {
	var row workflowRow
	if err := s.conn(ctx).Where("id = ?", id).First(&row).Error; err != nil {
		return nil, translate(err)
	}
	return row.toDomain()
}

// GetWorkflowForUpdate takes SELECT ... FOR UPDATE inside transactions.
// SQLite serializes writers at the database level instead.
func (s *GormStore) GetWorkflowForUpdate(ctx context.Context, id string) (*types.Workflow, error) {
	q := s.conn(ctx)
	if s.inTx && s.supportsRowLocks() {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var row workflowRow
	if err := q.Where("id = ?", id).First(&row).Error; err != nil {
		return nil, translate(err)
	}
	return row.toDomain()
}

func (s *GormStore) UpdateWorkflow(ctx context.Context, w *types.Workflow, expect ...types.WorkflowStatus) error {
	if w == nil || w.ID == "" {
		return ErrInvalidInput
	}
	if err := w.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	row, err := toWorkflowRow(w)
	if err != nil {
		return err
	}

	q := s.conn(ctx).Model(&workflowRow{}).Where("id = ?", w.ID)
	if len(expect) > 0 {
		q = q.Where("status IN ?", statusStrings(expect))
	}
	res := q.Select("request", "type", "status", "current_tier", "current_agent",
		"started_at", "completed_at", "metadata", "updated_at").Updates(row)
	if res.Error != nil {
		return translate(res.Error)
	}
	if res.RowsAffected == 0 {
		if _, err := s.GetWorkflow(ctx, w.ID); err != nil {
			return err
		}
		return ErrConflict
	}
	return nil
}

func (s *GormStore) ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*types.Workflow, error) {
	q := s.conn(ctx).Model(&workflowRow{})
	if len(filter.Statuses) > 0 {
		q = q.Where("status IN ?", statusStrings(filter.Statuses))
	}
	if filter.Type != "" {
		q = q.Where("type = ?", filter.Type)
	}
	if !filter.UpdatedBefore.IsZero() {
		q = q.Where("updated_at < ?", filter.UpdatedBefore.UTC())
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}
	if filter.Offset > 0 {
		q = q.Offset(filter.Offset)
	}

	var rows []workflowRow
	if err := q.Order("started_at ASC, id ASC").Find(&rows).Error; err != nil {
		return nil, translate(err)
	}
	result := make([]*types.Workflow, 0, len(rows))
	for i := range rows {
		w, err := rows[i].toDomain()
		if err != nil {
			return nil, err
		}
		result = append(result, w)
	}
	return result, nil
}

// DeleteWorkflow deletes children explicitly so the cascade holds even where
// the schema was created without foreign keys.
func (s *GormStore) DeleteWorkflow(ctx context.Context, id string) error {
	return s.WithTx(ctx, func(txs Store) error {
		tx := txs.(*GormStore).conn(ctx)
		for _, child := range []any{&checkpointRow{}, &auditRow{}, &budgetRow{}, &gateRow{}, &artifactRow{}} {
			if err := tx.Where("workflow_id = ?", id).Delete(child).Error; err != nil {
				return translate(err)
			}
		}
		res := tx.Where("id = ?", id).Delete(&workflowRow{})
		if res.Error != nil {
			return translate(res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// =============================================================================
// Checkpoints
// =============================================================================

func (s *GormStore) SaveCheckpoint(ctx context.Context, cp *types.Checkpoint) error {
	if cp == nil || cp.ID == "" || cp.WorkflowID == "" {
		return ErrInvalidInput
	}
	row, err := toCheckpointRow(cp)
	if err != nil {
		return err
	}
	return translate(s.conn(ctx).Omit(clause.Associations).Create(row).Error)
}

func (s *GormStore) GetCheckpoint(ctx context.Context, id string) (*types.Checkpoint, error) {
	var row checkpointRow
	if err := s.conn(ctx).Where("id = ?", id).First(&row).Error; err != nil {
		return nil, translate(err)
	}
	return row.toDomain()
}

func (s *GormStore) LatestCheckpoint(ctx context.Context, workflowID string) (*types.Checkpoint, error) {
	var row checkpointRow
	err := s.conn(ctx).Where("workflow_id = ?", workflowID).Order("version DESC").First(&row).Error
	if err != nil {
		return nil, translate(err)
	}
	return row.toDomain()
}

func (s *GormStore) ListCheckpoints(ctx context.Context, workflowID string) ([]*types.Checkpoint, error) {
	var rows []checkpointRow
	if err := s.conn(ctx).Where("workflow_id = ?", workflowID).Order("version ASC").Find(&rows).Error; err != nil {
		return nil, translate(err)
	}
	result := make([]*types.Checkpoint, 0, len(rows))
	for i := range rows {
		cp, err := rows[i].toDomain()
		if err != nil {
			return nil, err
		}
		result = append(result, cp)
	}
	return result, nil
}

func (s *GormStore) DeleteCheckpointsBefore(ctx context.Context, before time.Time, excluding []types.WorkflowStatus) (int64, error) {
	q := s.conn(ctx).Where("created_at < ?", before.UTC())
	if len(excluding) > 0 {
		active := s.conn(ctx).Model(&workflowRow{}).Select("id").Where("status IN ?", statusStrings(excluding))
		q = q.Where("workflow_id NOT IN (?)", active)
	}
	res := q.Delete(&checkpointRow{})
	return res.RowsAffected, translate(res.Error)
}

func (s *GormStore) TrimCheckpoints(ctx context.Context, workflowID string, keep int) (int64, error) {
	if keep < 1 {
		return 0, ErrInvalidInput
	}
	var cutoff []int
	err := s.conn(ctx).Model(&checkpointRow{}).
		Where("workflow_id = ?", workflowID).
		Order("version DESC").
		Offset(keep).Limit(1).
		Pluck("version", &cutoff).Error
	if err != nil {
		return 0, translate(err)
	}
	if len(cutoff) == 0 {
		return 0, nil
	}
	res := s.conn(ctx).Where("workflow_id = ? AND version <= ?", workflowID, cutoff[0]).Delete(&checkpointRow{})
	return res.RowsAffected, translate(res.Error)
}

// =============================================================================
// Audit
// =============================================================================

func (s *GormStore) AppendAuditEvent(ctx context.Context, ev *types.AuditEvent) error {
	if ev == nil || ev.ID == "" || ev.EventType == "" {
		return ErrInvalidInput
	}
	if ev.Sequence != 0 {
		return translate(s.conn(ctx).Omit(clause.Associations).Create(toAuditRow(ev)).Error)
	}
	if s.inTx {
		return translate(s.appendNextAudit(s.conn(ctx), ev))
	}
	return translate(s.conn(ctx).Transaction(func(tx *gorm.DB) error {
		return s.appendNextAudit(tx, ev)
	}))
}

// appendNextAudit numbers ev one past the latest event of its workflow.
// The workflow row is locked first where the dialect allows, so appenders
// for one workflow queue behind each other; the unique index catches the rest.
func (s *GormStore) appendNextAudit(db *gorm.DB, ev *types.AuditEvent) error {
	q := db.Model(&auditRow{})
	if ev.WorkflowID == "" {
		q = q.Where("workflow_id IS NULL")
	} else {
		if s.supportsRowLocks() {
			var locked []string
			if err := db.Model(&workflowRow{}).Clauses(clause.Locking{Strength: "UPDATE"}).
				Where("id = ?", ev.WorkflowID).Pluck("id", &locked).Error; err != nil {
				return err
			}
		}
		q = q.Where("workflow_id = ?", ev.WorkflowID)
	}
	var last int64
	if err := q.Select("COALESCE(MAX(seq), 0)").Row().Scan(&last); err != nil {
		return err
	}
	row := toAuditRow(ev)
	row.Seq = last + 1
	if err := db.Omit(clause.Associations).Create(row).Error; err != nil {
		return err
	}
	ev.Sequence = row.Seq
	return nil
}

func (s *GormStore) ListAuditEvents(ctx context.Context, filter AuditFilter) ([]*types.AuditEvent, error) {
	q := s.conn(ctx).Model(&auditRow{})
	switch {
	case filter.SystemOnly:
		q = q.Where("workflow_id IS NULL")
	case filter.WorkflowID != "":
		q = q.Where("workflow_id = ?", filter.WorkflowID)
	}
	if len(filter.EventTypes) > 0 {
		names := make([]string, len(filter.EventTypes))
		for i, t := range filter.EventTypes {
			names[i] = string(t)
		}
		q = q.Where("event_type IN ?", names)
	}
	if filter.AfterSequence > 0 {
		q = q.Where("seq > ?", filter.AfterSequence)
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}
	// 序号只在同一工作流内可比
	order := "seq ASC"
	if filter.WorkflowID == "" && !filter.SystemOnly {
		order = "created_at ASC, seq ASC"
	}

	var rows []auditRow
	if err := q.Order(order).Find(&rows).Error; err != nil {
		return nil, translate(err)
	}
	result := make([]*types.AuditEvent, 0, len(rows))
	for i := range rows {
		result = append(result, rows[i].toDomain())
	}
	return result, nil
}

// =============================================================================
// Budget
// =============================================================================

func (s *GormStore) AppendBudgetEntry(ctx context.Context, e *types.BudgetEntry) error {
	if e == nil || e.ID == "" {
		return ErrInvalidInput
	}
	if err := e.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return translate(s.conn(ctx).Omit(clause.Associations).Create(toBudgetRow(e)).Error)
}

func (s *GormStore) ListBudgetEntries(ctx context.Context, workflowID string) ([]*types.BudgetEntry, error) {
	var rows []budgetRow
	if err := s.conn(ctx).Where("workflow_id = ?", workflowID).Order("created_at ASC, id ASC").Find(&rows).Error; err != nil {
		return nil, translate(err)
	}
	result := make([]*types.BudgetEntry, 0, len(rows))
	for i := range rows {
		result = append(result, rows[i].toDomain())
	}
	return result, nil
}

type usageAgg struct {
	TokensInput  int64
	TokensOutput int64
	CostMicros   int64
}

const usageSelect = "COALESCE(SUM(tokens_input), 0) AS tokens_input, " +
	"COALESCE(SUM(tokens_output), 0) AS tokens_output, " +
	"COALESCE(SUM(cost_micros), 0) AS cost_micros"

func (s *GormStore) SumBudget(ctx context.Context, workflowID string) (types.Usage, error) {
	var agg usageAgg
	err := s.conn(ctx).Model(&budgetRow{}).Select(usageSelect).Where("workflow_id = ?", workflowID).Scan(&agg).Error
	if err != nil {
		return types.Usage{}, translate(err)
	}
	return types.Usage{TokensInput: agg.TokensInput, TokensOutput: agg.TokensOutput, Cost: types.MicroUSD(agg.CostMicros)}, nil
}

func (s *GormStore) SumBudgetSince(ctx context.Context, since time.Time) (types.Usage, error) {
	var agg usageAgg
	err := s.conn(ctx).Model(&budgetRow{}).Select(usageSelect).Where("created_at >= ?", since.UTC()).Scan(&agg).Error
	if err != nil {
		return types.Usage{}, translate(err)
	}
	return types.Usage{TokensInput: agg.TokensInput, TokensOutput: agg.TokensOutput, Cost: types.MicroUSD(agg.CostMicros)}, nil
}

// =============================================================================
// Quality gates
// =============================================================================

func (s *GormStore) SaveGateResult(ctx context.Context, r *types.GateResult) error {
	if r == nil || r.ID == "" || r.WorkflowID == "" {
		return ErrInvalidInput
	}
	row, err := toGateRow(r)
	if err != nil {
		return err
	}
	return translate(s.conn(ctx).Omit(clause.Associations).Create(row).Error)
}

func (s *GormStore) ListGateResults(ctx context.Context, workflowID string) ([]*types.GateResult, error) {
	var rows []gateRow
	err := s.conn(ctx).Where("workflow_id = ?", workflowID).Order("evaluated_at ASC, attempt ASC").Find(&rows).Error
	if err != nil {
		return nil, translate(err)
	}
	result := make([]*types.GateResult, 0, len(rows))
	for i := range rows {
		g, err := rows[i].toDomain()
		if err != nil {
			return nil, err
		}
		result = append(result, g)
	}
	return result, nil
}

// =============================================================================
// Artifacts
// =============================================================================

func (s *GormStore) SaveArtifact(ctx context.Context, a *types.Artifact) error {
	if a == nil || a.ID == "" || a.WorkflowID == "" || a.SizeBytes < 0 {
		return ErrInvalidInput
	}
	row, err := toArtifactRow(a)
	if err != nil {
		return err
	}
	return translate(s.conn(ctx).Omit(clause.Associations).Create(row).Error)
}

func (s *GormStore) ListArtifacts(ctx context.Context, workflowID string) ([]*types.Artifact, error) {
	var rows []artifactRow
	if err := s.conn(ctx).Where("workflow_id = ?", workflowID).Order("created_at ASC, id ASC").Find(&rows).Error; err != nil {
		return nil, translate(err)
	}
	result := make([]*types.Artifact, 0, len(rows))
	for i := range rows {
		a, err := rows[i].toDomain()
		if err != nil {
			return nil, err
		}
		result = append(result, a)
	}
	return result, nil
}

var _ Store = (*GormStore)(nil)
