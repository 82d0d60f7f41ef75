package persistence

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/PipeLaneLabs/ordo-ai/types"
)

type locker interface {
	Lock()
	Unlock()
	RLock()
	RUnlock()
}

type noopLocker struct{}

func (noopLocker) Lock()    {}
func (noopLocker) Unlock()  {}
func (noopLocker) RLock()   {}
func (noopLocker) RUnlock() {}

// memData is copied on transaction start and swapped in on commit. Records
// are stored as private clones and never mutated in place, so shallow copies
// of the collections are enough.
type memData struct {
	workflows   map[string]*types.Workflow
	checkpoints []*types.Checkpoint
	events      []*types.AuditEvent
	budget      []*types.BudgetEntry
	gates       []*types.GateResult
	artifacts   []*types.Artifact
}

func newMemData() *memData {
	return &memData{workflows: make(map[string]*types.Workflow)}
}

func (d *memData) copy() *memData {
	c := &memData{
		workflows:   make(map[string]*types.Workflow, len(d.workflows)),
		checkpoints: slices.Clone(d.checkpoints),
		events:      slices.Clone(d.events),
		budget:      slices.Clone(d.budget),
		gates:       slices.Clone(d.gates),
		artifacts:   slices.Clone(d.artifacts),
	}
	for k, v := range d.workflows {
		c.workflows[k] = v
	}
	return c
}

type memState struct {
	data   *memData
	closed bool
}

// MemoryStore is an in-memory implementation of Store.
// Suitable for development and testing. Data is lost on restart.
type MemoryStore struct {
	mu locker
	// writers serializes transactions and direct writes. mu only guards the
	// data pointer, so readers never wait on a running transaction.
	// Nil inside a transaction.
	writers *sync.Mutex
	st      *memState
	inTx    bool
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		mu:      &sync.RWMutex{},
		writers: &sync.Mutex{},
		st:      &memState{data: newMemData()},
	}
}

// WithTx runs fn on a private snapshot and publishes it only if fn succeeds.
// Writers queue behind fn; readers keep seeing the last committed state.
func (s *MemoryStore) WithTx(ctx context.Context, fn func(tx Store) error) error {
	if s.inTx {
		return fn(s)
	}
	s.writers.Lock()
	defer s.writers.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.RLock()
	if s.st.closed {
		s.mu.RUnlock()
		return ErrStoreClosed
	}
	snapshot := s.st.data.copy()
	s.mu.RUnlock()

	tx := &MemoryStore{mu: noopLocker{}, st: &memState{data: snapshot}, inTx: true}
	if err := fn(tx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.st.closed {
		return ErrStoreClosed
	}
	s.st.data = tx.st.data
	return nil
}

// Close closes the store
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.closed = true
	return nil
}

// Ping checks if the store is healthy
func (s *MemoryStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.st.closed {
		return ErrStoreClosed
	}
	return nil
}

func (s *MemoryStore) read() (*memData, func(), error) {
	s.mu.RLock()
	if s.st.closed {
		s.mu.RUnlock()
		return nil, nil, ErrStoreClosed
	}
	return s.st.data, s.mu.RUnlock, nil
}

func (s *MemoryStore) write() (*memData, func(), error) {
	if s.writers != nil {
		s.writers.Lock()
	}
	s.mu.Lock()
	unlock := func() {
		s.mu.Unlock()
		if s.writers != nil {
			s.writers.Unlock()
		}
	}
	if s.st.closed {
		unlock()
		return nil, nil, ErrStoreClosed
	}
	return s.st.data, unlock, nil
}

// =============================================================================
// Workflows
// =============================================================================

func (s *MemoryStore) CreateWorkflow(ctx context.Context, w *types.Workflow) error {
	if w == nil || w.ID == "" {
		return ErrInvalidInput
	}
	if err := w.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	d, unlock, err := s.write()
	if err != nil {
		return err
	}
	defer unlock()

	if _, ok := d.workflows[w.ID]; ok {
		return ErrAlreadyExists
	}
	d.workflows[w.ID] = w.Clone()
	return nil
}

func (s *MemoryStore) GetWorkflow(ctx context.Context, id string) (*types.Workflow, error) {
	d, unlock, err := s.read()
	if err != nil {
		return nil, err
	}
	defer unlock()

	w, ok := d.workflows[id]
	if !ok {
		return nil, ErrNotFound
	}
	return w.Clone(), nil
}

// GetWorkflowForUpdate is GetWorkflow; transactions already hold the store lock.
func (s *MemoryStore) GetWorkflowForUpdate(ctx context.Context, id string) (*types.Workflow, error) {
	return s.GetWorkflow(ctx, id)
}

func (s *MemoryStore) UpdateWorkflow(ctx context.Context, w *types.Workflow, expect ...types.WorkflowStatus) error {
	if w == nil || w.ID == "" {
		return ErrInvalidInput
	}
	if err := w.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	d, unlock, err := s.write()
	if err != nil {
		return err
	}
	defer unlock()

	cur, ok := d.workflows[w.ID]
	if !ok {
		return ErrNotFound
	}
	if len(expect) > 0 && !containsStatus(expect, cur.Status) {
		return ErrConflict
	}
	c := w.Clone()
	d.workflows[w.ID] = c
	return nil
}

func (s *MemoryStore) ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*types.Workflow, error) {
	d, unlock, err := s.read()
	if err != nil {
		return nil, err
	}
	defer unlock()

	result := make([]*types.Workflow, 0)
	for _, w := range d.workflows {
		if len(filter.Statuses) > 0 && !containsStatus(filter.Statuses, w.Status) {
			continue
		}
		if filter.Type != "" && w.Type != filter.Type {
			continue
		}
		if !filter.UpdatedBefore.IsZero() && !w.UpdatedAt.Before(filter.UpdatedBefore) {
			continue
		}
		result = append(result, w.Clone())
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].StartedAt.Equal(result[j].StartedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].StartedAt.Before(result[j].StartedAt)
	})
	return paginate(result, filter.Offset, filter.Limit), nil
}

func (s *MemoryStore) DeleteWorkflow(ctx context.Context, id string) error {
	d, unlock, err := s.write()
	if err != nil {
		return err
	}
	defer unlock()

	if _, ok := d.workflows[id]; !ok {
		return ErrNotFound
	}
	delete(d.workflows, id)
	d.checkpoints = slices.DeleteFunc(d.checkpoints, func(c *types.Checkpoint) bool { return c.WorkflowID == id })
	d.events = slices.DeleteFunc(d.events, func(e *types.AuditEvent) bool { return e.WorkflowID == id })
	d.budget = slices.DeleteFunc(d.budget, func(e *types.BudgetEntry) bool { return e.WorkflowID == id })
	d.gates = slices.DeleteFunc(d.gates, func(r *types.GateResult) bool { return r.WorkflowID == id })
	d.artifacts = slices.DeleteFunc(d.artifacts, func(a *types.Artifact) bool { return a.WorkflowID == id })
	return nil
}

// =============================================================================
// Checkpoints
// =============================================================================

func (s *MemoryStore) SaveCheckpoint(ctx context.Context, cp *types.Checkpoint) error {
	if cp == nil || cp.ID == "" || cp.WorkflowID == "" {
		return ErrInvalidInput
	}
	d, unlock, err := s.write()
	if err != nil {
		return err
	}
	defer unlock()

	if _, ok := d.workflows[cp.WorkflowID]; !ok {
		return fmt.Errorf("checkpoint %s: workflow %s: %w", cp.ID, cp.WorkflowID, ErrNotFound)
	}
	for _, c := range d.checkpoints {
		if c.ID == cp.ID || (c.WorkflowID == cp.WorkflowID && c.Version == cp.Version) {
			return ErrAlreadyExists
		}
	}

	// Appended under the write lock, so position is also creation order.
	d.checkpoints = append(d.checkpoints, cloneCheckpoint(cp))
	return nil
}

func (s *MemoryStore) GetCheckpoint(ctx context.Context, id string) (*types.Checkpoint, error) {
	d, unlock, err := s.read()
	if err != nil {
		return nil, err
	}
	defer unlock()

	for _, c := range d.checkpoints {
		if c.ID == id {
			return cloneCheckpoint(c), nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) LatestCheckpoint(ctx context.Context, workflowID string) (*types.Checkpoint, error) {
	d, unlock, err := s.read()
	if err != nil {
		return nil, err
	}
	defer unlock()

	var latest *types.Checkpoint
	for _, c := range d.checkpoints {
		if c.WorkflowID == workflowID && (latest == nil || c.Version > latest.Version) {
			latest = c
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	return cloneCheckpoint(latest), nil
}

func (s *MemoryStore) ListCheckpoints(ctx context.Context, workflowID string) ([]*types.Checkpoint, error) {
	d, unlock, err := s.read()
	if err != nil {
		return nil, err
	}
	defer unlock()

	result := make([]*types.Checkpoint, 0)
	for _, c := range d.checkpoints {
		if c.WorkflowID == workflowID {
			result = append(result, cloneCheckpoint(c))
		}
	}
	sort.SliceStable(result, func(i, j int) bool { return result[i].Version < result[j].Version })
	return result, nil
}

func (s *MemoryStore) DeleteCheckpointsBefore(ctx context.Context, before time.Time, excluding []types.WorkflowStatus) (int64, error) {
	d, unlock, err := s.write()
	if err != nil {
		return 0, err
	}
	defer unlock()

	var n int64
	d.checkpoints = slices.DeleteFunc(d.checkpoints, func(c *types.Checkpoint) bool {
		if !c.CreatedAt.Before(before) {
			return false
		}
		w, ok := d.workflows[c.WorkflowID]
		if ok && containsStatus(excluding, w.Status) {
			return false
		}
		n++
		return true
	})
	return n, nil
}

func (s *MemoryStore) TrimCheckpoints(ctx context.Context, workflowID string, keep int) (int64, error) {
	if keep < 1 {
		return 0, ErrInvalidInput
	}
	d, unlock, err := s.write()
	if err != nil {
		return 0, err
	}
	defer unlock()

	versions := make([]int, 0)
	for _, c := range d.checkpoints {
		if c.WorkflowID == workflowID {
			versions = append(versions, c.Version)
		}
	}
	if len(versions) <= keep {
		return 0, nil
	}
	sort.Sort(sort.Reverse(sort.IntSlice(versions)))
	cutoff := versions[keep]

	var n int64
	d.checkpoints = slices.DeleteFunc(d.checkpoints, func(c *types.Checkpoint) bool {
		if c.WorkflowID == workflowID && c.Version <= cutoff {
			n++
			return true
		}
		return false
	})
	return n, nil
}

// =============================================================================
// Audit
// =============================================================================

func (s *MemoryStore) AppendAuditEvent(ctx context.Context, ev *types.AuditEvent) error {
	if ev == nil || ev.ID == "" || ev.EventType == "" {
		return ErrInvalidInput
	}
	d, unlock, err := s.write()
	if err != nil {
		return err
	}
	defer unlock()

	if ev.WorkflowID != "" {
		if _, ok := d.workflows[ev.WorkflowID]; !ok {
			return fmt.Errorf("audit event %s: workflow %s: %w", ev.ID, ev.WorkflowID, ErrNotFound)
		}
	}
	var last int64
	for _, e := range d.events {
		if e.WorkflowID != ev.WorkflowID {
			continue
		}
		// 与唯一索引一致：系统事件之间不查重
		if ev.Sequence != 0 && e.Sequence == ev.Sequence && ev.WorkflowID != "" {
			return fmt.Errorf("audit event %s: sequence %d: %w", ev.ID, ev.Sequence, ErrAlreadyExists)
		}
		last = max(last, e.Sequence)
	}
	if ev.Sequence == 0 {
		ev.Sequence = last + 1
	}
	c := *ev
	c.Data = slices.Clone(ev.Data)
	d.events = append(d.events, &c)
	return nil
}

func (s *MemoryStore) ListAuditEvents(ctx context.Context, filter AuditFilter) ([]*types.AuditEvent, error) {
	d, unlock, err := s.read()
	if err != nil {
		return nil, err
	}
	defer unlock()

	result := make([]*types.AuditEvent, 0)
	for _, e := range d.events {
		switch {
		case filter.SystemOnly && e.WorkflowID != "":
			continue
		case filter.WorkflowID != "" && e.WorkflowID != filter.WorkflowID:
			continue
		case len(filter.EventTypes) > 0 && !containsEventType(filter.EventTypes, e.EventType):
			continue
		case e.Sequence <= filter.AfterSequence:
			continue
		}
		c := *e
		c.Data = slices.Clone(e.Data)
		result = append(result, &c)
	}
	if filter.WorkflowID != "" || filter.SystemOnly {
		sort.SliceStable(result, func(i, j int) bool { return result[i].Sequence < result[j].Sequence })
	} else {
		sort.SliceStable(result, func(i, j int) bool {
			if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
				return result[i].CreatedAt.Before(result[j].CreatedAt)
			}
			return result[i].Sequence < result[j].Sequence
		})
	}
	return paginate(result, 0, filter.Limit), nil
}

// =============================================================================
// Budget
// =============================================================================

func (s *MemoryStore) AppendBudgetEntry(ctx context.Context, e *types.BudgetEntry) error {
	if e == nil || e.ID == "" {
		return ErrInvalidInput
	}
	if err := e.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	d, unlock, err := s.write()
	if err != nil {
		return err
	}
	defer unlock()

	if _, ok := d.workflows[e.WorkflowID]; !ok {
		return fmt.Errorf("budget entry %s: workflow %s: %w", e.ID, e.WorkflowID, ErrNotFound)
	}
	c := *e
	d.budget = append(d.budget, &c)
	return nil
}

func (s *MemoryStore) ListBudgetEntries(ctx context.Context, workflowID string) ([]*types.BudgetEntry, error) {
	d, unlock, err := s.read()
	if err != nil {
		return nil, err
	}
	defer unlock()

	result := make([]*types.BudgetEntry, 0)
	for _, e := range d.budget {
		if e.WorkflowID == workflowID {
			c := *e
			result = append(result, &c)
		}
	}
	return result, nil
}

func (s *MemoryStore) SumBudget(ctx context.Context, workflowID string) (types.Usage, error) {
	d, unlock, err := s.read()
	if err != nil {
		return types.Usage{}, err
	}
	defer unlock()

	var u types.Usage
	for _, e := range d.budget {
		if e.WorkflowID == workflowID {
			u.Add(e.Usage())
		}
	}
	return u, nil
}

func (s *MemoryStore) SumBudgetSince(ctx context.Context, since time.Time) (types.Usage, error) {
	d, unlock, err := s.read()
	if err != nil {
		return types.Usage{}, err
	}
	defer unlock()

	var u types.Usage
	for _, e := range d.budget {
		if !e.CreatedAt.Before(since) {
			u.Add(e.Usage())
		}
	}
	return u, nil
}

// =============================================================================
// Quality gates
// =============================================================================

func (s *MemoryStore) SaveGateResult(ctx context.Context, r *types.GateResult) error {
	if r == nil || r.ID == "" || r.WorkflowID == "" {
		return ErrInvalidInput
	}
	d, unlock, err := s.write()
	if err != nil {
		return err
	}
	defer unlock()

	if _, ok := d.workflows[r.WorkflowID]; !ok {
		return fmt.Errorf("gate result %s: workflow %s: %w", r.ID, r.WorkflowID, ErrNotFound)
	}
	for _, g := range d.gates {
		if g.ID == r.ID || (g.WorkflowID == r.WorkflowID && g.Gate == r.Gate && g.Attempt == r.Attempt) {
			return ErrAlreadyExists
		}
	}
	d.gates = append(d.gates, cloneGateResult(r))
	return nil
}

func (s *MemoryStore) ListGateResults(ctx context.Context, workflowID string) ([]*types.GateResult, error) {
	d, unlock, err := s.read()
	if err != nil {
		return nil, err
	}
	defer unlock()

	result := make([]*types.GateResult, 0)
	for _, g := range d.gates {
		if g.WorkflowID == workflowID {
			result = append(result, cloneGateResult(g))
		}
	}
	return result, nil
}

// =============================================================================
// Artifacts
// =============================================================================

func (s *MemoryStore) SaveArtifact(ctx context.Context, a *types.Artifact) error {
	if a == nil || a.ID == "" || a.WorkflowID == "" || a.SizeBytes < 0 {
		return ErrInvalidInput
	}
	d, unlock, err := s.write()
	if err != nil {
		return err
	}
	defer unlock()

	if _, ok := d.workflows[a.WorkflowID]; !ok {
		return fmt.Errorf("artifact %s: workflow %s: %w", a.ID, a.WorkflowID, ErrNotFound)
	}
	d.artifacts = append(d.artifacts, cloneArtifact(a))
	return nil
}

func (s *MemoryStore) ListArtifacts(ctx context.Context, workflowID string) ([]*types.Artifact, error) {
	d, unlock, err := s.read()
	if err != nil {
		return nil, err
	}
	defer unlock()

	result := make([]*types.Artifact, 0)
	for _, a := range d.artifacts {
		if a.WorkflowID == workflowID {
			result = append(result, cloneArtifact(a))
		}
	}
	return result, nil
}

// =============================================================================
// helpers
// =============================================================================

func paginate[T any](items []T, offset, limit int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return items[:0]
		}
		items = items[offset:]
	}
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}

func cloneCheckpoint(cp *types.Checkpoint) *types.Checkpoint {
	c := *cp
	c.State.Workflow = *cp.State.Workflow.Clone()
	if cp.State.LastOutput != nil {
		out := *cp.State.LastOutput
		c.State.LastOutput = &out
	}
	return &c
}

func cloneGateResult(r *types.GateResult) *types.GateResult {
	c := *r
	c.Criteria = slices.Clone(r.Criteria)
	c.Results = slices.Clone(r.Results)
	return &c
}

func cloneArtifact(a *types.Artifact) *types.Artifact {
	c := *a
	if a.Metadata != nil {
		c.Metadata = make(map[string]string, len(a.Metadata))
		for k, v := range a.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

var _ Store = (*MemoryStore)(nil)
