package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/PipeLaneLabs/ordo-ai/internal/database"
	"github.com/PipeLaneLabs/ordo-ai/types"
)

// =============================================================================
// 🧪 Store 契约测试（MemoryStore 与 GormStore 共用）
// =============================================================================

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newSQLiteStore(t *testing.T) Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:?_pragma=foreign_keys(1)"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, AutoMigrate(db))

	pool, err := database.NewPoolManager(db, database.PoolConfig{MaxOpenConns: 1, MaxIdleConns: 1}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })

	return NewGormStore(pool, zaptest.NewLogger(t))
}

func newMemStore(t *testing.T) Store {
	t.Helper()
	s := NewMemoryStore()
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func forEachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	for name, factory := range map[string]func(*testing.T) Store{
		"memory": newMemStore,
		"sqlite": newSQLiteStore,
	} {
		t.Run(name, func(t *testing.T) {
			fn(t, factory(t))
		})
	}
}

func newWorkflow(status types.WorkflowStatus, tier types.Tier) *types.Workflow {
	return &types.Workflow{
		ID:          uuid.NewString(),
		Request:     "build X",
		Type:        types.DefaultWorkflowType,
		Status:      status,
		CurrentTier: tier,
		StartedAt:   base,
		UpdatedAt:   base,
	}
}

func newCheckpoint(w *types.Workflow, version int, at time.Time) *types.Checkpoint {
	return &types.Checkpoint{
		ID:         uuid.NewString(),
		WorkflowID: w.ID,
		Version:    version,
		State:      types.WorkflowState{Workflow: *w.Clone(), Phase: types.PhaseEntered},
		Metadata:   types.CheckpointMetadata{Tier: w.CurrentTier},
		CreatedAt:  at,
	}
}

func TestStore_WorkflowCRUD(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		w := newWorkflow(types.StatusPending, types.TierNone)
		require.NoError(t, s.CreateWorkflow(ctx, w))
		assert.ErrorIs(t, s.CreateWorkflow(ctx, w), ErrAlreadyExists)

		got, err := s.GetWorkflow(ctx, w.ID)
		require.NoError(t, err)
		assert.Equal(t, types.StatusPending, got.Status)
		assert.Equal(t, types.TierNone, got.CurrentTier)
		assert.Equal(t, "build X", got.Request)

		got.Status = types.StatusRunning
		got.CurrentTier = types.Tier1
		got.CurrentAgent = "planner"
		got.Metadata.AddRejection(types.Tier1)
		require.NoError(t, s.UpdateWorkflow(ctx, got, types.StatusPending))

		again, err := s.GetWorkflow(ctx, w.ID)
		require.NoError(t, err)
		assert.Equal(t, types.Tier1, again.CurrentTier)
		assert.Equal(t, "planner", again.CurrentAgent)
		assert.Equal(t, 1, again.Metadata.RejectionsAt(types.Tier1))

		// 状态已不是 pending，条件更新失败
		assert.ErrorIs(t, s.UpdateWorkflow(ctx, again, types.StatusPending), ErrConflict)

		_, err = s.GetWorkflow(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
		assert.ErrorIs(t, s.UpdateWorkflow(ctx, newWorkflow(types.StatusPending, types.TierNone)), ErrNotFound)
	})
}

func TestStore_RejectsInvalidWorkflow(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		w := newWorkflow(types.StatusRunning, types.TierNone)
		assert.ErrorIs(t, s.CreateWorkflow(context.Background(), w), ErrInvalidInput)
	})
}

func TestStore_ListWorkflows(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		for i, st := range []types.WorkflowStatus{types.StatusPending, types.StatusRunning, types.StatusCompleted} {
			w := newWorkflow(st, types.Tier1)
			if st == types.StatusPending {
				w.CurrentTier = types.TierNone
			}
			if st == types.StatusCompleted {
				done := base.Add(time.Hour)
				w.CompletedAt = &done
			}
			w.StartedAt = base.Add(time.Duration(i) * time.Minute)
			require.NoError(t, s.CreateWorkflow(ctx, w))
		}

		active, err := s.ListWorkflows(ctx, WorkflowFilter{Statuses: types.NonTerminalStatuses})
		require.NoError(t, err)
		require.Len(t, active, 2)
		assert.Equal(t, types.StatusPending, active[0].Status)

		limited, err := s.ListWorkflows(ctx, WorkflowFilter{Limit: 1, Offset: 2})
		require.NoError(t, err)
		require.Len(t, limited, 1)
		assert.Equal(t, types.StatusCompleted, limited[0].Status)
	})
}

func TestStore_Checkpoints(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		w := newWorkflow(types.StatusRunning, types.Tier1)
		require.NoError(t, s.CreateWorkflow(ctx, w))

		_, err := s.LatestCheckpoint(ctx, w.ID)
		assert.ErrorIs(t, err, ErrNotFound)

		for v := 1; v <= 3; v++ {
			require.NoError(t, s.SaveCheckpoint(ctx, newCheckpoint(w, v, base.Add(time.Duration(v)*time.Second))))
		}
		assert.ErrorIs(t, s.SaveCheckpoint(ctx, newCheckpoint(w, 3, base)), ErrAlreadyExists)

		latest, err := s.LatestCheckpoint(ctx, w.ID)
		require.NoError(t, err)
		assert.Equal(t, 3, latest.Version)
		assert.Equal(t, w.ID, latest.State.Workflow.ID)

		list, err := s.ListCheckpoints(ctx, w.ID)
		require.NoError(t, err)
		require.Len(t, list, 3)
		for i, cp := range list {
			assert.Equal(t, i+1, cp.Version)
		}

		got, err := s.GetCheckpoint(ctx, list[0].ID)
		require.NoError(t, err)
		assert.Equal(t, 1, got.Version)
	})
}

func TestStore_OrphanRecordsRejected(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		ghost := newWorkflow(types.StatusRunning, types.Tier1)
		err := s.SaveCheckpoint(ctx, newCheckpoint(ghost, 1, base))
		assert.ErrorIs(t, err, ErrNotFound)

		err = s.AppendBudgetEntry(ctx, &types.BudgetEntry{ID: uuid.NewString(), WorkflowID: ghost.ID, CreatedAt: base})
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestStore_TrimCheckpoints(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		w := newWorkflow(types.StatusRunning, types.Tier2)
		require.NoError(t, s.CreateWorkflow(ctx, w))
		for v := 1; v <= 5; v++ {
			require.NoError(t, s.SaveCheckpoint(ctx, newCheckpoint(w, v, base.Add(time.Duration(v)*time.Second))))
		}

		n, err := s.TrimCheckpoints(ctx, w.ID, 2)
		require.NoError(t, err)
		assert.EqualValues(t, 3, n)

		list, err := s.ListCheckpoints(ctx, w.ID)
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, 4, list[0].Version)
		assert.Equal(t, 5, list[1].Version)

		n, err = s.TrimCheckpoints(ctx, w.ID, 2)
		require.NoError(t, err)
		assert.Zero(t, n)
	})
}

func TestStore_DeleteCheckpointsBefore(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		running := newWorkflow(types.StatusRunning, types.Tier1)
		failed := newWorkflow(types.StatusFailed, types.Tier2)
		done := base.Add(time.Minute)
		failed.CompletedAt = &done
		require.NoError(t, s.CreateWorkflow(ctx, running))
		require.NoError(t, s.CreateWorkflow(ctx, failed))

		old := base.Add(-72 * time.Hour)
		require.NoError(t, s.SaveCheckpoint(ctx, newCheckpoint(running, 1, old)))
		require.NoError(t, s.SaveCheckpoint(ctx, newCheckpoint(failed, 1, old)))
		require.NoError(t, s.SaveCheckpoint(ctx, newCheckpoint(failed, 2, base)))

		n, err := s.DeleteCheckpointsBefore(ctx, base.Add(-48*time.Hour), types.ActiveStatuses)
		require.NoError(t, err)
		assert.EqualValues(t, 1, n)

		kept, err := s.ListCheckpoints(ctx, running.ID)
		require.NoError(t, err)
		assert.Len(t, kept, 1, "active workflows keep their checkpoints")

		rest, err := s.ListCheckpoints(ctx, failed.ID)
		require.NoError(t, err)
		require.Len(t, rest, 1)
		assert.Equal(t, 2, rest[0].Version)
	})
}

func TestStore_WithTxRollsBack(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		w := newWorkflow(types.StatusRunning, types.Tier1)
		require.NoError(t, s.CreateWorkflow(ctx, w))

		boom := errors.New("boom")
		err := s.WithTx(ctx, func(tx Store) error {
			require.NoError(t, tx.SaveCheckpoint(ctx, newCheckpoint(w, 1, base)))
			require.NoError(t, tx.AppendBudgetEntry(ctx, &types.BudgetEntry{
				ID: uuid.NewString(), WorkflowID: w.ID, Agent: "planner", Model: "m",
				TokensInput: 10, Cost: types.USD(0.5), CreatedAt: base,
			}))
			upd := w.Clone()
			upd.CurrentTier = types.Tier2
			require.NoError(t, tx.UpdateWorkflow(ctx, upd))
			return boom
		})
		assert.ErrorIs(t, err, boom)

		_, err = s.LatestCheckpoint(ctx, w.ID)
		assert.ErrorIs(t, err, ErrNotFound)
		sum, err := s.SumBudget(ctx, w.ID)
		require.NoError(t, err)
		assert.Zero(t, sum.Cost)
		got, err := s.GetWorkflow(ctx, w.ID)
		require.NoError(t, err)
		assert.Equal(t, types.Tier1, got.CurrentTier)
	})
}

func TestStore_WithTxCommits(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		w := newWorkflow(types.StatusRunning, types.Tier1)
		require.NoError(t, s.CreateWorkflow(ctx, w))

		err := s.WithTx(ctx, func(tx Store) error {
			locked, err := tx.GetWorkflowForUpdate(ctx, w.ID)
			if err != nil {
				return err
			}
			locked.CurrentTier = types.Tier2
			if err := tx.UpdateWorkflow(ctx, locked, types.StatusRunning); err != nil {
				return err
			}
			// 嵌套事务复用外层事务
			return tx.WithTx(ctx, func(inner Store) error {
				return inner.SaveCheckpoint(ctx, newCheckpoint(locked, 1, base))
			})
		})
		require.NoError(t, err)

		latest, err := s.LatestCheckpoint(ctx, w.ID)
		require.NoError(t, err)
		assert.Equal(t, types.Tier2, latest.State.Workflow.CurrentTier)
	})
}

func TestStore_CascadeDelete(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		w := newWorkflow(types.StatusRunning, types.Tier1)
		other := newWorkflow(types.StatusRunning, types.Tier1)
		require.NoError(t, s.CreateWorkflow(ctx, w))
		require.NoError(t, s.CreateWorkflow(ctx, other))

		for _, wf := range []*types.Workflow{w, other} {
			require.NoError(t, s.SaveCheckpoint(ctx, newCheckpoint(wf, 1, base)))
			require.NoError(t, s.AppendAuditEvent(ctx, &types.AuditEvent{
				ID: uuid.NewString(), WorkflowID: wf.ID, Sequence: 1, EventType: "workflow.submitted",
				Data: json.RawMessage(`{}`), CreatedAt: base,
			}))
			require.NoError(t, s.AppendBudgetEntry(ctx, &types.BudgetEntry{
				ID: uuid.NewString(), WorkflowID: wf.ID, Agent: "a", Model: "m", Cost: 1, CreatedAt: base,
			}))
			require.NoError(t, s.SaveGateResult(ctx, &types.GateResult{
				ID: uuid.NewString(), WorkflowID: wf.ID, Gate: "tier_1", Attempt: 1,
				Status: types.GatePassed, Criteria: []string{}, EvaluatedAt: base,
			}))
			require.NoError(t, s.SaveArtifact(ctx, &types.Artifact{
				ID: uuid.NewString(), WorkflowID: wf.ID, Type: types.ArtifactCode, Path: "main.go",
				StorageKey: wf.ID + "/main.go", SizeBytes: 3, CreatedAt: base,
			}))
		}

		require.NoError(t, s.DeleteWorkflow(ctx, w.ID))
		assert.ErrorIs(t, s.DeleteWorkflow(ctx, w.ID), ErrNotFound)

		cps, _ := s.ListCheckpoints(ctx, w.ID)
		evs, _ := s.ListAuditEvents(ctx, AuditFilter{WorkflowID: w.ID})
		bes, _ := s.ListBudgetEntries(ctx, w.ID)
		grs, _ := s.ListGateResults(ctx, w.ID)
		arts, _ := s.ListArtifacts(ctx, w.ID)
		assert.Empty(t, cps)
		assert.Empty(t, evs)
		assert.Empty(t, bes)
		assert.Empty(t, grs)
		assert.Empty(t, arts)

		// 其他工作流不受影响
		cps, _ = s.ListCheckpoints(ctx, other.ID)
		arts, _ = s.ListArtifacts(ctx, other.ID)
		assert.Len(t, cps, 1)
		assert.Len(t, arts, 1)
	})
}

func TestStore_BudgetSums(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		w := newWorkflow(types.StatusRunning, types.Tier1)
		require.NoError(t, s.CreateWorkflow(ctx, w))

		entries := []struct {
			in, out int64
			cost    float64
			at      time.Time
		}{
			{100, 50, 0.60, base.Add(-40 * 24 * time.Hour)},
			{200, 80, 0.60, base},
		}
		for _, e := range entries {
			require.NoError(t, s.AppendBudgetEntry(ctx, &types.BudgetEntry{
				ID: uuid.NewString(), WorkflowID: w.ID, Agent: "dev", Model: "m",
				TokensInput: e.in, TokensOutput: e.out, Cost: types.USD(e.cost), CreatedAt: e.at,
			}))
		}

		sum, err := s.SumBudget(ctx, w.ID)
		require.NoError(t, err)
		assert.EqualValues(t, 430, sum.Tokens())
		assert.Equal(t, types.USD(1.20), sum.Cost)

		month, err := s.SumBudgetSince(ctx, base.Add(-24*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, types.USD(0.60), month.Cost)

		empty, err := s.SumBudget(ctx, "none")
		require.NoError(t, err)
		assert.Zero(t, empty.Cost)

		assert.ErrorIs(t, s.AppendBudgetEntry(ctx, &types.BudgetEntry{
			ID: uuid.NewString(), WorkflowID: w.ID, Cost: -1, CreatedAt: base,
		}), ErrInvalidInput)
	})
}

func TestStore_AuditEvents(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		w := newWorkflow(types.StatusPending, types.TierNone)
		require.NoError(t, s.CreateWorkflow(ctx, w))

		for i := 1; i <= 4; i++ {
			wf := w.ID
			if i == 1 {
				wf = ""
			}
			require.NoError(t, s.AppendAuditEvent(ctx, &types.AuditEvent{
				ID: uuid.NewString(), WorkflowID: wf, Sequence: int64(i),
				EventType: types.EventType(fmt.Sprintf("test.e%d", i)),
				Data:      json.RawMessage(`{"n":1}`), CreatedAt: base.Add(time.Duration(i) * time.Second),
			}))
		}

		sys, err := s.ListAuditEvents(ctx, AuditFilter{SystemOnly: true})
		require.NoError(t, err)
		require.Len(t, sys, 1)
		assert.Empty(t, sys[0].WorkflowID)

		trail, err := s.ListAuditEvents(ctx, AuditFilter{WorkflowID: w.ID, AfterSequence: 2})
		require.NoError(t, err)
		require.Len(t, trail, 2)
		assert.EqualValues(t, 3, trail[0].Sequence)
		assert.JSONEq(t, `{"n":1}`, string(trail[0].Data))

		typed, err := s.ListAuditEvents(ctx, AuditFilter{WorkflowID: w.ID, EventTypes: []types.EventType{"test.e4"}})
		require.NoError(t, err)
		assert.Len(t, typed, 1)
	})
}

func TestStore_AuditSequencePerWorkflow(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		a := newWorkflow(types.StatusRunning, types.Tier1)
		b := newWorkflow(types.StatusRunning, types.Tier1)
		require.NoError(t, s.CreateWorkflow(ctx, a))
		require.NoError(t, s.CreateWorkflow(ctx, b))

		appendTo := func(st Store, wf string, at time.Time) *types.AuditEvent {
			ev := &types.AuditEvent{
				ID: uuid.NewString(), WorkflowID: wf, EventType: "test.seq",
				Data: json.RawMessage(`{}`), CreatedAt: at,
			}
			require.NoError(t, st.AppendAuditEvent(ctx, ev))
			return ev
		}

		// 时间戳倒序写入，序号仍按写入次序递增
		assert.EqualValues(t, 1, appendTo(s, a.ID, base.Add(time.Hour)).Sequence)
		assert.EqualValues(t, 1, appendTo(s, b.ID, base).Sequence)
		assert.EqualValues(t, 2, appendTo(s, a.ID, base).Sequence)
		require.NoError(t, s.WithTx(ctx, func(tx Store) error {
			assert.EqualValues(t, 3, appendTo(tx, a.ID, base).Sequence)
			assert.EqualValues(t, 4, appendTo(tx, a.ID, base).Sequence)
			return nil
		}))
		assert.EqualValues(t, 1, appendTo(s, "", base).Sequence)

		trail, err := s.ListAuditEvents(ctx, AuditFilter{WorkflowID: a.ID})
		require.NoError(t, err)
		seqs := make([]int64, len(trail))
		for i, ev := range trail {
			seqs[i] = ev.Sequence
		}
		assert.Equal(t, []int64{1, 2, 3, 4}, seqs)

		dup := &types.AuditEvent{
			ID: uuid.NewString(), WorkflowID: a.ID, Sequence: 2, EventType: "test.seq",
			Data: json.RawMessage(`{}`), CreatedAt: base,
		}
		assert.ErrorIs(t, s.AppendAuditEvent(ctx, dup), ErrAlreadyExists)
	})
}

func TestStore_GateResultHistory(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		w := newWorkflow(types.StatusRunning, types.Tier4)
		require.NoError(t, s.CreateWorkflow(ctx, w))

		score := 0.4
		for attempt := 1; attempt <= 2; attempt++ {
			require.NoError(t, s.SaveGateResult(ctx, &types.GateResult{
				ID: uuid.NewString(), WorkflowID: w.ID, Gate: "tier_4", Attempt: attempt,
				Status:   types.GateFailed,
				Criteria: []string{"min_score"},
				Results:  []types.CriterionResult{{Name: "min_score", Required: true, Score: &score}},
				EvaluatedAt: base.Add(time.Duration(attempt) * time.Second),
			}))
		}
		dup := &types.GateResult{ID: uuid.NewString(), WorkflowID: w.ID, Gate: "tier_4", Attempt: 2, Status: types.GatePassed, EvaluatedAt: base}
		assert.ErrorIs(t, s.SaveGateResult(ctx, dup), ErrAlreadyExists)

		hist, err := s.ListGateResults(ctx, w.ID)
		require.NoError(t, err)
		require.Len(t, hist, 2)
		assert.Equal(t, 1, hist[0].Attempt)
		require.Len(t, hist[1].Results, 1)
		assert.InDelta(t, 0.4, *hist[1].Results[0].Score, 1e-9)
	})
}

func TestMemoryStore_Closed(t *testing.T) {
	s := NewMemoryStore()
	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.Ping(context.Background()), ErrStoreClosed)
	_, err := s.GetWorkflow(context.Background(), "x")
	assert.ErrorIs(t, err, ErrStoreClosed)
	assert.ErrorIs(t, s.WithTx(context.Background(), func(Store) error { return nil }), ErrStoreClosed)
}

func TestMemoryStore_ReadsDoNotWaitForTransaction(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	w := newWorkflow(types.StatusRunning, types.Tier1)
	require.NoError(t, s.CreateWorkflow(ctx, w))

	inside := make(chan struct{})
	release := make(chan struct{})
	txDone := make(chan error, 1)
	go func() {
		txDone <- s.WithTx(ctx, func(tx Store) error {
			next := w.Clone()
			next.CurrentTier = types.Tier2
			if err := tx.UpdateWorkflow(ctx, next, types.StatusRunning); err != nil {
				return err
			}
			close(inside)
			<-release
			return nil
		})
	}()
	<-inside

	// 事务进行中：读取立即返回上一次提交的状态
	read := make(chan *types.Workflow, 1)
	go func() {
		got, err := s.GetWorkflow(ctx, w.ID)
		assert.NoError(t, err)
		read <- got
	}()
	select {
	case got := <-read:
		assert.Equal(t, types.Tier1, got.CurrentTier)
	case <-time.After(time.Second):
		t.Fatal("read blocked behind the transaction")
	}

	// 写入排在事务之后，不会被事务的快照覆盖
	written := make(chan error, 1)
	go func() {
		written <- s.AppendBudgetEntry(ctx, &types.BudgetEntry{
			ID: uuid.NewString(), WorkflowID: w.ID, Agent: "a", Model: "m", Tier: types.Tier1, Cost: 5, CreatedAt: base,
		})
	}()
	select {
	case err := <-written:
		t.Fatalf("write finished inside the transaction: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	require.NoError(t, <-txDone)
	require.NoError(t, <-written)

	got, err := s.GetWorkflow(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, types.Tier2, got.CurrentTier)
	sum, err := s.SumBudget(ctx, w.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 5, sum.Cost)
}
