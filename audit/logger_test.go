package audit

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"pgregory.net/rapid"

	"github.com/PipeLaneLabs/ordo-ai/persistence"
	"github.com/PipeLaneLabs/ordo-ai/types"
)

var t0 = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

func newLogger(t *testing.T) (*Logger, *persistence.MemoryStore) {
	t.Helper()
	store := persistence.NewMemoryStore()
	require.NoError(t, store.CreateWorkflow(context.Background(), &types.Workflow{
		ID: "wf-1", Request: "build X", Type: types.DefaultWorkflowType,
		Status: types.StatusPending, StartedAt: t0, UpdatedAt: t0,
	}))
	// 固定时钟：序号仍须严格递增
	return NewLogger(store, zaptest.NewLogger(t)).WithClock(func() time.Time { return t0 }), store
}

func TestLogger_RecordAssignsIncreasingSequence(t *testing.T) {
	l, _ := newLogger(t)
	ctx := context.Background()

	first, err := l.Record(ctx, "wf-1", "", WorkflowSubmitted{Request: "build X", Type: "feature"})
	require.NoError(t, err)
	second, err := l.Record(ctx, "wf-1", "planner", AgentStarted{Tier: types.Tier1, Attempt: 1})
	require.NoError(t, err)
	assert.Greater(t, second.Sequence, first.Sequence)

	trail, err := l.Trail(ctx, "wf-1")
	require.NoError(t, err)
	require.Len(t, trail, 2)
	assert.Equal(t, EventWorkflowSubmitted, trail[0].EventType)
	assert.Equal(t, "planner", trail[1].Agent)

	p, err := Decode(trail[1].EventType, trail[1].Data)
	require.NoError(t, err)
	assert.Equal(t, types.Tier1, p.(*AgentStarted).Tier)
}

func TestLogger_RejectsInvalidPayloads(t *testing.T) {
	l, _ := newLogger(t)
	ctx := context.Background()

	tests := []struct {
		name string
		p    Payload
	}{
		{"nil", nil},
		{"missing request", WorkflowSubmitted{Type: "feature"}},
		{"bad tier", AgentStarted{Tier: "tier_9", Attempt: 1}},
		{"zero attempt", AgentFailed{Tier: types.Tier2, Error: "timeout"}},
		{"bad reason", WorkflowFailed{Reason: "bored"}},
		{"terminal cancel", WorkflowCancelled{FromStatus: types.StatusCompleted}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := l.Record(ctx, "wf-1", "", tt.p)
			assert.True(t, types.IsErrorCode(err, types.ErrAuditPayloadInvalid), "got %v", err)
		})
	}

	trail, err := l.Trail(ctx, "wf-1")
	require.NoError(t, err)
	assert.Empty(t, trail)
}

func TestLogger_RecordRaw(t *testing.T) {
	l, _ := newLogger(t)
	ctx := context.Background()

	ev, err := l.RecordRaw(ctx, "wf-1", EventTierAdvanced, "", json.RawMessage(`{"from":"tier_1","to":"tier_2"}`))
	require.NoError(t, err)
	assert.Equal(t, EventTierAdvanced, ev.EventType)

	_, err = l.RecordRaw(ctx, "wf-1", EventTierAdvanced, "", json.RawMessage(`{"from":"tier_1","to":"tier_2","extra":1}`))
	assert.True(t, types.IsErrorCode(err, types.ErrAuditPayloadInvalid), "unknown keys are rejected")

	_, err = l.RecordRaw(ctx, "wf-1", "custom.thing", "", json.RawMessage(`{}`))
	assert.True(t, types.IsErrorCode(err, types.ErrAuditPayloadInvalid))

	_, err = l.RecordRaw(ctx, "wf-1", "", "", nil)
	assert.Error(t, err)
}

func TestLogger_SystemEventsAndUnknownWorkflow(t *testing.T) {
	l, _ := newLogger(t)
	ctx := context.Background()

	ev, err := l.Record(ctx, "", "", CheckpointPruned{Deleted: 3, Before: t0.Format(time.RFC3339)})
	require.NoError(t, err)
	assert.Empty(t, ev.WorkflowID)

	system, err := l.List(ctx, persistence.AuditFilter{SystemOnly: true})
	require.NoError(t, err)
	assert.Len(t, system, 1)

	_, err = l.Record(ctx, "missing", "", TierAdvanced{From: types.Tier1, To: types.Tier2})
	assert.True(t, types.IsNotFound(err))
}

func TestLogger_TransactionalViewPublishesAfterCommit(t *testing.T) {
	l, store := newLogger(t)
	ctx := context.Background()
	events, cancel := l.Feed().Subscribe("wf-1")
	defer cancel()

	var tx *Logger
	err := store.WithTx(ctx, func(s persistence.Store) error {
		tx = l.WithStore(s)
		_, err := tx.Record(ctx, "wf-1", "", ApprovalRequested{Tier: types.Tier4})
		return err
	})
	require.NoError(t, err)

	select {
	case <-events:
		t.Fatal("event published before Publish")
	default:
	}

	pending := tx.Pending()
	require.Len(t, pending, 1)
	l.Publish(pending...)

	select {
	case ev := <-events:
		assert.Equal(t, EventApprovalRequested, ev.EventType)
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestLogger_RolledBackEventsAreNotStored(t *testing.T) {
	l, store := newLogger(t)
	ctx := context.Background()

	err := store.WithTx(ctx, func(s persistence.Store) error {
		if _, err := l.WithStore(s).Record(ctx, "wf-1", "", ApprovalRequested{Tier: types.Tier4}); err != nil {
			return err
		}
		return errors.New("abort")
	})
	require.Error(t, err)

	trail, err := l.Trail(ctx, "wf-1")
	require.NoError(t, err)
	assert.Empty(t, trail)
}

func TestLogger_SkewedClocksKeepCommitOrder(t *testing.T) {
	store := persistence.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.CreateWorkflow(ctx, &types.Workflow{
		ID: "wf-1", Request: "build X", Type: types.DefaultWorkflowType,
		Status: types.StatusPending, StartedAt: t0, UpdatedAt: t0,
	}))
	// 两个进程共享存储，A 的时钟快 1 秒
	a := NewLogger(store, zaptest.NewLogger(t)).WithClock(func() time.Time { return t0.Add(time.Second) })
	b := NewLogger(store, zaptest.NewLogger(t)).WithClock(func() time.Time { return t0 })

	_, err := a.Record(ctx, "wf-1", "", WorkflowSubmitted{Request: "build X", Type: "feature"})
	require.NoError(t, err)
	_, err = b.Record(ctx, "wf-1", "", WorkflowCancelled{FromStatus: types.StatusPending, Actor: "operator"})
	require.NoError(t, err)

	trail, err := b.Trail(ctx, "wf-1")
	require.NoError(t, err)
	require.Len(t, trail, 2)
	assert.Equal(t, EventWorkflowSubmitted, trail[0].EventType)
	assert.Equal(t, EventWorkflowCancelled, trail[1].EventType)
	assert.Less(t, trail[0].Sequence, trail[1].Sequence)
}

func TestLogger_TrailFollowsAppendOrderForAnyClocks(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		store := persistence.NewMemoryStore()
		ctx := context.Background()
		if err := store.CreateWorkflow(ctx, &types.Workflow{
			ID: "wf-1", Request: "build X", Type: types.DefaultWorkflowType,
			Status: types.StatusRunning, StartedAt: t0, UpdatedAt: t0,
		}); err != nil {
			t.Fatal(err)
		}
		offsets := rapid.SliceOfN(rapid.Int64Range(-1_000_000, 1_000_000), 1, 30).Draw(t, "offsets")
		var ids []string
		for i, off := range offsets {
			l := NewLogger(store, nil).WithClock(func() time.Time { return t0.Add(time.Duration(off)) })
			ev, err := l.Record(ctx, "wf-1", "", AgentStarted{Tier: types.Tier1, Attempt: i + 1})
			if err != nil {
				t.Fatal(err)
			}
			ids = append(ids, ev.ID)
		}
		trail, err := store.ListAuditEvents(ctx, persistence.AuditFilter{WorkflowID: "wf-1"})
		if err != nil {
			t.Fatal(err)
		}
		for i, ev := range trail {
			if ev.ID != ids[i] {
				t.Fatalf("event %d out of append order", i)
			}
		}
	})
}

func TestRegistryCoversEventTypes(t *testing.T) {
	for _, et := range EventTypes() {
		p := registry[et]()
		assert.Equal(t, et, p.EventType())
	}
	assert.True(t, Known(EventEscalationTriggered))
	assert.False(t, Known("nope"))
}
