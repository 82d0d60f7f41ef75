package gate

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/PipeLaneLabs/ordo-ai/persistence"
	"github.com/PipeLaneLabs/ordo-ai/types"
)

func seed(t *testing.T) (*persistence.MemoryStore, *types.Workflow) {
	t.Helper()
	store := persistence.NewMemoryStore()
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	w := &types.Workflow{
		ID: "wf-1", Request: "build X", Type: "feature",
		Status: types.StatusRunning, CurrentTier: types.Tier3,
		StartedAt: now, UpdatedAt: now,
	}
	require.NoError(t, store.CreateWorkflow(context.Background(), w))
	return store, w
}

func score(v float64) *float64 { return &v }

func TestEvaluator_Aggregation(t *testing.T) {
	tests := []struct {
		name     string
		criteria []Criterion
		output   *types.AgentOutput
		want     types.GateStatus
	}{
		{
			name:   "no criteria is skipped",
			output: &types.AgentOutput{},
			want:   types.GateSkipped,
		},
		{
			name:     "all required pass",
			criteria: []Criterion{MinScore{Min: 0.7}, NoBlockingIssues{}},
			output:   &types.AgentOutput{Score: score(0.9)},
			want:     types.GatePassed,
		},
		{
			name:     "required failure fails",
			criteria: []Criterion{MinScore{Min: 0.7}, NoBlockingIssues{}},
			output:   &types.AgentOutput{Score: score(0.5)},
			want:     types.GateFailed,
		},
		{
			name:     "optional failure still passes",
			criteria: []Criterion{MinScore{Min: 0.7, Optional: true}, NoBlockingIssues{}},
			output:   &types.AgentOutput{Score: score(0.1)},
			want:     types.GatePassed,
		},
		{
			name: "criterion error counts as failure",
			criteria: []Criterion{Func{Label: "boom", Fn: func(context.Context, Input) (bool, string, error) {
				return true, "", errors.New("broken checker")
			}}},
			output: &types.AgentOutput{},
			want:   types.GateFailed,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, w := seed(t)
			e := NewEvaluator(store, nil, zaptest.NewLogger(t))

			res, err := e.Evaluate(context.Background(), w.ID, "tier_3", tt.criteria, tt.output)
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.Status)
			assert.Len(t, res.Results, len(tt.criteria))
		})
	}
}

func TestEvaluator_KeepsHistory(t *testing.T) {
	store, w := seed(t)
	e := NewEvaluator(store, Sets{"tier_3": {MinScore{Min: 0.8}}}, zaptest.NewLogger(t))
	ctx := context.Background()

	for i, s := range []float64{0.2, 0.5, 0.9} {
		res, err := e.EvaluateTier(ctx, w, types.Tier3, &types.AgentOutput{Score: score(s)})
		require.NoError(t, err)
		assert.Equal(t, i+1, res.Attempt)
	}

	history, err := e.History(ctx, w.ID, "tier_3")
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, types.GateFailed, history[0].Status)
	assert.Equal(t, types.GateFailed, history[1].Status)
	assert.Equal(t, types.GatePassed, history[2].Status)
	assert.NotEqual(t, history[0].ID, history[1].ID)

	latest, err := e.Latest(ctx, w.ID, "tier_3")
	require.NoError(t, err)
	assert.Equal(t, 3, latest.Attempt)
	assert.Equal(t, types.GatePassed, latest.Status)

	_, err = e.Latest(ctx, w.ID, "tier_4")
	assert.True(t, types.IsNotFound(err))
}

func TestEvaluator_PreservesCriteriaOrder(t *testing.T) {
	store, w := seed(t)
	e := NewEvaluator(store, nil, nil)

	var running atomic.Int32
	slow := func(name string, d time.Duration) Criterion {
		return Func{Label: name, Fn: func(ctx context.Context, _ Input) (bool, string, error) {
			running.Add(1)
			time.Sleep(d)
			return true, "", nil
		}}
	}
	res, err := e.Evaluate(context.Background(), w.ID, "tier_3",
		[]Criterion{slow("a", 30*time.Millisecond), slow("b", 1*time.Millisecond), slow("c", 10*time.Millisecond)},
		&types.AgentOutput{})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, res.Criteria)
	assert.Equal(t, "a", res.Results[0].Name)
	assert.Equal(t, "c", res.Results[2].Name)
	assert.Equal(t, int32(3), running.Load())
}

func TestEvaluator_UnknownWorkflow(t *testing.T) {
	e := NewEvaluator(persistence.NewMemoryStore(), nil, nil)
	_, err := e.Evaluate(context.Background(), "nope", "tier_1", nil, nil)
	assert.True(t, types.IsNotFound(err))
}

func TestEvaluator_TypeSpecificSet(t *testing.T) {
	store, w := seed(t)
	sets := Sets{
		"tier_3":         {MinScore{Min: 0.5}},
		"bugfix/tier_3":  {MinScore{Min: 0.99}},
		"feature/tier_4": {NoBlockingIssues{}},
	}
	e := NewEvaluator(store, sets, nil)

	assert.Len(t, e.Criteria("feature", types.Tier3), 1)
	assert.Equal(t, 0.5, e.Criteria("feature", types.Tier3)[0].(MinScore).Min)
	assert.Equal(t, 0.99, e.Criteria("bugfix", types.Tier3)[0].(MinScore).Min)
	assert.Empty(t, e.Criteria("bugfix", types.Tier4))

	res, err := e.EvaluateTier(context.Background(), w, types.Tier5, &types.AgentOutput{})
	require.NoError(t, err)
	assert.Equal(t, types.GateSkipped, res.Status)
}

func TestEvaluator_InTransaction(t *testing.T) {
	store, w := seed(t)
	e := NewEvaluator(store, Sets{"tier_3": {NoBlockingIssues{}}}, nil)
	ctx := context.Background()

	err := store.WithTx(ctx, func(tx persistence.Store) error {
		if _, err := e.WithStore(tx).EvaluateTier(ctx, w, types.Tier3, &types.AgentOutput{}); err != nil {
			return err
		}
		return errors.New("abort")
	})
	require.Error(t, err)

	history, err := e.History(ctx, w.ID, "")
	require.NoError(t, err)
	assert.Empty(t, history, "rolled back evaluation leaves no result")
}
