package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/PipeLaneLabs/ordo-ai/testutil"
	"github.com/PipeLaneLabs/ordo-ai/types"
)

func (h *harness) status(id string) types.WorkflowStatus {
	w, err := h.orch.GetWorkflow(context.Background(), id)
	if err != nil {
		return ""
	}
	return w.Status
}

func TestRunner_TickDrivesWorkflowsToCompletion(t *testing.T) {
	h := newHarness(t)
	a := h.submit()
	b := h.submit()

	r := NewRunner(h.orch, zaptest.NewLogger(t))
	n, err := r.Tick(testutil.TestContext(t))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	testutil.AssertEventuallyTrue(t, func() bool {
		return h.status(a.ID) == types.StatusCompleted && h.status(b.ID) == types.StatusCompleted
	}, 5*time.Second)
	assert.Equal(t, 10, len(h.agent.Calls()))
}

func TestRunner_TickStopsAtApprovalPause(t *testing.T) {
	h := newHarness(t, withApprovals(types.Tier2))
	w := h.submit()

	r := NewRunner(h.orch, zaptest.NewLogger(t))
	_, err := r.Tick(testutil.TestContext(t))
	require.NoError(t, err)

	testutil.AssertEventuallyTrue(t, func() bool {
		return h.status(w.ID) == types.StatusPaused
	}, 5*time.Second)
	testutil.AssertEventuallyTrue(t, func() bool { return !r.pool.InFlight(w.ID) }, time.Second)

	// Paused workflows are not scheduled.
	n, err := r.Tick(testutil.TestContext(t))
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 1, h.agent.CallsAt(types.Tier2))
}

func TestRunner_TickSkipsInFlightWorkflow(t *testing.T) {
	h := newHarness(t)
	entered := make(chan struct{})
	unblock := make(chan struct{})
	h.agent.On(types.Tier1, testutil.Step{
		Result:  testutil.Result("slow", 1, 1, 1, 0),
		Block:   unblock,
		Entered: entered,
	})
	w := h.submit()

	r := NewRunner(h.orch, zaptest.NewLogger(t))
	ctx := testutil.TestContext(t)
	n, err := r.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("agent was not invoked")
	}
	n, err = r.Tick(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	close(unblock)
	testutil.AssertEventuallyTrue(t, func() bool {
		return h.status(w.ID) == types.StatusCompleted
	}, 5*time.Second)
}

func TestRunner_TickExpiresApprovals(t *testing.T) {
	h := newHarness(t, withApprovals(types.Tier4))
	w := pauseAtTier4(t, h)

	later := time.Now().Add(2 * time.Hour)
	h.orch.WithClock(func() time.Time { return later })

	r := NewRunner(h.orch, zaptest.NewLogger(t))
	_, err := r.Tick(testutil.TestContext(t))
	require.NoError(t, err)

	// Expiry escalates to tier_0, then the runner carries the workflow back
	// to tier_4, which pauses again.
	testutil.AssertEventuallyTrue(t, func() bool {
		return h.status(w.ID) == types.StatusPaused && h.agent.CallsAt(types.Tier4) == 2
	}, 5*time.Second)
	assert.Equal(t, 1, h.agent.CallsAt(types.Tier0))
}

func TestRunner_RecoverResumesNonTerminal(t *testing.T) {
	h := newHarness(t)
	a := h.submit()
	b := h.submit()
	h.advance(b.ID)
	done := h.submit()
	_, err := h.orch.Cancel(testutil.TestContext(t), done.ID, "operator")
	require.NoError(t, err)

	r := NewRunner(h.orch, zaptest.NewLogger(t))
	n, err := r.Recover(testutil.TestContext(t))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, types.StatusPending, h.status(a.ID))
	assert.Equal(t, types.StatusRunning, h.status(b.ID))
}

func TestRunner_RunUntilCancelled(t *testing.T) {
	h := newHarness(t, func(cfg *Config, _ *Deps) { cfg.PollInterval = 10 * time.Millisecond })
	r := NewRunner(h.orch, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	ids := []string{h.submit().ID, h.submit().ID, h.submit().ID}
	testutil.AssertEventuallyTrue(t, func() bool {
		for _, id := range ids {
			if h.status(id) != types.StatusCompleted {
				return false
			}
		}
		return true
	}, 5*time.Second)

	cancel()
	err, ok := testutil.WaitForChannel(done, 5*time.Second)
	require.True(t, ok)
	assert.NoError(t, err)
}
