package orchestrator

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PipeLaneLabs/ordo-ai/testutil"
	"github.com/PipeLaneLabs/ordo-ai/types"
)

// =============================================================================
// 🧪 Agents
// =============================================================================

func TestNewAgents_Validation(t *testing.T) {
	agent := testutil.NewScriptedAgent()
	tests := []struct {
		name     string
		bindings []Binding
	}{
		{"unknown tier", []Binding{{Tier: "tier_9", Agent: agent}}},
		{"missing agent", []Binding{{Tier: types.Tier1}}},
		{"negative projection", []Binding{{Tier: types.Tier1, Agent: agent, ProjectedTokens: -1}}},
		{"duplicate tier", []Binding{{Tier: types.Tier1, Agent: agent}, {Tier: types.Tier1, Agent: agent}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewAgents(tt.bindings...)
			assert.True(t, types.IsErrorCode(err, types.ErrInvalidRequest))
		})
	}
}

func TestAgents_Lookup(t *testing.T) {
	agent := testutil.NewScriptedAgent()
	agents, err := NewAgents(
		Binding{Tier: types.Tier3, Agent: agent},
		Binding{Tier: types.Tier1, Name: "planner", Agent: agent},
	)
	require.NoError(t, err)

	assert.Equal(t, "planner", agents.Name(types.Tier1))
	assert.Equal(t, "preparation", agents.Name(types.Tier3))
	assert.Empty(t, agents.Name(types.Tier2))
	assert.Equal(t, []types.Tier{types.Tier1, types.Tier3}, agents.Tiers())

	_, err = agents.For(types.Tier2)
	assert.True(t, types.IsErrorCode(err, types.ErrNoAgentForTier))
}

func TestRetryable(t *testing.T) {
	assert.True(t, retryable(errors.New("plain")))
	assert.True(t, retryable(&AgentError{Message: "busy", Retryable: true}))
	assert.False(t, retryable(Permanent(errors.New("bad input"))))
	assert.Nil(t, Permanent(nil))

	wrapped := Permanent(context.DeadlineExceeded)
	assert.ErrorIs(t, wrapped, context.DeadlineExceeded)
}

func TestBackoff(t *testing.T) {
	initial, maxDelay := 100*time.Millisecond, time.Second
	for n := 1; n <= 8; n++ {
		d := backoff(n, initial, maxDelay)
		assert.GreaterOrEqual(t, d, initial)
		assert.LessOrEqual(t, d, maxDelay)
	}
	assert.Zero(t, backoff(3, 0, time.Second))
}

func TestSleep_HonorsContext(t *testing.T) {
	assert.NoError(t, sleep(context.Background(), time.Millisecond))
	assert.ErrorIs(t, sleep(testutil.CancelledContext(), time.Hour), context.Canceled)
}

// =============================================================================
// 🧪 HTTPAgent
// =============================================================================

func TestHTTPAgent_Invoke(t *testing.T) {
	var gotTier types.Tier
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.Equal(t, "wf-1", r.Header.Get("X-Workflow-ID"))

		body := testutil.MustParseJSON[invokeRequest](readAll(t, r))
		gotTier = body.Tier
		assert.Equal(t, "wf-1", body.State.Workflow.ID)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(testutil.MustJSON(testutil.Result("ok", 0.9, 12, 8, types.USD(0.002)))))
	}))
	defer srv.Close()

	a := NewHTTPAgent("remote", srv.URL, time.Second)
	a.Token = "secret"
	ctx := types.WithWorkflowID(testutil.TestContext(t), "wf-1")
	state := &types.WorkflowState{Workflow: types.Workflow{ID: "wf-1", Status: types.StatusRunning, CurrentTier: types.Tier2}}

	res, err := a.Invoke(ctx, types.Tier2, state)
	require.NoError(t, err)
	assert.Equal(t, types.Tier2, gotTier)
	assert.Equal(t, "ok", res.Output.Summary)
	assert.Equal(t, int64(12), res.TokensInput)
	assert.Equal(t, types.USD(0.002), res.Cost)
}

func TestHTTPAgent_StatusClassification(t *testing.T) {
	tests := []struct {
		status    int
		retryable bool
	}{
		{http.StatusTooManyRequests, true},
		{http.StatusBadGateway, true},
		{http.StatusBadRequest, false},
		{http.StatusUnauthorized, false},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				http.Error(w, "nope", tt.status)
			}))
			defer srv.Close()

			_, err := NewHTTPAgent("remote", srv.URL, time.Second).Invoke(testutil.TestContext(t), types.Tier1, &types.WorkflowState{})
			var ae *AgentError
			require.ErrorAs(t, err, &ae)
			assert.Equal(t, tt.retryable, ae.Retryable)
			assert.Contains(t, ae.Message, "nope")
		})
	}
}

func TestHTTPAgent_InvalidBodyIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("{not json"))
	}))
	defer srv.Close()

	_, err := NewHTTPAgent("remote", srv.URL, time.Second).Invoke(testutil.TestContext(t), types.Tier1, &types.WorkflowState{})
	assert.True(t, retryable(err))
}

func readAll(t *testing.T, r *http.Request) string {
	t.Helper()
	buf := new(strings.Builder)
	_, err := io.Copy(buf, r.Body)
	require.NoError(t, err)
	return buf.String()
}
