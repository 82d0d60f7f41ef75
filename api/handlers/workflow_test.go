package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/PipeLaneLabs/ordo-ai/gate"
	"github.com/PipeLaneLabs/ordo-ai/orchestrator"
	"github.com/PipeLaneLabs/ordo-ai/persistence"
	"github.com/PipeLaneLabs/ordo-ai/testutil"
	"github.com/PipeLaneLabs/ordo-ai/types"
)

// =============================================================================
// 🧪 测试夹具
// =============================================================================

type envelope struct {
	Success   bool            `json:"success"`
	Data      json.RawMessage `json:"data"`
	Error     *ErrorInfo      `json:"error"`
	RequestID string          `json:"request_id"`
}

type testAPI struct {
	t      *testing.T
	orch   *orchestrator.Orchestrator
	agent  *testutil.ScriptedAgent
	server *httptest.Server
}

// identity 从测试头部注入身份，代替认证中间件
func identity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if id := r.Header.Get("X-Test-Request"); id != "" {
			ctx = types.WithTraceID(ctx, id)
		}
		if user := r.Header.Get("X-Test-User"); user != "" {
			ctx = types.WithUserID(ctx, user)
		}
		if roles := r.Header.Get("X-Test-Roles"); roles != "" {
			ctx = types.WithRoles(ctx, strings.Split(roles, ","))
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func newTestAPI(t *testing.T, approvals []types.Tier, opts ...WorkflowOption) *testAPI {
	t.Helper()
	store := persistence.NewMemoryStore()
	agent := testutil.NewScriptedAgent()

	bindings := make([]orchestrator.Binding, 0, len(types.AllTiers))
	for _, tier := range types.AllTiers {
		bindings = append(bindings, orchestrator.Binding{Tier: tier, Agent: agent})
	}
	agents, err := orchestrator.NewAgents(bindings...)
	require.NoError(t, err)

	sets := gate.Sets{}
	for _, tier := range types.AllTiers {
		sets[gate.Key("", tier)] = []gate.Criterion{gate.MinScore{Min: 0.5}}
	}

	cfg := orchestrator.DefaultConfig()
	cfg.ApprovalTiers = approvals
	cfg.AgentRetryInitialDelay = time.Millisecond
	cfg.AgentRetryMaxDelay = 5 * time.Millisecond
	orch, err := orchestrator.New(cfg, orchestrator.Deps{
		Store:  store,
		Agents: agents,
		Gates:  gate.NewEvaluator(store, sets, nil),
		Logger: zaptest.NewLogger(t),
	})
	require.NoError(t, err)

	mux := http.NewServeMux()
	NewWorkflowHandler(orch, zaptest.NewLogger(t), opts...).Register(mux)
	NewStreamHandler(orch, orch.Audit().Feed(), zaptest.NewLogger(t)).Register(mux)
	srv := httptest.NewServer(identity(mux))
	t.Cleanup(srv.Close)

	return &testAPI{t: t, orch: orch, agent: agent, server: srv}
}

func (a *testAPI) do(method, path, body string, headers ...string) (*http.Response, envelope) {
	a.t.Helper()
	var reader *bytes.Reader
	if body != "" {
		reader = bytes.NewReader([]byte(body))
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, a.server.URL+path, reader)
	require.NoError(a.t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	resp, err := a.server.Client().Do(req)
	require.NoError(a.t, err)
	defer resp.Body.Close()

	var env envelope
	require.NoError(a.t, json.NewDecoder(resp.Body).Decode(&env))
	return resp, env
}

func (a *testAPI) submit() *types.Workflow {
	a.t.Helper()
	resp, env := a.do(http.MethodPost, "/api/v1/workflows", `{"request":"add a login page"}`)
	require.Equal(a.t, http.StatusCreated, resp.StatusCode)
	var w types.Workflow
	require.NoError(a.t, json.Unmarshal(env.Data, &w))
	return &w
}

func decode[T any](t *testing.T, env envelope) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(env.Data, &v))
	return v
}

// =============================================================================
// 🧪 命令端点
// =============================================================================

func TestWorkflowAPI_SubmitAndGet(t *testing.T) {
	api := newTestAPI(t, nil)

	resp, env := api.do(http.MethodPost, "/api/v1/workflows", `{"request":"add a login page","type":"bugfix"}`,
		"X-Test-Request", "req-1")
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.True(t, env.Success)
	assert.Equal(t, "req-1", env.RequestID)

	created := decode[types.Workflow](t, env)
	assert.Equal(t, types.StatusPending, created.Status)
	assert.Equal(t, "bugfix", created.Type)
	assert.Equal(t, "/api/v1/workflows/"+created.ID, resp.Header.Get("Location"))

	resp, env = api.do(http.MethodGet, "/api/v1/workflows/"+created.ID, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decode[types.Workflow](t, env)
	assert.Equal(t, created.ID, got.ID)
	assert.Equal(t, "add a login page", got.Request)
}

func TestWorkflowAPI_SubmitValidation(t *testing.T) {
	api := newTestAPI(t, nil)

	tests := []struct {
		name string
		body string
		ct   string
	}{
		{name: "blank request", body: `{"request":"   "}`, ct: "application/json"},
		{name: "unknown field", body: `{"request":"x","priority":1}`, ct: "application/json"},
		{name: "malformed", body: `{"request":`, ct: "application/json"},
		{name: "wrong content type", body: `{"request":"x"}`, ct: "text/plain"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, env := api.do(http.MethodPost, "/api/v1/workflows", tt.body, "Content-Type", tt.ct)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			require.NotNil(t, env.Error)
			assert.Equal(t, string(types.ErrInvalidRequest), env.Error.Code)
		})
	}
}

func TestWorkflowAPI_NotFound(t *testing.T) {
	api := newTestAPI(t, nil)

	for _, path := range []string{
		"/api/v1/workflows/missing",
		"/api/v1/workflows/missing/checkpoints",
		"/api/v1/workflows/missing/audit",
		"/api/v1/workflows/missing/budget",
		"/api/v1/workflows/missing/gates",
		"/api/v1/workflows/missing/summary",
	} {
		resp, env := api.do(http.MethodGet, path, "")
		assert.Equal(t, http.StatusNotFound, resp.StatusCode, path)
		require.NotNil(t, env.Error, path)
		assert.Equal(t, string(types.ErrNotFound), env.Error.Code, path)
	}

	resp, _ := api.do(http.MethodPost, "/api/v1/workflows/missing/advance", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestWorkflowAPI_AdvanceToCompletion(t *testing.T) {
	api := newTestAPI(t, nil)
	w := api.submit()

	resp, env := api.do(http.MethodPost, "/api/v1/workflows/"+w.ID+"/advance", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	first := decode[orchestrator.AdvanceResult](t, env)
	assert.True(t, first.Started)
	assert.Equal(t, orchestrator.OutcomeAdvanced, first.Outcome)
	assert.Equal(t, types.Tier1, first.Tier)
	assert.Equal(t, types.Tier2, first.Workflow.CurrentTier)

	var last orchestrator.AdvanceResult
	for i := 0; i < 10 && last.Outcome != orchestrator.OutcomeCompleted; i++ {
		resp, env = api.do(http.MethodPost, "/api/v1/workflows/"+w.ID+"/advance", "")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		last = decode[orchestrator.AdvanceResult](t, env)
	}
	require.Equal(t, orchestrator.OutcomeCompleted, last.Outcome)
	assert.Equal(t, types.StatusCompleted, last.Workflow.Status)

	// 终态后不能再 advance
	resp, env = api.do(http.MethodPost, "/api/v1/workflows/"+w.ID+"/advance", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, string(types.ErrInvalidTransition), env.Error.Code)

	_, env = api.do(http.MethodGet, "/api/v1/workflows/"+w.ID+"/gates", "")
	assert.Len(t, decode[[]*types.GateResult](t, env), 5)

	_, env = api.do(http.MethodGet, "/api/v1/workflows/"+w.ID+"/summary", "")
	summary := decode[orchestrator.Summary](t, env)
	assert.Equal(t, 5, summary.GatesPassed)
	assert.Equal(t, types.StatusCompleted, summary.Status)
	assert.Equal(t, int64(5*150), summary.TokensUsed)

	_, env = api.do(http.MethodGet, "/api/v1/workflows/"+w.ID+"/budget", "")
	assert.NotEmpty(t, env.Data)

	_, env = api.do(http.MethodGet, "/api/v1/workflows/"+w.ID+"/audit", "")
	events := decode[[]*types.AuditEvent](t, env)
	require.NotEmpty(t, events)
	assert.Equal(t, types.EventType("workflow.submitted"), events[0].EventType)
	assert.Equal(t, types.EventType("workflow.completed"), findEvent(events, "workflow.completed"))

	_, env = api.do(http.MethodGet, "/api/v1/workflows/"+w.ID+"/checkpoints", "")
	cps := decode[[]*types.Checkpoint](t, env)
	require.NotEmpty(t, cps)
	assert.Equal(t, types.StatusCompleted, cps[len(cps)-1].State.Workflow.Status)
}

func findEvent(events []*types.AuditEvent, want types.EventType) types.EventType {
	for _, ev := range events {
		if ev.EventType == want {
			return ev.EventType
		}
	}
	return ""
}

func TestWorkflowAPI_CancelAndResume(t *testing.T) {
	api := newTestAPI(t, nil)
	w := api.submit()

	resp, env := api.do(http.MethodPost, "/api/v1/workflows/"+w.ID+"/cancel", "", "X-Test-User", "alice")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, types.StatusCancelled, decode[types.Workflow](t, env).Status)

	resp, env = api.do(http.MethodPost, "/api/v1/workflows/"+w.ID+"/cancel", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, string(types.ErrInvalidTransition), env.Error.Code)

	// resume 不会复活已取消的工作流
	resp, env = api.do(http.MethodPost, "/api/v1/workflows/"+w.ID+"/resume", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, types.StatusCancelled, decode[types.Workflow](t, env).Status)
}

func TestWorkflowAPI_ApproveAndReject(t *testing.T) {
	api := newTestAPI(t, []types.Tier{types.Tier1})

	w := api.submit()
	_, env := api.do(http.MethodPost, "/api/v1/workflows/"+w.ID+"/advance", "")
	require.Equal(t, orchestrator.OutcomePaused, decode[orchestrator.AdvanceResult](t, env).Outcome)

	resp, env := api.do(http.MethodPost, "/api/v1/workflows/"+w.ID+"/approve", `{"comment":"looks good"}`,
		"X-Test-User", "reviewer")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	approved := decode[types.Workflow](t, env)
	assert.Equal(t, types.StatusRunning, approved.Status)
	require.NotNil(t, approved.Metadata.LastApproval)
	assert.Equal(t, "reviewer", approved.Metadata.LastApproval.Actor)
	assert.Equal(t, "looks good", approved.Metadata.LastApproval.Comment)

	// 非 paused 状态不能再次审批
	resp, _ = api.do(http.MethodPost, "/api/v1/workflows/"+w.ID+"/approve", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	other := api.submit()
	api.do(http.MethodPost, "/api/v1/workflows/"+other.ID+"/advance", "")

	resp, env = api.do(http.MethodPost, "/api/v1/workflows/"+other.ID+"/reject", `{"reason":""}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, string(types.ErrInvalidRequest), env.Error.Code)

	resp, env = api.do(http.MethodPost, "/api/v1/workflows/"+other.ID+"/reject", `{"reason":"missing tests"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	rejected := decode[types.Workflow](t, env)
	assert.Equal(t, types.Tier0, rejected.CurrentTier)
	assert.Equal(t, anonymousActor, rejected.Metadata.LastApproval.Actor)
}

func TestWorkflowAPI_ActionRoles(t *testing.T) {
	api := newTestAPI(t, nil, WithActionRoles("admin", "developer"))
	w := api.submit()

	resp, env := api.do(http.MethodPost, "/api/v1/workflows/"+w.ID+"/cancel", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, string(types.ErrUnauthorized), env.Error.Code)

	resp, env = api.do(http.MethodPost, "/api/v1/workflows/"+w.ID+"/cancel", "",
		"X-Test-User", "bob", "X-Test-Roles", "viewer")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, string(types.ErrForbidden), env.Error.Code)

	resp, env = api.do(http.MethodPost, "/api/v1/workflows/"+w.ID+"/cancel", "",
		"X-Test-User", "bob", "X-Test-Roles", "viewer,developer")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, types.StatusCancelled, decode[types.Workflow](t, env).Status)

	trail, err := api.orch.GetAuditTrail(testutil.TestContext(t), w.ID)
	require.NoError(t, err)
	last := trail[len(trail)-1]
	assert.Equal(t, types.EventType("workflow.cancelled"), last.EventType)
	assert.Contains(t, string(last.Data), "bob")
}

// =============================================================================
// 🧪 列表
// =============================================================================

func TestWorkflowAPI_List(t *testing.T) {
	api := newTestAPI(t, nil)
	a := api.submit()
	api.submit()
	api.do(http.MethodPost, "/api/v1/workflows/"+a.ID+"/cancel", "")

	resp, env := api.do(http.MethodGet, "/api/v1/workflows", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	all := decode[WorkflowList](t, env)
	assert.Len(t, all.Workflows, 2)
	assert.Equal(t, defaultListLimit, all.Limit)

	_, env = api.do(http.MethodGet, "/api/v1/workflows?status=cancelled", "")
	cancelled := decode[WorkflowList](t, env)
	require.Len(t, cancelled.Workflows, 1)
	assert.Equal(t, a.ID, cancelled.Workflows[0].ID)

	_, env = api.do(http.MethodGet, "/api/v1/workflows?status=running", "")
	assert.Empty(t, decode[WorkflowList](t, env).Workflows)

	_, env = api.do(http.MethodGet, "/api/v1/workflows?limit=1", "")
	assert.Len(t, decode[WorkflowList](t, env).Workflows, 1)

	for _, q := range []string{"status=bogus", "limit=-1", "offset=x"} {
		resp, _ := api.do(http.MethodGet, "/api/v1/workflows?"+q, "")
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, q)
	}
}

func TestParseWorkflowFilter_CapsLimit(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/api/v1/workflows?limit=100000&offset=20&status=pending,%20running&type=feature", nil)
	f, err := parseWorkflowFilter(r)
	require.NoError(t, err)
	assert.Equal(t, maxListLimit, f.Limit)
	assert.Equal(t, 20, f.Offset)
	assert.Equal(t, "feature", f.Type)
	assert.Equal(t, []types.WorkflowStatus{types.StatusPending, types.StatusRunning}, f.Statuses)
}
