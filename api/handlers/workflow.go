package handlers

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/PipeLaneLabs/ordo-ai/budget"
	"github.com/PipeLaneLabs/ordo-ai/orchestrator"
	"github.com/PipeLaneLabs/ordo-ai/persistence"
	"github.com/PipeLaneLabs/ordo-ai/types"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500

	// anonymousActor 未启用认证时记录的操作者
	anonymousActor = "anonymous"
)

// WorkflowService 是 handler 依赖的引擎操作集合，*orchestrator.Orchestrator 实现了它
type WorkflowService interface {
	Submit(ctx context.Context, req orchestrator.SubmitRequest) (*types.Workflow, error)
	Advance(ctx context.Context, workflowID string) (*orchestrator.AdvanceResult, error)
	Resume(ctx context.Context, workflowID string) (*types.Workflow, error)
	Cancel(ctx context.Context, workflowID, actor string) (*types.Workflow, error)
	Approve(ctx context.Context, workflowID, actor, comment string) (*types.Workflow, error)
	Reject(ctx context.Context, workflowID, actor, reason string) (*types.Workflow, error)

	GetWorkflow(ctx context.Context, workflowID string) (*types.Workflow, error)
	ListWorkflows(ctx context.Context, filter persistence.WorkflowFilter) ([]*types.Workflow, error)
	GetCheckpoints(ctx context.Context, workflowID string) ([]*types.Checkpoint, error)
	GetAuditTrail(ctx context.Context, workflowID string) ([]*types.AuditEvent, error)
	GetBudgetSummary(ctx context.Context, workflowID string) (*budget.Summary, error)
	GetGateResults(ctx context.Context, workflowID string) ([]*types.GateResult, error)
	GetSummary(ctx context.Context, workflowID string) (*orchestrator.Summary, error)
}

var _ WorkflowService = (*orchestrator.Orchestrator)(nil)

// =============================================================================
// 📨 请求与响应
// =============================================================================

// SubmitRequest POST /api/v1/workflows 请求体
type SubmitRequest struct {
	Request string `json:"request"`
	Type    string `json:"type,omitempty"`
}

// ApproveRequest POST /{id}/approve 请求体（可为空）
type ApproveRequest struct {
	Comment string `json:"comment,omitempty"`
}

// RejectRequest POST /{id}/reject 请求体
type RejectRequest struct {
	Reason string `json:"reason"`
}

// WorkflowList 列表响应
type WorkflowList struct {
	Workflows []*types.Workflow `json:"workflows"`
	Limit     int               `json:"limit"`
	Offset    int               `json:"offset"`
}

// =============================================================================
// 🔀 WorkflowHandler
// =============================================================================

// WorkflowHandler 工作流命令与查询端点
type WorkflowHandler struct {
	service WorkflowService
	logger  *zap.Logger
	// actionRoles 非空时 cancel/approve/reject 需要其中之一
	actionRoles []string
}

// WorkflowOption 配置 WorkflowHandler
type WorkflowOption func(*WorkflowHandler)

// WithActionRoles 要求人工操作（cancel、approve、reject）的调用者持有给定角色之一
func WithActionRoles(roles ...string) WorkflowOption {
	return func(h *WorkflowHandler) { h.actionRoles = roles }
}

// NewWorkflowHandler 创建工作流 handler
func NewWorkflowHandler(service WorkflowService, logger *zap.Logger, opts ...WorkflowOption) *WorkflowHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &WorkflowHandler{
		service: service,
		logger:  logger.With(zap.String("component", "workflow_handler")),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register 在 mux 上注册全部工作流路由
func (h *WorkflowHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/workflows", h.HandleSubmit)
	mux.HandleFunc("GET /api/v1/workflows", h.HandleList)
	mux.HandleFunc("GET /api/v1/workflows/{id}", h.HandleGet)

	mux.HandleFunc("POST /api/v1/workflows/{id}/advance", h.HandleAdvance)
	mux.HandleFunc("POST /api/v1/workflows/{id}/resume", h.HandleResume)
	mux.HandleFunc("POST /api/v1/workflows/{id}/cancel", h.HandleCancel)
	mux.HandleFunc("POST /api/v1/workflows/{id}/approve", h.HandleApprove)
	mux.HandleFunc("POST /api/v1/workflows/{id}/reject", h.HandleReject)

	mux.HandleFunc("GET /api/v1/workflows/{id}/checkpoints", h.HandleCheckpoints)
	mux.HandleFunc("GET /api/v1/workflows/{id}/audit", h.HandleAudit)
	mux.HandleFunc("GET /api/v1/workflows/{id}/budget", h.HandleBudget)
	mux.HandleFunc("GET /api/v1/workflows/{id}/gates", h.HandleGates)
	mux.HandleFunc("GET /api/v1/workflows/{id}/summary", h.HandleSummary)
}

// =============================================================================
// 🎯 命令
// =============================================================================

// HandleSubmit 创建工作流，返回 201
func (h *WorkflowHandler) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if err := DecodeJSONBody(w, r, &req, false); err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	wf, err := h.service.Submit(r.Context(), orchestrator.SubmitRequest{Request: req.Request, Type: req.Type})
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	w.Header().Set("Location", "/api/v1/workflows/"+wf.ID)
	WriteStatus(w, r, http.StatusCreated, wf)
}

// HandleAdvance 执行一步
func (h *WorkflowHandler) HandleAdvance(w http.ResponseWriter, r *http.Request) {
	res, err := h.service.Advance(r.Context(), r.PathValue("id"))
	h.respond(w, r, res, err)
}

// HandleResume 从最新检查点恢复
func (h *WorkflowHandler) HandleResume(w http.ResponseWriter, r *http.Request) {
	wf, err := h.service.Resume(r.Context(), r.PathValue("id"))
	h.respond(w, r, wf, err)
}

// HandleCancel 取消工作流
func (h *WorkflowHandler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.authorize(w, r)
	if !ok {
		return
	}
	wf, err := h.service.Cancel(r.Context(), r.PathValue("id"), actor)
	h.respond(w, r, wf, err)
}

// HandleApprove 通过待审批的工作流
func (h *WorkflowHandler) HandleApprove(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.authorize(w, r)
	if !ok {
		return
	}
	var req ApproveRequest
	if err := DecodeJSONBody(w, r, &req, true); err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	wf, err := h.service.Approve(r.Context(), r.PathValue("id"), actor, strings.TrimSpace(req.Comment))
	h.respond(w, r, wf, err)
}

// HandleReject 驳回待审批的工作流，reason 必填
func (h *WorkflowHandler) HandleReject(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.authorize(w, r)
	if !ok {
		return
	}
	var req RejectRequest
	if err := DecodeJSONBody(w, r, &req, false); err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		WriteError(w, r, types.NewInvalidRequestError("reason is required"), h.logger)
		return
	}
	wf, err := h.service.Reject(r.Context(), r.PathValue("id"), actor, reason)
	h.respond(w, r, wf, err)
}

// =============================================================================
// 🔍 查询
// =============================================================================

// HandleGet 返回单个工作流
func (h *WorkflowHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	wf, err := h.service.GetWorkflow(r.Context(), r.PathValue("id"))
	h.respond(w, r, wf, err)
}

// HandleList 列出工作流，支持 status（逗号分隔）、type、limit、offset
func (h *WorkflowHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	filter, err := parseWorkflowFilter(r)
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	list, err := h.service.ListWorkflows(r.Context(), filter)
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	if list == nil {
		list = []*types.Workflow{}
	}
	WriteSuccess(w, r, WorkflowList{Workflows: list, Limit: filter.Limit, Offset: filter.Offset})
}

// HandleCheckpoints 列出检查点
func (h *WorkflowHandler) HandleCheckpoints(w http.ResponseWriter, r *http.Request) {
	cps, err := h.service.GetCheckpoints(r.Context(), r.PathValue("id"))
	h.respond(w, r, orEmpty(cps), err)
}

// HandleAudit 返回审计轨迹
func (h *WorkflowHandler) HandleAudit(w http.ResponseWriter, r *http.Request) {
	events, err := h.service.GetAuditTrail(r.Context(), r.PathValue("id"))
	h.respond(w, r, orEmpty(events), err)
}

// HandleBudget 返回预算汇总
func (h *WorkflowHandler) HandleBudget(w http.ResponseWriter, r *http.Request) {
	summary, err := h.service.GetBudgetSummary(r.Context(), r.PathValue("id"))
	h.respond(w, r, summary, err)
}

// HandleGates 返回质量门结果
func (h *WorkflowHandler) HandleGates(w http.ResponseWriter, r *http.Request) {
	results, err := h.service.GetGateResults(r.Context(), r.PathValue("id"))
	h.respond(w, r, orEmpty(results), err)
}

// HandleSummary 返回汇总投影
func (h *WorkflowHandler) HandleSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := h.service.GetSummary(r.Context(), r.PathValue("id"))
	h.respond(w, r, summary, err)
}

// =============================================================================
// 🔧 内部辅助
// =============================================================================

func (h *WorkflowHandler) respond(w http.ResponseWriter, r *http.Request, data any, err error) {
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	WriteSuccess(w, r, data)
}

// authorize 返回操作者身份。配置了 actionRoles 时调用者必须已认证并持有其中一个角色。
func (h *WorkflowHandler) authorize(w http.ResponseWriter, r *http.Request) (string, bool) {
	actor, authenticated := types.UserID(r.Context())
	if len(h.actionRoles) == 0 {
		if !authenticated {
			actor = anonymousActor
		}
		return actor, true
	}
	if !authenticated {
		WriteError(w, r, types.NewError(types.ErrUnauthorized, "authentication required"), h.logger)
		return "", false
	}
	if !types.HasAnyRole(r.Context(), h.actionRoles...) {
		WriteError(w, r, types.Errorf(types.ErrForbidden, "requires one of roles: %s",
			strings.Join(h.actionRoles, ", ")), h.logger)
		return "", false
	}
	return actor, true
}

func parseWorkflowFilter(r *http.Request) (persistence.WorkflowFilter, error) {
	q := r.URL.Query()
	filter := persistence.WorkflowFilter{
		Type:  strings.TrimSpace(q.Get("type")),
		Limit: defaultListLimit,
	}
	if raw := q.Get("status"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			s := types.WorkflowStatus(strings.TrimSpace(part))
			if s == "" {
				continue
			}
			if !s.Valid() {
				return filter, types.NewInvalidRequestError("unknown status " + strconv.Quote(string(s)))
			}
			filter.Statuses = append(filter.Statuses, s)
		}
	}
	var err error
	if filter.Limit, err = intParam(q.Get("limit"), "limit", defaultListLimit); err != nil {
		return filter, err
	}
	if filter.Limit > maxListLimit {
		filter.Limit = maxListLimit
	}
	if filter.Offset, err = intParam(q.Get("offset"), "offset", 0); err != nil {
		return filter, err
	}
	return filter, nil
}

func intParam(raw, name string, def int) (int, error) {
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, types.NewInvalidRequestError(name + " must be a non-negative integer")
	}
	if n == 0 && name == "limit" {
		return def, nil
	}
	return n, nil
}

// orEmpty 让空结果序列化为 [] 而不是 null
func orEmpty[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
