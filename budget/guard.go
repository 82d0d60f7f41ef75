package budget

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/PipeLaneLabs/ordo-ai/persistence"
	"github.com/PipeLaneLabs/ordo-ai/types"
)

// =============================================================================
// 配置
// =============================================================================

// Config 预算配置
type Config struct {
	// 每工作流最大 Token 数，0 表示不限制
	MaxTokensPerWorkflow int64 `json:"max_tokens_per_workflow" yaml:"max_tokens_per_workflow" env:"MAX_TOKENS_PER_WORKFLOW"`

	// 每工作流最大成本（美元），0 表示不限制
	MaxCostUSDPerWorkflow float64 `json:"max_cost_usd_per_workflow" yaml:"max_cost_usd_per_workflow" env:"MAX_COST_USD_PER_WORKFLOW"`

	// 自然月（UTC）内所有工作流的总成本上限，0 表示不检查
	MaxMonthlyCostUSD float64 `json:"max_monthly_cost_usd" yaml:"max_monthly_cost_usd" env:"MAX_MONTHLY_COST_USD"`

	// 告警阈值百分比
	AlertThresholdPct float64 `json:"alert_threshold_pct" yaml:"alert_threshold_pct" env:"ALERT_THRESHOLD_PCT"`

	// 未给出预估时使用的默认 Token 数
	DefaultProjectedTokens int64 `json:"default_projected_tokens" yaml:"default_projected_tokens" env:"DEFAULT_PROJECTED_TOKENS"`

	// tiktoken 编码名
	TokenizerEncoding string `json:"tokenizer_encoding" yaml:"tokenizer_encoding" env:"TOKENIZER_ENCODING"`

	// 模型定价
	Pricing Pricing `json:"pricing" yaml:"pricing"`
}

// DefaultConfig 返回默认预算配置
func DefaultConfig() Config {
	return Config{
		MaxTokensPerWorkflow:   500_000,
		MaxCostUSDPerWorkflow:  5.00,
		MaxMonthlyCostUSD:      20.00,
		AlertThresholdPct:      75,
		DefaultProjectedTokens: 4000,
		TokenizerEncoding:      "cl100k_base",
		Pricing:                DefaultPricing(),
	}
}

// Validate checks limits are non-negative and the threshold is a percentage.
func (c Config) Validate() error {
	var errs []error
	if c.MaxTokensPerWorkflow < 0 {
		errs = append(errs, errors.New("max_tokens_per_workflow must be >= 0"))
	}
	if c.MaxCostUSDPerWorkflow < 0 {
		errs = append(errs, errors.New("max_cost_usd_per_workflow must be >= 0"))
	}
	if c.MaxMonthlyCostUSD < 0 {
		errs = append(errs, errors.New("max_monthly_cost_usd must be >= 0"))
	}
	if c.AlertThresholdPct < 0 || c.AlertThresholdPct > 100 {
		errs = append(errs, errors.New("alert_threshold_pct must be within [0, 100]"))
	}
	if c.DefaultProjectedTokens < 0 {
		errs = append(errs, errors.New("default_projected_tokens must be >= 0"))
	}
	return errors.Join(errs...)
}

// =============================================================================
// 授权
// =============================================================================

// Deny details.
const (
	DenyWorkflowTokens = "workflow_tokens"
	DenyWorkflowCost   = "workflow_cost"
	DenyMonthlyCost    = "monthly_cost"
)

// Request describes one intended agent call.
type Request struct {
	WorkflowID      string
	Agent           string
	Model           string
	Tier            types.Tier
	ProjectedTokens int64
	// ProjectedCost overrides the price-table projection when > 0.
	ProjectedCost types.MicroUSD
}

// Decision is the outcome of Authorize. Reservation is set only when Allowed.
type Decision struct {
	Allowed     bool
	Reason      string
	Detail      string
	Projected   types.Usage
	Committed   types.Usage
	Reservation *Reservation
}

// Reservation holds projected spend until the call's budget entry is
// committed. Release must run after that commit, or when the call is abandoned.
type Reservation struct {
	ID         string
	WorkflowID string
	Agent      string
	Model      string
	Tier       types.Tier
	Projected  types.Usage

	guard *Guard
	once  sync.Once
	err   error
}

// Release drops the reservation. Safe to call more than once.
func (r *Reservation) Release(ctx context.Context) error {
	if r == nil {
		return nil
	}
	r.once.Do(func() {
		r.err = r.guard.release(ctx, r)
	})
	return r.err
}

// Guard 预算守卫
type Guard struct {
	store     persistence.Store
	ledger    Ledger
	config    Config
	estimator TokenEstimator
	alerts    *alertHub
	logger    *zap.Logger
	now       func() time.Time
}

// NewGuard creates a guard with an in-process ledger.
func NewGuard(store persistence.Store, config Config, logger *zap.Logger) *Guard {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.Pricing == nil {
		config.Pricing = DefaultPricing()
	}
	return &Guard{
		store:     store,
		ledger:    NewMemoryLedger(),
		config:    config,
		estimator: HeuristicEstimator{},
		alerts:    &alertHub{},
		logger:    logger.With(zap.String("component", "budget_guard")),
		now:       time.Now,
	}
}

// WithLedger replaces the reservation ledger, e.g. with a RedisLedger.
func (g *Guard) WithLedger(l Ledger) *Guard {
	g.ledger = l
	return g
}

// WithEstimator replaces the token estimator.
func (g *Guard) WithEstimator(e TokenEstimator) *Guard {
	g.estimator = e
	return g
}

// WithClock overrides the time source.
func (g *Guard) WithClock(now func() time.Time) *Guard {
	g.now = now
	return g
}

// WithStore returns a guard bound to another store view, typically a
// transaction. Ledger and alert handlers are shared.
func (g *Guard) WithStore(store persistence.Store) *Guard {
	c := *g
	c.store = store
	return &c
}

// Config returns the active configuration.
func (g *Guard) Config() Config { return g.config }

// Pricing returns the price table.
func (g *Guard) Pricing() Pricing { return g.config.Pricing }

// EstimateTokens projects the tokens a prompt will consume.
func (g *Guard) EstimateTokens(text string) int64 {
	return int64(g.estimator.Estimate(text))
}

func (g *Guard) project(req Request) types.Usage {
	tokens := req.ProjectedTokens
	if tokens <= 0 {
		tokens = g.config.DefaultProjectedTokens
	}
	cost := req.ProjectedCost
	if cost <= 0 {
		cost = g.config.Pricing.Projected(req.Model, tokens)
	}
	return types.Usage{TokensInput: tokens, Cost: cost}
}

func (g *Guard) monthlyEnabled() bool { return g.config.MaxMonthlyCostUSD > 0 }

// Authorize checks committed spend plus outstanding reservations plus the
// projection against every configured ceiling. An allowed decision holds a
// reservation that counts against later calls until released.
func (g *Guard) Authorize(ctx context.Context, req Request) (*Decision, error) {
	if req.WorkflowID == "" {
		return nil, types.NewInvalidRequestError("workflow id is required")
	}
	projected := g.project(req)

	unlock, err := g.lock(ctx, req.WorkflowID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	committed, err := g.store.SumBudget(ctx, req.WorkflowID)
	if err != nil {
		return nil, types.NewPersistenceError("sum budget", err)
	}
	reserved, err := g.ledger.Reserved(ctx, req.WorkflowID)
	if err != nil {
		return nil, types.NewPersistenceError("read reservations", err)
	}

	d := &Decision{Projected: projected, Committed: committed}
	deny := func(detail string) (*Decision, error) {
		d.Reason = string(types.FailureBudgetExceeded)
		d.Detail = detail
		g.logger.Warn("budget denied",
			zap.String("workflow_id", req.WorkflowID),
			zap.String("agent", req.Agent),
			zap.String("detail", detail),
			zap.Int64("committed_tokens", committed.Tokens()),
			zap.String("committed_cost", committed.Cost.String()),
			zap.String("projected_cost", projected.Cost.String()),
		)
		return d, nil
	}

	if limit := g.config.MaxTokensPerWorkflow; limit > 0 &&
		committed.Tokens()+reserved.Tokens()+projected.Tokens() > limit {
		return deny(DenyWorkflowTokens)
	}
	if limit := types.USD(g.config.MaxCostUSDPerWorkflow); limit > 0 &&
		committed.Cost+reserved.Cost+projected.Cost > limit {
		return deny(DenyWorkflowCost)
	}
	if g.monthlyEnabled() {
		month, err := g.store.SumBudgetSince(ctx, monthStart(g.now()))
		if err != nil {
			return nil, types.NewPersistenceError("sum monthly budget", err)
		}
		allReserved, err := g.ledger.Reserved(ctx, "")
		if err != nil {
			return nil, types.NewPersistenceError("read reservations", err)
		}
		if month.Cost+allReserved.Cost+projected.Cost > types.USD(g.config.MaxMonthlyCostUSD) {
			return deny(DenyMonthlyCost)
		}
	}

	res := &Reservation{
		ID:         uuid.NewString(),
		WorkflowID: req.WorkflowID,
		Agent:      req.Agent,
		Model:      req.Model,
		Tier:       req.Tier,
		Projected:  projected,
		guard:      g,
	}
	if err := g.ledger.Reserve(ctx, req.WorkflowID, res.ID, projected); err != nil {
		return nil, types.NewPersistenceError("reserve budget", err)
	}
	d.Allowed = true
	d.Reservation = res
	return d, nil
}

// lock takes the global key before the workflow key when the monthly ceiling
// is enabled, so lock order is the same everywhere.
func (g *Guard) lock(ctx context.Context, workflowID string) (func(), error) {
	var unlocks []func()
	release := func() {
		for i := len(unlocks) - 1; i >= 0; i-- {
			unlocks[i]()
		}
	}
	keys := []string{workflowID}
	if g.monthlyEnabled() {
		keys = []string{globalKey, workflowID}
	}
	for _, k := range keys {
		u, err := g.ledger.Lock(ctx, k)
		if err != nil {
			release()
			return nil, types.NewError(types.ErrTimeout, "budget ledger lock").WithCause(err).WithRetryable(true)
		}
		unlocks = append(unlocks, u)
	}
	return release, nil
}

func (g *Guard) release(ctx context.Context, r *Reservation) error {
	ctx = context.WithoutCancel(ctx)
	// 与 Authorize 互斥：避免其读取到「已释放但未计入」的中间状态
	unlock, err := g.lock(ctx, r.WorkflowID)
	if err != nil {
		return err
	}
	defer unlock()
	if err := g.ledger.Release(ctx, r.WorkflowID, r.ID); err != nil {
		return types.NewPersistenceError("release reservation", err)
	}
	return nil
}

// Record appends a budget entry for actual usage. It is the only way
// committed spend grows.
func (g *Guard) Record(ctx context.Context, e *types.BudgetEntry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = g.now().UTC()
	}
	if err := e.Validate(); err != nil {
		return types.NewInvalidRequestError("invalid budget entry").WithCause(err)
	}
	if err := g.store.AppendBudgetEntry(ctx, e); err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return types.NewNotFoundError("workflow", e.WorkflowID).WithCause(err)
		}
		return types.NewPersistenceError("record budget entry", err)
	}
	g.logger.Debug("budget recorded",
		zap.String("workflow_id", e.WorkflowID),
		zap.String("agent", e.Agent),
		zap.String("model", e.Model),
		zap.Int64("tokens_input", e.TokensInput),
		zap.Int64("tokens_output", e.TokensOutput),
		zap.String("cost", e.Cost.String()),
	)
	return nil
}

// Commit records the entry, then releases the reservation.
func (g *Guard) Commit(ctx context.Context, res *Reservation, e *types.BudgetEntry) error {
	if err := g.Record(ctx, e); err != nil {
		return err
	}
	return res.Release(ctx)
}

// Exceeded checks committed spend after a call has been recorded. It returns
// a denying decision when the workflow, or the month across workflows, is
// now past a ceiling, and nil otherwise. Reservations are not counted: the
// call's own reservation is still outstanding at this point.
func (g *Guard) Exceeded(ctx context.Context, workflowID string) (*Decision, error) {
	committed, err := g.store.SumBudget(ctx, workflowID)
	if err != nil {
		return nil, types.NewPersistenceError("sum budget", err)
	}
	d := &Decision{Reason: string(types.FailureBudgetExceeded), Committed: committed}
	switch {
	case g.config.MaxTokensPerWorkflow > 0 && committed.Tokens() > g.config.MaxTokensPerWorkflow:
		d.Detail = DenyWorkflowTokens
	case g.config.MaxCostUSDPerWorkflow > 0 && committed.Cost > types.USD(g.config.MaxCostUSDPerWorkflow):
		d.Detail = DenyWorkflowCost
	case g.monthlyEnabled():
		month, err := g.store.SumBudgetSince(ctx, monthStart(g.now()))
		if err != nil {
			return nil, types.NewPersistenceError("sum monthly budget", err)
		}
		if month.Cost > types.USD(g.config.MaxMonthlyCostUSD) {
			d.Detail = DenyMonthlyCost
		}
	}
	if d.Detail == "" {
		return nil, nil
	}
	g.logger.Warn("budget ceiling crossed by recorded spend",
		zap.String("workflow_id", workflowID),
		zap.String("detail", d.Detail),
		zap.Int64("committed_tokens", committed.Tokens()),
		zap.String("committed_cost", committed.Cost.String()),
	)
	return d, nil
}

// =============================================================================
// 告警
// =============================================================================

// AlertType names the limit an alert refers to.
type AlertType string

// Alert types.
const (
	AlertWorkflowTokens AlertType = "workflow_tokens"
	AlertWorkflowCost   AlertType = "workflow_cost"
)

// Alert 预算告警
type Alert struct {
	Type       AlertType `json:"type"`
	WorkflowID string    `json:"workflow_id"`
	Message    string    `json:"message"`
	Threshold  float64   `json:"threshold_pct"`
	Current    float64   `json:"current_pct"`
	Timestamp  time.Time `json:"timestamp"`
}

// AlertHandler 告警处理函数
type AlertHandler func(Alert)

type alertHub struct {
	mu       sync.RWMutex
	handlers []AlertHandler
}

// OnAlert 注册告警处理器
func (g *Guard) OnAlert(handler AlertHandler) {
	g.alerts.mu.Lock()
	defer g.alerts.mu.Unlock()
	g.alerts.handlers = append(g.alerts.handlers, handler)
}

// CheckAlerts returns the alert for a workflow whose usage reached the
// threshold, or nil. Handlers fire only when alreadyAlerted is false.
func (g *Guard) CheckAlerts(workflowID string, usage types.Usage, alreadyAlerted bool) *Alert {
	if alreadyAlerted || g.config.AlertThresholdPct <= 0 {
		return nil
	}
	typ, pct := g.usagePct(usage)
	if pct < g.config.AlertThresholdPct {
		return nil
	}
	alert := Alert{
		Type:       typ,
		WorkflowID: workflowID,
		Message:    fmt.Sprintf("workflow has used %.1f%% of its %s budget", pct, typ),
		Threshold:  g.config.AlertThresholdPct,
		Current:    pct,
		Timestamp:  g.now().UTC(),
	}
	g.fireAlert(alert)
	return &alert
}

func (g *Guard) usagePct(u types.Usage) (AlertType, float64) {
	var tokPct, costPct float64
	if limit := g.config.MaxTokensPerWorkflow; limit > 0 {
		tokPct = float64(u.Tokens()) / float64(limit) * 100
	}
	if limit := types.USD(g.config.MaxCostUSDPerWorkflow); limit > 0 {
		costPct = float64(u.Cost) / float64(limit) * 100
	}
	if tokPct > costPct {
		return AlertWorkflowTokens, tokPct
	}
	return AlertWorkflowCost, costPct
}

func (g *Guard) fireAlert(alert Alert) {
	g.logger.Warn("budget alert",
		zap.String("workflow_id", alert.WorkflowID),
		zap.String("type", string(alert.Type)),
		zap.Float64("threshold_pct", alert.Threshold),
		zap.Float64("current_pct", alert.Current),
	)

	g.alerts.mu.RLock()
	handlers := make([]AlertHandler, len(g.alerts.handlers))
	copy(handlers, g.alerts.handlers)
	g.alerts.mu.RUnlock()

	for _, h := range handlers {
		go h(alert)
	}
}

// =============================================================================
// 汇总
// =============================================================================

// Summary is the per-workflow budget report.
type Summary struct {
	WorkflowID      string                 `json:"workflow_id"`
	Total           types.Usage            `json:"total"`
	Entries         int                    `json:"entries"`
	ByAgent         map[string]types.Usage `json:"by_agent"`
	ByModel         map[string]types.Usage `json:"by_model"`
	Reserved        types.Usage            `json:"reserved"`
	MaxTokens       int64                  `json:"max_tokens"`
	MaxCost         types.MicroUSD         `json:"max_cost_usd"`
	RemainingTokens int64                  `json:"remaining_tokens"`
	RemainingCost   types.MicroUSD         `json:"remaining_cost_usd"`
	UsagePct        float64                `json:"usage_pct"`
	AtThreshold     bool                   `json:"at_threshold"`
}

// Summary aggregates every budget entry of a workflow.
func (g *Guard) Summary(ctx context.Context, workflowID string) (*Summary, error) {
	entries, err := g.store.ListBudgetEntries(ctx, workflowID)
	if err != nil {
		return nil, types.NewPersistenceError("list budget entries", err)
	}
	s := &Summary{
		WorkflowID: workflowID,
		Entries:    len(entries),
		ByAgent:    make(map[string]types.Usage),
		ByModel:    make(map[string]types.Usage),
		MaxTokens:  g.config.MaxTokensPerWorkflow,
		MaxCost:    types.USD(g.config.MaxCostUSDPerWorkflow),
	}
	for _, e := range entries {
		u := e.Usage()
		s.Total.Add(u)
		a := s.ByAgent[e.Agent]
		a.Add(u)
		s.ByAgent[e.Agent] = a
		m := s.ByModel[e.Model]
		m.Add(u)
		s.ByModel[e.Model] = m
	}
	if s.Reserved, err = g.ledger.Reserved(ctx, workflowID); err != nil {
		return nil, types.NewPersistenceError("read reservations", err)
	}
	if s.MaxTokens > 0 {
		s.RemainingTokens = max(s.MaxTokens-s.Total.Tokens(), 0)
	}
	if s.MaxCost > 0 {
		s.RemainingCost = max(s.MaxCost-s.Total.Cost, 0)
	}
	_, pct := g.usagePct(s.Total)
	s.UsagePct = math.Round(pct*100) / 100
	s.AtThreshold = g.config.AlertThresholdPct > 0 && pct >= g.config.AlertThresholdPct
	return s, nil
}

func monthStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}
