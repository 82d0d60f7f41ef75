package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 指标收集器
type Collector struct {
	// HTTP 指标
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	httpRequestSize     *prometheus.HistogramVec
	httpResponseSize    *prometheus.HistogramVec

	// 编排指标
	workflowsSubmitted *prometheus.CounterVec
	advanceOutcomes    *prometheus.CounterVec
	advanceDuration    *prometheus.HistogramVec
	gateEvaluations    *prometheus.CounterVec
	escalations        *prometheus.CounterVec
	leaseContention    prometheus.Counter

	// Agent 指标
	agentInvocations        *prometheus.CounterVec
	agentInvocationDuration *prometheus.HistogramVec
	tokensUsed              *prometheus.CounterVec
	costUSD                 *prometheus.CounterVec

	// 预算指标
	budgetDenials *prometheus.CounterVec

	// 缓存指标
	cacheHits   *prometheus.CounterVec
	cacheMisses *prometheus.CounterVec

	// 数据库指标
	dbConnectionsOpen *prometheus.GaugeVec
	dbConnectionsIdle *prometheus.GaugeVec
	dbQueryDuration   *prometheus.HistogramVec

	logger *zap.Logger
}

// NewCollector 创建指标收集器（注册到默认 Registry）
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	return NewCollectorWith(prometheus.DefaultRegisterer, namespace, logger)
}

// NewCollectorWith 创建注册到指定 Registerer 的指标收集器
func NewCollectorWith(reg prometheus.Registerer, namespace string, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	f := promauto.With(reg)
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	// HTTP 指标
	c.httpRequestsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	c.httpRequestDuration = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	c.httpRequestSize = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_size_bytes",
			Help:      "HTTP request size in bytes",
			Buckets:   prometheus.ExponentialBuckets(100, 10, 8),
		},
		[]string{"method", "path"},
	)

	c.httpResponseSize = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_response_size_bytes",
			Help:      "HTTP response size in bytes",
			Buckets:   prometheus.ExponentialBuckets(100, 10, 8),
		},
		[]string{"method", "path"},
	)

	// 编排指标
	c.workflowsSubmitted = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflows_submitted_total",
			Help:      "Total number of submitted workflows",
		},
		[]string{"type"},
	)

	c.advanceOutcomes = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "advance_outcomes_total",
			Help:      "Total number of advance calls by tier and outcome",
		},
		[]string{"tier", "outcome"},
	)

	c.advanceDuration = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "advance_duration_seconds",
			Help:      "Duration of one advance step in seconds",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 120, 300},
		},
		[]string{"tier"},
	)

	c.gateEvaluations = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gate_evaluations_total",
			Help:      "Total number of quality gate evaluations",
		},
		[]string{"gate", "status"},
	)

	c.escalations = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "escalations_total",
			Help:      "Total number of escalations to the deviation tier",
		},
		[]string{"from_tier"},
	)

	c.leaseContention = f.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lease_contention_total",
			Help:      "Total number of advance calls rejected because the workflow was leased",
		},
	)

	// Agent 指标
	c.agentInvocations = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_invocations_total",
			Help:      "Total number of agent invocations",
		},
		[]string{"tier", "agent", "status"},
	)

	c.agentInvocationDuration = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "agent_invocation_duration_seconds",
			Help:      "Agent invocation duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
		[]string{"tier", "agent"},
	)

	c.tokensUsed = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_used_total",
			Help:      "Total number of tokens used",
		},
		[]string{"tier", "model", "type"}, // type: input, output
	)

	c.costUSD = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cost_usd_total",
			Help:      "Total committed agent cost in USD",
		},
		[]string{"tier", "model"},
	)

	// 预算指标
	c.budgetDenials = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "budget_denials_total",
			Help:      "Total number of denied budget authorizations",
		},
		[]string{"detail"},
	)

	// 缓存指标
	c.cacheHits = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Total number of cache hits",
		},
		[]string{"cache_type"},
	)

	c.cacheMisses = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Total number of cache misses",
		},
		[]string{"cache_type"},
	)

	// 数据库指标
	c.dbConnectionsOpen = f.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_open",
			Help:      "Number of open database connections",
		},
		[]string{"database"},
	)

	c.dbConnectionsIdle = f.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_idle",
			Help:      "Number of idle database connections",
		},
		[]string{"database"},
	)

	c.dbQueryDuration = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "db_query_duration_seconds",
			Help:      "Database query duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"database", "operation"},
	)

	c.logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// =============================================================================
// 🎯 HTTP 指标记录
// =============================================================================

// RecordHTTPRequest 记录 HTTP 请求
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration, requestSize, responseSize int64) {
	c.httpRequestsTotal.WithLabelValues(method, path, statusCode(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	c.httpRequestSize.WithLabelValues(method, path).Observe(float64(requestSize))
	c.httpResponseSize.WithLabelValues(method, path).Observe(float64(responseSize))
}

// =============================================================================
// 🧭 编排指标记录
// =============================================================================

// RecordSubmitted 记录工作流提交
func (c *Collector) RecordSubmitted(workflowType string) {
	c.workflowsSubmitted.WithLabelValues(workflowType).Inc()
}

// RecordAdvance 记录一次 advance 的结果
func (c *Collector) RecordAdvance(tier, outcome string, duration time.Duration) {
	c.advanceOutcomes.WithLabelValues(tier, outcome).Inc()
	c.advanceDuration.WithLabelValues(tier).Observe(duration.Seconds())
}

// RecordGate 记录质量门评估
func (c *Collector) RecordGate(gate, status string) {
	c.gateEvaluations.WithLabelValues(gate, status).Inc()
}

// RecordEscalation 记录升级到 tier_0
func (c *Collector) RecordEscalation(fromTier string) {
	c.escalations.WithLabelValues(fromTier).Inc()
}

// RecordLeaseContention 记录租约冲突
func (c *Collector) RecordLeaseContention() {
	c.leaseContention.Inc()
}

// =============================================================================
// 🎭 Agent 与预算指标记录
// =============================================================================

// RecordAgentInvocation 记录 Agent 调用
func (c *Collector) RecordAgentInvocation(tier, agent, status string, duration time.Duration) {
	c.agentInvocations.WithLabelValues(tier, agent, status).Inc()
	c.agentInvocationDuration.WithLabelValues(tier, agent).Observe(duration.Seconds())
}

// RecordUsage 记录已提交的 Token 与成本
func (c *Collector) RecordUsage(tier, model string, tokensIn, tokensOut int64, costUSD float64) {
	c.tokensUsed.WithLabelValues(tier, model, "input").Add(float64(tokensIn))
	c.tokensUsed.WithLabelValues(tier, model, "output").Add(float64(tokensOut))
	c.costUSD.WithLabelValues(tier, model).Add(costUSD)
}

// RecordBudgetDenied 记录预算拒绝
func (c *Collector) RecordBudgetDenied(detail string) {
	c.budgetDenials.WithLabelValues(detail).Inc()
}

// =============================================================================
// 💾 缓存指标记录
// =============================================================================

// RecordCacheHit 记录缓存命中
func (c *Collector) RecordCacheHit(cacheType string) {
	c.cacheHits.WithLabelValues(cacheType).Inc()
}

// RecordCacheMiss 记录缓存未命中
func (c *Collector) RecordCacheMiss(cacheType string) {
	c.cacheMisses.WithLabelValues(cacheType).Inc()
}

// =============================================================================
// 🗄️ 数据库指标记录
// =============================================================================

// RecordDBConnections 记录数据库连接数
func (c *Collector) RecordDBConnections(database string, open, idle int) {
	c.dbConnectionsOpen.WithLabelValues(database).Set(float64(open))
	c.dbConnectionsIdle.WithLabelValues(database).Set(float64(idle))
}

// RecordDBQuery 记录数据库查询
func (c *Collector) RecordDBQuery(database, operation string, duration time.Duration) {
	c.dbQueryDuration.WithLabelValues(database, operation).Observe(duration.Seconds())
}

// =============================================================================
// 🔧 辅助函数
// =============================================================================

// statusCode 将 HTTP 状态码转换为字符串
func statusCode(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
