package orchestrator

import "time"

// Metrics receives orchestration measurements. *metrics.Collector
// satisfies it.
type Metrics interface {
	RecordSubmitted(workflowType string)
	RecordAdvance(tier, outcome string, duration time.Duration)
	RecordGate(gate, status string)
	RecordEscalation(fromTier string)
	RecordLeaseContention()
	RecordAgentInvocation(tier, agent, status string, duration time.Duration)
	RecordUsage(tier, model string, tokensIn, tokensOut int64, costUSD float64)
	RecordBudgetDenied(detail string)
	RecordCacheHit(cacheType string)
	RecordCacheMiss(cacheType string)
}

type nopMetrics struct{}

func (nopMetrics) RecordSubmitted(string)                                      {}
func (nopMetrics) RecordAdvance(string, string, time.Duration)                 {}
func (nopMetrics) RecordGate(string, string)                                   {}
func (nopMetrics) RecordEscalation(string)                                     {}
func (nopMetrics) RecordLeaseContention()                                      {}
func (nopMetrics) RecordAgentInvocation(string, string, string, time.Duration) {}
func (nopMetrics) RecordUsage(string, string, int64, int64, float64)           {}
func (nopMetrics) RecordBudgetDenied(string)                                   {}
func (nopMetrics) RecordCacheHit(string)                                       {}
func (nopMetrics) RecordCacheMiss(string)                                      {}
