package testutil

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/PipeLaneLabs/ordo-ai/types"
)

// Step is one scripted invocation outcome.
type Step struct {
	Result *types.AgentResult
	Err    error
	// Delay is waited before returning, honoring ctx.
	Delay time.Duration
	// Block, when set, is waited on before returning, honoring ctx.
	Block <-chan struct{}
	// Entered, when set, is closed as the step begins.
	Entered chan<- struct{}
}

// Call records one invocation.
type Call struct {
	Tier       types.Tier
	WorkflowID string
	Phase      types.StepPhase
	HadOutput  bool
}

// ScriptedAgent replays queued steps per tier. When a tier's queue is empty
// it returns the default result.
type ScriptedAgent struct {
	mu      sync.Mutex
	scripts map[types.Tier][]Step
	def     func(tier types.Tier) *types.AgentResult
	calls   []Call
}

// NewScriptedAgent creates an agent whose default result passes any
// score-based gate at a small fixed cost.
func NewScriptedAgent() *ScriptedAgent {
	return &ScriptedAgent{
		scripts: make(map[types.Tier][]Step),
		def: func(tier types.Tier) *types.AgentResult {
			return Result(fmt.Sprintf("%s done", tier.Stage()), 1.0, 100, 50, types.USD(0.01))
		},
	}
}

// On queues steps for a tier.
func (a *ScriptedAgent) On(tier types.Tier, steps ...Step) *ScriptedAgent {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.scripts[tier] = append(a.scripts[tier], steps...)
	return a
}

// Default replaces the result returned when no step is queued.
func (a *ScriptedAgent) Default(fn func(tier types.Tier) *types.AgentResult) *ScriptedAgent {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.def = fn
	return a
}

// Invoke implements the orchestrator's Agent interface.
func (a *ScriptedAgent) Invoke(ctx context.Context, tier types.Tier, state *types.WorkflowState) (*types.AgentResult, error) {
	a.mu.Lock()
	a.calls = append(a.calls, Call{
		Tier:       tier,
		WorkflowID: state.Workflow.ID,
		Phase:      state.Phase,
		HadOutput:  state.LastOutput != nil,
	})
	var step Step
	if q := a.scripts[tier]; len(q) > 0 {
		step = q[0]
		a.scripts[tier] = q[1:]
	} else {
		step = Step{Result: a.def(tier)}
	}
	a.mu.Unlock()

	if step.Entered != nil {
		close(step.Entered)
	}
	if step.Block != nil {
		select {
		case <-step.Block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if step.Delay > 0 {
		t := time.NewTimer(step.Delay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if step.Err != nil {
		return nil, step.Err
	}
	if step.Result == nil {
		return nil, nil
	}
	r := *step.Result
	return &r, nil
}

// Calls returns every recorded invocation.
func (a *ScriptedAgent) Calls() []Call {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Call, len(a.calls))
	copy(out, a.calls)
	return out
}

// CallsAt counts invocations at one tier.
func (a *ScriptedAgent) CallsAt(tier types.Tier) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, c := range a.calls {
		if c.Tier == tier {
			n++
		}
	}
	return n
}

// Result builds an agent result with a score and usage.
func Result(summary string, score float64, tokensIn, tokensOut int64, cost types.MicroUSD) *types.AgentResult {
	return &types.AgentResult{
		Output:       types.AgentOutput{Summary: summary, Score: Float(score)},
		Model:        "gpt-4o-mini",
		TokensInput:  tokensIn,
		TokensOutput: tokensOut,
		Cost:         cost,
	}
}
