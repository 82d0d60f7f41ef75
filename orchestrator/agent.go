package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/PipeLaneLabs/ordo-ai/types"
)

// Agent runs one tier step. Implementations are external collaborators;
// the orchestrator treats Invoke as a slow call that may fail.
type Agent interface {
	Invoke(ctx context.Context, tier types.Tier, state *types.WorkflowState) (*types.AgentResult, error)
}

// AgentFunc adapts a function to Agent.
type AgentFunc func(ctx context.Context, tier types.Tier, state *types.WorkflowState) (*types.AgentResult, error)

// Invoke implements Agent.
func (f AgentFunc) Invoke(ctx context.Context, tier types.Tier, state *types.WorkflowState) (*types.AgentResult, error) {
	return f(ctx, tier, state)
}

// AgentError reports a failed invocation. Errors that are not an
// AgentError are treated as retryable.
type AgentError struct {
	Agent     string
	Message   string
	Retryable bool
	Cause     error
}

func (e *AgentError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("agent %s: %s: %v", e.Agent, e.Message, e.Cause)
	}
	return fmt.Sprintf("agent %s: %s", e.Agent, e.Message)
}

func (e *AgentError) Unwrap() error { return e.Cause }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &AgentError{Message: "permanent failure", Cause: err}
}

func retryable(err error) bool {
	var ae *AgentError
	if errors.As(err, &ae) {
		return ae.Retryable
	}
	return true
}

// =============================================================================
// Tier → Agent 映射
// =============================================================================

// Binding assigns an agent to a tier.
type Binding struct {
	Tier  types.Tier
	Name  string
	Model string
	// ProjectedTokens feeds budget authorization; 0 uses the guard default.
	ProjectedTokens int64
	// Timeout bounds one invocation; 0 means no per-call deadline.
	Timeout time.Duration
	Agent   Agent
}

// Agents is the explicit tier to agent mapping injected at construction.
type Agents struct {
	bindings map[types.Tier]Binding
}

// NewAgents validates and indexes bindings. Every tier may be bound once.
func NewAgents(bindings ...Binding) (*Agents, error) {
	a := &Agents{bindings: make(map[types.Tier]Binding, len(bindings))}
	var errs []error
	for _, b := range bindings {
		switch {
		case !b.Tier.Valid():
			errs = append(errs, fmt.Errorf("binding %q: unknown tier %q", b.Name, b.Tier))
			continue
		case b.Agent == nil:
			errs = append(errs, fmt.Errorf("binding for %s has no agent", b.Tier))
			continue
		case b.ProjectedTokens < 0:
			errs = append(errs, fmt.Errorf("binding for %s: projected_tokens must be >= 0", b.Tier))
			continue
		}
		if _, dup := a.bindings[b.Tier]; dup {
			errs = append(errs, fmt.Errorf("tier %s bound more than once", b.Tier))
			continue
		}
		if b.Name == "" {
			b.Name = b.Tier.Stage()
		}
		a.bindings[b.Tier] = b
	}
	if err := errors.Join(errs...); err != nil {
		return nil, types.NewInvalidRequestError("invalid agent bindings").WithCause(err)
	}
	return a, nil
}

// For returns the binding of a tier.
func (a *Agents) For(tier types.Tier) (Binding, error) {
	b, ok := a.bindings[tier]
	if !ok {
		return Binding{}, types.Errorf(types.ErrNoAgentForTier, "no agent configured for %s", tier)
	}
	return b, nil
}

// Name returns the agent name bound to a tier, or "" when unbound.
func (a *Agents) Name(tier types.Tier) string {
	return a.bindings[tier].Name
}

// Tiers lists the bound tiers in order.
func (a *Agents) Tiers() []types.Tier {
	out := make([]types.Tier, 0, len(a.bindings))
	for t := range a.bindings {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
