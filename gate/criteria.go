package gate

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/PipeLaneLabs/ordo-ai/types"
)

// Input is what a criterion inspects.
type Input struct {
	Workflow *types.Workflow
	Tier     types.Tier
	Output   *types.AgentOutput
}

// Criterion is one pluggable predicate over a tier's output.
type Criterion interface {
	Name() string
	Required() bool
	// Check returns whether the output satisfies the criterion. An error
	// counts as a failure of this criterion only.
	Check(ctx context.Context, in Input) (passed bool, score *float64, message string, err error)
}

// =============================================================================
// 内置判据
// =============================================================================

// MinScore passes when the agent's self-reported score is at least Min.
type MinScore struct {
	Label    string
	Optional bool
	Min      float64
}

func (c MinScore) Name() string   { return nameOr(c.Label, "min_score") }
func (c MinScore) Required() bool { return !c.Optional }

// Check implements Criterion.
func (c MinScore) Check(_ context.Context, in Input) (bool, *float64, string, error) {
	if in.Output == nil || in.Output.Score == nil {
		return false, nil, "output has no score", nil
	}
	score := *in.Output.Score
	if score < c.Min {
		return false, &score, fmt.Sprintf("score %.2f below minimum %.2f", score, c.Min), nil
	}
	return true, &score, "", nil
}

// NoBlockingIssues passes when no issue has blocking severity.
type NoBlockingIssues struct {
	Label    string
	Optional bool
}

func (c NoBlockingIssues) Name() string   { return nameOr(c.Label, "no_blocking_issues") }
func (c NoBlockingIssues) Required() bool { return !c.Optional }

// Check implements Criterion.
func (c NoBlockingIssues) Check(_ context.Context, in Input) (bool, *float64, string, error) {
	if in.Output == nil {
		return true, nil, "", nil
	}
	var blocking []string
	for _, issue := range in.Output.Issues {
		if issue.Severity == types.SeverityBlocking {
			blocking = append(blocking, issue.Message)
		}
	}
	if len(blocking) > 0 {
		return false, nil, fmt.Sprintf("%d blocking issue(s): %s", len(blocking), strings.Join(blocking, "; ")), nil
	}
	return true, nil, "", nil
}

// RequiredArtifacts passes when the output includes a file of every listed type.
type RequiredArtifacts struct {
	Label    string
	Optional bool
	Types    []types.ArtifactType
}

func (c RequiredArtifacts) Name() string   { return nameOr(c.Label, "required_artifacts") }
func (c RequiredArtifacts) Required() bool { return !c.Optional }

// Check implements Criterion.
func (c RequiredArtifacts) Check(_ context.Context, in Input) (bool, *float64, string, error) {
	have := make(map[types.ArtifactType]bool)
	if in.Output != nil {
		for _, f := range in.Output.Files {
			have[f.Type] = true
		}
	}
	var missing []string
	for _, t := range c.Types {
		if !have[t] {
			missing = append(missing, string(t))
		}
	}
	if len(missing) > 0 {
		slices.Sort(missing)
		return false, nil, "missing artifacts: " + strings.Join(missing, ", "), nil
	}
	return true, nil, "", nil
}

// Func adapts a function into a Criterion.
type Func struct {
	Label    string
	Optional bool
	Fn       func(ctx context.Context, in Input) (bool, string, error)
}

func (c Func) Name() string   { return nameOr(c.Label, "predicate") }
func (c Func) Required() bool { return !c.Optional }

// Check implements Criterion.
func (c Func) Check(ctx context.Context, in Input) (bool, *float64, string, error) {
	ok, msg, err := c.Fn(ctx, in)
	return ok, nil, msg, err
}

func nameOr(label, def string) string {
	if label != "" {
		return label
	}
	return def
}
