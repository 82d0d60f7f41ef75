package gate

import (
	"errors"
	"fmt"
	"strings"

	"github.com/PipeLaneLabs/ordo-ai/types"
)

// Criterion kinds available from configuration.
const (
	KindMinScore          = "min_score"
	KindNoBlockingIssues  = "no_blocking_issues"
	KindRequiredArtifacts = "required_artifacts"
)

// CriterionConfig declares a built-in criterion in YAML.
type CriterionConfig struct {
	Name          string   `json:"name" yaml:"name"`
	Kind          string   `json:"kind" yaml:"kind"`
	Required      *bool    `json:"required,omitempty" yaml:"required,omitempty"`
	MinScore      float64  `json:"min_score,omitempty" yaml:"min_score,omitempty"`
	ArtifactTypes []string `json:"artifact_types,omitempty" yaml:"artifact_types,omitempty"`
}

// Build turns the declaration into a Criterion. Required defaults to true.
func (c CriterionConfig) Build() (Criterion, error) {
	optional := c.Required != nil && !*c.Required
	switch c.Kind {
	case KindMinScore:
		if c.MinScore < 0 {
			return nil, fmt.Errorf("criterion %q: min_score must be >= 0", c.Name)
		}
		return MinScore{Label: c.Name, Optional: optional, Min: c.MinScore}, nil
	case KindNoBlockingIssues:
		return NoBlockingIssues{Label: c.Name, Optional: optional}, nil
	case KindRequiredArtifacts:
		if len(c.ArtifactTypes) == 0 {
			return nil, fmt.Errorf("criterion %q: artifact_types is empty", c.Name)
		}
		ts := make([]types.ArtifactType, 0, len(c.ArtifactTypes))
		for _, s := range c.ArtifactTypes {
			t := types.ArtifactType(strings.ToLower(s))
			if !t.Valid() {
				return nil, fmt.Errorf("criterion %q: unknown artifact type %q", c.Name, s)
			}
			ts = append(ts, t)
		}
		return RequiredArtifacts{Label: c.Name, Optional: optional, Types: ts}, nil
	default:
		return nil, fmt.Errorf("criterion %q: unknown kind %q", c.Name, c.Kind)
	}
}

// Sets maps gate keys to criteria. A key is a tier ("tier_3") or a workflow
// type and tier ("bugfix/tier_3").
type Sets map[string][]Criterion

// Key builds a set key; an empty workflow type gives the tier-only key.
func Key(workflowType string, tier types.Tier) string {
	if workflowType == "" {
		return string(tier)
	}
	return workflowType + "/" + string(tier)
}

// For returns the criteria for a workflow type at a tier, preferring the
// type-specific set.
func (s Sets) For(workflowType string, tier types.Tier) []Criterion {
	if workflowType != "" {
		if cs, ok := s[Key(workflowType, tier)]; ok {
			return cs
		}
	}
	return s[Key("", tier)]
}

// FromConfig builds Sets from the `gates` configuration section.
func FromConfig(cfg map[string][]CriterionConfig) (Sets, error) {
	sets := make(Sets, len(cfg))
	var errs []error
	for rawKey, decls := range cfg {
		key, err := normalizeKey(rawKey)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		cs := make([]Criterion, 0, len(decls))
		for _, d := range decls {
			c, err := d.Build()
			if err != nil {
				errs = append(errs, fmt.Errorf("gate %s: %w", rawKey, err))
				continue
			}
			cs = append(cs, c)
		}
		sets[key] = cs
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return sets, nil
}

func normalizeKey(raw string) (string, error) {
	wfType, tierPart, hasType := strings.Cut(raw, "/")
	if !hasType {
		tierPart, wfType = raw, ""
	}
	tier, err := types.ParseTier(tierPart)
	if err != nil {
		return "", fmt.Errorf("gate key %q: %w", raw, err)
	}
	if hasType && wfType == "" {
		return "", fmt.Errorf("gate key %q: empty workflow type", raw)
	}
	return Key(wfType, tier), nil
}
