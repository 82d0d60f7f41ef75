package gate

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PipeLaneLabs/ordo-ai/types"
)

func TestBuiltinCriteria(t *testing.T) {
	ctx := context.Background()
	out := &types.AgentOutput{
		Score: score(0.75),
		Issues: []types.Issue{
			{Severity: types.SeverityWarning, Message: "long function"},
			{Severity: types.SeverityBlocking, Message: "sql injection"},
		},
		Files: []types.OutputFile{{Type: types.ArtifactCode, Path: "main.go"}},
	}
	in := Input{Output: out}

	ok, s, _, err := MinScore{Min: 0.7}.Check(ctx, in)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 0.75, *s)

	ok, _, msg, _ := MinScore{Min: 0.7}.Check(ctx, Input{Output: &types.AgentOutput{}})
	assert.False(t, ok)
	assert.Equal(t, "output has no score", msg)

	ok, _, msg, _ = NoBlockingIssues{}.Check(ctx, in)
	assert.False(t, ok)
	assert.Contains(t, msg, "sql injection")
	assert.NotContains(t, msg, "long function")

	ok, _, msg, _ = RequiredArtifacts{Types: []types.ArtifactType{types.ArtifactTest, types.ArtifactCode, types.ArtifactDocumentation}}.Check(ctx, in)
	assert.False(t, ok)
	assert.Equal(t, "missing artifacts: documentation, test", msg)

	ok, _, _, _ = RequiredArtifacts{Types: []types.ArtifactType{types.ArtifactCode}}.Check(ctx, in)
	assert.True(t, ok)
}

func TestCriterionNames(t *testing.T) {
	assert.Equal(t, "min_score", MinScore{}.Name())
	assert.Equal(t, "coverage", MinScore{Label: "coverage"}.Name())
	assert.Equal(t, "predicate", Func{}.Name())
	assert.True(t, NoBlockingIssues{}.Required())
	assert.False(t, NoBlockingIssues{Optional: true}.Required())
}

func TestFromConfig(t *testing.T) {
	no := false
	sets, err := FromConfig(map[string][]CriterionConfig{
		"tier_3": {
			{Name: "quality", Kind: KindMinScore, MinScore: 0.8},
			{Name: "lint", Kind: KindNoBlockingIssues, Required: &no},
		},
		"Bugfix/development": {
			{Name: "tests", Kind: KindRequiredArtifacts, ArtifactTypes: []string{"TEST", "code"}},
		},
	})
	require.NoError(t, err)

	require.Len(t, sets["tier_3"], 2)
	assert.True(t, sets["tier_3"][0].Required())
	assert.False(t, sets["tier_3"][1].Required())

	cs := sets.For("Bugfix", types.Tier4)
	require.Len(t, cs, 1)
	assert.Equal(t, []types.ArtifactType{types.ArtifactTest, types.ArtifactCode}, cs[0].(RequiredArtifacts).Types)
}

func TestFromConfig_Errors(t *testing.T) {
	tests := []struct {
		name string
		cfg  map[string][]CriterionConfig
		want string
	}{
		{"bad tier", map[string][]CriterionConfig{"tier_9": nil}, "unknown tier"},
		{"empty type", map[string][]CriterionConfig{"/tier_1": nil}, "empty workflow type"},
		{"bad kind", map[string][]CriterionConfig{"tier_1": {{Name: "x", Kind: "vibes"}}}, "unknown kind"},
		{"no artifact types", map[string][]CriterionConfig{"tier_1": {{Name: "x", Kind: KindRequiredArtifacts}}}, "artifact_types is empty"},
		{"bad artifact type", map[string][]CriterionConfig{"tier_1": {{Name: "x", Kind: KindRequiredArtifacts, ArtifactTypes: []string{"binary"}}}}, "unknown artifact type"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := FromConfig(tt.cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
