package types

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestParseTier(t *testing.T) {
	tests := []struct {
		in      string
		want    Tier
		wantErr bool
	}{
		{"tier_0", Tier0, false},
		{"TIER_3", Tier3, false},
		{"planning", Tier1, false},
		{" development ", Tier4, false},
		{"tier_6", TierNone, true},
		{"", TierNone, true},
	}
	for _, tt := range tests {
		got, err := ParseTier(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got)
	}
}

func TestTier_Next(t *testing.T) {
	next, ok := Tier1.Next()
	assert.True(t, ok)
	assert.Equal(t, Tier2, next)

	_, ok = Tier5.Next()
	assert.False(t, ok)

	_, ok = Tier0.Next()
	assert.False(t, ok, "deviation tier has no forward successor")
}

func TestTier_JSONNull(t *testing.T) {
	var w struct {
		T Tier `json:"t"`
	}
	data, err := json.Marshal(w)
	require.NoError(t, err)
	assert.JSONEq(t, `{"t":null}`, string(data))

	require.NoError(t, json.Unmarshal([]byte(`{"t":"tier_2"}`), &w))
	assert.Equal(t, Tier2, w.T)

	assert.Error(t, json.Unmarshal([]byte(`{"t":"tier_9"}`), &w))
}

// Any string that parses is one of the six tiers.
func TestParseTier_Property(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		s := rapid.String().Draw(rt, "s")
		tier, err := ParseTier(s)
		if err == nil && !tier.Valid() {
			rt.Fatalf("ParseTier(%q) returned invalid tier %q", s, tier)
		}
	})
}

func TestTierNext_Monotonic_Property(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("Next moves strictly forward", prop.ForAll(
		func(i int) bool {
			cur := ForwardTiers[i]
			next, ok := cur.Next()
			if !ok {
				return cur == Tier5
			}
			return next > cur && next.Valid()
		},
		gen.IntRange(0, len(ForwardTiers)-1),
	))

	properties.TestingRun(t)
}

func TestMicroUSD_Property(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		micros := rapid.Int64Range(-1_000_000_000, 1_000_000_000).Draw(rt, "micros")
		m := MicroUSD(micros)
		data, err := json.Marshal(m)
		if err != nil {
			rt.Fatal(err)
		}
		var back MicroUSD
		if err := json.Unmarshal(data, &back); err != nil {
			rt.Fatal(err)
		}
		if back != m {
			rt.Fatalf("round trip %d -> %s -> %d", m, data, back)
		}
	})
}

func TestMicroUSD_String(t *testing.T) {
	assert.Equal(t, "$0.600000", USD(0.60).String())
	assert.Equal(t, "-$1.000001", MicroUSD(-1_000_001).String())
	assert.Equal(t, USD(1.20), USD(0.60)+USD(0.60))
}

func TestWorkflow_Validate(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	w := &Workflow{ID: "wf", Status: StatusPending, StartedAt: start}
	require.NoError(t, w.Validate())

	w.Status = StatusRunning
	assert.Error(t, w.Validate(), "running without tier")

	w.CurrentTier = Tier1
	require.NoError(t, w.Validate())

	done := start.Add(time.Minute)
	w.CompletedAt = &done
	assert.Error(t, w.Validate(), "completed_at on running")

	w.MarkTerminal(StatusCompleted, start.Add(-time.Hour))
	require.NoError(t, w.Validate())
	assert.False(t, w.CompletedAt.Before(w.StartedAt))
}

func TestWorkflow_CloneIsDeep(t *testing.T) {
	w := &Workflow{ID: "wf", Status: StatusRunning, CurrentTier: Tier1}
	w.Metadata.AddRejection(Tier1)

	c := w.Clone()
	c.Metadata.AddRejection(Tier1)

	assert.Equal(t, 1, w.Metadata.RejectionsAt(Tier1))
	assert.Equal(t, 2, c.Metadata.RejectionsAt(Tier1))
}
