package plan

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const samplePlan = `
items:
  - id: auth
    component: identity
    command: ./rollout.sh auth
    estimated_duration: 10m
    complexity: 3
  - id: sessions
    depends_on: [auth]
    component: identity
  - id: checkout
    depends_on: [auth]
    component: payments
`

func TestParse_Sample(t *testing.T) {
	p, err := Parse([]byte(samplePlan))
	require.NoError(t, err)
	require.Len(t, p.Items, 3)

	auth := p.Items[0]
	assert.Equal(t, "auth", auth.ID)
	assert.Equal(t, "identity", auth.Component)
	assert.Equal(t, "./rollout.sh auth", auth.Command)
	assert.Equal(t, 10*time.Minute, auth.EstimatedDuration.Duration())
	assert.InDelta(t, 3.0, auth.Complexity, 1e-9)

	assert.Equal(t, []string{"auth"}, p.Items[1].DependsOn)
}

func TestComponents_DistinctFirstSeen(t *testing.T) {
	p, err := Parse([]byte(samplePlan))
	require.NoError(t, err)
	assert.Equal(t, []string{"identity", "payments"}, p.Components())
}

func TestValidate_Rejections(t *testing.T) {
	tests := []struct {
		name string
		plan Plan
	}{
		{"empty plan", Plan{}},
		{"empty id", Plan{Items: []Item{{ID: ""}}}},
		{"duplicate id", Plan{Items: []Item{{ID: "a"}, {ID: "a"}}}},
		{"self dependency", Plan{Items: []Item{{ID: "a", DependsOn: []string{"a"}}}}},
		{"negative complexity", Plan{Items: []Item{{ID: "a", Complexity: -1}}}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Error(t, tc.plan.Validate())
		})
	}
}

func TestParse_UnknownDependencyAllowed(t *testing.T) {
	// Unknown IDs are external dependencies; graph analysis treats them
	// as already satisfied.
	p, err := Parse([]byte("items:\n  - id: a\n    depends_on: [legacy-system]\n"))
	require.NoError(t, err)
	assert.Equal(t, []string{"legacy-system"}, p.Items[0].DependsOn)
}

func TestParse_Malformed(t *testing.T) {
	_, err := Parse([]byte("items: [not a mapping"))
	assert.Error(t, err)
}
