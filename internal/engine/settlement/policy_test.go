// internal/engine/settlement/policy_test.go
package settlement

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReputationWeighted_Rate(t *testing.T) {
	policy := ReputationWeighted{Base: 0.30, Max: 0.50}

	assert.InDelta(t, 0.30, policy.Rate(0.0), 1e-9)
	assert.InDelta(t, 0.15, policy.Rate(0.5), 1e-9)
	assert.InDelta(t, 0.0, policy.Rate(1.0), 1e-9)
}

func TestReputationWeighted_LowerReputationSlashesMore(t *testing.T) {
	policy := ReputationWeighted{Base: 0.30, Max: 0.50}

	prev := policy.Rate(0.0)
	for rep := 0.1; rep <= 1.0; rep += 0.1 {
		rate := policy.Rate(rep)
		assert.LessOrEqual(t, rate, prev, "rate must not increase with reputation")
		prev = rate
	}
}

func TestReputationWeighted_Bounds(t *testing.T) {
	// An aggressive base still respects the cap, and out-of-range scores
	// are clamped before the formula applies.
	policy := ReputationWeighted{Base: 0.90, Max: 0.50}

	assert.InDelta(t, 0.50, policy.Rate(0.0), 1e-9)
	assert.InDelta(t, 0.50, policy.Rate(-3.0), 1e-9)
	assert.InDelta(t, 0.0, policy.Rate(7.0), 1e-9)

	for rep := 0.0; rep <= 1.0; rep += 0.05 {
		rate := policy.Rate(rep)
		assert.GreaterOrEqual(t, rate, 0.0)
		assert.LessOrEqual(t, rate, 0.50)
	}
}

func TestFlatRate(t *testing.T) {
	assert.InDelta(t, 0.30, FlatRate{Fraction: 0.30}.Rate(0.9), 1e-9)
	assert.InDelta(t, 0.0, FlatRate{Fraction: -1}.Rate(0.5), 1e-9)
	assert.InDelta(t, 1.0, FlatRate{Fraction: 2}.Rate(0.5), 1e-9)
}
