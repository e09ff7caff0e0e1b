package pipeline

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/behrlich/ffbcore/internal/coretypes"
)

const tauMax = 10.0

// S1 — Pass-through.
func TestPassThrough(t *testing.T) {
	got := Pipeline(3.5, false, 1.0, tauMax)
	assert.InDelta(t, 3.5, got, 1e-6)
}

// S2 — Clamp.
func TestClamp(t *testing.T) {
	assert.Equal(t, float32(10.0), Pipeline(25.0, false, 1.0, tauMax))
	assert.Equal(t, float32(-10.0), Pipeline(-25.0, false, 1.0, tauMax))
}

// S4 — Estop snap.
func TestEstopOverridesModulation(t *testing.T) {
	got := Pipeline(8.0, true, 0.7, tauMax)
	assert.Equal(t, float32(0.0), got)
}

// Property 1 — Clamp, for all finite tau_cmd and m_fault in [0,1].
func TestProperty_ClampBound(t *testing.T) {
	cmds := []float32{-1000, -10.0001, -10, -5, -0.0001, 0, 0.0001, 5, 10, 10.0001, 1000}
	mfaults := []float32{0, 0.01, 0.25, 0.5, 0.75, 0.99, 1.0}
	for _, cmd := range cmds {
		for _, mf := range mfaults {
			got := Pipeline(cmd, false, mf, tauMax)
			require.LessOrEqualf(t, math.Abs(float64(got)), float64(tauMax)+1e-6,
				"tauCmd=%v mFault=%v produced %v outside [-%v,%v]", cmd, mf, got, tauMax, tauMax)
		}
	}
}

// Property 2 — Estop override, for all inputs.
func TestProperty_EstopAlwaysZero(t *testing.T) {
	cmds := []float32{-1e6, -1, 0, 1, 1e6, float32(math.NaN()), float32(math.Inf(1))}
	mfaults := []float32{0, 0.5, 1.0}
	for _, cmd := range cmds {
		for _, mf := range mfaults {
			assert.Equal(t, float32(0.0), Pipeline(cmd, true, mf, tauMax))
		}
	}
}

// Property 3 — Monotone modulation: for fixed tau_cmd >= 0, pipeline is
// monotonically non-decreasing in m_fault.
func TestProperty_MonotoneInMFault(t *testing.T) {
	cmds := []float32{0, 0.5, 3.5, 9.999, 20}
	steps := []float32{0, 0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0}
	for _, cmd := range cmds {
		prev := float32(-1.0)
		for _, mf := range steps {
			got := Pipeline(cmd, false, mf, tauMax)
			require.GreaterOrEqualf(t, got, prev,
				"tau_safe decreased as m_fault increased: tauCmd=%v mFault=%v got=%v prev=%v", cmd, mf, got, prev)
			prev = got
		}
	}
}

// Property 4 — NaN/Inf rejection.
func TestProperty_NonFiniteRejected(t *testing.T) {
	bad := []float32{float32(math.NaN()), float32(math.Inf(1)), float32(math.Inf(-1))}
	for _, cmd := range bad {
		assert.Equal(t, float32(0.0), Pipeline(cmd, false, 1.0, tauMax))
		assert.Equal(t, float32(0.0), Pipeline(cmd, false, 0.5, tauMax))
	}
}

func TestRunUnpacksSafetyDecision(t *testing.T) {
	d := coretypes.SafetyDecision{MFault: 0.5, Estop: false}
	assert.InDelta(t, 5.0, Run(10.0, d, tauMax), 1e-6)

	d = coretypes.SafetyDecision{MFault: 0.5, Estop: true}
	assert.Equal(t, float32(0.0), Run(10.0, d, tauMax))
}
