// Package pipeline implements the single safety-critical torque-command
// function: controller output plus the current safety decision produces a
// final, clamped torque in Newton-meters. It is a pure function — no I/O,
// no logging, no allocation — so it can run on the RT tick path and be
// tested exhaustively.
package pipeline

import (
	"math"

	"github.com/behrlich/ffbcore/internal/coretypes"
)

// Pipeline computes tau_safe from a controller-proposed torque, the current
// safety decision, and the single authoritative torque-clamp constant.
//
// Contract (spec.md §4.D, §8):
//   - estop forces exactly 0.0, regardless of m_fault.
//   - non-finite tauCmd is treated as fault-equivalent and returns 0.0; the
//     caller (an adapter, not this function) is responsible for raising the
//     matching fault. This function never panics and never propagates NaN.
//   - otherwise tau_mod = tau_cmd * m_fault, clamped to [-tauMax, +tauMax].
//   - tauMax is read once by the caller and passed in; it is never baked
//     into this function.
func Pipeline(tauCmd float32, estop bool, mFault float32, tauMax float32) float32 {
	if estop {
		return 0.0
	}
	if isNonFinite(tauCmd) {
		return 0.0
	}
	tauMod := tauCmd * mFault
	if tauMod > tauMax {
		return tauMax
	}
	if tauMod < -tauMax {
		return -tauMax
	}
	return tauMod
}

// Run is the coretypes.SafetyDecision-shaped entry point used by rtloop; it
// forwards to Pipeline with the decision's fields unpacked.
func Run(tauCmd float32, safety coretypes.SafetyDecision, tauMax float32) float32 {
	return Pipeline(tauCmd, safety.Estop, safety.MFault, tauMax)
}

func isNonFinite(f float32) bool {
	v := float64(f)
	return math.IsNaN(v) || math.IsInf(v, 0)
}
