// Package safety implements the authoritative fault state machine. It
// derives a SafetyDecision (soft-stop multiplier and estop flag) from a set
// of independently raised/cleared fault flags, and publishes that decision
// through a single atomic cell the RT loop reads every tick without ever
// taking a lock — the Go realization of spec.md §4.B's concurrency
// requirement, generalized from the teacher's atomic descriptor loads in
// internal/queue/runner.go#loadDescriptor.
//
// Raise is called from both the supervisor (external_estop) and the RT loop
// itself (device_io, rt_deadline_miss, sensor_stale, all tied to what the RT
// loop directly observes in its own tick per spec.md §4.E's "any step 3-6
// failure raises the matching fault before the next tick"). Since the RT
// path may call Raise, the entire raise table and decision cell are built
// from wait-free atomics only — no mutex, channel-as-mutex, or other
// blocking primitive is reachable from Raise, Clear, or ApplyRampStep.
package safety

import (
	"math/bits"
	"sync/atomic"
	"time"

	"github.com/behrlich/ffbcore/internal/coretypes"
)

// FlagPolicy describes how a single fault flag affects the state machine.
type FlagPolicy struct {
	// Sticky flags require supervisor-level re-validation to clear (e.g.
	// device_io after a Stall/Disconnected result), rather than a plain
	// Clear call.
	Sticky bool
	// EstopClass flags force SafetyDecision.Estop rather than starting a
	// ramp.
	EstopClass bool
}

// DefaultPolicies is the default per-flag policy table. sensor_stale
// defaults to ramp-class per spec.md §9's open question, not estop-class.
var DefaultPolicies = map[coretypes.FaultFlag]FlagPolicy{
	coretypes.FaultRTDeadlineMiss: {Sticky: false, EstopClass: false},
	coretypes.FaultDeviceIO:       {Sticky: true, EstopClass: false},
	coretypes.FaultSensorStale:    {Sticky: false, EstopClass: false},
	coretypes.FaultThermalPower:   {Sticky: true, EstopClass: false},
	coretypes.FaultExternalEstop:  {Sticky: false, EstopClass: true},
}

// numFlags bounds the fixed-size, indexable flag table. FaultFlag is a
// uint32 bitset; five categories are named by spec.md §3, leaving room to
// grow without reallocating the table.
const numFlags = 32

// Config configures a SafetyState's ramp and debounce behavior.
type Config struct {
	// NRampTicks is the number of RT ticks over which m_fault ramps from
	// 1.0 to 0.0 after a non-estop fault is raised. Default 50 (spec.md §8
	// worked example).
	NRampTicks uint32
	// DebounceWindow is the minimum duration all non-sticky faults must
	// remain clear before m_fault resets to 1.0.
	DebounceWindow time.Duration
	// Policies overrides DefaultPolicies; nil uses the default table.
	Policies map[coretypes.FaultFlag]FlagPolicy
}

// DefaultConfig returns the spec.md §8 worked-example configuration.
func DefaultConfig() Config {
	return Config{
		NRampTicks:     50,
		DebounceWindow: 100 * time.Millisecond,
		Policies:       DefaultPolicies,
	}
}

// raiseState is the immutable snapshot of one fault flag's active/cleared
// state. Updates replace the pointer atomically; readers never see a
// half-written value.
type raiseState struct {
	active      bool
	clearedAtNs int64 // meaningful only when !active
}

// SafetyState is the authoritative fault state machine. Raise and Clear may
// be called from either the supervisor or (for RT-observed faults) the RT
// loop itself; ApplyRampStep is called only by the RT loop once per tick
// (spec.md §4.E step 10: the RT loop is "the decrementing agent"). Snapshot
// is safe to call from the RT thread every tick. None of these methods
// blocks: the raise table is a fixed array of atomic pointers and the
// published decision is a single atomic pointer updated via CAS retry.
type SafetyState struct {
	cfg    Config
	raises [numFlags]atomic.Pointer[raiseState]

	decision atomic.Pointer[coretypes.SafetyDecision]
}

// New creates a SafetyState in the Nominal state.
func New(cfg Config) *SafetyState {
	if cfg.NRampTicks == 0 {
		cfg.NRampTicks = DefaultConfig().NRampTicks
	}
	if cfg.Policies == nil {
		cfg.Policies = DefaultPolicies
	}
	s := &SafetyState{cfg: cfg}
	nominal := coretypes.Nominal()
	s.decision.Store(&nominal)
	return s
}

func flagIndex(flag coretypes.FaultFlag) int {
	if flag == 0 {
		return -1
	}
	return bits.TrailingZeros32(uint32(flag))
}

func (s *SafetyState) policyFor(flag coretypes.FaultFlag) FlagPolicy {
	if p, ok := s.cfg.Policies[flag]; ok {
		return p
	}
	return FlagPolicy{}
}

// Raise idempotently sets a fault flag. Per its policy, it either starts
// (or continues) a soft-stop ramp or forces estop immediately. A re-raise
// of an already-active, already-ramping flag never resets its decrement
// progress (spec.md §4.B: "a re-raise never resets the decrement") because
// the decrement lives in SafetyDecision.MFault, not in the raise table.
func (s *SafetyState) Raise(flag coretypes.FaultFlag, src string) {
	idx := flagIndex(flag)
	if idx < 0 {
		return
	}
	s.raises[idx].Store(&raiseState{active: true})
	s.recompute()
}

// Clear clears a non-sticky, non-estop-class flag. Sticky flags (device_io,
// thermal_power by default) require ClearSticky after supervisor-level
// re-validation; estop requires ClearEstop with elevated authority.
func (s *SafetyState) Clear(flag coretypes.FaultFlag, src string, nowNs int64) bool {
	policy := s.policyFor(flag)
	if policy.EstopClass || policy.Sticky {
		return false
	}
	s.clearFlag(flag, nowNs)
	return true
}

// ClearSticky clears a sticky flag after the supervisor validates recovery
// (e.g. a successful device re-handshake).
func (s *SafetyState) ClearSticky(flag coretypes.FaultFlag, nowNs int64) {
	s.clearFlag(flag, nowNs)
}

func (s *SafetyState) clearFlag(flag coretypes.FaultFlag, nowNs int64) {
	idx := flagIndex(flag)
	if idx < 0 {
		return
	}
	prev := s.raises[idx].Load()
	if prev == nil || !prev.active {
		return
	}
	s.raises[idx].Store(&raiseState{active: false, clearedAtNs: nowNs})
	s.recompute()
}

// ClearEstop exits EStopped state. This is the only way out of estop and
// requires the caller to be the supervisor's elevated-authority path.
func (s *SafetyState) ClearEstop(nowNs int64) {
	s.clearFlag(coretypes.FaultExternalEstop, nowNs)
	// clearFlag's recompute publishes the decision with Estop cleared. If a
	// ramp-class flag is still active, MFault restarts at 1.0 and ramps
	// again; otherwise it holds at 0 until MaybeResetAfterDebounce restores
	// it once the debounce window has elapsed. The loop below only acts if
	// the decision still reports Estop after that recompute.
	for {
		prev := s.decision.Load()
		if prev == nil || !prev.Estop {
			return
		}
		next := coretypes.SafetyDecision{MFault: 1.0, Estop: false, Reasons: prev.Reasons &^ coretypes.FaultExternalEstop}
		if s.decision.CompareAndSwap(prev, &next) {
			return
		}
	}
}

// recompute derives and publishes the current SafetyDecision from the raise
// table. Wait-free: a bounded scan of a fixed-size array followed by a CAS
// retry loop, safe to call from the RT thread.
func (s *SafetyState) recompute() {
	for {
		var reasons coretypes.FaultFlag
		estop := false
		anyActiveNonEstop := false

		for idx := 0; idx < numFlags; idx++ {
			st := s.raises[idx].Load()
			if st == nil || !st.active {
				continue
			}
			flag := coretypes.FaultFlag(1) << uint(idx)
			reasons |= flag
			if s.policyFor(flag).EstopClass {
				estop = true
			} else {
				anyActiveNonEstop = true
			}
		}

		prev := s.decision.Load()
		mFault := float32(1.0)
		if prev != nil {
			mFault = prev.MFault
		}

		switch {
		case estop:
			mFault = 0
		case anyActiveNonEstop:
			// Ramp progress is driven by ApplyRampStep (the RT loop), not
			// here; recompute only ensures we don't reset to 1.0 while a
			// fault is active, except when transitioning freshly in from
			// Nominal/EStopped.
			if prev == nil || prev.Estop || prev.MFault >= 1.0 {
				mFault = 1.0
			}
		default:
			// No active faults: hold at the last ramped value until
			// MaybeResetAfterDebounce confirms the debounce window has
			// elapsed and resets it to 1.0 (spec.md §4.B).
		}

		next := &coretypes.SafetyDecision{MFault: mFault, Estop: estop, Reasons: reasons}
		if s.decision.CompareAndSwap(prev, next) {
			return
		}
	}
}

// ApplyRampStep is called once per RT tick by the RT loop itself (the
// "decrementing agent" of spec.md §4.E step 10) when the current decision
// indicates active ramping. It decrements m_fault by 1/N_ramp, floored at
// zero, and republishes the decision with release ordering. A remainder
// smaller than half a step is taken as zero, so float32 rounding cannot
// leave m_fault just above zero after N_ramp steps. Wait-free CAS retry
// loop: no lock is ever taken on this path.
func (s *SafetyState) ApplyRampStep() {
	step := float32(1.0) / float32(s.cfg.NRampTicks)
	for {
		prev := s.decision.Load()
		if prev == nil || prev.Estop || prev.MFault <= 0 || prev.Reasons == 0 {
			return
		}
		next := *prev
		next.MFault -= step
		if next.MFault < step/2 {
			next.MFault = 0
		}
		if s.decision.CompareAndSwap(prev, &next) {
			return
		}
	}
}

// Snapshot returns the current SafetyDecision. Lock-free: a single atomic
// pointer load, cheap enough to call every RT tick.
func (s *SafetyState) Snapshot() coretypes.SafetyDecision {
	d := s.decision.Load()
	if d == nil {
		return coretypes.Nominal()
	}
	return *d
}

// MaybeResetAfterDebounce checks whether no fault flag (sticky or not) is
// active and every cleared flag has been clear for at least the configured
// debounce window and, if so, resets m_fault to 1.0. Called periodically by the supervisor (not the RT loop)
// since it compares wall-clock timestamps rather than decrementing once per
// tick.
func (s *SafetyState) MaybeResetAfterDebounce(nowNs int64) {
	for idx := 0; idx < numFlags; idx++ {
		st := s.raises[idx].Load()
		if st == nil {
			continue
		}
		if st.active {
			return
		}
		if st.clearedAtNs == 0 {
			continue
		}
		if time.Duration(nowNs-st.clearedAtNs) < s.cfg.DebounceWindow {
			return
		}
	}
	for {
		prev := s.decision.Load()
		if prev == nil || prev.Estop || (prev.MFault == 1.0 && prev.Reasons == 0) {
			return
		}
		next := &coretypes.SafetyDecision{MFault: 1.0, Estop: false, Reasons: 0}
		if s.decision.CompareAndSwap(prev, next) {
			return
		}
	}
}
