// Package rtloop implements the single real-time thread that drives torque
// output at a fixed period: absolute-deadline scheduling, the fixed 10-step
// per-tick sequence, and the hard prohibitions on the RT path (no
// allocation, no blocking locks, no unbounded iteration, no panics that
// escape the loop). It is the one package in this module allowed to call
// internal/sysrt and to hold the DevicePort, SafetyState, and Recorder
// together. Grounded on the teacher's queue.Runner.ioLoop: a single pinned
// goroutine looping until a shutdown flag is observed, reading hardware
// state through a narrow interface and converting every failure into a
// recorded, non-fatal outcome rather than a panic.
package rtloop

import (
	"context"
	"math"
	"sync/atomic"
	"time"

	"github.com/behrlich/ffbcore/internal/coretypes"
	"github.com/behrlich/ffbcore/internal/inputs"
	"github.com/behrlich/ffbcore/internal/interfaces"
	"github.com/behrlich/ffbcore/internal/sysrt"
	"github.com/behrlich/ffbcore/pipeline"
	"github.com/behrlich/ffbcore/recorder"
	"github.com/behrlich/ffbcore/safety"
)

// Controller computes a proposed torque command (Nm) from the current
// control inputs. Implementations must be bounded in execution time; the
// loop does not enforce this itself (spec.md §4.E step 4) beyond the
// deadline-miss accounting that a slow controller will eventually trigger.
type Controller func(coretypes.ControlInputs) float32

// Config holds the init-time, read-once configuration named in the external
// interface contract. All fields are read once at init; changing any of
// them requires restarting the loop.
type Config struct {
	Period             time.Duration
	TauMaxNm           float32
	KMissWindow        int
	KMissThreshold     int
	HeartbeatThreshold time.Duration
	RecorderCapacity   int

	// JitterTolerance is the wake-time slack (actual - deadline) allowed
	// before a tick counts as a deadline miss for the rolling window.
	JitterTolerance time.Duration

	// HWWatchdogTimeoutMs, if non-zero, is armed on the device at startup
	// and disarmed at shutdown. Zero means "no hardware watchdog
	// configured," even if the attached device supports one.
	HWWatchdogTimeoutMs uint32

	// Sysrt configures the startup RT preparation (memory lock, affinity,
	// priority). Zero value disables all of it.
	Sysrt sysrt.Options
}

// DefaultConfig mirrors the spec's worked example (period_us=1000,
// tau_max_nm=10.0).
func DefaultConfig() Config {
	return Config{
		Period:             time.Millisecond,
		TauMaxNm:           10.0,
		KMissWindow:        100,
		KMissThreshold:     5,
		HeartbeatThreshold: 2 * time.Millisecond,
		RecorderCapacity:   4096,
		JitterTolerance:    200 * time.Microsecond,
		Sysrt:              sysrt.Options{CPU: -1},
	}
}

// RtLoop is the real-time torque control loop. Construct with New, attach a
// device with AttachDevice, then call Run on a dedicated goroutine the
// caller has pinned with runtime.LockOSThread.
type RtLoop struct {
	cfg        Config
	controller Controller
	safety     *safety.SafetyState
	inputsCell *inputs.Cell
	recorder   *recorder.TickRing
	logger     interfaces.Logger
	observer   interfaces.Observer

	device atomic.Pointer[interfaces.DevicePort]

	heartbeatNs atomic.Int64
	shutdown    atomic.Bool

	seq       uint64
	missRing  []bool
	missHead  int
	missCount int
}

// New constructs an RtLoop. safetyState and inputsCell are shared with the
// supervisor; the loop reads them (Snapshot/Load), raises the faults it
// observes itself (sensor_stale, device_io, rt_deadline_miss), and calls
// ApplyRampStep, which per spec.md §4.B is the RT loop's own responsibility.
func New(cfg Config, controller Controller, safetyState *safety.SafetyState, inputsCell *inputs.Cell, logger interfaces.Logger, observer interfaces.Observer) *RtLoop {
	if cfg.Period <= 0 {
		cfg.Period = DefaultConfig().Period
	}
	if cfg.RecorderCapacity <= 0 {
		cfg.RecorderCapacity = DefaultConfig().RecorderCapacity
	}
	if cfg.KMissWindow <= 0 {
		cfg.KMissWindow = DefaultConfig().KMissWindow
	}
	return &RtLoop{
		cfg:        cfg,
		controller: controller,
		safety:     safetyState,
		inputsCell: inputsCell,
		recorder:   recorder.New[coretypes.TickRecord](cfg.RecorderCapacity),
		logger:     logger,
		observer:   observer,
		missRing:   make([]bool, cfg.KMissWindow),
	}
}

// AttachDevice binds the DevicePort the loop will exclusively own once Run
// starts (spec.md §4.F). Must be called before Run.
func (l *RtLoop) AttachDevice(port interfaces.DevicePort) {
	l.device.Store(&port)
}

// DetachDevice clears the attached device. Must only be called while the
// loop is not running.
func (l *RtLoop) DetachDevice() {
	l.device.Store(nil)
}

// Records returns the loop's recorder ring, for the supervisor's flush
// thread to drain.
func (l *RtLoop) Records() *recorder.TickRing { return l.recorder }

// ReadHeartbeat returns the last tick's timestamp, in nanoseconds since the
// Unix epoch (0 before the first tick). Acquire-paired with the RT
// thread's release store at the end of each tick.
func (l *RtLoop) ReadHeartbeat() int64 { return l.heartbeatNs.Load() }

// RequestShutdown sets the shutdown flag the loop checks once per tick. Safe
// to call from any goroutine.
func (l *RtLoop) RequestShutdown() { l.shutdown.Store(true) }

// Run executes the tick loop until RequestShutdown is called or ctx is
// canceled. The caller is responsible for calling runtime.LockOSThread
// before Run if OS-thread pinning is desired; Run itself only performs the
// memory-locking, CPU-affinity and scheduling-priority syscalls via
// internal/sysrt.
func (l *RtLoop) Run(ctx context.Context) error {
	sysrt.Prepare(l.cfg.Sysrt, l.logger)

	device := l.device.Load()
	if device != nil && l.cfg.HWWatchdogTimeoutMs > 0 && (*device).SupportsHWWatchdog() {
		_ = (*device).ArmHWWatchdog(l.cfg.HWWatchdogTimeoutMs)
	}

	t0 := time.Now()
	var tick uint64

	for {
		if l.shutdown.Load() {
			return l.shutdownSequence()
		}
		select {
		case <-ctx.Done():
			return l.shutdownSequence()
		default:
		}

		// Step 1: sleep to the absolute deadline for this tick.
		deadline := t0.Add(time.Duration(tick) * l.cfg.Period)
		if d := time.Until(deadline); d > 0 {
			timer := time.NewTimer(d)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return l.shutdownSequence()
			}
		}

		// Step 2: account jitter and rolling deadline misses.
		now := time.Now()
		jitter := now.Sub(deadline)
		missed := jitter > l.cfg.JitterTolerance || jitter > l.cfg.Period
		l.recordMiss(missed)
		if l.observer != nil && missed {
			l.observer.ObserveDeadlineMiss(jitter.Nanoseconds())
		}

		l.runTick(tick, now, device)

		tick++
	}
}

// runTick performs steps 3-10 of the per-tick sequence for a single tick.
func (l *RtLoop) runTick(tick uint64, now time.Time, device *interfaces.DevicePort) {
	// Step 3: atomically read the safety decision and latest inputs.
	decision := l.safety.Snapshot()
	in := l.inputsCell.Load()

	// Step 4: compute tau_cmd from the controller.
	tauCmd := l.controller(in)
	if isNonFinite(tauCmd) {
		l.safety.Raise(coretypes.FaultSensorStale, "rtloop:nonfinite-tau-cmd")
	}

	// Step 5: fault modulation, clamp, estop override.
	tauSafe := pipeline.Run(tauCmd, decision, l.cfg.TauMaxNm)

	// Step 6: write through the device port.
	var writeResult coretypes.WriteResult = coretypes.WriteDisconnected
	if device != nil {
		writeResult = (*device).WriteTorque(tauSafe)
	}
	if writeResult != coretypes.WriteOk {
		l.safety.Raise(coretypes.FaultDeviceIO, "rtloop:device-write")
	} else if device != nil && (*device).SupportsHWWatchdog() {
		// Step 7: feed the hardware watchdog only after an Ok write.
		_ = (*device).FeedHWWatchdog()
	}
	if l.observer != nil {
		l.observer.ObserveDeviceWrite(writeResult, 0)
	}

	l.seq++

	// Step 8: publish the tick record into the recorder.
	rec := coretypes.TickRecord{
		Seq:          l.seq,
		TimestampNs:  now.UnixNano(),
		InputIndex:   0,
		Faults:       decision.Reasons,
		DeviceResult: int32(writeResult),
		TauCmd:       tauCmd,
		TauSafe:      tauSafe,
		MFault:       decision.MFault,
		Estop:        decision.Estop,
	}
	l.recorder.Push(rec)
	if l.observer != nil {
		l.observer.ObserveTick(rec)
	}

	// Step 9: store the heartbeat with release ordering.
	l.heartbeatNs.Store(now.UnixNano())

	// Step 10: apply the ramp step if actively ramping. ApplyRampStep is a
	// no-op when estop is active or no non-estop fault is active.
	l.safety.ApplyRampStep()
}

// recordMiss updates the rolling deadline-miss window and, once
// missCount crosses KMissThreshold, raises rt_deadline_miss. Keeping the
// threshold check here (rather than in Run) makes the rolling-window
// behavior directly unit-testable without needing Run's wall-clock sleep.
func (l *RtLoop) recordMiss(missed bool) {
	prev := l.missRing[l.missHead]
	if prev {
		l.missCount--
	}
	l.missRing[l.missHead] = missed
	if missed {
		l.missCount++
	}
	l.missHead = (l.missHead + 1) % len(l.missRing)
	if l.missCount > l.cfg.KMissThreshold {
		l.safety.Raise(coretypes.FaultRTDeadlineMiss, "rtloop")
	}
}

// shutdownSequence performs the exit contract: zero-torque command, disarm
// the hardware watchdog, return.
func (l *RtLoop) shutdownSequence() error {
	device := l.device.Load()
	if device != nil {
		(*device).WriteTorque(0)
		if (*device).SupportsHWWatchdog() {
			_ = (*device).DisarmHWWatchdog()
		}
	}
	return nil
}

func isNonFinite(f float32) bool {
	v := float64(f)
	return math.IsNaN(v) || math.IsInf(v, 0)
}
