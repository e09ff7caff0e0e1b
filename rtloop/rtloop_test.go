package rtloop

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/behrlich/ffbcore/deviceport"
	"github.com/behrlich/ffbcore/internal/coretypes"
	"github.com/behrlich/ffbcore/internal/inputs"
	"github.com/behrlich/ffbcore/safety"
)

func constantController(tau float32) Controller {
	return func(coretypes.ControlInputs) float32 { return tau }
}

func newTestLoop(t *testing.T, controller Controller) (*RtLoop, *deviceport.Stub, *safety.SafetyState) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Period = 2 * time.Millisecond
	cfg.Sysrt.CPU = -1

	ss := safety.New(safety.DefaultConfig())
	ic := inputs.NewCell()
	loop := New(cfg, controller, ss, ic, nil, nil)

	dev := deviceport.NewStub(true)
	loop.AttachDevice(dev)
	return loop, dev, ss
}

// S1 — pass-through: a few nominal ticks deliver tau_cmd unmodified.
func TestPassThroughTicksWriteCommandedTorque(t *testing.T) {
	loop, dev, _ := newTestLoop(t, constantController(3.5))

	ctx, cancel := context.WithTimeout(context.Background(), 12*time.Millisecond)
	defer cancel()
	require.NoError(t, loop.Run(ctx))

	// The device's last torque is the shutdown zero, so check the torque the
	// first tick wrote, as recorded in its tick record.
	recs := make([]coretypes.TickRecord, loop.Records().Capacity())
	n, _ := loop.Records().Drain(recs)
	require.Greater(t, n, 0)
	assert.Equal(t, float32(3.5), recs[0].TauSafe)
	assert.Greater(t, dev.WriteCount(), uint64(0))
}

// S2 — clamp: a command above tau_max is clamped at the device.
func TestClampAppliedBeforeDeviceWrite(t *testing.T) {
	loop, _, _ := newTestLoop(t, constantController(25.0))

	ctx, cancel := context.WithTimeout(context.Background(), 8*time.Millisecond)
	defer cancel()
	require.NoError(t, loop.Run(ctx))

	recs := make([]coretypes.TickRecord, loop.Records().Capacity())
	n, _ := loop.Records().Drain(recs)
	require.Greater(t, n, 0)
	assert.Equal(t, float32(10.0), recs[0].TauSafe)
}

// S4 — estop snap: raising estop mid-run must zero torque within one tick,
// never an intermediate ramped value.
func TestEstopZeroesTorqueWithinOneTick(t *testing.T) {
	loop, dev, ss := newTestLoop(t, constantController(8.0))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	go func() {
		time.Sleep(4 * time.Millisecond)
		ss.Raise(coretypes.FaultExternalEstop, "test")
	}()

	require.NoError(t, loop.Run(ctx))
	assert.Equal(t, float32(0.0), dev.LastTorque())
	require.True(t, ss.Snapshot().Estop)

	// Every tick that read the estop decision must have written exactly 0.
	recs := make([]coretypes.TickRecord, loop.Records().Capacity())
	n, _ := loop.Records().Drain(recs)
	sawEstop := false
	for _, rec := range recs[:n] {
		if rec.Estop {
			sawEstop = true
			assert.Equal(t, float32(0.0), rec.TauSafe)
		}
	}
	assert.True(t, sawEstop, "expected at least one tick recorded under estop")
}

// Device write failure must raise device_io and skip the watchdog feed for
// that tick, without the loop blocking or panicking.
func TestDeviceStallRaisesFaultAndSkipsFeed(t *testing.T) {
	loop, dev, ss := newTestLoop(t, constantController(1.0))
	dev.FailNextWrite(coretypes.WriteStall)

	ctx, cancel := context.WithTimeout(context.Background(), 6*time.Millisecond)
	defer cancel()
	require.NoError(t, loop.Run(ctx))

	assert.True(t, ss.Snapshot().Reasons.Has(coretypes.FaultDeviceIO))
	// Writes are one per tick plus the shutdown zero; feeds follow every Ok
	// tick write, so the stalled tick and the shutdown write go unfed.
	assert.Equal(t, dev.WriteCount()-2, dev.HWFeedCount())
}

func TestHeartbeatAdvancesWhileRunning(t *testing.T) {
	loop, _, _ := newTestLoop(t, constantController(0))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	require.NoError(t, loop.Run(ctx))

	assert.Greater(t, loop.ReadHeartbeat(), int64(0))
}

func TestShutdownWritesZeroTorqueAndDisarmsWatchdog(t *testing.T) {
	loop, dev, _ := newTestLoop(t, constantController(4.0))
	loop.cfg.HWWatchdogTimeoutMs = 100 // armed at Run start, so the disarm is observable

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	require.NoError(t, loop.Run(ctx))

	assert.Equal(t, float32(0.0), dev.LastTorque())
	assert.False(t, dev.HWArmed())
}

// Property 7 (spec.md §8): the RT path must allocate nothing per tick once
// warmed up. Grounded on the teacher's pre-allocated I/O buffer discipline
// in internal/queue/runner.go, checked here with testing.AllocsPerRun rather
// than a hand-rolled runtime.MemStats diff.
func TestRunTickAllocatesNothing(t *testing.T) {
	loop, _, _ := newTestLoop(t, constantController(3.5))
	device := loop.device.Load()
	now := time.Now()

	for i := 0; i < 8; i++ {
		loop.runTick(uint64(i), now, device)
	}

	allocs := testing.AllocsPerRun(200, func() {
		loop.runTick(uint64(100), now, device)
	})
	assert.Equal(t, float64(0), allocs, "runTick must not allocate once warmed up")
}

// Crossing KMissThreshold must raise rt_deadline_miss; staying at or below it
// must not. Exercised directly against recordMiss since driving this through
// Run's wall-clock sleep would make the test slow and timing-flaky.
func TestMissCountCrossingThresholdRaisesDeadlineMissFault(t *testing.T) {
	loop, _, ss := newTestLoop(t, constantController(0))

	for i := 0; i < loop.cfg.KMissThreshold; i++ {
		loop.recordMiss(true)
	}
	assert.False(t, ss.Snapshot().Reasons.Has(coretypes.FaultRTDeadlineMiss),
		"missCount at threshold must not yet raise the fault")

	loop.recordMiss(true)
	assert.True(t, ss.Snapshot().Reasons.Has(coretypes.FaultRTDeadlineMiss),
		"missCount exceeding threshold must raise rt_deadline_miss")
}

func TestRequestShutdownStopsTheLoop(t *testing.T) {
	loop, _, _ := newTestLoop(t, constantController(0))

	done := make(chan error, 1)
	go func() { done <- loop.Run(context.Background()) }()

	time.Sleep(6 * time.Millisecond)
	loop.RequestShutdown()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(50 * time.Millisecond):
		t.Fatal("loop did not stop after RequestShutdown")
	}
}
