// Package ffbcore implements the force-feedback control core: a fixed-period
// real-time torque loop, a fault-driven safety state machine, and a
// supervisor that feeds it telemetry and drains its flight recorder to disk.
package ffbcore

import (
	"context"
	"time"

	"github.com/behrlich/ffbcore/internal/coretypes"
	"github.com/behrlich/ffbcore/internal/inputs"
	"github.com/behrlich/ffbcore/internal/interfaces"
	"github.com/behrlich/ffbcore/internal/logging"
	"github.com/behrlich/ffbcore/rtloop"
	"github.com/behrlich/ffbcore/safety"
	"github.com/behrlich/ffbcore/supervisor"
)

// EngineParams contains parameters for creating an Engine. Config is the
// single TOML-shaped configuration (supervisor.LoadConfig's return type);
// the RT loop's and safety state machine's configs are derived from it so a
// deployment only maintains one file.
type EngineParams struct {
	// Controller computes tau_cmd from the current control inputs. Required.
	Controller rtloop.Controller

	// Device is the hardware port the RT loop will exclusively own. May be
	// attached later via Engine.AttachDevice instead.
	Device interfaces.DevicePort

	Config supervisor.Config
}

// DefaultParams returns default engine parameters around the given
// controller, mirroring the spec's worked-example defaults end to end.
func DefaultParams(controller rtloop.Controller) EngineParams {
	return EngineParams{
		Controller: controller,
		Config:     supervisor.DefaultConfig(),
	}
}

// Options contains additional options for engine creation.
type Options struct {
	// Context is not read by New or Run; cancellation is controlled by the
	// ctx passed to Run (context.Background() if that is nil).
	Context context.Context

	// Logger for debug/info messages (if nil, uses the package default)
	Logger *logging.Logger

	// Observer for metrics collection (if nil, uses a MetricsObserver
	// wrapping a fresh Metrics instance)
	Observer interfaces.Observer
}

// Engine wires together the RT loop and its supervisor around one shared
// SafetyState and input cell. It is the main entry point for running the
// force-feedback control core.
type Engine struct {
	loop       *rtloop.RtLoop
	supervisor *supervisor.Supervisor
	safety     *safety.SafetyState
	cell       *inputs.Cell
	metrics    *Metrics
	observer   interfaces.Observer

	ctx    context.Context
	cancel context.CancelFunc

	runErrCh chan error
	started  bool
}

// New constructs an Engine from EngineParams. Call Run to start the RT loop
// and its supervisor; Run blocks until the context is canceled, Shutdown is
// called, or an unrecoverable error occurs.
//
// Example:
//
//	params := ffbcore.DefaultParams(myController)
//	params.Device = deviceport.NewStub(false)
//	engine, err := ffbcore.New(params, nil)
func New(params EngineParams, options *Options) (*Engine, error) {
	if params.Controller == nil {
		return nil, NewError("new_engine", CodeInitFailed, "controller is required")
	}
	if options == nil {
		options = &Options{}
	}

	logger := options.Logger
	if logger == nil {
		logger = logging.Default()
	}

	metrics := NewMetrics()
	var observer interfaces.Observer = NewMetricsObserver(metrics)
	if options.Observer != nil {
		observer = options.Observer
	}

	safetyState := safety.New(params.Config.SafetyConfig())
	cell := inputs.NewCell()

	loop := rtloop.New(params.Config.RtLoopConfig(), params.Controller, safetyState, cell, logger, observer)
	if params.Device != nil {
		loop.AttachDevice(params.Device)
	}

	sup := supervisor.New(params.Config, loop, safetyState, cell, logger)

	return &Engine{
		loop:       loop,
		supervisor: sup,
		safety:     safetyState,
		cell:       cell,
		metrics:    metrics,
		observer:   observer,
	}, nil
}

// Run starts the RT loop and the supervisor's monitor/flush loops, blocking
// until the context is canceled, Shutdown is called, or an unrecoverable
// error occurs.
func (e *Engine) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	e.ctx, e.cancel = context.WithCancel(ctx)
	e.started = true
	defer e.metrics.Stop()
	return e.supervisor.Run(e.ctx)
}

// Shutdown requests the engine stop at the next tick boundary and cancels
// its context. Safe to call from any goroutine, at most once meaningfully.
func (e *Engine) Shutdown() {
	e.loop.RequestShutdown()
	if e.cancel != nil {
		e.cancel()
	}
}

// PublishInputs is the supervisor-side producer for the RT loop's per-tick
// input snapshot.
func (e *Engine) PublishInputs(snapshot coretypes.ControlInputs) {
	e.supervisor.PublishInputs(snapshot)
}

// RequestEstop forces torque to zero on the next RT tick.
func (e *Engine) RequestEstop() { e.supervisor.RequestEstop() }

// ClearEstop exits EStopped state.
func (e *Engine) ClearEstop() { e.supervisor.ClearEstop() }

// OnFault registers a callback invoked whenever a new fault flag becomes
// active.
func (e *Engine) OnFault(cb supervisor.FaultCallback) { e.supervisor.OnFault(cb) }

// ReadHeartbeat returns the RT loop's last successful tick timestamp, in
// nanoseconds since the Unix epoch.
func (e *Engine) ReadHeartbeat() int64 { return e.supervisor.ReadHeartbeat() }

// HeartbeatAge returns how long it has been since the last successful tick.
func (e *Engine) HeartbeatAge() time.Duration {
	hb := e.ReadHeartbeat()
	if hb == 0 {
		return 0
	}
	return time.Since(time.Unix(0, hb))
}

// DrainRecords bulk-copies published tick records into dst, returning the
// number copied and the number lost to overflow since the last drain.
func (e *Engine) DrainRecords(dst []coretypes.TickRecord) (copied int, lost int) {
	return e.supervisor.DrainRecords(dst)
}

// AttachDevice binds the DevicePort the RT loop will exclusively own. Must
// be called before Run, or while the loop is stopped.
func (e *Engine) AttachDevice(port interfaces.DevicePort) { e.supervisor.AttachDevice(port) }

// DetachDevice clears the attached device.
func (e *Engine) DetachDevice() { e.supervisor.DetachDevice() }

// Metrics returns the engine's metrics collector. It is never nil, but it is
// only fed by the RT loop when no custom Observer was supplied at
// construction; with a custom Observer its counters stay at zero.
func (e *Engine) Metrics() *Metrics { return e.metrics }

// MetricsSnapshot returns a point-in-time snapshot of engine metrics.
func (e *Engine) MetricsSnapshot() MetricsSnapshot {
	if e.metrics == nil {
		return MetricsSnapshot{}
	}
	return e.metrics.Snapshot()
}

// SafetySnapshot returns the current authoritative safety decision.
func (e *Engine) SafetySnapshot() coretypes.SafetyDecision { return e.safety.Snapshot() }

// EngineState represents the current lifecycle state of an Engine.
type EngineState string

const (
	EngineStateCreated EngineState = "created"
	EngineStateRunning EngineState = "running"
	EngineStateStopped EngineState = "stopped"
)

// State returns the current state of the engine.
func (e *Engine) State() EngineState {
	if e == nil || !e.started {
		return EngineStateCreated
	}
	if e.ctx != nil {
		select {
		case <-e.ctx.Done():
			return EngineStateStopped
		default:
			return EngineStateRunning
		}
	}
	return EngineStateRunning
}

// IsRunning returns true if the engine is currently running its RT loop.
func (e *Engine) IsRunning() bool { return e.State() == EngineStateRunning }
