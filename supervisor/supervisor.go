// Package supervisor implements the non-real-time collaborator beside the
// RT loop: telemetry/input ingestion, emergency-stop injection, the
// heartbeat-deadline monitor, and the disk-flush thread that drains the
// recorder into framed segment files (spec.md §4.F). Nothing in this
// package runs on the RT path; all of its loops carry their own timeouts
// and must never back-pressure the RT thread. Goroutine coordination is
// grounded on the errgroup.Group fan-out/fan-in pattern seen in the
// retrieval pack's device-control code, generalized from a one-shot
// parallel send to a set of long-lived supervised loops that all stop
// together on first error or context cancellation.
package supervisor

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/sync/errgroup"

	"github.com/behrlich/ffbcore/internal/coretypes"
	"github.com/behrlich/ffbcore/internal/diskformat"
	"github.com/behrlich/ffbcore/internal/inputs"
	"github.com/behrlich/ffbcore/internal/interfaces"
	"github.com/behrlich/ffbcore/internal/logging"
	"github.com/behrlich/ffbcore/rtloop"
	"github.com/behrlich/ffbcore/safety"
)

// FaultCallback is invoked on the supervisor's own goroutine whenever a
// monitored fault transition is observed; the core only decides *that* a
// fault fired, the callback decides logging/user notification (spec.md
// §4.F).
type FaultCallback func(flag coretypes.FaultFlag)

// SegmentTrailer summarizes one flushed segment file, CBOR-encoded and
// appended after the segment's fixed-format record stream so offline
// tooling can sanity-check a segment without re-scanning every record.
type SegmentTrailer struct {
	SegmentIndex  uint64 `cbor:"segment_index"`
	RecordCount   int    `cbor:"record_count"`
	LostCount     int    `cbor:"lost_count"`
	FirstSeq      uint64 `cbor:"first_seq"`
	LastSeq       uint64 `cbor:"last_seq"`
	ClosedAtNs    int64  `cbor:"closed_at_ns"`
}

// Supervisor owns an RtLoop and the shared SafetyState/input cell it was
// constructed with. It is the sole writer of the input snapshot cell; it
// shares writes to SafetyDecision with the RT loop, which raises the faults
// it observes itself and applies the ramp step.
type Supervisor struct {
	cfg    Config
	loop   *rtloop.RtLoop
	safety *safety.SafetyState
	cell   *inputs.Cell
	logger *logging.Logger

	mu             sync.Mutex
	faultCallbacks []FaultCallback
	lastReasons    coretypes.FaultFlag

	segmentIndex uint64
}

// New constructs a Supervisor around an already-constructed RtLoop sharing
// the same SafetyState and input cell.
func New(cfg Config, loop *rtloop.RtLoop, safetyState *safety.SafetyState, cell *inputs.Cell, logger *logging.Logger) *Supervisor {
	if logger == nil {
		logger = logging.Default()
	}
	return &Supervisor{cfg: cfg, loop: loop, safety: safetyState, cell: cell, logger: logger}
}

// PublishInputs is the SPSC producer side of the input snapshot cell.
func (s *Supervisor) PublishInputs(snapshot coretypes.ControlInputs) {
	s.cell.Publish(snapshot)
}

// RequestEstop raises the estop-class fault, forcing torque to zero on the
// next RT tick.
func (s *Supervisor) RequestEstop() {
	s.safety.Raise(coretypes.FaultExternalEstop, "supervisor")
}

// ClearEstop is the only way out of EStopped state; it requires the
// supervisor's elevated authority per spec.md §4.B.
func (s *Supervisor) ClearEstop() {
	s.safety.ClearEstop(time.Now().UnixNano())
}

// OnFault registers a callback invoked whenever the supervisor observes a
// newly active fault flag it hadn't seen on the previous poll.
func (s *Supervisor) OnFault(cb FaultCallback) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faultCallbacks = append(s.faultCallbacks, cb)
}

// ReadHeartbeat returns the RT loop's last successful tick timestamp.
func (s *Supervisor) ReadHeartbeat() int64 { return s.loop.ReadHeartbeat() }

// DrainRecords bulk-copies published tick records into dst, returning the
// number copied and the number lost to overflow since the last drain.
func (s *Supervisor) DrainRecords(dst []coretypes.TickRecord) (copied int, lost int) {
	return s.loop.Records().Drain(dst)
}

// AttachDevice binds the DevicePort the RT loop will exclusively own.
func (s *Supervisor) AttachDevice(port interfaces.DevicePort) { s.loop.AttachDevice(port) }

// DetachDevice clears the attached device.
func (s *Supervisor) DetachDevice() { s.loop.DetachDevice() }

// Run starts the RT loop and all supervisor-side monitor/flush loops,
// returning when any of them returns (error or context cancellation) after
// stopping the rest.
func (s *Supervisor) Run(ctx context.Context) error {
	if err := os.MkdirAll(s.cfg.RecordDir, 0o755); err != nil {
		return fmt.Errorf("supervisor: create record dir: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := s.loop.Run(gctx)
		return err
	})
	g.Go(func() error { return s.heartbeatMonitor(gctx) })
	g.Go(func() error { return s.flushLoop(gctx) })
	g.Go(func() error { return s.debounceLoop(gctx) })
	g.Go(func() error { return s.faultPollLoop(gctx) })

	err := g.Wait()
	s.loop.RequestShutdown()
	return err
}

// heartbeatMonitor is independent of any hardware watchdog and must exist
// even when one is present (spec.md §4.F).
func (s *Supervisor) heartbeatMonitor(ctx context.Context) error {
	interval := time.Duration(s.cfg.HeartbeatThresholdNs) / 2
	if interval <= 0 {
		interval = time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	threshold := time.Duration(s.cfg.HeartbeatThresholdNs)
	started := time.Now()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			hb := s.loop.ReadHeartbeat()
			if hb == 0 {
				if time.Since(started) > threshold {
					s.logger.Warn("no heartbeat observed yet after threshold window", "threshold", threshold)
					s.RequestEstop()
				}
				continue
			}
			age := time.Since(time.Unix(0, hb))
			if age > threshold {
				s.logger.Error("RT heartbeat stale, requesting estop", "age", age, "threshold", threshold)
				s.RequestEstop()
			}
		}
	}
}

// debounceLoop periodically gives SafetyState a chance to reset m_fault to
// nominal once all non-sticky faults have been clear for the debounce
// window; this is wall-clock work the RT loop itself must not perform.
func (s *Supervisor) debounceLoop(ctx context.Context) error {
	window := time.Duration(s.cfg.DebounceWindowMs) * time.Millisecond
	if window <= 0 {
		window = 100 * time.Millisecond
	}
	ticker := time.NewTicker(window / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.safety.MaybeResetAfterDebounce(time.Now().UnixNano())
		}
	}
}

// faultPollLoop watches SafetyState.Snapshot for newly active reasons and
// fires registered FaultCallbacks. Polling (rather than a push channel) is
// deliberate: SafetyState's whole contract is a lock-free snapshot read, so
// the supervisor consumes it the same way the RT loop does.
func (s *Supervisor) faultPollLoop(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			reasons := s.safety.Snapshot().Reasons
			s.mu.Lock()
			newly := reasons &^ s.lastReasons
			s.lastReasons = reasons
			callbacks := append([]FaultCallback(nil), s.faultCallbacks...)
			s.mu.Unlock()

			if newly == 0 {
				continue
			}
			for _, flag := range []coretypes.FaultFlag{
				coretypes.FaultRTDeadlineMiss,
				coretypes.FaultDeviceIO,
				coretypes.FaultSensorStale,
				coretypes.FaultThermalPower,
				coretypes.FaultExternalEstop,
			} {
				if newly.Has(flag) {
					for _, cb := range callbacks {
						cb(flag)
					}
				}
			}
		}
	}
}

// flushLoop periodically drains the recorder ring into a framed segment
// file on disk: a diskformat header, the fixed-size records themselves,
// and a CBOR-encoded SegmentTrailer summary appended at the end.
func (s *Supervisor) flushLoop(ctx context.Context) error {
	interval := time.Duration(s.cfg.FlushIntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	scratch := make([]coretypes.TickRecord, 1024)
	for {
		select {
		case <-ctx.Done():
			s.flushOnce(scratch)
			return nil
		case <-ticker.C:
			s.flushOnce(scratch)
		}
	}
}

func (s *Supervisor) flushOnce(scratch []coretypes.TickRecord) {
	copied, lost := s.DrainRecords(scratch)
	if copied == 0 && lost == 0 {
		return
	}

	idx := s.nextSegmentIndex()
	path := filepath.Join(s.cfg.RecordDir, fmt.Sprintf("segment-%08d.ffbc", idx))
	f, err := os.Create(path)
	if err != nil {
		s.logger.Error("failed to create segment file", "path", path, "error", err)
		return
	}
	defer f.Close()

	if err := diskformat.WriteSegmentHeader(f, idx); err != nil {
		s.logger.Error("failed to write segment header", "path", path, "error", err)
		return
	}

	trailer := SegmentTrailer{SegmentIndex: idx, LostCount: lost, ClosedAtNs: time.Now().UnixNano()}
	for i := 0; i < copied; i++ {
		rec := scratch[i]
		if i == 0 {
			trailer.FirstSeq = rec.Seq
		}
		trailer.LastSeq = rec.Seq
		if err := diskformat.WriteRecord(f, rec); err != nil {
			s.logger.Error("failed to write record", "path", path, "error", err)
			return
		}
	}
	trailer.RecordCount = copied

	trailerBytes, err := cbor.Marshal(trailer)
	if err != nil {
		s.logger.Error("failed to encode segment trailer", "error", err)
		return
	}
	if _, err := f.Write(trailerBytes); err != nil {
		s.logger.Error("failed to write segment trailer", "path", path, "error", err)
		return
	}
	// A trailing 4-byte little-endian length lets a reader seek straight to
	// the trailer without needing to know the record count up front.
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(trailerBytes)))
	if _, err := f.Write(lenBuf[:]); err != nil {
		s.logger.Error("failed to write segment trailer length", "path", path, "error", err)
	}
}

func (s *Supervisor) nextSegmentIndex() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.segmentIndex
	s.segmentIndex++
	return idx
}
