// Package deviceport implements interfaces.DevicePort adapters: an in-memory
// Stub for simulation and tests, a Serial transport for a real wheelbase
// speaking a line protocol over a UART, and a GPIOWatchdog decorator that
// adds a hardware watchdog toggled over a GPIO pin. Stub is grounded on the
// teacher's backend.Memory (backend/mem.go): a small synchronized struct
// standing in for hardware, used identically by both the library's own
// tests and a standalone cmd/ harness.
package deviceport

import (
	"sync"

	"github.com/behrlich/ffbcore/internal/coretypes"
	"github.com/behrlich/ffbcore/internal/interfaces"
)

var _ interfaces.DevicePort = (*Stub)(nil)

// Stub is an in-memory DevicePort for simulation and tests. It never fails
// unless explicitly told to via Fail* knobs, mirroring backend.Memory's role
// as the teacher's always-available reference backend.
type Stub struct {
	mu sync.Mutex

	lastTorque   float32
	writeCount   uint64
	failNext     coretypes.WriteResult
	lastErrCode  uint32
	hwWatchdog   bool
	hwArmed      bool
	hwTimeoutMs  uint32
	hwFeedCount  uint64
}

// NewStub creates a Stub. supportsHWWatchdog controls SupportsHWWatchdog's
// return value, letting tests exercise both hardware-watchdog-capable and
// incapable device configurations.
func NewStub(supportsHWWatchdog bool) *Stub {
	return &Stub{hwWatchdog: supportsHWWatchdog, failNext: coretypes.WriteOk}
}

// WriteTorque records the commanded torque and returns WriteOk unless a
// failure has been queued via FailNextWrite.
func (s *Stub) WriteTorque(tauNm float32) coretypes.WriteResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.writeCount++
	result := s.failNext
	s.failNext = coretypes.WriteOk
	if result == coretypes.WriteOk {
		s.lastTorque = tauNm
	} else {
		s.lastErrCode = uint32(result)
	}
	return result
}

// FailNextWrite queues a single WriteTorque call to return result instead of
// WriteOk, then resets to normal operation.
func (s *Stub) FailNextWrite(result coretypes.WriteResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = result
}

func (s *Stub) LastTorque() float32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastTorque
}

func (s *Stub) WriteCount() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeCount
}

func (s *Stub) SupportsHWWatchdog() bool { return s.hwWatchdog }

func (s *Stub) ArmHWWatchdog(timeoutMs uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hwArmed = true
	s.hwTimeoutMs = timeoutMs
	return nil
}

func (s *Stub) FeedHWWatchdog() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hwFeedCount++
	return nil
}

func (s *Stub) DisarmHWWatchdog() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hwArmed = false
	return nil
}

func (s *Stub) LastErrorCode() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErrCode
}

// HWArmed reports whether ArmHWWatchdog has been called without a matching
// DisarmHWWatchdog, for test assertions.
func (s *Stub) HWArmed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hwArmed
}

// HWFeedCount reports how many times FeedHWWatchdog has been called.
func (s *Stub) HWFeedCount() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hwFeedCount
}
