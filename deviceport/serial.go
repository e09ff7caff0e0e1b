package deviceport

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/tarm/serial"

	"github.com/behrlich/ffbcore/internal/coretypes"
	"github.com/behrlich/ffbcore/internal/interfaces"
)

var _ interfaces.DevicePort = (*Serial)(nil)

// wireFrame is the fixed 5-byte line-protocol frame sent to a real
// wheelbase: a 1-byte command opcode followed by a little-endian f32
// payload, one frame per WriteTorque call. The watchdog feed/disarm
// opcodes carry a zero payload and arm carries its timeout (in ms, as an
// f32) in its own payload, keeping every frame the same fixed size, the same
// manual-byte-layout discipline diskformat uses for on-disk records.
const (
	opTorque       byte = 0x01
	opArmWatchdog  byte = 0x02
	opFeedWatchdog byte = 0x03
	opDisarm       byte = 0x04
)

const wireFrameSize = 1 + 4

// Serial is a DevicePort backed by a real wheelbase speaking the fixed-frame
// line protocol above over a UART. Grounded on the retrieval pack's
// tarm/serial usage: open once at construction, then Read/Write the *serial.Port
// directly with explicit byte framing (no reflection), matching this
// module's existing manual little-endian codec style.
type Serial struct {
	mu   sync.Mutex
	port *serial.Port

	supportsHWWatchdog bool
	lastErrCode        uint32
}

// SerialConfig configures the underlying UART connection.
type SerialConfig struct {
	Name               string
	Baud               int
	ReadTimeout        time.Duration
	SupportsHWWatchdog bool
}

// OpenSerial opens the named serial port and returns a ready Serial
// DevicePort.
func OpenSerial(cfg SerialConfig) (*Serial, error) {
	sc := &serial.Config{
		Name:        cfg.Name,
		Baud:        cfg.Baud,
		ReadTimeout: cfg.ReadTimeout,
	}
	port, err := serial.OpenPort(sc)
	if err != nil {
		return nil, fmt.Errorf("deviceport: open serial port %s: %w", cfg.Name, err)
	}
	return &Serial{port: port, supportsHWWatchdog: cfg.SupportsHWWatchdog}, nil
}

func (s *Serial) writeFrame(op byte, payload float32) error {
	var buf [wireFrameSize]byte
	buf[0] = op
	binary.LittleEndian.PutUint32(buf[1:5], math.Float32bits(payload))
	_, err := s.port.Write(buf[:])
	return err
}

// WriteTorque sends the commanded torque as a single fixed-size frame. Any
// write error is reported as WriteDisconnected, since a UART write failure
// on this transport almost always means the cable or device is gone; the
// caller's fault-raising adapter is responsible for mapping this into the
// safety state machine (spec.md §4.D).
func (s *Serial) WriteTorque(tauNm float32) coretypes.WriteResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.writeFrame(opTorque, tauNm); err != nil {
		s.lastErrCode = 1
		return coretypes.WriteDisconnected
	}
	return coretypes.WriteOk
}

func (s *Serial) SupportsHWWatchdog() bool { return s.supportsHWWatchdog }

func (s *Serial) ArmHWWatchdog(timeoutMs uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeFrame(opArmWatchdog, float32(timeoutMs))
}

func (s *Serial) FeedHWWatchdog() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeFrame(opFeedWatchdog, 0)
}

func (s *Serial) DisarmHWWatchdog() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeFrame(opDisarm, 0)
}

func (s *Serial) LastErrorCode() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErrCode
}

// Close releases the underlying serial port. The caller must only call
// Close after the owning RtLoop has fully stopped (RequestShutdown, then
// wait for Run to return, or let ctx cancellation drive the same sequence)
// — never while a tick could still be in flight. RtLoop's single-owner
// contract for an attached DevicePort (spec.md §4.F) means WriteTorque and
// friends are never called concurrently with Close in the intended
// lifecycle; the mutex here exists to serialize LastErrorCode reads from a
// diagnostics goroutine against the RT tick's writes, not to make
// concurrent-with-a-live-tick Close calls safe.
func (s *Serial) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port.Close()
}
