// Package interfaces provides internal interface definitions for ffbcore.
// These are separate from the public package interfaces to avoid circular
// imports between root-level wiring and the internal components that need
// to refer to them (deviceport, rtloop, supervisor).
package interfaces

import "github.com/behrlich/ffbcore/internal/coretypes"

// DevicePort is the capability surface a wheelbase/hardware implementation
// provides to the RT loop. WriteTorque must be non-blocking from the RT
// caller's perspective, or have a bounded worst-case duration documented by
// the implementation; implementations that cannot guarantee this must
// front themselves with a helper process using an SPSC buffer.
type DevicePort interface {
	WriteTorque(tauNm float32) coretypes.WriteResult
	SupportsHWWatchdog() bool
	ArmHWWatchdog(timeoutMs uint32) error
	FeedHWWatchdog() error
	DisarmHWWatchdog() error
	LastErrorCode() uint32
}

// Logger interface for optional leveled logging, implemented by
// internal/logging.Logger.
type Logger interface {
	Printf(format string, args ...interface{})
	Debugf(format string, args ...interface{})
}

// Observer interface for metrics collection on the RT loop. Implementations
// must be thread-safe; ObserveTick is called once per tick from the RT
// thread so it must be allocation-free and non-blocking.
type Observer interface {
	ObserveTick(record coretypes.TickRecord)
	ObserveDeadlineMiss(jitterNs int64)
	ObserveDeviceWrite(result coretypes.WriteResult, latencyNs uint64)
}
