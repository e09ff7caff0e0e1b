// Package sysrt performs the startup-time real-time preparation the RT loop
// needs before its first tick (spec.md §4.E "Startup"): locking the process's
// memory to avoid page-fault jitter, pinning the RT goroutine to a single OS
// thread and (optionally) a single CPU, and raising its scheduling priority.
// Every step here is best-effort: on a developer laptop or CI container none
// of this is permitted, and the loop must still run (at reduced jitter
// guarantees) rather than fail to start. This generalizes the teacher's
// runtime.LockOSThread + unix.SchedSetaffinity pairing in
// internal/queue/runner.go#ioLoop, adding unix.Mlockall and a scheduling
// policy bump which the teacher's ublk driver thread did not need.
package sysrt

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/behrlich/ffbcore/internal/interfaces"
)

// Options configures which RT preparations Prepare attempts.
type Options struct {
	// LockMemory calls mlockall(MCL_CURRENT|MCL_FUTURE) to prevent page
	// faults from the heap or stack touching disk mid-tick.
	LockMemory bool
	// CPU, if >= 0, pins the calling OS thread to this single CPU.
	CPU int
	// Priority, if non-zero, is the SCHED_FIFO priority to request (1-99).
	// 0 means "don't touch the scheduling policy."
	Priority int
}

// Result records which preparations actually succeeded, for logging and for
// tests that run unprivileged.
type Result struct {
	MemoryLocked   bool
	AffinityPinned bool
	PriorityRaised bool
	Warnings       []string
}

// Prepare performs the requested RT preparations on the calling OS thread.
// The caller must have already called runtime.LockOSThread — Prepare does
// not do so itself, since the pin must happen on the exact goroutine that
// will run the tick loop and stay there for its lifetime.
func Prepare(opts Options, logger interfaces.Logger) Result {
	var res Result

	if opts.LockMemory {
		if err := unix.Mlockall(unix.MCL_CURRENT | unix.MCL_FUTURE); err != nil {
			res.Warnings = append(res.Warnings, fmt.Sprintf("mlockall failed: %v", err))
			logIfPresent(logger, "sysrt: mlockall failed, continuing without locked memory: %v", err)
		} else {
			res.MemoryLocked = true
		}
	}

	if opts.CPU >= 0 {
		var mask unix.CPUSet
		mask.Set(opts.CPU)
		if err := unix.SchedSetaffinity(0, &mask); err != nil {
			res.Warnings = append(res.Warnings, fmt.Sprintf("sched_setaffinity(cpu=%d) failed: %v", opts.CPU, err))
			logIfPresent(logger, "sysrt: failed to pin to CPU %d, continuing unpinned: %v", opts.CPU, err)
		} else {
			res.AffinityPinned = true
		}
	}

	if opts.Priority > 0 {
		param := &unix.SchedParam{Priority: int32(opts.Priority)}
		if err := unix.SchedSetscheduler(0, unix.SCHED_FIFO, param); err != nil {
			res.Warnings = append(res.Warnings, fmt.Sprintf("sched_setscheduler(SCHED_FIFO, prio=%d) failed: %v", opts.Priority, err))
			logIfPresent(logger, "sysrt: failed to raise scheduling priority, continuing at default policy: %v", err)
		} else {
			res.PriorityRaised = true
		}
	}

	return res
}

func logIfPresent(logger interfaces.Logger, format string, args ...interface{}) {
	if logger != nil {
		logger.Printf(format, args...)
	}
}
