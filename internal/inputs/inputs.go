// Package inputs implements the single-slot published-snapshot cell the RT
// loop reads once per tick for telemetry/user-input/profile data (spec.md
// §3, §4.A step 1). The supervisor publishes a whole new ControlInputs value
// atomically; the RT loop never partially observes a publish in flight. This
// generalizes the teacher's loadDescriptor acquire-load discipline in
// internal/queue/runner.go to a single atomic.Pointer swap of an immutable
// value, since ControlInputs (unlike a kernel descriptor) is cheap to copy
// wholesale rather than field-by-field.
package inputs

import (
	"sync/atomic"

	"github.com/behrlich/ffbcore/internal/coretypes"
)

// Cell holds the most recently published ControlInputs snapshot. Publish is
// intended to be called by exactly one producer goroutine (the supervisor's
// input-ingest thread); Load is intended to be called by exactly one
// consumer (the RT loop), once per tick.
type Cell struct {
	ptr atomic.Pointer[coretypes.ControlInputs]
}

// NewCell creates a Cell pre-populated with a zero-value ControlInputs so
// the RT loop never observes a nil snapshot before the first Publish.
func NewCell() *Cell {
	c := &Cell{}
	zero := coretypes.ControlInputs{}
	c.ptr.Store(&zero)
	return c
}

// Publish replaces the cell's contents wholesale. value is copied by the
// caller's choice of pass-by-value, so the pointer stored here is never
// mutated after Store; this is what makes Load lock-free and safe to call
// concurrently with Publish.
func (c *Cell) Publish(value coretypes.ControlInputs) {
	v := value
	c.ptr.Store(&v)
}

// Load returns the most recently published ControlInputs snapshot. Never
// blocks, never allocates beyond the implicit copy-out of the struct value.
func (c *Cell) Load() coretypes.ControlInputs {
	p := c.ptr.Load()
	if p == nil {
		return coretypes.ControlInputs{}
	}
	return *p
}
