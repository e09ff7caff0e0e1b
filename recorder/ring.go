// Package recorder implements the lock-free, bounded per-tick flight
// recorder: a single-producer single-consumer ring buffer of TickRecords
// feeding a non-RT flush thread (spec.md §4.C). The producer (RT loop)
// writes the slot then publishes a release store of the write index; the
// consumer (supervisor) acquire-loads the write index before reading
// slots. On overflow the producer keeps advancing — the RT loop never
// blocks to make space — and the consumer detects the skip by comparing
// sequence numbers.
//
// The push/publish protocol is adapted from the teacher's descriptor
// load/store discipline in internal/queue/runner.go (loadDescriptor uses
// atomic.Load for each field with acquire-like semantics against kernel
// writes); here a single release store of the write index plays that role
// for a whole slot at once.
package recorder

import (
	"sync/atomic"

	"github.com/behrlich/ffbcore/internal/coretypes"
)

// RingBuffer is a bounded SPSC ring of T with power-of-two capacity N.
// Producer and consumer must each be used from a single goroutine; no
// internal locking is performed.
type RingBuffer[T any] struct {
	mask    uint64
	slots   []T
	writeIx atomic.Uint64 // monotonic publish counter, RT-owned; its atomic
	// Add is the single release-publish point for the preceding slot write.
	readIx uint64 // next slot index to read (consumer-owned, not shared)
}

// New creates a RingBuffer with the given capacity, rounded up to the next
// power of two if necessary.
func New[T any](capacity int) *RingBuffer[T] {
	n := nextPowerOfTwo(capacity)
	return &RingBuffer[T]{
		mask:  uint64(n - 1),
		slots: make([]T, n),
	}
}

func nextPowerOfTwo(n int) int {
	if n < 1 {
		n = 1
	}
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

// Capacity returns the ring's power-of-two slot count.
func (r *RingBuffer[T]) Capacity() int { return len(r.slots) }

// Push writes value into the next slot and publishes it with a release
// store. It never blocks and never allocates: on overflow (the consumer
// hasn't kept up) it silently overwrites the oldest unread slot — the
// "overwrite-oldest" policy of spec.md §3. The producer side is the RT
// loop; Push must only ever be called from that single goroutine.
func (r *RingBuffer[T]) Push(value T) {
	idx := r.writeIx.Load() & r.mask
	r.slots[idx] = value
	// Release-publish: the atomic increment is the single point after which
	// a consumer's acquire-load of writeIx is guaranteed to see this slot
	// write, per the Go memory model's sequentially-consistent atomics.
	r.writeIx.Add(1)
}

// Drain copies all slots published since the last Drain call into dst,
// returning the number of records copied and the number of records that
// were overwritten (lost) before the consumer could read them. Must only
// ever be called from the single consumer goroutine.
func (r *RingBuffer[T]) Drain(dst []T) (copied int, lost int) {
	writeIx := r.writeIx.Load() // acquire: paired with the producer's Add
	capacity := uint64(len(r.slots))

	available := writeIx - r.readIx
	if available > capacity {
		// Consumer fell behind by more than a full lap; the oldest
		// (available - capacity) records were overwritten before being
		// read.
		lost = int(available - capacity)
		r.readIx = writeIx - capacity
		available = capacity
	}

	n := int(available)
	if n > len(dst) {
		n = len(dst)
	}
	for i := 0; i < n; i++ {
		idx := (r.readIx + uint64(i)) & r.mask
		dst[i] = r.slots[idx]
	}
	r.readIx += uint64(n)
	return n, lost
}

// Pending reports how many published-but-undrained records currently exist
// (before accounting for any overwrite). Useful for the supervisor's flush
// scheduling ("drain more often than capacity*period", spec.md §8 property
// 9).
func (r *RingBuffer[T]) Pending() int {
	writeIx := r.writeIx.Load()
	return int(writeIx - r.readIx)
}

// TickRing is the concrete ring type used by the RT loop.
type TickRing = RingBuffer[coretypes.TickRecord]
