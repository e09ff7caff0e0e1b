package ffbcore

import (
	"sync/atomic"
	"time"

	"github.com/behrlich/ffbcore/internal/coretypes"
	"github.com/behrlich/ffbcore/internal/interfaces"
)

var _ interfaces.Observer = (*MetricsObserver)(nil)
var _ interfaces.Observer = NoOpObserver{}

// LatencyBuckets defines the device-write latency histogram buckets in
// nanoseconds, covering 1us to 10s with logarithmic spacing.
var LatencyBuckets = []uint64{
	1_000,          // 1us
	10_000,         // 10us
	100_000,        // 100us
	1_000_000,      // 1ms
	10_000_000,     // 10ms
	100_000_000,    // 100ms
	1_000_000_000,  // 1s
	10_000_000_000, // 10s
}

const numLatencyBuckets = 8

// Metrics tracks per-tick operational statistics for an Engine: how many
// ticks ran, how many missed their deadline, how many device writes
// succeeded or failed, how many ticks ran under estop or with a ramped
// m_fault, and a device-write latency histogram. All fields are lock-free atomics so ObserveTick et al.
// can be called directly from the RT thread.
type Metrics struct {
	TicksTotal        atomic.Uint64
	DeadlineMisses     atomic.Uint64
	DeviceWriteOk      atomic.Uint64
	DeviceWriteErrors  atomic.Uint64
	EstopTicks         atomic.Uint64
	RampingTicks       atomic.Uint64

	TotalWriteLatencyNs atomic.Uint64
	WriteLatencyCount   atomic.Uint64
	LatencyBuckets      [numLatencyBuckets]atomic.Uint64

	StartTime atomic.Int64
	StopTime  atomic.Int64
}

// NewMetrics creates a Metrics instance with its start time stamped now.
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// RecordTick records one completed RT tick's outcome.
func (m *Metrics) RecordTick(rec coretypes.TickRecord) {
	m.TicksTotal.Add(1)
	if rec.Estop {
		m.EstopTicks.Add(1)
	} else if rec.MFault < 1.0 {
		m.RampingTicks.Add(1)
	}
}

// RecordDeadlineMiss records one deadline-miss event.
func (m *Metrics) RecordDeadlineMiss() { m.DeadlineMisses.Add(1) }

// RecordDeviceWrite records one device write outcome and its latency.
func (m *Metrics) RecordDeviceWrite(result coretypes.WriteResult, latencyNs uint64) {
	if result == coretypes.WriteOk {
		m.DeviceWriteOk.Add(1)
	} else {
		m.DeviceWriteErrors.Add(1)
	}
	m.TotalWriteLatencyNs.Add(latencyNs)
	m.WriteLatencyCount.Add(1)
	for i, bucket := range LatencyBuckets {
		if latencyNs <= bucket {
			m.LatencyBuckets[i].Add(1)
		}
	}
}

// Stop marks the engine as stopped for uptime accounting.
func (m *Metrics) Stop() { m.StopTime.Store(time.Now().UnixNano()) }

// MetricsSnapshot is a point-in-time, race-free copy of Metrics.
type MetricsSnapshot struct {
	TicksTotal        uint64
	DeadlineMisses    uint64
	DeviceWriteOk     uint64
	DeviceWriteErrors uint64
	EstopTicks        uint64
	RampingTicks      uint64

	AvgWriteLatencyNs uint64
	UptimeNs          uint64
	MissRate          float64
	LatencyHistogram  [numLatencyBuckets]uint64
}

// Snapshot computes a MetricsSnapshot from the current counters.
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		TicksTotal:        m.TicksTotal.Load(),
		DeadlineMisses:    m.DeadlineMisses.Load(),
		DeviceWriteOk:     m.DeviceWriteOk.Load(),
		DeviceWriteErrors: m.DeviceWriteErrors.Load(),
		EstopTicks:        m.EstopTicks.Load(),
		RampingTicks:      m.RampingTicks.Load(),
	}

	if count := m.WriteLatencyCount.Load(); count > 0 {
		snap.AvgWriteLatencyNs = m.TotalWriteLatencyNs.Load() / count
	}
	if snap.TicksTotal > 0 {
		snap.MissRate = float64(snap.DeadlineMisses) / float64(snap.TicksTotal) * 100.0
	}

	start := m.StartTime.Load()
	stop := m.StopTime.Load()
	if stop > 0 {
		snap.UptimeNs = uint64(stop - start)
	} else {
		snap.UptimeNs = uint64(time.Now().UnixNano() - start)
	}

	for i := 0; i < numLatencyBuckets; i++ {
		snap.LatencyHistogram[i] = m.LatencyBuckets[i].Load()
	}
	return snap
}

// Reset zeroes all counters; useful for tests.
func (m *Metrics) Reset() {
	m.TicksTotal.Store(0)
	m.DeadlineMisses.Store(0)
	m.DeviceWriteOk.Store(0)
	m.DeviceWriteErrors.Store(0)
	m.EstopTicks.Store(0)
	m.RampingTicks.Store(0)
	m.TotalWriteLatencyNs.Store(0)
	m.WriteLatencyCount.Store(0)
	for i := 0; i < numLatencyBuckets; i++ {
		m.LatencyBuckets[i].Store(0)
	}
	m.StartTime.Store(time.Now().UnixNano())
	m.StopTime.Store(0)
}

// NoOpObserver discards every observation. It is not the Engine's default:
// without a caller-supplied Observer the Engine uses a MetricsObserver.
type NoOpObserver struct{}

func (NoOpObserver) ObserveTick(coretypes.TickRecord)                 {}
func (NoOpObserver) ObserveDeadlineMiss(int64)                        {}
func (NoOpObserver) ObserveDeviceWrite(coretypes.WriteResult, uint64) {}

// MetricsObserver implements interfaces.Observer by recording into a
// Metrics instance.
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver creates an observer recording into m.
func NewMetricsObserver(m *Metrics) *MetricsObserver { return &MetricsObserver{metrics: m} }

func (o *MetricsObserver) ObserveTick(rec coretypes.TickRecord) { o.metrics.RecordTick(rec) }

func (o *MetricsObserver) ObserveDeadlineMiss(int64) { o.metrics.RecordDeadlineMiss() }

func (o *MetricsObserver) ObserveDeviceWrite(result coretypes.WriteResult, latencyNs uint64) {
	o.metrics.RecordDeviceWrite(result, latencyNs)
}
