package ffbcore

import (
	"testing"
	"time"

	"github.com/behrlich/ffbcore/internal/coretypes"
)

func TestMetrics(t *testing.T) {
	m := NewMetrics()

	snap := m.Snapshot()
	if snap.TicksTotal != 0 {
		t.Errorf("Expected 0 initial ticks, got %d", snap.TicksTotal)
	}

	m.RecordTick(coretypes.TickRecord{MFault: 1.0})
	m.RecordTick(coretypes.TickRecord{MFault: 0.4})
	m.RecordTick(coretypes.TickRecord{Estop: true})

	snap = m.Snapshot()
	if snap.TicksTotal != 3 {
		t.Errorf("Expected 3 ticks, got %d", snap.TicksTotal)
	}
	if snap.RampingTicks != 1 {
		t.Errorf("Expected 1 ramping tick, got %d", snap.RampingTicks)
	}
	if snap.EstopTicks != 1 {
		t.Errorf("Expected 1 estop tick, got %d", snap.EstopTicks)
	}
}

func TestMetricsDeadlineMissRate(t *testing.T) {
	m := NewMetrics()
	for i := 0; i < 10; i++ {
		m.RecordTick(coretypes.TickRecord{MFault: 1.0})
	}
	m.RecordDeadlineMiss()

	snap := m.Snapshot()
	if snap.DeadlineMisses != 1 {
		t.Errorf("Expected 1 deadline miss, got %d", snap.DeadlineMisses)
	}
	if snap.MissRate < 9.9 || snap.MissRate > 10.1 {
		t.Errorf("Expected ~10%% miss rate, got %.2f%%", snap.MissRate)
	}
}

func TestMetricsRecordDeviceWrite(t *testing.T) {
	m := NewMetrics()
	m.RecordDeviceWrite(coretypes.WriteOk, 5_000)
	m.RecordDeviceWrite(coretypes.WriteStall, 6_000)

	snap := m.Snapshot()
	if snap.DeviceWriteOk != 1 {
		t.Errorf("Expected 1 ok write, got %d", snap.DeviceWriteOk)
	}
	if snap.DeviceWriteErrors != 1 {
		t.Errorf("Expected 1 write error, got %d", snap.DeviceWriteErrors)
	}
	if snap.AvgWriteLatencyNs != 5_500 {
		t.Errorf("Expected avg latency 5500ns, got %d", snap.AvgWriteLatencyNs)
	}
}

func TestMetricsUptime(t *testing.T) {
	m := NewMetrics()
	time.Sleep(10 * time.Millisecond)

	snap := m.Snapshot()
	if snap.UptimeNs < 10*1_000_000 {
		t.Errorf("Expected uptime >= 10ms, got %d ns", snap.UptimeNs)
	}

	m.Stop()
	time.Sleep(5 * time.Millisecond)
	snap2 := m.Snapshot()
	if snap2.UptimeNs > snap.UptimeNs+5*1_000_000 {
		t.Errorf("Uptime increased too much after stop: %d -> %d", snap.UptimeNs, snap2.UptimeNs)
	}
}

func TestMetricsReset(t *testing.T) {
	m := NewMetrics()
	m.RecordTick(coretypes.TickRecord{MFault: 1.0})
	m.RecordDeviceWrite(coretypes.WriteOk, 1_000)

	snap := m.Snapshot()
	if snap.TicksTotal == 0 {
		t.Error("Expected some ticks before reset")
	}

	m.Reset()
	snap = m.Snapshot()
	if snap.TicksTotal != 0 {
		t.Errorf("Expected 0 ticks after reset, got %d", snap.TicksTotal)
	}
	if snap.DeviceWriteOk != 0 {
		t.Errorf("Expected 0 device writes after reset, got %d", snap.DeviceWriteOk)
	}
}

func TestObserver(t *testing.T) {
	observer := &NoOpObserver{}
	observer.ObserveTick(coretypes.TickRecord{})
	observer.ObserveDeadlineMiss(0)
	observer.ObserveDeviceWrite(coretypes.WriteOk, 0)

	m := NewMetrics()
	metricsObserver := NewMetricsObserver(m)

	metricsObserver.ObserveTick(coretypes.TickRecord{MFault: 1.0})
	metricsObserver.ObserveDeadlineMiss(42)
	metricsObserver.ObserveDeviceWrite(coretypes.WriteOk, 1_000)

	snap := m.Snapshot()
	if snap.TicksTotal != 1 {
		t.Errorf("Expected 1 tick from observer, got %d", snap.TicksTotal)
	}
	if snap.DeadlineMisses != 1 {
		t.Errorf("Expected 1 deadline miss from observer, got %d", snap.DeadlineMisses)
	}
	if snap.DeviceWriteOk != 1 {
		t.Errorf("Expected 1 device write from observer, got %d", snap.DeviceWriteOk)
	}
}

func TestMetricsHistogramPopulatesBuckets(t *testing.T) {
	m := NewMetrics()
	for i := 0; i < 50; i++ {
		m.RecordDeviceWrite(coretypes.WriteOk, 500_000) // 500us
	}
	for i := 0; i < 49; i++ {
		m.RecordDeviceWrite(coretypes.WriteOk, 5_000_000) // 5ms
	}
	m.RecordDeviceWrite(coretypes.WriteOk, 50_000_000) // 50ms

	snap := m.Snapshot()
	var totalInBuckets uint64
	for _, c := range snap.LatencyHistogram {
		totalInBuckets += c
	}
	if totalInBuckets == 0 {
		t.Error("Expected histogram buckets to be populated")
	}
}
