package supervisor

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/behrlich/ffbcore/rtloop"
	"github.com/behrlich/ffbcore/safety"
)

// Config is the external-collaborator configuration consumed at init, read
// once; runtime reconfiguration requires a restart. Field names mirror the
// keys named in the core's external-interface contract so a deployment's
// TOML file can be handed straight to LoadConfig.
type Config struct {
	PeriodUs            int64   `toml:"period_us"`
	TauMaxNm            float64 `toml:"tau_max_nm"`
	NRampTicks          int     `toml:"n_ramp_ticks"`
	KMissWindow         int     `toml:"k_miss_window"`
	KMissThreshold      int     `toml:"k_miss_threshold"`
	HeartbeatThresholdNs int64  `toml:"heartbeat_threshold_ns"`
	HWWatchdogTimeoutMs uint32  `toml:"hw_watchdog_timeout_ms"`
	RecorderCapacity    int     `toml:"recorder_capacity"`

	RecordDir         string `toml:"record_dir"`
	FlushIntervalMs   int64  `toml:"flush_interval_ms"`
	DebounceWindowMs  int64  `toml:"debounce_window_ms"`
}

// DefaultConfig mirrors the spec's §8 worked example and §6's default
// period, used when a deployment omits a TOML file entirely.
func DefaultConfig() Config {
	return Config{
		PeriodUs:             1000,
		TauMaxNm:             10.0,
		NRampTicks:           50,
		KMissWindow:          100,
		KMissThreshold:       5,
		HeartbeatThresholdNs: int64(2 * 1_000_000), // 2ms
		HWWatchdogTimeoutMs:  0,
		RecorderCapacity:     4096,
		RecordDir:            "./records",
		FlushIntervalMs:      100,
		DebounceWindowMs:     100,
	}
}

// RtLoopConfig derives an rtloop.Config from the single TOML-sourced
// Config, so a deployment supplies one file rather than separately
// configuring the RT loop and the supervisor.
func (c Config) RtLoopConfig() rtloop.Config {
	cfg := rtloop.DefaultConfig()
	cfg.Period = time.Duration(c.PeriodUs) * time.Microsecond
	cfg.TauMaxNm = float32(c.TauMaxNm)
	cfg.KMissWindow = c.KMissWindow
	cfg.KMissThreshold = c.KMissThreshold
	cfg.HeartbeatThreshold = time.Duration(c.HeartbeatThresholdNs)
	cfg.RecorderCapacity = c.RecorderCapacity
	cfg.HWWatchdogTimeoutMs = c.HWWatchdogTimeoutMs
	return cfg
}

// SafetyConfig derives a safety.Config from the single TOML-sourced Config.
func (c Config) SafetyConfig() safety.Config {
	cfg := safety.DefaultConfig()
	if c.NRampTicks > 0 {
		cfg.NRampTicks = uint32(c.NRampTicks)
	}
	if c.DebounceWindowMs > 0 {
		cfg.DebounceWindow = time.Duration(c.DebounceWindowMs) * time.Millisecond
	}
	return cfg
}

// LoadConfig decodes a TOML configuration file, starting from DefaultConfig
// so a deployment's file only needs to override what differs.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("supervisor: load config %s: %w", path, err)
	}
	return cfg, nil
}
