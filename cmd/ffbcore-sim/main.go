// Command ffbcore-sim runs the force-feedback control core against a
// simulated device and synthetic telemetry, for manual scenario replay
// (spec.md §8, S1-S6) and as an integration-test harness.
package main

import (
	"context"
	"flag"
	"fmt"
	"math"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/behrlich/ffbcore"
	"github.com/behrlich/ffbcore/deviceport"
	"github.com/behrlich/ffbcore/internal/coretypes"
	"github.com/behrlich/ffbcore/internal/logging"
	"github.com/behrlich/ffbcore/supervisor"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to a supervisor TOML config (defaults used if empty)")
		scenario   = flag.String("scenario", "", "one of s1-passthrough, s2-clamp, s3-ramp, s4-estop, s5-stall, s6-deadline-miss")
		duration   = flag.Duration("duration", 5*time.Second, "how long to run before stopping")
		verbose    = flag.Bool("v", false, "verbose logging")
	)
	flag.Parse()

	logConfig := logging.DefaultConfig()
	if *verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	cfg := supervisor.DefaultConfig()
	if *configPath != "" {
		loaded, err := supervisor.LoadConfig(*configPath)
		if err != nil {
			logger.Error("failed to load config", "path", *configPath, "error", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	if cfg.RecordDir == supervisor.DefaultConfig().RecordDir {
		cfg.RecordDir = mustTempDir()
	}

	sc, err := newScenario(*scenario)
	if err != nil {
		logger.Error("unknown scenario", "scenario", *scenario, "error", err)
		os.Exit(1)
	}

	dev := deviceport.NewStub(true)
	params := ffbcore.EngineParams{
		Controller: sc.controller(),
		Device:     dev,
		Config:     cfg,
	}

	engine, err := ffbcore.New(params, &ffbcore.Options{Logger: logger})
	if err != nil {
		logger.Error("failed to create engine", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *duration)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("received shutdown signal")
		engine.Shutdown()
	}()

	if sc.inject != nil {
		go sc.inject(ctx, engine, dev)
	}

	logger.Info("starting simulation", "scenario", *scenario, "record_dir", cfg.RecordDir, "duration", *duration)
	if err := engine.Run(ctx); err != nil {
		logger.Error("engine run returned error", "error", err)
	}

	snap := engine.MetricsSnapshot()
	fmt.Printf("ticks=%d deadline_misses=%d device_write_ok=%d device_write_errors=%d estop_ticks=%d ramping_ticks=%d miss_rate=%.2f%%\n",
		snap.TicksTotal, snap.DeadlineMisses, snap.DeviceWriteOk, snap.DeviceWriteErrors,
		snap.EstopTicks, snap.RampingTicks, snap.MissRate)
	fmt.Printf("final torque at device: %.3f\n", dev.LastTorque())
	fmt.Printf("records written to: %s\n", cfg.RecordDir)
}

// scenario bundles a controller (the tau_cmd generator) with an optional
// fault-injection goroutine exercising one of spec.md §8's worked examples.
type scenario struct {
	name    string
	tauCmd  float32
	inject  func(ctx context.Context, engine *ffbcore.Engine, dev *deviceport.Stub)
}

func (s scenario) controller() func(coretypes.ControlInputs) float32 {
	tau := s.tauCmd
	return func(coretypes.ControlInputs) float32 { return tau }
}

func newScenario(name string) (scenario, error) {
	switch name {
	case "", "s1-passthrough":
		return scenario{name: "s1-passthrough", tauCmd: 3.5}, nil
	case "s2-clamp":
		return scenario{name: "s2-clamp", tauCmd: 25.0}, nil
	case "s3-ramp":
		return scenario{
			name:   "s3-ramp",
			tauCmd: 8.0,
			inject: func(ctx context.Context, engine *ffbcore.Engine, dev *deviceport.Stub) {
				dev.FailNextWrite(coretypes.WriteStall)
			},
		}, nil
	case "s4-estop":
		return scenario{
			name:   "s4-estop",
			tauCmd: 8.0,
			inject: func(ctx context.Context, engine *ffbcore.Engine, dev *deviceport.Stub) {
				select {
				case <-time.After(50 * time.Millisecond):
					engine.RequestEstop()
				case <-ctx.Done():
				}
			},
		}, nil
	case "s5-stall":
		return scenario{
			name:   "s5-stall",
			tauCmd: 4.0,
			inject: func(ctx context.Context, engine *ffbcore.Engine, dev *deviceport.Stub) {
				select {
				case <-time.After(20 * time.Millisecond):
					dev.FailNextWrite(coretypes.WriteStall)
				case <-ctx.Done():
				}
			},
		}, nil
	case "s6-deadline-miss":
		return scenario{
			name:   "s6-deadline-miss",
			tauCmd: 4.0,
			inject: func(ctx context.Context, engine *ffbcore.Engine, dev *deviceport.Stub) {
				// Burn CPU on this goroutine briefly to perturb scheduling of
				// the RT goroutine; a crude stand-in for a genuine 3ms stall
				// injected at the OS level.
				select {
				case <-time.After(20 * time.Millisecond):
					deadline := time.Now().Add(3 * time.Millisecond)
					x := 0.0
					for time.Now().Before(deadline) {
						x += math.Sqrt(rand.Float64() + 1)
					}
					_ = x
				case <-ctx.Done():
				}
			},
		}, nil
	default:
		return scenario{}, fmt.Errorf("unknown scenario %q", name)
	}
}

func mustTempDir() string {
	dir, err := os.MkdirTemp("", "ffbcore-sim-*")
	if err != nil {
		panic(err)
	}
	return dir
}
