// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/procnet/governor/internal/brand"
	"github.com/procnet/governor/internal/capture"
	"github.com/procnet/governor/internal/clock"
	"github.com/procnet/governor/internal/config"
	"github.com/procnet/governor/internal/governor"
	"github.com/procnet/governor/internal/logging"
	"github.com/procnet/governor/internal/policy"
	"github.com/procnet/governor/internal/rate"
	"github.com/procnet/governor/internal/resolver"
	"github.com/procnet/governor/internal/telemetry"
)

// RunStart runs the governor in the foreground until SIGINT or SIGTERM.
func RunStart(configFile, policyFile string) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return err
	}

	logger := buildLogger(cfg)
	logger.Info("Starting "+brand.Name, "version", brand.Version, "config", configFile)

	var entries []policy.Entry
	if policyFile != "" {
		entries, err = policy.LoadFile(policyFile)
		if err != nil {
			return fmt.Errorf("failed to load policies: %w", err)
		}
	}

	source, err := capture.NewPlatformSource(uint16(cfg.QueueNum), logger)
	if err != nil {
		return fmt.Errorf("capture capability unavailable: %w", err)
	}

	clk := clock.SystemClock{}
	res := resolver.New(resolver.NewSystemProvider(), cfg.ResolverConfig(), clk, logger)

	metrics := telemetry.NewMetrics()
	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		logger.WithError(err).Warn("Metrics registration failed")
	}

	cadence, buffer := cfg.TelemetryCadence()
	bus := telemetry.NewBus(logger, clk, metrics, cadence, buffer)

	g, err := governor.New(cfg.GovernorConfig(), governor.Deps{
		Source:   source,
		Resolver: res,
		Limiter:  rate.NewLimiter(clk),
		Bus:      bus,
		Metrics:  metrics,
		Clock:    clk,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	result, err := g.Start(entries)
	if err != nil {
		return fmt.Errorf("governor failed to start: %w", err)
	}
	for _, rej := range result.Rejected {
		logger.Warn("Policy entry rejected", "matcher", rej.Entry.Matcher.String(), "reason", rej.Reason)
	}

	go logSnapshots(logger, bus)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("Received signal, shutting down...", "signal", sig.String())
		if err := g.Stop(); err != nil {
			return fmt.Errorf("shutdown fault: %w", err)
		}
	case <-g.Done():
		if err := g.Err(); err != nil {
			return fmt.Errorf("governor fault: %w", err)
		}
	}

	logger.Info("Governor exited")
	return nil
}

// logSnapshots forwards telemetry windows to the log until the bus
// closes.
func logSnapshots(logger *logging.Logger, bus *telemetry.Bus) {
	for snap := range bus.Snapshots() {
		for _, e := range snap.Events {
			logger.Info("Traffic window",
				"pid", e.PID,
				"name", e.Name,
				"mode", e.Mode.String(),
				"bytes_allowed", e.BytesAllowed,
				"bytes_blocked", e.BytesBlocked)
		}
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("configuration error: %w", err)
	}
	return cfg, nil
}

func buildLogger(cfg *config.Config) *logging.Logger {
	lc := cfg.LoggingConfig()
	sc := cfg.SyslogConfig()
	if sc.Enabled {
		if w, err := logging.NewSyslogWriter(sc); err == nil {
			lc.Output = w
		} else {
			fmt.Fprintf(os.Stderr, "syslog unavailable, logging to stderr: %v\n", err)
		}
	}
	logger := logging.New(lc)
	logging.SetDefault(logger)
	return logger
}
