// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package config loads the governor's HCL configuration.
package config

import (
	"os"
	"time"

	"github.com/hashicorp/hcl/v2/hclsimple"

	"github.com/procnet/governor/internal/errors"
	"github.com/procnet/governor/internal/governor"
	"github.com/procnet/governor/internal/logging"
	"github.com/procnet/governor/internal/policy"
	"github.com/procnet/governor/internal/resolver"
)

// Config is the governor's HCL configuration file. Durations are
// strings in Go syntax ("500ms", "10s"). Every field is optional; zero
// values take the defaults below.
type Config struct {
	// QueueNum is the NFQUEUE number on Linux; ignored elsewhere.
	QueueNum int `hcl:"queue_num,optional" json:"queue_num,omitempty"`
	// Filter is passed to the capture backend (a WinDivert filter
	// expression on Windows; unused with NFQUEUE).
	Filter string `hcl:"filter,optional" json:"filter,omitempty"`

	Lanes           int    `hcl:"lanes,optional" json:"lanes,omitempty"`
	Fallback        string `hcl:"fallback,optional" json:"fallback,omitempty"`     // "allow" or "block"
	Exhaustion      string `hcl:"exhaustion,optional" json:"exhaustion,omitempty"` // "drop" or "hold"
	MaxHoldLatency  string `hcl:"max_hold_latency,optional" json:"max_hold_latency,omitempty"`
	ReinjectRetries *int   `hcl:"reinject_retries,optional" json:"reinject_retries,omitempty"`
	ShutdownTimeout string `hcl:"shutdown_timeout,optional" json:"shutdown_timeout,omitempty"`

	Resolver  *ResolverBlock        `hcl:"resolver,block" json:"resolver,omitempty"`
	Telemetry *TelemetryBlock       `hcl:"telemetry,block" json:"telemetry,omitempty"`
	Logging   *LoggingBlock         `hcl:"logging,block" json:"logging,omitempty"`
	Syslog    *logging.SyslogConfig `hcl:"syslog,block" json:"syslog,omitempty"`
}

// ResolverBlock controls connection-table freshness.
type ResolverBlock struct {
	TTL             string `hcl:"ttl,optional" json:"ttl,omitempty"`
	RefreshInterval string `hcl:"refresh_interval,optional" json:"refresh_interval,omitempty"`
	MissDebounce    string `hcl:"miss_debounce,optional" json:"miss_debounce,omitempty"`
}

// TelemetryBlock controls snapshot emission.
type TelemetryBlock struct {
	Cadence string `hcl:"cadence,optional" json:"cadence,omitempty"`
	Buffer  int    `hcl:"buffer,optional" json:"buffer,omitempty"`
}

// LoggingBlock mirrors logging.Config for HCL decoding.
type LoggingBlock struct {
	Level  string `hcl:"level,optional" json:"level,omitempty"`
	Format string `hcl:"format,optional" json:"format,omitempty"`
}

// Load reads and validates a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "failed to read config file")
	}
	return Parse(path, data)
}

// Parse decodes and validates config bytes. The filename only labels
// diagnostics.
func Parse(filename string, data []byte) (*Config, error) {
	var cfg Config
	if err := hclsimple.Decode(filename, data, nil, &cfg); err != nil {
		return nil, errors.Wrap(err, errors.KindValidation, "failed to decode config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{}
}

// Validate checks field values without resolving defaults.
func (c *Config) Validate() error {
	if c.Fallback != "" && c.Fallback != "allow" && c.Fallback != "block" {
		return errors.Errorf(errors.KindValidation, "fallback must be allow or block, got %q", c.Fallback)
	}
	if c.Exhaustion != "" && c.Exhaustion != "drop" && c.Exhaustion != "hold" {
		return errors.Errorf(errors.KindValidation, "exhaustion must be drop or hold, got %q", c.Exhaustion)
	}
	if c.Lanes < 0 {
		return errors.New(errors.KindValidation, "lanes must not be negative")
	}
	if c.ReinjectRetries != nil && *c.ReinjectRetries < 0 {
		return errors.New(errors.KindValidation, "reinject_retries must not be negative")
	}
	for _, f := range []struct {
		name, value string
	}{
		{"max_hold_latency", c.MaxHoldLatency},
		{"shutdown_timeout", c.ShutdownTimeout},
	} {
		if _, err := parseDuration(f.value, 0); err != nil {
			return errors.Wrapf(err, errors.KindValidation, "invalid %s", f.name)
		}
	}
	if c.Resolver != nil {
		for _, f := range []struct {
			name, value string
		}{
			{"resolver.ttl", c.Resolver.TTL},
			{"resolver.refresh_interval", c.Resolver.RefreshInterval},
			{"resolver.miss_debounce", c.Resolver.MissDebounce},
		} {
			if _, err := parseDuration(f.value, 0); err != nil {
				return errors.Wrapf(err, errors.KindValidation, "invalid %s", f.name)
			}
		}
	}
	if c.Telemetry != nil {
		if _, err := parseDuration(c.Telemetry.Cadence, 0); err != nil {
			return errors.Wrap(err, errors.KindValidation, "invalid telemetry.cadence")
		}
	}
	if c.Syslog != nil && c.Syslog.Enabled {
		if c.Syslog.Host == "" {
			return errors.New(errors.KindValidation, "syslog.host is required when syslog is enabled")
		}
	}
	return nil
}

// GovernorConfig resolves the governor loop configuration.
func (c *Config) GovernorConfig() governor.Config {
	cfg := governor.DefaultConfig()
	cfg.Filter = c.Filter
	if c.Lanes > 0 {
		cfg.Lanes = c.Lanes
	}
	if c.Fallback == "allow" {
		cfg.Fallback = policy.ModeAllow
	}
	if c.Exhaustion == "hold" {
		cfg.Exhaustion = governor.ExhaustHold
	}
	cfg.MaxHoldLatency = mustDuration(c.MaxHoldLatency, cfg.MaxHoldLatency)
	cfg.ShutdownTimeout = mustDuration(c.ShutdownTimeout, cfg.ShutdownTimeout)
	if c.ReinjectRetries != nil {
		cfg.ReinjectRetries = *c.ReinjectRetries
	}
	return cfg
}

// ResolverConfig resolves the connection-resolver configuration.
func (c *Config) ResolverConfig() resolver.Config {
	cfg := resolver.DefaultConfig()
	if c.Resolver == nil {
		return cfg
	}
	cfg.TTL = mustDuration(c.Resolver.TTL, cfg.TTL)
	cfg.RefreshInterval = mustDuration(c.Resolver.RefreshInterval, cfg.RefreshInterval)
	cfg.MissDebounce = mustDuration(c.Resolver.MissDebounce, cfg.MissDebounce)
	return cfg
}

// TelemetryCadence resolves the snapshot interval and channel depth.
func (c *Config) TelemetryCadence() (time.Duration, int) {
	cadence, buffer := time.Second, 4
	if c.Telemetry != nil {
		cadence = mustDuration(c.Telemetry.Cadence, cadence)
		if c.Telemetry.Buffer > 0 {
			buffer = c.Telemetry.Buffer
		}
	}
	return cadence, buffer
}

// LoggingConfig resolves the logger configuration.
func (c *Config) LoggingConfig() logging.Config {
	cfg := logging.DefaultConfig()
	if c.Logging != nil {
		if c.Logging.Level != "" {
			cfg.Level = c.Logging.Level
		}
		if c.Logging.Format != "" {
			cfg.Format = c.Logging.Format
		}
	}
	return cfg
}

// SyslogConfig resolves syslog forwarding settings.
func (c *Config) SyslogConfig() logging.SyslogConfig {
	if c.Syslog == nil {
		return logging.DefaultSyslogConfig()
	}
	cfg := *c.Syslog
	def := logging.DefaultSyslogConfig()
	if cfg.Port == 0 {
		cfg.Port = def.Port
	}
	if cfg.Protocol == "" {
		cfg.Protocol = def.Protocol
	}
	if cfg.Tag == "" {
		cfg.Tag = def.Tag
	}
	return cfg
}

func parseDuration(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, errors.Errorf(errors.KindValidation, "duration %q must not be negative", s)
	}
	return d, nil
}

// mustDuration is used after Validate has accepted the field.
func mustDuration(s string, def time.Duration) time.Duration {
	d, err := parseDuration(s, def)
	if err != nil {
		return def
	}
	if d == 0 {
		return def
	}
	return d
}
