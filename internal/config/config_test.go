// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/procnet/governor/internal/governor"
	"github.com/procnet/governor/internal/policy"
)

func TestParseFull(t *testing.T) {
	hcl := `
queue_num = 7
filter    = "outbound or inbound"
lanes     = 8

fallback         = "allow"
exhaustion       = "hold"
max_hold_latency = "150ms"
reinject_retries = 5
shutdown_timeout = "10s"

resolver {
  ttl              = "20s"
  refresh_interval = "1s"
  miss_debounce    = "100ms"
}

telemetry {
  cadence = "2s"
  buffer  = 8
}

logging {
  level  = "debug"
  format = "json"
}

syslog {
  enabled = true
  host    = "logs.example.com"
}
`
	cfg, err := Parse("governor.hcl", []byte(hcl))
	require.NoError(t, err)

	gc := cfg.GovernorConfig()
	assert.Equal(t, "outbound or inbound", gc.Filter)
	assert.Equal(t, 8, gc.Lanes)
	assert.Equal(t, policy.ModeAllow, gc.Fallback)
	assert.Equal(t, governor.ExhaustHold, gc.Exhaustion)
	assert.Equal(t, 150*time.Millisecond, gc.MaxHoldLatency)
	assert.Equal(t, 5, gc.ReinjectRetries)
	assert.Equal(t, 10*time.Second, gc.ShutdownTimeout)

	rc := cfg.ResolverConfig()
	assert.Equal(t, 20*time.Second, rc.TTL)
	assert.Equal(t, time.Second, rc.RefreshInterval)
	assert.Equal(t, 100*time.Millisecond, rc.MissDebounce)

	cadence, buffer := cfg.TelemetryCadence()
	assert.Equal(t, 2*time.Second, cadence)
	assert.Equal(t, 8, buffer)

	lc := cfg.LoggingConfig()
	assert.Equal(t, "debug", lc.Level)
	assert.Equal(t, "json", lc.Format)

	sc := cfg.SyslogConfig()
	assert.True(t, sc.Enabled)
	assert.Equal(t, "logs.example.com", sc.Host)
	assert.Equal(t, 514, sc.Port)
	assert.Equal(t, "udp", sc.Protocol)

	assert.Equal(t, 7, cfg.QueueNum)
}

func TestParseEmptyUsesDefaults(t *testing.T) {
	cfg, err := Parse("governor.hcl", nil)
	require.NoError(t, err)

	gc := cfg.GovernorConfig()
	def := governor.DefaultConfig()
	assert.Equal(t, def.Lanes, gc.Lanes)
	assert.Equal(t, def.ShutdownTimeout, gc.ShutdownTimeout)

	// The fallback must stay an explicit choice, never an implicit
	// allow.
	assert.Equal(t, policy.ModeBlock, gc.Fallback)

	cadence, buffer := cfg.TelemetryCadence()
	assert.Equal(t, time.Second, cadence)
	assert.Equal(t, 4, buffer)
}

func TestParseRejects(t *testing.T) {
	tests := []struct {
		name string
		hcl  string
	}{
		{"bad fallback", `fallback = "limit"`},
		{"bad exhaustion", `exhaustion = "queue"`},
		{"negative lanes", `lanes = -1`},
		{"negative retries", `reinject_retries = -2`},
		{"bad duration", `shutdown_timeout = "soon"`},
		{"negative duration", `max_hold_latency = "-5s"`},
		{"bad resolver duration", "resolver {\n  ttl = \"forever\"\n}"},
		{"syslog without host", "syslog {\n  enabled = true\n}"},
		{"not hcl", `{{{`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse("governor.hcl", []byte(tt.hcl))
			assert.Error(t, err)
		})
	}
}
