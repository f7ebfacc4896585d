// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the governor's Prometheus metrics. Exposition is the
// caller's concern; register the collector on whichever registry the
// surrounding application scrapes.
type Metrics struct {
	PacketsAllowed prometheus.Counter
	PacketsBlocked prometheus.Counter
	PacketsDelayed prometheus.Counter
	PacketsDropped prometheus.Counter

	BytesAllowed prometheus.Counter
	BytesBlocked prometheus.Counter

	ResolutionMisses    prometheus.Counter
	ReinjectionFailures prometheus.Counter
	PolicyAmbiguities   prometheus.Counter
	SnapshotsDropped    prometheus.Counter
}

// NewMetrics creates the governor metrics collector.
func NewMetrics() *Metrics {
	return &Metrics{
		PacketsAllowed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "governor_packets_allowed_total",
			Help: "Total number of packets reinjected unmodified",
		}),
		PacketsBlocked: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "governor_packets_blocked_total",
			Help: "Total number of packets dropped by block policies",
		}),
		PacketsDelayed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "governor_packets_delayed_total",
			Help: "Total number of packets held by limit policies before reinjection",
		}),
		PacketsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "governor_packets_dropped_total",
			Help: "Total number of packets dropped by limit exhaustion or reinjection failure",
		}),
		BytesAllowed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "governor_bytes_allowed_total",
			Help: "Total bytes reinjected",
		}),
		BytesBlocked: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "governor_bytes_blocked_total",
			Help: "Total bytes blocked, delayed, or dropped",
		}),
		ResolutionMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "governor_resolution_misses_total",
			Help: "Total number of packets whose owning process could not be attributed",
		}),
		ReinjectionFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "governor_reinjection_failures_total",
			Help: "Total number of reinjection attempts that failed",
		}),
		PolicyAmbiguities: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "governor_policy_ambiguities_total",
			Help: "Total number of lookups where more than one policy matcher applied",
		}),
		SnapshotsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "governor_telemetry_snapshots_dropped_total",
			Help: "Total number of telemetry snapshots discarded under backpressure",
		}),
	}
}

// Describe implements prometheus.Collector
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	m.PacketsAllowed.Describe(ch)
	m.PacketsBlocked.Describe(ch)
	m.PacketsDelayed.Describe(ch)
	m.PacketsDropped.Describe(ch)
	m.BytesAllowed.Describe(ch)
	m.BytesBlocked.Describe(ch)
	m.ResolutionMisses.Describe(ch)
	m.ReinjectionFailures.Describe(ch)
	m.PolicyAmbiguities.Describe(ch)
	m.SnapshotsDropped.Describe(ch)
}

// Collect implements prometheus.Collector
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	m.PacketsAllowed.Collect(ch)
	m.PacketsBlocked.Collect(ch)
	m.PacketsDelayed.Collect(ch)
	m.PacketsDropped.Collect(ch)
	m.BytesAllowed.Collect(ch)
	m.BytesBlocked.Collect(ch)
	m.ResolutionMisses.Collect(ch)
	m.ReinjectionFailures.Collect(ch)
	m.PolicyAmbiguities.Collect(ch)
	m.SnapshotsDropped.Collect(ch)
}

// Register registers the collector with the given registry.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	return reg.Register(m)
}
