// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package telemetry aggregates per-process traffic counters and emits
// periodic snapshots to the surrounding application.
package telemetry

import (
	"context"
	"sync"
	"time"

	"github.com/procnet/governor/internal/clock"
	"github.com/procnet/governor/internal/logging"
	"github.com/procnet/governor/internal/policy"
)

// Event is one process's traffic totals for a single sampling window.
type Event struct {
	PID          uint32      `json:"pid"`
	Name         string      `json:"name"`
	BytesAllowed uint64      `json:"bytes_allowed"`
	BytesBlocked uint64      `json:"bytes_blocked"` // blocked, delayed, or dropped
	Mode         policy.Mode `json:"mode"`
}

// Snapshot is the set of events emitted for one window. Counters reset
// at emission; no history accumulates in the core.
type Snapshot struct {
	Taken  time.Time `json:"taken"`
	Events []Event   `json:"events"`
}

type procCounters struct {
	name         string
	mode         policy.Mode
	bytesAllowed uint64
	bytesBlocked uint64
}

// Bus collects counters on the packet path and ships snapshots on a
// buffered channel. When the consumer falls behind, the oldest
// unconsumed snapshot is discarded so the packet path never stalls.
type Bus struct {
	logger  *logging.Logger
	clk     clock.Clock
	metrics *Metrics
	cadence time.Duration

	mu       sync.Mutex
	counters map[uint32]*procCounters

	sendMu sync.Mutex
	closed bool
	out    chan Snapshot

	closeOnce sync.Once
}

// NewBus creates a telemetry bus. The channel holds up to buffer
// snapshots; metrics may be nil.
func NewBus(logger *logging.Logger, clk clock.Clock, metrics *Metrics, cadence time.Duration, buffer int) *Bus {
	if logger == nil {
		logger = logging.New(logging.DefaultConfig())
	}
	if clk == nil {
		clk = clock.SystemClock{}
	}
	if cadence <= 0 {
		cadence = time.Second
	}
	if buffer <= 0 {
		buffer = 4
	}
	return &Bus{
		logger:   logger.WithComponent("telemetry"),
		clk:      clk,
		metrics:  metrics,
		cadence:  cadence,
		counters: make(map[uint32]*procCounters),
		out:      make(chan Snapshot, buffer),
	}
}

// Snapshots returns the consumer side of the bus.
func (b *Bus) Snapshots() <-chan Snapshot {
	return b.out
}

// Record adds a packet's bytes to the owning process's window counters.
func (b *Bus) Record(pid uint32, name string, mode policy.Mode, bytes int, allowed bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	pc, ok := b.counters[pid]
	if !ok {
		pc = &procCounters{}
		b.counters[pid] = pc
	}
	if name != "" {
		pc.name = name
	}
	pc.mode = mode
	if allowed {
		pc.bytesAllowed += uint64(bytes)
	} else {
		pc.bytesBlocked += uint64(bytes)
	}
}

// Flush emits the current window as a snapshot and resets the
// counters. Windows with no traffic emit nothing.
func (b *Bus) Flush() {
	b.mu.Lock()
	if len(b.counters) == 0 {
		b.mu.Unlock()
		return
	}
	snap := Snapshot{Taken: b.clk.Now(), Events: make([]Event, 0, len(b.counters))}
	for pid, pc := range b.counters {
		snap.Events = append(snap.Events, Event{
			PID:          pid,
			Name:         pc.name,
			BytesAllowed: pc.bytesAllowed,
			BytesBlocked: pc.bytesBlocked,
			Mode:         pc.mode,
		})
	}
	b.counters = make(map[uint32]*procCounters)
	b.mu.Unlock()

	b.publish(snap)
}

// publish never blocks: a full channel sheds its oldest snapshot.
func (b *Bus) publish(snap Snapshot) {
	b.sendMu.Lock()
	defer b.sendMu.Unlock()
	if b.closed {
		return
	}
	for {
		select {
		case b.out <- snap:
			return
		default:
		}
		select {
		case <-b.out:
			if b.metrics != nil {
				b.metrics.SnapshotsDropped.Inc()
			}
			b.logger.Debug("Dropped telemetry snapshot under backpressure")
		default:
		}
	}
}

// Run emits snapshots at the bus cadence until the context is
// canceled, then flushes the final window and closes the channel.
func (b *Bus) Run(ctx context.Context) {
	ticker := time.NewTicker(b.cadence)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.Flush()
		case <-ctx.Done():
			b.Close()
			return
		}
	}
}

// Close flushes pending counters and closes the snapshot channel.
// Safe to call more than once.
func (b *Bus) Close() {
	b.closeOnce.Do(func() {
		b.Flush()
		b.sendMu.Lock()
		b.closed = true
		close(b.out)
		b.sendMu.Unlock()
	})
}
