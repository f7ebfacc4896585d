// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package capture abstracts the packet-interception mechanism. A Source
// yields captured packets before the OS networking stack completes
// routing, and reinjects or discards them on instruction. The backend
// (NFQUEUE on Linux, WinDivert on Windows, an in-memory simulator for
// tests) is chosen once at startup; nothing outside this package depends
// on backend identity.
package capture

import (
	"sync/atomic"

	"github.com/procnet/governor/internal/errors"
	"github.com/procnet/governor/internal/packet"
)

// ErrUnavailable is returned when the interception capability cannot be
// acquired: missing driver, missing privilege, or unsupported platform.
// This is a startup-fatal condition.
var ErrUnavailable = errors.New(errors.KindCapture, "packet capture capability unavailable")

// ErrStopped is returned by Reinject and Drop after Stop.
var ErrStopped = errors.New(errors.KindCapture, "capture source stopped")

// Source is the capture capability contract.
//
// Start acquires the capture handle and returns the packet stream. The
// stream is unbounded and terminates only when Stop is called or the
// backend faults; in both cases the channel is closed. Faults occurring
// after a successful Start are reported through Err.
//
// Reinject returns the exact original bytes to the network stack; the
// governor never mutates payloads, so checksums and sequence numbers
// remain valid downstream. Drop discards the packet. Both release the
// backend's claim on the packet; each captured packet must see exactly
// one of the two.
//
// Shutdown is two-phase. StopIntake stops capturing and closes the
// stream, but keeps the verdict path usable so packets already handed
// to the caller can still be reinjected or dropped. Stop releases the
// capture handle; after Stop, Reinject and Drop return ErrStopped.
// Stop without a prior StopIntake performs both phases.
type Source interface {
	Start(filter string) (<-chan *packet.Packet, error)
	Reinject(p *packet.Packet) error
	Drop(p *packet.Packet) error
	StopIntake() error
	Stop() error

	// Err reports the fault that terminated the stream, or nil after a
	// clean Stop.
	Err() error

	// Stats returns capture counters.
	Stats() Stats
}

// Stats holds counters for a capture source.
type Stats struct {
	Captured       uint64 `json:"captured"`
	Reinjected     uint64 `json:"reinjected"`
	Dropped        uint64 `json:"dropped"`
	ReinjectErrors uint64 `json:"reinject_errors"`
}

// counters is the shared atomic implementation behind Stats.
type counters struct {
	captured       atomic.Uint64
	reinjected     atomic.Uint64
	dropped        atomic.Uint64
	reinjectErrors atomic.Uint64
}

func (c *counters) snapshot() Stats {
	return Stats{
		Captured:       c.captured.Load(),
		Reinjected:     c.reinjected.Load(),
		Dropped:        c.dropped.Load(),
		ReinjectErrors: c.reinjectErrors.Load(),
	}
}
