// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package capture

import (
	"sync"
	"time"

	"github.com/procnet/governor/internal/errors"
	"github.com/procnet/governor/internal/packet"
)

// SimSource is a stateful in-memory capture backend for tests and replay.
// Packets are injected by the test and the verdicts the governor issues
// are recorded in order, so ordering and suppression properties can be
// checked without a kernel capability.
type SimSource struct {
	mu        sync.Mutex
	ch        chan *packet.Packet
	nextID    uint64
	pending   map[uint64]*packet.Packet
	started   bool
	intakeOff bool
	stopped   bool
	err       error

	// Reinjected and Dropped record verdicts in the order they were
	// issued. Guarded by mu; read them after Stop.
	Reinjected  []*packet.Packet
	DroppedPkts []*packet.Packet

	// FailReinjects makes the next N Reinject calls fail, for retry
	// budget tests.
	FailReinjects int

	stats counters
}

// NewSimSource creates a simulator backend.
func NewSimSource() *SimSource {
	return &SimSource{
		ch:      make(chan *packet.Packet, 1024),
		pending: make(map[uint64]*packet.Packet),
	}
}

// Start begins the stream. The filter expression is accepted and ignored.
func (s *SimSource) Start(filter string) (<-chan *packet.Packet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil, errors.New(errors.KindCapture, "simulator already started")
	}
	s.started = true
	return s.ch, nil
}

// Inject parses raw bytes and delivers them on the stream as if captured.
func (s *SimSource) Inject(raw []byte, dir packet.Direction, ts time.Time) (*packet.Packet, error) {
	pkt, err := packet.Parse(raw, dir, ts)
	if err != nil {
		return nil, err
	}
	s.InjectPacket(pkt)
	return pkt, nil
}

// InjectPacket delivers an already-built packet on the stream.
func (s *SimSource) InjectPacket(pkt *packet.Packet) {
	s.mu.Lock()
	if s.intakeOff || s.stopped {
		s.mu.Unlock()
		return
	}
	s.nextID++
	pkt.ID = s.nextID
	s.pending[pkt.ID] = pkt
	s.mu.Unlock()

	s.stats.captured.Add(1)
	s.ch <- pkt
}

// Reinject records the packet as forwarded.
func (s *SimSource) Reinject(p *packet.Packet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrStopped
	}
	if s.FailReinjects > 0 {
		s.FailReinjects--
		s.stats.reinjectErrors.Add(1)
		return errors.New(errors.KindReinjection, "simulated reinjection failure")
	}
	if _, ok := s.pending[p.ID]; !ok {
		return errors.Errorf(errors.KindReinjection, "unknown packet id %d", p.ID)
	}
	delete(s.pending, p.ID)
	s.Reinjected = append(s.Reinjected, p)
	s.stats.reinjected.Add(1)
	return nil
}

// Drop records the packet as discarded.
func (s *SimSource) Drop(p *packet.Packet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrStopped
	}
	delete(s.pending, p.ID)
	s.DroppedPkts = append(s.DroppedPkts, p)
	s.stats.dropped.Add(1)
	return nil
}

// StopIntake closes the stream; verdicts on already-delivered packets
// still land until Stop.
func (s *SimSource) StopIntake() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.intakeOff || s.stopped {
		return nil
	}
	s.intakeOff = true
	close(s.ch)
	return nil
}

// Stop closes the stream if still open and rejects further verdicts.
func (s *SimSource) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true
	if !s.intakeOff {
		s.intakeOff = true
		close(s.ch)
	}
	return nil
}

// Fault simulates a fatal backend fault: the stream closes, verdicts
// start failing and Err reports the cause.
func (s *SimSource) Fault(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.stopped = true
	s.err = err
	if !s.intakeOff {
		s.intakeOff = true
		close(s.ch)
	}
}

// Err returns the fault that terminated the stream, if any.
func (s *SimSource) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Stats returns capture counters.
func (s *SimSource) Stats() Stats {
	return s.stats.snapshot()
}

// Pending returns the number of captured packets without a verdict yet.
func (s *SimSource) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}
