// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build linux

package capture

import (
	"context"
	"sync"
	"time"

	nfqueue "github.com/florianl/go-nfqueue/v2"
	"golang.org/x/sys/unix"

	"github.com/procnet/governor/internal/errors"
	"github.com/procnet/governor/internal/logging"
	"github.com/procnet/governor/internal/packet"
)

// NFQueueSource captures packets queued to an NFQUEUE number by the
// host's netfilter rules. Packets wait in the kernel until a verdict is
// set; Reinject accepts, Drop discards. The rules feeding the queue are
// the collaborator's responsibility and carry no persistent state of
// ours.
type NFQueueSource struct {
	queueNum uint16
	logger   *logging.Logger

	ch   chan *packet.Packet
	done chan struct{}

	mu        sync.Mutex
	wg        sync.WaitGroup
	nf        *nfqueue.Nfqueue
	cancel    context.CancelFunc
	intakeOff bool
	stopped   bool
	err       error

	stats counters
}

// NewNFQueueSource creates a source bound to the given queue number.
func NewNFQueueSource(queueNum uint16, logger *logging.Logger) *NFQueueSource {
	if logger == nil {
		logger = logging.New(logging.DefaultConfig())
	}
	return &NFQueueSource{
		queueNum: queueNum,
		logger:   logger.WithComponent("capture"),
		ch:       make(chan *packet.Packet, 1024),
		done:     make(chan struct{}),
	}
}

// NewPlatformSource returns the capture backend for this platform.
func NewPlatformSource(queueNum uint16, logger *logging.Logger) (Source, error) {
	return NewNFQueueSource(queueNum, logger), nil
}

// Start opens the queue. NFQUEUE selects traffic through the netfilter
// rules that feed the queue, so the filter expression is ignored here.
func (s *NFQueueSource) Start(filter string) (<-chan *packet.Packet, error) {
	cfg := nfqueue.Config{
		NfQueue:      s.queueNum,
		MaxPacketLen: 0xFFFF,
		MaxQueueLen:  1024,
		AfFamily:     unix.AF_UNSPEC,
		Copymode:     nfqueue.NfQnlCopyPacket,
		WriteTimeout: 50 * time.Millisecond,
	}

	nf, err := nfqueue.Open(&cfg)
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindCapture,
			"failed to open nfqueue %d (missing CAP_NET_ADMIN?)", s.queueNum)
	}

	ctx, cancel := context.WithCancel(context.Background())

	s.mu.Lock()
	s.nf = nf
	s.cancel = cancel
	s.mu.Unlock()

	hook := func(a nfqueue.Attribute) int {
		s.handle(a)
		return 0
	}
	errFn := func(e error) int {
		s.fault(errors.Wrap(e, errors.KindCapture, "nfqueue receive fault"))
		return 1
	}

	if err := nf.RegisterWithErrorFunc(ctx, hook, errFn); err != nil {
		cancel()
		nf.Close()
		return nil, errors.Wrap(err, errors.KindCapture, "failed to register nfqueue hook")
	}

	s.logger.Info("nfqueue capture started", "queue", s.queueNum)
	return s.ch, nil
}

func (s *NFQueueSource) handle(a nfqueue.Attribute) {
	if a.PacketID == nil || a.Payload == nil {
		return
	}

	s.mu.Lock()
	if s.intakeOff {
		// Stream is gone; do not strand the packet in the kernel.
		s.nf.SetVerdict(*a.PacketID, nfqueue.NfAccept)
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	ts := time.Now()
	if a.Timestamp != nil {
		ts = *a.Timestamp
	}

	dir := packet.Inbound
	if a.OutDev != nil && *a.OutDev != 0 {
		dir = packet.Outbound
	}

	pkt, err := packet.Parse(*a.Payload, dir, ts)
	if err != nil {
		// Undecodable packets are not ours to judge; let them through.
		s.logger.WithError(err).Debug("Accepting undecodable packet")
		s.nf.SetVerdict(*a.PacketID, nfqueue.NfAccept)
		return
	}
	pkt.ID = uint64(*a.PacketID)

	select {
	case s.ch <- pkt:
		s.stats.captured.Add(1)
	case <-s.done:
		s.nf.SetVerdict(*a.PacketID, nfqueue.NfAccept)
	}
}

// Reinject accepts the queued packet, returning the original bytes to
// the stack.
func (s *NFQueueSource) Reinject(p *packet.Packet) error {
	s.mu.Lock()
	nf, stopped := s.nf, s.stopped
	s.mu.Unlock()
	if stopped || nf == nil {
		return ErrStopped
	}
	if err := nf.SetVerdict(uint32(p.ID), nfqueue.NfAccept); err != nil {
		s.stats.reinjectErrors.Add(1)
		return errors.Wrapf(err, errors.KindReinjection, "accept verdict for packet %d", p.ID)
	}
	s.stats.reinjected.Add(1)
	return nil
}

// Drop discards the queued packet.
func (s *NFQueueSource) Drop(p *packet.Packet) error {
	s.mu.Lock()
	nf, stopped := s.nf, s.stopped
	s.mu.Unlock()
	if stopped || nf == nil {
		return ErrStopped
	}
	if err := nf.SetVerdict(uint32(p.ID), nfqueue.NfDrop); err != nil {
		return errors.Wrapf(err, errors.KindReinjection, "drop verdict for packet %d", p.ID)
	}
	s.stats.dropped.Add(1)
	return nil
}

// StopIntake stops receiving from the queue and closes the stream. The
// netlink socket stays open so verdicts on packets the kernel still
// holds can land until Stop.
func (s *NFQueueSource) StopIntake() error {
	s.stopIntake(nil)
	return nil
}

// Stop sets the stream closed if it is not already and releases the
// queue. Packets still queued in the kernel at this point are accepted
// by netfilter's queue teardown, not dropped.
func (s *NFQueueSource) Stop() error {
	return s.shutdown(nil)
}

func (s *NFQueueSource) fault(err error) {
	s.logger.WithError(err).Error("Capture fault")
	s.shutdown(err)
}

func (s *NFQueueSource) stopIntake(cause error) {
	s.mu.Lock()
	if s.intakeOff {
		s.mu.Unlock()
		return
	}
	s.intakeOff = true
	s.err = cause
	cancel := s.cancel
	s.mu.Unlock()

	// Unblock any in-flight hook, wait for it, then close the stream.
	close(s.done)
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
	close(s.ch)
}

func (s *NFQueueSource) shutdown(cause error) error {
	s.stopIntake(cause)

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	nf := s.nf
	s.mu.Unlock()

	if nf != nil {
		return nf.Close()
	}
	return nil
}

// Err returns the fault that terminated the stream, or nil after a
// clean Stop.
func (s *NFQueueSource) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Stats returns capture counters.
func (s *NFQueueSource) Stats() Stats {
	return s.stats.snapshot()
}
