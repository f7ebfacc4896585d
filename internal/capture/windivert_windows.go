// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build windows

package capture

import (
	"sync"
	"time"
	"unsafe"

	"golang.org/x/sys/windows"

	"github.com/procnet/governor/internal/errors"
	"github.com/procnet/governor/internal/logging"
	"github.com/procnet/governor/internal/packet"
)

// WinDivertSource captures packets through the WinDivert driver,
// loading WinDivert.dll at runtime so the binary does not link against
// it. The driver diverts matching packets out of the stack until
// WinDivertSend returns them; dropping is simply not sending.
type WinDivertSource struct {
	logger *logging.Logger

	dll      *windows.LazyDLL
	procOpen *windows.LazyProc
	procRecv *windows.LazyProc
	procSend *windows.LazyProc
	procShut *windows.LazyProc
	procClos *windows.LazyProc

	ch chan *packet.Packet

	mu        sync.Mutex
	handle    windows.Handle
	nextID    uint64
	pending   map[uint64]*winDivertAddress
	intakeOff bool
	stopped   bool
	err       error

	stats counters
}

// winDivertAddress mirrors WINDIVERT_ADDRESS for the network layer.
type winDivertAddress struct {
	Timestamp   int64
	Layer       uint32
	Event       uint32
	Sniffed     uint32
	Outbound    uint32
	Loopback    uint32
	Impostor    uint32
	IPv6        uint32
	IPChecksum  uint32
	TCPChecksum uint32
	UDPChecksum uint32
	ProcessID   uint32
	_           [8]byte
}

const (
	winDivertLayerNetwork = 0
	winDivertShutdownRecv = 1
)

// NewWinDivertSource creates a WinDivert-backed source.
func NewWinDivertSource(logger *logging.Logger) *WinDivertSource {
	if logger == nil {
		logger = logging.New(logging.DefaultConfig())
	}
	dll := windows.NewLazyDLL("WinDivert.dll")
	return &WinDivertSource{
		logger:   logger.WithComponent("capture"),
		dll:      dll,
		procOpen: dll.NewProc("WinDivertOpen"),
		procRecv: dll.NewProc("WinDivertRecv"),
		procSend: dll.NewProc("WinDivertSend"),
		procShut: dll.NewProc("WinDivertShutdown"),
		procClos: dll.NewProc("WinDivertClose"),
		ch:       make(chan *packet.Packet, 1024),
		pending:  make(map[uint64]*winDivertAddress),
	}
}

// NewPlatformSource returns the capture backend for this platform. The
// queue number is meaningless on Windows and ignored.
func NewPlatformSource(_ uint16, logger *logging.Logger) (Source, error) {
	return NewWinDivertSource(logger), nil
}

// Start opens a WinDivert handle with the given filter expression
// (WinDivert filter language; "true" matches everything) and begins the
// receive loop.
func (s *WinDivertSource) Start(filter string) (<-chan *packet.Packet, error) {
	if err := s.dll.Load(); err != nil {
		return nil, errors.Wrap(err, errors.KindCapture,
			"WinDivert.dll not found; install the driver alongside the executable")
	}

	if filter == "" {
		filter = "true"
	}
	filterZ := append([]byte(filter), 0)

	h, _, callErr := s.procOpen.Call(
		uintptr(unsafe.Pointer(&filterZ[0])),
		winDivertLayerNetwork,
		0, // priority
		0, // flags
	)
	if windows.Handle(h) == windows.InvalidHandle {
		return nil, errors.Wrap(callErr, errors.KindCapture,
			"WinDivertOpen failed (driver not loaded or insufficient privilege)")
	}

	s.mu.Lock()
	s.handle = windows.Handle(h)
	s.mu.Unlock()

	go s.recvLoop()

	s.logger.Info("windivert capture started", "filter", filter)
	return s.ch, nil
}

func (s *WinDivertSource) recvLoop() {
	defer close(s.ch)

	buf := make([]byte, 0xFFFF)
	for {
		var addr winDivertAddress
		var recvLen uint32

		s.mu.Lock()
		h := s.handle
		s.mu.Unlock()

		ok, _, callErr := s.procRecv.Call(
			uintptr(h),
			uintptr(unsafe.Pointer(&buf[0])),
			uintptr(len(buf)),
			uintptr(unsafe.Pointer(&addr)),
			uintptr(unsafe.Pointer(&recvLen)),
		)
		if ok == 0 {
			s.mu.Lock()
			if !s.intakeOff {
				s.intakeOff = true
				s.err = errors.Wrap(callErr, errors.KindCapture, "WinDivertRecv failed")
			}
			s.mu.Unlock()
			return
		}

		dir := packet.Inbound
		if addr.Outbound != 0 {
			dir = packet.Outbound
		}

		// The receive buffer is reused; the packet owns a copy.
		data := make([]byte, recvLen)
		copy(data, buf[:recvLen])

		pkt, err := packet.Parse(data, dir, time.Now())
		if err != nil {
			// Forward what we cannot decode.
			s.send(data, &addr)
			continue
		}
		pkt.PIDHint = addr.ProcessID

		s.mu.Lock()
		if s.intakeOff {
			s.mu.Unlock()
			// Drain: forward already-diverted packets untouched until
			// the driver reports the queue empty.
			s.send(data, &addr)
			continue
		}
		s.nextID++
		pkt.ID = s.nextID
		addrCopy := addr
		s.pending[pkt.ID] = &addrCopy
		s.mu.Unlock()

		s.stats.captured.Add(1)
		s.ch <- pkt
	}
}

func (s *WinDivertSource) send(data []byte, addr *winDivertAddress) error {
	s.mu.Lock()
	h := s.handle
	s.mu.Unlock()

	var sentLen uint32
	ok, _, callErr := s.procSend.Call(
		uintptr(h),
		uintptr(unsafe.Pointer(&data[0])),
		uintptr(len(data)),
		uintptr(unsafe.Pointer(addr)),
		uintptr(unsafe.Pointer(&sentLen)),
	)
	if ok == 0 {
		return errors.Wrap(callErr, errors.KindReinjection, "WinDivertSend failed")
	}
	return nil
}

// Reinject returns the exact captured bytes to the stack.
func (s *WinDivertSource) Reinject(p *packet.Packet) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrStopped
	}
	addr, found := s.pending[p.ID]
	s.mu.Unlock()
	if !found {
		return errors.Errorf(errors.KindReinjection, "unknown packet id %d", p.ID)
	}

	if err := s.send(p.Data, addr); err != nil {
		s.stats.reinjectErrors.Add(1)
		return err
	}

	s.mu.Lock()
	delete(s.pending, p.ID)
	s.mu.Unlock()
	s.stats.reinjected.Add(1)
	return nil
}

// Drop discards the packet; diverted packets that are never sent back
// simply cease to exist.
func (s *WinDivertSource) Drop(p *packet.Packet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrStopped
	}
	delete(s.pending, p.ID)
	s.stats.dropped.Add(1)
	return nil
}

// StopIntake shuts down the receive half of the handle. The driver
// stops diverting new packets, the receive loop drains what the driver
// already queued and closes the stream, and WinDivertSend keeps working
// until Stop.
func (s *WinDivertSource) StopIntake() error {
	s.mu.Lock()
	if s.intakeOff || s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.intakeOff = true
	h := s.handle
	s.mu.Unlock()

	if h != 0 && h != windows.InvalidHandle {
		s.procShut.Call(uintptr(h), winDivertShutdownRecv)
	}
	return nil
}

// Stop closes the WinDivert handle, which unblocks the receive loop if
// it is still running and closes the stream.
func (s *WinDivertSource) Stop() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.intakeOff = true
	s.stopped = true
	h := s.handle
	s.mu.Unlock()

	if h != 0 && h != windows.InvalidHandle {
		s.procClos.Call(uintptr(h))
	}
	return nil
}

// Err returns the fault that terminated the stream, or nil after a
// clean Stop.
func (s *WinDivertSource) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Stats returns capture counters.
func (s *WinDivertSource) Stats() Stats {
	return s.stats.snapshot()
}
