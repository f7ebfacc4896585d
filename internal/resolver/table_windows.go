// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build windows

package resolver

import (
	"fmt"
	"net/netip"
	"sync"
	"unsafe"

	"golang.org/x/sys/windows"

	"github.com/procnet/governor/internal/packet"
)

var (
	iphlpapi           = windows.NewLazySystemDLL("iphlpapi.dll")
	procGetExtendedTcp = iphlpapi.NewProc("GetExtendedTcpTable")
	procGetExtendedUdp = iphlpapi.NewProc("GetExtendedUdpTable")
)

const (
	afINET  = 2
	afINET6 = 23

	tcpTableOwnerPIDAll = 5
	udpTableOwnerPID    = 1

	errInsufficientBuffer = 122
)

type mibTCPRowOwnerPID struct {
	State      uint32
	LocalAddr  uint32
	LocalPort  uint32
	RemoteAddr uint32
	RemotePort uint32
	OwningPID  uint32
}

type mibTCP6RowOwnerPID struct {
	LocalAddr     [16]byte
	LocalScopeID  uint32
	LocalPort     uint32
	RemoteAddr    [16]byte
	RemoteScopeID uint32
	RemotePort    uint32
	State         uint32
	OwningPID     uint32
}

type mibUDPRowOwnerPID struct {
	LocalAddr uint32
	LocalPort uint32
	OwningPID uint32
}

type mibUDP6RowOwnerPID struct {
	LocalAddr    [16]byte
	LocalScopeID uint32
	LocalPort    uint32
	OwningPID    uint32
}

// SystemProvider reads the Windows connection table through the
// IP Helper API, the same tables netstat consults. Executable paths are
// resolved per PID and memoized for the lifetime of one Table call
// batch; PID reuse is handled upstream by the resolver's TTL.
type SystemProvider struct {
	mu        sync.Mutex
	pathCache map[uint32]string
}

// NewSystemProvider creates the platform connection-table provider.
func NewSystemProvider() *SystemProvider {
	return &SystemProvider{pathCache: make(map[uint32]string)}
}

// Table dumps TCP and UDP tables for both address families.
func (p *SystemProvider) Table() ([]Row, error) {
	var rows []Row

	tcp4, err := p.tcpTable(afINET)
	if err != nil {
		return nil, err
	}
	rows = append(rows, tcp4...)

	// v6 and UDP failures degrade rather than abort; v4 TCP is the
	// signal that the API works at all.
	if tcp6, err := p.tcpTable(afINET6); err == nil {
		rows = append(rows, tcp6...)
	}
	if udp4, err := p.udpTable(afINET); err == nil {
		rows = append(rows, udp4...)
	}
	if udp6, err := p.udpTable(afINET6); err == nil {
		rows = append(rows, udp6...)
	}

	p.fillPaths(rows)
	return rows, nil
}

func (p *SystemProvider) tcpTable(family uint32) ([]Row, error) {
	buf, err := sizedCall(procGetExtendedTcp, family, tcpTableOwnerPIDAll)
	if err != nil {
		return nil, err
	}

	base := uintptr(unsafe.Pointer(&buf[0]))
	numEntries := *(*uint32)(unsafe.Pointer(base))
	first := base + unsafe.Sizeof(numEntries)

	var rows []Row
	if family == afINET {
		rowSize := unsafe.Sizeof(mibTCPRowOwnerPID{})
		for i := uint32(0); i < numEntries; i++ {
			r := (*mibTCPRowOwnerPID)(unsafe.Pointer(first + uintptr(i)*rowSize))
			rows = append(rows, Row{
				Protocol:   packet.ProtoTCP,
				LocalIP:    ipv4FromDWORD(r.LocalAddr),
				LocalPort:  ntohs(r.LocalPort),
				RemoteIP:   ipv4FromDWORD(r.RemoteAddr),
				RemotePort: ntohs(r.RemotePort),
				PID:        r.OwningPID,
			})
		}
	} else {
		rowSize := unsafe.Sizeof(mibTCP6RowOwnerPID{})
		for i := uint32(0); i < numEntries; i++ {
			r := (*mibTCP6RowOwnerPID)(unsafe.Pointer(first + uintptr(i)*rowSize))
			rows = append(rows, Row{
				Protocol:   packet.ProtoTCP,
				LocalIP:    netip.AddrFrom16(r.LocalAddr).Unmap(),
				LocalPort:  ntohs(r.LocalPort),
				RemoteIP:   netip.AddrFrom16(r.RemoteAddr).Unmap(),
				RemotePort: ntohs(r.RemotePort),
				PID:        r.OwningPID,
			})
		}
	}
	return rows, nil
}

func (p *SystemProvider) udpTable(family uint32) ([]Row, error) {
	buf, err := sizedCall(procGetExtendedUdp, family, udpTableOwnerPID)
	if err != nil {
		return nil, err
	}

	base := uintptr(unsafe.Pointer(&buf[0]))
	numEntries := *(*uint32)(unsafe.Pointer(base))
	first := base + unsafe.Sizeof(numEntries)

	var rows []Row
	if family == afINET {
		rowSize := unsafe.Sizeof(mibUDPRowOwnerPID{})
		for i := uint32(0); i < numEntries; i++ {
			r := (*mibUDPRowOwnerPID)(unsafe.Pointer(first + uintptr(i)*rowSize))
			rows = append(rows, Row{
				Protocol:  packet.ProtoUDP,
				LocalIP:   ipv4FromDWORD(r.LocalAddr),
				LocalPort: ntohs(r.LocalPort),
				PID:       r.OwningPID,
			})
		}
	} else {
		rowSize := unsafe.Sizeof(mibUDP6RowOwnerPID{})
		for i := uint32(0); i < numEntries; i++ {
			r := (*mibUDP6RowOwnerPID)(unsafe.Pointer(first + uintptr(i)*rowSize))
			rows = append(rows, Row{
				Protocol:  packet.ProtoUDP,
				LocalIP:   netip.AddrFrom16(r.LocalAddr).Unmap(),
				LocalPort: ntohs(r.LocalPort),
				PID:       r.OwningPID,
			})
		}
	}
	return rows, nil
}

// sizedCall performs the size-query-then-fetch dance common to the
// IP Helper table functions.
func sizedCall(proc *windows.LazyProc, family uint32, tableClass uint32) ([]byte, error) {
	var size uint32

	r0, _, _ := proc.Call(
		0,
		uintptr(unsafe.Pointer(&size)),
		0,
		uintptr(family),
		uintptr(tableClass),
		0,
	)
	if r0 != errInsufficientBuffer && r0 != 0 {
		return nil, fmt.Errorf("%s size query failed: %d", proc.Name, r0)
	}
	if size == 0 {
		return nil, fmt.Errorf("%s returned size 0", proc.Name)
	}

	buf := make([]byte, size)
	r0, _, e1 := proc.Call(
		uintptr(unsafe.Pointer(&buf[0])),
		uintptr(unsafe.Pointer(&size)),
		0,
		uintptr(family),
		uintptr(tableClass),
		0,
	)
	if r0 != 0 {
		return nil, fmt.Errorf("%s failed: %v (code=%d)", proc.Name, e1, r0)
	}
	return buf, nil
}

// fillPaths resolves executable paths for the PIDs in the batch.
func (p *SystemProvider) fillPaths(rows []Row) {
	p.mu.Lock()
	defer p.mu.Unlock()

	seen := make(map[uint32]string)
	for i := range rows {
		pid := rows[i].PID
		if pid == 0 {
			continue
		}
		path, ok := seen[pid]
		if !ok {
			path = queryProcessPath(pid)
			seen[pid] = path
		}
		rows[i].Path = path
	}
	p.pathCache = seen
}

func queryProcessPath(pid uint32) string {
	h, err := windows.OpenProcess(windows.PROCESS_QUERY_LIMITED_INFORMATION, false, pid)
	if err != nil {
		return ""
	}
	defer windows.CloseHandle(h)

	var buf [windows.MAX_PATH]uint16
	size := uint32(len(buf))
	if err := windows.QueryFullProcessImageName(h, 0, &buf[0], &size); err != nil {
		return ""
	}
	return windows.UTF16ToString(buf[:size])
}

func ipv4FromDWORD(addr uint32) netip.Addr {
	return netip.AddrFrom4([4]byte{
		byte(addr),
		byte(addr >> 8),
		byte(addr >> 16),
		byte(addr >> 24),
	})
}

func ntohs(p uint32) uint16 {
	v := uint16(p)
	return (v >> 8) | (v << 8)
}
