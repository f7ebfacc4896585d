// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build linux

package resolver

import (
	"bufio"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"

	"github.com/procnet/governor/internal/packet"
)

// SystemProvider reads the Linux connection table from procfs: socket
// rows from /proc/net/{tcp,tcp6,udp,udp6}, then socket inodes mapped to
// PIDs by walking /proc/<pid>/fd. This is the same walk netstat -p
// performs and needs no extra privilege beyond reading /proc.
type SystemProvider struct {
	procRoot string
}

// NewSystemProvider creates the platform connection-table provider.
func NewSystemProvider() *SystemProvider {
	return &SystemProvider{procRoot: "/proc"}
}

type socketRow struct {
	proto      packet.Protocol
	localIP    netip.Addr
	localPort  uint16
	remoteIP   netip.Addr
	remotePort uint16
	inode      uint64
}

// Table dumps the connection table.
func (p *SystemProvider) Table() ([]Row, error) {
	var sockets []socketRow

	files := []struct {
		name  string
		proto packet.Protocol
		v6    bool
	}{
		{"net/tcp", packet.ProtoTCP, false},
		{"net/tcp6", packet.ProtoTCP, true},
		{"net/udp", packet.ProtoUDP, false},
		{"net/udp6", packet.ProtoUDP, true},
	}

	for _, f := range files {
		rows, err := p.parseNetFile(f.name, f.proto, f.v6)
		if err != nil {
			if os.IsNotExist(err) {
				continue // family not enabled
			}
			return nil, err
		}
		sockets = append(sockets, rows...)
	}

	inodeOwner, paths := p.inodeOwners()

	out := make([]Row, 0, len(sockets))
	for _, s := range sockets {
		pid, ok := inodeOwner[s.inode]
		if !ok {
			continue
		}
		out = append(out, Row{
			Protocol:   s.proto,
			LocalIP:    s.localIP,
			LocalPort:  s.localPort,
			RemoteIP:   s.remoteIP,
			RemotePort: s.remotePort,
			PID:        pid,
			Path:       paths[pid],
		})
	}
	return out, nil
}

func (p *SystemProvider) parseNetFile(name string, proto packet.Protocol, v6 bool) ([]socketRow, error) {
	f, err := os.Open(p.procRoot + "/" + name)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var rows []socketRow
	sc := bufio.NewScanner(f)
	sc.Scan() // header
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 10 {
			continue
		}

		localIP, localPort, err := parseHexAddr(fields[1], v6)
		if err != nil {
			continue
		}
		remoteIP, remotePort, err := parseHexAddr(fields[2], v6)
		if err != nil {
			continue
		}
		inode, err := strconv.ParseUint(fields[9], 10, 64)
		if err != nil || inode == 0 {
			continue
		}

		rows = append(rows, socketRow{
			proto:      proto,
			localIP:    localIP,
			localPort:  localPort,
			remoteIP:   remoteIP,
			remotePort: remotePort,
			inode:      inode,
		})
	}
	return rows, sc.Err()
}

// parseHexAddr decodes the "0100007F:0050" format of /proc/net files:
// the address is native-endian per 32-bit group, the port is hex.
func parseHexAddr(s string, v6 bool) (netip.Addr, uint16, error) {
	ipStr, portStr, ok := strings.Cut(s, ":")
	if !ok {
		return netip.Addr{}, 0, fmt.Errorf("malformed address %q", s)
	}

	port, err := strconv.ParseUint(portStr, 16, 16)
	if err != nil {
		return netip.Addr{}, 0, err
	}

	raw, err := hex.DecodeString(ipStr)
	if err != nil {
		return netip.Addr{}, 0, err
	}

	if v6 {
		if len(raw) != 16 {
			return netip.Addr{}, 0, fmt.Errorf("bad v6 length %d", len(raw))
		}
		var b [16]byte
		for g := 0; g < 4; g++ {
			v := binary.BigEndian.Uint32(raw[g*4 : g*4+4])
			binary.LittleEndian.PutUint32(b[g*4:g*4+4], v)
		}
		return netip.AddrFrom16(b).Unmap(), uint16(port), nil
	}

	if len(raw) != 4 {
		return netip.Addr{}, 0, fmt.Errorf("bad v4 length %d", len(raw))
	}
	return netip.AddrFrom4([4]byte{raw[3], raw[2], raw[1], raw[0]}), uint16(port), nil
}

// inodeOwners maps socket inodes to owning PIDs by scanning fd links,
// and resolves each PID's executable path once.
func (p *SystemProvider) inodeOwners() (map[uint64]uint32, map[uint32]string) {
	owners := make(map[uint64]uint32)
	paths := make(map[uint32]string)

	entries, err := os.ReadDir(p.procRoot)
	if err != nil {
		return owners, paths
	}

	for _, e := range entries {
		pid64, err := strconv.ParseUint(e.Name(), 10, 32)
		if err != nil {
			continue
		}
		pid := uint32(pid64)

		fdDir := p.procRoot + "/" + e.Name() + "/fd"
		fds, err := os.ReadDir(fdDir)
		if err != nil {
			continue // exited or not ours to read
		}

		sawSocket := false
		for _, fd := range fds {
			link, err := os.Readlink(fdDir + "/" + fd.Name())
			if err != nil {
				continue
			}
			if !strings.HasPrefix(link, "socket:[") {
				continue
			}
			inodeStr := strings.TrimSuffix(strings.TrimPrefix(link, "socket:["), "]")
			inode, err := strconv.ParseUint(inodeStr, 10, 64)
			if err != nil {
				continue
			}
			owners[inode] = pid
			sawSocket = true
		}

		if sawSocket {
			if exe, err := os.Readlink(p.procRoot + "/" + e.Name() + "/exe"); err == nil {
				paths[pid] = exe
			}
		}
	}
	return owners, paths
}
