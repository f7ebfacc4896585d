// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package packet defines the captured-packet model shared by the capture
// backends, the resolver, and the governor. A Packet is immutable once
// captured; the governor forwards the original bytes unmodified or drops
// them, so checksums and sequence numbers stay valid on reinjection.
package packet

import (
	"fmt"
	"hash/fnv"
	"net/netip"
	"time"
)

// Protocol is the transport protocol number (IANA).
type Protocol uint8

const (
	ProtoTCP  Protocol = 6
	ProtoUDP  Protocol = 17
	ProtoICMP Protocol = 1
)

func (p Protocol) String() string {
	switch p {
	case ProtoTCP:
		return "tcp"
	case ProtoUDP:
		return "udp"
	case ProtoICMP:
		return "icmp"
	default:
		return fmt.Sprintf("proto-%d", uint8(p))
	}
}

// Direction indicates which way a packet crosses the host boundary.
type Direction int

const (
	Outbound Direction = iota
	Inbound
)

func (d Direction) String() string {
	if d == Inbound {
		return "inbound"
	}
	return "outbound"
}

// FiveTuple identifies a network flow.
type FiveTuple struct {
	Protocol Protocol
	SrcIP    netip.Addr
	DstIP    netip.Addr
	SrcPort  uint16
	DstPort  uint16
}

func (t FiveTuple) String() string {
	return fmt.Sprintf("%s %s:%d -> %s:%d",
		t.Protocol, t.SrcIP, t.SrcPort, t.DstIP, t.DstPort)
}

// Reversed returns the tuple with source and destination swapped.
func (t FiveTuple) Reversed() FiveTuple {
	return FiveTuple{
		Protocol: t.Protocol,
		SrcIP:    t.DstIP,
		DstIP:    t.SrcIP,
		SrcPort:  t.DstPort,
		DstPort:  t.SrcPort,
	}
}

// Canonical returns a direction-independent form of the tuple: the
// endpoint that sorts lower becomes the source. Both directions of one
// connection canonicalize to the same value, so lane sharding keeps a
// connection on a single worker.
func (t FiveTuple) Canonical() FiveTuple {
	if endpointLess(t.SrcIP, t.SrcPort, t.DstIP, t.DstPort) {
		return t
	}
	return t.Reversed()
}

func endpointLess(aIP netip.Addr, aPort uint16, bIP netip.Addr, bPort uint16) bool {
	switch aIP.Compare(bIP) {
	case -1:
		return true
	case 1:
		return false
	}
	return aPort <= bPort
}

// Hash returns a stable hash of the canonical tuple, used to pick a
// worker lane.
func (t FiveTuple) Hash() uint32 {
	c := t.Canonical()
	h := fnv.New32a()
	h.Write([]byte{byte(c.Protocol)})
	src := c.SrcIP.As16()
	dst := c.DstIP.As16()
	h.Write(src[:])
	h.Write(dst[:])
	h.Write([]byte{byte(c.SrcPort >> 8), byte(c.SrcPort), byte(c.DstPort >> 8), byte(c.DstPort)})
	return h.Sum32()
}

// Packet is one captured datagram held by the governor between capture
// and verdict.
type Packet struct {
	// ID is assigned by the capture backend and identifies the packet
	// for Reinject and Drop.
	ID uint64
	// Data is the raw packet starting at the IP header. Never mutated.
	Data []byte
	// Timestamp is the capture time.
	Timestamp time.Time
	Direction Direction
	Tuple     FiveTuple
	// PIDHint is the owning process id when the capture backend already
	// knows it (WinDivert reports one on some layers). Zero means
	// unknown; the resolver decides.
	PIDHint uint32
}

// Size returns the packet length in bytes, the unit the rate limiter
// charges against.
func (p *Packet) Size() int {
	return len(p.Data)
}
