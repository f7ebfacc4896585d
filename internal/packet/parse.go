// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package packet

import (
	"fmt"
	"net/netip"
	"time"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
)

// Parse decodes raw bytes starting at the IP header into a Packet.
// The byte slice is retained, not copied.
func Parse(data []byte, dir Direction, ts time.Time) (*Packet, error) {
	if len(data) < 1 {
		return nil, fmt.Errorf("empty packet")
	}

	var first gopacket.Decoder
	switch data[0] >> 4 {
	case 4:
		first = layers.LayerTypeIPv4
	case 6:
		first = layers.LayerTypeIPv6
	default:
		return nil, fmt.Errorf("unknown IP version %d", data[0]>>4)
	}

	decoded := gopacket.NewPacket(data, first, gopacket.DecodeOptions{Lazy: true, NoCopy: true})

	tuple := FiveTuple{}

	switch ip := decoded.NetworkLayer().(type) {
	case *layers.IPv4:
		tuple.Protocol = Protocol(ip.Protocol)
		tuple.SrcIP = addrFromSlice(ip.SrcIP)
		tuple.DstIP = addrFromSlice(ip.DstIP)
	case *layers.IPv6:
		tuple.Protocol = Protocol(ip.NextHeader)
		tuple.SrcIP = addrFromSlice(ip.SrcIP)
		tuple.DstIP = addrFromSlice(ip.DstIP)
	default:
		return nil, fmt.Errorf("no IP layer in packet")
	}

	switch tl := decoded.TransportLayer().(type) {
	case *layers.TCP:
		tuple.Protocol = ProtoTCP
		tuple.SrcPort = uint16(tl.SrcPort)
		tuple.DstPort = uint16(tl.DstPort)
	case *layers.UDP:
		tuple.Protocol = ProtoUDP
		tuple.SrcPort = uint16(tl.SrcPort)
		tuple.DstPort = uint16(tl.DstPort)
	}

	return &Packet{
		Data:      data,
		Timestamp: ts,
		Direction: dir,
		Tuple:     tuple,
	}, nil
}

func addrFromSlice(b []byte) netip.Addr {
	a, ok := netip.AddrFromSlice(b)
	if !ok {
		return netip.Addr{}
	}
	return a.Unmap()
}
