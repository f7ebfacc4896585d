// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package packet

import (
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
)

// buildTCP serializes a minimal IPv4/TCP packet for parse tests.
func buildTCP(t *testing.T, src, dst string, sport, dport uint16, payload []byte) []byte {
	t.Helper()

	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolTCP,
		SrcIP:    net.ParseIP(src),
		DstIP:    net.ParseIP(dst),
	}
	tcp := &layers.TCP{
		SrcPort: layers.TCPPort(sport),
		DstPort: layers.TCPPort(dport),
	}
	if err := tcp.SetNetworkLayerForChecksum(ip); err != nil {
		t.Fatalf("SetNetworkLayerForChecksum: %v", err)
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, ip, tcp, gopacket.Payload(payload)); err != nil {
		t.Fatalf("SerializeLayers: %v", err)
	}
	return buf.Bytes()
}

func TestParse_TCPv4(t *testing.T) {
	raw := buildTCP(t, "10.0.0.5", "93.184.216.34", 49152, 443, []byte("hello"))

	pkt, err := Parse(raw, Outbound, time.Unix(100, 0))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	if pkt.Tuple.Protocol != ProtoTCP {
		t.Errorf("Expected tcp, got %v", pkt.Tuple.Protocol)
	}
	if pkt.Tuple.SrcIP != netip.MustParseAddr("10.0.0.5") {
		t.Errorf("Expected src 10.0.0.5, got %v", pkt.Tuple.SrcIP)
	}
	if pkt.Tuple.DstIP != netip.MustParseAddr("93.184.216.34") {
		t.Errorf("Expected dst 93.184.216.34, got %v", pkt.Tuple.DstIP)
	}
	if pkt.Tuple.SrcPort != 49152 || pkt.Tuple.DstPort != 443 {
		t.Errorf("Unexpected ports: %d -> %d", pkt.Tuple.SrcPort, pkt.Tuple.DstPort)
	}
	if pkt.Direction != Outbound {
		t.Errorf("Expected outbound, got %v", pkt.Direction)
	}
	if pkt.Size() != len(raw) {
		t.Errorf("Expected size %d, got %d", len(raw), pkt.Size())
	}
}

func TestParse_Invalid(t *testing.T) {
	if _, err := Parse(nil, Outbound, time.Now()); err == nil {
		t.Error("Expected error for empty packet")
	}
	if _, err := Parse([]byte{0x00, 0x01}, Outbound, time.Now()); err == nil {
		t.Error("Expected error for bogus IP version")
	}
}

func TestFiveTuple_CanonicalSymmetry(t *testing.T) {
	tuple := FiveTuple{
		Protocol: ProtoTCP,
		SrcIP:    netip.MustParseAddr("10.0.0.5"),
		DstIP:    netip.MustParseAddr("93.184.216.34"),
		SrcPort:  49152,
		DstPort:  443,
	}

	if tuple.Canonical() != tuple.Reversed().Canonical() {
		t.Error("Both directions of a connection must canonicalize identically")
	}
	if tuple.Hash() != tuple.Reversed().Hash() {
		t.Error("Both directions of a connection must hash to the same lane")
	}
}

func TestFiveTuple_HashDistinguishesFlows(t *testing.T) {
	a := FiveTuple{
		Protocol: ProtoTCP,
		SrcIP:    netip.MustParseAddr("10.0.0.5"),
		DstIP:    netip.MustParseAddr("93.184.216.34"),
		SrcPort:  49152,
		DstPort:  443,
	}
	b := a
	b.SrcPort = 49153

	if a.Hash() == b.Hash() {
		t.Error("Different flows should generally hash differently")
	}
}

func TestProtocol_String(t *testing.T) {
	cases := []struct {
		proto Protocol
		want  string
	}{
		{ProtoTCP, "tcp"},
		{ProtoUDP, "udp"},
		{ProtoICMP, "icmp"},
		{Protocol(89), "proto-89"},
	}
	for _, tc := range cases {
		if got := tc.proto.String(); got != tc.want {
			t.Errorf("Expected %s, got %s", tc.want, got)
		}
	}
}
