// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package capture

import (
	"net/netip"
	"testing"
	"time"

	"github.com/procnet/governor/internal/errors"
	"github.com/procnet/governor/internal/packet"
)

func simPacket(size int) *packet.Packet {
	return &packet.Packet{
		Data:      make([]byte, size),
		Timestamp: time.Now(),
		Direction: packet.Outbound,
		Tuple: packet.FiveTuple{
			Protocol: packet.ProtoTCP,
			SrcIP:    netip.MustParseAddr("10.0.0.1"),
			DstIP:    netip.MustParseAddr("10.0.0.2"),
			SrcPort:  12345,
			DstPort:  80,
		},
	}
}

func TestSimSource_StreamAndVerdicts(t *testing.T) {
	src := NewSimSource()
	ch, err := src.Start("")
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	src.InjectPacket(simPacket(100))
	src.InjectPacket(simPacket(200))

	p1 := <-ch
	p2 := <-ch

	if err := src.Reinject(p1); err != nil {
		t.Errorf("Reinject failed: %v", err)
	}
	if err := src.Drop(p2); err != nil {
		t.Errorf("Drop failed: %v", err)
	}

	if len(src.Reinjected) != 1 || src.Reinjected[0].ID != p1.ID {
		t.Errorf("Expected packet %d reinjected, got %v", p1.ID, src.Reinjected)
	}
	if len(src.DroppedPkts) != 1 || src.DroppedPkts[0].ID != p2.ID {
		t.Errorf("Expected packet %d dropped, got %v", p2.ID, src.DroppedPkts)
	}
	if src.Pending() != 0 {
		t.Errorf("Expected no pending packets, got %d", src.Pending())
	}

	stats := src.Stats()
	if stats.Captured != 2 || stats.Reinjected != 1 || stats.Dropped != 1 {
		t.Errorf("Unexpected stats: %+v", stats)
	}
}

func TestSimSource_DoubleStart(t *testing.T) {
	src := NewSimSource()
	if _, err := src.Start(""); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if _, err := src.Start(""); err == nil {
		t.Error("Expected error on second Start")
	}
}

func TestSimSource_ReinjectFailure(t *testing.T) {
	src := NewSimSource()
	ch, _ := src.Start("")
	src.FailReinjects = 1

	src.InjectPacket(simPacket(64))
	p := <-ch

	err := src.Reinject(p)
	if err == nil {
		t.Fatal("Expected simulated reinjection failure")
	}
	if errors.GetKind(err) != errors.KindReinjection {
		t.Errorf("Expected KindReinjection, got %v", errors.GetKind(err))
	}

	// Retry succeeds
	if err := src.Reinject(p); err != nil {
		t.Errorf("Retry should succeed, got %v", err)
	}

	if src.Stats().ReinjectErrors != 1 {
		t.Errorf("Expected 1 reinject error, got %d", src.Stats().ReinjectErrors)
	}
}

func TestSimSource_StopClosesStream(t *testing.T) {
	src := NewSimSource()
	ch, _ := src.Start("")

	if err := src.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	if _, open := <-ch; open {
		t.Error("Expected stream closed after Stop")
	}
	if src.Err() != nil {
		t.Errorf("Expected nil Err after clean Stop, got %v", src.Err())
	}

	if err := src.Reinject(simPacket(10)); !errors.Is(err, ErrStopped) {
		t.Errorf("Expected ErrStopped, got %v", err)
	}
}

func TestSimSource_StopIntakeKeepsVerdictsOpen(t *testing.T) {
	src := NewSimSource()
	ch, _ := src.Start("")

	src.InjectPacket(simPacket(100))
	src.InjectPacket(simPacket(200))
	p1 := <-ch
	p2 := <-ch

	if err := src.StopIntake(); err != nil {
		t.Fatalf("StopIntake failed: %v", err)
	}
	if _, open := <-ch; open {
		t.Error("Expected stream closed after StopIntake")
	}

	// Verdicts on already-delivered packets still land.
	if err := src.Reinject(p1); err != nil {
		t.Errorf("Reinject after StopIntake failed: %v", err)
	}
	if err := src.Drop(p2); err != nil {
		t.Errorf("Drop after StopIntake failed: %v", err)
	}
	if src.Pending() != 0 {
		t.Errorf("Expected no pending packets, got %d", src.Pending())
	}

	if err := src.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if err := src.Reinject(simPacket(10)); !errors.Is(err, ErrStopped) {
		t.Errorf("Expected ErrStopped after Stop, got %v", err)
	}
}

func TestSimSource_FaultSurfaces(t *testing.T) {
	src := NewSimSource()
	ch, _ := src.Start("")

	fault := errors.New(errors.KindCapture, "handle torn down")
	src.Fault(fault)

	if _, open := <-ch; open {
		t.Error("Expected stream closed after fault")
	}
	if !errors.Is(src.Err(), fault) {
		t.Errorf("Expected fault surfaced via Err, got %v", src.Err())
	}
}
