package sched

import (
	"testing"

	"github.com/nexusml/nexus/internal/session"
)

func TestOverloadAndSpillOutWorkload(t *testing.T) {
	bd := NewBackendDelegate(1, "10.0.0.1", 9000, 9001, "gpu", 8192)
	bd.LoadModel(session.ModelSession{Framework: "tf", ModelName: "a", Version: "1", LatencySLAMs: 100}, InstanceInfo{Throughput: 100, MemoryMB: 100, Occupancy: 0.5})
	bd.LoadModel(session.ModelSession{Framework: "tf", ModelName: "b", Version: "1", LatencySLAMs: 100}, InstanceInfo{Throughput: 40, MemoryMB: 100, Occupancy: 0.2})
	bd.LoadModel(session.ModelSession{Framework: "tf", ModelName: "c", Version: "1", LatencySLAMs: 100}, InstanceInfo{Throughput: 90, MemoryMB: 100, Occupancy: 0.45})
	bd.FlushTable() // discard the load pushes; only spill-out's own pushes matter below

	if !bd.Overload() {
		t.Fatalf("expected combined occupancy %v to be overloaded", bd.TotalOccupancy())
	}

	evicted := bd.SpillOutWorkload()
	if len(evicted) != 1 {
		t.Fatalf("expected exactly one eviction to drop occupancy back under 1.0, got %d: %+v", len(evicted), evicted)
	}
	if evicted[0].SessionID != "tf:b:1:100" {
		t.Fatalf("expected the smallest-occupancy instance (session b) to be evicted first, got %q", evicted[0].SessionID)
	}
	if bd.Overload() {
		t.Fatalf("expected backend to be within capacity after spilling out, occupancy=%v", bd.TotalOccupancy())
	}
	if _, ok := bd.ModelTable[evicted[0].SessionID]; ok {
		t.Fatalf("expected evicted session removed from ModelTable")
	}
	pending := bd.FlushTable()
	if len(pending) != 1 || pending[0].Op != "unload" || pending[0].SessionID != evicted[0].SessionID {
		t.Fatalf("expected a single queued unload entry for the evicted session, got %+v", pending)
	}
}
