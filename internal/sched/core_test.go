package sched

import (
	"testing"
	"time"

	"github.com/nexusml/nexus/internal/config"
	"github.com/nexusml/nexus/internal/modeldb"
	"github.com/nexusml/nexus/internal/session"
	"github.com/nexusml/nexus/internal/wire"
)

// fakeTransport records every pushed model-table and route update instead
// of sending them over a real connection.
type fakeTransport struct {
	tables map[uint32][]wire.ModelTableEntry
	routes map[uint32][]wire.ModelRoute
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{tables: map[uint32][]wire.ModelTableEntry{}, routes: map[uint32][]wire.ModelRoute{}}
}

func (f *fakeTransport) SendModelTable(nodeID uint32, entries []wire.ModelTableEntry) {
	f.tables[nodeID] = append(f.tables[nodeID], entries...)
}

func (f *fakeTransport) SendModelRoutes(nodeID uint32, routes []wire.ModelRoute) {
	f.routes[nodeID] = append(f.routes[nodeID], routes...)
}

func testProfile() modeldb.Profile {
	return modeldb.Profile{
		ID:        "tf:resnet50:1",
		Framework: "tf",
		MemoryMB:  1024,
		Batches: []modeldb.BatchPoint{
			{Batch: 1, Throughput: 50, LatencyMs: 10},
			{Batch: 4, Throughput: 150, LatencyMs: 20},
		},
	}
}

func testSession() session.ModelSession {
	return session.ModelSession{Framework: "tf", ModelName: "resnet50", Version: "1", LatencySLAMs: 100}
}

func newTestCore(t *testing.T) (*Core, *fakeTransport) {
	t.Helper()
	db := modeldb.NewFromProfiles(testProfile())
	cfg := config.SchedulerConfig{
		BeaconIntervalSec: 2,
		EpochIntervalSec:  10,
		EpochScheduling:   true,
		PrefixBatching:    true,
		LivenessMultiple:  2,
		MinHistoryLen:     3,
	}
	tr := newFakeTransport()
	core := NewCore(cfg, db, nil, tr)
	return core, tr
}

func TestRegisterBackendConflict(t *testing.T) {
	core, _ := newTestCore(t)
	req := wire.RegisterRequest{Type: "register", NodeID: 1, NodeType: wire.NodeBackend, ServerPort: 9000, GPUAvailableMem: 4096}
	if reply := core.Register(req); reply.Status != wire.StatusOK {
		t.Fatalf("first register: expected OK, got %v", reply.Status)
	}
	if reply := core.Register(req); reply.Status != wire.StatusBackendNodeIDConflict {
		t.Fatalf("second register: expected conflict, got %v", reply.Status)
	}
}

func TestLoadModelNotEnoughBackends(t *testing.T) {
	core, _ := newTestCore(t)
	core.Register(wire.RegisterRequest{Type: "register", NodeID: 10, NodeType: wire.NodeFrontend})

	req := wire.LoadModelRequest{
		NodeID:           10,
		ModelSession:     wire.ModelSessionWire{Framework: "tf", ModelName: "resnet50", Version: "1", LatencySLAMs: 100},
		EstimateWorkload: 100,
	}
	reply := core.LoadModel(req)
	if reply.Status != wire.StatusNotEnoughBackends {
		t.Fatalf("expected NOT_ENOUGH_BACKENDS with no backends, got %v", reply.Status)
	}
}

func TestLoadModelPlacesAcrossTwoBackends(t *testing.T) {
	core, tr := newTestCore(t)
	core.Register(wire.RegisterRequest{Type: "register", NodeID: 10, NodeType: wire.NodeFrontend})
	core.Register(wire.RegisterRequest{Type: "register", NodeID: 1, NodeType: wire.NodeBackend, ServerPort: 9000, GPUAvailableMem: 4096})
	core.Register(wire.RegisterRequest{Type: "register", NodeID: 2, NodeType: wire.NodeBackend, ServerPort: 9001, GPUAvailableMem: 4096})

	req := wire.LoadModelRequest{
		NodeID:           10,
		ModelSession:     wire.ModelSessionWire{Framework: "tf", ModelName: "resnet50", Version: "1", LatencySLAMs: 100},
		EstimateWorkload: 200,
	}
	reply := core.LoadModel(req)
	if reply.Status != wire.StatusOK {
		t.Fatalf("expected OK, got %v", reply.Status)
	}
	if len(reply.Route.Backends) != 2 {
		t.Fatalf("expected two backends serving the session, got %d: %+v", len(reply.Route.Backends), reply.Route.Backends)
	}
	var total float64
	for _, b := range reply.Route.Backends {
		total += b.Throughput
	}
	if total < 150 {
		t.Fatalf("expected combined throughput of at least 150 toward the 200 rps estimate, got %v", total)
	}
	if len(tr.tables[1]) == 0 || len(tr.tables[2]) == 0 {
		t.Fatalf("expected model table pushes to both backends")
	}
}

func TestBeaconLivenessRemovesDeadBackendAndPushesRoute(t *testing.T) {
	core, tr := newTestCore(t)
	core.Register(wire.RegisterRequest{Type: "register", NodeID: 10, NodeType: wire.NodeFrontend})
	core.Register(wire.RegisterRequest{Type: "register", NodeID: 1, NodeType: wire.NodeBackend, ServerPort: 9000, GPUAvailableMem: 4096})

	req := wire.LoadModelRequest{
		NodeID:           10,
		ModelSession:     wire.ModelSessionWire{Framework: "tf", ModelName: "resnet50", Version: "1", LatencySLAMs: 100},
		EstimateWorkload: 50,
	}
	if reply := core.LoadModel(req); reply.Status != wire.StatusOK {
		t.Fatalf("setup LoadModel failed: %v", reply.Status)
	}

	core.mu.Lock()
	core.backends[1].LastAlive = time.Now().Add(-10 * time.Second)
	core.mu.Unlock()

	core.runBeacon()

	core.mu.Lock()
	_, stillRegistered := core.backends[1]
	core.mu.Unlock()
	if stillRegistered {
		t.Fatal("expected dead backend to be removed by beacon liveness sweep")
	}
	if len(tr.routes[10]) == 0 {
		t.Fatal("expected a route push to the subscribed frontend after backend removal")
	}
}

func TestPrefixBatchingJoinsPeerOntoSameBackend(t *testing.T) {
	profile := testProfile()
	profile.PrefixShareGroup = "cnn-backbone"
	profile2 := profile
	profile2.ID = "tf:resnet50:2"
	db := modeldb.NewFromProfiles(profile, profile2)

	cfg := config.SchedulerConfig{BeaconIntervalSec: 2, EpochIntervalSec: 10, PrefixBatching: true, LivenessMultiple: 2}
	tr := newFakeTransport()
	core := NewCore(cfg, db, nil, tr)

	core.Register(wire.RegisterRequest{Type: "register", NodeID: 10, NodeType: wire.NodeFrontend})
	core.Register(wire.RegisterRequest{Type: "register", NodeID: 1, NodeType: wire.NodeBackend, ServerPort: 9000, GPUAvailableMem: 4096})

	first := core.LoadModel(wire.LoadModelRequest{
		NodeID:           10,
		ModelSession:     wire.ModelSessionWire{Framework: "tf", ModelName: "resnet50", Version: "1", LatencySLAMs: 100},
		EstimateWorkload: 50,
	})
	if first.Status != wire.StatusOK {
		t.Fatalf("first LoadModel failed: %v", first.Status)
	}
	second := core.LoadModel(wire.LoadModelRequest{
		NodeID:           10,
		ModelSession:     wire.ModelSessionWire{Framework: "tf", ModelName: "resnet50", Version: "2", LatencySLAMs: 100},
		EstimateWorkload: 50,
	})
	if second.Status != wire.StatusOK {
		t.Fatalf("second (prefix-peer) LoadModel failed: %v", second.Status)
	}
	if len(second.Route.Backends) != 1 || second.Route.Backends[0].NodeID != first.Route.Backends[0].NodeID {
		t.Fatalf("expected prefix peer to ride the same backend as the head session")
	}
}

func TestRegisterBackendAssignsStaticWorkload(t *testing.T) {
	db := modeldb.NewFromProfiles(testProfile())
	cfg := config.SchedulerConfig{BeaconIntervalSec: 2, EpochIntervalSec: 10, LivenessMultiple: 2, MinHistoryLen: 3}
	tr := newFakeTransport()
	workloads := []session.WorkloadSlot{{Sessions: []session.ModelSession{testSession()}}}
	core := NewCore(cfg, db, workloads, tr)

	reply := core.Register(wire.RegisterRequest{Type: "register", NodeID: 1, NodeType: wire.NodeBackend, ServerPort: 9000, GPUAvailableMem: 4096})
	if reply.Status != wire.StatusOK {
		t.Fatalf("register: expected OK, got %v", reply.Status)
	}

	core.mu.Lock()
	bd := core.backends[1]
	workloadID := bd.WorkloadID
	static := bd.HasStaticWorkload()
	si, exists := core.sessionTable[testSession().ID()]
	hasStatic := exists && si.HasStaticWorkload
	core.mu.Unlock()

	if !static || workloadID != 0 {
		t.Fatalf("expected backend to be assigned static workload slot 0, got HasStaticWorkload=%v WorkloadID=%d", static, workloadID)
	}
	if !exists || !hasStatic {
		t.Fatalf("expected the workload's session to be seeded into the session table with HasStaticWorkload set")
	}
	if len(tr.tables[1]) == 0 {
		t.Fatalf("expected a model table push loading the static workload's session onto the backend")
	}
}

func TestUnregisterBackendAbsorbsWorkloadOntoIdleBackend(t *testing.T) {
	core, tr := newTestCore(t)
	core.Register(wire.RegisterRequest{Type: "register", NodeID: 10, NodeType: wire.NodeFrontend})
	core.Register(wire.RegisterRequest{Type: "register", NodeID: 1, NodeType: wire.NodeBackend, ServerPort: 9000, GPUAvailableMem: 4096})

	reply := core.LoadModel(wire.LoadModelRequest{
		NodeID:           10,
		ModelSession:     wire.ModelSessionWire{Framework: "tf", ModelName: "resnet50", Version: "1", LatencySLAMs: 100},
		EstimateWorkload: 50,
	})
	if reply.Status != wire.StatusOK {
		t.Fatalf("setup LoadModel failed: %v", reply.Status)
	}

	core.Register(wire.RegisterRequest{Type: "register", NodeID: 2, NodeType: wire.NodeBackend, ServerPort: 9001, GPUAvailableMem: 4096})

	core.Unregister(wire.UnregisterRequest{Type: "unregister", NodeID: 1, NodeType: wire.NodeBackend})

	core.mu.Lock()
	_, stillThere := core.backends[1]
	sid := testSession().ID()
	si := core.sessionTable[sid]
	_, onAbsorber := si.BackendThroughputs[2]
	core.mu.Unlock()

	if stillThere {
		t.Fatal("expected removed backend to be gone from the registry")
	}
	if !onAbsorber {
		t.Fatal("expected the idle backend to absorb the departing backend's session")
	}
	if len(tr.tables[2]) == 0 {
		t.Fatal("expected a model table push loading the absorbed session onto the idle backend")
	}
}

func TestEpochShrinkReleasesBackendWhenDemandDrops(t *testing.T) {
	core, tr := newTestCore(t)
	core.Register(wire.RegisterRequest{Type: "register", NodeID: 10, NodeType: wire.NodeFrontend})
	core.Register(wire.RegisterRequest{Type: "register", NodeID: 1, NodeType: wire.NodeBackend, ServerPort: 9000, GPUAvailableMem: 4096})
	core.Register(wire.RegisterRequest{Type: "register", NodeID: 2, NodeType: wire.NodeBackend, ServerPort: 9001, GPUAvailableMem: 4096})

	reply := core.LoadModel(wire.LoadModelRequest{
		NodeID:           10,
		ModelSession:     wire.ModelSessionWire{Framework: "tf", ModelName: "resnet50", Version: "1", LatencySLAMs: 100},
		EstimateWorkload: 200,
	})
	if reply.Status != wire.StatusOK {
		t.Fatalf("setup LoadModel failed: %v", reply.Status)
	}

	sid := testSession().ID()
	core.mu.Lock()
	si := core.sessionTable[sid]
	before := si.TotalThroughput()
	si.RPSHistory = []float64{50, 50, 50}
	core.mu.Unlock()

	core.runEpoch()

	core.mu.Lock()
	after := si.TotalThroughput()
	backendCount := len(si.BackendThroughputs)
	core.mu.Unlock()

	if after >= before {
		t.Fatalf("expected shrink to reduce throughput below the pre-shrink total %v, got %v", before, after)
	}
	if backendCount != 1 {
		t.Fatalf("expected shrink to keep the largest-throughput backend and fully release the smaller one, leaving 1, got %d", backendCount)
	}
	if len(tr.tables[1]) == 0 && len(tr.tables[2]) == 0 {
		t.Fatalf("expected an unload or throughput-update push to at least one backend")
	}
}

func TestRemoveBackendNotifiesPrimariesOfBackupChange(t *testing.T) {
	core, tr := newTestCore(t)
	core.Register(wire.RegisterRequest{Type: "register", NodeID: 10, NodeType: wire.NodeFrontend})
	core.Register(wire.RegisterRequest{Type: "register", NodeID: 1, NodeType: wire.NodeBackend, ServerPort: 9000, GPUAvailableMem: 4096})
	core.Register(wire.RegisterRequest{Type: "register", NodeID: 2, NodeType: wire.NodeBackend, ServerPort: 9001, GPUAvailableMem: 4096})

	// Backend 1 primaries sid; backend 2 stands by as its backup and also
	// carries a static workload of its own so it isn't idle and isn't
	// picked as an absorber for its own departure. Wired directly rather
	// than through LoadModel/AddBackend so the scenario doesn't depend on
	// FindBestBackend's tie-breaking between two equally-eligible backends.
	sid := testSession().ID()
	core.mu.Lock()
	primary := core.backends[1]
	backup := core.backends[2]
	primary.ModelTable[sid] = LoadedInstance{Session: testSession(), Info: InstanceInfo{Throughput: 50, MemoryMB: 100, Occupancy: 0.5}}
	backup.BackupTable[sid] = true
	backup.WorkloadID = 0
	si := NewSessionInfo(testSession())
	si.BackendThroughputs[1] = 50
	si.BackupBackends[2] = true
	core.sessionTable[sid] = si
	core.mu.Unlock()

	core.Unregister(wire.UnregisterRequest{Type: "unregister", NodeID: 2, NodeType: wire.NodeBackend})

	core.mu.Lock()
	stillBackup := si.BackupBackends[2]
	core.mu.Unlock()

	if stillBackup {
		t.Fatal("expected the departing backup to be cleared from BackupBackends")
	}
	found := false
	for _, e := range tr.tables[1] {
		if e.Op == "remove_backup" && e.SessionID == sid && e.BackupNodeID == 2 {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a remove_backup entry pushed to the primary backend, got %+v", tr.tables[1])
	}
}

func TestEpochGrowIncreasesThroughputFromHistory(t *testing.T) {
	core, _ := newTestCore(t)
	core.Register(wire.RegisterRequest{Type: "register", NodeID: 10, NodeType: wire.NodeFrontend})
	core.Register(wire.RegisterRequest{Type: "register", NodeID: 1, NodeType: wire.NodeBackend, ServerPort: 9000, GPUAvailableMem: 8192})

	reply := core.LoadModel(wire.LoadModelRequest{
		NodeID:           10,
		ModelSession:     wire.ModelSessionWire{Framework: "tf", ModelName: "resnet50", Version: "1", LatencySLAMs: 100},
		EstimateWorkload: 50,
	})
	if reply.Status != wire.StatusOK {
		t.Fatalf("setup LoadModel failed: %v", reply.Status)
	}

	sid := testSession().ID()
	core.mu.Lock()
	si := core.sessionTable[sid]
	si.RPSHistory = []float64{140, 145, 150}
	core.mu.Unlock()

	core.runEpoch()

	core.mu.Lock()
	tp := si.TotalThroughput()
	core.mu.Unlock()
	if tp <= 50 {
		t.Fatalf("expected epoch grow to raise throughput above the initial estimate, got %v", tp)
	}
}
