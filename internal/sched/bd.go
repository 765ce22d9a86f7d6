package sched

import (
	"time"

	"github.com/nexusml/nexus/internal/modeldb"
	"github.com/nexusml/nexus/internal/session"
	"github.com/nexusml/nexus/internal/wire"
)

// InstanceInfo is the scheduler's capacity-planning result for one
// (backend, session) pair (spec.md §3 "Instance Info").
type InstanceInfo struct {
	Batch      int
	Throughput float64
	MemoryMB   int
	Occupancy  float64
}

// LoadedInstance pairs a session with the instance the capacity planner
// chose for it on a specific backend.
type LoadedInstance struct {
	Session session.ModelSession
	Info    InstanceInfo
}

// NoWorkload is the WorkloadID sentinel for "not statically assigned".
// Design note (spec.md §9): membership is always tested with >= 0, never
// as a truthiness check on the int itself — 0 is a valid slot.
const NoWorkload = -1

// BackendDelegate is the scheduler-side proxy for one backend node
// (spec.md §3 "Backend Delegate").
type BackendDelegate struct {
	NodeID        uint32
	IP            string
	ServerPort    int
	RPCPort       int
	GPUDeviceName string
	TotalMemoryMB int

	// ModelTable holds primary instances this backend actively serves.
	ModelTable map[string]LoadedInstance
	// PrefixTable maps a prefix-shared peer session id to the base
	// (already-loaded) session id it rides on. Peers consume no
	// additional memory or occupancy of their own.
	PrefixTable map[string]string
	// BackupTable holds sessions this backend is on standby to serve.
	BackupTable map[string]bool

	LastAlive  time.Time
	WorkloadID int // NoWorkload, or a static workload slot index >= 0

	pendingTable []wire.ModelTableEntry
	// lastStats holds the most recent per-session sample reported via
	// UpdateBackendStats, consumed by the beacon loop's RPS aggregation.
	lastStats map[string]wire.SessionStatSample
}

// NewBackendDelegate constructs a BD in the idle, unassigned state.
func NewBackendDelegate(nodeID uint32, ip string, serverPort, rpcPort int, gpuName string, memMB int) *BackendDelegate {
	return &BackendDelegate{
		NodeID:        nodeID,
		IP:            ip,
		ServerPort:    serverPort,
		RPCPort:       rpcPort,
		GPUDeviceName: gpuName,
		TotalMemoryMB: memMB,
		ModelTable:    map[string]LoadedInstance{},
		PrefixTable:   map[string]string{},
		BackupTable:   map[string]bool{},
		LastAlive:     time.Now(),
		WorkloadID:    NoWorkload,
	}
}

// IsAlive reports whether the backend's last beacon is within threshold.
func (bd *BackendDelegate) IsAlive(now time.Time, threshold time.Duration) bool {
	return now.Sub(bd.LastAlive) < threshold
}

// HasStaticWorkload reports static-workload membership. Always >= 0, per
// the spec.md §9 redesign note (never a truthiness test on WorkloadID).
func (bd *BackendDelegate) HasStaticWorkload() bool { return bd.WorkloadID >= 0 }

// IsIdle reports an empty model table and no static workload assignment.
func (bd *BackendDelegate) IsIdle() bool {
	return len(bd.ModelTable) == 0 && len(bd.PrefixTable) == 0 && !bd.HasStaticWorkload()
}

// UsedMemoryMB sums the memory footprint of primary instances.
func (bd *BackendDelegate) UsedMemoryMB() int {
	total := 0
	for _, li := range bd.ModelTable {
		total += li.Info.MemoryMB
	}
	return total
}

// TotalOccupancy sums the occupancy of primary instances (prefix peers add
// none, by construction).
func (bd *BackendDelegate) TotalOccupancy() float64 {
	var total float64
	for _, li := range bd.ModelTable {
		total += li.Info.Occupancy
	}
	return total
}

// PrepareLoadModel runs the capacity planner (spec.md §4.8): choose the
// largest batch whose per-batch latency fits the session's SLA, without
// exceeding available memory or total scheduled occupancy, achieving at
// least min(targetRate, throughput at that batch). It does not mutate the
// backend; call LoadModel to commit the result.
func (bd *BackendDelegate) PrepareLoadModel(db *modeldb.DB, sess session.ModelSession, targetRate float64) (InstanceInfo, bool) {
	profile, err := db.Lookup(sess.ModelID())
	if err != nil {
		return InstanceInfo{}, false
	}
	peak := profile.PeakThroughput()
	if peak <= 0 {
		return InstanceInfo{}, false
	}
	batches := profile.SortedBatches()
	var chosen *modeldb.BatchPoint
	for i := range batches {
		bp := batches[i]
		if float64(bp.Batch)*bp.LatencyMs > float64(sess.LatencySLAMs) {
			continue
		}
		chosen = &batches[i]
	}
	if chosen == nil {
		return InstanceInfo{}, false
	}
	if bd.UsedMemoryMB()+profile.MemoryMB > bd.TotalMemoryMB {
		return InstanceInfo{}, false
	}
	occNeeded := chosen.Throughput / peak
	if bd.TotalOccupancy()+occNeeded > 1.0 {
		return InstanceInfo{}, false
	}
	throughput := chosen.Throughput
	if targetRate > 0 && targetRate < throughput {
		throughput = targetRate
	}
	return InstanceInfo{
		Batch:      chosen.Batch,
		Throughput: throughput,
		MemoryMB:   profile.MemoryMB,
		Occupancy:  throughput / peak,
	}, true
}

// LoadModel commits an InstanceInfo produced by PrepareLoadModel and
// queues an outbound model-table entry.
func (bd *BackendDelegate) LoadModel(sess session.ModelSession, info InstanceInfo) {
	bd.ModelTable[sess.ID()] = LoadedInstance{Session: sess, Info: info}
	bd.pendingTable = append(bd.pendingTable, wire.ModelTableEntry{
		SessionID:  sess.ID(),
		Op:         "load",
		Throughput: info.Throughput,
		Batch:      info.Batch,
	})
}

// LoadPrefixModel loads sess as a prefix-shared peer of baseSessionID,
// which must already be primary on this backend.
func (bd *BackendDelegate) LoadPrefixModel(sess session.ModelSession, baseSessionID string) {
	bd.PrefixTable[sess.ID()] = baseSessionID
	bd.pendingTable = append(bd.pendingTable, wire.ModelTableEntry{
		SessionID:   sess.ID(),
		Op:          "load_prefix",
		BaseSession: baseSessionID,
	})
}

// UnloadModel removes a session (primary or prefix peer) from this
// backend's model table.
func (bd *BackendDelegate) UnloadModel(sessionID string) {
	if _, ok := bd.ModelTable[sessionID]; ok {
		delete(bd.ModelTable, sessionID)
	} else if _, ok := bd.PrefixTable[sessionID]; ok {
		delete(bd.PrefixTable, sessionID)
	} else {
		return
	}
	bd.pendingTable = append(bd.pendingTable, wire.ModelTableEntry{SessionID: sessionID, Op: "unload"})
}

// UpdateModelThroughput re-runs the planner for a new target rate on an
// already-loaded session and returns the achievable throughput.
func (bd *BackendDelegate) UpdateModelThroughput(db *modeldb.DB, sessionID string, newTarget float64) (float64, bool) {
	li, ok := bd.ModelTable[sessionID]
	if !ok {
		return 0, false
	}
	freed := *bd
	freed.ModelTable = map[string]LoadedInstance{}
	for id, v := range bd.ModelTable {
		if id != sessionID {
			freed.ModelTable[id] = v
		}
	}
	info, ok := freed.PrepareLoadModel(db, li.Session, newTarget)
	if !ok {
		return 0, false
	}
	bd.ModelTable[sessionID] = LoadedInstance{Session: li.Session, Info: info}
	bd.pendingTable = append(bd.pendingTable, wire.ModelTableEntry{
		SessionID:  sessionID,
		Op:         "update_throughput",
		Throughput: info.Throughput,
		Batch:      info.Batch,
	})
	return info.Throughput, true
}

// SpillOutEntry is one primary instance SpillOutWorkload evicted to bring
// a backend back within capacity, along with the throughput it was
// carrying.
type SpillOutEntry struct {
	SessionID  string
	Throughput float64
}

// Overload reports whether this backend's scheduled occupancy has been
// pushed past capacity, per spec.md §4.7's epoch-grow guard.
func (bd *BackendDelegate) Overload() bool {
	return bd.TotalOccupancy() > 1.0
}

// SpillOutWorkload evicts primary instances, smallest-occupancy first,
// until the backend is back within capacity, queuing an "unload" entry for
// each. The caller is responsible for turning the returned throughput back
// into unassigned_workload on the owning SessionInfo and for unloading any
// prefix-share peers riding the evicted session on this backend.
func (bd *BackendDelegate) SpillOutWorkload() []SpillOutEntry {
	var evicted []SpillOutEntry
	for bd.Overload() {
		victim := ""
		victimOcc := -1.0
		for sid, li := range bd.ModelTable {
			if victimOcc < 0 || li.Info.Occupancy < victimOcc {
				victim = sid
				victimOcc = li.Info.Occupancy
			}
		}
		if victim == "" {
			break
		}
		tp := bd.ModelTable[victim].Info.Throughput
		bd.UnloadModel(victim)
		evicted = append(evicted, SpillOutEntry{SessionID: victim, Throughput: tp})
	}
	return evicted
}

// PendingUpdate reports whether this delegate has an unflushed model-table
// update.
func (bd *BackendDelegate) PendingUpdate() bool { return len(bd.pendingTable) > 0 }

// FlushTable drains and returns the pending model-table entries.
func (bd *BackendDelegate) FlushTable() []wire.ModelTableEntry {
	entries := bd.pendingTable
	bd.pendingTable = nil
	return entries
}

// Assign absorbs another backend's entire model table wholesale, per the
// RemoveBackend protocol (spec.md §4.4): succeeds only if this backend is
// idle and has hardware headroom for the departing backend's workload.
func (bd *BackendDelegate) Assign(other *BackendDelegate) bool {
	if !bd.IsIdle() {
		return false
	}
	mem := 0
	var occ float64
	for _, li := range other.ModelTable {
		mem += li.Info.MemoryMB
		occ += li.Info.Occupancy
	}
	if mem > bd.TotalMemoryMB || occ > 1.0 {
		return false
	}
	for id, li := range other.ModelTable {
		bd.ModelTable[id] = li
		bd.pendingTable = append(bd.pendingTable, wire.ModelTableEntry{SessionID: id, Op: "load", Throughput: li.Info.Throughput, Batch: li.Info.Batch})
	}
	for id, base := range other.PrefixTable {
		bd.PrefixTable[id] = base
		bd.pendingTable = append(bd.pendingTable, wire.ModelTableEntry{SessionID: id, Op: "load_prefix", BaseSession: base})
	}
	for id := range other.BackupTable {
		bd.BackupTable[id] = true
	}
	bd.WorkloadID = other.WorkloadID
	return true
}
