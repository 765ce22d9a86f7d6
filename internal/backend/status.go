package backend

import (
	"context"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
)

// Status is one backend process's connection and host-diagnostic state,
// exposed via the /status HTTP endpoint (spec.md §4.13-4.14). It is
// constructed explicitly per process rather than kept as a package-level
// singleton, per the model database's "Global singletons" redesign note
// applied consistently to the backend's own runtime state.
type Status struct {
	mu sync.RWMutex

	nodeID  uint32
	gpuName string

	connectedToScheduler bool
	hostCPUCount         int
	hostMemAvailableMB   uint64
}

// NewStatus constructs a Status for one backend node identity.
func NewStatus(nodeID uint32, gpuName string) *Status {
	return &Status{nodeID: nodeID, gpuName: gpuName}
}

// SetConnected records whether the scheduler control connection is up.
func (s *Status) SetConnected(v bool) {
	s.mu.Lock()
	s.connectedToScheduler = v
	s.mu.Unlock()
}

func (s *Status) setHostDiagnostics(cpuCount int, memAvailMB uint64) {
	s.mu.Lock()
	s.hostCPUCount = cpuCount
	s.hostMemAvailableMB = memAvailMB
	s.mu.Unlock()
}

// Snapshot is the JSON shape served at /status.
type Snapshot struct {
	NodeID               uint32           `json:"node_id"`
	GPUDeviceName        string           `json:"gpu_device_name"`
	ConnectedToScheduler bool             `json:"connected_to_scheduler"`
	HostCPUCount         int              `json:"host_cpu_count"`
	HostMemAvailableMB   uint64           `json:"host_mem_available_mb"`
	QueueDepth           int              `json:"queue_depth"`
	InstanceInputCounts  map[string]int64 `json:"instance_input_counts"`
}

// Snapshot merges the live pool queue depth and instance counters with
// the connection/host state tracked here.
func (s *Status) Snapshot(pool *Pool, instances *InstanceTable) Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Snapshot{
		NodeID:               s.nodeID,
		GPUDeviceName:        s.gpuName,
		ConnectedToScheduler: s.connectedToScheduler,
		HostCPUCount:         s.hostCPUCount,
		HostMemAvailableMB:   s.hostMemAvailableMB,
		QueueDepth:           pool.Queue().Len(),
		InstanceInputCounts:  instances.Snapshot(),
	}
}

// runHostDiagnostics samples host CPU count and available RAM via
// gopsutil on a slow ticker (spec.md §4.13): diagnostic only, never a
// substitute for the operator-declared GPU memory figure the capacity
// planner uses.
func runHostDiagnostics(ctx context.Context, status *Status) {
	sample := func() {
		count, err := cpu.Counts(true)
		if err != nil {
			count = 0
		}
		var availMB uint64
		if vm, err := mem.VirtualMemory(); err == nil {
			availMB = vm.Available / (1024 * 1024)
		}
		status.setHostDiagnostics(count, availMB)
	}
	sample()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sample()
		}
	}
}
