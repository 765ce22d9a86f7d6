package backend

import "sync"

// instance is this backend's local record of one loaded model session:
// the planner-chosen batch size pushed down via UpdateModelTableRpc, and
// the running input counter spec.md §4.9 step 2 increments per task.
type instance struct {
	sessionID  string
	batchSize  int
	inputCount int64
}

// InstanceTable is the backend's model table: sessions this node is
// currently loaded to serve, keyed by session id. Prefix-share peers are
// recorded as aliases resolving to the same underlying instance, so
// preprocessing a peer task increments the shared instance's counter.
type InstanceTable struct {
	mu        sync.RWMutex
	instances map[string]*instance
	aliases   map[string]string // peer session id -> base session id
}

// NewInstanceTable constructs an empty table.
func NewInstanceTable() *InstanceTable {
	return &InstanceTable{instances: map[string]*instance{}, aliases: map[string]string{}}
}

// Load records sess as a primary instance with the given batch size.
func (t *InstanceTable) Load(sessionID string, batchSize int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.instances[sessionID] = &instance{sessionID: sessionID, batchSize: batchSize}
}

// LoadPrefix aliases peerSessionID onto an already-loaded base session.
func (t *InstanceTable) LoadPrefix(peerSessionID, baseSessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.aliases[peerSessionID] = baseSessionID
}

// UpdateThroughput re-sets the batch size planned for an already-loaded
// session, following an UpdateModelThroughput push from the scheduler.
func (t *InstanceTable) UpdateThroughput(sessionID string, batchSize int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if inst, ok := t.instances[sessionID]; ok {
		inst.batchSize = batchSize
	}
}

// Unload drops a primary instance or a prefix-share alias.
func (t *InstanceTable) Unload(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.instances, sessionID)
	delete(t.aliases, sessionID)
}

// resolve returns the base session id an instance lookup should use: the
// session itself if it is a primary, or its alias target if it is a
// prefix-share peer.
func (t *InstanceTable) resolve(sessionID string) string {
	if base, ok := t.aliases[sessionID]; ok {
		return base
	}
	return sessionID
}

// Get returns the batch size planned for sessionID (resolving prefix-share
// aliases) and whether it is currently loaded.
func (t *InstanceTable) Get(sessionID string) (batchSize int, ok bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	inst, ok := t.instances[t.resolve(sessionID)]
	if !ok {
		return 0, false
	}
	return inst.batchSize, true
}

// IncrementInputs bumps the input counter of the instance sessionID
// resolves to by window (spec.md §4.9 step 2).
func (t *InstanceTable) IncrementInputs(sessionID string, window int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if inst, ok := t.instances[t.resolve(sessionID)]; ok {
		inst.inputCount += int64(window)
	}
}

// Snapshot returns per-session counters for the status endpoint.
func (t *InstanceTable) Snapshot() map[string]int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]int64, len(t.instances))
	for id, inst := range t.instances {
		out[id] = inst.inputCount
	}
	return out
}
