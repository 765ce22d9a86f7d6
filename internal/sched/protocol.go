package sched

import (
	"sort"

	"github.com/nexusml/nexus/internal/wire"
)

// addBackend implements the AddBackend protocol (spec.md §4.3). Called
// under c.mu with a freshly-registered, empty BD.
func (c *Core) addBackend(bd *BackendDelegate, touched map[uint32]*BackendDelegate) {
	if slot, ok := c.lowestUnassignedWorkload(); ok {
		c.assignStaticWorkload(bd, slot, touched)
	} else {
		c.allocateUnassignedWorkloads(touched)
	}
	touched[bd.NodeID] = bd
}

func (c *Core) lowestUnassignedWorkload() (int, bool) {
	for i := range c.staticWorkloads {
		if _, assigned := c.assignedStaticWorkloads[i]; !assigned {
			return i, true
		}
	}
	return 0, false
}

func (c *Core) assignStaticWorkload(bd *BackendDelegate, slot int, touched map[uint32]*BackendDelegate) {
	c.assignedStaticWorkloads[slot] = bd.NodeID
	bd.WorkloadID = slot

	for _, sess := range c.staticWorkloads[slot].Sessions {
		resolved, err := c.db.ResolveDefaults(sess)
		if err != nil {
			continue
		}
		sid := resolved.ID()
		si, ok := c.sessionTable[sid]
		if !ok {
			si = NewSessionInfo(resolved)
			c.sessionTable[sid] = si
		}
		si.HasStaticWorkload = true
		info, ok := bd.PrepareLoadModel(c.db, resolved, 0)
		if !ok {
			continue
		}
		bd.LoadModel(resolved, info)
		si.BackendThroughputs[bd.NodeID] = info.Throughput
		c.markDirty(sid)
	}

	for _, backup := range c.staticWorkloads[slot].Backups {
		resolved, err := c.db.ResolveDefaults(backup)
		if err != nil {
			continue
		}
		sid := resolved.ID()
		si, ok := c.sessionTable[sid]
		if !ok {
			si = NewSessionInfo(resolved)
			c.sessionTable[sid] = si
		}
		si.BackupBackends[bd.NodeID] = true
		for primaryID := range si.BackendThroughputs {
			if primary, ok := c.backends[primaryID]; ok && primary.NodeID != bd.NodeID {
				primary.pendingTable = append(primary.pendingTable, wire.ModelTableEntry{
					SessionID: sid, Op: "add_backup", BackupNodeID: bd.NodeID,
				})
				touched[primaryID] = primary
			}
		}
	}
}

// notifyBackupChange queues an add_backup/remove_backup entry on every
// primary backend currently serving sid, so those backends stay in sync
// with which backup node they may spill an overload onto for that session.
func (c *Core) notifyBackupChange(sid, op string, backupNodeID uint32, touched map[uint32]*BackendDelegate) {
	si, ok := c.sessionTable[sid]
	if !ok {
		return
	}
	for primaryID := range si.BackendThroughputs {
		primary, ok := c.backends[primaryID]
		if !ok {
			continue
		}
		primary.pendingTable = append(primary.pendingTable, wire.ModelTableEntry{
			SessionID: sid, Op: op, BackupNodeID: backupNodeID,
		})
		touched[primaryID] = primary
	}
}

// removeBackend implements the RemoveBackend protocol (spec.md §4.4).
// Called under c.mu; the caller is still responsible for deleting bd from
// c.backends.
func (c *Core) removeBackend(bd *BackendDelegate, touched map[uint32]*BackendDelegate) {
	if bd.IsIdle() {
		return
	}
	lost := map[string]float64{}
	for sid, li := range bd.ModelTable {
		if si, ok := c.sessionTable[sid]; ok {
			delete(si.BackendThroughputs, bd.NodeID)
			lost[sid] = li.Info.Throughput
			c.markDirty(sid)
		}
	}

	var absorber *BackendDelegate
	for id, cand := range c.backends {
		if id == bd.NodeID || !cand.IsIdle() {
			continue
		}
		if cand.Assign(bd) {
			absorber = cand
			break
		}
	}

	if absorber != nil {
		touched[absorber.NodeID] = absorber
		for sid, tp := range lost {
			if si, ok := c.sessionTable[sid]; ok {
				si.BackendThroughputs[absorber.NodeID] = tp
				c.markDirty(sid)
			}
		}
		for _, si := range c.sessionTable {
			if si.BackupBackends[bd.NodeID] {
				delete(si.BackupBackends, bd.NodeID)
				si.BackupBackends[absorber.NodeID] = true
			}
		}
		// Assign already copied bd's BackupTable onto absorber; tell every
		// primary the departing backup is gone and the absorber stands in.
		for sid := range bd.BackupTable {
			c.notifyBackupChange(sid, "remove_backup", bd.NodeID, touched)
			c.notifyBackupChange(sid, "add_backup", absorber.NodeID, touched)
		}
		if bd.HasStaticWorkload() {
			c.assignedStaticWorkloads[bd.WorkloadID] = absorber.NodeID
		}
		return
	}

	for sid := range bd.BackupTable {
		if si, ok := c.sessionTable[sid]; ok {
			delete(si.BackupBackends, bd.NodeID)
		}
		c.notifyBackupChange(sid, "remove_backup", bd.NodeID, touched)
	}

	if !bd.HasStaticWorkload() {
		for sid, tp := range lost {
			if si, ok := c.sessionTable[sid]; ok {
				si.UnassignedWorkload += tp
			}
		}
		c.allocateUnassignedWorkloads(touched)
	}
}

// removeFrontend implements the FD teardown protocol (spec.md §3): drop
// its subscriptions and destroy any session left with no subscribers and
// no static workload. Must be called with c.mu held; queues outbound
// model-table updates onto touched for the caller to flush after unlock.
func (c *Core) removeFrontend(fd *FrontendDelegate, touched map[uint32]*BackendDelegate) {
	for sid := range fd.Subscriptions {
		subs := c.sessionSubscribers[sid]
		if subs == nil {
			continue
		}
		delete(subs, fd.NodeID)
		if len(subs) == 0 {
			delete(c.sessionSubscribers, sid)
			c.tearDownSessionIfUnused(sid, touched)
		}
	}
}

func (c *Core) tearDownSessionIfUnused(sid string, touched map[uint32]*BackendDelegate) {
	si, ok := c.sessionTable[sid]
	if !ok || si.HasStaticWorkload {
		return
	}
	for _, other := range si.AllSessionIDs() {
		if other == sid {
			continue
		}
		if len(c.sessionSubscribers[other]) > 0 {
			c.removeSessionFromGroup(si, sid, touched)
			return
		}
	}
	for nodeID := range si.BackendThroughputs {
		if bd, ok := c.backends[nodeID]; ok {
			for _, sessID := range si.AllSessionIDs() {
				bd.UnloadModel(sessID)
			}
			touched[nodeID] = bd
		}
	}
	for _, sessID := range si.AllSessionIDs() {
		delete(c.sessionTable, sessID)
		delete(c.sessionSubscribers, sessID)
	}
}

func (c *Core) removeSessionFromGroup(si *SessionInfo, sid string, touched map[uint32]*BackendDelegate) {
	for nodeID := range si.BackendThroughputs {
		if bd, ok := c.backends[nodeID]; ok {
			bd.UnloadModel(sid)
			touched[nodeID] = bd
		}
	}
	kept := si.Sessions[:0]
	for _, s := range si.Sessions {
		if s.ID() != sid {
			kept = append(kept, s)
		}
	}
	si.Sessions = kept
	delete(c.sessionTable, sid)
}

// allocateUnassignedWorkloads implements spec.md §4.5: drain overflow
// workload from every SessionInfo, largest overflow first.
func (c *Core) allocateUnassignedWorkloads(touched map[uint32]*BackendDelegate) {
	seen := map[*SessionInfo]bool{}
	var pending []*SessionInfo
	for _, si := range c.sessionTable {
		if seen[si] {
			continue
		}
		seen[si] = true
		if si.UnassignedWorkload > 0 {
			pending = append(pending, si)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		return pending[i].UnassignedWorkload > pending[j].UnassignedWorkload
	})

	for _, si := range pending {
		remaining := si.UnassignedWorkload
		for remaining > 0 {
			bd, info, ok := c.FindBestBackend(si.Head(), remaining, map[uint32]bool{})
			if !ok {
				break
			}
			bd.LoadModel(si.Head(), info)
			for _, peer := range si.Sessions[1:] {
				bd.LoadPrefixModel(peer, si.HeadID())
			}
			si.BackendThroughputs[bd.NodeID] = info.Throughput
			touched[bd.NodeID] = bd
			remaining -= info.Throughput
			c.markDirty(si.HeadID())
		}
		if remaining < 0 {
			remaining = 0
		}
		si.UnassignedWorkload = remaining
	}
}
