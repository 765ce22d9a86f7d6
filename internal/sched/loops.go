package sched

import (
	"context"
	"sort"
	"time"

	"github.com/nexusml/nexus/internal/logx"
	"github.com/nexusml/nexus/internal/metrics"
)

// RunLoops drives the beacon and epoch periodic ticks off a single timer,
// per spec.md §9's monotonic-deadline redesign note: it always sleeps
// until the earlier of the two next deadlines rather than diffing wall
// clocks.
func (c *Core) RunLoops(ctx context.Context) {
	beaconInterval := c.cfg.BeaconInterval()
	epochInterval := c.cfg.EpochInterval()
	now := time.Now()
	nextBeacon := now.Add(beaconInterval)
	nextEpoch := now.Add(epochInterval)

	for {
		next := nextBeacon
		if c.cfg.EpochScheduling && nextEpoch.Before(next) {
			next = nextEpoch
		}
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case now = <-timer.C:
		}

		if !now.Before(nextBeacon) {
			c.runBeacon()
			nextBeacon = nextTick(nextBeacon, beaconInterval, now)
		}
		if c.cfg.EpochScheduling && !now.Before(nextEpoch) {
			c.runEpoch()
			nextEpoch = nextTick(nextEpoch, epochInterval, now)
		}
	}
}

func nextTick(prev time.Time, interval time.Duration, now time.Time) time.Time {
	next := prev.Add(interval)
	if next.Before(now) {
		next = now.Add(interval)
	}
	return next
}

// runBeacon implements spec.md §4.7's short-cadence tick: liveness sweep
// for frontends, RPS aggregation, liveness sweep for backends.
func (c *Core) runBeacon() {
	c.mu.Lock()
	touched := map[uint32]*BackendDelegate{}
	threshold := c.cfg.LivenessThreshold()
	now := time.Now()

	var deadFrontends []*FrontendDelegate
	for _, fd := range c.frontends {
		if !fd.IsAlive(now, threshold) {
			deadFrontends = append(deadFrontends, fd)
		}
	}
	for _, fd := range deadFrontends {
		c.removeFrontend(fd, touched)
		delete(c.frontends, fd.NodeID)
		logx.Log.Info().Uint32("node_id", fd.NodeID).Msg("frontend declared dead by beacon")
	}

	seen := map[*SessionInfo]bool{}
	for _, si := range c.sessionTable {
		if seen[si] {
			continue
		}
		seen[si] = true
		var sum float64
		for nodeID := range si.BackendThroughputs {
			bd, ok := c.backends[nodeID]
			if !ok {
				continue
			}
			for _, sid := range si.AllSessionIDs() {
				if s, ok := bd.lastStats[sid]; ok {
					sum += s.RPS
				}
			}
		}
		si.PushRPS(sum, c.cfg.EpochIntervalSec, c.cfg.BeaconIntervalSec)
	}

	var deadBackends []*BackendDelegate
	for _, bd := range c.backends {
		if !bd.IsAlive(now, threshold) {
			deadBackends = append(deadBackends, bd)
		}
	}
	for _, bd := range deadBackends {
		c.removeBackend(bd, touched)
		delete(c.backends, bd.NodeID)
		logx.Log.Warn().Uint32("node_id", bd.NodeID).Msg("backend declared dead by beacon")
	}

	dirty := c.snapshotDirty()
	metrics.SetBackendsRegistered(len(c.backends))
	metrics.SetFrontendsRegistered(len(c.frontends))
	metrics.SetSessionsActive(len(seen))
	metrics.IncBeaconRuns()
	c.mu.Unlock()

	c.flush(touched, dirty)
}

// runEpoch implements spec.md §4.7's long-cadence rebalancing tick.
func (c *Core) runEpoch() {
	c.mu.Lock()
	touched := map[uint32]*BackendDelegate{}
	var overloaded []*BackendDelegate

	seen := map[*SessionInfo]bool{}
	for _, si := range c.sessionTable {
		if seen[si] {
			continue
		}
		seen[si] = true
		if len(si.RPSHistory) < c.cfg.MinHistoryLen {
			continue
		}
		estimate := si.EstimateRPS()
		throughput := si.TotalThroughput()
		switch {
		case estimate < 0.97*throughput:
			c.shrinkSession(si, estimate, touched)
		case estimate > throughput:
			overloaded = append(overloaded, c.growSession(si, estimate, touched)...)
		}
		metrics.SetUnassignedWorkload(si.HeadID(), si.UnassignedWorkload)
	}

	c.spillOutOverloaded(overloaded, touched)
	c.allocateUnassignedWorkloads(touched)
	dirty := c.snapshotDirty()
	metrics.IncEpochRuns()
	c.mu.Unlock()

	c.flush(touched, dirty)
}

// shrinkSession walks the session's non-static backends largest-throughput
// first: each keeps (or is reduced to) what remains of the estimate, and
// every backend reached after the estimate is used up is unloaded, so the
// smallest shares are the ones released.
func (c *Core) shrinkSession(si *SessionInfo, estimate float64, touched map[uint32]*BackendDelegate) {
	remaining := estimate
	for _, nodeID := range c.nonStaticBackendsDesc(si) {
		bd := c.backends[nodeID]
		share := si.BackendThroughputs[nodeID]
		switch {
		case remaining <= 0:
			bd.UnloadModel(si.HeadID())
			for _, peer := range si.Sessions[1:] {
				bd.UnloadModel(peer.ID())
			}
			delete(si.BackendThroughputs, nodeID)
			touched[nodeID] = bd
			c.markDirty(si.HeadID())
		case share > remaining:
			if newTP, ok := bd.UpdateModelThroughput(c.db, si.HeadID(), remaining); ok {
				si.BackendThroughputs[nodeID] = newTP
				touched[nodeID] = bd
				c.markDirty(si.HeadID())
			}
			remaining = 0
		default:
			remaining -= share
		}
	}
}

// growSession pushes each non-static backend toward covering the new
// estimate, largest-throughput first; whatever no backend can absorb
// becomes unassigned_workload for AllocateUnassignedWorkloads to place.
// Any backend UpdateModelThroughput pushes past capacity is returned so
// the caller can run SpillOutWorkload on it after every session in this
// epoch tick has been considered (spec.md §4.7's overloaded-backend pass).
func (c *Core) growSession(si *SessionInfo, estimate float64, touched map[uint32]*BackendDelegate) []*BackendDelegate {
	remaining := estimate
	var overloaded []*BackendDelegate
	for _, nodeID := range c.nonStaticBackendsDesc(si) {
		bd := c.backends[nodeID]
		achieved, ok := bd.UpdateModelThroughput(c.db, si.HeadID(), remaining)
		if !ok {
			continue
		}
		si.BackendThroughputs[nodeID] = achieved
		touched[nodeID] = bd
		c.markDirty(si.HeadID())
		remaining -= achieved
		if bd.Overload() {
			overloaded = append(overloaded, bd)
		}
	}
	if remaining > 0 {
		si.UnassignedWorkload += remaining
	}
	return overloaded
}

// spillOutOverloaded implements spec.md §4.7's post-grow overload guard:
// any backend that UpdateModelThroughput pushed past capacity gives back
// its smallest-occupancy instances, turning their throughput back into
// unassigned_workload for allocateUnassignedWorkloads to redistribute.
func (c *Core) spillOutOverloaded(overloaded []*BackendDelegate, touched map[uint32]*BackendDelegate) {
	seen := map[uint32]bool{}
	for _, bd := range overloaded {
		if seen[bd.NodeID] {
			continue
		}
		seen[bd.NodeID] = true
		for _, ev := range bd.SpillOutWorkload() {
			si, ok := c.sessionTable[ev.SessionID]
			if !ok {
				continue
			}
			for _, peer := range si.Sessions[1:] {
				bd.UnloadModel(peer.ID())
			}
			delete(si.BackendThroughputs, bd.NodeID)
			si.UnassignedWorkload += ev.Throughput
			c.markDirty(ev.SessionID)
			touched[bd.NodeID] = bd
		}
	}
}

func (c *Core) nonStaticBackendsDesc(si *SessionInfo) []uint32 {
	type pair struct {
		id uint32
		tp float64
	}
	var pairs []pair
	for nodeID, tp := range si.BackendThroughputs {
		bd, ok := c.backends[nodeID]
		if !ok || bd.HasStaticWorkload() {
			continue
		}
		pairs = append(pairs, pair{nodeID, tp})
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].tp > pairs[j].tp })
	ids := make([]uint32, len(pairs))
	for i, p := range pairs {
		ids[i] = p.id
	}
	return ids
}
