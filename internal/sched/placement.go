package sched

import (
	"github.com/nexusml/nexus/internal/session"
)

// candidate is one backend's planner output during FindBestBackend.
type candidate struct {
	bd    *BackendDelegate
	info  InstanceInfo
	occ   float64
	tp    float64
	idle  bool
}

// FindBestBackend implements the placement algorithm (spec.md §4.2): among
// live, non-skipped, non-static backends, ask each for a capacity-planned
// instance and pick either the highest-throughput or highest-occupancy
// candidate depending on whether rate can be covered by one backend.
func (c *Core) FindBestBackend(sess session.ModelSession, rate float64, skips map[uint32]bool) (*BackendDelegate, InstanceInfo, bool) {
	var maxTP, maxOcc *candidate
	for nodeID, bd := range c.backends {
		if skips[nodeID] || bd.HasStaticWorkload() {
			continue
		}
		if !bd.IsAlive(nowFunc(), c.cfg.LivenessThreshold()) {
			continue
		}
		info, ok := bd.PrepareLoadModel(c.db, sess, rate)
		if !ok {
			continue
		}
		cand := candidate{bd: bd, info: info, occ: info.Occupancy, tp: info.Throughput, idle: bd.IsIdle()}
		if maxTP == nil || cand.tp > maxTP.tp {
			maxTP = &cand
		}
		if maxOcc == nil || cand.occ > maxOcc.occ {
			maxOcc = &cand
		}
	}

	if rate == 0 {
		var bestIdle *candidate
		for nodeID, bd := range c.backends {
			if skips[nodeID] || bd.HasStaticWorkload() || !bd.IsIdle() {
				continue
			}
			if !bd.IsAlive(nowFunc(), c.cfg.LivenessThreshold()) {
				continue
			}
			info, ok := bd.PrepareLoadModel(c.db, sess, rate)
			if !ok {
				continue
			}
			cand := candidate{bd: bd, info: info, tp: info.Throughput}
			if bestIdle == nil || cand.tp > bestIdle.tp {
				bestIdle = &cand
			}
		}
		if bestIdle == nil {
			return nil, InstanceInfo{}, false
		}
		return bestIdle.bd, bestIdle.info, true
	}

	if maxTP == nil {
		return nil, InstanceInfo{}, false
	}
	if maxTP.tp < rate {
		return maxTP.bd, maxTP.info, true
	}
	return maxOcc.bd, maxOcc.info, true
}

// nowFunc is overridable in tests that need to simulate liveness expiry
// without sleeping.
var nowFunc = defaultNow

// plannedPlacement is one candidate backend chosen by placeSession's
// planning loop, not yet committed via BackendDelegate.LoadModel.
type plannedPlacement struct {
	bd   *BackendDelegate
	info InstanceInfo
}

// placeSession runs FindBestBackend repeatedly, planning backends until the
// estimated workload is covered or no more candidates qualify, mirroring
// the loop implied by spec.md §4.1 ("caller loops") and the reference
// scheduler's two-phase plan-then-load structure: nothing is committed to
// backend state while coverage is still uncertain. Only once the full
// target rate is covered does it commit every planned backend via
// LoadModel; if coverage falls short, no backend state is mutated at all
// and si.UnassignedWorkload is left positive.
func (c *Core) placeSession(si *SessionInfo, targetRate float64, touched map[uint32]*BackendDelegate) bool {
	sess := si.Head()
	skips := map[uint32]bool{}
	remaining := targetRate
	var plan []plannedPlacement
	for remaining > 0 || (targetRate == 0 && len(plan) == 0) {
		bd, info, ok := c.FindBestBackend(sess, remaining, skips)
		if !ok {
			break
		}
		plan = append(plan, plannedPlacement{bd: bd, info: info})
		skips[bd.NodeID] = true
		remaining -= info.Throughput
		if targetRate == 0 {
			break
		}
	}
	if remaining > 0 {
		si.UnassignedWorkload = remaining
		return false
	}
	for _, p := range plan {
		p.bd.LoadModel(sess, p.info)
		si.BackendThroughputs[p.bd.NodeID] = p.info.Throughput
		touched[p.bd.NodeID] = p.bd
	}
	si.UnassignedWorkload = 0
	return true
}
