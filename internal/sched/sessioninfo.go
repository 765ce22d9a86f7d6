package sched

import (
	"math"

	"github.com/nexusml/nexus/internal/session"
)

// SessionInfo is the global per-model-session placement record (spec.md §3
// "Session Info"). A prefix-share group shares one SessionInfo across
// multiple session ids: Sessions[0] is the head, the rest are peers that
// share placement but differ in suffix.
type SessionInfo struct {
	Sessions           []session.ModelSession
	BackendThroughputs map[uint32]float64
	BackupBackends     map[uint32]bool
	RPSHistory         []float64
	UnassignedWorkload float64
	HasStaticWorkload  bool
}

// NewSessionInfo creates a SessionInfo headed by sess.
func NewSessionInfo(sess session.ModelSession) *SessionInfo {
	return &SessionInfo{
		Sessions:           []session.ModelSession{sess},
		BackendThroughputs: map[uint32]float64{},
		BackupBackends:     map[uint32]bool{},
	}
}

// Head returns the group's primary session (the one used as capacity
// planning basis and as the session_table key for placement purposes).
func (si *SessionInfo) Head() session.ModelSession { return si.Sessions[0] }

// HeadID is the canonical id of the head session.
func (si *SessionInfo) HeadID() string { return si.Head().ID() }

// AddPeer appends a prefix-share peer session to the group.
func (si *SessionInfo) AddPeer(sess session.ModelSession) {
	si.Sessions = append(si.Sessions, sess)
}

// AllSessionIDs returns the ids of every session (head and peers) sharing
// this SessionInfo.
func (si *SessionInfo) AllSessionIDs() []string {
	ids := make([]string, len(si.Sessions))
	for i, s := range si.Sessions {
		ids[i] = s.ID()
	}
	return ids
}

// TotalThroughput sums throughput across all primary backends.
func (si *SessionInfo) TotalThroughput() float64 {
	var total float64
	for _, tp := range si.BackendThroughputs {
		total += tp
	}
	return total
}

// maxHistoryLen bounds RPSHistory to 2*ceil(epoch/beacon) samples
// (spec.md §3).
func maxHistoryLen(epochSec, beaconSec int) int {
	if beaconSec <= 0 {
		beaconSec = 1
	}
	n := int(math.Ceil(float64(epochSec) / float64(beaconSec)))
	return 2 * n
}

// PushRPS appends a beacon-cycle RPS sample, suppressing leading zeros
// (spec.md §4.7 beacon step b) and trimming to the bounded history length.
func (si *SessionInfo) PushRPS(sample float64, epochSec, beaconSec int) {
	if len(si.RPSHistory) == 0 && sample == 0 {
		return
	}
	si.RPSHistory = append(si.RPSHistory, sample)
	max := maxHistoryLen(epochSec, beaconSec)
	if len(si.RPSHistory) > max {
		si.RPSHistory = si.RPSHistory[len(si.RPSHistory)-max:]
	}
}

// Mean returns the arithmetic mean of RPSHistory.
func (si *SessionInfo) Mean() float64 {
	if len(si.RPSHistory) == 0 {
		return 0
	}
	var sum float64
	for _, v := range si.RPSHistory {
		sum += v
	}
	return sum / float64(len(si.RPSHistory))
}

// StdDev returns the sample standard deviation of RPSHistory (n-1
// denominator), matching the ground-truth scheduler's rps_std computation.
func (si *SessionInfo) StdDev() float64 {
	n := len(si.RPSHistory)
	if n < 2 {
		return 0
	}
	mean := si.Mean()
	var sum float64
	for _, v := range si.RPSHistory {
		d := v - mean
		sum += d * d
	}
	return math.Sqrt(sum / float64(n-1))
}

// Last returns the most recent RPS sample, or 0 if there is none.
func (si *SessionInfo) Last() float64 {
	if len(si.RPSHistory) == 0 {
		return 0
	}
	return si.RPSHistory[len(si.RPSHistory)-1]
}

// EstimateRPS implements the epoch-loop estimate formula (spec.md §4.7):
// max(last + stddev, 0.1).
func (si *SessionInfo) EstimateRPS() float64 {
	est := si.Last() + si.StdDev()
	if est < 0.1 {
		est = 0.1
	}
	return est
}
