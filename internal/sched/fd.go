package sched

import "time"

// FrontendDelegate is the scheduler-side proxy for one frontend node
// (spec.md §3 "Frontend Delegate").
type FrontendDelegate struct {
	NodeID     uint32
	IP         string
	ServerPort int
	RPCPort    int
	LastAlive  time.Time

	Subscriptions map[string]bool
}

// NewFrontendDelegate constructs an FD with no subscriptions.
func NewFrontendDelegate(nodeID uint32, ip string, serverPort, rpcPort int) *FrontendDelegate {
	return &FrontendDelegate{
		NodeID:        nodeID,
		IP:            ip,
		ServerPort:    serverPort,
		RPCPort:       rpcPort,
		LastAlive:     time.Now(),
		Subscriptions: map[string]bool{},
	}
}

// IsAlive reports whether the frontend's last keep-alive is within
// threshold.
func (fd *FrontendDelegate) IsAlive(now time.Time, threshold time.Duration) bool {
	return now.Sub(fd.LastAlive) < threshold
}

// Subscribe adds sessionID to this frontend's subscription set.
func (fd *FrontendDelegate) Subscribe(sessionID string) { fd.Subscriptions[sessionID] = true }

// Unsubscribe removes sessionID from this frontend's subscription set.
func (fd *FrontendDelegate) Unsubscribe(sessionID string) { delete(fd.Subscriptions, sessionID) }
