// Package sched implements the scheduler core (spec.md §4.1-§4.7): the
// RPC surface, the placement algorithm, the AddBackend/RemoveBackend
// protocols, route dissemination, and the beacon/epoch periodic loops.
//
// All state mutation happens under Core.mu; outbound RPCs are queued on
// each delegate during the locked section and flushed by the caller after
// Unlock, so no send ever happens while the mutex is held (spec.md §5).
package sched

import (
	"sync"
	"time"

	"github.com/nexusml/nexus/internal/config"
	"github.com/nexusml/nexus/internal/metrics"
	"github.com/nexusml/nexus/internal/modeldb"
	"github.com/nexusml/nexus/internal/session"
	"github.com/nexusml/nexus/internal/wire"
)

// Transport delivers queued outbound RPCs to nodes. Implementations must
// never block the caller on network I/O for long; the websocket-backed
// implementation in this package queues onto a per-node send channel.
type Transport interface {
	SendModelTable(nodeID uint32, entries []wire.ModelTableEntry)
	SendModelRoutes(nodeID uint32, routes []wire.ModelRoute)
}

// Core owns the scheduler's process-wide state: backends, frontends,
// sessions, and subscriptions.
type Core struct {
	mu sync.Mutex

	cfg config.SchedulerConfig
	db  *modeldb.DB

	backends  map[uint32]*BackendDelegate
	frontends map[uint32]*FrontendDelegate

	// sessionTable maps every session id in a prefix-share group (head and
	// peers) to the same *SessionInfo (spec.md §9 shared ownership note).
	sessionTable map[string]*SessionInfo
	// sessionSubscribers maps a session id to the set of frontend node ids
	// that subscribed to it via LoadModel.
	sessionSubscribers map[string]map[uint32]bool

	staticWorkloads         []session.WorkloadSlot
	assignedStaticWorkloads map[int]uint32 // workload id -> backend node id

	dirtySessions map[string]bool // session ids whose route needs re-pushing

	transport Transport
}

// NewCore constructs a scheduler core. workloads may be nil.
func NewCore(cfg config.SchedulerConfig, db *modeldb.DB, workloads []session.WorkloadSlot, transport Transport) *Core {
	return &Core{
		cfg:                     cfg,
		db:                      db,
		backends:                map[uint32]*BackendDelegate{},
		frontends:               map[uint32]*FrontendDelegate{},
		sessionTable:            map[string]*SessionInfo{},
		sessionSubscribers:      map[string]map[uint32]bool{},
		staticWorkloads:         workloads,
		assignedStaticWorkloads: map[int]uint32{},
		dirtySessions:           map[string]bool{},
		transport:               transport,
	}
}

func (c *Core) markDirty(sessionID string) { c.dirtySessions[sessionID] = true }

// flush drains queued model-table and route updates and dispatches them
// via the transport. Must be called with mu already released.
func (c *Core) flush(touchedBackends map[uint32]*BackendDelegate, dirty map[string]bool) {
	for _, bd := range touchedBackends {
		if bd.PendingUpdate() {
			c.transport.SendModelTable(bd.NodeID, bd.FlushTable())
		}
	}
	if len(dirty) == 0 {
		return
	}
	c.mu.Lock()
	perFrontend := map[uint32][]wire.ModelRoute{}
	for sid := range dirty {
		si, ok := c.sessionTable[sid]
		if !ok {
			continue
		}
		route := c.routeFor(sid, si)
		for fid := range c.sessionSubscribers[sid] {
			perFrontend[fid] = append(perFrontend[fid], route)
		}
	}
	c.mu.Unlock()
	for fid, routes := range perFrontend {
		c.transport.SendModelRoutes(fid, routes)
	}
}

func (c *Core) routeFor(sessionID string, si *SessionInfo) wire.ModelRoute {
	route := wire.ModelRoute{SessionID: sessionID}
	for nodeID, tp := range si.BackendThroughputs {
		bd, ok := c.backends[nodeID]
		if !ok {
			continue
		}
		route.Backends = append(route.Backends, wire.BackendThroughput{
			NodeID:     nodeID,
			IP:         bd.IP,
			ServerPort: bd.ServerPort,
			Throughput: tp,
		})
	}
	return route
}

// Snapshot is the JSON shape served at /status.
type Snapshot struct {
	Backends          int `json:"backends"`
	Frontends         int `json:"frontends"`
	Sessions          int `json:"sessions"`
	StaticWorkloads   int `json:"static_workloads"`
}

// Snapshot reports coarse counts for the /status endpoint.
func (c *Core) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	seen := map[*SessionInfo]bool{}
	for _, si := range c.sessionTable {
		seen[si] = true
	}
	return Snapshot{
		Backends:        len(c.backends),
		Frontends:       len(c.frontends),
		Sessions:        len(seen),
		StaticWorkloads: len(c.staticWorkloads),
	}
}

// Register handles the Register RPC (spec.md §4.1).
func (c *Core) Register(req wire.RegisterRequest) wire.RegisterReply {
	c.mu.Lock()
	touched := map[uint32]*BackendDelegate{}
	var status wire.Status
	switch req.NodeType {
	case wire.NodeBackend:
		if _, exists := c.backends[req.NodeID]; exists {
			status = wire.StatusBackendNodeIDConflict
			c.mu.Unlock()
			metrics.RecordRPC("Register", string(status))
			return wire.RegisterReply{Type: "register_ack", Status: status, BeaconIntervalSec: c.cfg.BeaconIntervalSec}
		}
		bd := NewBackendDelegate(req.NodeID, req.IP, req.ServerPort, req.RPCPort, req.GPUDeviceName, int(req.GPUAvailableMem))
		c.backends[req.NodeID] = bd
		c.addBackend(bd, touched)
		status = wire.StatusOK
	case wire.NodeFrontend:
		if _, exists := c.frontends[req.NodeID]; exists {
			status = wire.StatusFrontendNodeIDConflict
			c.mu.Unlock()
			metrics.RecordRPC("Register", string(status))
			return wire.RegisterReply{Type: "register_ack", Status: status, BeaconIntervalSec: c.cfg.BeaconIntervalSec}
		}
		c.frontends[req.NodeID] = NewFrontendDelegate(req.NodeID, req.IP, req.ServerPort, req.RPCPort)
		status = wire.StatusOK
	default:
		status = wire.StatusServerNotRegistered
	}
	dirty := c.snapshotDirty()
	metrics.SetBackendsRegistered(len(c.backends))
	metrics.SetFrontendsRegistered(len(c.frontends))
	c.mu.Unlock()

	c.flush(touched, dirty)
	metrics.RecordRPC("Register", string(status))
	return wire.RegisterReply{Type: "register_ack", Status: status, BeaconIntervalSec: c.cfg.BeaconIntervalSec}
}

func (c *Core) snapshotDirty() map[string]bool {
	dirty := c.dirtySessions
	c.dirtySessions = map[string]bool{}
	return dirty
}

// Unregister handles the Unregister RPC. Idempotent if the node is absent.
func (c *Core) Unregister(req wire.UnregisterRequest) wire.UnregisterReply {
	c.mu.Lock()
	touched := map[uint32]*BackendDelegate{}
	switch req.NodeType {
	case wire.NodeBackend:
		if bd, ok := c.backends[req.NodeID]; ok {
			c.removeBackend(bd, touched)
			delete(c.backends, req.NodeID)
		}
	case wire.NodeFrontend:
		if fd, ok := c.frontends[req.NodeID]; ok {
			c.removeFrontend(fd, touched)
			delete(c.frontends, req.NodeID)
		}
	}
	dirty := c.snapshotDirty()
	metrics.SetBackendsRegistered(len(c.backends))
	metrics.SetFrontendsRegistered(len(c.frontends))
	c.mu.Unlock()

	c.flush(touched, dirty)
	metrics.RecordRPC("Unregister", string(wire.StatusOK))
	return wire.UnregisterReply{Type: "unregister_ack", Status: wire.StatusOK}
}

// LoadModel handles the LoadModel RPC (spec.md §4.1).
func (c *Core) LoadModel(req wire.LoadModelRequest) wire.LoadModelReply {
	c.mu.Lock()
	fd, ok := c.frontends[req.NodeID]
	if !ok {
		c.mu.Unlock()
		metrics.RecordRPC("LoadModel", string(wire.StatusServerNotRegistered))
		return wire.LoadModelReply{Type: "load_model_ack", Status: wire.StatusServerNotRegistered}
	}
	sess := session.ModelSession{
		Framework:    req.ModelSession.Framework,
		ModelName:    req.ModelSession.ModelName,
		Version:      req.ModelSession.Version,
		LatencySLAMs: req.ModelSession.LatencySLAMs,
		ImageHeight:  req.ModelSession.ImageHeight,
		ImageWidth:   req.ModelSession.ImageWidth,
	}
	resolved, err := c.db.ResolveDefaults(sess)
	if err != nil {
		c.mu.Unlock()
		metrics.RecordRPC("LoadModel", string(wire.StatusModelNotFound))
		return wire.LoadModelReply{Type: "load_model_ack", Status: wire.StatusModelNotFound}
	}
	sess = resolved
	sid := sess.ID()

	touched := map[uint32]*BackendDelegate{}
	var status wire.Status
	si, exists := c.sessionTable[sid]
	if exists {
		status = wire.StatusOK
	} else if peer := c.findPrefixPeer(sess); c.cfg.PrefixBatching && peer != nil {
		peer.AddPeer(sess)
		c.sessionTable[sid] = peer
		for nodeID := range peer.BackendThroughputs {
			if bd, ok := c.backends[nodeID]; ok {
				bd.LoadPrefixModel(sess, peer.HeadID())
				touched[bd.NodeID] = bd
			}
		}
		si = peer
		status = wire.StatusOK
	} else {
		newSI := NewSessionInfo(sess)
		ok := c.placeSession(newSI, req.EstimateWorkload, touched)
		if !ok {
			c.mu.Unlock()
			metrics.RecordRPC("LoadModel", string(wire.StatusNotEnoughBackends))
			return wire.LoadModelReply{Type: "load_model_ack", Status: wire.StatusNotEnoughBackends}
		}
		c.sessionTable[sid] = newSI
		si = newSI
		status = wire.StatusOK
	}

	if c.sessionSubscribers[sid] == nil {
		c.sessionSubscribers[sid] = map[uint32]bool{}
	}
	c.sessionSubscribers[sid][req.NodeID] = true
	fd.Subscribe(sid)
	c.markDirty(sid)

	route := c.routeFor(sid, si)
	dirty := c.snapshotDirty()
	c.mu.Unlock()

	c.flush(touched, dirty)
	metrics.RecordRPC("LoadModel", string(status))
	return wire.LoadModelReply{Type: "load_model_ack", Status: status, Route: route}
}

// findPrefixPeer looks for an existing SessionInfo whose head shares a
// prefix-share group with sess and whose latency SLA and dimensions match
// closely enough to ride the same backend placement.
func (c *Core) findPrefixPeer(sess session.ModelSession) *SessionInfo {
	group, ok := c.db.PrefixGroup(sess.ModelID())
	if !ok {
		return nil
	}
	for _, si := range c.sessionTable {
		head := si.Head()
		if head.ID() == sess.ID() {
			continue
		}
		if head.LatencySLAMs != sess.LatencySLAMs || head.ImageHeight != sess.ImageHeight || head.ImageWidth != sess.ImageWidth {
			continue
		}
		hg, hok := c.db.PrefixGroup(head.ModelID())
		if hok && hg == group {
			return si
		}
	}
	return nil
}

// UpdateBackendStats handles the UpdateBackendStats RPC (spec.md §4.1).
func (c *Core) UpdateBackendStats(req wire.UpdateBackendStatsRequest) wire.UpdateBackendStatsReply {
	c.mu.Lock()
	defer c.mu.Unlock()
	bd, ok := c.backends[req.NodeID]
	if !ok {
		metrics.RecordRPC("UpdateBackendStats", string(wire.StatusServerNotRegistered))
		return wire.UpdateBackendStatsReply{Type: "update_backend_stats_ack", Status: wire.StatusServerNotRegistered}
	}
	if bd.lastStats == nil {
		bd.lastStats = map[string]wire.SessionStatSample{}
	}
	for _, s := range req.Samples {
		bd.lastStats[s.SessionID] = s
	}
	metrics.RecordRPC("UpdateBackendStats", string(wire.StatusOK))
	return wire.UpdateBackendStatsReply{Type: "update_backend_stats_ack", Status: wire.StatusOK}
}

// KeepAlive handles the KeepAlive RPC (spec.md §4.1).
func (c *Core) KeepAlive(req wire.KeepAliveRequest) wire.KeepAliveReply {
	c.mu.Lock()
	defer c.mu.Unlock()
	fd, ok := c.frontends[req.NodeID]
	if !ok {
		metrics.RecordRPC("KeepAlive", string(wire.StatusServerNotRegistered))
		return wire.KeepAliveReply{Type: "keep_alive_ack", Status: wire.StatusServerNotRegistered}
	}
	fd.LastAlive = time.Now()
	metrics.RecordRPC("KeepAlive", string(wire.StatusOK))
	return wire.KeepAliveReply{Type: "keep_alive_ack", Status: wire.StatusOK}
}

// BackendBeacon touches a backend's liveness timestamp (called by the transport
// layer whenever a backend beacon/heartbeat frame arrives).
func (c *Core) BackendBeacon(nodeID uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if bd, ok := c.backends[nodeID]; ok {
		bd.LastAlive = time.Now()
	}
}
