package sched

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/coder/websocket"

	"github.com/nexusml/nexus/internal/logx"
	"github.com/nexusml/nexus/internal/wire"
)

// node is one live control connection's outbound queue. A single goroutine
// per node drains send and calls c.Write, since coder/websocket connections
// do not support concurrent writers.
type node struct {
	send chan []byte
}

// WSTransport implements Transport over websocket control connections, one
// per registered node (spec.md §4.1). Core.flush calls SendModelTable and
// SendModelRoutes to push queued updates through the matching node's
// outbound queue after the scheduler mutex has already been released.
type WSTransport struct {
	core *Core

	mu    sync.Mutex
	nodes map[uint32]*node
}

// NewWSTransport constructs an unbound transport; call Bind before serving
// connections.
func NewWSTransport() *WSTransport {
	return &WSTransport{nodes: map[uint32]*node{}}
}

// Bind attaches the Core this transport dispatches RPCs to. Core and
// WSTransport are constructed independently and wired together once, since
// each holds a reference to the other.
func (t *WSTransport) Bind(core *Core) { t.core = core }

func (t *WSTransport) SendModelTable(nodeID uint32, entries []wire.ModelTableEntry) {
	t.enqueue(nodeID, wire.UpdateModelTableRpc{Type: "update_model_table", Entries: entries})
}

func (t *WSTransport) SendModelRoutes(nodeID uint32, routes []wire.ModelRoute) {
	t.enqueue(nodeID, wire.UpdateModelRoutesRpc{Type: "update_model_routes", Routes: routes})
}

func (t *WSTransport) enqueue(nodeID uint32, msg interface{}) {
	t.mu.Lock()
	n, ok := t.nodes[nodeID]
	t.mu.Unlock()
	if !ok {
		return
	}
	t.send(n, nodeID, msg)
}

func (t *WSTransport) send(n *node, nodeID uint32, msg interface{}) {
	b, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case n.send <- b:
	default:
		logx.Log.Warn().Uint32("node_id", nodeID).Msg("outbound queue full, dropping update")
	}
}

// Handler serves node control connections: the first frame must be a
// RegisterRequest, after which inbound frames are dispatched to Core by
// type until the connection closes.
func (t *WSTransport) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		ctx := r.Context()
		defer c.Close(websocket.StatusInternalError, "server error")

		_, data, err := c.Read(ctx)
		if err != nil {
			return
		}
		var reg wire.RegisterRequest
		if err := json.Unmarshal(data, &reg); err != nil || reg.Type != "register" {
			c.Close(websocket.StatusPolicyViolation, "expected register")
			return
		}

		reply := t.core.Register(reg)
		replyBytes, err := json.Marshal(reply)
		if err != nil {
			return
		}
		if err := c.Write(ctx, websocket.MessageText, replyBytes); err != nil {
			return
		}
		if reply.Status != wire.StatusOK {
			c.Close(websocket.StatusPolicyViolation, string(reply.Status))
			return
		}

		n := &node{send: make(chan []byte, 32)}
		t.mu.Lock()
		t.nodes[reg.NodeID] = n
		t.mu.Unlock()
		logx.Log.Info().Uint32("node_id", reg.NodeID).Str("node_type", string(reg.NodeType)).Msg("node registered")

		defer func() {
			t.mu.Lock()
			delete(t.nodes, reg.NodeID)
			t.mu.Unlock()
			t.core.Unregister(wire.UnregisterRequest{Type: "unregister", NodeID: reg.NodeID, NodeType: reg.NodeType})
		}()

		writeDone := make(chan struct{})
		go func() {
			defer close(writeDone)
			for msg := range n.send {
				if err := c.Write(ctx, websocket.MessageText, msg); err != nil {
					return
				}
			}
		}()

		for {
			_, data, err := c.Read(ctx)
			if err != nil {
				close(n.send)
				<-writeDone
				return
			}
			t.dispatch(n, reg.NodeID, data)
		}
	}
}

func (t *WSTransport) dispatch(n *node, nodeID uint32, data []byte) {
	var env wire.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return
	}
	switch env.Type {
	case "unregister":
		var req wire.UnregisterRequest
		if err := json.Unmarshal(data, &req); err == nil {
			t.send(n, nodeID, t.core.Unregister(req))
		}
	case "load_model":
		var req wire.LoadModelRequest
		if err := json.Unmarshal(data, &req); err == nil {
			t.send(n, nodeID, t.core.LoadModel(req))
		}
	case "update_backend_stats":
		var req wire.UpdateBackendStatsRequest
		if err := json.Unmarshal(data, &req); err == nil {
			t.send(n, nodeID, t.core.UpdateBackendStats(req))
		}
	case "keep_alive":
		var req wire.KeepAliveRequest
		if err := json.Unmarshal(data, &req); err == nil {
			t.send(n, nodeID, t.core.KeepAlive(req))
		}
	case "backend_beacon":
		var req wire.BackendBeaconRequest
		if err := json.Unmarshal(data, &req); err == nil {
			t.core.BackendBeacon(req.NodeID)
		}
	default:
		logx.Log.Debug().Str("type", env.Type).Msg("unhandled control frame")
	}
}
