// Package wire defines the control-channel message kinds exchanged between
// scheduler and nodes (backends and frontends), and the status codes
// returned by the scheduler's RPC surface. Wire serialization format
// itself is out of scope (spec.md §1); this package only fixes message
// kinds and fields, encoded as JSON control frames.
package wire

import "encoding/json"

// Status is a scheduler RPC outcome code.
type Status string

const (
	StatusOK                        Status = "CTRL_OK"
	StatusServerNotRegistered       Status = "CTRL_SERVER_NOT_REGISTERED"
	StatusFrontendNodeIDConflict    Status = "CTRL_FRONTEND_NODE_ID_CONFLICT"
	StatusBackendNodeIDConflict     Status = "CTRL_BACKEND_NODE_ID_CONFLICT"
	StatusModelNotFound             Status = "MODEL_NOT_FOUND"
	StatusModelSessionNotLoaded     Status = "MODEL_SESSION_NOT_LOADED"
	StatusNotEnoughBackends         Status = "NOT_ENOUGH_BACKENDS"
	// StatusExecutionError covers preprocess/forward/postprocess failures
	// reported by a framework adapter (spec.md §7 "task execution" kind).
	// Not part of spec.md §6's status table since the source leaves the
	// framework-reported failure code unspecified; scoped to InferenceReply.
	StatusExecutionError Status = "EXECUTION_ERROR"
)

// NodeType distinguishes the two kinds of nodes that register with the
// scheduler.
type NodeType string

const (
	NodeFrontend NodeType = "FRONTEND"
	NodeBackend  NodeType = "BACKEND"
)

// Envelope is used to sniff the "type" discriminator before unmarshaling
// the full message.
type Envelope struct {
	Type string `json:"type"`
}

// RegisterRequest is sent by a frontend or backend node on connect.
type RegisterRequest struct {
	Type            string   `json:"type"`
	NodeID          uint32   `json:"node_id"`
	NodeType        NodeType `json:"node_type"`
	ServerPort      int      `json:"server_port"`
	RPCPort         int      `json:"rpc_port"`
	GPUDeviceName   string   `json:"gpu_device_name,omitempty"`
	GPUAvailableMem uint64   `json:"gpu_available_memory,omitempty"`
	IP              string   `json:"ip,omitempty"`
}

// RegisterReply answers RegisterRequest.
type RegisterReply struct {
	Type              string `json:"type"`
	Status            Status `json:"status"`
	BeaconIntervalSec int    `json:"beacon_interval_sec"`
}

// UnregisterRequest is sent by a node to leave the fabric cleanly.
type UnregisterRequest struct {
	Type     string   `json:"type"`
	NodeID   uint32   `json:"node_id"`
	NodeType NodeType `json:"node_type"`
}

// UnregisterReply answers UnregisterRequest.
type UnregisterReply struct {
	Type   string `json:"type"`
	Status Status `json:"status"`
}

// ModelSessionWire is the wire encoding of session.ModelSession.
type ModelSessionWire struct {
	Framework    string `json:"framework"`
	ModelName    string `json:"model_name"`
	Version      string `json:"version"`
	LatencySLAMs int    `json:"latency_sla_ms"`
	ImageHeight  int    `json:"image_height,omitempty"`
	ImageWidth   int    `json:"image_width,omitempty"`
}

// LoadModelRequest is sent by a frontend to request placement of a model
// session.
type LoadModelRequest struct {
	Type            string           `json:"type"`
	NodeID          uint32           `json:"node_id"`
	ModelSession    ModelSessionWire `json:"model_session"`
	EstimateWorkload float64         `json:"estimate_workload"`
}

// BackendThroughput is one entry of a model route: a backend and the
// throughput (rps) it has been assigned for the session.
type BackendThroughput struct {
	NodeID     uint32  `json:"node_id"`
	IP         string  `json:"ip"`
	ServerPort int     `json:"server_port"`
	Throughput float64 `json:"throughput"`
}

// ModelRoute is the placement result for one session: its id plus the
// backends serving it and their throughput shares.
type ModelRoute struct {
	SessionID string              `json:"session_id"`
	Backends  []BackendThroughput `json:"backends"`
}

// LoadModelReply answers LoadModelRequest.
type LoadModelReply struct {
	Type   string     `json:"type"`
	Status Status     `json:"status"`
	Route  ModelRoute `json:"model_route"`
}

// SessionStatSample is one per-session sample reported by a backend.
type SessionStatSample struct {
	SessionID  string  `json:"session_id"`
	RPS        float64 `json:"rps"`
	DropRate   float64 `json:"drop_rate"`
	QueueLen   int     `json:"queue_length"`
}

// UpdateBackendStatsRequest reports per-session load samples from a
// backend to the scheduler.
type UpdateBackendStatsRequest struct {
	Type    string              `json:"type"`
	NodeID  uint32              `json:"node_id"`
	Samples []SessionStatSample `json:"samples"`
}

// UpdateBackendStatsReply answers UpdateBackendStatsRequest.
type UpdateBackendStatsReply struct {
	Type   string `json:"type"`
	Status Status `json:"status"`
}

// KeepAliveRequest touches a frontend's liveness timestamp.
type KeepAliveRequest struct {
	Type   string `json:"type"`
	NodeID uint32 `json:"node_id"`
}

// KeepAliveReply answers KeepAliveRequest.
type KeepAliveReply struct {
	Type   string `json:"type"`
	Status Status `json:"status"`
}

// ModelTableEntry is one instance the scheduler wants a backend to load,
// keep, or drop.
type ModelTableEntry struct {
	SessionID    string  `json:"session_id"`
	Op           string  `json:"op"` // "load", "load_prefix", "update_throughput", "unload", "add_backup", "remove_backup"
	BaseSession  string  `json:"base_session,omitempty"`  // for load_prefix: the already-loaded head session
	Throughput   float64 `json:"throughput,omitempty"`
	Batch        int     `json:"batch,omitempty"` // the planner-chosen batch size, for load/update_throughput
	BackupNodeID uint32  `json:"backup_node_id,omitempty"` // for add_backup/remove_backup: the backup node being added or withdrawn
}

// UpdateModelTableRpc is pushed scheduler -> backend, fire-and-forget,
// after the scheduler mutex is released.
type UpdateModelTableRpc struct {
	Type    string            `json:"type"`
	Entries []ModelTableEntry `json:"entries"`
}

// UpdateModelRoutesRpc is pushed scheduler -> frontend, fire-and-forget.
type UpdateModelRoutesRpc struct {
	Type   string       `json:"type"`
	Routes []ModelRoute `json:"routes"`
}

// BackendBeaconRequest is a lightweight periodic liveness heartbeat from a
// backend, distinct from UpdateBackendStatsRequest which additionally
// carries per-session load samples.
type BackendBeaconRequest struct {
	Type   string `json:"type"`
	NodeID uint32 `json:"node_id"`
}

// QueryRequest is one inference query submitted to a backend's data-plane
// connection (spec.md §2 "separate connection scoped to the backend that
// owns a query"), independent of the scheduler control channel.
type QueryRequest struct {
	Type           string          `json:"type"`
	QueryID        string          `json:"query_id"`
	ModelSessionID string          `json:"model_session_id"`
	WindowSize     int             `json:"window_size,omitempty"`
	DeadlineMs     int             `json:"deadline_ms"`
	Input          json.RawMessage `json:"input"`
}

// InferenceReply is the reply a backend sends for one query, either
// directly to the frontend or embedded in a task completion callback.
type InferenceReply struct {
	QueryID        string          `json:"query_id"`
	ModelSessionID string          `json:"model_session_id"`
	Status         Status          `json:"status"`
	LatencyUs      int64           `json:"latency_us"`
	QueuingUs      int64           `json:"queuing_us"`
	Output         json.RawMessage `json:"output,omitempty"`
}
