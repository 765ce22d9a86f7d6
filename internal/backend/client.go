package backend

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/coder/websocket"

	"github.com/nexusml/nexus/internal/config"
	"github.com/nexusml/nexus/internal/logx"
	"github.com/nexusml/nexus/internal/wire"
)

// runScheduler holds one persistent control connection to the scheduler,
// reconnecting with backoff on failure, mirroring the teacher's
// connectAndServe/reconnectDelay shape.
func runScheduler(ctx context.Context, cfg config.BackendConfig, instances *InstanceTable, stats *statSource, status *Status) error {
	attempt := 0
	for {
		connected, err := connectAndServe(ctx, cfg, instances, stats, status)
		if err == nil {
			return nil
		}
		if connected {
			attempt = 0
		}
		delay := reconnectDelay(attempt)
		attempt++
		logx.Log.Warn().Dur("backoff", delay).Err(err).Msg("connection to scheduler lost; retrying")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

func connectAndServe(ctx context.Context, cfg config.BackendConfig, instances *InstanceTable, stats *statSource, status *Status) (bool, error) {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	ws, _, err := websocket.Dial(connCtx, cfg.SchAddr, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = ws.Close(websocket.StatusInternalError, "closing") }()

	nodeID := cfg.NodeID
	reg := wire.RegisterRequest{
		Type:            "register",
		NodeID:          nodeID,
		NodeType:        wire.NodeBackend,
		ServerPort:      cfg.ServerPort,
		RPCPort:         cfg.RPCPort,
		GPUDeviceName:   cfg.GPUName,
		GPUAvailableMem: uint64(cfg.GPUMemMB),
	}
	b, err := json.Marshal(reg)
	if err != nil {
		return false, err
	}
	if err := ws.Write(connCtx, websocket.MessageText, b); err != nil {
		return false, err
	}

	_, data, err := ws.Read(connCtx)
	if err != nil {
		return false, err
	}
	var ack wire.RegisterReply
	if err := json.Unmarshal(data, &ack); err != nil {
		return false, err
	}
	if ack.Status != wire.StatusOK {
		return false, errors.New("scheduler rejected registration: " + string(ack.Status))
	}

	logx.Log.Info().Str("scheduler", cfg.SchAddr).Uint32("node_id", nodeID).Msg("connected to scheduler")
	status.SetConnected(true)

	sendCh := make(chan []byte, 32)
	writeDone := make(chan struct{})
	go func() {
		defer close(writeDone)
		for msg := range sendCh {
			if err := ws.Write(connCtx, websocket.MessageText, msg); err != nil {
				return
			}
		}
	}()

	beaconInterval := time.Duration(ack.BeaconIntervalSec) * time.Second
	if beaconInterval <= 0 {
		beaconInterval = 2 * time.Second
	}
	go beaconLoop(connCtx, nodeID, beaconInterval, sendCh, stats)

	for {
		_, data, err := ws.Read(connCtx)
		if err != nil {
			status.SetConnected(false)
			close(sendCh)
			<-writeDone
			return true, err
		}
		var env wire.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		if env.Type == "update_model_table" {
			var req wire.UpdateModelTableRpc
			if err := json.Unmarshal(data, &req); err == nil {
				applyModelTable(instances, req.Entries)
			}
		}
	}
}

func beaconLoop(ctx context.Context, nodeID uint32, interval time.Duration, sendCh chan<- []byte, stats *statSource) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			beacon := wire.BackendBeaconRequest{Type: "backend_beacon", NodeID: nodeID}
			if b, err := json.Marshal(beacon); err == nil {
				sendCh <- b
			}
			samples := stats.Samples()
			if len(samples) == 0 {
				continue
			}
			upd := wire.UpdateBackendStatsRequest{Type: "update_backend_stats", NodeID: nodeID, Samples: samples}
			if b, err := json.Marshal(upd); err == nil {
				sendCh <- b
			}
		}
	}
}

// applyModelTable mutates the local InstanceTable per a scheduler push
// (spec.md §4.9's model table entries), independent of the capacity
// planner which runs scheduler-side only.
func applyModelTable(instances *InstanceTable, entries []wire.ModelTableEntry) {
	for _, e := range entries {
		switch e.Op {
		case "load":
			instances.Load(e.SessionID, e.Batch)
		case "load_prefix":
			instances.LoadPrefix(e.SessionID, e.BaseSession)
		case "update_throughput":
			instances.UpdateThroughput(e.SessionID, e.Batch)
		case "unload":
			instances.Unload(e.SessionID)
		case "add_backup":
			// Backup declarations are scheduler-side bookkeeping only
			// (spec.md §4.3); the backend takes no local action until it
			// is promoted by a future "load".
		default:
			logx.Log.Debug().Str("op", e.Op).Str("session", e.SessionID).Msg("unhandled model table op")
		}
	}
}

func reconnectDelay(attempt int) time.Duration {
	schedule := []time.Duration{time.Second, time.Second, time.Second, 5 * time.Second, 5 * time.Second, 5 * time.Second, 15 * time.Second, 15 * time.Second, 15 * time.Second}
	if attempt < len(schedule) {
		return schedule[attempt]
	}
	return 30 * time.Second
}
