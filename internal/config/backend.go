package config

import (
	"flag"
	"fmt"
	"hash/crc32"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// BackendConfig holds one backend node's CLI/env-bound configuration.
type BackendConfig struct {
	NodeID      uint32
	nodeIDFlag  int
	ServerPort  int
	RPCPort     int
	SchAddr     string
	GPUName     string
	GPUMemMB    int
	NumWorkers  int
	CoresCSV    string
	Cores       []int
	StatusAddr  string
	MetricsAddr string
	LogLevel    string
}

// BindFlags populates defaults from the environment and registers flag.*
// bindings; callers must still call flag.Parse() and then Validate().
func (c *BackendConfig) BindFlags() {
	c.NodeID = uint32(getEnvInt("NODE_ID", int(crc32.ChecksumIEEE([]byte(uuid.NewString())))))
	c.ServerPort = getEnvInt("PORT", 9000)
	c.RPCPort = getEnvInt("RPC_PORT", 9001)
	c.SchAddr = getEnv("SCH_ADDR", "ws://localhost:8090/rpc")
	c.GPUName = getEnv("GPU", "unknown-gpu")
	c.GPUMemMB = getEnvInt("GPU_MEM_MB", 8192)
	c.NumWorkers = getEnvInt("NUM_WORKERS", 4)
	c.CoresCSV = getEnv("CORES", "")
	c.StatusAddr = getEnv("STATUS_ADDR", "")
	c.MetricsAddr = getEnv("METRICS_ADDR", "")
	c.LogLevel = getEnv("LOG_LEVEL", "info")

	c.nodeIDFlag = int(c.NodeID)
	flag.IntVar(&c.nodeIDFlag, "node-id", c.nodeIDFlag, "stable node id to register with the scheduler; random per-process if unset")
	flag.IntVar(&c.ServerPort, "port", c.ServerPort, "port this backend serves queries on")
	flag.IntVar(&c.RPCPort, "rpc_port", c.RPCPort, "port this backend exposes for scheduler control RPCs")
	flag.StringVar(&c.SchAddr, "sch_addr", c.SchAddr, "scheduler control-plane websocket address")
	flag.StringVar(&c.GPUName, "gpu", c.GPUName, "GPU device name to advertise at registration")
	flag.IntVar(&c.GPUMemMB, "gpu-mem-mb", c.GPUMemMB, "GPU memory in MB to advertise at registration")
	flag.IntVar(&c.NumWorkers, "num_workers", c.NumWorkers, "number of worker pool threads")
	flag.StringVar(&c.CoresCSV, "cores", c.CoresCSV, "CSV of CPU core ranges, e.g. 0-3,5; parsed and logged at startup, workers are not pinned to them")
	flag.StringVar(&c.StatusAddr, "status-addr", c.StatusAddr, "address to serve /status and /healthz on; empty disables")
	flag.StringVar(&c.MetricsAddr, "metrics-addr", c.MetricsAddr, "address to serve /metrics on; empty disables")
	flag.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log level: all, debug, info, warning, error, none")
}

// Validate parses --cores and rejects other malformed settings. This is
// spec.md §7's "configuration" error kind: fatal at startup, never
// surfaced as an RPC status.
func (c *BackendConfig) Validate() error {
	c.NodeID = uint32(c.nodeIDFlag)
	if c.NumWorkers < 1 {
		return fmt.Errorf("config: num_workers must be >= 1, got %d", c.NumWorkers)
	}
	cores, err := ParseCores(c.CoresCSV)
	if err != nil {
		return err
	}
	c.Cores = cores
	return nil
}

// ParseCores parses a CSV of core ranges like "0-3,5" into an explicit
// list of core indices. An empty string yields nil (no pinning).
func ParseCores(csv string) ([]int, error) {
	csv = strings.TrimSpace(csv)
	if csv == "" {
		return nil, nil
	}
	var cores []int
	for _, part := range strings.Split(csv, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if i := strings.IndexByte(part, '-'); i >= 0 {
			lo, err := strconv.Atoi(part[:i])
			if err != nil {
				return nil, fmt.Errorf("config: bad core range %q: %w", part, err)
			}
			hi, err := strconv.Atoi(part[i+1:])
			if err != nil {
				return nil, fmt.Errorf("config: bad core range %q: %w", part, err)
			}
			if hi < lo {
				return nil, fmt.Errorf("config: bad core range %q: end before start", part)
			}
			for v := lo; v <= hi; v++ {
				cores = append(cores, v)
			}
			continue
		}
		v, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("config: bad core index %q: %w", part, err)
		}
		cores = append(cores, v)
	}
	return cores, nil
}
