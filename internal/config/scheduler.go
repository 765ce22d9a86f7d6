package config

import (
	"flag"
	"time"
)

// SchedulerConfig holds the scheduler's CLI/env-bound configuration.
type SchedulerConfig struct {
	Port         int
	StatusAddr   string
	MetricsAddr  string
	ModelDBPath  string
	WorkloadPath string
	LogLevel     string

	BeaconIntervalSec int
	EpochIntervalSec  int
	EpochScheduling   bool
	PrefixBatching    bool

	// LivenessMultiple is how many beacon intervals of silence mark a node
	// dead (spec.md §5: "2·beacon interval").
	LivenessMultiple int
	// MinHistoryLen is the minimum rps_history length before the epoch
	// loop will consider rebalancing a session (spec.md §4.7).
	MinHistoryLen int
}

// BindFlags populates defaults from the environment and registers flag.*
// bindings; callers must still call flag.Parse().
func (c *SchedulerConfig) BindFlags() {
	c.Port = getEnvInt("PORT", 8090)
	c.StatusAddr = getEnv("STATUS_ADDR", "")
	c.MetricsAddr = getEnv("METRICS_ADDR", "")
	c.ModelDBPath = getEnv("MODEL_DB", "./modeldb")
	c.WorkloadPath = getEnv("WORKLOAD_FILE", "")
	c.LogLevel = getEnv("LOG_LEVEL", "info")
	c.BeaconIntervalSec = getEnvInt("BEACON", 2)
	c.EpochIntervalSec = getEnvInt("EPOCH", 10)
	c.EpochScheduling = getEnvBool("EPOCH_SCHEDULE", true)
	c.PrefixBatching = getEnvBool("PREFIX_BATCH", true)
	c.LivenessMultiple = 2
	c.MinHistoryLen = 3

	flag.IntVar(&c.Port, "port", c.Port, "control-plane listen port")
	flag.StringVar(&c.StatusAddr, "status-addr", c.StatusAddr, "address to serve /status and /healthz on; empty disables")
	flag.StringVar(&c.MetricsAddr, "metrics-addr", c.MetricsAddr, "address to serve /metrics on; empty disables")
	flag.StringVar(&c.ModelDBPath, "model-db", c.ModelDBPath, "root directory of model profile YAML files")
	flag.StringVar(&c.WorkloadPath, "workload", c.WorkloadPath, "path to a static workload YAML file")
	flag.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log level: all, debug, info, warning, error, none")
	flag.IntVar(&c.BeaconIntervalSec, "beacon", c.BeaconIntervalSec, "beacon interval in seconds")
	flag.IntVar(&c.EpochIntervalSec, "epoch", c.EpochIntervalSec, "epoch interval in seconds")
	flag.BoolVar(&c.EpochScheduling, "epoch_schedule", c.EpochScheduling, "enable periodic epoch rebalancing")
	flag.BoolVar(&c.PrefixBatching, "prefix_batch", c.PrefixBatching, "enable prefix-share session joining")
}

// BeaconInterval returns BeaconIntervalSec as a time.Duration.
func (c SchedulerConfig) BeaconInterval() time.Duration {
	return time.Duration(c.BeaconIntervalSec) * time.Second
}

// EpochInterval returns EpochIntervalSec as a time.Duration.
func (c SchedulerConfig) EpochInterval() time.Duration {
	return time.Duration(c.EpochIntervalSec) * time.Second
}

// LivenessThreshold is the age past which a node's beacon is considered
// missed and the node is declared dead (spec.md §5).
func (c SchedulerConfig) LivenessThreshold() time.Duration {
	return time.Duration(c.LivenessMultiple) * c.BeaconInterval()
}
