// Package metrics defines the Prometheus instrumentation shared by the
// scheduler and backend binaries, in the style of the teacher's ctrl and
// metrics packages: a handful of package-level vectors registered once at
// startup and updated from the hot paths.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nexus_build_info",
			Help: "Build information.",
		},
		[]string{"component", "version"},
	)

	// Scheduler-side metrics.
	backendsRegistered = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "nexus_scheduler_backends_registered",
		Help: "Number of backends currently registered with the scheduler.",
	})
	frontendsRegistered = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "nexus_scheduler_frontends_registered",
		Help: "Number of frontends currently registered with the scheduler.",
	})
	sessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "nexus_scheduler_sessions_active",
		Help: "Number of model sessions currently tracked by the scheduler.",
	})
	unassignedWorkload = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nexus_scheduler_unassigned_workload_rps",
			Help: "Unassigned overflow workload per session, in requests per second.",
		},
		[]string{"session"},
	)
	epochRuns = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "nexus_scheduler_epoch_runs_total",
		Help: "Number of epoch rebalancing passes executed.",
	})
	beaconRuns = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "nexus_scheduler_beacon_runs_total",
		Help: "Number of beacon liveness/stats passes executed.",
	})
	rpcRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nexus_scheduler_rpc_requests_total",
			Help: "Scheduler RPC requests by method and status.",
		},
		[]string{"method", "status"},
	)

	// Backend-side metrics.
	tasksAccepted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nexus_backend_tasks_total",
			Help: "Tasks accepted by the backend worker pool, by outcome.",
		},
		[]string{"outcome"},
	)
	batchSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nexus_backend_batch_size",
			Help:    "GPU executor batch sizes.",
			Buckets: []float64{1, 2, 4, 8, 16, 32, 64},
		},
		[]string{"session"},
	)
	taskLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nexus_backend_task_latency_us",
			Help:    "End-to-end task latency in microseconds.",
			Buckets: prometheus.ExponentialBuckets(500, 2, 12),
		},
		[]string{"session"},
	)
	queueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nexus_backend_queue_depth",
			Help: "Worker pool priority queue depth.",
		},
		[]string{"session"},
	)
)

// Register attaches all metrics to r. Called once at startup by each
// binary's main.
func Register(r prometheus.Registerer) {
	r.MustRegister(
		buildInfo, backendsRegistered, frontendsRegistered, sessionsActive,
		unassignedWorkload, epochRuns, beaconRuns, rpcRequests,
		tasksAccepted, batchSize, taskLatency, queueDepth,
	)
}

// SetBuildInfo records the running binary's version under a component
// label ("scheduler" or "backend").
func SetBuildInfo(component, version string) { buildInfo.WithLabelValues(component, version).Set(1) }

func SetBackendsRegistered(n int)  { backendsRegistered.Set(float64(n)) }
func SetFrontendsRegistered(n int) { frontendsRegistered.Set(float64(n)) }
func SetSessionsActive(n int)      { sessionsActive.Set(float64(n)) }
func SetUnassignedWorkload(session string, rps float64) {
	unassignedWorkload.WithLabelValues(session).Set(rps)
}
func IncEpochRuns()  { epochRuns.Inc() }
func IncBeaconRuns() { beaconRuns.Inc() }
func RecordRPC(method string, status string) { rpcRequests.WithLabelValues(method, status).Inc() }

func RecordTaskOutcome(outcome string) { tasksAccepted.WithLabelValues(outcome).Inc() }
func ObserveBatchSize(session string, n int) { batchSize.WithLabelValues(session).Observe(float64(n)) }
func ObserveTaskLatencyUs(session string, us int64) {
	taskLatency.WithLabelValues(session).Observe(float64(us))
}
func SetQueueDepth(session string, n int) { queueDepth.WithLabelValues(session).Set(float64(n)) }
