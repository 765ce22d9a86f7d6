package backend

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nexusml/nexus/internal/config"
	"github.com/nexusml/nexus/internal/httpapi"
	"github.com/nexusml/nexus/internal/logx"
	"github.com/nexusml/nexus/internal/metrics"
)

// geBatchDeadline bounds how long the GPU executor waits for a partial
// batch to fill before forcing a forward pass (spec.md §4.9 step 3).
const geBatchDeadline = 20 * time.Millisecond

// Run starts one backend node: the worker pool, the GPU executor, the
// data-plane query listener, the scheduler control connection, and the
// optional status/metrics HTTP servers. It blocks until the scheduler
// connection loop returns (normally only on ctx cancellation), mirroring
// the teacher's worker.Run shape.
func Run(ctx context.Context, cfg config.BackendConfig, adapter Adapter) error {
	logx.Log.Info().Uint32("node_id", cfg.NodeID).Str("gpu", cfg.GPUName).Ints("cores", cfg.Cores).Msg("backend starting")

	instances := NewInstanceTable()
	ge := NewGPUExecutor(adapter, nil, geBatchDeadline)
	pool := NewPool(cfg.NumWorkers, adapter, instances, ge)
	ge.out = pool.Queue()

	status := NewStatus(cfg.NodeID, cfg.GPUName)
	stats := newStatSource(instances, pool)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go pool.Run(ctx)
	go ge.Run(ctx)
	go runHostDiagnostics(ctx, status)

	if cfg.StatusAddr != "" || cfg.MetricsAddr != "" {
		metrics.Register(prometheus.DefaultRegisterer)
		metrics.SetBuildInfo("backend", "dev")
	}
	if cfg.StatusAddr != "" {
		statusFn := func() any { return status.Snapshot(pool, instances) }
		srv := &http.Server{Addr: cfg.StatusAddr, Handler: httpapi.New(statusFn, nil)}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logx.Log.Error().Err(err).Msg("status server error")
			}
		}()
		go func() { <-ctx.Done(); _ = srv.Close() }()
	}
	if cfg.MetricsAddr != "" {
		metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: promhttp.Handler()}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logx.Log.Error().Err(err).Msg("metrics server error")
			}
		}()
		go func() { <-ctx.Done(); _ = metricsSrv.Close() }()
	}

	querySrv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.ServerPort), Handler: queryMux(pool)}
	go func() {
		if err := querySrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logx.Log.Error().Err(err).Msg("query listener error")
		}
	}()
	go func() { <-ctx.Done(); _ = querySrv.Close() }()

	return runScheduler(ctx, cfg, instances, stats, status)
}

func queryMux(pool *Pool) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/query", QueryHandler(pool))
	return mux
}
