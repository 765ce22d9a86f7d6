package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nexusml/nexus/internal/config"
	"github.com/nexusml/nexus/internal/httpapi"
	"github.com/nexusml/nexus/internal/logx"
	"github.com/nexusml/nexus/internal/metrics"
	"github.com/nexusml/nexus/internal/modeldb"
	"github.com/nexusml/nexus/internal/sched"
	"github.com/nexusml/nexus/internal/session"
)

var version = "dev"

func main() {
	var cfg config.SchedulerConfig
	cfg.BindFlags()
	flag.Parse()
	logx.Configure(cfg.LogLevel)

	db, err := modeldb.Load(cfg.ModelDBPath)
	if err != nil {
		logx.Log.Fatal().Err(err).Msg("failed to load model database")
	}
	workloads, err := session.LoadWorkloads(cfg.WorkloadPath)
	if err != nil {
		logx.Log.Fatal().Err(err).Msg("failed to load static workload file")
	}

	transport := sched.NewWSTransport()
	core := sched.NewCore(cfg, db, workloads, transport)
	transport.Bind(core)

	r := chi.NewRouter()
	r.Get("/rpc", transport.Handler())
	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Port), Handler: r}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.StatusAddr != "" || cfg.MetricsAddr != "" {
		metrics.Register(prometheus.DefaultRegisterer)
		metrics.SetBuildInfo("scheduler", version)
	}
	if cfg.StatusAddr != "" {
		statusFn := func() any { return core.Snapshot() }
		statusSrv := &http.Server{Addr: cfg.StatusAddr, Handler: httpapi.New(statusFn, nil)}
		go func() {
			if err := statusSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logx.Log.Error().Err(err).Msg("status server error")
			}
		}()
		go func() { <-ctx.Done(); _ = statusSrv.Close() }()
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

	go core.RunLoops(ctx)
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()

	logx.Log.Info().
		Int("port", cfg.Port).
		Bool("epoch_scheduling", cfg.EpochScheduling).
		Bool("prefix_batching", cfg.PrefixBatching).
		Int("static_workloads", len(workloads)).
		Msg("nexus-scheduler starting")

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logx.Log.Fatal().Err(err).Msg("scheduler exited")
	}
}
