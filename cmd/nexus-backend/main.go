package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/nexusml/nexus/internal/backend"
	"github.com/nexusml/nexus/internal/config"
	"github.com/nexusml/nexus/internal/logx"
)

func main() {
	var cfg config.BackendConfig
	cfg.BindFlags()
	flag.Parse()
	logx.Configure(cfg.LogLevel)

	if err := cfg.Validate(); err != nil {
		logx.Log.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logx.Log.Info().
		Uint32("node_id", cfg.NodeID).
		Str("gpu", cfg.GPUName).
		Str("scheduler", cfg.SchAddr).
		Msg("nexus-backend starting")

	if err := backend.Run(ctx, cfg, backend.EchoAdapter{}); err != nil && ctx.Err() == nil {
		logx.Log.Fatal().Err(err).Msg("backend exited")
	}
}
