package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/dawnyawn/internal/config"
	"github.com/jkaninda/dawnyawn/internal/observability"
	"github.com/jkaninda/dawnyawn/internal/sandbox"
	"github.com/jkaninda/dawnyawn/internal/server"
	"github.com/jkaninda/dawnyawn/internal/session"
)

var (
	serverConfigPath string
	serverAddr       string
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the execution control plane (HTTP API, metrics, event stream)",
	RunE:  runServer,
}

func init() {
	serverCmd.Flags().StringVar(&serverConfigPath, "config", config.DefaultConfigPath(), "path to config file")
	serverCmd.Flags().StringVar(&serverAddr, "addr", "", "override the listen address (e.g. :8500)")
}

func runServer(_ *cobra.Command, _ []string) error {
	logger := newLogger()

	cfg, err := loadConfig(serverConfigPath)
	if err != nil {
		return err
	}
	if serverAddr != "" {
		cfg.Server.ListenAddr = serverAddr
	}

	metrics := observability.NewMetricsCollector()

	var tracingCfg *config.TracingConfig
	if cfg.Observability != nil {
		tracingCfg = cfg.Observability.Tracing
	}
	tracing, err := observability.NewTracing(tracingCfg)
	if err != nil {
		return err
	}

	manager := sandbox.NewManager(&cfg.Sandbox, logger)
	registry := session.NewRegistry(manager, &cfg.Sandbox, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := server.New(cfg, registry, manager, metrics, tracing, logger)
	err = srv.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if terr := tracing.Shutdown(shutdownCtx); terr != nil {
		logger.Error("tracing shutdown failed", "error", terr.Error())
	}
	return err
}
