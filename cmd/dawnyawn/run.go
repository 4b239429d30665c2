package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jkaninda/dawnyawn/internal/archive"
	"github.com/jkaninda/dawnyawn/internal/config"
	"github.com/jkaninda/dawnyawn/internal/execclient"
	"github.com/jkaninda/dawnyawn/internal/mission"
	"github.com/jkaninda/dawnyawn/internal/planner"
	"github.com/jkaninda/dawnyawn/internal/report"
	"github.com/jkaninda/dawnyawn/internal/tools"
)

var (
	runConfigPath string
	runYes        bool
	runMode       string
)

var runCmd = &cobra.Command{
	Use:   "run [goal]",
	Short: "Run a mission toward the given goal",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runMission,
}

func init() {
	// Register flags on both root and run so that
	// `dawnyawn "goal"` and `dawnyawn run "goal"` both work.
	for _, cmd := range []*cobra.Command{rootCmd, runCmd} {
		cmd.Flags().StringVar(&runConfigPath, "config", config.DefaultConfigPath(), "path to config file")
		cmd.Flags().BoolVar(&runYes, "yes", false, "skip the interactive plan approval")
		cmd.Flags().StringVar(&runMode, "mode", "", "execution strategy: session or ephemeral")
	}
}

func runMission(cmd *cobra.Command, args []string) error {
	if len(args) == 0 {
		return cmd.Help()
	}
	goal := strings.TrimSpace(strings.Join(args, " "))
	if goal == "" {
		return fmt.Errorf("goal must not be empty")
	}

	logger := newLogger()

	cfg, err := loadConfig(runConfigPath)
	if err != nil {
		return err
	}
	if runMode != "" {
		cfg.Execution.Mode = runMode
	}
	if err := cfg.ValidateProvider(); err != nil {
		return err
	}

	ws, err := initWorkspace(cfg)
	if err != nil {
		return err
	}

	provider := newProvider(cfg, logger)
	plannerEngine := planner.New(provider, tools.NewRegistry(), logger)
	checkpoints := mission.NewCheckpointStore(ws.CheckpointPath(), logger)

	var executor execclient.Executor
	switch cfg.Execution.ExecutionMode() {
	case "ephemeral":
		executor = execclient.NewEphemeralExecutor(cfg.Execution.BaseURL(), ws, logger)
	default:
		executor = execclient.NewSessionExecutor(cfg.Execution.BaseURL(), logger)
	}

	var approver mission.Approver = &mission.CLIApprover{In: os.Stdin, Out: os.Stdout}
	if runYes {
		approver = mission.AutoApprover{}
	}

	opts := []mission.EngineOption{
		mission.WithReporter(report.NewWriter(ws, logger)),
	}
	if store, err := archive.Open(ws.ArchivePath(), logger); err != nil {
		logger.Warn("mission archive unavailable", slog.String("error", err.Error()))
	} else {
		opts = append(opts, mission.WithArchiver(store))
	}

	engine := mission.NewEngine(
		plannerEngine,
		executor,
		checkpoints,
		approver,
		cfg.Mission.StepCeiling(),
		logger,
		opts...,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := engine.Run(ctx, goal); err != nil {
		if errors.Is(err, mission.ErrInterrupted) {
			logger.Warn("mission interrupted by operator")
			return nil
		}
		return err
	}
	return nil
}
