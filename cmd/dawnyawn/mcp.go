package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/jkaninda/dawnyawn/internal/config"
	"github.com/jkaninda/dawnyawn/internal/sandbox"
	"github.com/jkaninda/dawnyawn/internal/server"
	"github.com/jkaninda/dawnyawn/internal/session"
)

var mcpConfigPath string

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Expose sandbox sessions as MCP tools over stdio",
	RunE:  runMCP,
}

func init() {
	mcpCmd.Flags().StringVar(&mcpConfigPath, "config", config.DefaultConfigPath(), "path to config file")
}

func runMCP(_ *cobra.Command, _ []string) error {
	// Logs go to stderr; stdout belongs to the MCP protocol.
	logger := newLogger()

	cfg, err := loadConfig(mcpConfigPath)
	if err != nil {
		return err
	}

	manager := sandbox.NewManager(&cfg.Sandbox, logger)
	registry := session.NewRegistry(manager, &cfg.Sandbox, logger)

	return server.NewMCPServer(registry, version, logger).Serve(context.Background())
}
