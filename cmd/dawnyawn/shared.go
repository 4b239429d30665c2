package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"

	goutils "github.com/jkaninda/go-utils"

	"github.com/jkaninda/dawnyawn/internal/config"
	"github.com/jkaninda/dawnyawn/internal/llm"
	"github.com/jkaninda/dawnyawn/internal/llm/openai"
	"github.com/jkaninda/dawnyawn/internal/workspace"
)

// newLogger builds the process-wide structured logger.
func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if os.Getenv("DAWNYAWN_DEBUG") != "" {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
}

// loadConfig resolves the config path (env var wins over flag) and loads it.
func loadConfig(flagPath string) (*config.Config, error) {
	return config.Load(goutils.Env("DAWNYAWN_CONFIG", flagPath))
}

// initWorkspace creates the workspace, resolving the root from config or defaults.
func initWorkspace(cfg *config.Config) (*workspace.Workspace, error) {
	ws, err := workspace.New(cfg.ResolvedWorkspace())
	if err != nil {
		return nil, fmt.Errorf("initializing workspace: %w", err)
	}
	if err := ws.EnsureAll(); err != nil {
		return nil, fmt.Errorf("preparing workspace directories: %w", err)
	}
	return ws, nil
}

// newProvider builds the OpenAI-compatible LLM client from config.
func newProvider(cfg *config.Config, logger *slog.Logger) llm.Provider {
	opts := []openai.Option{
		openai.WithHTTPClient(&http.Client{Timeout: cfg.Provider.RequestTimeout()}),
	}
	if cfg.Provider.APIKey != "" {
		opts = append(opts, openai.WithAPIKey(cfg.Provider.APIKey))
	}
	return openai.NewClient(cfg.Provider.BaseURL, cfg.Provider.Model, logger, opts...)
}
