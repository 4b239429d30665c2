// Package config handles loading and validating DawnYawn configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Config is the root configuration for DawnYawn.
type Config struct {
	Workspace     string               `json:"workspace,omitempty" yaml:"workspace,omitempty"` // Workspace root. Default: ~/.dawnyawn. Override: DAWNYAWN_WORKSPACE env var.
	Server        ServerConfig         `json:"server" yaml:"server"`
	Sandbox       SandboxConfig        `json:"sandbox" yaml:"sandbox"`
	Execution     ExecutionConfig      `json:"execution" yaml:"execution"`
	Mission       MissionConfig        `json:"mission" yaml:"mission"`
	Provider      ProviderConfig       `json:"provider" yaml:"provider"`
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = metrics only, tracing disabled
}

// ServerConfig configures the execution control-plane server.
type ServerConfig struct {
	ListenAddr          string `json:"listen_addr" yaml:"listen_addr"`                     // Default: ":8500".
	MaxRequestSizeBytes int64  `json:"max_request_size_bytes" yaml:"max_request_size_bytes"` // Default: 1 MB.
	EnableDocs          bool   `json:"enable_docs" yaml:"enable_docs"`                     // Expose OpenAPI docs.
	ReapSchedule        string `json:"reap_schedule" yaml:"reap_schedule"`                 // Cron spec for the orphan sweep. Default: "@every 5m".
}

// Addr returns the listen address with a default of ":8500".
func (s *ServerConfig) Addr() string {
	if s != nil && s.ListenAddr != "" {
		return s.ListenAddr
	}
	return ":8500"
}

// ReapCronSpec returns the orphan sweep schedule with a default of "@every 5m".
func (s *ServerConfig) ReapCronSpec() string {
	if s != nil && s.ReapSchedule != "" {
		return s.ReapSchedule
	}
	return "@every 5m"
}

// SandboxConfig configures the Docker sandbox and its SSH channel.
type SandboxConfig struct {
	Image                 string `json:"image" yaml:"image"`                                     // Container image. Default: "dawnyawn-kali-agent".
	SSHUser               string `json:"ssh_user" yaml:"ssh_user"`                               // Default: "root".
	SSHKeyPath            string `json:"ssh_key_path" yaml:"ssh_key_path"`                       // Default: ~/.ssh/id_ecdsa.
	StartupTimeoutSeconds int    `json:"startup_timeout_seconds" yaml:"startup_timeout_seconds"` // Readiness poll bound. Default: 30.
	CommandTimeoutSeconds int    `json:"command_timeout_seconds" yaml:"command_timeout_seconds"` // Per-command hard bound. Default: 1800.
	ConnectTimeoutSeconds int    `json:"connect_timeout_seconds" yaml:"connect_timeout_seconds"` // SSH dial bound. Default: 30.
}

// SandboxImage returns the container image with a default of "dawnyawn-kali-agent".
func (s *SandboxConfig) SandboxImage() string {
	if s != nil && s.Image != "" {
		return s.Image
	}
	return "dawnyawn-kali-agent"
}

// User returns the SSH user with a default of "root".
func (s *SandboxConfig) User() string {
	if s != nil && s.SSHUser != "" {
		return s.SSHUser
	}
	return "root"
}

// KeyPath returns the SSH private key path, resolving ~ and defaulting
// to ~/.ssh/id_ecdsa.
func (s *SandboxConfig) KeyPath() string {
	path := ""
	if s != nil {
		path = s.SSHKeyPath
	}
	if path == "" {
		path = "~/.ssh/id_ecdsa"
	}
	resolved, err := resolvePath(path)
	if err != nil {
		return path
	}
	return resolved
}

// StartupTimeout returns the readiness bound with a default of 30s.
func (s *SandboxConfig) StartupTimeout() time.Duration {
	if s != nil && s.StartupTimeoutSeconds > 0 {
		return time.Duration(s.StartupTimeoutSeconds) * time.Second
	}
	return 30 * time.Second
}

// CommandTimeout returns the per-command bound with a default of 30m.
func (s *SandboxConfig) CommandTimeout() time.Duration {
	if s != nil && s.CommandTimeoutSeconds > 0 {
		return time.Duration(s.CommandTimeoutSeconds) * time.Second
	}
	return 30 * time.Minute
}

// ConnectTimeout returns the SSH dial bound with a default of 30s.
func (s *SandboxConfig) ConnectTimeout() time.Duration {
	if s != nil && s.ConnectTimeoutSeconds > 0 {
		return time.Duration(s.ConnectTimeoutSeconds) * time.Second
	}
	return 30 * time.Second
}

// ExecutionConfig selects how the mission routes commands to sandboxes.
type ExecutionConfig struct {
	// Mode is "session" (one sandbox reused for the whole mission, default)
	// or "ephemeral" (fresh sandbox per command, no session state).
	Mode      string `json:"mode" yaml:"mode"`
	ServerURL string `json:"server_url" yaml:"server_url"` // Control-plane base URL. Default: "http://127.0.0.1:8500". Override: DAWNYAWN_SERVER_URL.
}

// ExecutionMode returns the mode with a default of "session".
func (e *ExecutionConfig) ExecutionMode() string {
	if e != nil && e.Mode != "" {
		return e.Mode
	}
	return "session"
}

// BaseURL returns the control-plane URL with a default of "http://127.0.0.1:8500".
func (e *ExecutionConfig) BaseURL() string {
	if e != nil && e.ServerURL != "" {
		return strings.TrimRight(e.ServerURL, "/")
	}
	return "http://127.0.0.1:8500"
}

// MissionConfig configures the mission loop.
type MissionConfig struct {
	MaxSteps int `json:"max_steps" yaml:"max_steps"` // Step ceiling. Default: 20.
}

// StepCeiling returns the step ceiling with a default of 20.
func (m *MissionConfig) StepCeiling() int {
	if m != nil && m.MaxSteps > 0 {
		return m.MaxSteps
	}
	return 20
}

// ProviderConfig configures the OpenAI-compatible LLM backend.
type ProviderConfig struct {
	BaseURL               string `json:"base_url" yaml:"base_url"`                               // Override: OLLAMA_BASE_URL env var.
	Model                 string `json:"model" yaml:"model"`                                     // Override: LLM_MODEL env var.
	APIKey                string `json:"api_key,omitempty" yaml:"api_key,omitempty"`             // Override: LLM_API_KEY env var. Empty is fine for Ollama.
	RequestTimeoutSeconds int    `json:"request_timeout_seconds" yaml:"request_timeout_seconds"` // Default: 120.
}

// RequestTimeout returns the LLM request bound with a default of 120s.
func (p *ProviderConfig) RequestTimeout() time.Duration {
	if p != nil && p.RequestTimeoutSeconds > 0 {
		return time.Duration(p.RequestTimeoutSeconds) * time.Second
	}
	return 120 * time.Second
}

// ObservabilityConfig configures tracing. Metrics are always on (custom
// registry, exposed by the server only).
type ObservabilityConfig struct {
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
}

// TracingConfig configures OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" or "http". Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "dawnyawn"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0–1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure"`         // Skip TLS for dev
}

// DefaultConfigPath returns the default config file path (~/.dawnyawn/config.json).
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "configs/dawnyawn.json" // fallback for environments without a home dir
	}
	return filepath.Join(home, ".dawnyawn", "config.json")
}

// Load reads a JSON or YAML config file and applies environment overrides.
// A missing file is not an error; the agent is fully usable from environment
// variables alone. The format is detected by extension: .yml/.yaml for YAML,
// everything else for JSON.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		resolved, err := resolvePath(path)
		if err != nil {
			return nil, fmt.Errorf("resolving config path %s: %w", path, err)
		}
		data, err := os.ReadFile(resolved)
		switch {
		case os.IsNotExist(err):
			// Env-only configuration.
		case err != nil:
			return nil, fmt.Errorf("reading config %s: %w", resolved, err)
		default:
			switch ext := strings.ToLower(filepath.Ext(resolved)); ext {
			case ".yml", ".yaml":
				if err := yaml.Unmarshal(data, cfg); err != nil {
					return nil, fmt.Errorf("parsing YAML config %s: %w", resolved, err)
				}
			default:
				if err := json.Unmarshal(data, cfg); err != nil {
					return nil, fmt.Errorf("parsing JSON config %s: %w", resolved, err)
				}
			}
		}
	}

	// Environment variables take precedence over config file values.
	if env := os.Getenv("OLLAMA_BASE_URL"); env != "" {
		cfg.Provider.BaseURL = env
	}
	if env := os.Getenv("LLM_MODEL"); env != "" {
		cfg.Provider.Model = env
	}
	if env := os.Getenv("LLM_API_KEY"); env != "" {
		cfg.Provider.APIKey = env
	}
	if env := os.Getenv("DAWNYAWN_WORKSPACE"); env != "" {
		cfg.Workspace = env
	}
	if env := os.Getenv("DAWNYAWN_SERVER_URL"); env != "" {
		cfg.Execution.ServerURL = env
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// ResolvedWorkspace returns the workspace root, resolving ~ if needed.
func (c *Config) ResolvedWorkspace() string {
	if c.Workspace == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "dawnyawn-workspace"
		}
		return filepath.Join(home, ".dawnyawn")
	}
	resolved, err := resolvePath(c.Workspace)
	if err != nil {
		return c.Workspace
	}
	return resolved
}

// ValidateProvider checks the fields only mission mode needs. Called by the
// run command; the server runs without an LLM backend at all.
func (c *Config) ValidateProvider() error {
	if c.Provider.BaseURL == "" {
		return fmt.Errorf("provider.base_url is required (set OLLAMA_BASE_URL env var)")
	}
	if c.Provider.Model == "" {
		return fmt.Errorf("provider.model is required (set LLM_MODEL env var)")
	}
	return nil
}

func (c *Config) validate() error {
	switch mode := c.Execution.ExecutionMode(); mode {
	case "session", "ephemeral":
		// valid
	default:
		return fmt.Errorf("execution.mode %q is not supported (use session or ephemeral)", mode)
	}
	if c.Mission.MaxSteps < 0 {
		return fmt.Errorf("mission.max_steps must not be negative")
	}
	if c.Sandbox.CommandTimeoutSeconds < 0 {
		return fmt.Errorf("sandbox.command_timeout_seconds must not be negative")
	}
	if c.Server.MaxRequestSizeBytes < 0 {
		return fmt.Errorf("server.max_request_size_bytes must not be negative")
	}
	return nil
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}
