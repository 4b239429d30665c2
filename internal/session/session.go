// Package session maps opaque identifiers to live sandboxes and routes
// command execution to them. The registry is the only shared mutable state in
// the control plane and is safe for concurrent callers.
package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/dawnyawn/internal/config"
	"github.com/jkaninda/dawnyawn/internal/sandbox"
	"github.com/jkaninda/dawnyawn/internal/sshexec"
)

// ErrSessionNotFound indicates the identifier maps to no live sandbox. Ended
// sessions, expired sessions, and never-started identifiers all report it.
var ErrSessionNotFound = errors.New("session not found")

// Status classifies an execution outcome.
type Status string

const (
	StatusSuccess Status = "SUCCESS"
	StatusFailure Status = "FAILURE"
	StatusEmpty   Status = "EMPTY"
)

// summaryLimit bounds the summary field of an observation.
const summaryLimit = 400

// Observation is the structured record of one command execution.
type Observation struct {
	Status     Status `json:"status"`
	Summary    string `json:"summary"`
	FullOutput string `json:"full_output"`
}

// FileResult is the outcome of a one-shot execution: the remote file the
// command's output was redirected to, and its content.
type FileResult struct {
	Filename    string `json:"filename"`
	FileContent string `json:"file_content"`
}

// runner abstracts the execution channel held by a session.
type runner interface {
	Run(ctx context.Context, sb *sandbox.Sandbox, command string) (*sshexec.Result, error)
	Close() error
}

var _ runner = (*sshexec.Channel)(nil)

type liveSession struct {
	sb      *sandbox.Sandbox
	channel runner
	started time.Time
}

// Registry holds live sessions keyed by UUID.
type Registry struct {
	manager *sandbox.Manager
	cfg     *config.SandboxConfig
	logger  *slog.Logger

	mu       sync.Mutex
	sessions map[string]*liveSession
}

// NewRegistry creates an empty session registry.
func NewRegistry(manager *sandbox.Manager, cfg *config.SandboxConfig, logger *slog.Logger) *Registry {
	return &Registry{
		manager:  manager,
		cfg:      cfg,
		logger:   logger,
		sessions: make(map[string]*liveSession),
	}
}

// Start provisions a sandbox and registers it under a fresh identifier.
// Concurrent starts produce independent sessions.
func (r *Registry) Start(ctx context.Context) (string, error) {
	sb, err := r.manager.Create(ctx)
	if err != nil {
		return "", err
	}

	id := uuid.NewString()
	r.mu.Lock()
	r.sessions[id] = &liveSession{
		sb:      sb,
		channel: sshexec.NewChannel(r.cfg, r.logger),
		started: time.Now(),
	}
	r.mu.Unlock()

	r.logger.Info("session started",
		slog.String("session_id", id),
		slog.String("container", sb.Name),
	)
	return id, nil
}

// Execute runs a command in the named session's sandbox and returns a
// structured observation. Execution failures (timeout, dead connection) are
// reported as FAILURE observations, not errors; the only error this method
// returns is ErrSessionNotFound. A timeout destroys the session's sandbox
// and removes the session.
func (r *Registry) Execute(ctx context.Context, id, command string) (*Observation, error) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}

	result, err := s.channel.Run(ctx, s.sb, command)
	if err != nil {
		if errors.Is(err, sshexec.ErrTimeout) {
			// The command is still running inside the container. The only safe
			// recovery is to destroy the whole environment.
			r.logger.Warn("command timed out, destroying session",
				slog.String("session_id", id),
				slog.String("container", s.sb.Name),
			)
			r.remove(ctx, id)
		}
		return &Observation{
			Status:  StatusFailure,
			Summary: err.Error(),
		}, nil
	}

	obs := &Observation{
		Status:     StatusSuccess,
		Summary:    summarize(result.Output),
		FullOutput: result.Output,
	}
	if result.Empty {
		obs.Status = StatusEmpty
		obs.Summary = "command produced no output"
	} else if result.ExitCode != 0 {
		obs.Status = StatusFailure
		obs.Summary = fmt.Sprintf("exit code %d: %s", result.ExitCode, summarize(result.Output))
	}
	return obs, nil
}

// End destroys the session's sandbox and removes the mapping. A second call
// with the same identifier reports ErrSessionNotFound.
func (r *Registry) End(ctx context.Context, id string) error {
	if !r.remove(ctx, id) {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	r.logger.Info("session ended", slog.String("session_id", id))
	return nil
}

// ExecuteOnce runs a single command in a throwaway sandbox with its output
// redirected to a file inside the container, extracts the file, and destroys
// the sandbox. No session mapping is created.
func (r *Registry) ExecuteOnce(ctx context.Context, command string) (*FileResult, error) {
	filename, err := outputFilename(command)
	if err != nil {
		return nil, err
	}

	var content string
	err = r.manager.With(ctx, func(sb *sandbox.Sandbox) error {
		channel := sshexec.NewChannel(r.cfg, r.logger)
		defer channel.Close()

		redirected := fmt.Sprintf("%s > /tmp/%s 2>&1", command, filename)
		if _, err := channel.Run(ctx, sb, redirected); err != nil {
			return fmt.Errorf("running command: %w", err)
		}

		out, err := channel.Run(ctx, sb, "cat /tmp/"+filename)
		if err != nil {
			return fmt.Errorf("extracting output file: %w", err)
		}
		content = out.Output
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &FileResult{Filename: filename, FileContent: content}, nil
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Close destroys every remaining session. Called at server shutdown.
func (r *Registry) Close(ctx context.Context) {
	r.mu.Lock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	for _, id := range ids {
		r.remove(ctx, id)
	}
}

// remove deletes the mapping and destroys the sandbox as one operation.
// Returns false when the identifier was not present.
func (r *Registry) remove(ctx context.Context, id string) bool {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}

	s.channel.Close()
	r.manager.Destroy(context.WithoutCancel(ctx), s.sb)
	return true
}

// summarize truncates output for the observation summary field.
func summarize(output string) string {
	trimmed := strings.TrimSpace(output)
	if len(trimmed) <= summaryLimit {
		return trimmed
	}
	return trimmed[:summaryLimit] + "... (truncated)"
}

// outputFilename derives a safe remote filename from the command:
// the command's leading characters with anything unsafe mapped to
// underscores, plus a random suffix to avoid collisions.
func outputFilename(command string) (string, error) {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating filename suffix: %w", err)
	}

	prefix := command
	if len(prefix) > 24 {
		prefix = prefix[:24]
	}
	var sb strings.Builder
	for _, r := range prefix {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			sb.WriteRune(r)
		default:
			sb.WriteByte('_')
		}
	}
	name := strings.Trim(sb.String(), "_")
	if name == "" {
		name = "output"
	}
	return fmt.Sprintf("%s_%s.txt", name, hex.EncodeToString(b)), nil
}
