package sandbox

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/jkaninda/dawnyawn/internal/config"
)

const (
	namePrefix      = "dawnyawn-sbx-"
	sshdCommand     = "/usr/sbin/sshd"
	readinessPoll   = 500 * time.Millisecond
	cleanupDeadline = 10 * time.Second
)

// Manager provisions and destroys Docker sandboxes via the docker CLI.
// It tracks the names of live sandboxes so an orphan sweep can distinguish
// containers it owns from leftovers of a crashed process.
type Manager struct {
	cfg    *config.SandboxConfig
	logger *slog.Logger

	mu   sync.Mutex
	live map[string]bool // container name -> tracked
}

// NewManager creates a sandbox Manager.
func NewManager(cfg *config.SandboxConfig, logger *slog.Logger) *Manager {
	return &Manager{
		cfg:    cfg,
		logger: logger,
		live:   make(map[string]bool),
	}
}

// Create provisions a fresh sandbox: create the container with an ephemeral
// loopback port mapped to the SSH listener, start it, wait until the Docker
// daemon reports it running, and resolve the mapped host port. All failures
// wrap ErrProvision; a partially created container is force-removed before
// the error is returned.
func (m *Manager) Create(ctx context.Context) (*Sandbox, error) {
	name, err := generateName()
	if err != nil {
		return nil, fmt.Errorf("%w: generating container name: %v", ErrProvision, err)
	}

	sb := &Sandbox{
		Name:      name,
		State:     StateCreating,
		CreatedAt: time.Now(),
	}

	args := []string{
		"create",
		"--name", name,
		"-p", "127.0.0.1::22",
		m.cfg.SandboxImage(),
		sshdCommand, "-D",
	}
	out, err := m.docker(ctx, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: docker create: %v: %s", ErrProvision, err, strings.TrimSpace(out))
	}
	sb.ID = strings.TrimSpace(out)

	m.track(name)

	if out, err = m.docker(ctx, "start", name); err != nil {
		m.forceRemove(name)
		m.untrack(name)
		return nil, fmt.Errorf("%w: docker start: %v: %s", ErrProvision, err, strings.TrimSpace(out))
	}

	if err := m.waitRunning(ctx, name); err != nil {
		m.forceRemove(name)
		m.untrack(name)
		return nil, err
	}

	endpoint, err := m.resolveEndpoint(ctx, name)
	if err != nil {
		m.forceRemove(name)
		m.untrack(name)
		return nil, err
	}

	sb.Endpoint = endpoint
	sb.State = StateRunning

	m.logger.Info("sandbox provisioned",
		slog.String("container", name),
		slog.String("image", m.cfg.SandboxImage()),
		slog.String("endpoint", endpoint),
		slog.Duration("startup", time.Since(sb.CreatedAt)),
	)
	return sb, nil
}

// Destroy tears a sandbox down. It is idempotent and never propagates errors:
// teardown runs on every termination path and must not mask the error that
// got us there. "No such container" counts as success.
func (m *Manager) Destroy(ctx context.Context, sb *Sandbox) {
	if sb == nil || sb.State == StateDestroyed {
		return
	}
	m.forceRemove(sb.Name)
	m.untrack(sb.Name)
	sb.State = StateDestroyed

	m.logger.Info("sandbox destroyed", slog.String("container", sb.Name))
}

// With provisions a sandbox, runs fn against it, and destroys it on every
// exit path including panic and context cancellation.
func (m *Manager) With(ctx context.Context, fn func(*Sandbox) error) error {
	sb, err := m.Create(ctx)
	if err != nil {
		return err
	}
	defer m.Destroy(context.WithoutCancel(ctx), sb)
	return fn(sb)
}

// ReapOrphans force-removes any container with the sandbox name prefix that
// this Manager is not currently tracking. Leftovers appear when a previous
// process crashed between create and destroy.
func (m *Manager) ReapOrphans(ctx context.Context) int {
	out, err := m.docker(ctx, "ps", "-a", "--filter", "name="+namePrefix, "--format", "{{.Names}}")
	if err != nil {
		m.logger.Warn("orphan sweep failed", slog.String("error", err.Error()))
		return 0
	}

	reaped := 0
	for _, name := range strings.Fields(out) {
		if !strings.HasPrefix(name, namePrefix) || m.tracked(name) {
			continue
		}
		m.forceRemove(name)
		m.logger.Warn("reaped orphan sandbox", slog.String("container", name))
		reaped++
	}
	return reaped
}

// LiveCount returns the number of sandboxes currently tracked as live.
func (m *Manager) LiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.live)
}

// waitRunning polls docker inspect until the container reports running,
// bounded by the configured startup timeout.
func (m *Manager) waitRunning(ctx context.Context, name string) error {
	deadline := time.Now().Add(m.cfg.StartupTimeout())
	for {
		out, err := m.docker(ctx, "inspect", "-f", "{{.State.Running}}", name)
		if err == nil && strings.TrimSpace(out) == "true" {
			return nil
		}
		if ctx.Err() != nil {
			return fmt.Errorf("%w: waiting for container %s: %v", ErrProvision, name, ctx.Err())
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: container %s not running after %s", ErrProvision, name, m.cfg.StartupTimeout())
		}
		time.Sleep(readinessPoll)
	}
}

// resolveEndpoint reads the host port Docker assigned to the container's SSH
// listener and returns the loopback endpoint to dial.
func (m *Manager) resolveEndpoint(ctx context.Context, name string) (string, error) {
	out, err := m.docker(ctx, "port", name, "22/tcp")
	if err != nil {
		return "", fmt.Errorf("%w: resolving port for %s: %v", ErrProvision, name, err)
	}
	// docker port prints one mapping per line, e.g. "127.0.0.1:49153".
	line := strings.TrimSpace(strings.SplitN(out, "\n", 2)[0])
	idx := strings.LastIndex(line, ":")
	if idx < 0 || idx == len(line)-1 {
		return "", fmt.Errorf("%w: no SSH port mapping for %s (output %q)", ErrProvision, name, line)
	}
	return "127.0.0.1:" + line[idx+1:], nil
}

// forceRemove attempts to remove a container by name. Errors are logged but
// not returned (best-effort cleanup); "No such container" is expected when
// the container is already gone.
func (m *Manager) forceRemove(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupDeadline)
	defer cancel()

	out, err := exec.CommandContext(ctx, "docker", "rm", "-f", name).CombinedOutput()
	if err != nil && !bytes.Contains(out, []byte("No such container")) {
		m.logger.Warn("docker rm -f failed",
			slog.String("container", name),
			slog.String("error", err.Error()),
			slog.String("output", string(out)),
		)
	}
}

func (m *Manager) docker(ctx context.Context, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, "docker", args...).CombinedOutput()
	return string(out), err
}

func (m *Manager) track(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.live[name] = true
}

func (m *Manager) untrack(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.live, name)
}

func (m *Manager) tracked(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.live[name]
}

// generateName returns a unique container name: dawnyawn-sbx-<16 hex chars>.
func generateName() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return namePrefix + hex.EncodeToString(b), nil
}
