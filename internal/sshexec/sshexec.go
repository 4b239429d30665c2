// Package sshexec runs commands inside a sandbox over SSH. It owns the
// transport only: one non-interactive exec per call, bounded by a hard
// timeout, with no retry logic. Callers decide what a failure means.
package sshexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/jkaninda/dawnyawn/internal/config"
	"github.com/jkaninda/dawnyawn/internal/sandbox"
)

var (
	// ErrConnection indicates the channel could not reach the sandbox:
	// missing endpoint, unreadable key material, or a failed dial.
	ErrConnection = errors.New("ssh connection failed")

	// ErrTimeout indicates a command exceeded its hard execution bound.
	ErrTimeout = errors.New("command execution timed out")
)

// stderrMarker separates captured stderr from stdout in the combined output.
const stderrMarker = "--- STDERR ---"

// maxOutputBytes caps captured output per stream to protect the host.
const maxOutputBytes = 4 * 1024 * 1024

// Result is the outcome of one remote command.
type Result struct {
	Output   string        // stdout, with stderr appended under the marker when present.
	ExitCode int           // Remote exit status. Non-zero is data, not an error.
	Empty    bool          // True when the command produced no output at all.
	Duration time.Duration // Wall-clock execution time.
}

// Channel is a reusable SSH connection to one sandbox. The underlying client
// is dialed lazily on first use and revalidated with a keepalive before each
// command; a dead transport is redialed transparently.
type Channel struct {
	cfg    *config.SandboxConfig
	logger *slog.Logger

	mu       sync.Mutex
	client   *ssh.Client
	endpoint string
}

// NewChannel creates a channel. No connection is made until the first Run.
func NewChannel(cfg *config.SandboxConfig, logger *slog.Logger) *Channel {
	return &Channel{cfg: cfg, logger: logger}
}

// Run executes one command in the sandbox and captures its output.
// The configured command timeout is a hard bound; on expiry the session is
// torn down and ErrTimeout returned. Non-zero remote exit codes are reported
// in the Result, not as errors.
func (c *Channel) Run(ctx context.Context, sb *sandbox.Sandbox, command string) (*Result, error) {
	client, err := c.ensureConnected(sb)
	if err != nil {
		return nil, err
	}

	session, err := client.NewSession()
	if err != nil {
		// A dead transport surfaces here; drop it so the next call redials.
		c.drop()
		return nil, fmt.Errorf("%w: opening session: %v", ErrConnection, err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &limitedWriter{w: &stdout, remaining: maxOutputBytes}
	session.Stderr = &limitedWriter{w: &stderr, remaining: maxOutputBytes}

	c.logger.Debug("executing remote command",
		slog.String("container", sb.Name),
		slog.String("command", command),
	)

	start := time.Now()
	done := make(chan error, 1)
	go func() { done <- session.Run(command) }()

	timer := time.NewTimer(c.cfg.CommandTimeout())
	defer timer.Stop()

	var runErr error
	select {
	case runErr = <-done:
	case <-timer.C:
		session.Close()
		c.drop()
		return nil, fmt.Errorf("%w: after %s", ErrTimeout, c.cfg.CommandTimeout())
	case <-ctx.Done():
		session.Close()
		c.drop()
		return nil, fmt.Errorf("%w: %v", ErrConnection, ctx.Err())
	}
	duration := time.Since(start)

	exitCode := 0
	if runErr != nil {
		var exitErr *ssh.ExitError
		if errors.As(runErr, &exitErr) {
			exitCode = exitErr.ExitStatus()
		} else {
			c.drop()
			return nil, fmt.Errorf("%w: running command: %v", ErrConnection, runErr)
		}
	}

	result := &Result{
		Output:   combineOutput(stdout.String(), stderr.String()),
		ExitCode: exitCode,
		Duration: duration,
	}
	result.Empty = strings.TrimSpace(result.Output) == ""

	c.logger.Debug("remote command completed",
		slog.String("container", sb.Name),
		slog.Int("exit_code", exitCode),
		slog.Duration("duration", duration),
		slog.Int("output_bytes", len(result.Output)),
		slog.Bool("empty", result.Empty),
	)
	return result, nil
}

// Close tears down the cached connection if one exists.
func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == nil {
		return nil
	}
	err := c.client.Close()
	c.client = nil
	c.endpoint = ""
	return err
}

// ensureConnected returns a live client for the sandbox, dialing or redialing
// as needed. A cached client is revalidated with a keepalive request.
func (c *Channel) ensureConnected(sb *sandbox.Sandbox) (*ssh.Client, error) {
	if sb == nil || sb.Endpoint == "" {
		return nil, fmt.Errorf("%w: sandbox has no endpoint", ErrConnection)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client != nil && c.endpoint == sb.Endpoint {
		if _, _, err := c.client.SendRequest("keepalive@openssh.com", true, nil); err == nil {
			return c.client, nil
		}
		c.client.Close()
		c.client = nil
	}

	signer, err := c.loadSigner()
	if err != nil {
		return nil, err
	}

	clientCfg := &ssh.ClientConfig{
		User:            c.cfg.User(),
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), // sandbox host keys are ephemeral per container
		Timeout:         c.cfg.ConnectTimeout(),
	}

	client, err := ssh.Dial("tcp", sb.Endpoint, clientCfg)
	if err != nil {
		return nil, fmt.Errorf("%w: dialing %s: %v", ErrConnection, sb.Endpoint, err)
	}

	c.client = client
	c.endpoint = sb.Endpoint
	c.logger.Debug("ssh connection established",
		slog.String("container", sb.Name),
		slog.String("endpoint", sb.Endpoint),
	)
	return client, nil
}

func (c *Channel) loadSigner() (ssh.Signer, error) {
	keyPath := c.cfg.KeyPath()
	data, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("%w: reading key %s: %v", ErrConnection, keyPath, err)
	}
	signer, err := ssh.ParsePrivateKey(data)
	if err != nil {
		return nil, fmt.Errorf("%w: parsing key %s: %v", ErrConnection, keyPath, err)
	}
	return signer, nil
}

// drop discards the cached client without reporting close errors.
func (c *Channel) drop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client != nil {
		c.client.Close()
		c.client = nil
		c.endpoint = ""
	}
}

// combineOutput appends non-empty stderr to stdout under the marker.
func combineOutput(stdout, stderr string) string {
	if strings.TrimSpace(stderr) == "" {
		return stdout
	}
	if stdout == "" {
		return stderrMarker + "\n" + stderr
	}
	return strings.TrimRight(stdout, "\n") + "\n" + stderrMarker + "\n" + stderr
}

// limitedWriter caps how many bytes are retained, discarding the rest.
type limitedWriter struct {
	w         io.Writer
	remaining int
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	if lw.remaining <= 0 {
		return len(p), nil
	}
	n := len(p)
	if n > lw.remaining {
		n = lw.remaining
	}
	if _, err := lw.w.Write(p[:n]); err != nil {
		return 0, err
	}
	lw.remaining -= n
	return len(p), nil
}
