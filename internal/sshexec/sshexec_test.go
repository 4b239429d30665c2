package sshexec

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/jkaninda/dawnyawn/internal/config"
	"github.com/jkaninda/dawnyawn/internal/sandbox"
)

func newTestChannel(t *testing.T, keyPath string) *Channel {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewChannel(&config.SandboxConfig{
		SSHKeyPath:            keyPath,
		ConnectTimeoutSeconds: 1,
		CommandTimeoutSeconds: 2,
	}, logger)
}

func TestCombineOutput(t *testing.T) {
	tests := []struct {
		name   string
		stdout string
		stderr string
		want   string
	}{
		{"stdout only", "hello\n", "", "hello\n"},
		{"stderr only", "", "oops\n", "--- STDERR ---\noops\n"},
		{"both", "hello\n", "oops\n", "hello\n--- STDERR ---\noops\n"},
		{"blank stderr ignored", "hello\n", "  \n", "hello\n"},
		{"both empty", "", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := combineOutput(tt.stdout, tt.stderr); got != tt.want {
				t.Errorf("combineOutput() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestLimitedWriter_Caps(t *testing.T) {
	var buf bytes.Buffer
	lw := &limitedWriter{w: &buf, remaining: 5}

	n, err := lw.Write([]byte("0123456789"))
	if err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if n != 10 {
		t.Errorf("Write() reported n = %d, want 10 (discard, not error)", n)
	}
	if got := buf.String(); got != "01234" {
		t.Errorf("retained %q, want %q", got, "01234")
	}

	// Further writes are swallowed entirely.
	if _, err := lw.Write([]byte("more")); err != nil {
		t.Fatalf("Write() after cap error = %v", err)
	}
	if buf.Len() != 5 {
		t.Errorf("retained %d bytes after cap, want 5", buf.Len())
	}
}

func TestRun_NoEndpoint(t *testing.T) {
	c := newTestChannel(t, filepath.Join(t.TempDir(), "id_ecdsa"))

	_, err := c.Run(context.Background(), &sandbox.Sandbox{Name: "x"}, "true")
	if !errors.Is(err, ErrConnection) {
		t.Fatalf("Run() error = %v, want ErrConnection", err)
	}
}

func TestRun_NilSandbox(t *testing.T) {
	c := newTestChannel(t, filepath.Join(t.TempDir(), "id_ecdsa"))

	_, err := c.Run(context.Background(), nil, "true")
	if !errors.Is(err, ErrConnection) {
		t.Fatalf("Run() error = %v, want ErrConnection", err)
	}
}

func TestRun_MissingKey(t *testing.T) {
	c := newTestChannel(t, filepath.Join(t.TempDir(), "missing_key"))

	_, err := c.Run(context.Background(), &sandbox.Sandbox{
		Name:     "x",
		Endpoint: "127.0.0.1:1",
	}, "true")
	if !errors.Is(err, ErrConnection) {
		t.Fatalf("Run() error = %v, want ErrConnection", err)
	}
	if !strings.Contains(err.Error(), "key") {
		t.Errorf("error %q does not mention the key", err)
	}
}

// writeTestKey writes a throwaway ECDSA private key for the channel to load.
func writeTestKey(t *testing.T) string {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	der, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "id_ecdsa")
	block := &pem.Block{Type: "EC PRIVATE KEY", Bytes: der}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

// startStubSSHServer runs an in-process SSH server on a loopback port and
// hands every exec request to handle. It returns the endpoint to dial.
func startStubSSHServer(t *testing.T, handle func(ch ssh.Channel, reqs <-chan *ssh.Request)) string {
	t.Helper()

	hostKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	signer, err := ssh.NewSignerFromKey(hostKey)
	if err != nil {
		t.Fatal(err)
	}

	cfg := &ssh.ServerConfig{NoClientAuth: true}
	cfg.AddHostKey(signer)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				sconn, chans, reqs, err := ssh.NewServerConn(conn, cfg)
				if err != nil {
					return
				}
				defer sconn.Close()
				go ssh.DiscardRequests(reqs)

				for newCh := range chans {
					if newCh.ChannelType() != "session" {
						newCh.Reject(ssh.UnknownChannelType, "unsupported")
						continue
					}
					ch, chReqs, err := newCh.Accept()
					if err != nil {
						continue
					}
					go handle(ch, chReqs)
				}
			}()
		}
	}()
	return ln.Addr().String()
}

// execAndExit acknowledges the exec request, writes canned output, and
// reports the given exit status.
func execAndExit(stdout, stderr string, status uint32) func(ssh.Channel, <-chan *ssh.Request) {
	return func(ch ssh.Channel, reqs <-chan *ssh.Request) {
		defer ch.Close()
		for req := range reqs {
			if req.Type != "exec" {
				if req.WantReply {
					req.Reply(false, nil)
				}
				continue
			}
			req.Reply(true, nil)
			if stdout != "" {
				io.WriteString(ch, stdout)
			}
			if stderr != "" {
				io.WriteString(ch.Stderr(), stderr)
			}
			ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{status}))
			return
		}
	}
}

// hangForever acknowledges the exec request and then never reports an exit,
// like a remote command that runs past its bound.
func hangForever(ch ssh.Channel, reqs <-chan *ssh.Request) {
	for req := range reqs {
		if req.WantReply {
			req.Reply(req.Type == "exec", nil)
		}
	}
}

func TestRun_CapturesOutputAndExitCode(t *testing.T) {
	endpoint := startStubSSHServer(t, execAndExit("PORT   STATE SERVICE\n22/tcp open  ssh\n", "warning: slow scan\n", 2))
	c := newTestChannel(t, writeTestKey(t))
	defer c.Close()

	result, err := c.Run(context.Background(), &sandbox.Sandbox{Name: "x", Endpoint: endpoint}, "nmap -F target")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if result.ExitCode != 2 {
		t.Errorf("ExitCode = %d, want 2 (reported as data, not an error)", result.ExitCode)
	}
	if !strings.Contains(result.Output, "22/tcp open  ssh") {
		t.Errorf("Output missing stdout: %q", result.Output)
	}
	if !strings.Contains(result.Output, stderrMarker) || !strings.Contains(result.Output, "warning: slow scan") {
		t.Errorf("Output missing marked stderr: %q", result.Output)
	}
	if result.Empty {
		t.Error("Empty = true for a command with output")
	}
}

func TestRun_EmptyOutputFlagged(t *testing.T) {
	endpoint := startStubSSHServer(t, execAndExit("", "", 0))
	c := newTestChannel(t, writeTestKey(t))
	defer c.Close()

	result, err := c.Run(context.Background(), &sandbox.Sandbox{Name: "x", Endpoint: endpoint}, "true")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !result.Empty {
		t.Error("Empty = false for a command with no output")
	}
	if result.ExitCode != 0 {
		t.Errorf("ExitCode = %d, want 0", result.ExitCode)
	}
}

func TestRun_Timeout(t *testing.T) {
	endpoint := startStubSSHServer(t, hangForever)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c := NewChannel(&config.SandboxConfig{
		SSHKeyPath:            writeTestKey(t),
		ConnectTimeoutSeconds: 5,
		CommandTimeoutSeconds: 1,
	}, logger)
	defer c.Close()

	start := time.Now()
	_, err := c.Run(context.Background(), &sandbox.Sandbox{Name: "x", Endpoint: endpoint}, "sleep 600")
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Run() error = %v, want ErrTimeout", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("Run() took %s, bound not enforced", elapsed)
	}

	// The poisoned transport was dropped; the next Run dials fresh.
	c.mu.Lock()
	if c.client != nil {
		t.Error("cached client survived the timeout")
	}
	c.mu.Unlock()
}

func TestClose_WithoutConnection(t *testing.T) {
	c := newTestChannel(t, filepath.Join(t.TempDir(), "id_ecdsa"))
	if err := c.Close(); err != nil {
		t.Errorf("Close() on unconnected channel error = %v", err)
	}
	// Safe to call twice.
	if err := c.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}
