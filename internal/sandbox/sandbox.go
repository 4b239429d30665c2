// Package sandbox manages disposable Docker containers that host the agent's
// command execution environment. Each sandbox runs an SSH daemon and is
// reached over a host-mapped loopback port; the container itself is the
// blast-radius boundary for AI-generated commands.
package sandbox

import (
	"errors"
	"time"
)

// ErrProvision indicates the sandbox could not be brought to a usable state:
// the Docker daemon is unreachable, the image is missing, or the container
// never reached RUNNING within the startup bound.
var ErrProvision = errors.New("sandbox provisioning failed")

// State is the lifecycle state of a sandbox.
type State string

const (
	StateCreating  State = "CREATING"
	StateRunning   State = "RUNNING"
	StateDestroyed State = "DESTROYED"
)

// Sandbox is a single disposable execution environment.
// A destroyed sandbox is never reused.
type Sandbox struct {
	ID        string    // Docker container ID.
	Name      string    // Unique container name (dawnyawn-sbx-<hex>).
	Endpoint  string    // host:port of the mapped SSH listener.
	State     State     // CREATING, RUNNING or DESTROYED.
	CreatedAt time.Time // Provisioning start time.
}
