// Package tools holds the static catalogue of actions the planner may
// choose from. The catalogue is rendered into the planning prompt; the
// mission loop consults it to route actions and to recognize the terminal
// sentinel.
package tools

import (
	"fmt"
	"strings"
	"sync"
)

const (
	// OSCommand executes a shell command in the sandbox.
	OSCommand = "os_command"
	// FinishMission is the terminal sentinel: its input is the final
	// summary, and choosing it ends the mission.
	FinishMission = "finish_mission"
)

// Tool describes one action the planner can request.
type Tool struct {
	Name        string
	Description string
}

// Registry is the tool catalogue. It ships with the built-in tools and
// accepts additional declarations before the mission starts.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
	order []string
}

// NewRegistry creates a registry pre-populated with the built-in tools.
func NewRegistry() *Registry {
	r := &Registry{tools: make(map[string]Tool)}
	for _, t := range []Tool{
		{
			Name:        OSCommand,
			Description: "Execute a single non-interactive shell command inside the sandbox. Input: the command string.",
		},
		{
			Name:        FinishMission,
			Description: "Declare the mission complete. Input: the final summary of findings.",
		},
	} {
		_ = r.Register(t)
	}
	return r
}

// Register adds a tool to the catalogue. Duplicate names are rejected.
func (r *Registry) Register(t Tool) error {
	if t.Name == "" {
		return fmt.Errorf("tool name is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name]; exists {
		return fmt.Errorf("tool %q already registered", t.Name)
	}
	r.tools[t.Name] = t
	r.order = append(r.order, t.Name)
	return nil
}

// Get looks up a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Manifest renders the catalogue as a numbered list for the planning prompt,
// in registration order.
func (r *Registry) Manifest() string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var sb strings.Builder
	for i, name := range r.order {
		t := r.tools[name]
		fmt.Fprintf(&sb, "%d. %s: %s\n", i+1, t.Name, t.Description)
	}
	return sb.String()
}

// IsSentinel reports whether the named tool terminates the mission.
func IsSentinel(name string) bool {
	return name == FinishMission
}
