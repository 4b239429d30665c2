// Package mission implements the agent's core loop: plan, approve, execute,
// observe, checkpoint, terminate. The Mission value is the single durable
// record; everything else is reconstructable.
package mission

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jkaninda/dawnyawn/internal/session"
	"github.com/jkaninda/dawnyawn/internal/tools"
)

var (
	// ErrInterrupted indicates the mission was stopped by operator
	// interruption before reaching the sentinel or the step ceiling.
	ErrInterrupted = errors.New("mission interrupted")

	// ErrPlanningFailure indicates the planning collaborator could not
	// produce a usable plan or action.
	ErrPlanningFailure = errors.New("planning failure")
)

// State is the mission lifecycle state.
type State string

const (
	StatePlanning         State = "PLANNING"
	StateAwaitingApproval State = "AWAITING_APPROVAL"
	StateExecuting        State = "EXECUTING"
	StateTerminated       State = "TERMINATED"
)

// TaskStatus classifies a plan task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "PENDING"
	TaskCompleted TaskStatus = "COMPLETED"
)

// TaskNode is one step of the high-level plan.
type TaskNode struct {
	ID          int        `json:"task_id"`
	Description string     `json:"description"`
	Status      TaskStatus `json:"status"`
}

// Action is one decision from the planner: which tool to invoke and with
// what input. For the sentinel tool the input is the final summary.
type Action struct {
	Tool  string `json:"tool"`
	Input string `json:"input"`
}

// Observation is what a step produced. Older records stored plain text;
// session-mode execution produces the structured form. Both shapes round-trip
// through the checkpoint.
type Observation struct {
	Raw        string
	Structured *session.Observation
}

// NewRawObservation wraps plain text.
func NewRawObservation(text string) Observation {
	return Observation{Raw: text}
}

// NewStructuredObservation wraps a structured execution result.
func NewStructuredObservation(obs *session.Observation) Observation {
	return Observation{Structured: obs}
}

// Text returns the full observation content for prompting and reporting.
func (o Observation) Text() string {
	if o.Structured != nil {
		if o.Structured.FullOutput != "" {
			return o.Structured.FullOutput
		}
		return o.Structured.Summary
	}
	return o.Raw
}

// Failed reports whether the observation records a failed execution.
func (o Observation) Failed() bool {
	return o.Structured != nil && o.Structured.Status == session.StatusFailure
}

// MarshalJSON emits a bare string for raw observations and an object for
// structured ones.
func (o Observation) MarshalJSON() ([]byte, error) {
	if o.Structured != nil {
		return json.Marshal(o.Structured)
	}
	return json.Marshal(o.Raw)
}

// UnmarshalJSON accepts either shape.
func (o *Observation) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err == nil {
		o.Raw = raw
		o.Structured = nil
		return nil
	}

	var structured session.Observation
	if err := json.Unmarshal(data, &structured); err != nil {
		return fmt.Errorf("observation is neither string nor object: %w", err)
	}
	o.Raw = ""
	o.Structured = &structured
	return nil
}

// HistoryEntry is one executed step: the command issued and what came back.
type HistoryEntry struct {
	Command     string      `json:"command"`
	Observation Observation `json:"observation"`
}

// Mission is the full durable mission state.
type Mission struct {
	Goal    string         `json:"goal"`
	Plan    []TaskNode     `json:"plan"`
	History []HistoryEntry `json:"mission_history"`
}

// FinalSummary returns the sentinel observation text when the last history
// entry is the terminal sentinel, or empty otherwise.
func (m *Mission) FinalSummary() string {
	if len(m.History) == 0 {
		return ""
	}
	last := m.History[len(m.History)-1]
	if tools.IsSentinel(last.Command) {
		return last.Observation.Text()
	}
	return ""
}
