// Package planner turns the goal and accumulated mission state into concrete
// actions by querying the LLM backend. Model output is treated as hostile
// input: JSON is salvaged from whatever wrapping the model added, and output
// that cannot be salvaged degrades to the terminal sentinel instead of
// crashing the mission.
package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jkaninda/dawnyawn/internal/llm"
	"github.com/jkaninda/dawnyawn/internal/mission"
	"github.com/jkaninda/dawnyawn/internal/tools"
)

// observationLimit bounds how much of each observation is replayed to the
// model. Full output stays in the checkpoint.
const observationLimit = 2000

// historyWindow bounds how many trailing steps are replayed to the model.
const historyWindow = 10

const planSystemPrompt = `You are an autonomous operations agent. Given a goal, produce a short
ordered plan of concrete tasks. Respond with ONLY a JSON object of the form:
{"plan": [{"task_id": 1, "description": "..."}]}`

const actionSystemPromptFmt = `You are an autonomous operations agent working toward a goal inside a
disposable Linux sandbox. You decide ONE next action at a time.

Available tools:
%s
Respond with ONLY a JSON object of the form:
{"tool": "<tool name>", "input": "<command or final summary>"}

Choose %q when the goal is achieved or cannot be advanced further; its input
must be the final summary of findings.`

const reviewSystemPrompt = `You are reviewing a mission plan against the executed history. Respond
with ONLY a JSON object of the form:
{"plan": [{"task_id": 1, "description": "...", "status": "PENDING" or "COMPLETED"}]}`

// Engine implements mission.Planner on top of an LLM provider.
type Engine struct {
	provider llm.Provider
	registry *tools.Registry
	logger   *slog.Logger
}

// New creates a planner engine.
func New(provider llm.Provider, registry *tools.Registry, logger *slog.Logger) *Engine {
	return &Engine{
		provider: provider,
		registry: registry,
		logger:   logger,
	}
}

type planPayload struct {
	Plan []struct {
		TaskID      int    `json:"task_id"`
		Description string `json:"description"`
		Status      string `json:"status"`
	} `json:"plan"`
}

// CreatePlan asks the model for an initial plan. All tasks start PENDING.
func (e *Engine) CreatePlan(ctx context.Context, goal string) ([]mission.TaskNode, error) {
	resp, err := e.provider.SendMessage(ctx, &llm.Request{
		SystemPrompt: planSystemPrompt,
		Messages: []llm.Message{
			{Role: llm.RoleUser, Content: "Goal: " + goal},
		},
		JSONResponse: true,
	})
	if err != nil {
		return nil, fmt.Errorf("requesting plan: %w", err)
	}

	var payload planPayload
	if err := json.Unmarshal(extractJSON(resp.Content), &payload); err != nil {
		return nil, fmt.Errorf("parsing plan: %w", err)
	}
	if len(payload.Plan) == 0 {
		return nil, fmt.Errorf("model returned an empty plan")
	}

	plan := make([]mission.TaskNode, len(payload.Plan))
	for i, t := range payload.Plan {
		id := t.TaskID
		if id == 0 {
			id = i + 1
		}
		plan[i] = mission.TaskNode{
			ID:          id,
			Description: t.Description,
			Status:      mission.TaskPending,
		}
	}

	e.logger.Info("plan created", slog.Int("tasks", len(plan)))
	return plan, nil
}

// NextAction asks the model for the next tool invocation. Unusable output is
// mapped to the terminal sentinel with a failure summary; only transport
// errors propagate.
func (e *Engine) NextAction(ctx context.Context, m *mission.Mission) (*mission.Action, error) {
	resp, err := e.provider.SendMessage(ctx, &llm.Request{
		SystemPrompt: fmt.Sprintf(actionSystemPromptFmt, e.registry.Manifest(), tools.FinishMission),
		Messages: []llm.Message{
			{Role: llm.RoleUser, Content: renderState(m)},
		},
		JSONResponse: true,
	})
	if err != nil {
		return nil, fmt.Errorf("requesting next action: %w", err)
	}

	var action mission.Action
	if err := json.Unmarshal(extractJSON(resp.Content), &action); err != nil || action.Tool == "" {
		e.logger.Warn("unusable action from model, terminating mission",
			slog.String("content", truncate(resp.Content, 200)),
		)
		return &mission.Action{
			Tool:  tools.FinishMission,
			Input: "mission aborted: the planner returned unusable output",
		}, nil
	}

	if _, known := e.registry.Get(action.Tool); !known {
		e.logger.Warn("unknown tool requested, terminating mission",
			slog.String("tool", action.Tool),
		)
		return &mission.Action{
			Tool:  tools.FinishMission,
			Input: fmt.Sprintf("mission aborted: the planner requested unknown tool %q", action.Tool),
		}, nil
	}
	return &action, nil
}

// ReviewPlan asks the model to reclassify plan tasks against the history.
func (e *Engine) ReviewPlan(ctx context.Context, m *mission.Mission) ([]mission.TaskNode, error) {
	resp, err := e.provider.SendMessage(ctx, &llm.Request{
		SystemPrompt: reviewSystemPrompt,
		Messages: []llm.Message{
			{Role: llm.RoleUser, Content: renderState(m)},
		},
		JSONResponse: true,
	})
	if err != nil {
		return nil, fmt.Errorf("requesting plan review: %w", err)
	}

	var payload planPayload
	if err := json.Unmarshal(extractJSON(resp.Content), &payload); err != nil {
		return nil, fmt.Errorf("parsing reviewed plan: %w", err)
	}

	reviewed := make([]mission.TaskNode, len(payload.Plan))
	for i, t := range payload.Plan {
		status := mission.TaskPending
		if strings.EqualFold(t.Status, string(mission.TaskCompleted)) {
			status = mission.TaskCompleted
		}
		reviewed[i] = mission.TaskNode{
			ID:          t.TaskID,
			Description: t.Description,
			Status:      status,
		}
	}
	return reviewed, nil
}

// renderState serializes the mission for the model: goal, plan, and a
// bounded window of recent history.
func renderState(m *mission.Mission) string {
	var sb strings.Builder
	sb.WriteString("Goal: " + m.Goal + "\n\nPlan:\n")
	for _, t := range m.Plan {
		fmt.Fprintf(&sb, "  %d. [%s] %s\n", t.ID, t.Status, t.Description)
	}

	history := m.History
	if len(history) > historyWindow {
		fmt.Fprintf(&sb, "\n(%d earlier steps omitted)\n", len(history)-historyWindow)
		history = history[len(history)-historyWindow:]
	}

	sb.WriteString("\nHistory:\n")
	if len(history) == 0 {
		sb.WriteString("  (no steps executed yet)\n")
	}
	for i, h := range history {
		fmt.Fprintf(&sb, "Step %d command: %s\nObservation:\n%s\n\n",
			i+1, h.Command, truncate(h.Observation.Text(), observationLimit))
	}
	return sb.String()
}

// extractJSON strips markdown fences and surrounding prose, returning the
// outermost JSON object found in the content.
func extractJSON(content string) []byte {
	trimmed := strings.TrimSpace(content)

	if idx := strings.Index(trimmed, "```"); idx >= 0 {
		rest := trimmed[idx+3:]
		rest = strings.TrimPrefix(rest, "json")
		if end := strings.Index(rest, "```"); end >= 0 {
			trimmed = rest[:end]
		} else {
			trimmed = rest
		}
	}

	start := strings.Index(trimmed, "{")
	end := strings.LastIndex(trimmed, "}")
	if start >= 0 && end > start {
		trimmed = trimmed[start : end+1]
	}
	return []byte(strings.TrimSpace(trimmed))
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "... (truncated)"
}

var _ mission.Planner = (*Engine)(nil)
