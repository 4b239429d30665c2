package planner

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/jkaninda/dawnyawn/internal/llm"
	"github.com/jkaninda/dawnyawn/internal/mission"
	"github.com/jkaninda/dawnyawn/internal/tools"
)

// fakeProvider replays canned content and records the last request.
type fakeProvider struct {
	content string
	err     error
	lastReq *llm.Request
}

func (p *fakeProvider) SendMessage(_ context.Context, req *llm.Request) (*llm.Response, error) {
	p.lastReq = req
	if p.err != nil {
		return nil, p.err
	}
	return &llm.Response{Content: p.content, StopReason: "stop"}, nil
}

func (p *fakeProvider) Name() string { return "fake" }

func newTestEngine(provider llm.Provider) *Engine {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(provider, tools.NewRegistry(), logger)
}

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"bare object", `{"tool":"os_command"}`, `{"tool":"os_command"}`},
		{
			"fenced with language tag",
			"```json\n{\"tool\":\"os_command\"}\n```",
			`{"tool":"os_command"}`,
		},
		{
			"fenced without tag",
			"```\n{\"tool\":\"os_command\"}\n```",
			`{"tool":"os_command"}`,
		},
		{
			"surrounding prose",
			"Sure, here is the action:\n{\"tool\":\"os_command\"}\nGood luck!",
			`{"tool":"os_command"}`,
		},
		{
			"unterminated fence",
			"```json\n{\"tool\":\"os_command\"}",
			`{"tool":"os_command"}`,
		},
		{"no json at all", "I cannot help with that.", "I cannot help with that."},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := string(extractJSON(tt.content)); got != tt.want {
				t.Errorf("extractJSON() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCreatePlan(t *testing.T) {
	provider := &fakeProvider{
		content: `{"plan": [
			{"task_id": 1, "description": "scan the target"},
			{"description": "summarize findings"}
		]}`,
	}
	e := newTestEngine(provider)

	plan, err := e.CreatePlan(context.Background(), "scan the target")
	if err != nil {
		t.Fatalf("CreatePlan() error = %v", err)
	}
	if len(plan) != 2 {
		t.Fatalf("plan length = %d, want 2", len(plan))
	}
	if plan[0].ID != 1 || plan[1].ID != 2 {
		t.Errorf("task ids = %d, %d, want 1, 2", plan[0].ID, plan[1].ID)
	}
	for _, task := range plan {
		if task.Status != mission.TaskPending {
			t.Errorf("task %d status = %s, want PENDING", task.ID, task.Status)
		}
	}
	if !provider.lastReq.JSONResponse {
		t.Error("plan request did not ask for a JSON response")
	}
}

func TestCreatePlan_Empty(t *testing.T) {
	e := newTestEngine(&fakeProvider{content: `{"plan": []}`})

	if _, err := e.CreatePlan(context.Background(), "goal"); err == nil {
		t.Error("CreatePlan() accepted an empty plan")
	}
}

func TestCreatePlan_TransportError(t *testing.T) {
	wantErr := errors.New("connection refused")
	e := newTestEngine(&fakeProvider{err: wantErr})

	if _, err := e.CreatePlan(context.Background(), "goal"); !errors.Is(err, wantErr) {
		t.Errorf("CreatePlan() error = %v, want wrapped transport error", err)
	}
}

func TestNextAction(t *testing.T) {
	provider := &fakeProvider{
		content: "```json\n{\"tool\": \"os_command\", \"input\": \"nmap -F target\"}\n```",
	}
	e := newTestEngine(provider)

	m := &mission.Mission{Goal: "scan the target"}
	action, err := e.NextAction(context.Background(), m)
	if err != nil {
		t.Fatalf("NextAction() error = %v", err)
	}
	if action.Tool != tools.OSCommand {
		t.Errorf("Tool = %q, want os_command", action.Tool)
	}
	if action.Input != "nmap -F target" {
		t.Errorf("Input = %q", action.Input)
	}
	if !strings.Contains(provider.lastReq.SystemPrompt, tools.FinishMission) {
		t.Error("system prompt does not name the sentinel tool")
	}
}

func TestNextAction_UnusableOutput(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"prose", "I think we should scan the target first."},
		{"empty tool", `{"tool": "", "input": "nmap"}`},
		{"broken json", `{"tool": "os_command",`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEngine(&fakeProvider{content: tt.content})

			action, err := e.NextAction(context.Background(), &mission.Mission{Goal: "g"})
			if err != nil {
				t.Fatalf("NextAction() error = %v, want sentinel degradation", err)
			}
			if !tools.IsSentinel(action.Tool) {
				t.Errorf("Tool = %q, want sentinel", action.Tool)
			}
			if !strings.Contains(action.Input, "mission aborted") {
				t.Errorf("Input = %q, want abort summary", action.Input)
			}
		})
	}
}

func TestNextAction_UnknownTool(t *testing.T) {
	e := newTestEngine(&fakeProvider{
		content: `{"tool": "launch_missiles", "input": "now"}`,
	})

	action, err := e.NextAction(context.Background(), &mission.Mission{Goal: "g"})
	if err != nil {
		t.Fatalf("NextAction() error = %v", err)
	}
	if !tools.IsSentinel(action.Tool) {
		t.Errorf("Tool = %q, want sentinel", action.Tool)
	}
	if !strings.Contains(action.Input, "launch_missiles") {
		t.Errorf("Input = %q, want the rejected tool named", action.Input)
	}
}

func TestNextAction_TransportError(t *testing.T) {
	wantErr := errors.New("dial tcp: timeout")
	e := newTestEngine(&fakeProvider{err: wantErr})

	if _, err := e.NextAction(context.Background(), &mission.Mission{Goal: "g"}); !errors.Is(err, wantErr) {
		t.Errorf("NextAction() error = %v, want wrapped transport error", err)
	}
}

func TestReviewPlan(t *testing.T) {
	e := newTestEngine(&fakeProvider{
		content: `{"plan": [
			{"task_id": 1, "description": "scan", "status": "completed"},
			{"task_id": 2, "description": "report", "status": "PENDING"}
		]}`,
	})

	reviewed, err := e.ReviewPlan(context.Background(), &mission.Mission{Goal: "g"})
	if err != nil {
		t.Fatalf("ReviewPlan() error = %v", err)
	}
	if len(reviewed) != 2 {
		t.Fatalf("reviewed length = %d, want 2", len(reviewed))
	}
	if reviewed[0].Status != mission.TaskCompleted {
		t.Errorf("task 1 status = %s, want COMPLETED", reviewed[0].Status)
	}
	if reviewed[1].Status != mission.TaskPending {
		t.Errorf("task 2 status = %s, want PENDING", reviewed[1].Status)
	}
}

func TestRenderState_WindowsHistory(t *testing.T) {
	m := &mission.Mission{
		Goal: "long mission",
		Plan: []mission.TaskNode{{ID: 1, Description: "loop", Status: mission.TaskPending}},
	}
	for i := 0; i < historyWindow+5; i++ {
		m.History = append(m.History, mission.HistoryEntry{
			Command:     "echo tick",
			Observation: mission.NewRawObservation("tick"),
		})
	}

	state := renderState(m)
	if !strings.Contains(state, "(5 earlier steps omitted)") {
		t.Errorf("state does not note omitted steps:\n%s", state)
	}
	if got := strings.Count(state, "command: echo tick"); got != historyWindow {
		t.Errorf("state replays %d steps, want %d", got, historyWindow)
	}
}

func TestRenderState_TruncatesObservations(t *testing.T) {
	m := &mission.Mission{
		Goal: "g",
		History: []mission.HistoryEntry{
			{
				Command:     "cat big_file",
				Observation: mission.NewRawObservation(strings.Repeat("x", observationLimit+100)),
			},
		},
	}

	state := renderState(m)
	if !strings.Contains(state, "... (truncated)") {
		t.Error("oversized observation not truncated")
	}
}
