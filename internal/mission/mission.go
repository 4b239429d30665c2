package mission

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/jkaninda/dawnyawn/internal/execclient"
	"github.com/jkaninda/dawnyawn/internal/tools"
)

// Planner is the planning collaborator: it turns the goal into a plan,
// decides the next action from the accumulated state, and reclassifies plan
// tasks after new observations.
type Planner interface {
	CreatePlan(ctx context.Context, goal string) ([]TaskNode, error)
	NextAction(ctx context.Context, m *Mission) (*Action, error)
	ReviewPlan(ctx context.Context, m *Mission) ([]TaskNode, error)
}

// Approver decides whether a freshly created plan may execute.
type Approver interface {
	Approve(ctx context.Context, m *Mission) (bool, error)
}

// Reporter renders the final mission report. Optional.
type Reporter interface {
	Write(m *Mission) (string, error)
}

// Archiver records finished missions. Optional; never read by the loop.
type Archiver interface {
	SaveMission(ctx context.Context, m *Mission, outcome string) error
}

// Engine is the mission state machine. One Engine runs one mission.
type Engine struct {
	planner     Planner
	executor    execclient.Executor
	checkpoints *CheckpointStore
	approver    Approver
	reporter    Reporter
	archiver    Archiver
	maxSteps    int
	logger      *slog.Logger

	state State
}

// EngineOption configures optional collaborators.
type EngineOption func(*Engine)

// WithReporter attaches a report writer.
func WithReporter(r Reporter) EngineOption {
	return func(e *Engine) { e.reporter = r }
}

// WithArchiver attaches a mission archive.
func WithArchiver(a Archiver) EngineOption {
	return func(e *Engine) { e.archiver = a }
}

// NewEngine creates a mission engine.
func NewEngine(planner Planner, executor execclient.Executor, checkpoints *CheckpointStore, approver Approver, maxSteps int, logger *slog.Logger, opts ...EngineOption) *Engine {
	e := &Engine{
		planner:     planner,
		executor:    executor,
		checkpoints: checkpoints,
		approver:    approver,
		maxSteps:    maxSteps,
		logger:      logger,
		state:       StatePlanning,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// State returns the current lifecycle state.
func (e *Engine) State() State { return e.state }

// Run executes a mission for the goal until the sentinel action, the step
// ceiling, or interruption. On every termination path the final report is
// written, the checkpoint cleared, the mission archived, and the executor
// closed, exactly once.
func (e *Engine) Run(ctx context.Context, goal string) error {
	m, resumed := e.checkpoints.Load(goal)
	if resumed {
		e.logger.Info("mission resumed from checkpoint",
			slog.String("goal", goal),
			slog.Int("steps_completed", len(m.History)),
		)
		e.state = StateExecuting
	} else {
		var err error
		m, err = e.startFresh(ctx, goal)
		if err != nil {
			e.state = StateTerminated
			return err
		}
		if m == nil {
			// Plan rejected. Nothing was executed, nothing persists.
			return nil
		}
	}

	outcome := "completed"
	defer e.finish(m, &outcome)

	e.state = StateExecuting
	return e.executeLoop(ctx, m, &outcome)
}

// startFresh plans and seeks approval. Returns (nil, nil) on rejection.
func (e *Engine) startFresh(ctx context.Context, goal string) (*Mission, error) {
	e.state = StatePlanning
	e.logger.Info("planning mission", slog.String("goal", goal))

	plan, err := e.planner.CreatePlan(ctx, goal)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPlanningFailure, err)
	}
	if len(plan) == 0 {
		return nil, fmt.Errorf("%w: planner returned an empty plan", ErrPlanningFailure)
	}

	m := &Mission{Goal: goal, Plan: plan}

	e.state = StateAwaitingApproval
	approved, err := e.approver.Approve(ctx, m)
	if err != nil {
		return nil, fmt.Errorf("requesting approval: %w", err)
	}
	if !approved {
		e.logger.Info("plan rejected, mission aborted")
		e.state = StateTerminated
		return nil, nil
	}

	if err := e.checkpoints.Save(m); err != nil {
		return nil, fmt.Errorf("saving initial checkpoint: %w", err)
	}
	return m, nil
}

func (e *Engine) executeLoop(ctx context.Context, m *Mission, outcome *string) error {
	for {
		if err := ctx.Err(); err != nil {
			*outcome = "interrupted"
			return fmt.Errorf("%w: %v", ErrInterrupted, err)
		}

		if len(m.History) >= e.maxSteps {
			e.logger.Warn("step ceiling reached, terminating",
				slog.Int("steps", len(m.History)),
				slog.Int("ceiling", e.maxSteps),
			)
			*outcome = "step ceiling reached"
			return nil
		}

		action, err := e.planner.NextAction(ctx, m)
		if err != nil {
			// The planner is unreachable or irrecoverably confused. Record
			// the failure as the terminal entry so the report shows it.
			e.logger.Error("next action unavailable", slog.String("error", err.Error()))
			m.History = append(m.History, HistoryEntry{
				Command:     tools.FinishMission,
				Observation: NewRawObservation("mission aborted: " + err.Error()),
			})
			*outcome = "planning failure"
			return fmt.Errorf("%w: %v", ErrPlanningFailure, err)
		}

		if tools.IsSentinel(action.Tool) {
			e.logger.Info("mission complete", slog.String("summary", action.Input))
			m.History = append(m.History, HistoryEntry{
				Command:     tools.FinishMission,
				Observation: NewRawObservation(action.Input),
			})
			return nil
		}

		e.logger.Info("executing step",
			slog.Int("step", len(m.History)+1),
			slog.String("command", action.Input),
		)

		obs := e.executor.Execute(ctx, action.Input)
		m.History = append(m.History, HistoryEntry{
			Command:     action.Input,
			Observation: NewStructuredObservation(obs),
		})

		if err := e.checkpoints.Save(m); err != nil {
			e.logger.Error("checkpoint save failed", slog.String("error", err.Error()))
		}

		e.reviewPlan(ctx, m)
	}
}

// reviewPlan asks the planner to reclassify tasks, applying only
// PENDING to COMPLETED transitions. Review failures are ignored; the plan
// annotation is advisory.
func (e *Engine) reviewPlan(ctx context.Context, m *Mission) {
	reviewed, err := e.planner.ReviewPlan(ctx, m)
	if err != nil {
		e.logger.Debug("plan review skipped", slog.String("error", err.Error()))
		return
	}

	completed := make(map[int]bool, len(reviewed))
	for _, t := range reviewed {
		if t.Status == TaskCompleted {
			completed[t.ID] = true
		}
	}
	for i := range m.Plan {
		if m.Plan[i].Status == TaskPending && completed[m.Plan[i].ID] {
			m.Plan[i].Status = TaskCompleted
		}
	}
}

// finish runs the termination sequence exactly once: report, checkpoint
// clear, archive, executor teardown. Failures are logged, never propagated;
// teardown must not mask the error that ended the mission.
func (e *Engine) finish(m *Mission, outcome *string) {
	e.state = StateTerminated
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	if e.reporter != nil && len(m.History) > 0 {
		if path, err := e.reporter.Write(m); err != nil {
			e.logger.Error("report generation failed", slog.String("error", err.Error()))
		} else {
			e.logger.Info("report written", slog.String("path", path))
		}
	}

	if err := e.checkpoints.Clear(); err != nil {
		e.logger.Error("checkpoint clear failed", slog.String("error", err.Error()))
	}

	if e.archiver != nil {
		if err := e.archiver.SaveMission(ctx, m, *outcome); err != nil {
			e.logger.Error("mission archive failed", slog.String("error", err.Error()))
		}
	}

	if err := e.executor.Close(ctx); err != nil {
		e.logger.Error("executor teardown failed", slog.String("error", err.Error()))
	}

	e.logger.Info("mission terminated",
		slog.String("outcome", *outcome),
		slog.Int("steps", len(m.History)),
	)
}

// --- Approvers ---

// CLIApprover prompts the operator on the terminal.
type CLIApprover struct {
	In  io.Reader
	Out io.Writer
}

// Approve prints the plan and asks for confirmation. Anything other than
// "y" or "yes" is a rejection.
func (a *CLIApprover) Approve(_ context.Context, m *Mission) (bool, error) {
	fmt.Fprintf(a.Out, "\nMission goal: %s\n\nProposed plan:\n", m.Goal)
	for _, t := range m.Plan {
		fmt.Fprintf(a.Out, "  %d. %s [%s]\n", t.ID, t.Description, t.Status)
	}
	fmt.Fprint(a.Out, "\nProceed with this plan? (y/n): ")

	reader := bufio.NewReader(a.In)
	line, err := reader.ReadString('\n')
	if err != nil && line == "" {
		return false, fmt.Errorf("reading approval: %w", err)
	}

	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes", nil
}

// AutoApprover approves every plan. Installed by the --yes flag.
type AutoApprover struct{}

func (AutoApprover) Approve(context.Context, *Mission) (bool, error) { return true, nil }

var (
	_ Approver = (*CLIApprover)(nil)
	_ Approver = (AutoApprover{})
)
