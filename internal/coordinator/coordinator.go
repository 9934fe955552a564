// Package coordinator drives the run loop. One run moves through a fixed
// cycle per step: pick a task, execute it, extract findings, then decide
// whether to keep going, replan, or stop. The coordinator owns termination:
// every run ends in exactly one outcome, and sandboxes are torn down on
// every exit path.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/probelab/pentagent/internal/planner"
	"github.com/probelab/pentagent/internal/sandbox"
	"github.com/probelab/pentagent/internal/state"
	"github.com/probelab/pentagent/internal/types"
)

// phase labels the coordinator's position in the step cycle, for logs.
type phase string

const (
	phasePlanning   phase = "planning"
	phaseExecuting  phase = "executing"
	phaseExtracting phase = "extracting"
	phaseDeciding   phase = "deciding"
	phaseTerminated phase = "terminated"
)

// Planner produces and revises task lists.
type Planner interface {
	InitialPlan(ctx context.Context, goal string) ([]*types.Task, error)
	Replan(ctx context.Context, snap *state.PlanningSnapshot) ([]*types.Task, error)
}

// Executor runs a single task and reports its result.
type Executor interface {
	Execute(ctx context.Context, task *types.Task, snap *state.PlanningSnapshot) (*types.ExecutionResult, error)
}

// Extractor scans an execution result for findings.
type Extractor interface {
	Extract(ctx context.Context, goal string, step int, res *types.ExecutionResult) []*types.Finding
}

// Recorder persists run progress for audit. Implementations must tolerate
// being called after earlier failures; persistence problems are logged, not
// fatal.
type Recorder interface {
	RecordStep(ctx context.Context, runID string, res *types.ExecutionResult) error
	RecordFindings(ctx context.Context, runID string, findings []*types.Finding) error
	RecordReport(ctx context.Context, report *types.RunReport) error
}

// Config holds coordinator configuration.
type Config struct {
	// MaxSteps is the hard step cap for a run (default: 30)
	MaxSteps int

	// MaxConsecutiveFailures triggers a replan after this many failed
	// results in a row (default: 3)
	MaxConsecutiveFailures int

	// MaxPlanningFailures ends the run as planning_failed after this many
	// consecutive planner errors (default: 3)
	MaxPlanningFailures int

	// ReplanSeverity triggers a replan when a new finding reaches this
	// severity (default: high)
	ReplanSeverity types.Severity
}

// DefaultConfig returns the default coordinator configuration.
func DefaultConfig() Config {
	return Config{
		MaxSteps:               30,
		MaxConsecutiveFailures: 3,
		MaxPlanningFailures:    3,
		ReplanSeverity:         types.SeverityHigh,
	}
}

// Coordinator runs engagements.
type Coordinator struct {
	planner   Planner
	executor  Executor
	extractor Extractor
	registry  *sandbox.Registry
	recorder  Recorder // optional
	config    Config
}

// New creates a coordinator. The recorder may be nil.
func New(p Planner, e Executor, x Extractor, reg *sandbox.Registry, rec Recorder, cfg Config) (*Coordinator, error) {
	if p == nil || e == nil || x == nil {
		return nil, fmt.Errorf("planner, executor, and extractor are required")
	}
	if reg == nil {
		return nil, fmt.Errorf("sandbox registry is required")
	}
	def := DefaultConfig()
	if cfg.MaxSteps == 0 {
		cfg.MaxSteps = def.MaxSteps
	}
	if cfg.MaxConsecutiveFailures == 0 {
		cfg.MaxConsecutiveFailures = def.MaxConsecutiveFailures
	}
	if cfg.MaxPlanningFailures == 0 {
		cfg.MaxPlanningFailures = def.MaxPlanningFailures
	}
	if cfg.ReplanSeverity == "" {
		cfg.ReplanSeverity = def.ReplanSeverity
	}
	return &Coordinator{
		planner:   p,
		executor:  e,
		extractor: x,
		registry:  reg,
		recorder:  rec,
		config:    cfg,
	}, nil
}

// Run executes one engagement to termination. It always returns a report;
// the error mirrors abnormal outcomes so callers can set exit codes.
func (c *Coordinator) Run(ctx context.Context, goal string) (*types.RunReport, error) {
	runID := "run-" + uuid.New().String()[:8]
	mgr := state.NewManager(goal)
	started := time.Now()

	fmt.Printf("[%s] starting: %s\n", runID, goal)

	outcome, reason := c.runLoop(ctx, runID, mgr)

	// Teardown happens on every exit path, with a fresh context so a
	// canceled run still reclaims its containers.
	cleanupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := c.registry.DestroyAll(cleanupCtx); err != nil {
		fmt.Fprintf(os.Stderr, "warning: sandbox teardown incomplete: %v\n", err)
	}

	report := &types.RunReport{
		RunID:    runID,
		Goal:     goal,
		Outcome:  outcome,
		Reason:   reason,
		Steps:    mgr.Step(),
		Findings: mgr.Findings(),
		History:  mgr.History(),
		Started:  started,
		Finished: time.Now(),
	}

	c.logTransition(runID, phaseTerminated, reason)
	if c.recorder != nil {
		if err := c.recorder.RecordReport(ctx, report); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to persist run report: %v\n", err)
		}
	}

	switch outcome {
	case types.OutcomeAborted:
		return report, context.Canceled
	case types.OutcomePlanningFailed:
		return report, fmt.Errorf("run %s: %s", runID, reason)
	default:
		return report, nil
	}
}

// runLoop is the state machine proper. It returns the outcome and a human
// readable reason; teardown and reporting stay with Run.
func (c *Coordinator) runLoop(ctx context.Context, runID string, mgr *state.Manager) (types.RunOutcome, string) {
	planningFailures := 0

	// Initial plan
	c.logTransition(runID, phasePlanning, "initial plan")
	for {
		if ctx.Err() != nil {
			return types.OutcomeAborted, "canceled before planning completed"
		}
		tasks, err := c.planner.InitialPlan(ctx, mgr.Goal())
		if err == nil {
			mgr.ApplyPlan(tasks)
			planningFailures = 0
			break
		}
		planningFailures++
		fmt.Fprintf(os.Stderr, "[%s] planning failed (%d/%d): %v\n", runID, planningFailures, c.config.MaxPlanningFailures, err)
		if planningFailures >= c.config.MaxPlanningFailures {
			return types.OutcomePlanningFailed, fmt.Sprintf("initial planning failed %d times: %v", planningFailures, err)
		}
	}

	for {
		if ctx.Err() != nil {
			return types.OutcomeAborted, "canceled"
		}
		if mgr.Step() >= c.config.MaxSteps {
			return types.OutcomeExhausted, fmt.Sprintf("step cap reached (%d)", c.config.MaxSteps)
		}

		task, ok := mgr.NextPendingTask()
		if !ok {
			outcome, reason, done := c.replan(ctx, runID, mgr, &planningFailures, "task list exhausted")
			if done {
				return outcome, reason
			}
			continue
		}

		step := mgr.AdvanceStep()
		c.logTransition(runID, phaseExecuting, fmt.Sprintf("step %d: %s", step, task.Description))

		res, err := c.executor.Execute(ctx, task, mgr.SnapshotForPlanning())
		if err != nil {
			return types.OutcomeAborted, "canceled during execution"
		}
		if err := mgr.RecordResult(task.ID, res); err != nil {
			// A result for an unknown task indicates a coordinator bug;
			// surface it loudly but keep the run alive.
			fmt.Fprintf(os.Stderr, "[%s] dropping result: %v\n", runID, err)
			continue
		}
		if changed := mgr.UpdateFacts(res.Stdout + "\n" + res.Stderr); len(changed) > 0 {
			fmt.Printf("[%s] facts updated: %v\n", runID, changed)
		}
		if c.recorder != nil {
			if err := c.recorder.RecordStep(ctx, runID, res); err != nil {
				fmt.Fprintf(os.Stderr, "warning: failed to persist step: %v\n", err)
			}
		}

		c.logTransition(runID, phaseExtracting, fmt.Sprintf("step %d", step))
		found := c.extractor.Extract(ctx, mgr.Goal(), step, res)
		added := mgr.AddFindings(found)
		if len(added) > 0 {
			for _, f := range added {
				fmt.Printf("[%s] finding [%s] %s: %s\n", runID, f.Severity, f.Category, f.Evidence)
			}
			if c.recorder != nil {
				if err := c.recorder.RecordFindings(ctx, runID, added); err != nil {
					fmt.Fprintf(os.Stderr, "warning: failed to persist findings: %v\n", err)
				}
			}
		}

		c.logTransition(runID, phaseDeciding, fmt.Sprintf("step %d", step))
		if hasCategory(added, types.CategoryFlag) {
			return types.OutcomeGoalAchieved, "goal finding recorded"
		}

		if trigger := c.replanTrigger(mgr, added); trigger != "" {
			outcome, reason, done := c.replan(ctx, runID, mgr, &planningFailures, trigger)
			if done {
				return outcome, reason
			}
		}
	}
}

// replanTrigger reports why a replan is needed now, or "" to continue with
// the current plan.
func (c *Coordinator) replanTrigger(mgr *state.Manager, added []*types.Finding) string {
	snap := mgr.SnapshotForPlanning()
	if snap.ConsecutiveFailures >= c.config.MaxConsecutiveFailures {
		return fmt.Sprintf("%d consecutive failures", snap.ConsecutiveFailures)
	}
	for _, f := range added {
		if f.Severity.AtLeast(c.config.ReplanSeverity) {
			return fmt.Sprintf("new %s finding in category %s", f.Severity, f.Category)
		}
	}
	return ""
}

// replan asks the planner for a revised list and merges it. The returned
// done flag is true when the run must terminate (exhaustion, planning
// failure cap, cancellation).
func (c *Coordinator) replan(ctx context.Context, runID string, mgr *state.Manager, planningFailures *int, trigger string) (types.RunOutcome, string, bool) {
	c.logTransition(runID, phasePlanning, "replan: "+trigger)

	if ctx.Err() != nil {
		return types.OutcomeAborted, "canceled before replanning", true
	}

	tasks, err := c.planner.Replan(ctx, mgr.SnapshotForPlanning())
	if err != nil {
		if !errors.Is(err, planner.ErrPlanning) {
			// Non-planning errors from the planner are treated the same;
			// the loop cannot proceed without a plan either way.
			fmt.Fprintf(os.Stderr, "[%s] unexpected replan error: %v\n", runID, err)
		}
		*planningFailures++
		fmt.Fprintf(os.Stderr, "[%s] replanning failed (%d/%d): %v\n", runID, *planningFailures, c.config.MaxPlanningFailures, err)
		if *planningFailures >= c.config.MaxPlanningFailures {
			return types.OutcomePlanningFailed, fmt.Sprintf("replanning failed %d times: %v", *planningFailures, err), true
		}
		return "", "", false
	}
	*planningFailures = 0

	mgr.ApplyPlan(tasks)
	if mgr.PendingCount() == 0 {
		return types.OutcomeExhausted, "replan produced no further work (" + trigger + ")", true
	}
	fmt.Printf("[%s] replanned: %d pending task(s)\n", runID, mgr.PendingCount())
	return "", "", false
}

func hasCategory(findings []*types.Finding, category string) bool {
	for _, f := range findings {
		if f.Category == category {
			return true
		}
	}
	return false
}

func (c *Coordinator) logTransition(runID string, p phase, detail string) {
	fmt.Printf("[%s] %s: %s\n", runID, p, detail)
}
