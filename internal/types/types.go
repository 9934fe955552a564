// Package types defines the core data model shared across the pentagent
// planning/execution loop: tasks, execution results, findings, and the
// terminal run outcomes.
package types

import (
	"fmt"
	"strings"
	"time"
)

// TaskStatus represents the lifecycle state of a task on the todo list.
type TaskStatus string

const (
	// TaskStatusPending indicates the task is waiting to be executed
	TaskStatusPending TaskStatus = "pending"

	// TaskStatusInProgress indicates the task has been dispatched to the executor
	TaskStatusInProgress TaskStatus = "in_progress"

	// TaskStatusDone indicates the task completed with exit code 0 and no error
	TaskStatusDone TaskStatus = "done"

	// TaskStatusFailed indicates the task errored or exited nonzero
	TaskStatusFailed TaskStatus = "failed"

	// TaskStatusSkipped indicates the coordinator dropped the task without running it
	TaskStatusSkipped TaskStatus = "skipped"
)

// IsTerminal returns true if the status is a final state.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusDone || s == TaskStatusFailed || s == TaskStatusSkipped
}

// Task is a single todo item produced by the planner.
// Tasks are owned by the state manager; status transitions happen only
// through coordinator/executor feedback.
type Task struct {
	// ID is a unique identifier for this task, stable across replans
	ID string `json:"id"`

	// Description is the natural-language instruction the executor acts on
	Description string `json:"description"`

	// Status is the current lifecycle state
	Status TaskStatus `json:"status"`

	// CreatedAtStep is the coordinator step counter value when the task
	// first appeared on a todo list
	CreatedAtStep int `json:"created_at_step"`
}

// Validate checks that the task has the required fields.
func (t *Task) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("task ID cannot be empty")
	}
	if strings.TrimSpace(t.Description) == "" {
		return fmt.Errorf("task %s: description cannot be empty", t.ID)
	}
	switch t.Status {
	case TaskStatusPending, TaskStatusInProgress, TaskStatusDone, TaskStatusFailed, TaskStatusSkipped:
	default:
		return fmt.Errorf("task %s: unknown status %q", t.ID, t.Status)
	}
	if t.CreatedAtStep < 0 {
		return fmt.Errorf("task %s: created_at_step cannot be negative", t.ID)
	}
	return nil
}

// RunOutcome classifies how a run ended. Every run terminates in exactly
// one of these states.
type RunOutcome string

const (
	// OutcomeGoalAchieved means a goal-achieved finding (e.g. a flag) was recorded
	OutcomeGoalAchieved RunOutcome = "goal_achieved"

	// OutcomeExhausted means the todo list emptied and replanning produced no
	// new work, or the step cap was reached
	OutcomeExhausted RunOutcome = "exhausted"

	// OutcomeAborted means an external cancellation stopped the run
	OutcomeAborted RunOutcome = "aborted"

	// OutcomePlanningFailed means the planner failed repeatedly and the loop
	// could not proceed without a plan
	OutcomePlanningFailed RunOutcome = "planning_failed"
)

// RunReport is the user-visible result of a run: how it ended plus the
// full findings set and causal history for audit.
type RunReport struct {
	RunID    string             `json:"run_id"`
	Goal     string             `json:"goal"`
	Outcome  RunOutcome         `json:"outcome"`
	Reason   string             `json:"reason,omitempty"`
	Steps    int                `json:"steps"`
	Findings []*Finding         `json:"findings"`
	History  []*ExecutionResult `json:"history"`
	Started  time.Time          `json:"started"`
	Finished time.Time          `json:"finished"`
}
