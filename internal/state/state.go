// Package state holds the single source of truth for a run: the goal, the
// todo list, execution history, the findings set, and session facts.
//
// The manager is mutated by the coordinator, executor, and extractor, but
// each field has exactly one writer role: the coordinator swaps todo lists
// and advances the step counter, the executor's results land in history,
// and the extractor's findings land in the findings set. All access is
// serialized so the registry-style hardening rule applies here too: the
// API stays safe if the surrounding application ever parallelizes calls.
package state

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/probelab/pentagent/internal/types"
)

// Manager owns the mutable run state.
type Manager struct {
	mu sync.RWMutex

	goal     string
	tasks    []*types.Task
	history  []*types.ExecutionResult
	findings []*types.Finding
	seen     map[string]bool // finding fingerprints already recorded
	facts    map[string]string
	step     int
}

// NewManager creates a state manager for a run with the given goal.
// The goal is immutable for the lifetime of the run.
func NewManager(goal string) *Manager {
	return &Manager{
		goal:  goal,
		seen:  make(map[string]bool),
		facts: make(map[string]string),
	}
}

// Goal returns the immutable run objective.
func (m *Manager) Goal() string {
	return m.goal
}

// Step returns the current step counter value.
func (m *Manager) Step() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.step
}

// AdvanceStep increments the step counter and returns the new value.
// Only the coordinator calls this; the counter strictly increases and
// bounds total loop iterations.
func (m *Manager) AdvanceStep() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.step++
	return m.step
}

// ApplyPlan replaces the todo list with a planner-produced list, merging
// for continuity: tasks that are Done or InProgress in the current list
// survive by exact id match with unchanged status and description, so a
// replan can never erase the record of completed work. Incoming tasks
// whose id matches a surviving task are dropped as already represented.
// Incoming tasks with no id, or an id the current list does not know,
// get a fresh id and enter as Pending.
func (m *Manager) ApplyPlan(newTasks []*types.Task) []*types.Task {
	m.mu.Lock()
	defer m.mu.Unlock()

	merged := make([]*types.Task, 0, len(m.tasks)+len(newTasks))
	kept := make(map[string]bool)
	known := make(map[string]*types.Task, len(m.tasks))

	for _, t := range m.tasks {
		known[t.ID] = t
		if t.Status == types.TaskStatusDone || t.Status == types.TaskStatusInProgress {
			merged = append(merged, t)
			kept[t.ID] = true
		}
	}

	for _, nt := range newTasks {
		if nt.ID != "" && kept[nt.ID] {
			continue
		}
		task := &types.Task{
			Description:   nt.Description,
			Status:        types.TaskStatusPending,
			CreatedAtStep: m.step,
		}
		if old, ok := known[nt.ID]; ok && nt.ID != "" {
			// Re-added task (e.g. a Failed task the planner wants retried)
			// keeps its id and original creation step.
			task.ID = nt.ID
			task.CreatedAtStep = old.CreatedAtStep
		} else {
			// Ids are minted here, not trusted from the planner, so an
			// invented id can never collide with task history.
			task.ID = newTaskID()
		}
		merged = append(merged, task)
		kept[task.ID] = true
	}

	m.tasks = merged
	return m.snapshotTasksLocked()
}

// NextPendingTask returns the first Pending task in list order, marking it
// InProgress. The second return value is false when no pending task exists.
func (m *Manager) NextPendingTask() (*types.Task, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, t := range m.tasks {
		if t.Status == types.TaskStatusPending {
			t.Status = types.TaskStatusInProgress
			cp := *t
			return &cp, true
		}
	}
	return nil, false
}

// RecordResult appends the result to history and transitions the task's
// status: an execution error or nonzero exit marks it Failed, exit 0 marks
// it Done. Failed tasks are not retried here; that decision belongs to the
// coordinator. Results are recorded strictly in call order.
func (m *Manager) RecordResult(taskID string, res *types.ExecutionResult) error {
	if res == nil {
		return fmt.Errorf("result cannot be nil")
	}
	if res.TaskID == "" {
		res.TaskID = taskID
	}
	if res.TaskID != taskID {
		return fmt.Errorf("result task id %s does not match %s", res.TaskID, taskID)
	}
	if err := res.Validate(); err != nil {
		return fmt.Errorf("invalid execution result: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	task := m.findTaskLocked(taskID)
	if task == nil {
		return fmt.Errorf("task %s not found in any todo list version", taskID)
	}

	if res.Failed() {
		task.Status = types.TaskStatusFailed
	} else {
		task.Status = types.TaskStatusDone
	}
	m.history = append(m.history, res)
	return nil
}

// MarkSkipped transitions a non-terminal task to Skipped.
func (m *Manager) MarkSkipped(taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	task := m.findTaskLocked(taskID)
	if task == nil {
		return fmt.Errorf("task %s not found", taskID)
	}
	if task.Status.IsTerminal() {
		return fmt.Errorf("task %s already %s", taskID, task.Status)
	}
	task.Status = types.TaskStatusSkipped
	return nil
}

// AddFindings inserts findings into the set, dropping any whose fingerprint
// is already present. This is the single dedup point against run history:
// the extractor only dedups within one result's batch, so cross-step
// duplicates are filtered here. Returns the findings actually added.
func (m *Manager) AddFindings(findings []*types.Finding) []*types.Finding {
	m.mu.Lock()
	defer m.mu.Unlock()

	var added []*types.Finding
	for _, f := range findings {
		fp := f.Fingerprint()
		if m.seen[fp] {
			continue
		}
		m.seen[fp] = true
		m.findings = append(m.findings, f)
		added = append(added, f)
	}
	return added
}

// Findings returns a copy of the findings set in insertion order.
func (m *Manager) Findings() []*types.Finding {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*types.Finding, len(m.findings))
	copy(out, m.findings)
	return out
}

// History returns a copy of the execution history in dispatch order.
func (m *Manager) History() []*types.ExecutionResult {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*types.ExecutionResult, len(m.history))
	copy(out, m.history)
	return out
}

// Tasks returns a copy of the current todo list.
func (m *Manager) Tasks() []*types.Task {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshotTasksLocked()
}

// PendingCount returns the number of Pending tasks remaining.
func (m *Manager) PendingCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, t := range m.tasks {
		if t.Status == types.TaskStatusPending {
			n++
		}
	}
	return n
}

func (m *Manager) findTaskLocked(id string) *types.Task {
	for _, t := range m.tasks {
		if t.ID == id {
			return t
		}
	}
	return nil
}

func (m *Manager) snapshotTasksLocked() []*types.Task {
	out := make([]*types.Task, len(m.tasks))
	for i, t := range m.tasks {
		cp := *t
		out[i] = &cp
	}
	return out
}

func newTaskID() string {
	return "task-" + uuid.New().String()[:8]
}
