package state

import (
	"github.com/probelab/pentagent/internal/types"
)

// PlanningSnapshot is a read-only view of run state handed to the planner.
// It carries only what planning needs: recent context, not the full raw
// output of every step.
type PlanningSnapshot struct {
	Goal     string
	Step     int
	Tasks    []*types.Task
	Findings []*types.Finding
	History  []*types.ExecutionResult
	Facts    map[string]string

	// ConsecutiveFailures counts Failed results since the last Done,
	// scanning history backwards. The coordinator uses this for its
	// replan trigger; the planner uses it to steer away from repeating
	// a known-failing action verbatim.
	ConsecutiveFailures int
}

// SnapshotForPlanning captures the state the planner consults. The slices
// are copies; mutating them does not affect run state.
func (m *Manager) SnapshotForPlanning() *PlanningSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := &PlanningSnapshot{
		Goal:     m.goal,
		Step:     m.step,
		Tasks:    m.snapshotTasksLocked(),
		Findings: make([]*types.Finding, len(m.findings)),
		History:  make([]*types.ExecutionResult, len(m.history)),
		Facts:    make(map[string]string, len(m.facts)),
	}
	copy(snap.Findings, m.findings)
	copy(snap.History, m.history)
	for k, v := range m.facts {
		snap.Facts[k] = v
	}

	for i := len(m.history) - 1; i >= 0; i-- {
		if !m.history[i].Failed() {
			break
		}
		snap.ConsecutiveFailures++
	}

	return snap
}
