package planner

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/probelab/pentagent/internal/ai"
	"github.com/probelab/pentagent/internal/state"
	"github.com/probelab/pentagent/internal/types"
)

// scriptedCompleter returns canned responses in order and records prompts.
type scriptedCompleter struct {
	responses []string
	err       error
	prompts   []string
}

func (s *scriptedCompleter) Complete(ctx context.Context, operation, prompt string, maxTokens int64) (string, ai.Usage, error) {
	s.prompts = append(s.prompts, prompt)
	if s.err != nil {
		return "", ai.Usage{}, s.err
	}
	idx := len(s.prompts) - 1
	if idx >= len(s.responses) {
		idx = len(s.responses) - 1
	}
	return s.responses[idx], ai.Usage{InputTokens: 100, OutputTokens: 50}, nil
}

func newTestPlanner(t *testing.T, c Completer) *Planner {
	t.Helper()
	p, err := New(c, Config{})
	require.NoError(t, err)
	return p
}

func TestInitialPlan(t *testing.T) {
	c := &scriptedCompleter{responses: []string{
		`[{"description":"port scan the target"},{"description":"enumerate web paths"}]`,
	}}
	p := newTestPlanner(t, c)

	tasks, err := p.InitialPlan(context.Background(), "compromise testapp.local")
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, "port scan the target", tasks[0].Description)
	assert.Equal(t, types.TaskStatusPending, tasks[0].Status)
	assert.Contains(t, c.prompts[0], "compromise testapp.local")
}

func TestInitialPlanToleratesCodeFences(t *testing.T) {
	c := &scriptedCompleter{responses: []string{
		"```json\n[{\"description\":\"port scan\"}]\n```",
	}}
	p := newTestPlanner(t, c)

	tasks, err := p.InitialPlan(context.Background(), "goal")
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Len(t, c.prompts, 1, "fenced JSON should parse without a retry round trip")
}

func TestInitialPlanRetriesMalformedJSON(t *testing.T) {
	c := &scriptedCompleter{responses: []string{
		`I think we should start with a port scan.`,
		`[{"description":"port scan"}]`,
	}}
	p := newTestPlanner(t, c)

	tasks, err := p.InitialPlan(context.Background(), "goal")
	require.NoError(t, err)
	require.Len(t, tasks, 1)

	require.Len(t, c.prompts, 2)
	assert.Contains(t, c.prompts[1], "JSON Parse Error", "retry prompt should carry the clarification")
}

func TestInitialPlanFailsAfterRetriesExhausted(t *testing.T) {
	c := &scriptedCompleter{responses: []string{`not json`}}
	p := newTestPlanner(t, c)

	_, err := p.InitialPlan(context.Background(), "goal")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPlanning)
	assert.Len(t, c.prompts, 3, "two JSON retries after the first attempt")
}

func TestInitialPlanAPIErrorEscalates(t *testing.T) {
	c := &scriptedCompleter{err: errors.New("401 unauthorized")}
	p := newTestPlanner(t, c)

	_, err := p.InitialPlan(context.Background(), "goal")
	assert.ErrorIs(t, err, ErrPlanning)
}

func TestInitialPlanRejectsEmptyPlan(t *testing.T) {
	c := &scriptedCompleter{responses: []string{`[]`}}
	p := newTestPlanner(t, c)

	_, err := p.InitialPlan(context.Background(), "goal")
	assert.ErrorIs(t, err, ErrPlanning)
}

func TestReplanEmptyListIsValid(t *testing.T) {
	c := &scriptedCompleter{responses: []string{`[]`}}
	p := newTestPlanner(t, c)

	m := state.NewManager("goal")
	tasks, err := p.Replan(context.Background(), m.SnapshotForPlanning())
	require.NoError(t, err)
	assert.Empty(t, tasks, "an empty replan signals exhaustion, not an error")
}

func TestReplanPromptCarriesEngagementState(t *testing.T) {
	m := state.NewManager("dump the user table")
	m.ApplyPlan([]*types.Task{{Description: "probe login form"}})

	task, ok := m.NextPendingTask()
	require.True(t, ok)
	require.NoError(t, m.RecordResult(task.ID, &types.ExecutionResult{
		TaskID:   task.ID,
		ExitCode: 1,
		Stderr:   "connection refused",
	}))
	m.UpdateFacts("[STATE_UPDATE] session_cookie: session=abc123")
	m.AddFindings([]*types.Finding{{
		Category: "sqli",
		Severity: types.SeverityHigh,
		Evidence: "error-based injection in id parameter",
	}})

	c := &scriptedCompleter{responses: []string{`[{"description":"try sqlmap"}]`}}
	p := newTestPlanner(t, c)

	_, err := p.Replan(context.Background(), m.SnapshotForPlanning())
	require.NoError(t, err)

	prompt := c.prompts[0]
	assert.Contains(t, prompt, "dump the user table")
	assert.Contains(t, prompt, task.ID)
	assert.Contains(t, prompt, "session_cookie: session=abc123")
	assert.Contains(t, prompt, "error-based injection")
	assert.Contains(t, prompt, "failed in a row")
}

func TestPlanCapsTaskCount(t *testing.T) {
	c := &scriptedCompleter{responses: []string{
		`[{"description":"a"},{"description":"b"},{"description":"c"},{"description":"d"}]`,
	}}
	p, err := New(c, Config{MaxTasks: 2})
	require.NoError(t, err)

	tasks, err := p.InitialPlan(context.Background(), "goal")
	require.NoError(t, err)
	assert.Len(t, tasks, 2)
}

func TestPlanDropsBlankDescriptions(t *testing.T) {
	c := &scriptedCompleter{responses: []string{
		`[{"description":"  "},{"description":"real task"}]`,
	}}
	p := newTestPlanner(t, c)

	tasks, err := p.InitialPlan(context.Background(), "goal")
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "real task", tasks[0].Description)
}
