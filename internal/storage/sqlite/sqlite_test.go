package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/probelab/pentagent/internal/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestReportRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	res := &types.ExecutionResult{
		TaskID:        "task-aa11bb22",
		ExitCode:      1,
		Stdout:        "scan output",
		Stderr:        "warning line",
		ToolCallsMade: 3,
		Duration:      2500 * time.Millisecond,
		SandboxID:     "sb-1234",
		Err:           &types.ResultError{Kind: types.ErrorKindTimeout, Message: "command timed out"},
	}
	require.NoError(t, store.RecordStep(ctx, "run-1", res))

	finding := &types.Finding{
		ID:               "f-1",
		Category:         "sqli",
		Severity:         types.SeverityHigh,
		Evidence:         "injectable id parameter",
		SourceTaskID:     "task-aa11bb22",
		DiscoveredAtStep: 1,
	}
	require.NoError(t, store.RecordFindings(ctx, "run-1", []*types.Finding{finding}))

	report := &types.RunReport{
		RunID:    "run-1",
		Goal:     "dump the user table",
		Outcome:  types.OutcomeExhausted,
		Reason:   "step cap reached (30)",
		Steps:    1,
		Started:  time.Now().Add(-time.Minute),
		Finished: time.Now(),
	}
	require.NoError(t, store.RecordReport(ctx, report))

	got, err := store.GetReport(ctx, "run-1")
	require.NoError(t, err)
	require.NotNil(t, got)

	assert.Equal(t, "dump the user table", got.Goal)
	assert.Equal(t, types.OutcomeExhausted, got.Outcome)
	assert.Equal(t, "step cap reached (30)", got.Reason)
	assert.Equal(t, 1, got.Steps)

	require.Len(t, got.History, 1)
	assert.Equal(t, "task-aa11bb22", got.History[0].TaskID)
	assert.Equal(t, 2500*time.Millisecond, got.History[0].Duration)
	assert.Equal(t, "sb-1234", got.History[0].SandboxID)
	require.NotNil(t, got.History[0].Err)
	assert.Equal(t, types.ErrorKindTimeout, got.History[0].Err.Kind)

	require.Len(t, got.Findings, 1)
	assert.Equal(t, "sqli", got.Findings[0].Category)
	assert.Equal(t, types.SeverityHigh, got.Findings[0].Severity)
}

func TestHistoryOrderPreserved(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"task-one", "task-two", "task-three"} {
		require.NoError(t, store.RecordStep(ctx, "run-1", &types.ExecutionResult{
			TaskID: id,
			Stdout: "output of " + id,
		}))
	}
	require.NoError(t, store.RecordReport(ctx, &types.RunReport{
		RunID:    "run-1",
		Goal:     "goal",
		Outcome:  types.OutcomeExhausted,
		Steps:    3,
		Started:  time.Now(),
		Finished: time.Now(),
	}))

	got, err := store.GetReport(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, got.History, 3)
	assert.Equal(t, "task-one", got.History[0].TaskID)
	assert.Equal(t, "task-two", got.History[1].TaskID)
	assert.Equal(t, "task-three", got.History[2].TaskID)
}

func TestGetReportUnknownRun(t *testing.T) {
	store := newTestStore(t)
	got, err := store.GetReport(context.Background(), "run-nope")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestRecordFindingsIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	f := &types.Finding{ID: "finding-11aa22bb", Category: "recon", Severity: types.SeverityInfo, Evidence: "port 80 open"}
	require.NoError(t, store.RecordFindings(ctx, "run-1", []*types.Finding{f}))
	require.NoError(t, store.RecordFindings(ctx, "run-1", []*types.Finding{f}))

	got, err := store.findingsForRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Len(t, got, 1, "replayed batch must not duplicate rows")

	// Same fingerprint in a different run is a separate row.
	require.NoError(t, store.RecordFindings(ctx, "run-2", []*types.Finding{f}))
	other, err := store.findingsForRun(ctx, "run-2")
	require.NoError(t, err)
	assert.Len(t, other, 1)
}

func TestRecordFindingsRejectsInvalid(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	missingID := &types.Finding{Category: "recon", Severity: types.SeverityInfo, Evidence: "port 80 open"}
	err := store.RecordFindings(ctx, "run-1", []*types.Finding{missingID})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ID cannot be empty")

	got, err := store.findingsForRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Empty(t, got, "rejected batch must not leave partial rows")
}

func TestRecordReportUpsert(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	report := &types.RunReport{
		RunID:    "run-1",
		Goal:     "goal",
		Outcome:  types.OutcomeAborted,
		Steps:    2,
		Started:  time.Now(),
		Finished: time.Now(),
	}
	require.NoError(t, store.RecordReport(ctx, report))

	report.Outcome = types.OutcomeGoalAchieved
	report.Steps = 5
	require.NoError(t, store.RecordReport(ctx, report))

	got, err := store.GetReport(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeGoalAchieved, got.Outcome)
	assert.Equal(t, 5, got.Steps)
}

func TestListRuns(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	base := time.Now()
	for i, id := range []string{"run-a", "run-b", "run-c"} {
		require.NoError(t, store.RecordReport(ctx, &types.RunReport{
			RunID:    id,
			Goal:     "goal " + id,
			Outcome:  types.OutcomeExhausted,
			Steps:    i,
			Started:  base.Add(time.Duration(i) * time.Minute),
			Finished: base.Add(time.Duration(i+1) * time.Minute),
		}))
	}

	runs, err := store.ListRuns(ctx, 2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "run-c", runs[0].RunID, "newest first")
	assert.Equal(t, "run-b", runs[1].RunID)
}
