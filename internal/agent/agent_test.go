package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/probelab/pentagent/internal/ai"
	"github.com/probelab/pentagent/internal/sandbox"
	"github.com/probelab/pentagent/internal/state"
	"github.com/probelab/pentagent/internal/tool"
	"github.com/probelab/pentagent/internal/types"
)

// scriptedCompleter returns canned responses in order.
type scriptedCompleter struct {
	responses []string
	err       error
	prompts   []string
}

func (s *scriptedCompleter) Complete(ctx context.Context, operation, prompt string, maxTokens int64) (string, ai.Usage, error) {
	if err := ctx.Err(); err != nil {
		return "", ai.Usage{}, err
	}
	s.prompts = append(s.prompts, prompt)
	if s.err != nil {
		return "", ai.Usage{}, s.err
	}
	idx := len(s.prompts) - 1
	if idx >= len(s.responses) {
		idx = len(s.responses) - 1
	}
	return s.responses[idx], ai.Usage{}, nil
}

// stubRuntime is an in-memory sandbox runtime.
type stubRuntime struct {
	mu        sync.Mutex
	nextID    int
	out       sandbox.ExecOutput
	execDelay time.Duration
}

func (s *stubRuntime) Create(ctx context.Context, opts sandbox.CreateOptions) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	return fmt.Sprintf("c%d", s.nextID), nil
}

func (s *stubRuntime) Adopt(ctx context.Context, backendID string) error {
	return errors.New("not adoptable")
}

func (s *stubRuntime) Exec(ctx context.Context, backendID, command, user string) (*sandbox.ExecOutput, error) {
	if s.execDelay > 0 {
		select {
		case <-time.After(s.execDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	out := s.out
	return &out, nil
}

func (s *stubRuntime) WriteFile(ctx context.Context, backendID, path, content string) error {
	return nil
}

func (s *stubRuntime) Destroy(ctx context.Context, backendID string) error {
	return nil
}

func newTestExecutor(t *testing.T, c Completer, rt sandbox.Runtime, cfg Config) *Executor {
	t.Helper()
	reg, err := sandbox.NewRegistry(rt, sandbox.Config{})
	require.NoError(t, err)
	layer, err := tool.NewLayer(reg, tool.Config{})
	require.NoError(t, err)
	e, err := New(c, layer, cfg)
	require.NoError(t, err)
	return e
}

func testTask() *types.Task {
	return &types.Task{ID: "task-11111111", Description: "scan the target", Status: types.TaskStatusInProgress}
}

func TestExecuteToolThenFinal(t *testing.T) {
	rt := &stubRuntime{out: sandbox.ExecOutput{Stdout: "22/tcp open ssh"}}
	c := &scriptedCompleter{responses: []string{
		`{"action":"tool","tool":"create_sandbox"}`,
		`{"action":"tool","tool":"run_command","command":"nmap -sV target"}`,
		`{"action":"final","success":true,"summary":"[FINDING] recon: ssh open on 22"}`,
	}}
	e := newTestExecutor(t, c, rt, Config{})

	res, err := e.Execute(context.Background(), testTask(), nil)
	require.NoError(t, err)
	assert.Equal(t, "task-11111111", res.TaskID)
	assert.Equal(t, 0, res.ExitCode)
	assert.False(t, res.Failed())
	assert.Equal(t, 2, res.ToolCallsMade)
	assert.Contains(t, res.Stdout, "22/tcp open ssh")
	assert.Contains(t, res.Stdout, "[FINDING] recon: ssh open on 22")
	assert.NotEmpty(t, res.SandboxID)
	assert.Greater(t, res.Duration, time.Duration(0))
}

func TestExecuteFinalFailure(t *testing.T) {
	c := &scriptedCompleter{responses: []string{
		`{"action":"final","success":false,"summary":"target unreachable"}`,
	}}
	e := newTestExecutor(t, c, &stubRuntime{}, Config{})

	res, err := e.Execute(context.Background(), testTask(), nil)
	require.NoError(t, err)
	assert.True(t, res.Failed())
	assert.Equal(t, 1, res.ExitCode)
	assert.Nil(t, res.Err, "a declared failure is not a tool error")
	assert.Zero(t, res.ToolCallsMade)
}

func TestExecuteBudgetExhausted(t *testing.T) {
	// The policy never issues a final verdict.
	c := &scriptedCompleter{responses: []string{
		`{"action":"tool","tool":"run_command","sandbox_id":"", "command":"id"}`,
	}}
	rt := &stubRuntime{out: sandbox.ExecOutput{Stdout: "uid=1000"}}
	e := newTestExecutor(t, c, rt, Config{MaxToolCalls: 3})

	// Seed a sandbox so the id-less run_command has a preset target.
	created, err := e.tools.Invoke(context.Background(), &tool.Invocation{Tool: tool.NameCreateSandbox})
	require.NoError(t, err)
	require.NotEmpty(t, created.SandboxID)

	res, err := e.Execute(context.Background(), testTask(), nil)
	require.NoError(t, err)
	assert.True(t, res.Failed())
	require.NotNil(t, res.Err)
	assert.Equal(t, types.ErrorKindPolicy, res.Err.Kind)
	assert.Contains(t, res.Err.Message, "budget exhausted")
	assert.Equal(t, 3, res.ToolCallsMade)
}

func TestExecuteDeterministicToolErrorEndsTask(t *testing.T) {
	c := &scriptedCompleter{responses: []string{
		`{"action":"tool","tool":"run_command","sandbox_id":"no-such-box","command":"id"}`,
		`{"action":"final","success":true,"summary":"should never be reached"}`,
	}}
	e := newTestExecutor(t, c, &stubRuntime{}, Config{})

	res, err := e.Execute(context.Background(), testTask(), nil)
	require.NoError(t, err)
	assert.True(t, res.Failed())
	require.NotNil(t, res.Err)
	assert.Equal(t, types.ErrorKindSandboxNotFound, res.Err.Kind)
	assert.Len(t, c.prompts, 1, "a missing sandbox must not burn further turns")
}

func TestExecuteCommandTimeoutFailsTask(t *testing.T) {
	rt := &stubRuntime{execDelay: 500 * time.Millisecond}
	c := &scriptedCompleter{responses: []string{
		`{"action":"tool","tool":"create_sandbox"}`,
		`{"action":"tool","tool":"run_command","command":"sleep 60","timeout_ms":20}`,
		`{"action":"final","success":true,"summary":"should never be reached"}`,
	}}
	e := newTestExecutor(t, c, rt, Config{})

	res, err := e.Execute(context.Background(), testTask(), nil)
	require.NoError(t, err, "a command deadline is a task failure, not an abort")
	assert.True(t, res.Failed())
	require.NotNil(t, res.Err)
	assert.Equal(t, types.ErrorKindTimeout, res.Err.Kind)
	assert.Len(t, c.prompts, 2, "the policy must not get another turn after a timeout")

	// Recording the result transitions the task out of InProgress.
	m := state.NewManager("goal")
	m.ApplyPlan([]*types.Task{{Description: "slow scan"}})
	task, ok := m.NextPendingTask()
	require.True(t, ok)
	res.TaskID = task.ID
	require.NoError(t, m.RecordResult(task.ID, res))
	assert.Equal(t, types.TaskStatusFailed, m.Tasks()[0].Status)
}

func TestExecuteUnparseableActionRetriesOnce(t *testing.T) {
	c := &scriptedCompleter{responses: []string{
		`let me think about this`,
		`{"action":"final","success":true,"summary":"done"}`,
	}}
	e := newTestExecutor(t, c, &stubRuntime{}, Config{})

	res, err := e.Execute(context.Background(), testTask(), nil)
	require.NoError(t, err)
	assert.False(t, res.Failed())
	require.Len(t, c.prompts, 2)
	assert.Contains(t, c.prompts[1], "not valid JSON")
}

func TestExecutePolicyFailureAfterRetry(t *testing.T) {
	c := &scriptedCompleter{responses: []string{`nonsense`, `more nonsense`}}
	e := newTestExecutor(t, c, &stubRuntime{}, Config{})

	res, err := e.Execute(context.Background(), testTask(), nil)
	require.NoError(t, err)
	assert.True(t, res.Failed())
	require.NotNil(t, res.Err)
	assert.Equal(t, types.ErrorKindPolicy, res.Err.Kind)
}

func TestExecuteCompleterErrorIsPolicyFailure(t *testing.T) {
	c := &scriptedCompleter{err: errors.New("503 service unavailable")}
	e := newTestExecutor(t, c, &stubRuntime{}, Config{})

	res, err := e.Execute(context.Background(), testTask(), nil)
	require.NoError(t, err)
	assert.True(t, res.Failed())
	require.NotNil(t, res.Err)
	assert.Equal(t, types.ErrorKindPolicy, res.Err.Kind)
}

func TestExecuteCanceledContextAborts(t *testing.T) {
	c := &scriptedCompleter{responses: []string{
		`{"action":"final","success":true,"summary":"done"}`,
	}}
	e := newTestExecutor(t, c, &stubRuntime{}, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.Execute(ctx, testTask(), nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestExecutePromptCarriesTaskAndFacts(t *testing.T) {
	c := &scriptedCompleter{responses: []string{
		`{"action":"final","success":true,"summary":"done"}`,
	}}
	e := newTestExecutor(t, c, &stubRuntime{}, Config{})

	m := state.NewManager("own the box")
	m.UpdateFacts("[STATE_UPDATE] admin_password: hunter2")

	_, err := e.Execute(context.Background(), testTask(), m.SnapshotForPlanning())
	require.NoError(t, err)

	prompt := c.prompts[0]
	assert.Contains(t, prompt, "own the box")
	assert.Contains(t, prompt, "scan the target")
	assert.Contains(t, prompt, "admin_password: hunter2")
	assert.Contains(t, prompt, "http_request_raw")
}
