package types

import (
	"fmt"
	"time"
)

// ErrorKind classifies a tool-level failure captured in an ExecutionResult.
// These map to the tool error taxonomy: failures are recorded, counted by
// the coordinator's decision logic, and never abort the run.
type ErrorKind string

const (
	// ErrorKindTimeout means a command or request exceeded its deadline
	ErrorKindTimeout ErrorKind = "timeout"

	// ErrorKindSandboxNotFound means the target sandbox is unknown or destroyed
	ErrorKindSandboxNotFound ErrorKind = "sandbox_not_found"

	// ErrorKindInvalidPath means a file path resolved outside the scratch root
	ErrorKindInvalidPath ErrorKind = "invalid_path"

	// ErrorKindNoDefaultSandbox means no sandbox id was given and no preset is set
	ErrorKindNoDefaultSandbox ErrorKind = "no_default_sandbox"

	// ErrorKindToolFailure covers other tool invocation failures
	ErrorKindToolFailure ErrorKind = "tool_failure"

	// ErrorKindPolicy means the tool-selection policy (LLM) failed for this task
	ErrorKindPolicy ErrorKind = "policy"
)

// ResultError describes why a task execution failed. It lives on the
// ExecutionResult rather than being returned as a Go error because the
// executor never propagates task failures to the coordinator as errors.
type ResultError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

func (e *ResultError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// ExecutionResult is the immutable record of one executor invocation.
// Results are appended to history in dispatch order; later planning depends
// on that causal order being preserved.
type ExecutionResult struct {
	// TaskID identifies the task this result belongs to
	TaskID string `json:"task_id"`

	// ExitCode is the exit code of the final command, or 0 for pure
	// HTTP/observation tasks that succeeded
	ExitCode int `json:"exit_code"`

	// Stdout and Stderr carry the combined tool output the extractor parses
	Stdout string `json:"stdout"`
	Stderr string `json:"stderr"`

	// ToolCallsMade counts tool invocations performed for this task
	ToolCallsMade int `json:"tool_calls_made"`

	// Duration is the wall-clock execution time
	Duration time.Duration `json:"duration_ms"`

	// SandboxID names the sandbox the task ran in, when it used one.
	// Empty for pure HTTP/observation tasks.
	SandboxID string `json:"sandbox_id,omitempty"`

	// Err is set when the execution failed; nil on success
	Err *ResultError `json:"error,omitempty"`
}

// Failed reports whether this result should transition its task to Failed.
func (r *ExecutionResult) Failed() bool {
	return r.Err != nil || r.ExitCode != 0
}

// Validate checks result integrity before it enters history.
func (r *ExecutionResult) Validate() error {
	if r.TaskID == "" {
		return fmt.Errorf("execution result must reference a task")
	}
	if r.ToolCallsMade < 0 {
		return fmt.Errorf("tool_calls_made cannot be negative (got %d)", r.ToolCallsMade)
	}
	if r.Duration < 0 {
		return fmt.Errorf("duration cannot be negative (got %v)", r.Duration)
	}
	if r.Err != nil && r.Err.Kind == "" {
		return fmt.Errorf("result error must carry a kind")
	}
	return nil
}
