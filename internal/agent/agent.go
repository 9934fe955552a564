// Package agent executes single tasks. The executor runs a bounded
// observe-act loop: the model picks one tool call at a time from the closed
// tool set, sees the rendered result, and eventually declares the task done
// or failed. Tool errors are captured into the execution result, never
// raised out of the loop.
package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/probelab/pentagent/internal/ai"
	"github.com/probelab/pentagent/internal/state"
	"github.com/probelab/pentagent/internal/tool"
	"github.com/probelab/pentagent/internal/types"
)

// Completer is the slice of the AI client the executor uses.
type Completer interface {
	Complete(ctx context.Context, operation, prompt string, maxTokens int64) (string, ai.Usage, error)
}

// Config holds executor configuration.
type Config struct {
	// MaxToolCalls bounds the observe-act loop for one task (default: 8)
	MaxToolCalls int

	// MaxObservationBytes truncates a single tool observation before it is
	// fed back into the prompt (default: 16KiB)
	MaxObservationBytes int
}

// DefaultConfig returns the default executor configuration.
func DefaultConfig() Config {
	return Config{
		MaxToolCalls:        8,
		MaxObservationBytes: 16 * 1024,
	}
}

// Executor runs tasks against the tool layer.
type Executor struct {
	client Completer
	tools  *tool.Layer
	config Config
}

// New creates an executor.
func New(client Completer, tools *tool.Layer, cfg Config) (*Executor, error) {
	if client == nil {
		return nil, fmt.Errorf("completer is required")
	}
	if tools == nil {
		return nil, fmt.Errorf("tool layer is required")
	}
	def := DefaultConfig()
	if cfg.MaxToolCalls == 0 {
		cfg.MaxToolCalls = def.MaxToolCalls
	}
	if cfg.MaxObservationBytes == 0 {
		cfg.MaxObservationBytes = def.MaxObservationBytes
	}
	return &Executor{client: client, tools: tools, config: cfg}, nil
}

// policyAction is the JSON shape the model returns each turn: either one
// tool invocation or a final verdict on the task.
type policyAction struct {
	Action string `json:"action"` // "tool" or "final"

	tool.Invocation

	// Final verdict fields
	Success bool   `json:"success,omitempty"`
	Summary string `json:"summary,omitempty"`
}

// Execute runs one task to completion. The returned result always carries
// the task id; a non-nil error is returned only when the context was
// canceled, so callers can tell an operator abort from a failed task.
func (e *Executor) Execute(ctx context.Context, task *types.Task, snap *state.PlanningSnapshot) (*types.ExecutionResult, error) {
	start := time.Now()
	result := &types.ExecutionResult{TaskID: task.ID}

	transcript := e.buildTaskPrompt(task, snap)
	var outputs, stderrs []string
	parseRetried := false
	finished := false

	for result.ToolCallsMade < e.config.MaxToolCalls {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		responseText, _, err := e.client.Complete(ctx, "execute-task", transcript, 4096)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			result.ExitCode = 1
			result.Err = &types.ResultError{
				Kind:    types.ErrorKindPolicy,
				Message: fmt.Sprintf("tool selection call failed: %v", err),
			}
			break
		}

		parsed := ai.Parse[policyAction](responseText, ai.ParseOptions{
			Context:   "executor action",
			LogErrors: true,
		})
		if !parsed.Success {
			if !parseRetried {
				// One clarification round trip before giving up on the turn.
				parseRetried = true
				transcript += "\n\nYour previous response was not valid JSON (" + parsed.Error +
					"). Respond with ONLY a single JSON object matching the schema."
				continue
			}
			result.ExitCode = 1
			result.Err = &types.ResultError{
				Kind:    types.ErrorKindPolicy,
				Message: "unparseable action: " + parsed.Error,
			}
			break
		}
		parseRetried = false

		action := parsed.Data
		if action.Action == "final" {
			if !action.Success {
				result.ExitCode = 1
			}
			outputs = append(outputs, action.Summary)
			finished = true
			break
		}

		inv := action.Invocation
		result.ToolCallsMade++

		toolRes, toolErr := e.tools.Invoke(ctx, &inv)
		if toolErr != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			kind := tool.ClassifyError(toolErr)
			if endsTask(kind) {
				result.ExitCode = 1
				result.Err = &types.ResultError{Kind: kind, Message: toolErr.Error()}
				break
			}
			// Transient tool failures go back to the policy as observations.
			observation := fmt.Sprintf("tool %s failed (%s): %v", inv.Tool, kind, toolErr)
			outputs = append(outputs, observation)
			transcript += e.renderTurn(&inv, observation)
			continue
		}

		observation := e.truncate(toolRes.Output)
		if toolRes.SandboxID != "" {
			result.SandboxID = toolRes.SandboxID
		}
		if toolRes.ExitCode != 0 {
			observation = fmt.Sprintf("(exit %d)\n%s", toolRes.ExitCode, observation)
		}
		if toolRes.Stderr != "" {
			stderrs = append(stderrs, e.truncate(toolRes.Stderr))
			observation += "\nstderr:\n" + e.truncate(toolRes.Stderr)
		}
		outputs = append(outputs, e.truncate(toolRes.Output))
		transcript += e.renderTurn(&inv, observation)
	}

	if !finished && result.Err == nil && result.ToolCallsMade >= e.config.MaxToolCalls {
		// Loop ran out without a final verdict.
		result.ExitCode = 1
		result.Err = &types.ResultError{
			Kind:    types.ErrorKindPolicy,
			Message: fmt.Sprintf("tool call budget exhausted (%d calls)", e.config.MaxToolCalls),
		}
	}

	result.Stdout = strings.Join(outputs, "\n---\n")
	result.Stderr = strings.Join(stderrs, "\n---\n")
	result.Duration = time.Since(start)
	return result, nil
}

// endsTask reports whether a tool error kind fails the task immediately.
// Missing sandboxes and rejected paths cannot be fixed by the policy trying
// something else within the same task; a timeout must surface on the result
// as a timeout failure rather than letting the policy talk past it.
func endsTask(kind types.ErrorKind) bool {
	switch kind {
	case types.ErrorKindSandboxNotFound, types.ErrorKindNoDefaultSandbox,
		types.ErrorKindInvalidPath, types.ErrorKindTimeout:
		return true
	default:
		return false
	}
}

func (e *Executor) renderTurn(inv *tool.Invocation, observation string) string {
	return fmt.Sprintf("\n\n--- tool call %s ---\n%s\n--- result ---\n%s\n\nNext action (JSON only):",
		inv.Tool, describeInvocation(inv), observation)
}

func describeInvocation(inv *tool.Invocation) string {
	switch inv.Tool {
	case tool.NameRunCommand:
		return inv.Command
	case tool.NameWriteFile:
		return fmt.Sprintf("write %d bytes to %s", len(inv.Content), inv.Path)
	case tool.NameHTTPRequest:
		method := inv.Method
		if method == "" {
			method = "GET"
		}
		return method + " " + inv.URL
	case tool.NameHTTPRequestRaw:
		return strings.Join(inv.RawArgs, " ")
	default:
		return string(inv.Tool)
	}
}

func (e *Executor) truncate(s string) string {
	if len(s) <= e.config.MaxObservationBytes {
		return s
	}
	return s[:e.config.MaxObservationBytes] + "\n... (truncated)"
}

func (e *Executor) buildTaskPrompt(task *types.Task, snap *state.PlanningSnapshot) string {
	var b strings.Builder
	b.WriteString(`You are the execution component of an authorized penetration test running
inside isolated scratch containers. You carry out exactly one task by
choosing tool calls one at a time and reading their output.

Overall goal:
`)
	if snap != nil {
		b.WriteString(snap.Goal)
	}
	b.WriteString("\n\nYour task:\n")
	b.WriteString(task.Description)

	if snap != nil && len(snap.Facts) > 0 {
		b.WriteString("\n\nSession facts (credentials, cookies, endpoints gathered earlier):\n")
		b.WriteString(state.FormatFacts(snap.Facts))
	}

	b.WriteString("\n\nAvailable tools:\n")
	b.WriteString(toolCatalog)
	b.WriteString(`
Respond with ONLY one JSON object per turn, no markdown fences. Either a
tool call:
  {"action": "tool", "tool": "run_command", "command": "nmap -sV 10.0.0.5", "timeout_ms": 60000}
or a final verdict once the task is complete or clearly impossible:
  {"action": "final", "success": true, "summary": "what happened and what was learned"}

Report anything notable you observe with lines of the form:
  [FINDING] category: evidence
inside your final summary, and record session state worth keeping as:
  [STATE_UPDATE] key: value

You have a limited number of tool calls for this task, so make each one count.

Next action (JSON only):`)
	return b.String()
}

const toolCatalog = `- create_sandbox: start a fresh scratch container. Returns its sandbox_id.
- write_file: {"sandbox_id", "path", "content"} - write a file under the container scratch root (/tmp).
- run_command: {"sandbox_id", "command", "timeout_ms", "user"} - run a shell command in the container.
- kill_sandbox: {"sandbox_id"} - destroy a container when finished with it.
- http_request: {"method", "url", "headers", "body"} - direct HTTP probe from the host; response includes status line and headers.
- http_request_raw: {"raw_args": ["-X", "POST", ...]} - curl-style argument list for requests the structured form cannot express.
Omitting sandbox_id targets the default sandbox.
`
