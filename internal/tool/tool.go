// Package tool exposes the closed set of typed operations the executor may
// perform: sandbox lifecycle, file writes, command execution, and HTTP
// probes. The set is enumerated here and is not runtime-extensible; the
// tool-selection policy chooses among these names and nothing else.
package tool

import (
	"errors"
	"fmt"
	"strings"

	"github.com/probelab/pentagent/internal/sandbox"
	"github.com/probelab/pentagent/internal/types"
)

// Name identifies one operation in the closed tool set.
type Name string

const (
	NameCreateSandbox  Name = "create_sandbox"
	NameWriteFile      Name = "write_file"
	NameRunCommand     Name = "run_command"
	NameKillSandbox    Name = "kill_sandbox"
	NameHTTPRequest    Name = "http_request"
	NameHTTPRequestRaw Name = "http_request_raw"
)

// All lists every tool name, in the order they are described to the policy.
func All() []Name {
	return []Name{
		NameCreateSandbox,
		NameWriteFile,
		NameRunCommand,
		NameKillSandbox,
		NameHTTPRequest,
		NameHTTPRequestRaw,
	}
}

// Invocation is one concrete tool call selected by the policy. Exactly the
// fields relevant to the named tool are consulted; the rest are ignored.
type Invocation struct {
	Tool Name `json:"tool"`

	// Sandbox operations. SandboxID may be empty to target the preset.
	SandboxID string `json:"sandbox_id,omitempty"`
	Path      string `json:"path,omitempty"`
	Content   string `json:"content,omitempty"`
	Command   string `json:"command,omitempty"`
	TimeoutMs int    `json:"timeout_ms,omitempty"`
	User      string `json:"user,omitempty"`

	// HTTP operations.
	Method  string            `json:"method,omitempty"`
	URL     string            `json:"url,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`

	// RawArgs is the curl-style flat argument list for http_request_raw.
	RawArgs []string `json:"raw_args,omitempty"`
}

// Validate checks that the invocation names a known tool and carries the
// fields that tool requires.
func (inv *Invocation) Validate() error {
	switch inv.Tool {
	case NameCreateSandbox, NameKillSandbox:
		return nil
	case NameWriteFile:
		if strings.TrimSpace(inv.Path) == "" {
			return fmt.Errorf("write_file requires a path")
		}
		return nil
	case NameRunCommand:
		if strings.TrimSpace(inv.Command) == "" {
			return fmt.Errorf("run_command requires a command")
		}
		if inv.TimeoutMs < 0 {
			return fmt.Errorf("timeout_ms cannot be negative")
		}
		return nil
	case NameHTTPRequest:
		if strings.TrimSpace(inv.URL) == "" {
			return fmt.Errorf("http_request requires a url")
		}
		return nil
	case NameHTTPRequestRaw:
		if len(inv.RawArgs) == 0 {
			return fmt.Errorf("http_request_raw requires arguments")
		}
		return nil
	case "":
		return fmt.Errorf("invocation missing tool name")
	default:
		return fmt.Errorf("unknown tool %q", inv.Tool)
	}
}

// Result is the rendered outcome of one tool invocation, shaped for
// feeding back into the policy as an observation.
type Result struct {
	// ExitCode is the command exit code; 0 for non-command tools that succeed
	ExitCode int

	// Output is the textual observation (stdout/stderr, HTTP response, or
	// confirmation line)
	Output string

	// Stderr carries command stderr separately when available
	Stderr string

	// SandboxID is set by create_sandbox
	SandboxID string
}

// ClassifyError maps a tool invocation error to the error kind recorded on
// execution results. ToolErrors are captured, never raised past the executor.
func ClassifyError(err error) types.ErrorKind {
	switch {
	case errors.Is(err, sandbox.ErrTimeout):
		return types.ErrorKindTimeout
	case errors.Is(err, sandbox.ErrSandboxNotFound):
		return types.ErrorKindSandboxNotFound
	case errors.Is(err, sandbox.ErrInvalidPath):
		return types.ErrorKindInvalidPath
	case errors.Is(err, sandbox.ErrNoDefaultSandbox):
		return types.ErrorKindNoDefaultSandbox
	default:
		return types.ErrorKindToolFailure
	}
}
