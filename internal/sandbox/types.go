// Package sandbox tracks the isolated execution environments a run uses.
// The Registry is the single authority for sandbox lifecycle: everything
// above it (the tool layer, the executor, the coordinator's cleanup) talks
// to sandboxes exclusively through registry ids.
package sandbox

import (
	"context"
	"errors"
	"time"
)

// Status represents the lifecycle state of a sandbox.
// Creation and destruction are the only transitions; there is no pausing.
type Status string

const (
	// StatusLive indicates the sandbox accepts writes and commands
	StatusLive Status = "live"

	// StatusDestroyed indicates the backing environment is gone.
	// Operations against a destroyed sandbox fail fast with ErrSandboxNotFound.
	StatusDestroyed Status = "destroyed"
)

// Instance is the registry's record of one sandbox.
type Instance struct {
	// ID is the registry identifier tools address the sandbox by
	ID string

	// MountPath is the scratch root inside the sandbox; all file writes
	// must resolve under it
	MountPath string

	// CreatedAt is when the sandbox was created or adopted
	CreatedAt time.Time

	// Status is the current lifecycle state
	Status Status

	// backendID is the runtime's handle (e.g. a container id). Unexported:
	// callers address sandboxes by registry id only.
	backendID string
}

// ExecOutput is the raw result of running a command inside a sandbox.
type ExecOutput struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// CreateOptions configures a new sandbox environment.
type CreateOptions struct {
	// Image is the container image to run (default applied by the runtime)
	Image string

	// Network is the network to attach. Empty means network disabled;
	// exploratory commands that must reach the target name its network.
	Network string
}

// Runtime is the container backend boundary. The registry owns which
// sandbox ids exist and whether they are live; the runtime only materializes
// and tears down the underlying environments. Implementations must terminate
// the underlying process when the context expires rather than letting an
// Exec call hang.
type Runtime interface {
	// Create materializes a new environment and returns its backend handle.
	Create(ctx context.Context, opts CreateOptions) (string, error)

	// Adopt verifies an externally created environment exists and is usable.
	// Used when the operator supplies a preset sandbox id from outside.
	Adopt(ctx context.Context, backendID string) error

	// Exec runs a command in the environment's scratch directory.
	// A nonzero exit code is reported in ExecOutput, not as an error.
	Exec(ctx context.Context, backendID, command, user string) (*ExecOutput, error)

	// WriteFile writes content to a path inside the environment.
	WriteFile(ctx context.Context, backendID, path, content string) error

	// Destroy tears the environment down. Destroying an already-gone
	// environment is not an error.
	Destroy(ctx context.Context, backendID string) error
}

// Sentinel errors for the registry contract. The tool layer maps these to
// the error kinds recorded on execution results.
var (
	// ErrSandboxNotFound is returned for unknown or destroyed sandbox ids
	ErrSandboxNotFound = errors.New("sandbox not found")

	// ErrNoDefaultSandbox is returned when an operation omits the sandbox id
	// and no preset sandbox is configured
	ErrNoDefaultSandbox = errors.New("no default sandbox set")

	// ErrInvalidPath is returned when a write path escapes the scratch root
	ErrInvalidPath = errors.New("path outside sandbox scratch root")

	// ErrTimeout is returned when a command exceeds its deadline
	ErrTimeout = errors.New("command timed out")
)
