package sandbox

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultScratchRoot is the in-sandbox directory file writes are confined to.
const DefaultScratchRoot = "/tmp"

// Config holds registry configuration.
type Config struct {
	// ScratchRoot is the allowed root for file writes (default: /tmp)
	ScratchRoot string

	// PresetID optionally names a sandbox created outside this process.
	// Operations that omit a sandbox id target the preset. The id is
	// adopted via the runtime on first use.
	PresetID string

	// DefaultCreate is applied to Create calls (image, network)
	DefaultCreate CreateOptions
}

// Registry tracks live sandboxes and enforces the lifecycle contract:
// operations on unknown or destroyed ids fail fast, writes stay under the
// scratch root, and at most one preset sandbox is designated at a time.
//
// The registry is safe for concurrent use. The default coordinator loop is
// single-threaded, but the executor writes through the registry while the
// coordinator reads it for cleanup, so the lock is load-bearing the moment
// the surrounding application parallelizes executor calls.
type Registry struct {
	mu        sync.Mutex
	runtime   Runtime
	instances map[string]*Instance
	preset    string
	config    Config
}

// NewRegistry creates a registry backed by the given runtime.
func NewRegistry(runtime Runtime, cfg Config) (*Registry, error) {
	if runtime == nil {
		return nil, fmt.Errorf("runtime is required")
	}
	if cfg.ScratchRoot == "" {
		cfg.ScratchRoot = DefaultScratchRoot
	}
	if !path.IsAbs(cfg.ScratchRoot) {
		return nil, fmt.Errorf("scratch root must be absolute (got %q)", cfg.ScratchRoot)
	}
	return &Registry{
		runtime:   runtime,
		instances: make(map[string]*Instance),
		preset:    cfg.PresetID,
		config:    cfg,
	}, nil
}

// Create materializes a new sandbox and registers it as Live.
func (r *Registry) Create(ctx context.Context) (*Instance, error) {
	backendID, err := r.runtime.Create(ctx, r.config.DefaultCreate)
	if err != nil {
		return nil, fmt.Errorf("failed to create sandbox environment: %w", err)
	}

	inst := &Instance{
		ID:        uuid.New().String(),
		MountPath: r.config.ScratchRoot,
		CreatedAt: time.Now(),
		Status:    StatusLive,
		backendID: backendID,
	}

	r.mu.Lock()
	r.instances[inst.ID] = inst
	if r.preset == "" {
		// First sandbox of the run becomes the implicit default, matching
		// how operators expect id-less tool calls to behave.
		r.preset = inst.ID
	}
	r.mu.Unlock()

	cp := *inst
	return &cp, nil
}

// SetPreset designates the sandbox targeted by id-less operations.
// Passing an empty id clears the preset.
func (r *Registry) SetPreset(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.preset = id
}

// Preset returns the current preset sandbox id, if any.
func (r *Registry) Preset() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.preset
}

// Get returns a copy of the instance record for an id.
func (r *Registry) Get(id string) (*Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.instances[id]
	if !ok {
		return nil, fmt.Errorf("sandbox %s: %w", id, ErrSandboxNotFound)
	}
	cp := *inst
	return &cp, nil
}

// List returns copies of all known instance records, including destroyed ones.
func (r *Registry) List() []*Instance {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Instance, 0, len(r.instances))
	for _, inst := range r.instances {
		cp := *inst
		out = append(out, &cp)
	}
	return out
}

// Write writes content to a path inside a sandbox. An empty id targets the
// preset sandbox. The path must resolve under the scratch root.
func (r *Registry) Write(ctx context.Context, id, filePath, content string) error {
	inst, err := r.resolve(ctx, id)
	if err != nil {
		return err
	}

	cleaned, err := r.validatePath(filePath)
	if err != nil {
		return err
	}

	if err := r.runtime.WriteFile(ctx, inst.backendID, cleaned, content); err != nil {
		return fmt.Errorf("failed to write %s in sandbox %s: %w", cleaned, inst.ID, err)
	}
	return nil
}

// Run executes a command inside a sandbox with the given timeout. On expiry
// the underlying process is terminated and the call returns ErrTimeout; a
// run call never hangs the loop. An empty id targets the preset sandbox.
func (r *Registry) Run(ctx context.Context, id, command string, timeout time.Duration, user string) (*ExecOutput, error) {
	inst, err := r.resolve(ctx, id)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(command) == "" {
		return nil, fmt.Errorf("command cannot be empty")
	}
	if user == "" {
		user = "root"
	}

	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	out, err := r.runtime.Exec(runCtx, inst.backendID, command, user)
	if err != nil {
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, fmt.Errorf("command exceeded %v: %w", timeout, ErrTimeout)
		}
		return nil, fmt.Errorf("failed to run command in sandbox %s: %w", inst.ID, err)
	}
	return out, nil
}

// Destroy tears down a sandbox and marks it Destroyed. Destroying an
// already-destroyed sandbox is a no-op success; the record is kept so later
// operations against the id still fail with ErrSandboxNotFound rather than
// resurrecting it.
func (r *Registry) Destroy(ctx context.Context, id string) error {
	r.mu.Lock()
	inst, ok := r.instances[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("sandbox %s: %w", id, ErrSandboxNotFound)
	}
	if inst.Status == StatusDestroyed {
		r.mu.Unlock()
		return nil
	}
	backendID := inst.backendID
	inst.Status = StatusDestroyed
	if r.preset == id {
		r.preset = ""
	}
	r.mu.Unlock()

	if err := r.runtime.Destroy(ctx, backendID); err != nil {
		return fmt.Errorf("failed to destroy sandbox %s: %w", id, err)
	}
	return nil
}

// DestroyAll tears down every Live sandbox. Called by the coordinator on
// termination; no sandbox may outlive its owning run.
func (r *Registry) DestroyAll(ctx context.Context) error {
	r.mu.Lock()
	var live []string
	for id, inst := range r.instances {
		if inst.Status == StatusLive {
			live = append(live, id)
		}
	}
	r.mu.Unlock()

	var lastErr error
	for _, id := range live {
		if err := r.Destroy(ctx, id); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// resolve maps an optional id to a live instance. Empty id means the preset;
// a preset that was supplied externally is adopted on first use.
func (r *Registry) resolve(ctx context.Context, id string) (*Instance, error) {
	r.mu.Lock()
	if id == "" {
		if r.preset == "" {
			r.mu.Unlock()
			return nil, ErrNoDefaultSandbox
		}
		id = r.preset
	}

	if inst, ok := r.instances[id]; ok {
		if inst.Status == StatusDestroyed {
			r.mu.Unlock()
			return nil, fmt.Errorf("sandbox %s is destroyed: %w", id, ErrSandboxNotFound)
		}
		cp := *inst
		r.mu.Unlock()
		return &cp, nil
	}

	isPreset := id == r.preset
	r.mu.Unlock()

	if !isPreset {
		return nil, fmt.Errorf("sandbox %s: %w", id, ErrSandboxNotFound)
	}

	// Preset ids may name an environment created outside this process
	// (e.g. a CTF-provided container). Adopt it into the registry.
	if err := r.runtime.Adopt(ctx, id); err != nil {
		return nil, fmt.Errorf("preset sandbox %s could not be adopted: %w", id, ErrSandboxNotFound)
	}

	inst := &Instance{
		ID:        id,
		MountPath: r.config.ScratchRoot,
		CreatedAt: time.Now(),
		Status:    StatusLive,
		backendID: id,
	}

	r.mu.Lock()
	r.instances[id] = inst
	cp := *inst
	r.mu.Unlock()

	fmt.Printf("Sandbox: adopted preset environment %s\n", shortID(id))
	return &cp, nil
}

// validatePath cleans a write path and confirms it stays under the scratch
// root. Relative paths are rooted at the scratch root.
func (r *Registry) validatePath(filePath string) (string, error) {
	p := strings.TrimSpace(filePath)
	if p == "" {
		return "", fmt.Errorf("empty path: %w", ErrInvalidPath)
	}
	if !path.IsAbs(p) {
		p = path.Join(r.config.ScratchRoot, p)
	}
	cleaned := path.Clean(p)

	root := strings.TrimSuffix(r.config.ScratchRoot, "/")
	if cleaned != root && !strings.HasPrefix(cleaned, root+"/") {
		return "", fmt.Errorf("%s resolves outside %s: %w", filePath, root, ErrInvalidPath)
	}
	if cleaned == root {
		return "", fmt.Errorf("%s is the scratch root itself, not a file: %w", filePath, ErrInvalidPath)
	}
	return cleaned, nil
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
