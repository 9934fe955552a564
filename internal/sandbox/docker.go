package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path"
	"strings"
)

// DefaultImage is the container image used when CreateOptions does not
// name one. Matches the throwaway tooling environment operators expect:
// python3 available for quick probe scripts.
const DefaultImage = "python:3.11-slim"

// DockerRuntime drives sandboxes through the docker CLI. It is the default
// Runtime implementation; the registry never depends on it directly, so a
// different backend can be swapped in at construction time.
type DockerRuntime struct {
	// Binary is the docker executable (default: "docker")
	Binary string
}

// NewDockerRuntime creates a docker CLI runtime.
func NewDockerRuntime() *DockerRuntime {
	return &DockerRuntime{Binary: "docker"}
}

// Create starts a detached container hardened for untrusted exploratory
// commands: all capabilities dropped, no privilege escalation, bounded
// memory and pids, and no network unless one is explicitly named.
func (d *DockerRuntime) Create(ctx context.Context, opts CreateOptions) (string, error) {
	image := opts.Image
	if image == "" {
		image = DefaultImage
	}

	args := []string{
		"run", "-d",
		"--cap-drop", "ALL",
		"--security-opt", "no-new-privileges",
		"--memory", "512m",
		"--pids-limit", "128",
	}
	if opts.Network != "" {
		args = append(args, "--network", opts.Network)
	} else {
		args = append(args, "--network", "none")
	}
	args = append(args, image, "sleep", "infinity")

	out, err := d.run(ctx, nil, args...)
	if err != nil {
		return "", fmt.Errorf("docker run failed: %w", err)
	}
	containerID := strings.TrimSpace(out)
	if containerID == "" {
		return "", fmt.Errorf("docker run produced no container id")
	}
	return containerID, nil
}

// Adopt confirms an externally created container exists and is running.
func (d *DockerRuntime) Adopt(ctx context.Context, backendID string) error {
	out, err := d.run(ctx, nil, "inspect", "-f", "{{.State.Running}}", backendID)
	if err != nil {
		// Full ids from other tooling are sometimes truncated; retry with
		// the docker short id before giving up.
		if len(backendID) > 12 {
			out, err = d.run(ctx, nil, "inspect", "-f", "{{.State.Running}}", backendID[:12])
		}
		if err != nil {
			return fmt.Errorf("container %s not found: %w", backendID, err)
		}
	}
	if strings.TrimSpace(out) != "true" {
		return fmt.Errorf("container %s is not running", backendID)
	}
	return nil
}

// Exec runs a command in the container's scratch directory. Nonzero exits
// are reported in the output, not as errors; the context deadline kills the
// docker exec process so a runaway command cannot hang the loop.
func (d *DockerRuntime) Exec(ctx context.Context, backendID, command, user string) (*ExecOutput, error) {
	args := []string{
		"exec",
		"-u", user,
		"-w", DefaultScratchRoot,
		backendID,
		"sh", "-c", command,
	}

	cmd := exec.CommandContext(ctx, d.Binary, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	out := &ExecOutput{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			out.ExitCode = exitErr.ExitCode()
			return out, nil
		}
		return nil, fmt.Errorf("docker exec failed: %w", err)
	}
	return out, nil
}

// WriteFile writes content to a path in the container by streaming it over
// stdin, which keeps arbitrary payload bytes intact without shell quoting.
func (d *DockerRuntime) WriteFile(ctx context.Context, backendID, filePath, content string) error {
	dir := path.Dir(filePath)
	script := fmt.Sprintf("mkdir -p %s && cat > %s", shellQuote(dir), shellQuote(filePath))

	_, err := d.run(ctx, strings.NewReader(content), "exec", "-i", backendID, "sh", "-c", script)
	if err != nil {
		return fmt.Errorf("docker write failed: %w", err)
	}
	return nil
}

// Destroy force-removes the container. A missing container is treated as
// already destroyed.
func (d *DockerRuntime) Destroy(ctx context.Context, backendID string) error {
	_, err := d.run(ctx, nil, "rm", "-f", backendID)
	if err != nil && !strings.Contains(err.Error(), "No such container") {
		return fmt.Errorf("docker rm failed: %w", err)
	}
	return nil
}

// run executes a docker CLI command and returns stdout. Stderr is folded
// into the error.
func (d *DockerRuntime) run(ctx context.Context, stdin *strings.Reader, args ...string) (string, error) {
	binary := d.Binary
	if binary == "" {
		binary = "docker"
	}

	cmd := exec.CommandContext(ctx, binary, args...)
	if stdin != nil {
		cmd.Stdin = stdin
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("%w (output: %s)", err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

// shellQuote single-quotes a string for sh -c, escaping embedded quotes.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}
