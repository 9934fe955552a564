package tool

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/probelab/pentagent/internal/sandbox"
)

// Config holds tool layer configuration.
type Config struct {
	// DefaultRunTimeout bounds run_command calls that omit timeout_ms
	// (default: 120s, matching the sandbox backend's historical default)
	DefaultRunTimeout time.Duration

	// HTTPTimeout bounds http_request calls (default: 20s)
	DefaultHTTPTimeout time.Duration

	// MaxResponseBytes truncates HTTP bodies and command output fed back
	// into prompts (default: 64KiB)
	MaxResponseBytes int64
}

// DefaultConfig returns the default tool layer configuration.
func DefaultConfig() Config {
	return Config{
		DefaultRunTimeout:  120 * time.Second,
		DefaultHTTPTimeout: 20 * time.Second,
		MaxResponseBytes:   64 * 1024,
	}
}

// Layer routes tool invocations to the sandbox registry and the HTTP
// client. All executor side effects flow through here; nothing above this
// layer touches a container or socket directly.
type Layer struct {
	registry *sandbox.Registry
	client   *http.Client
	config   Config
}

// NewLayer creates a tool layer over the given registry.
func NewLayer(registry *sandbox.Registry, cfg Config) (*Layer, error) {
	if registry == nil {
		return nil, fmt.Errorf("sandbox registry is required")
	}
	def := DefaultConfig()
	if cfg.DefaultRunTimeout == 0 {
		cfg.DefaultRunTimeout = def.DefaultRunTimeout
	}
	if cfg.DefaultHTTPTimeout == 0 {
		cfg.DefaultHTTPTimeout = def.DefaultHTTPTimeout
	}
	if cfg.MaxResponseBytes == 0 {
		cfg.MaxResponseBytes = def.MaxResponseBytes
	}
	return &Layer{
		registry: registry,
		client:   &http.Client{Timeout: cfg.DefaultHTTPTimeout},
		config:   cfg,
	}, nil
}

// Registry exposes the underlying registry for coordinator cleanup.
func (l *Layer) Registry() *sandbox.Registry {
	return l.registry
}

// Invoke dispatches a validated invocation to the named tool.
func (l *Layer) Invoke(ctx context.Context, inv *Invocation) (*Result, error) {
	if err := inv.Validate(); err != nil {
		return nil, err
	}

	switch inv.Tool {
	case NameCreateSandbox:
		return l.createSandbox(ctx)
	case NameWriteFile:
		return l.writeFile(ctx, inv)
	case NameRunCommand:
		return l.runCommand(ctx, inv)
	case NameKillSandbox:
		return l.killSandbox(ctx, inv)
	case NameHTTPRequest:
		return l.httpRequest(ctx, inv.Method, inv.URL, inv.Headers, inv.Body)
	case NameHTTPRequestRaw:
		return l.httpRequestRaw(ctx, inv.RawArgs)
	default:
		return nil, fmt.Errorf("unknown tool %q", inv.Tool)
	}
}

func (l *Layer) createSandbox(ctx context.Context) (*Result, error) {
	inst, err := l.registry.Create(ctx)
	if err != nil {
		return nil, err
	}
	return &Result{
		SandboxID: inst.ID,
		Output:    fmt.Sprintf("sandbox %s created, scratch root %s", inst.ID, inst.MountPath),
	}, nil
}

func (l *Layer) writeFile(ctx context.Context, inv *Invocation) (*Result, error) {
	if err := l.registry.Write(ctx, inv.SandboxID, inv.Path, inv.Content); err != nil {
		return nil, err
	}
	return &Result{Output: fmt.Sprintf("wrote %d bytes to %s", len(inv.Content), inv.Path)}, nil
}

func (l *Layer) runCommand(ctx context.Context, inv *Invocation) (*Result, error) {
	timeout := l.config.DefaultRunTimeout
	if inv.TimeoutMs > 0 {
		timeout = time.Duration(inv.TimeoutMs) * time.Millisecond
	}

	out, err := l.registry.Run(ctx, inv.SandboxID, inv.Command, timeout, inv.User)
	if err != nil {
		return nil, err
	}
	return &Result{
		ExitCode: out.ExitCode,
		Output:   l.truncate(out.Stdout),
		Stderr:   l.truncate(out.Stderr),
	}, nil
}

func (l *Layer) killSandbox(ctx context.Context, inv *Invocation) (*Result, error) {
	id := inv.SandboxID
	if id == "" {
		id = l.registry.Preset()
		if id == "" {
			return nil, sandbox.ErrNoDefaultSandbox
		}
	}
	if err := l.registry.Destroy(ctx, id); err != nil {
		return nil, err
	}
	return &Result{Output: fmt.Sprintf("sandbox %s destroyed", id)}, nil
}

func (l *Layer) httpRequest(ctx context.Context, method, url string, headers map[string]string, body string) (*Result, error) {
	if method == "" {
		method = http.MethodGet
	}
	method = strings.ToUpper(method)

	var reqBody io.Reader
	if body != "" {
		reqBody = strings.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := l.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, l.config.MaxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	return &Result{Output: renderResponse(resp, string(data))}, nil
}

// renderResponse formats status line, headers, and body the way raw curl
// output looks, so header-derived facts (Set-Cookie) survive into the
// output the extractor and state manager scan.
func renderResponse(resp *http.Response, body string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "HTTP %d %s\n", resp.StatusCode, http.StatusText(resp.StatusCode))

	keys := make([]string, 0, len(resp.Header))
	for k := range resp.Header {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		for _, v := range resp.Header[k] {
			fmt.Fprintf(&b, "%s: %s\n", k, v)
		}
	}
	b.WriteString("\n")
	b.WriteString(body)
	return b.String()
}

func (l *Layer) truncate(s string) string {
	max := int(l.config.MaxResponseBytes)
	if len(s) <= max {
		return s
	}
	return s[:max] + "\n... (output truncated)"
}
