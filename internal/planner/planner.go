// Package planner turns the goal and the current engagement state into an
// ordered task list. It owns the planning prompts and the parsing of model
// output into tasks; it never mutates state itself.
package planner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/probelab/pentagent/internal/ai"
	"github.com/probelab/pentagent/internal/state"
	"github.com/probelab/pentagent/internal/types"
)

// ErrPlanning marks a planning failure. Unlike tool errors these escalate
// to the coordinator, which counts them toward its planning-failure cap.
var ErrPlanning = errors.New("planning failed")

// Completer is the slice of the AI client the planner uses.
type Completer interface {
	Complete(ctx context.Context, operation, prompt string, maxTokens int64) (string, ai.Usage, error)
}

// Config holds planner configuration.
type Config struct {
	// MaxTasks caps the number of tasks accepted from a single plan
	// (default: 10)
	MaxTasks int

	// PlanTimeout bounds one planning call including JSON retries
	// (default: 5m)
	PlanTimeout time.Duration
}

// DefaultConfig returns the default planner configuration.
func DefaultConfig() Config {
	return Config{
		MaxTasks:    10,
		PlanTimeout: 5 * time.Minute,
	}
}

// Planner produces task lists from goals and snapshots.
type Planner struct {
	client Completer
	config Config
}

// New creates a planner over the given completer.
func New(client Completer, cfg Config) (*Planner, error) {
	if client == nil {
		return nil, fmt.Errorf("completer is required")
	}
	def := DefaultConfig()
	if cfg.MaxTasks == 0 {
		cfg.MaxTasks = def.MaxTasks
	}
	if cfg.PlanTimeout == 0 {
		cfg.PlanTimeout = def.PlanTimeout
	}
	return &Planner{client: client, config: cfg}, nil
}

// plannedTask is the JSON shape the model returns for one task. The id is
// only meaningful when it names a task that already exists; the state
// manager mints ids for everything else.
type plannedTask struct {
	ID          string `json:"id,omitempty"`
	Description string `json:"description"`
}

// InitialPlan produces the opening task list for a goal. An empty plan at
// this stage is a planning failure; there is nothing to fall back to.
func (p *Planner) InitialPlan(ctx context.Context, goal string) ([]*types.Task, error) {
	if strings.TrimSpace(goal) == "" {
		return nil, fmt.Errorf("%w: empty goal", ErrPlanning)
	}

	prompt := p.buildInitialPrompt(goal)
	tasks, err := p.requestPlan(ctx, "initial-plan", prompt)
	if err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return nil, fmt.Errorf("%w: model returned an empty initial plan", ErrPlanning)
	}
	return tasks, nil
}

// Replan produces a revised task list from the current snapshot. An empty
// list is a valid answer here: it means the model sees nothing further
// worth trying, and the coordinator treats it as exhaustion.
func (p *Planner) Replan(ctx context.Context, snap *state.PlanningSnapshot) ([]*types.Task, error) {
	if snap == nil {
		return nil, fmt.Errorf("%w: nil snapshot", ErrPlanning)
	}

	prompt := p.buildReplanPrompt(snap)
	return p.requestPlan(ctx, "replan", prompt)
}

// requestPlan runs one planning call with the JSON parse retry loop: network
// and rate-limit errors are retried inside the client, malformed JSON is
// retried here with a clarified prompt.
func (p *Planner) requestPlan(ctx context.Context, operation, prompt string) ([]*types.Task, error) {
	ctx, cancel := context.WithTimeout(ctx, p.config.PlanTimeout)
	defer cancel()

	const maxJSONRetries = 2
	var lastParseError string

	for jsonRetry := 0; jsonRetry <= maxJSONRetries; jsonRetry++ {
		currentPrompt := prompt
		if jsonRetry > 0 {
			currentPrompt = fmt.Sprintf(`%s

IMPORTANT - Previous Response Had JSON Parse Error:
Your previous response failed to parse with error: %s

Please ensure your response is ONLY raw JSON (no markdown fences, no extra text).
The JSON must be valid and match the exact schema specified above.`, prompt, lastParseError)
			fmt.Printf("JSON parse failed (attempt %d/%d), retrying with clarified prompt\n", jsonRetry, maxJSONRetries+1)
		}

		responseText, _, err := p.client.Complete(ctx, operation, currentPrompt, 8192)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrPlanning, err)
		}

		parseResult := ai.Parse[[]plannedTask](responseText, ai.ParseOptions{
			Context:   operation + " response",
			LogErrors: true,
		})
		if parseResult.Success {
			return p.toTasks(parseResult.Data), nil
		}

		lastParseError = parseResult.Error
		fmt.Fprintf(os.Stderr, "JSON parse error (attempt %d/%d): %s\n", jsonRetry+1, maxJSONRetries+1, lastParseError)

		if jsonRetry == maxJSONRetries {
			return nil, fmt.Errorf("%w: unparseable response after %d attempts: %s",
				ErrPlanning, maxJSONRetries+1, lastParseError)
		}

		// Brief pause before JSON retry (not exponential, just 1 second)
		time.Sleep(1 * time.Second)
	}

	return nil, fmt.Errorf("%w: no valid plan after %d attempts", ErrPlanning, maxJSONRetries+1)
}

// toTasks converts parsed model output into pending tasks, dropping blank
// entries and enforcing the plan size cap.
func (p *Planner) toTasks(planned []plannedTask) []*types.Task {
	tasks := make([]*types.Task, 0, len(planned))
	for _, pt := range planned {
		desc := strings.TrimSpace(pt.Description)
		if desc == "" {
			continue
		}
		tasks = append(tasks, &types.Task{
			ID:          strings.TrimSpace(pt.ID),
			Description: desc,
			Status:      types.TaskStatusPending,
		})
		if len(tasks) == p.config.MaxTasks {
			break
		}
	}
	return tasks
}

func (p *Planner) buildInitialPrompt(goal string) string {
	var b strings.Builder
	b.WriteString(`You are the planning component of an authorized penetration test.
The engagement runs inside isolated scratch containers against targets the
operator has explicit permission to probe.

Goal:
`)
	b.WriteString(goal)
	b.WriteString(`

Produce an ordered reconnaissance-first task list for achieving this goal.
Each task must be one concrete, independently executable step (one scan, one
probe, one exploit attempt). Start broad and narrow down; do not assume
knowledge you have not gathered yet.

Respond with ONLY a JSON array, no markdown fences:
[
  {"description": "task description"},
  ...
]

Keep the list short and focused (at most ` + fmt.Sprint(p.config.MaxTasks) + ` tasks).`)
	return b.String()
}

func (p *Planner) buildReplanPrompt(snap *state.PlanningSnapshot) string {
	var b strings.Builder
	b.WriteString(`You are the planning component of an authorized penetration test.
You are revising the task list mid-engagement based on what has happened so far.

Goal:
`)
	b.WriteString(snap.Goal)
	b.WriteString("\n\nCurrent tasks:\n")
	b.WriteString(formatTasks(snap.Tasks))

	b.WriteString("\nSession facts (gathered so far):\n")
	b.WriteString(state.FormatFacts(snap.Facts))

	b.WriteString("\n\nFindings so far:\n")
	b.WriteString(formatFindings(snap.Findings))

	b.WriteString("\nRecent execution history:\n")
	b.WriteString(formatHistory(snap.History))

	if snap.ConsecutiveFailures > 0 {
		fmt.Fprintf(&b, "\nThe last %d task(s) failed in a row. Change approach rather than retrying the same technique.\n", snap.ConsecutiveFailures)
	}

	b.WriteString(`
Produce the revised task list. Rules:
- Do NOT include tasks that are already done; completed work is preserved automatically.
- To retry a known task with a better approach, reuse its exact id and rewrite its description.
- New tasks need only a description; leave the id out.
- If every worthwhile avenue has been tried and the goal is out of reach, respond with an empty array [].

Respond with ONLY a JSON array, no markdown fences:
[
  {"id": "task-1a2b3c4d", "description": "revised description for an existing task"},
  {"description": "a new task"}
]

Keep the list short and focused (at most ` + fmt.Sprint(p.config.MaxTasks) + ` tasks).`)
	return b.String()
}

func formatTasks(tasks []*types.Task) string {
	if len(tasks) == 0 {
		return "(none)\n"
	}
	var b strings.Builder
	for _, t := range tasks {
		fmt.Fprintf(&b, "- [%s] %s: %s\n", t.Status, t.ID, t.Description)
	}
	return b.String()
}

func formatFindings(findings []*types.Finding) string {
	if len(findings) == 0 {
		return "(none)\n"
	}
	var b strings.Builder
	for _, f := range findings {
		fmt.Fprintf(&b, "- [%s] %s: %s\n", f.Severity, f.Category, truncateLine(f.Evidence, 200))
	}
	return b.String()
}

// formatHistory renders the tail of the execution history. Older entries
// are summarized away to keep the prompt bounded.
func formatHistory(history []*types.ExecutionResult) string {
	const tail = 5
	if len(history) == 0 {
		return "(none)\n"
	}

	var b strings.Builder
	if len(history) > tail {
		fmt.Fprintf(&b, "(%d earlier results omitted)\n", len(history)-tail)
		history = history[len(history)-tail:]
	}
	for _, res := range history {
		status := "ok"
		if res.Failed() {
			status = "FAILED"
		}
		detail := res.Stdout
		if res.Err != nil {
			detail = res.Err.Message
		} else if res.ExitCode != 0 && res.Stderr != "" {
			detail = res.Stderr
		}
		fmt.Fprintf(&b, "- %s (%s, exit %d): %s\n", res.TaskID, status, res.ExitCode, truncateLine(detail, 300))
	}
	return b.String()
}

func truncateLine(s string, maxLen int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
