// Package findings turns raw execution output into structured findings.
// Marker lines emitted by the executor are always parsed; a cheap model
// pass supplements them with anything notable the markers missed. The
// model pass is best-effort: when it fails, extraction degrades to
// marker-only instead of failing the step.
package findings

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/probelab/pentagent/internal/ai"
	"github.com/probelab/pentagent/internal/types"
)

// newFindingID mints an identifier for a freshly extracted finding.
func newFindingID() string {
	return "finding-" + uuid.New().String()[:8]
}

var (
	// [FINDING] category: evidence / [DISCOVERY] category: evidence
	markerRegex = regexp.MustCompile(`(?m)^\s*\[(?:FINDING|DISCOVERY)\]\s*(?:([A-Za-z0-9_\- ]+?)\s*:)?\s*(.+?)\s*$`)

	// [FLAG] value
	flagMarkerRegex = regexp.MustCompile(`(?m)^\s*\[FLAG\]\s*:?\s*(.+?)\s*$`)

	// Bare CTF-style flags anywhere in output
	flagPatternRegex = regexp.MustCompile(`(?i)\bflag\{[^}\n]{1,256}\}`)
)

// Completer is the slice of the AI client the extractor uses. Extraction is
// a classification pass, so it runs on the cheap model tier.
type Completer interface {
	CompleteWithModel(ctx context.Context, operation, model, prompt string, maxTokens int64) (string, ai.Usage, error)
}

// Config holds extractor configuration.
type Config struct {
	// Model for the supplemental pass (default: ai.GetSimpleTaskModel())
	Model string

	// DisableModelPass turns off the supplemental pass, leaving marker
	// extraction only
	DisableModelPass bool

	// MaxOutputBytes caps how much execution output is sent to the model
	// (default: 24KiB)
	MaxOutputBytes int
}

// DefaultConfig returns the default extractor configuration.
func DefaultConfig() Config {
	return Config{
		Model:          ai.GetSimpleTaskModel(),
		MaxOutputBytes: 24 * 1024,
	}
}

// Extractor scans execution results for findings.
type Extractor struct {
	client Completer
	config Config
}

// New creates an extractor. A nil client disables the model pass.
func New(client Completer, cfg Config) *Extractor {
	def := DefaultConfig()
	if cfg.Model == "" {
		cfg.Model = def.Model
	}
	if cfg.MaxOutputBytes == 0 {
		cfg.MaxOutputBytes = def.MaxOutputBytes
	}
	if client == nil {
		cfg.DisableModelPass = true
	}
	return &Extractor{client: client, config: cfg}
}

// modelFinding is the JSON shape the supplemental pass returns.
type modelFinding struct {
	Category string `json:"category"`
	Severity string `json:"severity"`
	Evidence string `json:"evidence"`
}

// Extract returns the findings present in one execution result, deduplicated
// within the batch by fingerprint. Callers dedup against run history when
// they record them.
func (e *Extractor) Extract(ctx context.Context, goal string, step int, res *types.ExecutionResult) []*types.Finding {
	if res == nil {
		return nil
	}
	output := res.Stdout
	if res.Stderr != "" {
		output += "\n" + res.Stderr
	}

	found := e.extractMarkers(output, res.TaskID, step)

	if !e.config.DisableModelPass {
		supplemental, err := e.modelPass(ctx, goal, output, res.TaskID, step)
		if err != nil {
			fmt.Fprintf(os.Stderr, "warning: finding extraction model pass failed, keeping marker results: %v\n", err)
		} else {
			found = append(found, supplemental...)
		}
	}

	return dedupeBatch(found)
}

// extractMarkers parses the explicit marker lines and bare flags.
func (e *Extractor) extractMarkers(output, taskID string, step int) []*types.Finding {
	var found []*types.Finding

	for _, m := range markerRegex.FindAllStringSubmatch(output, -1) {
		category := strings.ToLower(strings.TrimSpace(m[1]))
		evidence := strings.TrimSpace(m[2])
		if evidence == "" {
			continue
		}
		if category == "" {
			category = "observation"
		}
		found = append(found, &types.Finding{
			ID:               newFindingID(),
			Category:         category,
			Severity:         severityFor(category),
			Evidence:         evidence,
			SourceTaskID:     taskID,
			DiscoveredAtStep: step,
		})
	}

	for _, m := range flagMarkerRegex.FindAllStringSubmatch(output, -1) {
		value := strings.TrimSpace(m[1])
		if value == "" {
			continue
		}
		found = append(found, flagFinding(value, taskID, step))
	}

	for _, value := range flagPatternRegex.FindAllString(output, -1) {
		found = append(found, flagFinding(value, taskID, step))
	}

	return found
}

func flagFinding(value, taskID string, step int) *types.Finding {
	return &types.Finding{
		ID:               newFindingID(),
		Category:         types.CategoryFlag,
		Severity:         types.SeverityCritical,
		Evidence:         value,
		SourceTaskID:     taskID,
		DiscoveredAtStep: step,
	}
}

// severityFor assigns a default severity by category for marker findings.
// The model pass carries its own severities; markers only say what, not how
// bad, so exploitation categories get bumped.
func severityFor(category string) types.Severity {
	switch category {
	case "flag", "rce", "sqli", "auth_bypass", "credential", "credentials":
		return types.SeverityHigh
	case "recon", "observation", "discovery":
		return types.SeverityInfo
	default:
		return types.SeverityMedium
	}
}

func (e *Extractor) modelPass(ctx context.Context, goal, output, taskID string, step int) ([]*types.Finding, error) {
	if strings.TrimSpace(output) == "" {
		return nil, nil
	}
	if len(output) > e.config.MaxOutputBytes {
		output = output[:e.config.MaxOutputBytes] + "\n... (truncated)"
	}

	prompt := fmt.Sprintf(`You are reviewing output from one step of an authorized penetration test.

Goal: %s

Step output:
---
%s
---

List security-relevant findings in this output: exposed services, leaked
credentials, injectable parameters, version disclosures, captured flags.
Skip routine output with nothing notable; an empty list is a fine answer.

Respond with ONLY a JSON array, no markdown fences:
[
  {"category": "short_snake_case_category", "severity": "info|low|medium|high|critical", "evidence": "the concrete evidence"}
]`, goal, output)

	responseText, _, err := e.client.CompleteWithModel(ctx, "extract-findings", e.config.Model, prompt, 2048)
	if err != nil {
		return nil, err
	}

	parsed := ai.Parse[[]modelFinding](responseText, ai.ParseOptions{
		Context:   "finding extraction response",
		LogErrors: true,
	})
	if !parsed.Success {
		return nil, fmt.Errorf("unparseable extraction response: %s", parsed.Error)
	}

	var found []*types.Finding
	for _, mf := range parsed.Data {
		evidence := strings.TrimSpace(mf.Evidence)
		category := strings.ToLower(strings.TrimSpace(mf.Category))
		if evidence == "" || category == "" {
			continue
		}
		// ParseSeverity maps anything unrecognized to info, so an invented
		// severity from the model can never trigger a replan on its own.
		found = append(found, &types.Finding{
			ID:               newFindingID(),
			Category:         category,
			Severity:         types.ParseSeverity(mf.Severity),
			Evidence:         evidence,
			SourceTaskID:     taskID,
			DiscoveredAtStep: step,
		})
	}
	return found, nil
}

// dedupeBatch drops findings whose fingerprint already appeared earlier in
// the same batch, keeping first occurrence order.
func dedupeBatch(found []*types.Finding) []*types.Finding {
	seen := make(map[string]bool, len(found))
	out := found[:0]
	for _, f := range found {
		fp := f.Fingerprint()
		if seen[fp] {
			continue
		}
		seen[fp] = true
		out = append(out, f)
	}
	return out
}
