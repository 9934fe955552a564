package types

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// Severity ranks how security-relevant a finding is.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// severityRank orders severities for comparison. Unknown severities rank
// below info so malformed extractor output never triggers a replan.
var severityRank = map[Severity]int{
	SeverityInfo:     1,
	SeverityLow:      2,
	SeverityMedium:   3,
	SeverityHigh:     4,
	SeverityCritical: 5,
}

// AtLeast reports whether s ranks at or above other.
func (s Severity) AtLeast(other Severity) bool {
	return severityRank[s] >= severityRank[other]
}

// ParseSeverity normalizes a severity string from extractor output.
// Unrecognized values default to info.
func ParseSeverity(s string) Severity {
	switch Severity(strings.ToLower(strings.TrimSpace(s))) {
	case SeverityLow:
		return SeverityLow
	case SeverityMedium:
		return SeverityMedium
	case SeverityHigh:
		return SeverityHigh
	case SeverityCritical:
		return SeverityCritical
	default:
		return SeverityInfo
	}
}

// CategoryFlag marks a goal-achieved finding. Recording a finding of this
// category terminates the run with OutcomeGoalAchieved.
const CategoryFlag = "flag"

// Finding is a structured record of a discovered security-relevant fact.
// The findings set grows monotonically within a run and is deduplicated
// by content fingerprint before insertion.
type Finding struct {
	// ID is a unique identifier for this finding
	ID string `json:"id"`

	// Category groups findings (e.g. "idor", "xss", "credentials", "flag")
	Category string `json:"category"`

	// Severity ranks the finding
	Severity Severity `json:"severity"`

	// Evidence is the raw excerpt that supports the finding
	Evidence string `json:"evidence"`

	// SourceTaskID is the task whose output produced this finding
	SourceTaskID string `json:"source_task_id"`

	// DiscoveredAtStep is the coordinator step at which it was recorded
	DiscoveredAtStep int `json:"discovered_at_step"`
}

// Fingerprint computes the content fingerprint used for deduplication:
// sha256 over the category and the normalized evidence. Two findings with
// equal fingerprints are the same finding regardless of whitespace or
// casing differences in the evidence text.
func (f *Finding) Fingerprint() string {
	h := sha256.New()
	h.Write([]byte(strings.ToLower(strings.TrimSpace(f.Category))))
	h.Write([]byte{0})
	h.Write([]byte(NormalizeEvidence(f.Evidence)))
	return hex.EncodeToString(h.Sum(nil))
}

// NormalizeEvidence lowercases evidence and collapses all whitespace runs
// to single spaces. The normalization rule is fixed: changing it would
// silently re-admit findings deduplicated under the old rule.
func NormalizeEvidence(evidence string) string {
	return strings.ToLower(strings.Join(strings.Fields(evidence), " "))
}

// Validate checks that the finding is well formed.
func (f *Finding) Validate() error {
	if f.ID == "" {
		return fmt.Errorf("finding ID cannot be empty")
	}
	if strings.TrimSpace(f.Category) == "" {
		return fmt.Errorf("finding %s: category cannot be empty", f.ID)
	}
	if strings.TrimSpace(f.Evidence) == "" {
		return fmt.Errorf("finding %s: evidence cannot be empty", f.ID)
	}
	if f.DiscoveredAtStep < 0 {
		return fmt.Errorf("finding %s: discovered_at_step cannot be negative", f.ID)
	}
	return nil
}
