package ai

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
)

// Pre-compiled patterns; compiling on every parse is much slower.
var (
	// Code fence patterns. Newlines are optional because models sometimes
	// omit them around the fence.
	codeFenceStartRegex = regexp.MustCompile(`(?s)^` + "`" + `{3}(?:json|javascript|js)?\s*\n?([\s\S]*?)\n?` + "`" + `{3}\s*$`)
	codeFenceAnyRegex   = regexp.MustCompile(`(?s)` + "`" + `{3}(?:json|javascript|js)?\s*\n?([\s\S]*?)\n?` + "`" + `{3}`)

	// JSON cleanup patterns
	trailingCommaRegex     = regexp.MustCompile(`,(\s*[}\]])`)
	unquotedKeyRegex       = regexp.MustCompile(`([{,]\s*)([a-zA-Z_$][a-zA-Z0-9_$]*)\s*:`)
	singleLineCommentRegex = regexp.MustCompile(`(?m)//.*$`)
	multiLineCommentRegex  = regexp.MustCompile(`(?s)/\*.*?\*/`)

	// JSON extraction patterns (greedy to capture nested structures)
	objectRegex = regexp.MustCompile(`(?s)\{[\s\S]*\}`)
	arrayRegex  = regexp.MustCompile(`(?s)\[[\s\S]*\]`)
)

// ParseResult is the outcome of one parse attempt. A result value rather
// than an error keeps the original text attached for retry prompts.
type ParseResult[T any] struct {
	Success      bool
	Data         T
	Error        string
	OriginalText string
}

// ParseOptions configures JSON parsing behavior.
type ParseOptions struct {
	Context      string // Context for error messages
	LogErrors    bool   // Log parsing errors
	MaxInputSize int    // Maximum input size in bytes (0 = default 10MB)
}

const defaultMaxInputSize = 10 * 1024 * 1024

// Parse attempts to parse model output as JSON with fallback strategies for
// the formatting quirks LLMs produce:
//  1. Direct JSON parse
//  2. Remove code fences and retry
//  3. Fix common JSON issues (trailing commas, unquoted keys, comments) and retry
//  4. Extract JSON from mixed content and retry
func Parse[T any](text string, opts ...ParseOptions) ParseResult[T] {
	var options ParseOptions
	if len(opts) > 0 {
		options = opts[0]
	}
	if options.MaxInputSize == 0 {
		options.MaxInputSize = defaultMaxInputSize
	}

	if len(text) > options.MaxInputSize {
		preview := text
		if len(text) > 1000 {
			preview = text[:1000] + "..."
		}
		return createError[T](
			fmt.Sprintf("input exceeds size limit (%d > %d bytes)", len(text), options.MaxInputSize),
			preview,
			options.Context,
		)
	}

	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return createError[T]("empty input", text, options.Context)
	}

	// Strategy 1: direct parse
	result, err := tryDirectParse[T](trimmed)
	if err == nil {
		return ParseResult[T]{Success: true, Data: result, OriginalText: text}
	}

	if options.LogErrors {
		slog.Debug("Direct JSON parse failed, trying cleanup strategies",
			"error", err.Error(),
			"textPreview", truncate(text, 100),
			"context", options.Context)
	}

	// Strategy 2: remove code fences
	withoutFences := removeCodeFences(trimmed)
	if withoutFences != trimmed {
		if result, err := tryDirectParse[T](withoutFences); err == nil {
			return ParseResult[T]{Success: true, Data: result, OriginalText: text}
		}
	}

	// Strategy 3: fix common JSON issues
	cleaned := cleanupJSON(withoutFences)
	if result, err := tryDirectParse[T](cleaned); err == nil {
		return ParseResult[T]{Success: true, Data: result, OriginalText: text}
	}

	// Strategy 4: extract JSON from mixed content. Extract from the cleaned
	// version, not the original (which may still have fences).
	for _, extracted := range extractJSON(cleaned) {
		if result, err := tryDirectParse[T](extracted); err == nil {
			return ParseResult[T]{Success: true, Data: result, OriginalText: text}
		}
	}

	return createError[T]("all JSON parsing strategies failed", text, options.Context)
}

// ParseOrDefault parses JSON and returns a fallback value on error.
func ParseOrDefault[T any](text string, fallback T, opts ...ParseOptions) T {
	result := Parse[T](text, opts...)
	if result.Success {
		return result.Data
	}

	var options ParseOptions
	if len(opts) > 0 {
		options = opts[0]
	}
	if options.LogErrors {
		slog.Debug("JSON parse failed, using fallback",
			"error", result.Error,
			"textPreview", truncate(text, 100),
			"context", options.Context)
	}

	return fallback
}

// tryDirectParse attempts a direct JSON parse without any cleanup.
func tryDirectParse[T any](text string) (T, error) {
	var result T
	err := json.Unmarshal([]byte(text), &result)
	return result, err
}

// removeCodeFences strips markdown code fences from text.
func removeCodeFences(text string) string {
	// Fences at start and end of string first
	cleaned := codeFenceStartRegex.ReplaceAllString(text, "$1")

	// If that didn't match, try finding fences anywhere in the text
	if cleaned == text {
		cleaned = codeFenceAnyRegex.ReplaceAllString(text, "$1")
	}

	// Remove single backticks if they wrap the entire content
	if strings.HasPrefix(cleaned, "`") && strings.HasSuffix(cleaned, "`") {
		cleaned = strings.TrimPrefix(cleaned, "`")
		cleaned = strings.TrimSuffix(cleaned, "`")
	}

	return strings.TrimSpace(cleaned)
}

// cleanupJSON fixes common JSON formatting issues.
//
// Note: does NOT convert single quotes to double quotes, as that would break
// valid JSON containing apostrophes.
func cleanupJSON(text string) string {
	cleaned := strings.TrimSpace(text)
	cleaned = trailingCommaRegex.ReplaceAllString(cleaned, "$1")
	cleaned = unquotedKeyRegex.ReplaceAllString(cleaned, `$1"$2":`)
	cleaned = singleLineCommentRegex.ReplaceAllString(cleaned, "")
	cleaned = multiLineCommentRegex.ReplaceAllString(cleaned, "")
	return strings.TrimSpace(cleaned)
}

// extractJSON returns candidate JSON fragments from mixed content, best
// guess first. Returns nil if no JSON-like content is found.
//
// The first-character check determines the type up front, preventing
// incorrect matches like extracting {"id": 1} from [{"id": 1}, {"id": 2}].
// For content buried in prose both matches are returned: the greedy object
// match spans `{"a":1},{"b":2}` inside an array, which is not valid JSON on
// its own, so the caller must be able to fall through to the array match.
func extractJSON(text string) []string {
	trimmed := strings.TrimSpace(text)

	if len(trimmed) > 0 {
		firstChar := trimmed[0]

		if firstChar == '[' {
			if match := arrayRegex.FindString(text); match != "" {
				return []string{match}
			}
		} else if firstChar == '{' {
			if match := objectRegex.FindString(text); match != "" {
				return []string{match}
			}
		}
	}

	// Search anywhere in mixed content. Objects first, they are more common
	// in model responses.
	var candidates []string
	if match := objectRegex.FindString(text); match != "" {
		candidates = append(candidates, match)
	}
	if match := arrayRegex.FindString(text); match != "" {
		candidates = append(candidates, match)
	}
	return candidates
}

// createError creates a failed ParseResult with error details.
func createError[T any](message, text, context string) ParseResult[T] {
	var zero T
	errorMsg := message
	if context != "" {
		errorMsg = context + ": " + message
	}

	return ParseResult[T]{
		Success:      false,
		Data:         zero,
		Error:        errorMsg,
		OriginalText: text,
	}
}

// truncate truncates a string to maxLen characters.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
