package ai

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testAction struct {
	Action  string `json:"action"`
	Tool    string `json:"tool"`
	Command string `json:"command"`
}

func TestParseDirectJSON(t *testing.T) {
	result := Parse[testAction](`{"action":"tool","tool":"run_command","command":"id"}`)
	require.True(t, result.Success, result.Error)
	assert.Equal(t, "tool", result.Data.Action)
	assert.Equal(t, "run_command", result.Data.Tool)
}

func TestParseCodeFenced(t *testing.T) {
	tests := []struct {
		name string
		text string
	}{
		{"json fence", "```json\n{\"action\":\"tool\",\"tool\":\"run_command\"}\n```"},
		{"bare fence", "```\n{\"action\":\"tool\",\"tool\":\"run_command\"}\n```"},
		{"fence without newlines", "```json{\"action\":\"tool\",\"tool\":\"run_command\"}```"},
		{"single backticks", "`{\"action\":\"tool\",\"tool\":\"run_command\"}`"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := Parse[testAction](tt.text)
			require.True(t, result.Success, result.Error)
			assert.Equal(t, "run_command", result.Data.Tool)
		})
	}
}

func TestParseCleanupStrategies(t *testing.T) {
	tests := []struct {
		name string
		text string
	}{
		{"trailing comma", `{"action":"tool","tool":"run_command",}`},
		{"unquoted keys", `{action:"tool",tool:"run_command"}`},
		{"line comment", "{\"action\":\"tool\",\"tool\":\"run_command\" // chosen tool\n}"},
		{"block comment", `{"action":"tool",/* note */"tool":"run_command"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := Parse[testAction](tt.text)
			require.True(t, result.Success, result.Error)
			assert.Equal(t, "run_command", result.Data.Tool)
		})
	}
}

func TestParseExtractsFromProse(t *testing.T) {
	text := `I'll start by enumerating the target.

{"action":"tool","tool":"run_command","command":"nmap -sV target"}

This should reveal open services.`

	result := Parse[testAction](text)
	require.True(t, result.Success, result.Error)
	assert.Equal(t, "nmap -sV target", result.Data.Command)
}

func TestParseArrayFromProse(t *testing.T) {
	// The greedy object extraction spans `{"action":"a"},{"action":"b"}`,
	// which is not valid JSON; parsing must fall through to the array match.
	tests := []struct {
		name string
		text string
	}{
		{"prose before", "Here is the plan:\n[{\"action\":\"a\"},{\"action\":\"b\"}]"},
		{"prose both sides", "Plan:\n[{\"action\":\"a\"},{\"action\":\"b\"}]\nShall I proceed?"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := Parse[[]testAction](tt.text)
			require.True(t, result.Success, result.Error)
			require.Len(t, result.Data, 2)
			assert.Equal(t, "b", result.Data[1].Action)
		})
	}
}

func TestParseFailures(t *testing.T) {
	tests := []struct {
		name    string
		text    string
		wantErr string
	}{
		{"empty input", "", "empty input"},
		{"prose only", "I could not decide on a next step.", "all JSON parsing strategies failed"},
		{"oversized input", strings.Repeat("x", defaultMaxInputSize+1), "size limit"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := Parse[testAction](tt.text, ParseOptions{Context: "test"})
			assert.False(t, result.Success)
			assert.Contains(t, result.Error, tt.wantErr)
			assert.Contains(t, result.Error, "test:")
		})
	}
}

func TestParseOrDefault(t *testing.T) {
	fallback := testAction{Action: "final"}
	got := ParseOrDefault[testAction]("not json at all", fallback)
	assert.Equal(t, "final", got.Action)

	got = ParseOrDefault[testAction](`{"action":"tool"}`, fallback)
	assert.Equal(t, "tool", got.Action)
}

func TestParsePreservesApostrophes(t *testing.T) {
	result := Parse[map[string]string](`{"note": "server didn't respond"}`)
	require.True(t, result.Success, result.Error)
	assert.Equal(t, "server didn't respond", result.Data["note"])
}
