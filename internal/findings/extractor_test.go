package findings

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/probelab/pentagent/internal/ai"
	"github.com/probelab/pentagent/internal/types"
)

type fakeCompleter struct {
	response string
	err      error
	calls    int
}

func (f *fakeCompleter) CompleteWithModel(ctx context.Context, operation, model, prompt string, maxTokens int64) (string, ai.Usage, error) {
	f.calls++
	if f.err != nil {
		return "", ai.Usage{}, f.err
	}
	return f.response, ai.Usage{}, nil
}

func markerOnlyExtractor() *Extractor {
	return New(nil, Config{})
}

func resultWith(stdout string) *types.ExecutionResult {
	return &types.ExecutionResult{TaskID: "task-aa11bb22", Stdout: stdout}
}

func TestExtractMarkerLines(t *testing.T) {
	res := resultWith(`scanning...
[FINDING] sqli: id parameter reflects SQL errors
[DISCOVERY] recon: server header reveals nginx 1.18
done`)

	found := markerOnlyExtractor().Extract(context.Background(), "goal", 3, res)
	require.Len(t, found, 2)

	assert.Equal(t, "sqli", found[0].Category)
	assert.Equal(t, "id parameter reflects SQL errors", found[0].Evidence)
	assert.Equal(t, types.SeverityHigh, found[0].Severity)
	assert.Equal(t, "task-aa11bb22", found[0].SourceTaskID)
	assert.Equal(t, 3, found[0].DiscoveredAtStep)

	assert.Equal(t, "recon", found[1].Category)
	assert.Equal(t, types.SeverityInfo, found[1].Severity)
}

func TestExtractMarkerWithoutCategory(t *testing.T) {
	res := resultWith("[FINDING] directory listing enabled on /uploads")

	found := markerOnlyExtractor().Extract(context.Background(), "goal", 1, res)
	require.Len(t, found, 1)
	assert.Equal(t, "observation", found[0].Category)
}

func TestExtractFlags(t *testing.T) {
	tests := []struct {
		name   string
		stdout string
		want   string
	}{
		{"flag marker", "[FLAG] flag{s3cr3t}", "flag{s3cr3t}"},
		{"bare flag in output", "response body: flag{deadbeef} served", "flag{deadbeef}"},
		{"uppercase pattern", "found FLAG{CaSe} in dump", "FLAG{CaSe}"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			found := markerOnlyExtractor().Extract(context.Background(), "goal", 1, resultWith(tt.stdout))
			require.Len(t, found, 1)
			assert.Equal(t, types.CategoryFlag, found[0].Category)
			assert.Equal(t, types.SeverityCritical, found[0].Severity)
			assert.Equal(t, tt.want, found[0].Evidence)
		})
	}
}

func TestExtractScansStderrToo(t *testing.T) {
	res := &types.ExecutionResult{
		TaskID: "task-aa11bb22",
		Stderr: "[FINDING] info_leak: stack trace exposes /var/www/app/config.php",
	}
	found := markerOnlyExtractor().Extract(context.Background(), "goal", 1, res)
	require.Len(t, found, 1)
	assert.Equal(t, "info_leak", found[0].Category)
}

func TestExtractDedupesWithinBatch(t *testing.T) {
	// The same flag appears as a marker and as a bare pattern; whitespace
	// and casing differences in evidence normalize to one fingerprint.
	res := resultWith("[FLAG] flag{once}\nalso seen: flag{once}")

	found := markerOnlyExtractor().Extract(context.Background(), "goal", 1, res)
	assert.Len(t, found, 1)
}

func TestModelPassSupplementsMarkers(t *testing.T) {
	c := &fakeCompleter{response: `[{"category":"version_disclosure","severity":"low","evidence":"OpenSSH 7.2p2 banner"}]`}
	e := New(c, Config{})

	res := resultWith("[FINDING] recon: port 22 open\nSSH-2.0-OpenSSH_7.2p2")
	found := e.Extract(context.Background(), "goal", 2, res)

	require.Len(t, found, 2)
	assert.Equal(t, "recon", found[0].Category)
	assert.Equal(t, "version_disclosure", found[1].Category)
	assert.Equal(t, types.SeverityLow, found[1].Severity)
	assert.Equal(t, 1, c.calls)
}

func TestModelPassFailureDegradesToMarkers(t *testing.T) {
	c := &fakeCompleter{err: errors.New("503 service unavailable")}
	e := New(c, Config{})

	res := resultWith("[FINDING] sqli: boolean-based blind in q parameter")
	found := e.Extract(context.Background(), "goal", 2, res)

	require.Len(t, found, 1, "extraction failure must never drop marker findings")
	assert.Equal(t, "sqli", found[0].Category)
}

func TestModelPassUnparseableDegradesToMarkers(t *testing.T) {
	c := &fakeCompleter{response: "I found nothing of note."}
	e := New(c, Config{})

	res := resultWith("[FINDING] recon: port 80 open")
	found := e.Extract(context.Background(), "goal", 2, res)
	assert.Len(t, found, 1)
}

func TestModelPassBadSeverityDefaultsToInfo(t *testing.T) {
	// An invented severity must rank at the bottom so garbage classification
	// can never trigger a replan.
	c := &fakeCompleter{response: `[{"category":"misc","severity":"catastrophic","evidence":"something odd"}]`}
	e := New(c, Config{})

	found := e.Extract(context.Background(), "goal", 1, resultWith("output"))
	require.Len(t, found, 1)
	assert.Equal(t, types.SeverityInfo, found[0].Severity)
	assert.False(t, found[0].Severity.AtLeast(types.SeverityHigh))
}

func TestExtractedFindingsCarryIDs(t *testing.T) {
	c := &fakeCompleter{response: `[{"category":"version_disclosure","severity":"low","evidence":"nginx 1.18"}]`}
	e := New(c, Config{})

	res := resultWith("[FINDING] recon: port 80 open\n[FLAG] flag{ids}")
	found := e.Extract(context.Background(), "goal", 1, res)
	require.Len(t, found, 3)

	ids := make(map[string]bool)
	for _, f := range found {
		require.NoError(t, f.Validate())
		assert.True(t, strings.HasPrefix(f.ID, "finding-"), "got id %q", f.ID)
		ids[f.ID] = true
	}
	assert.Len(t, ids, 3, "ids must be unique")
}

func TestExtractNilAndEmptyResults(t *testing.T) {
	e := markerOnlyExtractor()
	assert.Nil(t, e.Extract(context.Background(), "goal", 1, nil))
	assert.Empty(t, e.Extract(context.Background(), "goal", 1, resultWith("nothing special here")))
}
