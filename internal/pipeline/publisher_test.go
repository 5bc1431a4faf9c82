package pipeline

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mendhq/mend/internal/gateway"
	"github.com/mendhq/mend/internal/store"
)

func testAnalysis() *store.Analysis {
	return &store.Analysis{
		ID:              "ana-1",
		IncidentID:      "inc-1",
		Model:           "mock-model",
		RootCause:       "computeTotal dereferences cart before the empty check",
		FixSummary:      "Guard against missing cart",
		FilesExamined:   []string{"src/checkout.ts", "src/cart.ts"},
		CommitsExamined: []string{"1111111111aaaaaaaaaa", "2222222222bbbbbbbbbb"},
		SuspectCommit:   "2222222222bbbbbbbbbb",
	}
}

func testEdit() gateway.FileEdit {
	return gateway.FileEdit{
		Path:    "src/checkout.ts",
		Content: "export function computeTotal() {}",
		Message: "Fix: Guard against missing cart",
	}
}

func TestPublishOpensPR(t *testing.T) {
	backend := &fakeBackend{}
	p := NewPublisher(backend, "mend/", testBackoff())

	inc := testIncident()
	pr, branch, err := p.Publish(context.Background(), testApp(), inc, testAnalysis(), []gateway.FileEdit{testEdit()})
	require.NoError(t, err)

	assert.Equal(t, "mend/fix-deadbeefdead", branch)
	assert.Equal(t, []string{"mend/fix-deadbeefdead"}, backend.branches)
	require.Len(t, backend.edits, 1)
	assert.Equal(t, "src/checkout.ts", backend.edits[0].Path)

	require.Len(t, backend.opened, 1)
	opened := backend.opened[0]
	assert.Equal(t, "Fix: "+inc.Message, opened.Title)
	assert.Equal(t, "mend/fix-deadbeefdead", opened.Head)
	assert.Equal(t, "main", opened.Base)
	assert.Equal(t, 1, pr.Number)
	assert.Equal(t, "https://github.com/acme/shop/pull/1", pr.URL)
}

func TestPublishAdoptsExistingPR(t *testing.T) {
	existing := &gateway.PullRequest{Number: 9, URL: "https://github.com/acme/shop/pull/9", State: "open"}
	backend := &fakeBackend{findPR: existing}
	p := NewPublisher(backend, "mend/", testBackoff())

	pr, branch, err := p.Publish(context.Background(), testApp(), testIncident(), testAnalysis(), []gateway.FileEdit{testEdit()})
	require.NoError(t, err)

	assert.Equal(t, existing, pr)
	assert.Equal(t, "mend/fix-deadbeefdead", branch)

	// Nothing was created; the earlier attempt's PR serves.
	assert.Empty(t, backend.branches)
	assert.Empty(t, backend.edits)
	assert.Empty(t, backend.opened)
}

func TestPublishSurfacesExhaustedRetries(t *testing.T) {
	backend := &fakeBackend{createErr: gateway.ErrRateLimited}
	p := NewPublisher(backend, "mend/", testBackoff())

	_, _, err := p.Publish(context.Background(), testApp(), testIncident(), testAnalysis(), []gateway.FileEdit{testEdit()})
	assert.ErrorIs(t, err, gateway.ErrRateLimited)
}

func TestPRBodyContract(t *testing.T) {
	inc := testIncident()
	body := prBody(inc, testAnalysis())

	// Section order is load-bearing: tooling parses these headings.
	rootIdx := strings.Index(body, "## Root Cause")
	fixIdx := strings.Index(body, "## Fix")
	filesIdx := strings.Index(body, "## Files Examined")
	commitsIdx := strings.Index(body, "## Commits Examined")
	require.True(t, rootIdx >= 0 && fixIdx > rootIdx && filesIdx > fixIdx && commitsIdx > filesIdx)

	assert.Contains(t, body, "computeTotal dereferences cart before the empty check")
	assert.Contains(t, body, "Guard against missing cart")
	assert.Contains(t, body, "- `src/checkout.ts`")
	assert.Contains(t, body, "- 1111111")
	assert.Contains(t, body, "- 2222222 (suspect)")
	assert.Contains(t, body, "Incident: `inc-1`")
	assert.Contains(t, body, "Fingerprint: `deadbeefdead`")
	assert.Contains(t, body, "Occurrences: 3")
}

func TestPRBodyWithoutFiles(t *testing.T) {
	analysis := testAnalysis()
	analysis.FilesExamined = nil

	body := prBody(testIncident(), analysis)
	assert.Contains(t, body, "- none")
}

func TestPRTitle(t *testing.T) {
	assert.Equal(t, "Fix: short message", prTitle("short message"))
	assert.Equal(t, "Fix: two lines become one", prTitle("two\n lines  become one"))

	long := strings.Repeat("a", 100)
	title := prTitle(long)
	assert.Equal(t, "Fix: "+strings.Repeat("a", 72)+"...", title)
}

func TestBranchName(t *testing.T) {
	assert.Equal(t, "mend/fix-deadbeefdead", BranchName("mend/", "deadbeefdeadbeefdeadbeef"))
	assert.Equal(t, "mend/fix-abc", BranchName("mend/", "abc"))
	assert.Equal(t, "bot/fix-deadbeefdead", BranchName("bot/", "deadbeefdeadbeefdeadbeef"))
}
