package pipeline

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mendhq/mend/internal/gateway"
	"github.com/mendhq/mend/internal/llm"
	"github.com/mendhq/mend/internal/store"
)

// fakeBackend is a scriptable gateway.Backend shared by the pipeline
// tests.
type fakeBackend struct {
	commits []gateway.Commit
	diffs   map[string]string

	listErr error
	diffErr error

	findPR    *gateway.PullRequest
	findErr   error
	createErr error
	commitErr error
	openErr   error
	merged    map[int]bool

	listWindows []int
	branches    []string
	edits       []gateway.FileEdit
	opened      []gateway.NewPullRequest
	nextPR      int
}

func (f *fakeBackend) Name() string { return "fake" }

func (f *fakeBackend) ListRecentCommits(ctx context.Context, repo gateway.Repo, limit int, excludeAuthor string) ([]gateway.Commit, error) {
	f.listWindows = append(f.listWindows, limit)
	if f.listErr != nil {
		return nil, f.listErr
	}
	commits := f.commits
	if len(commits) > limit {
		commits = commits[:limit]
	}
	return commits, nil
}

func (f *fakeBackend) GetCommitDiff(ctx context.Context, repo gateway.Repo, sha string) (string, error) {
	if f.diffErr != nil {
		return "", f.diffErr
	}
	return f.diffs[sha], nil
}

func (f *fakeBackend) CreateBranch(ctx context.Context, repo gateway.Repo, base, name string) error {
	if f.createErr != nil {
		return f.createErr
	}
	f.branches = append(f.branches, name)
	return nil
}

func (f *fakeBackend) CommitFile(ctx context.Context, repo gateway.Repo, branch string, edit gateway.FileEdit) error {
	if f.commitErr != nil {
		return f.commitErr
	}
	f.edits = append(f.edits, edit)
	return nil
}

func (f *fakeBackend) OpenPullRequest(ctx context.Context, repo gateway.Repo, pr gateway.NewPullRequest) (*gateway.PullRequest, error) {
	if f.openErr != nil {
		return nil, f.openErr
	}
	f.opened = append(f.opened, pr)
	f.nextPR++
	return &gateway.PullRequest{
		Number: f.nextPR,
		URL:    fmt.Sprintf("https://github.com/%s/pull/%d", repo.Slug(), f.nextPR),
		State:  "open",
	}, nil
}

func (f *fakeBackend) FindOpenPullRequest(ctx context.Context, repo gateway.Repo, branch string) (*gateway.PullRequest, error) {
	if f.findErr != nil {
		return nil, f.findErr
	}
	return f.findPR, nil
}

func (f *fakeBackend) PullRequestMerged(ctx context.Context, repo gateway.Repo, number int) (bool, error) {
	return f.merged[number], nil
}

var _ gateway.Backend = (*fakeBackend)(nil)

// --- Fixtures ---

func testBackoff() gateway.BackoffPolicy {
	return gateway.BackoffPolicy{Attempts: 2, Base: time.Millisecond, Cap: time.Millisecond}
}

func testAnalyzerConfig() AnalyzerConfig {
	return AnalyzerConfig{
		CommitWindow:  3,
		WindowCeiling: 6,
		MaxTokens:     2048,
		BotAuthor:     "mend-bot",
		Backoff:       testBackoff(),
	}
}

func testApp() *store.App {
	return &store.App{
		ID:            "app-1",
		Name:          "shop",
		RepoOwner:     "acme",
		RepoName:      "shop",
		DefaultBranch: "main",
		WebhookKey:    "whk_test",
	}
}

func testIncident() *store.Incident {
	return &store.Incident{
		ID:          "inc-1",
		AppID:       "app-1",
		Fingerprint: "deadbeefdeadbeefdeadbeef",
		Kind:        "runtime_error",
		Source:      "server",
		Message:     "TypeError: cannot read properties of undefined (reading 'total')",
		StackTrace:  "at computeTotal (src/checkout.ts:42:10)",
		Status:      store.StatusOpen,
		Occurrences: 3,
	}
}

func testCommits(n int) ([]gateway.Commit, map[string]string) {
	commits := make([]gateway.Commit, n)
	diffs := make(map[string]string, n)
	when := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	for i := range n {
		sha := fmt.Sprintf("%040d", i+1)
		commits[i] = gateway.Commit{
			SHA:     sha,
			Author:  "alice",
			Message: fmt.Sprintf("change %d", i+1),
			When:    when.Add(-time.Duration(i) * time.Hour),
		}
		diffs[sha] = fmt.Sprintf("diff --git a/file%d.ts b/file%d.ts\n+change %d", i+1, i+1, i+1)
	}
	return commits, diffs
}

func conclusiveResponse(sha string) string {
	return fmt.Sprintf(`{
		"root_cause": "computeTotal dereferences cart before the empty check",
		"ranked_commits": [{"sha": %q, "confidence": 0.9}],
		"files": ["src/checkout.ts"],
		"fix": {"path": "src/checkout.ts", "content": "export function computeTotal() {}", "summary": "Guard against missing cart"}
	}`, sha)
}

const inconclusiveResponse = `{
	"root_cause": "none of the examined changes touch the checkout path",
	"ranked_commits": [],
	"files": [],
	"fix": null
}`

// --- Tests ---

func TestAnalyzeProducesFix(t *testing.T) {
	commits, diffs := testCommits(3)
	backend := &fakeBackend{commits: commits, diffs: diffs}
	client := llm.NewMockClient()
	client.Enqueue(conclusiveResponse(commits[1].SHA))

	a := NewAnalyzer(client, backend, testAnalyzerConfig())
	res, err := a.Analyze(context.Background(), testApp(), testIncident())
	require.NoError(t, err)

	require.NotNil(t, res.Analysis)
	assert.False(t, res.Analysis.Inconclusive)
	assert.Equal(t, "mock-model", res.Analysis.Model)
	assert.Equal(t, "computeTotal dereferences cart before the empty check", res.Analysis.RootCause)
	assert.Equal(t, "Guard against missing cart", res.Analysis.FixSummary)
	assert.Equal(t, commits[1].SHA, res.Analysis.SuspectCommit)
	assert.Equal(t, []string{commits[0].SHA, commits[1].SHA, commits[2].SHA}, res.Analysis.CommitsExamined)
	assert.Equal(t, []string{"src/checkout.ts"}, res.Analysis.FilesExamined)
	assert.Equal(t, int64(100), res.Analysis.InputTokens)
	assert.Equal(t, int64(50), res.Analysis.OutputTokens)

	require.NotNil(t, res.Fix)
	assert.Equal(t, "src/checkout.ts", res.Fix.Path)
	assert.Equal(t, "export function computeTotal() {}", res.Fix.Content)
	assert.Equal(t, "Fix: Guard against missing cart", res.Fix.Message)

	prompts := client.Prompts()
	require.Len(t, prompts, 1)
	assert.Contains(t, prompts[0], "TypeError: cannot read properties")
	assert.Contains(t, prompts[0], "at computeTotal (src/checkout.ts:42:10)")
	assert.Contains(t, prompts[0], "## Candidate commits (most recent first)")
	assert.Contains(t, prompts[0], diffs[commits[0].SHA])
	assert.Contains(t, prompts[0], "## Response format (strict JSON)")
}

func TestAnalyzeEqualConfidencePrefersMostRecent(t *testing.T) {
	commits, diffs := testCommits(3)
	backend := &fakeBackend{commits: commits, diffs: diffs}
	client := llm.NewMockClient()
	// Oldest commit listed first with the same confidence as the newest;
	// recency must break the tie.
	client.Enqueue(fmt.Sprintf(`{
		"root_cause": "either refactor could have dropped the guard",
		"ranked_commits": [
			{"sha": %q, "confidence": 0.8},
			{"sha": %q, "confidence": 0.8}
		],
		"files": ["src/checkout.ts"],
		"fix": {"path": "src/checkout.ts", "content": "x", "summary": "Restore guard"}
	}`, commits[2].SHA, commits[0].SHA))

	a := NewAnalyzer(client, backend, testAnalyzerConfig())
	res, err := a.Analyze(context.Background(), testApp(), testIncident())
	require.NoError(t, err)

	assert.Equal(t, commits[0].SHA, res.Analysis.SuspectCommit)
}

func TestAnalyzeHigherConfidenceBeatsRecency(t *testing.T) {
	commits, diffs := testCommits(3)
	backend := &fakeBackend{commits: commits, diffs: diffs}
	client := llm.NewMockClient()
	client.Enqueue(fmt.Sprintf(`{
		"root_cause": "the old migration is the culprit",
		"ranked_commits": [
			{"sha": %q, "confidence": 0.95},
			{"sha": %q, "confidence": 0.5}
		],
		"files": [],
		"fix": {"path": "a.ts", "content": "x", "summary": "s"}
	}`, commits[2].SHA, commits[0].SHA))

	a := NewAnalyzer(client, backend, testAnalyzerConfig())
	res, err := a.Analyze(context.Background(), testApp(), testIncident())
	require.NoError(t, err)

	assert.Equal(t, commits[2].SHA, res.Analysis.SuspectCommit)
}

func TestAnalyzeUnknownRankedCommitIgnored(t *testing.T) {
	commits, diffs := testCommits(2)
	backend := &fakeBackend{commits: commits, diffs: diffs}
	client := llm.NewMockClient()
	client.Enqueue(fmt.Sprintf(`{
		"root_cause": "hallucinated sha plus a real one",
		"ranked_commits": [
			{"sha": "ffffffffffffffffffffffffffffffffffffffff", "confidence": 0.99},
			{"sha": %q, "confidence": 0.6}
		],
		"files": [],
		"fix": {"path": "a.ts", "content": "x", "summary": "s"}
	}`, commits[1].SHA))

	a := NewAnalyzer(client, backend, testAnalyzerConfig())
	res, err := a.Analyze(context.Background(), testApp(), testIncident())
	require.NoError(t, err)

	assert.Equal(t, commits[1].SHA, res.Analysis.SuspectCommit)
}

func TestAnalyzeWidensWindowOnce(t *testing.T) {
	commits, diffs := testCommits(6)
	backend := &fakeBackend{commits: commits, diffs: diffs}
	client := llm.NewMockClient()
	client.Enqueue(inconclusiveResponse, conclusiveResponse(commits[4].SHA))

	a := NewAnalyzer(client, backend, testAnalyzerConfig())
	res, err := a.Analyze(context.Background(), testApp(), testIncident())
	require.NoError(t, err)

	assert.Equal(t, []int{3, 6}, backend.listWindows)
	assert.False(t, res.Analysis.Inconclusive)
	assert.Equal(t, commits[4].SHA, res.Analysis.SuspectCommit)
	assert.Len(t, res.Analysis.CommitsExamined, 6)

	// Token usage covers both passes.
	assert.Equal(t, int64(200), res.Analysis.InputTokens)
	assert.Equal(t, int64(100), res.Analysis.OutputTokens)
}

func TestAnalyzeInconclusiveAfterWidening(t *testing.T) {
	commits, diffs := testCommits(6)
	backend := &fakeBackend{commits: commits, diffs: diffs}
	client := llm.NewMockClient()
	client.Enqueue(inconclusiveResponse, inconclusiveResponse)

	a := NewAnalyzer(client, backend, testAnalyzerConfig())
	res, err := a.Analyze(context.Background(), testApp(), testIncident())
	require.NoError(t, err)

	assert.Equal(t, []int{3, 6}, backend.listWindows)
	assert.True(t, res.Analysis.Inconclusive)
	assert.Equal(t, "none of the examined changes touch the checkout path", res.Analysis.RootCause)
	assert.Nil(t, res.Fix)
	assert.Len(t, res.Analysis.CommitsExamined, 6)
}

func TestAnalyzeShortHistorySkipsWidening(t *testing.T) {
	commits, diffs := testCommits(2)
	backend := &fakeBackend{commits: commits, diffs: diffs}
	client := llm.NewMockClient()
	client.Enqueue(inconclusiveResponse)

	a := NewAnalyzer(client, backend, testAnalyzerConfig())
	res, err := a.Analyze(context.Background(), testApp(), testIncident())
	require.NoError(t, err)

	// Two commits cannot fill a window of three; a second pass would
	// re-examine the same history.
	assert.Equal(t, []int{3}, backend.listWindows)
	assert.Len(t, client.Prompts(), 1)
	assert.True(t, res.Analysis.Inconclusive)
}

func TestAnalyzeEmptyHistory(t *testing.T) {
	backend := &fakeBackend{}
	client := llm.NewMockClient()

	a := NewAnalyzer(client, backend, testAnalyzerConfig())
	res, err := a.Analyze(context.Background(), testApp(), testIncident())
	require.NoError(t, err)

	assert.True(t, res.Analysis.Inconclusive)
	assert.Equal(t, "repository has no examinable commits", res.Analysis.RootCause)
	assert.Empty(t, client.Prompts())
}

func TestAnalyzeMalformedResponses(t *testing.T) {
	tests := []struct {
		name     string
		response string
	}{
		{"not json", "I think the bug is in checkout."},
		{"missing root cause", `{"ranked_commits": [], "files": [], "fix": null}`},
		{"fix without path", `{"root_cause": "x", "ranked_commits": [], "fix": {"content": "y", "summary": "z"}}`},
		{"confidence out of range", `{"root_cause": "x", "ranked_commits": [{"sha": "abc", "confidence": 1.5}], "fix": null}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			commits, diffs := testCommits(2)
			backend := &fakeBackend{commits: commits, diffs: diffs}
			client := llm.NewMockClient()
			client.Enqueue(tt.response)

			a := NewAnalyzer(client, backend, testAnalyzerConfig())
			_, err := a.Analyze(context.Background(), testApp(), testIncident())
			assert.ErrorIs(t, err, ErrMalformedAnalysis)
		})
	}
}

func TestAnalyzeListCommitsError(t *testing.T) {
	backend := &fakeBackend{listErr: gateway.ErrUnauthorized}
	client := llm.NewMockClient()

	a := NewAnalyzer(client, backend, testAnalyzerConfig())
	_, err := a.Analyze(context.Background(), testApp(), testIncident())
	assert.ErrorIs(t, err, gateway.ErrUnauthorized)
}

func TestBuildAnalysisPromptRendersLogs(t *testing.T) {
	inc := testIncident()
	inc.Logs = `{"request_id": "req_9", "method": "POST", "path": "/cart", "status": 500, "runtime": "node"}`
	commits, diffs := testCommits(1)

	prompt, err := buildAnalysisPrompt(inc, commits, []string{diffs[commits[0].SHA]})
	require.NoError(t, err)
	assert.Contains(t, prompt, "POST /cart -> 500")
	assert.Contains(t, prompt, "## Response format")
	assert.True(t, strings.HasPrefix(prompt, "## Error"))
}
