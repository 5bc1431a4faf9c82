package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mendhq/mend/internal/gateway"
	"github.com/mendhq/mend/internal/ingest"
	"github.com/mendhq/mend/internal/llm"
	"github.com/mendhq/mend/internal/prompts"
	"github.com/mendhq/mend/internal/store"
)

// ErrMalformedAnalysis means the reasoning engine returned output that
// failed structural validation. Treated as a failed run, never a crash.
var ErrMalformedAnalysis = errors.New("malformed analysis response")

// AnalyzerConfig bounds the commit-tracing search.
type AnalyzerConfig struct {
	// CommitWindow is how many recent commits to examine first.
	CommitWindow int
	// WindowCeiling caps the widened window when the first pass finds
	// nothing.
	WindowCeiling int
	// MaxTokens caps reasoning output length.
	MaxTokens int
	// BotAuthor is the pipeline's own commit author, excluded from
	// candidate commits so fixes are never blamed on fixes.
	BotAuthor string
	// Backoff bounds retries of rate-limited provider calls.
	Backoff gateway.BackoffPolicy
}

// Analyzer traces an incident to the commit that plausibly introduced it
// and produces a concrete fix proposal.
type Analyzer struct {
	client  llm.Client
	backend gateway.Backend
	cfg     AnalyzerConfig
}

// NewAnalyzer creates an Analyzer.
func NewAnalyzer(client llm.Client, backend gateway.Backend, cfg AnalyzerConfig) *Analyzer {
	return &Analyzer{client: client, backend: backend, cfg: cfg}
}

// Result is one completed analysis: the record to persist plus the file
// edit to publish. Fix is nil when the run was inconclusive.
type Result struct {
	Analysis *store.Analysis
	Fix      *gateway.FileEdit
}

// rankedCommit is one candidate in the reasoning engine's likelihood
// ranking.
type rankedCommit struct {
	SHA        string  `json:"sha"`
	Confidence float64 `json:"confidence"`
}

// fixProposal is the concrete change the reasoning engine proposes.
// Content is the complete new content of the file.
type fixProposal struct {
	Path    string `json:"path"`
	Content string `json:"content"`
	Summary string `json:"summary"`
}

// analysisResponse is the strict JSON contract with the reasoning engine.
type analysisResponse struct {
	RootCause     string         `json:"root_cause"`
	RankedCommits []rankedCommit `json:"ranked_commits"`
	Files         []string       `json:"files"`
	Fix           *fixProposal   `json:"fix"`
}

// verdict is the outcome of one analysis attempt.
type verdict struct {
	commits []gateway.Commit
	resp    analysisResponse
	suspect string
	usage   llm.Usage
}

func (v *verdict) conclusive() bool {
	return v.suspect != "" && v.resp.Fix != nil
}

// Analyze examines the app's recent commits against the incident's error
// signature. When the first window yields nothing it widens once,
// doubling the window up to the ceiling, before settling on an
// inconclusive analysis. Inconclusive is a recorded outcome, not an
// error; errors mean the attempt itself failed.
func (a *Analyzer) Analyze(ctx context.Context, app *store.App, inc *store.Incident) (*Result, error) {
	repo := gateway.Repo{Owner: app.RepoOwner, Name: app.RepoName, DefaultBranch: app.DefaultBranch}

	window := a.cfg.CommitWindow
	v, err := a.attempt(ctx, repo, inc, window)
	if err != nil {
		return nil, err
	}
	totalUsage := v.usage

	// Widening only helps when the first pass actually filled its
	// window; a short history has nothing more to offer.
	if !v.conclusive() && len(v.commits) == window && window < a.cfg.WindowCeiling {
		widened := window * 2
		if widened > a.cfg.WindowCeiling {
			widened = a.cfg.WindowCeiling
		}
		slog.Info("analysis inconclusive, widening commit window",
			"incident", inc.ID,
			"window", window,
			"widened", widened)

		v, err = a.attempt(ctx, repo, inc, widened)
		if err != nil {
			return nil, err
		}
		totalUsage.InputTokens += v.usage.InputTokens
		totalUsage.OutputTokens += v.usage.OutputTokens
		v.usage = totalUsage
	} else {
		v.usage = totalUsage
	}

	return a.buildResult(inc, v), nil
}

// attempt runs one full pass: commit listing, diff collection, one
// reasoning call, and response validation.
func (a *Analyzer) attempt(ctx context.Context, repo gateway.Repo, inc *store.Incident, window int) (*verdict, error) {
	var commits []gateway.Commit
	err := a.cfg.Backoff.Do(ctx, func() error {
		var err error
		commits, err = a.backend.ListRecentCommits(ctx, repo, window, a.cfg.BotAuthor)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("listing commits: %w", err)
	}
	if len(commits) == 0 {
		return &verdict{resp: analysisResponse{RootCause: "repository has no examinable commits"}}, nil
	}

	diffs := make([]string, len(commits))
	for i, c := range commits {
		err := a.cfg.Backoff.Do(ctx, func() error {
			var err error
			diffs[i], err = a.backend.GetCommitDiff(ctx, repo, c.SHA)
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("fetching diff for %s: %w", shortSHA(c.SHA), err)
		}
	}

	system, err := prompts.Execute("analysis-system.md", nil)
	if err != nil {
		return nil, fmt.Errorf("loading system prompt: %w", err)
	}
	prompt, err := buildAnalysisPrompt(inc, commits, diffs)
	if err != nil {
		return nil, err
	}

	resp, err := a.client.Complete(ctx, llm.Request{
		System:    system,
		Prompt:    prompt,
		MaxTokens: a.cfg.MaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("reasoning request: %w", err)
	}

	parsed, err := llm.ParseJSON[analysisResponse](resp.Content)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedAnalysis, err)
	}
	if err := validateResponse(&parsed); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedAnalysis, err)
	}

	return &verdict{
		commits: commits,
		resp:    parsed,
		suspect: selectSuspect(commits, parsed.RankedCommits),
		usage:   resp.Usage,
	}, nil
}

func (a *Analyzer) buildResult(inc *store.Incident, v *verdict) *Result {
	analysis := &store.Analysis{
		IncidentID:      inc.ID,
		Model:           a.client.Model(),
		RootCause:       v.resp.RootCause,
		FilesExamined:   v.resp.Files,
		CommitsExamined: commitSHAs(v.commits),
		SuspectCommit:   v.suspect,
		InputTokens:     v.usage.InputTokens,
		OutputTokens:    v.usage.OutputTokens,
		Inconclusive:    !v.conclusive(),
	}

	if analysis.Inconclusive {
		if analysis.RootCause == "" {
			analysis.RootCause = "no examined commit plausibly relates to the error"
		}
		return &Result{Analysis: analysis}
	}

	analysis.FixSummary = v.resp.Fix.Summary
	return &Result{
		Analysis: analysis,
		Fix: &gateway.FileEdit{
			Path:    v.resp.Fix.Path,
			Content: v.resp.Fix.Content,
			Message: "Fix: " + v.resp.Fix.Summary,
		},
	}
}

// validateResponse enforces the response contract before anything
// downstream trusts a field.
func validateResponse(resp *analysisResponse) error {
	if strings.TrimSpace(resp.RootCause) == "" {
		return errors.New("missing root_cause")
	}
	for _, rc := range resp.RankedCommits {
		if rc.SHA == "" {
			return errors.New("ranked commit without sha")
		}
		if rc.Confidence < 0 || rc.Confidence > 1 {
			return fmt.Errorf("confidence %v out of range for %s", rc.Confidence, shortSHA(rc.SHA))
		}
	}
	if f := resp.Fix; f != nil {
		if f.Path == "" || f.Content == "" || f.Summary == "" {
			return errors.New("fix proposal missing path, content, or summary")
		}
	}
	return nil
}

// selectSuspect picks the highest-confidence ranked commit that is
// actually in the examined set. Equal confidence resolves to the commit
// closest to HEAD; the latest change is the likeliest regression.
func selectSuspect(commits []gateway.Commit, ranked []rankedCommit) string {
	position := make(map[string]int, len(commits))
	for i, c := range commits {
		position[c.SHA] = i
	}

	suspect := ""
	bestPos := 0
	bestConf := -1.0
	for _, rc := range ranked {
		pos, ok := position[rc.SHA]
		if !ok {
			slog.Warn("reasoning engine ranked a commit outside the examined set", "sha", shortSHA(rc.SHA))
			continue
		}
		if rc.Confidence > bestConf || (rc.Confidence == bestConf && pos < bestPos) {
			suspect = rc.SHA
			bestPos = pos
			bestConf = rc.Confidence
		}
	}
	return suspect
}

// buildAnalysisPrompt renders the error signature and candidate diffs
// into one reasoning request.
func buildAnalysisPrompt(inc *store.Incident, commits []gateway.Commit, diffs []string) (string, error) {
	var b strings.Builder

	b.WriteString("## Error\n\n")
	fmt.Fprintf(&b, "Kind: %s\nSource: %s\nMessage: %s\n", inc.Kind, inc.Source, inc.Message)
	if inc.StackTrace != "" {
		fmt.Fprintf(&b, "\nStack trace:\n```\n%s\n```\n", inc.StackTrace)
	}
	if logs := ingest.ParseLogs(inc.Source, []byte(inc.Logs)).Render(); logs != "" {
		fmt.Fprintf(&b, "\nLogs:\n%s\n", logs)
	}

	b.WriteString("\n## Candidate commits (most recent first)\n")
	for i, c := range commits {
		fmt.Fprintf(&b, "\n### %d. %s by %s (%s)\n%s\n\n```diff\n%s\n```\n",
			i+1, shortSHA(c.SHA), c.Author, c.When.Format("2006-01-02"), strings.TrimSpace(c.Message), diffs[i])
	}

	format, err := prompts.Execute("analysis-format.md", nil)
	if err != nil {
		return "", fmt.Errorf("loading response format: %w", err)
	}
	b.WriteString("\n")
	b.WriteString(format)

	return b.String(), nil
}

func commitSHAs(commits []gateway.Commit) []string {
	shas := make([]string, len(commits))
	for i, c := range commits {
		shas[i] = c.SHA
	}
	return shas
}

func shortSHA(sha string) string {
	if len(sha) > 7 {
		return sha[:7]
	}
	return sha
}
