package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mendhq/mend/internal/gateway"
	"github.com/mendhq/mend/internal/store"
)

// Publisher turns a conclusive analysis into an open pull request.
type Publisher struct {
	backend gateway.Backend
	prefix  string
	backoff gateway.BackoffPolicy
}

// NewPublisher creates a Publisher. Fix branches are named under
// branchPrefix.
func NewPublisher(backend gateway.Backend, branchPrefix string, backoff gateway.BackoffPolicy) *Publisher {
	return &Publisher{backend: backend, prefix: branchPrefix, backoff: backoff}
}

// BranchName returns the fix branch for a fingerprint. Deterministic so
// a retried publish lands on the same branch instead of forking a new
// one.
func BranchName(prefix, fingerprint string) string {
	if len(fingerprint) > 12 {
		fingerprint = fingerprint[:12]
	}
	return prefix + "fix-" + fingerprint
}

// Publish opens a fix PR for the incident: branch off the default
// branch, commit the edits, open the PR. An open PR on the fix branch
// from an earlier attempt is adopted as-is, so retries never produce
// duplicates.
func (p *Publisher) Publish(ctx context.Context, app *store.App, inc *store.Incident, analysis *store.Analysis, edits []gateway.FileEdit) (*gateway.PullRequest, string, error) {
	repo := gateway.Repo{Owner: app.RepoOwner, Name: app.RepoName, DefaultBranch: app.DefaultBranch}
	branch := BranchName(p.prefix, inc.Fingerprint)

	var existing *gateway.PullRequest
	err := p.backoff.Do(ctx, func() error {
		var err error
		existing, err = p.backend.FindOpenPullRequest(ctx, repo, branch)
		return err
	})
	if err != nil {
		return nil, "", fmt.Errorf("checking for open fix PR: %w", err)
	}
	if existing != nil {
		slog.Info("adopting open fix PR from an earlier attempt",
			"incident", inc.ID,
			"repo", repo.Slug(),
			"pr", existing.Number)
		return existing, branch, nil
	}

	if err := p.backoff.Do(ctx, func() error {
		return p.backend.CreateBranch(ctx, repo, repo.DefaultBranch, branch)
	}); err != nil {
		return nil, "", fmt.Errorf("creating branch %s: %w", branch, err)
	}

	for _, edit := range edits {
		if err := p.backoff.Do(ctx, func() error {
			return p.backend.CommitFile(ctx, repo, branch, edit)
		}); err != nil {
			return nil, "", fmt.Errorf("committing %s: %w", edit.Path, err)
		}
	}

	var pr *gateway.PullRequest
	err = p.backoff.Do(ctx, func() error {
		var err error
		pr, err = p.backend.OpenPullRequest(ctx, repo, gateway.NewPullRequest{
			Title: prTitle(inc.Message),
			Body:  prBody(inc, analysis),
			Head:  branch,
			Base:  repo.DefaultBranch,
		})
		return err
	})
	if err != nil {
		return nil, "", fmt.Errorf("opening pull request: %w", err)
	}

	slog.Info("opened fix PR",
		"incident", inc.ID,
		"repo", repo.Slug(),
		"pr", pr.Number,
		"url", pr.URL)
	return pr, branch, nil
}

// prTitle builds the PR title from the incident message, flattened and
// capped so provider UIs show it whole.
func prTitle(message string) string {
	msg := strings.Join(strings.Fields(message), " ")
	if r := []rune(msg); len(r) > 72 {
		msg = string(r[:72]) + "..."
	}
	return "Fix: " + msg
}

// prBody renders the PR description. The section layout is a contract:
// review tooling and the dashboard parse these headings.
func prBody(inc *store.Incident, analysis *store.Analysis) string {
	var b strings.Builder

	b.WriteString("## Root Cause\n\n")
	b.WriteString(analysis.RootCause)
	b.WriteString("\n\n## Fix\n\n")
	b.WriteString(analysis.FixSummary)

	b.WriteString("\n\n## Files Examined\n\n")
	if len(analysis.FilesExamined) == 0 {
		b.WriteString("- none\n")
	}
	for _, f := range analysis.FilesExamined {
		fmt.Fprintf(&b, "- `%s`\n", f)
	}

	b.WriteString("\n## Commits Examined\n\n")
	for _, sha := range analysis.CommitsExamined {
		marker := ""
		if sha == analysis.SuspectCommit {
			marker = " (suspect)"
		}
		fmt.Fprintf(&b, "- %s%s\n", shortSHA(sha), marker)
	}

	fp := inc.Fingerprint
	if len(fp) > 12 {
		fp = fp[:12]
	}
	fmt.Fprintf(&b, "\n---\nIncident: `%s` | Fingerprint: `%s` | Occurrences: %d\n", inc.ID, fp, inc.Occurrences)

	return b.String()
}
