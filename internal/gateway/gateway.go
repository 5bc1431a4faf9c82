// Package gateway defines the source control capability surface the
// remediation pipeline depends on.
package gateway

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrUnauthorized means the provider rejected our credentials.
	ErrUnauthorized = errors.New("provider authorization failed")

	// ErrNotFound means the repo, branch, commit, or PR does not exist.
	ErrNotFound = errors.New("provider object not found")

	// ErrRateLimited means the provider throttled the call. Callers back
	// off and retry within a bounded budget.
	ErrRateLimited = errors.New("provider rate limited")
)

// MaxDiffChars caps how much of a commit diff is returned. Reasoning
// requests carry several diffs at once and oversized ones crowd out the
// rest of the context.
const MaxDiffChars = 15000

// truncationMarker is appended to a diff cut at MaxDiffChars.
const truncationMarker = "\n... [truncated]"

// Backend is the interface for source control providers. Implementations
// handle provider-specific API calls for commit history, diffs, and the
// branch/commit/PR lifecycle.
type Backend interface {
	// Name returns the short identifier for this backend (e.g., "github").
	Name() string

	// ListRecentCommits returns up to limit commits from the repo's
	// default branch, most recent first, skipping commits authored by
	// excludeAuthor so the pipeline never analyzes its own fixes.
	ListRecentCommits(ctx context.Context, repo Repo, limit int, excludeAuthor string) ([]Commit, error)

	// GetCommitDiff returns the unified diff of one commit, truncated to
	// MaxDiffChars.
	GetCommitDiff(ctx context.Context, repo Repo, sha string) (string, error)

	// CreateBranch creates a branch off base. Creating a branch that
	// already exists is not an error, so retried publishes are safe.
	CreateBranch(ctx context.Context, repo Repo, base, name string) error

	// CommitFile writes one file edit as a commit on branch, creating or
	// updating the file as needed.
	CommitFile(ctx context.Context, repo Repo, branch string, edit FileEdit) error

	// OpenPullRequest opens a PR from head into base.
	OpenPullRequest(ctx context.Context, repo Repo, pr NewPullRequest) (*PullRequest, error)

	// FindOpenPullRequest returns the open PR whose head is branch, or
	// (nil, nil) when there is none.
	FindOpenPullRequest(ctx context.Context, repo Repo, branch string) (*PullRequest, error)

	// PullRequestMerged reports whether the PR has been merged.
	PullRequestMerged(ctx context.Context, repo Repo, number int) (bool, error)
}

// Repo identifies one repository at the provider.
type Repo struct {
	Owner         string
	Name          string
	DefaultBranch string
}

// Slug returns "owner/name".
func (r Repo) Slug() string {
	return r.Owner + "/" + r.Name
}

// Commit is one entry of a repo's recent history.
type Commit struct {
	SHA     string
	Author  string
	Message string
	When    time.Time
}

// FileEdit is one file write plus its commit message.
type FileEdit struct {
	Path    string
	Content string
	Message string
}

// NewPullRequest describes a PR to open.
type NewPullRequest struct {
	Title string
	Body  string
	Head  string
	Base  string
}

// PullRequest is a reference to a PR at the provider.
type PullRequest struct {
	Number int
	URL    string
	State  string
	Merged bool
}

// TruncateDiff cuts a diff at MaxDiffChars and marks the cut.
func TruncateDiff(diff string) string {
	if len(diff) <= MaxDiffChars {
		return diff
	}
	return diff[:MaxDiffChars] + truncationMarker
}
