package github

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	github_ratelimit "github.com/gofri/go-github-ratelimit/v2/github_ratelimit"
	gh "github.com/google/go-github/v82/github"
	"github.com/shurcooL/githubv4"
	"golang.org/x/oauth2"

	"github.com/mendhq/mend/internal/gateway"
)

// Client implements gateway.Backend for GitHub.
type Client struct {
	client    *gh.Client
	gqlOnce   sync.Once
	gqlClient *githubv4.Client
	token     string
	gqlURL    string // override for testing
}

// NewClient creates a GitHub backend. apiURL overrides the API base for
// GitHub Enterprise; empty means github.com. Uses go-github-ratelimit
// middleware for automatic secondary rate limit handling.
func NewClient(token, apiURL string) (*Client, error) {
	rateLimiter := github_ratelimit.NewClient(nil)
	client := gh.NewClient(rateLimiter).WithAuthToken(token)
	if apiURL != "" {
		var err error
		client, err = client.WithEnterpriseURLs(apiURL, apiURL)
		if err != nil {
			return nil, fmt.Errorf("failed to configure enterprise URLs: %w", err)
		}
	}
	return &Client{client: client, token: token}, nil
}

// Name returns "github".
func (c *Client) Name() string {
	return "github"
}

// ListRecentCommits returns up to limit commits from the repo's default
// branch, most recent first, skipping those authored by excludeAuthor.
func (c *Client) ListRecentCommits(ctx context.Context, repo gateway.Repo, limit int, excludeAuthor string) ([]gateway.Commit, error) {
	opts := &gh.CommitsListOptions{
		SHA:         repo.DefaultBranch,
		ListOptions: gh.ListOptions{PerPage: 100},
	}

	var commits []gateway.Commit
	for {
		page, resp, err := c.client.Repositories.ListCommits(ctx, repo.Owner, repo.Name, opts)
		if err != nil {
			return nil, fmt.Errorf("failed to list commits: %w", mapError(err))
		}
		for _, rc := range page {
			if authoredBy(rc, excludeAuthor) {
				continue
			}
			commits = append(commits, gateway.Commit{
				SHA:     rc.GetSHA(),
				Author:  commitAuthor(rc),
				Message: rc.GetCommit().GetMessage(),
				When:    rc.GetCommit().GetAuthor().GetDate().Time,
			})
			if len(commits) == limit {
				return commits, nil
			}
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}

	return commits, nil
}

// GetCommitDiff returns the unified diff of one commit, truncated to
// gateway.MaxDiffChars.
func (c *Client) GetCommitDiff(ctx context.Context, repo gateway.Repo, sha string) (string, error) {
	diff, _, err := c.client.Repositories.GetCommitRaw(ctx, repo.Owner, repo.Name, sha, gh.RawOptions{Type: gh.Diff})
	if err != nil {
		return "", fmt.Errorf("failed to get commit diff: %w", mapError(err))
	}
	return gateway.TruncateDiff(diff), nil
}

// CreateBranch creates a branch off base. A branch that already exists is
// treated as success so retried publishes are idempotent.
func (c *Client) CreateBranch(ctx context.Context, repo gateway.Repo, base, name string) error {
	baseRef, _, err := c.client.Git.GetRef(ctx, repo.Owner, repo.Name, "refs/heads/"+base)
	if err != nil {
		return fmt.Errorf("failed to resolve base branch %s: %w", base, mapError(err))
	}

	_, _, err = c.client.Git.CreateRef(ctx, repo.Owner, repo.Name, &gh.Reference{
		Ref:    gh.Ptr("refs/heads/" + name),
		Object: &gh.GitObject{SHA: baseRef.GetObject().SHA},
	})
	if err != nil {
		if refAlreadyExists(err) {
			return nil
		}
		return fmt.Errorf("failed to create branch %s: %w", name, mapError(err))
	}
	return nil
}

// CommitFile writes one file edit as a commit on branch, creating the
// file when it does not exist yet.
func (c *Client) CommitFile(ctx context.Context, repo gateway.Repo, branch string, edit gateway.FileEdit) error {
	opts := &gh.RepositoryContentFileOptions{
		Message: gh.Ptr(edit.Message),
		Content: []byte(edit.Content),
		Branch:  gh.Ptr(branch),
	}

	existing, _, resp, err := c.client.Repositories.GetContents(ctx, repo.Owner, repo.Name, edit.Path,
		&gh.RepositoryContentGetOptions{Ref: branch})
	switch {
	case err == nil && existing != nil:
		opts.SHA = existing.SHA
		_, _, err = c.client.Repositories.UpdateFile(ctx, repo.Owner, repo.Name, edit.Path, opts)
	case resp != nil && resp.StatusCode == http.StatusNotFound:
		_, _, err = c.client.Repositories.CreateFile(ctx, repo.Owner, repo.Name, edit.Path, opts)
	case err == nil:
		return fmt.Errorf("path %s is a directory, not a file", edit.Path)
	default:
		return fmt.Errorf("failed to check existing file %s: %w", edit.Path, mapError(err))
	}

	if err != nil {
		return fmt.Errorf("failed to commit %s: %w", edit.Path, mapError(err))
	}
	return nil
}

// OpenPullRequest opens a PR from head into base.
func (c *Client) OpenPullRequest(ctx context.Context, repo gateway.Repo, pr gateway.NewPullRequest) (*gateway.PullRequest, error) {
	created, _, err := c.client.PullRequests.Create(ctx, repo.Owner, repo.Name, &gh.NewPullRequest{
		Title: gh.Ptr(pr.Title),
		Body:  gh.Ptr(pr.Body),
		Head:  gh.Ptr(pr.Head),
		Base:  gh.Ptr(pr.Base),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open pull request: %w", mapError(err))
	}
	return mapPR(created), nil
}

// FindOpenPullRequest returns the open PR whose head is branch, or
// (nil, nil) when there is none.
func (c *Client) FindOpenPullRequest(ctx context.Context, repo gateway.Repo, branch string) (*gateway.PullRequest, error) {
	prs, _, err := c.client.PullRequests.List(ctx, repo.Owner, repo.Name, &gh.PullRequestListOptions{
		State:       "open",
		Head:        repo.Owner + ":" + branch,
		ListOptions: gh.ListOptions{PerPage: 10},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list pull requests: %w", mapError(err))
	}
	if len(prs) == 0 {
		return nil, nil
	}
	return mapPR(prs[0]), nil
}

// PullRequestMerged reports whether the PR has been merged, via the
// GraphQL API.
func (c *Client) PullRequestMerged(ctx context.Context, repo gateway.Repo, number int) (bool, error) {
	gql := c.graphQLClient(ctx)

	var query struct {
		Repository struct {
			PullRequest struct {
				Merged bool
			} `graphql:"pullRequest(number: $number)"`
		} `graphql:"repository(owner: $owner, name: $name)"`
	}

	vars := map[string]any{
		"owner":  githubv4.String(repo.Owner),
		"name":   githubv4.String(repo.Name),
		"number": githubv4.Int(number),
	}

	if err := gql.Query(ctx, &query, vars); err != nil {
		return false, fmt.Errorf("failed to query pull request state: %w", mapError(err))
	}
	return query.Repository.PullRequest.Merged, nil
}

// --- Internal helpers ---

// authoredBy reports whether the commit was authored by name, matching
// both the GitHub login and the git author name.
func authoredBy(rc *gh.RepositoryCommit, name string) bool {
	if name == "" {
		return false
	}
	return strings.EqualFold(rc.GetAuthor().GetLogin(), name) ||
		strings.EqualFold(rc.GetCommit().GetAuthor().GetName(), name)
}

// commitAuthor prefers the GitHub login, falling back to the git author name.
func commitAuthor(rc *gh.RepositoryCommit) string {
	if login := rc.GetAuthor().GetLogin(); login != "" {
		return login
	}
	return rc.GetCommit().GetAuthor().GetName()
}

// mapPR converts a GitHub PullRequest to the gateway type.
func mapPR(pr *gh.PullRequest) *gateway.PullRequest {
	return &gateway.PullRequest{
		Number: pr.GetNumber(),
		URL:    pr.GetHTMLURL(),
		State:  pr.GetState(),
		Merged: pr.GetMerged(),
	}
}

// refAlreadyExists detects the 422 GitHub returns when creating a ref
// that is already present.
func refAlreadyExists(err error) bool {
	var ghErr *gh.ErrorResponse
	if !errors.As(err, &ghErr) {
		return false
	}
	return ghErr.Response != nil &&
		ghErr.Response.StatusCode == http.StatusUnprocessableEntity &&
		strings.Contains(strings.ToLower(ghErr.Message), "already exists")
}

// mapError translates go-github errors into the gateway sentinels so
// callers can branch on errors.Is without importing provider types.
func mapError(err error) error {
	if err == nil {
		return nil
	}

	var rateErr *gh.RateLimitError
	if errors.As(err, &rateErr) {
		return fmt.Errorf("%w: %v", gateway.ErrRateLimited, err)
	}
	var abuseErr *gh.AbuseRateLimitError
	if errors.As(err, &abuseErr) {
		return fmt.Errorf("%w: %v", gateway.ErrRateLimited, err)
	}

	var ghErr *gh.ErrorResponse
	if errors.As(err, &ghErr) && ghErr.Response != nil {
		switch ghErr.Response.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return fmt.Errorf("%w: %v", gateway.ErrUnauthorized, err)
		case http.StatusNotFound:
			return fmt.Errorf("%w: %v", gateway.ErrNotFound, err)
		case http.StatusTooManyRequests:
			return fmt.Errorf("%w: %v", gateway.ErrRateLimited, err)
		}
	}

	// GraphQL resolution failures arrive as plain errors.
	if strings.Contains(err.Error(), "Could not resolve") {
		return fmt.Errorf("%w: %v", gateway.ErrNotFound, err)
	}

	return err
}

// graphQLClient returns (and lazily creates) the GitHub GraphQL client.
// Thread-safe via sync.Once.
func (c *Client) graphQLClient(ctx context.Context) *githubv4.Client {
	c.gqlOnce.Do(func() {
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: c.token})
		httpClient := oauth2.NewClient(ctx, ts)
		if c.gqlURL != "" {
			c.gqlClient = githubv4.NewEnterpriseClient(c.gqlURL, httpClient)
			return
		}
		c.gqlClient = githubv4.NewClient(httpClient)
	})
	return c.gqlClient
}

// Verify Client implements Backend at compile time.
var _ gateway.Backend = (*Client)(nil)
