package github

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gh "github.com/google/go-github/v82/github"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mendhq/mend/internal/gateway"
)

var testRepo = gateway.Repo{Owner: "acme", Name: "shop", DefaultBranch: "main"}

// newTestClient creates a Client wired to a test HTTP server.
func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	ghClient, err := gh.NewClient(nil).WithEnterpriseURLs(server.URL+"/", server.URL+"/")
	require.NoError(t, err)

	return &Client{
		client: ghClient,
		token:  "test-token",
		gqlURL: server.URL + "/api/graphql",
	}
}

func commitJSON(sha, login, name, message, date string) string {
	return fmt.Sprintf(`{
		"sha": %q,
		"commit": {
			"message": %q,
			"author": {"name": %q, "date": %q}
		},
		"author": {"login": %q}
	}`, sha, message, name, date, login)
}

func TestName(t *testing.T) {
	c := &Client{}
	assert.Equal(t, "github", c.Name())
}

func TestListRecentCommitsSkipsPipelineAuthor(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v3/repos/acme/shop/commits", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "main", r.URL.Query().Get("sha"))
		fmt.Fprintf(w, "[%s,%s,%s]",
			commitJSON("c3", "alice", "Alice", "fix checkout flow", "2026-08-20T10:00:00Z"),
			commitJSON("c2", "mend-bot", "mend-bot", "Fix: restore null guard", "2026-08-19T10:00:00Z"),
			commitJSON("c1", "", "Bob Smith", "refactor cart", "2026-08-18T10:00:00Z"),
		)
	})
	c := newTestClient(t, mux)

	commits, err := c.ListRecentCommits(t.Context(), testRepo, 5, "mend-bot")
	require.NoError(t, err)
	require.Len(t, commits, 2)
	assert.Equal(t, "c3", commits[0].SHA)
	assert.Equal(t, "alice", commits[0].Author)
	assert.Equal(t, "fix checkout flow", commits[0].Message)
	assert.Equal(t, time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC), commits[0].When)
	// No login on c1: the git author name stands in.
	assert.Equal(t, "Bob Smith", commits[1].Author)
}

func TestListRecentCommitsHonorsLimit(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v3/repos/acme/shop/commits", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "[%s,%s,%s]",
			commitJSON("c3", "alice", "Alice", "three", "2026-08-20T10:00:00Z"),
			commitJSON("c2", "alice", "Alice", "two", "2026-08-19T10:00:00Z"),
			commitJSON("c1", "alice", "Alice", "one", "2026-08-18T10:00:00Z"),
		)
	})
	c := newTestClient(t, mux)

	commits, err := c.ListRecentCommits(t.Context(), testRepo, 2, "mend-bot")
	require.NoError(t, err)
	require.Len(t, commits, 2)
	assert.Equal(t, "c3", commits[0].SHA)
	assert.Equal(t, "c2", commits[1].SHA)
}

func TestGetCommitDiffTruncates(t *testing.T) {
	huge := strings.Repeat("x", gateway.MaxDiffChars+500)
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v3/repos/acme/shop/commits/c1", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, huge)
	})
	c := newTestClient(t, mux)

	diff, err := c.GetCommitDiff(t.Context(), testRepo, "c1")
	require.NoError(t, err)
	assert.Len(t, diff, gateway.MaxDiffChars+len("\n... [truncated]"))
	assert.True(t, strings.HasSuffix(diff, "[truncated]"))
}

func TestCreateBranch(t *testing.T) {
	var createBody map[string]any
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v3/repos/acme/shop/git/ref/heads/main", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"ref": "refs/heads/main", "object": {"sha": "base123", "type": "commit"}}`)
	})
	mux.HandleFunc("POST /api/v3/repos/acme/shop/git/refs", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&createBody))
		w.WriteHeader(http.StatusCreated)
		fmt.Fprint(w, `{"ref": "refs/heads/mend/fix-abc", "object": {"sha": "base123"}}`)
	})
	c := newTestClient(t, mux)

	err := c.CreateBranch(t.Context(), testRepo, "main", "mend/fix-abc")
	require.NoError(t, err)
	assert.Equal(t, "refs/heads/mend/fix-abc", createBody["ref"])
	assert.Equal(t, "base123", createBody["sha"])
}

func TestCreateBranchAlreadyExists(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v3/repos/acme/shop/git/ref/heads/main", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"ref": "refs/heads/main", "object": {"sha": "base123", "type": "commit"}}`)
	})
	mux.HandleFunc("POST /api/v3/repos/acme/shop/git/refs", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		fmt.Fprint(w, `{"message": "Reference already exists"}`)
	})
	c := newTestClient(t, mux)

	// Re-publishing after a partial failure must not error out here.
	err := c.CreateBranch(t.Context(), testRepo, "main", "mend/fix-abc")
	assert.NoError(t, err)
}

func TestCommitFileCreatesNewFile(t *testing.T) {
	var putBody map[string]any
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v3/repos/acme/shop/contents/lib/cart.ts", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"message": "Not Found"}`)
	})
	mux.HandleFunc("PUT /api/v3/repos/acme/shop/contents/lib/cart.ts", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&putBody))
		w.WriteHeader(http.StatusCreated)
		fmt.Fprint(w, `{"content": {"sha": "new123"}}`)
	})
	c := newTestClient(t, mux)

	err := c.CommitFile(t.Context(), testRepo, "mend/fix-abc", gateway.FileEdit{
		Path:    "lib/cart.ts",
		Content: "export const x = 1\n",
		Message: "Fix: restore null guard",
	})
	require.NoError(t, err)

	assert.Equal(t, "Fix: restore null guard", putBody["message"])
	assert.Equal(t, "mend/fix-abc", putBody["branch"])
	_, hasSHA := putBody["sha"]
	assert.False(t, hasSHA)

	decoded, err := base64.StdEncoding.DecodeString(putBody["content"].(string))
	require.NoError(t, err)
	assert.Equal(t, "export const x = 1\n", string(decoded))
}

func TestCommitFileUpdatesExistingFile(t *testing.T) {
	var putBody map[string]any
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v3/repos/acme/shop/contents/lib/cart.ts", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"type": "file", "path": "lib/cart.ts", "sha": "old456"}`)
	})
	mux.HandleFunc("PUT /api/v3/repos/acme/shop/contents/lib/cart.ts", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&putBody))
		fmt.Fprint(w, `{"content": {"sha": "new123"}}`)
	})
	c := newTestClient(t, mux)

	err := c.CommitFile(t.Context(), testRepo, "mend/fix-abc", gateway.FileEdit{
		Path:    "lib/cart.ts",
		Content: "export const x = 2\n",
		Message: "Fix: adjust bound",
	})
	require.NoError(t, err)
	assert.Equal(t, "old456", putBody["sha"])
}

func TestOpenPullRequest(t *testing.T) {
	var createBody map[string]any
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v3/repos/acme/shop/pulls", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&createBody))
		w.WriteHeader(http.StatusCreated)
		fmt.Fprint(w, `{"number": 42, "state": "open", "html_url": "https://github.com/acme/shop/pull/42"}`)
	})
	c := newTestClient(t, mux)

	pr, err := c.OpenPullRequest(t.Context(), testRepo, gateway.NewPullRequest{
		Title: "Fix: restore null guard in ProductList",
		Body:  "## Root Cause\n...",
		Head:  "mend/fix-abc",
		Base:  "main",
	})
	require.NoError(t, err)
	assert.Equal(t, 42, pr.Number)
	assert.Equal(t, "https://github.com/acme/shop/pull/42", pr.URL)
	assert.Equal(t, "open", pr.State)

	assert.Equal(t, "mend/fix-abc", createBody["head"])
	assert.Equal(t, "main", createBody["base"])
}

func TestFindOpenPullRequest(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v3/repos/acme/shop/pulls", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "acme:mend/fix-abc", r.URL.Query().Get("head"))
		assert.Equal(t, "open", r.URL.Query().Get("state"))
		fmt.Fprint(w, `[{"number": 7, "state": "open", "html_url": "https://github.com/acme/shop/pull/7"}]`)
	})
	c := newTestClient(t, mux)

	pr, err := c.FindOpenPullRequest(t.Context(), testRepo, "mend/fix-abc")
	require.NoError(t, err)
	require.NotNil(t, pr)
	assert.Equal(t, 7, pr.Number)
}

func TestFindOpenPullRequestNone(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v3/repos/acme/shop/pulls", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[]`)
	})
	c := newTestClient(t, mux)

	pr, err := c.FindOpenPullRequest(t.Context(), testRepo, "mend/fix-abc")
	require.NoError(t, err)
	assert.Nil(t, pr)
}

func TestPullRequestMerged(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/graphql", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Query     string         `json:"query"`
			Variables map[string]any `json:"variables"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Contains(t, req.Query, "pullRequest")
		assert.EqualValues(t, 42, req.Variables["number"])
		fmt.Fprint(w, `{"data": {"repository": {"pullRequest": {"merged": true}}}}`)
	})
	c := newTestClient(t, mux)

	merged, err := c.PullRequestMerged(t.Context(), testRepo, 42)
	require.NoError(t, err)
	assert.True(t, merged)
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		headers map[string]string
		body    string
		want    error
	}{
		{
			name:   "unauthorized",
			status: http.StatusUnauthorized,
			body:   `{"message": "Bad credentials"}`,
			want:   gateway.ErrUnauthorized,
		},
		{
			name:   "forbidden",
			status: http.StatusForbidden,
			body:   `{"message": "Resource not accessible by integration"}`,
			want:   gateway.ErrUnauthorized,
		},
		{
			name:   "not found",
			status: http.StatusNotFound,
			body:   `{"message": "Not Found"}`,
			want:   gateway.ErrNotFound,
		},
		{
			name:   "rate limited",
			status: http.StatusForbidden,
			headers: map[string]string{
				"X-Ratelimit-Limit":     "60",
				"X-Ratelimit-Remaining": "0",
				"X-Ratelimit-Reset":     fmt.Sprint(time.Now().Add(time.Hour).Unix()),
			},
			body: `{"message": "API rate limit exceeded"}`,
			want: gateway.ErrRateLimited,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mux := http.NewServeMux()
			mux.HandleFunc("GET /api/v3/repos/acme/shop/commits", func(w http.ResponseWriter, r *http.Request) {
				for k, v := range tt.headers {
					w.Header().Set(k, v)
				}
				w.WriteHeader(tt.status)
				fmt.Fprint(w, tt.body)
			})
			c := newTestClient(t, mux)

			_, err := c.ListRecentCommits(t.Context(), testRepo, 5, "")
			assert.ErrorIs(t, err, tt.want)
		})
	}
}
