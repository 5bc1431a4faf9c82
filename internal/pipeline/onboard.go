package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mendhq/mend/internal/gateway"
	"github.com/mendhq/mend/internal/ingest"
	"github.com/mendhq/mend/internal/prompts"
	"github.com/mendhq/mend/internal/store"
)

// setupBranch is where the instrumentation snippet lands. One fixed
// branch per repo keeps repeated onboarding attempts convergent.
const setupBranch = "mend/setup"

// defaultSnippetPath is where the reporter config file lands in the app
// repo unless pipeline.snippet_path says otherwise.
const defaultSnippetPath = "mend.config.json"

// Onboarder connects a registered app to its repository: it commits the
// reporting snippet on a setup branch and opens the instrumentation PR.
// The resolve loop advances the app's stage once that PR merges.
type Onboarder struct {
	store    *store.Store
	backend  gateway.Backend
	endpoint func() string
	snippet  string
	backoff  gateway.BackoffPolicy
	logs     *ingest.LogStore
}

// NewOnboarder creates an Onboarder. endpoint yields the public report
// intake URL baked into the committed snippet; it is consulted per
// attempt because a tunnel URL may appear after the server starts.
// snippetPath overrides the default snippet location when non-empty.
func NewOnboarder(s *store.Store, backend gateway.Backend, endpoint func() string, snippetPath string, backoff gateway.BackoffPolicy, logs *ingest.LogStore) *Onboarder {
	if snippetPath == "" {
		snippetPath = defaultSnippetPath
	}
	return &Onboarder{store: s, backend: backend, endpoint: endpoint, snippet: snippetPath, backoff: backoff, logs: logs}
}

// Setup runs the onboarding task for one app. Safe to call again after
// a failed or interrupted attempt: an open setup PR from before is
// adopted instead of duplicated. Apps already past integrating are
// rejected.
func (o *Onboarder) Setup(ctx context.Context, appID string) error {
	app, err := o.store.Apps.Get(ctx, appID)
	if err != nil {
		return err
	}

	switch app.Stage {
	case store.StagePending:
		if err := o.store.Apps.TransitionStage(ctx, app.ID, store.StagePending, store.StageIntegrating); err != nil && !errors.Is(err, store.ErrStale) {
			return fmt.Errorf("starting onboarding: %w", err)
		}
	case store.StageIntegrating:
		// Resuming an interrupted attempt.
	default:
		return fmt.Errorf("app %s is already %s", app.Name, app.Stage)
	}

	slog.Info("onboarding app", "app", app.Name, "repo", app.Repo())
	if err := o.publishSetupPR(ctx, app); err != nil {
		o.markFailed(app, err)
		return err
	}
	return nil
}

// --- Internal helpers ---

func (o *Onboarder) publishSetupPR(ctx context.Context, app *store.App) error {
	repo := gateway.Repo{Owner: app.RepoOwner, Name: app.RepoName, DefaultBranch: app.DefaultBranch}
	endpoint := o.endpoint()

	var existing *gateway.PullRequest
	err := o.backoff.Do(ctx, func() error {
		var err error
		existing, err = o.backend.FindOpenPullRequest(ctx, repo, setupBranch)
		return err
	})
	if err != nil {
		return fmt.Errorf("checking for open setup PR: %w", err)
	}

	pr := existing
	if pr == nil {
		if err := o.backoff.Do(ctx, func() error {
			return o.backend.CreateBranch(ctx, repo, repo.DefaultBranch, setupBranch)
		}); err != nil {
			return fmt.Errorf("creating setup branch: %w", err)
		}

		edit := gateway.FileEdit{
			Path:    o.snippet,
			Content: renderSnippet(endpoint, app.WebhookKey),
			Message: "Add error report forwarding config",
		}
		if err := o.backoff.Do(ctx, func() error {
			return o.backend.CommitFile(ctx, repo, setupBranch, edit)
		}); err != nil {
			return fmt.Errorf("committing snippet: %w", err)
		}

		body, err := o.setupPRBody(app, endpoint)
		if err != nil {
			return fmt.Errorf("rendering setup PR body: %w", err)
		}
		err = o.backoff.Do(ctx, func() error {
			var err error
			pr, err = o.backend.OpenPullRequest(ctx, repo, gateway.NewPullRequest{
				Title: fmt.Sprintf("Connect %s to automated error remediation", app.Name),
				Body:  body,
				Head:  setupBranch,
				Base:  repo.DefaultBranch,
			})
			return err
		})
		if err != nil {
			return fmt.Errorf("opening setup PR: %w", err)
		}
	} else {
		slog.Info("adopting open setup PR from an earlier attempt", "app", app.Name, "pr", pr.Number)
	}

	if err := o.store.Apps.SetSetupPR(ctx, app.ID, pr.Number, pr.URL); err != nil {
		return fmt.Errorf("recording setup PR: %w", err)
	}
	if err := o.store.Apps.TransitionStage(ctx, app.ID, store.StageIntegrating, store.StagePRCreated); err != nil && !errors.Is(err, store.ErrStale) {
		return fmt.Errorf("advancing app stage: %w", err)
	}

	slog.Info("opened setup PR", "app", app.Name, "pr", pr.Number, "url", pr.URL)
	o.appLog(app.ID, "opened setup PR #%d, merge it to start error forwarding", pr.Number)
	return nil
}

// markFailed parks the app in the terminal error stage. Reconnecting
// creates a fresh app and retries from scratch.
func (o *Onboarder) markFailed(app *store.App, cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), failureRecordTimeout)
	defer cancel()

	slog.Error("onboarding failed", "app", app.Name, "error", cause)
	o.appLog(app.ID, "onboarding failed: %v", cause)
	if err := o.store.Apps.TransitionStage(ctx, app.ID, store.StageIntegrating, store.StageError); err != nil && !errors.Is(err, store.ErrNotFound) {
		slog.Error("failed to mark app errored", "app", app.ID, "error", err)
	}
}

func (o *Onboarder) appLog(appID, format string, args ...any) {
	if o.logs == nil {
		return
	}
	o.logs.Append(appID, ingest.ChannelPipeline, fmt.Sprintf(format, args...))
}

// renderSnippet fills the reporter config template. The reporting agent
// in the app repo reads this file to know where and how to send error
// reports.
func renderSnippet(endpoint, webhookKey string) string {
	var b strings.Builder
	b.WriteString("{\n")
	fmt.Fprintf(&b, "  \"endpoint\": %q,\n", strings.TrimSuffix(endpoint, "/")+"/webhooks/reports")
	fmt.Fprintf(&b, "  \"webhook_key\": %q,\n", webhookKey)
	b.WriteString("  \"sources\": [\"server\", \"client\", \"build\", \"monitor\"]\n")
	b.WriteString("}\n")
	return b.String()
}

func (o *Onboarder) setupPRBody(app *store.App, endpoint string) (string, error) {
	return prompts.Execute("setup-pr.md", map[string]string{
		"App":         app.Name,
		"SnippetPath": o.snippet,
		"Endpoint":    endpoint,
		"Date":        time.Now().UTC().Format("2006-01-02"),
	})
}
