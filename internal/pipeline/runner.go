package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mendhq/mend/internal/gateway"
	"github.com/mendhq/mend/internal/ingest"
	"github.com/mendhq/mend/internal/store"
)

// failureRecordTimeout bounds the detached write that records a run
// failure after the run's own context is already dead.
const failureRecordTimeout = 5 * time.Second

// Hooks receive run outcomes so callers can layer notifications,
// metrics, and report files on top without the runner knowing about
// them. Every field is optional.
type Hooks struct {
	PRCreated    func(app *store.App, inc *store.Incident, analysis *store.Analysis)
	Inconclusive func(app *store.App, inc *store.Incident, analysis *store.Analysis)
	RunFailed    func(app *store.App, inc *store.Incident, kind store.ErrorKind, detail string)
}

// Runner executes one remediation run end to end: load, analyze,
// publish, bookkeep. It never returns an error; every failure is
// recorded on the incident so the queue keeps moving.
type Runner struct {
	store     *store.Store
	analyzer  *Analyzer
	publisher *Publisher
	logs      *ingest.LogStore
	hooks     Hooks
}

// NewRunner creates a Runner.
func NewRunner(s *store.Store, analyzer *Analyzer, publisher *Publisher, logs *ingest.LogStore, hooks Hooks) *Runner {
	return &Runner{store: s, analyzer: analyzer, publisher: publisher, logs: logs, hooks: hooks}
}

// Run processes one incident. Matches the sequencer's RunFunc shape.
func (r *Runner) Run(ctx context.Context, appID, incidentID string) {
	inc, err := r.store.Incidents.Get(ctx, incidentID)
	if errors.Is(err, store.ErrNotFound) {
		slog.Debug("skipping run for deleted incident", "incident", incidentID)
		return
	}
	if err != nil {
		slog.Error("failed to load incident for run", "incident", incidentID, "error", err)
		return
	}

	app, err := r.store.Apps.Get(ctx, inc.AppID)
	if errors.Is(err, store.ErrNotFound) {
		slog.Debug("skipping run for incident of deleted app", "incident", incidentID, "app", appID)
		return
	}
	if err != nil {
		slog.Error("failed to load app for run", "incident", incidentID, "app", appID, "error", err)
		return
	}

	if err := r.store.Incidents.MarkAnalyzing(ctx, incidentID); err != nil {
		switch {
		case errors.Is(err, store.ErrStale):
			slog.Debug("incident already past analysis, skipping run", "incident", incidentID, "status", inc.Status)
		case errors.Is(err, store.ErrNotFound):
			slog.Debug("incident deleted before run started", "incident", incidentID)
		default:
			slog.Error("failed to mark incident analyzing", "incident", incidentID, "error", err)
		}
		return
	}

	slog.Info("starting remediation run",
		"incident", inc.ID,
		"app", app.Name,
		"kind", inc.Kind,
		"occurrences", inc.Occurrences)
	r.appLog(app.ID, "analyzing incident %s: %s", shortID(inc.ID), inc.Message)

	res, err := r.analyzer.Analyze(ctx, app, inc)
	if err != nil {
		r.fail(app, inc, classifyRunError(err, false), err)
		return
	}

	if err := r.store.Analyses.Create(ctx, res.Analysis); err != nil {
		r.fail(app, inc, store.ErrorKindAnalysisFailure, fmt.Errorf("recording analysis: %w", err))
		return
	}

	if res.Analysis.Inconclusive {
		slog.Info("analysis inconclusive",
			"incident", inc.ID,
			"commits_examined", len(res.Analysis.CommitsExamined))
		r.appLog(app.ID, "analysis of incident %s inconclusive: %s", shortID(inc.ID), res.Analysis.RootCause)
		r.recordFailure(inc.ID, store.ErrorKindInconclusive, res.Analysis.RootCause)
		if r.hooks.Inconclusive != nil {
			r.hooks.Inconclusive(app, inc, res.Analysis)
		}
		return
	}

	pr, branch, err := r.publisher.Publish(ctx, app, inc, res.Analysis, []gateway.FileEdit{*res.Fix})
	if err != nil {
		r.fail(app, inc, classifyRunError(err, true), err)
		return
	}

	if err := r.store.Analyses.AttachPR(ctx, res.Analysis.ID, branch, pr.Number, pr.URL); err != nil {
		// The PR exists either way; losing the reference is worth a loud
		// log but not a failed run.
		slog.Error("failed to attach PR to analysis", "analysis", res.Analysis.ID, "pr", pr.Number, "error", err)
	}
	res.Analysis.Branch = branch
	res.Analysis.PRNumber = pr.Number
	res.Analysis.PRURL = pr.URL

	if err := r.store.Incidents.Transition(ctx, inc.ID, store.StatusAnalyzing, store.StatusPRCreated); err != nil {
		if errors.Is(err, store.ErrStale) {
			slog.Warn("incident moved under a finished run, leaving it be", "incident", inc.ID)
			return
		}
		r.fail(app, inc, store.ErrorKindPublishFailure, fmt.Errorf("advancing incident: %w", err))
		return
	}

	slog.Info("remediation run complete",
		"incident", inc.ID,
		"app", app.Name,
		"pr", pr.Number,
		"url", pr.URL)
	r.appLog(app.ID, "opened fix PR #%d for incident %s", pr.Number, shortID(inc.ID))
	if r.hooks.PRCreated != nil {
		r.hooks.PRCreated(app, inc, res.Analysis)
	}
}

// --- Internal helpers ---

// fail records a failed run on the incident. A canceled run is not a
// failure: cancellation means the incident or app is being torn down.
func (r *Runner) fail(app *store.App, inc *store.Incident, kind store.ErrorKind, err error) {
	if errors.Is(err, context.Canceled) {
		slog.Info("remediation run canceled", "incident", inc.ID)
		return
	}

	slog.Error("remediation run failed",
		"incident", inc.ID,
		"app", app.Name,
		"kind", kind,
		"error", err)
	r.appLog(app.ID, "run for incident %s failed (%s): %v", shortID(inc.ID), kind, err)
	r.recordFailure(inc.ID, kind, err.Error())
	if r.hooks.RunFailed != nil {
		r.hooks.RunFailed(app, inc, kind, err.Error())
	}
}

// recordFailure writes the failure on a detached context; the run's own
// context is often already expired by the time we get here.
func (r *Runner) recordFailure(incidentID string, kind store.ErrorKind, detail string) {
	ctx, cancel := context.WithTimeout(context.Background(), failureRecordTimeout)
	defer cancel()

	if err := r.store.Incidents.RecordFailure(ctx, incidentID, kind, detail); err != nil {
		slog.Error("failed to record run failure", "incident", incidentID, "kind", kind, "error", err)
	}
}

// classifyRunError maps an error to the stable failure kind stored on
// the incident.
func classifyRunError(err error, publishing bool) store.ErrorKind {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return store.ErrorKindTimeout
	case errors.Is(err, gateway.ErrUnauthorized):
		return store.ErrorKindAuthorization
	case errors.Is(err, gateway.ErrNotFound):
		return store.ErrorKindNotFound
	case errors.Is(err, gateway.ErrRateLimited):
		return store.ErrorKindRateLimited
	case errors.Is(err, ErrMalformedAnalysis):
		return store.ErrorKindAnalysisFailure
	case publishing:
		return store.ErrorKindPublishFailure
	default:
		return store.ErrorKindAnalysisFailure
	}
}

func (r *Runner) appLog(appID, format string, args ...any) {
	if r.logs == nil {
		return
	}
	r.logs.Append(appID, ingest.ChannelPipeline, fmt.Sprintf(format, args...))
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
