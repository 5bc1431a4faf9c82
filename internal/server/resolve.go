package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mendhq/mend/internal/gateway"
	"github.com/mendhq/mend/internal/ingest"
	"github.com/mendhq/mend/internal/metrics"
	"github.com/mendhq/mend/internal/pipeline"
	"github.com/mendhq/mend/internal/store"
)

// RunResolveLoop polls the provider for merged PRs until ctx is
// canceled. Each pass closes out incidents whose fix PR merged,
// advances apps whose setup PR merged, and requeues incidents the
// sequencer is not working on.
func (s *Server) RunResolveLoop(ctx context.Context) {
	interval := s.cfg.Server.ParsePollInterval()
	slog.Info("starting resolve loop", "interval", interval)

	// Pick up incidents stranded by a previous process before the
	// first poll so a crash never loses queued work.
	s.requeueStranded(ctx)
	s.poll(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("resolve loop stopped")
			return
		case <-ticker.C:
			s.poll(ctx)
		case <-s.pollTrigger:
			slog.Info("immediate poll triggered")
			s.poll(ctx)
			ticker.Reset(interval)
		}
	}
}

func (s *Server) poll(ctx context.Context) {
	metrics.PollsTotal.Inc()
	s.resolveMergedFixes(ctx)
	s.advanceSetupPRs(ctx)
	s.requeueStranded(ctx)
	s.refreshGauges(ctx)
}

// resolveMergedFixes closes incidents whose fix PR has been merged.
func (s *Server) resolveMergedFixes(ctx context.Context) {
	incidents, err := s.store.Incidents.ListByStatus(ctx, store.StatusPRCreated)
	if err != nil {
		slog.Error("failed to list incidents awaiting merge", "error", err)
		return
	}

	for _, inc := range incidents {
		if ctx.Err() != nil {
			return
		}

		analysis, err := s.store.Analyses.LatestByIncident(ctx, inc.ID)
		if err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				slog.Error("failed to load analysis", "incident", inc.ID, "error", err)
			}
			continue
		}
		if analysis.PRNumber == 0 {
			continue
		}

		app, err := s.store.Apps.Get(ctx, inc.AppID)
		if err != nil {
			slog.Error("failed to load app", "incident", inc.ID, "error", err)
			continue
		}
		repo := gateway.Repo{Owner: app.RepoOwner, Name: app.RepoName, DefaultBranch: app.DefaultBranch}

		merged, err := s.backend.PullRequestMerged(ctx, repo, analysis.PRNumber)
		if err != nil {
			slog.Warn("failed to check fix PR", "incident", inc.ID, "pr", analysis.PRNumber, "error", err)
			continue
		}
		if !merged {
			continue
		}

		if err := s.store.Incidents.MarkResolved(ctx, inc.ID); err != nil {
			if !errors.Is(err, store.ErrStale) {
				slog.Error("failed to resolve incident", "incident", inc.ID, "error", err)
			}
			continue
		}

		slog.Info("incident resolved", "incident", inc.ID, "app", app.Name, "pr", analysis.PRNumber)
		metrics.ResolvedTotal.Inc()
		s.logs.Append(app.ID, ingest.ChannelPipeline,
			fmt.Sprintf("fix PR #%d merged, incident resolved", analysis.PRNumber))
		s.notify.Post(NotificationPayload{
			Event:    EventResolved,
			App:      app.Name,
			Incident: inc.ID,
			Message:  inc.Message,
			URL:      analysis.PRURL,
		})
	}
}

// advanceSetupPRs moves apps forward once their onboarding PR merges.
func (s *Server) advanceSetupPRs(ctx context.Context) {
	apps, err := s.store.Apps.List(ctx)
	if err != nil {
		slog.Error("failed to list apps", "error", err)
		return
	}

	for _, app := range apps {
		if ctx.Err() != nil {
			return
		}
		if app.Stage != store.StagePRCreated || app.SetupPR == 0 {
			continue
		}

		repo := gateway.Repo{Owner: app.RepoOwner, Name: app.RepoName, DefaultBranch: app.DefaultBranch}
		merged, err := s.backend.PullRequestMerged(ctx, repo, app.SetupPR)
		if err != nil {
			slog.Warn("failed to check setup PR", "app", app.Name, "pr", app.SetupPR, "error", err)
			continue
		}
		if !merged {
			continue
		}

		if err := s.store.Apps.TransitionStage(ctx, app.ID, store.StagePRCreated, store.StagePRMerged); err != nil {
			if !errors.Is(err, store.ErrStale) {
				slog.Error("failed to advance app stage", "app", app.Name, "error", err)
			}
			continue
		}
		slog.Info("setup PR merged", "app", app.Name, "pr", app.SetupPR)
		s.logs.Append(app.ID, ingest.ChannelPipeline,
			fmt.Sprintf("setup PR #%d merged, waiting for deployment", app.SetupPR))
	}
}

// requeueStranded puts open and analyzing incidents back on their app
// queue. Enqueue ignores incidents already queued or running, so a
// sweep never double-runs anything. Incidents whose last run failed
// stay parked until someone retries them.
func (s *Server) requeueStranded(ctx context.Context) {
	for _, status := range []store.IncidentStatus{store.StatusOpen, store.StatusAnalyzing} {
		incidents, err := s.store.Incidents.ListByStatus(ctx, status)
		if err != nil {
			slog.Error("failed to list incidents", "status", status, "error", err)
			continue
		}
		for _, inc := range incidents {
			if ctx.Err() != nil {
				return
			}
			if inc.LastErrorKind != "" {
				continue
			}
			if err := s.seq.Enqueue(inc.AppID, inc.ID); err != nil {
				if errors.Is(err, pipeline.ErrQueueFull) {
					slog.Warn("requeue deferred, app queue full", "incident", inc.ID)
					continue
				}
				slog.Error("failed to requeue incident", "incident", inc.ID, "error", err)
			}
		}
	}
}

// refreshGauges publishes incident counts and queue depths.
func (s *Server) refreshGauges(ctx context.Context) {
	counts, err := s.store.Incidents.CountByStatus(ctx)
	if err != nil {
		slog.Error("failed to count incidents", "error", err)
		return
	}
	for _, status := range []store.IncidentStatus{
		store.StatusOpen, store.StatusAnalyzing, store.StatusPRCreated, store.StatusResolved,
	} {
		metrics.IncidentsByStatus.WithLabelValues(string(status)).Set(float64(counts[status]))
	}

	apps, err := s.store.Apps.List(ctx)
	if err != nil {
		slog.Error("failed to list apps", "error", err)
		return
	}
	for _, app := range apps {
		depth := s.seq.Pending(app.ID)
		if _, busy := s.seq.Active(app.ID); busy {
			depth++
		}
		metrics.QueueDepth.WithLabelValues(app.Name).Set(float64(depth))
	}
}
