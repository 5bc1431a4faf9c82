// Package server hosts the HTTP surface, wires the remediation pipeline
// together, and runs the resolve loop that tracks fix PRs to merge.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/mendhq/mend/internal/config"
	"github.com/mendhq/mend/internal/gateway"
	"github.com/mendhq/mend/internal/gateway/github"
	"github.com/mendhq/mend/internal/ingest"
	"github.com/mendhq/mend/internal/llm"
	"github.com/mendhq/mend/internal/metrics"
	"github.com/mendhq/mend/internal/pipeline"
	"github.com/mendhq/mend/internal/reports"
	"github.com/mendhq/mend/internal/store"
	"github.com/mendhq/mend/internal/tunnel"
)

// serverStartTime tracks when the server started, for uptime reporting.
var serverStartTime = time.Now()

// onboardTimeout bounds a background onboarding attempt kicked off by
// the connect endpoint.
const onboardTimeout = 2 * time.Minute

// appLogCapacity is the per-app activity feed size.
const appLogCapacity = 500

// Deps carries the externally constructed collaborators so tests can
// substitute fakes for the provider and the reasoning engine.
type Deps struct {
	Store   *store.Store
	Backend gateway.Backend
	LLM     llm.Client
	Reports *reports.Store
}

// Server owns one store and everything that moves incidents through it:
// report intake, the per-app sequencer, the remediation runner, app
// onboarding, and the management API.
type Server struct {
	cfg     *config.Config
	store   *store.Store
	backend gateway.Backend
	logs    *ingest.LogStore
	reports *reports.Store
	notify  *Notifier
	tunnel  *tunnel.Manager

	deduper *ingest.Deduper
	seq     *pipeline.Sequencer
	runner  *pipeline.Runner
	onboard *pipeline.Onboarder

	pollTrigger chan struct{}
}

// New wires a Server from configuration and its collaborators.
func New(cfg *config.Config, deps Deps) *Server {
	s := &Server{
		cfg:         cfg,
		store:       deps.Store,
		backend:     deps.Backend,
		logs:        ingest.NewLogStore(appLogCapacity),
		reports:     deps.Reports,
		notify:      NewNotifier(cfg.Notify),
		pollTrigger: make(chan struct{}, 1),
	}
	if cfg.Server.Tunnel {
		s.tunnel = tunnel.NewManager()
	}

	backoff := gateway.DefaultBackoff()
	if n := cfg.Pipeline.MaxRetryAttempts; n > 0 {
		backoff.Attempts = n
	}

	analyzer := pipeline.NewAnalyzer(deps.LLM, deps.Backend, pipeline.AnalyzerConfig{
		CommitWindow:  cfg.Pipeline.CommitWindow,
		WindowCeiling: cfg.Pipeline.CommitWindowCeiling,
		MaxTokens:     cfg.LLM.MaxOutputTokens,
		BotAuthor:     cfg.Pipeline.BotAuthor,
		Backoff:       backoff,
	})
	publisher := pipeline.NewPublisher(deps.Backend, cfg.Pipeline.BranchPrefix, backoff)

	s.runner = pipeline.NewRunner(deps.Store, analyzer, publisher, s.logs, pipeline.Hooks{
		PRCreated:    s.onPRCreated,
		Inconclusive: s.onInconclusive,
		RunFailed:    s.onRunFailed,
	})
	s.seq = pipeline.NewSequencer(s.timedRun, cfg.Pipeline.QueueCapacity, cfg.Pipeline.ParseRunTimeout())
	s.onboard = pipeline.NewOnboarder(deps.Store, deps.Backend, s.Endpoint, cfg.Pipeline.SnippetPath, backoff, s.logs)
	s.deduper = ingest.NewDeduper(deps.Store, s.seq, cfg.Ingest.ParseCacheTTL(),
		cfg.Ingest.RateLimitRPS, cfg.Ingest.RateLimitBurst)

	return s
}

// Endpoint returns the base URL apps report to. An explicit public_url
// wins, then a live tunnel, then the bind address.
func (s *Server) Endpoint() string {
	if u := s.cfg.Server.PublicURL; u != "" {
		return u
	}
	if s.tunnel != nil {
		if u := s.tunnel.URL(); u != "" {
			return u
		}
	}
	return fmt.Sprintf("http://%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
}

// TriggerPoll nudges the resolve loop without waiting for the ticker.
// Non-blocking: a trigger while one is pending is folded into it.
func (s *Server) TriggerPoll() {
	select {
	case s.pollTrigger <- struct{}{}:
	default:
	}
}

// Close stops the sequencer, the intake cache, and the tunnel. Run
// calls it on the way out; tests that never call Run use it directly.
func (s *Server) Close() {
	s.seq.Stop()
	s.deduper.Stop()
	if s.tunnel != nil {
		s.tunnel.Stop()
	}
}

// Run serves the API and the resolve loop until ctx is canceled.
func (s *Server) Run(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	if s.tunnel != nil {
		s.tunnel.OnChange(func(url string) {
			if url != "" {
				slog.Info("report intake reachable through tunnel", "url", url)
			}
		})
		switch err := s.tunnel.Start(ctx, s.cfg.Server.Port); {
		case errors.Is(err, tunnel.ErrNotInstalled):
			slog.Warn("tunnel requested but devtunnel is not installed, apps must reach the daemon directly")
		case err != nil:
			slog.Warn("tunnel startup failed", "error", err)
		}
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.RunResolveLoop(ctx)
	}()

	go func() {
		<-ctx.Done()
		slog.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
	}()

	slog.Info("server listening", "addr", addr)
	err := httpServer.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}

	wg.Wait()
	s.Close()
	slog.Info("server stopped")
	return nil
}

// RunServer opens the store, connects the collaborators named in cfg,
// and serves until ctx is canceled.
func RunServer(ctx context.Context, cfg *config.Config) error {
	metrics.SetBuildInfo(config.Version, config.Commit, config.BuildTime)

	dbPath := config.ExpandPath(cfg.Storage.Path)
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}
	st, err := store.Open(dbPath)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	backend, err := github.NewClient(cfg.GitHub.Token, cfg.GitHub.APIURL)
	if err != nil {
		return fmt.Errorf("creating github client: %w", err)
	}

	client, err := llm.NewOpenAIClient(cfg.LLM.Model)
	if err != nil {
		return fmt.Errorf("creating llm client: %w", err)
	}

	srv := New(cfg, Deps{
		Store:   st,
		Backend: backend,
		LLM:     client,
		Reports: reports.NewStore(config.ExpandPath(cfg.Storage.ReportsDir)),
	})
	return srv.Run(ctx)
}

// --- Run outcome hooks ---

// timedRun is the sequencer's RunFunc: the runner plus run timing.
func (s *Server) timedRun(ctx context.Context, appID, incidentID string) {
	start := time.Now()
	s.runner.Run(ctx, appID, incidentID)
	metrics.RunDuration.Observe(time.Since(start).Seconds())
}

func (s *Server) onPRCreated(app *store.App, inc *store.Incident, analysis *store.Analysis) {
	metrics.RunsTotal.WithLabelValues("pr_created").Inc()
	s.countTokens(analysis)
	s.writeReport(app, inc, analysis)
	s.notify.Post(NotificationPayload{
		Event:       EventPRCreated,
		App:         app.Name,
		Incident:    inc.ID,
		Message:     inc.Message,
		URL:         analysis.PRURL,
		Occurrences: inc.Occurrences,
	})
}

func (s *Server) onInconclusive(app *store.App, inc *store.Incident, analysis *store.Analysis) {
	metrics.RunsTotal.WithLabelValues("inconclusive").Inc()
	s.countTokens(analysis)
	s.writeReport(app, inc, analysis)
	s.notify.Post(NotificationPayload{
		Event:    EventAnalysisFailed,
		App:      app.Name,
		Incident: inc.ID,
		Message:  inc.Message,
		Kind:     string(store.ErrorKindInconclusive),
		Detail:   analysis.RootCause,
	})
}

func (s *Server) onRunFailed(app *store.App, inc *store.Incident, kind store.ErrorKind, detail string) {
	metrics.RunsTotal.WithLabelValues(string(kind)).Inc()
	s.notify.Post(NotificationPayload{
		Event:    EventAnalysisFailed,
		App:      app.Name,
		Incident: inc.ID,
		Message:  inc.Message,
		Kind:     string(kind),
		Detail:   detail,
	})
}

func (s *Server) countTokens(analysis *store.Analysis) {
	metrics.LLMTokensTotal.WithLabelValues("input").Add(float64(analysis.InputTokens))
	metrics.LLMTokensTotal.WithLabelValues("output").Add(float64(analysis.OutputTokens))
}

func (s *Server) writeReport(app *store.App, inc *store.Incident, analysis *store.Analysis) {
	if s.reports == nil {
		return
	}
	path, err := s.reports.Write(app, inc, analysis)
	if err != nil {
		slog.Error("failed to write analysis report", "incident", inc.ID, "error", err)
		return
	}
	slog.Debug("analysis report written", "path", path)
}
