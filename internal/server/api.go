package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mendhq/mend/internal/ingest"
	"github.com/mendhq/mend/internal/metrics"
	"github.com/mendhq/mend/internal/reports"
	"github.com/mendhq/mend/internal/store"
)

// maxBodyBytes caps inbound request bodies.
const maxBodyBytes = 1 << 20

// Handler returns the full HTTP surface with metrics instrumentation.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.registerRoutes(mux)
	return instrument(mux)
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /webhooks/reports", s.handleReport)
	mux.HandleFunc("POST /webhooks/deploy", s.handleDeploy)

	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("POST /poll", s.handlePoll)
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("GET /apps", s.handleListApps)
	mux.HandleFunc("POST /apps", s.handleConnectApp)
	mux.HandleFunc("GET /apps/{id}", s.handleGetApp)
	mux.HandleFunc("DELETE /apps/{id}", s.handleDisconnectApp)
	mux.HandleFunc("GET /apps/{id}/logs", s.handleAppLogs)
	mux.HandleFunc("GET /apps/{id}/incidents", s.handleAppIncidents)

	mux.HandleFunc("GET /incidents", s.handleListIncidents)
	mux.HandleFunc("GET /incidents/{id}", s.handleGetIncident)
	mux.HandleFunc("DELETE /incidents/{id}", s.handleDeleteIncident)
	mux.HandleFunc("POST /incidents/{id}/retry", s.handleRetryIncident)
	mux.HandleFunc("POST /incidents/{id}/resolve", s.handleResolveIncident)
	mux.HandleFunc("GET /incidents/{id}/report", s.handleIncidentReport)
}

// --- Webhooks ---

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	var report ingest.ErrorReport
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&report); err != nil {
		metrics.ReportsTotal.WithLabelValues("invalid").Inc()
		writeError(w, http.StatusBadRequest, "invalid request body: %v", err)
		return
	}
	if err := report.Validate(); err != nil {
		metrics.ReportsTotal.WithLabelValues("invalid").Inc()
		writeError(w, http.StatusBadRequest, "invalid report: %v", err)
		return
	}

	inc, created, err := s.deduper.Process(r.Context(), &report)
	switch {
	case errors.Is(err, ingest.ErrUnknownKey):
		metrics.ReportsTotal.WithLabelValues("unknown_key").Inc()
		writeError(w, http.StatusNotFound, "unknown webhook key")
		return
	case errors.Is(err, ingest.ErrThrottled):
		metrics.ReportsTotal.WithLabelValues("throttled").Inc()
		writeError(w, http.StatusTooManyRequests, "report intake throttled")
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, "recording report: %v", err)
		return
	}

	result := "duplicate"
	if created {
		result = "created"
		appName := ""
		if app, err := s.store.Apps.Get(r.Context(), inc.AppID); err == nil {
			appName = app.Name
		}
		s.notify.Post(NotificationPayload{
			Event:       EventIncidentCreated,
			App:         appName,
			Incident:    inc.ID,
			Message:     inc.Message,
			Occurrences: inc.Occurrences,
		})
	}
	metrics.ReportsTotal.WithLabelValues(result).Inc()

	writeJSON(w, http.StatusAccepted, map[string]string{
		"status":      result,
		"incident_id": inc.ID,
	})
}

// deployWebhook is the payload the deployment collaborator posts as an
// app moves through a rollout.
type deployWebhook struct {
	WebhookKey string `json:"webhook_key"`
	Status     string `json:"status"`
	URL        string `json:"url,omitempty"`
	Detail     string `json:"detail,omitempty"`
}

func (s *Server) handleDeploy(w http.ResponseWriter, r *http.Request) {
	var hook deployWebhook
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&hook); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: %v", err)
		return
	}

	app, err := s.store.Apps.GetByWebhookKey(r.Context(), hook.WebhookKey)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "unknown webhook key")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "looking up app: %v", err)
		return
	}

	var target store.AppStage
	switch hook.Status {
	case "deploying":
		target = store.StageDeploying
	case "ready":
		target = store.StageReady
	case "error":
		target = store.StageError
	default:
		writeError(w, http.StatusBadRequest, "unknown deploy status %q", hook.Status)
		return
	}

	if !app.Stage.CanTransition(target) {
		writeError(w, http.StatusConflict, "app %s cannot move from %s to %s", app.Name, app.Stage, target)
		return
	}
	if err := s.store.Apps.TransitionStage(r.Context(), app.ID, app.Stage, target); err != nil {
		if errors.Is(err, store.ErrStale) {
			writeError(w, http.StatusConflict, "app %s changed stage concurrently, retry", app.Name)
			return
		}
		writeError(w, http.StatusInternalServerError, "advancing app stage: %v", err)
		return
	}

	switch target {
	case store.StageDeploying:
		s.logs.Append(app.ID, ingest.ChannelDeploy, "deployment started")
	case store.StageReady:
		line := "deployment finished"
		if hook.URL != "" {
			app.LiveURL = hook.URL
			if err := s.store.Apps.Update(r.Context(), app); err != nil {
				slog.Error("failed to record live URL", "app", app.Name, "error", err)
			}
			line = fmt.Sprintf("deployment finished, live at %s", hook.URL)
		}
		s.logs.Append(app.ID, ingest.ChannelDeploy, line)
		s.notify.Post(NotificationPayload{
			Event: EventAppReady,
			App:   app.Name,
			URL:   app.LiveURL,
		})
	case store.StageError:
		line := "deployment failed"
		if hook.Detail != "" {
			line = fmt.Sprintf("deployment failed: %s", hook.Detail)
		}
		s.logs.Append(app.ID, ingest.ChannelDeploy, line)
	}

	writeJSON(w, http.StatusOK, map[string]string{"stage": string(target)})
}

// --- Daemon surface ---

// StatusResponse is the daemon summary returned by GET /status.
type StatusResponse struct {
	Status    string         `json:"status"`
	Uptime    string         `json:"uptime"`
	Endpoint  string         `json:"endpoint"`
	Apps      int            `json:"apps"`
	Incidents map[string]int `json:"incidents"`
	Queues    map[string]int `json:"queues,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	apps, err := s.store.Apps.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "listing apps: %v", err)
		return
	}
	counts, err := s.store.Incidents.CountByStatus(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "counting incidents: %v", err)
		return
	}

	incidents := make(map[string]int, len(counts))
	for status, n := range counts {
		incidents[string(status)] = n
	}
	queues := make(map[string]int, len(apps))
	for _, app := range apps {
		depth := s.seq.Pending(app.ID)
		if _, busy := s.seq.Active(app.ID); busy {
			depth++
		}
		queues[app.Name] = depth
	}

	writeJSON(w, http.StatusOK, StatusResponse{
		Status:    "running",
		Uptime:    time.Since(serverStartTime).Round(time.Second).String(),
		Endpoint:  s.Endpoint(),
		Apps:      len(apps),
		Incidents: incidents,
		Queues:    queues,
	})
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	s.TriggerPoll()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "poll triggered"})
}

// --- Apps ---

// connectRequest registers an application for remediation.
type connectRequest struct {
	Name          string `json:"name"`
	Repo          string `json:"repo"`
	DefaultBranch string `json:"default_branch,omitempty"`
}

func (s *Server) handleConnectApp(w http.ResponseWriter, r *http.Request) {
	var req connectRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: %v", err)
		return
	}

	owner, name, ok := strings.Cut(req.Repo, "/")
	if req.Name == "" || !ok || owner == "" || name == "" {
		writeError(w, http.StatusBadRequest, "name and repo (owner/name) are required")
		return
	}

	app := &store.App{
		Name:          req.Name,
		RepoOwner:     owner,
		RepoName:      name,
		DefaultBranch: req.DefaultBranch,
		WebhookKey:    newWebhookKey(),
	}
	if err := s.store.Apps.Create(r.Context(), app); err != nil {
		writeError(w, http.StatusInternalServerError, "creating app: %v", err)
		return
	}

	slog.Info("app connected", "app", app.Name, "repo", app.Repo())

	// Onboarding talks to the provider; don't make connect wait on it.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), onboardTimeout)
		defer cancel()
		if err := s.onboard.Setup(ctx, app.ID); err != nil {
			slog.Error("app onboarding failed", "app", app.Name, "error", err)
		}
	}()

	// The webhook key appears only in this response.
	writeJSON(w, http.StatusCreated, app)
}

func (s *Server) handleListApps(w http.ResponseWriter, r *http.Request) {
	apps, err := s.store.Apps.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "listing apps: %v", err)
		return
	}
	out := make([]*store.App, 0, len(apps))
	for _, app := range apps {
		out = append(out, redactApp(app))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetApp(w http.ResponseWriter, r *http.Request) {
	app, err := s.store.Apps.Get(r.Context(), r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "app not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "loading app: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, redactApp(app))
}

func (s *Server) handleDisconnectApp(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	app, err := s.store.Apps.Get(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "app not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "loading app: %v", err)
		return
	}

	s.seq.CancelApp(id)
	s.deduper.Forget(app.WebhookKey)

	incidents, err := s.store.Incidents.ListByApp(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "listing incidents: %v", err)
		return
	}
	for _, inc := range incidents {
		if s.reports == nil {
			break
		}
		if err := s.reports.Drop(inc.ID); err != nil {
			slog.Warn("failed to drop incident reports", "incident", inc.ID, "error", err)
		}
	}

	if err := s.store.Apps.Delete(r.Context(), id); err != nil {
		writeError(w, http.StatusInternalServerError, "deleting app: %v", err)
		return
	}
	s.logs.Drop(id)

	slog.Info("app disconnected", "app", app.Name, "incidents", len(incidents))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAppLogs(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.store.Apps.Get(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "app not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "loading app: %v", err)
		return
	}

	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "invalid limit %q", v)
			return
		}
		limit = n
	}

	entries := s.logs.Tail(id, limit)
	if channel := r.URL.Query().Get("channel"); channel != "" {
		filtered := entries[:0]
		for _, e := range entries {
			if e.Channel == channel {
				filtered = append(filtered, e)
			}
		}
		entries = filtered
	}
	if entries == nil {
		entries = []ingest.LogEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleAppIncidents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.store.Apps.Get(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "app not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "loading app: %v", err)
		return
	}
	incidents, err := s.store.Incidents.ListByApp(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "listing incidents: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, incidents)
}

// --- Incidents ---

func (s *Server) handleListIncidents(w http.ResponseWriter, r *http.Request) {
	appID := r.URL.Query().Get("app")
	status := store.IncidentStatus(r.URL.Query().Get("status"))

	if status != "" {
		switch status {
		case store.StatusOpen, store.StatusAnalyzing, store.StatusPRCreated, store.StatusResolved:
		default:
			writeError(w, http.StatusBadRequest, "unknown status %q", status)
			return
		}
	}

	var (
		incidents []*store.Incident
		err       error
	)
	switch {
	case appID != "":
		incidents, err = s.store.Incidents.ListByApp(r.Context(), appID)
	case status != "":
		incidents, err = s.store.Incidents.ListByStatus(r.Context(), status)
	default:
		incidents, err = s.store.Incidents.List(r.Context())
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "listing incidents: %v", err)
		return
	}

	if appID != "" && status != "" {
		filtered := incidents[:0]
		for _, inc := range incidents {
			if inc.Status == status {
				filtered = append(filtered, inc)
			}
		}
		incidents = filtered
	}
	writeJSON(w, http.StatusOK, incidents)
}

// incidentDetail pairs an incident with its most recent analysis run.
type incidentDetail struct {
	Incident *store.Incident `json:"incident"`
	Analysis *store.Analysis `json:"analysis,omitempty"`
}

func (s *Server) handleGetIncident(w http.ResponseWriter, r *http.Request) {
	inc, err := s.store.Incidents.Get(r.Context(), r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "incident not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "loading incident: %v", err)
		return
	}

	analysis, err := s.store.Analyses.LatestByIncident(r.Context(), inc.ID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusInternalServerError, "loading analysis: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, incidentDetail{Incident: inc, Analysis: analysis})
}

func (s *Server) handleDeleteIncident(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	// Cancel first so an in-flight run stops writing to the row.
	s.seq.Cancel(id)

	if err := s.store.Incidents.Delete(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "incident not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "deleting incident: %v", err)
		return
	}
	if s.reports != nil {
		if err := s.reports.Drop(id); err != nil {
			slog.Warn("failed to drop incident reports", "incident", id, "error", err)
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRetryIncident(w http.ResponseWriter, r *http.Request) {
	inc, err := s.store.Incidents.Get(r.Context(), r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "incident not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "loading incident: %v", err)
		return
	}

	switch inc.Status {
	case store.StatusOpen, store.StatusAnalyzing:
	default:
		writeError(w, http.StatusConflict, "incident is %s, nothing to retry", inc.Status)
		return
	}

	if err := s.seq.Enqueue(inc.AppID, inc.ID); err != nil {
		writeError(w, http.StatusServiceUnavailable, "cannot queue retry: %v", err)
		return
	}
	slog.Info("incident retry queued", "incident", inc.ID)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

func (s *Server) handleResolveIncident(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.store.Incidents.MarkResolved(r.Context(), id); err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			writeError(w, http.StatusNotFound, "incident not found")
		case errors.Is(err, store.ErrStale):
			writeError(w, http.StatusConflict, "incident already resolved")
		default:
			writeError(w, http.StatusInternalServerError, "resolving incident: %v", err)
		}
		return
	}

	inc, err := s.store.Incidents.Get(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "loading incident: %v", err)
		return
	}
	metrics.ResolvedTotal.Inc()
	s.notify.Post(NotificationPayload{
		Event:    EventResolved,
		Incident: inc.ID,
		Message:  inc.Message,
	})
	writeJSON(w, http.StatusOK, inc)
}

func (s *Server) handleIncidentReport(w http.ResponseWriter, r *http.Request) {
	if s.reports == nil {
		writeError(w, http.StatusNotFound, "report storage disabled")
		return
	}
	report, err := s.reports.Latest(r.PathValue("id"))
	if errors.Is(err, reports.ErrNoReports) {
		writeError(w, http.StatusNotFound, "no report for incident")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "loading report: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// --- Internal helpers ---

// statusRecorder captures the response code for metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (w *statusRecorder) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// instrument records request counts and latencies per route pattern, so
// /incidents/{id} stays one series no matter how many incidents exist.
func instrument(mux *http.ServeMux) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		mux.ServeHTTP(rec, r)

		_, pattern := mux.Handler(r)
		if pattern == "" {
			pattern = "unmatched"
		}
		metrics.HTTPRequestsTotal.WithLabelValues(r.Method, pattern, strconv.Itoa(rec.status)).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(r.Method, pattern).Observe(time.Since(start).Seconds())
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, format string, args ...any) {
	writeJSON(w, status, map[string]string{"error": fmt.Sprintf(format, args...)})
}

// redactApp strips the webhook key; it is shown once at connect time.
func redactApp(app *store.App) *store.App {
	clean := *app
	clean.WebhookKey = ""
	return &clean
}

func newWebhookKey() string {
	return "whk_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}
