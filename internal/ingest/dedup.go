package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	ttlcache "github.com/jellydator/ttlcache/v3"
	"golang.org/x/time/rate"

	"github.com/mendhq/mend/internal/store"
)

var (
	// ErrUnknownKey means no app is registered for the report's webhook key.
	ErrUnknownKey = errors.New("unknown webhook key")

	// ErrThrottled means the app's report intake budget is exhausted.
	ErrThrottled = errors.New("report intake throttled")
)

// Enqueuer hands newly created incidents to the per-app work queue.
type Enqueuer interface {
	Enqueue(appID, incidentID string) error
}

// Deduper resolves webhook keys to apps, collapses repeated reports into
// their live incident, and queues fresh incidents for remediation.
type Deduper struct {
	store *store.Store
	queue Enqueuer

	apps *ttlcache.Cache[string, *store.App]

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rps      rate.Limit
	burst    int
}

// NewDeduper creates a Deduper. cacheTTL bounds how long a webhook key
// lookup may be served from cache; rps/burst bound per-app intake.
func NewDeduper(s *store.Store, queue Enqueuer, cacheTTL time.Duration, rps float64, burst int) *Deduper {
	d := &Deduper{
		store:    s,
		queue:    queue,
		apps:     ttlcache.New(ttlcache.WithTTL[string, *store.App](cacheTTL)),
		limiters: make(map[string]*rate.Limiter),
		rps:      rate.Limit(rps),
		burst:    burst,
	}
	go d.apps.Start()
	return d
}

// Stop shuts down cache expiry.
func (d *Deduper) Stop() {
	d.apps.Stop()
}

// Process validates a report, resolves its app, and records the
// occurrence. The returned bool is true when a new incident was created
// (and therefore enqueued); false means the report merged into a live
// incident already in the pipeline.
func (d *Deduper) Process(ctx context.Context, report *ErrorReport) (*store.Incident, bool, error) {
	if err := report.Validate(); err != nil {
		return nil, false, err
	}

	app, err := d.lookupApp(ctx, report.WebhookKey)
	if err != nil {
		return nil, false, err
	}

	if !d.limiter(app.ID).Allow() {
		return nil, false, fmt.Errorf("%w: app %s", ErrThrottled, app.Name)
	}

	inc := &store.Incident{
		AppID:       app.ID,
		Fingerprint: Fingerprint(report.Type, report.Source, report.Message, report.StackTrace),
		Kind:        report.Type,
		Source:      report.Source,
		Message:     report.Message,
		StackTrace:  report.StackTrace,
		Logs:        string(report.Logs),
	}

	created, err := d.store.Incidents.FindOrCreate(ctx, inc)
	if err != nil {
		return nil, false, fmt.Errorf("record occurrence: %w", err)
	}

	if created {
		slog.Info("incident created",
			"app", app.Name,
			"incident", inc.ID,
			"kind", inc.Kind,
			"source", inc.Source)
		if d.queue != nil {
			if err := d.queue.Enqueue(app.ID, inc.ID); err != nil {
				// Occurrence is recorded; the poll loop requeues it.
				slog.Warn("incident not enqueued",
					"app", app.Name,
					"incident", inc.ID,
					"error", err)
			}
		}
	} else {
		slog.Debug("occurrence merged",
			"app", app.Name,
			"incident", inc.ID,
			"occurrences", inc.Occurrences)
	}

	return inc, created, nil
}

// lookupApp resolves a webhook key, serving hot keys from cache so report
// bursts do not hammer the database.
func (d *Deduper) lookupApp(ctx context.Context, key string) (*store.App, error) {
	if item := d.apps.Get(key); item != nil {
		return item.Value(), nil
	}

	app, err := d.store.Apps.GetByWebhookKey(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrUnknownKey
	}
	if err != nil {
		return nil, fmt.Errorf("resolve webhook key: %w", err)
	}

	d.apps.Set(key, app, ttlcache.DefaultTTL)
	return app, nil
}

// Forget evicts an app's webhook key from the lookup cache, used when an
// app is deleted so stale keys stop resolving immediately.
func (d *Deduper) Forget(key string) {
	d.apps.Delete(key)
}

func (d *Deduper) limiter(appID string) *rate.Limiter {
	d.mu.Lock()
	defer d.mu.Unlock()
	l, ok := d.limiters[appID]
	if !ok {
		l = rate.NewLimiter(d.rps, d.burst)
		d.limiters[appID] = l
	}
	return l
}
