package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// IncidentRepo persists incidents.
type IncidentRepo struct {
	db *sql.DB
}

// FindOrCreate records one occurrence of a fingerprint. If no live
// (non-resolved) incident exists for (app, fingerprint) a new one is
// inserted in status open; otherwise the occurrence merges into the
// existing incident without advancing its status. The partial unique
// index makes this a single atomic statement, so two simultaneous
// reports for the same defect cannot fork into two incidents.
//
// inc is updated in place with the canonical row. The returned bool is
// true when this call created the incident.
func (r *IncidentRepo) FindOrCreate(ctx context.Context, inc *Incident) (bool, error) {
	if inc.ID == "" {
		inc.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	inc.LastSeenAt = now

	query := `
		INSERT INTO incidents (id, app_id, fingerprint, kind, source, message,
			stack_trace, logs, status, occurrences, last_seen_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 'open', 1, ?, ?, ?)
		ON CONFLICT(app_id, fingerprint) WHERE status != 'resolved' DO UPDATE SET
			occurrences = occurrences + 1,
			stack_trace = COALESCE(excluded.stack_trace, stack_trace),
			logs = COALESCE(excluded.logs, logs),
			last_seen_at = excluded.last_seen_at,
			updated_at = excluded.updated_at
		RETURNING id, status, occurrences, created_at
	`
	row := r.db.QueryRowContext(ctx, query,
		inc.ID, inc.AppID, inc.Fingerprint, inc.Kind, inc.Source, inc.Message,
		nullString(inc.StackTrace), nullString(inc.Logs), now, now, now,
	)

	var status string
	if err := row.Scan(&inc.ID, &status, &inc.Occurrences, &inc.CreatedAt); err != nil {
		return false, fmt.Errorf("upsert incident: %w", err)
	}
	inc.Status = IncidentStatus(status)
	inc.UpdatedAt = now

	return inc.Occurrences == 1, nil
}

// Get returns the incident with the given id.
func (r *IncidentRepo) Get(ctx context.Context, id string) (*Incident, error) {
	return r.scan(r.db.QueryRowContext(ctx, incidentSelect+" WHERE id = ?", id))
}

// List returns all incidents, most recently seen first.
func (r *IncidentRepo) List(ctx context.Context) ([]*Incident, error) {
	return r.query(ctx, incidentSelect+" ORDER BY last_seen_at DESC")
}

// ListByApp returns the app's incidents, most recently seen first.
func (r *IncidentRepo) ListByApp(ctx context.Context, appID string) ([]*Incident, error) {
	return r.query(ctx, incidentSelect+" WHERE app_id = ? ORDER BY last_seen_at DESC", appID)
}

// ListByStatus returns all incidents in the given status, oldest first so
// recovery and polling work through the backlog in arrival order.
func (r *IncidentRepo) ListByStatus(ctx context.Context, status IncidentStatus) ([]*Incident, error) {
	return r.query(ctx, incidentSelect+" WHERE status = ? ORDER BY created_at ASC", string(status))
}

// Transition moves an incident from one status to the next, enforcing the
// lifecycle table. The update is guarded on the current status; if another
// writer got there first the call returns ErrStale. A successful forward
// move clears any recorded failure.
func (r *IncidentRepo) Transition(ctx context.Context, id string, from, to IncidentStatus) error {
	if !from.CanTransition(to) {
		return fmt.Errorf("illegal status transition %s -> %s", from, to)
	}

	result, err := r.db.ExecContext(ctx, `
		UPDATE incidents SET status = ?, last_error_kind = NULL,
			last_error_detail = NULL, updated_at = ?
		WHERE id = ? AND status = ?
	`, string(to), time.Now().UTC(), id, string(from))
	if err != nil {
		return fmt.Errorf("transition incident: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		if _, err := r.Get(ctx, id); err != nil {
			return err
		}
		return ErrStale
	}
	return nil
}

// MarkAnalyzing moves an incident into analyzing as it is dequeued and
// wipes any failure recorded by an earlier run. An incident already
// analyzing (an explicit retry) passes through; one that was resolved
// or advanced in the meantime returns ErrStale so the caller skips the
// run.
func (r *IncidentRepo) MarkAnalyzing(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE incidents SET status = 'analyzing', last_error_kind = NULL,
			last_error_detail = NULL, updated_at = ?
		WHERE id = ? AND status IN ('open', 'analyzing')
	`, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("mark incident analyzing: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		if _, err := r.Get(ctx, id); err != nil {
			return err
		}
		return ErrStale
	}
	return nil
}

// MarkResolved resolves an incident from any live status and stamps
// resolved_at. Resolving an already resolved incident returns ErrStale.
func (r *IncidentRepo) MarkResolved(ctx context.Context, id string) error {
	now := time.Now().UTC()
	result, err := r.db.ExecContext(ctx, `
		UPDATE incidents SET status = 'resolved', resolved_at = ?, updated_at = ?
		WHERE id = ? AND status != 'resolved'
	`, now, now, id)
	if err != nil {
		return fmt.Errorf("mark incident resolved: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		if _, err := r.Get(ctx, id); err != nil {
			return err
		}
		return ErrStale
	}
	return nil
}

// RecordFailure stores the most recent pipeline failure on the incident.
// Status is left alone: a failed run stays in analyzing until retried or
// resolved by hand.
func (r *IncidentRepo) RecordFailure(ctx context.Context, id string, kind ErrorKind, detail string) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE incidents SET last_error_kind = ?, last_error_detail = ?, updated_at = ?
		WHERE id = ?
	`, string(kind), detail, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("record incident failure: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes an incident. Analyses cascade.
func (r *IncidentRepo) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, "DELETE FROM incidents WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete incident: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// CountByStatus returns incident counts grouped by status.
func (r *IncidentRepo) CountByStatus(ctx context.Context) (map[IncidentStatus]int, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT status, COUNT(*) FROM incidents GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("count incidents: %w", err)
	}
	defer rows.Close()

	counts := make(map[IncidentStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan incident count: %w", err)
		}
		counts[IncidentStatus(status)] = n
	}
	return counts, rows.Err()
}

const incidentSelect = `
	SELECT id, app_id, fingerprint, kind, source, message, stack_trace, logs,
		status, occurrences, last_seen_at, last_error_kind, last_error_detail,
		resolved_at, created_at, updated_at
	FROM incidents
`

func (r *IncidentRepo) query(ctx context.Context, query string, args ...any) ([]*Incident, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query incidents: %w", err)
	}
	defer rows.Close()

	var incidents []*Incident
	for rows.Next() {
		inc, err := r.scan(rows)
		if err != nil {
			return nil, err
		}
		incidents = append(incidents, inc)
	}
	return incidents, rows.Err()
}

func (r *IncidentRepo) scan(row rowScanner) (*Incident, error) {
	var inc Incident
	var status string
	var stackTrace, logs, errorKind, errorDetail sql.NullString
	var resolvedAt sql.NullTime

	err := row.Scan(
		&inc.ID, &inc.AppID, &inc.Fingerprint, &inc.Kind, &inc.Source, &inc.Message,
		&stackTrace, &logs, &status, &inc.Occurrences, &inc.LastSeenAt,
		&errorKind, &errorDetail, &resolvedAt, &inc.CreatedAt, &inc.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan incident: %w", err)
	}

	inc.Status = IncidentStatus(status)
	inc.StackTrace = stackTrace.String
	inc.Logs = logs.String
	inc.LastErrorKind = ErrorKind(errorKind.String)
	inc.LastErrorDetail = errorDetail.String
	if resolvedAt.Valid {
		t := resolvedAt.Time
		inc.ResolvedAt = &t
	}
	return &inc, nil
}
