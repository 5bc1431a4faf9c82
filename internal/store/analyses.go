package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AnalysisRepo persists root-cause analysis runs.
type AnalysisRepo struct {
	db *sql.DB
}

// Create inserts a completed analysis run.
func (r *AnalysisRepo) Create(ctx context.Context, a *Analysis) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	a.CreatedAt = time.Now().UTC()

	files, err := json.Marshal(orEmpty(a.FilesExamined))
	if err != nil {
		return fmt.Errorf("marshal files examined: %w", err)
	}
	commits, err := json.Marshal(orEmpty(a.CommitsExamined))
	if err != nil {
		return fmt.Errorf("marshal commits examined: %w", err)
	}

	query := `
		INSERT INTO analyses (id, incident_id, model, root_cause, fix_summary,
			files_examined, commits_examined, suspect_commit, branch, pr_number,
			pr_url, input_tokens, output_tokens, inconclusive, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = r.db.ExecContext(ctx, query,
		a.ID, a.IncidentID, a.Model, nullString(a.RootCause), nullString(a.FixSummary),
		string(files), string(commits), nullString(a.SuspectCommit), nullString(a.Branch),
		nullInt(a.PRNumber), nullString(a.PRURL), a.InputTokens, a.OutputTokens,
		boolToInt(a.Inconclusive), a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert analysis: %w", err)
	}
	return nil
}

// AttachPR records the branch and pull request the run produced.
func (r *AnalysisRepo) AttachPR(ctx context.Context, id, branch string, number int, url string) error {
	result, err := r.db.ExecContext(ctx,
		"UPDATE analyses SET branch = ?, pr_number = ?, pr_url = ? WHERE id = ?",
		branch, number, url, id,
	)
	if err != nil {
		return fmt.Errorf("attach pr to analysis: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// Get returns the analysis with the given id.
func (r *AnalysisRepo) Get(ctx context.Context, id string) (*Analysis, error) {
	return r.scan(r.db.QueryRowContext(ctx, analysisSelect+" WHERE id = ?", id))
}

// LatestByIncident returns the incident's most recent analysis run.
func (r *AnalysisRepo) LatestByIncident(ctx context.Context, incidentID string) (*Analysis, error) {
	return r.scan(r.db.QueryRowContext(ctx,
		analysisSelect+" WHERE incident_id = ? ORDER BY created_at DESC LIMIT 1", incidentID))
}

// ListByIncident returns all runs for an incident, newest first.
func (r *AnalysisRepo) ListByIncident(ctx context.Context, incidentID string) ([]*Analysis, error) {
	rows, err := r.db.QueryContext(ctx,
		analysisSelect+" WHERE incident_id = ? ORDER BY created_at DESC", incidentID)
	if err != nil {
		return nil, fmt.Errorf("list analyses: %w", err)
	}
	defer rows.Close()

	var analyses []*Analysis
	for rows.Next() {
		a, err := r.scan(rows)
		if err != nil {
			return nil, err
		}
		analyses = append(analyses, a)
	}
	return analyses, rows.Err()
}

const analysisSelect = `
	SELECT id, incident_id, model, root_cause, fix_summary, files_examined,
		commits_examined, suspect_commit, branch, pr_number, pr_url,
		input_tokens, output_tokens, inconclusive, created_at
	FROM analyses
`

func (r *AnalysisRepo) scan(row rowScanner) (*Analysis, error) {
	var a Analysis
	var rootCause, fixSummary, suspectCommit, branch, prURL sql.NullString
	var prNumber sql.NullInt64
	var files, commits string
	var inconclusive int

	err := row.Scan(
		&a.ID, &a.IncidentID, &a.Model, &rootCause, &fixSummary, &files,
		&commits, &suspectCommit, &branch, &prNumber, &prURL,
		&a.InputTokens, &a.OutputTokens, &inconclusive, &a.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan analysis: %w", err)
	}

	a.RootCause = rootCause.String
	a.FixSummary = fixSummary.String
	a.SuspectCommit = suspectCommit.String
	a.Branch = branch.String
	a.PRNumber = int(prNumber.Int64)
	a.PRURL = prURL.String
	a.Inconclusive = inconclusive != 0

	if err := json.Unmarshal([]byte(files), &a.FilesExamined); err != nil {
		return nil, fmt.Errorf("unmarshal files examined: %w", err)
	}
	if err := json.Unmarshal([]byte(commits), &a.CommitsExamined); err != nil {
		return nil, fmt.Errorf("unmarshal commits examined: %w", err)
	}
	return &a, nil
}

func orEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
