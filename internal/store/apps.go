package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AppRepo persists applications.
type AppRepo struct {
	db *sql.DB
}

// Create inserts a new app. Missing ID, stage, and timestamps are filled in.
func (r *AppRepo) Create(ctx context.Context, app *App) error {
	if app.ID == "" {
		app.ID = uuid.NewString()
	}
	if app.Stage == "" {
		app.Stage = StagePending
	}
	if app.DefaultBranch == "" {
		app.DefaultBranch = "main"
	}
	now := time.Now().UTC()
	app.CreatedAt = now
	app.UpdatedAt = now

	query := `
		INSERT INTO apps (id, name, repo_owner, repo_name, default_branch,
			webhook_key, stage, setup_pr, setup_pr_url, live_url, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := r.db.ExecContext(ctx, query,
		app.ID, app.Name, app.RepoOwner, app.RepoName, app.DefaultBranch,
		app.WebhookKey, string(app.Stage), nullInt(app.SetupPR), nullString(app.SetupPRURL),
		nullString(app.LiveURL), app.CreatedAt, app.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert app: %w", err)
	}
	return nil
}

// Get returns the app with the given id.
func (r *AppRepo) Get(ctx context.Context, id string) (*App, error) {
	return r.scan(r.db.QueryRowContext(ctx, appSelect+" WHERE id = ?", id))
}

// GetByWebhookKey returns the app registered for the given intake key.
func (r *AppRepo) GetByWebhookKey(ctx context.Context, key string) (*App, error) {
	return r.scan(r.db.QueryRowContext(ctx, appSelect+" WHERE webhook_key = ?", key))
}

// List returns all apps ordered by name.
func (r *AppRepo) List(ctx context.Context) ([]*App, error) {
	rows, err := r.db.QueryContext(ctx, appSelect+" ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("list apps: %w", err)
	}
	defer rows.Close()

	var apps []*App
	for rows.Next() {
		app, err := r.scan(rows)
		if err != nil {
			return nil, err
		}
		apps = append(apps, app)
	}
	return apps, rows.Err()
}

// Update rewrites the mutable fields of an app.
func (r *AppRepo) Update(ctx context.Context, app *App) error {
	app.UpdatedAt = time.Now().UTC()

	query := `
		UPDATE apps SET name = ?, repo_owner = ?, repo_name = ?, default_branch = ?,
			live_url = ?, updated_at = ?
		WHERE id = ?
	`
	result, err := r.db.ExecContext(ctx, query,
		app.Name, app.RepoOwner, app.RepoName, app.DefaultBranch,
		nullString(app.LiveURL), app.UpdatedAt, app.ID,
	)
	if err != nil {
		return fmt.Errorf("update app: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// TransitionStage moves the app from one onboarding stage to the next.
// The update is guarded on the current stage so concurrent movers cannot
// both win; losing returns ErrStale.
func (r *AppRepo) TransitionStage(ctx context.Context, id string, from, to AppStage) error {
	if !from.CanTransition(to) {
		return fmt.Errorf("illegal stage transition %s -> %s", from, to)
	}

	result, err := r.db.ExecContext(ctx,
		"UPDATE apps SET stage = ?, updated_at = ? WHERE id = ? AND stage = ?",
		string(to), time.Now().UTC(), id, string(from),
	)
	if err != nil {
		return fmt.Errorf("transition app stage: %w", err)
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

// SetSetupPR records the onboarding PR opened for the app.
func (r *AppRepo) SetSetupPR(ctx context.Context, id string, pr int, url string) error {
	result, err := r.db.ExecContext(ctx,
		"UPDATE apps SET setup_pr = ?, setup_pr_url = ?, updated_at = ? WHERE id = ?",
		pr, nullString(url), time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("set setup pr: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes an app. Incidents and analyses cascade.
func (r *AppRepo) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, "DELETE FROM apps WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete app: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

const appSelect = `
	SELECT id, name, repo_owner, repo_name, default_branch, webhook_key,
		stage, setup_pr, setup_pr_url, live_url, created_at, updated_at
	FROM apps
`

type rowScanner interface {
	Scan(dest ...any) error
}

func (r *AppRepo) scan(row rowScanner) (*App, error) {
	var app App
	var stage string
	var setupPR sql.NullInt64
	var setupPRURL, liveURL sql.NullString

	err := row.Scan(
		&app.ID, &app.Name, &app.RepoOwner, &app.RepoName, &app.DefaultBranch,
		&app.WebhookKey, &stage, &setupPR, &setupPRURL, &liveURL, &app.CreatedAt, &app.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan app: %w", err)
	}

	app.Stage = AppStage(stage)
	app.SetupPR = int(setupPR.Int64)
	app.SetupPRURL = setupPRURL.String
	app.LiveURL = liveURL.String
	return &app, nil
}

func nullInt(n int) sql.NullInt64 {
	return sql.NullInt64{Int64: int64(n), Valid: n != 0}
}
