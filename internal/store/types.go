package store

import "time"

// App is a monitored application wired to one GitHub repository.
type App struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	RepoOwner     string    `json:"repo_owner"`
	RepoName      string    `json:"repo_name"`
	DefaultBranch string    `json:"default_branch"`
	WebhookKey    string    `json:"webhook_key"`
	Stage         AppStage  `json:"stage"`
	SetupPR       int       `json:"setup_pr,omitempty"`
	SetupPRURL    string    `json:"setup_pr_url,omitempty"`
	LiveURL       string    `json:"live_url,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Repo returns the owner/name slug of the app's repository.
func (a *App) Repo() string {
	return a.RepoOwner + "/" + a.RepoName
}

// Incident is one deduplicated error condition for one app.
type Incident struct {
	ID              string         `json:"id"`
	AppID           string         `json:"app_id"`
	Fingerprint     string         `json:"fingerprint"`
	Kind            string         `json:"kind"`
	Source          string         `json:"source"`
	Message         string         `json:"message"`
	StackTrace      string         `json:"stack_trace,omitempty"`
	Logs            string         `json:"logs,omitempty"`
	Status          IncidentStatus `json:"status"`
	Occurrences     int            `json:"occurrences"`
	LastSeenAt      time.Time      `json:"last_seen_at"`
	LastErrorKind   ErrorKind      `json:"last_error_kind,omitempty"`
	LastErrorDetail string         `json:"last_error_detail,omitempty"`
	ResolvedAt      *time.Time     `json:"resolved_at,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// Analysis is one root-cause analysis run for an incident, including the
// PR it produced when the run was conclusive.
type Analysis struct {
	ID              string    `json:"id"`
	IncidentID      string    `json:"incident_id"`
	Model           string    `json:"model"`
	RootCause       string    `json:"root_cause,omitempty"`
	FixSummary      string    `json:"fix_summary,omitempty"`
	FilesExamined   []string  `json:"files_examined"`
	CommitsExamined []string  `json:"commits_examined"`
	SuspectCommit   string    `json:"suspect_commit,omitempty"`
	Branch          string    `json:"branch,omitempty"`
	PRNumber        int       `json:"pr_number,omitempty"`
	PRURL           string    `json:"pr_url,omitempty"`
	InputTokens     int64     `json:"input_tokens"`
	OutputTokens    int64     `json:"output_tokens"`
	Inconclusive    bool      `json:"inconclusive"`
	CreatedAt       time.Time `json:"created_at"`
}
