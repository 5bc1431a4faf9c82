package store

// IncidentStatus is the remediation lifecycle state of an incident.
type IncidentStatus string

const (
	StatusOpen      IncidentStatus = "open"
	StatusAnalyzing IncidentStatus = "analyzing"
	StatusPRCreated IncidentStatus = "pr_created"
	StatusResolved  IncidentStatus = "resolved"
)

// incidentTransitions enumerates the legal status moves. A failed run
// stays in analyzing (retried explicitly, never silently reset to open),
// and resolved is terminal.
var incidentTransitions = map[IncidentStatus][]IncidentStatus{
	StatusOpen:      {StatusAnalyzing, StatusResolved},
	StatusAnalyzing: {StatusPRCreated, StatusResolved},
	StatusPRCreated: {StatusResolved},
	StatusResolved:  {},
}

// Valid reports whether s is a known incident status.
func (s IncidentStatus) Valid() bool {
	_, ok := incidentTransitions[s]
	return ok
}

// CanTransition reports whether moving from s to next is legal.
func (s IncidentStatus) CanTransition(next IncidentStatus) bool {
	for _, t := range incidentTransitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transitions are possible from s.
func (s IncidentStatus) Terminal() bool {
	return len(incidentTransitions[s]) == 0
}

// AppStage is the onboarding lifecycle state of an application, tracked
// independently of incident status.
type AppStage string

const (
	StagePending     AppStage = "pending"
	StageIntegrating AppStage = "integrating"
	StagePRCreated   AppStage = "pr_created"
	StagePRMerged    AppStage = "pr_merged"
	StageDeploying   AppStage = "deploying"
	StageReady       AppStage = "ready"
	StageError       AppStage = "error"
)

// appTransitions enumerates the legal onboarding moves. A ready app can
// re-enter deploying on a fresh deployment, and error is terminal.
var appTransitions = map[AppStage][]AppStage{
	StagePending:     {StageIntegrating, StageError},
	StageIntegrating: {StagePRCreated, StageError},
	StagePRCreated:   {StagePRMerged, StageError},
	StagePRMerged:    {StageDeploying, StageError},
	StageDeploying:   {StageReady, StageError},
	StageReady:       {StageDeploying, StageError},
	StageError:       {},
}

// Valid reports whether s is a known app stage.
func (s AppStage) Valid() bool {
	_, ok := appTransitions[s]
	return ok
}

// CanTransition reports whether moving from s to next is legal.
func (s AppStage) CanTransition(next AppStage) bool {
	for _, t := range appTransitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// ErrorKind classifies why a pipeline run failed. Stored on the incident
// so retries and operators can see the most recent failure cause.
type ErrorKind string

const (
	ErrorKindInconclusive    ErrorKind = "inconclusive"
	ErrorKindPublishFailure  ErrorKind = "publish_failure"
	ErrorKindAuthorization   ErrorKind = "authorization"
	ErrorKindNotFound        ErrorKind = "not_found"
	ErrorKindRateLimited     ErrorKind = "rate_limited"
	ErrorKindAnalysisFailure ErrorKind = "analysis_failure"
	ErrorKindTimeout         ErrorKind = "timeout"
)
