// Package model holds the Mission Runtime's data model: Mission,
// MissionStep, MissionLog, Job and Settings. Every JSON-typed field is kept
// opaque to the Store (see internal/store) and parsed at these boundary
// types only.
package model

import "time"

// MissionStatus is the wire-exact status alphabet used by the external CRUD
// layer; values must match exactly, they are persisted and compared as
// strings.
type MissionStatus string

const (
	StatusQueued               MissionStatus = "QUEUED"
	StatusPlanning             MissionStatus = "PLANNING"
	StatusWaitingPlanApproval  MissionStatus = "WAITING_PLAN_APPROVAL"
	StatusExecuting            MissionStatus = "EXECUTING"
	StatusPaused               MissionStatus = "PAUSED"
	StatusWaitingInput         MissionStatus = "WAITING_INPUT"
	StatusValidating           MissionStatus = "VALIDATING"
	StatusWaitingReview        MissionStatus = "WAITING_REVIEW"
	StatusCompleted            MissionStatus = "COMPLETED"
	StatusFailed               MissionStatus = "FAILED"
)

// Terminal reports whether status is one the controller loop exits on.
func (s MissionStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// TokenUsage tracks prompt/completion/total tokens for one role or the
// mission-wide sum.
type TokenUsage struct {
	Prompt     int `json:"prompt"`
	Completion int `json:"completion"`
	Total      int `json:"total"`
}

// Add accumulates u2 into u in place.
func (u *TokenUsage) Add(u2 TokenUsage) {
	u.Prompt += u2.Prompt
	u.Completion += u2.Completion
	u.Total += u2.Total
}

// MissionTokenUsage is the nested per-role/total token accounting stored as
// Mission.TokenUsage.
type MissionTokenUsage struct {
	Planner       TokenUsage `json:"planner"`
	Coder         TokenUsage `json:"coder"`
	Troubleshoot  TokenUsage `json:"troubleshooter"`
	Guard         TokenUsage `json:"guard"`
	Total         TokenUsage `json:"total"`
}

// Recompute sets Total to the sum of the per-role buckets, satisfying the
// testable property that mission token_usage.total equals the sum over
// per-role buckets.
func (m *MissionTokenUsage) Recompute() {
	var t TokenUsage
	t.Add(m.Planner)
	t.Add(m.Coder)
	t.Add(m.Troubleshoot)
	t.Add(m.Guard)
	m.Total = t
}

// Mission is a user goal under execution.
type Mission struct {
	ID                   string
	ProjectID            string
	Goal                 string
	Title                string // supplemented: LLM-generated short title, best-effort
	Status               MissionStatus
	RepoURL              string
	LatestUserInput      string
	LatestAgentQuestion  string
	PlanReasoning        string
	FailReason           string
	ResultSummary        string
	StartedAt            *time.Time
	FinishedAt           *time.Time
	TotalDurationMs      *int64
	AIProvider           string
	AIModel              string
	TokenUsage           MissionTokenUsage
	UpdatedAt            time.Time
}

// StepStatus is the MissionStep status alphabet.
type StepStatus string

const (
	StepPending    StepStatus = "PENDING"
	StepInProgress StepStatus = "IN_PROGRESS"
	StepDone       StepStatus = "DONE"
	StepFailed     StepStatus = "FAILED"
	StepBlocked    StepStatus = "BLOCKED"
)

// DefaultStepTimeoutMs is the default MissionStep.TimeoutMs.
const DefaultStepTimeoutMs = 300_000

// DefaultMaxRetries is the default MissionStep.MaxRetries.
const DefaultMaxRetries = 2

// MissionStep is one entry in the current plan.
type MissionStep struct {
	ID           string
	MissionID    string
	OrderIndex   int
	Description  string
	Command      string
	Status       StepStatus
	TimeoutMs    int
	Retryable    bool
	MaxRetries   int
	Background   bool
	ReadyPattern string
	ExitCode     *int
	RetryCount   int
	DurationMs   *int64
	StartedAt    *time.Time
	FinishedAt   *time.Time
	StdoutTail   string
	StderrTail   string
	ResultSummary string
	UpdatedAt    time.Time
}

// Validate enforces the MissionStep invariant that background steps must
// carry a non-empty ready pattern.
func (s *MissionStep) Validate() error {
	if s.Background && s.ReadyPattern == "" {
		return errBackgroundNeedsReadyPattern
	}
	return nil
}

// LogType is the MissionLog event alphabet.
type LogType string

const (
	LogThought       LogType = "thought"
	LogCommand       LogType = "command"
	LogToolOutput    LogType = "tool_output"
	LogError         LogType = "error"
	LogMetric        LogType = "metric"
	LogAgentQuestion LogType = "agent_question"
)

// MissionLog is one append-only event in a mission's event stream.
type MissionLog struct {
	ID        string
	MissionID string
	StepID    string // optional, empty if not step-scoped
	Type      LogType
	Content   string // raw string, or JSON-encoded object for structured payloads
	Timestamp time.Time
}

// JobStatus is the Job status alphabet (distinct from MissionStatus; see
// the projection table in ProjectJobStatus).
type JobStatus string

const (
	JobPending       JobStatus = "pending"
	JobRunning       JobStatus = "running"
	JobWaitingReview JobStatus = "waiting_review"
	JobCompleted     JobStatus = "completed"
	JobFailed        JobStatus = "failed"
)

// JobPayload is the opaque trigger payload a Job is created with.
type JobPayload struct {
	Repo   string `json:"repo,omitempty"`
	Branch string `json:"branch,omitempty"`
}

// JobResult is the opaque result payload written when a mission finishes.
type JobResult struct {
	Patch string `json:"patch,omitempty"`
}

// Job is the external trigger record that bootstraps a mission run.
type Job struct {
	ID          string
	ProjectID   string
	MissionID   string
	Status      JobStatus
	Payload     JobPayload
	StartedAt   *time.Time
	HeartbeatAt *time.Time
	FinishedAt  *time.Time
	LastError   string
	Result      JobResult
	UpdatedAt   time.Time
}

// ProjectJobStatus implements the projection table from §6: Mission status
// -> Job status. The second return value is false when the mission status
// has no projection (the Job status is left unchanged).
func ProjectJobStatus(ms MissionStatus) (JobStatus, bool) {
	switch ms {
	case StatusCompleted:
		return JobCompleted, true
	case StatusFailed:
		return JobFailed, true
	case StatusWaitingReview, StatusWaitingPlanApproval, StatusPaused, StatusWaitingInput:
		return JobWaitingReview, true
	default:
		return "", false
	}
}
