// Package sqlitestore is the bundled reference Store implementation,
// grounded in the migration-table-plus-upsert style of a SQLite-backed
// state store: numbered CREATE TABLE IF NOT EXISTS migrations run on open,
// then every write is an upsert keyed on the row's primary key.
package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/maruel/ksid"
	_ "modernc.org/sqlite"

	"github.com/caic-xyz/openjules/internal/model"
	"github.com/caic-xyz/openjules/internal/store"
)

// Store persists Mission Runtime rows to SQLite for crash recovery.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database at path and runs migrations.
// path may be ":memory:" for hermetic tests.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000; PRAGMA foreign_keys=ON;`); err != nil {
		return nil, fmt.Errorf("set pragmas: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS missions (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL,
			goal TEXT NOT NULL,
			title TEXT DEFAULT '',
			status TEXT NOT NULL,
			repo_url TEXT DEFAULT '',
			latest_user_input TEXT DEFAULT '',
			latest_agent_question TEXT DEFAULT '',
			plan_reasoning TEXT DEFAULT '',
			fail_reason TEXT DEFAULT '',
			result_summary TEXT DEFAULT '',
			started_at DATETIME,
			finished_at DATETIME,
			total_duration_ms INTEGER,
			ai_provider TEXT DEFAULT '',
			ai_model TEXT DEFAULT '',
			token_usage TEXT NOT NULL DEFAULT '{}',
			pending_control_action TEXT NOT NULL DEFAULT '{}',
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS mission_steps (
			id TEXT PRIMARY KEY,
			mission_id TEXT NOT NULL,
			order_index INTEGER NOT NULL,
			description TEXT NOT NULL,
			command TEXT DEFAULT '',
			status TEXT NOT NULL,
			timeout_ms INTEGER NOT NULL,
			retryable INTEGER NOT NULL DEFAULT 0,
			max_retries INTEGER NOT NULL DEFAULT 0,
			background INTEGER NOT NULL DEFAULT 0,
			ready_pattern TEXT DEFAULT '',
			exit_code INTEGER,
			retry_count INTEGER NOT NULL DEFAULT 0,
			duration_ms INTEGER,
			started_at DATETIME,
			finished_at DATETIME,
			stdout_tail BLOB,
			stderr_tail BLOB,
			result_summary TEXT DEFAULT '',
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_mission_steps_mission ON mission_steps(mission_id, order_index)`,
		`CREATE TABLE IF NOT EXISTS mission_logs (
			id TEXT PRIMARY KEY,
			mission_id TEXT NOT NULL,
			step_id TEXT DEFAULT '',
			type TEXT NOT NULL,
			content BLOB,
			timestamp DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_mission_logs_mission ON mission_logs(mission_id, timestamp)`,
		`CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL,
			mission_id TEXT NOT NULL,
			status TEXT NOT NULL,
			payload TEXT NOT NULL DEFAULT '{}',
			started_at DATETIME,
			heartbeat_at DATETIME,
			finished_at DATETIME,
			last_error TEXT DEFAULT '',
			result TEXT NOT NULL DEFAULT '{}',
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_mission ON jobs(mission_id)`,
		`CREATE TABLE IF NOT EXISTS settings (
			project_id TEXT PRIMARY KEY,
			value TEXT NOT NULL DEFAULT '{}',
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
	}
	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return err
		}
	}
	return nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil || t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullInt64(p *int64) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *p, Valid: true}
}

func nullInt(p *int) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*p), Valid: true}
}

// CreateMission inserts a new mission row.
func (s *Store) CreateMission(ctx context.Context, m *model.Mission) error {
	return s.UpdateMission(ctx, m)
}

// UpdateMission upserts the mission row; every write bumps updated_at (§4.6).
func (s *Store) UpdateMission(ctx context.Context, m *model.Mission) error {
	usage, err := json.Marshal(m.TokenUsage)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO missions (
			id, project_id, goal, title, status, repo_url, latest_user_input,
			latest_agent_question, plan_reasoning, fail_reason, result_summary,
			started_at, finished_at, total_duration_ms, ai_provider, ai_model,
			token_usage, updated_at
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			project_id=excluded.project_id, goal=excluded.goal, title=excluded.title,
			status=excluded.status, repo_url=excluded.repo_url,
			latest_user_input=excluded.latest_user_input,
			latest_agent_question=excluded.latest_agent_question,
			plan_reasoning=excluded.plan_reasoning, fail_reason=excluded.fail_reason,
			result_summary=excluded.result_summary, started_at=excluded.started_at,
			finished_at=excluded.finished_at, total_duration_ms=excluded.total_duration_ms,
			ai_provider=excluded.ai_provider, ai_model=excluded.ai_model,
			token_usage=excluded.token_usage, updated_at=CURRENT_TIMESTAMP
	`,
		m.ID, m.ProjectID, m.Goal, m.Title, string(m.Status), m.RepoURL, m.LatestUserInput,
		m.LatestAgentQuestion, m.PlanReasoning, m.FailReason, m.ResultSummary,
		nullTime(m.StartedAt), nullTime(m.FinishedAt), nullInt64(m.TotalDurationMs),
		m.AIProvider, m.AIModel, string(usage),
	)
	return err
}

// GetMission retrieves a mission by id.
func (s *Store) GetMission(ctx context.Context, id string) (*model.Mission, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, goal, title, status, repo_url, latest_user_input,
			latest_agent_question, plan_reasoning, fail_reason, result_summary,
			started_at, finished_at, total_duration_ms, ai_provider, ai_model,
			token_usage, updated_at
		FROM missions WHERE id = ?`, id)
	return scanMission(row)
}

func scanMission(row *sql.Row) (*model.Mission, error) {
	var m model.Mission
	var status string
	var started, finished, updated sql.NullTime
	var totalDur sql.NullInt64
	var usage string
	err := row.Scan(&m.ID, &m.ProjectID, &m.Goal, &m.Title, &status, &m.RepoURL,
		&m.LatestUserInput, &m.LatestAgentQuestion, &m.PlanReasoning, &m.FailReason,
		&m.ResultSummary, &started, &finished, &totalDur, &m.AIProvider, &m.AIModel,
		&usage, &updated)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	m.Status = model.MissionStatus(status)
	if started.Valid {
		m.StartedAt = &started.Time
	}
	if finished.Valid {
		m.FinishedAt = &finished.Time
	}
	if totalDur.Valid {
		v := totalDur.Int64
		m.TotalDurationMs = &v
	}
	if updated.Valid {
		m.UpdatedAt = updated.Time
	}
	_ = json.Unmarshal([]byte(usage), &m.TokenUsage)
	return &m, nil
}

// PollControlAction reads and clears the pending control-action patch.
func (s *Store) PollControlAction(ctx context.Context, missionID string) (store.ControlAction, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return store.ControlAction{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var raw string
	err = tx.QueryRowContext(ctx, `SELECT pending_control_action FROM missions WHERE id = ?`, missionID).Scan(&raw)
	if err == sql.ErrNoRows {
		return store.ControlAction{}, store.ErrNotFound
	}
	if err != nil {
		return store.ControlAction{}, err
	}
	var action store.ControlAction
	_ = json.Unmarshal([]byte(raw), &action)
	if !action.Empty() {
		if _, err := tx.ExecContext(ctx, `UPDATE missions SET pending_control_action = '{}' WHERE id = ?`, missionID); err != nil {
			return store.ControlAction{}, err
		}
	}
	return action, tx.Commit()
}

// SetControlAction stages a patch for the controller to observe on its next
// poll; exposed for the external CRUD layer and for tests.
func (s *Store) SetControlAction(ctx context.Context, missionID string, action store.ControlAction) error {
	raw, err := json.Marshal(action)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `UPDATE missions SET pending_control_action = ? WHERE id = ?`, string(raw), missionID)
	return err
}

// ListSteps returns all steps for a mission ordered by order_index.
func (s *Store) ListSteps(ctx context.Context, missionID string) ([]*model.MissionStep, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, mission_id, order_index, description, command, status, timeout_ms,
			retryable, max_retries, background, ready_pattern, exit_code, retry_count,
			duration_ms, started_at, finished_at, stdout_tail, stderr_tail, result_summary, updated_at
		FROM mission_steps WHERE mission_id = ? ORDER BY order_index ASC`, missionID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*model.MissionStep
	for rows.Next() {
		var st model.MissionStep
		var status string
		var retryable, background int
		var exitCode, durationMs sql.NullInt64
		var started, finished, updated sql.NullTime
		var stdoutTail, stderrTail []byte
		if err := rows.Scan(&st.ID, &st.MissionID, &st.OrderIndex, &st.Description, &st.Command,
			&status, &st.TimeoutMs, &retryable, &st.MaxRetries, &background, &st.ReadyPattern,
			&exitCode, &st.RetryCount, &durationMs, &started, &finished, &stdoutTail, &stderrTail,
			&st.ResultSummary, &updated); err != nil {
			return nil, err
		}
		st.Status = model.StepStatus(status)
		st.Retryable = retryable != 0
		st.Background = background != 0
		if exitCode.Valid {
			v := int(exitCode.Int64)
			st.ExitCode = &v
		}
		if durationMs.Valid {
			v := durationMs.Int64
			st.DurationMs = &v
		}
		if started.Valid {
			st.StartedAt = &started.Time
		}
		if finished.Valid {
			st.FinishedAt = &finished.Time
		}
		if updated.Valid {
			st.UpdatedAt = updated.Time
		}
		st.StdoutTail, err = decompressTail(stdoutTail)
		if err != nil {
			return nil, err
		}
		st.StderrTail, err = decompressTail(stderrTail)
		if err != nil {
			return nil, err
		}
		out = append(out, &st)
	}
	return out, rows.Err()
}

// DeletePendingSteps removes only PENDING steps for a mission, preserving
// DONE/FAILED history (§5 ordering guarantee, §8 replanning idempotence).
func (s *Store) DeletePendingSteps(ctx context.Context, missionID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM mission_steps WHERE mission_id = ? AND status = ?`, missionID, string(model.StepPending))
	return err
}

// CreateSteps inserts a freshly planned wave of steps.
func (s *Store) CreateSteps(ctx context.Context, steps []*model.MissionStep) error {
	for _, st := range steps {
		if err := s.UpdateStep(ctx, st); err != nil {
			return err
		}
	}
	return nil
}

// UpdateStep upserts a single step row.
func (s *Store) UpdateStep(ctx context.Context, st *model.MissionStep) error {
	if err := st.Validate(); err != nil {
		return err
	}
	stdoutTail, err := compressTail(st.StdoutTail)
	if err != nil {
		return err
	}
	stderrTail, err := compressTail(st.StderrTail)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO mission_steps (
			id, mission_id, order_index, description, command, status, timeout_ms,
			retryable, max_retries, background, ready_pattern, exit_code, retry_count,
			duration_ms, started_at, finished_at, stdout_tail, stderr_tail, result_summary, updated_at
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			order_index=excluded.order_index, description=excluded.description,
			command=excluded.command, status=excluded.status, timeout_ms=excluded.timeout_ms,
			retryable=excluded.retryable, max_retries=excluded.max_retries,
			background=excluded.background, ready_pattern=excluded.ready_pattern,
			exit_code=excluded.exit_code, retry_count=excluded.retry_count,
			duration_ms=excluded.duration_ms, started_at=excluded.started_at,
			finished_at=excluded.finished_at, stdout_tail=excluded.stdout_tail,
			stderr_tail=excluded.stderr_tail, result_summary=excluded.result_summary,
			updated_at=CURRENT_TIMESTAMP
	`,
		st.ID, st.MissionID, st.OrderIndex, st.Description, st.Command, string(st.Status),
		st.TimeoutMs, boolInt(st.Retryable), st.MaxRetries, boolInt(st.Background), st.ReadyPattern,
		nullInt(st.ExitCode), st.RetryCount, nullInt64(st.DurationMs), nullTime(st.StartedAt),
		nullTime(st.FinishedAt), stdoutTail, stderrTail, st.ResultSummary,
	)
	return err
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// AppendLog inserts a single append-only log event. The id is assigned
// here, not by the caller, so every MissionLog event gets a fresh primary
// key regardless of which code path appended it (mission controller, step
// executor, crash-recovery mirror).
func (s *Store) AppendLog(ctx context.Context, l *model.MissionLog) error {
	if l.ID == "" {
		l.ID = ksid.NewID()
	}
	content, err := compressTail(l.Content)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO mission_logs (id, mission_id, step_id, type, content, timestamp)
		VALUES (?,?,?,?,?,?)`,
		l.ID, l.MissionID, l.StepID, string(l.Type), content, l.Timestamp)
	return err
}

// GetJob retrieves the Job row by its own id.
func (s *Store) GetJob(ctx context.Context, jobID string) (*model.Job, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, mission_id, status, payload, started_at, heartbeat_at,
			finished_at, last_error, result, updated_at
		FROM jobs WHERE id = ?`, jobID)
	return scanJobRow(row)
}

// GetJobByMission retrieves the Job row bound to a mission.
func (s *Store) GetJobByMission(ctx context.Context, missionID string) (*model.Job, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, mission_id, status, payload, started_at, heartbeat_at,
			finished_at, last_error, result, updated_at
		FROM jobs WHERE mission_id = ?`, missionID)
	return scanJobRow(row)
}

func scanJobRow(row *sql.Row) (*model.Job, error) {
	var j model.Job
	var status string
	var payload, result string
	var started, heartbeat, finished, updated sql.NullTime
	err := row.Scan(&j.ID, &j.ProjectID, &j.MissionID, &status, &payload, &started,
		&heartbeat, &finished, &j.LastError, &result, &updated)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	j.Status = model.JobStatus(status)
	_ = json.Unmarshal([]byte(payload), &j.Payload)
	_ = json.Unmarshal([]byte(result), &j.Result)
	if started.Valid {
		j.StartedAt = &started.Time
	}
	if heartbeat.Valid {
		j.HeartbeatAt = &heartbeat.Time
	}
	if finished.Valid {
		j.FinishedAt = &finished.Time
	}
	if updated.Valid {
		j.UpdatedAt = updated.Time
	}
	return &j, nil
}

// UpdateJob upserts the Job row.
func (s *Store) UpdateJob(ctx context.Context, j *model.Job) error {
	payload, err := json.Marshal(j.Payload)
	if err != nil {
		return err
	}
	result, err := json.Marshal(j.Result)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, project_id, mission_id, status, payload, started_at,
			heartbeat_at, finished_at, last_error, result, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			status=excluded.status, payload=excluded.payload, started_at=excluded.started_at,
			heartbeat_at=excluded.heartbeat_at, finished_at=excluded.finished_at,
			last_error=excluded.last_error, result=excluded.result, updated_at=CURRENT_TIMESTAMP
	`,
		j.ID, j.ProjectID, j.MissionID, string(j.Status), string(payload),
		nullTime(j.StartedAt), nullTime(j.HeartbeatAt), nullTime(j.FinishedAt),
		j.LastError, string(result))
	return err
}

// GetSettings loads and decodes a project's settings document.
func (s *Store) GetSettings(ctx context.Context, projectID string) (*model.Settings, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE project_id = ?`, projectID).Scan(&raw)
	if err == sql.ErrNoRows {
		return &model.Settings{}, nil
	}
	if err != nil {
		return nil, err
	}
	return model.ParseSettings([]byte(raw))
}

// PutSettings stores a project's settings document; used by tests and the
// external CRUD layer this core is agnostic to.
func (s *Store) PutSettings(ctx context.Context, projectID string, raw []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settings (project_id, value, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(project_id) DO UPDATE SET value=excluded.value, updated_at=CURRENT_TIMESTAMP`,
		projectID, string(raw))
	return err
}

var _ store.Store = (*Store)(nil)
