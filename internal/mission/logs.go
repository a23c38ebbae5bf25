package mission

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/caic-xyz/openjules/internal/model"
	"github.com/caic-xyz/openjules/internal/store/jsonllog"
)

// openCrashLog opens the mission's JSONL crash-recovery log under the
// sandbox root's sibling logs/ directory, best-effort: a failure to open
// it never blocks the mission.
func (rs *runState) openCrashLog(ctx context.Context, m *model.Mission) {
	if rs.crashLog != nil {
		return
	}
	settings, err := rs.settingsFor(ctx, m)
	if err != nil {
		return
	}
	root := settings.Execution.SandboxRoot
	if root == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return
		}
		root = filepath.Join(home, ".openjules", "sandboxes")
	}
	logDir := filepath.Join(filepath.Dir(root), "logs")
	started := m.StartedAt
	if started == nil {
		now := rs.ctrl.Now()
		started = &now
	}
	w, err := jsonllog.Open(logDir, jsonllog.MetaMessage{
		MissionID: m.ID,
		Goal:      m.Goal,
		Repo:      m.RepoURL,
		StartedAt: *started,
	})
	if err != nil {
		slog.Warn("mission: failed to open crash-recovery log", "mission", m.ID, "err", err)
		return
	}
	rs.crashLog = w
}

// closeCrashLog writes the result trailer once the mission leaves Run for
// good, whatever its final status.
func (rs *runState) closeCrashLog(m *model.Mission) {
	if rs.crashLog == nil {
		return
	}
	result := jsonllog.ResultMessage{
		Status:     string(m.Status),
		Error:      m.FailReason,
		TokenUsage: m.TokenUsage,
	}
	if m.TotalDurationMs != nil {
		result.DurationMs = *m.TotalDurationMs
	}
	if err := rs.crashLog.Close(result); err != nil {
		slog.Warn("mission: failed to close crash-recovery log", "mission", m.ID, "err", err)
	}
	rs.crashLog = nil
}

func (rs *runState) appendLog(ctx context.Context, missionID, stepID string, typ model.LogType, content string) {
	l := &model.MissionLog{
		MissionID: missionID,
		StepID:    stepID,
		Type:      typ,
		Content:   content,
		Timestamp: rs.ctrl.Now(),
	}
	_ = rs.ctrl.Store.AppendLog(ctx, l)
	if rs.crashLog != nil {
		if err := rs.crashLog.AppendEvent(l); err != nil {
			slog.Warn("mission: failed to append crash-recovery log event", "mission", missionID, "err", err)
		}
	}
}

// logger returns the executor.Logger the Step Executor appends command/
// tool_output events through, mirroring every event into the crash-recovery
// log alongside the Store Adapter.
func (rs *runState) logger() *crashLoggingStore {
	return &crashLoggingStore{store: rs.ctrl.Store, crashLog: rs.crashLog}
}

// crashLoggingStore fans a single AppendLog call out to the Store Adapter
// and the mission's JSONL crash-recovery log.
type crashLoggingStore struct {
	store    interface {
		AppendLog(ctx context.Context, log *model.MissionLog) error
	}
	crashLog *jsonllog.Writer
}

func (c *crashLoggingStore) AppendLog(ctx context.Context, log *model.MissionLog) error {
	err := c.store.AppendLog(ctx, log)
	if c.crashLog != nil {
		if cerr := c.crashLog.AppendEvent(log); cerr != nil {
			slog.Warn("mission: failed to append crash-recovery log event", "mission", log.MissionID, "err", cerr)
		}
	}
	return err
}
