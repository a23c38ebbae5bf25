package mission

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/caic-xyz/openjules/internal/model"
	"github.com/caic-xyz/openjules/internal/sandbox"
	"github.com/caic-xyz/openjules/internal/store"
)

// fakeStore is a minimal in-memory store.Store good enough to drive the
// controller loop end to end without SQLite, mirroring the narrow-fake
// style executor_test.go and guard's own tests use.
type fakeStore struct {
	missions map[string]*model.Mission
	steps    map[string][]*model.MissionStep
	jobs     map[string]*model.Job // keyed by MissionID
	logs     []*model.MissionLog
	actions  map[string][]store.ControlAction // queued, popped in order
	settings *model.Settings
}

func newFakeStore(t *testing.T) *fakeStore {
	t.Helper()
	settings := &model.Settings{}
	settings.Execution.SandboxRoot = t.TempDir()
	return &fakeStore{
		missions: map[string]*model.Mission{},
		steps:    map[string][]*model.MissionStep{},
		jobs:     map[string]*model.Job{},
		actions:  map[string][]store.ControlAction{},
		settings: settings,
	}
}

func (s *fakeStore) CreateMission(ctx context.Context, m *model.Mission) error {
	s.missions[m.ID] = m
	return nil
}

func (s *fakeStore) GetMission(ctx context.Context, id string) (*model.Mission, error) {
	m, ok := s.missions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (s *fakeStore) UpdateMission(ctx context.Context, m *model.Mission) error {
	cp := *m
	s.missions[m.ID] = &cp
	return nil
}

func (s *fakeStore) PollControlAction(ctx context.Context, missionID string) (store.ControlAction, error) {
	q := s.actions[missionID]
	if len(q) == 0 {
		return store.ControlAction{}, nil
	}
	next := q[0]
	// The external CRUD layer only stages plan/review actions while the
	// mission is in the status they are valid for, so a queued one stays
	// queued until the mission gets there.
	if m, ok := s.missions[missionID]; ok {
		if (next.PlanAction != "" && m.Status != model.StatusWaitingPlanApproval) ||
			(next.ReviewAction != "" && m.Status != model.StatusWaitingReview) {
			return store.ControlAction{}, nil
		}
	}
	s.actions[missionID] = q[1:]
	return next, nil
}

func (s *fakeStore) ListSteps(ctx context.Context, missionID string) ([]*model.MissionStep, error) {
	out := make([]*model.MissionStep, len(s.steps[missionID]))
	copy(out, s.steps[missionID])
	return out, nil
}

func (s *fakeStore) DeletePendingSteps(ctx context.Context, missionID string) error {
	kept := s.steps[missionID][:0]
	for _, st := range s.steps[missionID] {
		if st.Status != model.StepPending {
			kept = append(kept, st)
		}
	}
	s.steps[missionID] = kept
	return nil
}

func (s *fakeStore) CreateSteps(ctx context.Context, steps []*model.MissionStep) error {
	for i, st := range steps {
		if st.ID == "" {
			st.ID = fakeStepID(len(s.steps[st.MissionID]) + i)
		}
		s.steps[st.MissionID] = append(s.steps[st.MissionID], st)
	}
	return nil
}

func fakeStepID(n int) string {
	const letters = "abcdefghijklmnopqrstuvwxyz"
	return "step-" + string(letters[n%len(letters)])
}

func (s *fakeStore) UpdateStep(ctx context.Context, step *model.MissionStep) error {
	for _, existing := range s.steps[step.MissionID] {
		if existing.ID == step.ID {
			*existing = *step
			return nil
		}
	}
	return nil
}

// AppendLog mimics sqlitestore's id-assignment-plus-PRIMARY-KEY behavior:
// an empty id is assigned one, and a caller-supplied duplicate id is
// rejected, so a regression that stops generating fresh ids surfaces here
// exactly as it would against the real TEXT PRIMARY KEY column.
func (s *fakeStore) AppendLog(ctx context.Context, log *model.MissionLog) error {
	if log.ID == "" {
		log.ID = fmt.Sprintf("log-%d", len(s.logs))
	}
	for _, existing := range s.logs {
		if existing.ID == log.ID {
			return fmt.Errorf("fakeStore: duplicate log id %q", log.ID)
		}
	}
	s.logs = append(s.logs, log)
	return nil
}

// GetJob looks a Job up by its own id. s.jobs is keyed by mission id, so
// this scans values rather than indexing directly, mirroring
// sqlitestore's separate id-vs-mission_id WHERE clauses.
func (s *fakeStore) GetJob(ctx context.Context, jobID string) (*model.Job, error) {
	for _, j := range s.jobs {
		if j.ID == jobID {
			cp := *j
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *fakeStore) GetJobByMission(ctx context.Context, missionID string) (*model.Job, error) {
	j, ok := s.jobs[missionID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (s *fakeStore) UpdateJob(ctx context.Context, job *model.Job) error {
	cp := *job
	s.jobs[job.MissionID] = &cp
	return nil
}

func (s *fakeStore) GetSettings(ctx context.Context, projectID string) (*model.Settings, error) {
	return s.settings, nil
}

// fakeInstance is a narrow in-memory sandbox.Instance/CommandRunner double.
type fakeInstance struct {
	commands []string
	result   sandbox.CommandResult
	patch    string
}

func (f *fakeInstance) Init(ctx context.Context) error { return nil }

func (f *fakeInstance) Command(ctx context.Context, cmd, workdir string, timeoutMs int) sandbox.CommandResult {
	f.commands = append(f.commands, cmd)
	return f.result
}

func (f *fakeInstance) BackgroundCommand(ctx context.Context, cmd, readyPattern string, timeoutMs int) sandbox.CommandResult {
	f.commands = append(f.commands, cmd)
	return f.result
}

func (f *fakeInstance) CreatePatch(ctx context.Context) (string, error) { return f.patch, nil }
func (f *fakeInstance) Teardown(ctx context.Context) error              { return nil }

type fakeDriver struct{ inst *fakeInstance }

func (d *fakeDriver) Spawn(ctx context.Context, req sandbox.SpawnRequest) (Instance, error) {
	return d.inst, nil
}

func newTestController(st *fakeStore, inst *fakeInstance) *Controller {
	c := New(st, &fakeDriver{inst: inst})
	c.Sleep = func(ctx context.Context, d time.Duration) {} // never actually sleep in tests
	return c
}

func seedQueuedMission(st *fakeStore, missionID, goal string) {
	now := time.Now()
	st.missions[missionID] = &model.Mission{
		ID:        missionID,
		ProjectID: "proj-1",
		Goal:      goal,
		Status:    model.StatusQueued,
		UpdatedAt: now,
	}
	st.jobs[missionID] = &model.Job{
		ID:        "job-" + missionID,
		ProjectID: "proj-1",
		MissionID: missionID,
		Status:    model.JobPending,
		UpdatedAt: now,
	}
}

// runUntilTerminal drives Run to completion. Run's jobID parameter is a Job
// id (resolved here via GetJobByMission, the same way the real CLI's
// "serve JOB_ID" command would already have one in hand); this keeps the
// job id and mission id genuinely distinct in tests, rather than passing
// the mission id to Run under its job-id parameter name.
func runUntilTerminal(t *testing.T, ctrl *Controller, missionID string) *model.Mission {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	job, err := ctrl.Store.GetJobByMission(ctx, missionID)
	if err != nil {
		t.Fatalf("GetJobByMission: %v", err)
	}
	if err := ctrl.Run(ctx, job.ID); err != nil {
		t.Fatalf("Run: %v", err)
	}
	m, err := ctrl.Store.GetMission(ctx, missionID)
	if err != nil {
		t.Fatalf("GetMission: %v", err)
	}
	return m
}

func TestControllerHappyPathCompletesAfterApprovals(t *testing.T) {
	st := newFakeStore(t)
	seedQueuedMission(st, "m1", "add a feature")
	// Queue: approve the plan, then approve the review.
	st.actions["m1"] = []store.ControlAction{
		{PlanAction: "approve"},
		{ReviewAction: "approve"},
	}
	inst := &fakeInstance{result: sandbox.CommandResult{ExitCode: 0, Stdout: "ok"}, patch: "diff --git a/x b/x\n+hello\n"}
	ctrl := newTestController(st, inst)

	m := runUntilTerminal(t, ctrl, "m1")
	if m.Status != model.StatusCompleted {
		t.Fatalf("expected COMPLETED, got %s (fail_reason=%q)", m.Status, m.FailReason)
	}
	if m.ResultSummary == "" {
		t.Fatalf("expected a non-empty result summary")
	}
	job := st.jobs["m1"]
	if job.Status != model.JobCompleted {
		t.Fatalf("expected job COMPLETED, got %s", job.Status)
	}
	if job.Result.Patch == "" {
		t.Fatalf("expected job result patch to be populated")
	}
}

func TestControllerPlanRejectionFailsMission(t *testing.T) {
	st := newFakeStore(t)
	seedQueuedMission(st, "m2", "add a feature")
	st.actions["m2"] = []store.ControlAction{{PlanAction: "reject"}}
	inst := &fakeInstance{result: sandbox.CommandResult{ExitCode: 0}}
	ctrl := newTestController(st, inst)

	m := runUntilTerminal(t, ctrl, "m2")
	if m.Status != model.StatusFailed {
		t.Fatalf("expected FAILED, got %s", m.Status)
	}
	if m.FailReason == "" {
		t.Fatalf("expected a fail reason")
	}
}

func TestControllerReviewRejectionFailsMission(t *testing.T) {
	st := newFakeStore(t)
	seedQueuedMission(st, "m3", "add a feature")
	st.actions["m3"] = []store.ControlAction{
		{PlanAction: "approve"},
		{ReviewAction: "reject"},
	}
	inst := &fakeInstance{result: sandbox.CommandResult{ExitCode: 0}}
	ctrl := newTestController(st, inst)

	m := runUntilTerminal(t, ctrl, "m3")
	if m.Status != model.StatusFailed {
		t.Fatalf("expected FAILED, got %s", m.Status)
	}
	if m.FailReason != "changes rejected by reviewer" {
		t.Fatalf("unexpected fail reason: %q", m.FailReason)
	}
}

func TestControllerStepFailureFailsMission(t *testing.T) {
	st := newFakeStore(t)
	seedQueuedMission(st, "m4", "add a feature")
	st.actions["m4"] = []store.ControlAction{{PlanAction: "approve"}}
	inst := &fakeInstance{result: sandbox.CommandResult{ExitCode: 1, Stderr: "boom"}}
	ctrl := newTestController(st, inst)

	m := runUntilTerminal(t, ctrl, "m4")
	if m.Status != model.StatusFailed {
		t.Fatalf("expected FAILED, got %s", m.Status)
	}
	if len(inst.commands) == 0 {
		t.Fatalf("expected at least one command to have been run")
	}
}
