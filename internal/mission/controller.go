// Package mission implements the Mission Controller (C4): the state
// machine and controller loop that interleaves planning, approval wait,
// step execution, validation and review wait, persisting every transition
// through the Store Adapter (§4.4).
//
// One Controller.Run call drives exactly one Job/Mission to a terminal
// state (§5: "One Mission Controller task per Job"); callers launch one
// per Job, typically via golang.org/x/sync/errgroup alongside the paired
// heartbeat task, one goroutine per unit of work.
package mission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/caic-xyz/openjules/internal/apierr"
	"github.com/caic-xyz/openjules/internal/executor"
	"github.com/caic-xyz/openjules/internal/guard"
	"github.com/caic-xyz/openjules/internal/llm"
	"github.com/caic-xyz/openjules/internal/model"
	"github.com/caic-xyz/openjules/internal/sandbox"
	"github.com/caic-xyz/openjules/internal/store"
	"github.com/caic-xyz/openjules/internal/store/jsonllog"
)

// Instance is the narrow subset of *sandbox.Instance the controller needs,
// kept as an interface so tests can drive the state machine without a real
// container (same narrow-interface posture as executor.CommandRunner).
type Instance interface {
	executor.CommandRunner
	Init(ctx context.Context) error
	CreatePatch(ctx context.Context) (string, error)
	Teardown(ctx context.Context) error
}

// Driver provisions Instances. Implemented in production by an adapter
// over *sandbox.Driver (see Adapt below).
type Driver interface {
	Spawn(ctx context.Context, req sandbox.SpawnRequest) (Instance, error)
}

// driverAdapter makes *sandbox.Driver satisfy Driver: Go interface
// satisfaction requires exact method signatures, so *sandbox.Instance
// (which structurally satisfies Instance) must be boxed into the
// interface explicitly at the call site.
type driverAdapter struct{ d *sandbox.Driver }

// Adapt wraps a concrete *sandbox.Driver as a mission.Driver.
func Adapt(d *sandbox.Driver) Driver { return driverAdapter{d: d} }

func (a driverAdapter) Spawn(ctx context.Context, req sandbox.SpawnRequest) (Instance, error) {
	return a.d.Spawn(ctx, req)
}

// outerLoopPoll is the §5 suspension-point interval between loop
// iterations in waiting states.
const outerLoopPoll = 2 * time.Second

// Controller drives one mission's state machine. A fresh Controller is
// cheap; each Run resolves the project's settings once (runState.settingsFor)
// so each mission gets settings-scoped Guard/Gateway instances.
type Controller struct {
	Store  store.Store
	Driver Driver

	// Now is overridable for deterministic tests.
	Now func() time.Time
	// Sleep is overridable so waiting-state tests don't actually sleep.
	Sleep func(ctx context.Context, d time.Duration)
}

// New builds a Controller wired to a Store and Sandbox Driver.
func New(st store.Store, drv Driver) *Controller {
	return &Controller{
		Store:  st,
		Driver: drv,
		Now:    time.Now,
		Sleep:  ctxSleep,
	}
}

func ctxSleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

// Run drives job's mission from its current status through to a terminal
// state, reloading the mission on every iteration so out-of-band control
// actions (pause/resume/input, plan/review approve/reject) are observed at
// the next poll (§5 cancellation: cooperative, detected on next reload).
//
// Run always tears down any spawned sandbox instance on every exit path,
// satisfying §5's "on any exit path... the controller MUST call
// Instance.Destroy() then Driver.Teardown" requirement, modeled here as a
// single deferred Instance.Teardown since one Instance is owned per
// mission for its whole lifetime.
func (c *Controller) Run(ctx context.Context, jobID string) error {
	job, err := c.Store.GetJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("mission: load job: %w", err)
	}
	missionID := job.MissionID
	if missionID == "" {
		return fmt.Errorf("mission: job %s has no mission", jobID)
	}

	rs := &runState{ctrl: c, job: job}
	defer rs.teardown(ctx)

	var lastMission *model.Mission
	defer func() {
		if lastMission != nil {
			rs.closeCrashLog(lastMission)
		}
	}()

	for {
		m, err := c.Store.GetMission(ctx, missionID)
		if err != nil {
			return fmt.Errorf("mission: reload: %w", err)
		}
		lastMission = m
		rs.openCrashLog(ctx, m)
		if m.Status.Terminal() {
			return nil
		}

		waiting, err := rs.dispatch(ctx, m)
		if err != nil {
			slog.Error("mission: dispatch error, failing mission", "mission", missionID, "err", err)
			rs.failMission(ctx, m, err.Error())
			return nil
		}
		if waiting {
			c.Sleep(ctx, outerLoopPoll)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// runState carries the per-run mutable context (lazily-resolved gateway,
// guard and sandbox instance) across dispatch calls within one Run.
type runState struct {
	ctrl *Controller
	job  *model.Job

	settings *model.Settings
	gateway  *llm.Gateway
	grd      *guard.Guard
	geo      *guard.MaxMindGeoLookup
	inst     Instance
	crashLog *jsonllog.Writer
}

func (rs *runState) settingsFor(ctx context.Context, m *model.Mission) (*model.Settings, error) {
	if rs.settings != nil {
		return rs.settings, nil
	}
	s, err := rs.ctrl.Store.GetSettings(ctx, m.ProjectID)
	if err != nil {
		return nil, err
	}
	rs.settings = s
	rs.gateway = llm.New(s.AI)
	var geo guard.GeoLookup
	if path := s.Execution.CommandGuard.GeoDBPath; path != "" {
		db, err := guard.OpenMaxMindGeoLookup(path)
		if err != nil {
			slog.Warn("mission: geo lookup disabled", "err", err)
		} else {
			rs.geo = db
			geo = db
		}
	}
	rs.grd = guard.New(s.Execution.CommandGuard, rs.gateway, geo)
	return s, nil
}

func (rs *runState) teardown(ctx context.Context) {
	if rs.geo != nil {
		if err := rs.geo.Close(); err != nil {
			slog.Warn("mission: geo database close failed", "err", err)
		}
		rs.geo = nil
	}
	if rs.inst == nil {
		return
	}
	if err := rs.inst.Teardown(ctx); err != nil {
		slog.Warn("mission: sandbox teardown failed", "err", err)
	}
	rs.inst = nil
}

// dispatch handles one status's transition per §4.4. It returns
// waiting=true when the caller should sleep the outer-loop interval
// (states with no work to do until the next external event).
func (rs *runState) dispatch(ctx context.Context, m *model.Mission) (waiting bool, err error) {
	switch m.Status {
	case model.StatusQueued:
		return false, rs.handleQueued(ctx, m)
	case model.StatusPlanning:
		return false, rs.handlePlanning(ctx, m)
	case model.StatusWaitingPlanApproval:
		return rs.handleWaitingPlanApproval(ctx, m)
	case model.StatusExecuting:
		return false, rs.handleExecuting(ctx, m)
	case model.StatusPaused, model.StatusWaitingInput:
		return rs.handlePausedOrWaitingInput(ctx, m)
	case model.StatusValidating:
		return false, rs.handleValidating(ctx, m)
	case model.StatusWaitingReview:
		return rs.handleWaitingReview(ctx, m)
	default:
		return true, nil
	}
}

func (rs *runState) handleQueued(ctx context.Context, m *model.Mission) error {
	now := rs.ctrl.Now()
	m.StartedAt = &now
	m.Status = model.StatusPlanning
	return rs.persistMission(ctx, m)
}

func (rs *runState) persistMission(ctx context.Context, m *model.Mission) error {
	if err := rs.ctrl.Store.UpdateMission(ctx, m); err != nil {
		return err
	}
	return rs.projectJobStatus(ctx, m)
}

// projectJobStatus applies the §6 Mission->Job status projection after
// every mission patch, the "Testable Properties" invariant.
func (rs *runState) projectJobStatus(ctx context.Context, m *model.Mission) error {
	js, ok := model.ProjectJobStatus(m.Status)
	if !ok {
		return nil
	}
	job, err := rs.ctrl.Store.GetJobByMission(ctx, m.ID)
	if err != nil {
		return err
	}
	if job.Status == js {
		return nil
	}
	job.Status = js
	now := rs.ctrl.Now()
	if js == model.JobCompleted || js == model.JobFailed {
		job.FinishedAt = &now
	}
	return rs.ctrl.Store.UpdateJob(ctx, job)
}

func (rs *runState) failMission(ctx context.Context, m *model.Mission, reason string) {
	m.Status = model.StatusFailed
	m.FailReason = reason
	now := rs.ctrl.Now()
	m.FinishedAt = &now
	if m.StartedAt != nil {
		d := now.Sub(*m.StartedAt).Milliseconds()
		m.TotalDurationMs = &d
	}
	if err := rs.persistMission(ctx, m); err != nil {
		slog.Error("mission: failed to persist FAILED transition", "mission", m.ID, "err", err)
	}
}

// apierrIsSandboxFatal centralizes the SandboxFatal->mission-FAILED mapping
// used by handleExecuting when Spawn/Init errors.
func apierrIsSandboxFatal(err error) bool {
	var e *apierr.Error
	return errors.As(err, &e) && e.Kind() == apierr.KindSandboxFatal
}
