package mission

import (
	"context"
	"fmt"

	"github.com/caic-xyz/openjules/internal/executor"
	"github.com/caic-xyz/openjules/internal/model"
	"github.com/caic-xyz/openjules/internal/sandbox"
)

// handleExecuting drives one pass of the §4.4 EXECUTING step loop: ensure a
// sandbox exists, then run every PENDING step in order_index order until
// none remain (-> VALIDATING), a step fails non-retryably (-> FAILED), or
// an out-of-band control action diverts the mission away from EXECUTING
// (pause/input) — observed only between steps, never mid-step (§5), by
// polling PollControlAction at the top of each iteration before picking
// the next pending step.
func (rs *runState) handleExecuting(ctx context.Context, m *model.Mission) error {
	if err := rs.ensureSandbox(ctx, m); err != nil {
		rs.failMission(ctx, m, err.Error())
		return nil
	}

	settings, err := rs.settingsFor(ctx, m)
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}

	for {
		diverted, err := rs.checkExecutingControlAction(ctx, m)
		if err != nil {
			return err
		}
		if diverted {
			return nil
		}

		steps, err := rs.ctrl.Store.ListSteps(ctx, m.ID)
		if err != nil {
			return fmt.Errorf("list steps: %w", err)
		}
		pending := firstPending(steps)
		if pending == nil {
			m.Status = model.StatusValidating
			return rs.persistMission(ctx, m)
		}

		if m.LatestUserInput != "" {
			rs.appendLog(ctx, m.ID, pending.ID, model.LogThought, "consumed user input: "+m.LatestUserInput)
			m.LatestUserInput = ""
			if err := rs.persistMission(ctx, m); err != nil {
				return err
			}
		}

		if pending.Command == "" {
			rs.fillStepCommand(ctx, m, steps, pending, settings)
		}

		exec := executor.New(rs.grd, rs.logger(), rs.inst)
		code := exec.Run(ctx, m.ID, pending)
		if err := rs.ctrl.Store.UpdateStep(ctx, pending); err != nil {
			return fmt.Errorf("persist step: %w", err)
		}

		if code != 0 && pending.Status == model.StepFailed {
			rs.analyzeFailure(ctx, m, pending)
			rs.failMission(ctx, m, fmt.Sprintf("Step %d failed.", pending.OrderIndex+1))
			return nil
		}
		// BLOCKED (code == -2) or DONE: mission continues to the next step.
	}
}

// checkExecutingControlAction polls for the two control actions valid
// during EXECUTING (§4.4): controlAction=pause -> PAUSED, controlAction=
// input -> PLANNING (consuming the message). Returns diverted=true when
// the mission moved off EXECUTING and handleExecuting should return,
// yielding to the outer Run loop's re-dispatch.
func (rs *runState) checkExecutingControlAction(ctx context.Context, m *model.Mission) (diverted bool, err error) {
	action, err := rs.ctrl.Store.PollControlAction(ctx, m.ID)
	if err != nil {
		return false, fmt.Errorf("poll control action: %w", err)
	}
	switch {
	case action.ControlAction == "pause":
		m.Status = model.StatusPaused
		return true, rs.persistMission(ctx, m)
	case action.ControlAction == "input" && action.Message != "":
		m.LatestUserInput = action.Message
		m.Status = model.StatusPlanning
		return true, rs.persistMission(ctx, m)
	default:
		return false, nil
	}
}

// ensureSandbox lazily spawns and initializes the mission's sandbox
// instance exactly once per Run (§4.1 Spawn/Init).
func (rs *runState) ensureSandbox(ctx context.Context, m *model.Mission) error {
	if rs.inst != nil {
		return nil
	}
	settings, err := rs.settingsFor(ctx, m)
	if err != nil {
		return err
	}
	inst, err := rs.ctrl.Driver.Spawn(ctx, sandbox.SpawnRequest{
		MissionID: m.ID,
		ProjectID: m.ProjectID,
		JobID:     rs.job.ID,
		Settings:  settings.Execution,
	})
	if err != nil {
		return err
	}
	if err := inst.Init(ctx); err != nil {
		_ = inst.Teardown(ctx)
		return err
	}
	rs.inst = inst
	return nil
}

func firstPending(steps []*model.MissionStep) *model.MissionStep {
	var best *model.MissionStep
	for _, s := range steps {
		if s.Status != model.StepPending {
			continue
		}
		if best == nil || s.OrderIndex < best.OrderIndex {
			best = s
		}
	}
	return best
}
