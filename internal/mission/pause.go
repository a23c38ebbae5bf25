package mission

import (
	"context"
	"fmt"

	"github.com/caic-xyz/openjules/internal/model"
)

// handlePausedOrWaitingInput consumes the resume control action from either
// PAUSED or WAITING_INPUT (§4.4: "PAUSED/WAITING_INPUT -> resume ->
// EXECUTING"), and a controlAction=input moves the mission to PLANNING as
// in every other waiting state.
func (rs *runState) handlePausedOrWaitingInput(ctx context.Context, m *model.Mission) (waiting bool, err error) {
	action, err := rs.ctrl.Store.PollControlAction(ctx, m.ID)
	if err != nil {
		return false, fmt.Errorf("poll control action: %w", err)
	}
	switch {
	case action.ControlAction == "resume":
		m.Status = model.StatusExecuting
		return false, rs.persistMission(ctx, m)
	case action.ControlAction == "input" && action.Message != "":
		m.LatestUserInput = action.Message
		m.Status = model.StatusPlanning
		return false, rs.persistMission(ctx, m)
	default:
		return true, nil
	}
}
