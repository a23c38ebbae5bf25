package mission

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/caic-xyz/openjules/internal/model"
)

// handleValidating collects the sandbox's diff, writes it into the Job
// result, sets finished_at/total_duration_ms, and transitions to
// WAITING_REVIEW (§4.4 VALIDATING -> WAITING_REVIEW).
func (rs *runState) handleValidating(ctx context.Context, m *model.Mission) error {
	patch := ""
	if rs.inst != nil {
		p, err := rs.inst.CreatePatch(ctx)
		if err != nil {
			rs.appendLog(ctx, m.ID, "", model.LogError, "failed to create patch: "+err.Error())
		} else {
			patch = p
		}
	}

	now := rs.ctrl.Now()
	m.FinishedAt = &now
	if m.StartedAt != nil {
		d := now.Sub(*m.StartedAt).Milliseconds()
		m.TotalDurationMs = &d
	} else {
		var zero int64
		m.TotalDurationMs = &zero
	}
	m.Status = model.StatusWaitingReview
	if err := rs.persistMission(ctx, m); err != nil {
		return err
	}

	job, err := rs.ctrl.Store.GetJobByMission(ctx, m.ID)
	if err != nil {
		return fmt.Errorf("load job for patch result: %w", err)
	}
	job.Result.Patch = patch
	if err := rs.ctrl.Store.UpdateJob(ctx, job); err != nil {
		return fmt.Errorf("persist job result: %w", err)
	}

	summary := patchSummary(patch)
	if title := rs.gateway.GenerateTitle(ctx, m.ID, m.Goal, summary); title != "" {
		m.Title = title
	}
	m.ResultSummary = summary
	return rs.ctrl.Store.UpdateMission(ctx, m)
}

// patchSummary renders a short "N file(s) changed, +A/-D" line from a git
// diff's --numstat-equivalent line count, in the style of a diff-stat
// summarisation helper (ParseDiffNumstat), here applied directly to the
// unified-diff header lines CreatePatch returns.
func patchSummary(patch string) string {
	if strings.TrimSpace(patch) == "" {
		return "no changes"
	}
	files := 0
	added, deleted := 0, 0
	for _, line := range strings.Split(patch, "\n") {
		switch {
		case strings.HasPrefix(line, "diff --git "):
			files++
		case strings.HasPrefix(line, "+") && !strings.HasPrefix(line, "+++"):
			added++
		case strings.HasPrefix(line, "-") && !strings.HasPrefix(line, "---"):
			deleted++
		}
	}
	return strconv.Itoa(files) + " file(s) changed, +" + strconv.Itoa(added) + "/-" + strconv.Itoa(deleted)
}

// handleWaitingReview consumes the review approve/reject control actions
// (§4.4). A controlAction=input is applied here exactly as in every other
// state: unconditionally moving to PLANNING, even from WAITING_REVIEW,
// rather than special-casing it away. This can surprise an operator who
// expected review input to stay scoped to the review step, but it keeps
// the state machine's input-handling uniform across every waiting state.
func (rs *runState) handleWaitingReview(ctx context.Context, m *model.Mission) (waiting bool, err error) {
	action, err := rs.ctrl.Store.PollControlAction(ctx, m.ID)
	if err != nil {
		return false, fmt.Errorf("poll control action: %w", err)
	}
	switch {
	case action.ReviewAction == "approve":
		m.Status = model.StatusCompleted
		if m.ResultSummary == "" {
			m.ResultSummary = "mission completed"
		}
		return false, rs.persistMission(ctx, m)
	case action.ReviewAction == "reject":
		rs.failMission(ctx, m, "changes rejected by reviewer")
		return false, nil
	case action.ControlAction == "input" && action.Message != "":
		m.LatestUserInput = action.Message
		m.Status = model.StatusPlanning
		return false, rs.persistMission(ctx, m)
	default:
		return true, nil
	}
}
