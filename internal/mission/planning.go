package mission

import (
	"context"
	"fmt"

	"github.com/maruel/ksid"

	"github.com/caic-xyz/openjules/internal/llm"
	"github.com/caic-xyz/openjules/internal/model"
	"github.com/caic-xyz/openjules/internal/store"
)

// handlePlanning runs one plan wave (§4.4 PLANNING -> WAITING_PLAN_APPROVAL):
// call the planner role, persist plan + reasoning + token usage, delete all
// PENDING steps and insert the new wave, preserving DONE/FAILED history
// (§3 MissionStep lifecycle, §8 replanning idempotence).
func (rs *runState) handlePlanning(ctx context.Context, m *model.Mission) error {
	settings, err := rs.settingsFor(ctx, m)
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}

	req := llm.PlanRequest{
		Goal:        m.Goal,
		RepoPresent: m.RepoURL != "",
	}
	if m.LatestUserInput != "" {
		req.CustomInstructions = m.LatestUserInput
	}
	promptOverride := settings.Prompts.Planner.Content

	plan, res, err := rs.gateway.GeneratePlan(ctx, req, promptOverride)
	if err != nil {
		return fmt.Errorf("planner: %w", err)
	}

	if m.LatestUserInput != "" {
		rs.appendLog(ctx, m.ID, "", model.LogThought, "replanning with user input: "+m.LatestUserInput)
		m.LatestUserInput = ""
	}

	m.PlanReasoning = plan.Reasoning
	m.AIProvider = res.Provider
	m.AIModel = res.Model
	m.TokenUsage.Planner.Add(model.TokenUsage{Prompt: res.PromptTokens, Completion: res.CompletionTokens, Total: res.TotalTokens})
	m.TokenUsage.Recompute()

	existing, err := rs.ctrl.Store.ListSteps(ctx, m.ID)
	if err != nil {
		return fmt.Errorf("list steps: %w", err)
	}
	if err := rs.ctrl.Store.DeletePendingSteps(ctx, m.ID); err != nil {
		return fmt.Errorf("delete pending steps: %w", err)
	}

	start := store.NextStepOrderIndex(existing)
	steps := make([]*model.MissionStep, 0, len(plan.Steps))
	for i, ps := range plan.Steps {
		timeout := ps.TimeoutMs
		if timeout <= 0 {
			timeout = model.DefaultStepTimeoutMs
		}
		maxRetries := 0
		if ps.Retryable {
			maxRetries = model.DefaultMaxRetries
		}
		steps = append(steps, &model.MissionStep{
			ID:           ksid.NewID(),
			MissionID:    m.ID,
			OrderIndex:   start + i,
			Description:  ps.Description,
			Status:       model.StepPending,
			TimeoutMs:    timeout,
			Retryable:    ps.Retryable,
			MaxRetries:   maxRetries,
			Background:   ps.Background,
			ReadyPattern: ps.ReadyPattern,
		})
	}
	if err := rs.ctrl.Store.CreateSteps(ctx, steps); err != nil {
		return fmt.Errorf("create steps: %w", err)
	}

	m.Status = model.StatusWaitingPlanApproval
	if err := rs.persistMission(ctx, m); err != nil {
		return err
	}

	// Best-effort title generation; never blocks the state machine.
	if title := rs.gateway.GenerateTitle(ctx, m.ID, m.Goal, ""); title != "" {
		m.Title = title
		_ = rs.ctrl.Store.UpdateMission(ctx, m)
	}
	return nil
}

// handleWaitingPlanApproval consumes the human-gated plan approval control
// actions (§4.4, §6).
func (rs *runState) handleWaitingPlanApproval(ctx context.Context, m *model.Mission) (waiting bool, err error) {
	action, err := rs.ctrl.Store.PollControlAction(ctx, m.ID)
	if err != nil {
		return false, fmt.Errorf("poll control action: %w", err)
	}
	switch {
	case action.PlanAction == "approve":
		m.Status = model.StatusExecuting
		return false, rs.persistMission(ctx, m)
	case action.PlanAction == "reject":
		rs.failMission(ctx, m, "plan rejected by reviewer")
		return false, nil
	case action.ControlAction == "input" && action.Message != "":
		m.LatestUserInput = action.Message
		m.Status = model.StatusPlanning
		return false, rs.persistMission(ctx, m)
	default:
		return true, nil
	}
}
