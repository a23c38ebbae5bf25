package mission

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/caic-xyz/openjules/internal/llm"
	"github.com/caic-xyz/openjules/internal/model"
)

// fillStepCommand asks the coder role for a command when a step hasn't had
// one assigned yet (§4.4 step 3), assembling the context §4.3 describes:
// plan overview with the current step marked, file tree and package.json (best-effort, read from the
// sandbox's workspace mount), and the step's ResultSummary as guard
// feedback when it has one. The request's PreviousOutputs, UserHint and
// TroubleshootAnalysis fields are left empty.
//
// On an LLMError, fillStepCommand falls back to the §7-mandated safety
// command (`echo "Coder could not generate command for: ..."`) rather than
// propagating the error, since a coder failure must not abort the mission.
func (rs *runState) fillStepCommand(ctx context.Context, m *model.Mission, allSteps []*model.MissionStep, step *model.MissionStep, settings *model.Settings) {
	req := llm.StepCommandRequest{
		Goal:         m.Goal,
		StepIndex:    step.OrderIndex,
		TotalSteps:   len(allSteps),
		PlanOverview: planOverview(allSteps),
		FileTree:     rs.readFileTree(),
		PackageJSON:  rs.readPackageJSON(),
	}
	if step.ResultSummary != "" {
		req.GuardFeedback = step.ResultSummary
	}

	cmd, res, err := rs.gateway.GenerateStepCommand(ctx, req)
	if err != nil {
		safeCmd := fmt.Sprintf("echo %q", "Coder could not generate command for: "+step.Description)
		rs.appendLog(ctx, m.ID, step.ID, model.LogError, "coder LLMError, using safety fallback: "+err.Error())
		step.Command = safeCmd
		return
	}

	step.Command = cmd.Command
	if cmd.Background {
		step.Background = true
		step.ReadyPattern = cmd.ReadyPattern
	}
	m.TokenUsage.Coder.Add(model.TokenUsage{Prompt: res.PromptTokens, Completion: res.CompletionTokens, Total: res.TotalTokens})
	m.TokenUsage.Recompute()
	rs.appendLog(ctx, m.ID, step.ID, model.LogThought, cmd.Reasoning)
}

// planOverview returns the ordered step descriptions the coder prompt
// shows as the "plan overview with current arrow" (§4.3).
func planOverview(steps []*model.MissionStep) []string {
	sorted := make([]*model.MissionStep, len(steps))
	copy(sorted, steps)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].OrderIndex < sorted[j].OrderIndex })
	out := make([]string, len(sorted))
	for i, s := range sorted {
		out[i] = s.Description
	}
	return out
}

// readFileTree is best-effort: it asks the sandbox instance for its
// workspace listing through a narrow interface, the same posture
// readPackageJSON uses, so tests can fake Instance without ListFiles.
func (rs *runState) readFileTree() string {
	type lister interface{ ListFiles() ([]string, error) }
	l, ok := rs.inst.(lister)
	if !ok {
		return ""
	}
	paths, err := l.ListFiles()
	if err != nil {
		return ""
	}
	return strings.Join(paths, "\n")
}

func (rs *runState) readPackageJSON() string {
	type reader interface{ ReadFile(relPath string) ([]byte, error) }
	r, ok := rs.inst.(reader)
	if !ok {
		return ""
	}
	b, err := r.ReadFile("package.json")
	if err != nil {
		return ""
	}
	return string(b)
}

// analyzeFailure calls the troubleshooter role on a step that just failed
// and logs its plain-text strategy as a `thought` event. Best-effort: a
// troubleshooter LLMError is logged and otherwise ignored (§7: errors
// surfaced in the log stream).
func (rs *runState) analyzeFailure(ctx context.Context, m *model.Mission, step *model.MissionStep) {
	combined := step.StderrTail + "\n" + step.StdoutTail
	analysis, res, err := rs.gateway.AnalyzeError(ctx, llm.ErrorAnalysisRequest{
		Goal:            m.Goal,
		StepDescription: step.Description,
		Command:         step.Command,
		ExitCode:        valueOr(step.ExitCode, -1),
		CombinedOutput:  combined,
	})
	if err != nil {
		rs.appendLog(ctx, m.ID, step.ID, model.LogError, "troubleshooter LLMError: "+err.Error())
		return
	}
	m.TokenUsage.Troubleshoot.Add(model.TokenUsage{Prompt: res.PromptTokens, Completion: res.CompletionTokens, Total: res.TotalTokens})
	m.TokenUsage.Recompute()
	rs.appendLog(ctx, m.ID, step.ID, model.LogThought, analysis)
}

func valueOr(p *int, def int) int {
	if p == nil {
		return def
	}
	return *p
}
