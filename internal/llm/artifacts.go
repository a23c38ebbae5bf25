package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/caic-xyz/openjules/internal/model"
)

const maxReadmeChars = 8_000
const maxPrevOutputChars = 2_000
const maxErrorAnalysisChars = 4_000

// PlanStep is one element of a Plan artefact's Steps slice, pre-validation
// (command is filled in later by the coder role per step, §3).
type PlanStep struct {
	Description  string `json:"description"`
	TimeoutMs    int    `json:"timeoutMs"`
	Retryable    bool   `json:"retryable"`
	Background   bool   `json:"background"`
	ReadyPattern string `json:"readyPattern"`
}

// Plan is the planner role's artefact (§4.3): 3-8 steps, reasoning text,
// never containing shell commands.
type Plan struct {
	Reasoning string     `json:"reasoning"`
	Steps     []PlanStep `json:"steps"`
}

// PlanRequest carries everything the planner's user-message assembly needs.
type PlanRequest struct {
	Goal              string
	RepoPresent       bool
	FileTree          string // optional
	PackageJSON       string // optional, raw contents
	README            string // optional, raw contents, truncated to 8000 chars
	CustomInstructions string // optional, from Settings.Prompts.Planner.Content
}

const plannerSystemPrompt = `You are the planning role of an autonomous software engineering agent.
Produce a JSON object of the exact shape {"reasoning": string, "steps": [{"description": string, "timeoutMs": number, "retryable": boolean, "background": boolean, "readyPattern": string}]}.
Never include shell commands in a step description - only describe the intent.
Never ask clarifying questions about a missing repository; assume one will be scaffolded if absent.
Produce between 3 and 8 steps. Reply with ONLY the JSON object, no prose, no markdown fences.`

// GeneratePlan calls the planner role and parses the Plan artefact,
// applying the prompt-override from Settings.Prompts.Planner.Content when
// present (§6).
func (g *Gateway) GeneratePlan(ctx context.Context, req PlanRequest, promptOverride string) (Plan, Result, error) {
	system := plannerSystemPrompt
	if promptOverride != "" {
		system = promptOverride
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Goal: %s\n", req.Goal)
	if req.RepoPresent {
		b.WriteString("Repository is present at /workspace/repo.\n")
	} else {
		b.WriteString("No repository is present; one must be scaffolded.\n")
	}
	if req.FileTree != "" {
		fmt.Fprintf(&b, "\nFile tree:\n%s\n", req.FileTree)
	}
	if req.PackageJSON != "" {
		fmt.Fprintf(&b, "\npackage.json:\n%s\n", req.PackageJSON)
	}
	if req.README != "" {
		readme := req.README
		if len(readme) > maxReadmeChars {
			readme = readme[:maxReadmeChars] + "..."
		}
		fmt.Fprintf(&b, "\nREADME:\n%s\n", readme)
	}
	if req.CustomInstructions != "" {
		fmt.Fprintf(&b, "\nCustom instructions:\n%s\n", req.CustomInstructions)
	}

	res, err := g.Chat(ctx, model.RolePlanner, []Message{
		{Role: "system", Content: system},
		{Role: "user", Content: b.String()},
	}, Options{Temperature: 0.2, MaxTokens: 2000, JSONMode: true})
	if err != nil {
		return Plan{}, Result{}, fmt.Errorf("llm: planner call failed: %w", err)
	}
	block, ok := ExtractJSON(res.Content)
	if !ok {
		return Plan{}, res, fmt.Errorf("llm: planner reply had no JSON object")
	}
	var plan Plan
	if err := json.Unmarshal([]byte(block), &plan); err != nil {
		return Plan{}, res, fmt.Errorf("llm: planner reply did not parse: %w", err)
	}
	return plan, res, nil
}

// StepCommand is the coder role's artefact (§4.3).
type StepCommand struct {
	Command      string `json:"command"`
	Reasoning    string `json:"reasoning"`
	Background   bool   `json:"background"`
	ReadyPattern string `json:"readyPattern"`
}

// StepCommandRequest carries the coder prompt-assembly context.
type StepCommandRequest struct {
	Goal               string
	StepIndex          int // 0-based
	TotalSteps         int
	PlanOverview       []string // descriptions, current arrow applied by caller
	PreviousOutputs    []string // truncated tails, most recent last
	FileTree           string
	PackageJSON        string
	GuardFeedback      string // optional, populated on a retry after a guard denial
	UserHint           string // optional
	TroubleshootAnalysis string // optional
}

const coderSystemPrompt = `You are the coding role of an autonomous software engineering agent operating inside a sandboxed container shell.
Produce a JSON object of the exact shape {"command": string, "reasoning": string, "background": boolean, "readyPattern": string}.
The command must be a single shell command runnable with bash -lc.
Never produce an interactive program that waits on a TTY.
Never use back-ticks for command substitution; use $(...) instead.
When creating files inline, always use a quoted heredoc (<<'EOF' ... EOF), never an unquoted one.
When the command is long-running (a dev server, a watcher), set "background": true and provide a "readyPattern" regex that matches a line the process prints once ready.
Prefer invoking existing project scripts (npm run <script>, etc.) over hand-rolled equivalents when package.json defines them.
Never run "npm init -y" on a repository that already has a package.json.
Reply with ONLY the JSON object, no prose, no markdown fences.`

// GenerateStepCommand calls the coder role and parses the StepCommand
// artefact.
func (g *Gateway) GenerateStepCommand(ctx context.Context, req StepCommandRequest) (StepCommand, Result, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Mission goal: %s\n", req.Goal)
	fmt.Fprintf(&b, "Current step: %d of %d\n\n", req.StepIndex+1, req.TotalSteps)
	b.WriteString("Plan overview:\n")
	for i, d := range req.PlanOverview {
		marker := "  "
		if i == req.StepIndex {
			marker = "->"
		}
		fmt.Fprintf(&b, "%s %d. %s\n", marker, i+1, d)
	}
	if len(req.PreviousOutputs) > 0 {
		b.WriteString("\nPrevious step outputs (most recent last):\n")
		for _, o := range req.PreviousOutputs {
			if len(o) > maxPrevOutputChars {
				o = o[:maxPrevOutputChars] + "..."
			}
			fmt.Fprintf(&b, "---\n%s\n", o)
		}
	}
	if req.FileTree != "" {
		fmt.Fprintf(&b, "\nFile tree:\n%s\n", req.FileTree)
	}
	if req.PackageJSON != "" {
		fmt.Fprintf(&b, "\npackage.json:\n%s\n", req.PackageJSON)
	}
	if req.GuardFeedback != "" {
		fmt.Fprintf(&b, "\nThe previous command was rejected by the safety guard: %s\nPropose a different, safe command.\n", req.GuardFeedback)
	}
	if req.UserHint != "" {
		fmt.Fprintf(&b, "\nUser hint: %s\n", req.UserHint)
	}
	if req.TroubleshootAnalysis != "" {
		fmt.Fprintf(&b, "\nTroubleshooting analysis from the previous failure:\n%s\n", req.TroubleshootAnalysis)
	}

	res, err := g.Chat(ctx, model.RoleCoder, []Message{
		{Role: "system", Content: coderSystemPrompt},
		{Role: "user", Content: b.String()},
	}, Options{Temperature: 0.2, MaxTokens: 1000, JSONMode: true})
	if err != nil {
		return StepCommand{}, Result{}, fmt.Errorf("llm: coder call failed: %w", err)
	}
	block, ok := ExtractJSON(res.Content)
	if !ok {
		return StepCommand{}, res, fmt.Errorf("llm: coder reply had no JSON object")
	}
	var cmd StepCommand
	if err := json.Unmarshal([]byte(block), &cmd); err != nil {
		return StepCommand{}, res, fmt.Errorf("llm: coder reply did not parse: %w", err)
	}
	return cmd, res, nil
}

// ErrorAnalysisRequest carries the troubleshooter prompt-assembly context.
type ErrorAnalysisRequest struct {
	Goal            string
	StepDescription string
	Command         string
	ExitCode        int
	CombinedOutput  string // stderr+stdout, most recent 4000 chars
}

const troubleshootSystemPrompt = `You are the troubleshooting role of an autonomous software engineering agent.
Given a failed shell command, reply with a plain-text strategy in exactly three sentences describing what likely went wrong and how the next attempt should differ.
Do not propose a corrected command yourself; that is the coder role's job.`

// AnalyzeError calls the troubleshooter role and returns its plain-text
// strategy (§4.3: "3-sentence plain-text strategy only, not a corrected
// command").
func (g *Gateway) AnalyzeError(ctx context.Context, req ErrorAnalysisRequest) (string, Result, error) {
	output := req.CombinedOutput
	if len(output) > maxErrorAnalysisChars {
		output = output[len(output)-maxErrorAnalysisChars:]
	}
	user := fmt.Sprintf("Mission goal: %s\nStep: %s\nFailed command: %s\nExit code: %d\n\nOutput:\n%s",
		req.Goal, req.StepDescription, req.Command, req.ExitCode, output)

	res, err := g.Chat(ctx, model.RoleTroubleshooter, []Message{
		{Role: "system", Content: troubleshootSystemPrompt},
		{Role: "user", Content: user},
	}, Options{Temperature: 0.3, MaxTokens: 300})
	if err != nil {
		return "", Result{}, fmt.Errorf("llm: troubleshooter call failed: %w", err)
	}
	return strings.TrimSpace(res.Content), res, nil
}
