package executor

import (
	"encoding/json"
	"fmt"

	"github.com/caic-xyz/openjules/internal/model"
	"github.com/caic-xyz/openjules/internal/sandbox"
)

// commandEvent is the JSON-encoded payload for a `command` log (§4.5 step
// 3: "Log the command event with timeout/retryable/background
// annotations").
type commandEvent struct {
	Command      string `json:"command"`
	TimeoutMs    int    `json:"timeoutMs"`
	Retryable    bool   `json:"retryable"`
	Background   bool   `json:"background"`
	ReadyPattern string `json:"readyPattern,omitempty"`
}

func commandLogContent(step *model.MissionStep) string {
	ev := commandEvent{
		Command:      step.Command,
		TimeoutMs:    step.TimeoutMs,
		Retryable:    step.Retryable,
		Background:   step.Background,
		ReadyPattern: step.ReadyPattern,
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return step.Command
	}
	return string(b)
}

// toolOutputEvent is the JSON-encoded payload for the `tool_output` log
// (§4.5 step 8: "truncated outputs and metrics").
type toolOutputEvent struct {
	ExitCode   int    `json:"exitCode"`
	DurationMs int64  `json:"durationMs"`
	RetryCount int    `json:"retryCount"`
	StdoutTail string `json:"stdoutTail"`
	StderrTail string `json:"stderrTail"`
}

func toolOutputLogContent(step *model.MissionStep, result sandbox.CommandResult, durationMs int64) string {
	ev := toolOutputEvent{
		ExitCode:   result.ExitCode,
		DurationMs: durationMs,
		RetryCount: step.RetryCount,
		StdoutTail: step.StdoutTail,
		StderrTail: step.StderrTail,
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return fmt.Sprintf("exit=%d duration=%dms", result.ExitCode, durationMs)
	}
	return string(b)
}

func sprintfSummary(exitCode int, durationMs int64) string {
	return fmt.Sprintf("exit=%d duration=%dms", exitCode, durationMs)
}
