// Package executor implements the Step Executor (C5): per-step guard
// evaluation, auto-promotion to background, foreground/background
// execution with retry/backoff, and the truncated-tail/metric bookkeeping
// the Mission Controller persists after each step.
//
// Follows the exponential-backoff retry loop and tail-truncation style
// used for stored step output, adapted from driving a coding-agent CLI
// process to driving internal/sandbox.Instance directly.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/caic-xyz/openjules/internal/apierr"
	"github.com/caic-xyz/openjules/internal/guard"
	"github.com/caic-xyz/openjules/internal/model"
	"github.com/caic-xyz/openjules/internal/sandbox"
)

const backoffBase = 2 * time.Second

// Logger is the narrow append-log contract the executor needs from the
// Store Adapter; kept separate from store.Store to avoid executor
// depending on the full interface.
type Logger interface {
	AppendLog(ctx context.Context, log *model.MissionLog) error
}

// CommandRunner is the narrow subset of *sandbox.Instance the executor
// needs, kept as an interface (rather than a concrete dependency) so tests
// can exercise retry/backoff and guard interplay without a real container.
type CommandRunner interface {
	Command(ctx context.Context, cmd, workdir string, timeoutMs int) sandbox.CommandResult
	BackgroundCommand(ctx context.Context, cmd, readyPattern string, timeoutMs int) sandbox.CommandResult
}

// Executor runs one MissionStep to completion against a sandbox Instance.
type Executor struct {
	Guard   *guard.Guard
	Logs    Logger
	Sandbox CommandRunner
	// Now is overridable for deterministic tests.
	Now func() time.Time
	// Sleep is overridable so retry-backoff tests don't actually sleep.
	Sleep func(time.Duration)
}

// New builds an Executor wired to one mission's sandbox instance.
func New(g *guard.Guard, logs Logger, inst CommandRunner) *Executor {
	return &Executor{
		Guard:   g,
		Logs:    logs,
		Sandbox: inst,
		Now:     time.Now,
		Sleep:   time.Sleep,
	}
}

// Run executes step in place, mutating its fields per §4.5 step 8, and
// returns the exit code the Mission Controller inspects to decide whether
// to transition the mission to FAILED (§4.4 step 4). A GuardBlock leaves
// the step BLOCKED with exitCode -2 and never touches the sandbox.
func (e *Executor) Run(ctx context.Context, missionID string, step *model.MissionStep) int {
	// 1. Guard.
	verdict := e.Guard.Check(ctx, step.Command, step.Background)
	if !verdict.Allowed {
		step.Status = model.StepBlocked
		e.logError(ctx, missionID, step.ID, "🛡️ "+verdict.Reason)
		return -2
	}
	// 2. Auto-promotion.
	if verdict.PromotedToBackground {
		step.Background = true
		step.ReadyPattern = verdict.SuggestedReadyPattern
	}

	// 3. Mark in-progress.
	started := e.Now()
	step.Status = model.StepInProgress
	step.StartedAt = &started
	e.logCommand(ctx, missionID, step)

	// 4-5. Execute with retry/backoff.
	result, retries := e.executeWithRetry(ctx, step)

	// 6 is handled inside exec: a panicking Command/BackgroundCommand call is
	// recovered there into an {ExitCode: -1} result, so no recover is needed here.

	finished := e.Now()
	duration := finished.Sub(started).Milliseconds()

	// 7. Persist outcome.
	step.ExitCode = &result.ExitCode
	step.RetryCount = retries
	step.DurationMs = &duration
	step.FinishedAt = &finished
	step.StdoutTail = model.TruncateTail(result.Stdout, model.MaxStdoutTail)
	step.StderrTail = model.TruncateTail(result.Stderr, model.MaxStderrTail)
	if result.ExitCode == 0 {
		step.Status = model.StepDone
	} else {
		step.Status = model.StepFailed
	}
	step.ResultSummary = resultSummary(result.ExitCode, duration)

	// 8. tool_output log.
	e.logToolOutput(ctx, missionID, step, result, duration)

	return result.ExitCode
}

// executeWithRetry wraps the raw exec call in the §4.5-step-5 exponential
// backoff: up to MaxRetries additional attempts (default §3's
// DefaultMaxRetries), base delay 2s, delay = base*2^attempt. Only retried
// when step.Retryable; the first attempt always runs regardless.
func (e *Executor) executeWithRetry(ctx context.Context, step *model.MissionStep) (sandbox.CommandResult, int) {
	result := e.exec(ctx, step)
	if !step.Retryable || result.ExitCode == 0 {
		return result, 0
	}
	attempts := 0
	for attempts < step.MaxRetries {
		delay := backoffBase * time.Duration(1<<uint(attempts))
		e.Sleep(delay)
		attempts++
		result = e.exec(ctx, step)
		if result.ExitCode == 0 {
			break
		}
	}
	return result, attempts
}

// exec runs one attempt, synthesising a {-1, err} result on any executor
// exception per §4.5 step 6 so a panic-free caller never needs to recover.
func (e *Executor) exec(ctx context.Context, step *model.MissionStep) (result sandbox.CommandResult) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("executor: recovered from panic running step", "step", step.ID, "panic", r)
			result = sandbox.CommandResult{ExitCode: -1, Stderr: fmt.Sprint(r)}
		}
	}()
	if step.Background && step.ReadyPattern != "" {
		return e.Sandbox.BackgroundCommand(ctx, step.Command, step.ReadyPattern, step.TimeoutMs)
	}
	return e.Sandbox.Command(ctx, step.Command, "", step.TimeoutMs)
}

func resultSummary(exitCode int, durationMs int64) string {
	return sprintfSummary(exitCode, durationMs)
}

func (e *Executor) logCommand(ctx context.Context, missionID string, step *model.MissionStep) {
	if e.Logs == nil {
		return
	}
	_ = e.Logs.AppendLog(ctx, &model.MissionLog{
		MissionID: missionID,
		StepID:    step.ID,
		Type:      model.LogCommand,
		Content:   commandLogContent(step),
		Timestamp: e.Now(),
	})
}

func (e *Executor) logToolOutput(ctx context.Context, missionID string, step *model.MissionStep, result sandbox.CommandResult, durationMs int64) {
	if e.Logs == nil {
		return
	}
	_ = e.Logs.AppendLog(ctx, &model.MissionLog{
		MissionID: missionID,
		StepID:    step.ID,
		Type:      model.LogToolOutput,
		Content:   toolOutputLogContent(step, result, durationMs),
		Timestamp: e.Now(),
	})
}

func (e *Executor) logError(ctx context.Context, missionID, stepID, message string) {
	if e.Logs == nil {
		return
	}
	_ = e.Logs.AppendLog(ctx, &model.MissionLog{
		MissionID: missionID,
		StepID:    stepID,
		Type:      model.LogError,
		Content:   message,
		Timestamp: e.Now(),
	})
}

// GuardBlockError builds the apierr value a caller can classify via
// errors.As when Run returns -2.
func GuardBlockError(rule, reason string) error {
	return apierr.GuardBlock(rule, reason)
}
