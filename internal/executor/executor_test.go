package executor

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/caic-xyz/openjules/internal/guard"
	"github.com/caic-xyz/openjules/internal/model"
	"github.com/caic-xyz/openjules/internal/sandbox"
)

type fakeRunner struct {
	results    []sandbox.CommandResult
	calls      int
	background bool
}

func (f *fakeRunner) Command(ctx context.Context, cmd, workdir string, timeoutMs int) sandbox.CommandResult {
	return f.next()
}

func (f *fakeRunner) BackgroundCommand(ctx context.Context, cmd, readyPattern string, timeoutMs int) sandbox.CommandResult {
	f.background = true
	return f.next()
}

func (f *fakeRunner) next() sandbox.CommandResult {
	if f.calls >= len(f.results) {
		return f.results[len(f.results)-1]
	}
	r := f.results[f.calls]
	f.calls++
	return r
}

func newTestGuard(t *testing.T) *guard.Guard {
	t.Helper()
	return guard.New(model.CommandGuardSettings{}, nil, nil)
}

func TestExecutorRunSuccess(t *testing.T) {
	runner := &fakeRunner{results: []sandbox.CommandResult{{ExitCode: 0, Stdout: "done"}}}
	e := New(newTestGuard(t), nil, runner)
	e.Sleep = func(time.Duration) {}

	step := &model.MissionStep{ID: "s1", Command: "echo done", TimeoutMs: 1000}
	code := e.Run(context.Background(), "m1", step)

	if code != 0 {
		t.Fatalf("exit code = %d, want 0", code)
	}
	if step.Status != model.StepDone {
		t.Fatalf("status = %s, want DONE", step.Status)
	}
	if step.ExitCode == nil || *step.ExitCode != 0 {
		t.Fatalf("ExitCode not set to 0")
	}
	if step.StartedAt == nil || step.FinishedAt == nil {
		t.Fatal("started/finished not set")
	}
}

func TestExecutorRunGuardBlocksDestructive(t *testing.T) {
	runner := &fakeRunner{results: []sandbox.CommandResult{{ExitCode: 0}}}
	e := New(newTestGuard(t), nil, runner)
	step := &model.MissionStep{ID: "s1", Command: "rm -rf /", TimeoutMs: 1000}

	code := e.Run(context.Background(), "m1", step)

	if code != -2 {
		t.Fatalf("exit code = %d, want -2", code)
	}
	if step.Status != model.StepBlocked {
		t.Fatalf("status = %s, want BLOCKED", step.Status)
	}
	if runner.calls != 0 {
		t.Fatal("sandbox should never be invoked for a blocked step")
	}
}

func TestExecutorRunAutoPromotesToBackground(t *testing.T) {
	runner := &fakeRunner{results: []sandbox.CommandResult{{ExitCode: 0, Stdout: "listening on 3000"}}}
	e := New(newTestGuard(t), nil, runner)
	step := &model.MissionStep{ID: "s1", Command: "npm start", TimeoutMs: 5000}

	code := e.Run(context.Background(), "m1", step)

	if code != 0 {
		t.Fatalf("exit code = %d, want 0", code)
	}
	if !step.Background {
		t.Fatal("step should have been promoted to background")
	}
	if step.ReadyPattern == "" {
		t.Fatal("promoted step should carry a suggested ready pattern")
	}
	if !runner.background {
		t.Fatal("BackgroundCommand should have been invoked")
	}
}

func TestExecutorRunRetriesRetryableStepsWithBackoff(t *testing.T) {
	runner := &fakeRunner{results: []sandbox.CommandResult{
		{ExitCode: 1, Stderr: "transient"},
		{ExitCode: 1, Stderr: "transient"},
		{ExitCode: 0, Stdout: "ok"},
	}}
	e := New(newTestGuard(t), nil, runner)
	var slept []time.Duration
	e.Sleep = func(d time.Duration) { slept = append(slept, d) }

	step := &model.MissionStep{ID: "s1", Command: "flaky", TimeoutMs: 1000, Retryable: true, MaxRetries: 2}
	code := e.Run(context.Background(), "m1", step)

	if code != 0 {
		t.Fatalf("exit code = %d, want 0 after retries succeed", code)
	}
	if step.RetryCount != 2 {
		t.Fatalf("retry count = %d, want 2", step.RetryCount)
	}
	if len(slept) != 2 || slept[0] != 2*time.Second || slept[1] != 4*time.Second {
		t.Fatalf("backoff delays = %v, want [2s 4s]", slept)
	}
}

func TestExecutorRunNonRetryableFailsImmediately(t *testing.T) {
	runner := &fakeRunner{results: []sandbox.CommandResult{{ExitCode: 1, Stderr: "boom"}}}
	e := New(newTestGuard(t), nil, runner)
	step := &model.MissionStep{ID: "s1", Command: "false", TimeoutMs: 1000}

	code := e.Run(context.Background(), "m1", step)

	if code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
	if step.Status != model.StepFailed {
		t.Fatalf("status = %s, want FAILED", step.Status)
	}
	if runner.calls != 1 {
		t.Fatalf("non-retryable step should only execute once, got %d calls", runner.calls)
	}
}

func TestTailsAreTruncatedWithEllipsis(t *testing.T) {
	long := make([]byte, model.MaxStdoutTail+500)
	for i := range long {
		long[i] = 'a'
	}
	runner := &fakeRunner{results: []sandbox.CommandResult{{ExitCode: 0, Stdout: string(long)}}}
	e := New(newTestGuard(t), nil, runner)
	step := &model.MissionStep{ID: "s1", Command: "cat bigfile", TimeoutMs: 1000}

	e.Run(context.Background(), "m1", step)

	if len(step.StdoutTail) != model.MaxStdoutTail {
		t.Fatalf("stdout tail length = %d, want %d", len(step.StdoutTail), model.MaxStdoutTail)
	}
	if !strings.HasSuffix(step.StdoutTail, "…") {
		t.Fatalf("truncated tail should end in an ellipsis, got %q", step.StdoutTail[len(step.StdoutTail)-5:])
	}
}
