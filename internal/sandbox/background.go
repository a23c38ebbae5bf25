package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/caic-xyz/openjules/internal/apierr"
	"github.com/caic-xyz/openjules/internal/model"
)

// escapeSingleQuotes prepares cmd for embedding inside a single-quoted
// shell -c argument (§4.1 BackgroundCommand step 2).
func escapeSingleQuotes(cmd string) string {
	return strings.ReplaceAll(cmd, "'", `'\''`)
}

// BackgroundCommand launches cmd detached inside the container and waits
// for readyPattern to match its combined output, racing a pid-liveness
// check and an overall timeout (§4.1 BackgroundCommand; §5 background
// protocol). The background process keeps running after a successful
// readiness match — only the tail stream is torn down.
func (i *Instance) BackgroundCommand(ctx context.Context, cmd, readyPattern string, timeoutMs int) CommandResult {
	if timeoutMs <= 0 {
		timeoutMs = DefaultBackgroundTimeoutMs
	}
	re, err := regexp.Compile("(?i)" + readyPattern)
	if err != nil {
		return CommandResult{ExitCode: -1, Stderr: "invalid ready pattern: " + err.Error()}
	}

	logPath := fmt.Sprintf("/tmp/bg-%s.log", randHex(6))
	pidPath := logPath + ".pid"
	shell := i.shellOrDefault()

	launch := fmt.Sprintf("nohup %s -c '%s' > %s 2>&1 & echo $! > %s",
		shell, escapeSingleQuotes(cmd), logPath, pidPath)
	if _, err := i.driver.run(ctx, "exec", "-w", "/workspace/repo", i.ContainerID, shell, "-lc", launch); err != nil {
		return CommandResult{ExitCode: -1, Stderr: "failed to launch background command: " + err.Error()}
	}

	tailCtx, cancelTail := context.WithCancel(ctx)
	defer cancelTail()

	var scratch bytes.Buffer
	var scratchMu sync.Mutex
	tailDone := make(chan struct{}, 1)
	go func() {
		tailCmd := fmt.Sprintf("tail -n +1 -f %s", logPath)
		res := i.Command(tailCtx, tailCmd, "/workspace/repo", 0)
		scratchMu.Lock()
		scratch.WriteString(res.Stdout)
		scratch.WriteString(res.Stderr)
		scratchMu.Unlock()
		tailDone <- struct{}{}
	}()
	// Hook the tail's live output into scratch via the log sink as well, so
	// matches can be observed before the tail command itself exits.
	prevSink := i.logSink
	i.StreamLogs(func(c LogChunk) {
		scratchMu.Lock()
		scratch.WriteString(c.Data)
		scratchMu.Unlock()
		if prevSink != nil {
			prevSink(c)
		}
	})
	defer i.StreamLogs(prevSink)

	matchTicker := time.NewTicker(200 * time.Millisecond)
	defer matchTicker.Stop()
	pidTicker := time.NewTicker(2 * time.Second)
	defer pidTicker.Stop()
	timeout := time.NewTimer(time.Duration(timeoutMs) * time.Millisecond)
	defer timeout.Stop()

	for {
		select {
		case <-matchTicker.C:
			scratchMu.Lock()
			buf := scratch.String()
			scratchMu.Unlock()
			if re.MatchString(buf) {
				return CommandResult{ExitCode: 0, Stdout: buf}
			}
		case <-pidTicker.C:
			if _, err := i.driver.run(ctx, "exec", i.ContainerID, shell, "-lc",
				fmt.Sprintf("kill -0 $(cat %s 2>/dev/null) 2>/dev/null", pidPath)); err != nil {
				scratchMu.Lock()
				tail := model.TruncateTail(scratch.String(), 2000)
				scratchMu.Unlock()
				bgErr := apierr.BackgroundDied(tail)
				return CommandResult{ExitCode: -1, Stderr: bgErr.Error() + ": " + tail}
			}
		case <-timeout.C:
			bgErr := apierr.BackgroundReadyTimeout(readyPattern, timeoutMs)
			return CommandResult{ExitCode: -1, Stderr: bgErr.Error()}
		case <-ctx.Done():
			return CommandResult{ExitCode: -1, Stderr: ctx.Err().Error()}
		}
	}
}
