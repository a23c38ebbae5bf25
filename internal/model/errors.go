package model

import "errors"

var errBackgroundNeedsReadyPattern = errors.New("background step requires a non-empty ready pattern")

// MaxStdoutTail and MaxStderrTail bound MissionStep.StdoutTail/StderrTail
// per §3 and the truncation property in §8.
const (
	MaxStdoutTail = 5000
	MaxStderrTail = 3000
)

// ellipsis is appended to truncated tails; its byte length is reserved out
// of max so the result never exceeds max bytes (§8: "exact-length
// boundaries are truncated with a trailing ellipsis").
const ellipsis = "…"

// TruncateTail truncates s to at most max bytes, appending a trailing
// ellipsis when truncation occurred, satisfying the exact-length-boundary
// property from §8.
func TruncateTail(s string, max int) string {
	if len(s) <= max {
		return s
	}
	if max <= len(ellipsis) {
		return s[:max]
	}
	return s[:max-len(ellipsis)] + ellipsis
}
