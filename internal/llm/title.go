package llm

import (
	"context"
	"log/slog"
	"strings"

	"github.com/caic-xyz/openjules/internal/model"
)

const titleSystemPrompt = "Summarize this mission goal in 3-8 words as a short title. Reply with ONLY the title, no quotes."

// GenerateTitle produces a short mission title via a cheap, best-effort
// secondary LLM call that never blocks the state machine. Returns "" on
// any failure, including when no provider is configured at all: the
// Static backend always answers RolePlanner with a Plan artefact, never a
// short string, so it would otherwise land a raw JSON blob in the title.
func (g *Gateway) GenerateTitle(ctx context.Context, missionID, goal, resultSummary string) string {
	if _, ok := g.resolve(ctx, model.RolePlanner).(*staticBackend); ok {
		return ""
	}
	input := "Goal: " + goal
	if resultSummary != "" {
		input += "\nResult: " + resultSummary
	}
	if len(input) > 2000 {
		input = input[:2000]
	}
	res, err := g.Chat(ctx, model.RolePlanner, []Message{
		{Role: "system", Content: titleSystemPrompt},
		{Role: "user", Content: input},
	}, Options{Temperature: 0.3, MaxTokens: 64})
	if err != nil {
		slog.Warn("llm: title generation failed", "mission", missionID, "err", err)
		return ""
	}
	title := strings.TrimSpace(res.Content)
	title = strings.Trim(title, "\"'`")
	return title
}
