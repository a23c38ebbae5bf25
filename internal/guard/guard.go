// Package guard implements the Command Guard (C2): a deterministic,
// ordered rule-based filter over proposed shell commands, with an optional
// LLM second opinion. Follows a regex-based scanning style and a
// cheap-checks-first, fail-toward-the-safer-outcome threat model:
// structured verdicts over bare booleans.
package guard

import (
	"context"
	"log/slog"
	"regexp"
	"strings"

	"github.com/caic-xyz/openjules/internal/model"
)

// Verdict is the result of evaluating one proposed command.
type Verdict struct {
	Allowed               bool
	Sanitised             string
	Reason                string
	Rule                  string
	PromotedToBackground  bool
	SuggestedReadyPattern string
}

// AIReviewer asks the guard LLM role for a second opinion on a command that
// passed the deterministic rules. Implemented by internal/llm's role
// gateway; kept as a narrow interface here so the guard package has no
// dependency on any concrete provider.
type AIReviewer interface {
	ReviewCommand(ctx context.Context, command string, isBackground bool) (safe bool, reason string, err error)
}

// GeoLookup resolves an IP literal to a country code. Implemented by an
// optional MaxMind-backed lookup; nil-safe (Check skips enrichment when
// unset).
type GeoLookup interface {
	CountryForIP(ip string) (country string, ok bool)
}

// Guard evaluates commands against a project's CommandGuardSettings.
type Guard struct {
	settings   model.CommandGuardSettings
	ai         AIReviewer
	geo        GeoLookup
	allowRegex []*regexp.Regexp
	denyRegex  []*regexp.Regexp
}

// New compiles a Guard for one project's settings. customAllow/customDeny
// patterns that fail to compile are dropped with a logged warning rather
// than aborting construction, matching the forward-compatible posture the
// rest of this codebase takes toward operator-supplied configuration.
func New(settings model.CommandGuardSettings, ai AIReviewer, geo GeoLookup) *Guard {
	g := &Guard{settings: settings, ai: ai, geo: geo}
	g.allowRegex = compileAll(settings.CustomAllowPatterns)
	g.denyRegex = compileAll(settings.CustomDenyPatterns)
	return g
}

func compileAll(patterns []string) []*regexp.Regexp {
	var out []*regexp.Regexp
	for _, p := range patterns {
		re, err := regexp.Compile("(?i)" + p)
		if err != nil {
			slog.Warn("guard: dropping uncompilable custom pattern", "pattern", p, "err", err)
			continue
		}
		out = append(out, re)
	}
	return out
}

// Check evaluates cmd in the precise order specified by §4.2. ctx is only
// used for the optional aiReview call.
func (g *Guard) Check(ctx context.Context, cmd string, isBackground bool) Verdict {
	trimmed := strings.TrimSpace(cmd)

	// 1. Disabled entirely.
	if !g.settings.IsEnabled() {
		return Verdict{Allowed: true, Sanitised: trimmed}
	}

	// 2. Allow-list short-circuits everything else.
	for i, re := range g.allowRegex {
		if re.MatchString(trimmed) {
			return Verdict{Allowed: true, Sanitised: trimmed, Rule: "allow:" + g.settings.CustomAllowPatterns[i]}
		}
	}

	// 3-7. Built-in rules.
	heredocStripped := stripHeredocs(trimmed)
	quoteStripped := stripQuotedStrings(trimmed)
	for _, r := range builtinRules {
		if r.category == categoryHanging && isBackground {
			continue
		}
		if !g.categoryEnabled(r.category) {
			continue
		}
		subject := trimmed
		switch r.category {
		case categoryShellInjection:
			subject = heredocStripped
		case categoryHanging:
			subject = quoteStripped
		}
		if !r.pattern.MatchString(subject) {
			continue
		}
		if r.category == categoryHanging {
			pattern := guessReadyPattern(trimmed)
			return Verdict{
				Allowed:               true,
				Sanitised:             trimmed,
				Rule:                  r.id,
				Reason:                r.reason,
				PromotedToBackground:  true,
				SuggestedReadyPattern: pattern,
			}
		}
		reason := r.reason
		if r.category == categoryNetworkExfil {
			reason = g.enrichWithGeo(trimmed, reason)
		}
		return Verdict{Allowed: false, Sanitised: trimmed, Rule: r.id, Reason: reason}
	}

	// 8. Custom deny patterns.
	for i, re := range g.denyRegex {
		if re.MatchString(trimmed) {
			return Verdict{Allowed: false, Sanitised: trimmed, Rule: "deny:" + g.settings.CustomDenyPatterns[i], Reason: "matched custom deny pattern"}
		}
	}

	// 9. Optional LLM second opinion.
	if g.settings.AIReview && g.ai != nil {
		safe, reason, err := g.ai.ReviewCommand(ctx, trimmed, isBackground)
		if err != nil {
			// Provider error allows (logged) — §4.2 step 9.
			slog.Warn("guard: AI review failed, allowing by default", "err", err)
		} else if !safe {
			return Verdict{Allowed: false, Sanitised: trimmed, Rule: "ai-review", Reason: reason}
		}
	}

	return Verdict{Allowed: true, Sanitised: trimmed}
}

func (g *Guard) categoryEnabled(c category) bool {
	switch c {
	case categoryDestructive:
		return g.settings.BlocksDestructive()
	case categoryHanging:
		return g.settings.BlocksHanging()
	case categoryNetworkExfil:
		return g.settings.BlocksNetworkExfil()
	case categoryPrivilegeEsc:
		return g.settings.BlocksPrivilegeEsc()
	case categoryShellInjection:
		return g.settings.BlocksShellInjection()
	default:
		return true
	}
}

var ipLiteralRe = regexp.MustCompile(`\b(\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3})\b`)

// enrichWithGeo appends a best-effort country hint to a network-exfil
// denial reason when the command embeds a literal IP and a GeoLookup is
// configured. Never changes the allow/deny outcome — purely informational.
func (g *Guard) enrichWithGeo(cmd, reason string) string {
	if g.geo == nil {
		return reason
	}
	m := ipLiteralRe.FindStringSubmatch(cmd)
	if m == nil {
		return reason
	}
	country, ok := g.geo.CountryForIP(m[1])
	if !ok {
		return reason
	}
	return reason + " (target IP resolves to " + country + ")"
}

// stripHeredocs removes the bodies of quoted heredocs (<<'DELIM' or
// <<"DELIM") so their contents never influence shell-injection matching,
// while leaving unquoted heredocs (<<DELIM) intact since the shell expands
// them and they remain a real injection surface (§4.2 step 4, §8 heredoc
// property). Stripping is line-oriented: once a quoted delimiter is seen,
// every following line is dropped until one equals the delimiter exactly.
func stripHeredocs(cmd string) string {
	heredocStart := regexp.MustCompile(`<<-?\s*(['"])(\w+)['"]`)
	lines := strings.Split(cmd, "\n")
	var out []string
	i := 0
	for i < len(lines) {
		line := lines[i]
		if m := heredocStart.FindStringSubmatch(line); m != nil {
			delim := m[2]
			out = append(out, line)
			i++
			for i < len(lines) {
				if strings.TrimSpace(lines[i]) == delim {
					out = append(out, lines[i])
					i++
					break
				}
				i++
			}
			continue
		}
		out = append(out, line)
		i++
	}
	return strings.Join(out, "\n")
}

var quotedStringRe = regexp.MustCompile(`"(?:[^"\\]|\\.)*"|'(?:[^'\\]|\\.)*'`)

// stripQuotedStrings collapses the contents of single- and double-quoted
// strings to empty so a string literal like "start:'node src/server.js'"
// can't spuriously trigger the hanging-command rules (§4.2 step 4).
func stripQuotedStrings(cmd string) string {
	return quotedStringRe.ReplaceAllStringFunc(cmd, func(m string) string {
		if len(m) == 0 {
			return m
		}
		return string(m[0]) + string(m[len(m)-1])
	})
}
