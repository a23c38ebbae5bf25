package guard

import "regexp"

// category names a built-in deny rule family; each is individually
// switchable via CommandGuardSettings (§4.2).
type category string

const (
	categoryDestructive    category = "destructive"
	categoryHanging        category = "hanging"
	categoryNetworkExfil   category = "network_exfil"
	categoryPrivilegeEsc   category = "privilege_esc"
	categoryShellInjection category = "shell_injection"
)

// rule is one built-in pattern in the ordered rule table (§4.2 step 5).
type rule struct {
	id       string
	category category
	pattern  *regexp.Regexp
	reason   string
}

func mustRule(id string, cat category, expr, reason string) rule {
	return rule{id: id, category: cat, pattern: regexp.MustCompile(expr), reason: reason}
}

// builtinRules is evaluated top to bottom; first match wins (§4.2 step 3).
// Patterns are deliberately verbose rather than golfed, naming each threat
// explicitly rather than compressing several into one clever expression.
var builtinRules = []rule{
	// Destructive.
	mustRule("rm-rf-root", categoryDestructive,
		`(?i)\brm\s+(-\w*r\w*f\w*|-\w*f\w*r\w*)\s+(/|~|\.\.|\*)(\s|$)`,
		"refusing recursive force-delete of a root-like path"),
	mustRule("mkfs", categoryDestructive, `(?i)\bmkfs(\.\w+)?\b`, "refusing filesystem-format command"),
	mustRule("dd-of-dev", categoryDestructive, `(?i)\bdd\s+[^|;&]*\bof=/dev/`, "refusing raw write to a device node"),
	mustRule("shred", categoryDestructive, `(?i)\bshred\b`, "refusing secure-delete command"),
	mustRule("wipefs", categoryDestructive, `(?i)\bwipefs\b`, "refusing filesystem-signature wipe"),

	// Hanging (long-running/blocking; only evaluated when !isBackground).
	mustRule("node-server-file", categoryHanging,
		`(?i)\bnode\s+(?:(?:[^\s-]\S*|-[^-\se]\S*|--[^\se]\S*|--e[^\sv]\S*)\s+)*\S+\.(?:js|ts|mjs|cjs)\b`,
		"node invocation looks like a long-running server process"),
	mustRule("npm-start", categoryHanging, `(?i)\bnpm\s+start\b`, "npm start runs indefinitely"),
	mustRule("npm-run-dev", categoryHanging, `(?i)\bnpm\s+run\s+(dev|serve|watch)\b`, "npm run dev/serve/watch runs indefinitely"),
	mustRule("yarn-dev", categoryHanging, `(?i)\byarn\s+(start|dev|serve)\b`, "yarn start/dev/serve runs indefinitely"),
	mustRule("pnpm-dev", categoryHanging, `(?i)\bpnpm\s+(start|dev|serve)\b`, "pnpm start/dev/serve runs indefinitely"),
	mustRule("python-server", categoryHanging,
		`(?i)\bpython[23]?\b.*\b(server|app\.py|manage\.py\s+runserver)\b`,
		"python server invocation runs indefinitely"),
	mustRule("tail-f", categoryHanging, `(?i)\btail\s+(-\S+\s+)*-f\b`, "tail -f runs indefinitely"),
	mustRule("sleep-huge", categoryHanging, `(?i)\bsleep\s+(infinity|[0-9]{4,})\b`, "sleep for >=1000s or infinity"),
	mustRule("yes", categoryHanging, `(?i)(^|[;&|]\s*)yes(\s|$)`, "yes runs indefinitely"),
	mustRule("lone-cat", categoryHanging, `(?i)^\s*cat\s*$`, "cat with no arguments blocks on stdin"),

	// Network exfiltration.
	mustRule("curl-upload", categoryNetworkExfil,
		`(?i)\bcurl\b[^|;&]*(-F\b|--form\b|-T\b|--upload-file\b|--data\s+@|--data-binary\s+@)`,
		"curl invocation uploads local data to a remote host"),
	mustRule("nc-listen-exec", categoryNetworkExfil,
		`(?i)\b(nc|ncat|netcat)\b[^|;&]*(-l\b|-e\b|-c\b)`,
		"netcat listen/exec flags enable remote shell access"),
	mustRule("wget-post", categoryNetworkExfil, `(?i)\bwget\b[^|;&]*--post`, "wget POST uploads local data"),
	mustRule("scp-rsync-remote", categoryNetworkExfil,
		`(?i)\b(scp|rsync)\b[^|;&]*\S+@\S+:`,
		"scp/rsync invocation targets a remote host"),

	// Privilege escalation.
	mustRule("sudo", categoryPrivilegeEsc, `(?i)\bsudo\b`, "sudo escalates privileges"),
	mustRule("su-root", categoryPrivilegeEsc, `(?i)\bsu\s+(root|-)\b`, "su switches to root"),
	mustRule("chmod-worldwritable", categoryPrivilegeEsc,
		`(?i)\bchmod\b[^|;&]*(\+s\b|\b[0-7]*[2367][0-7]{2}\b|\ba\+w\b|\bo\+w\b)`,
		"chmod grants world-writable or setuid/setgid permissions"),
	mustRule("chown-root", categoryPrivilegeEsc, `(?i)\bchown\b[^|;&]*\b(root|0)(:\S*)?\b`, "chown to root"),

	// Shell injection.
	mustRule("eval", categoryShellInjection, `(?i)\beval\s+`, "eval executes arbitrary constructed text"),
	mustRule("backticks", categoryShellInjection, "`[^`]*`", "backtick command substitution"),
	mustRule("fork-bomb", categoryShellInjection, `:\(\)\s*\{\s*:\|\:&\s*\}\s*;\s*:`, "classic fork bomb"),
	mustRule("base64-pipe-shell", categoryShellInjection,
		`(?i)\bbase64\s+-d\b[^|;&]*\|\s*(sh|bash|zsh)\b`,
		"base64-decoded payload piped directly into a shell"),
	mustRule("curl-pipe-shell", categoryShellInjection,
		`(?i)\bcurl\b[^|;&]*\|\s*(sh|bash|zsh|source)\b`,
		"curl output piped directly into a shell"),
	mustRule("wget-pipe-shell", categoryShellInjection,
		`(?i)\bwget\b[^|;&]*\|\s*(sh|bash|zsh|source)\b`,
		"wget output piped directly into a shell"),
}

// readyPatternGuesses maps a recognisable dev-server invocation fragment to
// a reasonable readiness regex, used when auto-promoting a hanging command
// to background execution (§4.2 step 6).
var readyPatternGuesses = []struct {
	match   *regexp.Regexp
	pattern string
}{
	{regexp.MustCompile(`(?i)\bnext\b`), `ready on|started server`},
	{regexp.MustCompile(`(?i)\bvite\b`), `ready in|local:`},
	{regexp.MustCompile(`(?i)\bnuxt\b`), `listening on|ready in`},
	{regexp.MustCompile(`(?i)\bng\s+serve\b`), `compiled successfully|listening on`},
	{regexp.MustCompile(`(?i)\bdjango\b`), `starting development server|quit the server`},
	{regexp.MustCompile(`(?i)\bflask\b`), `running on http`},
	{regexp.MustCompile(`(?i)\brails\b`), `listening on|use ctrl-c`},
	{regexp.MustCompile(`(?i)\btail\s+-f\b`), `.+`},
}

const fallbackReadyPattern = `listening on|ready|started|running`

// guessReadyPattern returns a readiness regex suggestion for a promoted
// command, falling back to a generic pattern when no specific framework is
// recognised.
func guessReadyPattern(cmd string) string {
	for _, g := range readyPatternGuesses {
		if g.match.MatchString(cmd) {
			return g.pattern
		}
	}
	return fallbackReadyPattern
}
