package model

import (
	"encoding/json"
	"log/slog"
	"sort"
)

// Role names an LLM persona with its own provider/model override.
type Role string

const (
	RolePlanner        Role = "planner"
	RoleCoder          Role = "coder"
	RoleReviewer       Role = "reviewer"
	RoleThinker        Role = "thinker"
	RoleGuard          Role = "guard"
	RoleTroubleshooter Role = "troubleshooter"
)

// ProviderCreds holds a provider's API key and default model.
type ProviderCreds struct {
	APIKey string `json:"apiKey,omitempty"`
	Model  string `json:"model,omitempty"`
}

// RoleOverride is a per-role provider+model override.
type RoleOverride struct {
	Provider string `json:"provider,omitempty"`
	Model    string `json:"model,omitempty"`
}

// AISettings is the `ai` key of the Settings JSON.
type AISettings struct {
	Provider  string                  `json:"provider,omitempty"`
	OpenAI    ProviderCreds           `json:"openai,omitempty"`
	Anthropic ProviderCreds           `json:"anthropic,omitempty"`
	Google    ProviderCreds           `json:"google,omitempty"`
	Groq      ProviderCreds           `json:"groq,omitempty"`
	Roles     map[Role]RoleOverride   `json:"roles,omitempty"`
}

// DockerSettings is the `execution.docker` key.
type DockerSettings struct {
	Image       string  `json:"image,omitempty"`
	CPULimit    float64 `json:"cpuLimit,omitempty"`
	MemLimitMb  int     `json:"memLimitMb,omitempty"`
	PidsLimit   int     `json:"pidsLimit,omitempty"`
	NetworkMode string  `json:"networkMode,omitempty"`
}

// CommandGuardSettings is the `execution.commandGuard` key.
type CommandGuardSettings struct {
	Enabled             *bool    `json:"enabled,omitempty"`
	BlockDestructive     *bool    `json:"blockDestructive,omitempty"`
	BlockHanging         *bool    `json:"blockHanging,omitempty"`
	BlockNetworkExfil    *bool    `json:"blockNetworkExfil,omitempty"`
	BlockPrivilegeEsc    *bool    `json:"blockPrivilegeEsc,omitempty"`
	BlockShellInjection  *bool    `json:"blockShellInjection,omitempty"`
	CustomDenyPatterns   []string `json:"customDenyPatterns,omitempty"`
	CustomAllowPatterns  []string `json:"customAllowPatterns,omitempty"`
	AIReview             bool     `json:"aiReview,omitempty"`
	// GeoDBPath optionally points at a MaxMind GeoLite2-Country database used
	// by the guard's network-exfil enrichment (domain stack: maxminddb).
	GeoDBPath string `json:"geoDBPath,omitempty"`
}

// boolOr returns *b if non-nil, else def.
func boolOr(b *bool, def bool) bool {
	if b == nil {
		return def
	}
	return *b
}

// IsEnabled reports whether the guard is enabled at all (default true).
func (c CommandGuardSettings) IsEnabled() bool { return boolOr(c.Enabled, true) }

// BlocksDestructive reports the effective blockDestructive flag (default true).
func (c CommandGuardSettings) BlocksDestructive() bool { return boolOr(c.BlockDestructive, true) }

// BlocksHanging reports the effective blockHanging flag (default true).
func (c CommandGuardSettings) BlocksHanging() bool { return boolOr(c.BlockHanging, true) }

// BlocksNetworkExfil reports the effective blockNetworkExfil flag (default true).
func (c CommandGuardSettings) BlocksNetworkExfil() bool { return boolOr(c.BlockNetworkExfil, true) }

// BlocksPrivilegeEsc reports the effective blockPrivilegeEsc flag (default true).
func (c CommandGuardSettings) BlocksPrivilegeEsc() bool { return boolOr(c.BlockPrivilegeEsc, true) }

// BlocksShellInjection reports the effective blockShellInjection flag (default true).
func (c CommandGuardSettings) BlocksShellInjection() bool { return boolOr(c.BlockShellInjection, true) }

// ExecutionSettings is the `execution` key.
type ExecutionSettings struct {
	SandboxRoot    string               `json:"sandboxRoot,omitempty"`
	PersistSandbox bool                 `json:"persistSandbox,omitempty"`
	Docker         DockerSettings       `json:"docker,omitempty"`
	CommandGuard   CommandGuardSettings `json:"commandGuard,omitempty"`
}

// PromptsSettings is the `prompts` key.
type PromptsSettings struct {
	Planner struct {
		Content string `json:"content,omitempty"`
	} `json:"planner,omitempty"`
}

// Settings is the per-project settings document the Store persists as
// opaque JSON; the core decodes only the keys it recognises and preserves
// unknown keys for forward compatibility.
type Settings struct {
	AI        AISettings        `json:"ai,omitempty"`
	Execution ExecutionSettings `json:"execution,omitempty"`
	Prompts   PromptsSettings   `json:"prompts,omitempty"`

	// Extra holds any JSON keys this version doesn't recognise, so round
	// tripping through the Store never silently drops operator config.
	Extra map[string]json.RawMessage `json:"-"`
}

// knownSettingsKeys mirrors Settings' recognised top-level JSON keys.
var knownSettingsKeys = map[string]bool{"ai": true, "execution": true, "prompts": true}

// ParseSettings decodes raw Settings JSON, routing unrecognised top-level
// keys into Extra instead of failing, the same forward-compatible pattern
// as agent/claude's Overflow/warnUnknown helpers.
func ParseSettings(raw []byte) (*Settings, error) {
	if len(raw) == 0 {
		return &Settings{}, nil
	}
	var s Settings
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, err
	}
	var generic map[string]json.RawMessage
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	var unknown []string
	for k, v := range generic {
		if knownSettingsKeys[k] {
			continue
		}
		if s.Extra == nil {
			s.Extra = make(map[string]json.RawMessage)
		}
		s.Extra[k] = v
		unknown = append(unknown, k)
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		slog.Warn("settings: ignoring unknown keys", "keys", unknown)
	}
	return &s, nil
}

// RoleOverrideFor resolves the provider/model override for a role, if any.
func (s *Settings) RoleOverrideFor(role Role) (RoleOverride, bool) {
	if s == nil || s.AI.Roles == nil {
		return RoleOverride{}, false
	}
	ov, ok := s.AI.Roles[role]
	return ov, ok
}
