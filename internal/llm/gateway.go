// Package llm implements the LLM Role Gateway (C3): a uniform chat contract
// over multiple provider back-ends, producing the Plan, StepCommand and
// ErrorAnalysis artefacts the Mission Controller and Step Executor consume.
//
// Built on github.com/maruel/genai (providers.All[name].Factory, GenSync,
// GenOptionText, ModelID), generalised from a single cheap title call into
// the full per-role contract, plus a Static fallback for when no provider
// is configured (§4.3).
package llm

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/maruel/genai"
	"github.com/maruel/genai/providers"

	"github.com/caic-xyz/openjules/internal/model"
	"github.com/caic-xyz/openjules/internal/usage"
)

// Message is one chat turn in the uniform contract.
type Message struct {
	Role    string // "system" | "user" | "assistant"
	Content string
}

// Options controls one Chat call.
type Options struct {
	Temperature float64
	MaxTokens   int
	JSONMode    bool
}

// Result is the uniform reply from a provider.
type Result struct {
	Content          string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	Model            string
	Provider         string
}

// Backend is the uniform contract every provider variant (OpenAI,
// Anthropic, Google, Groq, Static) satisfies. Modeled as a tagged variant
// per the design notes (§9 "Dynamic polymorphism over providers"): one
// concrete type per provider kind rather than an open interface hierarchy,
// with genaiBackend covering every genai-backed provider and static
// covering the heuristic fallback.
type Backend interface {
	Chat(ctx context.Context, messages []Message, opts Options) (Result, error)
	Name() string
}

// genaiBackend adapts one github.com/maruel/genai provider to the Backend
// contract by driving genai.Provider.GenSync directly.
type genaiBackend struct {
	name     string
	provider genai.Provider
}

func (b *genaiBackend) Name() string { return b.name }

func (b *genaiBackend) Chat(ctx context.Context, messages []Message, opts Options) (Result, error) {
	var genMsgs genai.Messages
	var systemPrompt string
	for _, m := range messages {
		switch m.Role {
		case "system":
			if systemPrompt != "" {
				systemPrompt += "\n"
			}
			systemPrompt += m.Content
		case "assistant":
			genMsgs = append(genMsgs, genai.NewTextMessage(m.Content))
		default:
			genMsgs = append(genMsgs, genai.NewTextMessage(m.Content))
		}
	}
	genOpts := &genai.GenOptionText{
		SystemPrompt: systemPrompt,
		Temperature:  opts.Temperature,
		MaxTokens:    opts.MaxTokens,
	}
	res, err := b.provider.GenSync(ctx, genMsgs, genOpts)
	if err != nil {
		return Result{}, err
	}
	usage := res.Usage()
	return Result{
		Content:          res.String(),
		PromptTokens:     usage.InputTokens,
		CompletionTokens: usage.OutputTokens,
		TotalTokens:      usage.InputTokens + usage.OutputTokens,
		Model:            b.provider.ModelID(),
		Provider:         b.name,
	}, nil
}

// newGenaiBackend resolves a github.com/maruel/genai provider by name via
// providers.All, defaulting to the default model table from §6 when no
// explicit model override is given.
func newGenaiBackend(ctx context.Context, providerName, modelOverride string) (Backend, error) {
	cfg, ok := providers.All[providerName]
	if !ok || cfg.Factory == nil {
		return nil, errUnknownProvider(providerName)
	}
	model := modelOverride
	if model == "" {
		model = defaultModels[providerName]
	}
	var opts []genai.ProviderOption
	if model != "" {
		opts = append(opts, genai.ProviderOptionModel(model))
	}
	p, err := cfg.Factory(ctx, opts...)
	if err != nil {
		return nil, err
	}
	return &genaiBackend{name: providerName, provider: p}, nil
}

// defaultModels is the §6 default-model table, used when a role resolves a
// provider but no explicit model override.
var defaultModels = map[string]string{
	"openai":    "gpt-5.2",
	"anthropic": "claude-sonnet-4-20250514",
	"google":    "gemini-2.5-flash",
	"groq":      "llama-3.3-70b-versatile",
}

type unknownProviderError string

func (e unknownProviderError) Error() string { return "llm: unknown provider " + string(e) }
func errUnknownProvider(name string) error   { return unknownProviderError(name) }

// Gateway resolves a Backend per role and tracks token usage. Role
// resolution order (§4.3): per-role override (provider+model) -> global
// provider + provider-default model -> static fallback.
type Gateway struct {
	settings   model.AISettings
	static     Backend
	cache      map[model.Role]Backend
	newBackend func(ctx context.Context, provider, modelOverride string) (Backend, error)
	usage      *usage.Fetcher
}

// New builds a Gateway for one project's AI settings. The Static fallback
// reads its repo and script hints from the prompt of each call.
func New(settings model.AISettings) *Gateway {
	return &Gateway{
		settings:   settings,
		static:     NewStatic(),
		cache:      make(map[model.Role]Backend),
		newBackend: newGenaiBackend,
		usage:      sharedUsageFetcher(),
	}
}

// usageOnce lazily starts a single process-wide usage.Fetcher: the
// credentials watch and cached quota snapshot are shared across every
// mission's Gateway rather than re-started per mission.
var usageOnce struct {
	sync.Once
	f *usage.Fetcher
}

func sharedUsageFetcher() *usage.Fetcher {
	usageOnce.Do(func() {
		usageOnce.f = usage.New(context.Background())
	})
	return usageOnce.f
}

// resolve implements the role resolution order for a single role.
func (g *Gateway) resolve(ctx context.Context, role model.Role) Backend {
	if b, ok := g.cache[role]; ok {
		return b
	}
	b := g.resolveUncached(ctx, role)
	g.cache[role] = b
	return b
}

func (g *Gateway) resolveUncached(ctx context.Context, role model.Role) Backend {
	providerName := g.settings.Provider
	modelOverride := ""
	if ov, ok := g.settings.Roles[role]; ok {
		if ov.Provider != "" {
			providerName = ov.Provider
		}
		modelOverride = ov.Model
	}
	if providerName == "" {
		return g.static
	}
	if providerName == "anthropic" && g.usage.Exhausted() {
		slog.Warn("llm: anthropic quota exhausted, falling back to static provider", "role", role)
		return g.static
	}
	if modelOverride == "" {
		modelOverride = g.providerDefaultModel(providerName)
	}
	b, err := g.newBackend(ctx, providerName, modelOverride)
	if err != nil {
		slog.Warn("llm: falling back to static provider", "role", role, "provider", providerName, "err", err)
		return g.static
	}
	return b
}

func (g *Gateway) providerDefaultModel(providerName string) string {
	switch providerName {
	case "openai":
		return g.settings.OpenAI.Model
	case "anthropic":
		return g.settings.Anthropic.Model
	case "google":
		return g.settings.Google.Model
	case "groq":
		return g.settings.Groq.Model
	default:
		return ""
	}
}

// Chat is the uniform contract every role-scoped call goes through.
func (g *Gateway) Chat(ctx context.Context, role model.Role, messages []Message, opts Options) (Result, error) {
	b := g.resolve(ctx, role)
	return b.Chat(ctx, messages, opts)
}

// ReviewCommand implements guard.AIReviewer, routing the guard role's
// optional second opinion through the same Gateway as every other role
// (§4.2 step 9).
func (g *Gateway) ReviewCommand(ctx context.Context, command string, isBackground bool) (bool, string, error) {
	sys := "You are a shell command safety reviewer. Reply with ONLY a JSON object " +
		`{"safe": true|false, "reason": "..."}.` +
		" Consider whether the command is destructive, exfiltrates data, escalates privilege, or could hang."
	user := command
	if isBackground {
		user += "\n(this command is launched as a background/long-running process)"
	}
	res, err := g.Chat(ctx, model.RoleGuard, []Message{
		{Role: "system", Content: sys},
		{Role: "user", Content: user},
	}, Options{Temperature: 0, MaxTokens: 200, JSONMode: true})
	if err != nil {
		return true, "", err // provider error allows, logged by caller (§4.2 step 9)
	}
	var parsed struct {
		Safe   bool   `json:"safe"`
		Reason string `json:"reason"`
	}
	block, ok := ExtractJSON(res.Content)
	if !ok || !unmarshalLenient(block, &parsed) {
		// Parse failure denies defensively (§4.2 step 9).
		return false, "guard AI review reply could not be parsed", nil
	}
	return parsed.Safe, parsed.Reason, nil
}

func unmarshalLenient(raw string, v any) bool {
	return jsonUnmarshal([]byte(raw), v) == nil
}

// providerStrings mirrors the provider names §6 recognises, used by
// Settings validation and tests.
var providerStrings = []string{"openai", "anthropic", "google", "groq"}

// KnownProvider reports whether name is one of the providers §6 names.
func KnownProvider(name string) bool {
	for _, p := range providerStrings {
		if strings.EqualFold(p, name) {
			return true
		}
	}
	return false
}
