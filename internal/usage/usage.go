// Package usage surfaces Claude Code OAuth usage quota data so the LLM Role
// Gateway can proactively fall back to the Static backend when a role's
// quota window is exhausted, instead of repeatedly failing live calls.
//
// Watches the same credentials file an HTTP handler would, using an
// fsnotify watch and exponential-backoff fetch loop, generalized into a
// Gateway-consultable snapshot rather than a request-scoped lookup.
package usage

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const (
	apiURL   = "https://api.anthropic.com/api/oauth/usage"
	cacheTTL = 30 * time.Second

	backoffMin = 30 * time.Second
	backoffMax = 1 * time.Hour

	// exhaustedThreshold is the utilization fraction above which a window
	// is considered exhausted and the Gateway should prefer Static.
	exhaustedThreshold = 0.98
)

// Window is one quota window's utilization, as reported by the usage API.
type Window struct {
	Utilization float64
	ResetsAt    string
}

// Snapshot is the cached usage state for both reported windows.
type Snapshot struct {
	FiveHour *Window
	SevenDay *Window
}

// Exhausted reports whether any window in the snapshot is at or above the
// threshold the Gateway treats as quota-exhausted.
func (s *Snapshot) Exhausted() bool {
	if s == nil {
		return false
	}
	if s.FiveHour != nil && s.FiveHour.Utilization >= exhaustedThreshold {
		return true
	}
	if s.SevenDay != nil && s.SevenDay.Utilization >= exhaustedThreshold {
		return true
	}
	return false
}

// Fetcher fetches and caches Claude Code usage quota data. It watches
// ~/.claude/.credentials.json for changes and applies exponential backoff
// when fetches fail.
type Fetcher struct {
	client *http.Client

	mu       sync.Mutex
	token    string
	cached   *Snapshot
	fetchAt  time.Time
	backoff  time.Duration
	errorAt  time.Time
	watcher  *fsnotify.Watcher
	credPath string
}

// New creates a Fetcher and starts watching ~/.claude/.credentials.json for
// token changes. The watcher goroutine exits when ctx is cancelled. Returns
// nil if the home directory cannot be determined; callers must treat a nil
// *Fetcher as "usage surfacing disabled" (Snapshot/Exhausted on a nil
// receiver are safe no-ops).
func New(ctx context.Context) *Fetcher {
	home, err := os.UserHomeDir()
	if err != nil {
		slog.Warn("usage: cannot determine home dir; disabled", "err", err)
		return nil
	}
	credPath := filepath.Join(home, ".claude", ".credentials.json")

	token := os.Getenv("CLAUDE_OAUTH_TOKEN")
	if token == "" {
		token = readCredentialsToken(credPath)
	}

	f := &Fetcher{
		client:   &http.Client{Timeout: 10 * time.Second},
		token:    token,
		credPath: credPath,
	}
	if err := f.startWatcher(ctx); err != nil {
		slog.Warn("usage: failed to watch credentials file", "err", err)
	}
	return f
}

func (f *Fetcher) startWatcher(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	dir := filepath.Dir(f.credPath)
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return err
	}
	f.watcher = w
	go f.watchLoop(ctx)
	return nil
}

func (f *Fetcher) watchLoop(ctx context.Context) {
	defer func() { _ = f.watcher.Close() }()
	base := filepath.Base(f.credPath)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-f.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != base {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			f.onCredentialsChanged()
		case err, ok := <-f.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("usage: credentials watcher error", "err", err)
		}
	}
}

func (f *Fetcher) onCredentialsChanged() {
	token := readCredentialsToken(f.credPath)
	if token == "" {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if token == f.token {
		return
	}
	f.token = token
	f.backoff = 0
	f.errorAt = time.Time{}
	f.cached = nil
	f.fetchAt = time.Time{}
	slog.Info("usage: credentials updated, token refreshed")
}

// Snapshot returns the cached usage data, refreshing if stale and not
// within a backoff window. Safe to call on a nil *Fetcher.
func (f *Fetcher) Snapshot() *Snapshot {
	if f == nil {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.token == "" {
		return nil
	}
	if f.cached != nil && time.Since(f.fetchAt) < cacheTTL {
		return f.cached
	}
	if f.backoff > 0 && time.Since(f.errorAt) < f.backoff {
		return f.cached
	}
	snap, err := f.fetch()
	if err != nil {
		slog.Warn("usage: failed to fetch", "err", err)
		f.errorAt = time.Now()
		if f.backoff == 0 {
			f.backoff = backoffMin
		} else {
			f.backoff *= 2
			if f.backoff > backoffMax {
				f.backoff = backoffMax
			}
		}
		return f.cached
	}
	f.backoff = 0
	f.cached = snap
	f.fetchAt = time.Now()
	return snap
}

// Exhausted reports whether the current snapshot shows any quota window
// exhausted. Safe to call on a nil *Fetcher (always false).
func (f *Fetcher) Exhausted() bool {
	return f.Snapshot().Exhausted()
}

func (f *Fetcher) fetch() (*Snapshot, error) {
	req, err := http.NewRequest(http.MethodGet, apiURL, http.NoBody)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+f.token)
	req.Header.Set("anthropic-beta", "oauth-2025-04-20")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("usage API returned %d: %s", resp.StatusCode, body)
	}

	var raw struct {
		FiveHour *struct {
			Utilization float64 `json:"utilization"`
			ResetsAt    string  `json:"resets_at"`
		} `json:"five_hour"`
		SevenDay *struct {
			Utilization float64 `json:"utilization"`
			ResetsAt    string  `json:"resets_at"`
		} `json:"seven_day"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode usage: %w", err)
	}

	out := &Snapshot{}
	if raw.FiveHour != nil {
		out.FiveHour = &Window{Utilization: raw.FiveHour.Utilization, ResetsAt: raw.FiveHour.ResetsAt}
	}
	if raw.SevenDay != nil {
		out.SevenDay = &Window{Utilization: raw.SevenDay.Utilization, ResetsAt: raw.SevenDay.ResetsAt}
	}
	return out, nil
}

func readCredentialsToken(credPath string) string {
	data, err := os.ReadFile(credPath) //nolint:gosec // fixed well-known path
	if err != nil {
		return ""
	}
	var creds struct {
		ClaudeAiOauth struct {
			AccessToken string `json:"accessToken"`
		} `json:"claudeAiOauth"`
	}
	if json.Unmarshal(data, &creds) != nil {
		return ""
	}
	return creds.ClaudeAiOauth.AccessToken
}
