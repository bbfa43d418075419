package hookbridge

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// HookHandler is a single hook handler within an event group.
type HookHandler struct {
	Type    string `json:"type"`
	Command string `json:"command"`
	Timeout int    `json:"timeout,omitempty"`
}

// HookGroup is a group of hooks for one event, with an optional tool matcher.
type HookGroup struct {
	Matcher string        `json:"matcher,omitempty"`
	Hooks   []HookHandler `json:"hooks"`
}

// HooksConfig is the agent settings structure containing hooks.
// Written to .claude/settings.local.json.
type HooksConfig struct {
	Hooks map[string][]HookGroup `json:"hooks"`
}

const (
	writeMatcher = "Write|Edit|MultiEdit|NotebookEdit"
	shellMatcher = "Bash"
	hookTimeout  = 30
)

// GenerateHooksConfig builds the hooks config that forwards each event to
// the bridge at url through `<bin> hook`.
//
// Event mapping:
//   - PreToolUse on file writes and shell commands → guardrail decision
//   - PostToolUse on shell commands → test monitor
//   - PreCompact → pipeline context block
func GenerateHooksConfig(bin, url, token string) *HooksConfig {
	base := fmt.Sprintf("%s hook --url %s --token %s", bin, url, token)
	handler := func(event string) []HookHandler {
		return []HookHandler{{Type: "command", Command: base + " --event " + event, Timeout: hookTimeout}}
	}
	return &HooksConfig{
		Hooks: map[string][]HookGroup{
			EventPreToolUse: {
				{Matcher: writeMatcher, Hooks: handler(EventPreToolUse)},
				{Matcher: shellMatcher, Hooks: handler(EventPreToolUse)},
			},
			EventPostToolUse: {
				{Matcher: shellMatcher, Hooks: handler(EventPostToolUse)},
			},
			EventPreCompact: {
				{Hooks: handler(EventPreCompact)},
			},
		},
	}
}

// resolveBinary returns the absolute path to the running binary.
// Uses os.Executable() first, falling back to "redgreen" (assumes PATH).
func resolveBinary() string {
	if exe, err := os.Executable(); err == nil {
		if abs, err := filepath.EvalSymlinks(exe); err == nil {
			return abs
		}
		return exe
	}
	return "redgreen"
}

// SettingsPath is where hooks are installed for workdir.
func SettingsPath(workdir string) string {
	return filepath.Join(workdir, ".claude", "settings.local.json")
}

// WriteHooksFile writes the hooks config to <workdir>/.claude/settings.local.json.
// If the file already exists, it reads it and merges the hooks key.
// It returns the previous file contents, or nil if there was none, so the
// caller can restore them.
func WriteHooksFile(workdir string, cfg *HooksConfig) (prev []byte, err error) {
	dir := filepath.Join(workdir, ".claude")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create .claude dir: %w", err)
	}

	path := SettingsPath(workdir)

	existing := make(map[string]interface{})
	if data, err := os.ReadFile(path); err == nil {
		prev = data
		_ = json.Unmarshal(data, &existing)
	}

	existing["hooks"] = cfg.Hooks

	data, err := json.MarshalIndent(existing, "", "  ")
	if err != nil {
		return prev, fmt.Errorf("marshal settings: %w", err)
	}
	data = append(data, '\n')
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return prev, fmt.Errorf("write settings file: %w", err)
	}
	return prev, nil
}

// restoreHooksFile puts back what WriteHooksFile replaced.
func restoreHooksFile(workdir string, prev []byte) error {
	path := SettingsPath(workdir)
	if prev == nil {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return err
		}
		return nil
	}
	return os.WriteFile(path, prev, 0o644)
}
