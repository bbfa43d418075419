// Package guard decides whether agent actions may proceed and observes
// their results.
package guard

import (
	"fmt"
	"strings"

	"github.com/lucasnoah/redgreen/internal/checks"
)

// Action is one tool call the agent is about to make or has just made.
type Action struct {
	Tool  string         `json:"tool_name"`
	Input map[string]any `json:"tool_input"`
}

// FilePath returns the target path of a file tool, or "".
func (a Action) FilePath() string {
	for _, key := range []string{"file_path", "notebook_path", "path"} {
		if v, ok := a.Input[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

// Command returns the shell command of a Bash action, or "".
func (a Action) Command() string {
	v, _ := a.Input["command"].(string)
	return v
}

// IsWrite reports whether the action modifies a file.
func (a Action) IsWrite() bool {
	switch a.Tool {
	case "Write", "Edit", "MultiEdit", "NotebookEdit":
		return true
	}
	return false
}

// IsShell reports whether the action runs a shell command.
func (a Action) IsShell() bool {
	return a.Tool == "Bash"
}

// Response is the observed result of a completed action.
type Response struct {
	Output   string
	ExitCode int
	// Inferred is set when the tool did not report an exit code and
	// ExitCode was guessed from Output.
	Inferred bool
}

// ParseResponse normalizes a raw tool response. Shell tools report either a
// structured object ({output, exitCode} or {stdout, stderr}) or a bare
// string; without an explicit exit code one is inferred from the output.
func ParseResponse(raw any) Response {
	switch v := raw.(type) {
	case nil:
		return Response{Inferred: true}
	case string:
		return Response{Output: v, ExitCode: checks.InferExitCode(v), Inferred: true}
	case map[string]any:
		var parts []string
		for _, key := range []string{"output", "stdout", "stderr"} {
			if s, ok := v[key].(string); ok && s != "" {
				parts = append(parts, s)
			}
		}
		out := strings.Join(parts, "\n")
		for _, key := range []string{"exitCode", "exit_code", "returncode"} {
			if code, ok := asInt(v[key]); ok {
				return Response{Output: out, ExitCode: code}
			}
		}
		return Response{Output: out, ExitCode: checks.InferExitCode(out), Inferred: true}
	default:
		s := fmt.Sprint(v)
		return Response{Output: s, ExitCode: checks.InferExitCode(s), Inferred: true}
	}
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}

// Decision is the verdict of a pre-action guard. The zero value allows.
type Decision struct {
	Denied bool   `json:"denied"`
	Reason string `json:"reason,omitempty"`
	Guard  string `json:"guard,omitempty"`
}

// Allow lets the action proceed.
func Allow() Decision { return Decision{} }

// Deny rejects the action with a reason shown to the agent.
func Deny(guard, reason string) Decision {
	return Decision{Denied: true, Reason: reason, Guard: guard}
}
