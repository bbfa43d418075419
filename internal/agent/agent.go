// Package agent defines the contract between the pipeline and the coding
// agent that does the work in each stage.
package agent

import (
	"context"
	"time"

	"github.com/lucasnoah/redgreen/internal/guard"
)

// Tool permission sets handed to sessions.
var (
	// ImplementTools lets the agent read, edit and run commands.
	ImplementTools = []string{"Read", "Write", "Edit", "Bash", "Glob", "Grep"}
	// AuditTools is read plus shell, for security review and QA.
	AuditTools = []string{"Read", "Glob", "Grep", "Bash"}
	// ReadTools is read-only, for the report.
	ReadTools = []string{"Read", "Glob", "Grep"}
)

// Kind tags a streamed message.
type Kind string

const (
	KindInit      Kind = "init"
	KindText      Kind = "text"
	KindThinking  Kind = "thinking"
	KindToolUse   Kind = "tool_use"
	KindToolError Kind = "tool_error"
	KindResult    Kind = "result"
)

// Message is one item the agent streams while it works.
type Message struct {
	Kind   Kind
	Text   string
	Tool   string
	Input  map[string]any
	Result *Result
}

// Result closes one invocation.
type Result struct {
	SessionID string
	Text      string
	Turns     int
	CostUSD   float64
	HasCost   bool
	Duration  time.Duration
	IsError   bool
}

// Request is one prompt sent to a session. An empty SessionID starts a
// new session; otherwise the named session is resumed with its history.
type Request struct {
	Prompt    string
	Dir       string
	SessionID string
	Model     string
	Tools     []string
	MaxTurns  int
	Hooks     guard.Hooks
}

// Agent runs prompts. Run blocks until the agent finishes its turn and
// calls on for every streamed message, from the calling goroutine.
type Agent interface {
	Run(ctx context.Context, req Request, on func(Message)) (Result, error)
}
