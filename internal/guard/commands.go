package guard

import (
	"context"
	"fmt"
	"regexp"
)

// DefaultBlockedPatterns match shell commands that destroy data outside the
// working tree, rewrite shared history or escalate privileges.
var DefaultBlockedPatterns = []string{
	`\brm\s+-[a-z]*r[a-z]*\s+/(\s|\*|$)`,
	`--no-preserve-root`,
	`\bgit\s+push\b`,
	`\bgit\s+reset\s+--hard\b`,
	`\bgit\s+clean\s+-[a-z]*[fd]`,
	`\bmkfs\b`,
	`\bdd\s+.*of=/dev/`,
	`:\(\)\s*\{.*\}`,
	`\bsudo\s+`,
	`\bchmod\s+-R\s+777\s+/`,
	`\bdrop\s+(table|database)\b`,
	`\btruncate\s+table\b`,
}

// CommandGuard denies shell commands matching a blocked pattern. Matching
// is case-insensitive. It is a tripwire, not a sandbox.
type CommandGuard struct {
	patterns []*regexp.Regexp
}

// NewCommandGuard compiles the default patterns plus extra.
func NewCommandGuard(extra ...string) (*CommandGuard, error) {
	g := &CommandGuard{}
	for _, p := range append(append([]string{}, DefaultBlockedPatterns...), extra...) {
		re, err := regexp.Compile(`(?i)` + p)
		if err != nil {
			return nil, fmt.Errorf("compile blocked pattern %q: %w", p, err)
		}
		g.patterns = append(g.patterns, re)
	}
	return g, nil
}

func (g *CommandGuard) Name() string { return "destructive_command" }

func (g *CommandGuard) Check(_ context.Context, a Action) Decision {
	if !a.IsShell() {
		return Allow()
	}
	cmd := a.Command()
	for _, re := range g.patterns {
		if re.MatchString(cmd) {
			return Deny(g.Name(), "[PIPELINE GUARDRAIL] Blocked dangerous command: "+truncate(cmd, 120))
		}
	}
	return Allow()
}
