package guard

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// PathGuard keeps file writes and shell directory changes inside the
// target project.
type PathGuard struct {
	root string
	home string
}

// NewPathGuard creates a PathGuard for root. A relative root is taken
// from the working directory, and the root is resolved through symlinks so
// that /tmp-style aliases compare equal.
func NewPathGuard(root string) *PathGuard {
	home, _ := os.UserHomeDir()
	return &PathGuard{root: resolveRoot(root), home: home}
}

func (g *PathGuard) Name() string { return "path_boundary" }

func (g *PathGuard) Check(_ context.Context, a Action) Decision {
	switch {
	case a.IsWrite():
		p := a.FilePath()
		if p == "" {
			return Allow()
		}
		target := p
		if !filepath.IsAbs(p) {
			target = filepath.Join(g.root, p)
		}
		if !g.within(resolve(target)) {
			return Deny(g.Name(), fmt.Sprintf(
				"[PIPELINE GUARDRAIL] Path %s is outside the project root %s.", p, g.root))
		}
	case a.IsShell():
		if dir, ok := g.escapingCD(a.Command()); ok {
			return Deny(g.Name(), fmt.Sprintf(
				"[PIPELINE GUARDRAIL] Changing directory to %s leaves the project root %s.", dir, g.root))
		}
	}
	return Allow()
}

var (
	// cdRe matches cd in command position: at the start, after a control
	// operator or subshell, or after then/do/else.
	cdRe    = regexp.MustCompile(`(?:^|[;&|({\n]|\b(?:then|do|else)\s)\s*cd\b`)
	cdArgRe = regexp.MustCompile(`^[ \t]+("[^"]*"|'[^']*'|[^\s;&|)]+)`)
)

// cdTargets returns the argument of every cd in command, "" for a bare cd.
// Quoted text is masked before matching so cd inside a string is ignored.
func cdTargets(command string) []string {
	var out []string
	for _, loc := range cdRe.FindAllStringIndex(maskQuoted(command), -1) {
		arg := ""
		if m := cdArgRe.FindStringSubmatch(command[loc[1]:]); m != nil {
			arg = m[1]
		}
		out = append(out, arg)
	}
	return out
}

// maskQuoted replaces the bytes inside quoted spans with '_', keeping
// offsets intact.
func maskQuoted(s string) string {
	b := []byte(s)
	var quote byte
	for i, c := range b {
		switch {
		case quote != 0 && c == quote:
			quote = 0
		case quote != 0:
			b[i] = '_'
		case c == '"' || c == '\'':
			quote = c
		}
	}
	return string(b)
}

// escapingCD follows each cd in command, starting from the root, and
// returns the first target that resolves outside it.
func (g *PathGuard) escapingCD(command string) (string, bool) {
	cwd := g.root
	for _, target := range cdTargets(command) {
		arg := strings.Trim(target, `"'`)
		var next string
		switch {
		case arg == "" || arg == "~":
			next = g.home
		case strings.HasPrefix(arg, "~/"):
			next = filepath.Join(g.home, arg[2:])
		case arg == "-":
			continue
		case filepath.IsAbs(arg):
			next = arg
		default:
			next = filepath.Join(cwd, arg)
		}
		if next == "" || !g.within(resolve(next)) {
			if arg == "" {
				arg = "~"
			}
			return arg, true
		}
		cwd = resolve(next)
	}
	return "", false
}

func (g *PathGuard) within(p string) bool {
	if p == g.root {
		return true
	}
	rel, err := filepath.Rel(g.root, p)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func resolveRoot(root string) string {
	if abs, err := filepath.Abs(root); err == nil {
		root = abs
	}
	return resolve(root)
}

// resolve cleans p, normalizes it to NFC and follows symlinks on the
// longest prefix that exists.
func resolve(p string) string {
	p = filepath.Clean(norm.NFC.String(p))
	if real, err := filepath.EvalSymlinks(p); err == nil {
		return real
	}
	parent := filepath.Dir(p)
	if parent == p {
		return p
	}
	return filepath.Join(resolve(parent), filepath.Base(p))
}
