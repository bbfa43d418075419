package prompt

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/spf13/afero"
)

// ErrTemplateNotFound is returned when neither an override nor a built-in
// template exists for a name.
var ErrTemplateNotFound = errors.New("template not found")

var (
	varRe      = regexp.MustCompile(`\{\{([a-zA-Z_][a-zA-Z0-9_]*)\}\}`)
	ifOpenRe   = regexp.MustCompile(`\{\{#if\s+([a-zA-Z_][a-zA-Z0-9_]*)\s*\}\}`)
	ifCloseStr = "{{/if}}"
)

// Vars is a map of variable names to values for template rendering.
type Vars map[string]string

// MissingVarsError reports template variables that had no value.
type MissingVarsError struct {
	Names []string
}

func (e *MissingVarsError) Error() string {
	return "missing template variables: " + strings.Join(e.Names, ", ")
}

// Render expands tmpl. {{#if name}}...{{/if}} blocks are kept only when
// name has a non-empty value and may nest. {{name}} is then replaced in a
// single pass, so values are inserted literally. Any {{name}} left without
// a value is an error.
func Render(tmpl string, vars Vars) (string, error) {
	body, err := processConditionals(tmpl, vars)
	if err != nil {
		return "", err
	}

	var missing []string
	seen := map[string]bool{}
	out := varRe.ReplaceAllStringFunc(body, func(match string) string {
		name := match[2 : len(match)-2]
		if val, ok := vars[name]; ok {
			return val
		}
		if !seen[name] {
			seen[name] = true
			missing = append(missing, name)
		}
		return match
	})
	if len(missing) > 0 {
		return "", &MissingVarsError{Names: missing}
	}
	return out, nil
}

// processConditionals walks the template once, keeping a stack of open
// blocks. Text is copied only while every enclosing block is enabled.
func processConditionals(tmpl string, vars Vars) (string, error) {
	type block struct {
		tag     string
		enabled bool
	}
	var (
		out   strings.Builder
		stack []block
	)
	visible := func() bool {
		for _, b := range stack {
			if !b.enabled {
				return false
			}
		}
		return true
	}

	rest := tmpl
	for {
		open := ifOpenRe.FindStringSubmatchIndex(rest)
		closeAt := strings.Index(rest, ifCloseStr)
		if open == nil && closeAt < 0 {
			if visible() {
				out.WriteString(rest)
			}
			break
		}
		if open != nil && (closeAt < 0 || open[0] < closeAt) {
			if visible() {
				out.WriteString(rest[:open[0]])
			}
			stack = append(stack, block{
				tag:     rest[open[0]:open[1]],
				enabled: vars[rest[open[2]:open[3]]] != "",
			})
			rest = rest[open[1]:]
			continue
		}
		if len(stack) == 0 {
			return "", fmt.Errorf("dangling %s without matching {{#if}}", ifCloseStr)
		}
		if visible() {
			out.WriteString(rest[:closeAt])
		}
		stack = stack[:len(stack)-1]
		rest = rest[closeAt+len(ifCloseStr):]
	}

	if len(stack) > 0 {
		return "", fmt.Errorf("unclosed conditional block: %s", stack[len(stack)-1].tag)
	}
	return out.String(), nil
}

// OverrideDir is the per-project template directory, relative to the root.
const OverrideDir = ".redgreen/prompts"

// Loader resolves templates by name: project override, then user override,
// then built-in.
type Loader struct {
	fs   afero.Fs
	dirs []string
}

// NewLoader creates a Loader for the project at root.
func NewLoader(fs afero.Fs, root string) *Loader {
	var dirs []string
	if root != "" {
		dirs = append(dirs, filepath.Join(root, OverrideDir))
	}
	if dir := userTemplateDir(); dir != "" {
		dirs = append(dirs, dir)
	}
	return &Loader{fs: fs, dirs: dirs}
}

// Load returns the template text for name.
func (l *Loader) Load(name string) (string, error) {
	if name == "" || strings.ContainsAny(name, `/\`) || strings.Contains(name, "..") {
		return "", fmt.Errorf("template name %q: %w", name, ErrTemplateNotFound)
	}
	for _, dir := range l.dirs {
		data, err := afero.ReadFile(l.fs, filepath.Join(dir, name+".md"))
		if err == nil {
			return string(data), nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("read template %q: %w", name, err)
		}
	}
	if tmpl, ok := builtinTemplates[name]; ok {
		return tmpl, nil
	}
	return "", fmt.Errorf("template %q: %w", name, ErrTemplateNotFound)
}

// Set is a group of templates resolved up front.
type Set map[string]string

// LoadSet resolves every named template, failing on the first one missing.
func (l *Loader) LoadSet(names ...string) (Set, error) {
	set := make(Set, len(names))
	for _, n := range names {
		tmpl, err := l.Load(n)
		if err != nil {
			return nil, err
		}
		set[n] = tmpl
	}
	return set, nil
}

// Render expands the named template.
func (s Set) Render(name string, vars Vars) (string, error) {
	tmpl, ok := s[name]
	if !ok {
		return "", fmt.Errorf("template %q: %w", name, ErrTemplateNotFound)
	}
	out, err := Render(tmpl, vars)
	if err != nil {
		return "", fmt.Errorf("render %s: %w", name, err)
	}
	return out, nil
}

// userTemplateDir returns the user-level override directory.
func userTemplateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".redgreen", "prompts")
}

// InstallBuiltinTemplates writes the built-in templates to dir so they can
// be edited. Existing files are left alone. It returns the names written.
func InstallBuiltinTemplates(fs afero.Fs, dir string) ([]string, error) {
	if dir == "" {
		dir = userTemplateDir()
	}
	if dir == "" {
		return nil, fmt.Errorf("could not determine home directory")
	}
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create templates dir: %w", err)
	}

	var written []string
	for _, name := range Names {
		path := filepath.Join(dir, name+".md")
		if _, err := fs.Stat(path); err == nil {
			continue // don't overwrite existing
		}
		if err := afero.WriteFile(fs, path, []byte(builtinTemplates[name]), 0o644); err != nil {
			return written, fmt.Errorf("write template %q: %w", name, err)
		}
		written = append(written, name)
	}
	return written, nil
}
