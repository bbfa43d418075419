package guard

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

var testFilePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(^|/)tests?/`),
	regexp.MustCompile(`(^|/)spec/`),
	regexp.MustCompile(`_test\.\w+$`),
	regexp.MustCompile(`_spec\.\w+$`),
	regexp.MustCompile(`\.test\.\w+$`),
	regexp.MustCompile(`\.spec\.\w+$`),
	regexp.MustCompile(`test_[^/]+\.py$`),
}

// IsTestFile reports whether path follows a test-location convention.
func IsTestFile(path string) bool {
	p := filepath.ToSlash(path)
	for _, re := range testFilePatterns {
		if re.MatchString(p) {
			return true
		}
	}
	return false
}

// TestFileGuard keeps implementation stages from editing tests. Paths
// are matched relative to the project root, so directories above the
// root never make a file look like a test.
type TestFileGuard struct {
	state StateView
	root  string
}

// NewTestFileGuard creates a TestFileGuard for the project at root,
// reading the current stage from state.
func NewTestFileGuard(state StateView, root string) *TestFileGuard {
	return &TestFileGuard{state: state, root: resolveRoot(root)}
}

func (g *TestFileGuard) Name() string { return "test_files" }

func (g *TestFileGuard) Check(_ context.Context, a Action) Decision {
	if !a.IsWrite() {
		return Allow()
	}
	stage := g.state.CurrentStage()
	if !stage.IsImplementation() {
		return Allow()
	}
	path := a.FilePath()
	if path == "" || !IsTestFile(g.relative(path)) {
		return Allow()
	}
	return Deny(g.Name(), fmt.Sprintf(
		"[PIPELINE GUARDRAIL] Cannot modify test file %s during %s stage. Only implementation files should be changed.",
		path, stage,
	))
}

func (g *TestFileGuard) relative(path string) string {
	if !filepath.IsAbs(path) {
		return path
	}
	rel, err := filepath.Rel(g.root, resolve(path))
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return path
	}
	return rel
}
