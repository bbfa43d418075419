package pipeline

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/spf13/afero"
)

// SummaryFile is the resume snapshot's file name under the project root.
const SummaryFile = ".tdd_summary.json"

var (
	// ErrNoSummary is returned when a project has no persisted Summary.
	ErrNoSummary = errors.New("no summary found")
	// ErrNoReport is returned when a run has no saved report.
	ErrNoReport = errors.New("no report found")
)

// Store persists run artifacts (rendered prompts, reports) under a base
// directory and resume Summaries under each project root.
type Store struct {
	fs      afero.Fs
	baseDir string // defaults to ~/.redgreen/runs
}

// NewStore creates a Store rooted at baseDir on fs. A nil fs means the OS
// filesystem.
func NewStore(fs afero.Fs, baseDir string) *Store {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &Store{fs: fs, baseDir: baseDir}
}

// OpenStore returns a Store at dir on fs, creating the directory if needed.
func OpenStore(fs afero.Fs, dir string) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("runs directory is required")
	}
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", dir, err)
	}
	return &Store{fs: fs, baseDir: dir}, nil
}

// BaseDir returns the store's root directory.
func (s *Store) BaseDir() string {
	return s.baseDir
}

// SummaryPath returns the Summary location for a project root.
func SummaryPath(target string) string {
	return filepath.Join(target, SummaryFile)
}

// Truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// SaveSummary writes sum to its target's well-known path. The last writer wins.
func (s *Store) SaveSummary(sum *Summary) (string, error) {
	if sum.Target == "" {
		return "", fmt.Errorf("summary has no target")
	}
	sum.Ticket = Truncate(sum.Ticket, MaxSummaryTicket)
	path := SummaryPath(sum.Target)
	if err := WriteJSON(s.fs, path, sum); err != nil {
		return "", fmt.Errorf("write summary: %w", err)
	}
	return path, nil
}

// LoadSummary reads the Summary for a project root.
func (s *Store) LoadSummary(target string) (*Summary, error) {
	var sum Summary
	if err := ReadJSON(s.fs, SummaryPath(target), &sum); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNoSummary
		}
		return nil, err
	}
	return &sum, nil
}

// DeleteSummary removes a project's Summary. Missing files are not an error.
func (s *Store) DeleteSummary(target string) error {
	err := s.fs.Remove(SummaryPath(target))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// runDir returns the directory for a run's artifacts.
func (s *Store) runDir(runID string) string {
	return filepath.Join(s.baseDir, runID)
}

var slugRe = regexp.MustCompile(`[^a-z0-9]+`)

// slug turns a stage label like "STAGE 3 - GREEN (fix attempt 1/3)" into a
// file-name-safe string.
func slug(label string) string {
	return strings.Trim(slugRe.ReplaceAllString(strings.ToLower(label), "-"), "-")
}

// SavePrompt writes the rendered prompt of the seq'th stage execution.
func (s *Store) SavePrompt(runID string, seq int, label string, prompt string) error {
	name := fmt.Sprintf("%02d-%s.md", seq, slug(label))
	return WriteAtomic(s.fs, filepath.Join(s.runDir(runID), "prompts", name), []byte(prompt))
}

// ListPrompts returns the prompt file names saved for a run, in order.
func (s *Store) ListPrompts(runID string) ([]string, error) {
	entries, err := afero.ReadDir(s.fs, filepath.Join(s.runDir(runID), "prompts"))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// SaveReport writes the final report of a run.
func (s *Store) SaveReport(runID string, report string) error {
	return WriteAtomic(s.fs, filepath.Join(s.runDir(runID), "report.md"), []byte(report))
}

// GetReport reads the final report of a run.
func (s *Store) GetReport(runID string) (string, error) {
	data, err := afero.ReadFile(s.fs, filepath.Join(s.runDir(runID), "report.md"))
	if errors.Is(err, os.ErrNotExist) {
		return "", ErrNoReport
	}
	if err != nil {
		return "", err
	}
	return string(data), nil
}
