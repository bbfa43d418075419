package checks

import (
	"fmt"
	"strings"
	"sync"
	"unicode/utf8"
)

// UnknownCommand is the canonical command when detection found nothing.
const UnknownCommand = "unknown"

// Tracker owns the ordered history of test results for one pipeline run and
// the canonical test command. It is written by the verification gate and by
// the test monitor hook concurrently, so every access goes through mu.
type Tracker struct {
	mu      sync.Mutex
	command string
	results []Result
}

// NewTracker creates a Tracker with the given canonical command.
func NewTracker(command string) *Tracker {
	if command == "" {
		command = UnknownCommand
	}
	return &Tracker{command: command}
}

// Command returns the canonical test command.
func (t *Tracker) Command() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.command
}

// SetCommand replaces the canonical test command.
func (t *Tracker) SetCommand(command string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.command = command
}

// HasCommand reports whether a runnable command is configured.
func (t *Tracker) HasCommand() bool {
	c := t.Command()
	return c != "" && c != UnknownCommand
}

// Record appends a result. Results are kept in the order they were recorded.
func (t *Tracker) Record(r Result) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.results = append(t.results, r)
}

// Len returns the number of recorded results.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.results)
}

// Last returns the most recent result, if any.
func (t *Tracker) Last() (Result, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.results) == 0 {
		return Result{}, false
	}
	return t.results[len(t.results)-1], true
}

// AllPassing reports whether the most recent result passed.
func (t *Tracker) AllPassing() bool {
	r, ok := t.Last()
	return ok && r.Passed()
}

// RecordAndCountRepeats appends r and returns how many results immediately
// before it (looking back at most window entries) failed with the same
// failure and error counts. Append and scan happen under one lock so a
// concurrent gate run cannot interleave.
func (t *Tracker) RecordAndCountRepeats(r Result, window int) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.results = append(t.results, r)

	prev := t.results[:len(t.results)-1]
	if len(prev) > window {
		prev = prev[len(prev)-window:]
	}
	same := 0
	for i := len(prev) - 1; i >= 0; i-- {
		p := prev[i]
		if p.Outcome != OutcomeFail || p.Failures != r.Failures || p.Errors != r.Errors {
			break
		}
		same++
	}
	return same
}

// Summary is a human-readable line for the latest result.
func (t *Tracker) Summary() string {
	r, ok := t.Last()
	if !ok {
		return "No test results recorded."
	}
	if r.Passed() {
		return fmt.Sprintf("PASS: %d tests, 0 failures (exit code %d)", r.TotalTests, r.ExitCode)
	}
	lines := []string{
		fmt.Sprintf("FAIL: %d tests, %d failures, %d errors (exit code %d)", r.TotalTests, r.Failures, r.Errors, r.ExitCode),
	}
	if r.Stdout != "" {
		lines = append(lines, "Output (last 2000 chars):\n"+Tail(r.Stdout, 2000))
	}
	if r.Stderr != "" {
		lines = append(lines, "Stderr (last 500 chars):\n"+Tail(r.Stderr, 500))
	}
	return strings.Join(lines, "\n")
}

// Tail returns at most the last n bytes of s, starting on a rune boundary.
func Tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	start := len(s) - n
	for start < len(s) && !utf8.RuneStart(s[start]) {
		start++
	}
	return s[start:]
}
