package checks

import (
	"regexp"
	"time"
)

// Outcome classifies a single test run.
type Outcome string

const (
	OutcomePass    Outcome = "pass"
	OutcomeFail    Outcome = "fail"
	OutcomeError   Outcome = "error"
	OutcomeUnknown Outcome = "unknown"
)

// Result holds the structured output of one test run. Results are values;
// nothing mutates a Result after it has been recorded.
type Result struct {
	Command    string    `json:"command"`
	ExitCode   int       `json:"exit_code"`
	Stdout     string    `json:"stdout,omitempty"`
	Stderr     string    `json:"stderr,omitempty"`
	Outcome    Outcome   `json:"outcome"`
	TotalTests int       `json:"total_tests"`
	Failures   int       `json:"failures"`
	Errors     int       `json:"errors"`
	DurationMs int       `json:"duration_ms"`
	Timestamp  time.Time `json:"timestamp"`
}

// Passed reports whether the run was classified as PASS.
func (r Result) Passed() bool {
	return r.Outcome == OutcomePass
}

// Classify builds a Result from raw command output. The outcome starts from
// the exit code, counts are extracted with the ordered parsers, and a zero
// exit code with parsed failures is forced to FAIL.
func Classify(command, stdout, stderr string, exitCode int) Result {
	r := Result{
		Command:   command,
		ExitCode:  exitCode,
		Stdout:    stdout,
		Stderr:    stderr,
		Outcome:   OutcomeFail,
		Timestamp: time.Now().UTC(),
	}
	if exitCode == 0 {
		r.Outcome = OutcomePass
	}

	counts := ParseCounts(stdout)
	r.TotalTests = counts.Total
	r.Failures = counts.Failures
	r.Errors = counts.Errors

	if r.Outcome == OutcomePass && r.Failures > 0 {
		r.Outcome = OutcomeFail
	}
	return r
}

// errorResult is the shape returned when the command never produced a
// classifiable exit status.
func errorResult(command, stdout, message string) Result {
	return Result{
		Command:   command,
		ExitCode:  -1,
		Stdout:    stdout,
		Stderr:    message,
		Outcome:   OutcomeError,
		Timestamp: time.Now().UTC(),
	}
}

var testCommandPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\bbin/rails\s+test\b`),
	regexp.MustCompile(`\bpytest\b`),
	regexp.MustCompile(`\bnpm\s+test\b`),
	regexp.MustCompile(`\byarn\s+test\b`),
	regexp.MustCompile(`\bgo\s+test\b`),
	regexp.MustCompile(`\bcargo\s+test\b`),
	regexp.MustCompile(`\brspec\b`),
	regexp.MustCompile(`\bphpunit\b`),
	regexp.MustCompile(`\bjest\b`),
	regexp.MustCompile(`\bmocha\b`),
	regexp.MustCompile(`\bruby\s+-Itest\b`),
	regexp.MustCompile(`\bruby\s+-Ilib\b`),
}

// IsTestCommand reports whether a shell command looks like a test invocation.
func IsTestCommand(command string) bool {
	for _, re := range testCommandPatterns {
		if re.MatchString(command) {
			return true
		}
	}
	return false
}

var (
	inferCountsRe  = regexp.MustCompile(`(\d+)\s+failures?,\s*(\d+)\s+errors?`)
	inferMarkersRe = regexp.MustCompile(`\bFAILED\b|\bFail(?:ure|ed)\b`)
)

// InferExitCode guesses an exit code from test output when the caller only
// has the text: 1 when the output reports failures or errors, 0 otherwise.
func InferExitCode(output string) int {
	if m := inferCountsRe.FindStringSubmatch(output); m != nil {
		if atoi(m[1]) > 0 || atoi(m[2]) > 0 {
			return 1
		}
	}
	if inferMarkersRe.MatchString(output) {
		return 1
	}
	return 0
}
