package checks

import (
	"fmt"
	"strings"
)

func writeStatusLines(b *strings.Builder, r Result) {
	fmt.Fprintf(b, "  Command: %s\n", r.Command)
	fmt.Fprintf(b, "  Exit code: %d\n", r.ExitCode)
	fmt.Fprintf(b, "  Outcome: %s\n", r.Outcome)
	fmt.Fprintf(b, "  Tests: %d, Failures: %d, Errors: %d\n", r.TotalTests, r.Failures, r.Errors)
}

// StatusBlock renders a verification result as the ground-truth block
// injected into review prompts. Output is only included when not passing.
func StatusBlock(r Result) string {
	var b strings.Builder
	b.WriteString("ACTUAL TEST STATUS (from independent pipeline verification):\n")
	writeStatusLines(&b, r)
	if !r.Passed() {
		out := r.Stdout
		if out == "" {
			out = r.Stderr
		}
		fmt.Fprintf(&b, "  Output (tail):\n```\n%s\n```\n", Tail(out, 2000))
	}
	return b.String()
}

// FinalBlock renders the authoritative result handed to the report stage.
func FinalBlock(r Result) string {
	var b strings.Builder
	b.WriteString("FINAL TEST VERIFICATION (authoritative):\n")
	writeStatusLines(&b, r)
	if r.Stdout != "" {
		fmt.Fprintf(&b, "  Output:\n```\n%s\n```\n", Tail(r.Stdout, 2000))
	} else if r.Stderr != "" {
		fmt.Fprintf(&b, "  Stderr:\n```\n%s\n```\n", Tail(r.Stderr, 1000))
	}
	return b.String()
}

// StatusLine is the one-line test status used in stop summaries.
func StatusLine(r Result) string {
	return fmt.Sprintf("Passing: %t, Total: %d, Failures: %d, Errors: %d",
		r.Passed(), r.TotalTests, r.Failures, r.Errors)
}
