package checks

import "regexp"

// PytestParser parses "N passed" / "N failed" fragments. Total is the sum of
// both; either fragment alone is enough to match.
type PytestParser struct{}

var (
	pytestPassedRe = regexp.MustCompile(`(\d+)\s+passed`)
	pytestFailedRe = regexp.MustCompile(`(\d+)\s+failed`)
)

func (p *PytestParser) Name() string { return "pytest" }

func (p *PytestParser) Parse(output string) ParseResult {
	passed := pytestPassedRe.FindStringSubmatch(output)
	failed := pytestFailedRe.FindStringSubmatch(output)
	if passed == nil && failed == nil {
		return ParseResult{}
	}

	r := ParseResult{Matched: true}
	if passed != nil {
		r.Total = atoi(passed[1])
	}
	if failed != nil {
		r.Failures = atoi(failed[1])
	}
	r.Total += r.Failures
	return r
}
