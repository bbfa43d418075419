package checks

import "regexp"

// MinitestParser parses the "N runs, N assertions, N failures, N errors"
// summary line printed by minitest and rails test.
type MinitestParser struct{}

var minitestRe = regexp.MustCompile(`(\d+)\s+runs?.*?(\d+)\s+failures?.*?(\d+)\s+errors?`)

func (p *MinitestParser) Name() string { return "minitest" }

func (p *MinitestParser) Parse(output string) ParseResult {
	m := minitestRe.FindStringSubmatch(output)
	if m == nil {
		return ParseResult{}
	}
	return ParseResult{
		Matched:  true,
		Total:    atoi(m[1]),
		Failures: atoi(m[2]),
		Errors:   atoi(m[3]),
	}
}
