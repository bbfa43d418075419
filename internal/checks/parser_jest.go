package checks

import "regexp"

// JestParser parses the "Tests: N failed, ..., N total" line from jest and
// mocha-style reporters.
type JestParser struct{}

var jestRe = regexp.MustCompile(`Tests:\s+(\d+)\s+failed.*?(\d+)\s+total`)

func (p *JestParser) Name() string { return "jest" }

func (p *JestParser) Parse(output string) ParseResult {
	m := jestRe.FindStringSubmatch(output)
	if m == nil {
		return ParseResult{}
	}
	return ParseResult{
		Matched:  true,
		Failures: atoi(m[1]),
		Total:    atoi(m[2]),
	}
}
