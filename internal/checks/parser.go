package checks

import "strconv"

// ParseResult holds the counts a parser extracted from test output.
type ParseResult struct {
	Matched  bool `json:"matched"`
	Total    int  `json:"total"`
	Failures int  `json:"failures"`
	Errors   int  `json:"errors"`
}

// Parser extracts structured counts from a test runner's output.
type Parser interface {
	Name() string
	Parse(output string) ParseResult
}

// DefaultParsers is the ordered matcher list. The first parser that matches
// wins, so more specific formats come first.
var DefaultParsers = []Parser{
	&JSONReportParser{},
	&MinitestParser{},
	&PytestParser{},
	&JestParser{},
}

// ParseCounts runs output through DefaultParsers and returns the first match.
// Unmatched output yields zero counts.
func ParseCounts(output string) ParseResult {
	for _, p := range DefaultParsers {
		if r := p.Parse(output); r.Matched {
			return r
		}
	}
	return ParseResult{}
}

func atoi(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}
