package checks

import (
	"encoding/json"
	"strings"
)

// JSONReportParser reads the summary of the vitest and jest JSON reporters
// (`vitest run --reporter=json`, `jest --json`). It matches only when the
// output holds a JSON object with numTotalTests.
type JSONReportParser struct{}

type jsonReport struct {
	NumTotalTests             *int `json:"numTotalTests"`
	NumFailedTests            int  `json:"numFailedTests"`
	NumRuntimeErrorTestSuites int  `json:"numRuntimeErrorTestSuites"`
}

func (p *JSONReportParser) Name() string { return "json-report" }

func (p *JSONReportParser) Parse(output string) ParseResult {
	start := strings.Index(output, "{")
	for start >= 0 {
		var raw jsonReport
		dec := json.NewDecoder(strings.NewReader(output[start:]))
		if err := dec.Decode(&raw); err == nil && raw.NumTotalTests != nil {
			return ParseResult{
				Matched:  true,
				Total:    *raw.NumTotalTests,
				Failures: raw.NumFailedTests,
				Errors:   raw.NumRuntimeErrorTestSuites,
			}
		}
		next := strings.Index(output[start+1:], "\n{")
		if next < 0 {
			break
		}
		start += next + 2
	}
	return ParseResult{}
}
