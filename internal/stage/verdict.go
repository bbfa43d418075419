package stage

import "strings"

// Verdict is a reviewer's decision as read from its reply.
type Verdict int

const (
	// Unrecognized means neither token appeared in the reply.
	Unrecognized Verdict = iota
	Approved
	ChangesNeeded
)

func (v Verdict) String() string {
	switch v {
	case Approved:
		return "approved"
	case ChangesNeeded:
		return "changes_needed"
	}
	return "unrecognized"
}

// Tokens is the pair of literal markers a reviewer ends its reply with.
type Tokens struct {
	Approve string
	Reject  string
}

var (
	ReviewTokens   = Tokens{Approve: "VERDICT: APPROVED", Reject: "VERDICT: CHANGES_NEEDED"}
	SecurityTokens = Tokens{Approve: "SECURITY: APPROVED", Reject: "SECURITY: ISSUES_FOUND"}
	QATokens       = Tokens{Approve: "QA: APPROVED", Reject: "QA: ISSUES_FOUND"}
)

// overriddenToken replaces an approval that the test gate contradicts.
const overriddenToken = "VERDICT: CHANGES_NEEDED (OVERRIDDEN)"

// Parse reads the verdict from text. When both tokens appear, the one
// nearest the end wins, since reviewers often quote the options before
// answering.
func (t Tokens) Parse(text string) Verdict {
	a := strings.LastIndex(text, t.Approve)
	r := strings.LastIndex(text, t.Reject)
	switch {
	case a < 0 && r < 0:
		return Unrecognized
	case a > r:
		return Approved
	default:
		return ChangesNeeded
	}
}

// Override rewrites every approval token in text to the overridden marker.
func (t Tokens) Override(text string) string {
	return strings.ReplaceAll(text, t.Approve, overriddenToken)
}
