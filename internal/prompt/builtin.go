package prompt

// Template names.
const (
	Plan           = "plan"
	PlanResume     = "plan_resume"
	Red            = "red"
	Green          = "green"
	GreenFix       = "green_fix"
	Review         = "review"
	ReviewRed      = "review_red"
	ReviewGreen    = "review_green"
	SecurityReview = "security_review"
	SecurityGreen  = "security_green"
	QA             = "qa"
	QAGreen        = "qa_green"
	Report         = "report"
	Summarize      = "summarize"
)

// Names lists every built-in template in stage order.
var Names = []string{
	Plan, PlanResume, Red, Green, GreenFix,
	Review, ReviewRed, ReviewGreen,
	SecurityReview, SecurityGreen, QA, QAGreen,
	Report, Summarize,
}

// builtinTemplates maps template name to content.
var builtinTemplates = map[string]string{
	Plan:           planTemplate,
	PlanResume:     planResumeTemplate,
	Red:            redTemplate,
	Green:          greenTemplate,
	GreenFix:       greenFixTemplate,
	Review:         reviewTemplate,
	ReviewRed:      reviewRedTemplate,
	ReviewGreen:    reviewGreenTemplate,
	SecurityReview: securityReviewTemplate,
	SecurityGreen:  securityGreenTemplate,
	QA:             qaTemplate,
	QAGreen:        qaGreenTemplate,
	Report:         reportTemplate,
	Summarize:      summarizeTemplate,
}

const noSkills = `> **Do not invoke any skills or slash commands** (e.g. /commit, or any /command). Use only built-in tools.
`

const planTemplate = `# Plan

` + noSkills + `
Here is the ticket to implement:

---
{{ticket}}
---

Analyze the codebase in the current directory and produce a detailed implementation plan.
Use the Glob and Read tools to explore the project structure first.

Your plan must cover:
1. Which modules, classes, routes or libraries are involved.
2. The tests that should be written: file paths, test names, and what each asserts.
3. The implementation changes needed: file paths, functions and logic.
4. Migrations, configuration changes and edge cases.

Be specific. Use paths relative to the project root. Do not write any code yet.
`

const planResumeTemplate = `# Plan (resuming)

` + noSkills + `
A previous run on this ticket was interrupted. Here is the ticket:

---
{{ticket}}
---

Here is the summary of what the previous run accomplished:

---
{{prior_summary}}
---

Inspect the current state of the code and tests. Do not assume the summary is complete:
read the files it mentions and check what actually exists.

Then produce an updated plan that covers only the remaining work:
1. Tests that still need to be written or fixed (file paths, test names, assertions).
2. Implementation changes still needed (file paths, functions, logic).
3. Anything from the previous run that looks wrong and must be redone.

Be specific. Use paths relative to the project root. Do not write any code yet.
`

const redTemplate = `# RED: write failing tests

` + noSkills + `
Now execute the RED phase of TDD.

Based on the plan above, write the test file(s). Follow the project's existing test conventions.

After writing each test, run it with ` + "`{{test_cmd}}`" + ` and verify it FAILS.
- If a test passes, it is not testing the missing behavior. Strengthen it.
- If a test errors for the wrong reason (syntax, missing import, bad fixture), fix it and re-run.

Keep iterating until every new test fails for the right reason: the feature or fix is missing.
Do NOT implement the feature in this stage.

Report the test file paths and their failure messages.
`

const greenTemplate = `# GREEN: make the tests pass

` + noSkills + `
Now execute the GREEN phase of TDD.

Implement the feature or fix described in the plan.
Do NOT modify the test files. Writes to test files will be rejected.

After each change, run ` + "`{{test_cmd}}`" + ` to check progress.
Keep iterating until ALL tests pass, then run the full suite to make sure nothing else broke.

Report what you changed and the final test output.
`

const greenFixTemplate = `# GREEN: fix failing tests

` + noSkills + `
The pipeline ran the test suite independently and it is NOT passing.
This result is authoritative. It is not a flaky run and the failures are not intentional.

Command: {{gate_command}}
Exit code: {{gate_exit_code}}
Failures: {{gate_failures}}
Errors: {{gate_errors}}

Test output (tail):
` + "```" + `
{{gate_stdout}}
` + "```" + `
{{#if gate_stderr}}

Stderr (tail):
` + "```" + `
{{gate_stderr}}
` + "```" + `
{{/if}}

Fix the implementation so that every test passes.
Do NOT modify the test files. Writes to test files will be rejected.
Run ` + "`{{test_cmd}}`" + ` after each change and keep going until it exits cleanly.

Report what you changed and the final test output.
`

const reviewTemplate = `# Review

` + noSkills + `
Review ALL the changes made so far.

{{test_status_block}}
Read every file that was created or modified, both tests and implementation.
Check for correctness, missing edge cases, project conventions, security and code quality.
The test status above comes from the pipeline, not from you. If it says tests are failing,
the work is not done, whatever earlier output suggested.

End your review with exactly one of:
  VERDICT: APPROVED
  VERDICT: CHANGES_NEEDED

If CHANGES_NEEDED, list the specific issues that must be fixed.
`

const reviewRedTemplate = `# RED: tests for review findings

` + noSkills + `
The reviewer found issues. Based on the review feedback above, write new or updated tests
that expose the problems identified.

Run them with ` + "`{{test_cmd}}`" + ` and confirm the new tests FAIL.
Do not fix the implementation yet. Only write or update tests.
`

const reviewGreenTemplate = `# GREEN: fix review findings

` + noSkills + `
Now fix the issues identified by the reviewer.
Do NOT modify the test files. Writes to test files will be rejected.

After each change, run ` + "`{{test_cmd}}`" + ` to check progress.
Keep iterating until ALL tests pass.

Report what you changed and the final test output.
`

const securityReviewTemplate = `# Security review

` + noSkills + `
You are reviewing a change for security problems. You can read files and run commands,
but you cannot edit anything.

The change implements this ticket:

---
{{ticket}}
---

{{test_status_block}}
Inspect the files touched by this change (` + "`git status`" + ` and ` + "`git diff`" + ` will show them).
Look for injection (SQL, shell, template), missing authorization or authentication checks,
unsafe deserialization, path traversal, secrets committed to the tree, unvalidated input
reaching sensitive sinks, and insecure defaults.
{{#if prior_findings}}

A previous security round reported these findings, which the implementer has tried to fix:
{{prior_findings}}
Check whether they are actually resolved.
{{/if}}

End your reply with exactly one of:
  SECURITY: APPROVED
  SECURITY: ISSUES_FOUND

If ISSUES_FOUND, list each issue with the file, the line or function, and the fix required.
`

const securityGreenTemplate = `# Fix security findings

` + noSkills + `
A security review of your change found these issues:

{{findings}}

Fix each of them in the implementation.
Do NOT modify the test files. Writes to test files will be rejected.
Run ` + "`{{test_cmd}}`" + ` after your changes and make sure every test still passes.

Report what you changed.
`

const qaTemplate = `# QA

` + noSkills + `
You are doing acceptance QA on a change. You can read files and run commands,
but you cannot edit anything.

The ticket:

---
{{ticket}}
---

{{test_status_block}}
Check that the change does what the ticket asks, end to end:
- Every requirement in the ticket is implemented and covered by a test.
- The behavior works when exercised directly, not only through the new tests.
- Error paths and boundary inputs behave sensibly.
- Nothing unrelated was broken. Run ` + "`{{test_cmd}}`" + ` yourself.
{{#if prior_findings}}

A previous QA round reported these findings, which the implementer has tried to fix:
{{prior_findings}}
Check whether they are actually resolved.
{{/if}}

End your reply with exactly one of:
  QA: APPROVED
  QA: ISSUES_FOUND

If ISSUES_FOUND, list each gap and what must change.
`

const qaGreenTemplate = `# Fix QA findings

` + noSkills + `
QA found these gaps in your change:

{{findings}}

Address each of them.
Do NOT modify the test files. Writes to test files will be rejected.
Run ` + "`{{test_cmd}}`" + ` after your changes and make sure every test still passes.

Report what you changed.
`

const reportTemplate = `# Final report

` + noSkills + `
Generate the final TDD report for this ticket:

---
{{ticket}}
---

{{final_test_block}}
How the pipeline went:
{{run_outcomes}}

Read the test files that were written and the implementation changes that were made.
Do not run anything. The test result above is authoritative: if it is not PASS, the report
must say the work is incomplete. Do not claim success the result does not support.

Include these sections: Ticket, Plan, Tests Written, Implementation, Review Iterations,
Security, QA, Test Results, Summary.
`

const summarizeTemplate = `# Summarize interrupted run

` + noSkills + `
A TDD pipeline run was stopped before it finished. Write a summary another run can resume from.

Ticket:
---
{{ticket}}
---

Completed stages: {{completed_stages}}
Interrupted during: {{interrupted_stage}}
Test status: {{test_status}}

Files written or edited by the run:
{{files_modified}}

Read those files and describe:
1. What has been done: tests written, implementation in place.
2. What is partially done or broken.
3. What remains to be done to satisfy the ticket.

Be concrete and use paths relative to the project root. Do not modify any file.
`
