package stage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/spf13/afero"

	"github.com/lucasnoah/redgreen/internal/agent"
	"github.com/lucasnoah/redgreen/internal/agent/agenttest"
	"github.com/lucasnoah/redgreen/internal/checks"
	"github.com/lucasnoah/redgreen/internal/events"
	"github.com/lucasnoah/redgreen/internal/guard"
	"github.com/lucasnoah/redgreen/internal/pipeline"
	"github.com/lucasnoah/redgreen/internal/prompt"
)

// cmdResult is one scripted test-command outcome.
type cmdResult struct {
	stdout string
	exit   int
}

var (
	passing = cmdResult{stdout: "4 passed in 0.12s"}
	failing = cmdResult{stdout: "1 failed, 3 passed in 0.20s", exit: 1}
)

// mockCmd returns results in order and repeats the last one.
type mockCmd struct {
	mu       sync.Mutex
	results  []cmdResult
	idx      int
	commands []string
}

func (m *mockCmd) Run(_ context.Context, _ string, command string) (string, string, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commands = append(m.commands, command)
	r := m.results[len(m.results)-1]
	if m.idx < len(m.results) {
		r = m.results[m.idx]
	}
	m.idx++
	return r.stdout, "", r.exit, nil
}

func (m *mockCmd) calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.commands...)
}

func builtins(t *testing.T) prompt.Set {
	t.Helper()
	set, err := prompt.NewLoader(afero.NewMemMapFs(), "").LoadSet(prompt.Names...)
	if err != nil {
		t.Fatalf("load templates: %v", err)
	}
	return set
}

// heading is the first line of a rendered prompt, e.g. "# Review".
func heading(p string) string {
	line, _, _ := strings.Cut(p, "\n")
	return line
}

// script answers by prompt heading. Unlisted headings get "done".
type script map[string]func(ctx context.Context, c agenttest.Call) (string, error)

func (s script) fake() *agenttest.Fake {
	return &agenttest.Fake{Handler: func(ctx context.Context, c agenttest.Call) (string, error) {
		if fn, ok := s[heading(c.Request.Prompt)]; ok {
			return fn(ctx, c)
		}
		return "done", nil
	}}
}

func reply(text string) func(context.Context, agenttest.Call) (string, error) {
	return func(context.Context, agenttest.Call) (string, error) { return text, nil }
}

func approvingScript() script {
	return script{
		"# Review":          reply("Looks good.\nVERDICT: APPROVED"),
		"# Security review": reply("SECURITY: APPROVED"),
		"# QA":              reply("QA: APPROVED"),
		"# Final report":    reply("## Summary\nAll done."),
	}
}

type harness struct {
	engine *Engine
	fake   *agenttest.Fake
	cmd    *mockCmd
	bus    *events.Bus
	state  *pipeline.RunState
	target string
}

func newHarness(t *testing.T, s script, results ...cmdResult) *harness {
	t.Helper()
	cmd := &mockCmd{results: results}
	fake := s.fake()
	e := NewEngine(fake, checks.NewVerifier(cmd, 0, nil), builtins(t), Options{TestCommand: "pytest -q"}, nil)
	return &harness{
		engine: e,
		fake:   fake,
		cmd:    cmd,
		bus:    events.NewBus(),
		state:  pipeline.NewRunState(),
		target: t.TempDir(),
	}
}

func (h *harness) run(ctx context.Context, ticket, prior string) (*Outcome, error) {
	return h.engine.Run(ctx, Input{
		RunID:        "run-1",
		Ticket:       ticket,
		Target:       h.target,
		PriorSummary: prior,
		State:        h.state,
		Bus:          h.bus,
	})
}

func (h *harness) headings() []string {
	var out []string
	for _, r := range h.fake.Requests() {
		out = append(out, heading(r.Prompt))
	}
	return out
}

func (h *harness) count(head string) int {
	n := 0
	for _, got := range h.headings() {
		if got == head {
			n++
		}
	}
	return n
}

func (h *harness) logs() []string {
	var out []string
	for _, ev := range h.bus.History() {
		if ev.Type == events.Log {
			out = append(out, ev.Data["message"].(string))
		}
	}
	return out
}

func (h *harness) hasLog(substr string) bool {
	for _, l := range h.logs() {
		if strings.Contains(l, substr) {
			return true
		}
	}
	return false
}

func TestRun_HappyPath(t *testing.T) {
	h := newHarness(t, approvingScript(), passing)

	out, err := h.run(context.Background(), "Add a /health endpoint", "")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Report != "## Summary\nAll done." {
		t.Errorf("expected report text, got %q", out.Report)
	}
	if !out.Final.Passed() {
		t.Errorf("expected final PASS, got %s", out.Final.Outcome)
	}

	want := []string{"# Plan", "# RED: write failing tests", "# GREEN: make the tests pass",
		"# Review", "# Security review", "# QA", "# Final report"}
	if got := h.headings(); strings.Join(got, "|") != strings.Join(want, "|") {
		t.Errorf("expected stages %v, got %v", want, got)
	}

	completed := pipeline.StageNames(h.state.CompletedStages())
	wantCompleted := "PLAN,RED,GREEN,REVIEW,SECURITY_REVIEW,QA,REPORT"
	if strings.Join(completed, ",") != wantCompleted {
		t.Errorf("expected completed %s, got %v", wantCompleted, completed)
	}
	if !h.hasLog("Review APPROVED on round 1") {
		t.Errorf("missing approval log in %v", h.logs())
	}
}

func TestRun_SessionContinuity(t *testing.T) {
	h := newHarness(t, approvingScript(), passing)
	if _, err := h.run(context.Background(), "ticket", ""); err != nil {
		t.Fatal(err)
	}

	reqs := h.fake.Requests()
	if reqs[0].SessionID != "" {
		t.Errorf("expected PLAN to start a new session, got %q", reqs[0].SessionID)
	}
	for _, i := range []int{1, 2, 3} {
		if reqs[i].SessionID != "fake-session-1" {
			t.Errorf("request %d: expected resume of fake-session-1, got %q", i, reqs[i].SessionID)
		}
		if strings.Join(reqs[i].Tools, ",") != strings.Join(agent.ImplementTools, ",") {
			t.Errorf("request %d: expected implement tools, got %v", i, reqs[i].Tools)
		}
	}
	sec, qa, report := reqs[4], reqs[5], reqs[6]
	if sec.SessionID != "" || qa.SessionID != "" || report.SessionID != "" {
		t.Errorf("expected side sessions to start fresh: %q %q %q", sec.SessionID, qa.SessionID, report.SessionID)
	}
	if strings.Join(sec.Tools, ",") != "Read,Glob,Grep,Bash" {
		t.Errorf("expected audit tools for security, got %v", sec.Tools)
	}
	if strings.Join(report.Tools, ",") != "Read,Glob,Grep" || report.MaxTurns != ReportMaxTurns {
		t.Errorf("expected read-only report session, got %v turns=%d", report.Tools, report.MaxTurns)
	}
	if h.state.SessionID() != "fake-session-1" {
		t.Errorf("expected state session fake-session-1, got %q", h.state.SessionID())
	}
	for _, r := range reqs {
		if r.Hooks == nil {
			t.Errorf("expected hooks on every request")
		}
		if r.Dir != h.target {
			t.Errorf("expected dir %s, got %s", h.target, r.Dir)
		}
	}
}

func TestRun_GreenFixLoopExhausted(t *testing.T) {
	h := newHarness(t, approvingScript(), failing)

	out, err := h.run(context.Background(), "ticket", "")
	if err != nil {
		t.Fatalf("expected the run to proceed, got %v", err)
	}
	if n := h.count("# GREEN: fix failing tests"); n != 3 {
		t.Errorf("expected 3 fix attempts, got %d", n)
	}
	if !h.hasLog("WARNING: Tests still failing after 3 fix attempts") {
		t.Errorf("missing exhaustion warning in %v", h.logs())
	}
	if out.Final.Passed() {
		t.Error("expected final verification to fail")
	}

	var report string
	for _, r := range h.fake.Requests() {
		if heading(r.Prompt) == "# Final report" {
			report = r.Prompt
		}
	}
	if !strings.Contains(report, "tests still failing after 3 fix attempts") {
		t.Errorf("expected report prompt to carry the unresolved GREEN outcome:\n%s", report)
	}
	if !strings.Contains(report, "Review: proceeded without approval after 3 rounds") {
		t.Errorf("expected report prompt to carry the review outcome:\n%s", report)
	}
}

func TestRun_GreenFixUsesGateOutput(t *testing.T) {
	h := newHarness(t, approvingScript(), failing, passing)
	if _, err := h.run(context.Background(), "ticket", ""); err != nil {
		t.Fatal(err)
	}
	if n := h.count("# GREEN: fix failing tests"); n != 1 {
		t.Fatalf("expected 1 fix attempt, got %d", n)
	}
	var fix agent.Request
	for _, r := range h.fake.Requests() {
		if heading(r.Prompt) == "# GREEN: fix failing tests" {
			fix = r
		}
	}
	for _, want := range []string{"Command: pytest -q", "Exit code: 1", "Failures: 1", "1 failed, 3 passed"} {
		if !strings.Contains(fix.Prompt, want) {
			t.Errorf("expected fix prompt to contain %q", want)
		}
	}
	if strings.Contains(fix.Prompt, "Stderr (tail)") {
		t.Error("expected empty stderr block to be omitted")
	}
	completed := pipeline.StageNames(h.state.CompletedStages())
	if !strings.Contains(strings.Join(completed, ","), "GREEN,GREEN_FIX") {
		t.Errorf("expected GREEN_FIX completed, got %v", completed)
	}
}

func TestRun_ReviewOverride(t *testing.T) {
	// gate, review round 1 (fail), review fix, round 2, security, qa, final
	h := newHarness(t, approvingScript(), passing, failing, passing)

	out, err := h.run(context.Background(), "ticket", "")
	if err != nil {
		t.Fatal(err)
	}
	if !h.hasLog("OVERRIDE: Agent said APPROVED but tests are actually FAILING (exit code 1, 1 failures)") {
		t.Errorf("missing override log in %v", h.logs())
	}
	if !h.hasLog("Review APPROVED on round 2") {
		t.Errorf("expected approval on round 2, got %v", h.logs())
	}
	if h.count("# RED: tests for review findings") != 1 || h.count("# GREEN: fix review findings") != 1 {
		t.Errorf("expected one review fix round, got %v", h.headings())
	}
	found := false
	for _, n := range out.Notes {
		if n == "Review: approved after 1 fix round(s)" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected review note, got %v", out.Notes)
	}

	var overrideLevel any
	for _, ev := range h.bus.History() {
		if ev.Type == events.Log && strings.HasPrefix(ev.Data["message"].(string), "OVERRIDE") {
			overrideLevel = ev.Data["level"]
		}
	}
	if overrideLevel != "warn" {
		t.Errorf("expected override logged as warn, got %v", overrideLevel)
	}
}

func TestRun_ReviewPromptCarriesStatusBlock(t *testing.T) {
	h := newHarness(t, approvingScript(), passing)
	if _, err := h.run(context.Background(), "ticket", ""); err != nil {
		t.Fatal(err)
	}
	for _, r := range h.fake.Requests() {
		if heading(r.Prompt) == "# Review" {
			if !strings.Contains(r.Prompt, "ACTUAL TEST STATUS") || !strings.Contains(r.Prompt, "Outcome: pass") {
				t.Errorf("expected status block in review prompt:\n%s", r.Prompt)
			}
		}
	}
}

func TestRun_SecurityFailOpen(t *testing.T) {
	s := approvingScript()
	s["# Security review"] = reply("I looked around and it seems fine.")
	h := newHarness(t, s, passing)

	if _, err := h.run(context.Background(), "ticket", ""); err != nil {
		t.Fatal(err)
	}
	if h.count("# Fix security findings") != 0 {
		t.Error("expected no security fix stage for an unrecognized verdict")
	}
	if h.count("# Security review") != 1 {
		t.Errorf("expected a single security round, got %v", h.headings())
	}
	if !h.hasLog("Security review returned no verdict on round 1 - treating as approved.") {
		t.Errorf("missing fail-open warning in %v", h.logs())
	}
}

func TestRun_QAIssuesExhaustRounds(t *testing.T) {
	s := approvingScript()
	s["# QA"] = reply("Missing validation.\nQA: ISSUES_FOUND")
	h := newHarness(t, s, passing)

	if _, err := h.run(context.Background(), "ticket", ""); err != nil {
		t.Fatal(err)
	}
	if n := h.count("# QA"); n != 2 {
		t.Errorf("expected 2 QA rounds, got %d", n)
	}
	if n := h.count("# Fix QA findings"); n != 1 {
		t.Errorf("expected 1 QA fix stage, got %d", n)
	}
	if !h.hasLog("QA issues remain after 2 rounds - proceeding.") {
		t.Errorf("missing QA exhaustion warning in %v", h.logs())
	}

	reqs := h.fake.Requests()
	var rounds []agent.Request
	for _, r := range reqs {
		if heading(r.Prompt) == "# QA" {
			rounds = append(rounds, r)
		}
	}
	if strings.Contains(rounds[0].Prompt, "A previous QA round") {
		t.Error("expected no prior findings in round 1")
	}
	if !strings.Contains(rounds[1].Prompt, "Missing validation.") {
		t.Error("expected round 2 to carry prior findings")
	}
	for _, r := range reqs {
		if heading(r.Prompt) == "# Fix QA findings" && r.SessionID != "fake-session-1" {
			t.Errorf("expected QA fix on the main session, got %q", r.SessionID)
		}
	}
}

func TestRun_SecurityIssuesFixedNextRound(t *testing.T) {
	rounds := 0
	s := approvingScript()
	s["# Security review"] = func(context.Context, agenttest.Call) (string, error) {
		rounds++
		if rounds == 1 {
			return "SQL built with string concat in db.py\nSECURITY: ISSUES_FOUND", nil
		}
		return "SECURITY: APPROVED", nil
	}
	h := newHarness(t, s, passing)
	out, err := h.run(context.Background(), "ticket", "")
	if err != nil {
		t.Fatal(err)
	}
	if h.count("# Fix security findings") != 1 {
		t.Errorf("expected one security fix, got %v", h.headings())
	}
	completed := strings.Join(pipeline.StageNames(h.state.CompletedStages()), ",")
	if !strings.Contains(completed, "SECURITY_GREEN,SECURITY_REVIEW") {
		t.Errorf("expected SECURITY_GREEN then SECURITY_REVIEW completed, got %s", completed)
	}
	if !strings.Contains(strings.Join(out.Notes, "\n"), "Security review: approved on round 2") {
		t.Errorf("expected security note, got %v", out.Notes)
	}
}

func TestRun_StopDuringGreen(t *testing.T) {
	var h *harness
	s := approvingScript()
	s["# GREEN: make the tests pass"] = func(context.Context, agenttest.Call) (string, error) {
		h.state.RequestStop()
		return "half way", nil
	}
	h = newHarness(t, s, passing)

	_, err := h.run(context.Background(), "ticket", "")
	var stopped *Stopped
	if !errors.As(err, &stopped) {
		t.Fatalf("expected *Stopped, got %v", err)
	}
	if stopped.Current != pipeline.StageGreen {
		t.Errorf("expected interrupted GREEN, got %s", stopped.Current)
	}
	if got := strings.Join(pipeline.StageNames(stopped.Completed), ","); got != "PLAN,RED" {
		t.Errorf("expected completed PLAN,RED, got %s", got)
	}
	if stopped.SessionID != "fake-session-1" {
		t.Errorf("expected session id, got %q", stopped.SessionID)
	}
	if stopped.Tracker == nil || stopped.Tracker.Command() != "pytest -q" {
		t.Error("expected tracker on Stopped")
	}
	if len(h.cmd.calls()) != 0 {
		t.Errorf("expected no verification after the stop, got %v", h.cmd.calls())
	}
}

func TestRun_StopBeforeFirstStage(t *testing.T) {
	h := newHarness(t, approvingScript(), passing)
	h.state.RequestStop()

	_, err := h.run(context.Background(), "ticket", "")
	var stopped *Stopped
	if !errors.As(err, &stopped) {
		t.Fatalf("expected *Stopped, got %v", err)
	}
	if stopped.Current != pipeline.StagePlan || len(stopped.Completed) != 0 {
		t.Errorf("expected stop at PLAN with nothing completed, got %s %v", stopped.Current, stopped.Completed)
	}
	if h.fake.Calls() != 0 {
		t.Errorf("expected no agent calls, got %d", h.fake.Calls())
	}
}

func TestRun_CancelledContextIsAStop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := approvingScript()
	s["# RED: write failing tests"] = func(ctx context.Context, _ agenttest.Call) (string, error) {
		cancel()
		return "", ctx.Err()
	}
	h := newHarness(t, s, passing)

	_, err := h.run(ctx, "ticket", "")
	var stopped *Stopped
	if !errors.As(err, &stopped) {
		t.Fatalf("expected *Stopped, got %v", err)
	}
	if stopped.Current != pipeline.StageRed {
		t.Errorf("expected interrupted RED, got %s", stopped.Current)
	}
}

func TestRun_AgentFailurePropagates(t *testing.T) {
	s := approvingScript()
	s["# RED: write failing tests"] = func(context.Context, agenttest.Call) (string, error) {
		return "", fmt.Errorf("transport closed")
	}
	h := newHarness(t, s, passing)

	_, err := h.run(context.Background(), "ticket", "")
	if err == nil || !strings.Contains(err.Error(), "STAGE 2 - RED: transport closed") {
		t.Fatalf("expected wrapped agent error, got %v", err)
	}
	var stopped *Stopped
	if errors.As(err, &stopped) {
		t.Error("expected a plain error, not a stop")
	}
}

func TestRun_GuardDeniesTestWritesInGreen(t *testing.T) {
	var denials []guard.Decision
	var mu sync.Mutex
	var allowedNote string
	s := approvingScript()
	s["# GREEN: make the tests pass"] = func(ctx context.Context, c agenttest.Call) (string, error) {
		if reason, ok := c.Act(ctx, guard.Action{Tool: "Write", Input: map[string]any{"file_path": "tests/test_app.py"}}, nil); ok {
			t.Errorf("expected test write to be denied, got %q", reason)
		}
		if _, ok := c.Act(ctx, guard.Action{Tool: "Write", Input: map[string]any{"file_path": "app.py"}}, nil); !ok {
			t.Error("expected implementation write to be allowed")
		}
		allowedNote, _ = c.Act(ctx, guard.Action{Tool: "Bash", Input: map[string]any{"command": "pytest -q"}},
			func() any { return map[string]any{"stdout": "1 failed in 0.1s", "exitCode": 1} })
		return "implemented", nil
	}
	s["# RED: write failing tests"] = func(ctx context.Context, c agenttest.Call) (string, error) {
		if _, ok := c.Act(ctx, guard.Action{Tool: "Write", Input: map[string]any{"file_path": "tests/test_app.py"}}, nil); !ok {
			t.Error("expected test write to be allowed in RED")
		}
		return "tests written", nil
	}
	h := newHarness(t, s, passing)
	h.engine.SetDenyHandler(func(_ guard.Action, d guard.Decision) {
		mu.Lock()
		defer mu.Unlock()
		denials = append(denials, d)
	})

	if _, err := h.run(context.Background(), "ticket", ""); err != nil {
		t.Fatal(err)
	}
	if len(denials) != 1 || denials[0].Guard != "test_files" {
		t.Errorf("expected one test_files denial, got %+v", denials)
	}
	if !strings.Contains(allowedNote, "[PIPELINE MONITOR] TESTS FAILED") {
		t.Errorf("expected monitor note for failing agent test run, got %q", allowedNote)
	}

	var toolErr string
	for _, ev := range h.bus.History() {
		if ev.Type == events.ToolError {
			toolErr = ev.Data["error"].(string)
			if ev.Data["stage"] != "STAGE 3 - GREEN" {
				t.Errorf("expected tool error tagged with GREEN label, got %v", ev.Data["stage"])
			}
		}
	}
	if !strings.HasPrefix(toolErr, "[PIPELINE GUARDRAIL] Cannot modify test file") {
		t.Errorf("expected guardrail tool_error, got %q", toolErr)
	}
}

func TestRun_EventPayloads(t *testing.T) {
	h := newHarness(t, approvingScript(), passing)
	if _, err := h.run(context.Background(), "ticket", ""); err != nil {
		t.Fatal(err)
	}

	var banners []string
	var verify map[string]any
	var result map[string]any
	for _, ev := range h.bus.History() {
		switch ev.Type {
		case events.Banner:
			banners = append(banners, ev.Data["stage"].(string))
		case events.TestVerify:
			if verify == nil {
				verify = ev.Data
			}
		case events.Result:
			if result == nil {
				result = ev.Data
			}
		}
	}
	want := []string{"STAGE 1 - PLAN", "STAGE 2 - RED", "STAGE 3 - GREEN", "STAGE 4 - REVIEW (round 1/3)",
		"STAGE 5 - SECURITY REVIEW (round 1/2)", "STAGE 6 - QA (round 1/2)", "STAGE 7 - REPORT"}
	if strings.Join(banners, "|") != strings.Join(want, "|") {
		t.Errorf("expected banners %v, got %v", want, banners)
	}
	if verify["stage"] != "STAGE 3" || verify["outcome"] != "pass" || verify["total_tests"] != 4 {
		t.Errorf("unexpected test_verify payload %v", verify)
	}
	if result["cost"] != "n/a" || result["turns"] != 1 || result["stage"] != "STAGE 1 - PLAN" {
		t.Errorf("unexpected result payload %v", result)
	}
	if !h.hasLog("Verification: PASS (exit code 0, 0 failures, 0 errors)") {
		t.Errorf("missing verification log in %v", h.logs())
	}
}

func TestRun_ResumeUsesPlanResume(t *testing.T) {
	h := newHarness(t, approvingScript(), passing)
	if _, err := h.run(context.Background(), "ticket", "Tests exist in tests/test_app.py; handler missing."); err != nil {
		t.Fatal(err)
	}
	first := h.fake.Requests()[0]
	if heading(first.Prompt) != "# Plan (resuming)" {
		t.Fatalf("expected plan_resume, got %q", heading(first.Prompt))
	}
	if !strings.Contains(first.Prompt, "handler missing.") {
		t.Error("expected prior summary in the resume prompt")
	}
	for _, ev := range h.bus.History() {
		if ev.Type == events.Banner {
			if ev.Data["stage"] != "STAGE 1 - PLAN (resume)" {
				t.Errorf("expected resume banner first, got %v", ev.Data["stage"])
			}
			break
		}
	}
}

func TestRun_RedetectsCommandAfterPlan(t *testing.T) {
	fs := afero.NewMemMapFs()
	var h *harness
	s := approvingScript()
	s["# Plan"] = func(context.Context, agenttest.Call) (string, error) {
		if err := afero.WriteFile(fs, h.target+"/pytest.ini", []byte("[pytest]\n"), 0o644); err != nil {
			t.Error(err)
		}
		return "plan", nil
	}
	h = newHarness(t, s, passing)
	h.engine = NewEngine(h.fake, checks.NewVerifier(h.cmd, 0, nil), builtins(t), Options{}, nil)
	h.engine.SetDetector(checks.NewDetector(fs))

	if _, err := h.run(context.Background(), "ticket", ""); err != nil {
		t.Fatal(err)
	}
	calls := h.cmd.calls()
	if len(calls) == 0 || calls[0] != "python -m pytest" {
		t.Errorf("expected detected command to be verified, got %v", calls)
	}
	if !h.hasLog("Detected test command: python -m pytest") {
		t.Errorf("missing detection log in %v", h.logs())
	}
	if !h.hasLog("Test command: unknown") {
		t.Errorf("expected unknown command before planning, got %v", h.logs())
	}
}

func TestRun_SavesPrompts(t *testing.T) {
	h := newHarness(t, approvingScript(), passing)
	store := pipeline.NewStore(afero.NewMemMapFs(), "/runs")
	h.engine.SetStore(store)
	if _, err := h.run(context.Background(), "ticket", ""); err != nil {
		t.Fatal(err)
	}
	names, err := store.ListPrompts("run-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 7 || names[0] != "01-stage-1-plan.md" || names[6] != "07-stage-7-report.md" {
		t.Errorf("unexpected prompt files %v", names)
	}
}

func TestRun_BadPolicyAbortsBeforeStages(t *testing.T) {
	cmd := &mockCmd{results: []cmdResult{passing}}
	fake := approvingScript().fake()
	e := NewEngine(fake, checks.NewVerifier(cmd, 0, nil), builtins(t), Options{TestCommand: "pytest -q", Policy: "package ((("}, nil)
	_, err := e.Run(context.Background(), Input{Ticket: "t", Target: t.TempDir()})
	if err == nil {
		t.Fatal("expected policy compile error")
	}
	if fake.Calls() != 0 {
		t.Errorf("expected no agent calls, got %d", fake.Calls())
	}
}

func TestOptionsDefaults(t *testing.T) {
	o := Options{Models: Models{Pipeline: "opus"}}.withDefaults()
	if o.GreenFixAttempts != 3 || o.ReviewRounds != 3 || o.SecurityRounds != 2 || o.QARounds != 2 {
		t.Errorf("unexpected loop defaults %+v", o)
	}
	if o.Models.Security != "opus" || o.Models.QA != "opus" {
		t.Errorf("expected audit models to default to pipeline model, got %+v", o.Models)
	}
}
