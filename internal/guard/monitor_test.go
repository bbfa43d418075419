package guard

import (
	"context"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/lucasnoah/redgreen/internal/checks"
	"github.com/lucasnoah/redgreen/internal/pipeline"
)

const minitestFail = "Finished in 0.5s\n10 runs, 20 assertions, 2 failures, 1 errors, 0 skips\n"
const minitestPass = "Finished in 0.5s\n10 runs, 20 assertions, 0 failures, 0 errors, 0 skips\n"

func TestMonitorIgnoresNonTestCommands(t *testing.T) {
	tracker := checks.NewTracker("bin/rails test")
	m := NewTestMonitor(tracker, nil, nil)

	if got := m.Observe(context.Background(), bash("ls -la"), Response{Output: "FAILED"}); got != "" {
		t.Errorf("Observe(ls) = %q, want empty", got)
	}
	if got := m.Observe(context.Background(), write("x"), Response{}); got != "" {
		t.Errorf("Observe(Write) = %q, want empty", got)
	}
	if tracker.Len() != 0 {
		t.Errorf("tracker recorded %d results, want 0", tracker.Len())
	}
}

func TestMonitorRecordsAndWarnsOnFailure(t *testing.T) {
	tracker := checks.NewTracker("bin/rails test")
	var seen []checks.Result
	m := NewTestMonitor(tracker, nil, func(r checks.Result) { seen = append(seen, r) })

	msg := m.Observe(context.Background(), bash("bin/rails test"), Response{Output: minitestFail, ExitCode: 1})
	want := "[PIPELINE MONITOR] TESTS FAILED (exit code 1, 2 failures, 1 errors)."
	if !strings.HasPrefix(msg, want) {
		t.Errorf("message = %q, want prefix %q", msg, want)
	}
	if strings.Contains(msg, "stuck in a loop") {
		t.Error("loop warning on first failure")
	}
	if tracker.Len() != 1 || len(seen) != 1 {
		t.Fatalf("recorded %d, callback %d, want 1 each", tracker.Len(), len(seen))
	}
	if seen[0].TotalTests != 10 || seen[0].Failures != 2 || seen[0].Errors != 1 {
		t.Errorf("result = %+v", seen[0])
	}
}

func TestMonitorPassIsSilent(t *testing.T) {
	tracker := checks.NewTracker("bin/rails test")
	m := NewTestMonitor(tracker, nil, nil)
	if got := m.Observe(context.Background(), bash("bin/rails test"), Response{Output: minitestPass}); got != "" {
		t.Errorf("Observe(pass) = %q, want empty", got)
	}
	if !tracker.AllPassing() {
		t.Error("tracker not passing after a passing run")
	}
}

func TestMonitorZeroExitWithFailuresIsFailure(t *testing.T) {
	tracker := checks.NewTracker("bin/rails test")
	m := NewTestMonitor(tracker, nil, nil)
	msg := m.Observe(context.Background(), bash("bin/rails test"), Response{Output: minitestFail, ExitCode: 0})
	if !strings.Contains(msg, "TESTS FAILED (exit code 0, 2 failures, 1 errors)") {
		t.Errorf("message = %q", msg)
	}
}

func TestMonitorDetectsLoop(t *testing.T) {
	tracker := checks.NewTracker("bin/rails test")
	m := NewTestMonitor(tracker, nil, nil)
	ctx := context.Background()

	var msgs []string
	for i := 0; i < 4; i++ {
		msgs = append(msgs, m.Observe(ctx, bash("bin/rails test"), Response{Output: minitestFail, ExitCode: 1}))
	}
	for i, msg := range msgs[:3] {
		if strings.Contains(msg, "WARNING: Same failure count") {
			t.Errorf("run %d: loop warning too early", i+1)
		}
	}
	if !strings.Contains(msgs[3], "WARNING: Same failure count for the last 4 consecutive runs") {
		t.Errorf("run 4 message = %q", msgs[3])
	}
}

func TestMonitorLoopResetsOnDifferentCounts(t *testing.T) {
	tracker := checks.NewTracker("bin/rails test")
	m := NewTestMonitor(tracker, nil, nil)
	ctx := context.Background()
	other := "10 runs, 20 assertions, 1 failures, 0 errors, 0 skips\n"

	for i := 0; i < 3; i++ {
		m.Observe(ctx, bash("bin/rails test"), Response{Output: minitestFail, ExitCode: 1})
	}
	msg := m.Observe(ctx, bash("bin/rails test"), Response{Output: other, ExitCode: 1})
	if strings.Contains(msg, "WARNING") {
		t.Errorf("loop warning after counts changed: %q", msg)
	}
}

func TestMonitorLogs(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	m := NewTestMonitor(checks.NewTracker("pytest"), zap.New(core), nil)
	m.Observe(context.Background(), bash("pytest -x"), ParseResponse("1 failed, 3 passed in 0.2s"))

	entries := logs.FilterMessage("agent test run").All()
	if len(entries) != 1 {
		t.Fatalf("got %d log entries, want 1", len(entries))
	}
	if got := entries[0].ContextMap()["exit_code_inferred"]; got != true {
		t.Errorf("exit_code_inferred = %v, want true", got)
	}
}

func TestCompactContext(t *testing.T) {
	state := stateAt(pipeline.StageGreen, pipeline.StagePlan, pipeline.StageRed)
	tracker := checks.NewTracker("pytest -q")
	tracker.Record(checks.Classify("pytest -q", "1 failed, 3 passed in 0.2s", "", 1))

	got := CompactContext(state, tracker)
	for _, want := range []string{
		"CRITICAL PIPELINE CONTEXT - preserve across compaction:\n",
		"  Current stage: GREEN\n",
		"  Test command: pytest -q\n",
		"  Test status: FAIL: 4 tests, 1 failures, 0 errors (exit code 1)",
		"  Completed stages: PLAN, RED\n",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("CompactContext() missing %q in:\n%s", want, got)
		}
	}
}

func TestSetCompactUsesLiveState(t *testing.T) {
	state := stateAt(pipeline.StagePlan)
	set, err := New(context.Background(), Config{Root: t.TempDir(), State: state, Tracker: checks.NewTracker("pytest")})
	if err != nil {
		t.Fatal(err)
	}
	state.Complete(pipeline.StagePlan)
	state.Enter(pipeline.StageRed)
	if got := set.Compact(context.Background()); !strings.Contains(got, "Current stage: RED") {
		t.Errorf("Compact() = %q", got)
	}
}

func TestSetAfterActionCombinesNotes(t *testing.T) {
	set, err := New(context.Background(), Config{
		Root:    t.TempDir(),
		State:   stateAt(pipeline.StageGreen),
		Tracker: checks.NewTracker("pytest"),
	})
	if err != nil {
		t.Fatal(err)
	}
	got := set.AfterAction(context.Background(), bash("pytest"), ParseResponse(map[string]any{"output": "2 failed, 1 passed", "exitCode": float64(1)}))
	if !strings.HasPrefix(got, "[PIPELINE MONITOR] TESTS FAILED (exit code 1, 2 failures, 0 errors)") {
		t.Errorf("AfterAction() = %q", got)
	}
}
