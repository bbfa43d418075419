package guard

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/lucasnoah/redgreen/internal/checks"
	"github.com/lucasnoah/redgreen/internal/pipeline"
)

const (
	repeatWindow    = 5
	repeatThreshold = 3
)

// ResultFunc is notified of every test run the monitor classifies.
type ResultFunc func(r checks.Result)

// TestMonitor watches the agent's own test runs, records them and tells
// the agent plainly when they fail.
type TestMonitor struct {
	tracker  *checks.Tracker
	log      *zap.Logger
	onResult ResultFunc
}

// NewTestMonitor creates a TestMonitor recording into tracker.
func NewTestMonitor(tracker *checks.Tracker, log *zap.Logger, onResult ResultFunc) *TestMonitor {
	if log == nil {
		log = zap.NewNop()
	}
	return &TestMonitor{tracker: tracker, log: log, onResult: onResult}
}

func (m *TestMonitor) Observe(_ context.Context, a Action, r Response) string {
	if !a.IsShell() {
		return ""
	}
	cmd := a.Command()
	if !checks.IsTestCommand(cmd) {
		return ""
	}

	res := checks.Classify(cmd, r.Output, "", r.ExitCode)
	repeats := m.tracker.RecordAndCountRepeats(res, repeatWindow)
	m.log.Debug("agent test run",
		zap.String("command", cmd),
		zap.String("outcome", string(res.Outcome)),
		zap.Int("failures", res.Failures),
		zap.Int("errors", res.Errors),
		zap.Bool("exit_code_inferred", r.Inferred),
	)
	if m.onResult != nil {
		m.onResult(res)
	}
	if res.Outcome != checks.OutcomeFail {
		return ""
	}

	msg := fmt.Sprintf(
		"[PIPELINE MONITOR] TESTS FAILED (exit code %d, %d failures, %d errors). "+
			"These failures are REAL bugs, NOT intentional. You MUST fix the implementation "+
			"to make ALL tests pass. Do NOT claim any failures are expected or intentional. "+
			"Do NOT proceed until all tests pass.",
		res.ExitCode, res.Failures, res.Errors,
	)
	if repeats >= repeatThreshold {
		msg += fmt.Sprintf(
			" WARNING: Same failure count for the last %d consecutive runs - you appear stuck "+
				"in a loop. STOP repeating the same fix. Re-read the failing test file to "+
				"understand what is actually expected, then try a fundamentally different approach.",
			repeats+1,
		)
	}
	return msg
}

// CompactContext renders the block the agent must keep across context
// compaction.
func CompactContext(state StateView, tracker *checks.Tracker) string {
	var b strings.Builder
	b.WriteString("CRITICAL PIPELINE CONTEXT - preserve across compaction:\n")
	fmt.Fprintf(&b, "  Current stage: %s\n", state.CurrentStage())
	fmt.Fprintf(&b, "  Test command: %s\n", tracker.Command())
	fmt.Fprintf(&b, "  Test status: %s\n", tracker.Summary())
	fmt.Fprintf(&b, "  Completed stages: %s\n", strings.Join(pipeline.StageNames(state.CompletedStages()), ", "))
	return b.String()
}

// Config selects the guardrails bound to an agent session.
type Config struct {
	Root         string
	State        StateView
	Tracker      *checks.Tracker
	ExtraBlocked []string
	Policy       string
	Log          *zap.Logger
	OnDeny       DenyFunc
	OnTestResult ResultFunc
}

// New builds the standard guardrail set: path boundary, destructive
// command, test-file protection, optional policy, the test monitor and
// the compaction context.
func New(ctx context.Context, cfg Config) (*Set, error) {
	log := cfg.Log
	if log == nil {
		log = zap.NewNop()
	}
	commands, err := NewCommandGuard(cfg.ExtraBlocked...)
	if err != nil {
		return nil, err
	}
	pre := []PreGuard{
		NewPathGuard(cfg.Root),
		commands,
		NewTestFileGuard(cfg.State, cfg.Root),
	}
	if cfg.Policy != "" {
		pg, err := NewPolicyGuard(ctx, cfg.Policy, cfg.State, cfg.Root, log)
		if err != nil {
			return nil, err
		}
		pre = append(pre, pg)
	}
	return NewSet(
		WithLogger(log),
		WithPreGuards(pre...),
		WithObservers(NewTestMonitor(cfg.Tracker, log, cfg.OnTestResult)),
		WithCompactContext(func() string { return CompactContext(cfg.State, cfg.Tracker) }),
		WithDenyHandler(cfg.OnDeny),
	), nil
}
