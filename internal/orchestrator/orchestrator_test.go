package orchestrator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/lucasnoah/redgreen/internal/agent/agenttest"
	"github.com/lucasnoah/redgreen/internal/checks"
	"github.com/lucasnoah/redgreen/internal/db"
	"github.com/lucasnoah/redgreen/internal/events"
	"github.com/lucasnoah/redgreen/internal/metrics"
	"github.com/lucasnoah/redgreen/internal/pipeline"
	"github.com/lucasnoah/redgreen/internal/prompt"
	"github.com/lucasnoah/redgreen/internal/stage"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// mockCmd answers every test command with the same output.
type mockCmd struct {
	stdout string
	exit   int
}

func (m mockCmd) Run(context.Context, string, string) (string, string, int, error) {
	return m.stdout, "", m.exit, nil
}

var passing = mockCmd{stdout: "4 passed in 0.12s"}

func heading(p string) string {
	line, _, _ := strings.Cut(p, "\n")
	return line
}

// script answers by prompt heading; unlisted headings get "done".
type script map[string]agenttest.Handler

func (s script) fake() *agenttest.Fake {
	return &agenttest.Fake{Handler: func(ctx context.Context, c agenttest.Call) (string, error) {
		if fn, ok := s[heading(c.Request.Prompt)]; ok {
			return fn(ctx, c)
		}
		return "done", nil
	}}
}

func reply(text string) agenttest.Handler {
	return func(context.Context, agenttest.Call) (string, error) { return text, nil }
}

func approving() script {
	return script{
		"# Review":          reply("VERDICT: APPROVED"),
		"# Security review": reply("SECURITY: APPROVED"),
		"# QA":              reply("QA: APPROVED"),
		"# Final report":    reply("## Summary\nAll done."),
	}
}

type fixture struct {
	mgr     *Manager
	fake    *agenttest.Fake
	store   *pipeline.Store
	ledger  *db.DB
	metrics *metrics.Metrics
	logs    *observer.ObservedLogs
	target  string
}

func newFixture(t *testing.T, s script, cmd checks.CommandRunner) *fixture {
	t.Helper()
	templates, err := prompt.NewLoader(afero.NewMemMapFs(), "").LoadSet(prompt.Names...)
	require.NoError(t, err)

	ledger, err := db.Open(":memory:")
	require.NoError(t, err)
	require.NoError(t, ledger.Migrate())
	t.Cleanup(func() { ledger.Close() })

	core, logs := observer.New(zap.InfoLevel)
	log := zap.New(core)
	fake := s.fake()
	verifier := checks.NewVerifier(cmd, 0, nil)
	store := pipeline.NewStore(afero.NewOsFs(), t.TempDir())
	engine := stage.NewEngine(fake, verifier, templates, stage.Options{TestCommand: "pytest -q"}, log)
	met := metrics.New()
	target := t.TempDir()

	mgr := NewManager(Config{
		Engine:        engine,
		Summarizer:    stage.NewSummarizer(fake, verifier, templates, store, "sonnet", log),
		Store:         store,
		Ledger:        ledger,
		Metrics:       met,
		Log:           log,
		DefaultTarget: target,
	})
	return &fixture{mgr: mgr, fake: fake, store: store, ledger: ledger, metrics: met, logs: logs, target: target}
}

func (f *fixture) wait(t *testing.T) *Finished {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	fin, err := f.mgr.Wait(ctx)
	require.NoError(t, err)
	require.NotNil(t, fin)
	return fin
}

func collect(t *testing.T, ch <-chan events.Event) []events.Event {
	t.Helper()
	var out []events.Event
	timeout := time.After(10 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatal("timed out waiting for events")
		}
	}
}

func types(evs []events.Event) []events.Type {
	out := make([]events.Type, len(evs))
	for i, ev := range evs {
		out[i] = ev.Type
	}
	return out
}

func TestStartRequiresTicket(t *testing.T) {
	f := newFixture(t, approving(), passing)
	_, err := f.mgr.Start(context.Background(), RunRequest{Ticket: "   "})
	assert.ErrorIs(t, err, ErrTicketRequired)
	assert.Equal(t, StatusIdle, f.mgr.Status().Status)
}

func TestRunToCompletion(t *testing.T) {
	f := newFixture(t, approving(), passing)
	runID, err := f.mgr.Start(context.Background(), RunRequest{Ticket: "Add /health"})
	require.NoError(t, err)
	require.NotEmpty(t, runID)

	fin := f.wait(t)
	assert.Equal(t, db.StatusDone, fin.Status)
	assert.Equal(t, "## Summary\nAll done.", fin.Report)
	assert.True(t, fin.Final.Passed())

	st := f.mgr.Status()
	assert.Equal(t, Status{Status: StatusDone, Stage: "STAGE 7 - REPORT", RunID: runID}, st)

	evs := collect(t, f.mgr.Subscribe(context.Background()))
	require.NotEmpty(t, evs)
	assert.Equal(t, events.Init, evs[0].Type)
	assert.Equal(t, f.target, evs[0].Data["target"])
	tail := types(evs[len(evs)-2:])
	assert.Equal(t, []events.Type{events.Report, events.Done}, tail)

	run, err := f.ledger.GetRun(runID)
	require.NoError(t, err)
	assert.Equal(t, db.StatusDone, run.Status)
	assert.Equal(t, "Add /health", run.Ticket)

	stored, err := f.ledger.RunEvents(runID)
	require.NoError(t, err)
	assert.Len(t, stored, len(evs))

	verifications, err := f.ledger.RunVerifications(runID)
	require.NoError(t, err)
	require.NotEmpty(t, verifications)
	assert.Equal(t, "STAGE 3", verifications[0].Stage)
	assert.Equal(t, "FINAL", verifications[len(verifications)-1].Stage)

	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.RunsTotal.WithLabelValues(db.StatusDone)))
	assert.Equal(t, 0.0, testutil.ToFloat64(f.metrics.RunActive))
	assert.Equal(t, float64(len(verifications)), testutil.ToFloat64(f.metrics.VerificationsTotal.WithLabelValues("pass")))

	assert.NotZero(t, f.logs.FilterMessage("Test command: pytest -q").Len())
	assert.Equal(t, 1, f.logs.FilterMessage("run finished").Len())

	report, err := f.store.GetReport(runID)
	require.NoError(t, err)
	assert.Equal(t, fin.Report, report)
}

func TestRelativeTargetIsMadeAbsolute(t *testing.T) {
	f := newFixture(t, approving(), passing)
	wd, err := os.Getwd()
	require.NoError(t, err)
	rel, err := filepath.Rel(wd, f.target)
	require.NoError(t, err)
	require.False(t, filepath.IsAbs(rel))

	runID, err := f.mgr.Start(context.Background(), RunRequest{Ticket: "Add /health", Target: rel})
	require.NoError(t, err)
	f.wait(t)

	evs := collect(t, f.mgr.Subscribe(context.Background()))
	assert.Equal(t, f.target, evs[0].Data["target"])
	run, err := f.ledger.GetRun(runID)
	require.NoError(t, err)
	assert.Equal(t, f.target, run.Target)
}

func TestAlreadyRunning(t *testing.T) {
	release := make(chan struct{})
	s := approving()
	s["# Plan"] = func(ctx context.Context, _ agenttest.Call) (string, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return "plan", nil
	}
	f := newFixture(t, s, passing)

	_, err := f.mgr.Start(context.Background(), RunRequest{Ticket: "first"})
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, f.mgr.Status().Status)

	_, err = f.mgr.Start(context.Background(), RunRequest{Ticket: "second"})
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	close(release)
	assert.Equal(t, db.StatusDone, f.wait(t).Status)

	_, err = f.mgr.Start(context.Background(), RunRequest{Ticket: "third"})
	require.NoError(t, err)
	f.wait(t)
}

func TestStopSummarizes(t *testing.T) {
	var mgr *Manager
	s := approving()
	s["# GREEN: make the tests pass"] = func(context.Context, agenttest.Call) (string, error) {
		assert.True(t, mgr.Stop())
		return "half way", nil
	}
	s["# Summarize interrupted run"] = reply("Tests exist; handler is a stub.")
	f := newFixture(t, s, mockCmd{stdout: "1 failed, 3 passed in 0.20s", exit: 1})
	mgr = f.mgr

	runID, err := f.mgr.Start(context.Background(), RunRequest{Ticket: "Add /health"})
	require.NoError(t, err)
	fin := f.wait(t)

	assert.Equal(t, db.StatusStopped, fin.Status)
	require.NoError(t, fin.Err)
	require.NotNil(t, fin.Summary)
	assert.Equal(t, "GREEN", fin.Summary.InterruptedStage)
	assert.Equal(t, []string{"PLAN", "RED"}, fin.Summary.CompletedStages)
	assert.Equal(t, Status{Status: StatusIdle, RunID: runID}, f.mgr.Status())

	evs := collect(t, f.mgr.Subscribe(context.Background()))
	var tail []events.Type
	for _, ev := range evs {
		switch ev.Type {
		case events.Stopped, events.Summary, events.Done, events.Report:
			tail = append(tail, ev.Type)
		}
	}
	assert.Equal(t, []events.Type{events.Stopped, events.Summary, events.Done}, tail)

	saved, err := f.store.LoadSummary(f.target)
	require.NoError(t, err)
	assert.Equal(t, "Tests exist; handler is a stub.", saved.Summary)

	run, err := f.ledger.GetRun(runID)
	require.NoError(t, err)
	assert.Equal(t, db.StatusStopped, run.Status)
	assert.False(t, f.mgr.Stop(), "expected Stop to report no active run")
}

func TestResumeFromSummary(t *testing.T) {
	f := newFixture(t, approving(), passing)
	_, err := f.store.SaveSummary(&pipeline.Summary{
		Ticket:           "Add /health",
		Target:           f.target,
		InterruptedStage: "GREEN",
		Summary:          "Handler stub exists.",
	})
	require.NoError(t, err)

	_, err = f.mgr.Start(context.Background(), RunRequest{Resume: true})
	require.NoError(t, err)
	f.wait(t)

	first := f.fake.Requests()[0]
	assert.Equal(t, "# Plan (resuming)", heading(first.Prompt))
	assert.Contains(t, first.Prompt, "Handler stub exists.")
	assert.Contains(t, first.Prompt, "Add /health")
}

func TestResumeWithoutSummary(t *testing.T) {
	f := newFixture(t, approving(), passing)
	_, err := f.mgr.Start(context.Background(), RunRequest{Ticket: "x", Resume: true})
	assert.ErrorIs(t, err, pipeline.ErrNoSummary)
	assert.Equal(t, StatusIdle, f.mgr.Status().Status)
}

func TestAgentFailureEmitsError(t *testing.T) {
	s := approving()
	s["# RED: write failing tests"] = func(context.Context, agenttest.Call) (string, error) {
		return "", errors.New("transport closed")
	}
	f := newFixture(t, s, passing)
	_, err := f.mgr.Start(context.Background(), RunRequest{Ticket: "t"})
	require.NoError(t, err)
	fin := f.wait(t)

	assert.Equal(t, db.StatusFailed, fin.Status)
	assert.ErrorContains(t, fin.Err, "transport closed")
	assert.Equal(t, StatusIdle, f.mgr.Status().Status)

	evs := collect(t, f.mgr.Subscribe(context.Background()))
	last := evs[len(evs)-2:]
	assert.Equal(t, []events.Type{events.Error, events.Done}, types(last))
	assert.Contains(t, last[0].Data["message"], "transport closed")
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.RunsTotal.WithLabelValues(db.StatusFailed)))
}

func TestConcurrentSubscribersSeeWholeRun(t *testing.T) {
	release := make(chan struct{})
	s := approving()
	s["# Plan"] = func(ctx context.Context, _ agenttest.Call) (string, error) {
		<-release
		return "plan", nil
	}
	f := newFixture(t, s, passing)
	_, err := f.mgr.Start(context.Background(), RunRequest{Ticket: "t"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([][]events.Event, 2)
	for i := range results {
		ch := f.mgr.Subscribe(context.Background())
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for ev := range ch {
				results[i] = append(results[i], ev)
			}
		}(i)
	}
	close(release)
	wg.Wait()
	f.wait(t)

	require.NotEmpty(t, results[0])
	assert.Equal(t, types(results[0]), types(results[1]))
	assert.Equal(t, events.Init, results[0][0].Type)
	assert.Equal(t, events.Done, results[0][len(results[0])-1].Type)
}

func TestSubscribeWithoutRun(t *testing.T) {
	f := newFixture(t, approving(), passing)
	_, ok := <-f.mgr.Subscribe(context.Background())
	assert.False(t, ok)

	fin, err := f.mgr.Wait(context.Background())
	assert.NoError(t, err)
	assert.Nil(t, fin)
}

func TestShutdownStopsActiveRun(t *testing.T) {
	s := approving()
	s["# Plan"] = func(ctx context.Context, _ agenttest.Call) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}
	s["# Summarize interrupted run"] = reply("nothing done")
	f := newFixture(t, s, passing)
	_, err := f.mgr.Start(context.Background(), RunRequest{Ticket: "t"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, f.mgr.Shutdown(ctx))

	fin, err := f.mgr.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, db.StatusStopped, fin.Status)
	assert.Equal(t, "PLAN", fin.Summary.InterruptedStage)
}
