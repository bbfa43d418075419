// Package orchestrator manages pipeline runs: one at a time, observable
// while they execute, and summarized when they are stopped.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/lucasnoah/redgreen/internal/checks"
	"github.com/lucasnoah/redgreen/internal/db"
	"github.com/lucasnoah/redgreen/internal/events"
	"github.com/lucasnoah/redgreen/internal/guard"
	"github.com/lucasnoah/redgreen/internal/metrics"
	"github.com/lucasnoah/redgreen/internal/pipeline"
	"github.com/lucasnoah/redgreen/internal/stage"
)

var (
	// ErrTicketRequired is returned when a run is started without a ticket.
	ErrTicketRequired = errors.New("ticket is required")
	// ErrAlreadyRunning is returned when a run is started while one is active.
	ErrAlreadyRunning = errors.New("pipeline already running")
)

// Run statuses reported by Status.
const (
	StatusIdle    = "idle"
	StatusRunning = "running"
	StatusDone    = "done"
)

// Status is the externally observable state of the manager.
type Status struct {
	Status string `json:"status"`
	Stage  string `json:"stage"`
	RunID  string `json:"run_id"`
}

// RunRequest starts a run. Target defaults to the manager's default target.
// Resume seeds PLAN with the Summary persisted at the target; a blank
// ticket then falls back to the summarized one.
type RunRequest struct {
	Ticket string `json:"ticket"`
	Target string `json:"target"`
	Resume bool   `json:"resume"`
}

// Finished describes how a run ended.
type Finished struct {
	RunID   string
	Status  string // db.StatusDone, db.StatusStopped or db.StatusFailed
	Report  string
	Final   checks.Result
	Summary *pipeline.Summary
	Err     error
}

// Config wires a Manager.
type Config struct {
	Engine        *stage.Engine
	Summarizer    *stage.Summarizer
	Store         *pipeline.Store
	Ledger        *db.DB           // optional
	Metrics       *metrics.Metrics // optional
	Log           *zap.Logger
	DefaultTarget string
	HistoryLimit  int
}

// Manager runs at most one pipeline at a time.
type Manager struct {
	cfg Config
	log *zap.Logger

	mu     sync.Mutex
	status Status
	bus    *events.Bus
	state  *pipeline.RunState
	cancel context.CancelFunc
	done   chan struct{}
	last   *Finished
}

// NewManager creates a Manager. Engine guard and test-monitor callbacks
// are routed to the metrics when they are configured.
func NewManager(cfg Config) *Manager {
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	if cfg.Store == nil {
		cfg.Store = pipeline.NewStore(nil, "")
	}
	if m := cfg.Metrics; m != nil && cfg.Engine != nil {
		cfg.Engine.SetDenyHandler(func(_ guard.Action, d guard.Decision) { m.GuardDenied(d.Guard) })
		cfg.Engine.SetTestResultHandler(func(r checks.Result) { m.AgentTestRun(string(r.Outcome)) })
	}
	return &Manager{
		cfg:    cfg,
		log:    cfg.Log,
		status: Status{Status: StatusIdle},
	}
}

// DefaultTarget is the project root used when a request names none.
func (m *Manager) DefaultTarget() string {
	return m.cfg.DefaultTarget
}

// Start launches a run in the background and returns its id.
func (m *Manager) Start(ctx context.Context, req RunRequest) (string, error) {
	target := strings.TrimSpace(req.Target)
	if target == "" {
		target = m.cfg.DefaultTarget
	}
	if abs, err := filepath.Abs(target); err == nil {
		target = abs
	}
	ticket := strings.TrimSpace(req.Ticket)

	var prior string
	if req.Resume {
		sum, err := m.cfg.Store.LoadSummary(target)
		if err != nil {
			return "", fmt.Errorf("load summary for resume: %w", err)
		}
		prior = sum.Summary
		if ticket == "" {
			ticket = strings.TrimSpace(sum.Ticket)
		}
	}
	if ticket == "" {
		return "", ErrTicketRequired
	}

	m.mu.Lock()
	if m.status.Status == StatusRunning {
		m.mu.Unlock()
		return "", ErrAlreadyRunning
	}
	runID := ulid.Make().String()
	var opts []events.Option
	if m.cfg.HistoryLimit > 0 {
		opts = append(opts, events.WithHistoryLimit(m.cfg.HistoryLimit))
	}
	bus := events.NewBus(opts...)
	state := pipeline.NewRunState()
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	m.bus, m.state, m.cancel, m.done = bus, state, cancel, done
	m.status = Status{Status: StatusRunning, RunID: runID}
	m.last = nil
	m.mu.Unlock()

	log := m.log.With(zap.String("run_id", runID))
	if m.cfg.Ledger != nil {
		if err := m.cfg.Ledger.CreateRun(runID, ticket, target, time.Now()); err != nil {
			log.Warn("record run", zap.Error(err))
		}
	}
	if m.cfg.Metrics != nil {
		m.cfg.Metrics.RunStarted()
	}

	drained := make(chan struct{})
	feed := bus.SubscribeWithReplay(context.Background())
	go func() {
		defer close(drained)
		m.drain(runID, feed, log)
	}()

	go func() {
		defer cancel()
		fin := m.execute(runCtx, bus, stage.Input{
			RunID:        runID,
			Ticket:       ticket,
			Target:       target,
			PriorSummary: prior,
			State:        state,
			Bus:          bus,
		}, req.Resume, log)
		<-drained
		m.finish(fin, log)
		close(done)
	}()

	log.Info("run started", zap.String("target", target), zap.Bool("resume", req.Resume))
	return runID, nil
}

func (m *Manager) execute(ctx context.Context, bus *events.Bus, in stage.Input, resume bool, log *zap.Logger) *Finished {
	bus.Emit(events.New(events.Init, map[string]any{
		"run_id": in.RunID,
		"ticket": in.Ticket,
		"target": in.Target,
		"resume": resume,
	}))

	fin := &Finished{RunID: in.RunID}
	outcome, err := m.cfg.Engine.Run(ctx, in)
	var stopped *stage.Stopped
	switch {
	case err == nil:
		fin.Status = db.StatusDone
		fin.Report = outcome.Report
		fin.Final = outcome.Final
		if m.cfg.Store.BaseDir() != "" {
			if err := m.cfg.Store.SaveReport(in.RunID, outcome.Report); err != nil {
				log.Warn("save report", zap.Error(err))
			}
		}
		bus.Emit(events.New(events.Report, map[string]any{"text": outcome.Report}))
	case errors.As(err, &stopped):
		fin.Status = db.StatusStopped
		bus.Emit(events.New(events.Stopped, map[string]any{
			"stage":            string(stopped.Current),
			"completed_stages": pipeline.StageNames(stopped.Completed),
		}))
		fin.Summary, fin.Err = m.summarize(context.WithoutCancel(ctx), in, stopped, bus)
	default:
		fin.Status = db.StatusFailed
		fin.Err = err
		log.Error("run failed", zap.Error(err))
		bus.Emit(events.New(events.Error, map[string]any{"message": err.Error()}))
	}
	bus.Emit(events.New(events.Done, nil))
	return fin
}

func (m *Manager) summarize(ctx context.Context, in stage.Input, stopped *stage.Stopped, bus *events.Bus) (*pipeline.Summary, error) {
	if m.cfg.Summarizer == nil {
		return nil, nil
	}
	sum, err := m.cfg.Summarizer.Summarize(ctx, stage.SummaryInput{
		Ticket:  in.Ticket,
		Target:  in.Target,
		Stopped: stopped,
		History: bus.History(),
		Bus:     bus,
	})
	if err != nil {
		bus.Emit(events.New(events.Error, map[string]any{"message": "summarize: " + err.Error()}))
		return sum, fmt.Errorf("summarize: %w", err)
	}
	bus.Emit(events.New(events.Summary, summaryData(sum)))
	return sum, nil
}

func summaryData(s *pipeline.Summary) map[string]any {
	return map[string]any{
		"ticket":            s.Ticket,
		"target":            s.Target,
		"completed_stages":  s.CompletedStages,
		"interrupted_stage": s.InterruptedStage,
		"test_status":       s.TestStatus,
		"files_modified":    s.FilesModified,
		"summary":           s.Summary,
		"timestamp":         s.Timestamp,
	}
}

// drain mirrors the run's events into status, the ledger, metrics and the
// structured log until the bus finishes.
func (m *Manager) drain(runID string, feed <-chan events.Event, log *zap.Logger) {
	for ev := range feed {
		if ev.Type == events.Banner {
			if label, ok := ev.Data["stage"].(string); ok {
				m.mu.Lock()
				m.status.Stage = label
				m.mu.Unlock()
			}
		}
		if m.cfg.Ledger != nil {
			if err := m.cfg.Ledger.LogEvent(runID, ev); err != nil {
				log.Warn("record event", zap.String("type", string(ev.Type)), zap.Error(err))
			}
			if label, res, ok := db.VerificationFromEvent(ev); ok {
				if err := m.cfg.Ledger.LogVerification(runID, label, res); err != nil {
					log.Warn("record verification", zap.Error(err))
				}
			}
		}
		if m.cfg.Metrics != nil {
			m.cfg.Metrics.Observe(ev)
		}
		if ev.Type == events.Log {
			msg, _ := ev.Data["message"].(string)
			if ev.Data["level"] == "warn" {
				log.Warn(msg)
			} else {
				log.Info(msg)
			}
		}
	}
}

func (m *Manager) finish(fin *Finished, log *zap.Logger) {
	if m.cfg.Ledger != nil {
		if err := m.cfg.Ledger.FinishRun(fin.RunID, fin.Status, time.Now()); err != nil {
			log.Warn("record run finish", zap.Error(err))
		}
	}
	if m.cfg.Metrics != nil {
		m.cfg.Metrics.RunFinished(fin.Status)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.last = fin
	if fin.Status == db.StatusDone {
		m.status.Status = StatusDone
	} else {
		m.status = Status{Status: StatusIdle, RunID: fin.RunID}
	}
	log.Info("run finished", zap.String("status", fin.Status))
}

// Stop asks the active run to stop at its next boundary. It reports
// whether a run was active.
func (m *Manager) Stop() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status.Status != StatusRunning || m.state == nil {
		return false
	}
	m.state.RequestStop()
	return true
}

// Status returns a snapshot of the manager's state.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Subscribe replays the current run's events and follows it live until
// done. With no run ever started the channel is closed immediately.
func (m *Manager) Subscribe(ctx context.Context) <-chan events.Event {
	m.mu.Lock()
	bus := m.bus
	m.mu.Unlock()
	if bus == nil {
		ch := make(chan events.Event)
		close(ch)
		return ch
	}
	return bus.SubscribeWithReplay(ctx)
}

// Wait blocks until the active run finishes or ctx ends, and returns how
// the most recent run ended. It returns nil when no run was started.
func (m *Manager) Wait(ctx context.Context) (*Finished, error) {
	m.mu.Lock()
	done := m.done
	m.mu.Unlock()
	if done == nil {
		return nil, nil
	}
	select {
	case <-done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last, nil
}

// Shutdown stops the active run and cancels its in-flight agent call,
// then waits for it to wind down.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.state != nil {
		m.state.RequestStop()
	}
	cancel := m.cancel
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	_, err := m.Wait(ctx)
	return err
}
