package db

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lucasnoah/redgreen/internal/checks"
	"github.com/lucasnoah/redgreen/internal/events"
)

// Run statuses.
const (
	StatusRunning = "running"
	StatusDone    = "done"
	StatusStopped = "stopped"
	StatusFailed  = "failed"
)

// ErrRunNotFound is returned when no run has the requested id.
var ErrRunNotFound = errors.New("run not found")

// Run represents a row in the runs table.
type Run struct {
	ID         string
	Ticket     string
	Target     string
	Status     string
	StartedAt  string
	FinishedAt string
}

// PipelineEvent represents a row in the pipeline_events table.
type PipelineEvent struct {
	ID        int64
	RunID     string
	Seq       uint64
	Type      string
	Stage     string
	Payload   string
	Timestamp string
}

// VerificationRun represents a row in the verification_runs table.
type VerificationRun struct {
	ID         int64
	RunID      string
	Stage      string
	Command    string
	Outcome    string
	ExitCode   int
	TotalTests int
	Failures   int
	Errors     int
	DurationMs int
	Timestamp  string
}

func now() string {
	return formatTime(time.Now())
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// CreateRun inserts a run in the running state.
func (d *DB) CreateRun(id, ticket, target string, started time.Time) error {
	_, err := d.exec(
		`INSERT INTO runs (id, ticket, target, status, started_at) VALUES (?, ?, ?, ?, ?)`,
		id, ticket, target, StatusRunning, formatTime(started),
	)
	if err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	return nil
}

// FinishRun records a run's final status.
func (d *DB) FinishRun(id, status string, finished time.Time) error {
	res, err := d.exec(`UPDATE runs SET status = ?, finished_at = ? WHERE id = ?`, status, formatTime(finished), id)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("finish run %s: %w", id, ErrRunNotFound)
	}
	return nil
}

// GetRun returns one run.
func (d *DB) GetRun(id string) (*Run, error) {
	row := d.queryRow(`SELECT id, ticket, target, status, started_at, finished_at FROM runs WHERE id = ?`, id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return r, nil
}

// RecentRuns returns up to limit runs, newest first.
func (d *DB) RecentRuns(limit int) ([]Run, error) {
	rows, err := d.query(
		`SELECT id, ticket, target, status, started_at, finished_at FROM runs ORDER BY started_at DESC, id DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("recent runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (*Run, error) {
	var r Run
	var finished sql.NullString
	if err := s.Scan(&r.ID, &r.Ticket, &r.Target, &r.Status, &r.StartedAt, &finished); err != nil {
		return nil, err
	}
	r.FinishedAt = finished.String
	return &r, nil
}

// LogEvent persists one bus event. The stage column is taken from the
// payload when present.
func (d *DB) LogEvent(runID string, ev events.Event) error {
	payload, err := json.Marshal(ev.Data)
	if err != nil {
		return fmt.Errorf("encode event payload: %w", err)
	}
	stage, _ := ev.Data["stage"].(string)
	ts := ev.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err = d.exec(
		`INSERT INTO pipeline_events (run_id, seq, type, stage, payload, timestamp) VALUES (?, ?, ?, ?, ?, ?)`,
		runID, int64(ev.Seq), string(ev.Type), stage, string(payload), formatTime(ts),
	)
	if err != nil {
		return fmt.Errorf("log event: %w", err)
	}
	return nil
}

// RunEvents returns a run's events in emission order.
func (d *DB) RunEvents(runID string) ([]PipelineEvent, error) {
	rows, err := d.query(
		`SELECT id, run_id, seq, type, stage, payload, timestamp FROM pipeline_events WHERE run_id = ? ORDER BY seq, id`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("run events: %w", err)
	}
	defer rows.Close()

	var out []PipelineEvent
	for rows.Next() {
		var e PipelineEvent
		var seq int64
		var stage sql.NullString
		if err := rows.Scan(&e.ID, &e.RunID, &seq, &e.Type, &stage, &e.Payload, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Seq = uint64(seq)
		e.Stage = stage.String
		out = append(out, e)
	}
	return out, rows.Err()
}

// LogVerification records a gate result.
func (d *DB) LogVerification(runID, stage string, r checks.Result) error {
	ts := r.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := d.exec(
		`INSERT INTO verification_runs (run_id, stage, command, outcome, exit_code, total_tests, failures, errors, duration_ms, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, stage, r.Command, string(r.Outcome), r.ExitCode, r.TotalTests, r.Failures, r.Errors, r.DurationMs, formatTime(ts),
	)
	if err != nil {
		return fmt.Errorf("log verification: %w", err)
	}
	return nil
}

// VerificationFromEvent rebuilds the gate result carried by a test_verify
// event. ok is false for any other event.
func VerificationFromEvent(ev events.Event) (stage string, r checks.Result, ok bool) {
	if ev.Type != events.TestVerify {
		return "", checks.Result{}, false
	}
	stage, _ = ev.Data["stage"].(string)
	r.Command, _ = ev.Data["command"].(string)
	outcome, _ := ev.Data["outcome"].(string)
	r.Outcome = checks.Outcome(outcome)
	r.ExitCode = intField(ev.Data, "exit_code")
	r.TotalTests = intField(ev.Data, "total_tests")
	r.Failures = intField(ev.Data, "failures")
	r.Errors = intField(ev.Data, "errors")
	r.DurationMs = intField(ev.Data, "duration_ms")
	r.Timestamp = ev.Time
	return stage, r, true
}

func intField(data map[string]any, key string) int {
	switch n := data[key].(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}

// RunVerifications returns a run's gate results in order.
func (d *DB) RunVerifications(runID string) ([]VerificationRun, error) {
	rows, err := d.query(
		`SELECT id, run_id, stage, command, outcome, exit_code, total_tests, failures, errors, duration_ms, timestamp
		 FROM verification_runs WHERE run_id = ? ORDER BY id`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("run verifications: %w", err)
	}
	defer rows.Close()

	var out []VerificationRun
	for rows.Next() {
		var v VerificationRun
		if err := rows.Scan(&v.ID, &v.RunID, &v.Stage, &v.Command, &v.Outcome, &v.ExitCode,
			&v.TotalTests, &v.Failures, &v.Errors, &v.DurationMs, &v.Timestamp); err != nil {
			return nil, fmt.Errorf("scan verification: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
