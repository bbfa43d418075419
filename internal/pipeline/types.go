package pipeline

import (
	"sync"
	"time"
)

// Stage names one phase of the pipeline.
type Stage string

const (
	StageInit           Stage = "INIT"
	StagePlan           Stage = "PLAN"
	StageRed            Stage = "RED"
	StageGreen          Stage = "GREEN"
	StageGreenFix       Stage = "GREEN_FIX"
	StageReview         Stage = "REVIEW"
	StageReviewRed      Stage = "REVIEW_RED"
	StageReviewGreen    Stage = "REVIEW_GREEN"
	StageSecurityReview Stage = "SECURITY_REVIEW"
	StageSecurityGreen  Stage = "SECURITY_GREEN"
	StageQA             Stage = "QA"
	StageQAGreen        Stage = "QA_GREEN"
	StageReport         Stage = "REPORT"
)

// Stages is the fixed stage order.
var Stages = []Stage{
	StagePlan, StageRed, StageGreen, StageGreenFix,
	StageReview, StageReviewRed, StageReviewGreen,
	StageSecurityReview, StageSecurityGreen,
	StageQA, StageQAGreen, StageReport,
}

// IsImplementation reports whether the stage only changes application code.
// Test files are write-protected while one of these stages is current.
func (s Stage) IsImplementation() bool {
	switch s {
	case StageGreen, StageGreenFix, StageReviewGreen, StageSecurityGreen, StageQAGreen:
		return true
	}
	return false
}

// RunState is the mutable state of one pipeline run. The orchestrator is
// the only writer; guardrails and the stop path read it through the
// accessor methods from other goroutines.
type RunState struct {
	mu        sync.RWMutex
	current   Stage
	completed []Stage
	sessionID string
	stop      bool
}

// NewRunState creates a RunState positioned at INIT.
func NewRunState() *RunState {
	return &RunState{current: StageInit}
}

// CurrentStage returns the stage in progress.
func (s *RunState) CurrentStage() Stage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Enter makes stage the current stage.
func (s *RunState) Enter(stage Stage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = stage
}

// Complete appends stage to the completed list.
func (s *RunState) Complete(stage Stage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completed = append(s.completed, stage)
}

// CompletedStages returns a copy of the completed stage list.
func (s *RunState) CompletedStages() []Stage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Stage, len(s.completed))
	copy(out, s.completed)
	return out
}

// SessionID returns the primary agent session identifier.
func (s *RunState) SessionID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessionID
}

// SetSessionID records the primary agent session identifier.
func (s *RunState) SetSessionID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessionID = id
}

// RequestStop sets the cooperative stop flag.
func (s *RunState) RequestStop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stop = true
}

// StopRequested reports whether a stop was requested.
func (s *RunState) StopRequested() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stop
}

// StageNames converts stages to their string names.
func StageNames(stages []Stage) []string {
	out := make([]string, len(stages))
	for i, s := range stages {
		out[i] = string(s)
	}
	return out
}

// TestStatus is the test snapshot stored in a Summary.
type TestStatus struct {
	Passing  bool   `json:"passing"`
	Total    int    `json:"total"`
	Failures int    `json:"failures"`
	Errors   int    `json:"errors"`
	Command  string `json:"command"`
}

// Summary is the snapshot persisted when a run is interrupted, and read
// back to seed the PLAN stage of a later run.
type Summary struct {
	Ticket           string     `json:"ticket"`
	Target           string     `json:"target"`
	CompletedStages  []string   `json:"completed_stages"`
	InterruptedStage string     `json:"interrupted_stage"`
	TestStatus       TestStatus `json:"test_status"`
	FilesModified    []string   `json:"files_modified"`
	Summary          string     `json:"summary"`
	Timestamp        string     `json:"timestamp"`
}

// MaxSummaryTicket bounds the ticket text stored in a Summary.
const MaxSummaryTicket = 1000

// FormatTimestamp renders t the way Summary timestamps are stored.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05Z")
}
