package stage

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	"go.uber.org/zap"

	"github.com/lucasnoah/redgreen/internal/agent"
	"github.com/lucasnoah/redgreen/internal/checks"
	"github.com/lucasnoah/redgreen/internal/events"
	"github.com/lucasnoah/redgreen/internal/guard"
	"github.com/lucasnoah/redgreen/internal/pipeline"
	"github.com/lucasnoah/redgreen/internal/prompt"
)

// summaryTicketLen bounds the ticket text handed to the summarize prompt.
const summaryTicketLen = 500

// Summarizer turns an interrupted run into a persisted Summary.
type Summarizer struct {
	agent     agent.Agent
	verifier  *checks.Verifier
	templates prompt.Set
	store     *pipeline.Store
	model     string
	log       *zap.Logger
	now       func() time.Time
}

// NewSummarizer creates a Summarizer. model may be empty.
func NewSummarizer(ag agent.Agent, verifier *checks.Verifier, templates prompt.Set, store *pipeline.Store, model string, log *zap.Logger) *Summarizer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Summarizer{
		agent:     ag,
		verifier:  verifier,
		templates: templates,
		store:     store,
		model:     model,
		log:       log,
		now:       time.Now,
	}
}

// SummaryInput is what Summarize needs to know about the stopped run.
type SummaryInput struct {
	Ticket  string
	Target  string
	Stopped *Stopped
	History []events.Event
	Bus     events.Emitter
}

// Summarize verifies the tests once more, asks a fresh session to describe
// the run's progress and saves the result at the target.
func (s *Summarizer) Summarize(ctx context.Context, in SummaryInput) (*pipeline.Summary, error) {
	bus := in.Bus
	if bus == nil {
		bus = events.NewBus()
	}
	logf := func(format string, args ...any) {
		bus.Emit(events.New(events.Log, map[string]any{"message": fmt.Sprintf(format, args...)}))
	}
	logf("Running summarization agent...")

	stopped := in.Stopped
	if stopped == nil {
		stopped = &Stopped{Current: pipeline.StageInit}
	}
	tracker := stopped.Tracker
	if tracker == nil {
		tracker = checks.NewTracker(checks.DetectCommand(in.Target))
	}
	res := s.verifier.Verify(ctx, tracker, in.Target, 0)
	bus.Emit(events.New(events.TestVerify, verifyData("SUMMARIZE", res)))

	files := ModifiedFiles(in.Target, in.History)
	gitFiles, err := worktreeChanges(in.Target)
	if err != nil {
		s.log.Debug("git status unavailable", zap.String("target", in.Target), zap.Error(err))
	}
	files = mergeSorted(files, gitFiles)

	completed := pipeline.StageNames(stopped.Completed)
	fileList := "(none detected)"
	if len(files) > 0 {
		fileList = "- " + strings.Join(files, "\n- ")
	}
	stagesText := strings.Join(completed, ", ")
	if stagesText == "" {
		stagesText = "(none)"
	}
	ticket := pipeline.Truncate(in.Ticket, summaryTicketLen)
	text, err := s.templates.Render(prompt.Summarize, prompt.Vars{
		"ticket":            ticket,
		"completed_stages":  stagesText,
		"interrupted_stage": string(stopped.Current),
		"test_status":       checks.StatusLine(res),
		"files_modified":    fileList,
	})
	if err != nil {
		return nil, err
	}

	hooks, err := guard.New(ctx, guard.Config{
		Root:    in.Target,
		State:   pipeline.NewRunState(),
		Tracker: tracker,
		Log:     s.log,
	})
	if err != nil {
		return nil, fmt.Errorf("build guardrails: %w", err)
	}
	narrative, _, err := runStage(ctx, s.agent, bus, "SUMMARIZE", "Generating pipeline summary", agent.Request{
		Prompt:   text,
		Dir:      in.Target,
		Model:    s.model,
		Tools:    agent.AuditTools,
		MaxTurns: SummarizeMaxTurns,
		Hooks:    hooks,
	})
	if err != nil {
		return nil, err
	}

	sum := &pipeline.Summary{
		Ticket:           in.Ticket,
		Target:           in.Target,
		CompletedStages:  completed,
		InterruptedStage: string(stopped.Current),
		TestStatus: pipeline.TestStatus{
			Passing:  res.Passed(),
			Total:    res.TotalTests,
			Failures: res.Failures,
			Errors:   res.Errors,
			Command:  res.Command,
		},
		FilesModified: files,
		Summary:       narrative,
		Timestamp:     pipeline.FormatTimestamp(s.now()),
	}
	if s.store != nil {
		path, err := s.store.SaveSummary(sum)
		if err != nil {
			return sum, err
		}
		logf("Summary saved to %s", path)
	}
	return sum, nil
}

// ModifiedFiles lists the paths written or edited by tool events in
// history, relative to target where possible.
func ModifiedFiles(target string, history []events.Event) []string {
	seen := map[string]bool{}
	for _, ev := range history {
		if ev.Type != events.Tool {
			continue
		}
		tool, _ := ev.Data["tool"].(string)
		input, _ := ev.Data["input"].(map[string]any)
		a := guard.Action{Tool: tool, Input: input}
		if !a.IsWrite() || a.FilePath() == "" {
			continue
		}
		seen[relativize(target, a.FilePath())] = true
	}
	out := make([]string, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func relativize(target, p string) string {
	if !filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	rel, err := filepath.Rel(target, p)
	if err != nil || strings.HasPrefix(rel, "..") {
		return p
	}
	return rel
}

// worktreeChanges returns files the git status of target's repository
// reports as changed or untracked, relative to target. Pipeline artifacts
// are left out.
func worktreeChanges(target string) ([]string, error) {
	repo, err := git.PlainOpenWithOptions(target, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return nil, err
	}
	wt, err := repo.Worktree()
	if err != nil {
		return nil, err
	}
	status, err := wt.Status()
	if err != nil {
		return nil, err
	}
	root := wt.Filesystem.Root()
	var out []string
	for path, st := range status {
		if st.Worktree == git.Unmodified && st.Staging == git.Unmodified {
			continue
		}
		rel := relativize(target, filepath.Join(root, filepath.FromSlash(path)))
		if filepath.IsAbs(rel) || rel == pipeline.SummaryFile || strings.HasPrefix(rel, ".claude"+string(filepath.Separator)) {
			continue
		}
		out = append(out, rel)
	}
	sort.Strings(out)
	return out, nil
}

func mergeSorted(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	var out []string
	for _, list := range [][]string{a, b} {
		for _, p := range list {
			if !seen[p] {
				seen[p] = true
				out = append(out, p)
			}
		}
	}
	sort.Strings(out)
	return out
}
