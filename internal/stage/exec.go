package stage

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/lucasnoah/redgreen/internal/agent"
	"github.com/lucasnoah/redgreen/internal/checks"
	"github.com/lucasnoah/redgreen/internal/events"
	"github.com/lucasnoah/redgreen/internal/prompt"
)

// main runs a prompt on the primary session, resuming it when one exists.
func (r *run) main(ctx context.Context, label, desc, tmpl string, vars prompt.Vars) (string, error) {
	text, res, err := r.execute(ctx, label, desc, tmpl, vars, agent.Request{
		SessionID: r.state.SessionID(),
		Model:     r.opts.Models.Pipeline,
		Tools:     agent.ImplementTools,
		MaxTurns:  r.opts.MaxTurns,
	})
	if res.SessionID != "" {
		r.state.SetSessionID(res.SessionID)
	}
	if err != nil {
		return "", err
	}
	return text, r.checkStop(ctx)
}

// side runs a prompt on a new short-lived session.
func (r *run) side(ctx context.Context, label, desc, tmpl string, vars prompt.Vars, model string, tools []string, turns int) (string, error) {
	text, _, err := r.execute(ctx, label, desc, tmpl, vars, agent.Request{
		Model:    model,
		Tools:    tools,
		MaxTurns: turns,
	})
	if err != nil {
		return "", err
	}
	return text, r.checkStop(ctx)
}

func (r *run) execute(ctx context.Context, label, desc, tmpl string, vars prompt.Vars, req agent.Request) (string, agent.Result, error) {
	text, err := r.templates.Render(tmpl, vars)
	if err != nil {
		return "", agent.Result{}, err
	}
	r.seq++
	if r.store != nil && r.in.RunID != "" {
		if err := r.store.SavePrompt(r.in.RunID, r.seq, label, text); err != nil {
			r.log.Warn("save prompt", zap.String("stage", label), zap.Error(err))
		}
	}
	req.Prompt = text
	req.Dir = r.in.Target
	req.Hooks = r.hooks

	out, res, err := runStage(ctx, r.agent, r.in.Bus, label, desc, req)
	if err != nil {
		if ctx.Err() != nil {
			return "", res, r.stopped()
		}
		return "", res, err
	}
	r.log.Debug("stage execution finished",
		zap.String("stage", label),
		zap.Int("turns", res.Turns),
		zap.Duration("duration", res.Duration),
	)
	return out, res, nil
}

// runStage sends one prompt to the agent and mirrors its stream onto bus.
// It returns the collected assistant text.
func runStage(ctx context.Context, ag agent.Agent, bus events.Emitter, label, desc string, req agent.Request) (string, agent.Result, error) {
	emit := func(t events.Type, data map[string]any) {
		data["stage"] = label
		bus.Emit(events.New(t, data))
	}
	emit(events.Banner, map[string]any{"description": desc})

	var parts []string
	res, err := ag.Run(ctx, req, func(m agent.Message) {
		switch m.Kind {
		case agent.KindText:
			parts = append(parts, m.Text)
			emit(events.StageText, map[string]any{"text": m.Text})
		case agent.KindThinking:
			emit(events.Thinking, map[string]any{"text": m.Text})
		case agent.KindToolUse:
			emit(events.Tool, map[string]any{"tool": m.Tool, "input": m.Input})
		case agent.KindToolError:
			emit(events.ToolError, map[string]any{"error": truncate(m.Text, 200)})
		case agent.KindResult:
			if m.Result != nil {
				emit(events.Result, resultData(*m.Result))
			}
		}
	})
	if err != nil {
		return "", res, fmt.Errorf("%s: %w", label, err)
	}
	text := strings.Join(parts, "\n")
	if text == "" {
		text = res.Text
	}
	return text, res, nil
}

func resultData(res agent.Result) map[string]any {
	cost := "n/a"
	if res.HasCost && res.CostUSD > 0 {
		cost = fmt.Sprintf("$%.4f", res.CostUSD)
	}
	return map[string]any{
		"turns":    res.Turns,
		"cost":     cost,
		"duration": res.Duration.Milliseconds(),
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// verify runs the gate and reports it on the bus.
func (r *run) verify(ctx context.Context, label string) checks.Result {
	res := r.verifier.Verify(ctx, r.tracker, r.in.Target, r.opts.VerifyTimeout)
	r.emit(events.TestVerify, verifyData(label, res))
	status := "FAIL"
	if res.Passed() {
		status = "PASS"
	}
	r.logf("Verification: %s (exit code %d, %d failures, %d errors)", status, res.ExitCode, res.Failures, res.Errors)
	return res
}

func verifyData(label string, res checks.Result) map[string]any {
	tail := res.Stdout
	if tail == "" {
		tail = res.Stderr
	}
	return map[string]any{
		"stage":       label,
		"command":     res.Command,
		"outcome":     string(res.Outcome),
		"exit_code":   res.ExitCode,
		"total_tests": res.TotalTests,
		"failures":    res.Failures,
		"errors":      res.Errors,
		"duration_ms": res.DurationMs,
		"output_tail": checks.Tail(tail, 1000),
	}
}
