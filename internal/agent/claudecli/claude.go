// Package claudecli runs the Claude Code CLI as the pipeline's agent.
package claudecli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lucasnoah/redgreen/internal/agent"
	"github.com/lucasnoah/redgreen/internal/guard"
)

const maxLineSize = 16 << 20

// Binder installs hooks for a working directory. hookbridge.Server
// implements it.
type Binder interface {
	Bind(workdir string, hooks guard.Hooks) (release func(), err error)
}

// Runner invokes `claude -p` with streaming JSON output.
type Runner struct {
	Bin     string
	Timeout time.Duration
	Bridge  Binder
	Log     *zap.Logger
}

// Args builds the CLI arguments for req.
func (r *Runner) Args(req agent.Request) []string {
	args := []string{"-p", "--verbose", "--output-format", "stream-json", "--permission-mode", "bypassPermissions"}
	if len(req.Tools) > 0 {
		args = append(args, "--allowedTools", strings.Join(req.Tools, ","))
	}
	if req.MaxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(req.MaxTurns))
	}
	if req.Model != "" {
		args = append(args, "--model", req.Model)
	}
	if req.SessionID != "" {
		args = append(args, "--resume", req.SessionID)
	}
	return append(args, req.Prompt)
}

func (r *Runner) logger() *zap.Logger {
	if r.Log == nil {
		return zap.NewNop()
	}
	return r.Log
}

func (r *Runner) Run(ctx context.Context, req agent.Request, on func(agent.Message)) (agent.Result, error) {
	if on == nil {
		on = func(agent.Message) {}
	}
	log := r.logger()

	if req.Hooks != nil && r.Bridge != nil {
		release, err := r.Bridge.Bind(req.Dir, req.Hooks)
		if err != nil {
			return agent.Result{}, fmt.Errorf("install hooks: %w", err)
		}
		defer release()
	}

	bin := r.Bin
	if bin == "" {
		bin = "claude"
	}
	cctx := ctx
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		cctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(cctx, bin, r.Args(req)...)
	cmd.Dir = req.Dir
	cmd.WaitDelay = 5 * time.Second

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return agent.Result{}, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return agent.Result{}, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return agent.Result{}, fmt.Errorf("start %s: %w", bin, err)
	}

	stderrDone := make(chan string, 1)
	go func() {
		var tail []string
		sc := bufio.NewScanner(stderr)
		for sc.Scan() {
			log.Debug("agent stderr", zap.String("line", sc.Text()))
			tail = append(tail, sc.Text())
			if len(tail) > 20 {
				tail = tail[1:]
			}
		}
		stderrDone <- strings.Join(tail, "\n")
	}()

	var result *agent.Result
	sessionID := req.SessionID
	sc := bufio.NewScanner(stdout)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		msgs, err := parseLine(line)
		if err != nil {
			log.Debug("skipping non-json agent output", zap.ByteString("line", line))
			continue
		}
		for _, m := range msgs {
			switch m.Kind {
			case agent.KindInit:
				if m.Text != "" {
					sessionID = m.Text
				}
			case agent.KindResult:
				result = m.Result
			}
			on(m)
		}
	}
	scanErr := sc.Err()
	waitErr := cmd.Wait()
	stderrTail := <-stderrDone

	if ctx.Err() != nil {
		return agent.Result{SessionID: sessionID}, ctx.Err()
	}
	if errors.Is(cctx.Err(), context.DeadlineExceeded) {
		return agent.Result{SessionID: sessionID}, fmt.Errorf("agent timed out after %s", r.Timeout)
	}
	if result == nil {
		switch {
		case waitErr != nil:
			return agent.Result{SessionID: sessionID}, fmt.Errorf("agent exited: %w (stderr: %s)", waitErr, stderrTail)
		case scanErr != nil:
			return agent.Result{SessionID: sessionID}, fmt.Errorf("read agent output: %w", scanErr)
		default:
			return agent.Result{SessionID: sessionID}, errors.New("agent produced no result")
		}
	}
	if result.SessionID == "" {
		result.SessionID = sessionID
	}
	return *result, nil
}
