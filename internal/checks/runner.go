package checks

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"
)

// DefaultTimeout bounds a verification run when the caller passes none.
const DefaultTimeout = 120 * time.Second

// CommandRunner abstracts command execution for testability.
type CommandRunner interface {
	Run(ctx context.Context, dir string, command string) (stdout string, stderr string, exitCode int, err error)
}

// ExecRunner implements CommandRunner by shelling out. The command runs in
// its own process group so a timeout kills the whole tree, not just sh.
type ExecRunner struct {
	// WaitDelay bounds how long Run waits for output pipes after the
	// process is killed. Zero means 2s.
	WaitDelay time.Duration
}

func (e *ExecRunner) Run(ctx context.Context, dir string, command string) (string, string, int, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = dir
	setProcessGroup(cmd)
	cmd.WaitDelay = e.WaitDelay
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = 2 * time.Second
	}

	var stdoutBuf, stderrBuf strings.Builder
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	err := cmd.Run()
	if ctx.Err() != nil {
		return stdoutBuf.String(), stderrBuf.String(), -1, ctx.Err()
	}
	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			return stdoutBuf.String(), stderrBuf.String(), -1, fmt.Errorf("exec: %w", err)
		}
	}
	return stdoutBuf.String(), stderrBuf.String(), exitCode, nil
}

// Verifier runs the canonical test command out-of-band and classifies the
// result. It is the only component whose verdict gates stage transitions.
type Verifier struct {
	cmd     CommandRunner
	timeout time.Duration
	log     *zap.Logger
}

// NewVerifier creates a Verifier. A non-positive timeout means DefaultTimeout.
func NewVerifier(cmd CommandRunner, timeout time.Duration, log *zap.Logger) *Verifier {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Verifier{cmd: cmd, timeout: timeout, log: log}
}

// Timeout returns the default timeout used when Verify is given none.
func (v *Verifier) Timeout() time.Duration {
	return v.timeout
}

// Verify executes the tracker's canonical command in dir and records the
// result in the tracker. Timeouts and launch failures come back as ERROR
// results with exit code -1; they are never returned as Go errors.
func (v *Verifier) Verify(ctx context.Context, tracker *Tracker, dir string, timeout time.Duration) Result {
	if timeout <= 0 {
		timeout = v.timeout
	}
	command := tracker.Command()

	var result Result
	if !tracker.HasCommand() {
		result = errorResult(command, "", fmt.Sprintf("no test command detected for %s", dir))
	} else {
		result = v.run(ctx, command, dir, timeout)
	}

	tracker.Record(result)
	v.log.Info("verification finished",
		zap.String("command", command),
		zap.String("outcome", string(result.Outcome)),
		zap.Int("exit_code", result.ExitCode),
		zap.Int("total_tests", result.TotalTests),
		zap.Int("failures", result.Failures),
		zap.Int("errors", result.Errors),
		zap.Int("duration_ms", result.DurationMs),
	)
	return result
}

func (v *Verifier) run(parent context.Context, command, dir string, timeout time.Duration) Result {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	start := time.Now()
	stdout, stderr, exitCode, err := v.cmd.Run(ctx, dir, command)
	durationMs := int(time.Since(start).Milliseconds())

	if err != nil {
		var r Result
		switch {
		case errors.Is(ctx.Err(), context.DeadlineExceeded) && parent.Err() == nil:
			r = errorResult(command, stdout, fmt.Sprintf("Test verification timed out after %s", timeout))
		case parent.Err() != nil:
			r = errorResult(command, stdout, "Test verification cancelled")
		default:
			r = errorResult(command, stdout, err.Error())
		}
		r.DurationMs = durationMs
		return r
	}

	r := Classify(command, stdout, stderr, exitCode)
	r.DurationMs = durationMs
	return r
}
