package claudecli

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/lucasnoah/redgreen/internal/agent"
	"github.com/lucasnoah/redgreen/internal/guard"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const transcript = `{"type":"system","subtype":"init","session_id":"sess-123","tools":["Read","Bash"]}
{"type":"assistant","message":{"content":[{"type":"thinking","thinking":"look at tests"},{"type":"text","text":"Reading the tests."},{"type":"tool_use","id":"t1","name":"Bash","input":{"command":"pytest -q"}}]}}
{"type":"user","message":{"content":[{"type":"tool_result","tool_use_id":"t1","is_error":true,"content":[{"type":"text","text":"command not found"}]}]}}
not json at all
{"type":"assistant","message":{"content":[{"type":"text","text":"VERDICT: APPROVED"}]}}
{"type":"result","subtype":"success","is_error":false,"num_turns":4,"total_cost_usd":0.0123,"duration_ms":2500,"session_id":"sess-123","result":"VERDICT: APPROVED"}
`

// fakeCLI writes a shell script that records its arguments and working
// directory, then prints body.
func fakeCLI(t *testing.T, body string) (bin, argsFile string) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script fake requires a POSIX shell")
	}
	dir := t.TempDir()
	argsFile = filepath.Join(dir, "args")
	out := filepath.Join(dir, "out.jsonl")
	if err := os.WriteFile(out, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	script := "#!/bin/sh\n" +
		"pwd > " + argsFile + "\n" +
		"for a in \"$@\"; do echo \"$a\" >> " + argsFile + "; done\n" +
		"cat " + out + "\n"
	bin = filepath.Join(dir, "claude")
	if err := os.WriteFile(bin, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	return bin, argsFile
}

func TestRunParsesStream(t *testing.T) {
	bin, argsFile := fakeCLI(t, transcript)
	work := t.TempDir()
	r := &Runner{Bin: bin, Timeout: 10 * time.Second}

	var msgs []agent.Message
	res, err := r.Run(context.Background(), agent.Request{
		Prompt:    "review this",
		Dir:       work,
		Tools:     agent.AuditTools,
		Model:     "sonnet",
		MaxTurns:  15,
		SessionID: "prev-session",
	}, func(m agent.Message) { msgs = append(msgs, m) })
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if res.SessionID != "sess-123" || res.Turns != 4 || !res.HasCost || res.CostUSD != 0.0123 {
		t.Errorf("result = %+v", res)
	}
	if res.Duration != 2500*time.Millisecond {
		t.Errorf("Duration = %s", res.Duration)
	}
	if res.Text != "VERDICT: APPROVED" {
		t.Errorf("Text = %q", res.Text)
	}

	var kinds []string
	for _, m := range msgs {
		kinds = append(kinds, string(m.Kind))
	}
	want := "init,thinking,text,tool_use,tool_error,text,result"
	if got := strings.Join(kinds, ","); got != want {
		t.Errorf("kinds = %s, want %s", got, want)
	}
	if msgs[3].Tool != "Bash" || msgs[3].Input["command"] != "pytest -q" {
		t.Errorf("tool message = %+v", msgs[3])
	}
	if msgs[4].Text != "command not found" {
		t.Errorf("tool error = %q", msgs[4].Text)
	}

	data, err := os.ReadFile(argsFile)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	realWork, _ := filepath.EvalSymlinks(work)
	if lines[0] != work && lines[0] != realWork {
		t.Errorf("cwd = %q, want %q", lines[0], work)
	}
	gotArgs := strings.Join(lines[1:], " ")
	wantArgs := "-p --verbose --output-format stream-json --permission-mode bypassPermissions " +
		"--allowedTools Read,Glob,Grep,Bash --max-turns 15 --model sonnet --resume prev-session review this"
	if gotArgs != wantArgs {
		t.Errorf("args = %q\nwant   %q", gotArgs, wantArgs)
	}
}

func TestRunWithoutResult(t *testing.T) {
	bin, _ := fakeCLI(t, `{"type":"system","subtype":"init","session_id":"s1"}`+"\n")
	r := &Runner{Bin: bin}
	res, err := r.Run(context.Background(), agent.Request{Prompt: "x", Dir: t.TempDir()}, nil)
	if err == nil {
		t.Fatal("expected error when no result line is produced")
	}
	if res.SessionID != "s1" {
		t.Errorf("SessionID = %q, want s1 from init", res.SessionID)
	}
}

func TestRunCancelled(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires sh")
	}
	dir := t.TempDir()
	bin := filepath.Join(dir, "claude")
	if err := os.WriteFile(bin, []byte("#!/bin/sh\nexec sleep 30\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(200 * time.Millisecond)
		cancel()
	}()
	start := time.Now()
	_, err := (&Runner{Bin: bin}).Run(ctx, agent.Request{Prompt: "x", Dir: dir}, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if time.Since(start) > 10*time.Second {
		t.Error("cancel did not stop the agent promptly")
	}
}

type recordingBinder struct {
	dir      string
	hooks    guard.Hooks
	released bool
}

func (b *recordingBinder) Bind(workdir string, hooks guard.Hooks) (func(), error) {
	b.dir, b.hooks = workdir, hooks
	return func() { b.released = true }, nil
}

func TestRunBindsHooks(t *testing.T) {
	bin, _ := fakeCLI(t, transcript)
	work := t.TempDir()
	binder := &recordingBinder{}
	hooks := guard.NewSet()

	r := &Runner{Bin: bin, Bridge: binder}
	if _, err := r.Run(context.Background(), agent.Request{Prompt: "x", Dir: work, Hooks: hooks}, nil); err != nil {
		t.Fatal(err)
	}
	if binder.dir != work || binder.hooks != guard.Hooks(hooks) {
		t.Errorf("bound %q %v", binder.dir, binder.hooks)
	}
	if !binder.released {
		t.Error("hooks not released after run")
	}
}

func TestArgsMinimal(t *testing.T) {
	got := strings.Join((&Runner{}).Args(agent.Request{Prompt: "hello"}), " ")
	want := "-p --verbose --output-format stream-json --permission-mode bypassPermissions hello"
	if got != want {
		t.Errorf("Args = %q, want %q", got, want)
	}
}

func TestParseLineResultWithoutCost(t *testing.T) {
	msgs, err := parseLine([]byte(`{"type":"result","num_turns":2,"session_id":"s","result":"done"}`))
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].Result == nil {
		t.Fatalf("msgs = %+v", msgs)
	}
	if msgs[0].Result.HasCost {
		t.Error("HasCost set without total_cost_usd")
	}
}

func TestParseLineToolResultString(t *testing.T) {
	msgs, err := parseLine([]byte(`{"type":"user","message":{"content":[{"type":"tool_result","is_error":true,"content":"[PIPELINE GUARDRAIL] Blocked"}]}}`))
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].Kind != agent.KindToolError || msgs[0].Text != "[PIPELINE GUARDRAIL] Blocked" {
		t.Errorf("msgs = %+v", msgs)
	}
}
