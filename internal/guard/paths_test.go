package guard

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestPathGuardWrites(t *testing.T) {
	root := t.TempDir()
	g := NewPathGuard(root)
	ctx := context.Background()

	tests := []struct {
		name   string
		path   string
		denied bool
	}{
		{"inside", filepath.Join(root, "src", "app.go"), false},
		{"root itself", root, false},
		{"relative", "src/app.go", false},
		{"outside absolute", "/etc/passwd", true},
		{"sibling with shared prefix", root + "-evil/x.go", true},
		{"dot dot escape", filepath.Join(root, "..", "other", "x.go"), true},
		{"relative escape", "../../x.go", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := g.Check(ctx, write(tt.path))
			if d.Denied != tt.denied {
				t.Errorf("Check(%q).Denied = %v, want %v (%s)", tt.path, d.Denied, tt.denied, d.Reason)
			}
		})
	}
}

func TestPathGuardSymlinkedRoot(t *testing.T) {
	real := t.TempDir()
	link := filepath.Join(t.TempDir(), "link")
	if err := os.Symlink(real, link); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}
	g := NewPathGuard(link)
	if d := g.Check(context.Background(), write(filepath.Join(real, "a.go"))); d.Denied {
		t.Errorf("write through resolved root denied: %s", d.Reason)
	}
	if d := g.Check(context.Background(), write(filepath.Join(link, "new", "b.go"))); d.Denied {
		t.Errorf("write through link denied: %s", d.Reason)
	}
}

func TestPathGuardSymlinkEscape(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()
	if err := os.Symlink(outside, filepath.Join(root, "escape")); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}
	g := NewPathGuard(root)
	if d := g.Check(context.Background(), write(filepath.Join(root, "escape", "x.go"))); !d.Denied {
		t.Error("write through symlink leaving root allowed")
	}
}

func TestPathGuardCD(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "sub", "deep"), 0o755); err != nil {
		t.Fatal(err)
	}
	g := NewPathGuard(root)
	ctx := context.Background()

	tests := []struct {
		cmd    string
		denied bool
	}{
		{"cd " + root + " && pytest", false},
		{"cd sub && ls", false},
		{"cd sub/deep && cd .. && cd ..", false},
		{"cd /tmp && ls", true},
		{"ls && cd /etc", true},
		{"cd ..", true},
		{"cd sub && cd ../..", true},
		{`cd "` + root + `/sub"`, false},
		{"(cd /var/log; cat syslog)", true},
		{"cd", true},
		{"cd ~", true},
		{"abcd /tmp", false},
		{"cdrom /tmp", false},
		{`git commit -m "then cd /tmp"`, false},
		{`echo 'a; cd /etc'`, false},
		{"if true; then cd /tmp; fi", true},
		{"for d in x; do cd /etc; done", true},
		{"pytest\ncd /tmp", true},
		{"echo done", false},
	}
	for _, tt := range tests {
		d := g.Check(ctx, bash(tt.cmd))
		if d.Denied != tt.denied {
			t.Errorf("Check(%q).Denied = %v, want %v (%s)", tt.cmd, d.Denied, tt.denied, d.Reason)
		}
	}
}

func TestPathGuardRelativeRoot(t *testing.T) {
	base := t.TempDir()
	if err := os.MkdirAll(filepath.Join(base, "proj", "src"), 0o755); err != nil {
		t.Fatal(err)
	}
	wd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(base); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Chdir(wd) })

	g := NewPathGuard("proj")
	ctx := context.Background()
	if d := g.Check(ctx, write(filepath.Join(base, "proj", "src", "app.go"))); d.Denied {
		t.Errorf("absolute write inside relative root denied: %s", d.Reason)
	}
	if d := g.Check(ctx, write("src/app.go")); d.Denied {
		t.Errorf("relative write denied: %s", d.Reason)
	}
	if !g.Check(ctx, write(filepath.Join(base, "other", "x.go"))).Denied {
		t.Error("write outside relative root allowed")
	}
	if !filepath.IsAbs(g.root) {
		t.Errorf("expected absolute root, got %q", g.root)
	}
}

func TestPathGuardIgnoresReads(t *testing.T) {
	g := NewPathGuard(t.TempDir())
	a := Action{Tool: "Read", Input: map[string]any{"file_path": "/etc/hosts"}}
	if g.Check(context.Background(), a).Denied {
		t.Error("read outside root denied")
	}
}

func TestResolveNormalizesUnicode(t *testing.T) {
	root := t.TempDir()
	g := NewPathGuard(root)
	// "é" composed vs decomposed.
	composed := filepath.Join(root, "caf\u00e9", "a.go")
	decomposed := filepath.Join(root, "cafe\u0301", "a.go")
	if resolve(composed) != resolve(decomposed) {
		t.Errorf("resolve(%q) != resolve(%q)", composed, decomposed)
	}
	if g.Check(context.Background(), write(decomposed)).Denied {
		t.Error("decomposed path inside root denied")
	}
}
