// Package console renders pipeline events for a terminal.
package console

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/lucasnoah/redgreen/internal/events"
)

// Printer writes one event at a time in the stage engine's progress style.
type Printer struct {
	out     io.Writer
	verbose bool

	banner lipgloss.Style
	dim    lipgloss.Style
	pass   lipgloss.Style
	fail   lipgloss.Style
	warn   lipgloss.Style
}

// New creates a Printer on out. Styles degrade to plain text when out is
// not a terminal. verbose adds thinking and agent text.
func New(out io.Writer, verbose bool) *Printer {
	r := lipgloss.NewRenderer(out)
	return &Printer{
		out:     out,
		verbose: verbose,
		banner:  r.NewStyle().Foreground(lipgloss.Color("51")).Bold(true),
		dim:     r.NewStyle().Foreground(lipgloss.Color("245")),
		pass:    r.NewStyle().Foreground(lipgloss.Color("46")).Bold(true),
		fail:    r.NewStyle().Foreground(lipgloss.Color("196")).Bold(true),
		warn:    r.NewStyle().Foreground(lipgloss.Color("226")),
	}
}

// Follow prints events from ch until it closes or ctx ends.
func (p *Printer) Follow(ctx context.Context, ch <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			p.Print(ev)
		}
	}
}

func (p *Printer) line(format string, args ...any) {
	fmt.Fprintf(p.out, "  → "+format+"\n", args...)
}

// Print renders a single event.
func (p *Printer) Print(ev events.Event) {
	d := ev.Data
	switch ev.Type {
	case events.Init:
		fmt.Fprintf(p.out, "%s %s\n", p.banner.Render("redgreen"), p.dim.Render(str(d, "target")))
	case events.Banner:
		label := str(d, "stage")
		fmt.Fprintf(p.out, "\n%s\n", p.banner.Render("== "+label+" =="))
		if desc := str(d, "description"); desc != "" {
			fmt.Fprintln(p.out, p.dim.Render(desc))
		}
	case events.Log:
		msg := str(d, "message")
		if d["level"] == "warn" {
			msg = p.warn.Render(msg)
		}
		p.line("%s", msg)
	case events.Tool:
		p.line("%s %s", str(d, "tool"), p.dim.Render(toolSummary(d["input"])))
	case events.ToolError:
		p.line("%s", p.fail.Render("denied: "+str(d, "error")))
	case events.Thinking:
		if p.verbose {
			p.line("%s", p.dim.Render(oneLine(str(d, "text"), 160)))
		}
	case events.StageText:
		if p.verbose {
			fmt.Fprintln(p.out, str(d, "text"))
		}
	case events.TestVerify:
		outcome := strings.ToUpper(str(d, "outcome"))
		style := p.fail
		if outcome == "PASS" {
			style = p.pass
		}
		p.line("%s %s: %v tests, %v failures, %v errors (exit %v)",
			style.Render(outcome), str(d, "stage"), d["total_tests"], d["failures"], d["errors"], d["exit_code"])
	case events.Result:
		p.line("%s", p.dim.Render(fmt.Sprintf("%v turns, cost %v, %vms", d["turns"], d["cost"], d["duration"])))
	case events.Stopped:
		fmt.Fprintf(p.out, "\n%s during %s\n", p.warn.Render("Stopped"), str(d, "stage"))
	case events.Summary:
		fmt.Fprintf(p.out, "\n%s\n%s\n", p.banner.Render("== SUMMARY =="), str(d, "summary"))
	case events.Report:
		fmt.Fprintf(p.out, "\n%s\n%s\n", p.banner.Render("== REPORT =="), str(d, "text"))
	case events.Error:
		fmt.Fprintf(p.out, "%s %s\n", p.fail.Render("Error:"), str(d, "message"))
	case events.Done:
		fmt.Fprintln(p.out, p.dim.Render("done"))
	}
}

func str(d map[string]any, key string) string {
	s, _ := d[key].(string)
	return s
}

// toolSummary picks the most telling input field of a tool call.
func toolSummary(input any) string {
	m, ok := input.(map[string]any)
	if !ok {
		return ""
	}
	for _, key := range []string{"file_path", "command", "pattern", "path"} {
		if v, ok := m[key].(string); ok && v != "" {
			return oneLine(v, 120)
		}
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return strings.Join(keys, ",")
}

func oneLine(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}
