// Package agenttest provides a scripted Agent for tests.
package agenttest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/lucasnoah/redgreen/internal/agent"
	"github.com/lucasnoah/redgreen/internal/guard"
)

// Call is what a Handler sees for one invocation.
type Call struct {
	N       int
	Request agent.Request
	// Emit streams a message to the caller.
	Emit func(agent.Message)
}

// Act runs a through the bound hooks the way a real agent would: denied
// actions are reported as tool errors and never reach run. It returns the
// context added by post-action hooks.
func (c Call) Act(ctx context.Context, a guard.Action, run func() any) (string, bool) {
	c.Emit(agent.Message{Kind: agent.KindToolUse, Tool: a.Tool, Input: a.Input})
	if c.Request.Hooks == nil {
		if run != nil {
			run()
		}
		return "", true
	}
	if d := c.Request.Hooks.BeforeAction(ctx, a); d.Denied {
		c.Emit(agent.Message{Kind: agent.KindToolError, Text: d.Reason})
		return d.Reason, false
	}
	var raw any
	if run != nil {
		raw = run()
	}
	return c.Request.Hooks.AfterAction(ctx, a, guard.ParseResponse(raw)), true
}

// Handler produces the agent's reply text for one call.
type Handler func(ctx context.Context, call Call) (string, error)

// Fake is an Agent driven by a Handler. Session IDs are minted per new
// session and echoed on resume.
type Fake struct {
	Handler Handler

	mu       sync.Mutex
	requests []agent.Request
	sessions int
}

// Reply returns a Fake that always answers text.
func Reply(text string) *Fake {
	return &Fake{Handler: func(context.Context, Call) (string, error) { return text, nil }}
}

func (f *Fake) Run(ctx context.Context, req agent.Request, on func(agent.Message)) (agent.Result, error) {
	f.mu.Lock()
	n := len(f.requests)
	f.requests = append(f.requests, req)
	session := req.SessionID
	if session == "" {
		f.sessions++
		session = fmt.Sprintf("fake-session-%d", f.sessions)
	}
	f.mu.Unlock()

	if on == nil {
		on = func(agent.Message) {}
	}
	start := time.Now()
	var text string
	var err error
	if f.Handler != nil {
		text, err = f.Handler(ctx, Call{N: n, Request: req, Emit: on})
	}
	if err != nil {
		return agent.Result{SessionID: session}, err
	}
	if text != "" {
		on(agent.Message{Kind: agent.KindText, Text: text})
	}
	res := agent.Result{
		SessionID: session,
		Text:      text,
		Turns:     1,
		Duration:  time.Since(start),
	}
	on(agent.Message{Kind: agent.KindResult, Result: &res})
	return res, nil
}

// Requests returns every request received so far.
func (f *Fake) Requests() []agent.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]agent.Request, len(f.requests))
	copy(out, f.requests)
	return out
}

// Calls returns the number of invocations.
func (f *Fake) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}
