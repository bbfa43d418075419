package guard

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/lucasnoah/redgreen/internal/pipeline"
)

// Hooks is the capability bound to an agent session. BeforeAction may deny;
// AfterAction and Compact may only add context for the agent's next turn.
type Hooks interface {
	BeforeAction(ctx context.Context, a Action) Decision
	AfterAction(ctx context.Context, a Action, r Response) string
	Compact(ctx context.Context) string
}

// StateView is the read-only view of the run the guards depend on.
type StateView interface {
	CurrentStage() pipeline.Stage
	CompletedStages() []pipeline.Stage
}

// PreGuard inspects an action before it runs.
type PreGuard interface {
	Name() string
	Check(ctx context.Context, a Action) Decision
}

// Observer inspects an action after it ran and may return extra context.
type Observer interface {
	Observe(ctx context.Context, a Action, r Response) string
}

// DenyFunc is notified of every denial.
type DenyFunc func(a Action, d Decision)

// Set runs an ordered list of guards and observers. The first denial wins.
type Set struct {
	pre     []PreGuard
	post    []Observer
	compact func() string
	onDeny  DenyFunc
	log     *zap.Logger
}

// SetOption configures a Set.
type SetOption func(*Set)

// WithPreGuards appends pre-action guards.
func WithPreGuards(g ...PreGuard) SetOption {
	return func(s *Set) { s.pre = append(s.pre, g...) }
}

// WithObservers appends post-action observers.
func WithObservers(o ...Observer) SetOption {
	return func(s *Set) { s.post = append(s.post, o...) }
}

// WithCompactContext sets the block returned on context compaction.
func WithCompactContext(fn func() string) SetOption {
	return func(s *Set) { s.compact = fn }
}

// WithDenyHandler registers a callback for denials.
func WithDenyHandler(fn DenyFunc) SetOption {
	return func(s *Set) { s.onDeny = fn }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) SetOption {
	return func(s *Set) { s.log = l }
}

// NewSet builds a Set.
func NewSet(opts ...SetOption) *Set {
	s := &Set{log: zap.NewNop()}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Set) BeforeAction(ctx context.Context, a Action) Decision {
	for _, g := range s.pre {
		d := g.Check(ctx, a)
		if !d.Denied {
			continue
		}
		if d.Guard == "" {
			d.Guard = g.Name()
		}
		s.log.Warn("action denied",
			zap.String("guard", d.Guard),
			zap.String("tool", a.Tool),
			zap.String("reason", d.Reason),
		)
		if s.onDeny != nil {
			s.onDeny(a, d)
		}
		return d
	}
	return Allow()
}

func (s *Set) AfterAction(ctx context.Context, a Action, r Response) string {
	var notes []string
	for _, o := range s.post {
		if note := o.Observe(ctx, a, r); note != "" {
			notes = append(notes, note)
		}
	}
	return strings.Join(notes, "\n\n")
}

func (s *Set) Compact(ctx context.Context) string {
	if s.compact == nil {
		return ""
	}
	return s.compact()
}

// truncate shortens s to n bytes for display in denial reasons.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
