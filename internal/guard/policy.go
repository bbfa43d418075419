package guard

import (
	"context"
	"fmt"

	"github.com/open-policy-agent/opa/rego"
	"go.uber.org/zap"
)

// PolicyPackage is the package a guard policy must define. Its decision
// rule evaluates to "allow", "deny", or an object {"decision": ..., "reason": ...}.
// A separate reason rule in the package supplies the denial text otherwise.
const PolicyPackage = "data.redgreen.guard"

// PolicyGuard evaluates actions against a user-supplied Rego module.
// Evaluation errors allow the action and are logged.
type PolicyGuard struct {
	query rego.PreparedEvalQuery
	state StateView
	root  string
	log   *zap.Logger
}

// NewPolicyGuard compiles the policy module.
func NewPolicyGuard(ctx context.Context, module string, state StateView, root string, log *zap.Logger) (*PolicyGuard, error) {
	r := rego.New(
		rego.Query(PolicyPackage),
		rego.Module("guard.rego", module),
	)
	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("prepare guard policy: %w", err)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &PolicyGuard{query: query, state: state, root: root, log: log}, nil
}

func (g *PolicyGuard) Name() string { return "policy" }

func (g *PolicyGuard) Check(ctx context.Context, a Action) Decision {
	input := map[string]any{
		"stage":      string(g.state.CurrentStage()),
		"tool_name":  a.Tool,
		"tool_input": a.Input,
		"root":       g.root,
	}
	results, err := g.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		g.log.Warn("guard policy evaluation failed", zap.Error(err))
		return Allow()
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return Allow()
	}

	pkg, _ := results[0].Expressions[0].Value.(map[string]any)
	decision, reason := "", ""
	switch v := pkg["decision"].(type) {
	case string:
		decision = v
	case map[string]any:
		decision, _ = v["decision"].(string)
		reason, _ = v["reason"].(string)
	}
	if reason == "" {
		reason, _ = pkg["reason"].(string)
	}
	if decision != "deny" && decision != "block" {
		return Allow()
	}
	if reason == "" {
		reason = fmt.Sprintf("%s is not permitted during %s", a.Tool, g.state.CurrentStage())
	}
	return Deny(g.Name(), "[PIPELINE GUARDRAIL] "+reason)
}
