// Package readiness decides whether a readiness probe describes a fully
// loaded surface. The rule is a CEL expression over the probe.
package readiness

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/LexatoBR/lexato-extension-sub002/pkg/surface"
)

// DefaultExpression requires a complete document with fonts and media settled
// and no outstanding resource loads.
const DefaultExpression = `probe.documentReady && probe.readyState == "complete" && probe.fontsReady && probe.mediaSettled && probe.pendingResources == 0`

var ErrNotBool = errors.New("readiness: expression did not evaluate to bool")

// Predicate is a compiled readiness rule. Safe for concurrent use.
type Predicate struct {
	expr string
	prg  cel.Program
}

// Compile builds a predicate. An empty expression selects DefaultExpression.
func Compile(expr string) (*Predicate, error) {
	if expr == "" {
		expr = DefaultExpression
	}
	env, err := cel.NewEnv(
		cel.Variable("probe", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("readiness: failed to create CEL environment: %w", err)
	}
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("readiness: compile: %w", issues.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) && !ast.OutputType().IsExactType(cel.DynType) {
		return nil, fmt.Errorf("%w: %s", ErrNotBool, ast.OutputType())
	}
	prg, err := env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000),
	)
	if err != nil {
		return nil, fmt.Errorf("readiness: program: %w", err)
	}
	return &Predicate{expr: expr, prg: prg}, nil
}

// Expression returns the source rule.
func (p *Predicate) Expression() string { return p.expr }

// Ready evaluates the rule against a probe.
func (p *Predicate) Ready(ctx context.Context, info surface.ReadinessInfo) (bool, error) {
	out, _, err := p.prg.ContextEval(ctx, map[string]any{"probe": Input(info)})
	if err != nil {
		return false, fmt.Errorf("readiness: eval: %w", err)
	}
	val, ok := out.Value().(bool)
	if !ok {
		return false, ErrNotBool
	}
	return val, nil
}

// Input is the CEL view of a probe.
func Input(info surface.ReadinessInfo) map[string]any {
	return map[string]any{
		"documentReady":    info.DocumentReady,
		"readyState":       info.ReadyState,
		"fontsReady":       info.FontsReady,
		"mediaSettled":     info.MediaSettled,
		"pendingResources": int64(info.PendingResources),
	}
}
