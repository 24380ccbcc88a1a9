// Package expr compiles the CEL activity predicates the polling selector
// consults. A predicate inspects the cached rows of one query family and
// answers whether they show recent enough activity to justify fast polling.
package expr

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
)

// Environment builds and compiles CEL programs against a query's cached rows.
type Environment struct {
	env *cel.Env
}

// NewEnvironment declares the CEL variables exposed to activity predicates:
// rows (the cached result set) and now (evaluation timestamp).
func NewEnvironment() (*Environment, error) {
	env, err := cel.NewEnv(
		cel.Variable("rows", cel.ListType(cel.DynType)),
		cel.Variable("now", cel.TimestampType),
		cel.HomogeneousAggregateLiterals(),
	)
	if err != nil {
		return nil, fmt.Errorf("expr: build environment: %w", err)
	}
	return &Environment{env: env}, nil
}

// Predicate wraps a compiled CEL program yielding a boolean activity verdict.
type Predicate struct {
	source  string
	program cel.Program
}

// DefaultActivityExpression is applied when a query definition does not set
// its own predicate. A query shows activity while any of its rows is still
// moving through the generation pipeline.
const DefaultActivityExpression = `rows.exists(r, r.status in ['Queued', 'In Progress'])`

// Compile prepares the predicate for execution, ensuring the expression
// yields a boolean.
func (e *Environment) Compile(expression string) (Predicate, error) {
	source := strings.TrimSpace(expression)
	if source == "" {
		source = DefaultActivityExpression
	}
	ast, issues := e.env.Compile(source)
	if issues != nil && issues.Err() != nil {
		return Predicate{}, fmt.Errorf("expr: compile %q: %w", source, issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return Predicate{}, fmt.Errorf("expr: predicate %q must yield a boolean, got %s", source, ast.OutputType())
	}
	program, err := e.env.Program(ast)
	if err != nil {
		return Predicate{}, fmt.Errorf("expr: program %q: %w", source, err)
	}
	return Predicate{source: source, program: program}, nil
}

// Eval runs the predicate against the given rows. Evaluation failures count
// as "no recent activity": predicates must never escalate polling on the back
// of a broken expression, and they must never panic past this boundary.
func (p Predicate) Eval(rows []any, now time.Time) bool {
	if p.program == nil {
		return false
	}
	if rows == nil {
		rows = []any{}
	}
	val, _, err := p.program.Eval(map[string]any{
		"rows": rows,
		"now":  now,
	})
	if err != nil {
		return false
	}
	result, ok := val.Value().(bool)
	if !ok {
		return val == types.True
	}
	return result
}

// Source reports the expression text for diagnostics.
func (p Predicate) Source() string {
	return p.source
}
