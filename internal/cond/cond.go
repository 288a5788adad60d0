// Package cond evaluates edge conditions and node exit conditions.
//
// The language is expr-lang's expression subset restricted by construction:
// conditions are compiled once per source text, cached, and evaluated against
// a flat routing env. There are no function calls into the host, no
// assignment, and no side effects; evaluation is a total function from
// (source, env) to (bool, error).
package cond

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/ast"
	"github.com/expr-lang/expr/parser"
	"github.com/expr-lang/expr/vm"

	"github.com/EffortlessMetrics/switchyard/internal/runtime"
)

// Env is the routing context visible to conditions: status, iteration,
// max_iterations, confidence, has_errors, receipt.*, envelope.*, run.*.
type Env map[string]any

var (
	ErrUnresolvedIdentifier = errors.New("unresolved identifier")
	ErrTypeMismatch         = errors.New("type mismatch")
)

// EvalError wraps an evaluation failure with the offending source text.
type EvalError struct {
	Source string
	Err    error
}

func (e *EvalError) Error() string {
	return fmt.Sprintf("evaluate %q: %v", e.Source, e.Err)
}

func (e *EvalError) Unwrap() error { return e.Err }

type compiled struct {
	prog   *vm.Program
	idents []string
}

var cache sync.Map // source -> *compiled

func compileCached(source string) (*compiled, error) {
	if v, ok := cache.Load(source); ok {
		return v.(*compiled), nil
	}
	tree, err := parser.Parse(source)
	if err != nil {
		return nil, fmt.Errorf("parse %q: %w", source, err)
	}
	collector := &identCollector{seen: map[string]struct{}{}}
	ast.Walk(&tree.Node, collector)

	// Constant regex operands of `matches` are compiled here, so a bad
	// pattern fails at graph load rather than mid-run.
	prog, err := expr.Compile(source)
	if err != nil {
		return nil, fmt.Errorf("compile %q: %w", source, err)
	}
	c := &compiled{prog: prog, idents: collector.names}
	actual, _ := cache.LoadOrStore(source, c)
	return actual.(*compiled), nil
}

type identCollector struct {
	names []string
	seen  map[string]struct{}
}

func (c *identCollector) Visit(node *ast.Node) {
	id, ok := (*node).(*ast.IdentifierNode)
	if !ok {
		return
	}
	if _, dup := c.seen[id.Value]; dup {
		return
	}
	c.seen[id.Value] = struct{}{}
	c.names = append(c.names, id.Value)
}

// Compile checks a condition at load time. A nil error guarantees Evaluate
// will not fail with a parse or regex error later.
func Compile(source string) error {
	source = strings.TrimSpace(source)
	if source == "" {
		return nil
	}
	_, err := compileCached(source)
	return err
}

// Evaluate runs a condition against the env. Empty source is vacuously true.
// Unknown top-level identifiers fail with ErrUnresolvedIdentifier; a non-bool
// result fails with ErrTypeMismatch. Identical inputs always produce
// identical outputs.
func Evaluate(source string, env Env) (bool, error) {
	source = strings.TrimSpace(source)
	if source == "" {
		return true, nil
	}
	c, err := compileCached(source)
	if err != nil {
		return false, &EvalError{Source: source, Err: err}
	}
	for _, name := range c.idents {
		if _, ok := env[name]; !ok {
			return false, &EvalError{Source: source, Err: fmt.Errorf("%w: %s", ErrUnresolvedIdentifier, name)}
		}
	}
	out, err := expr.Run(c.prog, map[string]any(env))
	if err != nil {
		return false, &EvalError{Source: source, Err: fmt.Errorf("%w: %v", ErrTypeMismatch, err)}
	}
	b, ok := out.(bool)
	if !ok {
		return false, &EvalError{Source: source, Err: fmt.Errorf("%w: condition returned %T, want bool", ErrTypeMismatch, out)}
	}
	return b, nil
}

// BuildEnv projects the routing-relevant view of a run onto a flat env.
// maxIterations is the resolved cap for the current node.
func BuildEnv(state *runtime.RunState, result *runtime.NodeResult, maxIterations int) Env {
	env := Env{
		"status":         "",
		"iteration":      0,
		"max_iterations": maxIterations,
		"confidence":     0.0,
		"has_errors":     false,
		"receipt":        map[string]any{},
		"envelope":       map[string]any{},
		"run":            map[string]any{"step_count": 0},
	}
	if state != nil {
		env["run"] = map[string]any{"step_count": state.StepCount}
		if state.CurrentNodeID != "" {
			env["iteration"] = state.IterationCounts[state.CurrentNodeID]
		}
	}
	if result != nil {
		env["status"] = string(result.Envelope.VerificationStatus)
		env["confidence"] = result.Envelope.Confidence
		env["has_errors"] = result.Status == runtime.NodeFailed || result.Receipt.ErrorKind != ""
		env["receipt"] = toMap(result.Receipt)
		env["envelope"] = toMap(result.Envelope)
	}
	return env
}

// toMap flattens a struct through its JSON form so dotted paths resolve the
// same way they appear on the wire.
func toMap(v any) map[string]any {
	b, err := json.Marshal(v)
	if err != nil {
		return map[string]any{}
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return map[string]any{}
	}
	return m
}
