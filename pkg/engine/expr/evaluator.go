// Package expr compiles and evaluates the expressions used in layout
// documents for dynamic filter options and conditions.
package expr

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

var (
	// ErrSyntax indicates the expression could not be compiled.
	ErrSyntax = errors.New("expression syntax error")
	// ErrTypeMismatch indicates a condition did not produce a boolean.
	ErrTypeMismatch = errors.New("type mismatch")
)

// Program is a compiled expression. Programs are safe for concurrent use.
type Program struct {
	source    string
	program   *vm.Program
	condition bool
}

// Compile compiles an expression producing any value. Unknown identifiers
// evaluate to nil so that optional session variables can be referenced.
func Compile(source string) (*Program, error) {
	return compile(source, false)
}

// CompileCondition compiles an expression that must produce a boolean.
func CompileCondition(source string) (*Program, error) {
	return compile(source, true)
}

func compile(source string, condition bool) (*Program, error) {
	source = strings.TrimSpace(source)
	if source == "" {
		return nil, fmt.Errorf("%w: empty expression", ErrSyntax)
	}
	opts := []expr.Option{expr.AllowUndefinedVariables()}
	if condition {
		opts = append(opts, expr.AsBool())
	}
	program, err := expr.Compile(source, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSyntax, err)
	}
	return &Program{source: source, program: program, condition: condition}, nil
}

// Source returns the expression text.
func (p *Program) Source() string { return p.source }

// Run evaluates the program against env.
func (p *Program) Run(env map[string]any) (any, error) {
	out, err := vm.Run(p.program, env)
	if err != nil {
		return nil, fmt.Errorf("evaluate %q: %w", p.source, err)
	}
	return out, nil
}

// Test evaluates a condition.
func (p *Program) Test(env map[string]any) (bool, error) {
	out, err := p.Run(env)
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("%w: %q produced %T", ErrTypeMismatch, p.source, out)
	}
	return b, nil
}

// Options control evaluator behaviour.
type Options struct {
	// MaxPrograms bounds the compiled program cache. Zero means 1024.
	MaxPrograms int
}

// Evaluator evaluates expression strings, caching compiled programs.
type Evaluator struct {
	mu    sync.Mutex
	limit int
	cache map[cacheKey]*Program
}

type cacheKey struct {
	source    string
	condition bool
}

// NewEvaluator constructs an Evaluator.
func NewEvaluator(opts Options) *Evaluator {
	limit := opts.MaxPrograms
	if limit <= 0 {
		limit = 1024
	}
	return &Evaluator{limit: limit, cache: make(map[cacheKey]*Program)}
}

// Evaluate determines whether expression is true in env.
func (e *Evaluator) Evaluate(ctx context.Context, expression string, env map[string]any) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	p, err := e.program(expression, true)
	if err != nil {
		return false, err
	}
	return p.Test(env)
}

// Value evaluates expression in env.
func (e *Evaluator) Value(ctx context.Context, expression string, env map[string]any) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := e.program(expression, false)
	if err != nil {
		return nil, err
	}
	return p.Run(env)
}

func (e *Evaluator) program(source string, condition bool) (*Program, error) {
	key := cacheKey{source: source, condition: condition}
	e.mu.Lock()
	p, ok := e.cache[key]
	e.mu.Unlock()
	if ok {
		return p, nil
	}

	p, err := compile(source, condition)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.cache) >= e.limit {
		clear(e.cache)
	}
	e.cache[key] = p
	return p, nil
}
