package rules

import (
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Evaluator decides whether a boolean expression holds for an environment.
type Evaluator interface {
	Evaluate(expression string, env map[string]interface{}) (bool, error)
}

// ExprEvaluator evaluates expr-lang expressions and caches compiled programs.
type ExprEvaluator struct {
	cache map[string]*vm.Program
	mu    sync.RWMutex
	funcs map[string]func(env map[string]interface{}) interface{}
}

// NewExprEvaluator creates a new ExprEvaluator with an empty program cache.
func NewExprEvaluator() *ExprEvaluator {
	return &ExprEvaluator{
		cache: make(map[string]*vm.Program),
		funcs: make(map[string]func(map[string]interface{}) interface{}),
	}
}

// AddFunc registers a value derived from the environment under name.
// It is computed before each evaluation, e.g. a helper closure over subject attributes.
func (e *ExprEvaluator) AddFunc(name string, f func(env map[string]interface{}) interface{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.funcs[name] = f
}

// Evaluate runs expression against env. The caller's map is never modified.
// Returns false and an error if compilation, execution, or the boolean check fails.
func (e *ExprEvaluator) Evaluate(expression string, env map[string]interface{}) (bool, error) {
	scope := make(map[string]interface{}, len(env)+len(e.funcs))
	for k, v := range env {
		scope[k] = v
	}

	e.mu.RLock()
	for k, f := range e.funcs {
		scope[k] = f(env)
	}
	program, ok := e.cache[expression]
	e.mu.RUnlock()

	if !ok {
		e.mu.Lock()
		if program, ok = e.cache[expression]; !ok {
			var err error
			program, err = expr.Compile(expression, expr.Env(scope), expr.AllowUndefinedVariables())
			if err != nil {
				e.mu.Unlock()
				return false, err
			}
			e.cache[expression] = program
		}
		e.mu.Unlock()
	}

	result, err := expr.Run(program, scope)
	if err != nil {
		return false, err
	}

	if b, ok := result.(bool); ok {
		return b, nil
	}
	return false, fmt.Errorf("expression '%s' did not evaluate to a boolean, got %T", expression, result)
}

// cached reports how many programs are compiled.
func (e *ExprEvaluator) cached() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.cache)
}
