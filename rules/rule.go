package rules

import (
	"errors"
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// ErrRuleFailed is returned by Check when a rule evaluates to false.
var ErrRuleFailed = errors.New("rule not satisfied")

// Evaluator defines the interface for evaluating rule expressions.
type Evaluator interface {
	Evaluate(expression string, env map[string]interface{}) (bool, error)
	// Check is Evaluate with a false result reported as ErrRuleFailed.
	Check(expression string, env map[string]interface{}) error
	// Compile reports whether expression is valid without running it.
	Compile(expression string) error
}

// ExprEvaluator is an implementation of Evaluator using expr-lang/expr.
// Programs are compiled without a typed environment so one compiled program
// serves every env shape; identifiers are resolved at run time.
type ExprEvaluator struct {
	cache map[string]*vm.Program
	mu    sync.RWMutex
}

// NewExprEvaluator creates a new ExprEvaluator with an initialized cache.
func NewExprEvaluator() *ExprEvaluator {
	return &ExprEvaluator{
		cache: make(map[string]*vm.Program),
	}
}

// Evaluate evaluates the given expression against the provided env.
// The expression must evaluate to a boolean; otherwise, an error is returned.
func (e *ExprEvaluator) Evaluate(expression string, env map[string]interface{}) (bool, error) {
	program, err := e.program(expression)
	if err != nil {
		return false, err
	}

	result, err := expr.Run(program, env)
	if err != nil {
		return false, err
	}

	if b, ok := result.(bool); ok {
		return b, nil
	}
	return false, fmt.Errorf("expression '%s' did not evaluate to a boolean, got %T", expression, result)
}

// Check is Evaluate that folds a false result into ErrRuleFailed.
func (e *ExprEvaluator) Check(expression string, env map[string]interface{}) error {
	ok, err := e.Evaluate(expression, env)
	if err != nil {
		return fmt.Errorf("evaluate %q: %w", expression, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrRuleFailed, expression)
	}
	return nil
}

// Compile validates an expression and caches it without running it.
func (e *ExprEvaluator) Compile(expression string) error {
	_, err := e.program(expression)
	return err
}

func (e *ExprEvaluator) program(expression string) (*vm.Program, error) {
	e.mu.RLock()
	program, ok := e.cache[expression]
	e.mu.RUnlock()
	if ok {
		return program, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if program, ok = e.cache[expression]; ok {
		return program, nil
	}
	program, err := expr.Compile(expression)
	if err != nil {
		return nil, err
	}
	e.cache[expression] = program
	return program, nil
}
