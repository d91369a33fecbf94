package delegation

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

// allowlistEnv adapts the teacher's CELDPEvaluator
// (core/pkg/kernel/celdp/evaluator.go): one compiled cel.Env shared
// across evaluations, with per-expression programs cached so a
// delegation's allowlist entries are compiled once and evaluated on
// every operation they gate, not recompiled per call.
type allowlistEnv struct {
	env *cel.Env

	mu       sync.Mutex
	programs map[string]cel.Program
}

func newAllowlistEnv() (*allowlistEnv, error) {
	env, err := cel.NewEnv(
		cel.Variable("operation", cel.StringType),
		cel.Variable("context", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("delegation: build CEL env: %w", err)
	}
	return &allowlistEnv{env: env, programs: make(map[string]cel.Program)}, nil
}

func (a *allowlistEnv) program(expr string) (cel.Program, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if prg, ok := a.programs[expr]; ok {
		return prg, nil
	}
	ast, issues := a.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, issues.Err()
	}
	prg, err := a.env.Program(ast)
	if err != nil {
		return nil, err
	}
	a.programs[expr] = prg
	return prg, nil
}

// allows reports whether operationID is permitted by entry. A literal
// operation id (no CEL operators present) is treated as an exact-match
// shorthand for `operation == "<id>"`; anything else is compiled and
// evaluated as a boolean CEL expression against `operation` and
// `context`. Evaluation failure or a non-bool result is fail-closed
// (not allowed), matching this package's deny-on-uncertainty posture.
func (a *allowlistEnv) allows(entry, operationID string, context map[string]any) bool {
	if isLiteralOperationID(entry) {
		return entry == operationID
	}
	prg, err := a.program(entry)
	if err != nil {
		return false
	}
	out, _, err := prg.Eval(map[string]interface{}{"operation": operationID, "context": context})
	if err != nil {
		return false
	}
	allowed, ok := out.Value().(bool)
	return ok && allowed
}

// isLiteralOperationID reports whether entry looks like a plain
// dotted operation identifier (e.g. "intent.cancel") rather than a CEL
// expression.
func isLiteralOperationID(entry string) bool {
	for _, r := range entry {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
		default:
			return false
		}
	}
	return true
}
