// Package checkassert evaluates a Check's optional CEL assertion expression against a
// submitted CheckResult, letting an operator encode a pass/fail condition beyond a bare
// status-code match (spec.md's Check.Assertion field, e.g.
// "o.latency_ms < 250 && o.status_code == 200"). The compile/evaluate shape follows the
// teacher's own CEL resolver (pkg/resolver/cel.go in the retrieval pack), narrowed from
// a generic string-keyed field resolver down to a single boolean verdict, since a Check
// assertion only ever needs one answer: did this result pass.
package checkassert

import (
	"fmt"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/interpreter"
	"k8s.io/klog/v2"

	"github.com/killkrill/killkrill/internal/model"
)

// costLimit caps CEL evaluation work per assertion; a Check runs at most once per
// interval (>=1s per spec.md §3), so a generous budget here never threatens the sensor
// results endpoint's latency.
const costLimit = 100000

// costEstimator assigns a flat per-call cost, matching the teacher's own
// ActualCostEstimator shape (pkg/resolver/cel.go's costEstimator) without the
// per-function cost table the teacher declared but never populated.
type costEstimator struct{}

var _ interpreter.ActualCostEstimator = costEstimator{}

func (costEstimator) CallCost(_, _ string, _ []ref.Val, _ ref.Val) *uint64 {
	cost := uint64(1)
	return &cost
}

// Evaluator compiles and runs Check.Assertion expressions. It is safe for concurrent use;
// each Evaluate call builds its own CEL environment, since compiled programs are cheap
// relative to a probe interval and a shared cache would need its own invalidation story
// for no benefit at this call rate.
type Evaluator struct {
	logger klog.Logger
}

// NewEvaluator returns an Evaluator holding logger. Evaluate itself does not log; it
// returns compile/eval problems to its caller.
func NewEvaluator(logger klog.Logger) *Evaluator {
	return &Evaluator{logger: logger}
}

// Evaluate compiles expr (if non-empty) and runs it against result's fields exposed as
// "o", per the Assertion doc comment's own convention. An empty expr always passes. A
// parse, type-check, or non-bool-result error falls back to a passing verdict rather
// than marking every result down on a typo'd assertion — the error is returned to the
// caller to log once, not swallowed.
func (e *Evaluator) Evaluate(expr string, result model.CheckResult) (bool, error) {
	if expr == "" {
		return true, nil
	}

	env, err := cel.NewEnv(
		cel.Variable("o", cel.DynType),
		cel.CrossTypeNumericComparisons(true),
	)
	if err != nil {
		return true, fmt.Errorf("building CEL environment: %w", err)
	}

	ast, iss := env.Parse(expr)
	if iss.Err() != nil {
		return true, fmt.Errorf("parsing assertion %q: %w", expr, iss.Err())
	}

	checked, iss := env.Check(ast)
	if iss.Err() != nil {
		return true, fmt.Errorf("type-checking assertion %q: %w", expr, iss.Err())
	}

	program, err := env.Program(checked, cel.CostLimit(costLimit), cel.CostTracking(costEstimator{}))
	if err != nil {
		return true, fmt.Errorf("compiling assertion %q: %w", expr, err)
	}

	out, _, err := program.Eval(map[string]interface{}{"o": resultToMap(result)})
	if err != nil {
		return true, fmt.Errorf("evaluating assertion %q: %w", expr, err)
	}

	passed, ok := out.Value().(bool)
	if !ok {
		return true, fmt.Errorf("assertion %q must evaluate to a bool, got %s", expr, out.Type())
	}

	return passed, nil
}

func resultToMap(r model.CheckResult) map[string]interface{} {
	m := map[string]interface{}{
		"agent_id":      r.AgentID,
		"check_id":      r.CheckID,
		"status":        string(r.Status),
		"latency_ms":    r.LatencyMS,
		"status_code":   r.StatusCode,
		"error_message": r.ErrorMessage,
	}
	if r.TLSValid != nil {
		m["tls_valid"] = *r.TLSValid
	}

	return m
}
