// Package validation evaluates a task's success conditions against the
// results recorded for its actions.
package validation

import (
	"fmt"
	"strings"

	"codor/internal/domain"
	"codor/internal/expr"
)

// Phase aliases exposed to conditions.
var phaseKeys = map[domain.Phase][]string{
	domain.PhasePrerequisite: {"PREREQ", "PREREQUISITE"},
	domain.PhaseStep:         {"STEP"},
	domain.PhaseCleanup:      {"CLEANUP"},
}

// BuildContext maps phase aliases to action result fields. Each action is
// reachable by its full id and, for ids of the form "<PHASE>.<n>", by n.
func BuildContext(results []domain.ActionResult) expr.Scope {
	scope := expr.Scope{}
	for _, keys := range phaseKeys {
		bucket := map[string]any{}
		for _, k := range keys {
			scope[k] = bucket
		}
	}
	for _, ar := range results {
		keys, ok := phaseKeys[ar.Phase]
		if !ok {
			continue
		}
		bucket := scope[keys[0]].(map[string]any)
		fields := Fields(ar)
		bucket[ar.ActionID] = fields
		if short := shortID(ar.ActionID); short != ar.ActionID {
			bucket[short] = fields
		}
	}
	return scope
}

// Fields is the view of one action result visible to conditions.
func Fields(ar domain.ActionResult) map[string]any {
	var errVal any
	if ar.Error != "" {
		errVal = ar.Error
	}
	return map[string]any{
		"actionId": ar.ActionID,
		"type":     ar.Type,
		"success":  ar.Success,
		"result":   ar.Result,
		"error":    errVal,
		"duration": ar.DurationMS,
		"timedOut": ar.TimedOut,
	}
}

func shortID(id string) string {
	i := strings.LastIndex(id, ".")
	if i < 0 || i == len(id)-1 {
		return id
	}
	return id[i+1:]
}

// Evaluate runs every success condition. A condition that cannot be parsed or
// evaluated counts as failed; it never aborts evaluation of the others.
func Evaluate(results []domain.ActionResult, criteria domain.ValidationCriteria) domain.ValidationOutcome {
	scope := BuildContext(results)
	out := domain.ValidationOutcome{Passed: true, Evaluations: make([]domain.ConditionEvaluation, 0, len(criteria.SuccessConditions))}
	for _, c := range criteria.SuccessConditions {
		ev := domain.ConditionEvaluation{Condition: c.Condition, Description: c.Description}
		ok, err := evalSafe(c.Condition, scope)
		if err != nil {
			ev.Error = err.Error()
		}
		ev.Passed = err == nil && ok
		if !ev.Passed {
			out.Passed = false
		}
		out.Evaluations = append(out.Evaluations, ev)
	}
	return out
}

func evalSafe(src string, scope expr.Scope) (ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			ok, err = false, fmt.Errorf("condition panicked: %v", r)
		}
	}()
	return expr.EvalBool(src, scope)
}

// Failed lists the conditions that did not pass.
func Failed(o domain.ValidationOutcome) []domain.ConditionEvaluation {
	var out []domain.ConditionEvaluation
	for _, ev := range o.Evaluations {
		if !ev.Passed {
			out = append(out, ev)
		}
	}
	return out
}
