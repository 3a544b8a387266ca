package validation_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codor/internal/domain"
	"codor/internal/validation"
)

func results() []domain.ActionResult {
	return []domain.ActionResult{
		{ActionID: "PREREQ.1", Phase: domain.PhasePrerequisite, Type: domain.ActionTerminalCommand, Success: true,
			Result: map[string]any{"exitCode": 0, "stdout": "ok\n"}},
		{ActionID: "STEP.1", Phase: domain.PhaseStep, Type: domain.ActionFileValidation, Success: false,
			Error: "file not found: /nope", DurationMS: 3},
		{ActionID: "cleanup-db", Phase: domain.PhaseCleanup, Type: domain.ActionDatabaseQuery, Success: true},
	}
}

func conditions(srcs ...string) domain.ValidationCriteria {
	var c domain.ValidationCriteria
	for _, s := range srcs {
		c.SuccessConditions = append(c.SuccessConditions, domain.SuccessCondition{Condition: s})
	}
	return c
}

func TestEvaluatePasses(t *testing.T) {
	out := validation.Evaluate(results(), conditions(
		`STEP["1"].success === false`,
		`STEP["STEP.1"].error.includes("not found")`,
		`PREREQ["1"].result.exitCode === 0`,
		`PREREQUISITE["1"].success`,
		`CLEANUP["cleanup-db"].success`,
		`STEP["1"].duration < 100`,
	))
	for _, ev := range out.Evaluations {
		assert.True(t, ev.Passed, "%s: %s", ev.Condition, ev.Error)
	}
	assert.True(t, out.Passed)
}

func TestEvaluateFailClosed(t *testing.T) {
	out := validation.Evaluate(results(), conditions(
		`STEP["1"].success === false`,
		`STEP["2"].success === true`,
		`STEP[`,
		`require("fs")`,
	))
	require.Len(t, out.Evaluations, 4)
	assert.False(t, out.Passed)
	assert.True(t, out.Evaluations[0].Passed)
	for _, ev := range out.Evaluations[1:] {
		assert.False(t, ev.Passed)
		assert.NotEmpty(t, ev.Error, ev.Condition)
	}
	assert.Len(t, validation.Failed(out), 3)
}

func TestEvaluateEmptyCriteria(t *testing.T) {
	out := validation.Evaluate(nil, domain.ValidationCriteria{})
	assert.True(t, out.Passed)
	assert.Empty(t, out.Evaluations)
}

func TestContextHasAllPhases(t *testing.T) {
	scope := validation.BuildContext(nil)
	for _, k := range []string{"PREREQ", "PREREQUISITE", "STEP", "CLEANUP"} {
		_, ok := scope[k].(map[string]any)
		assert.True(t, ok, k)
	}
}
