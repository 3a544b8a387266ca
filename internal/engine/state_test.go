package engine

import (
	"testing"

	"codor/internal/domain"
)

func TestEnsureStateTransition(t *testing.T) {
	cases := []struct {
		from, to domain.TaskState
		ok       bool
	}{
		{domain.StatePending, domain.StateRunningPrerequisites, true},
		{domain.StateRunningPrerequisites, domain.StateRunningSteps, true},
		{domain.StateRunningPrerequisites, domain.StateRunningCleanup, true},
		{domain.StateRunningSteps, domain.StateRunningCleanup, true},
		{domain.StateRunningCleanup, domain.StateEvaluating, true},
		{domain.StateEvaluating, domain.StatePassed, true},
		{domain.StatePending, domain.StateFailed, true},
		{domain.StateRunningSteps, domain.StateFailed, true},
		{domain.StateEvaluating, domain.StateFailed, true},

		{domain.StatePending, domain.StateRunningSteps, false},
		{domain.StateRunningSteps, domain.StateEvaluating, false},
		{domain.StateRunningCleanup, domain.StatePassed, false},
		{domain.StatePassed, domain.StateFailed, false},
		{domain.StateFailed, domain.StateFailed, false},
		{domain.StateFailed, domain.StateRunningCleanup, false},
	}
	for _, c := range cases {
		err := ensureStateTransition(c.from, c.to)
		if c.ok && err != nil {
			t.Errorf("%s -> %s: unexpected error %v", c.from, c.to, err)
		}
		if !c.ok && err == nil {
			t.Errorf("%s -> %s: expected error", c.from, c.to)
		}
	}
}
