package engine

import (
	"fmt"

	"codor/internal/domain"
)

// ensureStateTransition enforces the task lifecycle:
//
//	PENDING -> RUNNING_PREREQUISITES -> RUNNING_STEPS -> RUNNING_CLEANUP -> EVALUATING -> PASSED
//
// Prerequisites may jump to cleanup on abort, and any non-final state may
// go to FAILED.
func ensureStateTransition(from, to domain.TaskState) error {
	if to == domain.StateFailed {
		if from != domain.StatePassed && from != domain.StateFailed {
			return nil
		}
		return fmt.Errorf("invalid task state transition %s -> %s", from, to)
	}
	switch from {
	case domain.StatePending:
		if to == domain.StateRunningPrerequisites {
			return nil
		}
	case domain.StateRunningPrerequisites:
		if to == domain.StateRunningSteps || to == domain.StateRunningCleanup {
			return nil
		}
	case domain.StateRunningSteps:
		if to == domain.StateRunningCleanup {
			return nil
		}
	case domain.StateRunningCleanup:
		if to == domain.StateEvaluating {
			return nil
		}
	case domain.StateEvaluating:
		if to == domain.StatePassed {
			return nil
		}
	}
	return fmt.Errorf("invalid task state transition %s -> %s", from, to)
}
