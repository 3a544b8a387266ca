package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"codor/internal/domain"
	"codor/internal/plugin"
	"codor/internal/validation"
)

// taskRun is the mutable state of one task execution. Only the orchestrating
// goroutine touches it.
type taskRun struct {
	task   domain.Task
	global domain.GlobalConfiguration
	result domain.TaskResult
	log    *zap.Logger

	abortReason string
	cleanupDone bool
	evidence    map[string]bool
}

func (r *taskRun) fail(reason string) {
	if r.result.FailureReason == "" {
		r.result.FailureReason = reason
	}
	r.result.Status = domain.StatusFailed
}

// RunTask drives one task through its lifecycle and always returns a
// PASSED or FAILED result. Cleanup runs exactly once whatever happens
// before it; a panic anywhere in the task is recovered and fails the task.
func (e *Engine) RunTask(ctx context.Context, task domain.Task, global domain.GlobalConfiguration) domain.TaskResult {
	run := &taskRun{
		task:   task,
		global: global,
		log:    e.log().With(zap.String("task", task.ID)),
		result: domain.TaskResult{
			TaskID:          task.ID,
			Title:           task.Title,
			Status:          domain.StatusPending,
			State:           domain.StatePending,
			ActionResults:   []domain.ActionResult{},
			FailureAnalysis: []domain.FailureAnalysisResult{},
			TechnicalDebt:   []domain.TechnicalDebtItem{},
			StartTime:       e.now(),
		},
		evidence: map[string]bool{},
	}
	run.log.Info("task started", zap.String("title", task.Title))

	e.guard(run, "engine error", func() {
		if err := e.lifecycle(ctx, run); err != nil {
			run.fail("engine error: " + err.Error())
		}
	})
	if !run.cleanupDone {
		e.guard(run, "cleanup error", func() { e.runCleanup(ctx, run) })
	}
	if run.result.Status != domain.StatusPassed {
		run.fail("task did not complete")
		e.transitionFailed(run)
		e.guard(run, "failure analysis error", func() { e.analyzeFailure(ctx, run) })
	} else {
		e.guard(run, "debt detection error", func() { e.detectDebt(ctx, run) })
	}

	tr := &run.result
	tr.EndTime = e.now()
	tr.DurationMS = tr.EndTime.Sub(tr.StartTime).Milliseconds()
	run.log.Info("task finished",
		zap.String("status", string(tr.Status)),
		zap.String("reason", tr.FailureReason),
		zap.Int("failure_analyses", len(tr.FailureAnalysis)),
		zap.Int("debt_items", len(tr.TechnicalDebt)),
		zap.Int64("duration_ms", tr.DurationMS))
	e.Metrics.ObserveTask(*tr)
	e.saveTask(ctx, *tr)
	return *tr
}

// guard runs fn and turns a panic into a task failure.
func (e *Engine) guard(run *taskRun, what string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			run.log.Error("recovered panic", zap.String("in", what), zap.Any("panic", r))
			run.result.Status = domain.StatusFailed
			run.fail(fmt.Sprintf("%s: %v", what, r))
		}
	}()
	fn()
}

func (e *Engine) transition(run *taskRun, to domain.TaskState) error {
	if err := ensureStateTransition(run.result.State, to); err != nil {
		return err
	}
	run.log.Debug("task state", zap.String("from", string(run.result.State)), zap.String("to", string(to)))
	run.result.State = to
	return nil
}

func (e *Engine) transitionFailed(run *taskRun) {
	if run.result.State == domain.StateFailed {
		return
	}
	if err := e.transition(run, domain.StateFailed); err != nil {
		run.log.Warn("forcing failed state", zap.Error(err))
		run.result.State = domain.StateFailed
	}
}

func (e *Engine) lifecycle(ctx context.Context, run *taskRun) error {
	if err := e.transition(run, domain.StateRunningPrerequisites); err != nil {
		return err
	}
	if e.runPhase(ctx, run, domain.PhasePrerequisite) {
		run.log.Warn("prerequisites failed, skipping steps", zap.String("reason", run.abortReason))
		e.runCleanup(ctx, run)
		run.fail(run.abortReason)
		return nil
	}

	if err := e.transition(run, domain.StateRunningSteps); err != nil {
		return err
	}
	e.runPhase(ctx, run, domain.PhaseStep)
	e.runCleanup(ctx, run)

	if err := e.transition(run, domain.StateEvaluating); err != nil {
		return err
	}
	e.evaluate(run)
	if run.result.Status == domain.StatusPassed {
		return e.transition(run, domain.StatePassed)
	}
	return nil
}

// runCleanup runs the cleanup phase once, detached from cancellation of ctx
// so that a cancelled run still releases what its steps created.
func (e *Engine) runCleanup(ctx context.Context, run *taskRun) {
	if run.cleanupDone {
		return
	}
	run.cleanupDone = true
	if err := e.transition(run, domain.StateRunningCleanup); err != nil {
		run.log.Warn("forcing cleanup state", zap.Error(err))
		run.result.State = domain.StateRunningCleanup
	}
	reason := run.abortReason
	e.runPhase(context.WithoutCancel(ctx), run, domain.PhaseCleanup)
	if reason != "" {
		// the first abort is the one that explains the failure
		run.abortReason = reason
	}
}

// runPhase runs the actions of phase in order and reports whether the phase
// aborted on a failed action without continueOnFailure.
func (e *Engine) runPhase(ctx context.Context, run *taskRun, phase domain.Phase) bool {
	for _, a := range run.task.Actions(phase) {
		ar := e.runAction(ctx, run, phase, a)
		e.record(ctx, run, ar)
		if !ar.Success && !a.ContinueOnFailure {
			if run.abortReason == "" {
				run.abortReason = fmt.Sprintf("action %s failed: %s", ar.ActionID, ar.Error)
			}
			run.log.Info("phase aborted", zap.String("phase", string(phase)), zap.String("action", ar.ActionID))
			return true
		}
	}
	return false
}

func (e *Engine) record(ctx context.Context, run *taskRun, ar domain.ActionResult) {
	run.result.ActionResults = append(run.result.ActionResults, ar)
	e.Metrics.ObserveAction(ar)
	lvl := run.log.Debug
	if !ar.Success {
		lvl = run.log.Warn
	}
	lvl("action finished",
		zap.String("action", ar.ActionID),
		zap.String("type", ar.Type),
		zap.String("executor", ar.Executor),
		zap.Bool("success", ar.Success),
		zap.Bool("timed_out", ar.TimedOut),
		zap.Int64("duration_ms", ar.DurationMS),
		zap.String("error", ar.Error))
	if e.Evidence == nil {
		return
	}
	if _, err := e.Evidence.SaveActionEvidence(ctx, run.task.ID, ar); err != nil {
		run.log.Error("action evidence not written", zap.String("action", ar.ActionID), zap.Error(err))
		return
	}
	run.evidence[ar.ActionID] = true
}

func (e *Engine) saveTask(ctx context.Context, tr domain.TaskResult) {
	if e.Evidence == nil {
		return
	}
	if _, err := e.Evidence.SaveTaskEvidence(context.WithoutCancel(ctx), tr); err != nil {
		e.log().Error("task evidence not written", zap.String("task", tr.TaskID), zap.Error(err))
	}
}

func (e *Engine) timeoutFor(a domain.Action, task domain.Task, global domain.GlobalConfiguration) time.Duration {
	for _, ms := range []int64{a.Timeout, task.Timeout, global.Timeout} {
		if ms > 0 {
			return time.Duration(ms) * time.Millisecond
		}
	}
	if e.Options.DefaultTimeout > 0 {
		return e.Options.DefaultTimeout
	}
	return DefaultActionTimeout
}

func (e *Engine) runAction(ctx context.Context, run *taskRun, phase domain.Phase, a domain.Action) domain.ActionResult {
	ar := domain.ActionResult{
		ActionID:  a.ActionID,
		Type:      a.Type,
		Phase:     phase,
		StartTime: e.now(),
	}
	var (
		result any
		err    error
	)
	if execs := e.Plugins.ExecutorsFor(a.Type); len(execs) == 0 {
		err = &ExecutorNotFoundError{ActionType: a.Type}
	} else {
		ex := execs[0]
		ar.Executor = ex.Name()
		result, err = e.execute(ctx, ex, a, run.global, e.timeoutFor(a, run.task, run.global))
	}
	ar.EndTime = e.now()
	ar.DurationMS = ar.EndTime.Sub(ar.StartTime).Milliseconds()
	ar.Result = result
	ar.Success = err == nil
	if err != nil {
		ar.Error = err.Error()
		var te *TimeoutError
		ar.TimedOut = errors.As(err, &te)
	}
	return ar
}

// execute races the executor against the action timeout. The executor sees
// a context cancelled at the deadline; if it ignores it the engine gives up
// waiting and the late result is dropped.
func (e *Engine) execute(ctx context.Context, ex plugin.Executor, a domain.Action, global domain.GlobalConfiguration, timeout time.Duration) (any, error) {
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		result any
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("executor %s panicked: %v", ex.Name(), r)}
			}
		}()
		res, err := ex.Execute(actx, a.Parameters, global)
		done <- outcome{result: res, err: err}
	}()

	select {
	case o := <-done:
		if o.err != nil && ctx.Err() == nil && errors.Is(actx.Err(), context.DeadlineExceeded) {
			return o.result, &TimeoutError{ActionID: a.ActionID, Timeout: timeout, Err: o.err}
		}
		return o.result, o.err
	case <-actx.Done():
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("action %s cancelled: %w", a.ActionID, err)
		}
		return nil, &TimeoutError{ActionID: a.ActionID, Timeout: timeout}
	}
}

// evaluate decides PASSED or FAILED once all phases have run. Conditions
// are always evaluated and recorded, even when a phase already aborted.
func (e *Engine) evaluate(run *taskRun) {
	tr := &run.result
	outcome := validation.Evaluate(tr.ActionResults, run.task.ValidationCriteria)
	tr.Validation = &outcome

	if run.abortReason != "" {
		run.fail(run.abortReason)
		return
	}
	if failed := validation.Failed(outcome); len(failed) > 0 {
		c := failed[0]
		if c.Error != "" {
			run.fail(fmt.Sprintf("validation failed: condition %q could not be evaluated: %s", c.Condition, c.Error))
		} else {
			run.fail(fmt.Sprintf("validation failed: condition %q not satisfied", c.Condition))
		}
		return
	}
	if run.task.CompletionCriteria.AllStepsMustPass {
		for _, ar := range tr.ActionResults {
			if ar.Phase == domain.PhaseStep && !ar.Success {
				run.fail(fmt.Sprintf("completion criteria: step %s failed and all steps must pass", ar.ActionID))
				return
			}
		}
	}
	if missing := run.missingEvidence(); e.Evidence != nil && len(missing) > 0 {
		run.fail("completion criteria: required evidence missing for " + strings.Join(missing, ", "))
		return
	}
	tr.Status = domain.StatusPassed
}

// missingEvidence lists required evidence entries with no persisted action
// record. Entries name an action by full id ("STEP.1") or, for steps, by
// short id ("1").
func (r *taskRun) missingEvidence() []string {
	var missing []string
	for _, want := range r.task.CompletionCriteria.RequiredEvidence {
		if r.evidence[want] || r.evidence[string(domain.PhaseStep)+"."+want] {
			continue
		}
		missing = append(missing, want)
	}
	return missing
}

func (e *Engine) analyzeFailure(ctx context.Context, run *taskRun) {
	tr := &run.result
	for _, a := range e.Plugins.FailureAnalyzers() {
		res, err := e.callAnalyzer(ctx, a, run)
		if err != nil {
			run.log.Warn("failure analyzer error", zap.String("analyzer", a.Name()), zap.Error(err))
			continue
		}
		if res == nil {
			continue
		}
		if res.Analyzer == "" {
			res.Analyzer = a.Name()
		}
		if res.BlockingItems == nil {
			res.BlockingItems = []string{}
		}
		tr.FailureAnalysis = append(tr.FailureAnalysis, *res)
	}
}

func (e *Engine) callAnalyzer(ctx context.Context, a plugin.FailureAnalyzer, run *taskRun) (res *domain.FailureAnalysisResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return a.Analyze(ctx, run.result.ActionResults, run.result.FailureReason, run.task)
}

func (e *Engine) detectDebt(ctx context.Context, run *taskRun) {
	tr := &run.result
	for _, d := range e.Plugins.DebtDetectors() {
		items, err := e.callDetector(ctx, d, run)
		if err != nil {
			run.log.Warn("debt detector error", zap.String("detector", d.Name()), zap.Error(err))
			continue
		}
		for _, it := range items {
			if it.Detector == "" {
				it.Detector = d.Name()
			}
			tr.TechnicalDebt = append(tr.TechnicalDebt, it)
		}
	}
}

func (e *Engine) callDetector(ctx context.Context, d plugin.DebtDetector, run *taskRun) (items []domain.TechnicalDebtItem, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return d.Analyze(ctx, run.result.ActionResults, run.task)
}
