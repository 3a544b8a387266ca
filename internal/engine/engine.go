// Package engine runs the tasks of a test specification: it drives each task
// through its lifecycle, dispatches actions to executors, evaluates success
// conditions, fans results out to analyzers and detectors, and hands every
// result to the evidence recorder.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"codor/internal/domain"
	"codor/internal/metrics"
	"codor/internal/plugin"
)

// DefaultActionTimeout applies when neither the action, its task nor the
// global configuration sets one.
const DefaultActionTimeout = 30 * time.Second

// Plugins is the read-only view of the registry the engine needs.
type Plugins interface {
	ExecutorsFor(actionType string) []plugin.Executor
	FailureAnalyzers() []plugin.FailureAnalyzer
	DebtDetectors() []plugin.DebtDetector
}

// Recorder persists evidence. Implementations must tolerate being called for
// every action, every task and once per run.
type Recorder interface {
	SaveActionEvidence(ctx context.Context, taskID string, ar domain.ActionResult) (string, error)
	SaveTaskEvidence(ctx context.Context, tr domain.TaskResult) (string, error)
	GenerateFinalReport(ctx context.Context, res domain.ExecutionResults) (string, error)
}

type Options struct {
	RunID          string
	StopOnFailure  bool
	DryRun         bool
	Tasks          []string
	DefaultTimeout time.Duration
}

type Engine struct {
	Plugins  Plugins
	Evidence Recorder
	Metrics  *metrics.Metrics
	Log      *zap.Logger
	Options  Options
	Now      func() time.Time
}

func New(plugins Plugins, rec Recorder, log *zap.Logger, opts Options) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.RunID == "" {
		opts.RunID = uuid.NewString()
	}
	return &Engine{
		Plugins:  plugins,
		Evidence: rec,
		Log:      log,
		Options:  opts,
		Now:      time.Now,
	}
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Engine) log() *zap.Logger {
	if e.Log == nil {
		return zap.NewNop()
	}
	return e.Log
}

// selectTasks returns the task ids to run in declaration order, restricted
// to the filter when one is set.
func (e *Engine) selectTasks(spec *domain.TestSpecification) ([]string, error) {
	order := spec.TaskOrder
	if len(order) == 0 {
		for id := range spec.Tasks {
			order = append(order, id)
		}
	}
	if len(e.Options.Tasks) == 0 {
		return order, nil
	}
	want := map[string]bool{}
	for _, id := range e.Options.Tasks {
		if _, ok := spec.Tasks[id]; !ok {
			return nil, &UnknownTaskError{TaskID: id}
		}
		want[id] = true
	}
	var out []string
	for _, id := range order {
		if want[id] {
			out = append(out, id)
		}
	}
	return out, nil
}

// Run executes the selected tasks one at a time. The returned results are
// complete even when err is non-nil; err reports a fatal problem (unknown
// task filter, engine panic or a failed final report).
func (e *Engine) Run(ctx context.Context, spec *domain.TestSpecification, specPath string) (res domain.ExecutionResults, err error) {
	if e.Options.DryRun {
		return e.Plan(spec, specPath)
	}
	start := e.now()
	res = domain.ExecutionResults{
		RunID:         e.Options.RunID,
		SpecPath:      specPath,
		SchemaVersion: spec.SchemaVersion,
		StartTime:     start,
		Tasks:         map[string]domain.TaskResult{},
	}
	log := e.log().With(zap.String("run", res.RunID))

	defer func() {
		if r := recover(); r != nil {
			res.FatalError = fmt.Sprintf("engine panic: %v", r)
			err = fmt.Errorf("run %s: %s", res.RunID, res.FatalError)
		}
		res.EndTime = e.now()
		res.DurationMS = res.EndTime.Sub(res.StartTime).Milliseconds()
		if e.Evidence == nil {
			return
		}
		if _, rerr := e.Evidence.GenerateFinalReport(context.WithoutCancel(ctx), res); rerr != nil {
			log.Error("final report not written", zap.Error(rerr))
			if err == nil {
				err = fmt.Errorf("final report: %w", rerr)
			}
		}
	}()

	ids, err := e.selectTasks(spec)
	if err != nil {
		res.FatalError = err.Error()
		return res, err
	}
	log.Info("run started", zap.String("spec", specPath), zap.Int("tasks", len(ids)))

	var skipReason string
	for _, id := range ids {
		res.TaskOrder = append(res.TaskOrder, id)
		task := spec.Tasks[id]
		if task.ID == "" {
			task.ID = id
		}
		if skipReason == "" && ctx.Err() != nil {
			skipReason = "run cancelled: " + ctx.Err().Error()
		}
		if skipReason != "" {
			tr := e.skipTask(ctx, task, skipReason)
			res.Tasks[id] = tr
			continue
		}
		tr := e.RunTask(ctx, task, spec.GlobalConfiguration)
		res.Tasks[id] = tr
		if tr.Status == domain.StatusFailed && e.Options.StopOnFailure {
			skipReason = fmt.Sprintf("skipped after task %s failed (stop on failure)", id)
		}
	}

	s := res.Summary()
	log.Info("run finished",
		zap.Int("passed", s.Passed),
		zap.Int("failed", s.Failed),
		zap.Int("skipped", s.Skipped))
	return res, nil
}

func (e *Engine) skipTask(ctx context.Context, task domain.Task, reason string) domain.TaskResult {
	now := e.now()
	tr := domain.TaskResult{
		TaskID:          task.ID,
		Title:           task.Title,
		Status:          domain.StatusSkipped,
		State:           domain.StatePending,
		FailureReason:   reason,
		ActionResults:   []domain.ActionResult{},
		FailureAnalysis: []domain.FailureAnalysisResult{},
		TechnicalDebt:   []domain.TechnicalDebtItem{},
		StartTime:       now,
		EndTime:         now,
	}
	e.log().Info("task skipped", zap.String("task", task.ID), zap.String("reason", reason))
	e.Metrics.ObserveTask(tr)
	e.saveTask(ctx, tr)
	return tr
}

// Plan resolves every action of the selected tasks against the registry
// without executing anything or writing evidence. Resolved actions are
// reported successful with the chosen executor; unresolved ones fail with
// ExecutorNotFoundError and set FatalError.
func (e *Engine) Plan(spec *domain.TestSpecification, specPath string) (domain.ExecutionResults, error) {
	now := e.now()
	res := domain.ExecutionResults{
		RunID:         e.Options.RunID,
		SpecPath:      specPath,
		SchemaVersion: spec.SchemaVersion,
		DryRun:        true,
		StartTime:     now,
		EndTime:       now,
		Tasks:         map[string]domain.TaskResult{},
	}
	ids, err := e.selectTasks(spec)
	if err != nil {
		res.FatalError = err.Error()
		return res, err
	}
	unresolved := 0
	for _, id := range ids {
		task := spec.Tasks[id]
		tr := domain.TaskResult{
			TaskID:          id,
			Title:           task.Title,
			Status:          domain.StatusSkipped,
			State:           domain.StatePending,
			ActionResults:   []domain.ActionResult{},
			FailureAnalysis: []domain.FailureAnalysisResult{},
			TechnicalDebt:   []domain.TechnicalDebtItem{},
		}
		for _, phase := range []domain.Phase{domain.PhasePrerequisite, domain.PhaseStep, domain.PhaseCleanup} {
			for _, a := range task.Actions(phase) {
				ar := domain.ActionResult{ActionID: a.ActionID, Type: a.Type, Phase: phase, Success: true}
				if execs := e.Plugins.ExecutorsFor(a.Type); len(execs) > 0 {
					ar.Executor = execs[0].Name()
				} else {
					ar.Success = false
					ar.Error = (&ExecutorNotFoundError{ActionType: a.Type}).Error()
					unresolved++
				}
				tr.ActionResults = append(tr.ActionResults, ar)
			}
		}
		res.Tasks[id] = tr
		res.TaskOrder = append(res.TaskOrder, id)
	}
	if unresolved > 0 {
		res.FatalError = fmt.Sprintf("%d action(s) have no executor", unresolved)
	}
	return res, nil
}
