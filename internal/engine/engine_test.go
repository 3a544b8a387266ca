package engine_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"codor/internal/analyzers"
	"codor/internal/debt"
	"codor/internal/domain"
	"codor/internal/engine"
	"codor/internal/evidence"
	"codor/internal/executors"
	"codor/internal/metrics"
	"codor/internal/plugin"
	"codor/internal/spec"
)

// fakeExecutor handles a custom action type with a test-provided function.
type fakeExecutor struct {
	name  string
	types []string
	calls atomic.Int32
	fn    func(ctx context.Context, params map[string]any) (any, error)
}

func (f *fakeExecutor) Name() string          { return f.name }
func (f *fakeExecutor) Version() string       { return "0.0.1" }
func (f *fakeExecutor) ActionTypes() []string { return f.types }
func (f *fakeExecutor) Execute(ctx context.Context, params map[string]any, _ domain.GlobalConfiguration) (any, error) {
	f.calls.Add(1)
	if f.fn == nil {
		return map[string]any{"ok": true}, nil
	}
	return f.fn(ctx, params)
}

type testEnv struct {
	Engine   *engine.Engine
	Registry *plugin.Registry
	Metrics  *metrics.Metrics
	Dir      string
	Global   domain.GlobalConfiguration
	Ctx      context.Context
}

type envOptions struct {
	opts       engine.Options
	fakes      []*fakeExecutor
	thresholds map[string]int64
	disabled   []string
	extra      func(cat *plugin.Catalog)
}

func newTestEnv(t *testing.T, eo envOptions) testEnv {
	t.Helper()
	dir := t.TempDir()
	log := zaptest.NewLogger(t)

	var cat plugin.Catalog
	executors.AddTo(&cat, executors.Options{})
	for _, f := range eo.fakes {
		cat.Add(plugin.KindExecutor, f.name, plugin.Static(f))
	}
	analyzers.AddTo(&cat)
	debt.AddTo(&cat, eo.thresholds)
	if eo.extra != nil {
		eo.extra(&cat)
	}
	reg := plugin.NewRegistry(log, plugin.WithDisabled(eo.disabled...))
	require.NoError(t, reg.LoadAll(context.Background(), cat))
	t.Cleanup(func() { _ = reg.Cleanup(context.Background()) })

	m := metrics.New(prometheus.NewRegistry())
	evDir := filepath.Join(dir, "evidence")
	col := &evidence.Collector{Dir: evDir, RunID: "run-test", Version: "test", Metrics: m, Log: log}
	if eo.opts.RunID == "" {
		eo.opts.RunID = "run-test"
	}
	eng := engine.New(reg, col, log, eo.opts)
	eng.Metrics = m
	return testEnv{
		Engine:   eng,
		Registry: reg,
		Metrics:  m,
		Dir:      evDir,
		Global:   domain.GlobalConfiguration{WorkspaceRoot: dir, EvidenceDirectory: evDir},
		Ctx:      context.Background(),
	}
}

func (env testEnv) spec(tasks ...domain.Task) *domain.TestSpecification {
	s := &domain.TestSpecification{
		SchemaVersion:       "1.0",
		GlobalConfiguration: env.Global,
		Tasks:               map[string]domain.Task{},
	}
	for _, task := range tasks {
		s.Tasks[task.ID] = task
		s.TaskOrder = append(s.TaskOrder, task.ID)
	}
	return s
}

func action(id, typ string, params map[string]any) domain.Action {
	return domain.Action{ActionID: id, Type: typ, Parameters: params}
}

func conditions(exprs ...string) domain.ValidationCriteria {
	var vc domain.ValidationCriteria
	for _, e := range exprs {
		vc.SuccessConditions = append(vc.SuccessConditions, domain.SuccessCondition{Condition: e})
	}
	return vc
}

// steppingClock advances by step on every reading.
func steppingClock(step time.Duration) func() time.Time {
	var mu sync.Mutex
	t := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t = t.Add(step)
		return t
	}
}

func TestMissingFileIsIncompleteImplementation(t *testing.T) {
	cleanup := &fakeExecutor{name: "noop-executor", types: []string{"NOOP"}}
	env := newTestEnv(t, envOptions{fakes: []*fakeExecutor{cleanup}})
	task := domain.Task{
		ID:    "check-config",
		Title: "Config file exists",
		Steps: []domain.Action{action("STEP.1", domain.ActionFileValidation, map[string]any{"path": "missing.txt"})},
		Cleanup: []domain.Action{
			{ActionID: "CLEANUP.1", Type: "NOOP", ContinueOnFailure: true},
		},
		ValidationCriteria: conditions(`STEP["1"].success === false`),
	}

	res, err := env.Engine.Run(env.Ctx, env.spec(task), "spec.json")
	require.NoError(t, err)
	tr := res.Tasks["check-config"]

	assert.Equal(t, domain.StatusFailed, tr.Status)
	assert.Equal(t, domain.StateFailed, tr.State)
	assert.Contains(t, tr.FailureReason, "action STEP.1 failed")
	assert.EqualValues(t, 1, cleanup.calls.Load())
	require.Len(t, tr.ActionResults, 2)
	assert.Equal(t, domain.PhaseCleanup, tr.ActionResults[1].Phase)

	require.NotNil(t, tr.Validation)
	assert.True(t, tr.Validation.Passed, "conditions are still recorded after an abort")

	require.Len(t, tr.FailureAnalysis, 1)
	fa := tr.FailureAnalysis[0]
	assert.Equal(t, "error-pattern-analyzer", fa.Analyzer)
	assert.Equal(t, domain.CategoryIncompleteImplementation, fa.Category)
	assert.Equal(t, "STEP.1", fa.Evidence.ActionID)
	assert.Empty(t, tr.TechnicalDebt)

	_, err = os.Stat(filepath.Join(env.Dir, "check-config", "STEP", domain.ActionFileValidation, "STEP.1.json"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(env.Dir, evidence.LatestReportFile))
	assert.NoError(t, err)
}

func TestHTTPTimeoutAbortsRequest(t *testing.T) {
	released := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
			close(released)
		case <-time.After(5 * time.Second):
			w.WriteHeader(http.StatusOK)
		}
	}))
	defer srv.Close()

	env := newTestEnv(t, envOptions{})
	slow := action("STEP.1", domain.ActionHTTPRequest, map[string]any{"url": srv.URL + "/slow"})
	slow.Timeout = 10
	task := domain.Task{ID: "slow-endpoint", Title: "Slow endpoint", Steps: []domain.Action{slow}}

	start := time.Now()
	res, err := env.Engine.Run(env.Ctx, env.spec(task), "spec.json")
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 4*time.Second)

	tr := res.Tasks["slow-endpoint"]
	assert.Equal(t, domain.StatusFailed, tr.Status)
	require.Len(t, tr.ActionResults, 1)
	ar := tr.ActionResults[0]
	assert.True(t, ar.TimedOut)
	assert.False(t, ar.Success)
	assert.Contains(t, ar.Error, "timed out after 10ms")

	select {
	case <-released:
	case <-time.After(3 * time.Second):
		t.Fatal("server request was not cancelled")
	}
	require.NotEmpty(t, tr.FailureAnalysis)
	assert.Equal(t, domain.CategoryTimeout, tr.FailureAnalysis[0].Category)
	assert.Equal(t, 1.0, testutil.ToFloat64(env.Metrics.ActionsTotal.WithLabelValues(domain.ActionHTTPRequest, "timeout")))
}

func TestSlowPassingTaskReportsPerformanceDebt(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":42,"name":"widget"}`))
	}))
	defer srv.Close()

	env := newTestEnv(t, envOptions{})
	env.Engine.Now = steppingClock(1500 * time.Millisecond)
	task := domain.Task{
		ID:                 "get-widget",
		Title:              "Fetch widget",
		Steps:              []domain.Action{action("STEP.1", domain.ActionHTTPRequest, map[string]any{"url": srv.URL})},
		ValidationCriteria: conditions(`STEP["1"].result.statusCode === 200`),
	}

	res, err := env.Engine.Run(env.Ctx, env.spec(task), "spec.json")
	require.NoError(t, err)
	tr := res.Tasks["get-widget"]

	require.Equal(t, domain.StatusPassed, tr.Status, tr.FailureReason)
	assert.Equal(t, domain.StatePassed, tr.State)
	assert.Empty(t, tr.FailureAnalysis)
	require.Len(t, tr.TechnicalDebt, 1, "%+v", tr.TechnicalDebt)
	item := tr.TechnicalDebt[0]
	assert.Equal(t, domain.DebtPerformanceDegradation, item.Category)
	assert.Equal(t, domain.SeverityLow, item.Severity)
	assert.Equal(t, "performance-detector", item.Detector)
	assert.EqualValues(t, 1500, item.Evidence["durationMs"])
	assert.EqualValues(t, 1000, item.Evidence["thresholdMs"])
}

// namedAnalyzer always classifies the failure under a fixed category.
type namedAnalyzer struct {
	name     string
	priority int
	category string
	panics   bool
}

func (a namedAnalyzer) Name() string  { return a.name }
func (a namedAnalyzer) Priority() int { return a.priority }
func (a namedAnalyzer) Analyze(_ context.Context, _ []domain.ActionResult, reason string, _ domain.Task) (*domain.FailureAnalysisResult, error) {
	if a.panics {
		panic("analyzer bug")
	}
	return &domain.FailureAnalysisResult{Category: a.category, Reason: reason, Confidence: 0.5}, nil
}

func TestEveryMatchingAnalyzerContributes(t *testing.T) {
	boom := &fakeExecutor{name: "boom-executor", types: []string{"BOOM"}, fn: func(context.Context, map[string]any) (any, error) {
		return nil, errors.New("exited with code 2")
	}}
	env := newTestEnv(t, envOptions{
		fakes: []*fakeExecutor{boom},
		extra: func(cat *plugin.Catalog) {
			cat.Add(plugin.KindFailureAnalyzer, "custom", plugin.Static(namedAnalyzer{name: "custom-analyzer", priority: 200, category: domain.CategoryConfigurationError}))
			cat.Add(plugin.KindFailureAnalyzer, "broken", plugin.Static(namedAnalyzer{name: "broken-analyzer", priority: 10, panics: true}))
		},
	})
	task := domain.Task{ID: "t", Title: "t", Steps: []domain.Action{action("STEP.1", "BOOM", nil)}}

	res, err := env.Engine.Run(env.Ctx, env.spec(task), "spec.json")
	require.NoError(t, err)
	tr := res.Tasks["t"]
	require.Equal(t, domain.StatusFailed, tr.Status)

	var names []string
	for _, fa := range tr.FailureAnalysis {
		names = append(names, fa.Analyzer)
		assert.NotNil(t, fa.BlockingItems)
	}
	assert.Equal(t, []string{"custom-analyzer", "error-pattern-analyzer"}, names)
	assert.Equal(t, domain.CategoryRuntimeError, tr.FailureAnalysis[1].Category)
}

func TestPrerequisiteFailureSkipsStepsAndRunsCleanupOnce(t *testing.T) {
	fail := &fakeExecutor{name: "fail-executor", types: []string{"FAIL"}, fn: func(context.Context, map[string]any) (any, error) {
		return nil, errors.New("service unavailable")
	}}
	noop := &fakeExecutor{name: "noop-executor", types: []string{"NOOP"}}
	env := newTestEnv(t, envOptions{fakes: []*fakeExecutor{fail, noop}})
	task := domain.Task{
		ID:                 "t",
		Title:              "t",
		Prerequisites:      []domain.Action{action("PREREQ.1", "FAIL", nil)},
		Steps:              []domain.Action{action("STEP.1", "NOOP", nil)},
		Cleanup:            []domain.Action{action("CLEANUP.1", "NOOP", nil)},
		ValidationCriteria: conditions(`PREREQ["1"].success === false`),
	}

	res, err := env.Engine.Run(env.Ctx, env.spec(task), "spec.json")
	require.NoError(t, err)
	tr := res.Tasks["t"]
	assert.Equal(t, domain.StatusFailed, tr.Status)
	assert.Contains(t, tr.FailureReason, "PREREQ.1")
	assert.Nil(t, tr.Validation, "conditions are not evaluated after a prerequisite abort")
	assert.EqualValues(t, 1, noop.calls.Load(), "only the cleanup action runs")
	var phases []domain.Phase
	for _, ar := range tr.ActionResults {
		phases = append(phases, ar.Phase)
	}
	assert.Equal(t, []domain.Phase{domain.PhasePrerequisite, domain.PhaseCleanup}, phases)
}

func TestContinueOnFailureKeepsGoing(t *testing.T) {
	fail := &fakeExecutor{name: "fail-executor", types: []string{"FAIL"}, fn: func(context.Context, map[string]any) (any, error) {
		return nil, errors.New("expected failure")
	}}
	noop := &fakeExecutor{name: "noop-executor", types: []string{"NOOP"}}
	env := newTestEnv(t, envOptions{fakes: []*fakeExecutor{fail, noop}})
	first := action("STEP.1", "FAIL", nil)
	first.ContinueOnFailure = true
	task := domain.Task{
		ID:                 "t",
		Title:              "t",
		Steps:              []domain.Action{first, action("STEP.2", "NOOP", nil)},
		ValidationCriteria: conditions(`STEP["1"].success === false`, `STEP["2"].success === true`),
	}

	res, err := env.Engine.Run(env.Ctx, env.spec(task), "spec.json")
	require.NoError(t, err)
	tr := res.Tasks["t"]
	assert.Equal(t, domain.StatusPassed, tr.Status, tr.FailureReason)
	assert.Len(t, tr.ActionResults, 2)

	task.CompletionCriteria.AllStepsMustPass = true
	res, err = env.Engine.Run(env.Ctx, env.spec(task), "spec.json")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, res.Tasks["t"].Status)
	assert.Contains(t, res.Tasks["t"].FailureReason, "all steps must pass")
}

func TestFailedConditionFailsTask(t *testing.T) {
	noop := &fakeExecutor{name: "noop-executor", types: []string{"NOOP"}}
	env := newTestEnv(t, envOptions{fakes: []*fakeExecutor{noop}})
	task := domain.Task{
		ID:                 "t",
		Title:              "t",
		Steps:              []domain.Action{action("STEP.1", "NOOP", nil)},
		ValidationCriteria: conditions(`STEP["1"].success === true`, `STEP["1"].result.ok === false`, `STEP[`),
	}

	res, err := env.Engine.Run(env.Ctx, env.spec(task), "spec.json")
	require.NoError(t, err)
	tr := res.Tasks["t"]
	assert.Equal(t, domain.StatusFailed, tr.Status)
	assert.Contains(t, tr.FailureReason, `condition "STEP[\"1\"].result.ok === false" not satisfied`)
	require.NotNil(t, tr.Validation)
	require.Len(t, tr.Validation.Evaluations, 3)
	assert.True(t, tr.Validation.Evaluations[0].Passed)
	assert.NotEmpty(t, tr.Validation.Evaluations[2].Error)
	assert.Empty(t, tr.TechnicalDebt)
	assert.NotEmpty(t, tr.FailureAnalysis)
}

func TestRequiredEvidence(t *testing.T) {
	noop := &fakeExecutor{name: "noop-executor", types: []string{"NOOP"}}
	env := newTestEnv(t, envOptions{fakes: []*fakeExecutor{noop}})
	task := domain.Task{
		ID:    "t",
		Title: "t",
		Steps: []domain.Action{action("STEP.1", "NOOP", nil)},
		CompletionCriteria: domain.CompletionCriteria{
			RequiredEvidence: []string{"1", "STEP.1"},
		},
	}
	res, err := env.Engine.Run(env.Ctx, env.spec(task), "spec.json")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPassed, res.Tasks["t"].Status, res.Tasks["t"].FailureReason)

	task.CompletionCriteria.RequiredEvidence = []string{"STEP.9"}
	res, err = env.Engine.Run(env.Ctx, env.spec(task), "spec.json")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, res.Tasks["t"].Status)
	assert.Contains(t, res.Tasks["t"].FailureReason, "required evidence missing for STEP.9")
}

func TestUnknownActionTypeFails(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	task := domain.Task{ID: "t", Title: "t", Steps: []domain.Action{action("STEP.1", "TELEPORT", nil)}}

	res, err := env.Engine.Run(env.Ctx, env.spec(task), "spec.json")
	require.NoError(t, err)
	tr := res.Tasks["t"]
	assert.Equal(t, domain.StatusFailed, tr.Status)
	assert.Equal(t, `no executor registered for action type "TELEPORT"`, tr.ActionResults[0].Error)
	require.NotEmpty(t, tr.FailureAnalysis)
	assert.Equal(t, domain.CategoryConfigurationError, tr.FailureAnalysis[0].Category)
}

func TestStopOnFailureSkipsRemainingTasks(t *testing.T) {
	fail := &fakeExecutor{name: "fail-executor", types: []string{"FAIL"}, fn: func(context.Context, map[string]any) (any, error) {
		return nil, errors.New("broken")
	}}
	noop := &fakeExecutor{name: "noop-executor", types: []string{"NOOP"}}
	env := newTestEnv(t, envOptions{fakes: []*fakeExecutor{fail, noop}, opts: engine.Options{StopOnFailure: true}})
	s := env.spec(
		domain.Task{ID: "a", Title: "a", Steps: []domain.Action{action("STEP.1", "NOOP", nil)}},
		domain.Task{ID: "b", Title: "b", Steps: []domain.Action{action("STEP.1", "FAIL", nil)}},
		domain.Task{ID: "c", Title: "c", Steps: []domain.Action{action("STEP.1", "NOOP", nil)}},
	)

	res, err := env.Engine.Run(env.Ctx, s, "spec.json")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, res.TaskOrder)
	assert.Equal(t, domain.StatusPassed, res.Tasks["a"].Status)
	assert.Equal(t, domain.StatusFailed, res.Tasks["b"].Status)
	assert.Equal(t, domain.StatusSkipped, res.Tasks["c"].Status)
	assert.Contains(t, res.Tasks["c"].FailureReason, "task b failed")
	assert.EqualValues(t, 1, noop.calls.Load())
	assert.Equal(t, domain.Summary{Total: 3, Passed: 1, Failed: 1, Skipped: 1, FailureAnalyses: len(res.Tasks["b"].FailureAnalysis)}, res.Summary())
	assert.True(t, res.AnyFailed())
}

func TestCancelledRunSkipsTasks(t *testing.T) {
	noop := &fakeExecutor{name: "noop-executor", types: []string{"NOOP"}}
	env := newTestEnv(t, envOptions{fakes: []*fakeExecutor{noop}})
	ctx, cancel := context.WithCancel(env.Ctx)
	cancel()

	res, err := env.Engine.Run(ctx, env.spec(domain.Task{ID: "a", Title: "a", Steps: []domain.Action{action("STEP.1", "NOOP", nil)}}), "spec.json")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSkipped, res.Tasks["a"].Status)
	assert.Zero(t, noop.calls.Load())
	_, err = os.Stat(filepath.Join(env.Dir, evidence.LatestReportFile))
	assert.NoError(t, err, "the final report is written even when cancelled")
}

func TestDryRunPlansWithoutExecuting(t *testing.T) {
	noop := &fakeExecutor{name: "noop-executor", types: []string{"NOOP"}}
	env := newTestEnv(t, envOptions{fakes: []*fakeExecutor{noop}, opts: engine.Options{DryRun: true}})
	s := env.spec(domain.Task{
		ID:      "a",
		Title:   "a",
		Steps:   []domain.Action{action("STEP.1", "NOOP", nil), action("STEP.2", "TELEPORT", nil)},
		Cleanup: []domain.Action{action("CLEANUP.1", domain.ActionTerminalCommand, map[string]any{"command": "true"})},
	})

	res, err := env.Engine.Run(env.Ctx, s, "spec.json")
	require.NoError(t, err)
	assert.True(t, res.DryRun)
	assert.Zero(t, noop.calls.Load())
	tr := res.Tasks["a"]
	assert.Equal(t, domain.StatusSkipped, tr.Status)
	require.Len(t, tr.ActionResults, 3)
	assert.Equal(t, "noop-executor", tr.ActionResults[0].Executor)
	assert.False(t, tr.ActionResults[1].Success)
	assert.Equal(t, "terminal-executor", tr.ActionResults[2].Executor)
	assert.Equal(t, "1 action(s) have no executor", res.FatalError)
	assert.True(t, res.AnyFailed())

	_, err = os.Stat(env.Dir)
	assert.True(t, os.IsNotExist(err), "dry run writes no evidence")
}

func TestTaskFilter(t *testing.T) {
	noop := &fakeExecutor{name: "noop-executor", types: []string{"NOOP"}}
	env := newTestEnv(t, envOptions{fakes: []*fakeExecutor{noop}, opts: engine.Options{Tasks: []string{"c", "a"}}})
	s := env.spec(
		domain.Task{ID: "a", Title: "a", Steps: []domain.Action{action("STEP.1", "NOOP", nil)}},
		domain.Task{ID: "b", Title: "b", Steps: []domain.Action{action("STEP.1", "NOOP", nil)}},
		domain.Task{ID: "c", Title: "c", Steps: []domain.Action{action("STEP.1", "NOOP", nil)}},
	)
	res, err := env.Engine.Run(env.Ctx, s, "spec.json")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c"}, res.TaskOrder)

	env.Engine.Options.Tasks = []string{"missing"}
	res, err = env.Engine.Run(env.Ctx, s, "spec.json")
	var ute *engine.UnknownTaskError
	require.ErrorAs(t, err, &ute)
	assert.Equal(t, "missing", ute.TaskID)
	assert.Equal(t, `unknown task "missing"`, res.FatalError)
}

func TestExecutorPanicFailsOnlyThatTask(t *testing.T) {
	bad := &fakeExecutor{name: "panic-executor", types: []string{"PANIC"}, fn: func(context.Context, map[string]any) (any, error) {
		panic("nil map write")
	}}
	noop := &fakeExecutor{name: "noop-executor", types: []string{"NOOP"}}
	env := newTestEnv(t, envOptions{fakes: []*fakeExecutor{bad, noop}})
	s := env.spec(
		domain.Task{ID: "a", Title: "a", Steps: []domain.Action{action("STEP.1", "PANIC", nil)}, Cleanup: []domain.Action{action("CLEANUP.1", "NOOP", nil)}},
		domain.Task{ID: "b", Title: "b", Steps: []domain.Action{action("STEP.1", "NOOP", nil)}},
	)
	res, err := env.Engine.Run(env.Ctx, s, "spec.json")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, res.Tasks["a"].Status)
	assert.Contains(t, res.Tasks["a"].ActionResults[0].Error, "panic-executor panicked: nil map write")
	assert.Equal(t, domain.StatusPassed, res.Tasks["b"].Status)
	assert.EqualValues(t, 2, noop.calls.Load())
}

func TestExecutorIgnoringCancellationIsAbandoned(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	stuck := &fakeExecutor{name: "stuck-executor", types: []string{"STUCK"}, fn: func(context.Context, map[string]any) (any, error) {
		<-release
		return nil, nil
	}}
	env := newTestEnv(t, envOptions{fakes: []*fakeExecutor{stuck}, opts: engine.Options{DefaultTimeout: 20 * time.Millisecond}})
	res, err := env.Engine.Run(env.Ctx, env.spec(domain.Task{ID: "a", Title: "a", Steps: []domain.Action{action("STEP.1", "STUCK", nil)}}), "spec.json")
	require.NoError(t, err)
	ar := res.Tasks["a"].ActionResults[0]
	assert.True(t, ar.TimedOut)
	assert.Nil(t, ar.Result)
}

func TestIdenticalRunsProduceIdenticalOutcomes(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	marker := filepath.Join(env.Global.WorkspaceRoot, "present.txt")
	require.NoError(t, os.WriteFile(marker, []byte("ready\n"), 0o644))
	s := env.spec(
		domain.Task{ID: "present", Title: "present", Steps: []domain.Action{action("STEP.1", domain.ActionFileValidation, map[string]any{"path": "present.txt", "contains": "ready"})}},
		domain.Task{ID: "absent", Title: "absent", Steps: []domain.Action{action("STEP.1", domain.ActionFileValidation, map[string]any{"path": "absent.txt"})}},
	)

	outcome := func(res domain.ExecutionResults) map[string]string {
		out := map[string]string{}
		for id, tr := range res.Tasks {
			var cats []string
			for _, fa := range tr.FailureAnalysis {
				cats = append(cats, fa.Category)
			}
			out[id] = string(tr.Status) + "|" + strings.Join(cats, ",")
		}
		return out
	}
	first, err := env.Engine.Run(env.Ctx, s, "spec.json")
	require.NoError(t, err)
	second, err := env.Engine.Run(env.Ctx, s, "spec.json")
	require.NoError(t, err)
	assert.Equal(t, outcome(first), outcome(second))
	assert.Equal(t, "PASSED|", outcome(first)["present"])
}

func TestParsedSpecificationRoundTrip(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	doc := `{
  "schemaVersion": "1.0",
  "globalConfiguration": {"workspaceRoot": "."},
  "tasks": {
    "first": {"title": "First", "testExecution": {"steps": [{"actionId": "STEP.1", "type": "FILE_VALIDATION", "parameters": {"path": "."}}]}, "validationCriteria": {"successConditions": [{"condition": "STEP[\"1\"].success === true"}]}},
    "second": {"title": "Second", "testExecution": {"steps": [{"actionId": "STEP.1", "type": "FILE_VALIDATION", "parameters": {"path": ".", "isDirectory": true}}]}, "validationCriteria": {"successConditions": []}},
    "third": {"title": "Third", "testExecution": {"steps": [{"actionId": "STEP.1", "type": "FILE_VALIDATION", "parameters": {"path": "nope"}}]}, "validationCriteria": {"successConditions": []}}
  }
}`
	s, err := spec.Parse([]byte(doc), spec.FormatJSON, spec.Options{BaseDir: env.Global.WorkspaceRoot})
	require.NoError(t, err)

	res, err := env.Engine.Run(env.Ctx, s, "inline.json")
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "second", "third"}, res.TaskOrder)
	assert.Len(t, res.Tasks, 3)
	sum := res.Summary()
	assert.Equal(t, 3, sum.Total)
	assert.Equal(t, 2, sum.Passed)
	assert.Equal(t, 1, sum.Failed)
	for id, tr := range res.Tasks {
		if tr.Status == domain.StatusPassed {
			assert.Empty(t, tr.FailureAnalysis, id)
		} else {
			assert.Empty(t, tr.TechnicalDebt, id)
			assert.NotEmpty(t, tr.FailureAnalysis, id)
		}
	}
	assert.Equal(t, 1.0, testutil.ToFloat64(env.Metrics.TasksTotal.WithLabelValues(string(domain.StatusFailed))))
}
