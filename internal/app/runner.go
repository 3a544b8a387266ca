// Package app wires configuration, plugins, evidence and the engine into the
// runner shared by the CLI and the evidence API.
package app

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"codor/internal/analyzers"
	"codor/internal/config"
	"codor/internal/debt"
	"codor/internal/domain"
	"codor/internal/engine"
	"codor/internal/evidence"
	"codor/internal/executors"
	"codor/internal/ledger"
	"codor/internal/logging"
	"codor/internal/metrics"
	"codor/internal/plugin"
	"codor/internal/spec"
)

// LoadConfig reads the explicit config file, or codor.yml next to the
// specification when present, or the defaults.
func LoadConfig(configPath, specPath string) (*config.Config, error) {
	if configPath != "" {
		return config.FromFile(configPath)
	}
	dir := "."
	if specPath != "" {
		dir = filepath.Dir(specPath)
	}
	return config.LoadOptional(dir)
}

// NewLogger builds the process logger from config; verbose forces debug.
func NewLogger(cfg *config.Config, verbose bool, out io.Writer) (*zap.Logger, error) {
	opts := logging.Options{Verbose: verbose, Output: out}
	if cfg != nil {
		opts.Format = cfg.Logging.Format
		if !verbose {
			opts.Level = cfg.Logging.Level
		}
	}
	return logging.New(opts)
}

// Catalog is the static plugin table of the built-in modules.
func Catalog(cfg *config.Config) plugin.Catalog {
	var cat plugin.Catalog
	executors.AddTo(&cat, executors.Options{
		BrowserControl: cfg.Executors.BrowserControl,
		BrowserBin:     cfg.Executors.BrowserBin,
		Headful:        cfg.Executors.Headful,
		DockerBinary:   cfg.Executors.DockerBinary,
	})
	analyzers.AddTo(&cat)
	debt.AddTo(&cat, cfg.Debt.Thresholds)
	return cat
}

// Runner executes specifications with one plugin registry and one metrics
// registry. Runs are serialized.
type Runner struct {
	Config   *config.Config
	Log      *zap.Logger
	Registry *plugin.Registry
	Metrics  *metrics.Metrics
	Gatherer *prometheus.Registry
	Version  string

	mu sync.Mutex
}

// NewRunner loads the plugins of cat, or of Catalog(cfg) when cat is nil.
func NewRunner(ctx context.Context, cfg *config.Config, log *zap.Logger, version string, cat *plugin.Catalog) (*Runner, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	log = logging.OrNop(log)
	if cat == nil {
		c := Catalog(cfg)
		cat = &c
	}
	reg := plugin.NewRegistry(log, plugin.WithDisabled(cfg.Plugins.Disabled...))
	if err := reg.LoadAll(ctx, *cat); err != nil {
		return nil, fmt.Errorf("load plugins: %w", err)
	}

	prom := prometheus.NewRegistry()
	prom.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(prom)
	counts := map[plugin.Kind]int{}
	for _, info := range reg.Describe() {
		counts[info.Kind]++
	}
	for _, kind := range []plugin.Kind{plugin.KindExecutor, plugin.KindFailureAnalyzer, plugin.KindDebtDetector} {
		m.SetPlugins(string(kind), counts[kind])
	}

	return &Runner{
		Config:   cfg,
		Log:      log,
		Registry: reg,
		Metrics:  m,
		Gatherer: prom,
		Version:  version,
	}, nil
}

// Close releases executor resources (browsers, database pools).
func (r *Runner) Close(ctx context.Context) error {
	return r.Registry.Cleanup(ctx)
}

type RunOptions struct {
	SpecPath      string
	EvidenceDir   string
	DryRun        bool
	StopOnFailure bool
	Tasks         []string
	Overrides     map[string]string
}

// RunOutcome is what a run produced. EvidenceDir is empty for dry runs.
type RunOutcome struct {
	Results     domain.ExecutionResults
	EvidenceDir string
	ReportPath  string
}

// EvidenceDir picks the evidence directory: explicit, then config, then the
// specification's own.
func (r *Runner) EvidenceDir(explicit string, s *domain.TestSpecification) (string, error) {
	dir := explicit
	if dir == "" {
		dir = r.Config.Evidence.Dir
	}
	if dir == "" && s != nil {
		dir = s.GlobalConfiguration.EvidenceDirectory
	}
	if dir == "" {
		dir = "evidence"
	}
	return filepath.Abs(dir)
}

// Run loads the specification at opts.SpecPath and executes it. A load
// error is returned before anything runs; otherwise the outcome is complete
// even when err is non-nil.
func (r *Runner) Run(ctx context.Context, opts RunOptions) (RunOutcome, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, err := spec.Load(opts.SpecPath, spec.Options{Overrides: opts.Overrides})
	if err != nil {
		return RunOutcome{}, err
	}
	dir, err := r.EvidenceDir(opts.EvidenceDir, s)
	if err != nil {
		return RunOutcome{}, fmt.Errorf("evidence directory: %w", err)
	}
	s.GlobalConfiguration.EvidenceDirectory = dir

	runID := uuid.NewString()
	log := r.Log.With(zap.String("run", runID))
	eng := engine.New(r.Registry, nil, log, engine.Options{
		RunID:          runID,
		StopOnFailure:  opts.StopOnFailure || r.Config.Execution.StopOnFailure,
		DryRun:         opts.DryRun,
		Tasks:          opts.Tasks,
		DefaultTimeout: time.Duration(r.Config.Execution.DefaultTimeout),
	})
	eng.Metrics = r.Metrics
	if opts.DryRun {
		res, err := eng.Run(ctx, s, opts.SpecPath)
		return RunOutcome{Results: res}, err
	}

	col := &evidence.Collector{Dir: dir, RunID: runID, Version: r.Version, Metrics: r.Metrics, Log: log}
	var res domain.ExecutionResults
	if r.Config.LedgerEnabled() {
		l, err := ledger.Open(ctx, dir)
		if err != nil {
			return RunOutcome{}, err
		}
		defer l.Close()
		if err := l.StartRun(ctx, runID, opts.SpecPath); err != nil {
			return RunOutcome{}, fmt.Errorf("start run: %w", err)
		}
		col.Ledger = l
		defer func() {
			// the run row is closed whatever happened to the tasks
			if ferr := l.FinishRun(context.WithoutCancel(ctx), res, filepath.Join(dir, evidence.LatestReportFile)); ferr != nil {
				log.Error("ledger run not finished", zap.Error(ferr))
			}
		}()
	}
	eng.Evidence = col

	res, err = eng.Run(ctx, s, opts.SpecPath)
	return RunOutcome{
		Results:     res,
		EvidenceDir: dir,
		ReportPath:  filepath.Join(dir, evidence.LatestReportFile),
	}, err
}
