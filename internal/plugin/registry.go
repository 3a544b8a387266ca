package plugin

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"codor/internal/logging"
)

// Registry indexes loaded plugins by capability. It is populated once by
// LoadAll and read-only afterwards.
type Registry struct {
	log      *zap.Logger
	disabled map[string]bool
	names    map[Kind]map[string]bool

	executors []Executor
	byType    map[string][]Executor
	analyzers []FailureAnalyzer
	detectors []DebtDetector
	skipped   []*ValidationError
	loaded    bool
}

type Option func(*Registry)

// WithDisabled skips plugins by name.
func WithDisabled(names ...string) Option {
	return func(r *Registry) {
		for _, n := range names {
			r.disabled[n] = true
		}
	}
}

func NewRegistry(log *zap.Logger, opts ...Option) *Registry {
	r := &Registry{
		log:      logging.OrNop(log),
		disabled: map[string]bool{},
		names:    map[Kind]map[string]bool{},
		byType:   map[string][]Executor{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// LoadAll instantiates and validates every catalog entry. Invalid entries are
// logged and skipped; they never fail the load.
func (r *Registry) LoadAll(ctx context.Context, cat Catalog) error {
	if r.loaded {
		return errors.New("plugin registry already loaded")
	}
	r.loaded = true
	sections := []struct {
		kind    Kind
		entries []Entry
	}{
		{KindExecutor, cat.Executors},
		{KindFailureAnalyzer, cat.FailureAnalyzers},
		{KindDebtDetector, cat.DebtDetectors},
	}
	for _, sec := range sections {
		for _, e := range sec.entries {
			if err := ctx.Err(); err != nil {
				return err
			}
			if strings.HasPrefix(e.Module, "_") {
				r.log.Debug("ignoring private plugin module", zap.String("kind", string(sec.kind)), zap.String("module", e.Module))
				continue
			}
			if err := r.load(sec.kind, e); err != nil {
				var ve *ValidationError
				if !errors.As(err, &ve) {
					ve = &ValidationError{Kind: sec.kind, Module: e.Module, Reason: err.Error()}
				}
				r.skipped = append(r.skipped, ve)
				r.log.Warn("skipping plugin", zap.Error(ve))
			}
		}
	}
	r.log.Debug("plugins loaded",
		zap.Int("executors", len(r.executors)),
		zap.Int("failureAnalyzers", len(r.analyzers)),
		zap.Int("debtDetectors", len(r.detectors)),
		zap.Int("skipped", len(r.skipped)))
	return nil
}

func (r *Registry) load(kind Kind, e Entry) (err error) {
	reject := func(format string, args ...any) error {
		return &ValidationError{Kind: kind, Module: e.Module, Reason: fmt.Sprintf(format, args...)}
	}
	if e.New == nil {
		return reject("no constructor")
	}
	defer func() {
		if p := recover(); p != nil {
			err = reject("constructor panicked: %v", p)
		}
	}()
	v, err := e.New()
	if err != nil {
		return reject("constructor failed: %v", err)
	}
	switch kind {
	case KindExecutor:
		ex, ok := v.(Executor)
		if !ok {
			return reject("%T does not implement Executor", v)
		}
		return r.addExecutor(e.Module, ex)
	case KindFailureAnalyzer:
		a, ok := v.(FailureAnalyzer)
		if !ok {
			return reject("%T does not implement FailureAnalyzer", v)
		}
		return r.addAnalyzer(e.Module, a)
	case KindDebtDetector:
		d, ok := v.(DebtDetector)
		if !ok {
			return reject("%T does not implement DebtDetector", v)
		}
		return r.addDetector(e.Module, d)
	}
	return reject("unknown plugin kind")
}

func (r *Registry) claimName(kind Kind, module, name string) error {
	if strings.TrimSpace(name) == "" {
		return &ValidationError{Kind: kind, Module: module, Reason: "missing name"}
	}
	if r.names[kind] == nil {
		r.names[kind] = map[string]bool{}
	}
	if r.names[kind][name] {
		return &ValidationError{Kind: kind, Module: module, Reason: fmt.Sprintf("duplicate name %q", name)}
	}
	r.names[kind][name] = true
	return nil
}

func checkPriority(kind Kind, module string, p int) error {
	if p < MinPriority || p > MaxPriority {
		return &ValidationError{Kind: kind, Module: module, Reason: fmt.Sprintf("priority %d outside [%d,%d]", p, MinPriority, MaxPriority)}
	}
	return nil
}

func (r *Registry) addExecutor(module string, ex Executor) error {
	if strings.TrimSpace(ex.Version()) == "" {
		return &ValidationError{Kind: KindExecutor, Module: module, Reason: "missing version"}
	}
	types := ex.ActionTypes()
	if len(types) == 0 {
		return &ValidationError{Kind: KindExecutor, Module: module, Reason: "declares no action types"}
	}
	if r.disabled[ex.Name()] {
		r.log.Info("plugin disabled by configuration", zap.String("name", ex.Name()))
		return nil
	}
	if err := r.claimName(KindExecutor, module, ex.Name()); err != nil {
		return err
	}
	r.executors = append(r.executors, ex)
	for _, t := range types {
		r.byType[t] = append(r.byType[t], ex)
	}
	return nil
}

func (r *Registry) addAnalyzer(module string, a FailureAnalyzer) error {
	if err := checkPriority(KindFailureAnalyzer, module, a.Priority()); err != nil {
		return err
	}
	if r.disabled[a.Name()] {
		r.log.Info("plugin disabled by configuration", zap.String("name", a.Name()))
		return nil
	}
	if err := r.claimName(KindFailureAnalyzer, module, a.Name()); err != nil {
		return err
	}
	r.analyzers = append(r.analyzers, a)
	return nil
}

func (r *Registry) addDetector(module string, d DebtDetector) error {
	if err := checkPriority(KindDebtDetector, module, d.Priority()); err != nil {
		return err
	}
	if r.disabled[d.Name()] {
		r.log.Info("plugin disabled by configuration", zap.String("name", d.Name()))
		return nil
	}
	if err := r.claimName(KindDebtDetector, module, d.Name()); err != nil {
		return err
	}
	r.detectors = append(r.detectors, d)
	return nil
}

// ExecutorsFor returns the executors declaring actionType, in registration
// order.
func (r *Registry) ExecutorsFor(actionType string) []Executor {
	return append([]Executor(nil), r.byType[actionType]...)
}

// ActionTypes lists every action type with at least one executor.
func (r *Registry) ActionTypes() []string {
	out := make([]string, 0, len(r.byType))
	for t := range r.byType {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// FailureAnalyzers returns analyzers by descending priority; ties keep
// registration order.
func (r *Registry) FailureAnalyzers() []FailureAnalyzer {
	out := append([]FailureAnalyzer(nil), r.analyzers...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority() > out[j].Priority() })
	return out
}

// DebtDetectors returns detectors by descending priority; ties keep
// registration order.
func (r *Registry) DebtDetectors() []DebtDetector {
	out := append([]DebtDetector(nil), r.detectors...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority() > out[j].Priority() })
	return out
}

// Skipped returns the plugins rejected during LoadAll.
func (r *Registry) Skipped() []*ValidationError {
	return append([]*ValidationError(nil), r.skipped...)
}

// Describe lists every registered plugin.
func (r *Registry) Describe() []Info {
	var out []Info
	for _, ex := range r.executors {
		types := append([]string(nil), ex.ActionTypes()...)
		out = append(out, Info{Kind: KindExecutor, Name: ex.Name(), Version: ex.Version(), ActionTypes: types})
	}
	for _, a := range r.FailureAnalyzers() {
		p := a.Priority()
		out = append(out, Info{Kind: KindFailureAnalyzer, Name: a.Name(), Priority: &p})
	}
	for _, d := range r.DebtDetectors() {
		p := d.Priority()
		out = append(out, Info{Kind: KindDebtDetector, Name: d.Name(), Priority: &p})
	}
	return out
}

// Cleanup releases executor resources. Every cleaner runs even if an earlier
// one fails.
func (r *Registry) Cleanup(ctx context.Context) error {
	var errs []error
	for _, ex := range r.executors {
		c, ok := ex.(Cleaner)
		if !ok {
			continue
		}
		if err := c.Cleanup(ctx); err != nil {
			errs = append(errs, fmt.Errorf("cleanup %s: %w", ex.Name(), err))
		}
	}
	return errors.Join(errs...)
}
