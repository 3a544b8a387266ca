// Package plugin defines the capability interfaces contributed by executors,
// failure analyzers and technical debt detectors, and the registry that
// indexes them.
package plugin

import (
	"context"
	"fmt"

	"codor/internal/domain"
)

// Executor performs one or more action types.
type Executor interface {
	Name() string
	Version() string
	ActionTypes() []string
	// Execute runs one action. The returned value becomes the action's
	// result payload; it should be JSON encodable. Implementations must
	// stop work when ctx is done.
	Execute(ctx context.Context, params map[string]any, global domain.GlobalConfiguration) (any, error)
}

// Cleaner is implemented by executors holding process-lifetime resources.
type Cleaner interface {
	Cleanup(ctx context.Context) error
}

// FailureAnalyzer classifies why a task failed. A nil result means the
// analyzer did not match.
type FailureAnalyzer interface {
	Name() string
	Priority() int
	Analyze(ctx context.Context, results []domain.ActionResult, failureReason string, task domain.Task) (*domain.FailureAnalysisResult, error)
}

// DebtDetector flags quality problems in a passing task.
type DebtDetector interface {
	Name() string
	Priority() int
	Analyze(ctx context.Context, results []domain.ActionResult, task domain.Task) ([]domain.TechnicalDebtItem, error)
}

// Kind names a catalog section.
type Kind string

const (
	KindExecutor        Kind = "executors"
	KindFailureAnalyzer Kind = "failure-analyzers"
	KindDebtDetector    Kind = "technical-debt-detectors"
)

const (
	MinPriority = 0
	MaxPriority = 1000
)

// ValidationError reports a plugin that was rejected during loading.
type ValidationError struct {
	Kind   Kind
	Module string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("plugin %s/%s rejected: %s", e.Kind, e.Module, e.Reason)
}

// Entry is one loadable module of a catalog section.
type Entry struct {
	Module string
	New    func() (any, error)
}

// Catalog is the static table of plugin modules, one section per kind.
type Catalog struct {
	Executors        []Entry
	FailureAnalyzers []Entry
	DebtDetectors    []Entry
}

// Add appends a module to the section for kind.
func (c *Catalog) Add(kind Kind, module string, ctor func() (any, error)) {
	e := Entry{Module: module, New: ctor}
	switch kind {
	case KindExecutor:
		c.Executors = append(c.Executors, e)
	case KindFailureAnalyzer:
		c.FailureAnalyzers = append(c.FailureAnalyzers, e)
	case KindDebtDetector:
		c.DebtDetectors = append(c.DebtDetectors, e)
	}
}

// Static wraps an already-built plugin value as a constructor.
func Static(v any) func() (any, error) {
	return func() (any, error) { return v, nil }
}

// Info describes a registered plugin for listings.
type Info struct {
	Kind        Kind     `json:"kind"`
	Name        string   `json:"name"`
	Version     string   `json:"version,omitempty"`
	Priority    *int     `json:"priority,omitempty"`
	ActionTypes []string `json:"actionTypes,omitempty"`
}
