package domain

import "time"

// Action types understood by the built-in executors. The set is open: any
// registered executor may declare additional types.
const (
	ActionTerminalCommand = "TERMINAL_COMMAND"
	ActionHTTPRequest     = "HTTP_REQUEST"
	ActionFileValidation  = "FILE_VALIDATION"
	ActionBrowserCommand  = "MCP_BROWSER_COMMAND"
	ActionDatabaseQuery   = "DATABASE_QUERY"
	ActionDockerCommand   = "DOCKER_COMMAND"
	ActionCustomScript    = "CUSTOM_SCRIPT"
)

type Phase string

const (
	PhasePrerequisite Phase = "PREREQUISITE"
	PhaseStep         Phase = "STEP"
	PhaseCleanup      Phase = "CLEANUP"
)

type TaskStatus string

const (
	StatusPending TaskStatus = "PENDING"
	StatusPassed  TaskStatus = "PASSED"
	StatusFailed  TaskStatus = "FAILED"
	StatusSkipped TaskStatus = "SKIPPED"
)

// TaskState is a lifecycle state of a single task run.
type TaskState string

const (
	StatePending              TaskState = "PENDING"
	StateRunningPrerequisites TaskState = "RUNNING_PREREQUISITES"
	StateRunningSteps         TaskState = "RUNNING_STEPS"
	StateRunningCleanup       TaskState = "RUNNING_CLEANUP"
	StateEvaluating           TaskState = "EVALUATING"
	StatePassed               TaskState = "PASSED"
	StateFailed               TaskState = "FAILED"
)

type Severity string

const (
	SeverityLow    Severity = "LOW"
	SeverityMedium Severity = "MEDIUM"
	SeverityHigh   Severity = "HIGH"
)

// Failure categories.
const (
	CategoryIncompleteImplementation = "INCOMPLETE_IMPLEMENTATION"
	CategoryCompilationError         = "COMPILATION_ERROR"
	CategoryEnvironmentError         = "ENVIRONMENT_ERROR"
	CategoryAuthenticationError      = "AUTHENTICATION_ERROR"
	CategoryTimeout                  = "TIMEOUT"
	CategoryDependencyError          = "DEPENDENCY_ERROR"
	CategoryRuntimeError             = "RUNTIME_ERROR"
	CategoryValidationFailure        = "VALIDATION_FAILURE"
	CategoryConfigurationError       = "CONFIGURATION_ERROR"
	CategoryUnknown                  = "UNKNOWN"
)

// Technical debt categories.
const (
	DebtPerformanceDegradation = "PERFORMANCE_DEGRADATION"
	DebtMissingMetadata        = "MISSING_RESPONSE_METADATA"
	DebtGenericErrorResponse   = "GENERIC_ERROR_RESPONSE"
	DebtSkippedTests           = "SKIPPED_TESTS"
	DebtMockUsage              = "MOCK_USAGE"
)

type TestSpecification struct {
	SchemaVersion       string              `json:"schemaVersion"`
	Metadata            map[string]any      `json:"metadata,omitempty"`
	GlobalConfiguration GlobalConfiguration `json:"globalConfiguration"`
	Tasks               map[string]Task     `json:"tasks"`
	// TaskOrder keeps the declaration order of Tasks.
	TaskOrder []string `json:"-"`
}

type GlobalConfiguration struct {
	WorkspaceRoot     string            `json:"workspaceRoot,omitempty"`
	EvidenceDirectory string            `json:"evidenceDirectory,omitempty"`
	Environment       map[string]string `json:"environment,omitempty"`
	// Timeout is the default action timeout in milliseconds.
	Timeout int64 `json:"timeout,omitempty"`
}

type Task struct {
	ID                 string             `json:"id"`
	Title              string             `json:"title"`
	Description        string             `json:"description,omitempty"`
	Timeout            int64              `json:"timeout,omitempty"`
	Prerequisites      []Action           `json:"prerequisites,omitempty"`
	Steps              []Action           `json:"steps"`
	Cleanup            []Action           `json:"cleanup,omitempty"`
	ValidationCriteria ValidationCriteria `json:"validationCriteria"`
	CompletionCriteria CompletionCriteria `json:"completionCriteria"`
}

// Actions returns the action list declared for a phase.
func (t Task) Actions(p Phase) []Action {
	switch p {
	case PhasePrerequisite:
		return t.Prerequisites
	case PhaseStep:
		return t.Steps
	case PhaseCleanup:
		return t.Cleanup
	}
	return nil
}

type Action struct {
	ActionID          string         `json:"actionId"`
	Type              string         `json:"type"`
	Description       string         `json:"description,omitempty"`
	Parameters        map[string]any `json:"parameters,omitempty"`
	Timeout           int64          `json:"timeout,omitempty"`
	ContinueOnFailure bool           `json:"continueOnFailure,omitempty"`
}

type ValidationCriteria struct {
	SuccessConditions []SuccessCondition `json:"successConditions"`
}

type SuccessCondition struct {
	Condition   string `json:"condition"`
	Description string `json:"description,omitempty"`
}

type CompletionCriteria struct {
	AllStepsMustPass bool     `json:"allStepsMustPass,omitempty"`
	RequiredEvidence []string `json:"requiredEvidence,omitempty"`
}

type ActionResult struct {
	ActionID   string    `json:"actionId"`
	Type       string    `json:"type"`
	Phase      Phase     `json:"phase"`
	Executor   string    `json:"executor,omitempty"`
	Success    bool      `json:"success"`
	Result     any       `json:"result,omitempty"`
	Error      string    `json:"error,omitempty"`
	TimedOut   bool      `json:"timedOut,omitempty"`
	StartTime  time.Time `json:"startTime"`
	EndTime    time.Time `json:"endTime"`
	DurationMS int64     `json:"durationMs"`
}

type ConditionEvaluation struct {
	Condition   string `json:"condition"`
	Description string `json:"description,omitempty"`
	Passed      bool   `json:"passed"`
	Error       string `json:"error,omitempty"`
}

type ValidationOutcome struct {
	Passed      bool                  `json:"passed"`
	Evaluations []ConditionEvaluation `json:"evaluations"`
}

type FailureEvidence struct {
	ActionID      string `json:"actionId,omitempty"`
	ActionType    string `json:"actionType,omitempty"`
	Phase         Phase  `json:"phase,omitempty"`
	ErrorFragment string `json:"errorFragment,omitempty"`
}

type FailureAnalysisResult struct {
	Analyzer      string          `json:"analyzer"`
	Category      string          `json:"category"`
	Reason        string          `json:"reason"`
	BlockingItems []string        `json:"blockingItems"`
	Remediation   string          `json:"remediation"`
	Confidence    float64         `json:"confidence"`
	Evidence      FailureEvidence `json:"evidence"`
}

type TechnicalDebtItem struct {
	Detector       string         `json:"detector"`
	Category       string         `json:"category"`
	Severity       Severity       `json:"severity"`
	ActionID       string         `json:"actionId,omitempty"`
	Description    string         `json:"description"`
	Recommendation string         `json:"recommendation"`
	Evidence       map[string]any `json:"evidence,omitempty"`
}

type TaskResult struct {
	TaskID          string                  `json:"taskId"`
	Title           string                  `json:"title"`
	Status          TaskStatus              `json:"status"`
	State           TaskState               `json:"state"`
	FailureReason   string                  `json:"failureReason,omitempty"`
	ActionResults   []ActionResult          `json:"actionResults"`
	Validation      *ValidationOutcome      `json:"validation,omitempty"`
	FailureAnalysis []FailureAnalysisResult `json:"failureAnalysis"`
	TechnicalDebt   []TechnicalDebtItem     `json:"technicalDebt"`
	StartTime       time.Time               `json:"startTime"`
	EndTime         time.Time               `json:"endTime"`
	DurationMS      int64                   `json:"durationMs"`
}

// FirstFailure returns the first failed action result, if any.
func (r TaskResult) FirstFailure() (ActionResult, bool) {
	return FirstFailed(r.ActionResults)
}

func FirstFailed(results []ActionResult) (ActionResult, bool) {
	for _, ar := range results {
		if !ar.Success {
			return ar, true
		}
	}
	return ActionResult{}, false
}

// ExecutionResults is the aggregate of one run over a specification.
type ExecutionResults struct {
	RunID         string                `json:"runId"`
	SpecPath      string                `json:"specPath"`
	SchemaVersion string                `json:"schemaVersion"`
	DryRun        bool                  `json:"dryRun,omitempty"`
	StartTime     time.Time             `json:"startTime"`
	EndTime       time.Time             `json:"endTime"`
	DurationMS    int64                 `json:"durationMs"`
	Tasks         map[string]TaskResult `json:"tasks"`
	TaskOrder     []string              `json:"taskOrder"`
	FatalError    string                `json:"fatalError,omitempty"`
}

type Summary struct {
	Total              int `json:"total"`
	Passed             int `json:"passed"`
	Failed             int `json:"failed"`
	Skipped            int `json:"skipped"`
	FailureAnalyses    int `json:"failureAnalyses"`
	TechnicalDebtItems int `json:"technicalDebtItems"`
}

func (r ExecutionResults) Summary() Summary {
	var s Summary
	for _, id := range r.TaskOrder {
		tr, ok := r.Tasks[id]
		if !ok {
			continue
		}
		s.Total++
		switch tr.Status {
		case StatusPassed:
			s.Passed++
		case StatusFailed:
			s.Failed++
		case StatusSkipped:
			s.Skipped++
		}
		s.FailureAnalyses += len(tr.FailureAnalysis)
		s.TechnicalDebtItems += len(tr.TechnicalDebt)
	}
	return s
}

// AnyFailed reports whether the run should exit non-zero.
func (r ExecutionResults) AnyFailed() bool {
	if r.FatalError != "" {
		return true
	}
	for _, tr := range r.Tasks {
		if tr.Status == StatusFailed {
			return true
		}
	}
	return false
}

// Ledger event types.
const (
	EventActionEvidence = "action.evidence"
	EventTaskSummary    = "task.summary"
	EventRunReport      = "run.report"
)

// LedgerEvent is one link of the evidence hash chain.
type LedgerEvent struct {
	Seq      int64  `json:"seq"`
	TS       string `json:"ts"`
	Type     string `json:"type"`
	RunID    string `json:"runId"`
	TaskID   string `json:"taskId,omitempty"`
	EntityID string `json:"entityId,omitempty"`
	Path     string `json:"path"`
	Digest   string `json:"digest"`
	PrevHash string `json:"prevHash"`
	Hash     string `json:"hash"`
}

// Run is the ledger's record of one execution.
type Run struct {
	ID         string `json:"id"`
	SpecPath   string `json:"specPath"`
	StartedAt  string `json:"startedAt"`
	FinishedAt string `json:"finishedAt,omitempty"`
	Status     string `json:"status"`
	Total      int    `json:"total"`
	Passed     int    `json:"passed"`
	Failed     int    `json:"failed"`
	Skipped    int    `json:"skipped"`
	ReportPath string `json:"reportPath,omitempty"`
}

// Run statuses.
const (
	RunRunning = "running"
	RunPassed  = "passed"
	RunFailed  = "failed"
)
