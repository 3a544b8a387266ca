package analyzers

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"codor/internal/domain"
)

// MaxFragment bounds the error fragment attached as evidence.
const MaxFragment = 500

type patternRule struct {
	regex       *regexp.Regexp
	category    string
	reason      string
	remediation string
	confidence  float64
}

// Rules are evaluated in order; the first match wins. Specific patterns come
// before generic ones so that e.g. a missing file is not reported as a plain
// runtime error.
func buildPatternRules() []*patternRule {
	return []*patternRule{
		{
			regex:       regexp.MustCompile(`(?i)deadline exceeded|timed out|\btimeout\b`),
			category:    domain.CategoryTimeout,
			reason:      "The action did not finish within its timeout",
			remediation: "Check whether the operation hangs or is slow; raise the action timeout only if the duration is expected",
			confidence:  0.9,
		},
		{
			regex:       regexp.MustCompile(`(?i)command not found|executable file not found|exited with code 127\b|connection refused|no such host|cannot connect to the docker daemon|launch chrome|permission denied`),
			category:    domain.CategoryEnvironmentError,
			reason:      "A required tool, service or permission is missing from the environment",
			remediation: "Install the missing tool or start the required service, then re-run",
			confidence:  0.85,
		},
		{
			regex:       regexp.MustCompile(`(?i)cannot find module|no required module|module not found|modulenotfounderror|importerror|missing go\.sum entry|is not in std|could not resolve dependenc|unable to resolve dependency`),
			category:    domain.CategoryDependencyError,
			reason:      "A dependency could not be resolved",
			remediation: "Add or install the missing dependency and update lock files",
			confidence:  0.85,
		},
		{
			regex:       regexp.MustCompile(`(?i)file not found|enoent|no such file or directory|\b404\b|\b501\b|not implemented|unimplemented|\bnot found\b`),
			category:    domain.CategoryIncompleteImplementation,
			reason:      "The implementation under test is missing a required file, route or feature",
			remediation: "Implement the missing artifact the task expects, then re-run the task",
			confidence:  0.8,
		},
		{
			regex:       regexp.MustCompile(`(?i)compilation failed|compile error|syntax ?error|undefined: |cannot use .+ as |build failed|expected ';'|unexpected token`),
			category:    domain.CategoryCompilationError,
			reason:      "The code does not compile",
			remediation: "Fix the compiler errors reported in the action output",
			confidence:  0.85,
		},
		{
			regex:       regexp.MustCompile(`(?i)\b40[13]\b|unauthori[sz]ed|forbidden|authentication failed|invalid token|token is expired|access denied`),
			category:    domain.CategoryAuthenticationError,
			reason:      "The request was rejected for missing or invalid credentials",
			remediation: "Verify the credentials, tokens and roles used by the action",
			confidence:  0.8,
		},
		{
			regex:       regexp.MustCompile(`(?i)invalid parameter|no executor registered|missing required|unsupported .+ command|configuration|\bconfig\b|invalid dsn|unknown driver`),
			category:    domain.CategoryConfigurationError,
			reason:      "The action or environment is misconfigured",
			remediation: "Correct the action parameters or configuration values named in the error",
			confidence:  0.75,
		},
		{
			regex:       regexp.MustCompile(`(?i)validation failed|condition .+ not satisfied|assert|does not contain|rows, expected|should not exist|--- FAIL|expected .+ (?:got|but)`),
			category:    domain.CategoryValidationFailure,
			reason:      "The observed behaviour does not match the expected result",
			remediation: "Compare the expected and actual values in the evidence and fix the behaviour",
			confidence:  0.7,
		},
		{
			regex:       regexp.MustCompile(`(?i)panic|exception|traceback|segmentation fault|fatal error|runtime error|exited with code|\b5\d\d\b|process killed`),
			category:    domain.CategoryRuntimeError,
			reason:      "The code failed at runtime",
			remediation: "Inspect the captured output for the failing call and fix the error",
			confidence:  0.6,
		},
	}
}

// ErrorPattern classifies a failure by matching the error text of the first
// failed action against an ordered rule table. It always produces a result,
// falling back to UNKNOWN.
type ErrorPattern struct {
	rules []*patternRule
}

func NewErrorPattern() *ErrorPattern {
	return &ErrorPattern{rules: buildPatternRules()}
}

func (a *ErrorPattern) Name() string  { return "error-pattern-analyzer" }
func (a *ErrorPattern) Priority() int { return 100 }

func (a *ErrorPattern) Analyze(_ context.Context, results []domain.ActionResult, failureReason string, task domain.Task) (*domain.FailureAnalysisResult, error) {
	failed, hasFailed := domain.FirstFailed(results)
	text := failureText(failed, hasFailed, failureReason)

	out := &domain.FailureAnalysisResult{
		Analyzer: a.Name(),
	}
	if hasFailed {
		out.Evidence = domain.FailureEvidence{
			ActionID:   failed.ActionID,
			ActionType: failed.Type,
			Phase:      failed.Phase,
		}
	}

	if hasFailed && failed.TimedOut {
		r := a.rules[0]
		out.Category, out.Reason, out.Remediation, out.Confidence = r.category, r.reason, r.remediation, 0.95
		out.Evidence.ErrorFragment = fragment(text, nil)
		out.BlockingItems = blockingItems(failed, hasFailed, task, out.Evidence.ErrorFragment)
		return out, nil
	}

	for _, r := range a.rules {
		loc := r.regex.FindStringIndex(text)
		if loc == nil {
			continue
		}
		out.Category, out.Reason, out.Remediation, out.Confidence = r.category, r.reason, r.remediation, r.confidence
		out.Evidence.ErrorFragment = fragment(text, loc)
		out.BlockingItems = blockingItems(failed, hasFailed, task, out.Evidence.ErrorFragment)
		return out, nil
	}

	out.Category = domain.CategoryUnknown
	out.Reason = "The failure did not match any known pattern"
	out.Remediation = "Inspect the action evidence manually"
	out.Confidence = 0.1
	out.Evidence.ErrorFragment = fragment(text, nil)
	out.BlockingItems = blockingItems(failed, hasFailed, task, out.Evidence.ErrorFragment)
	return out, nil
}

// failureText joins the error and captured stderr of the failed action with
// the task failure reason.
func failureText(ar domain.ActionResult, ok bool, reason string) string {
	var parts []string
	if ok {
		if ar.Error != "" {
			parts = append(parts, ar.Error)
		}
		if s, ok := stringField(ar, "stderr"); ok && strings.TrimSpace(s) != "" {
			parts = append(parts, s)
		}
	}
	if reason != "" && (!ok || ar.Error == "" || !strings.Contains(reason, ar.Error)) {
		parts = append(parts, reason)
	}
	return strings.TrimSpace(strings.Join(parts, "\n"))
}

func blockingItems(ar domain.ActionResult, ok bool, task domain.Task, frag string) []string {
	line := frag
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	if !ok {
		return []string{fmt.Sprintf("task %s: %s", task.ID, line)}
	}
	return []string{fmt.Sprintf("%s (%s): %s", ar.ActionID, ar.Type, line)}
}

// fragment cuts at most MaxFragment bytes of text around loc, or from the
// start when loc is nil, without splitting a UTF-8 sequence.
func fragment(text string, loc []int) string {
	if len(text) <= MaxFragment {
		return text
	}
	start := 0
	if loc != nil {
		start = loc[0] - MaxFragment/4
		if start < 0 {
			start = 0
		}
		if start+MaxFragment > len(text) {
			start = len(text) - MaxFragment
		}
	}
	end := start + MaxFragment
	for start < end && !utf8.RuneStart(text[start]) {
		start++
	}
	for end > start && end < len(text) && !utf8.RuneStart(text[end]) {
		end--
	}
	return text[start:end]
}
