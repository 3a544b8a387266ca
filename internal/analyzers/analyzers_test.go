package analyzers_test

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"codor/internal/analyzers"
	"codor/internal/domain"
	"codor/internal/plugin"
)

func failedStep(typ, errText string, result map[string]any) domain.ActionResult {
	ar := domain.ActionResult{
		ActionID: "STEP.1",
		Type:     typ,
		Phase:    domain.PhaseStep,
		Error:    errText,
	}
	if result != nil {
		ar.Result = result
	}
	return ar
}

func TestErrorPatternCategories(t *testing.T) {
	cases := []struct {
		name   string
		result domain.ActionResult
		want   string
	}{
		{"missing file", failedStep(domain.ActionFileValidation, "file not found: /w/out.txt (ENOENT: no such file or directory)", nil), domain.CategoryIncompleteImplementation},
		{"missing command", failedStep(domain.ActionTerminalCommand, "command exited with code 127 (expected 0): sh: 1: frobnicate: not found", nil), domain.CategoryEnvironmentError},
		{"missing binary", failedStep(domain.ActionDockerCommand, `docker: failed to start docker: exec: "docker": executable file not found in $PATH`, nil), domain.CategoryEnvironmentError},
		{"missing route", failedStep(domain.ActionHTTPRequest, "HTTP GET http://127.0.0.1/api returned 404 Not Found", nil), domain.CategoryIncompleteImplementation},
		{"compile", failedStep(domain.ActionCustomScript, "script compilation failed: 3:2: undefined: foo", nil), domain.CategoryCompilationError},
		{"unauthorized", failedStep(domain.ActionHTTPRequest, "HTTP GET http://127.0.0.1/api returned 401 Unauthorized", nil), domain.CategoryAuthenticationError},
		{"dependency", failedStep(domain.ActionTerminalCommand, "go: cannot find module providing package example.com/x", nil), domain.CategoryDependencyError},
		{"bad parameter", failedStep(domain.ActionHTTPRequest, `invalid parameter "url": required`, nil), domain.CategoryConfigurationError},
		{"assertion", failedStep(domain.ActionCustomScript, `script output does not contain "ok"`, nil), domain.CategoryValidationFailure},
		{"panic", failedStep(domain.ActionTerminalCommand, "command exited with code 2 (expected 0): panic: runtime error: index out of range", nil), domain.CategoryRuntimeError},
		{"stderr dependency", failedStep(domain.ActionCustomScript, "node exited with code 1 (expected 0)", map[string]any{"stderr": "Error: Cannot find module 'express'"}), domain.CategoryDependencyError},
		{"unknown", failedStep(domain.ActionTerminalCommand, "something odd happened", nil), domain.CategoryUnknown},
	}
	a := analyzers.NewErrorPattern()
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res, err := a.Analyze(context.Background(), []domain.ActionResult{tc.result}, "", domain.Task{ID: "t1"})
			require.NoError(t, err)
			require.NotNil(t, res)
			assert.Equal(t, tc.want, res.Category)
			assert.Equal(t, "error-pattern-analyzer", res.Analyzer)
			assert.Equal(t, "STEP.1", res.Evidence.ActionID)
			assert.NotEmpty(t, res.Remediation)
			require.Len(t, res.BlockingItems, 1)
			assert.True(t, strings.HasPrefix(res.BlockingItems[0], "STEP.1 ("), res.BlockingItems[0])
		})
	}
}

func TestErrorPatternTimeoutFlagWins(t *testing.T) {
	ar := failedStep(domain.ActionHTTPRequest, "HTTP GET http://127.0.0.1/slow failed: context canceled", nil)
	ar.TimedOut = true
	res, err := analyzers.NewErrorPattern().Analyze(context.Background(), []domain.ActionResult{ar}, "", domain.Task{ID: "t1"})
	require.NoError(t, err)
	assert.Equal(t, domain.CategoryTimeout, res.Category)
}

func TestErrorPatternUsesFirstFailure(t *testing.T) {
	results := []domain.ActionResult{
		{ActionID: "PREREQ.1", Type: domain.ActionTerminalCommand, Phase: domain.PhasePrerequisite, Success: true},
		failedStep(domain.ActionFileValidation, "file not found: a.txt (ENOENT: no such file or directory)", nil),
		{ActionID: "CLEANUP.1", Type: domain.ActionTerminalCommand, Phase: domain.PhaseCleanup, Error: "command exited with code 2 (expected 0)"},
	}
	res, err := analyzers.NewErrorPattern().Analyze(context.Background(), results, "action STEP.1 failed", domain.Task{ID: "t1"})
	require.NoError(t, err)
	assert.Equal(t, domain.CategoryIncompleteImplementation, res.Category)
	assert.Equal(t, domain.PhaseStep, res.Evidence.Phase)
	assert.Equal(t, domain.ActionFileValidation, res.Evidence.ActionType)
}

func TestErrorPatternFallsBackToReason(t *testing.T) {
	results := []domain.ActionResult{{ActionID: "STEP.1", Type: domain.ActionHTTPRequest, Success: true}}
	reason := `validation failed: condition "STEP.1.result.statusCode === 201" not satisfied`
	res, err := analyzers.NewErrorPattern().Analyze(context.Background(), results, reason, domain.Task{ID: "create-user"})
	require.NoError(t, err)
	assert.Equal(t, domain.CategoryValidationFailure, res.Category)
	assert.Empty(t, res.Evidence.ActionID)
	assert.Equal(t, []string{"task create-user: " + reason}, res.BlockingItems)
}

func TestErrorPatternFragmentIsBounded(t *testing.T) {
	msg := strings.Repeat("noise ", 300) + "ENOENT: no such file or directory" + strings.Repeat(" trailer", 300)
	res, err := analyzers.NewErrorPattern().Analyze(context.Background(), []domain.ActionResult{failedStep(domain.ActionFileValidation, msg, nil)}, "", domain.Task{})
	require.NoError(t, err)
	assert.LessOrEqual(t, len(res.Evidence.ErrorFragment), analyzers.MaxFragment)
	assert.Contains(t, res.Evidence.ErrorFragment, "ENOENT")
}

func TestHTTPStatusCategories(t *testing.T) {
	cases := []struct {
		code any
		want string
	}{
		{401, domain.CategoryAuthenticationError},
		{403, domain.CategoryAuthenticationError},
		{404, domain.CategoryIncompleteImplementation},
		{501, domain.CategoryIncompleteImplementation},
		{float64(503), domain.CategoryRuntimeError},
		{int64(422), domain.CategoryValidationFailure},
	}
	a := analyzers.NewHTTPStatus()
	for _, tc := range cases {
		ar := failedStep(domain.ActionHTTPRequest, "HTTP GET http://h/x returned an error", map[string]any{
			"statusCode": tc.code,
			"method":     "GET",
			"url":        "http://h/x",
		})
		res, err := a.Analyze(context.Background(), []domain.ActionResult{ar}, "", domain.Task{})
		require.NoError(t, err)
		require.NotNil(t, res, "code %v", tc.code)
		assert.Equal(t, tc.want, res.Category, "code %v", tc.code)
		assert.Equal(t, "http-status-analyzer", res.Analyzer)
	}
}

func TestHTTPStatusIgnoresOtherFailures(t *testing.T) {
	a := analyzers.NewHTTPStatus()
	for _, results := range [][]domain.ActionResult{
		{failedStep(domain.ActionHTTPRequest, "HTTP GET http://h/x failed: connection refused", nil)},
		{failedStep(domain.ActionFileValidation, "file not found: x", map[string]any{"statusCode": 404})},
		{{ActionID: "STEP.1", Type: domain.ActionHTTPRequest, Success: true, Result: map[string]any{"statusCode": 500}}},
	} {
		res, err := a.Analyze(context.Background(), results, "", domain.Task{})
		require.NoError(t, err)
		assert.Nil(t, res)
	}
}

func TestBothAnalyzersReportTheSameFailure(t *testing.T) {
	var cat plugin.Catalog
	analyzers.AddTo(&cat)
	reg := plugin.NewRegistry(zap.NewNop())
	require.NoError(t, reg.LoadAll(context.Background(), cat))

	ar := failedStep(domain.ActionHTTPRequest, "HTTP GET http://h/users returned 404 Not Found", map[string]any{"statusCode": 404})
	var names []string
	for _, a := range reg.FailureAnalyzers() {
		res, err := a.Analyze(context.Background(), []domain.ActionResult{ar}, "", domain.Task{})
		require.NoError(t, err)
		require.NotNil(t, res)
		assert.Equal(t, domain.CategoryIncompleteImplementation, res.Category)
		names = append(names, res.Analyzer)
	}
	assert.Equal(t, []string{"error-pattern-analyzer", "http-status-analyzer"}, names)
}
