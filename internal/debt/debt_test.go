package debt_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"codor/internal/debt"
	"codor/internal/domain"
	"codor/internal/plugin"
)

func ok(id, typ string, ms int64, result map[string]any) domain.ActionResult {
	ar := domain.ActionResult{ActionID: id, Type: typ, Phase: domain.PhaseStep, Success: true, DurationMS: ms}
	if result != nil {
		ar.Result = result
	}
	return ar
}

func TestPerformanceSeverityScalesWithRatio(t *testing.T) {
	d := debt.NewPerformance(nil)
	results := []domain.ActionResult{
		ok("STEP.1", domain.ActionHTTPRequest, 900, nil),
		ok("STEP.2", domain.ActionHTTPRequest, 1500, nil),
		ok("STEP.3", domain.ActionHTTPRequest, 3000, nil),
		ok("STEP.4", domain.ActionHTTPRequest, 4000, nil),
		ok("STEP.5", domain.ActionDatabaseQuery, 501, nil),
	}
	failed := ok("STEP.6", domain.ActionHTTPRequest, 9000, nil)
	failed.Success = false
	results = append(results, failed)

	items, err := d.Analyze(context.Background(), results, domain.Task{})
	require.NoError(t, err)
	require.Len(t, items, 4)
	got := map[string]domain.Severity{}
	for _, it := range items {
		assert.Equal(t, domain.DebtPerformanceDegradation, it.Category)
		assert.Equal(t, "performance-detector", it.Detector)
		got[it.ActionID] = it.Severity
	}
	assert.Equal(t, map[string]domain.Severity{
		"STEP.2": domain.SeverityLow,
		"STEP.3": domain.SeverityMedium,
		"STEP.4": domain.SeverityHigh,
		"STEP.5": domain.SeverityLow,
	}, got)
}

func TestPerformanceOverrides(t *testing.T) {
	d := debt.NewPerformance(map[string]int64{
		domain.ActionHTTPRequest:    2000,
		domain.ActionFileValidation: 0,
	})
	items, err := d.Analyze(context.Background(), []domain.ActionResult{
		ok("STEP.1", domain.ActionHTTPRequest, 1500, nil),
		ok("STEP.2", domain.ActionFileValidation, 5000, nil),
		ok("STEP.3", domain.ActionTerminalCommand, 31000, nil),
	}, domain.Task{})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "STEP.3", items[0].ActionID)
	assert.Equal(t, int64(30000), items[0].Evidence["thresholdMs"])
}

func TestDetectorsReturnEmptyNotNil(t *testing.T) {
	var cat plugin.Catalog
	debt.AddTo(&cat, nil)
	reg := plugin.NewRegistry(zap.NewNop())
	require.NoError(t, reg.LoadAll(context.Background(), cat))

	var names []string
	for _, d := range reg.DebtDetectors() {
		items, err := d.Analyze(context.Background(), nil, domain.Task{})
		require.NoError(t, err)
		assert.NotNil(t, items)
		assert.Empty(t, items)
		names = append(names, d.Name())
	}
	assert.Equal(t, []string{"performance-detector", "response-quality-detector", "test-quality-detector"}, names)
}

func TestResponseQuality(t *testing.T) {
	d := debt.NewResponseQuality()
	items, err := d.Analyze(context.Background(), []domain.ActionResult{
		ok("STEP.1", domain.ActionHTTPRequest, 10, map[string]any{
			"statusCode": 200, "contentType": "", "body": "hello",
		}),
		ok("STEP.2", domain.ActionHTTPRequest, 10, map[string]any{
			"statusCode": 200, "contentType": "application/json", "body": `{"error":"boom"}`,
			"json": map[string]any{"error": "boom"},
		}),
		ok("STEP.3", domain.ActionHTTPRequest, 10, map[string]any{
			"statusCode": 200, "contentType": "text/plain", "body": "Something went wrong",
		}),
		ok("STEP.4", domain.ActionHTTPRequest, 10, map[string]any{
			"statusCode": 200, "contentType": "application/json", "body": `{"id":1}`,
			"json": map[string]any{"id": 1},
		}),
		ok("STEP.5", domain.ActionHTTPRequest, 10, map[string]any{
			"statusCode": 204, "contentType": "", "body": "",
		}),
	}, domain.Task{})
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Equal(t, "STEP.1", items[0].ActionID)
	assert.Equal(t, domain.DebtMissingMetadata, items[0].Category)
	assert.Equal(t, domain.SeverityLow, items[0].Severity)
	for _, it := range items[1:] {
		assert.Equal(t, domain.DebtGenericErrorResponse, it.Category)
		assert.Equal(t, domain.SeverityMedium, it.Severity)
	}
	assert.Equal(t, "STEP.2", items[1].ActionID)
	assert.Equal(t, "STEP.3", items[2].ActionID)
}

func TestTestQuality(t *testing.T) {
	d := debt.NewTestQuality()
	items, err := d.Analyze(context.Background(), []domain.ActionResult{
		ok("STEP.1", domain.ActionTerminalCommand, 10, map[string]any{
			"stdout": "=== RUN   TestA\n--- SKIP: TestA (0.00s)\nPASS",
		}),
		ok("STEP.2", domain.ActionTerminalCommand, 10, map[string]any{
			"stdout": "using mock payment gateway",
		}),
		ok("STEP.3", domain.ActionCustomScript, 10, map[string]any{
			"output": "// TODO: implement real lookup",
		}),
		ok("STEP.4", domain.ActionTerminalCommand, 10, map[string]any{
			"stdout": "ok  \texample.com/pkg\t0.01s",
		}),
	}, domain.Task{})
	require.NoError(t, err)
	require.Len(t, items, 3)

	assert.Equal(t, domain.DebtSkippedTests, items[0].Category)
	assert.Equal(t, "STEP.1", items[0].ActionID)
	assert.Equal(t, "stdout", items[0].Evidence["field"])

	assert.Equal(t, domain.DebtMockUsage, items[1].Category)
	assert.Equal(t, domain.SeverityMedium, items[1].Severity)

	assert.Equal(t, domain.DebtMockUsage, items[2].Category)
	assert.Equal(t, domain.SeverityHigh, items[2].Severity)
	assert.Equal(t, "STEP.3", items[2].ActionID)
}
