package evidence_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codor/internal/domain"
	"codor/internal/evidence"
	"codor/internal/ledger"
	"codor/internal/repo"
)

func fixedClock() func() time.Time {
	t := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time { return t }
}

func sampleAction() domain.ActionResult {
	return domain.ActionResult{
		ActionID:   "STEP.1",
		Type:       domain.ActionHTTPRequest,
		Phase:      domain.PhaseStep,
		Success:    true,
		Result:     map[string]any{"statusCode": 200, "elapsedMs": 12.5},
		DurationMS: 13,
	}
}

func TestActionEvidenceLayoutAndIntegrity(t *testing.T) {
	dir := t.TempDir()
	c := &evidence.Collector{Dir: dir, RunID: "run-1", Version: "test", Now: fixedClock()}

	path, err := c.SaveActionEvidence(context.Background(), "task-1", sampleAction())
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "task-1", "STEP", "HTTP_REQUEST", "STEP.1.json"), path)
	require.NoError(t, evidence.CheckRecord(path))

	rec, err := evidence.ReadRecord(path)
	require.NoError(t, err)
	meta, ok := rec["metadata"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "codor", meta["tool"])
	assert.Equal(t, "run-1", meta["runId"])
	assert.Equal(t, "2026-03-01T12:00:00Z", meta["generatedAt"])
	for _, k := range []string{"platform", "arch", "pid", "hostname", "version"} {
		assert.Contains(t, meta, k)
	}
	integ, ok := rec["integrity"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "sha256", integ["algorithm"])
	assert.Len(t, integ["digest"], 64)
}

func TestTamperedRecordFailsIntegrity(t *testing.T) {
	dir := t.TempDir()
	c := &evidence.Collector{Dir: dir, RunID: "run-1"}
	path, err := c.SaveActionEvidence(context.Background(), "task-1", sampleAction())
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	tampered := strings.Replace(string(data), `"success": true`, `"success": false`, 1)
	require.NotEqual(t, string(data), tampered)
	require.NoError(t, os.WriteFile(path, []byte(tampered), 0o644))
	assert.Error(t, evidence.CheckRecord(path))
}

func TestPathComponentsAreSanitized(t *testing.T) {
	dir := t.TempDir()
	c := &evidence.Collector{Dir: dir, RunID: "run-1"}
	ar := sampleAction()
	ar.ActionID = "../../escape"
	path, err := c.SaveActionEvidence(context.Background(), "../task one", ar)
	require.NoError(t, err)
	rel, err := filepath.Rel(dir, path)
	require.NoError(t, err)
	assert.True(t, filepath.IsLocal(rel), rel)
	assert.Equal(t, filepath.Join(".._task_one", "STEP", "HTTP_REQUEST", ".._.._escape.json"), rel)
	assert.Equal(t, "_", evidence.SanitizeComponent(".."))
	assert.Equal(t, "_", evidence.SanitizeComponent(""))
}

func TestFinalReportsAreNeverOverwritten(t *testing.T) {
	dir := t.TempDir()
	c := &evidence.Collector{Dir: dir, RunID: "run-1", Now: fixedClock()}
	res := domain.ExecutionResults{RunID: "run-1", Tasks: map[string]domain.TaskResult{}}

	first, err := c.GenerateFinalReport(context.Background(), res)
	require.NoError(t, err)
	res.FatalError = "second run"
	second, err := c.GenerateFinalReport(context.Background(), res)
	require.NoError(t, err)

	assert.Equal(t, "execution-report-20260301T120000Z.json", filepath.Base(first))
	assert.Equal(t, "execution-report-20260301T120000Z-1.json", filepath.Base(second))
	latest, err := os.ReadFile(filepath.Join(dir, evidence.LatestReportFile))
	require.NoError(t, err)
	secondData, err := os.ReadFile(second)
	require.NoError(t, err)
	assert.Equal(t, string(secondData), string(latest))
	require.NoError(t, evidence.CheckRecord(first))
}

func openLedger(t *testing.T, dir string) *ledger.Ledger {
	t.Helper()
	l, err := ledger.Open(context.Background(), dir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	require.NoError(t, l.StartRun(context.Background(), "run-1", "spec.json"))
	return l
}

func writeRun(t *testing.T, c *evidence.Collector) (actionPath string) {
	t.Helper()
	ctx := context.Background()
	actionPath, err := c.SaveActionEvidence(ctx, "task-1", sampleAction())
	require.NoError(t, err)
	_, err = c.SaveTaskEvidence(ctx, domain.TaskResult{TaskID: "task-1", Status: domain.StatusPassed})
	require.NoError(t, err)
	_, err = c.GenerateFinalReport(ctx, domain.ExecutionResults{RunID: "run-1", TaskOrder: []string{"task-1"}})
	require.NoError(t, err)
	return actionPath
}

func TestLedgerChainVerifies(t *testing.T) {
	dir := t.TempDir()
	l := openLedger(t, dir)
	c := &evidence.Collector{Dir: dir, RunID: "run-1", Ledger: l}
	writeRun(t, c)

	evts, err := l.Repo.ListEvents(context.Background(), repo.EventFilters{})
	require.NoError(t, err)
	require.Len(t, evts, 3)
	assert.Equal(t, "task-1/STEP/HTTP_REQUEST/STEP.1.json", evts[0].Path)
	assert.Equal(t, domain.EventTaskSummary, evts[1].Type)
	assert.Equal(t, evts[0].Hash, evts[1].PrevHash)

	rep, err := evidence.Verify(context.Background(), l.Repo, dir)
	require.NoError(t, err)
	assert.True(t, rep.OK(), "%+v", rep.Problems)
	assert.Equal(t, 3, rep.FilesChecked)
	assert.Equal(t, evts[2].Hash, rep.Head)
}

func TestLedgerDetectsTampering(t *testing.T) {
	dir := t.TempDir()
	l := openLedger(t, dir)
	c := &evidence.Collector{Dir: dir, RunID: "run-1", Ledger: l}
	actionPath := writeRun(t, c)

	data, err := os.ReadFile(actionPath)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(actionPath, []byte(strings.Replace(string(data), `"durationMs": 13`, `"durationMs": 1`, 1)), 0o644))
	_, err = l.DB.Exec(`UPDATE ledger_events SET digest='forged' WHERE type=?`, domain.EventTaskSummary)
	require.NoError(t, err)

	rep, err := evidence.Verify(context.Background(), l.Repo, dir)
	require.NoError(t, err)
	require.False(t, rep.OK())
	kinds := map[string]bool{}
	for _, p := range rep.Problems {
		kinds[p.Kind] = true
	}
	assert.True(t, kinds[evidence.ProblemDigest], "%+v", rep.Problems)
	assert.True(t, kinds[evidence.ProblemHash], "%+v", rep.Problems)
}
