package evidence

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"codor/internal/domain"
	"codor/internal/metrics"
)

const (
	TaskSummaryFile  = "task-summary.json"
	LatestReportFile = "execution-report-latest.json"
	reportPrefix     = "execution-report-"
	reportTimeLayout = "20060102T150405Z"
)

// Chain receives one event per persisted record.
type Chain interface {
	Append(ctx context.Context, evt domain.LedgerEvent) (domain.LedgerEvent, error)
}

// Collector persists action, task and run evidence under Dir:
//
//	{Dir}/{taskId}/{phase}/{actionType}/{actionId}.json
//	{Dir}/{taskId}/task-summary.json
//	{Dir}/execution-report-{timestamp}.json
//	{Dir}/execution-report-latest.json
type Collector struct {
	Dir     string
	RunID   string
	Version string
	Ledger  Chain
	Metrics *metrics.Metrics
	Log     *zap.Logger
	Now     func() time.Time
}

func (c *Collector) now() time.Time {
	if c.Now == nil {
		return time.Now()
	}
	return c.Now()
}

func (c *Collector) log() *zap.Logger {
	if c.Log == nil {
		return zap.NewNop()
	}
	return c.Log
}

// ActionPath is where the evidence of one action of taskID is written.
func (c *Collector) ActionPath(taskID string, ar domain.ActionResult) string {
	return filepath.Join(c.Dir,
		SanitizeComponent(taskID),
		SanitizeComponent(string(ar.Phase)),
		SanitizeComponent(ar.Type),
		SanitizeComponent(ar.ActionID)+".json")
}

func (c *Collector) TaskSummaryPath(taskID string) string {
	return filepath.Join(c.Dir, SanitizeComponent(taskID), TaskSummaryFile)
}

func (c *Collector) SaveActionEvidence(ctx context.Context, taskID string, ar domain.ActionResult) (string, error) {
	path := c.ActionPath(taskID, ar)
	rec := map[string]any{
		"metadata":     newMetadata(c.Version, c.RunID, c.now()),
		"taskId":       taskID,
		"actionResult": ar,
	}
	if _, err := c.write(ctx, path, rec, domain.EventActionEvidence, taskID, ar.ActionID); err != nil {
		return "", fmt.Errorf("save evidence for %s/%s: %w", taskID, ar.ActionID, err)
	}
	return path, nil
}

func (c *Collector) SaveTaskEvidence(ctx context.Context, tr domain.TaskResult) (string, error) {
	path := c.TaskSummaryPath(tr.TaskID)
	rec := map[string]any{
		"metadata": newMetadata(c.Version, c.RunID, c.now()),
		"task":     tr,
	}
	if _, err := c.write(ctx, path, rec, domain.EventTaskSummary, tr.TaskID, tr.TaskID); err != nil {
		return "", fmt.Errorf("save task summary for %s: %w", tr.TaskID, err)
	}
	return path, nil
}

// GenerateFinalReport writes a timestamped report that never replaces an
// earlier one, and refreshes execution-report-latest.json. It returns the
// timestamped path.
func (c *Collector) GenerateFinalReport(ctx context.Context, res domain.ExecutionResults) (string, error) {
	now := c.now()
	rec := map[string]any{
		"metadata": newMetadata(c.Version, c.RunID, now),
		"summary":  res.Summary(),
		"results":  res,
	}
	path, err := c.uniqueReportPath(now)
	if err != nil {
		return "", err
	}
	data, err := c.write(ctx, path, rec, domain.EventRunReport, "", res.RunID)
	if data == nil {
		return "", fmt.Errorf("save execution report: %w", err)
	}
	if lerr := writeFileAtomic(filepath.Join(c.Dir, LatestReportFile), data, 0o644); lerr != nil {
		return path, fmt.Errorf("save latest report: %w", lerr)
	}
	if err != nil {
		return path, fmt.Errorf("save execution report: %w", err)
	}
	return path, nil
}

func (c *Collector) uniqueReportPath(now time.Time) (string, error) {
	if err := os.MkdirAll(c.Dir, 0o755); err != nil {
		return "", err
	}
	base := reportPrefix + now.UTC().Format(reportTimeLayout)
	path := filepath.Join(c.Dir, base+".json")
	for i := 1; ; i++ {
		_, err := os.Stat(path)
		if os.IsNotExist(err) {
			return path, nil
		}
		if err != nil {
			return "", err
		}
		path = filepath.Join(c.Dir, fmt.Sprintf("%s-%d.json", base, i))
	}
}

func (c *Collector) write(ctx context.Context, path string, rec map[string]any, evtType, taskID, entityID string) ([]byte, error) {
	data, digest, err := seal(rec)
	if err != nil {
		return nil, err
	}
	if err := writeFileAtomic(path, data, 0o644); err != nil {
		return nil, err
	}
	c.Metrics.EvidenceWritten(evtType)
	c.log().Debug("evidence written", zap.String("path", path), zap.String("digest", digest))
	if c.Ledger == nil {
		return data, nil
	}
	rel, err := filepath.Rel(c.Dir, path)
	if err != nil {
		return data, err
	}
	_, err = c.Ledger.Append(ctx, domain.LedgerEvent{
		Type:     evtType,
		RunID:    c.RunID,
		TaskID:   taskID,
		EntityID: entityID,
		Path:     filepath.ToSlash(rel),
		Digest:   digest,
	})
	if err != nil {
		return data, fmt.Errorf("ledger: %w", err)
	}
	return data, nil
}
