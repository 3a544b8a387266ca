package debt

import (
	"context"
	"fmt"
	"regexp"

	"codor/internal/domain"
)

var (
	skippedTestPattern = regexp.MustCompile(`t\.Skip|--- SKIP|\bSKIP(?:PED)?\b|\bxit\(|\bxdescribe\(|\bit\.skip\(|describe\.skip\(|@Disabled|pytest\.mark\.skip|unittest\.skip`)
	placeholderPattern = regexp.MustCompile(`(?i)TODO: implement|not yet implemented|placeholder implementation|return fake data`)
	mockPattern        = regexp.MustCompile(`(?i)\bmock(?:s|ed|ing)?\b|\bstub(?:s|bed)?\b|fake data`)
)

// outputFields are the captured-output keys of executor results worth
// scanning.
var outputFields = []string{"stdout", "stderr", "body", "output", "text"}

// TestQuality scans captured output for disabled tests and for mocked or
// placeholder behaviour.
type TestQuality struct{}

func NewTestQuality() *TestQuality { return &TestQuality{} }

func (d *TestQuality) Name() string  { return "test-quality-detector" }
func (d *TestQuality) Priority() int { return 60 }

func (d *TestQuality) Analyze(_ context.Context, results []domain.ActionResult, _ domain.Task) ([]domain.TechnicalDebtItem, error) {
	items := []domain.TechnicalDebtItem{}
	for _, ar := range succeeded(results) {
		if item, ok := d.scan(ar, skippedTestPattern, func(marker string) domain.TechnicalDebtItem {
			return domain.TechnicalDebtItem{
				Category:       domain.DebtSkippedTests,
				Severity:       domain.SeverityMedium,
				Description:    fmt.Sprintf("%s output contains skipped test marker %q", ar.ActionID, marker),
				Recommendation: "Re-enable or delete skipped tests so the run reflects real coverage",
			}
		}); ok {
			items = append(items, item)
		}

		mock := func(severity domain.Severity) func(marker string) domain.TechnicalDebtItem {
			return func(marker string) domain.TechnicalDebtItem {
				return domain.TechnicalDebtItem{
					Category:       domain.DebtMockUsage,
					Severity:       severity,
					Description:    fmt.Sprintf("%s output suggests mocked or placeholder behaviour (%q)", ar.ActionID, marker),
					Recommendation: "Replace mocks and placeholders with the real implementation before accepting the task",
				}
			}
		}
		if item, ok := d.scan(ar, placeholderPattern, mock(domain.SeverityHigh)); ok {
			items = append(items, item)
		} else if item, ok := d.scan(ar, mockPattern, mock(domain.SeverityMedium)); ok {
			items = append(items, item)
		}
	}
	return items, nil
}

func (d *TestQuality) scan(ar domain.ActionResult, re *regexp.Regexp, build func(marker string) domain.TechnicalDebtItem) (domain.TechnicalDebtItem, bool) {
	for _, f := range outputFields {
		text := stringField(ar, f)
		if text == "" {
			continue
		}
		if m := re.FindString(text); m != "" {
			item := build(m)
			item.Detector = d.Name()
			item.ActionID = ar.ActionID
			item.Evidence = map[string]any{"marker": m, "field": f}
			return item, true
		}
	}
	return domain.TechnicalDebtItem{}, false
}
