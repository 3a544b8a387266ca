package debt

import (
	"context"
	"fmt"

	"codor/internal/domain"
)

// DefaultThresholds are the per action type duration limits in milliseconds.
var DefaultThresholds = map[string]int64{
	domain.ActionHTTPRequest:     1000,
	domain.ActionTerminalCommand: 30000,
	domain.ActionDatabaseQuery:   500,
	domain.ActionFileValidation:  100,
	domain.ActionBrowserCommand:  10000,
	domain.ActionDockerCommand:   60000,
	domain.ActionCustomScript:    30000,
}

// Performance flags successful actions slower than their type's threshold.
// Severity grows with the ratio: LOW below 2x, MEDIUM below 4x, HIGH above.
type Performance struct {
	Thresholds map[string]int64
}

// NewPerformance returns a detector using DefaultThresholds with overrides
// applied. Non-positive overrides disable the check for that type.
func NewPerformance(overrides map[string]int64) *Performance {
	th := make(map[string]int64, len(DefaultThresholds)+len(overrides))
	for k, v := range DefaultThresholds {
		th[k] = v
	}
	for k, v := range overrides {
		th[k] = v
	}
	return &Performance{Thresholds: th}
}

func (d *Performance) Name() string  { return "performance-detector" }
func (d *Performance) Priority() int { return 100 }

func (d *Performance) Analyze(_ context.Context, results []domain.ActionResult, _ domain.Task) ([]domain.TechnicalDebtItem, error) {
	items := []domain.TechnicalDebtItem{}
	for _, ar := range succeeded(results) {
		limit, ok := d.Thresholds[ar.Type]
		if !ok || limit <= 0 || ar.DurationMS <= limit {
			continue
		}
		ratio := float64(ar.DurationMS) / float64(limit)
		items = append(items, domain.TechnicalDebtItem{
			Detector:       d.Name(),
			Category:       domain.DebtPerformanceDegradation,
			Severity:       severityFor(ratio),
			ActionID:       ar.ActionID,
			Description:    fmt.Sprintf("%s %s took %dms, threshold is %dms", ar.Type, ar.ActionID, ar.DurationMS, limit),
			Recommendation: "Profile the operation and remove the slow path, or cache its result",
			Evidence: map[string]any{
				"durationMs":  ar.DurationMS,
				"thresholdMs": limit,
				"ratio":       ratio,
			},
		})
	}
	return items, nil
}

func severityFor(ratio float64) domain.Severity {
	switch {
	case ratio < 2:
		return domain.SeverityLow
	case ratio < 4:
		return domain.SeverityMedium
	}
	return domain.SeverityHigh
}
