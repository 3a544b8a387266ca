package debt

import "codor/internal/plugin"

// AddTo registers the built-in debt detectors. thresholds override
// DefaultThresholds per action type.
func AddTo(cat *plugin.Catalog, thresholds map[string]int64) {
	cat.Add(plugin.KindDebtDetector, "performance", plugin.Static(NewPerformance(thresholds)))
	cat.Add(plugin.KindDebtDetector, "response-quality", plugin.Static(NewResponseQuality()))
	cat.Add(plugin.KindDebtDetector, "test-quality", plugin.Static(NewTestQuality()))
}
