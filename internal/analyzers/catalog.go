package analyzers

import "codor/internal/plugin"

// AddTo registers the built-in failure analyzers.
func AddTo(cat *plugin.Catalog) {
	cat.Add(plugin.KindFailureAnalyzer, "error-pattern", plugin.Static(NewErrorPattern()))
	cat.Add(plugin.KindFailureAnalyzer, "http-status", plugin.Static(NewHTTPStatus()))
}
