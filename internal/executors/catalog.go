package executors

import (
	"net/http"

	"codor/internal/plugin"
)

// Options tune the built-in executors.
type Options struct {
	HTTPClient     *http.Client
	BrowserControl string
	BrowserBin     string
	Headful        bool
	DockerBinary   string
}

// AddTo registers every built-in executor in the catalog's executors section.
func AddTo(cat *plugin.Catalog, opts Options) {
	cat.Add(plugin.KindExecutor, "terminal", func() (any, error) { return NewTerminal(), nil })
	cat.Add(plugin.KindExecutor, "http", func() (any, error) {
		h := NewHTTP()
		if opts.HTTPClient != nil {
			h.Client = opts.HTTPClient
		}
		return h, nil
	})
	cat.Add(plugin.KindExecutor, "file", func() (any, error) { return NewFile(), nil })
	cat.Add(plugin.KindExecutor, "database", func() (any, error) { return NewDatabase(), nil })
	cat.Add(plugin.KindExecutor, "docker", func() (any, error) {
		d := NewDocker()
		if opts.DockerBinary != "" {
			d.Binary = opts.DockerBinary
		}
		return d, nil
	})
	cat.Add(plugin.KindExecutor, "browser", func() (any, error) {
		b := NewBrowser()
		b.ControlURL = opts.BrowserControl
		b.Bin = opts.BrowserBin
		b.Headless = !opts.Headful
		return b, nil
	})
	cat.Add(plugin.KindExecutor, "script", func() (any, error) { return NewScript(), nil })
}
