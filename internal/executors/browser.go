package executors

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"

	"codor/internal/domain"
)

var browserCommands = map[string]bool{
	"navigate":   true,
	"click":      true,
	"type":       true,
	"text":       true,
	"title":      true,
	"evaluate":   true,
	"screenshot": true,
	"waitFor":    true,
}

// Browser runs MCP_BROWSER_COMMAND actions against a Chrome instance driven
// over the DevTools protocol. The browser is started on first use and one
// page is shared by consecutive actions until Cleanup.
//
// Parameters: command (navigate|click|type|text|title|evaluate|screenshot|
// waitFor), url, selector, text, script, path, fullPage.
type Browser struct {
	ControlURL string
	Bin        string
	Headless   bool

	mu      sync.Mutex
	browser *rod.Browser
	page    *rod.Page
}

func NewBrowser() *Browser { return &Browser{Headless: true} }

func (b *Browser) Name() string          { return "browser-executor" }
func (b *Browser) Version() string       { return "1.0.0" }
func (b *Browser) ActionTypes() []string { return []string{domain.ActionBrowserCommand} }

func (b *Browser) Execute(ctx context.Context, raw map[string]any, global domain.GlobalConfiguration) (any, error) {
	p := params(raw)
	command, err := p.firstString("", "command", "action")
	if err != nil {
		return nil, err
	}
	if !browserCommands[command] {
		return nil, &ParamError{Param: "command", Reason: fmt.Sprintf("unsupported browser command %q", command)}
	}
	if err := requireBrowserParams(p, command); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	page, err := b.ensurePage(ctx)
	if err != nil {
		return nil, err
	}
	page = page.Context(ctx)
	out := map[string]any{"command": command}

	switch command {
	case "navigate":
		u, _ := p.str("url", "")
		if err := page.Navigate(u); err != nil {
			return out, fmt.Errorf("navigate %s: %w", u, err)
		}
		if err := page.WaitLoad(); err != nil {
			return out, fmt.Errorf("wait for load: %w", err)
		}
	case "click", "type", "text", "waitFor":
		sel, _ := p.str("selector", "")
		el, err := page.Element(sel)
		if err != nil {
			return out, fmt.Errorf("element %q not found: %w", sel, err)
		}
		out["selector"] = sel
		switch command {
		case "click":
			err = el.Click(proto.InputMouseButtonLeft, 1)
		case "type":
			text, _ := p.str("text", "")
			err = el.Input(text)
		case "text":
			var txt string
			txt, err = el.Text()
			out["text"] = txt
		}
		if err != nil {
			return out, fmt.Errorf("%s %q: %w", command, sel, err)
		}
	case "evaluate":
		script, _ := p.str("script", "")
		res, err := page.Eval(script)
		if err != nil {
			return out, fmt.Errorf("evaluate: %w", err)
		}
		out["value"] = res.Value.Val()
	case "screenshot":
		full, err := p.boolean("fullPage", false)
		if err != nil {
			return out, err
		}
		img, err := page.Screenshot(full, nil)
		if err != nil {
			return out, fmt.Errorf("screenshot: %w", err)
		}
		target, _ := p.str("path", "")
		if target == "" {
			target = filepath.Join(global.EvidenceDirectory, "screenshots", fmt.Sprintf("screenshot-%d.png", time.Now().UnixNano()))
		} else {
			target = resolvePath(global, target)
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return out, err
		}
		if err := os.WriteFile(target, img, 0o644); err != nil {
			return out, fmt.Errorf("write screenshot: %w", err)
		}
		out["path"] = target
		out["bytes"] = len(img)
	}

	if info, err := page.Info(); err == nil {
		out["url"] = info.URL
		out["title"] = info.Title
	}
	return out, nil
}

func requireBrowserParams(p params, command string) error {
	var key string
	switch command {
	case "navigate":
		key = "url"
	case "click", "type", "text", "waitFor":
		key = "selector"
	case "evaluate":
		key = "script"
	}
	if key == "" {
		return nil
	}
	v, err := p.requireString(key)
	if err != nil {
		return err
	}
	if command == "navigate" && !strings.Contains(v, "://") && !strings.HasPrefix(v, "about:") {
		return &ParamError{Param: "url", Reason: fmt.Sprintf("not an absolute URL: %q", v)}
	}
	return nil
}

func (b *Browser) ensurePage(ctx context.Context) (*rod.Page, error) {
	if b.page != nil {
		return b.page, nil
	}
	if b.browser == nil {
		controlURL := b.ControlURL
		if controlURL == "" {
			l := launcher.New().Headless(b.Headless)
			if b.Bin != "" {
				l = l.Bin(b.Bin)
			}
			u, err := l.Launch()
			if err != nil {
				return nil, fmt.Errorf("launch chrome: %w", err)
			}
			controlURL = u
		}
		browser := rod.New().ControlURL(controlURL)
		if err := browser.Connect(); err != nil {
			return nil, fmt.Errorf("connect to chrome: %w", err)
		}
		b.browser = browser
	}
	page, err := b.browser.Context(ctx).Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		return nil, fmt.Errorf("open page: %w", err)
	}
	b.page = page.Context(context.Background())
	return b.page, nil
}

// Cleanup closes the page and the browser.
func (b *Browser) Cleanup(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.page != nil {
		_ = b.page.Close()
		b.page = nil
	}
	if b.browser == nil {
		return nil
	}
	err := b.browser.Close()
	b.browser = nil
	return err
}
