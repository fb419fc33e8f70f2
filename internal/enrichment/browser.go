package enrichment

import (
	"context"
	"fmt"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
)

// BrowserFetcher renders JavaScript-heavy portal pages in a headless browser
// and returns the settled HTML.
type BrowserFetcher struct {
	browser *rod.Browser
	timeout time.Duration
}

// NewBrowserFetcher launches a headless browser. Callers must Close it.
func NewBrowserFetcher(timeout time.Duration) (*BrowserFetcher, error) {
	if timeout <= 0 {
		timeout = 45 * time.Second
	}

	controlURL, err := launcher.New().Headless(true).Launch()
	if err != nil {
		return nil, fmt.Errorf("launch browser: %w", err)
	}

	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		return nil, fmt.Errorf("connect browser: %w", err)
	}
	return &BrowserFetcher{browser: browser, timeout: timeout}, nil
}

// FetchHTML loads the URL, waits for the page to become idle, and returns
// the rendered document.
func (f *BrowserFetcher) FetchHTML(ctx context.Context, rawURL string) (string, error) {
	page, err := f.browser.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		return "", fmt.Errorf("open page: %w", err)
	}
	defer page.Close()

	page = page.Context(ctx).Timeout(f.timeout)
	if err := page.Navigate(rawURL); err != nil {
		return "", fmt.Errorf("navigate: %w", err)
	}
	if err := page.WaitLoad(); err != nil {
		return "", fmt.Errorf("wait for load: %w", err)
	}
	// Let late XHR-driven content settle.
	page.WaitRequestIdle(2*time.Second, nil, nil, nil)()

	htmlContent, err := page.HTML()
	if err != nil {
		return "", fmt.Errorf("read rendered html: %w", err)
	}
	return htmlContent, nil
}

// Close shuts the browser down.
func (f *BrowserFetcher) Close() error {
	return f.browser.Close()
}
