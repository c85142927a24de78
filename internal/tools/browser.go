package tools

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
)

// RenderTool loads a page in headless Chrome so script-built pages can be read.
// The browser is started on first use and reused until Close.
type RenderTool struct {
	Timeout time.Duration

	mu            sync.Mutex
	allocCtx      context.Context
	browserCtx    context.Context
	allocCancel   context.CancelFunc
	browserCancel context.CancelFunc
}

func NewRenderTool() *RenderTool {
	return &RenderTool{Timeout: 60 * time.Second}
}

func (b *RenderTool) Name() string { return "Browser.render" }

func (b *RenderTool) Description() string {
	return "Render a webpage in a headless browser and return its content as markdown."
}

func (b *RenderTool) Parameters() map[string]any {
	return object([]string{"url"}, map[string]any{
		"url":      stringProp("The URL to render"),
		"selector": stringProp("Optional CSS selector to wait for before reading the page"),
	})
}

func (b *RenderTool) initBrowser() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.browserCtx != nil {
		select {
		case <-b.browserCtx.Done():
			b.cleanup()
		default:
			return nil
		}
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.NoSandbox,
		chromedp.Flag("no-first-run", true),
		chromedp.Flag("no-default-browser-check", true),
	)

	b.allocCtx, b.allocCancel = chromedp.NewExecAllocator(context.Background(), opts...)
	b.browserCtx, b.browserCancel = chromedp.NewContext(b.allocCtx)

	return chromedp.Run(b.browserCtx)
}

func (b *RenderTool) cleanup() {
	if b.browserCancel != nil {
		b.browserCancel()
	}
	if b.allocCancel != nil {
		b.allocCancel()
	}
	b.browserCtx = nil
	b.allocCtx = nil
}

// Close shuts the browser down.
func (b *RenderTool) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cleanup()
}

func (b *RenderTool) Invoke(ctx context.Context, args Args) (Output, error) {
	rawURL := args.String("url")
	if u, err := url.Parse(rawURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return Output{}, fmt.Errorf("invalid url: %s", rawURL)
	}

	if err := b.initBrowser(); err != nil {
		return Output{}, fmt.Errorf("failed to initialize browser: %v", err)
	}

	// A new tab per call; steps of different plans may render concurrently.
	tabCtx, closeTab := chromedp.NewContext(b.browserCtx)
	defer closeTab()
	actionCtx, cancel := context.WithTimeout(tabCtx, b.Timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	selector := args.String("selector")
	if selector == "" {
		selector = "body"
	}

	var title, html string
	err := chromedp.Run(actionCtx,
		chromedp.Navigate(rawURL),
		chromedp.WaitVisible(selector, chromedp.ByQuery),
		chromedp.Title(&title),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err != nil {
		return Output{}, fmt.Errorf("browser render failed: %v", err)
	}

	content, err := htmlToMarkdown(html)
	if err != nil {
		return Output{}, err
	}
	if len(content) > maxContentChars {
		content = content[:maxContentChars] + "\n... (truncated)"
	}

	return Output{
		Content: content,
		Fields:  map[string]any{"url": rawURL, "title": title},
	}, nil
}
