package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
)

// Hardening flags appended to every launch regardless of caller flags.
var hardeningFlags = []string{"--no-sandbox", "--disable-setuid-sandbox"}

// ChromedpDriver launches one headless Chrome process per Launch call via a
// dedicated exec allocator.
type ChromedpDriver struct {
	launchTimeout time.Duration
	logger        *zap.Logger
}

// NewChromedpDriver builds the production driver.
func NewChromedpDriver(launchTimeout time.Duration, logger *zap.Logger) *ChromedpDriver {
	if launchTimeout <= 0 {
		launchTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChromedpDriver{launchTimeout: launchTimeout, logger: logger}
}

// Launch starts a browser process with the given flags plus the mandatory
// hardening flags and blocks until the process is reachable.
func (d *ChromedpDriver) Launch(ctx context.Context, flags []string) (Handle, error) {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	for _, raw := range append(append([]string{}, flags...), hardeningFlags...) {
		name, value := ParseFlag(raw)
		if name == "" {
			continue
		}
		if value == "" {
			opts = append(opts, chromedp.Flag(name, true))
			continue
		}
		opts = append(opts, chromedp.Flag(name, value))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	h := &chromedpHandle{
		browserCtx:    browserCtx,
		browserCancel: browserCancel,
		allocCancel:   allocCancel,
	}

	startCtx, cancel := context.WithTimeout(browserCtx, d.launchTimeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	// An empty Run materializes the browser process.
	if err := chromedp.Run(startCtx); err != nil {
		h.teardown()
		return nil, fmt.Errorf("launch browser: %w", err)
	}
	d.logger.Debug("browser launched", zap.Strings("flags", flags))
	return h, nil
}

type chromedpHandle struct {
	browserCtx    context.Context
	browserCancel context.CancelFunc
	allocCancel   context.CancelFunc

	mu    sync.Mutex
	pages []*chromedpPage
}

// NewPage opens a fresh tab on the browser.
func (h *chromedpHandle) NewPage(ctx context.Context) (Page, error) {
	pageCtx, pageCancel := chromedp.NewContext(h.browserCtx)

	runCtx, cancel := context.WithCancel(pageCtx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	if err := chromedp.Run(runCtx, network.Enable()); err != nil {
		pageCancel()
		return nil, fmt.Errorf("open page: %w", err)
	}

	p := &chromedpPage{ctx: pageCtx, cancel: pageCancel, handle: h}
	h.mu.Lock()
	h.pages = append(h.pages, p)
	h.mu.Unlock()
	return p, nil
}

// Pages returns the currently open tabs.
func (h *chromedpHandle) Pages() []Page {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Page, len(h.pages))
	for i, p := range h.pages {
		out[i] = p
	}
	return out
}

// Close terminates the browser process and every open tab.
func (h *chromedpHandle) Close(_ context.Context) error {
	h.teardown()
	return nil
}

func (h *chromedpHandle) teardown() {
	h.mu.Lock()
	pages := h.pages
	h.pages = nil
	h.mu.Unlock()
	for _, p := range pages {
		p.cancel()
	}
	h.browserCancel()
	h.allocCancel()
}

func (h *chromedpHandle) forget(target *chromedpPage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, p := range h.pages {
		if p == target {
			h.pages = append(h.pages[:i], h.pages[i+1:]...)
			return
		}
	}
}

type chromedpPage struct {
	ctx    context.Context
	cancel context.CancelFunc
	handle *chromedpHandle
	once   sync.Once
}

func (p *chromedpPage) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithCancel(p.ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	if err := chromedp.Run(runCtx, actions...); err != nil {
		return fmt.Errorf("chromedp run: %w", err)
	}
	return nil
}

// Navigate loads the URL and waits for the document body.
func (p *chromedpPage) Navigate(ctx context.Context, url string) error {
	return p.run(ctx,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)
}

// Evaluate runs the expression in page context and returns the raw JSON result.
func (p *chromedpPage) Evaluate(ctx context.Context, expression string) ([]byte, error) {
	var raw json.RawMessage
	awaitPromise := func(ep *runtime.EvaluateParams) *runtime.EvaluateParams {
		return ep.WithAwaitPromise(true)
	}
	if err := p.run(ctx, chromedp.Evaluate(expression, &raw, awaitPromise)); err != nil {
		return nil, err
	}
	return raw, nil
}

// Content returns the rendered outer HTML of the document.
func (p *chromedpPage) Content(ctx context.Context) (string, error) {
	var html string
	if err := p.run(ctx, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", err
	}
	return html, nil
}

// Screenshot captures the viewport as PNG.
func (p *chromedpPage) Screenshot(ctx context.Context) ([]byte, error) {
	var buf []byte
	if err := p.run(ctx, chromedp.CaptureScreenshot(&buf)); err != nil {
		return nil, err
	}
	return buf, nil
}

// PDF prints the page via the DevTools Page domain.
func (p *chromedpPage) PDF(ctx context.Context) ([]byte, error) {
	var buf []byte
	err := p.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		data, _, err := page.PrintToPDF().WithPrintBackground(true).Do(ctx)
		if err != nil {
			return fmt.Errorf("print to pdf: %w", err)
		}
		buf = data
		return nil
	}))
	if err != nil {
		return nil, err
	}
	return buf, nil
}

// Close tears the tab down. Safe to call more than once.
func (p *chromedpPage) Close(_ context.Context) error {
	p.once.Do(func() {
		p.handle.forget(p)
		p.cancel()
	})
	return nil
}
