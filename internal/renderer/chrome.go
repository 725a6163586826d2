package renderer

import (
	"context"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/browser"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
)

const chromeStartupTimeout = 30 * time.Second

// ChromeRenderer runs a single headless Chrome process and opens each page
// in its own tab. Tabs are cheap; the browser process is shared.
type ChromeRenderer struct {
	allocatorCtx    context.Context
	allocatorCancel context.CancelFunc
	browserCtx      context.Context
	browserCancel   context.CancelFunc
	readySelector   string
	browserVersion  string
	logger          *zap.Logger
}

// NewChromeRenderer starts headless Chrome and verifies it is responsive.
func NewChromeRenderer(readySelector string, logger *zap.Logger) (*ChromeRenderer, error) {
	opts := []chromedp.ExecAllocatorOption{
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-setuid-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("no-first-run", true),
		chromedp.Flag("disable-extensions", true),
		chromedp.Flag("disable-background-networking", true),
		chromedp.Flag("mute-audio", true),
		chromedp.Flag("disable-sync", true),
		chromedp.Flag("disable-translate", true),
	}

	cr := &ChromeRenderer{
		readySelector: readySelector,
		logger:        logger,
	}

	allocatorOpts := append(chromedp.DefaultExecAllocatorOptions[:], opts...)
	cr.allocatorCtx, cr.allocatorCancel = chromedp.NewExecAllocator(context.Background(), allocatorOpts...)
	cr.browserCtx, cr.browserCancel = chromedp.NewContext(cr.allocatorCtx)

	startCtx, cancel := context.WithTimeout(cr.browserCtx, chromeStartupTimeout)
	defer cancel()

	// Start the browser and capture its version as a health check
	err := chromedp.Run(startCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		_, product, _, _, _, err := browser.GetVersion().Do(ctx)
		if err != nil {
			return err
		}
		cr.browserVersion = product
		return nil
	}))
	if err != nil {
		cr.allocatorCancel()
		return nil, fmt.Errorf("failed to start Chrome: %w", err)
	}

	logger.Info("Chrome renderer started",
		zap.String("browser_version", cr.browserVersion),
		zap.String("ready_selector", readySelector))

	return cr, nil
}

// Load opens a new tab and navigates it to url.
func (cr *ChromeRenderer) Load(ctx context.Context, url string) (Page, error) {
	tabCtx, tabCancel := chromedp.NewContext(cr.browserCtx)

	// Cancel the tab when the caller's context expires so a stuck navigation
	// cannot hold the tab open
	stop := context.AfterFunc(ctx, tabCancel)

	if err := chromedp.Run(tabCtx, chromedp.Navigate(url)); err != nil {
		stop()
		tabCancel()
		// Prefer the caller's deadline error over chromedp's cancellation noise
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("navigation aborted: %w", ctxErr)
		}
		return nil, fmt.Errorf("navigation failed: %w", err)
	}

	return &chromePage{
		tabCtx:        tabCtx,
		tabCancel:     tabCancel,
		stopAfterFunc: stop,
		readySelector: cr.readySelector,
	}, nil
}

// BrowserVersion returns the product string reported by Chrome.
func (cr *ChromeRenderer) BrowserVersion() string {
	return cr.browserVersion
}

func (cr *ChromeRenderer) Close() error {
	cr.browserCancel()
	cr.allocatorCancel()
	cr.logger.Info("Chrome renderer stopped")
	return nil
}

type chromePage struct {
	tabCtx        context.Context
	tabCancel     context.CancelFunc
	stopAfterFunc func() bool
	readySelector string
}

func (p *chromePage) WaitReady(ctx context.Context) error {
	waitCtx, cancel := context.WithCancel(p.tabCtx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	err := chromedp.Run(waitCtx, chromedp.WaitReady(p.readySelector, chromedp.ByQuery))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("readiness marker %q did not appear: %w", p.readySelector, ctxErr)
		}
		return fmt.Errorf("readiness wait failed: %w", err)
	}
	return nil
}

func (p *chromePage) HTML(ctx context.Context) ([]byte, error) {
	captureCtx, cancel := context.WithCancel(p.tabCtx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	var html string
	if err := chromedp.Run(captureCtx, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return nil, fmt.Errorf("failed to capture HTML: %w", err)
	}
	return []byte(html), nil
}

func (p *chromePage) Close() {
	p.stopAfterFunc()
	p.tabCancel()
}
