package render

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/playwright-community/playwright-go"
	"go.uber.org/zap"
)

// PlaywrightBackend shares one Playwright driver and launches a browser per session.
type PlaywrightBackend struct {
	logger *zap.Logger
	mu     sync.Mutex
	pw     *playwright.Playwright
}

func NewPlaywrightBackend(logger *zap.Logger) *PlaywrightBackend {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PlaywrightBackend{logger: logger.Named("playwright")}
}

func (b *PlaywrightBackend) driver() (*playwright.Playwright, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pw != nil {
		return b.pw, nil
	}

	// The plugin home directory is often read-only; keep driver and browsers under /tmp.
	if os.Getenv("PLAYWRIGHT_BROWSERS_PATH") == "" {
		_ = os.Setenv("PLAYWRIGHT_BROWSERS_PATH", "/tmp/.playwright-cache")
	}
	if os.Getenv("PLAYWRIGHT_DRIVER_PATH") == "" {
		_ = os.Setenv("PLAYWRIGHT_DRIVER_PATH", "/tmp/.playwright-driver")
	}

	pw, err := playwright.Run()
	if err != nil {
		return nil, fmt.Errorf("start playwright driver: %w", err)
	}
	b.pw = pw
	return pw, nil
}

func (b *PlaywrightBackend) Launch(ctx context.Context, opts LaunchOptions) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	pw, err := b.driver()
	if err != nil {
		return nil, err
	}

	args := []string{
		"--disable-dev-shm-usage",
		"--disable-gpu",
		"--no-first-run",
		"--no-default-browser-check",
		"--disable-breakpad",
	}
	if opts.NoSandbox {
		args = append(args, "--no-sandbox", "--disable-setuid-sandbox")
	}
	if opts.SkipTLSVerify {
		args = append(args, "--ignore-certificate-errors")
	}

	launch := playwright.BrowserTypeLaunchOptions{
		Headless:        playwright.Bool(opts.Headless),
		Args:            args,
		ChromiumSandbox: playwright.Bool(!opts.NoSandbox),
	}
	bin := opts.BinaryPath
	if bin == "" {
		bin = findChromeBinary()
	}
	if bin != "" {
		launch.ExecutablePath = playwright.String(bin)
	}

	browser, err := pw.Chromium.Launch(launch)
	if err != nil {
		return nil, fmt.Errorf("launch chromium: %w", err)
	}

	scale := opts.DeviceScaleFactor
	if scale <= 0 {
		scale = 1
	}
	bctx, err := browser.NewContext(playwright.BrowserNewContextOptions{
		DeviceScaleFactor: playwright.Float(scale),
		IgnoreHttpsErrors: playwright.Bool(opts.SkipTLSVerify),
	})
	if err != nil {
		_ = browser.Close()
		return nil, fmt.Errorf("create browser context: %w", err)
	}

	page, err := bctx.NewPage()
	if err != nil {
		_ = bctx.Close()
		_ = browser.Close()
		return nil, fmt.Errorf("create page: %w", err)
	}
	page.SetDefaultNavigationTimeout(0)

	return &playwrightSession{browser: browser, bctx: bctx, page: page}, nil
}

func (b *PlaywrightBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pw == nil {
		return nil
	}
	err := b.pw.Stop()
	b.pw = nil
	return err
}

// Name returns the backend name
func (b *PlaywrightBackend) Name() string { return "playwright" }

type playwrightSession struct {
	browser   playwright.Browser
	bctx      playwright.BrowserContext
	page      playwright.Page
	cookies   []playwright.OptionalCookie
	closeOnce sync.Once
	closeErr  error
}

// timeoutMS bounds d by the ctx deadline. Zero d means no bound except ctx.
func timeoutMS(ctx context.Context, d time.Duration) *float64 {
	if dl, ok := ctx.Deadline(); ok {
		left := time.Until(dl)
		if left <= 0 {
			left = time.Millisecond
		}
		if d == 0 || left < d {
			d = left
		}
	}
	return playwright.Float(float64(d.Milliseconds()))
}

func (s *playwrightSession) Authenticate(ctx context.Context, cred *Credential) error {
	for _, c := range cred.Cookies {
		s.cookies = append(s.cookies, playwright.OptionalCookie{Name: c.Name, Value: c.Value})
	}
	if len(cred.Headers) == 0 {
		return nil
	}
	return s.bctx.SetExtraHTTPHeaders(cred.Headers)
}

func (s *playwrightSession) SetViewport(ctx context.Context, width, height int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.page.SetViewportSize(width, height)
}

func (s *playwrightSession) Navigate(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(s.cookies) > 0 {
		cookies := make([]playwright.OptionalCookie, len(s.cookies))
		for i, c := range s.cookies {
			c.URL = playwright.String(url)
			cookies[i] = c
		}
		if err := s.bctx.AddCookies(cookies); err != nil {
			return fmt.Errorf("add cookies: %w", err)
		}
	}
	_, err := s.page.Goto(url, playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateLoad,
		Timeout:   timeoutMS(ctx, 0),
	})
	return err
}

func (s *playwrightSession) WaitNetworkIdle(ctx context.Context, timeout time.Duration) error {
	return s.page.WaitForLoadState(playwright.PageWaitForLoadStateOptions{
		State:   playwright.LoadStateNetworkidle,
		Timeout: timeoutMS(ctx, timeout),
	})
}

func (s *playwrightSession) WaitVisible(ctx context.Context, selector string, timeout time.Duration) error {
	err := s.page.Locator(selector).First().WaitFor(playwright.LocatorWaitForOptions{
		State:   playwright.WaitForSelectorStateVisible,
		Timeout: timeoutMS(ctx, timeout),
	})
	if err != nil {
		return fmt.Errorf("wait for %s to be visible: %w", selector, err)
	}
	return nil
}

func (s *playwrightSession) Eval(ctx context.Context, fn string, arg string) (interface{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.page.Evaluate(fn, arg)
}

func (s *playwrightSession) ScrollHeight(ctx context.Context) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	v, err := s.page.Evaluate(`() => document.documentElement.scrollHeight`)
	if err != nil {
		return 0, err
	}
	switch n := v.(type) {
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case float64:
		return n, nil
	default:
		return 0, fmt.Errorf("unexpected scrollHeight type %T", v)
	}
}

func (s *playwrightSession) PDF(ctx context.Context, opts PDFOptions) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	widthIn, heightIn := paperInches(opts.WidthPx, opts.HeightPx)
	pdf, err := s.page.PDF(playwright.PagePdfOptions{
		PrintBackground:   playwright.Bool(opts.PrintBackground),
		PreferCSSPageSize: playwright.Bool(false),
		Width:             playwright.String(fmt.Sprintf("%.2fin", widthIn)),
		Height:            playwright.String(fmt.Sprintf("%.2fin", heightIn)),
		PageRanges:        playwright.String(opts.PageRanges),
		Margin: &playwright.Margin{
			Top:    playwright.String("0in"),
			Bottom: playwright.String("0in"),
			Left:   playwright.String("0in"),
			Right:  playwright.String("0in"),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("print to pdf: %w", err)
	}
	if len(pdf) < 5 || string(pdf[:5]) != "%PDF-" {
		return nil, fmt.Errorf("output is not a PDF (got %d bytes)", len(pdf))
	}
	return pdf, nil
}

func (s *playwrightSession) Screenshot(ctx context.Context, fullPage bool) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.page.Screenshot(playwright.PageScreenshotOptions{
		FullPage: playwright.Bool(fullPage),
		Type:     playwright.ScreenshotTypePng,
	})
}

func (s *playwrightSession) ElementScreenshot(ctx context.Context, selector string, timeout time.Duration) ([]byte, error) {
	return s.page.Locator(selector).First().Screenshot(playwright.LocatorScreenshotOptions{
		Type:    playwright.ScreenshotTypePng,
		Timeout: timeoutMS(ctx, timeout),
	})
}

func (s *playwrightSession) Close() error {
	s.closeOnce.Do(func() {
		var result *multierror.Error
		if err := s.page.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close page: %w", err))
		}
		if err := s.bctx.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close context: %w", err))
		}
		if err := s.browser.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close browser: %w", err))
		}
		s.closeErr = result.ErrorOrNil()
	})
	return s.closeErr
}
