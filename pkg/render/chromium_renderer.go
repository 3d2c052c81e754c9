package render

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
)

// Chrome accepts at most ~200in for either paper dimension.
const maxPaperInches = 200.0

// networkIdleWindow is how long no request may be in flight before the page counts as idle.
const networkIdleWindow = 500 * time.Millisecond

// ChromiumBackend launches Chromium through go-rod, one process per session.
type ChromiumBackend struct {
	logger *zap.Logger
}

func NewChromiumBackend(logger *zap.Logger) *ChromiumBackend {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChromiumBackend{logger: logger.Named("chromium")}
}

// findChromeBinary tries to locate Chrome binary in common locations
func findChromeBinary() string {
	candidatePaths := []string{
		"./chrome-linux64/chrome",
		"chrome-linux64/chrome",
		"/usr/bin/google-chrome",
		"/usr/bin/google-chrome-stable",
		"/usr/bin/chromium",
		"/usr/bin/chromium-browser",
		"/snap/bin/chromium",
		"/Applications/Google Chrome.app/Contents/MacOS/Google Chrome",
		"/Applications/Chromium.app/Contents/MacOS/Chromium",
	}

	for _, path := range candidatePaths {
		if info, err := os.Stat(path); err == nil && info.Mode()&0111 != 0 {
			return path
		}
	}
	return ""
}

// generateInstanceID creates a unique identifier for a browser profile
func generateInstanceID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

func (b *ChromiumBackend) Launch(ctx context.Context, opts LaunchOptions) (Session, error) {
	profileDir := filepath.Join(os.TempDir(), ".chromium-profile-"+generateInstanceID())
	if err := os.MkdirAll(profileDir, 0o755); err != nil {
		return nil, fmt.Errorf("create browser profile dir: %w", err)
	}

	l := launcher.New().Context(ctx)

	bin := opts.BinaryPath
	if bin == "" {
		bin = findChromeBinary()
	}
	if bin != "" {
		l = l.Bin(bin)
	} else {
		b.logger.Warn("no Chrome binary configured or found; rod will try to download one")
	}

	// rod adds no-sandbox on its own inside containers; make it follow configuration only.
	l = l.NoSandbox(opts.NoSandbox)
	if opts.NoSandbox {
		l = l.Set("disable-setuid-sandbox")
	}

	l = l.Set("disable-dev-shm-usage").
		Set("disable-gpu").
		Set("no-first-run").
		Set("no-default-browser-check").
		Set("disable-breakpad").
		Set("user-data-dir", profileDir).
		Headless(opts.Headless)
	if opts.Headless {
		l = l.Set("headless", "new")
	}
	if opts.SkipTLSVerify {
		l = l.Set("ignore-certificate-errors")
	}

	controlURL, err := l.Launch()
	if err != nil {
		_ = os.RemoveAll(profileDir)
		if bin == "" {
			return nil, fmt.Errorf("launch browser (no Chrome binary found, set RENDERER_CHROMIUM_PATH): %w", err)
		}
		return nil, fmt.Errorf("launch browser at %q: %w", bin, err)
	}

	browser := rod.New().ControlURL(controlURL).Context(ctx)
	if err := browser.Connect(); err != nil {
		l.Kill()
		_ = os.RemoveAll(profileDir)
		return nil, fmt.Errorf("connect to browser: %w", err)
	}

	page, err := browser.Page(proto.TargetCreateTarget{})
	if err != nil {
		_ = browser.Close()
		l.Kill()
		_ = os.RemoveAll(profileDir)
		return nil, fmt.Errorf("create page: %w", err)
	}

	b.logger.Debug("browser launched", zap.String("profile_dir", profileDir), zap.Bool("no_sandbox", opts.NoSandbox))

	scale := opts.DeviceScaleFactor
	if scale <= 0 {
		scale = 1
	}
	return &chromiumSession{
		launcher:   l,
		browser:    browser,
		page:       page,
		profileDir: profileDir,
		scale:      scale,
	}, nil
}

// Close is a no-op; every session owns its own process.
func (b *ChromiumBackend) Close() error { return nil }

// Name returns the backend name
func (b *ChromiumBackend) Name() string { return "chromium" }

type chromiumSession struct {
	launcher      *launcher.Launcher
	browser       *rod.Browser
	page          *rod.Page
	profileDir    string
	scale         float64
	cookies       []*http.Cookie
	removeHeaders func()
	// idleWait is armed before navigation so requests started during the load are tracked.
	idleWait      func()
	idleCancel    context.CancelFunc
	closeOnce     sync.Once
	closeErr      error
}

func (s *chromiumSession) Authenticate(ctx context.Context, cred *Credential) error {
	s.cookies = append(s.cookies, cred.Cookies...)
	if len(cred.Headers) == 0 {
		return nil
	}
	kv := make([]string, 0, len(cred.Headers)*2)
	for k, v := range cred.Headers {
		kv = append(kv, k, v)
	}
	cleanup, err := s.page.Context(ctx).SetExtraHeaders(kv)
	if err != nil {
		return fmt.Errorf("set extra headers: %w", err)
	}
	s.removeHeaders = cleanup
	return nil
}

func (s *chromiumSession) SetViewport(ctx context.Context, width, height int) error {
	return s.page.Context(ctx).SetViewport(&proto.EmulationSetDeviceMetricsOverride{
		Width:             width,
		Height:            height,
		DeviceScaleFactor: s.scale,
		Mobile:            false,
	})
}

func (s *chromiumSession) Navigate(ctx context.Context, url string) error {
	p := s.page.Context(ctx)
	if len(s.cookies) > 0 {
		params := make([]*proto.NetworkCookieParam, 0, len(s.cookies))
		for _, c := range s.cookies {
			params = append(params, &proto.NetworkCookieParam{Name: c.Name, Value: c.Value, URL: url})
		}
		if err := p.SetCookies(params); err != nil {
			return fmt.Errorf("set cookies: %w", err)
		}
	}
	s.armIdleWait(ctx)
	if err := p.Navigate(url); err != nil {
		s.disarmIdleWait()
		return err
	}
	return p.WaitLoad()
}

func (s *chromiumSession) armIdleWait(ctx context.Context) {
	s.disarmIdleWait()
	idleCtx, cancel := context.WithCancel(ctx)
	s.idleWait = s.page.Context(idleCtx).WaitRequestIdle(networkIdleWindow, nil, nil, nil)
	s.idleCancel = cancel
}

func (s *chromiumSession) disarmIdleWait() {
	if s.idleCancel != nil {
		s.idleCancel()
	}
	s.idleWait, s.idleCancel = nil, nil
}

// WaitNetworkIdle blocks until no request has been in flight for networkIdleWindow.
func (s *chromiumSession) WaitNetworkIdle(ctx context.Context, timeout time.Duration) error {
	if s.idleWait == nil {
		s.armIdleWait(ctx)
	}
	wait, cancel := s.idleWait, s.idleCancel
	s.idleWait, s.idleCancel = nil, nil
	return waitBounded(ctx, timeout, wait, cancel)
}

// waitBounded runs wait, calling cancel once timeout elapses; wait must return after cancel.
func waitBounded(ctx context.Context, timeout time.Duration, wait func(), cancel context.CancelFunc) error {
	timer := time.AfterFunc(timeout, cancel)
	wait()
	fired := !timer.Stop()
	cancel()
	if err := ctx.Err(); err != nil {
		return err
	}
	if fired {
		return fmt.Errorf("network not idle after %s: %w", timeout, context.DeadlineExceeded)
	}
	return nil
}

func (s *chromiumSession) WaitVisible(ctx context.Context, selector string, timeout time.Duration) error {
	el, err := s.page.Context(ctx).Timeout(timeout).Element(selector)
	if err != nil {
		return fmt.Errorf("wait for %s: %w", selector, err)
	}
	if err := el.WaitVisible(); err != nil {
		return fmt.Errorf("wait for %s to be visible: %w", selector, err)
	}
	return nil
}

func (s *chromiumSession) Eval(ctx context.Context, fn string, arg string) (interface{}, error) {
	res, err := s.page.Context(ctx).Eval(fn, arg)
	if err != nil {
		return nil, err
	}
	return res.Value.Val(), nil
}

func (s *chromiumSession) ScrollHeight(ctx context.Context) (float64, error) {
	res, err := s.page.Context(ctx).Eval(`() => document.documentElement.scrollHeight`)
	if err != nil {
		return 0, err
	}
	return res.Value.Num(), nil
}

func (s *chromiumSession) PDF(ctx context.Context, opts PDFOptions) ([]byte, error) {
	widthIn, heightIn := paperInches(opts.WidthPx, opts.HeightPx)
	f := func(x float64) *float64 { return &x }

	stream, err := s.page.Context(ctx).PDF(&proto.PagePrintToPDF{
		PrintBackground:   opts.PrintBackground,
		PreferCSSPageSize: false,
		PaperWidth:        f(widthIn),
		PaperHeight:       f(heightIn),
		MarginTop:         f(0),
		MarginBottom:      f(0),
		MarginLeft:        f(0),
		MarginRight:       f(0),
		PageRanges:        opts.PageRanges,
		Scale:             f(1.0),
	})
	if err != nil {
		return nil, fmt.Errorf("print to pdf: %w", err)
	}

	pdf, err := io.ReadAll(stream)
	if err != nil {
		return nil, fmt.Errorf("read pdf stream: %w", err)
	}
	if len(pdf) < 5 || string(pdf[:5]) != "%PDF-" {
		return nil, fmt.Errorf("output is not a PDF (got %d bytes)", len(pdf))
	}
	return pdf, nil
}

func (s *chromiumSession) Screenshot(ctx context.Context, fullPage bool) ([]byte, error) {
	return s.page.Context(ctx).Screenshot(fullPage, &proto.PageCaptureScreenshot{
		Format: proto.PageCaptureScreenshotFormatPng,
	})
}

func (s *chromiumSession) ElementScreenshot(ctx context.Context, selector string, timeout time.Duration) ([]byte, error) {
	el, err := s.page.Context(ctx).Timeout(timeout).Element(selector)
	if err != nil {
		return nil, fmt.Errorf("find %s: %w", selector, err)
	}
	return el.Screenshot(proto.PageCaptureScreenshotFormatPng, 0)
}

// Close tears down page, browser and profile. Safe to call more than once.
func (s *chromiumSession) Close() error {
	s.closeOnce.Do(func() {
		var result *multierror.Error
		s.disarmIdleWait()
		if s.removeHeaders != nil {
			s.removeHeaders()
		}
		if err := s.page.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close page: %w", err))
		}
		if err := s.browser.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close browser: %w", err))
		}
		s.launcher.Kill()
		s.launcher.Cleanup()
		if err := os.RemoveAll(s.profileDir); err != nil {
			result = multierror.Append(result, fmt.Errorf("remove profile dir: %w", err))
		}
		s.closeErr = result.ErrorOrNil()
	})
	return s.closeErr
}

// paperInches converts CSS pixels to paper inches at 96 DPI, clamped to Chrome's limits.
func paperInches(widthPx, heightPx float64) (float64, float64) {
	w := widthPx / 96.0
	h := heightPx / 96.0
	if w < 1 {
		w = 1
	}
	if h < 1 {
		h = 1
	}
	if w > maxPaperInches {
		w = maxPaperInches
	}
	if h > maxPaperInches {
		h = maxPaperInches
	}
	return w, h
}
