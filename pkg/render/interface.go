package render

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/FulgerX2007/visual-reports-app/pkg/config"
)

// Backend launches browser sessions.
type Backend interface {
	// Launch starts a fresh browser. The caller owns the returned Session and must Close it.
	Launch(ctx context.Context, opts LaunchOptions) (Session, error)

	// Close releases resources shared across sessions (driver processes).
	Close() error

	// Name returns the name of the backend
	Name() string
}

// Session is one browser with one page.
type Session interface {
	Authenticate(ctx context.Context, cred *Credential) error
	SetViewport(ctx context.Context, width, height int) error
	// Navigate loads url and waits for the load event. Only ctx bounds it.
	Navigate(ctx context.Context, url string) error
	// WaitNetworkIdle returns once the requests issued by the page, including those started
	// during Navigate, have drained and none has been in flight for a short window.
	WaitNetworkIdle(ctx context.Context, timeout time.Duration) error
	WaitVisible(ctx context.Context, selector string, timeout time.Duration) error
	// Eval runs a function expression with a single string argument.
	Eval(ctx context.Context, fn string, arg string) (interface{}, error)
	ScrollHeight(ctx context.Context) (float64, error)
	PDF(ctx context.Context, opts PDFOptions) ([]byte, error)
	Screenshot(ctx context.Context, fullPage bool) ([]byte, error)
	ElementScreenshot(ctx context.Context, selector string, timeout time.Duration) ([]byte, error)
	Close() error
}

// LaunchOptions are per-process browser settings.
type LaunchOptions struct {
	BinaryPath        string
	Headless          bool
	NoSandbox         bool
	SkipTLSVerify     bool
	DeviceScaleFactor float64
}

// PDFOptions describe a single-page print.
type PDFOptions struct {
	WidthPx         float64
	HeightPx        float64
	PrintBackground bool
	PageRanges      string
}

// Credential is attached to a session before navigation.
type Credential struct {
	Cookies []*http.Cookie
	Headers map[string]string
}

// NewBackend creates the backend named in cfg.Backend.
func NewBackend(cfg config.RendererConfig, opts ...Option) (Backend, error) {
	o := applyOptions(opts)
	switch cfg.Backend {
	case "", "chromium", "rod":
		return NewChromiumBackend(o.logger), nil
	case "playwright":
		return NewPlaywrightBackend(o.logger), nil
	default:
		return nil, fmt.Errorf("unknown renderer backend %q", cfg.Backend)
	}
}
