package render

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/FulgerX2007/visual-reports-app/pkg/artifact"
	"github.com/FulgerX2007/visual-reports-app/pkg/config"
	appErrors "github.com/FulgerX2007/visual-reports-app/pkg/errors"
	"github.com/FulgerX2007/visual-reports-app/pkg/metrics"
	"github.com/FulgerX2007/visual-reports-app/pkg/model"
	"github.com/FulgerX2007/visual-reports-app/pkg/template"
)

// CaptureMode picks between whole-page and content-element capture.
type CaptureMode string

const (
	CaptureFull    CaptureMode = "full"
	CaptureElement CaptureMode = "element"
)

// Request is everything needed to render one report.
type Request struct {
	ReportName   string
	Source       model.ReportSource
	Format       model.ReportFormat
	URL          string
	Header       string
	Footer       string
	WindowWidth  int
	WindowHeight int
}

// RequestFromParams builds a Request from a visual definition, resolving the time filter against now.
func RequestFromParams(p *model.ReportParams, now time.Time) (Request, error) {
	v, err := p.Visual()
	if err != nil {
		return Request{}, appErrors.Validation("%v", err)
	}
	u, err := v.QueryURL(now)
	if err != nil {
		return Request{}, appErrors.Validation("time_duration: %v", err)
	}
	w, h := v.Dimensions()
	return Request{
		ReportName:   p.ReportName,
		Source:       p.ReportSource,
		Format:       v.ReportFormat,
		URL:          u,
		Header:       v.Header,
		Footer:       v.Footer,
		WindowWidth:  w,
		WindowHeight: h,
	}, nil
}

// Result is a captured artifact.
type Result struct {
	// TimeCreated is epoch milliseconds, taken once after capture.
	TimeCreated int64
	Data        []byte
	FileName    string
	ContentType string
}

// Base64 returns the payload as standard base64.
func (r *Result) Base64() string {
	return base64.StdEncoding.EncodeToString(r.Data)
}

// Options tune the renderer.
type Options struct {
	Launch        LaunchOptions
	WaitTimeout   time.Duration
	RenderTimeout time.Duration
	MaxConcurrent int
	CaptureMode   CaptureMode
}

// OptionsFromConfig maps renderer configuration. An unknown capture mode is an error.
func OptionsFromConfig(cfg config.RendererConfig) (Options, error) {
	mode := CaptureMode(strings.ToLower(strings.TrimSpace(cfg.CaptureMode)))
	switch mode {
	case "", CaptureFull, CaptureElement:
	default:
		return Options{}, fmt.Errorf("unknown renderer capture mode %q (want %q or %q)", cfg.CaptureMode, CaptureFull, CaptureElement)
	}
	return Options{
		Launch: LaunchOptions{
			BinaryPath:        cfg.ChromiumPath,
			Headless:          cfg.Headless,
			NoSandbox:         cfg.NoSandbox,
			SkipTLSVerify:     cfg.SkipTLSVerify,
			DeviceScaleFactor: cfg.DeviceScaleFactor,
		},
		WaitTimeout:   cfg.WaitTimeout,
		RenderTimeout: cfg.RenderTimeout,
		MaxConcurrent: cfg.MaxConcurrentRenders,
		CaptureMode:   mode,
	}, nil
}

type Option func(*options)

type options struct {
	logger      *zap.Logger
	clock       func() time.Time
	credentials CredentialProvider
	composer    *template.Composer
	metrics     *metrics.Recorder
}

func WithLogger(l *zap.Logger) Option { return func(o *options) { o.logger = l } }

func WithClock(now func() time.Time) Option { return func(o *options) { o.clock = now } }

func WithCredentials(p CredentialProvider) Option { return func(o *options) { o.credentials = p } }

func WithComposer(c *template.Composer) Option { return func(o *options) { o.composer = c } }

func WithMetrics(m *metrics.Recorder) Option { return func(o *options) { o.metrics = m } }

func applyOptions(opts []Option) options {
	o := options{
		logger:      zap.NewNop(),
		clock:       time.Now,
		credentials: CredentialChain{ContextCredentials{}},
	}
	for _, fn := range opts {
		fn(&o)
	}
	if o.composer == nil {
		o.composer = template.NewComposer(nil)
	}
	return o
}

// Renderer drives one browser session per Render call.
type Renderer struct {
	backend Backend
	opts    Options
	options
	slots chan struct{}
}

func NewRenderer(backend Backend, opts Options, fns ...Option) *Renderer {
	if opts.WaitTimeout <= 0 {
		opts.WaitTimeout = 60 * time.Second
	}
	if opts.RenderTimeout <= 0 {
		opts.RenderTimeout = 5 * time.Minute
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 2
	}
	if opts.CaptureMode == "" {
		opts.CaptureMode = CaptureFull
	}
	if opts.Launch.DeviceScaleFactor <= 0 {
		opts.Launch.DeviceScaleFactor = 1
	}

	r := &Renderer{
		backend: backend,
		opts:    opts,
		options: applyOptions(fns),
		slots:   make(chan struct{}, opts.MaxConcurrent),
	}
	if opts.Launch.NoSandbox {
		r.logger.Warn("browser sandbox disabled by configuration; only use this where the host cannot provide OS-level sandboxing",
			zap.String("backend", backend.Name()))
	}
	return r
}

// Render produces a PDF or PNG of req.URL. The browser session is closed on every path.
func (r *Renderer) Render(ctx context.Context, req Request) (res *Result, err error) {
	selector, err := ContentSelector(req.Source)
	if err != nil {
		return nil, err
	}

	started := time.Now()
	log := r.logger.With(
		zap.String("report_name", req.ReportName),
		zap.String("source", string(req.Source)),
		zap.String("format", string(req.Format)),
		zap.String("backend", r.backend.Name()),
	)
	defer func() {
		outcome := "success"
		if err != nil {
			outcome = appErrors.FromError(err).Code
			log.Error("render failed", zap.Error(err), zap.Duration("elapsed", time.Since(started)))
		} else {
			log.Info("render complete", zap.String("file_name", res.FileName), zap.Int("bytes", len(res.Data)),
				zap.Duration("elapsed", time.Since(started)))
		}
		r.metrics.ObserveRender(string(req.Source), string(req.Format), outcome, time.Since(started))
	}()

	ctx, cancel := context.WithTimeout(ctx, r.opts.RenderTimeout)
	defer cancel()

	select {
	case r.slots <- struct{}{}:
		defer func() { <-r.slots }()
	case <-ctx.Done():
		return nil, appErrors.Render(ctx.Err(), "queue")
	}

	session, err := r.backend.Launch(ctx, r.opts.Launch)
	if err != nil {
		return nil, appErrors.Render(err, "launch")
	}
	r.metrics.SessionOpened()
	defer func() {
		if cerr := session.Close(); cerr != nil {
			log.Warn("closing browser session", zap.Error(cerr))
		}
		r.metrics.SessionClosed()
	}()

	cred, err := r.credentials.Credential(ctx)
	if err != nil {
		return nil, appErrors.Render(err, "credential lookup")
	}
	if cred != nil {
		if err := session.Authenticate(ctx, cred); err != nil {
			return nil, appErrors.Render(err, "authenticate")
		}
	}

	width, height := req.WindowWidth, req.WindowHeight
	if width <= 0 {
		width = model.DefaultWindowWidth
	}
	if height <= 0 {
		height = model.DefaultWindowHeight
	}
	if err := session.SetViewport(ctx, width, height); err != nil {
		return nil, appErrors.Render(err, "viewport")
	}

	log.Debug("navigating", zap.String("url", req.URL))
	if err := session.Navigate(ctx, req.URL); err != nil {
		return nil, appErrors.Render(err, "navigate")
	}

	if err := session.WaitNetworkIdle(ctx, r.opts.WaitTimeout); err != nil {
		return nil, appErrors.Render(err, "stabilize")
	}
	if err := session.WaitVisible(ctx, selector, r.opts.WaitTimeout); err != nil {
		return nil, appErrors.Render(err, "stabilize")
	}

	edits, err := Edits(req.Source, r.composer.Header(req.Header), r.composer.Footer(req.Footer))
	if err != nil {
		return nil, err
	}
	waitCtx, waitCancel := context.WithTimeout(ctx, r.opts.WaitTimeout)
	err = ApplyEdits(waitCtx, session, edits)
	waitCancel()
	if err != nil {
		return nil, appErrors.Render(err, "dom mutation")
	}

	data, err := r.capture(ctx, session, req, selector, width)
	if err != nil {
		return nil, err
	}

	created := r.clock()
	return &Result{
		TimeCreated: created.UnixMilli(),
		Data:        data,
		FileName:    artifact.FileName(req.ReportName, created, string(req.Format)),
		ContentType: artifact.ContentType(string(req.Format)),
	}, nil
}

func (r *Renderer) capture(ctx context.Context, s Session, req Request, selector string, width int) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, r.opts.WaitTimeout)
	defer cancel()

	var (
		data []byte
		err  error
	)
	switch req.Format {
	case model.FormatPDF:
		if r.opts.CaptureMode == CaptureElement {
			var img []byte
			if img, err = s.ElementScreenshot(ctx, selector, r.opts.WaitTimeout); err == nil {
				data, err = WrapPNGInPDF(img)
			}
			break
		}
		var height float64
		if height, err = s.ScrollHeight(ctx); err != nil {
			return nil, appErrors.Render(err, "measure")
		}
		data, err = s.PDF(ctx, PDFOptions{
			WidthPx:         float64(width),
			HeightPx:        height,
			PrintBackground: true,
			PageRanges:      "1",
		})
	case model.FormatPNG:
		if r.opts.CaptureMode == CaptureElement {
			data, err = s.ElementScreenshot(ctx, selector, r.opts.WaitTimeout)
		} else {
			data, err = s.Screenshot(ctx, true)
		}
	default:
		return nil, appErrors.Validation("report format for visual report can only be one of [%s, %s], got %q",
			model.FormatPDF, model.FormatPNG, req.Format)
	}
	if err != nil {
		return nil, appErrors.Render(err, "capture")
	}
	if len(data) == 0 {
		return nil, appErrors.Render(errors.New("browser returned an empty buffer"), "capture")
	}
	return data, nil
}
