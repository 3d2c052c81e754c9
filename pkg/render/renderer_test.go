package render

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FulgerX2007/visual-reports-app/pkg/artifact"
	"github.com/FulgerX2007/visual-reports-app/pkg/config"
	appErrors "github.com/FulgerX2007/visual-reports-app/pkg/errors"
	"github.com/FulgerX2007/visual-reports-app/pkg/model"
)

var fixedNow = time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)

func newTestRenderer(b *fakeBackend, opts Options) *Renderer {
	return NewRenderer(b, opts, WithClock(func() time.Time { return fixedNow }))
}

func dashboardRequest(format model.ReportFormat) Request {
	return Request{
		ReportName:   "Ops overview",
		Source:       model.SourceDashboard,
		Format:       format,
		URL:          "http://kibana.local/app/dashboards#/view/1",
		Header:       "<h2>Ops</h2>",
		Footer:       "<p>internal</p>",
		WindowWidth:  1440,
		WindowHeight: 900,
	}
}

func indexOf(calls []string, name string) int {
	for i, c := range calls {
		if c == name {
			return i
		}
	}
	return -1
}

func TestRenderSupportedSourcesAndFormats(t *testing.T) {
	for _, source := range []model.ReportSource{model.SourceDashboard, model.SourceVisualization} {
		for _, format := range []model.ReportFormat{model.FormatPDF, model.FormatPNG} {
			t.Run(fmt.Sprintf("%s/%s", source, format), func(t *testing.T) {
				b := &fakeBackend{}
				r := newTestRenderer(b, Options{})

				req := dashboardRequest(format)
				req.Source = source
				res, err := r.Render(context.Background(), req)
				require.NoError(t, err)

				assert.NotEmpty(t, res.Data)
				assert.True(t, strings.HasSuffix(res.FileName, "."+string(format)), res.FileName)
				assert.Equal(t, artifact.ContentType(string(format)), res.ContentType)
				assert.Equal(t, 1, b.launchCount())
				assert.Equal(t, 1, b.lastSession().closeCount())

				selector, _ := ContentSelector(source)
				assert.NotEqual(t, -1, indexOf(b.lastSession().callLog(), "visible:"+selector))
			})
		}
	}
}

func TestRenderRejectsUnsupportedSourceBeforeLaunch(t *testing.T) {
	for _, source := range []model.ReportSource{model.SourceSavedSearch, "Notebook", ""} {
		b := &fakeBackend{}
		r := newTestRenderer(b, Options{})

		req := dashboardRequest(model.FormatPNG)
		req.Source = source
		res, err := r.Render(context.Background(), req)

		require.Error(t, err)
		assert.Nil(t, res)
		assert.True(t, errors.Is(err, appErrors.ErrValidation))
		assert.Equal(t, 0, b.launchCount(), "source %q must not launch a browser", source)
	}
}

func TestRenderRejectsUnsupportedFormatWithoutBuffer(t *testing.T) {
	b := &fakeBackend{}
	r := newTestRenderer(b, Options{})

	res, err := r.Render(context.Background(), dashboardRequest("svg"))
	require.Error(t, err)
	assert.Nil(t, res)
	assert.Equal(t, 400, appErrors.FromError(err).Status)
	assert.Contains(t, err.Error(), "can only be one of [pdf, png]")

	s := b.lastSession()
	require.NotNil(t, s)
	assert.Equal(t, 1, s.closeCount())
	for _, c := range s.callLog() {
		assert.NotEqual(t, "pdf", c)
		assert.False(t, strings.HasPrefix(c, "screenshot"))
	}
}

func TestRenderClosesSessionOnStepFailure(t *testing.T) {
	for _, step := range []string{"viewport", "navigate", "network_idle", "eval", "pdf"} {
		t.Run(step, func(t *testing.T) {
			b := &fakeBackend{configure: func(s *fakeSession) { s.failAt = step }}
			r := newTestRenderer(b, Options{})

			res, err := r.Render(context.Background(), dashboardRequest(model.FormatPDF))
			require.Error(t, err)
			assert.Nil(t, res)
			assert.True(t, errors.Is(err, errStep))
			assert.Equal(t, "RENDER_ERROR", appErrors.FromError(err).Code)
			assert.Equal(t, 1, b.lastSession().closeCount())
		})
	}
}

func TestRenderLaunchFailure(t *testing.T) {
	b := &fakeBackend{launchErr: errors.New("no chrome")}
	r := newTestRenderer(b, Options{})

	_, err := r.Render(context.Background(), dashboardRequest(model.FormatPNG))
	require.Error(t, err)
	assert.Equal(t, 500, appErrors.FromError(err).Status)
	assert.Contains(t, err.Error(), "render launch failed")
}

func TestRenderStepOrder(t *testing.T) {
	b := &fakeBackend{}
	r := NewRenderer(b, Options{}, WithClock(func() time.Time { return fixedNow }))

	cred := &Credential{Cookies: []*http.Cookie{{Name: "sid", Value: "abc"}}}
	ctx := WithCredential(context.Background(), cred)

	_, err := r.Render(ctx, dashboardRequest(model.FormatPDF))
	require.NoError(t, err)

	s := b.lastSession()
	calls := s.callLog()
	auth := indexOf(calls, "authenticate")
	viewport := indexOf(calls, "viewport")
	nav := indexOf(calls, "navigate")
	idle := indexOf(calls, "network_idle")
	visible := indexOf(calls, "visible:"+DashboardSelector)
	eval := indexOf(calls, "eval")
	height := indexOf(calls, "scroll_height")
	pdf := indexOf(calls, "pdf")

	require.NotEqual(t, -1, auth)
	assert.Less(t, auth, nav)
	assert.Less(t, viewport, nav)
	assert.Less(t, nav, idle)
	assert.Less(t, idle, visible)
	assert.Less(t, visible, eval)
	assert.Less(t, eval, height)
	assert.Less(t, height, pdf)

	assert.Same(t, cred, s.cred)
	assert.Equal(t, [2]int{1440, 900}, s.viewport)
	assert.Equal(t, PDFOptions{WidthPx: 1440, HeightPx: 2400, PrintBackground: true, PageRanges: "1"}, s.pdfOpts)
	assert.Contains(t, s.evalArg, "reportingHeader")
	assert.Contains(t, s.evalArg, "reportingFooter")
	assert.Contains(t, s.evalArg, "headerGlobalNav")
}

func TestRenderWithoutCredentialSkipsAuthenticate(t *testing.T) {
	b := &fakeBackend{}
	r := newTestRenderer(b, Options{})

	_, err := r.Render(context.Background(), dashboardRequest(model.FormatPNG))
	require.NoError(t, err)
	calls := b.lastSession().callLog()
	assert.Equal(t, -1, indexOf(calls, "authenticate"))
	assert.NotEqual(t, -1, indexOf(calls, "screenshot_full"))
}

func TestRenderTimeCreatedMatchesFileName(t *testing.T) {
	b := &fakeBackend{}
	r := newTestRenderer(b, Options{})

	res, err := r.Render(context.Background(), dashboardRequest(model.FormatPNG))
	require.NoError(t, err)
	assert.Equal(t, fixedNow.UnixMilli(), res.TimeCreated)
	assert.Equal(t, artifact.FileName("Ops overview", time.UnixMilli(res.TimeCreated), "png"), res.FileName)
	assert.NotEmpty(t, res.Base64())
}

func TestRenderDeadlineClosesSession(t *testing.T) {
	b := &fakeBackend{configure: func(s *fakeSession) { s.blockAt = "visible:" + DashboardSelector }}
	r := newTestRenderer(b, Options{RenderTimeout: 50 * time.Millisecond})

	start := time.Now()
	_, err := r.Render(context.Background(), dashboardRequest(model.FormatPNG))
	require.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, 504, appErrors.FromError(err).Status)
	assert.Equal(t, 1, b.lastSession().closeCount())
}

func TestRenderElementCaptureWrapsPDF(t *testing.T) {
	b := &fakeBackend{}
	r := newTestRenderer(b, Options{CaptureMode: CaptureElement})

	req := dashboardRequest(model.FormatPDF)
	req.Source = model.SourceVisualization
	res, err := r.Render(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(res.Data, []byte("%PDF-")))

	calls := b.lastSession().callLog()
	assert.NotEqual(t, -1, indexOf(calls, "element_screenshot:"+VisualizationSelector))
	assert.Equal(t, -1, indexOf(calls, "pdf"))
}

func TestRenderLimitsConcurrentBrowsers(t *testing.T) {
	b := &fakeBackend{configure: func(s *fakeSession) { s.navDelay = 20 * time.Millisecond }}
	r := newTestRenderer(b, Options{MaxConcurrent: 1})

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Render(context.Background(), dashboardRequest(model.FormatPNG))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 4, b.launchCount())
	assert.EqualValues(t, 1, b.maxActive)
}

func TestOptionsFromConfigCaptureMode(t *testing.T) {
	for raw, want := range map[string]CaptureMode{"": "", "full": CaptureFull, " Element ": CaptureElement} {
		opts, err := OptionsFromConfig(config.RendererConfig{CaptureMode: raw})
		require.NoError(t, err, raw)
		assert.Equal(t, want, opts.CaptureMode, raw)
	}

	_, err := OptionsFromConfig(config.RendererConfig{CaptureMode: "viewport"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"viewport"`)
}

func TestRequestFromParams(t *testing.T) {
	params := model.ReportParams{
		ReportName:   "vis",
		ReportSource: model.SourceVisualization,
		CoreParams: model.CoreParams{Visual: &model.VisualReportParams{
			BaseURL:      "http://kibana/app/visualize#/edit/7",
			ReportFormat: model.FormatPNG,
			TimeDuration: "PT1H",
		}},
	}
	req, err := RequestFromParams(&params, fixedNow)
	require.NoError(t, err)
	assert.Equal(t, model.DefaultWindowWidth, req.WindowWidth)
	assert.Equal(t, model.DefaultWindowHeight, req.WindowHeight)
	assert.Contains(t, req.URL, "from:'2024-06-01T09:00:00.000Z'")

	params.ReportSource = model.SourceSavedSearch
	_, err = RequestFromParams(&params, fixedNow)
	assert.True(t, errors.Is(err, appErrors.ErrValidation))
}
