package render

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"sync"
	"sync/atomic"
	"time"
)

// fakeBackend hands out fakeSessions and counts launches.
type fakeBackend struct {
	mu        sync.Mutex
	launches  int
	sessions  []*fakeSession
	launchErr error
	configure func(*fakeSession)

	active    int32
	maxActive int32
}

func (b *fakeBackend) Launch(ctx context.Context, opts LaunchOptions) (Session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.launches++
	if b.launchErr != nil {
		return nil, b.launchErr
	}
	s := &fakeSession{backend: b, scrollHeight: 2400}
	if b.configure != nil {
		b.configure(s)
	}
	b.sessions = append(b.sessions, s)

	n := atomic.AddInt32(&b.active, 1)
	for {
		m := atomic.LoadInt32(&b.maxActive)
		if n <= m || atomic.CompareAndSwapInt32(&b.maxActive, m, n) {
			break
		}
	}
	return s, nil
}

func (b *fakeBackend) Close() error { return nil }
func (b *fakeBackend) Name() string { return "fake" }

func (b *fakeBackend) launchCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.launches
}

func (b *fakeBackend) lastSession() *fakeSession {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.sessions) == 0 {
		return nil
	}
	return b.sessions[len(b.sessions)-1]
}

// fakeSession records the order of calls and can fail or block at a named step.
type fakeSession struct {
	backend *fakeBackend

	mu           sync.Mutex
	calls        []string
	closes       int
	cred         *Credential
	viewport     [2]int
	navigatedTo  string
	evalArg      string
	pdfOpts      PDFOptions
	scrollHeight float64
	failAt       string
	blockAt      string
	navDelay     time.Duration
}

var errStep = errors.New("step failed")

func (s *fakeSession) step(ctx context.Context, name string) error {
	s.mu.Lock()
	s.calls = append(s.calls, name)
	failAt, blockAt := s.failAt, s.blockAt
	s.mu.Unlock()

	if blockAt == name {
		<-ctx.Done()
		return ctx.Err()
	}
	if failAt == name {
		return errStep
	}
	return nil
}

func (s *fakeSession) Authenticate(ctx context.Context, cred *Credential) error {
	s.cred = cred
	return s.step(ctx, "authenticate")
}

func (s *fakeSession) SetViewport(ctx context.Context, width, height int) error {
	s.viewport = [2]int{width, height}
	return s.step(ctx, "viewport")
}

func (s *fakeSession) Navigate(ctx context.Context, url string) error {
	s.navigatedTo = url
	if s.navDelay > 0 {
		time.Sleep(s.navDelay)
	}
	return s.step(ctx, "navigate")
}

func (s *fakeSession) WaitNetworkIdle(ctx context.Context, timeout time.Duration) error {
	return s.step(ctx, "network_idle")
}

func (s *fakeSession) WaitVisible(ctx context.Context, selector string, timeout time.Duration) error {
	return s.step(ctx, "visible:"+selector)
}

func (s *fakeSession) Eval(ctx context.Context, fn string, arg string) (interface{}, error) {
	s.evalArg = arg
	if err := s.step(ctx, "eval"); err != nil {
		return nil, err
	}
	return float64(1), nil
}

func (s *fakeSession) ScrollHeight(ctx context.Context) (float64, error) {
	if err := s.step(ctx, "scroll_height"); err != nil {
		return 0, err
	}
	return s.scrollHeight, nil
}

func (s *fakeSession) PDF(ctx context.Context, opts PDFOptions) ([]byte, error) {
	s.pdfOpts = opts
	if err := s.step(ctx, "pdf"); err != nil {
		return nil, err
	}
	return []byte("%PDF-1.7 fake"), nil
}

func (s *fakeSession) Screenshot(ctx context.Context, fullPage bool) ([]byte, error) {
	name := "screenshot"
	if fullPage {
		name = "screenshot_full"
	}
	if err := s.step(ctx, name); err != nil {
		return nil, err
	}
	return tinyPNG(), nil
}

func (s *fakeSession) ElementScreenshot(ctx context.Context, selector string, timeout time.Duration) ([]byte, error) {
	if err := s.step(ctx, "element_screenshot:"+selector); err != nil {
		return nil, err
	}
	return tinyPNG(), nil
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	s.closes++
	s.mu.Unlock()
	atomic.AddInt32(&s.backend.active, -1)
	return nil
}

func (s *fakeSession) closeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}

func (s *fakeSession) callLog() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

func tinyPNG() []byte {
	img := image.NewRGBA(image.Rect(0, 0, 4, 3))
	for x := 0; x < 4; x++ {
		for y := 0; y < 3; y++ {
			img.Set(x, y, color.RGBA{R: 200, G: 100, B: 50, A: 255})
		}
	}
	var buf bytes.Buffer
	_ = png.Encode(&buf, img)
	return buf.Bytes()
}
