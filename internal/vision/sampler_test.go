package vision

import (
	"context"
	"errors"
	"image"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type manualTicker struct {
	ch      chan time.Time
	stopped atomic.Bool
}

func (m *manualTicker) C() <-chan time.Time { return m.ch }
func (m *manualTicker) Stop()               { m.stopped.Store(true) }

type fakeStream struct {
	closed atomic.Int32
	frames atomic.Int32
}

func (f *fakeStream) Frame(ctx context.Context) (*Frame, error) {
	f.frames.Add(1)
	return &Frame{Image: image.NewRGBA(image.Rect(0, 0, 40, 20)), CapturedAt: time.Now()}, nil
}

func (f *fakeStream) Close() error {
	f.closed.Add(1)
	return nil
}

type fakeSource struct {
	stream *fakeStream
	err    error
	opens  atomic.Int32
}

func (f *fakeSource) Open(context.Context) (Stream, error) {
	f.opens.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return f.stream, nil
}

// gatedOCR blocks each Recognize call until release receives a value.
type gatedOCR struct {
	started chan struct{}
	release chan string
	calls   atomic.Int32
}

func newGatedOCR() *gatedOCR {
	return &gatedOCR{started: make(chan struct{}, 8), release: make(chan string)}
}

func (g *gatedOCR) Recognize(ctx context.Context, f *Frame) (string, error) {
	g.calls.Add(1)
	g.started <- struct{}{}
	select {
	case text := <-g.release:
		return text, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

type staticOCR struct{ text string }

func (s staticOCR) Recognize(context.Context, *Frame) (string, error) { return s.text, nil }

func newTestSampler(src FrameSource, ocr TextRecognizer, cfg Config) (*Sampler, *manualTicker) {
	tk := &manualTicker{ch: make(chan time.Time)}
	s := NewSampler(src, ocr, cfg, zerolog.Nop(), WithTicker(func(time.Duration) Ticker { return tk }))
	return s, tk
}

func TestTickSkippedWhileCycleInFlight(t *testing.T) {
	src := &fakeSource{stream: &fakeStream{}}
	ocr := newGatedOCR()
	s, tk := newTestSampler(src, ocr, Config{})

	h := s.Start(context.Background())
	require.NotNil(t, h)

	tk.ch <- time.Now()
	<-ocr.started

	// the loop receives this tick while the first cycle is blocked in OCR
	tk.ch <- time.Now()
	require.Eventually(t, func() bool { return h.Skipped() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), ocr.calls.Load())

	ocr.release <- "Invoice #42"
	require.Eventually(t, func() bool { return s.LastText() == "Invoice #42" }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return !h.busy.Load() }, time.Second, 5*time.Millisecond)

	// once the cycle finished the next tick runs again
	tk.ch <- time.Now()
	<-ocr.started
	ocr.release <- "Invoice #43"
	require.Eventually(t, func() bool { return s.LastText() == "Invoice #43" }, time.Second, 5*time.Millisecond)

	s.Stop()
	assert.Equal(t, int32(1), src.stream.closed.Load())
	assert.True(t, tk.stopped.Load())
}

func TestStartReturnsNilWhenUnavailable(t *testing.T) {
	s, _ := newTestSampler(&fakeSource{err: ErrPermissionDenied}, staticOCR{}, Config{})
	assert.Nil(t, s.Start(context.Background()))
	assert.False(t, s.Active())

	noSource := NewSampler(nil, staticOCR{}, Config{}, zerolog.Nop())
	assert.Nil(t, noSource.Start(context.Background()))
}

type panickySource struct{}

func (panickySource) Open(context.Context) (Stream, error) { panic("driver crash") }

func TestStartNeverPanics(t *testing.T) {
	s, _ := newTestSampler(panickySource{}, staticOCR{}, Config{})
	assert.NotPanics(t, func() { assert.Nil(t, s.Start(context.Background())) })
}

func TestStartIsIdempotent(t *testing.T) {
	src := &fakeSource{stream: &fakeStream{}}
	s, _ := newTestSampler(src, staticOCR{}, Config{})

	h1 := s.Start(context.Background())
	h2 := s.Start(context.Background())
	assert.Same(t, h1, h2)
	assert.Equal(t, int32(1), src.opens.Load())
	s.Stop()
}

func TestStopSafeAndDiscardsLateResult(t *testing.T) {
	src := &fakeSource{stream: &fakeStream{}}
	ocr := newGatedOCR()
	s, tk := newTestSampler(src, ocr, Config{})

	s.Stop() // not started

	h := s.Start(context.Background())
	require.NotNil(t, h)
	tk.ch <- time.Now()
	<-ocr.started

	// Stop cancels the in-flight cycle; its result must not land.
	s.Stop()
	s.Stop()
	h.Stop()
	assert.Empty(t, s.LastText())
	assert.False(t, s.Active())
	assert.Equal(t, int32(1), src.stream.closed.Load())
}

func TestLastTextTruncated(t *testing.T) {
	src := &fakeSource{stream: &fakeStream{}}
	long := strings.Repeat("é", 50)
	var mu sync.Mutex
	var got []string
	tk := &manualTicker{ch: make(chan time.Time)}
	s := NewSampler(src, staticOCR{text: long}, Config{MaxTextLength: 10}, zerolog.Nop(),
		WithTicker(func(time.Duration) Ticker { return tk }),
		WithTextHandler(func(text string) {
			mu.Lock()
			got = append(got, text)
			mu.Unlock()
		}),
	)

	require.NotNil(t, s.Start(context.Background()))
	tk.ch <- time.Now()
	require.Eventually(t, func() bool { return s.LastText() != "" }, time.Second, 5*time.Millisecond)
	s.Stop()

	assert.Equal(t, strings.Repeat("é", 10), s.LastText())
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.Equal(t, 10, len([]rune(got[0])))
}

func TestDownscale(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 400, 200))
	out := Downscale(img, 100)
	assert.Equal(t, 100, out.Bounds().Dx())
	assert.Equal(t, 50, out.Bounds().Dy())

	assert.Same(t, img, Downscale(img, 800).(*image.RGBA))
	assert.Same(t, img, Downscale(img, 0).(*image.RGBA))
}

func TestNormalizeText(t *testing.T) {
	assert.Equal(t, "File  Edit\n\nView", normalizeText("File  Edit  \n\n\n\nView\n\f"))
}

func TestCommandSourceMissingBinary(t *testing.T) {
	src := NewCommandSource([]string{"foxy-missing-screenshot-tool", "{output}"}, zerolog.Nop())
	_, err := src.Open(context.Background())
	assert.True(t, errors.Is(err, ErrScreenNotAvailable))
}
