package vision

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/nomix/foxy/internal/metrics"
)

// Config configures a Sampler.
type Config struct {
	Interval      time.Duration
	MaxTextLength int // in runes
	MaxWidth      int // frames are downscaled to this width before OCR
}

// Ticker is the subset of time.Ticker the sampler uses.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type timeTicker struct{ t *time.Ticker }

func (t timeTicker) C() <-chan time.Time { return t.t.C }
func (t timeTicker) Stop()               { t.t.Stop() }

// Option configures a Sampler.
type Option func(*Sampler)

// WithTicker replaces the wall-clock ticker.
func WithTicker(fn func(time.Duration) Ticker) Option {
	return func(s *Sampler) { s.newTicker = fn }
}

// WithTextHandler registers a callback for every accepted OCR result.
func WithTextHandler(fn func(string)) Option {
	return func(s *Sampler) { s.onText = fn }
}

// Sampler periodically captures the screen and runs OCR on it. Only one
// handle is active at a time. A tick that fires while the previous cycle is
// still running is skipped.
type Sampler struct {
	source    FrameSource
	ocr       TextRecognizer
	cfg       Config
	logger    zerolog.Logger
	newTicker func(time.Duration) Ticker
	onText    func(string)

	mu       sync.Mutex
	handle   *Handle
	lastText string
}

// NewSampler builds a sampler.
func NewSampler(source FrameSource, ocr TextRecognizer, cfg Config, logger zerolog.Logger, opts ...Option) *Sampler {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.MaxTextLength <= 0 {
		cfg.MaxTextLength = 1000
	}
	s := &Sampler{
		source: source,
		ocr:    ocr,
		cfg:    cfg,
		logger: logger.With().Str("component", "vision").Logger(),
		newTicker: func(d time.Duration) Ticker {
			return timeTicker{time.NewTicker(d)}
		},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Handle is an active sampling task.
type Handle struct {
	s       *Sampler
	stream  Stream
	cancel  context.CancelFunc
	done    chan struct{}
	cycles  sync.WaitGroup
	busy    atomic.Bool
	skipped atomic.Int64
	once    sync.Once
}

// Skipped returns how many ticks were skipped because a cycle was running.
func (h *Handle) Skipped() int64 { return h.skipped.Load() }

// Stop stops this handle. Equivalent to Sampler.Stop while it is current.
func (h *Handle) Stop() {
	if h == nil {
		return
	}
	h.s.mu.Lock()
	if h.s.handle == h {
		h.s.handle = nil
		h.s.lastText = ""
	}
	h.s.mu.Unlock()
	h.teardown()
}

// teardown cancels the loop, waits for it and any in-flight cycle, then
// closes the stream.
func (h *Handle) teardown() {
	h.once.Do(func() {
		h.cancel()
		<-h.done
		h.cycles.Wait()
		if err := h.stream.Close(); err != nil {
			h.s.logger.Debug().Err(err).Msg("stream close failed")
		}
	})
}

// Start opens a display stream and begins sampling. It returns the active
// handle if sampling is already running, and nil if the stream could not be
// opened (permission denied, no capture method). It never panics.
func (s *Sampler) Start(ctx context.Context) (h *Handle) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Interface("panic", r).Msg("vision start panicked")
			h = nil
		}
	}()

	s.mu.Lock()
	if s.handle != nil {
		h = s.handle
		s.mu.Unlock()
		return h
	}
	s.mu.Unlock()

	if s.source == nil || s.ocr == nil {
		s.logger.Warn().Err(ErrScreenNotAvailable).Msg("vision unavailable")
		return nil
	}
	stream, err := s.source.Open(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("vision unavailable")
		return nil
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	h = &Handle{
		s:      s,
		stream: stream,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	s.mu.Lock()
	if s.handle != nil {
		// lost a race with a concurrent Start
		existing := s.handle
		s.mu.Unlock()
		cancel()
		close(h.done)
		stream.Close()
		return existing
	}
	s.handle = h
	s.mu.Unlock()

	ticker := s.newTicker(s.cfg.Interval)
	go s.loop(loopCtx, h, ticker)

	s.logger.Info().Dur("interval", s.cfg.Interval).Msg("vision started")
	return h
}

// Stop stops the active handle, if any, and forgets the last text. Safe to
// call when not started.
func (s *Sampler) Stop() {
	s.mu.Lock()
	h := s.handle
	s.handle = nil
	s.lastText = ""
	s.mu.Unlock()
	if h == nil {
		return
	}
	h.teardown()
	s.logger.Info().Msg("vision stopped")
}

// Active reports whether a handle is running.
func (s *Sampler) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle != nil
}

// LastText returns the newest recognised text, truncated to MaxTextLength
// runes.
func (s *Sampler) LastText() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return truncate(s.lastText, s.cfg.MaxTextLength)
}

// MaxTextLength is the bound applied by LastText.
func (s *Sampler) MaxTextLength() int { return s.cfg.MaxTextLength }

func (s *Sampler) loop(ctx context.Context, h *Handle, t Ticker) {
	defer close(h.done)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C():
			if !h.busy.CompareAndSwap(false, true) {
				h.skipped.Add(1)
				metrics.VisionCycles.WithLabelValues("skipped").Inc()
				s.logger.Debug().Msg("previous cycle still running, tick skipped")
				continue
			}
			h.cycles.Add(1)
			go func() {
				defer h.cycles.Done()
				defer h.busy.Store(false)
				s.cycle(ctx, h)
			}()
		}
	}
}

func (s *Sampler) cycle(ctx context.Context, h *Handle) {
	frame, err := h.stream.Frame(ctx)
	if err != nil {
		if ctx.Err() == nil {
			metrics.VisionCycles.WithLabelValues("error").Inc()
			s.logger.Warn().Err(err).Msg("frame capture failed")
		}
		return
	}
	if s.cfg.MaxWidth > 0 {
		frame = &Frame{Image: Downscale(frame.Image, s.cfg.MaxWidth), CapturedAt: frame.CapturedAt}
	}

	text, err := s.ocr.Recognize(ctx, frame)
	if err != nil {
		if ctx.Err() == nil {
			metrics.VisionCycles.WithLabelValues("error").Inc()
			s.logger.Warn().Err(err).Msg("text recognition failed")
		}
		return
	}

	s.mu.Lock()
	if s.handle != h || ctx.Err() != nil {
		s.mu.Unlock()
		metrics.VisionCycles.WithLabelValues("discarded").Inc()
		return
	}
	s.lastText = text
	s.mu.Unlock()

	metrics.VisionCycles.WithLabelValues("ok").Inc()
	s.logger.Debug().Int("chars", len(text)).Msg("screen text updated")
	if s.onText != nil {
		s.onText(truncate(text, s.cfg.MaxTextLength))
	}
}

func truncate(s string, max int) string {
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return s
	}
	r := []rune(s)
	return string(r[:max])
}
