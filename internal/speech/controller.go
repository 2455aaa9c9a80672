package speech

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Config configures a Controller.
type Config struct {
	Policy VoicePolicy
	// CatalogWait caps how long a playback waits for the voice catalog
	// before falling back to the engine default voice.
	CatalogWait time.Duration
}

// Controller owns the microphone and the speaker. At most one capture or
// playback is active at a time. Each session carries a generation number;
// completions from a superseded session never change controller state.
type Controller struct {
	recognizer Recognizer
	synth      Synthesizer
	catalog    *Catalog
	cfg        Config
	logger     zerolog.Logger

	mu           sync.Mutex
	state        State
	gen          uint64
	cancelListen context.CancelFunc
	cancelSpeak  context.CancelFunc
	busy         func() bool
}

// NewController wires a recognizer and a synthesizer. Either may be nil, in
// which case the matching operation reports the unavailability through its
// callbacks. A nil catalog means the engine default voice.
func NewController(rec Recognizer, synth Synthesizer, catalog *Catalog, cfg Config, logger zerolog.Logger) *Controller {
	if cfg.CatalogWait <= 0 {
		cfg.CatalogWait = 2 * time.Second
	}
	return &Controller{
		recognizer: rec,
		synth:      synth,
		catalog:    catalog,
		cfg:        cfg,
		logger:     logger.With().Str("component", "speech").Logger(),
		state:      StateIdle,
	}
}

// SetBusyProbe installs a function reporting whether the interaction is
// processing a turn. StartListening refuses to start while it returns true.
func (c *Controller) SetBusyProbe(fn func() bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.busy = fn
}

// State returns the current activity.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// StartListening begins one capture session. It returns ErrBusy, and starts
// nothing, if a capture or playback is active or the busy probe reports a
// turn in progress. Otherwise exactly one of the callbacks fires later on a
// controller goroutine: onResult with a non-empty transcript, onSilence when
// nothing usable was heard or the capture was stopped, onError for any other
// failure.
func (c *Controller) StartListening(onResult func(string), onSilence func(), onError func(error)) error {
	c.mu.Lock()
	if c.state != StateIdle || (c.busy != nil && c.busy()) {
		c.mu.Unlock()
		return ErrBusy
	}
	c.gen++
	gen := c.gen
	ctx, cancel := context.WithCancel(context.Background())
	c.state = StateListening
	c.cancelListen = cancel
	rec := c.recognizer
	c.mu.Unlock()

	c.logger.Debug().Uint64("gen", gen).Msg("capture started")

	go func() {
		defer cancel()

		var (
			text string
			err  error
		)
		if rec == nil {
			err = ErrCaptureUnavailable
		} else {
			text, err = c.recognize(ctx, rec)
		}
		text = strings.TrimSpace(text)

		c.mu.Lock()
		if c.gen == gen && c.state == StateListening {
			c.state = StateIdle
			c.cancelListen = nil
		}
		c.mu.Unlock()

		switch {
		case err == nil && text != "":
			c.logger.Debug().Uint64("gen", gen).Int("chars", len(text)).Msg("transcript received")
			if onResult != nil {
				onResult(text)
			}
		case err == nil, errors.Is(err, ErrNoSpeech), ctx.Err() != nil:
			c.logger.Debug().Uint64("gen", gen).Msg("capture ended without speech")
			if onSilence != nil {
				onSilence()
			}
		default:
			c.logger.Warn().Err(err).Uint64("gen", gen).Msg("capture failed")
			if onError != nil {
				onError(err)
			}
		}
	}()
	return nil
}

// recognize converts a recognizer panic into an error.
func (c *Controller) recognize(ctx context.Context, rec Recognizer) (text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("recognizer panic: %v", r)
		}
	}()
	return rec.Recognize(ctx)
}

// StopListening cancels an active capture. The capture's onSilence still
// fires. Safe to call at any time.
func (c *Controller) StopListening() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateListening {
		return
	}
	c.cancelListen()
	c.cancelListen = nil
	c.state = StateIdle
	c.gen++
}

// Speak cancels any capture or playback in flight and speaks text. onEnd is
// called exactly once for every Speak call: after playback, on empty text,
// on synthesis failure, on cancellation and if the synthesizer panics.
// onStart is called once playback begins.
func (c *Controller) Speak(text string, onStart, onEnd func()) {
	cleaned := Clean(text)

	c.mu.Lock()
	c.stopLocked()
	c.gen++
	gen := c.gen
	synth := c.synth
	if cleaned == "" || synth == nil {
		c.mu.Unlock()
		if synth == nil && cleaned != "" {
			c.logger.Warn().Err(ErrPlaybackUnavailable).Msg("skipping playback")
		}
		if onEnd != nil {
			go onEnd()
		}
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.state = StateSpeaking
	c.cancelSpeak = cancel
	c.mu.Unlock()

	var once sync.Once
	finish := func() {
		once.Do(func() {
			cancel()
			c.mu.Lock()
			if c.gen == gen && c.state == StateSpeaking {
				c.state = StateIdle
				c.cancelSpeak = nil
			}
			c.mu.Unlock()
			if onEnd != nil {
				onEnd()
			}
		})
	}

	go func() {
		defer func() {
			if r := recover(); r != nil {
				c.logger.Error().Interface("panic", r).Uint64("gen", gen).Msg("playback panicked")
			}
			finish()
		}()

		voice := c.pickVoice(ctx)
		if ctx.Err() != nil {
			return
		}
		if onStart != nil {
			onStart()
		}
		if err := synth.Speak(ctx, cleaned, voice); err != nil && ctx.Err() == nil {
			c.logger.Warn().Err(err).Str("voice", voice.Name).Msg("playback failed")
		}
	}()
}

// pickVoice waits once for the catalog, bounded by ctx and CatalogWait.
func (c *Controller) pickVoice(ctx context.Context) Voice {
	if c.catalog == nil {
		return Voice{}
	}
	timer := time.NewTimer(c.cfg.CatalogWait)
	defer timer.Stop()

	select {
	case <-c.catalog.Ready():
	case <-ctx.Done():
		return Voice{}
	case <-timer.C:
		c.logger.Debug().Msg("voice catalog not ready, using default voice")
		return Voice{}
	}
	v, _ := SelectVoice(c.catalog.Voices(), c.cfg.Policy)
	return v
}

// StopSpeaking cancels playback. The playback's onEnd still fires. Safe to
// call at any time.
func (c *Controller) StopSpeaking() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateSpeaking {
		return
	}
	c.cancelSpeak()
	c.cancelSpeak = nil
	c.state = StateIdle
	c.gen++
}

// Stop cancels whatever is active.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopLocked()
}

func (c *Controller) stopLocked() {
	switch c.state {
	case StateListening:
		c.cancelListen()
		c.cancelListen = nil
	case StateSpeaking:
		c.cancelSpeak()
		c.cancelSpeak = nil
	default:
		return
	}
	c.state = StateIdle
	c.gen++
}
