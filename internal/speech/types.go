// Package speech drives microphone capture and spoken playback for the
// assistant. The Controller enforces that at most one capture or playback is
// active and that every playback reports its end exactly once.
package speech

import (
	"context"
	"errors"
)

var (
	// ErrBusy is returned when a capture is requested while the controller
	// (or the interaction it serves) is already busy.
	ErrBusy = errors.New("speech controller busy")
	// ErrNoSpeech means the capture ended without usable speech.
	ErrNoSpeech = errors.New("no speech detected")
	// ErrCaptureUnavailable means no capture device or recorder is present.
	ErrCaptureUnavailable = errors.New("speech capture unavailable")
	// ErrPlaybackUnavailable means no synthesizer is present.
	ErrPlaybackUnavailable = errors.New("speech playback unavailable")
)

// State is the controller's activity.
type State string

const (
	StateIdle      State = "idle"
	StateListening State = "listening"
	StateSpeaking  State = "speaking"
)

// Voice is one synthesizer voice.
type Voice struct {
	Name  string `json:"name"`
	Lang  string `json:"lang"`
	Local bool   `json:"local"`
}

// Recognizer captures one utterance and returns its transcript. It returns
// ErrNoSpeech when nothing was said and honours ctx cancellation.
type Recognizer interface {
	Recognize(ctx context.Context) (string, error)
}

// Synthesizer speaks text and lists its voices. Speak blocks until playback
// ends or ctx is cancelled.
type Synthesizer interface {
	Speak(ctx context.Context, text string, voice Voice) error
	Voices(ctx context.Context) ([]Voice, error)
}
