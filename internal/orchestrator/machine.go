package orchestrator

import (
	"errors"

	"github.com/nomix/foxy/internal/dispatch"
	"github.com/nomix/foxy/internal/quota"
)

// Mode is what the interaction loop is doing. Exactly one mode is active,
// so the microphone and the speaker are never used at the same time.
type Mode string

const (
	ModeIdle       Mode = "idle"
	ModeListening  Mode = "listening"
	ModeProcessing Mode = "processing"
	ModeSpeaking   Mode = "speaking"
)

// Screen is the surface the user is looking at.
type Screen string

const (
	ScreenAuth       Screen = "auth"
	ScreenOnboarding Screen = "onboarding"
	ScreenWelcome    Screen = "welcome"
	ScreenChat       Screen = "chat"
	ScreenVoice      Screen = "voice"
	ScreenSettings   Screen = "settings"
)

// Valid reports whether s is a known screen.
func (s Screen) Valid() bool {
	switch s {
	case ScreenAuth, ScreenOnboarding, ScreenWelcome, ScreenChat, ScreenVoice, ScreenSettings:
		return true
	}
	return false
}

var (
	// ErrBusy means the loop is already listening, processing or speaking.
	ErrBusy = errors.New("interaction in progress")
	// ErrEmptyInput rejects a submission with neither text nor image.
	ErrEmptyInput = errors.New("nothing to send")
	// ErrWrongScreen rejects an operation that needs a different screen.
	ErrWrongScreen = errors.New("not available on this screen")
	// ErrUnknownScreen rejects a screen name the loop does not know.
	ErrUnknownScreen = errors.New("unknown screen")
)

// ApologyText is spoken on the voice screen when a turn fails.
const ApologyText = "Sorry, I couldn't reach my brain just now."

// State is the loop's state. Gen identifies the collaborator session that
// may still report back; completions carrying another value are stale.
type State struct {
	Mode           Mode
	Screen         Screen
	VisionActive   bool
	Gen            uint64
	SpokenTurn     bool // the turn in flight came from the microphone
	Rearm          bool // listen again after the current playback
	SilenceRetries int
}

// Event is an input to the machine.
type Event interface{ event() }

type (
	// ListenRequested asks to open the microphone.
	ListenRequested struct{ Allowed bool }
	// TextSubmitted is a typed turn.
	TextSubmitted struct {
		Text    string
		Image   string
		Allowed bool
	}
	// Transcribed carries a capture result.
	Transcribed struct {
		Gen     uint64
		Text    string
		Allowed bool
	}
	// Silence reports a capture that heard nothing usable.
	Silence struct {
		Gen     uint64
		Allowed bool
	}
	// CaptureFailed reports a capture error.
	CaptureFailed struct {
		Gen uint64
		Err error
	}
	// ReplyReady carries the settled dispatcher result.
	ReplyReady struct {
		Gen    uint64
		Result *dispatch.Result
	}
	// SpeechEnded reports that playback finished or was cut off.
	SpeechEnded struct {
		Gen     uint64
		Allowed bool
	}
	// ScreenChanged moves the user to another screen.
	ScreenChanged struct{ Screen Screen }
	// StopRequested cancels capture or playback.
	StopRequested struct{}
	// VisionRequested asks for screen sampling.
	VisionRequested struct{}
	// VisionStarted records that sampling is running.
	VisionStarted struct{}
	// VisionStopRequested asks to end screen sampling.
	VisionStopRequested struct{}
)

func (ListenRequested) event()     {}
func (TextSubmitted) event()       {}
func (Transcribed) event()         {}
func (Silence) event()             {}
func (CaptureFailed) event()       {}
func (ReplyReady) event()          {}
func (SpeechEnded) event()         {}
func (ScreenChanged) event()       {}
func (StopRequested) event()       {}
func (VisionRequested) event()     {}
func (VisionStarted) event()       {}
func (VisionStopRequested) event() {}

// Effect is work the orchestrator must do after a transition.
type Effect interface{ effect() }

// NoticeKind classifies a user-facing notice.
type NoticeKind string

const (
	NoticeQuota   NoticeKind = "quota"
	NoticeCapture NoticeKind = "capture"
)

type (
	// Reject fails the synchronous call that fed the event.
	Reject struct{ Err error }
	// StartCapture opens a capture session tagged Gen.
	StartCapture struct{ Gen uint64 }
	// StopCapture cancels the capture session.
	StopCapture struct{}
	// BeginTurn records the turn, appends the user message and placeholder,
	// and dispatches the query.
	BeginTurn struct {
		Gen    uint64
		Query  string
		Image  string
		Spoken bool
	}
	// SettleTurn replaces the placeholder with the result.
	SettleTurn struct{ Result *dispatch.Result }
	// Speak starts playback tagged Gen.
	Speak struct {
		Gen  uint64
		Text string
	}
	// StopSpeaking cancels playback.
	StopSpeaking struct{}
	// StartVision starts the screen sampler.
	StartVision struct{}
	// StopVision stops the screen sampler.
	StopVision struct{}
	// Notice tells the user something went wrong.
	Notice struct {
		Kind NoticeKind
		Text string
	}
	// PersistScreen stores the current screen.
	PersistScreen struct{ Screen Screen }
)

func (Reject) effect()        {}
func (StartCapture) effect()  {}
func (StopCapture) effect()   {}
func (BeginTurn) effect()     {}
func (SettleTurn) effect()    {}
func (Speak) effect()         {}
func (StopSpeaking) effect()  {}
func (StartVision) effect()   {}
func (StopVision) effect()    {}
func (Notice) effect()        {}
func (PersistScreen) effect() {}

const quotaNotice = "Daily guest limit reached. Sign in to keep chatting."

// Machine holds every transition of the interaction loop. It has no side
// effects; the orchestrator executes the effects it returns.
type Machine struct {
	MaxSilenceRetries int
}

// Next returns the state after ev and the effects to run, in order.
func (m Machine) Next(s State, ev Event) (State, []Effect) {
	switch ev := ev.(type) {
	case ListenRequested:
		if s.Mode != ModeIdle {
			return s, []Effect{Reject{ErrBusy}}
		}
		if !ev.Allowed {
			return s, []Effect{Reject{quota.ErrQuotaExceeded}, Notice{NoticeQuota, quotaNotice}}
		}
		return m.listen(s)

	case TextSubmitted:
		if s.Mode == ModeProcessing || s.Mode == ModeSpeaking {
			return s, []Effect{Reject{ErrBusy}}
		}
		if ev.Text == "" && ev.Image == "" {
			return s, []Effect{Reject{ErrEmptyInput}}
		}
		if !ev.Allowed {
			return s, []Effect{Reject{quota.ErrQuotaExceeded}, Notice{NoticeQuota, quotaNotice}}
		}
		var effects []Effect
		if s.Mode == ModeListening {
			effects = append(effects, StopCapture{})
		}
		s.Gen++
		s.Mode = ModeProcessing
		s.SpokenTurn = false
		s.SilenceRetries = 0
		return s, append(effects, BeginTurn{Gen: s.Gen, Query: ev.Text, Image: ev.Image})

	case Transcribed:
		if s.Mode != ModeListening || ev.Gen != s.Gen {
			return s, nil
		}
		if ev.Text == "" {
			return m.Next(s, Silence{Gen: ev.Gen, Allowed: ev.Allowed})
		}
		if !ev.Allowed {
			s.Mode = ModeIdle
			return s, []Effect{Notice{NoticeQuota, quotaNotice}}
		}
		s.Gen++
		s.Mode = ModeProcessing
		s.SpokenTurn = true
		s.SilenceRetries = 0
		return s, []Effect{BeginTurn{Gen: s.Gen, Query: ev.Text, Spoken: true}}

	case Silence:
		if s.Mode != ModeListening || ev.Gen != s.Gen {
			return s, nil
		}
		if s.Screen == ScreenVoice && ev.Allowed && s.SilenceRetries < m.MaxSilenceRetries {
			s.SilenceRetries++
			s.Gen++
			return s, []Effect{StartCapture{Gen: s.Gen}}
		}
		s.Mode = ModeIdle
		s.SilenceRetries = 0
		return s, nil

	case CaptureFailed:
		if s.Mode != ModeListening || ev.Gen != s.Gen {
			return s, nil
		}
		s.Mode = ModeIdle
		s.SilenceRetries = 0
		text := "Microphone unavailable."
		if ev.Err != nil {
			text = "Microphone unavailable: " + ev.Err.Error()
		}
		return s, []Effect{Notice{NoticeCapture, text}}

	case ReplyReady:
		if s.Mode != ModeProcessing || ev.Gen != s.Gen || ev.Result == nil {
			return s, nil
		}
		effects := []Effect{SettleTurn{Result: ev.Result}}
		onVoice := s.Screen == ScreenVoice
		switch {
		case ev.Result.Failed && onVoice:
			s.Gen++
			s.Mode = ModeSpeaking
			s.Rearm = false
			effects = append(effects, Speak{Gen: s.Gen, Text: ApologyText})
		case !ev.Result.Failed && (onVoice || s.SpokenTurn):
			s.Gen++
			s.Mode = ModeSpeaking
			s.Rearm = onVoice
			effects = append(effects, Speak{Gen: s.Gen, Text: ev.Result.Spoken()})
		default:
			s.Mode = ModeIdle
		}
		s.SpokenTurn = false
		return s, effects

	case SpeechEnded:
		if s.Mode != ModeSpeaking || ev.Gen != s.Gen {
			return s, nil
		}
		rearm := s.Rearm && s.Screen == ScreenVoice
		s.Rearm = false
		if !rearm {
			s.Mode = ModeIdle
			return s, nil
		}
		if !ev.Allowed {
			s.Mode = ModeIdle
			return s, []Effect{Notice{NoticeQuota, quotaNotice}}
		}
		return m.listen(s)

	case ScreenChanged:
		if !ev.Screen.Valid() {
			return s, []Effect{Reject{ErrUnknownScreen}}
		}
		if ev.Screen == s.Screen {
			return s, nil
		}
		var effects []Effect
		if s.Screen == ScreenVoice {
			switch s.Mode {
			case ModeListening:
				effects = append(effects, StopCapture{})
				s.Mode = ModeIdle
				s.Gen++
			case ModeSpeaking:
				effects = append(effects, StopSpeaking{})
				s.Mode = ModeIdle
				s.Gen++
			}
			if s.VisionActive {
				effects = append(effects, StopVision{})
				s.VisionActive = false
			}
			s.Rearm = false
			s.SilenceRetries = 0
		}
		s.Screen = ev.Screen
		return s, append(effects, PersistScreen{Screen: ev.Screen})

	case StopRequested:
		var effects []Effect
		switch s.Mode {
		case ModeListening:
			effects = append(effects, StopCapture{})
		case ModeSpeaking:
			effects = append(effects, StopSpeaking{})
		default:
			return s, nil
		}
		s.Mode = ModeIdle
		s.Gen++
		s.Rearm = false
		s.SilenceRetries = 0
		return s, effects

	case VisionRequested:
		if s.Screen != ScreenVoice {
			return s, []Effect{Reject{ErrWrongScreen}}
		}
		if s.VisionActive {
			return s, nil
		}
		return s, []Effect{StartVision{}}

	case VisionStarted:
		if s.Screen != ScreenVoice {
			return s, []Effect{StopVision{}}
		}
		s.VisionActive = true
		return s, nil

	case VisionStopRequested:
		if !s.VisionActive {
			return s, nil
		}
		s.VisionActive = false
		return s, []Effect{StopVision{}}
	}
	return s, nil
}

func (m Machine) listen(s State) (State, []Effect) {
	s.Gen++
	s.Mode = ModeListening
	s.SilenceRetries = 0
	return s, []Effect{StartCapture{Gen: s.Gen}}
}
