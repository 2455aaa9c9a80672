package orchestrator

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/nomix/foxy/internal/dispatch"
	"github.com/nomix/foxy/internal/quota"
)

func TestMachineTransitions(t *testing.T) {
	m := Machine{MaxSilenceRetries: 1}
	ok := &dispatch.Result{Text: "hi", Greeting: "hello"}
	fail := &dispatch.Result{Text: dispatch.FallbackText, Failed: true}

	tests := []struct {
		name    string
		from    State
		ev      Event
		want    State
		effects []Effect
	}{
		{
			name:    "listen from idle",
			from:    State{Mode: ModeIdle, Screen: ScreenVoice, Gen: 3},
			ev:      ListenRequested{Allowed: true},
			want:    State{Mode: ModeListening, Screen: ScreenVoice, Gen: 4},
			effects: []Effect{StartCapture{Gen: 4}},
		},
		{
			name:    "listen while speaking",
			from:    State{Mode: ModeSpeaking, Gen: 2},
			ev:      ListenRequested{Allowed: true},
			want:    State{Mode: ModeSpeaking, Gen: 2},
			effects: []Effect{Reject{ErrBusy}},
		},
		{
			name:    "listen over quota",
			from:    State{Mode: ModeIdle},
			ev:      ListenRequested{Allowed: false},
			want:    State{Mode: ModeIdle},
			effects: []Effect{Reject{quota.ErrQuotaExceeded}, Notice{NoticeQuota, quotaNotice}},
		},
		{
			name:    "typed while listening stops capture",
			from:    State{Mode: ModeListening, Gen: 5},
			ev:      TextSubmitted{Text: "hi", Allowed: true},
			want:    State{Mode: ModeProcessing, Gen: 6},
			effects: []Effect{StopCapture{}, BeginTurn{Gen: 6, Query: "hi"}},
		},
		{
			name:    "typed while processing",
			from:    State{Mode: ModeProcessing, Gen: 5},
			ev:      TextSubmitted{Text: "hi", Allowed: true},
			want:    State{Mode: ModeProcessing, Gen: 5},
			effects: []Effect{Reject{ErrBusy}},
		},
		{
			name:    "transcript starts a spoken turn",
			from:    State{Mode: ModeListening, Gen: 7},
			ev:      Transcribed{Gen: 7, Text: "what time is it", Allowed: true},
			want:    State{Mode: ModeProcessing, Gen: 8, SpokenTurn: true},
			effects: []Effect{BeginTurn{Gen: 8, Query: "what time is it", Spoken: true}},
		},
		{
			name: "stale transcript ignored",
			from: State{Mode: ModeListening, Gen: 7},
			ev:   Transcribed{Gen: 6, Text: "late", Allowed: true},
			want: State{Mode: ModeListening, Gen: 7},
		},
		{
			name:    "silence on voice screen re-arms",
			from:    State{Mode: ModeListening, Screen: ScreenVoice, Gen: 1},
			ev:      Silence{Gen: 1, Allowed: true},
			want:    State{Mode: ModeListening, Screen: ScreenVoice, Gen: 2, SilenceRetries: 1},
			effects: []Effect{StartCapture{Gen: 2}},
		},
		{
			name: "silence retries exhausted",
			from: State{Mode: ModeListening, Screen: ScreenVoice, Gen: 2, SilenceRetries: 1},
			ev:   Silence{Gen: 2, Allowed: true},
			want: State{Mode: ModeIdle, Screen: ScreenVoice, Gen: 2},
		},
		{
			name: "silence elsewhere goes idle",
			from: State{Mode: ModeListening, Screen: ScreenChat, Gen: 1},
			ev:   Silence{Gen: 1, Allowed: true},
			want: State{Mode: ModeIdle, Screen: ScreenChat, Gen: 1},
		},
		{
			name:    "capture error",
			from:    State{Mode: ModeListening, Screen: ScreenVoice, Gen: 1},
			ev:      CaptureFailed{Gen: 1, Err: errors.New("no mic")},
			want:    State{Mode: ModeIdle, Screen: ScreenVoice, Gen: 1},
			effects: []Effect{Notice{NoticeCapture, "Microphone unavailable: no mic"}},
		},
		{
			name:    "reply on voice screen is spoken and re-arms",
			from:    State{Mode: ModeProcessing, Screen: ScreenVoice, Gen: 4},
			ev:      ReplyReady{Gen: 4, Result: ok},
			want:    State{Mode: ModeSpeaking, Screen: ScreenVoice, Gen: 5, Rearm: true},
			effects: []Effect{SettleTurn{Result: ok}, Speak{Gen: 5, Text: "hello"}},
		},
		{
			name:    "spoken turn on chat screen is spoken without re-arm",
			from:    State{Mode: ModeProcessing, Screen: ScreenChat, Gen: 4, SpokenTurn: true},
			ev:      ReplyReady{Gen: 4, Result: ok},
			want:    State{Mode: ModeSpeaking, Screen: ScreenChat, Gen: 5},
			effects: []Effect{SettleTurn{Result: ok}, Speak{Gen: 5, Text: "hello"}},
		},
		{
			name:    "typed reply on chat screen goes idle",
			from:    State{Mode: ModeProcessing, Screen: ScreenChat, Gen: 4},
			ev:      ReplyReady{Gen: 4, Result: ok},
			want:    State{Mode: ModeIdle, Screen: ScreenChat, Gen: 4},
			effects: []Effect{SettleTurn{Result: ok}},
		},
		{
			name:    "failure on voice screen apologises without re-arm",
			from:    State{Mode: ModeProcessing, Screen: ScreenVoice, Gen: 4, SpokenTurn: true},
			ev:      ReplyReady{Gen: 4, Result: fail},
			want:    State{Mode: ModeSpeaking, Screen: ScreenVoice, Gen: 5},
			effects: []Effect{SettleTurn{Result: fail}, Speak{Gen: 5, Text: ApologyText}},
		},
		{
			name:    "failure on chat screen goes idle",
			from:    State{Mode: ModeProcessing, Screen: ScreenChat, Gen: 4, SpokenTurn: true},
			ev:      ReplyReady{Gen: 4, Result: fail},
			want:    State{Mode: ModeIdle, Screen: ScreenChat, Gen: 4},
			effects: []Effect{SettleTurn{Result: fail}},
		},
		{
			name:    "playback end re-arms on voice screen",
			from:    State{Mode: ModeSpeaking, Screen: ScreenVoice, Gen: 5, Rearm: true},
			ev:      SpeechEnded{Gen: 5, Allowed: true},
			want:    State{Mode: ModeListening, Screen: ScreenVoice, Gen: 6},
			effects: []Effect{StartCapture{Gen: 6}},
		},
		{
			name:    "playback end over quota",
			from:    State{Mode: ModeSpeaking, Screen: ScreenVoice, Gen: 5, Rearm: true},
			ev:      SpeechEnded{Gen: 5, Allowed: false},
			want:    State{Mode: ModeIdle, Screen: ScreenVoice, Gen: 5},
			effects: []Effect{Notice{NoticeQuota, quotaNotice}},
		},
		{
			name: "playback end without re-arm",
			from: State{Mode: ModeSpeaking, Screen: ScreenVoice, Gen: 5},
			ev:   SpeechEnded{Gen: 5, Allowed: true},
			want: State{Mode: ModeIdle, Screen: ScreenVoice, Gen: 5},
		},
		{
			name: "leaving voice screen tears everything down",
			from: State{Mode: ModeListening, Screen: ScreenVoice, Gen: 5, VisionActive: true, SilenceRetries: 1},
			ev:   ScreenChanged{Screen: ScreenChat},
			want: State{Mode: ModeIdle, Screen: ScreenChat, Gen: 6},
			effects: []Effect{
				StopCapture{}, StopVision{}, PersistScreen{Screen: ScreenChat},
			},
		},
		{
			name:    "leaving voice screen while speaking",
			from:    State{Mode: ModeSpeaking, Screen: ScreenVoice, Gen: 5, Rearm: true},
			ev:      ScreenChanged{Screen: ScreenSettings},
			want:    State{Mode: ModeIdle, Screen: ScreenSettings, Gen: 6},
			effects: []Effect{StopSpeaking{}, PersistScreen{Screen: ScreenSettings}},
		},
		{
			name:    "unknown screen",
			from:    State{Screen: ScreenChat},
			ev:      ScreenChanged{Screen: "news"},
			want:    State{Screen: ScreenChat},
			effects: []Effect{Reject{ErrUnknownScreen}},
		},
		{
			name:    "vision off the voice screen",
			from:    State{Screen: ScreenChat},
			ev:      VisionRequested{},
			want:    State{Screen: ScreenChat},
			effects: []Effect{Reject{ErrWrongScreen}},
		},
		{
			name: "vision stop when not running",
			from: State{Screen: ScreenVoice},
			ev:   VisionStopRequested{},
			want: State{Screen: ScreenVoice},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, effects := m.Next(tt.from, tt.ev)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.effects, effects)
		})
	}
}

// At most one of capture and playback is ever active, whatever the input.
func TestMachineModeIsExclusive(t *testing.T) {
	m := Machine{MaxSilenceRetries: 3}
	events := []Event{
		ListenRequested{Allowed: true},
		TextSubmitted{Text: "x", Allowed: true},
		Transcribed{Gen: 1, Text: "y", Allowed: true},
		ReplyReady{Gen: 2, Result: &dispatch.Result{Text: "z"}},
		SpeechEnded{Gen: 3, Allowed: true},
		Silence{Gen: 4, Allowed: true},
		StopRequested{},
		ScreenChanged{Screen: ScreenChat},
		ScreenChanged{Screen: ScreenVoice},
	}
	s := State{Mode: ModeIdle, Screen: ScreenVoice}
	for i := 0; i < 200; i++ {
		var effects []Effect
		s, effects = m.Next(s, events[(i*7)%len(events)])
		starts := 0
		for _, e := range effects {
			switch e.(type) {
			case StartCapture, Speak:
				starts++
			}
		}
		assert.LessOrEqual(t, starts, 1)
		switch s.Mode {
		case ModeIdle, ModeListening, ModeProcessing, ModeSpeaking:
		default:
			t.Fatalf("unexpected mode %q", s.Mode)
		}
	}
}
