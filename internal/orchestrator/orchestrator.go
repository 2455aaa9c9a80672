// Package orchestrator runs the interaction loop: it admits turns, drives
// capture, dispatch and playback in order, and keeps the session list and
// screen in step with them.
package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/nomix/foxy/internal/bus"
	"github.com/nomix/foxy/internal/conversation"
	"github.com/nomix/foxy/internal/dispatch"
	"github.com/nomix/foxy/internal/metrics"
	"github.com/nomix/foxy/internal/news"
	"github.com/nomix/foxy/internal/vision"
)

// PlaceholderText is shown while a reply is being fetched.
const PlaceholderText = "Synthesizing..."

var (
	// ErrClosed is returned by operations after Close.
	ErrClosed = errors.New("orchestrator closed")
	// ErrNotStarted is returned by operations before Start.
	ErrNotStarted = errors.New("orchestrator not started")
	// ErrVisionUnavailable means screen sampling could not start.
	ErrVisionUnavailable = errors.New("screen sampling unavailable")
	// ErrSessionNotFound means no session has the given id.
	ErrSessionNotFound = errors.New("session not found")

	errRecovered = errors.New("operation panicked")
)

// Speech owns the microphone and the speaker.
type Speech interface {
	StartListening(onResult func(string), onSilence func(), onError func(error)) error
	StopListening()
	Speak(text string, onStart, onEnd func())
	StopSpeaking()
	Stop()
	SetBusyProbe(fn func() bool)
}

// Vision samples on-screen text.
type Vision interface {
	Start(ctx context.Context) *vision.Handle
	Stop()
	LastText() string
}

// Dispatcher answers a query. It never fails; failures come back as a
// Failed result.
type Dispatcher interface {
	Send(ctx context.Context, session *conversation.Session, query, userName, image string) *dispatch.Result
}

// Store persists sessions, profile, preferences and the last screen.
type Store interface {
	LoadPreferences(ctx context.Context) conversation.Preferences
	SavePreferences(ctx context.Context, p conversation.Preferences)
	LoadSessions(ctx context.Context) []*conversation.Session
	SaveSessions(ctx context.Context, sessions []*conversation.Session)
	LoadLastScreen(ctx context.Context, fallback string) string
	SaveLastScreen(ctx context.Context, screen string)
	LoadUser(ctx context.Context) *conversation.User
	SaveUser(ctx context.Context, u *conversation.User)
}

// Quota admits and counts turns.
type Quota interface {
	Allow(ctx context.Context, user *conversation.User) bool
	RecordTurn(ctx context.Context, user *conversation.User) int
	Remaining(ctx context.Context, user *conversation.User) int
}

// News fetches the headlines shown on the welcome screen.
type News interface {
	TopHeadlines(ctx context.Context) ([]news.Article, error)
}

// Deps are the orchestrator's collaborators. Vision and News may be nil.
type Deps struct {
	Speech     Speech
	Vision     Vision
	News       News
	Dispatcher Dispatcher
	Store      Store
	Quota      Quota
	Bus        *bus.EventBus
	Logger     zerolog.Logger
	Now        func() time.Time
}

// Config tunes the loop.
type Config struct {
	MaxSilenceRetries int
}

// Snapshot is a copy of the interaction state.
type Snapshot struct {
	Mode           Mode   `json:"mode"`
	Screen         Screen `json:"screen"`
	VisionActive   bool   `json:"visionActive"`
	LastVisionText string `json:"lastVisionText,omitempty"`
}

type pendingTurn struct {
	gen           uint64
	sessionID     string
	placeholderID string
}

// Orchestrator serializes every state change on one goroutine. Public
// methods hand work to that goroutine and wait for it; collaborator
// callbacks post events to it and return immediately.
type Orchestrator struct {
	speech     Speech
	vision     Vision
	news       News
	dispatcher Dispatcher
	store      Store
	quota      Quota
	bus        *bus.EventBus
	logger     zerolog.Logger
	now        func() time.Time
	machine    Machine

	inbox      chan func()
	done       chan struct{}
	stopped    chan struct{}
	ctx        context.Context
	cancel     context.CancelFunc
	dispatches sync.WaitGroup // replies and news fetches in flight
	started    atomic.Bool
	closeOnce  sync.Once
	mode       atomic.Value // Mode, readable off the loop

	// owned by the loop goroutine
	state     State
	sessions  []*conversation.Session
	currentID string
	user      *conversation.User
	prefs     conversation.Preferences
	pending   *pendingTurn
}

// New builds an orchestrator. Call Start before using it.
func New(deps Deps, cfg Config) *Orchestrator {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if cfg.MaxSilenceRetries < 0 {
		cfg.MaxSilenceRetries = 0
	}
	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		speech:     deps.Speech,
		vision:     deps.Vision,
		news:       deps.News,
		dispatcher: deps.Dispatcher,
		store:      deps.Store,
		quota:      deps.Quota,
		bus:        deps.Bus,
		logger:     deps.Logger.With().Str("component", "orchestrator").Logger(),
		now:        deps.Now,
		machine:    Machine{MaxSilenceRetries: cfg.MaxSilenceRetries},
		inbox:      make(chan func(), 64),
		done:       make(chan struct{}),
		stopped:    make(chan struct{}),
		ctx:        ctx,
		cancel:     cancel,
	}
	o.mode.Store(ModeIdle)
	return o
}

// Start loads the stored profile, preferences and sessions, picks the first
// screen and starts the loop.
func (o *Orchestrator) Start(ctx context.Context) error {
	if !o.started.CompareAndSwap(false, true) {
		return nil
	}

	o.user = o.store.LoadUser(ctx)
	o.prefs = o.store.LoadPreferences(ctx)
	o.sessions = o.store.LoadSessions(ctx)
	o.state = State{Mode: ModeIdle, Screen: o.entryScreen(ctx)}

	o.speech.SetBusyProbe(func() bool { return o.Mode() == ModeProcessing })
	metrics.SetMode(string(ModeIdle))

	o.logger.Info().
		Str("screen", string(o.state.Screen)).
		Int("sessions", len(o.sessions)).
		Bool("guest", !o.user.IsAuthenticated()).
		Msg("interaction loop started")
	o.publish(bus.EventStateChanged, o.stateData())
	if o.state.Screen == ScreenWelcome {
		o.refreshNews()
	}

	// o.state belongs to the loop from here on
	go o.loop()
	return nil
}

// entryScreen sends a missing profile to sign-in, a missing name to
// onboarding and everyone else back to where they left off.
func (o *Orchestrator) entryScreen(ctx context.Context) Screen {
	switch {
	case o.user == nil:
		return ScreenAuth
	case o.prefs.UserName == "":
		return ScreenOnboarding
	}
	switch last := Screen(o.store.LoadLastScreen(ctx, string(ScreenWelcome))); last {
	case ScreenWelcome, ScreenChat, ScreenVoice, ScreenSettings:
		return last
	}
	return ScreenWelcome
}

func (o *Orchestrator) loop() {
	defer close(o.stopped)
	for {
		select {
		case fn := <-o.inbox:
			o.safely(fn)
		case <-o.done:
			return
		}
	}
}

func (o *Orchestrator) safely(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error().Interface("panic", r).Msg("interaction loop recovered")
		}
	}()
	fn()
}

// call runs fn on the loop and waits for its result.
func (o *Orchestrator) call(fn func() error) error {
	if !o.started.Load() {
		return ErrNotStarted
	}
	errc := make(chan error, 1)
	select {
	case o.inbox <- func() {
		err := errRecovered
		defer func() { errc <- err }()
		err = fn()
	}:
	case <-o.done:
		return ErrClosed
	}
	select {
	case err := <-errc:
		return err
	case <-o.done:
		return ErrClosed
	}
}

// post queues ev from a collaborator goroutine.
func (o *Orchestrator) post(ev Event) {
	select {
	case o.inbox <- func() { _ = o.apply(o.admit(ev)) }:
	case <-o.done:
	}
}

// admit fills in the quota decision for events that may start a capture or
// a turn.
func (o *Orchestrator) admit(ev Event) Event {
	switch e := ev.(type) {
	case ListenRequested:
		e.Allowed = o.allowed()
		return e
	case TextSubmitted:
		e.Allowed = o.allowed()
		return e
	case Transcribed:
		e.Allowed = o.allowed()
		return e
	case Silence:
		e.Allowed = o.allowed()
		return e
	case SpeechEnded:
		e.Allowed = o.allowed()
		return e
	}
	return ev
}

func (o *Orchestrator) allowed() bool {
	return o.quota.Allow(o.ctx, o.user)
}

// apply runs one transition and its effects. It returns the rejection or
// effect error, if any, for the synchronous caller.
func (o *Orchestrator) apply(ev Event) error {
	prev := o.state
	next, effects := o.machine.Next(o.state, ev)
	o.state = next
	o.mode.Store(next.Mode)
	o.stateChanged(prev)

	var err error
	for _, eff := range effects {
		if r, ok := eff.(Reject); ok {
			if err == nil {
				err = r.Err
			}
			continue
		}
		if e := o.run(eff); e != nil && err == nil {
			err = e
		}
	}
	return err
}

func (o *Orchestrator) run(eff Effect) error {
	switch e := eff.(type) {
	case StartCapture:
		return o.startCapture(e.Gen)
	case StopCapture:
		o.speech.StopListening()
	case BeginTurn:
		o.beginTurn(e)
	case SettleTurn:
		o.settleTurn(e.Result)
	case Speak:
		o.speak(e.Gen, e.Text)
	case StopSpeaking:
		o.speech.StopSpeaking()
	case StartVision:
		return o.startVision()
	case StopVision:
		if o.vision != nil {
			o.vision.Stop()
		}
		o.logger.Info().Msg("screen sampling stopped")
		o.publish(bus.EventVisionStopped, nil)
	case Notice:
		if e.Kind == NoticeQuota {
			metrics.QuotaRejections.Inc()
		}
		o.logger.Info().Str("kind", string(e.Kind)).Msg(e.Text)
		o.publish(bus.EventNotice, map[string]any{"kind": string(e.Kind), "message": e.Text})
	case PersistScreen:
		o.store.SaveLastScreen(o.ctx, string(e.Screen))
		o.publish(bus.EventScreenChanged, map[string]any{"screen": string(e.Screen)})
		if e.Screen == ScreenWelcome {
			o.refreshNews()
		}
	}
	return nil
}

func (o *Orchestrator) startCapture(gen uint64) error {
	err := o.speech.StartListening(
		func(text string) {
			metrics.SpeechSessions.WithLabelValues("transcript").Inc()
			o.publish(bus.EventTranscript, map[string]any{"text": text})
			o.post(Transcribed{Gen: gen, Text: text})
		},
		func() {
			metrics.SpeechSessions.WithLabelValues("silence").Inc()
			o.post(Silence{Gen: gen})
		},
		func(err error) {
			metrics.SpeechSessions.WithLabelValues("error").Inc()
			o.post(CaptureFailed{Gen: gen, Err: err})
		},
	)
	if err != nil {
		o.logger.Warn().Err(err).Msg("capture did not start")
		return o.apply(CaptureFailed{Gen: gen, Err: err})
	}
	o.publish(bus.EventListeningStarted, nil)
	return nil
}

func (o *Orchestrator) speak(gen uint64, text string) {
	o.publish(bus.EventSpeakingStarted, map[string]any{"text": text})
	o.speech.Speak(text, nil, func() {
		o.publish(bus.EventSpeakingEnded, nil)
		o.post(SpeechEnded{Gen: gen})
	})
}

func (o *Orchestrator) startVision() error {
	if o.vision == nil || o.vision.Start(o.ctx) == nil {
		return ErrVisionUnavailable
	}
	o.logger.Info().Msg("screen sampling started")
	o.publish(bus.EventVisionStarted, nil)
	return o.apply(VisionStarted{})
}

func (o *Orchestrator) beginTurn(t BeginTurn) {
	count := o.quota.RecordTurn(o.ctx, o.user)
	o.publishQuota(count)

	now := o.now()
	sess := o.find(o.currentID)
	if sess == nil {
		mode := conversation.ModeChat
		if o.state.Screen == ScreenVoice {
			mode = conversation.ModeJarvis
		}
		sess = conversation.NewSession(mode, now)
		o.sessions = append([]*conversation.Session{sess}, o.sessions...)
		o.currentID = sess.ID
	}
	snapshot := sess.Clone()

	userMsg := conversation.NewMessage(conversation.SenderUser, t.Query, now)
	userMsg.ImageData = t.Image
	placeholder := conversation.NewMessage(conversation.SenderAssistant, PlaceholderText, now)
	placeholder.IsLoading = true
	sess.Append(userMsg)
	sess.Append(placeholder)

	o.pending = &pendingTurn{gen: t.Gen, sessionID: sess.ID, placeholderID: placeholder.ID}
	o.persistSessions()
	o.publish(bus.EventMessageAppended, map[string]any{"sessionId": sess.ID, "message": userMsg})
	o.publish(bus.EventMessageAppended, map[string]any{"sessionId": sess.ID, "message": placeholder})

	o.logger.Debug().
		Str("session", sess.ID).
		Bool("spoken", t.Spoken).
		Bool("image", t.Image != "").
		Msg("turn dispatched")

	userName := o.prefs.DisplayName()
	gen, query, image := t.Gen, t.Query, t.Image
	o.dispatches.Add(1)
	go func() {
		defer o.dispatches.Done()
		res := o.dispatcher.Send(o.ctx, snapshot, query, userName, image)
		o.post(ReplyReady{Gen: gen, Result: res})
	}()
}

// refreshNews fetches headlines off the loop and publishes them.
func (o *Orchestrator) refreshNews() {
	if o.news == nil {
		return
	}
	o.dispatches.Add(1)
	go func() {
		defer o.dispatches.Done()
		articles, err := o.news.TopHeadlines(o.ctx)
		if err != nil {
			if !errors.Is(err, news.ErrNotConfigured) && o.ctx.Err() == nil {
				o.logger.Warn().Err(err).Msg("news refresh failed")
			}
			return
		}
		o.publish(bus.EventNewsUpdated, map[string]any{"articles": articles})
	}()
}

func (o *Orchestrator) settleTurn(res *dispatch.Result) {
	p := o.pending
	o.pending = nil
	if p == nil {
		return
	}
	sess := o.find(p.sessionID)
	if sess == nil {
		o.logger.Debug().Str("session", p.sessionID).Msg("session gone before reply arrived")
		return
	}

	msg := conversation.NewMessage(conversation.SenderAssistant, res.Text, o.now())
	if res.CommandStatus != "" {
		msg.Command = &conversation.Command{Name: res.Command, AppName: res.AppName, Status: res.CommandStatus}
	}
	sess.Replace(p.placeholderID, msg)
	if !res.Failed && res.GeneratedTitle != "" {
		sess.Title = res.GeneratedTitle
	}
	o.persistSessions()

	o.publish(bus.EventMessageUpdated, map[string]any{"sessionId": sess.ID, "message": msg, "failed": res.Failed})
	o.publish(bus.EventSessionsChanged, map[string]any{"count": len(o.sessions)})
}

func (o *Orchestrator) persistSessions() {
	snap := make([]*conversation.Session, len(o.sessions))
	for i, s := range o.sessions {
		snap[i] = s.Clone()
	}
	o.store.SaveSessions(o.ctx, snap)
}

func (o *Orchestrator) find(id string) *conversation.Session {
	if id == "" {
		return nil
	}
	for _, s := range o.sessions {
		if s.ID == id {
			return s
		}
	}
	return nil
}

func (o *Orchestrator) stateChanged(prev State) {
	s := o.state
	if prev.Mode == s.Mode && prev.Screen == s.Screen && prev.VisionActive == s.VisionActive {
		return
	}
	if prev.Mode != s.Mode {
		metrics.SetMode(string(s.Mode))
		o.logger.Debug().Str("from", string(prev.Mode)).Str("to", string(s.Mode)).Msg("mode changed")
	}
	o.publish(bus.EventStateChanged, o.stateData())
}

func (o *Orchestrator) stateData() map[string]any {
	return map[string]any{
		"mode":         string(o.state.Mode),
		"screen":       string(o.state.Screen),
		"visionActive": o.state.VisionActive,
	}
}

func (o *Orchestrator) publishQuota(count int) {
	o.publish(bus.EventQuotaUpdated, map[string]any{
		"count":     count,
		"remaining": o.quota.Remaining(o.ctx, o.user),
	})
}

func (o *Orchestrator) publish(t bus.EventType, data map[string]any) {
	o.bus.Publish(bus.Event{Type: t, Data: data})
}

func screenFor(mode conversation.Mode) Screen {
	if mode == conversation.ModeJarvis {
		return ScreenVoice
	}
	return ScreenChat
}

// Mode returns the current mode without going through the loop.
func (o *Orchestrator) Mode() Mode {
	return o.mode.Load().(Mode)
}

// State returns a snapshot of the interaction state.
func (o *Orchestrator) State() Snapshot {
	var snap Snapshot
	_ = o.call(func() error {
		snap = Snapshot{
			Mode:         o.state.Mode,
			Screen:       o.state.Screen,
			VisionActive: o.state.VisionActive,
		}
		if o.state.VisionActive && o.vision != nil {
			snap.LastVisionText = o.vision.LastText()
		}
		return nil
	})
	return snap
}

// SubmitText starts a typed turn. It is accepted while idle or listening
// (the capture is stopped) and fails with ErrBusy otherwise.
func (o *Orchestrator) SubmitText(text, image string) error {
	return o.call(func() error {
		return o.apply(o.admit(TextSubmitted{Text: strings.TrimSpace(text), Image: image}))
	})
}

// StartListening opens the microphone for one spoken turn.
func (o *Orchestrator) StartListening() error {
	return o.call(func() error {
		return o.apply(o.admit(ListenRequested{}))
	})
}

// Stop cancels an active capture or playback. A turn being processed is
// left to finish.
func (o *Orchestrator) Stop() error {
	return o.call(func() error {
		return o.apply(StopRequested{})
	})
}

// SwitchScreen moves to screen. Leaving the voice screen stops capture,
// playback and screen sampling before it returns.
func (o *Orchestrator) SwitchScreen(screen Screen) error {
	return o.call(func() error {
		return o.apply(ScreenChanged{Screen: screen})
	})
}

// StartVision starts screen sampling. Only available on the voice screen.
func (o *Orchestrator) StartVision() error {
	return o.call(func() error {
		return o.apply(VisionRequested{})
	})
}

// StopVision stops screen sampling. Safe when not running.
func (o *Orchestrator) StopVision() error {
	return o.call(func() error {
		return o.apply(VisionStopRequested{})
	})
}

// Sessions returns copies of all sessions, newest first.
func (o *Orchestrator) Sessions() []*conversation.Session {
	var out []*conversation.Session
	_ = o.call(func() error {
		out = make([]*conversation.Session, len(o.sessions))
		for i, s := range o.sessions {
			out[i] = s.Clone()
		}
		return nil
	})
	return out
}

// CurrentSession returns a copy of the selected session, or nil.
func (o *Orchestrator) CurrentSession() *conversation.Session {
	var out *conversation.Session
	_ = o.call(func() error {
		out = o.find(o.currentID).Clone()
		return nil
	})
	return out
}

// NewSession drops empty sessions, clears the selection and moves to the
// screen for mode. The session itself is created by the first turn.
func (o *Orchestrator) NewSession(mode conversation.Mode) error {
	return o.call(func() error {
		o.sessions = conversation.Prune(o.sessions)
		o.currentID = ""
		o.persistSessions()
		o.publish(bus.EventSessionsChanged, map[string]any{"count": len(o.sessions)})
		return o.apply(ScreenChanged{Screen: screenFor(mode)})
	})
}

// SelectSession makes id current and shows it.
func (o *Orchestrator) SelectSession(id string) error {
	return o.call(func() error {
		sess := o.find(id)
		if sess == nil {
			return ErrSessionNotFound
		}
		o.currentID = id
		return o.apply(ScreenChanged{Screen: screenFor(sess.Mode)})
	})
}

// DeleteSession removes id. Deleting the current session returns to the
// welcome screen.
func (o *Orchestrator) DeleteSession(id string) error {
	return o.call(func() error {
		idx := -1
		for i, s := range o.sessions {
			if s.ID == id {
				idx = i
				break
			}
		}
		if idx < 0 {
			return ErrSessionNotFound
		}
		o.sessions = append(o.sessions[:idx], o.sessions[idx+1:]...)
		o.persistSessions()
		o.publish(bus.EventSessionsChanged, map[string]any{"count": len(o.sessions)})
		if o.currentID != id {
			return nil
		}
		o.currentID = ""
		return o.apply(ScreenChanged{Screen: ScreenWelcome})
	})
}

// SetUser signs u in, or out when u is nil. The selection is cleared and
// sessions are reloaded from storage.
func (o *Orchestrator) SetUser(u *conversation.User) error {
	return o.call(func() error {
		if u != nil {
			cp := *u
			u = &cp
		}
		o.store.SaveUser(o.ctx, u)
		o.user = u
		o.currentID = ""
		o.sessions = o.store.LoadSessions(o.ctx)

		data := map[string]any{"signedIn": u != nil}
		if u != nil {
			data["name"] = u.Name
			data["guest"] = u.IsGuest
		}
		o.publish(bus.EventUserChanged, data)
		o.publish(bus.EventSessionsChanged, map[string]any{"count": len(o.sessions)})
		o.publish(bus.EventQuotaUpdated, map[string]any{"remaining": o.quota.Remaining(o.ctx, o.user)})

		next := ScreenWelcome
		switch {
		case u == nil:
			next = ScreenAuth
		case o.prefs.UserName == "":
			next = ScreenOnboarding
		}
		return o.apply(ScreenChanged{Screen: next})
	})
}

// User returns a copy of the signed-in profile, or nil.
func (o *Orchestrator) User() *conversation.User {
	var out *conversation.User
	_ = o.call(func() error {
		if o.user != nil {
			cp := *o.user
			out = &cp
		}
		return nil
	})
	return out
}

// SetPreferences stores p. Naming yourself finishes onboarding.
func (o *Orchestrator) SetPreferences(p conversation.Preferences) error {
	return o.call(func() error {
		o.prefs = p
		o.store.SavePreferences(o.ctx, p)
		if o.state.Screen == ScreenOnboarding && p.UserName != "" {
			return o.apply(ScreenChanged{Screen: ScreenWelcome})
		}
		return nil
	})
}

// Preferences returns the current preferences.
func (o *Orchestrator) Preferences() conversation.Preferences {
	var out conversation.Preferences
	_ = o.call(func() error {
		out = o.prefs
		return nil
	})
	return out
}

// Remaining returns the signed-in user's turns left today, -1 when
// unlimited.
func (o *Orchestrator) Remaining() int {
	n := -1
	_ = o.call(func() error {
		n = o.quota.Remaining(o.ctx, o.user)
		return nil
	})
	return n
}

// Close stops capture, playback and sampling, resolves a turn still in
// flight with the fallback reply and stops the loop.
func (o *Orchestrator) Close() error {
	o.closeOnce.Do(func() {
		if o.started.Load() {
			_ = o.call(func() error {
				o.speech.Stop()
				if o.vision != nil && o.state.VisionActive {
					o.vision.Stop()
				}
				if o.pending != nil {
					o.settleTurn(&dispatch.Result{Text: dispatch.FallbackText, Failed: true})
				}
				o.state.Mode = ModeIdle
				o.state.VisionActive = false
				o.mode.Store(ModeIdle)
				return nil
			})
		}
		close(o.done)
		o.cancel()
		if o.started.Load() {
			<-o.stopped
		}
		o.dispatches.Wait()
		o.logger.Info().Msg("interaction loop stopped")
	})
	return nil
}
