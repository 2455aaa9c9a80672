// Package dispatch turns a user query into a settled assistant reply: it
// composes the request, calls the reasoning service, interprets the answer
// and runs any local command it asks for.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/nomix/foxy/internal/conversation"
	"github.com/nomix/foxy/internal/desktop"
	"github.com/nomix/foxy/internal/metrics"
	"github.com/nomix/foxy/internal/reasoning"
)

// FallbackText replaces the reply whenever the remote call fails.
const FallbackText = conversation.FallbackText

// CommandOpenApp is the only local command the service can ask for.
const CommandOpenApp = "open_app"

const maxAttempts = 2

// Launcher opens local applications.
type Launcher interface {
	OpenApplication(ctx context.Context, name string) (bool, error)
}

// ContextSource supplies recent on-screen text.
type ContextSource interface {
	LastText() string
}

// Config configures a Dispatcher.
type Config struct {
	Timeout           time.Duration // per attempt
	TitleTimeout      time.Duration // title generation, counted from the start of Send
	RetryDelay        time.Duration
	RequestsPerMinute int // 0 = unlimited
	MaxContextLength  int // runes of screen text folded into the query
}

// Result is a settled reply. Failed results carry FallbackText.
type Result struct {
	Text           string
	IsCommand      bool
	Command        string
	AppName        string
	Greeting       string
	GeneratedTitle string
	CommandStatus  conversation.CommandStatus
	Failed         bool
}

// Spoken is the text to read aloud.
func (r *Result) Spoken() string {
	if r.Greeting != "" {
		return r.Greeting
	}
	return r.Text
}

// Dispatcher sends queries to a Reasoner.
type Dispatcher struct {
	reasoner reasoning.Reasoner
	titler   reasoning.Titler
	launcher Launcher
	screen   ContextSource
	limiter  *rate.Limiter
	cfg      Config
	logger   zerolog.Logger
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLauncher enables local commands. Without one, commands are simulated.
func WithLauncher(l Launcher) Option {
	return func(d *Dispatcher) { d.launcher = l }
}

// WithContextSource folds on-screen text into every query.
func WithContextSource(s ContextSource) Option {
	return func(d *Dispatcher) { d.screen = s }
}

// New builds a dispatcher. If r also implements reasoning.Titler, first
// turns get a title from it.
func New(r reasoning.Reasoner, cfg Config, logger zerolog.Logger, opts ...Option) *Dispatcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.TitleTimeout <= 0 {
		cfg.TitleTimeout = 5 * time.Second
	}
	if cfg.RetryDelay < 0 {
		cfg.RetryDelay = 0
	}
	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RequestsPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RequestsPerMinute)), 1)
	}
	d := &Dispatcher{
		reasoner: r,
		limiter:  limiter,
		cfg:      cfg,
		logger:   logger.With().Str("component", "dispatch").Logger(),
	}
	if t, ok := r.(reasoning.Titler); ok {
		d.titler = t
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Send answers query in the context of session, which must be the snapshot
// taken before the user's message was appended. It never returns nil and
// never panics; failures come back as a Failed result.
func (d *Dispatcher) Send(ctx context.Context, session *conversation.Session, query, userName, image string) (res *Result) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error().Interface("panic", r).Msg("dispatch panicked")
			metrics.Turns.WithLabelValues("failed").Inc()
			res = failed()
		}
	}()

	history := session.History()
	req := &reasoning.Request{
		Query:          d.compose(query),
		History:        history,
		Mode:           conversation.ModeChat,
		UserName:       userName,
		IsFirstMessage: len(history) == 0,
		Image:          image,
	}
	if session != nil {
		req.Mode = session.Mode
	}

	var (
		titles  <-chan string
		titleDL <-chan struct{}
	)
	if req.IsFirstMessage && d.titler != nil {
		tctx, cancel := context.WithTimeout(ctx, d.cfg.TitleTimeout)
		defer cancel()
		titles, titleDL = d.title(tctx, query), tctx.Done()
	}

	reply, err := d.complete(ctx, req)
	if err != nil {
		d.logger.Warn().Err(err).Str("backend", d.reasoner.Name()).Msg("remote call failed")
		metrics.Turns.WithLabelValues("failed").Inc()
		return failed()
	}

	res = &Result{
		Text:           reply.Text,
		IsCommand:      reply.IsCommand,
		Command:        reply.Command,
		AppName:        reply.AppName,
		Greeting:       reply.Greeting,
		GeneratedTitle: reply.GeneratedTitle,
	}
	if res.GeneratedTitle == "" && titles != nil {
		select {
		case res.GeneratedTitle = <-titles:
		case <-titleDL:
			d.logger.Debug().Msg("title generation timed out")
		}
	}
	if res.IsCommand && res.AppName != "" {
		d.runCommand(ctx, res)
	}
	metrics.Turns.WithLabelValues("ok").Inc()
	return res
}

// title runs the title call in the background. The channel yields "" on
// failure.
func (d *Dispatcher) title(ctx context.Context, query string) <-chan string {
	out := make(chan string, 1)
	go func() {
		t, err := d.titler.Title(ctx, query)
		if err != nil {
			d.logger.Debug().Err(err).Msg("title generation failed")
			t = ""
		}
		out <- t
	}()
	return out
}

func failed() *Result {
	return &Result{Text: FallbackText, Failed: true}
}

func (d *Dispatcher) compose(query string) string {
	if d.screen == nil {
		return query
	}
	text := strings.TrimSpace(d.screen.LastText())
	if text == "" {
		return query
	}
	if max := d.cfg.MaxContextLength; max > 0 && utf8.RuneCountInString(text) > max {
		text = string([]rune(text)[:max])
	}
	return query + "\n\n[Text currently visible on the user's screen]\n" + text
}

// complete calls the reasoner with a per-attempt timeout and retries once on
// transient failures.
func (d *Dispatcher) complete(ctx context.Context, req *reasoning.Request) (*reasoning.Reply, error) {
	backend := d.reasoner.Name()
	for attempt := 1; ; attempt++ {
		if err := d.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limit: %w", err)
		}

		actx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
		start := time.Now()
		reply, err := d.reasoner.Complete(actx, req)
		cancel()
		metrics.DispatchDuration.WithLabelValues(backend).Observe(time.Since(start).Seconds())

		if err == nil && reply == nil {
			err = reasoning.ErrMalformedResponse
		}
		if err == nil {
			metrics.DispatchAttempts.WithLabelValues("ok").Inc()
			return reply, nil
		}
		if ctx.Err() != nil {
			metrics.DispatchAttempts.WithLabelValues("error").Inc()
			return nil, ctx.Err()
		}
		if attempt >= maxAttempts || !reasoning.Retryable(err) {
			metrics.DispatchAttempts.WithLabelValues("error").Inc()
			return nil, err
		}

		metrics.DispatchAttempts.WithLabelValues("retry").Inc()
		d.logger.Warn().Err(err).Int("attempt", attempt).Dur("delay", d.cfg.RetryDelay).Msg("retrying remote call")
		if err := sleep(ctx, d.cfg.RetryDelay); err != nil {
			return nil, err
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// runCommand performs the local side effect and appends a status line.
// Launcher failures never discard the reply.
func (d *Dispatcher) runCommand(ctx context.Context, res *Result) {
	if res.Command == "" {
		res.Command = CommandOpenApp
	}
	res.CommandStatus = d.launch(ctx, res.AppName)
	metrics.LocalCommands.WithLabelValues(string(res.CommandStatus)).Inc()

	var line string
	switch res.CommandStatus {
	case conversation.CommandOpened:
		line = "[Opened " + res.AppName + "]"
	case conversation.CommandSimulated:
		line = "[Simulated: would open " + res.AppName + "]"
	default:
		line = "[Could not find " + res.AppName + "]"
	}
	res.Text = strings.TrimRight(res.Text, " \n") + "\n\n" + line
}

func (d *Dispatcher) launch(ctx context.Context, app string) (status conversation.CommandStatus) {
	if d.launcher == nil {
		return conversation.CommandSimulated
	}
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error().Interface("panic", r).Str("app", app).Msg("launcher panicked")
			status = conversation.CommandNotFound
		}
	}()

	ok, err := d.launcher.OpenApplication(ctx, app)
	switch {
	case err != nil && errors.Is(err, desktop.ErrUnsupported):
		return conversation.CommandSimulated
	case err != nil:
		d.logger.Info().Err(err).Str("app", app).Msg("application not opened")
		return conversation.CommandNotFound
	case ok:
		return conversation.CommandOpened
	default:
		return conversation.CommandNotFound
	}
}
