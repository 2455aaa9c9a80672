package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nomix/foxy/internal/conversation"
	"github.com/nomix/foxy/internal/desktop"
	"github.com/nomix/foxy/internal/reasoning"
)

type fakeReasoner struct {
	mu       sync.Mutex
	requests []*reasoning.Request
	replies  []*reasoning.Reply
	errs     []error
	block    bool
}

func (f *fakeReasoner) Name() string { return "fake" }

func (f *fakeReasoner) Complete(ctx context.Context, req *reasoning.Request) (*reasoning.Reply, error) {
	f.mu.Lock()
	n := len(f.requests)
	f.requests = append(f.requests, req)
	block := f.block
	f.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	var err error
	if n < len(f.errs) {
		err = f.errs[n]
	}
	if err != nil {
		return nil, err
	}
	if n < len(f.replies) {
		return f.replies[n], nil
	}
	return &reasoning.Reply{Text: "ok"}, nil
}

func (f *fakeReasoner) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

type titledReasoner struct {
	*fakeReasoner
	title string
	err   error
}

func (t *titledReasoner) Title(context.Context, string) (string, error) { return t.title, t.err }

type fakeLauncher struct {
	ok  bool
	err error
	got string
}

func (l *fakeLauncher) OpenApplication(_ context.Context, name string) (bool, error) {
	l.got = name
	return l.ok, l.err
}

type staticScreen string

func (s staticScreen) LastText() string { return string(s) }

func session(mode conversation.Mode, texts ...string) *conversation.Session {
	s := conversation.NewSession(mode, time.Now())
	for i, t := range texts {
		sender := conversation.SenderUser
		if i%2 == 1 {
			sender = conversation.SenderAssistant
		}
		s.Append(conversation.NewMessage(sender, t, time.Now()))
	}
	return s
}

func fastConfig() Config {
	return Config{Timeout: time.Second, RetryDelay: time.Millisecond}
}

func TestSendBuildsRequestFromSnapshot(t *testing.T) {
	r := &fakeReasoner{replies: []*reasoning.Reply{{Text: "Hi Ada", Greeting: "Hello!"}}}
	d := New(r, fastConfig(), zerolog.Nop())

	s := session(conversation.ModeJarvis, "hello", "hey there")
	loading := conversation.NewMessage(conversation.SenderAssistant, "Synthesizing...", time.Now())
	loading.IsLoading = true
	s.Append(loading)

	res := d.Send(context.Background(), s, "how are you", "Ada", "")
	require.False(t, res.Failed)
	assert.Equal(t, "Hi Ada", res.Text)
	assert.Equal(t, "Hello!", res.Spoken())

	require.Equal(t, 1, r.calls())
	req := r.requests[0]
	assert.Equal(t, "how are you", req.Query)
	assert.Equal(t, conversation.ModeJarvis, req.Mode)
	assert.Equal(t, "Ada", req.UserName)
	assert.False(t, req.IsFirstMessage)
	assert.Len(t, req.History, 2)
}

func TestSendFirstMessageGetsConcurrentTitle(t *testing.T) {
	r := &titledReasoner{fakeReasoner: &fakeReasoner{}, title: "Photosynthesis Basics"}
	d := New(r, fastConfig(), zerolog.Nop())

	res := d.Send(context.Background(), session(conversation.ModeChat), "explain photosynthesis", "User", "")
	assert.True(t, r.requests[0].IsFirstMessage)
	assert.Equal(t, "Photosynthesis Basics", res.GeneratedTitle)
}

// stuckTitler never answers until released, whatever its context says.
type stuckTitler struct {
	*fakeReasoner
	release chan struct{}
}

func (t *stuckTitler) Title(context.Context, string) (string, error) {
	<-t.release
	return "Too Late", nil
}

func TestSendDoesNotWaitForSlowTitle(t *testing.T) {
	r := &stuckTitler{fakeReasoner: &fakeReasoner{}, release: make(chan struct{})}
	defer close(r.release)
	cfg := fastConfig()
	cfg.Timeout = 5 * time.Second
	cfg.TitleTimeout = 50 * time.Millisecond
	d := New(r, cfg, zerolog.Nop())

	start := time.Now()
	res := d.Send(context.Background(), session(conversation.ModeChat), "explain photosynthesis", "User", "")
	elapsed := time.Since(start)

	require.False(t, res.Failed)
	assert.Equal(t, "ok", res.Text)
	assert.Empty(t, res.GeneratedTitle)
	assert.Less(t, elapsed, time.Second)
}

func TestSendFailureDoesNotWaitForTitle(t *testing.T) {
	r := &stuckTitler{fakeReasoner: &fakeReasoner{errs: []error{
		&reasoning.StatusError{Code: 401}, &reasoning.StatusError{Code: 401},
	}}, release: make(chan struct{})}
	defer close(r.release)
	cfg := fastConfig()
	cfg.TitleTimeout = 5 * time.Second
	d := New(r, cfg, zerolog.Nop())

	start := time.Now()
	res := d.Send(context.Background(), session(conversation.ModeChat), "hello", "User", "")
	assert.True(t, res.Failed)
	assert.Less(t, time.Since(start), time.Second)
}

func TestSendPrefersReplyTitleAndIgnoresTitleErrors(t *testing.T) {
	r := &titledReasoner{
		fakeReasoner: &fakeReasoner{replies: []*reasoning.Reply{{Text: "x", GeneratedTitle: "From Reply"}}},
		err:          errors.New("title backend down"),
	}
	d := New(r, fastConfig(), zerolog.Nop())

	res := d.Send(context.Background(), session(conversation.ModeChat), "q", "User", "")
	assert.False(t, res.Failed)
	assert.Equal(t, "From Reply", res.GeneratedTitle)

	r2 := &titledReasoner{fakeReasoner: &fakeReasoner{}, err: errors.New("down")}
	res = New(r2, fastConfig(), zerolog.Nop()).Send(context.Background(), session(conversation.ModeChat), "q", "User", "")
	assert.False(t, res.Failed)
	assert.Empty(t, res.GeneratedTitle)
}

func TestSendRetriesOnceOnTransientFailure(t *testing.T) {
	r := &fakeReasoner{errs: []error{&reasoning.StatusError{Code: 503}}}
	res := New(r, fastConfig(), zerolog.Nop()).Send(context.Background(), session(conversation.ModeChat), "q", "User", "")
	assert.False(t, res.Failed)
	assert.Equal(t, 2, r.calls())
}

func TestSendGivesUpAfterSecondFailure(t *testing.T) {
	r := &fakeReasoner{errs: []error{errors.New("connection refused"), errors.New("connection refused")}}
	res := New(r, fastConfig(), zerolog.Nop()).Send(context.Background(), session(conversation.ModeChat), "q", "User", "")
	assert.True(t, res.Failed)
	assert.Equal(t, FallbackText, res.Text)
	assert.Equal(t, 2, r.calls())
}

func TestSendDoesNotRetryPermanentFailures(t *testing.T) {
	for _, err := range []error{
		&reasoning.StatusError{Code: 400},
		fmt.Errorf("%w: bad json", reasoning.ErrMalformedResponse),
	} {
		r := &fakeReasoner{errs: []error{err}}
		res := New(r, fastConfig(), zerolog.Nop()).Send(context.Background(), session(conversation.ModeChat), "q", "User", "")
		assert.True(t, res.Failed)
		assert.Equal(t, 1, r.calls(), "error %v", err)
	}
}

func TestSendTimesOutEachAttempt(t *testing.T) {
	r := &fakeReasoner{block: true}
	d := New(r, Config{Timeout: 20 * time.Millisecond, RetryDelay: time.Millisecond}, zerolog.Nop())

	start := time.Now()
	res := d.Send(context.Background(), session(conversation.ModeChat), "q", "User", "")
	assert.True(t, res.Failed)
	assert.Equal(t, 2, r.calls())
	assert.Less(t, time.Since(start), time.Second)
}

func TestSendNilReplyIsFailure(t *testing.T) {
	r := &nilReasoner{}
	res := New(r, fastConfig(), zerolog.Nop()).Send(context.Background(), nil, "q", "User", "")
	assert.True(t, res.Failed)
}

type nilReasoner struct{}

func (nilReasoner) Name() string { return "nil" }
func (nilReasoner) Complete(context.Context, *reasoning.Request) (*reasoning.Reply, error) {
	return nil, nil
}

type panicReasoner struct{}

func (panicReasoner) Name() string { return "panic" }
func (panicReasoner) Complete(context.Context, *reasoning.Request) (*reasoning.Reply, error) {
	panic("boom")
}

func TestSendRecoversFromPanickingReasoner(t *testing.T) {
	d := New(panicReasoner{}, fastConfig(), zerolog.Nop())
	var res *Result
	assert.NotPanics(t, func() {
		res = d.Send(context.Background(), session(conversation.ModeChat), "q", "User", "")
	})
	assert.True(t, res.Failed)
}

func TestSendFoldsScreenText(t *testing.T) {
	r := &fakeReasoner{}
	d := New(r, Config{Timeout: time.Second, MaxContextLength: 5}, zerolog.Nop(),
		WithContextSource(staticScreen("  Hello World  ")))

	d.Send(context.Background(), session(conversation.ModeJarvis), "what is this", "User", "")
	assert.Equal(t, "what is this\n\n[Text currently visible on the user's screen]\nHello", r.requests[0].Query)

	r2 := &fakeReasoner{}
	New(r2, fastConfig(), zerolog.Nop(), WithContextSource(staticScreen(""))).
		Send(context.Background(), session(conversation.ModeJarvis), "plain", "User", "")
	assert.Equal(t, "plain", r2.requests[0].Query)
}

func TestSendCommandStatus(t *testing.T) {
	cmdReply := func() *reasoning.Reply {
		return &reasoning.Reply{Text: "Opening Spotify.", IsCommand: true, Command: CommandOpenApp, AppName: "Spotify"}
	}
	tests := []struct {
		name     string
		launcher Launcher
		want     conversation.CommandStatus
		line     string
	}{
		{"no launcher", nil, conversation.CommandSimulated, "[Simulated: would open Spotify]"},
		{"opened", &fakeLauncher{ok: true}, conversation.CommandOpened, "[Opened Spotify]"},
		{"missing", &fakeLauncher{ok: false}, conversation.CommandNotFound, "[Could not find Spotify]"},
		{"not found error", &fakeLauncher{err: desktop.ErrNotFound}, conversation.CommandNotFound, "[Could not find Spotify]"},
		{"unsupported", &fakeLauncher{err: desktop.ErrUnsupported}, conversation.CommandSimulated, "[Simulated: would open Spotify]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var opts []Option
			if tt.launcher != nil {
				opts = append(opts, WithLauncher(tt.launcher))
			}
			r := &fakeReasoner{replies: []*reasoning.Reply{cmdReply()}}
			res := New(r, fastConfig(), zerolog.Nop(), opts...).
				Send(context.Background(), session(conversation.ModeJarvis), "open spotify", "User", "")

			require.False(t, res.Failed)
			assert.Equal(t, tt.want, res.CommandStatus)
			assert.Equal(t, "Opening Spotify.\n\n"+tt.line, res.Text)
			if fl, ok := tt.launcher.(*fakeLauncher); ok {
				assert.Equal(t, "Spotify", fl.got)
			}
		})
	}
}

func TestSendCommandWithoutAppIsPlainReply(t *testing.T) {
	l := &fakeLauncher{ok: true}
	r := &fakeReasoner{replies: []*reasoning.Reply{{Text: "Which app?", IsCommand: true}}}
	res := New(r, fastConfig(), zerolog.Nop(), WithLauncher(l)).
		Send(context.Background(), session(conversation.ModeJarvis), "open", "User", "")
	assert.Equal(t, "Which app?", res.Text)
	assert.Empty(t, res.CommandStatus)
	assert.Empty(t, l.got)
}

func TestRateLimiterWaitsBetweenCalls(t *testing.T) {
	r := &fakeReasoner{}
	d := New(r, Config{Timeout: time.Second, RequestsPerMinute: 600}, zerolog.Nop())

	start := time.Now()
	d.Send(context.Background(), session(conversation.ModeChat, "a", "b"), "q1", "User", "")
	d.Send(context.Background(), session(conversation.ModeChat, "a", "b"), "q2", "User", "")
	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
	assert.Equal(t, 2, r.calls())
}
