package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nomix/foxy/internal/conversation"
)

func newSQLite(t *testing.T) *SQLiteKV {
	t.Helper()
	kv, err := OpenSQLite(filepath.Join(t.TempDir(), "nested", "foxy.db"))
	require.NoError(t, err)
	t.Cleanup(func() { kv.Close() })
	return kv
}

func TestSQLiteKV(t *testing.T) {
	ctx := context.Background()
	kv := newSQLite(t)

	_, err := kv.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, kv.Set(ctx, "k", []byte("one")))
	require.NoError(t, kv.Set(ctx, "k", []byte("two")))
	v, err := kv.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "two", string(v))

	require.NoError(t, kv.Delete(ctx, "k"))
	_, err = kv.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryKVCopiesValues(t *testing.T) {
	ctx := context.Background()
	kv := NewMemoryKV()
	buf := []byte("abc")
	require.NoError(t, kv.Set(ctx, "k", buf))
	buf[0] = 'x'

	v, err := kv.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "abc", string(v))

	require.NoError(t, kv.Close())
	_, err = kv.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestGatewayDefaultsOnMissingKeys(t *testing.T) {
	ctx := context.Background()
	g := NewGateway(NewMemoryKV(), zerolog.Nop())

	assert.Equal(t, conversation.DefaultPreferences(), g.LoadPreferences(ctx))
	assert.Empty(t, g.LoadSessions(ctx))
	assert.Equal(t, "welcome", g.LoadLastScreen(ctx, "welcome"))
	assert.Nil(t, g.LoadUser(ctx))
	assert.Equal(t, conversation.QuotaRecord{}, g.LoadQuota(ctx))
}

func TestGatewayNeverPersistsEmptySessions(t *testing.T) {
	ctx := context.Background()
	kv := newSQLite(t)
	g := NewGateway(kv, zerolog.Nop())

	now := time.Now()
	full := conversation.NewSession(conversation.ModeChat, now)
	full.Append(conversation.NewMessage(conversation.SenderUser, "hello", now))
	empty := conversation.NewSession(conversation.ModeJarvis, now)

	g.SaveSessions(ctx, []*conversation.Session{empty, full})

	got := g.LoadSessions(ctx)
	require.Len(t, got, 1)
	assert.Equal(t, full.ID, got[0].ID)
	assert.Equal(t, "hello", got[0].Messages[0].Text)
}

func TestGatewaySettlesStalePlaceholders(t *testing.T) {
	ctx := context.Background()
	kv := newSQLite(t)

	now := time.Now()
	sess := conversation.NewSession(conversation.ModeChat, now)
	sess.Append(conversation.NewMessage(conversation.SenderUser, "are you there", now))
	placeholder := conversation.NewMessage(conversation.SenderAssistant, "Synthesizing...", now)
	placeholder.IsLoading = true
	sess.Append(placeholder)
	NewGateway(kv, zerolog.Nop()).SaveSessions(ctx, []*conversation.Session{sess})

	// a fresh gateway over the same file, as after a crash
	got := NewGateway(kv, zerolog.Nop()).LoadSessions(ctx)
	require.Len(t, got, 1)
	require.Len(t, got[0].Messages, 2)
	assert.False(t, got[0].Pending())
	assert.Equal(t, placeholder.ID, got[0].Messages[1].ID)
	assert.Equal(t, conversation.FallbackText, got[0].Messages[1].Text)
	assert.Equal(t, "are you there", got[0].Messages[0].Text)
}

func TestGatewayRoundTrips(t *testing.T) {
	ctx := context.Background()
	g := NewGateway(newSQLite(t), zerolog.Nop())

	g.SaveLastScreen(ctx, "voice")
	assert.Equal(t, "voice", g.LoadLastScreen(ctx, "welcome"))

	u := &conversation.User{ID: "u1", Email: "a@example.com", Name: "Ada"}
	g.SaveUser(ctx, u)
	assert.Equal(t, u, g.LoadUser(ctx))
	g.SaveUser(ctx, nil)
	assert.Nil(t, g.LoadUser(ctx))

	g.SaveQuota(ctx, conversation.QuotaRecord{Count: 4, LastDate: "2026-01-02"})
	assert.Equal(t, conversation.QuotaRecord{Count: 4, LastDate: "2026-01-02"}, g.LoadQuota(ctx))

	prefs := conversation.DefaultPreferences()
	prefs.UserName = "Ada"
	g.SavePreferences(ctx, prefs)
	assert.Equal(t, "Ada", g.LoadPreferences(ctx).UserName)
}

type brokenKV struct{ MemoryKV }

func (*brokenKV) Get(context.Context, string) ([]byte, error) { return nil, errors.New("io error") }
func (*brokenKV) Set(context.Context, string, []byte) error { return errors.New("io error") }

func TestGatewaySwallowsBackendErrors(t *testing.T) {
	ctx := context.Background()
	g := NewGateway(&brokenKV{}, zerolog.Nop())

	assert.NotPanics(t, func() {
		g.SaveQuota(ctx, conversation.QuotaRecord{Count: 1})
		g.SaveSessions(ctx, nil)
	})
	assert.Equal(t, conversation.QuotaRecord{}, g.LoadQuota(ctx))
	assert.Empty(t, g.LoadSessions(ctx))
}

func TestGatewayIgnoresCorruptRecord(t *testing.T) {
	ctx := context.Background()
	kv := NewMemoryKV()
	require.NoError(t, kv.Set(ctx, KeySessions, []byte("{not json")))
	g := NewGateway(kv, zerolog.Nop())
	assert.Empty(t, g.LoadSessions(ctx))
}
