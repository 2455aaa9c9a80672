package store

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/rs/zerolog"

	"github.com/nomix/foxy/internal/conversation"
)

// Gateway reads and writes typed records over a KV backend. It never returns
// backend or decode errors to callers: failures are logged and the caller
// gets the default value.
type Gateway struct {
	kv     KV
	logger zerolog.Logger
}

// NewGateway wraps kv.
func NewGateway(kv KV, logger zerolog.Logger) *Gateway {
	return &Gateway{
		kv:     kv,
		logger: logger.With().Str("component", "store").Logger(),
	}
}

func (g *Gateway) load(ctx context.Context, key string, v any) bool {
	raw, err := g.kv.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return false
	}
	if err != nil {
		g.logger.Warn().Err(err).Str("key", key).Msg("read failed, using default")
		return false
	}
	if err := json.Unmarshal(raw, v); err != nil {
		g.logger.Warn().Err(err).Str("key", key).Msg("corrupt record, using default")
		return false
	}
	return true
}

func (g *Gateway) save(ctx context.Context, key string, v any) {
	raw, err := json.Marshal(v)
	if err != nil {
		g.logger.Error().Err(err).Str("key", key).Msg("encode failed")
		return
	}
	if err := g.kv.Set(ctx, key, raw); err != nil {
		g.logger.Error().Err(err).Str("key", key).Msg("write failed")
	}
}

func (g *Gateway) remove(ctx context.Context, key string) {
	if err := g.kv.Delete(ctx, key); err != nil {
		g.logger.Error().Err(err).Str("key", key).Msg("delete failed")
	}
}

// LoadPreferences returns the stored preferences or the defaults.
func (g *Gateway) LoadPreferences(ctx context.Context) conversation.Preferences {
	p := conversation.DefaultPreferences()
	g.load(ctx, KeyConfig, &p)
	return p
}

// SavePreferences stores p.
func (g *Gateway) SavePreferences(ctx context.Context, p conversation.Preferences) {
	g.save(ctx, KeyConfig, p)
}

// LoadSessions returns the stored sessions, dropping any empty ones.
// Placeholders persisted by an interrupted run come back as the fallback
// reply.
func (g *Gateway) LoadSessions(ctx context.Context) []*conversation.Session {
	var sessions []*conversation.Session
	if !g.load(ctx, KeySessions, &sessions) {
		return []*conversation.Session{}
	}
	sessions = conversation.Prune(sessions)
	for _, s := range sessions {
		if n := s.SettleStale(conversation.FallbackText); n > 0 {
			g.logger.Warn().Str("session", s.ID).Int("messages", n).Msg("settled stale placeholders")
		}
	}
	return sessions
}

// SaveSessions stores a snapshot of sessions. Sessions without messages are
// never written.
func (g *Gateway) SaveSessions(ctx context.Context, sessions []*conversation.Session) {
	g.save(ctx, KeySessions, conversation.Prune(sessions))
}

// LoadLastScreen returns the last persisted screen name, or fallback.
func (g *Gateway) LoadLastScreen(ctx context.Context, fallback string) string {
	var screen string
	if !g.load(ctx, KeyLastScreen, &screen) || screen == "" {
		return fallback
	}
	return screen
}

// SaveLastScreen stores the current screen name.
func (g *Gateway) SaveLastScreen(ctx context.Context, screen string) {
	g.save(ctx, KeyLastScreen, screen)
}

// LoadUser returns the stored profile or nil.
func (g *Gateway) LoadUser(ctx context.Context) *conversation.User {
	var u conversation.User
	if !g.load(ctx, KeyUserProfile, &u) || u.ID == "" {
		return nil
	}
	return &u
}

// SaveUser stores u. A nil user removes the profile.
func (g *Gateway) SaveUser(ctx context.Context, u *conversation.User) {
	if u == nil {
		g.remove(ctx, KeyUserProfile)
		return
	}
	g.save(ctx, KeyUserProfile, u)
}

// LoadQuota returns the stored guest counter. A missing record is a zero
// counter with no date; normalizing the date is the quota guard's job.
func (g *Gateway) LoadQuota(ctx context.Context) conversation.QuotaRecord {
	var r conversation.QuotaRecord
	g.load(ctx, KeyGuestStats, &r)
	if r.Count < 0 {
		r.Count = 0
	}
	return r
}

// SaveQuota stores the guest counter.
func (g *Gateway) SaveQuota(ctx context.Context, r conversation.QuotaRecord) {
	g.save(ctx, KeyGuestStats, r)
}

// Close closes the backend.
func (g *Gateway) Close() error {
	return g.kv.Close()
}
