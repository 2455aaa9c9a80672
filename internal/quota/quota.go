// Package quota enforces the daily turn limit for guest users.
package quota

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/nomix/foxy/internal/conversation"
)

// DefaultGuestLimit is the number of turns a guest gets per calendar day.
const DefaultGuestLimit = 10

const dateLayout = "2006-01-02"

// ErrQuotaExceeded is reported when a guest has used up today's turns.
var ErrQuotaExceeded = errors.New("daily guest limit reached")

// Store persists the guest counter.
type Store interface {
	LoadQuota(ctx context.Context) conversation.QuotaRecord
	SaveQuota(ctx context.Context, r conversation.QuotaRecord)
}

// Guard admits or rejects turns and counts guest usage.
type Guard struct {
	mu     sync.Mutex
	store  Store
	limit  int
	now    func() time.Time
	logger zerolog.Logger
}

// Option configures a Guard.
type Option func(*Guard)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(g *Guard) { g.now = now }
}

// New returns a Guard with the given daily guest limit. A limit <= 0 uses
// DefaultGuestLimit.
func New(store Store, limit int, logger zerolog.Logger, opts ...Option) *Guard {
	if limit <= 0 {
		limit = DefaultGuestLimit
	}
	g := &Guard{
		store:  store,
		limit:  limit,
		now:    time.Now,
		logger: logger.With().Str("component", "quota").Logger(),
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// SetLimit changes the daily guest limit.
func (g *Guard) SetLimit(limit int) {
	if limit <= 0 {
		limit = DefaultGuestLimit
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if limit != g.limit {
		g.logger.Info().Int("limit", limit).Msg("guest limit changed")
	}
	g.limit = limit
}

// Limit returns the daily guest limit.
func (g *Guard) Limit() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.limit
}

// read loads the record and resets it when it belongs to an earlier day.
// The repaired record is written back. Callers hold g.mu.
func (g *Guard) read(ctx context.Context) conversation.QuotaRecord {
	r := g.store.LoadQuota(ctx)
	today := g.now().Format(dateLayout)
	if r.LastDate != today || r.Count < 0 {
		r = conversation.QuotaRecord{Count: 0, LastDate: today}
		g.store.SaveQuota(ctx, r)
	}
	return r
}

// Allow reports whether user may start a turn. Authenticated users are always
// allowed; a nil user is treated as a guest.
func (g *Guard) Allow(ctx context.Context, user *conversation.User) bool {
	if user.IsAuthenticated() {
		return true
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.read(ctx).Count < g.limit
}

// Check is Allow returning ErrQuotaExceeded on rejection.
func (g *Guard) Check(ctx context.Context, user *conversation.User) error {
	if !g.Allow(ctx, user) {
		return ErrQuotaExceeded
	}
	return nil
}

// RecordTurn counts one accepted guest turn and returns the new count.
// Authenticated users are not counted and get 0.
func (g *Guard) RecordTurn(ctx context.Context, user *conversation.User) int {
	if user.IsAuthenticated() {
		return 0
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	r := g.read(ctx)
	r.Count++
	g.store.SaveQuota(ctx, r)
	g.logger.Debug().Int("count", r.Count).Int("limit", g.limit).Msg("guest turn recorded")
	return r.Count
}

// Remaining returns how many turns user has left today. Authenticated users
// get -1.
func (g *Guard) Remaining(ctx context.Context, user *conversation.User) int {
	if user.IsAuthenticated() {
		return -1
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	left := g.limit - g.read(ctx).Count
	if left < 0 {
		return 0
	}
	return left
}
