package quota

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nomix/foxy/internal/conversation"
	"github.com/nomix/foxy/internal/store"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newGuard(t *testing.T, limit int) (*Guard, *store.Gateway, *clock) {
	t.Helper()
	gw := store.NewGateway(store.NewMemoryKV(), zerolog.Nop())
	c := &clock{t: time.Date(2026, 5, 10, 12, 0, 0, 0, time.Local)}
	return New(gw, limit, zerolog.Nop(), WithClock(c.now)), gw, c
}

func TestGuestAdmittedBelowLimit(t *testing.T) {
	ctx := context.Background()
	g, gw, _ := newGuard(t, 10)
	gw.SaveQuota(ctx, conversation.QuotaRecord{Count: 9, LastDate: "2026-05-10"})

	require.True(t, g.Allow(ctx, nil))
	assert.Equal(t, 10, g.RecordTurn(ctx, nil))
	assert.Equal(t, 10, gw.LoadQuota(ctx).Count)

	assert.False(t, g.Allow(ctx, nil))
	assert.ErrorIs(t, g.Check(ctx, conversation.Guest()), ErrQuotaExceeded)
	assert.Equal(t, 0, g.Remaining(ctx, nil))
}

func TestStaleDateResets(t *testing.T) {
	ctx := context.Background()
	g, gw, _ := newGuard(t, 10)
	gw.SaveQuota(ctx, conversation.QuotaRecord{Count: 10, LastDate: "2026-05-09"})

	assert.True(t, g.Allow(ctx, nil))
	assert.Equal(t, conversation.QuotaRecord{Count: 0, LastDate: "2026-05-10"}, gw.LoadQuota(ctx))
}

func TestRolloverAtMidnight(t *testing.T) {
	ctx := context.Background()
	g, _, c := newGuard(t, 2)

	g.RecordTurn(ctx, nil)
	g.RecordTurn(ctx, nil)
	assert.False(t, g.Allow(ctx, nil))

	c.t = c.t.Add(24 * time.Hour)
	assert.True(t, g.Allow(ctx, nil))
	assert.Equal(t, 2, g.Remaining(ctx, nil))
}

func TestAuthenticatedUsersBypass(t *testing.T) {
	ctx := context.Background()
	g, gw, _ := newGuard(t, 1)
	gw.SaveQuota(ctx, conversation.QuotaRecord{Count: 1, LastDate: "2026-05-10"})
	u := &conversation.User{ID: "u1", Email: "a@example.com"}

	assert.True(t, g.Allow(ctx, u))
	assert.Equal(t, 0, g.RecordTurn(ctx, u))
	assert.Equal(t, 1, gw.LoadQuota(ctx).Count)
	assert.Equal(t, -1, g.Remaining(ctx, u))
}

func TestSetLimit(t *testing.T) {
	ctx := context.Background()
	g, _, _ := newGuard(t, 0)
	assert.Equal(t, DefaultGuestLimit, g.Limit())

	g.RecordTurn(ctx, nil)
	g.SetLimit(1)
	assert.False(t, g.Allow(ctx, nil))
	g.SetLimit(-3)
	assert.Equal(t, DefaultGuestLimit, g.Limit())
}
