package velocity

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/sardislabs/sardis/internal/sarderr"
)

func TestLimiterWindows(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	l := NewLimiter(Limits{PerMinute: 2, PerHour: 4, PerDay: 6}, clock)
	ctx := context.Background()

	assert.True(t, l.Check(ctx, "agent-001").Allowed)
	l.Record(ctx, "agent-001")
	l.Record(ctx, "agent-001")

	d := l.Check(ctx, "agent-001")
	assert.False(t, d.Allowed)
	assert.Equal(t, sarderr.CodeVelocityLimitMinute, d.Reason)

	// Advance past the minute: hour cap takes over after two more.
	now = now.Add(2 * time.Minute)
	assert.True(t, l.Check(ctx, "agent-001").Allowed)
	l.Record(ctx, "agent-001")
	l.Record(ctx, "agent-001")

	now = now.Add(2 * time.Minute)
	d = l.Check(ctx, "agent-001")
	assert.Equal(t, sarderr.CodeVelocityLimitHour, d.Reason)

	// Advance past the hour: day cap binds after two more.
	now = now.Add(time.Hour)
	l.Record(ctx, "agent-001")
	l.Record(ctx, "agent-001")

	now = now.Add(2 * time.Minute)
	d = l.Check(ctx, "agent-001")
	assert.Equal(t, sarderr.CodeVelocityLimitDay, d.Reason)

	// A new day purges everything.
	now = now.Add(25 * time.Hour)
	assert.True(t, l.Check(ctx, "agent-001").Allowed)
}

func TestLimiterPerAgentIsolation(t *testing.T) {
	l := NewLimiter(Limits{PerMinute: 1}, nil)
	ctx := context.Background()

	l.Record(ctx, "agent-001")
	assert.False(t, l.Check(ctx, "agent-001").Allowed)
	assert.True(t, l.Check(ctx, "agent-002").Allowed)
}

func TestLimiterZeroDisablesWindow(t *testing.T) {
	l := NewLimiter(Limits{}, nil)
	ctx := context.Background()
	for i := 0; i < 100; i++ {
		l.Record(ctx, "agent-001")
	}
	assert.True(t, l.Check(ctx, "agent-001").Allowed)
}
