// Package velocity enforces per-agent transaction-count limits over sliding
// minute, hour, and day windows.
package velocity

import (
	"context"
	"sync"
	"time"

	"github.com/sardislabs/sardis/internal/sarderr"
)

// Limits are the maximum transaction counts per window. Zero disables a window.
type Limits struct {
	PerMinute int
	PerHour   int
	PerDay    int
}

// DefaultLimits are conservative agent defaults.
var DefaultLimits = Limits{PerMinute: 10, PerHour: 100, PerDay: 500}

// Decision is the check outcome. Reason is set iff Allowed is false.
type Decision struct {
	Allowed bool
	Reason  sarderr.Code
}

// Limiter tracks per-agent transaction timestamps.
type Limiter struct {
	mu     sync.Mutex
	limits Limits
	events map[string][]time.Time
	now    func() time.Time
}

// NewLimiter constructs a limiter. now is overridable for tests; nil defaults
// to time.Now.
func NewLimiter(limits Limits, now func() time.Time) *Limiter {
	if now == nil {
		now = time.Now
	}
	return &Limiter{limits: limits, events: make(map[string][]time.Time), now: now}
}

// Check reports whether the agent may transact now. Stale entries older than
// a day are purged as a side effect.
func (l *Limiter) Check(_ context.Context, agentID string) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	events := l.purge(agentID, now)

	minute, hour := 0, 0
	for _, ts := range events {
		age := now.Sub(ts)
		if age < time.Minute {
			minute++
		}
		if age < time.Hour {
			hour++
		}
	}

	switch {
	case l.limits.PerMinute > 0 && minute >= l.limits.PerMinute:
		return Decision{Reason: sarderr.CodeVelocityLimitMinute}
	case l.limits.PerHour > 0 && hour >= l.limits.PerHour:
		return Decision{Reason: sarderr.CodeVelocityLimitHour}
	case l.limits.PerDay > 0 && len(events) >= l.limits.PerDay:
		return Decision{Reason: sarderr.CodeVelocityLimitDay}
	}
	return Decision{Allowed: true}
}

// Record appends a transaction timestamp for the agent.
func (l *Limiter) Record(_ context.Context, agentID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	l.events[agentID] = append(l.purge(agentID, now), now)
}

// purge drops events older than the day window. Caller holds the lock.
func (l *Limiter) purge(agentID string, now time.Time) []time.Time {
	events := l.events[agentID]
	kept := events[:0]
	for _, ts := range events {
		if now.Sub(ts) < 24*time.Hour {
			kept = append(kept, ts)
		}
	}
	if len(kept) == 0 {
		delete(l.events, agentID)
		return nil
	}
	l.events[agentID] = kept
	return kept
}
