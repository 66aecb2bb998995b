package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Limiter tracks quota state per (tool, caller) key.
// The index is a sync.Map and each entry carries its own mutex, so unrelated
// keys never contend.
type Limiter struct {
	entries sync.Map // map[string]*entry
	now     func() time.Time
	logger  *zap.Logger
}

type entry struct {
	mu sync.Mutex
	// dead is set under mu when Sweep removes the entry from the index.
	dead     bool
	lastSeen time.Time
	ttl      time.Duration

	// token bucket
	tokens     float64
	lastRefill time.Time

	// sliding window, oldest first
	timestamps []time.Time
}

// NewLimiter creates a Limiter using the wall clock.
func NewLimiter(logger *zap.Logger) *Limiter {
	return NewLimiterWithClock(time.Now, logger)
}

// NewLimiterWithClock creates a Limiter with a custom clock (for testing).
func NewLimiterWithClock(now func() time.Time, logger *zap.Logger) *Limiter {
	return &Limiter{now: now, logger: logger}
}

func key(toolName, callerKey string) string {
	return toolName + "\x00" + callerKey
}

// Allow records one attempted call for (toolName, callerKey) under p.
// Consumed budget is never returned, even if the call later fails.
func (l *Limiter) Allow(toolName, callerKey string, p Policy) Decision {
	k := key(toolName, callerKey)
	for {
		now := l.now()
		val, ok := l.entries.Load(k)
		if !ok {
			fresh := &entry{
				tokens:     float64(p.Capacity),
				lastRefill: now,
				lastSeen:   now,
				ttl:        p.TTL(),
			}
			val, _ = l.entries.LoadOrStore(k, fresh)
		}
		e := val.(*entry)

		e.mu.Lock()
		if e.dead {
			// Lost a race with Sweep; the index no longer holds e.
			e.mu.Unlock()
			continue
		}
		var d Decision
		switch p.Algorithm {
		case TokenBucket:
			d = e.takeToken(now, p)
		default:
			d = e.recordInWindow(now, p)
		}
		e.lastSeen = now
		e.mu.Unlock()
		return d
	}
}

func (e *entry) takeToken(now time.Time, p Policy) Decision {
	elapsed := now.Sub(e.lastRefill).Seconds()
	if elapsed > 0 {
		e.tokens = math.Min(float64(p.Capacity), e.tokens+elapsed*p.RefillPerSecond)
		e.lastRefill = now
	}
	if e.tokens >= 1 {
		e.tokens--
		return Decision{Allowed: true, Remaining: int(e.tokens)}
	}
	// Round up so a nearly full token never reports a zero wait.
	wait := (1 - e.tokens) / p.RefillPerSecond
	return Decision{RetryAfter: time.Duration(math.Ceil(wait * float64(time.Second)))}
}

func (e *entry) recordInWindow(now time.Time, p Policy) Decision {
	cutoff := now.Add(-p.Window)
	drop := 0
	for drop < len(e.timestamps) && !e.timestamps[drop].After(cutoff) {
		drop++
	}
	if drop > 0 {
		e.timestamps = append(e.timestamps[:0], e.timestamps[drop:]...)
	}
	if len(e.timestamps) < p.Limit {
		e.timestamps = append(e.timestamps, now)
		return Decision{Allowed: true, Remaining: p.Limit - len(e.timestamps)}
	}
	retry := e.timestamps[0].Add(p.Window).Sub(now)
	if retry < 0 {
		retry = 0
	}
	return Decision{RetryAfter: retry}
}

// Sweep removes entries idle for longer than their TTL and returns how many
// were removed.
func (l *Limiter) Sweep(now time.Time) int {
	removed := 0
	l.entries.Range(func(k, v any) bool {
		e := v.(*entry)
		e.mu.Lock()
		if now.Sub(e.lastSeen) >= e.ttl {
			e.dead = true
			l.entries.CompareAndDelete(k, e)
			removed++
		}
		e.mu.Unlock()
		return true
	})
	return removed
}

// Len returns the number of tracked keys.
func (l *Limiter) Len() int {
	n := 0
	l.entries.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Run sweeps idle entries every interval until ctx is done.
func (l *Limiter) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := l.Sweep(l.now()); n > 0 {
				l.logger.Debug("rate limiter swept idle entries",
					zap.Int("removed", n),
					zap.Int("remaining", l.Len()),
				)
			}
		}
	}
}
