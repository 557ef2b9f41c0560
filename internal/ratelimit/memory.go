package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// MemoryLimiter is a per-key token bucket refilling Limit tokens per Window.
// Entries idle for longer than two windows are evicted.
type MemoryLimiter struct {
	policy Policy

	mu       sync.Mutex
	limiters map[string]*limiterEntry
	now      func() time.Time

	stopOnce    sync.Once
	stopCleanup chan struct{}
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func NewMemory(policy Policy) *MemoryLimiter {
	l := &MemoryLimiter{
		policy:      policy,
		limiters:    make(map[string]*limiterEntry),
		now:         time.Now,
		stopCleanup: make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

func (l *MemoryLimiter) Policy() Policy {
	return l.policy
}

func (l *MemoryLimiter) Allow(_ context.Context, key string) (Result, error) {
	now := l.now()
	interval := l.policy.Window / time.Duration(l.policy.Limit)

	l.mu.Lock()
	entry, ok := l.limiters[key]
	if !ok {
		entry = &limiterEntry{limiter: rate.NewLimiter(rate.Every(interval), l.policy.Limit)}
		l.limiters[key] = entry
	}
	entry.lastSeen = now
	l.mu.Unlock()

	res := Result{Limit: l.policy.Limit}
	if entry.limiter.AllowN(now, 1) {
		res.Allowed = true
		tokens := entry.limiter.TokensAt(now)
		if tokens < 0 {
			tokens = 0
		}
		res.Remaining = int(tokens)
		missing := float64(l.policy.Limit) - tokens
		res.ResetAt = now.Add(time.Duration(missing * float64(interval)))
		return res, nil
	}

	reservation := entry.limiter.ReserveN(now, 1)
	delay := reservation.DelayFrom(now)
	reservation.CancelAt(now)
	if delay < time.Second {
		delay = time.Second
	}
	res.RetryAfter = delay
	res.ResetAt = now.Add(delay)
	return res, nil
}

// Stop ends the cleanup goroutine. Safe to call more than once.
func (l *MemoryLimiter) Stop() {
	l.stopOnce.Do(func() { close(l.stopCleanup) })
}

func (l *MemoryLimiter) cleanupLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.cleanup()
		case <-l.stopCleanup:
			return
		}
	}
}

func (l *MemoryLimiter) cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()

	ttl := 2 * l.policy.Window
	now := l.now()
	for key, entry := range l.limiters {
		if now.Sub(entry.lastSeen) > ttl {
			delete(l.limiters, key)
		}
	}
}
