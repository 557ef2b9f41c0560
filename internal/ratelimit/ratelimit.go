// Package ratelimit implements named request quotas backed by Redis, with an
// in-process fallback for single-instance and development deployments.
package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Policy is a quota of Limit requests per Window.
type Policy struct {
	Name   string
	Limit  int
	Window time.Duration
}

// Result describes the state of a key after a call to Allow.
type Result struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
}

type Limiter interface {
	Allow(ctx context.Context, key string) (Result, error)
	Policy() Policy
}

// Named policies.
const (
	PolicyAuth        = "auth"
	PolicyShareUnlock = "share-unlock"
	PolicyUpload      = "upload"
	PolicyVideoSplit  = "videosplit"
	PolicyProxy       = "proxy"
)

// Policies builds the policy set from per-window limits. A non-positive
// limit disables the policy.
func Policies(authPer10m, sharePer15m, uploadPerMin, videoPerHour, proxyPerMin int) []Policy {
	return []Policy{
		{Name: PolicyAuth, Limit: authPer10m, Window: 10 * time.Minute},
		{Name: PolicyShareUnlock, Limit: sharePer15m, Window: 15 * time.Minute},
		{Name: PolicyUpload, Limit: uploadPerMin, Window: time.Minute},
		{Name: PolicyVideoSplit, Limit: videoPerHour, Window: time.Hour},
		{Name: PolicyProxy, Limit: proxyPerMin, Window: time.Minute},
	}
}

// Set holds one Limiter per policy name.
type Set struct {
	limiters map[string]Limiter
	closers  []func()
}

// NewSet returns Redis-backed limiters when client is non-nil and in-memory
// limiters otherwise.
func NewSet(client *redis.Client, policies []Policy) *Set {
	s := &Set{limiters: make(map[string]Limiter, len(policies))}
	for _, p := range policies {
		if p.Limit <= 0 || p.Window <= 0 {
			continue
		}
		if client != nil {
			s.limiters[p.Name] = NewRedis(client, p)
			continue
		}
		mem := NewMemory(p)
		s.limiters[p.Name] = mem
		s.closers = append(s.closers, mem.Stop)
	}
	return s
}

// Get returns the limiter for a policy, or nil when the policy is disabled.
func (s *Set) Get(name string) Limiter {
	if s == nil {
		return nil
	}
	return s.limiters[name]
}

// Close stops background cleanup of in-memory limiters.
func (s *Set) Close() {
	if s == nil {
		return
	}
	for _, c := range s.closers {
		c()
	}
}
