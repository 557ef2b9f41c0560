// Package cache stores read models with tag-based invalidation.
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

type Cache interface {
	// Get decodes the cached value into dst and reports whether it was found.
	Get(ctx context.Context, key string, dst any) (bool, error)
	Set(ctx context.Context, key string, value any, ttl time.Duration, tags ...string) error
	// InvalidateTags removes every key registered under any of the tags.
	InvalidateTags(ctx context.Context, tags ...string) error
}

// Tag helpers shared by the domain services.
func UserProjectsTag(userID string) string { return "user:" + userID + ":projects" }
func ProjectTag(projectID string) string    { return "project:" + projectID }

// Nop never stores anything.
type Nop struct{}

func (Nop) Get(context.Context, string, any) (bool, error) { return false, nil }
func (Nop) Set(context.Context, string, any, time.Duration, ...string) error {
	return nil
}
func (Nop) InvalidateTags(context.Context, ...string) error { return nil }

// Loader wraps a Cache so concurrent misses for one key run load once.
// Cache failures are logged and treated as misses.
//
// Invalidations through the Loader bump a per-tag generation. A load that
// overlaps an invalidation of one of its tags still returns its result but
// does not store it. Invalidations on other instances are only bounded by
// the entry TTL.
type Loader struct {
	cache Cache
	group singleflight.Group

	mu          sync.Mutex
	generations map[string]uint64
}

func NewLoader(c Cache) *Loader {
	if c == nil {
		c = Nop{}
	}
	return &Loader{cache: c, generations: map[string]uint64{}}
}

func (l *Loader) snapshot(tags []string) []uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	gens := make([]uint64, len(tags))
	for i, tag := range tags {
		gens[i] = l.generations[tag]
	}
	return gens
}

func (l *Loader) unchanged(tags []string, gens []uint64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, tag := range tags {
		if l.generations[tag] != gens[i] {
			return false
		}
	}
	return true
}

func (l *Loader) Cache() Cache {
	return l.cache
}

// GetOrLoad returns the value cached under key, or calls load and stores its
// result under key with tags.
func GetOrLoad[T any](ctx context.Context, l *Loader, key string, ttl time.Duration, tags []string, load func(context.Context) (T, error)) (T, error) {
	var cached T
	found, err := l.cache.Get(ctx, key, &cached)
	if err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Str("key", key).Msg("cache get failed")
	}
	if found && err == nil {
		return cached, nil
	}

	v, err, _ := l.group.Do(key, func() (any, error) {
		gens := l.snapshot(tags)
		value, err := load(ctx)
		if err != nil {
			return value, err
		}
		if !l.unchanged(tags, gens) {
			return value, nil
		}
		if setErr := l.cache.Set(ctx, key, value, ttl, tags...); setErr != nil {
			zerolog.Ctx(ctx).Warn().Err(setErr).Str("key", key).Msg("cache set failed")
			return value, nil
		}
		// An invalidation between the check and the write may have run its
		// tag delete before the key existed.
		if !l.unchanged(tags, gens) {
			if err := l.cache.InvalidateTags(ctx, tags...); err != nil {
				zerolog.Ctx(ctx).Warn().Err(err).Strs("tags", tags).Msg("cache invalidation failed")
			}
		}
		return value, nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return v.(T), nil
}

// Invalidate drops tags, logging instead of failing the caller.
func (l *Loader) Invalidate(ctx context.Context, tags ...string) {
	l.mu.Lock()
	if l.generations == nil {
		l.generations = map[string]uint64{}
	}
	for _, tag := range tags {
		l.generations[tag]++
	}
	l.mu.Unlock()
	if err := l.cache.InvalidateTags(ctx, tags...); err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Strs("tags", tags).Msg("cache invalidation failed")
	}
}
