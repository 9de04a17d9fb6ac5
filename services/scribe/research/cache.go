// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package research

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianScribe/services/scribe/datatypes"
)

// DefaultCacheTTL is how long external search results stay fresh.
const DefaultCacheTTL = 24 * time.Hour

type cacheEntry struct {
	sources   []datatypes.Source
	expiresAt time.Time
}

// CachedSource is a read-through TTL cache around an ExternalSource. Repeat
// queries within the TTL skip the provider entirely, which matters for
// rate-limited APIs during stage retries.
type CachedSource struct {
	inner ExternalSource
	ttl   time.Duration

	mu      sync.Mutex
	entries map[string]cacheEntry
}

// NewCachedSource wraps inner. A non-positive ttl falls back to
// DefaultCacheTTL.
func NewCachedSource(inner ExternalSource, ttl time.Duration) *CachedSource {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &CachedSource{
		inner:   inner,
		ttl:     ttl,
		entries: make(map[string]cacheEntry),
	}
}

// Name passes through the wrapped source's name.
func (c *CachedSource) Name() string {
	return c.inner.Name()
}

// Search serves fresh cached results when present, otherwise queries the
// wrapped source and caches the outcome. Errors are never cached.
func (c *CachedSource) Search(ctx context.Context, query string, limit int) ([]datatypes.Source, error) {
	key := cacheKey(query, limit)
	now := time.Now()

	c.mu.Lock()
	entry, ok := c.entries[key]
	c.mu.Unlock()
	if ok && entry.expiresAt.After(now) {
		slog.Debug("research cache hit", "source", c.inner.Name(), "query", query)
		return cloneSources(entry.sources), nil
	}

	sources, err := c.inner.Search(ctx, query, limit)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.entries[key] = cacheEntry{sources: cloneSources(sources), expiresAt: now.Add(c.ttl)}
	c.evictExpiredLocked(now)
	c.mu.Unlock()
	return sources, nil
}

// evictExpiredLocked drops stale entries opportunistically on write. Callers
// must hold mu.
func (c *CachedSource) evictExpiredLocked(now time.Time) {
	for key, entry := range c.entries {
		if !entry.expiresAt.After(now) {
			delete(c.entries, key)
		}
	}
}

func cacheKey(query string, limit int) string {
	return fmt.Sprintf("%s|%d", datatypes.NormalizeTitle(query), limit)
}

// cloneSources keeps callers from mutating cached slices through the
// aggregator's in-place ranking and dedup flags.
func cloneSources(sources []datatypes.Source) []datatypes.Source {
	out := make([]datatypes.Source, len(sources))
	copy(out, sources)
	return out
}
