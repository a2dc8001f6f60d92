// Copyright 2026 The vrcsocial Authors
// SPDX-License-Identifier: Apache-2.0

// Package worlds caches world (venue) metadata so the dashboard does
// not re-fetch the same world on every location event. Entries expire
// after TTL; reads are read-through (expired entries report missing),
// writes are write-through to the optional persister so the cache
// survives client reloads.
package worlds

import (
	"log/slog"
	"sync"
	"time"

	"github.com/S0iRu/vrcsocial/lib/clock"
)

// TTL is the fixed lifetime of a cache entry. An entry exactly at TTL
// is already expired.
const TTL = 24 * time.Hour

// StoreKey is the durable storage key holding the cache map.
const StoreKey = "world-cache"

// World is the metadata the dashboard needs about a venue.
type World struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	ThumbnailURL string `json:"thumbnailImageUrl"`
	Capacity     int    `json:"capacity"`
}

// Entry is a cached world with its fetch timestamp. Exported so the
// persisted form round-trips through JSON.
type Entry struct {
	World
	CachedAt time.Time `json:"cachedAt"`
}

// Persister is the durable storage surface the cache writes through
// to. Satisfied by *localstore.Store.
type Persister interface {
	Get(key string, v any) (bool, error)
	Put(key string, v any) error
}

// Cache is a TTL cache of world metadata. Safe for concurrent use —
// the relay server shares one cache across sessions.
type Cache struct {
	mu      sync.Mutex
	entries map[string]Entry
	store   Persister // nil for a purely in-memory cache
	clock   clock.Clock
	logger  *slog.Logger
}

// NewCache returns a cache backed by the given persister. Pass a nil
// store for an in-memory cache (the server side). Persisted entries
// are loaded eagerly; expired ones are dropped on first read.
func NewCache(store Persister, clk clock.Clock, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	cache := &Cache{
		entries: make(map[string]Entry),
		store:   store,
		clock:   clk,
		logger:  logger,
	}
	if store != nil {
		var persisted map[string]Entry
		found, err := store.Get(StoreKey, &persisted)
		if err != nil {
			logger.Warn("discarding unreadable world cache", "error", err)
		} else if found {
			cache.entries = persisted
		}
	}
	return cache
}

// Get returns the cached world for id. A missing or expired entry
// returns false; expired entries are removed on the way out.
func (c *Cache) Get(id string) (World, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[id]
	if !ok {
		return World{}, false
	}
	if c.clock.Now().Sub(entry.CachedAt) >= TTL {
		delete(c.entries, id)
		return World{}, false
	}
	return entry.World, true
}

// Put stores a world with the current time as its fetch timestamp and
// writes the whole cache through to the persister.
func (c *Cache) Put(world World) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[world.ID] = Entry{World: world, CachedAt: c.clock.Now()}
	c.persistLocked()
}

// Prune drops expired entries and persists. The client engine calls
// this on startup so stale reloaded entries do not linger in the
// persisted file.
func (c *Cache) Prune() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	changed := false
	for id, entry := range c.entries {
		if now.Sub(entry.CachedAt) >= TTL {
			delete(c.entries, id)
			changed = true
		}
	}
	if changed {
		c.persistLocked()
	}
}

func (c *Cache) persistLocked() {
	if c.store == nil {
		return
	}
	if err := c.store.Put(StoreKey, c.entries); err != nil {
		c.logger.Warn("persisting world cache", "error", err)
	}
}
