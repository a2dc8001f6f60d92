// Copyright 2026 The vrcsocial Authors
// SPDX-License-Identifier: Apache-2.0

package worlds

import (
	"testing"
	"time"

	"github.com/S0iRu/vrcsocial/lib/clock"
	"github.com/S0iRu/vrcsocial/localstore"
)

var pug = World{ID: "wrld_pug", Name: "The Great Pug", ThumbnailURL: "https://img/pug.png", Capacity: 32}

func TestGetMissing(t *testing.T) {
	t.Parallel()
	cache := NewCache(nil, clock.Fake(time.Unix(0, 0)), nil)
	if _, ok := cache.Get("wrld_nope"); ok {
		t.Error("Get returned a world never put")
	}
}

func TestPutGet(t *testing.T) {
	t.Parallel()
	cache := NewCache(nil, clock.Fake(time.Unix(1000, 0)), nil)
	cache.Put(pug)
	got, ok := cache.Get("wrld_pug")
	if !ok {
		t.Fatal("Get missed a fresh entry")
	}
	if got != pug {
		t.Errorf("Get = %+v, want %+v", got, pug)
	}
}

// TestTTLBoundary: an entry exactly at TTL is expired.
func TestTTLBoundary(t *testing.T) {
	t.Parallel()
	fake := clock.Fake(time.Unix(1000, 0))
	cache := NewCache(nil, fake, nil)
	cache.Put(pug)

	fake.Advance(TTL - time.Second)
	if _, ok := cache.Get("wrld_pug"); !ok {
		t.Error("entry expired before TTL")
	}

	fake.Advance(time.Second)
	if _, ok := cache.Get("wrld_pug"); ok {
		t.Error("entry exactly at TTL was returned")
	}
}

func TestPersistenceAcrossReload(t *testing.T) {
	t.Parallel()
	store, err := localstore.Open(t.TempDir())
	if err != nil {
		t.Fatalf("localstore.Open: %v", err)
	}
	fake := clock.Fake(time.Unix(1000, 0))

	first := NewCache(store, fake, nil)
	first.Put(pug)

	second := NewCache(store, fake, nil)
	got, ok := second.Get("wrld_pug")
	if !ok {
		t.Fatal("reloaded cache missed a persisted entry")
	}
	if got.Name != "The Great Pug" {
		t.Errorf("reloaded name = %q", got.Name)
	}

	// Entries past TTL must not survive a reload either.
	fake.Advance(TTL)
	third := NewCache(store, fake, nil)
	if _, ok := third.Get("wrld_pug"); ok {
		t.Error("expired entry returned after reload")
	}
}

func TestPrune(t *testing.T) {
	t.Parallel()
	store, err := localstore.Open(t.TempDir())
	if err != nil {
		t.Fatalf("localstore.Open: %v", err)
	}
	fake := clock.Fake(time.Unix(1000, 0))
	cache := NewCache(store, fake, nil)
	cache.Put(pug)
	fake.Advance(TTL)
	cache.Put(World{ID: "wrld_roof", Name: "Midnight Rooftop"})
	cache.Prune()

	var persisted map[string]Entry
	if found, err := store.Get(StoreKey, &persisted); err != nil || !found {
		t.Fatalf("reading persisted cache: found=%v err=%v", found, err)
	}
	if _, ok := persisted["wrld_pug"]; ok {
		t.Error("Prune left an expired entry in the persisted cache")
	}
	if _, ok := persisted["wrld_roof"]; !ok {
		t.Error("Prune dropped a live entry")
	}
}
