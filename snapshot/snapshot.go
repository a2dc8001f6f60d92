// Copyright 2026 The vrcsocial Authors
// SPDX-License-Identifier: Apache-2.0

// Package snapshot builds the initial full state the dashboard starts
// from: every currently-online friend plus every favorited friend,
// cross-referenced and enriched with world metadata.
//
// The fetch is resilient by design: an individual user or world lookup
// failure omits that one enrichment, and a paginated read that fails
// partway keeps the pages it already has. Only obtaining zero data is
// fatal.
package snapshot

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/S0iRu/vrcsocial/lib/clock"
	"github.com/S0iRu/vrcsocial/location"
	"github.com/S0iRu/vrcsocial/upstream"
	"github.com/S0iRu/vrcsocial/worlds"
)

// Contact is one enriched snapshot row, the shape the snapshot HTTP
// endpoint returns and the client engine consumes.
type Contact struct {
	ID                string `json:"id"`
	DisplayName       string `json:"displayName"`
	Status            string `json:"status"`
	StatusDescription string `json:"statusDescription,omitempty"`
	Location          string `json:"location"`
	ImageURL          string `json:"imageUrl,omitempty"`

	// Favorite and FavoriteGroup come from the favorites
	// cross-reference, not the friend record itself.
	Favorite      bool   `json:"favorite"`
	FavoriteGroup string `json:"favoriteGroup,omitempty"`

	// Best-effort world enrichment. Empty when the world fetch
	// failed or the location is a sentinel.
	WorldName         string `json:"worldName,omitempty"`
	WorldThumbnailURL string `json:"worldThumbnailUrl,omitempty"`
	WorldCapacity     int    `json:"worldCapacity,omitempty"`

	// Decoded location attributes.
	InstanceTier string `json:"instanceTier,omitempty"`
	Region       string `json:"region,omitempty"`
	OwnerID      string `json:"ownerId,omitempty"`
	GroupID      string `json:"groupId,omitempty"`
}

// Result is the full snapshot: online friends (favorited or not) and
// favorited friends who are not in the online list.
type Result struct {
	Friends        []Contact `json:"friends"`
	OfflineFriends []Contact `json:"offlineFriends"`
}

// Source is the platform read surface the fetcher needs. Satisfied by
// *upstream.Session.
type Source interface {
	OnlineFriends(ctx context.Context, offset, pageSize int) ([]upstream.Friend, error)
	Favorites(ctx context.Context, offset, pageSize int) ([]upstream.Favorite, error)
	User(ctx context.Context, userID string) (upstream.Friend, error)
	World(ctx context.Context, worldID string) (worlds.World, error)
}

// Fetch tuning. PageSize is the platform's maximum friend-list page;
// batchSize bounds concurrent individual lookups; batchDelay spaces
// batches out to respect upstream rate limits.
const (
	PageSize   = 50
	batchSize  = 8
	batchDelay = 300 * time.Millisecond
)

// Fetcher builds snapshots for one session.
type Fetcher struct {
	source Source
	cache  *worlds.Cache
	clock  clock.Clock
	logger *slog.Logger
}

// New returns a Fetcher. The world cache is shared with other
// fetchers (the relay server keeps one per process).
func New(source Source, cache *worlds.Cache, clk clock.Clock, logger *slog.Logger) *Fetcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fetcher{source: source, cache: cache, clock: clk, logger: logger}
}

// Fetch retrieves and cross-references the full contact state.
func (f *Fetcher) Fetch(ctx context.Context) (Result, error) {
	favorites, err := f.allFavorites(ctx)
	if err != nil {
		return Result{}, err
	}
	online, err := f.allOnlineFriends(ctx)
	if err != nil {
		return Result{}, err
	}

	groupByID := make(map[string]string, len(favorites))
	for _, favorite := range favorites {
		groupByID[favorite.FavoriteID] = favorite.GroupTag()
	}

	onlineIDs := make(map[string]bool, len(online))
	friends := make([]Contact, 0, len(online))
	for _, friend := range online {
		onlineIDs[friend.ID] = true
		group, isFavorite := groupByID[friend.ID]
		friends = append(friends, f.contact(friend, isFavorite, group))
	}

	// Favorited contacts missing from the online list become the
	// offline-favorites backfill, fetched individually with bounded
	// concurrency. A failed lookup omits that one contact.
	var missing []string
	for _, favorite := range favorites {
		if !onlineIDs[favorite.FavoriteID] {
			missing = append(missing, favorite.FavoriteID)
		}
	}
	offline := f.backfillOffline(ctx, missing, groupByID)

	f.resolveWorlds(ctx, friends)
	f.enrich(friends)
	f.enrich(offline)

	return Result{Friends: friends, OfflineFriends: offline}, nil
}

// allFavorites pages through the favorites list: fixed page size,
// continue while the page comes back full, stop on a short page. A
// page error keeps the favorites already fetched; it is fatal only
// when the first page fails.
func (f *Fetcher) allFavorites(ctx context.Context) ([]upstream.Favorite, error) {
	var all []upstream.Favorite
	for offset := 0; ; offset += PageSize {
		page, err := f.source.Favorites(ctx, offset, PageSize)
		if err != nil {
			if offset == 0 {
				return nil, fmt.Errorf("snapshot: favorites fetch: %w", err)
			}
			f.logger.Warn("favorites page failed, keeping earlier pages",
				"offset", offset, "error", err)
			return all, nil
		}
		all = append(all, page...)
		if len(page) < PageSize {
			return all, nil
		}
	}
}

// allOnlineFriends pages through the online friend list with the same
// rules as allFavorites.
func (f *Fetcher) allOnlineFriends(ctx context.Context) ([]upstream.Friend, error) {
	var all []upstream.Friend
	for offset := 0; ; offset += PageSize {
		page, err := f.source.OnlineFriends(ctx, offset, PageSize)
		if err != nil {
			if offset == 0 {
				return nil, fmt.Errorf("snapshot: online friends fetch: %w", err)
			}
			f.logger.Warn("friend page failed, keeping earlier pages",
				"offset", offset, "error", err)
			return all, nil
		}
		all = append(all, page...)
		if len(page) < PageSize {
			return all, nil
		}
	}
}

// backfillOffline fetches the favorited-but-not-online contacts
// individually, batchSize at a time with an inter-batch delay.
// Individual failures are swallowed — that contact is simply absent
// until the next refresh.
func (f *Fetcher) backfillOffline(ctx context.Context, userIDs []string, groupByID map[string]string) []Contact {
	contacts := make([]Contact, 0, len(userIDs))
	var mu sync.Mutex

	f.forEachBatch(ctx, len(userIDs), func(index int) {
		userID := userIDs[index]
		friend, err := f.source.User(ctx, userID)
		if err != nil {
			f.logger.Warn("offline favorite lookup failed", "user_id", userID, "error", err)
			return
		}
		contact := f.contact(friend, true, groupByID[userID])
		mu.Lock()
		contacts = append(contacts, contact)
		mu.Unlock()
	})
	return contacts
}

// resolveWorlds fills the world cache for every distinct world id the
// contacts reference, batched with the same concurrency bound. Lookup
// failures leave that world unenriched.
func (f *Fetcher) resolveWorlds(ctx context.Context, contacts []Contact) {
	seen := make(map[string]bool)
	var pending []string
	for _, contact := range contacts {
		worldID := location.Parse(contact.Location).WorldID
		if worldID == "" || seen[worldID] {
			continue
		}
		seen[worldID] = true
		if _, ok := f.cache.Get(worldID); !ok {
			pending = append(pending, worldID)
		}
	}

	f.forEachBatch(ctx, len(pending), func(index int) {
		worldID := pending[index]
		world, err := f.source.World(ctx, worldID)
		if err != nil {
			f.logger.Warn("world lookup failed", "world_id", worldID, "error", err)
			return
		}
		f.cache.Put(world)
	})
}

// forEachBatch runs fn(0..n-1) in batches of batchSize concurrent
// calls, sleeping batchDelay between batches. Stops scheduling new
// batches once ctx is cancelled.
func (f *Fetcher) forEachBatch(ctx context.Context, n int, fn func(index int)) {
	for start := 0; start < n; start += batchSize {
		if ctx.Err() != nil {
			return
		}
		if start > 0 {
			select {
			case <-f.clock.After(batchDelay):
			case <-ctx.Done():
				return
			}
		}

		end := start + batchSize
		if end > n {
			end = n
		}
		var wg sync.WaitGroup
		for index := start; index < end; index++ {
			wg.Add(1)
			go func(index int) {
				defer wg.Done()
				fn(index)
			}(index)
		}
		wg.Wait()
	}
}

// contact converts a platform friend record into a snapshot row.
func (f *Fetcher) contact(friend upstream.Friend, isFavorite bool, group string) Contact {
	return Contact{
		ID:                friend.ID,
		DisplayName:       friend.DisplayName,
		Status:            friend.Status,
		StatusDescription: friend.StatusDescription,
		Location:          friend.Location,
		ImageURL:          friend.ImageURL,
		Favorite:          isFavorite,
		FavoriteGroup:     group,
	}
}

// enrich fills decoded location attributes and cached world metadata
// onto each contact. Unresolved worlds degrade to the raw location
// string (the UI falls back to showing it).
func (f *Fetcher) enrich(contacts []Contact) {
	for i := range contacts {
		decoded := location.Parse(contacts[i].Location)
		contacts[i].InstanceTier = decoded.Tier.Label()
		contacts[i].Region = decoded.Region
		contacts[i].OwnerID = decoded.OwnerID
		contacts[i].GroupID = decoded.GroupID

		if decoded.WorldID == "" {
			continue
		}
		if world, ok := f.cache.Get(decoded.WorldID); ok {
			contacts[i].WorldName = world.Name
			contacts[i].WorldThumbnailURL = world.ThumbnailURL
			contacts[i].WorldCapacity = world.Capacity
		}
	}
}
