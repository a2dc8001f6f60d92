// Copyright 2026 The vrcsocial Authors
// SPDX-License-Identifier: Apache-2.0

package snapshot

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/S0iRu/vrcsocial/lib/clock"
	"github.com/S0iRu/vrcsocial/upstream"
	"github.com/S0iRu/vrcsocial/worlds"
)

// fakeSource lets each test stub exactly the platform calls it cares
// about. Unstubbed calls return empty results.
type fakeSource struct {
	onlineFriends func(offset, pageSize int) ([]upstream.Friend, error)
	favorites     func(offset, pageSize int) ([]upstream.Favorite, error)
	user          func(userID string) (upstream.Friend, error)
	world         func(worldID string) (worlds.World, error)
}

func (s *fakeSource) OnlineFriends(_ context.Context, offset, pageSize int) ([]upstream.Friend, error) {
	if s.onlineFriends == nil {
		return nil, nil
	}
	return s.onlineFriends(offset, pageSize)
}

func (s *fakeSource) Favorites(_ context.Context, offset, pageSize int) ([]upstream.Favorite, error) {
	if s.favorites == nil {
		return nil, nil
	}
	return s.favorites(offset, pageSize)
}

func (s *fakeSource) User(_ context.Context, userID string) (upstream.Friend, error) {
	if s.user == nil {
		return upstream.Friend{}, fmt.Errorf("no user stub")
	}
	return s.user(userID)
}

func (s *fakeSource) World(_ context.Context, worldID string) (worlds.World, error) {
	if s.world == nil {
		return worlds.World{}, fmt.Errorf("no world stub")
	}
	return s.world(worldID)
}

func testFetcher(t *testing.T, source Source) *Fetcher {
	t.Helper()
	return New(source, worlds.NewCache(nil, clock.Real(), nil), clock.Real(), nil)
}

func friendFavorite(userID, group string) upstream.Favorite {
	favorite := upstream.Favorite{ID: "fvrt_" + userID, FavoriteID: userID, Type: "friend"}
	if group != "" {
		favorite.Tags = []string{group}
	}
	return favorite
}

func TestFetchCrossReference(t *testing.T) {
	t.Parallel()
	source := &fakeSource{
		onlineFriends: func(offset, _ int) ([]upstream.Friend, error) {
			if offset > 0 {
				return nil, nil
			}
			return []upstream.Friend{
				{ID: "usr_a", DisplayName: "alice", Location: "wrld_1:1"},
				{ID: "usr_b", DisplayName: "bob", Location: "wrld_1:1"},
			}, nil
		},
		favorites: func(offset, _ int) ([]upstream.Favorite, error) {
			if offset > 0 {
				return nil, nil
			}
			return []upstream.Favorite{friendFavorite("usr_a", "group_0")}, nil
		},
		world: func(worldID string) (worlds.World, error) {
			return worlds.World{ID: worldID, Name: "Test World", Capacity: 16}, nil
		},
	}

	result, err := testFetcher(t, source).Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(result.Friends) != 2 {
		t.Fatalf("friends = %d, want 2", len(result.Friends))
	}
	byID := make(map[string]Contact)
	for _, contact := range result.Friends {
		byID[contact.ID] = contact
	}
	if !byID["usr_a"].Favorite || byID["usr_a"].FavoriteGroup != "group_0" {
		t.Errorf("usr_a favorite flags = %+v", byID["usr_a"])
	}
	if byID["usr_b"].Favorite {
		t.Error("usr_b marked favorite without a favorites entry")
	}
	if byID["usr_a"].WorldName != "Test World" || byID["usr_a"].WorldCapacity != 16 {
		t.Errorf("world enrichment = %+v", byID["usr_a"])
	}
	if byID["usr_a"].InstanceTier != "Public" {
		t.Errorf("tier = %q, want Public", byID["usr_a"].InstanceTier)
	}
	if len(result.OfflineFriends) != 0 {
		t.Errorf("offline = %+v, want empty", result.OfflineFriends)
	}
}

func TestFetchPagination(t *testing.T) {
	t.Parallel()
	var offsets []int
	source := &fakeSource{
		onlineFriends: func(offset, pageSize int) ([]upstream.Friend, error) {
			offsets = append(offsets, offset)
			if offset >= PageSize {
				// Second page is short: 3 friends, stop here.
				return []upstream.Friend{
					{ID: "usr_x"}, {ID: "usr_y"}, {ID: "usr_z"},
				}, nil
			}
			page := make([]upstream.Friend, pageSize)
			for i := range page {
				page[i] = upstream.Friend{ID: fmt.Sprintf("usr_%03d", i)}
			}
			return page, nil
		},
	}

	result, err := testFetcher(t, source).Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(result.Friends) != PageSize+3 {
		t.Errorf("friends = %d, want %d", len(result.Friends), PageSize+3)
	}
	if len(offsets) != 2 || offsets[0] != 0 || offsets[1] != PageSize {
		t.Errorf("offsets = %v", offsets)
	}
}

func TestFetchOfflineBackfill(t *testing.T) {
	t.Parallel()
	source := &fakeSource{
		onlineFriends: func(int, int) ([]upstream.Friend, error) {
			return []upstream.Friend{{ID: "usr_online", Location: "private"}}, nil
		},
		favorites: func(offset, _ int) ([]upstream.Favorite, error) {
			if offset > 0 {
				return nil, nil
			}
			return []upstream.Favorite{
				friendFavorite("usr_online", "group_0"),
				friendFavorite("usr_away", "group_1"),
				friendFavorite("usr_gone", ""),
			}, nil
		},
		user: func(userID string) (upstream.Friend, error) {
			if userID == "usr_gone" {
				return upstream.Friend{}, fmt.Errorf("user fetch exploded")
			}
			return upstream.Friend{ID: userID, DisplayName: "away friend", Location: "offline"}, nil
		},
	}

	result, err := testFetcher(t, source).Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	// usr_online stays in friends; usr_away is backfilled; the failed
	// usr_gone lookup is swallowed.
	if len(result.OfflineFriends) != 1 {
		t.Fatalf("offline = %+v, want just usr_away", result.OfflineFriends)
	}
	offline := result.OfflineFriends[0]
	if offline.ID != "usr_away" || !offline.Favorite || offline.FavoriteGroup != "group_1" {
		t.Errorf("offline contact = %+v", offline)
	}
	if offline.InstanceTier != "Private" {
		t.Errorf("offline tier = %q, want Private", offline.InstanceTier)
	}
}

func TestFetchFirstPageFailureIsFatal(t *testing.T) {
	t.Parallel()
	source := &fakeSource{
		favorites: func(int, int) ([]upstream.Favorite, error) {
			return nil, fmt.Errorf("rate limited")
		},
	}
	if _, err := testFetcher(t, source).Fetch(context.Background()); err == nil {
		t.Error("Fetch succeeded with no favorites data at all")
	}
}

func TestFetchLaterPageFailureKeepsPartial(t *testing.T) {
	t.Parallel()
	source := &fakeSource{
		onlineFriends: func(offset, pageSize int) ([]upstream.Friend, error) {
			if offset > 0 {
				return nil, fmt.Errorf("rate limited")
			}
			page := make([]upstream.Friend, pageSize)
			for i := range page {
				page[i] = upstream.Friend{ID: fmt.Sprintf("usr_%03d", i)}
			}
			return page, nil
		},
	}

	result, err := testFetcher(t, source).Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch with partial pages: %v", err)
	}
	if len(result.Friends) != PageSize {
		t.Errorf("friends = %d, want the first full page", len(result.Friends))
	}
}

func TestFetchWorldLookupFailureDegrades(t *testing.T) {
	t.Parallel()
	source := &fakeSource{
		onlineFriends: func(int, int) ([]upstream.Friend, error) {
			return []upstream.Friend{
				{ID: "usr_a", Location: "wrld_good:1"},
				{ID: "usr_b", Location: "wrld_bad:1"},
			}, nil
		},
		world: func(worldID string) (worlds.World, error) {
			if worldID == "wrld_bad" {
				return worlds.World{}, fmt.Errorf("world fetch exploded")
			}
			return worlds.World{ID: worldID, Name: "Good World"}, nil
		},
	}

	result, err := testFetcher(t, source).Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	byID := make(map[string]Contact)
	for _, contact := range result.Friends {
		byID[contact.ID] = contact
	}
	if byID["usr_a"].WorldName != "Good World" {
		t.Errorf("usr_a world = %q", byID["usr_a"].WorldName)
	}
	if byID["usr_b"].WorldName != "" {
		t.Errorf("usr_b world = %q, want unenriched", byID["usr_b"].WorldName)
	}
}

func TestFetchUsesWorldCache(t *testing.T) {
	t.Parallel()
	var lookups atomic.Int32
	source := &fakeSource{
		onlineFriends: func(int, int) ([]upstream.Friend, error) {
			return []upstream.Friend{
				{ID: "usr_a", Location: "wrld_1:1"},
				{ID: "usr_b", Location: "wrld_1:2"},
				{ID: "usr_c", Location: "wrld_1:1"},
			}, nil
		},
		world: func(worldID string) (worlds.World, error) {
			lookups.Add(1)
			return worlds.World{ID: worldID, Name: "Shared"}, nil
		},
	}
	cache := worlds.NewCache(nil, clock.Real(), nil)
	fetcher := New(source, cache, clock.Real(), nil)

	if _, err := fetcher.Fetch(context.Background()); err != nil {
		t.Fatalf("first Fetch: %v", err)
	}
	if _, err := fetcher.Fetch(context.Background()); err != nil {
		t.Fatalf("second Fetch: %v", err)
	}
	if got := lookups.Load(); got != 1 {
		t.Errorf("world lookups = %d, want 1 (distinct world, cached after)", got)
	}
}

func TestBatchingBoundsConcurrencyAndDelays(t *testing.T) {
	t.Parallel()
	fake := clock.Fake(time.Unix(1700000000, 0))

	var mu sync.Mutex
	var inFlight, peak int
	var order []int
	fetcher := New(&fakeSource{}, worlds.NewCache(nil, clock.Real(), nil), fake, nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		fetcher.forEachBatch(context.Background(), 20, func(index int) {
			mu.Lock()
			inFlight++
			if inFlight > peak {
				peak = inFlight
			}
			order = append(order, index)
			inFlight--
			mu.Unlock()
		})
	}()

	// Two inter-batch delays for 20 items at batch size 8.
	for i := 0; i < 2; i++ {
		fake.WaitForTimers(1)
		fake.Advance(batchDelay)
	}
	<-done

	if peak > batchSize {
		t.Errorf("peak concurrency = %d, want <= %d", peak, batchSize)
	}
	if len(order) != 20 {
		t.Fatalf("ran %d items, want 20", len(order))
	}
	sort.Ints(order)
	for i, index := range order {
		if index != i {
			t.Fatalf("item %d missing from batch run", i)
		}
	}
}

func TestBatchingStopsOnCancel(t *testing.T) {
	t.Parallel()
	fake := clock.Fake(time.Unix(1700000000, 0))
	fetcher := New(&fakeSource{}, worlds.NewCache(nil, clock.Real(), nil), fake, nil)

	ctx, cancel := context.WithCancel(context.Background())
	var ran atomic.Int32

	done := make(chan struct{})
	go func() {
		defer close(done)
		fetcher.forEachBatch(ctx, 20, func(int) { ran.Add(1) })
	}()

	// Cancel while the loop waits out the first inter-batch delay.
	fake.WaitForTimers(1)
	cancel()
	<-done

	if got := ran.Load(); got != batchSize {
		t.Errorf("ran %d items, want only the first batch of %d", got, batchSize)
	}
}
