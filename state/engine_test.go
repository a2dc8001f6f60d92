// Copyright 2026 The vrcsocial Authors
// SPDX-License-Identifier: Apache-2.0

package state

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/S0iRu/vrcsocial/eventlog"
	"github.com/S0iRu/vrcsocial/lib/clock"
	"github.com/S0iRu/vrcsocial/lib/testutil"
	"github.com/S0iRu/vrcsocial/location"
	"github.com/S0iRu/vrcsocial/push"
	"github.com/S0iRu/vrcsocial/snapshot"
	"github.com/S0iRu/vrcsocial/upstream"
	"github.com/S0iRu/vrcsocial/worlds"
)

// fakeStream is a scriptable push channel.
type fakeStream struct {
	messages chan push.Message
	closed   chan struct{}
	once     sync.Once
	err      error
}

func newFakeStream() *fakeStream {
	return &fakeStream{
		messages: make(chan push.Message, 16),
		closed:   make(chan struct{}),
	}
}

func (s *fakeStream) send(t *testing.T, name string, payload any) {
	t.Helper()
	var data []byte
	if payload != nil {
		var err error
		data, err = json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal payload: %v", err)
		}
	}
	s.messages <- push.Message{Name: name, Data: data}
}

// end terminates the stream with the given error (nil reads as EOF).
func (s *fakeStream) end(err error) {
	s.once.Do(func() {
		s.err = err
		close(s.closed)
	})
}

func (s *fakeStream) Next() (push.Message, error) {
	select {
	case message := <-s.messages:
		return message, nil
	case <-s.closed:
		if s.err != nil {
			return push.Message{}, s.err
		}
		return push.Message{}, io.EOF
	}
}

func (s *fakeStream) Close() error {
	s.end(nil)
	return nil
}

// fakeBackend is a scriptable relay transport.
type fakeBackend struct {
	mu         sync.Mutex
	snapshotFn func(ctx context.Context) (snapshot.Result, error)
	worldFn    func(ctx context.Context, worldID string) (worlds.World, error)
	streamFn   func(ctx context.Context) (Stream, error)

	snapshotCalls atomic.Int32
	streamOpens   chan struct{}
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{streamOpens: make(chan struct{}, 16)}
}

func (b *fakeBackend) setSnapshot(fn func(ctx context.Context) (snapshot.Result, error)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.snapshotFn = fn
}

func (b *fakeBackend) Snapshot(ctx context.Context) (snapshot.Result, error) {
	b.snapshotCalls.Add(1)
	b.mu.Lock()
	fn := b.snapshotFn
	b.mu.Unlock()
	if fn == nil {
		return snapshot.Result{}, nil
	}
	return fn(ctx)
}

func (b *fakeBackend) World(ctx context.Context, worldID string) (worlds.World, error) {
	b.mu.Lock()
	fn := b.worldFn
	b.mu.Unlock()
	if fn == nil {
		return worlds.World{ID: worldID, Name: "World " + worldID}, nil
	}
	return fn(ctx, worldID)
}

func (b *fakeBackend) Stream(ctx context.Context) (Stream, error) {
	b.mu.Lock()
	fn := b.streamFn
	b.mu.Unlock()
	b.streamOpens <- struct{}{}
	if fn == nil {
		return nil, fmt.Errorf("no stream scripted")
	}
	return fn(ctx)
}

type engineFixture struct {
	engine  *Engine
	backend *fakeBackend
	fake    *clock.FakeClock
	cache   *worlds.Cache
	views   chan View
	done    chan error
}

func startEngine(t *testing.T, backend *fakeBackend) *engineFixture {
	t.Helper()
	fake := clock.Fake(time.Unix(1700000000, 0))
	mem := memPersister{}
	cache := worlds.NewCache(nil, fake, nil)
	store := NewStore(StoreConfig{
		Worlds:    cache,
		Log:       eventlog.New(mem, fake, nil),
		Persister: mem,
		Clock:     fake,
	})

	views := make(chan View, 64)
	engine, err := NewEngine(EngineConfig{
		Backend: backend,
		Store:   store,
		Clock:   fake,
		OnView:  func(view View) { views <- view },
	})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- engine.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return &engineFixture{
		engine: engine, backend: backend, fake: fake,
		cache: cache, views: views, done: done,
	}
}

// waitView receives views until one satisfies the predicate.
func (f *engineFixture) waitView(t *testing.T, what string, ok func(View) bool) View {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case view := <-f.views:
			if ok(view) {
				return view
			}
		case <-deadline:
			t.Fatalf("timed out waiting for view: %s", what)
		}
	}
}

func hasInstance(view View, key string) bool {
	for _, instance := range view.Instances {
		if instance.Key == key {
			return true
		}
	}
	return false
}

func TestEngineSnapshotBeforeStream(t *testing.T) {
	t.Parallel()
	backend := newFakeBackend()
	backend.setSnapshot(func(context.Context) (snapshot.Result, error) {
		return snapshot.Result{Friends: []snapshot.Contact{
			{ID: "usr_a", DisplayName: "alice", Favorite: true, FavoriteGroup: "group_0", Location: "wrld_1:1"},
		}}, nil
	})
	stream := newFakeStream()
	backend.streamFn = func(context.Context) (Stream, error) {
		if backend.snapshotCalls.Load() == 0 {
			t.Error("stream opened before the initial snapshot")
		}
		return stream, nil
	}

	f := startEngine(t, backend)
	f.waitView(t, "initial instance", func(view View) bool {
		return hasInstance(view, "wrld_1:1")
	})

	stream.send(t, push.MessageConnected, nil)
	f.waitView(t, "connected status", func(view View) bool {
		return view.Status == StatusConnected
	})

	stream.send(t, "friend-location", upstream.FriendPayload{UserID: "usr_a", Location: "wrld_2:2"})
	f.waitView(t, "moved instance", func(view View) bool {
		return hasInstance(view, "wrld_2:2") && !hasInstance(view, "wrld_1:1")
	})
}

func TestEngineOneReconnectPerDropAndLatch(t *testing.T) {
	t.Parallel()
	backend := newFakeBackend()
	backend.streamFn = func(context.Context) (Stream, error) {
		stream := newFakeStream()
		stream.end(io.ErrUnexpectedEOF)
		return stream, nil
	}

	f := startEngine(t, backend)
	testutil.RequireReceive(t, backend.streamOpens, 5*time.Second, "initial open")

	// Three drops in a row: each schedules exactly one reconnect,
	// which fires after the fixed backoff.
	for i := 0; i < 3; i++ {
		// Pending timers: the refresh ticker plus the reconnect.
		f.fake.WaitForTimers(2)
		f.fake.Advance(ReconnectBackoff)
		testutil.RequireReceive(t, backend.streamOpens, 5*time.Second, "reconnect %d", i)
	}

	// The latch suppresses the already-scheduled reconnect.
	f.engine.Logout()
	f.fake.WaitForTimers(2)
	f.fake.Advance(ReconnectBackoff)
	testutil.RequireNoReceive(t, backend.streamOpens, 300*time.Millisecond,
		"reconnect attempted after logout")
}

func TestEngineStreamOpenFailureRetries(t *testing.T) {
	t.Parallel()
	backend := newFakeBackend()
	var failFirst atomic.Bool
	failFirst.Store(true)
	healthy := newFakeStream()
	backend.streamFn = func(context.Context) (Stream, error) {
		if failFirst.Swap(false) {
			return nil, fmt.Errorf("relay unavailable")
		}
		return healthy, nil
	}

	f := startEngine(t, backend)
	testutil.RequireReceive(t, backend.streamOpens, 5*time.Second, "failed open")
	f.waitView(t, "reconnecting status", func(view View) bool {
		return view.Status == StatusReconnecting
	})

	f.fake.WaitForTimers(2)
	f.fake.Advance(ReconnectBackoff)
	testutil.RequireReceive(t, backend.streamOpens, 5*time.Second, "retry open")
	healthy.send(t, push.MessageConnected, nil)
	f.waitView(t, "connected after retry", func(view View) bool {
		return view.Status == StatusConnected
	})
}

func TestEngineRefreshMergeKeepsNewerPushState(t *testing.T) {
	t.Parallel()
	backend := newFakeBackend()
	backend.setSnapshot(func(context.Context) (snapshot.Result, error) {
		return snapshot.Result{Friends: []snapshot.Contact{
			{ID: "usr_a", DisplayName: "alice", Favorite: true, FavoriteGroup: "group_0", Location: "wrld_1:1"},
		}}, nil
	})
	stream := newFakeStream()
	backend.streamFn = func(context.Context) (Stream, error) { return stream, nil }

	f := startEngine(t, backend)
	stream.send(t, push.MessageConnected, nil)
	f.waitView(t, "connected", func(view View) bool { return view.Status == StatusConnected })

	// Script the refresh: it returns the stale location, but only
	// after a push event has moved the contact.
	refreshEntered := make(chan struct{})
	release := make(chan struct{})
	// usr_b is new in the refresh, which makes the post-merge view
	// recognizable.
	backend.setSnapshot(func(context.Context) (snapshot.Result, error) {
		close(refreshEntered)
		<-release
		return snapshot.Result{Friends: []snapshot.Contact{
			{ID: "usr_a", DisplayName: "alice", Favorite: true, FavoriteGroup: "group_0", Location: "wrld_1:1"},
			{ID: "usr_b", DisplayName: "bob", Favorite: true, FavoriteGroup: "group_1", Location: "wrld_3:3"},
		}}, nil
	})

	f.fake.Advance(refreshInterval)
	testutil.RequireClosed(t, refreshEntered, 5*time.Second, "refresh started")

	// The push arrives after the refresh's request time.
	f.fake.Advance(time.Second)
	stream.send(t, "friend-location", upstream.FriendPayload{UserID: "usr_a", Location: "wrld_2:2"})
	f.waitView(t, "push applied", func(view View) bool { return hasInstance(view, "wrld_2:2") })

	// The stale refresh completes; the merge must not regress usr_a.
	close(release)
	merged := f.waitView(t, "merge emitted", func(view View) bool {
		return hasInstance(view, "wrld_3:3")
	})
	if !hasInstance(merged, "wrld_2:2") || hasInstance(merged, "wrld_1:1") {
		t.Errorf("stale refresh regressed state: %+v", merged.Instances)
	}
}

func TestEngineVenueResolutionFreshness(t *testing.T) {
	t.Parallel()
	backend := newFakeBackend()
	backend.setSnapshot(func(context.Context) (snapshot.Result, error) {
		return snapshot.Result{OfflineFriends: []snapshot.Contact{
			{ID: "usr_a", DisplayName: "alice", Favorite: true, FavoriteGroup: "group_0", Location: location.Offline},
		}}, nil
	})
	stream := newFakeStream()
	backend.streamFn = func(context.Context) (Stream, error) { return stream, nil }

	release := make(chan struct{})
	backend.worldFn = func(_ context.Context, worldID string) (worlds.World, error) {
		if worldID == "wrld_slow" {
			<-release
		}
		return worlds.World{ID: worldID, Name: "Resolved " + worldID}, nil
	}

	f := startEngine(t, backend)
	stream.send(t, push.MessageConnected, nil)
	f.waitView(t, "connected", func(view View) bool { return view.Status == StatusConnected })

	// Arrive at a world whose resolution hangs, then leave before it
	// completes.
	stream.send(t, "friend-online", upstream.FriendPayload{
		UserID: "usr_a",
		User:   &upstream.Friend{ID: "usr_a", DisplayName: "alice", Status: "active"},
		Location: "wrld_slow:1",
	})
	f.waitView(t, "unresolved instance", func(view View) bool {
		return hasInstance(view, "wrld_slow:1")
	})
	stream.send(t, "friend-location", upstream.FriendPayload{UserID: "usr_a", Location: location.Private})
	f.waitView(t, "moved to private", func(view View) bool {
		return hasInstance(view, location.TierPrivate.Label())
	})

	// The late resolution caches the world but must not emit a view
	// for the superseded location.
	close(release)
	testutil.RequireNoReceive(t, f.views, 300*time.Millisecond,
		"stale venue resolution recomputed the view")
	if _, ok := f.cache.Get("wrld_slow"); !ok {
		t.Error("late venue resolution was not cached")
	}

	// A fresh resolution at the current location does recompute.
	stream.send(t, "friend-location", upstream.FriendPayload{UserID: "usr_a", Location: "wrld_fast:1"})
	f.waitView(t, "resolved world name", func(view View) bool {
		for _, instance := range view.Instances {
			if instance.Key == "wrld_fast:1" && instance.World.Name == "Resolved wrld_fast" {
				return true
			}
		}
		return false
	})
}

func TestEngineInitialSnapshotFailureIsFatal(t *testing.T) {
	t.Parallel()
	backend := newFakeBackend()
	backend.setSnapshot(func(context.Context) (snapshot.Result, error) {
		return snapshot.Result{}, fmt.Errorf("platform down")
	})
	store := NewStore(StoreConfig{
		Worlds: worlds.NewCache(nil, clock.Real(), nil),
		Log:    eventlog.New(memPersister{}, clock.Real(), nil),
		Clock:  clock.Real(),
	})
	engine, err := NewEngine(EngineConfig{Backend: backend, Store: store, Clock: clock.Real()})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	if err := engine.Run(context.Background()); err == nil {
		t.Error("Run succeeded with a failed initial snapshot")
	}
}
