// Copyright 2026 The vrcsocial Authors
// SPDX-License-Identifier: Apache-2.0

package state

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/S0iRu/vrcsocial/lib/clock"
	"github.com/S0iRu/vrcsocial/push"
	"github.com/S0iRu/vrcsocial/snapshot"
	"github.com/S0iRu/vrcsocial/upstream"
	"github.com/S0iRu/vrcsocial/worlds"
)

// ReconnectBackoff is the fixed delay before reopening the push
// channel after a drop.
const ReconnectBackoff = 5 * time.Second

// refreshInterval paces the periodic full-snapshot refresh that runs
// alongside the live channel.
const refreshInterval = 3 * time.Minute

// Stream is one open push channel.
type Stream interface {
	// Next blocks for the next message; returns an error when the
	// channel ends.
	Next() (push.Message, error)
	Close() error
}

// Backend is the engine's transport to the relay server. Satisfied by
// *Client.
type Backend interface {
	Snapshot(ctx context.Context) (snapshot.Result, error)
	World(ctx context.Context, worldID string) (worlds.World, error)
	Stream(ctx context.Context) (Stream, error)
}

// EngineConfig configures an Engine.
type EngineConfig struct {
	// Backend is the relay transport. Required.
	Backend Backend

	// Store holds the reconciler state. Required.
	Store *Store

	// Clock drives the refresh ticker and reconnect backoff. Required.
	Clock clock.Clock

	// OnView, when set, receives the recomputed view after every state
	// change. Called on the engine goroutine; must not block.
	OnView func(View)

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Engine drives the reconciler: snapshot first, then the push channel,
// applying every event on a single goroutine. On a channel drop it
// schedules one full reopen per drop after ReconnectBackoff, unless the
// logged-out latch is set.
type Engine struct {
	backend Backend
	store   *Store
	clock   clock.Clock
	logger  *slog.Logger
	onView  func(View)

	// tasks funnels stream messages, timer callbacks, and async
	// completions onto the Run goroutine.
	tasks chan func()

	// Loop-owned fields, touched only on the Run goroutine.
	current   Stream
	status    ConnStatus
	reconnect *clock.Timer

	loggedOut atomic.Bool
}

// NewEngine validates the config and builds an Engine.
func NewEngine(config EngineConfig) (*Engine, error) {
	if config.Backend == nil {
		return nil, fmt.Errorf("state: Backend is required")
	}
	if config.Store == nil {
		return nil, fmt.Errorf("state: Store is required")
	}
	if config.Clock == nil {
		return nil, fmt.Errorf("state: Clock is required")
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		backend: config.Backend,
		store:   config.Store,
		clock:   config.Clock,
		logger:  logger,
		onView:  config.OnView,
		tasks:   make(chan func(), 64),
		status:  StatusDisconnected,
	}, nil
}

// Run fetches the initial snapshot, opens the push channel, and
// processes events until ctx is cancelled. A failed initial snapshot
// is fatal — the channel is only opened over a populated baseline.
func (e *Engine) Run(ctx context.Context) error {
	requestedAt := e.clock.Now()
	result, err := e.backend.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("state: initial snapshot: %w", err)
	}
	e.store.ApplySnapshot(result, requestedAt)
	e.emit()

	e.connect(ctx)

	refresh := e.clock.NewTicker(refreshInterval)
	defer refresh.Stop()
	defer e.teardown()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case task := <-e.tasks:
			task()
		case <-refresh.C:
			go e.fetchRefresh(ctx)
		}
	}
}

// Logout sets the latch that suppresses all further reconnection,
// including a backoff timer already in flight. Safe from any goroutine.
func (e *Engine) Logout() {
	e.loggedOut.Store(true)
}

// do posts work to the Run goroutine.
func (e *Engine) do(ctx context.Context, task func()) {
	select {
	case e.tasks <- task:
	case <-ctx.Done():
	}
}

// connect opens the push channel. On failure it behaves like a channel
// drop: one reconnect scheduled after the backoff.
func (e *Engine) connect(ctx context.Context) {
	if e.loggedOut.Load() {
		e.setStatus(StatusDisconnected)
		return
	}

	stream, err := e.backend.Stream(ctx)
	if err != nil {
		e.logger.Warn("push channel open failed", "error", err)
		e.setStatus(StatusReconnecting)
		e.scheduleReconnect(ctx)
		return
	}
	e.current = stream
	go e.readLoop(ctx, stream)
}

// readLoop pumps one stream's messages onto the engine goroutine. It
// exits when the stream ends, posting the terminal error.
func (e *Engine) readLoop(ctx context.Context, stream Stream) {
	for {
		message, err := stream.Next()
		if err != nil {
			e.do(ctx, func() { e.handleStreamEnd(ctx, stream, err) })
			return
		}
		e.do(ctx, func() { e.handleMessage(ctx, stream, message) })
	}
}

// handleStreamEnd reacts to a channel drop: exactly one reconnect is
// scheduled per drop, none once the logged-out latch is set. Ends of
// superseded streams are ignored.
func (e *Engine) handleStreamEnd(ctx context.Context, stream Stream, err error) {
	if stream != e.current {
		return
	}
	e.current = nil
	stream.Close()

	if e.loggedOut.Load() {
		e.setStatus(StatusDisconnected)
		return
	}
	e.logger.Warn("push channel dropped", "error", err)
	e.setStatus(StatusReconnecting)
	e.scheduleReconnect(ctx)
}

func (e *Engine) scheduleReconnect(ctx context.Context) {
	e.reconnect = e.clock.AfterFunc(ReconnectBackoff, func() {
		e.do(ctx, func() { e.connect(ctx) })
	})
}

// handleMessage applies one push message. Messages from a superseded
// stream are dropped so a lingering duplicate channel cannot interleave
// stale events.
func (e *Engine) handleMessage(ctx context.Context, stream Stream, message push.Message) {
	if stream != e.current {
		return
	}

	switch message.Name {
	case push.MessageConnected:
		e.setStatus(StatusConnected)
		return
	case push.MessagePing:
		return
	case push.MessageDisconnected, push.MessageError:
		// The terminal read error follows; reconnection is scheduled
		// there, once, not here.
		e.logger.Info("relay reported channel end", "message", message.Name)
		e.setStatus(StatusReconnecting)
		return
	}

	var payload upstream.FriendPayload
	if err := json.Unmarshal(message.Data, &payload); err != nil {
		e.logger.Debug("dropping undecodable push payload", "name", message.Name, "error", err)
		return
	}

	switch upstream.EventKind(message.Name) {
	case upstream.EventOnline, upstream.EventActive:
		e.store.ApplyOnline(payload)
		e.resolveVenue(ctx, payload.UserID)
	case upstream.EventOffline:
		e.store.ApplyOffline(payload)
	case upstream.EventLocation:
		e.store.ApplyLocation(payload)
		e.resolveVenue(ctx, payload.UserID)
	case upstream.EventUpdate:
		e.store.ApplyUpdate(payload)
	default:
		e.logger.Debug("dropping unrecognized push message", "name", message.Name)
		return
	}
	e.emit()
}

// resolveVenue kicks off a fire-and-forget world lookup when the
// contact's location references an uncached world. The completion
// patches the cache and recomputes only if the contact is still at the
// same location (optimistic freshness check, no locking).
func (e *Engine) resolveVenue(ctx context.Context, contactID string) {
	loc, ok := e.store.LocationOf(contactID)
	if !ok {
		return
	}
	worldID, missing := e.store.MissingWorld(loc)
	if !missing {
		return
	}

	go func() {
		world, err := e.backend.World(ctx, worldID)
		if err != nil {
			e.logger.Warn("venue resolution failed", "world_id", worldID, "error", err)
			return
		}
		e.do(ctx, func() {
			e.store.CacheWorld(world)
			current, present := e.store.LocationOf(contactID)
			if present && current == loc {
				e.emit()
			}
		})
	}()
}

// fetchRefresh runs the periodic snapshot refresh off the engine
// goroutine and posts the merge back. The merge is push-wins: records
// updated after requestedAt survive (see Store.ApplySnapshot).
func (e *Engine) fetchRefresh(ctx context.Context) {
	requestedAt := e.clock.Now()
	result, err := e.backend.Snapshot(ctx)
	e.do(ctx, func() {
		if err != nil {
			e.logger.Warn("snapshot refresh failed", "error", err)
			return
		}
		e.store.ApplySnapshot(result, requestedAt)
		e.emit()
	})
}

func (e *Engine) setStatus(status ConnStatus) {
	if e.status == status {
		return
	}
	e.status = status
	e.emit()
}

func (e *Engine) emit() {
	if e.onView == nil {
		return
	}
	view := e.store.Recompute()
	view.Status = e.status
	e.onView(view)
}

func (e *Engine) teardown() {
	if e.reconnect != nil {
		e.reconnect.Stop()
	}
	if e.current != nil {
		e.current.Close()
		e.current = nil
	}
}
